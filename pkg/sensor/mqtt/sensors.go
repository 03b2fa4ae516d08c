package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/txn2/steptracker/pkg/motion"
	"github.com/txn2/steptracker/pkg/steps"
)

type payload interface {
	valid() bool
}

// stepPayload is published on the step topic: {"steps": 1234}.
type stepPayload struct {
	Steps *int `json:"steps"`
}

func (p stepPayload) valid() bool { return p.Steps != nil && *p.Steps >= 0 }

// samplePayload is published on the motion topic: {"x":0.1,"y":9.7,"z":0.3}.
type samplePayload struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

func (p samplePayload) valid() bool {
	for _, v := range []*float64{p.X, p.Y, p.Z} {
		if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
			return false
		}
	}
	return true
}

// controlPayload is published retained on the control topic.
type controlPayload struct {
	SampleIntervalMS int64 `json:"sample_interval_ms"`
}

// StepCounter implements steps.StepCounter over the step topic.
type StepCounter struct {
	stream *stream[stepPayload]
}

// Available reports whether the broker connection is open.
func (c *StepCounter) Available(context.Context) (bool, error) {
	return c.stream.bridge.Connected(), nil
}

// RequestPermission always grants; the device app holds the OS permission.
func (*StepCounter) RequestPermission(context.Context) (bool, error) {
	return true, nil
}

// Subscribe delivers every cumulative count published by the device.
func (c *StepCounter) Subscribe(fn func(steps.StepEvent)) (steps.Subscription, error) {
	sub, err := c.stream.subscribe(func(p stepPayload) {
		fn(steps.StepEvent{Steps: *p.Steps})
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Accelerometer implements steps.Accelerometer over the motion topic.
type Accelerometer struct {
	stream  *stream[samplePayload]
	control string
	bridge  *Bridge
}

// Available reports whether the broker connection is open.
func (a *Accelerometer) Available(context.Context) (bool, error) {
	return a.bridge.Connected(), nil
}

// SetSampleInterval asks the device to publish samples every d. The
// request is retained so a device that connects later picks it up.
func (a *Accelerometer) SetSampleInterval(d time.Duration) error {
	body, err := json.Marshal(controlPayload{SampleIntervalMS: d.Milliseconds()})
	if err != nil {
		return fmt.Errorf("encoding control message: %w", err)
	}
	if err := wait(a.bridge.client.Publish(a.control, a.bridge.cfg.QoS, true, body), a.bridge.cfg.Timeout); err != nil {
		return fmt.Errorf("publishing sample interval: %w", err)
	}
	return nil
}

// Subscribe delivers every motion sample published by the device.
func (a *Accelerometer) Subscribe(fn func(motion.Sample)) (steps.Subscription, error) {
	sub, err := a.stream.subscribe(func(p samplePayload) {
		fn(motion.Sample{X: *p.X, Y: *p.Y, Z: *p.Z})
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Verify interface compliance.
var (
	_ steps.StepCounter   = (*StepCounter)(nil)
	_ steps.Accelerometer = (*Accelerometer)(nil)
	_ steps.Subscription  = (*subscription)(nil)
)
