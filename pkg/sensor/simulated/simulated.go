// Package simulated provides a synthetic device for local runs and demos:
// a walker whose cumulative step counter advances at a steady cadence,
// with periodic shake bursts that inflate the counter and produce violent
// accelerometer readings.
package simulated

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/txn2/steptracker/pkg/motion"
	"github.com/txn2/steptracker/pkg/steps"
)

// Defaults for Config.
const (
	DefaultCadence        = time.Second
	DefaultStepsPerTick   = 2
	DefaultSampleInterval = 100 * time.Millisecond
	DefaultShakeFor       = time.Second
)

// Config shapes the synthetic signal.
type Config struct {
	// Cadence is how often the step counter advances.
	Cadence time.Duration
	// StepsPerTick is the walking increment per cadence tick.
	StepsPerTick int
	// ShakeEvery starts a shake burst on this period; zero disables shakes.
	ShakeEvery time.Duration
	// ShakeFor is the length of a burst.
	ShakeFor time.Duration
	// Seed makes the signal reproducible.
	Seed uint64
}

func (c Config) withDefaults() Config {
	if c.Cadence <= 0 {
		c.Cadence = DefaultCadence
	}
	if c.StepsPerTick <= 0 {
		c.StepsPerTick = DefaultStepsPerTick
	}
	if c.ShakeFor <= 0 {
		c.ShakeFor = DefaultShakeFor
	}
	return c
}

// Device is the simulated phone.
type Device struct {
	cfg Config

	mu           sync.Mutex
	rng          *rand.Rand
	counter      int
	interval     time.Duration
	shakingUntil time.Time
	nextID       int
	stepSubs     map[int]func(steps.StepEvent)
	sampleSubs   map[int]func(motion.Sample)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a stopped device.
func New(cfg Config) *Device {
	cfg = cfg.withDefaults()
	return &Device{
		cfg:        cfg,
		rng:        rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x5eed)),
		interval:   DefaultSampleInterval,
		stepSubs:   make(map[int]func(steps.StepEvent)),
		sampleSubs: make(map[int]func(motion.Sample)),
	}
}

// Start runs the signal generators until Stop or ctx ends.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return nil
	}
	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.walk(ctx)
	}()
	go func() {
		defer d.wg.Done()
		d.sample(ctx)
	}()
	return nil
}

// Stop halts the generators and waits for them.
func (d *Device) Stop(context.Context) error {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	return nil
}

// StepCounter returns the device's step stream.
func (d *Device) StepCounter() *StepCounter { return &StepCounter{d: d} }

// Accelerometer returns the device's motion stream.
func (d *Device) Accelerometer() *Accelerometer { return &Accelerometer{d: d} }

func (d *Device) walk(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Cadence)
	defer ticker.Stop()

	var shakeTicker <-chan time.Time
	if d.cfg.ShakeEvery > 0 {
		t := time.NewTicker(d.cfg.ShakeEvery)
		defer t.Stop()
		shakeTicker = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-shakeTicker:
			d.mu.Lock()
			d.shakingUntil = now.Add(d.cfg.ShakeFor)
			d.mu.Unlock()
		case now := <-ticker.C:
			d.advance(now)
		}
	}
}

// advance moves the counter one cadence tick. Shakes add a burst of
// phantom steps on top of the walk.
func (d *Device) advance(now time.Time) {
	d.mu.Lock()
	inc := d.cfg.StepsPerTick + d.rng.IntN(2)
	if now.Before(d.shakingUntil) {
		inc += 5 + d.rng.IntN(10)
	}
	d.counter += inc
	ev := steps.StepEvent{Steps: d.counter}
	fns := snapshot(d.stepSubs)
	d.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (d *Device) sample(ctx context.Context) {
	var phase float64
	for {
		d.mu.Lock()
		interval := d.interval
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case now := <-time.After(interval):
			phase += 0.6
			d.emitSample(now, phase)
		}
	}
}

func (d *Device) emitSample(now time.Time, phase float64) {
	d.mu.Lock()
	var s motion.Sample
	if now.Before(d.shakingUntil) {
		s = motion.Sample{
			X: (d.rng.Float64() - 0.5) * 16,
			Y: (d.rng.Float64() - 0.5) * 16,
			Z: 9.8 + (d.rng.Float64()-0.5)*16,
		}
	} else {
		s = motion.Sample{
			X: 0.2 * math.Sin(phase),
			Y: 0.2 * math.Cos(phase),
			Z: 9.8 + 0.3*math.Sin(2*phase),
		}
	}
	fns := snapshot(d.sampleSubs)
	d.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

func snapshot[T any](m map[int]T) []T {
	out := make([]T, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func subscribe[T any](d *Device, m map[int]T, fn T) steps.Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	m[id] = fn
	return subscription(func() error {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(m, id)
		return nil
	})
}

type subscription func() error

func (s subscription) Unsubscribe() error { return s() }

// StepCounter is the simulated step stream.
type StepCounter struct{ d *Device }

// Available always reports true.
func (*StepCounter) Available(context.Context) (bool, error) { return true, nil }

// RequestPermission always grants.
func (*StepCounter) RequestPermission(context.Context) (bool, error) { return true, nil }

// Subscribe registers fn for cumulative counts.
func (c *StepCounter) Subscribe(fn func(steps.StepEvent)) (steps.Subscription, error) {
	return subscribe(c.d, c.d.stepSubs, fn), nil
}

// Accelerometer is the simulated motion stream.
type Accelerometer struct{ d *Device }

// Available always reports true.
func (*Accelerometer) Available(context.Context) (bool, error) { return true, nil }

// SetSampleInterval changes the sample period from the next sample on.
func (a *Accelerometer) SetSampleInterval(interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	a.d.mu.Lock()
	defer a.d.mu.Unlock()
	a.d.interval = interval
	return nil
}

// Subscribe registers fn for motion samples.
func (a *Accelerometer) Subscribe(fn func(motion.Sample)) (steps.Subscription, error) {
	return subscribe(a.d, a.d.sampleSubs, fn), nil
}

// Verify interface compliance.
var (
	_ steps.StepCounter   = (*StepCounter)(nil)
	_ steps.Accelerometer = (*Accelerometer)(nil)
)
