// Package motion detects shake artifacts in triaxial accelerometer data.
//
// A Detector keeps a bounded window of recent samples and flags a shake
// when the summed per-axis variance of that window exceeds a threshold.
// Evaluation is rate limited so that a high sample rate does not turn
// every sample into a fresh shake.
package motion

import (
	"time"

	"golang.org/x/time/rate"
)

// Default detection parameters.
const (
	DefaultWindowSize        = 10
	DefaultMinSamples        = 5
	DefaultVarianceThreshold = 2.0
	DefaultEvalInterval      = 250 * time.Millisecond
)

// Sample is one accelerometer reading.
type Sample struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Window is a bounded FIFO of samples. The zero value is not usable;
// create one with NewWindow.
type Window struct {
	buf   []Sample
	start int
	n     int
}

// NewWindow creates a window holding at most size samples.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Window{buf: make([]Sample, size)}
}

// Push appends s, evicting the oldest sample when full.
func (w *Window) Push(s Sample) {
	if w.n < len(w.buf) {
		w.buf[(w.start+w.n)%len(w.buf)] = s
		w.n++
		return
	}
	w.buf[w.start] = s
	w.start = (w.start + 1) % len(w.buf)
}

// Len returns the number of buffered samples.
func (w *Window) Len() int { return w.n }

// Cap returns the window capacity.
func (w *Window) Cap() int { return len(w.buf) }

// Reset empties the window.
func (w *Window) Reset() {
	w.start, w.n = 0, 0
}

// Samples returns the buffered samples, oldest first.
func (w *Window) Samples() []Sample {
	out := make([]Sample, w.n)
	for i := range w.n {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

// Variance returns the sum of the population variances of the X, Y and Z
// components across the window. An empty window has zero variance.
func (w *Window) Variance() float64 {
	if w.n == 0 {
		return 0
	}
	var sx, sy, sz float64
	for i := range w.n {
		s := w.buf[(w.start+i)%len(w.buf)]
		sx += s.X
		sy += s.Y
		sz += s.Z
	}
	n := float64(w.n)
	mx, my, mz := sx/n, sy/n, sz/n

	var vx, vy, vz float64
	for i := range w.n {
		s := w.buf[(w.start+i)%len(w.buf)]
		vx += (s.X - mx) * (s.X - mx)
		vy += (s.Y - my) * (s.Y - my)
		vz += (s.Z - mz) * (s.Z - mz)
	}
	return vx/n + vy/n + vz/n
}

// Config tunes a Detector. Zero fields take the package defaults.
type Config struct {
	WindowSize   int
	MinSamples   int
	Threshold    float64
	EvalInterval time.Duration
}

// Evaluation is the outcome of observing one sample.
type Evaluation struct {
	// Evaluated is false when the window was too small or the rate
	// limiter suppressed this evaluation.
	Evaluated bool
	Variance  float64
	Shaking   bool
}

// Detector flags shake motion. It is not safe for concurrent use; callers
// serialize access.
type Detector struct {
	window     *Window
	minSamples int
	threshold  float64
	limiter    *rate.Limiter
}

// NewDetector creates a Detector from cfg.
func NewDetector(cfg Config) *Detector {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultMinSamples
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultVarianceThreshold
	}
	if cfg.EvalInterval <= 0 {
		cfg.EvalInterval = DefaultEvalInterval
	}
	return &Detector{
		window:     NewWindow(cfg.WindowSize),
		minSamples: cfg.MinSamples,
		threshold:  cfg.Threshold,
		limiter:    rate.NewLimiter(rate.Every(cfg.EvalInterval), 1),
	}
}

// Observe buffers s and, when allowed at time now, evaluates the window.
func (d *Detector) Observe(s Sample, now time.Time) Evaluation {
	d.window.Push(s)
	if d.window.Len() < d.minSamples {
		return Evaluation{}
	}
	if !d.limiter.AllowN(now, 1) {
		return Evaluation{}
	}
	v := d.window.Variance()
	return Evaluation{Evaluated: true, Variance: v, Shaking: v > d.threshold}
}

// Reset clears the buffered samples.
func (d *Detector) Reset() {
	d.window.Reset()
}

// Buffered returns the number of samples in the window.
func (d *Detector) Buffered() int {
	return d.window.Len()
}
