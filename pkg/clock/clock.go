// Package clock abstracts wall-clock time and one-shot timers so that
// time-dependent components can be driven deterministically in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a pending one-shot callback.
type Timer interface {
	// Stop prevents the callback from firing. It returns false if the
	// callback already fired or the timer was already stopped.
	Stop() bool
}

// Clock provides the current time and one-shot timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is a Clock backed by the time package.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time { return time.Now() }

// AfterFunc wraps time.AfterFunc.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Fake is a manually advanced Clock. Timers fire synchronously on the
// goroutine calling Advance or Set, in deadline order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	seq      int
	fn       func()
	stopped  bool
	fired    bool
}

// NewFake creates a Fake clock set to now.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc registers f to run once the fake time reaches now+d.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{clock: f, deadline: f.now.Add(d), seq: f.seq, fn: fn}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every timer that becomes due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()
	f.Set(target)
}

// Set moves the clock to t, firing every timer that becomes due. Timers
// registered by a firing callback are eligible within the same call.
func (f *Fake) Set(t time.Time) {
	for {
		f.mu.Lock()
		next := f.nextDueLocked(t)
		if next == nil {
			if t.After(f.now) {
				f.now = t
			}
			f.mu.Unlock()
			return
		}
		if next.deadline.After(f.now) {
			f.now = next.deadline
		}
		next.fired = true
		f.removeLocked(next)
		f.mu.Unlock()
		next.fn()
	}
}

// Pending returns the number of timers that have not fired or been stopped.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

func (f *Fake) nextDueLocked(t time.Time) *fakeTimer {
	sort.SliceStable(f.timers, func(i, j int) bool {
		if f.timers[i].deadline.Equal(f.timers[j].deadline) {
			return f.timers[i].seq < f.timers[j].seq
		}
		return f.timers[i].deadline.Before(f.timers[j].deadline)
	})
	if len(f.timers) == 0 || f.timers[0].deadline.After(t) {
		return nil
	}
	return f.timers[0]
}

func (f *Fake) removeLocked(t *fakeTimer) {
	for i, cand := range f.timers {
		if cand == t {
			f.timers = append(f.timers[:i], f.timers[i+1:]...)
			return
		}
	}
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	t.clock.removeLocked(t)
	return true
}

// Verify interface compliance.
var (
	_ Clock = Real{}
	_ Clock = (*Fake)(nil)
)
