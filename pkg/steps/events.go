package steps

import (
	"math"

	"github.com/txn2/steptracker/pkg/metrics"
	"github.com/txn2/steptracker/pkg/motion"
)

// handleStep processes one cumulative hardware reading.
func (t *Tracker) handleStep(ev StepEvent) {
	defer t.deliver()
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running || t.user == nil {
		return
	}
	if t.applyStepLocked(ev.Steps) {
		t.requestPersistLocked()
	}
}

// applyStepLocked folds a cumulative counter value into the count and
// reports whether whole steps were added.
func (t *Tracker) applyStepLocked(counter int) bool {
	if !t.baselineSet {
		t.baselineSet = true
		t.baseline = counter
		t.lastHW = counter
		return false
	}

	delta := counter - t.lastHW
	t.lastHW = counter
	if delta <= 0 {
		// Counter resets and duplicate deliveries land here; the steps
		// before the counter catches up again are not credited.
		metrics.DeltaDiscarded(metrics.DiscardNonPositive)
		return false
	}
	if delta > t.cfg.MaxStepDelta {
		delta = t.cfg.MaxStepDelta
		metrics.DeltaClamped()
	}
	if t.shaking {
		metrics.DeltaDiscarded(metrics.DiscardShaking)
		return false
	}

	t.buffer += float64(delta) * t.cfg.Calibration
	whole := math.Floor(t.buffer)
	t.buffer -= whole
	if whole <= 0 {
		return false
	}

	t.current += int(whole)
	t.lastStepAt = t.clock.Now()
	metrics.StepsAccepted(int(whole))
	t.notifyLocked()
	return true
}

// handleSample feeds the shake detector.
func (t *Tracker) handleSample(s motion.Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return
	}
	ev := t.detector.Observe(s, t.clock.Now())
	if !ev.Shaking {
		return
	}

	metrics.Shake()
	t.shaking = true
	t.shakeSeq++
	seq := t.shakeSeq
	if t.cooldown != nil {
		t.cooldown.Stop()
	}
	t.cooldown = t.clock.AfterFunc(t.cfg.ShakeCooldown, func() { t.endCooldown(seq) })
}

// endCooldown clears the shake flag unless a later shake restarted the
// cool-down.
func (t *Tracker) endCooldown(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shakeSeq != seq {
		return
	}
	t.shaking = false
	t.cooldown = nil
}

func (t *Tracker) armSaveLocked() {
	t.saveSeq++
	seq := t.saveSeq
	t.saveTimer = t.clock.AfterFunc(t.cfg.SaveInterval, func() { t.saveTick(seq) })
}

// saveTick is the periodic save check. It re-arms itself while running;
// ticks from a timer armed before the last Stop are ignored.
func (t *Tracker) saveTick(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running || seq != t.saveSeq {
		return
	}
	t.armSaveLocked()

	switch {
	case t.user == nil:
	case !t.loaded:
		t.spawnReloadLocked()
	case t.current != t.lastSaved:
		t.requestPersistLocked()
	}
}
