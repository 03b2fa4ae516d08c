package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/txn2/steptracker/pkg/cache"
	"github.com/txn2/steptracker/pkg/clock"
	"github.com/txn2/steptracker/pkg/docstore"
	"github.com/txn2/steptracker/pkg/identity"
	"github.com/txn2/steptracker/pkg/metrics"
	"github.com/txn2/steptracker/pkg/motion"
)

// Deps are the collaborators of a Tracker. Accelerometer and Clock are
// optional.
type Deps struct {
	Store         docstore.Store
	Cache         cache.Store
	Counter       StepCounter
	Accelerometer Accelerometer
	Clock         clock.Clock
}

// Tracker owns the step count of the signed-in user.
//
// All session fields are guarded by mu, and no I/O happens while mu is
// held. Updates are queued under mu and delivered after it is released,
// one at a time and in order, so a subscriber may call Status, Flush,
// Subscribe or SetIdentity. Start and Stop stay off limits.
type Tracker struct {
	store   docstore.Store
	cache   cache.Store
	counter StepCounter
	accel   Accelerometer
	clock   clock.Clock
	cfg     Config

	// lifecycleMu serializes Start and Stop and guards the subscriptions.
	lifecycleMu sync.Mutex
	stepSub     Subscription
	accelSub    Subscription

	mu           sync.Mutex
	user         *identity.User
	gen          uint64
	loaded       bool
	reloading    bool
	reloadGen    uint64
	running      bool
	degraded     bool
	current      int
	lastSaved    int
	baselineSet  bool
	baseline     int
	lastHW       int
	buffer       float64
	sessionStart time.Time
	lastStepAt   time.Time
	shaking      bool
	shakeSeq     uint64
	cooldown     clock.Timer
	saveTimer    clock.Timer
	saveSeq      uint64
	detector     *motion.Detector
	inFlight     int

	count     atomic.Int64
	listeners hub
	// pending holds updates not yet delivered; delivering is set while a
	// goroutine drains it. Both are guarded by mu.
	pending    []delivery
	delivering bool

	// writeSlot admits one persistence pass at a time.
	writeSlot chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Tracker. Store, Cache and Counter are required.
func New(deps Deps, cfg Config) (*Tracker, error) {
	if deps.Store == nil {
		return nil, errors.New("document store is required")
	}
	if deps.Cache == nil {
		return nil, errors.New("cache is required")
	}
	if deps.Counter == nil {
		return nil, errors.New("step counter is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		store:     deps.Store,
		cache:     deps.Cache,
		counter:   deps.Counter,
		accel:     deps.Accelerometer,
		clock:     deps.Clock,
		cfg:       cfg,
		detector:  motion.NewDetector(cfg.Motion),
		writeSlot: make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	t.sessionStart = t.clock.Now()
	t.listeners.fns = make(map[int]func(Update))
	return t, nil
}

// SetIdentity switches the owner of the count. A different user (including
// a switch to or from nil) discards in-memory counters, notifies
// subscribers with zero and reloads the new user's state in the
// background. An unchanged user ID is a no-op.
func (t *Tracker) SetIdentity(u *identity.User) {
	defer t.deliver()
	t.mu.Lock()
	defer t.mu.Unlock()

	if identity.ID(t.user) == identity.ID(u) {
		if u != nil && t.user != nil && u.Email != "" {
			t.user.Email = u.Email
		}
		return
	}

	t.gen++
	if u == nil {
		t.user = nil
	} else {
		cp := *u
		t.user = &cp
	}
	t.current, t.lastSaved = 0, 0
	t.resetDeltaLocked()
	t.sessionStart = t.clock.Now()
	t.loaded = false
	t.notifyLocked()

	slog.Info("step tracker identity changed", "user_id", identity.ID(u))
	if u != nil {
		t.spawnReloadLocked()
	}
}

// Start begins tracking for the current identity. It is a no-op without an
// identity and never duplicates subscriptions it already holds.
func (t *Tracker) Start(ctx context.Context) error {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()

	t.mu.Lock()
	if t.user == nil {
		t.mu.Unlock()
		slog.Debug("step tracker start skipped: no identity")
		return nil
	}
	user, gen, loaded := *t.user, t.gen, t.loaded
	t.mu.Unlock()

	if !loaded {
		if err := t.reload(ctx, gen, user); err != nil {
			return fmt.Errorf("loading step state: %w", err)
		}
	}

	available, err := t.counter.Available(ctx)
	if err != nil {
		return fmt.Errorf("checking step counter: %w", err)
	}
	if !available {
		return ErrHardwareUnavailable
	}
	granted, err := t.counter.RequestPermission(ctx)
	if err != nil {
		return fmt.Errorf("requesting step counter permission: %w", err)
	}
	if !granted {
		return fmt.Errorf("step counter: %w", ErrPermissionDenied)
	}

	t.mu.Lock()
	t.resetDeltaLocked()
	t.running = true
	t.mu.Unlock()

	if t.stepSub == nil {
		sub, err := t.counter.Subscribe(t.handleStep)
		if err != nil {
			_ = t.release()
			return fmt.Errorf("subscribing to step counter: %w", err)
		}
		t.stepSub = sub
	}

	if err := t.startMotion(ctx); err != nil {
		_ = t.release()
		return err
	}

	t.mu.Lock()
	if t.saveTimer == nil {
		t.armSaveLocked()
	}
	degraded := t.degraded
	t.mu.Unlock()

	slog.Info("step tracking started", "user_id", user.ID, "degraded", degraded)
	return nil
}

// startMotion subscribes to the accelerometer. A missing or unavailable
// accelerometer leaves tracking running without shake rejection.
func (t *Tracker) startMotion(ctx context.Context) error {
	if t.accelSub != nil {
		return nil
	}
	if t.accel == nil {
		t.setDegraded("no accelerometer configured", nil)
		return nil
	}

	available, err := t.accel.Available(ctx)
	if err != nil || !available {
		t.setDegraded("accelerometer unavailable", err)
		return nil
	}
	if pr, ok := t.accel.(PermissionRequester); ok {
		granted, err := pr.RequestPermission(ctx)
		if err != nil {
			return fmt.Errorf("requesting accelerometer permission: %w", err)
		}
		if !granted {
			return fmt.Errorf("accelerometer: %w", ErrPermissionDenied)
		}
	}
	if err := t.accel.SetSampleInterval(t.cfg.SampleInterval); err != nil {
		slog.Warn("setting accelerometer interval", "interval", t.cfg.SampleInterval, "error", err)
	}

	t.mu.Lock()
	t.detector.Reset()
	t.mu.Unlock()

	sub, err := t.accel.Subscribe(t.handleSample)
	if err != nil {
		t.setDegraded("accelerometer subscription failed", err)
		return nil
	}
	t.accelSub = sub

	t.mu.Lock()
	t.degraded = false
	t.mu.Unlock()
	metrics.SetDegraded(false)
	return nil
}

func (t *Tracker) setDegraded(reason string, err error) {
	slog.Warn("tracking without shake filter", "reason", reason, "error", err)
	t.mu.Lock()
	t.degraded = true
	t.mu.Unlock()
	metrics.SetDegraded(true)
}

// Stop flushes the count when tracking was running and then releases every
// subscription and timer. It is safe to call repeatedly or before Start.
func (t *Tracker) Stop(ctx context.Context) error {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()

	t.mu.Lock()
	flush := t.running && t.user != nil && t.loaded && t.current > 0
	t.mu.Unlock()

	if flush {
		if err := t.persist(ctx, true); err != nil {
			slog.Warn("final step flush failed", "error", err)
		}
	}
	return t.release()
}

// release drops subscriptions and timers. Every release is attempted.
// Callers hold lifecycleMu.
func (t *Tracker) release() error {
	var errs []error
	if t.stepSub != nil {
		if err := t.stepSub.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("releasing step counter: %w", err))
		}
		t.stepSub = nil
	}
	if t.accelSub != nil {
		if err := t.accelSub.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("releasing accelerometer: %w", err))
		}
		t.accelSub = nil
	}

	t.mu.Lock()
	wasRunning := t.running
	t.running = false
	if t.cooldown != nil {
		t.cooldown.Stop()
		t.cooldown = nil
	}
	t.shaking = false
	if t.saveTimer != nil {
		t.saveTimer.Stop()
		t.saveTimer = nil
		t.saveSeq++
	}
	t.mu.Unlock()

	if wasRunning {
		slog.Info("step tracking stopped")
	}
	return errors.Join(errs...)
}

// Close stops tracking and waits for background reloads and writes.
func (t *Tracker) Close(ctx context.Context) error {
	err := t.Stop(ctx)

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, fmt.Errorf("waiting for background writes: %w", ctx.Err()))
	}
	t.cancel()
	return err
}

// Flush forces a persistence pass and reports its error.
func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	ready := t.user != nil && t.loaded
	t.mu.Unlock()
	if !ready {
		return ErrNotReady
	}
	return t.persist(ctx, true)
}

// Subscribe registers fn. It is called with the current count before
// Subscribe returns (unless another goroutine is already delivering, which
// then hands it over in order) and again on every emitted update. The
// returned function removes fn and may be called any number of times.
func (t *Tracker) Subscribe(fn func(Update)) (unsubscribe func()) {
	t.mu.Lock()
	id := t.listeners.add(fn)
	t.pending = append(t.pending, delivery{u: t.updateLocked(), to: []int{id}})
	t.mu.Unlock()
	t.deliver()

	var once sync.Once
	return func() {
		once.Do(func() { t.listeners.remove(id) })
	}
}

// Count returns the current step count without taking the tracker lock.
func (t *Tracker) Count() int {
	return int(t.count.Load())
}

// Status returns a snapshot of the tracker state.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := Status{
		Steps:        t.current,
		LastSaved:    t.lastSaved,
		SessionStart: t.sessionStart,
		LastStepAt:   t.lastStepAt,
		Loaded:       t.loaded,
		Running:      t.running,
		Shaking:      t.shaking,
		Degraded:     t.degraded,
	}
	if t.user != nil {
		st.UserID = t.user.ID
		st.Email = t.user.Email
	}
	return st
}

func (t *Tracker) updateLocked() Update {
	return Update{UserID: identity.ID(t.user), Steps: t.current, At: t.clock.Now()}
}

// delivery is one queued update and the subscribers registered when it
// was emitted.
type delivery struct {
	u  Update
	to []int
}

// notifyLocked queues the current count for every subscriber. The caller
// runs deliver once mu is released.
func (t *Tracker) notifyLocked() {
	t.count.Store(int64(t.current))
	t.pending = append(t.pending, delivery{u: t.updateLocked(), to: t.listeners.ids()})
}

// deliver drains the queue without holding mu. A call made while another
// goroutine (or an enclosing subscriber) is draining leaves its updates to
// that drainer.
func (t *Tracker) deliver() {
	t.mu.Lock()
	if t.delivering {
		t.mu.Unlock()
		return
	}
	t.delivering = true
	for len(t.pending) > 0 {
		d := t.pending[0]
		t.pending[0] = delivery{}
		t.pending = t.pending[1:]
		t.mu.Unlock()
		for _, fn := range t.listeners.pick(d.to) {
			fn(d.u)
		}
		t.mu.Lock()
	}
	t.pending = nil
	t.delivering = false
	t.mu.Unlock()
}

func (t *Tracker) resetDeltaLocked() {
	t.baselineSet = false
	t.baseline = 0
	t.lastHW = 0
	t.buffer = 0
}

// spawn runs fn on a tracked goroutine.
func (t *Tracker) spawn(fn func(ctx context.Context)) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn(t.ctx)
	}()
}

// hub is the subscriber set. It has its own lock so that unsubscribing
// never needs the tracker lock.
type hub struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(Update)
}

func (h *hub) add(fn func(Update)) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	h.fns[id] = fn
	return id
}

func (h *hub) remove(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.fns, id)
}

func (h *hub) ids() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int, 0, len(h.fns))
	for id := range h.fns {
		out = append(out, id)
	}
	return out
}

// pick returns the functions of ids that are still subscribed.
func (h *hub) pick(ids []int) []func(Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]func(Update), 0, len(ids))
	for _, id := range ids {
		if fn, ok := h.fns[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}
