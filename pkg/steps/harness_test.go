package steps

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/txn2/steptracker/pkg/cache"
	"github.com/txn2/steptracker/pkg/clock"
	"github.com/txn2/steptracker/pkg/docstore"
	"github.com/txn2/steptracker/pkg/identity"
	"github.com/txn2/steptracker/pkg/motion"
)

const (
	testUserA  = "user-a"
	testUserB  = "user-b"
	testEmailA = "a@example.com"
	testEmailB = "b@example.com"
)

var (
	testEpoch = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	userA     = &identity.User{ID: testUserA, Email: testEmailA}
	userB     = &identity.User{ID: testUserB, Email: testEmailB}
	errBoom   = errors.New("boom")
)

// opLog records the order of cache and remote writes.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

func (l *opLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

// scriptedStore wraps a MemoryStore with per-path gates, errors and counts.
type scriptedStore struct {
	*docstore.MemoryStore
	log *opLog

	mu      sync.Mutex
	getGate map[string]chan struct{}
	setGate map[string]chan struct{}
	getErr  map[string]error
	setErr  map[string]error
	sets    map[string]int
}

func newScriptedStore(now func() time.Time, log *opLog) *scriptedStore {
	return &scriptedStore{
		MemoryStore: docstore.NewMemoryStore(now),
		log:         log,
		getGate:     make(map[string]chan struct{}),
		setGate:     make(map[string]chan struct{}),
		getErr:      make(map[string]error),
		setErr:      make(map[string]error),
		sets:        make(map[string]int),
	}
}

func (s *scriptedStore) Get(ctx context.Context, path string) (*docstore.Document, error) {
	s.mu.Lock()
	gate, err := s.getGate[path], s.getErr[path]
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return s.MemoryStore.Get(ctx, path)
}

func (s *scriptedStore) Set(ctx context.Context, path string, data map[string]any, opts docstore.SetOptions) error {
	s.mu.Lock()
	s.sets[path]++
	gate, err := s.setGate[path], s.setErr[path]
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	s.log.add("remote:" + path)
	if err != nil {
		return err
	}
	return s.MemoryStore.Set(ctx, path, data, opts)
}

func (s *scriptedStore) gateGet(path string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.getGate[path] = ch
	return ch
}

func (s *scriptedStore) gateSet(path string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.setGate[path] = ch
	return ch
}

func (s *scriptedStore) failSet(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.setErr, path)
		return
	}
	s.setErr[path] = err
}

func (s *scriptedStore) failGet(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.getErr, path)
		return
	}
	s.getErr[path] = err
}

func (s *scriptedStore) setCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets[path]
}

func (s *scriptedStore) steps(t *testing.T, path string) int {
	t.Helper()
	doc, err := s.MemoryStore.Get(context.Background(), path)
	require.NoError(t, err, "document %s", path)
	n, ok := docstore.Int(doc.Data, fieldSteps)
	require.True(t, ok)
	return n
}

// loggingCache records cache writes into the shared op log.
type loggingCache struct {
	*cache.MemoryStore
	log *opLog
}

func (c *loggingCache) Set(ctx context.Context, key, value string) error {
	c.log.add("cache:" + key)
	return c.MemoryStore.Set(ctx, key, value)
}

type fakeSub struct {
	mu      sync.Mutex
	calls   int
	err     error
	release func()
}

func (s *fakeSub) Unsubscribe() error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.release != nil {
		s.release()
	}
	return s.err
}

type fakeCounter struct {
	mu         sync.Mutex
	available  bool
	granted    bool
	availErr   error
	subErr     error
	unsubErr   error
	subscribes int
	fn         func(StepEvent)
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{available: true, granted: true}
}

func (c *fakeCounter) Available(context.Context) (bool, error) {
	return c.available, c.availErr
}

func (c *fakeCounter) RequestPermission(context.Context) (bool, error) {
	return c.granted, nil
}

func (c *fakeCounter) Subscribe(fn func(StepEvent)) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subErr != nil {
		return nil, c.subErr
	}
	c.subscribes++
	c.fn = fn
	return &fakeSub{err: c.unsubErr, release: func() {
		c.mu.Lock()
		c.fn = nil
		c.mu.Unlock()
	}}, nil
}

func (c *fakeCounter) emit(n int) {
	c.mu.Lock()
	fn := c.fn
	c.mu.Unlock()
	if fn != nil {
		fn(StepEvent{Steps: n})
	}
}

func (c *fakeCounter) subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fn != nil
}

type fakeAccel struct {
	mu         sync.Mutex
	available  bool
	interval   time.Duration
	unsubErr   error
	subscribes int
	fn         func(motion.Sample)
}

func newFakeAccel() *fakeAccel {
	return &fakeAccel{available: true}
}

func (a *fakeAccel) Available(context.Context) (bool, error) {
	return a.available, nil
}

func (a *fakeAccel) SetSampleInterval(d time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interval = d
	return nil
}

func (a *fakeAccel) Subscribe(fn func(motion.Sample)) (Subscription, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribes++
	a.fn = fn
	return &fakeSub{err: a.unsubErr, release: func() {
		a.mu.Lock()
		a.fn = nil
		a.mu.Unlock()
	}}, nil
}

func (a *fakeAccel) emit(s motion.Sample) {
	a.mu.Lock()
	fn := a.fn
	a.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// permAccel is an accelerometer that needs a permission grant.
type permAccel struct {
	*fakeAccel
	granted bool
}

func (a *permAccel) RequestPermission(context.Context) (bool, error) {
	return a.granted, nil
}

// recorder collects subscriber updates.
type recorder struct {
	mu     sync.Mutex
	values []int
}

func (r *recorder) fn(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, u.Steps)
}

func (r *recorder) all() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.values...)
}

type harness struct {
	clock   *clock.Fake
	log     *opLog
	store   *scriptedStore
	cache   *loggingCache
	counter *fakeCounter
	accel   *fakeAccel
	tr      *Tracker
}

func newHarness(t *testing.T, cfg Config, opts ...func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		clock:   clock.NewFake(testEpoch),
		log:     &opLog{},
		counter: newFakeCounter(),
		accel:   newFakeAccel(),
	}
	h.store = newScriptedStore(h.clock.Now, h.log)
	h.cache = &loggingCache{MemoryStore: cache.NewMemoryStore(), log: h.log}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	deps := Deps{
		Store:         h.store,
		Cache:         h.cache,
		Counter:       h.counter,
		Accelerometer: h.accel,
		Clock:         h.clock,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	tr, err := New(deps, cfg)
	require.NoError(t, err)
	h.tr = tr
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return h
}

// idle waits for background reloads and persists.
func (h *harness) idle() {
	h.tr.wg.Wait()
}

// login sets the identity and waits for the reload.
func (h *harness) login(u *identity.User) {
	h.tr.SetIdentity(u)
	h.idle()
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.tr.Start(context.Background()))
}

// walk emits cumulative counter values and waits for resulting writes.
func (h *harness) walk(values ...int) {
	for _, v := range values {
		h.counter.emit(v)
	}
	h.idle()
}

func shakeSample(i int) motion.Sample {
	if i%2 == 0 {
		return motion.Sample{X: 4, Y: -4, Z: 9.8}
	}
	return motion.Sample{X: -4, Y: 4, Z: 9.8}
}

func motionSample(wobble float64) motion.Sample {
	return motion.Sample{X: wobble, Y: 0, Z: 9.8}
}

// shake fills the detector window with violent motion at the current time.
func (h *harness) shake() {
	for i := range motion.DefaultWindowSize {
		h.accel.emit(shakeSample(i))
	}
}

func (h *harness) seedRemote(t *testing.T, userID string, steps int) {
	t.Helper()
	require.NoError(t, h.store.MemoryStore.Set(context.Background(), UserDocPath(userID),
		map[string]any{fieldSteps: steps, fieldUserID: userID}, docstore.SetOptions{}))
}

func (h *harness) seedCache(t *testing.T, key, value string) {
	t.Helper()
	require.NoError(t, h.cache.MemoryStore.Set(context.Background(), key, value))
}

func (h *harness) cached(t *testing.T, key string) string {
	t.Helper()
	v, ok, err := h.cache.MemoryStore.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok, "cache key %s", key)
	return v
}
