package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/txn2/steptracker/pkg/docstore"
	"github.com/txn2/steptracker/pkg/identity"
	"github.com/txn2/steptracker/pkg/metrics"
)

// snapshot is the state a persistence pass works from. gen ties it to the
// identity it was taken for.
type snapshot struct {
	gen          uint64
	userID       string
	current      int
	lastSaved    int
	sessionStart time.Time
}

// spawnReloadLocked starts a background reload for the current identity
// unless one is already running for it.
func (t *Tracker) spawnReloadLocked() {
	if t.user == nil || (t.reloading && t.reloadGen == t.gen) {
		return
	}
	t.reloading = true
	t.reloadGen = t.gen
	gen, user := t.gen, *t.user

	t.spawn(func(ctx context.Context) {
		err := t.reload(ctx, gen, user)

		t.mu.Lock()
		if t.reloadGen == gen {
			t.reloading = false
		}
		t.mu.Unlock()

		if err != nil {
			slog.Warn("reloading step state", "user_id", user.ID, "error", err)
		}
	})
}

// reload restores the count for user from the remote document and the
// local cache, preferring the cache when it is ahead. Results are dropped
// if the identity changed (gen moved on) or state was already loaded.
func (t *Tracker) reload(ctx context.Context, gen uint64, user identity.User) error {
	path := UserDocPath(user.ID)
	remote := 0

	doc, err := t.store.Get(ctx, path)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		err = t.store.Set(ctx, path, map[string]any{
			fieldSteps:     0,
			fieldEmail:     user.Email,
			fieldUserID:    user.ID,
			fieldCreatedAt: docstore.ServerTimestamp,
		}, docstore.SetOptions{Merge: true})
		if err != nil {
			return fmt.Errorf("creating user document: %w", err)
		}
	case err != nil:
		return fmt.Errorf("loading user document: %w", err)
	default:
		if n, ok := docstore.Int(doc.Data, fieldSteps); ok && n > 0 {
			remote = n
		}
	}

	resolved := remote
	cached, hasCount := t.cachedCount(ctx, user.ID)
	reconcile := hasCount && cached > remote
	if reconcile {
		resolved = cached
	}

	start, hasStart := t.cachedSessionStart(ctx, user.ID)
	if !hasStart {
		t.mu.Lock()
		start = t.sessionStart
		t.mu.Unlock()
	}
	t.writeCache(ctx, user.ID, resolved, start)

	t.mu.Lock()
	if t.gen != gen || t.loaded {
		t.mu.Unlock()
		return nil
	}
	// Steps counted since the identity switch are kept on top.
	t.current = resolved + t.current
	t.lastSaved = remote
	t.sessionStart = start
	t.loaded = true
	t.notifyLocked()
	t.mu.Unlock()
	t.deliver()

	slog.Info("step state loaded",
		"user_id", user.ID, "remote", remote, "cached", cached, "reconciled", reconcile)

	if reconcile {
		if err := t.persist(ctx, true); err != nil {
			slog.Warn("reconciling cached steps", "user_id", user.ID, "error", err)
		}
	}
	return nil
}

// requestPersistLocked starts a background persistence pass unless one is
// already in flight.
func (t *Tracker) requestPersistLocked() {
	if t.inFlight > 0 {
		metrics.Persist(metrics.PersistSkipped, 0)
		return
	}
	t.inFlight++
	t.spawn(func(ctx context.Context) {
		_ = t.runPersist(ctx)
	})
}

// persist writes the count. Unforced calls are skipped while another pass
// is in flight; forced calls wait their turn.
func (t *Tracker) persist(ctx context.Context, force bool) error {
	t.mu.Lock()
	if !force && t.inFlight > 0 {
		t.mu.Unlock()
		metrics.Persist(metrics.PersistSkipped, 0)
		return nil
	}
	t.inFlight++
	t.mu.Unlock()
	return t.runPersist(ctx)
}

// runPersist performs one pass: local cache first, then the day rollover
// check, then a merge write of the count to the user's document. The
// caller has already counted this pass in inFlight.
func (t *Tracker) runPersist(ctx context.Context) error {
	defer func() {
		t.mu.Lock()
		t.inFlight--
		t.mu.Unlock()
	}()
	// Rollover notifications go out once the write slot is free again.
	defer t.deliver()

	select {
	case t.writeSlot <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("waiting for persistence slot: %w", ctx.Err())
	}
	defer func() { <-t.writeSlot }()

	t.mu.Lock()
	if t.user == nil || !t.loaded {
		t.mu.Unlock()
		return nil
	}
	snap := snapshot{
		gen:          t.gen,
		userID:       t.user.ID,
		current:      t.current,
		lastSaved:    t.lastSaved,
		sessionStart: t.sessionStart,
	}
	t.mu.Unlock()

	t.writeCache(ctx, snap.userID, snap.current, snap.sessionStart)

	now := t.clock.Now()
	if !t.sameDay(snap.sessionStart, now) {
		var (
			ok  bool
			err error
		)
		snap, ok, err = t.rollover(ctx, snap, now)
		if err != nil {
			return err
		}
		if !ok {
			metrics.Persist(metrics.PersistSuperseded, 0)
			return nil
		}
	}

	began := time.Now()
	err := t.store.Set(ctx, UserDocPath(snap.userID), map[string]any{
		fieldSteps:     snap.current,
		fieldUpdatedAt: docstore.ServerTimestamp,
	}, docstore.SetOptions{Merge: true})
	if err != nil {
		metrics.Persist(metrics.PersistFailed, time.Since(began))
		slog.Warn("persisting steps", "user_id", snap.userID, "steps", snap.current, "error", err)
		return fmt.Errorf("persisting steps: %w", err)
	}
	metrics.Persist(metrics.PersistOK, time.Since(began))

	t.mu.Lock()
	if t.gen == snap.gen {
		t.lastSaved = snap.current
	}
	t.mu.Unlock()
	return nil
}

// rollover runs when the session started on an earlier day. A confirmed
// saved count is archived under yesterday's date (relative to now, even
// after a gap of several days) and the count restarts at zero; a day with
// nothing saved only moves the anchor. ok is false when the identity
// changed underneath.
func (t *Tracker) rollover(ctx context.Context, snap snapshot, now time.Time) (snapshot, bool, error) {
	if snap.lastSaved > 0 {
		day := previousDay(now, t.cfg.Location)
		err := t.store.Set(ctx, HistoryDocPath(snap.userID, day), map[string]any{
			fieldSteps:      snap.lastSaved,
			fieldDate:       day,
			fieldUserID:     snap.userID,
			fieldArchivedAt: docstore.ServerTimestamp,
		}, docstore.SetOptions{Merge: true})
		if err != nil {
			metrics.Persist(metrics.PersistFailed, 0)
			slog.Warn("archiving step history", "user_id", snap.userID, "day", day, "error", err)
			return snap, false, fmt.Errorf("archiving %s: %w", day, err)
		}

		t.mu.Lock()
		if t.gen != snap.gen {
			t.mu.Unlock()
			return snap, false, nil
		}
		t.current, t.lastSaved = 0, 0
		t.resetDeltaLocked()
		t.sessionStart = now
		t.notifyLocked()
		t.mu.Unlock()

		metrics.Rollover()
		slog.Info("step day rolled over", "user_id", snap.userID, "day", day, "steps", snap.lastSaved)
		snap.current, snap.lastSaved = 0, 0
	} else {
		t.mu.Lock()
		if t.gen != snap.gen {
			t.mu.Unlock()
			return snap, false, nil
		}
		t.sessionStart = now
		t.mu.Unlock()
	}

	snap.sessionStart = now
	t.writeCache(ctx, snap.userID, snap.current, now)
	return snap, true, nil
}

// previousDay is the calendar day before now in loc.
func previousDay(now time.Time, loc *time.Location) string {
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d-1, 12, 0, 0, 0, loc).Format(DateLayout)
}

func (t *Tracker) sameDay(a, b time.Time) bool {
	ay, am, ad := a.In(t.cfg.Location).Date()
	by, bm, bd := b.In(t.cfg.Location).Date()
	return ay == by && am == bm && ad == bd
}

// writeCache stores the count and session start locally. Failures are
// logged; the remote write still proceeds.
func (t *Tracker) writeCache(ctx context.Context, userID string, count int, start time.Time) {
	if err := t.cache.Set(ctx, CountKey(userID), strconv.Itoa(count)); err != nil {
		slog.Warn("caching step count", "user_id", userID, "error", err)
	}
	if err := t.cache.Set(ctx, SessionStartKey(userID), start.Format(time.RFC3339Nano)); err != nil {
		slog.Warn("caching session start", "user_id", userID, "error", err)
	}
}

// cachedCount reads the cached count. Missing, unreadable or malformed
// values are reported as absent.
func (t *Tracker) cachedCount(ctx context.Context, userID string) (int, bool) {
	raw, ok, err := t.cache.Get(ctx, CountKey(userID))
	if err != nil {
		slog.Warn("reading cached step count", "user_id", userID, "error", err)
		return 0, false
	}
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		slog.Debug("ignoring malformed cached step count", "user_id", userID, "value", raw)
		return 0, false
	}
	return n, true
}

func (t *Tracker) cachedSessionStart(ctx context.Context, userID string) (time.Time, bool) {
	raw, ok, err := t.cache.Get(ctx, SessionStartKey(userID))
	if err != nil || !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		slog.Debug("ignoring malformed cached session start", "user_id", userID, "value", raw)
		return time.Time{}, false
	}
	return ts, true
}
