package platform

import (
	"context"
	"errors"
	"slices"
	"testing"
)

type recordingComponent struct {
	name     string
	calls    *[]string
	startErr error
	stopErr  error
}

func (c *recordingComponent) Start(context.Context) error {
	*c.calls = append(*c.calls, "start "+c.name)
	return c.startErr
}

func (c *recordingComponent) Stop(context.Context) error {
	*c.calls = append(*c.calls, "stop "+c.name)
	return c.stopErr
}

type recordingCloser struct {
	calls *[]string
}

func (c recordingCloser) Close() error {
	*c.calls = append(*c.calls, "close")
	return nil
}

func TestLifecycle_StartAndStop(t *testing.T) {
	lc := NewLifecycle()
	var calls []string
	lc.RegisterCloser("db", recordingCloser{calls: &calls})
	lc.RegisterComponent("a", &recordingComponent{name: "a", calls: &calls})
	lc.RegisterComponent("b", &recordingComponent{name: "b", calls: &calls})

	if err := lc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !lc.IsStarted() {
		t.Error("IsStarted() = false after Start()")
	}
	if err := lc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if lc.IsStarted() {
		t.Error("IsStarted() = true after Stop()")
	}

	want := []string{"start a", "start b", "stop b", "stop a", "close"}
	if !slices.Equal(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
}

func TestLifecycle_StartAlreadyStarted(t *testing.T) {
	lc := NewLifecycle()
	_ = lc.Start(context.Background())

	if err := lc.Start(context.Background()); err == nil {
		t.Error("Start() expected error for already started")
	}
}

func TestLifecycle_StopNotStarted(t *testing.T) {
	lc := NewLifecycle()
	if err := lc.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v, expected nil for not started", err)
	}
}

func TestLifecycle_StartRollbackOnError(t *testing.T) {
	lc := NewLifecycle()
	var calls []string
	lc.RegisterCloser("cache", recordingCloser{calls: &calls})
	lc.RegisterComponent("a", &recordingComponent{name: "a", calls: &calls})
	lc.RegisterComponent("b", &recordingComponent{name: "b", calls: &calls, startErr: errors.New("b failed")})
	lc.RegisterComponent("c", &recordingComponent{name: "c", calls: &calls})

	err := lc.Start(context.Background())
	if err == nil {
		t.Fatal("Start() expected error")
	}
	if lc.IsStarted() {
		t.Error("IsStarted() = true after failed Start()")
	}

	want := []string{"start a", "start b", "stop a", "close"}
	if !slices.Equal(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}

	// Stop after a failed start has nothing left to stop.
	calls = nil
	if err := lc.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if len(calls) != 0 {
		t.Errorf("calls after rollback = %v", calls)
	}
}

func TestLifecycle_StopJoinsErrors(t *testing.T) {
	lc := NewLifecycle()
	var calls []string
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	lc.RegisterComponent("a", &recordingComponent{name: "a", calls: &calls, stopErr: errA})
	lc.RegisterComponent("b", &recordingComponent{name: "b", calls: &calls, stopErr: errB})

	if err := lc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	err := lc.Stop(context.Background())
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("Stop() error = %v, want both component errors", err)
	}
	if len(calls) != 4 {
		t.Errorf("every component must be stopped, calls = %v", calls)
	}
}

func TestLifecycle_NilCallbacks(t *testing.T) {
	lc := NewLifecycle()
	lc.Register("noop", nil, nil)
	if err := lc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := lc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}
