package audit

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

const (
	redactedValue     = "[REDACTED]"
	eventTestDuration = 120 * time.Millisecond
	eventTestActor    = "ops"
	eventTestTarget   = "alice"
)

func TestNewEvent(t *testing.T) {
	event := NewEvent(ActionFlush)

	if event.Action != ActionFlush {
		t.Errorf("Action = %q, want %q", event.Action, ActionFlush)
	}
	if event.ID == "" {
		t.Error("ID should not be empty")
	}
	if event.Timestamp.IsZero() {
		t.Error("Timestamp should not be zero")
	}
	if other := NewEvent(ActionFlush); other.ID == event.ID {
		t.Error("event IDs should be unique")
	}
}

func TestEvent_Builders(t *testing.T) {
	event := NewEvent(ActionCachePurge).
		WithActor(eventTestActor, "ops@example.com").
		WithTarget(eventTestTarget).
		WithParameters(map[string]any{"removed": 2, "token": "abc"}).
		WithResult(nil, eventTestDuration).
		WithRequestID("req-123")

	if event.ActorID != eventTestActor || event.ActorEmail != "ops@example.com" {
		t.Errorf("actor = %q/%q", event.ActorID, event.ActorEmail)
	}
	if event.Target != eventTestTarget {
		t.Errorf("Target = %q, want %q", event.Target, eventTestTarget)
	}
	if event.Parameters["removed"] != 2 {
		t.Error("Parameters not set correctly")
	}
	if event.Parameters["token"] != redactedValue {
		t.Errorf("token = %v, want redacted", event.Parameters["token"])
	}
	if !event.Success || event.ErrorMessage != "" {
		t.Errorf("Success = %v, ErrorMessage = %q", event.Success, event.ErrorMessage)
	}
	if event.DurationMS != eventTestDuration.Milliseconds() {
		t.Errorf("DurationMS = %d", event.DurationMS)
	}
	if event.RequestID != "req-123" {
		t.Errorf("RequestID = %q", event.RequestID)
	}

	failed := NewEvent(ActionFlush).WithResult(errors.New("store down"), 0)
	if failed.Success || failed.ErrorMessage != "store down" {
		t.Errorf("failed event = %+v", failed)
	}
}

func TestSanitizeParameters(t *testing.T) {
	params := map[string]any{
		"day":      "2026-03-14",
		"password": "secret123",
		"api_key":  "abc123",
	}

	sanitized := SanitizeParameters(params)

	if sanitized["day"] != "2026-03-14" {
		t.Error("day should not be redacted")
	}
	if sanitized["password"] != redactedValue || sanitized["api_key"] != redactedValue {
		t.Errorf("sensitive values not redacted: %v", sanitized)
	}
	if params["password"] != "secret123" {
		t.Error("input map must not be modified")
	}
	if SanitizeParameters(nil) != nil {
		t.Error("SanitizeParameters(nil) should return nil")
	}
}

func TestQueryFilter_Matches(t *testing.T) {
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	event := Event{Timestamp: base, ActorID: eventTestActor, Action: ActionFlush, Target: eventTestTarget, Success: true}
	before, after := base.Add(-time.Hour), base.Add(time.Hour)
	no := false

	tests := []struct {
		name   string
		filter QueryFilter
		want   bool
	}{
		{"empty", QueryFilter{}, true},
		{"window", QueryFilter{StartTime: &before, EndTime: &after}, true},
		{"too early", QueryFilter{StartTime: &after}, false},
		{"too late", QueryFilter{EndTime: &before}, false},
		{"actor", QueryFilter{ActorID: eventTestActor}, true},
		{"other actor", QueryFilter{ActorID: "bob"}, false},
		{"action", QueryFilter{Action: ActionSessionStart}, false},
		{"target", QueryFilter{Target: eventTestTarget}, true},
		{"failures only", QueryFilter{Success: &no}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(event); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMemoryLogger(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLogger(3)
	for _, target := range []string{"a", "b", "c", "d"} {
		if err := l.Log(ctx, *NewEvent(ActionCachePurge).WithTarget(target)); err != nil {
			t.Fatalf("Log() error = %v", err)
		}
	}

	events, err := l.Query(ctx, QueryFilter{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	var got []string
	for _, e := range events {
		got = append(got, e.Target)
	}
	if want := []string{"d", "c", "b"}; !slices.Equal(got, want) {
		t.Errorf("targets = %v, want %v (oldest evicted, newest first)", got, want)
	}

	events, _ = l.Query(ctx, QueryFilter{Limit: 1, Offset: 1})
	if len(events) != 1 || events[0].Target != "c" {
		t.Errorf("paged query = %+v", events)
	}

	events, _ = l.Query(ctx, QueryFilter{Target: "b"})
	if len(events) != 1 {
		t.Errorf("filtered query returned %d events", len(events))
	}

	if err := l.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestNewMemoryLogger_DefaultCapacity(t *testing.T) {
	if l := NewMemoryLogger(0); l.capacity != DefaultCapacity {
		t.Errorf("capacity = %d, want %d", l.capacity, DefaultCapacity)
	}
}
