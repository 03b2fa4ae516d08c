// Package identity tracks the signed-in user that owns step state.
package identity

import (
	"slices"
	"sync"
)

// User identifies the owner of a step session.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Provider reports the current user and notifies watchers when it changes.
type Provider interface {
	// Current returns the signed-in user, or nil when signed out.
	Current() *User
	// Watch registers fn to be called with the new user (or nil) after
	// every change. The returned function removes the watcher.
	Watch(fn func(*User)) (cancel func())
}

// Static is an in-process Provider whose user is set explicitly, e.g. by an
// HTTP session endpoint or a configured default user.
type Static struct {
	mu       sync.Mutex
	user     *User
	nextID   int
	watchers map[int]func(*User)
}

// NewStatic creates a provider holding u (which may be nil).
func NewStatic(u *User) *Static {
	s := &Static{watchers: make(map[int]func(*User))}
	if u != nil {
		cp := *u
		s.user = &cp
	}
	return s
}

// Current returns a copy of the current user.
func (s *Static) Current() *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil
	}
	cp := *s.user
	return &cp
}

// Set replaces the current user and notifies watchers if it changed.
// Watchers are called outside the provider's lock in registration order.
func (s *Static) Set(u *User) {
	s.mu.Lock()
	if sameUser(s.user, u) {
		s.mu.Unlock()
		return
	}
	if u == nil {
		s.user = nil
	} else {
		cp := *u
		s.user = &cp
	}
	fns := s.snapshotLocked()
	s.mu.Unlock()

	for _, fn := range fns {
		fn(copyUser(u))
	}
}

// Clear signs the current user out.
func (s *Static) Clear() {
	s.Set(nil)
}

// Watch registers fn for change notifications.
func (s *Static) Watch(fn func(*User)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		})
	}
}

func (s *Static) snapshotLocked() []func(*User) {
	ids := make([]int, 0, len(s.watchers))
	for id := range s.watchers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(*User), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.watchers[id])
	}
	return fns
}

func sameUser(a, b *User) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func copyUser(u *User) *User {
	if u == nil {
		return nil
	}
	cp := *u
	return &cp
}

// ID returns u.ID, or "" for a nil user.
func ID(u *User) string {
	if u == nil {
		return ""
	}
	return u.ID
}

// Verify interface compliance.
var _ Provider = (*Static)(nil)
