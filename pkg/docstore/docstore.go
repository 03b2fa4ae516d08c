// Package docstore defines the remote document store that holds per-user
// step documents and their daily history, plus an in-memory implementation.
//
// Documents are JSON objects addressed by slash-separated paths such as
// "users/{id}" and "users/{id}/history/2026-03-14". Writes may merge into
// an existing document so that fields owned by other writers survive.
package docstore

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// serverTimestamp is the sentinel type behind ServerTimestamp.
type serverTimestamp struct{}

// ServerTimestamp may be used as a top-level field value in Set or Update.
// The store replaces it with its own write time.
var ServerTimestamp any = serverTimestamp{}

// IsServerTimestamp reports whether v is the ServerTimestamp sentinel.
func IsServerTimestamp(v any) bool {
	_, ok := v.(serverTimestamp)
	return ok
}

// Document is a stored document.
type Document struct {
	Path      string         `json:"path"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SetOptions controls Set.
type SetOptions struct {
	// Merge combines the given fields with the existing document instead
	// of replacing it.
	Merge bool
}

// Store is a keyed JSON document store.
type Store interface {
	// Get returns the document at path or ErrNotFound.
	Get(ctx context.Context, path string) (*Document, error)

	// Set creates or writes the document at path.
	Set(ctx context.Context, path string, data map[string]any, opts SetOptions) error

	// Update merges data into an existing document. It returns
	// ErrNotFound when the document does not exist.
	Update(ctx context.Context, path string, data map[string]any) error

	// List returns documents whose path starts with prefix, ordered by path.
	List(ctx context.Context, prefix string) ([]*Document, error)

	// Close releases resources.
	Close() error
}

// SplitTimestamps separates ServerTimestamp fields from the rest of data.
// It returns the plain fields and the sorted names of the timestamp fields.
func SplitTimestamps(data map[string]any) (map[string]any, []string) {
	plain := make(map[string]any, len(data))
	var stamps []string
	for k, v := range data {
		if IsServerTimestamp(v) {
			stamps = append(stamps, k)
			continue
		}
		plain[k] = v
	}
	slices.Sort(stamps)
	return plain, stamps
}

// Int reads an integer field written by any backend. JSON round trips
// produce float64 values; in-memory documents keep Go ints. Missing or
// non-numeric fields report ok=false.
func Int(data map[string]any, key string) (int, bool) {
	switch v := data[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case interface{ Int64() (int64, error) }:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

// MemoryStore is an in-process Store. It is safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	now  func() time.Time
	docs map[string]*Document
}

// NewMemoryStore creates an empty MemoryStore. now supplies server
// timestamps; nil means time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:  now,
		docs: make(map[string]*Document),
	}
}

// Get returns a copy of the document at path.
func (s *MemoryStore) Get(_ context.Context, path string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[path]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDocument(doc), nil
}

// Set writes the document at path.
func (s *MemoryStore) Set(_ context.Context, path string, data map[string]any, opts SetOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	resolved := s.resolve(data, now)
	doc, ok := s.docs[path]
	if !ok {
		s.docs[path] = &Document{Path: path, Data: resolved, CreatedAt: now, UpdatedAt: now}
		return nil
	}
	if opts.Merge {
		maps.Copy(doc.Data, resolved)
	} else {
		doc.Data = resolved
	}
	doc.UpdatedAt = now
	return nil
}

// Update merges data into an existing document.
func (s *MemoryStore) Update(_ context.Context, path string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[path]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	maps.Copy(doc.Data, s.resolve(data, now))
	doc.UpdatedAt = now
	return nil
}

// List returns copies of the documents under prefix, ordered by path.
func (s *MemoryStore) List(_ context.Context, prefix string) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Document
	for _, path := range slices.Sorted(maps.Keys(s.docs)) {
		if strings.HasPrefix(path, prefix) {
			out = append(out, cloneDocument(s.docs[path]))
		}
	}
	return out, nil
}

// Close is a no-op.
func (*MemoryStore) Close() error { return nil }

func (*MemoryStore) resolve(data map[string]any, now time.Time) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if IsServerTimestamp(v) {
			out[k] = now
			continue
		}
		out[k] = v
	}
	return out
}

func cloneDocument(d *Document) *Document {
	cp := *d
	cp.Data = maps.Clone(d.Data)
	return &cp
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
