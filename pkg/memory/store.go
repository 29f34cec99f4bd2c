// Package memory implements the learning memory: a keyed store of behavioral
// observations (modal usage, chat activity, user actions) that later biases
// proactive behavior.
package memory

import (
	"maps"
	"slices"
	"time"
)

// Entry is one learning-memory record.
type Entry struct {
	Fields      map[string]any `json:"fields"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Store is the learning memory. It is not safe for concurrent use; the
// coordinator owns it and serializes access.
type Store struct {
	entries map[string]*Entry
	clock   func() time.Time
}

// NewStore creates an empty learning memory.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]*Entry),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Update shallow-merges fields into the entry under key, creating it if
// needed, and stamps LastUpdated. Merged values are copied, so later changes
// to nested maps or slices held by the caller do not reach the store.
func (s *Store) Update(key string, fields map[string]any) {
	e, ok := s.entries[key]
	if !ok {
		e = &Entry{Fields: make(map[string]any, len(fields))}
		s.entries[key] = e
	}
	maps.Copy(e.Fields, CloneFields(fields))
	e.LastUpdated = s.clock()
}

// Increment adds delta to an integer counter field under key, treating a
// missing or non-integer field as zero, and stamps LastUpdated.
func (s *Store) Increment(key, field string, delta int) int {
	var cur int
	if e, ok := s.entries[key]; ok {
		if v, ok := e.Fields[field].(int); ok {
			cur = v
		}
	}
	cur += delta
	s.Update(key, map[string]any{field: cur})
	return cur
}

// Get returns a copy of the entry under key.
func (s *Store) Get(key string) (Entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return Entry{Fields: CloneFields(e.Fields), LastUpdated: e.LastUpdated}, true
}

// Snapshot returns a deep copy of the whole memory.
func (s *Store) Snapshot() map[string]Entry {
	out := make(map[string]Entry, len(s.entries))
	for k, e := range s.entries {
		out[k] = Entry{Fields: CloneFields(e.Fields), LastUpdated: e.LastUpdated}
	}
	return out
}

// Len returns the number of keys.
func (s *Store) Len() int { return len(s.entries) }

// CloneFields deep-copies a field map. Nested JSON-shaped containers
// (map[string]any, []any, map[string]string, []string) are copied; other
// values are copied by assignment. A nil map yields an empty one.
func CloneFields(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		if v == nil {
			return v
		}
		return CloneFields(v)
	case []any:
		if v == nil {
			return v
		}
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	case map[string]string:
		return maps.Clone(v)
	case []string:
		return slices.Clone(v)
	default:
		return v
	}
}
