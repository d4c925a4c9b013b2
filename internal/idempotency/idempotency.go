// Package idempotency provides an atomic check-and-set keyed store with a
// bounded lifetime per entry. Two core guarantees are built on it: delivery
// dedup (a redelivered platform event id is accepted exactly once per
// window) and single-use interaction tokens (a form submission token is
// consumed at most once).
package idempotency

import (
	"strings"
	"sync"
	"time"
)

type entry[V any] struct {
	value    V
	insertAt time.Time
}

// Keyed is a mutex-guarded map whose entries expire after a TTL. Expired
// entries are purged lazily on every mutation; Sweep is available for
// periodic housekeeping. A zero or negative TTL keeps entries forever.
type Keyed[V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry[V]
	now     func() time.Time
}

func NewKeyed[V any](ttl time.Duration, now func() time.Time) *Keyed[V] {
	if now == nil {
		now = time.Now
	}
	return &Keyed[V]{
		ttl:     ttl,
		entries: make(map[string]entry[V]),
		now:     now,
	}
}

// PutOnce stores value under key if the key is absent (or has expired) and
// reports whether the store happened. The check and the insert are one
// locked operation; concurrent callers for the same key see exactly one
// true result.
func (s *Keyed[V]) PutOnce(key string, value V) bool {
	key = strings.TrimSpace(key)
	if s == nil || key == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()
	if _, ok := s.entries[key]; ok {
		return false
	}
	s.entries[key] = entry[V]{value: value, insertAt: s.now()}
	return true
}

// Take removes and returns the live entry for key. Lookup and delete are
// one locked operation; of two concurrent takers only one receives the
// value.
func (s *Keyed[V]) Take(key string) (V, bool) {
	var zero V
	key = strings.TrimSpace(key)
	if s == nil || key == "" {
		return zero, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()
	item, ok := s.entries[key]
	if !ok {
		return zero, false
	}
	delete(s.entries, key)
	return item.value, true
}

// Len reports the number of live entries.
func (s *Keyed[V]) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()
	return len(s.entries)
}

// Sweep drops expired entries and reports how many were removed.
func (s *Keyed[V]) Sweep() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.entries)
	s.purgeLocked()
	return before - len(s.entries)
}

func (s *Keyed[V]) purgeLocked() {
	if s.ttl <= 0 {
		return
	}
	cutoff := s.now().Add(-s.ttl)
	for key, item := range s.entries {
		if item.insertAt.Before(cutoff) {
			delete(s.entries, key)
		}
	}
}

// Window suppresses redelivery of the same platform delivery id for the
// length of the window. Platforms redeliver on slow acknowledgment, so the
// window only needs to outlast the platform's retry horizon.
type Window struct {
	seen *Keyed[struct{}]
}

func NewWindow(ttl time.Duration, now func() time.Time) *Window {
	return &Window{seen: NewKeyed[struct{}](ttl, now)}
}

// Acquire records the delivery id and reports whether this is its first
// appearance inside the window. Check-then-record is atomic: two
// concurrent redeliveries cannot both observe true.
func (w *Window) Acquire(deliveryID string) bool {
	if w == nil {
		// No window configured: fail open, every delivery processes.
		return true
	}
	return w.seen.PutOnce(deliveryID, struct{}{})
}

// Sweep drops delivery ids that fell out of the window.
func (w *Window) Sweep() int {
	if w == nil {
		return 0
	}
	return w.seen.Sweep()
}
