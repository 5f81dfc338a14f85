// Package dedup recognises redelivered messages by their correlation
// id. SPEC_FULL §2 names this as the google/uuid dependency's sole
// purpose: PATH_PUSHING_PROBE and DEADLOCK_REPORT_TO_CLIENT are both
// sent over a transport that retries with backoff on timeout (§7 class
// 1), so the same logical message can arrive at a handler twice even
// though the underlying network delivered it at most once per attempt.
package dedup

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Set remembers correlation ids seen within the last window. A zero
// uuid (a sender that did not populate CorrelationID) is never
// considered a duplicate — Seen is then purely advisory.
type Set struct {
	window time.Duration

	mu   sync.Mutex
	seen map[uuid.UUID]time.Time
}

// New constructs a Set that forgets an id once window has elapsed
// since it was first seen.
func New(window time.Duration) *Set {
	return &Set{window: window, seen: make(map[uuid.UUID]time.Time)}
}

// Seen reports whether id was already recorded within window and, if
// not, records it now. The sweep of expired entries piggybacks on
// every call rather than running its own timer.
func (s *Set) Seen(id uuid.UUID) bool {
	if id == uuid.Nil {
		return false
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, t := range s.seen {
		if now.Sub(t) > s.window {
			delete(s.seen, k)
		}
	}
	if t, ok := s.seen[id]; ok && now.Sub(t) <= s.window {
		return true
	}
	s.seen[id] = now
	return false
}
