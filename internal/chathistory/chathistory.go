// Package chathistory is the process-wide rolling dialogue store. Each
// conversation key maps to an ordered, bounded sequence of turns; when a
// conversation goes idle past its TTL the whole entry is evicted.
package chathistory

import (
	"strings"
	"sync"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultMaxTurns bounds how many turns a conversation retains. LLM context
// windows are finite and cost scales with history size; recency carries the
// conversational signal.
const DefaultMaxTurns = 20

type Turn struct {
	Role   string
	Text   string
	SentAt time.Time
}

type conversation struct {
	turns        []Turn
	createdAt    time.Time
	lastActivity time.Time
}

// Store holds every live conversation. Append is atomic per key: two
// concurrent turns for the same key serialize, never interleave.
type Store struct {
	mu       sync.Mutex
	maxTurns int
	idleTTL  time.Duration
	items    map[string]*conversation
	now      func() time.Time
}

type StoreOptions struct {
	// MaxTurns bounds each conversation; DefaultMaxTurns when <= 0.
	MaxTurns int
	// IdleTTL evicts whole conversations idle longer than this. Zero or
	// negative disables idle eviction.
	IdleTTL time.Duration
	// Now is for tests; defaults to time.Now.
	Now func() time.Time
}

func NewStore(opts StoreOptions) *Store {
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Store{
		maxTurns: maxTurns,
		idleTTL:  opts.IdleTTL,
		items:    make(map[string]*conversation),
		now:      nowFn,
	}
}

// Append records one turn. The conversation is created lazily on its first
// turn; when the bound is exceeded the oldest turn is dropped first.
func (s *Store) Append(key, role, text string) {
	key = strings.TrimSpace(key)
	if s == nil || key == "" {
		return
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.items[key]
	if !ok {
		conv = &conversation{createdAt: now}
		s.items[key] = conv
	}
	conv.turns = append(conv.turns, Turn{Role: role, Text: text, SentAt: now})
	if len(conv.turns) > s.maxTurns {
		conv.turns = append([]Turn(nil), conv.turns[len(conv.turns)-s.maxTurns:]...)
	}
	conv.lastActivity = now
}

// AppendExchange records a (user, assistant) turn pair as one atomic
// mutation so a concurrent exchange for the same key cannot split the pair.
func (s *Store) AppendExchange(key, userText, assistantText string) {
	key = strings.TrimSpace(key)
	if s == nil || key == "" {
		return
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.items[key]
	if !ok {
		conv = &conversation{createdAt: now}
		s.items[key] = conv
	}
	conv.turns = append(conv.turns,
		Turn{Role: RoleUser, Text: userText, SentAt: now},
		Turn{Role: RoleAssistant, Text: assistantText, SentAt: now},
	)
	if len(conv.turns) > s.maxTurns {
		conv.turns = append([]Turn(nil), conv.turns[len(conv.turns)-s.maxTurns:]...)
	}
	conv.lastActivity = now
}

// Turns returns a copy of the conversation's turns in arrival order.
func (s *Store) Turns(key string) []Turn {
	key = strings.TrimSpace(key)
	if s == nil || key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.items[key]
	if !ok {
		return nil
	}
	return append([]Turn(nil), conv.turns...)
}

// Len reports the number of live conversations.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// EvictIdle removes conversations whose last activity is older than the
// idle TTL and reports how many were dropped. Best-effort housekeeping;
// correctness never depends on it running.
func (s *Store) EvictIdle() int {
	if s == nil || s.idleTTL <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.idleTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, conv := range s.items {
		if conv.lastActivity.Before(cutoff) {
			delete(s.items, key)
			removed++
		}
	}
	return removed
}
