package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	sprints []Sprint
	standup []Standup
	retros  []Retrospective
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) CreateSprint(ctx context.Context, sprint *Sprint) error {
	if sprint.ID == "" {
		sprint.ID = NewRecordID()
	}
	s.mu.Lock()
	s.sprints = append(s.sprints, *sprint)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CreateStandup(ctx context.Context, standup *Standup) error {
	if standup.ID == "" {
		standup.ID = NewRecordID()
	}
	s.mu.Lock()
	s.standup = append(s.standup, *standup)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CreateRetrospective(ctx context.Context, retro *Retrospective) error {
	if retro.ID == "" {
		retro.ID = NewRecordID()
	}
	s.mu.Lock()
	s.retros = append(s.retros, *retro)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CurrentSprint(ctx context.Context, channelID string) (*Sprint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.sprints) - 1; i >= 0; i-- {
		if s.sprints[i].ChannelID == channelID && s.sprints[i].Status != SprintCompleted {
			cp := s.sprints[i]
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (s *MemoryStore) ListStandups(ctx context.Context, channelID string, limit int) ([]Standup, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Standup, 0, limit)
	for i := len(s.standup) - 1; i >= 0 && len(out) < limit; i-- {
		if s.standup[i].ChannelID == channelID {
			out = append(out, s.standup[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// Standups returns every stored standup; test helper.
func (s *MemoryStore) Standups() []Standup {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Standup(nil), s.standup...)
}

// Retrospectives returns every stored retrospective; test helper.
func (s *MemoryStore) Retrospectives() []Retrospective {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Retrospective(nil), s.retros...)
}

// Sprints returns every stored sprint; test helper.
func (s *MemoryStore) Sprints() []Sprint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sprint(nil), s.sprints...)
}
