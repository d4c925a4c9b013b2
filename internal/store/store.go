// Package store persists the structured artifacts produced from assistant
// interactions: sprint records, standup updates, and retrospectives. The
// dispatch core only depends on record creation; reads exist for building
// channel context and are plain CRUD.
package store

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Sprint status values.
const (
	SprintPlanned   = "planned"
	SprintActive    = "active"
	SprintCompleted = "completed"
)

type Sprint struct {
	ID        string
	ChannelID string
	Name      string
	Goal      string
	Points    int
	Status    string
	CreatedBy string
	CreatedAt time.Time
}

type Standup struct {
	ID          string
	ChannelID   string
	UserID      string
	Yesterday   string
	Today       string
	Blockers    string
	HasBlockers bool
	CreatedAt   time.Time
}

type Retrospective struct {
	ID               string
	ChannelID        string
	ConductedBy      string
	WentWell         string
	NeedsImprovement string
	ActionItems      string
	AIInsights       string
	CreatedAt        time.Time
}

type Store interface {
	CreateSprint(ctx context.Context, sprint *Sprint) error
	CreateStandup(ctx context.Context, standup *Standup) error
	CreateRetrospective(ctx context.Context, retro *Retrospective) error

	// CurrentSprint returns the most recent non-completed sprint for a
	// channel, if any.
	CurrentSprint(ctx context.Context, channelID string) (*Sprint, bool, error)
	// ListStandups returns the most recent standups for a channel, newest
	// first.
	ListStandups(ctx context.Context, channelID string, limit int) ([]Standup, error)

	Close() error
}

// NewRecordID generates a sortable unique record identifier.
func NewRecordID() string {
	id, _ := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	return id.String()
}
