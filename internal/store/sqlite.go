package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS sprints (
	id TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL,
	name TEXT NOT NULL,
	goal TEXT,
	points INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	created_by TEXT,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS standups (
	id TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	yesterday TEXT NOT NULL,
	today TEXT NOT NULL,
	blockers TEXT,
	has_blockers INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS retrospectives (
	id TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL,
	conducted_by TEXT NOT NULL,
	went_well TEXT,
	needs_improvement TEXT,
	action_items TEXT,
	ai_insights TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_standups_channel ON standups(channel_id, created_at);
CREATE INDEX IF NOT EXISTS idx_sprints_channel ON sprints(channel_id, created_at);
`

// NewSQLiteStore opens (creating if needed) the database at dsn. An empty
// dsn resolves to a per-user default path.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	dsn, err := resolveDSN(dsn)
	if err != nil {
		return nil, err
	}
	if dsn != ":memory:" {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db directory %q: %w", dir, err)
			}
		}
	}
	db, err := sql.Open("sqlite", sqliteDSNWithPragmas(dsn))
	if err != nil {
		return nil, err
	}
	// Single writer; SQLite serializes writes anyway and a larger pool
	// only produces busy errors under load.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func resolveDSN(dsn string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn != "" {
		return dsn, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".scrumlead", "scrumlead.sqlite"), nil
}

func sqliteDSNWithPragmas(dsn string) string {
	if dsn == ":memory:" {
		return dsn
	}
	params := url.Values{}
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "foreign_keys(ON)")
	return "file:" + dsn + "?" + params.Encode()
}

func (s *SQLiteStore) CreateSprint(ctx context.Context, sprint *Sprint) error {
	if sprint.ID == "" {
		sprint.ID = NewRecordID()
	}
	if sprint.CreatedAt.IsZero() {
		sprint.CreatedAt = time.Now().UTC()
	}
	if sprint.Status == "" {
		sprint.Status = SprintPlanned
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sprints (id, channel_id, name, goal, points, status, created_by, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sprint.ID, sprint.ChannelID, sprint.Name, sprint.Goal, sprint.Points, sprint.Status, sprint.CreatedBy, sprint.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert sprint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateStandup(ctx context.Context, standup *Standup) error {
	if standup.ID == "" {
		standup.ID = NewRecordID()
	}
	if standup.CreatedAt.IsZero() {
		standup.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO standups (id, channel_id, user_id, yesterday, today, blockers, has_blockers, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		standup.ID, standup.ChannelID, standup.UserID, standup.Yesterday, standup.Today,
		standup.Blockers, boolToInt(standup.HasBlockers), standup.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert standup: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateRetrospective(ctx context.Context, retro *Retrospective) error {
	if retro.ID == "" {
		retro.ID = NewRecordID()
	}
	if retro.CreatedAt.IsZero() {
		retro.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO retrospectives (id, channel_id, conducted_by, went_well, needs_improvement, action_items, ai_insights, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		retro.ID, retro.ChannelID, retro.ConductedBy, retro.WentWell, retro.NeedsImprovement,
		retro.ActionItems, retro.AIInsights, retro.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert retrospective: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CurrentSprint(ctx context.Context, channelID string) (*Sprint, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, channel_id, name, goal, points, status, created_by, created_at
FROM sprints WHERE channel_id = ? AND status != ?
ORDER BY created_at DESC LIMIT 1`, channelID, SprintCompleted)
	var sprint Sprint
	var createdAt int64
	err := row.Scan(&sprint.ID, &sprint.ChannelID, &sprint.Name, &sprint.Goal, &sprint.Points, &sprint.Status, &sprint.CreatedBy, &createdAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query current sprint: %w", err)
	}
	sprint.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &sprint, true, nil
}

func (s *SQLiteStore) ListStandups(ctx context.Context, channelID string, limit int) ([]Standup, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, channel_id, user_id, yesterday, today, blockers, has_blockers, created_at
FROM standups WHERE channel_id = ?
ORDER BY created_at DESC LIMIT ?`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("query standups: %w", err)
	}
	defer rows.Close()

	var out []Standup
	for rows.Next() {
		var standup Standup
		var hasBlockers int
		var createdAt int64
		if err := rows.Scan(&standup.ID, &standup.ChannelID, &standup.UserID, &standup.Yesterday,
			&standup.Today, &standup.Blockers, &hasBlockers, &createdAt); err != nil {
			return nil, fmt.Errorf("scan standup: %w", err)
		}
		standup.HasBlockers = hasBlockers != 0
		standup.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, standup)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
