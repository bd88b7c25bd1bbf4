// Package scorestore persists round results. The rest of the server only
// sees the Store interface; the sqlite implementation here is the default
// so a bare deployment still keeps its history.
package scorestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Result is one player's standing in one finished round.
type Result struct {
	RoundID    string
	GameID     string
	Username   string
	SurvivedMs int64
	Won        bool
	RecordedAt time.Time
}

// Store records finished rounds and answers leaderboard-ish queries.
type Store interface {
	SaveRound(ctx context.Context, gameID string, results []Result) (roundID string, err error)
	TopSurvivors(ctx context.Context, gameID string, limit int) ([]Result, error)
	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS round_results (
	round_id    TEXT NOT NULL,
	game_id     TEXT NOT NULL,
	username    TEXT NOT NULL,
	survived_ms INTEGER NOT NULL,
	won         INTEGER NOT NULL,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_round_results_game ON round_results(game_id, survived_ms DESC);
`

// SQLite is the default Store.
type SQLite struct {
	db *sql.DB
}

// Open opens (creating if needed) a sqlite score database at path.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening score db: %w", err)
	}
	// A single writer keeps sqlite happy under the modernc driver.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating score schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// SaveRound writes all standings for a finished round under a fresh round
// id.
func (s *SQLite) SaveRound(ctx context.Context, gameID string, results []Result) (string, error) {
	roundID := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning round save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO round_results (round_id, game_id, username, survived_ms, won, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("preparing round insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		won := 0
		if r.Won {
			won = 1
		}
		if _, err := stmt.ExecContext(ctx, roundID, gameID, r.Username, r.SurvivedMs, won, now); err != nil {
			return "", fmt.Errorf("inserting result for %s: %w", r.Username, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing round save: %w", err)
	}
	return roundID, nil
}

// TopSurvivors returns the longest-surviving results for a game.
func (s *SQLite) TopSurvivors(ctx context.Context, gameID string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT round_id, game_id, username, survived_ms, won, recorded_at
		 FROM round_results WHERE game_id = ?
		 ORDER BY survived_ms DESC, username ASC LIMIT ?`, gameID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying top survivors: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		var won int
		var recorded string
		if err := rows.Scan(&r.RoundID, &r.GameID, &r.Username, &r.SurvivedMs, &won, &recorded); err != nil {
			return nil, fmt.Errorf("scanning result row: %w", err)
		}
		r.Won = won != 0
		r.RecordedAt, _ = time.Parse(time.RFC3339, recorded)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *SQLite) Close() error { return s.db.Close() }

// Discard is a Store that keeps nothing, used when persistence is
// disabled.
type Discard struct{}

func (Discard) SaveRound(context.Context, string, []Result) (string, error) {
	return uuid.NewString(), nil
}

func (Discard) TopSurvivors(context.Context, string, int) ([]Result, error) {
	return nil, nil
}

func (Discard) Close() error { return nil }
