// Package usage keeps a per-engagement ledger of model token usage.
// Records are append-only; every reasoning turn and every memory
// compaction adds one.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Purpose separates the reasoning loop from auxiliary model calls.
type Purpose string

const (
	PurposeReasoning  Purpose = "reasoning"
	PurposeCompaction Purpose = "compaction"
)

// Record is one model call.
type Record struct {
	ID           string
	Timestamp    time.Time
	EngagementID string
	Iteration    int
	Model        string
	Purpose      Purpose
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// Summary holds aggregated totals.
type Summary struct {
	Calls        int   `json:"calls"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Store is an append-only SQLite ledger, safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens the ledger at dbPath, creating the schema on first
// use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS model_usage (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		engagement_id TEXT NOT NULL,
		iteration     INTEGER NOT NULL,
		model         TEXT NOT NULL,
		purpose       TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		duration_ms   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_model_usage_engagement ON model_usage(engagement_id, timestamp);
	`)
	return err
}

// Record appends rec, assigning an id and timestamp when unset.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.Purpose == "" {
		rec.Purpose = PurposeReasoning
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO model_usage
			(id, timestamp, engagement_id, iteration, model, purpose,
			 input_tokens, output_tokens, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.EngagementID,
		rec.Iteration,
		rec.Model,
		string(rec.Purpose),
		rec.InputTokens,
		rec.OutputTokens,
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Total returns the totals for one engagement.
func (s *Store) Total(ctx context.Context, engagementID string) (Summary, error) {
	var sum Summary
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM model_usage WHERE engagement_id = ?`,
		engagementID,
	).Scan(&sum.Calls, &sum.InputTokens, &sum.OutputTokens)
	if err != nil {
		return Summary{}, fmt.Errorf("query usage total: %w", err)
	}
	return sum, nil
}

// ByModel returns one engagement's totals per model.
func (s *Store) ByModel(ctx context.Context, engagementID string) (map[string]Summary, error) {
	return s.groupedBy(ctx, "model", engagementID)
}

// ByPurpose returns one engagement's totals per purpose.
func (s *Store) ByPurpose(ctx context.Context, engagementID string) (map[string]Summary, error) {
	return s.groupedBy(ctx, "purpose", engagementID)
}

func (s *Store) groupedBy(ctx context.Context, column, engagementID string) (map[string]Summary, error) {
	// column is always a constant from this package, never user input.
	query := fmt.Sprintf(
		`SELECT %s, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM model_usage
		 WHERE engagement_id = ?
		 GROUP BY %s`,
		column, column,
	)

	rows, err := s.db.QueryContext(ctx, query, engagementID)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.Calls, &sum.InputTokens, &sum.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = sum
	}
	return result, rows.Err()
}
