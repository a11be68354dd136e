// Package audit keeps the append-only record of every validated action
// attempt: what was proposed, what the policy decided and what
// happened. Rows cannot be updated or deleted; triggers reject both.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrAppendOnly is returned when the database refuses a modification.
var ErrAppendOnly = errors.New("audit log is append-only")

// Record is one audit row.
type Record struct {
	ID            int64         `json:"id"`
	At            time.Time     `json:"at"`
	EngagementID  string        `json:"engagement_id"`
	Iteration     int           `json:"iteration"`
	CorrelationID string        `json:"correlation_id"`
	Tool          string        `json:"tool"`
	SessionID     string        `json:"session_id,omitempty"`
	ArgsPreview   string        `json:"args_preview"`
	Verdict       string        `json:"verdict"`
	Reason        string        `json:"reason,omitempty"`
	Risk          string        `json:"risk,omitempty"`
	Outcome       string        `json:"outcome"`
	ExitCode      int           `json:"exit_code"`
	Duration      time.Duration `json:"duration"`
}

// Log writes and reads audit records.
type Log struct {
	db *sql.DB
}

// Open opens (creating if needed) the audit database at path.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	l, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// New wraps an open database, creating the schema on first use.
func New(db *sql.DB) (*Log, error) {
	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		return nil, fmt.Errorf("migrate audit log: %w", err)
	}
	return l, nil
}

func (l *Log) migrate() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			at             TEXT NOT NULL,
			engagement_id  TEXT NOT NULL,
			iteration      INTEGER NOT NULL,
			correlation_id TEXT NOT NULL,
			tool           TEXT NOT NULL,
			session_id     TEXT NOT NULL DEFAULT '',
			args_preview   TEXT NOT NULL,
			verdict        TEXT NOT NULL,
			reason         TEXT NOT NULL DEFAULT '',
			risk           TEXT NOT NULL DEFAULT '',
			outcome        TEXT NOT NULL,
			exit_code      INTEGER NOT NULL DEFAULT 0,
			duration_ms    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_audit_engagement ON audit_log(engagement_id, id);

		CREATE TRIGGER IF NOT EXISTS audit_log_no_update
		BEFORE UPDATE ON audit_log
		BEGIN
			SELECT RAISE(ABORT, 'audit log is append-only');
		END;

		CREATE TRIGGER IF NOT EXISTS audit_log_no_delete
		BEFORE DELETE ON audit_log
		BEGIN
			SELECT RAISE(ABORT, 'audit log is append-only');
		END;
	`)
	return err
}

// Close closes the database.
func (l *Log) Close() error { return l.db.Close() }

// Append writes r and returns its row id.
func (l *Log) Append(ctx context.Context, r Record) (int64, error) {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log
			(at, engagement_id, iteration, correlation_id, tool, session_id,
			 args_preview, verdict, reason, risk, outcome, exit_code, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.At.UTC().Format(time.RFC3339Nano), r.EngagementID, r.Iteration, r.CorrelationID, r.Tool, r.SessionID,
		r.ArgsPreview, r.Verdict, r.Reason, r.Risk, r.Outcome, r.ExitCode, r.Duration.Milliseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("append audit record: %w", err)
	}
	return res.LastInsertId()
}

// List returns an engagement's records in the order they were written.
// A positive limit keeps only the most recent records.
func (l *Log) List(ctx context.Context, engagementID string, limit int) ([]Record, error) {
	q := `SELECT id, at, engagement_id, iteration, correlation_id, tool, session_id,
	             args_preview, verdict, reason, risk, outcome, exit_code, duration_ms
	      FROM audit_log WHERE engagement_id = ?`
	args := []any{engagementID}
	if limit > 0 {
		q = `SELECT * FROM (` + q + ` ORDER BY id DESC LIMIT ?) ORDER BY id ASC`
		args = append(args, limit)
	} else {
		q += ` ORDER BY id ASC`
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var at string
		var ms int64
		if err := rows.Scan(&r.ID, &at, &r.EngagementID, &r.Iteration, &r.CorrelationID, &r.Tool, &r.SessionID,
			&r.ArgsPreview, &r.Verdict, &r.Reason, &r.Risk, &r.Outcome, &r.ExitCode, &ms); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		r.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// Counts tallies an engagement's records by verdict.
func (l *Log) Counts(ctx context.Context, engagementID string) (map[string]int, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT verdict, COUNT(*) FROM audit_log WHERE engagement_id = ? GROUP BY verdict`, engagementID)
	if err != nil {
		return nil, fmt.Errorf("count audit records: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var v string
		var n int
		if err := rows.Scan(&v, &n); err != nil {
			return nil, err
		}
		out[v] = n
	}
	return out, rows.Err()
}
