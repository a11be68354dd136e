package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ArchiveReason records why entries left working memory.
type ArchiveReason string

const (
	ArchiveReasonCompaction ArchiveReason = "compaction"
	ArchiveReasonOverflow   ArchiveReason = "overflow"
	ArchiveReasonShutdown   ArchiveReason = "shutdown"
)

// Archive is durable storage for entries evicted from working memory.
type Archive interface {
	Store(ctx context.Context, engagementID string, reason ArchiveReason, entries []Entry) error
	Search(ctx context.Context, engagementID, query string, limit int) ([]Entry, error)
	Count(ctx context.Context, engagementID string) (int, error)
	Close() error
}

// SQLiteArchive stores entries in SQLite. Search uses FTS5 when the
// driver was built with it and falls back to LIKE matching otherwise.
type SQLiteArchive struct {
	db         *sql.DB
	maxChars   int
	ftsEnabled bool
	logger     *slog.Logger
}

// NewSQLiteArchive opens (creating if needed) the archive at dbPath.
// Entries longer than maxChars are clipped before storage; zero keeps
// them whole.
func NewSQLiteArchive(dbPath string, maxChars int, logger *slog.Logger) (*SQLiteArchive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &SQLiteArchive{db: db, maxChars: maxChars, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s.ftsEnabled = s.tryEnableFTS()
	if s.ftsEnabled {
		logger.Debug("memory archive opened", "path", dbPath, "fts5", true)
	} else {
		logger.Warn("memory archive: FTS5 not available, search will use LIKE matching",
			"path", dbPath, "fts5", false)
	}
	return s, nil
}

func (s *SQLiteArchive) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS archive_entries (
		id TEXT PRIMARY KEY,
		engagement_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		correlation_id TEXT,
		sim_key TEXT NOT NULL DEFAULT '',
		tokens INTEGER NOT NULL DEFAULT 0,
		covers INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		archived_at TEXT NOT NULL,
		archive_reason TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_archive_engagement ON archive_entries(engagement_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_archive_key ON archive_entries(engagement_id, sim_key);
	`)
	return err
}

func (s *SQLiteArchive) tryEnableFTS() bool {
	_, err := s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS archive_fts USING fts5(
			content,
			sim_key,
			content=archive_entries,
			content_rowid=rowid
		)
	`)
	return err == nil
}

// FTSEnabled reports whether full-text search is in use.
func (s *SQLiteArchive) FTSEnabled() bool { return s.ftsEnabled }

// Close closes the database.
func (s *SQLiteArchive) Close() error { return s.db.Close() }

// Store implements Archive. Entries already archived are ignored.
func (s *SQLiteArchive) Store(ctx context.Context, engagementID string, reason ArchiveReason, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	insert, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO archive_entries
			(id, engagement_id, kind, content, correlation_id, sim_key, tokens, covers, created_at, archived_at, archive_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer insert.Close()

	var insertFTS *sql.Stmt
	if s.ftsEnabled {
		insertFTS, err = tx.PrepareContext(ctx, `
			INSERT INTO archive_fts(rowid, content, sim_key)
			SELECT rowid, content, sim_key FROM archive_entries WHERE id = ?
		`)
		if err != nil {
			return fmt.Errorf("prepare fts insert: %w", err)
		}
		defer insertFTS.Close()
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, e := range entries {
		content := e.Content
		if s.maxChars > 0 && len(content) > s.maxChars {
			content = clipToTokens(content, s.maxChars/4)
		}
		res, err := insert.ExecContext(ctx,
			e.ID, engagementID, string(e.Kind), content, e.CorrelationID, e.Key,
			EstimateTokens(content), e.Covers, e.At.UTC().Format(time.RFC3339Nano), now, string(reason),
		)
		if err != nil {
			return fmt.Errorf("insert entry %s: %w", e.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 && insertFTS != nil {
			if _, err := insertFTS.ExecContext(ctx, e.ID); err != nil {
				return fmt.Errorf("index entry %s: %w", e.ID, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Search implements Archive. Results are ordered by relevance (FTS5)
// or recency (LIKE).
func (s *SQLiteArchive) Search(ctx context.Context, engagementID, query string, limit int) ([]Entry, error) {
	terms := searchTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	const cols = "e.id, e.kind, e.content, COALESCE(e.correlation_id, ''), e.sim_key, e.tokens, e.covers, e.created_at"
	var q string
	var args []any
	if s.ftsEnabled {
		// Key matches weigh more than content matches.
		q = `SELECT ` + cols + `
			FROM archive_fts
			JOIN archive_entries e ON archive_fts.rowid = e.rowid
			WHERE archive_fts MATCH ? AND e.engagement_id = ?
			ORDER BY bm25(archive_fts, 1.0, 5.0) LIMIT ?`
		args = []any{sanitizeFTS5Query(terms), engagementID, limit}
	} else {
		keyLikes := make([]string, len(terms))
		contentLikes := make([]string, len(terms))
		var keyArgs, contentArgs []any
		for i, t := range terms {
			keyLikes[i] = "e.sim_key LIKE ? ESCAPE '\\'"
			contentLikes[i] = "e.content LIKE ? ESCAPE '\\'"
			pattern := "%" + escapeLike(t) + "%"
			keyArgs = append(keyArgs, pattern)
			contentArgs = append(contentArgs, pattern)
		}
		anyKey := strings.Join(keyLikes, " OR ")
		q = `SELECT ` + cols + `
			FROM archive_entries e
			WHERE e.engagement_id = ? AND (` + anyKey + ` OR ` + strings.Join(contentLikes, " OR ") + `)
			ORDER BY CASE WHEN ` + anyKey + ` THEN 0 ELSE 1 END, e.created_at DESC LIMIT ?`
		args = append(args, engagementID)
		args = append(args, keyArgs...)
		args = append(args, contentArgs...)
		args = append(args, keyArgs...)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var kind, created string
		if err := rows.Scan(&e.ID, &kind, &e.Content, &e.CorrelationID, &e.Key, &e.Tokens, &e.Covers, &created); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		e.Kind = Kind(kind)
		e.At, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}

// Count implements Archive.
func (s *SQLiteArchive) Count(ctx context.Context, engagementID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM archive_entries WHERE engagement_id = ?`, engagementID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// searchTerms splits a query into at most eight distinct words of two
// or more characters.
func searchTerms(query string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, `.,;:!?()[]{}"'`)
		if len(w) < 2 || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) == 8 {
			break
		}
	}
	return out
}

// sanitizeFTS5Query quotes each term so characters like periods and
// colons in addresses are not parsed as FTS5 syntax.
func sanitizeFTS5Query(terms []string) string {
	quoted := make([]string, len(terms))
	for i, w := range terms {
		quoted[i] = `"` + strings.ReplaceAll(w, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
