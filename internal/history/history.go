// Package history keeps a SQLite ledger of upload outcomes.
//
// The ledger is append-mostly: one row per upload job, written when the job
// finishes. It records what happened to files that left the watch folder;
// tracker state is never persisted and a restart starts from an empty
// tracker.
//
// Architecture:
//   - Database file: $XDG_DATA_HOME/vidpush/history.db by default
//   - WAL mode: the CLI can read while the agent writes
//   - Schema: a single uploads table indexed by start time and status
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mschirtzinger/vidpush/internal/upload"
)

// Status summarizes how an upload ended.
type Status string

const (
	// StatusUploaded means the store acknowledged the object and the local
	// file was removed.
	StatusUploaded Status = "uploaded"

	// StatusKept means the store acknowledged the object but the local file
	// could not be removed.
	StatusKept Status = "kept"

	// StatusFailed means the object was not stored; the local file remains.
	StatusFailed Status = "failed"
)

// ParseStatus validates a status name. The empty string is accepted and
// means any status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case "", StatusUploaded, StatusKept, StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown status %q (want uploaded, kept or failed)", s)
	}
}

// StatusOf classifies an outcome.
func StatusOf(out upload.Outcome) Status {
	switch {
	case out.OK():
		return StatusUploaded
	case out.Uploaded():
		return StatusKept
	default:
		return StatusFailed
	}
}

// Entry is one row of the ledger.
type Entry struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	Provider    string    `json:"provider"`
	Size        int64     `json:"size"`
	Fingerprint *uint32   `json:"fingerprint,omitempty"`
	Attempt     int       `json:"attempt"`
	Stage       string    `json:"stage"`
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Deleted     bool      `json:"deleted"`
}

// Duration returns how long the upload took.
func (e Entry) Duration() time.Duration {
	return e.FinishedAt.Sub(e.StartedAt)
}

// Filter narrows List results. Zero values mean no restriction.
type Filter struct {
	// Since keeps entries that finished at or after this time.
	Since  time.Time
	Status Status
	Limit  int
}

// Counts aggregates the ledger.
type Counts struct {
	Total    int       `json:"total"`
	Uploaded int       `json:"uploaded"`
	Kept     int       `json:"kept"`
	Failed   int       `json:"failed"`
	Bytes    int64     `json:"bytes"`
	Last     time.Time `json:"last,omitempty"`
}

// ErrClosed is returned when the ledger has been closed.
var ErrClosed = errors.New("history database is closed")

// timeFormat sorts lexicographically, which the since filter relies on.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// DB wraps the ledger database.
type DB struct {
	conn *sql.DB
	path string
}

// DefaultPath returns $XDG_DATA_HOME/vidpush/history.db, falling back to
// ~/.local/share.
func DefaultPath() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".", "history.db")
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "vidpush", "history.db")
}

// Open opens (creating if needed) the ledger at path and initializes the
// schema. The caller must call Close.
func Open(path string) (*DB, error) {
	return OpenContext(context.Background(), path)
}

// OpenContext is Open with context support.
func OpenContext(ctx context.Context, path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := db.InitSchemaContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the uploads table if it doesn't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	if db.conn == nil {
		return ErrClosed
	}

	schema := `
	CREATE TABLE IF NOT EXISTS uploads (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		name TEXT NOT NULL,
		url TEXT NOT NULL,      -- query string stripped
		provider TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		fingerprint INTEGER,    -- CRC32, poll strategy only
		attempt INTEGER NOT NULL DEFAULT 1,
		stage TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_uploads_finished ON uploads(finished_at);
	CREATE INDEX IF NOT EXISTS idx_uploads_status ON uploads(status, finished_at);
	CREATE INDEX IF NOT EXISTS idx_uploads_name ON uploads(name);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Record stores an outcome. It satisfies upload.Recorder.
func (db *DB) Record(ctx context.Context, out upload.Outcome) error {
	if db.conn == nil {
		return ErrClosed
	}

	job := out.Job
	var fp sql.NullInt64
	if job.HasFingerprint {
		fp = sql.NullInt64{Int64: int64(job.Fingerprint), Valid: true}
	}
	var errText sql.NullString
	if out.Err != nil {
		errText = sql.NullString{String: out.Err.Error(), Valid: true}
	}
	size := out.Bytes
	if size == 0 {
		size = job.Size
	}

	query := `
	INSERT INTO uploads (
		id, path, name, url, provider, size, fingerprint, attempt,
		stage, status, error, started_at, finished_at, deleted
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		stage = excluded.stage,
		status = excluded.status,
		error = excluded.error,
		size = excluded.size,
		finished_at = excluded.finished_at,
		deleted = excluded.deleted
	`

	_, err := db.conn.ExecContext(ctx, query,
		job.ID,
		job.Path,
		job.Name,
		job.RedactedURL(),
		job.Provider,
		size,
		fp,
		job.Attempt,
		string(out.Stage),
		string(StatusOf(out)),
		errText,
		formatTime(out.Started),
		formatTime(out.Started.Add(out.Duration)),
		boolToInt(out.Deleted),
	)
	if err != nil {
		return fmt.Errorf("failed to record upload %s: %w", job.ID, err)
	}
	return nil
}

// List returns entries matching f, most recently finished first.
func (db *DB) List(ctx context.Context, f Filter) ([]Entry, error) {
	if db.conn == nil {
		return nil, ErrClosed
	}

	var (
		where []string
		args  []any
	)
	if !f.Since.IsZero() {
		where = append(where, "finished_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := `
	SELECT id, path, name, url, provider, size, fingerprint, attempt,
	       stage, status, error, started_at, finished_at, deleted
	FROM uploads`
	if len(where) > 0 {
		query += "\n\tWHERE " + strings.Join(where, " AND ")
	}
	query += "\n\tORDER BY finished_at DESC, id"
	if f.Limit > 0 {
		query += "\n\tLIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query uploads: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                 Entry
			fp                sql.NullInt64
			errText           sql.NullString
			status            string
			started, finished string
			deleted           int
		)
		if err := rows.Scan(&e.ID, &e.Path, &e.Name, &e.URL, &e.Provider, &e.Size, &fp, &e.Attempt,
			&e.Stage, &status, &errText, &started, &finished, &deleted); err != nil {
			return nil, fmt.Errorf("failed to scan upload: %w", err)
		}
		if fp.Valid {
			v := uint32(fp.Int64)
			e.Fingerprint = &v
		}
		e.Status = Status(status)
		e.Error = errText.String
		e.StartedAt = parseTime(started)
		e.FinishedAt = parseTime(finished)
		e.Deleted = deleted != 0
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate uploads: %w", err)
	}
	return entries, nil
}

// Counts aggregates every row in the ledger.
func (db *DB) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	if db.conn == nil {
		return c, ErrClosed
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(size), 0) FROM uploads GROUP BY status`)
	if err != nil {
		return c, fmt.Errorf("failed to count uploads: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int
			bytes  int64
		)
		if err := rows.Scan(&status, &n, &bytes); err != nil {
			return c, fmt.Errorf("failed to scan counts: %w", err)
		}
		c.Total += n
		switch Status(status) {
		case StatusUploaded:
			c.Uploaded = n
			c.Bytes += bytes
		case StatusKept:
			c.Kept = n
			c.Bytes += bytes
		case StatusFailed:
			c.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return c, fmt.Errorf("failed to iterate counts: %w", err)
	}

	var last sql.NullString
	err = db.conn.QueryRowContext(ctx,
		`SELECT MAX(finished_at) FROM uploads WHERE status != ?`, string(StatusFailed)).Scan(&last)
	if err != nil {
		return c, fmt.Errorf("failed to query last upload: %w", err)
	}
	if last.Valid {
		c.Last = parseTime(last.String)
	}
	return c, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
