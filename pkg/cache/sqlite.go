package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure Go driver, registers "sqlite"

	"github.com/Sternrassler/listing-resolver/pkg/listing"
)

// DefaultSQLiteFile is the database used by SQLiteStore when none is configured.
const DefaultSQLiteFile = ".cache/etsy-listing-counts.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS listing_cache (
	normalized_key   TEXT PRIMARY KEY,
	keyword          TEXT NOT NULL,
	count            INTEGER NOT NULL,
	source           TEXT NOT NULL,
	confidence       TEXT NOT NULL,
	created_at       INTEGER NOT NULL,
	expires_at       INTEGER NOT NULL,
	last_accessed_at INTEGER NOT NULL
)`

// SQLiteStore keeps the snapshot in a single-table SQLite database.
// Timestamps are stored as Unix nanoseconds.
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// OpenSQLiteStore opens (creating if needed) the database at path. An empty
// path selects DefaultSQLiteFile.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = DefaultSQLiteFile
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// one writer; flushes are infrequent
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		sqliteSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite: %w", err)
		}
	}

	return &SQLiteStore{db: db, path: path, now: time.Now}, nil
}

// Path returns the database location.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load returns every persisted row. Callers filter expired ones.
func (s *SQLiteStore) Load(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT normalized_key, keyword, count, source, confidence,
		       created_at, expires_at, last_accessed_at
		FROM listing_cache`)
	if err != nil {
		return nil, fmt.Errorf("query listing_cache: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                          Entry
			confidence                 string
			created, expires, accessed int64
		)
		if err := rows.Scan(&e.NormalizedKey, &e.Keyword, &e.Count, &e.Source, &confidence,
			&created, &expires, &accessed); err != nil {
			return nil, fmt.Errorf("scan listing_cache: %w", err)
		}
		e.Confidence = listing.Confidence(confidence)
		e.CreatedAt = time.Unix(0, created).UTC()
		e.ExpiresAt = time.Unix(0, expires).UTC()
		e.LastAccessedAt = time.Unix(0, accessed).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read listing_cache: %w", err)
	}
	return entries, nil
}

// Save replaces the table contents in one transaction, skipping entries
// that have already expired.
func (s *SQLiteStore) Save(ctx context.Context, entries []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM listing_cache"); err != nil {
		return fmt.Errorf("clear listing_cache: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO listing_cache
			(normalized_key, keyword, count, source, confidence, created_at, expires_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := s.now()
	for i := range entries {
		e := &entries[i]
		if e.IsExpired(now) {
			continue
		}
		if _, err := stmt.ExecContext(ctx, e.NormalizedKey, e.Keyword, e.Count, e.Source, string(e.Confidence),
			e.CreatedAt.UnixNano(), e.ExpiresAt.UnixNano(), e.LastAccessedAt.UnixNano()); err != nil {
			return fmt.Errorf("insert %q: %w", e.NormalizedKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
