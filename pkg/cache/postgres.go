package cache

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Sternrassler/listing-resolver/pkg/listing"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var postgresColumns = []string{
	"normalized_key", "keyword", "count", "source", "confidence",
	"created_at", "expires_at", "last_accessed_at",
}

// PostgresStore keeps the snapshot in the listing_cache table. Run
// MigratePostgres once before first use.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("postgres pool cannot be nil")
	}
	return &PostgresStore{pool: pool, now: time.Now}
}

// OpenPostgresStore connects, applies migrations and returns the store.
// Close the returned pool when done.
func OpenPostgresStore(ctx context.Context, connString string) (*PostgresStore, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := MigratePostgres(connString); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return NewPostgresStore(pool), pool, nil
}

// MigratePostgres applies the embedded schema migrations.
func MigratePostgres(connString string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, connString)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// Load returns every persisted row. Callers filter expired ones.
func (s *PostgresStore) Load(ctx context.Context) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
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
			e          Entry
			confidence string
		)
		if err := rows.Scan(&e.NormalizedKey, &e.Keyword, &e.Count, &e.Source, &confidence,
			&e.CreatedAt, &e.ExpiresAt, &e.LastAccessedAt); err != nil {
			return nil, fmt.Errorf("scan listing_cache: %w", err)
		}
		e.Confidence = listing.Confidence(confidence)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read listing_cache: %w", err)
	}
	return entries, nil
}

// Save replaces the table contents in one transaction using COPY. Expired
// entries are skipped.
func (s *PostgresStore) Save(ctx context.Context, entries []Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "DELETE FROM listing_cache"); err != nil {
		return fmt.Errorf("clear listing_cache: %w", err)
	}

	now := s.now()
	rows := make([][]any, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		if e.IsExpired(now) {
			continue
		}
		rows = append(rows, []any{
			e.NormalizedKey, e.Keyword, e.Count, e.Source, string(e.Confidence),
			e.CreatedAt, e.ExpiresAt, e.LastAccessedAt,
		})
	}

	if len(rows) > 0 {
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"listing_cache"}, postgresColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("copy listing_cache: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
