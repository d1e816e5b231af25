package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the default single-node cache backend.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a cache store at the given database path. The
// schema is created automatically on first use.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		key           TEXT PRIMARY KEY,
		response      TEXT NOT NULL,
		metadata      TEXT,
		created_at    TEXT NOT NULL,
		expires_at    TEXT NOT NULL,
		hit_count     INTEGER NOT NULL DEFAULT 0,
		last_accessed TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Lookup implements Store. Expired rows read as misses and are left in
// place for Sweep.
func (s *SQLiteStore) Lookup(ctx context.Context, key string) (*Entry, error) {
	var e Entry
	var metadata, created, expires string
	var lastAccessed sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT key, response, COALESCE(metadata, ''), created_at, expires_at, hit_count, last_accessed
		 FROM cache_entries WHERE key = ?`, key,
	).Scan(&e.Key, &e.Response, &metadata, &created, &expires, &e.HitCount, &lastAccessed)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup cache entry: %w", err)
	}

	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	e.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expires)
	if lastAccessed.Valid {
		e.LastAccessed, _ = time.Parse(time.RFC3339Nano, lastAccessed.String)
	}
	if metadata != "" {
		_ = json.Unmarshal([]byte(metadata), &e.Metadata)
	}

	if !e.ExpiresAt.After(s.now()) {
		return nil, nil
	}
	return &e, nil
}

// Put implements Store. The upsert only replaces a row whose entry has
// already expired; a live key keeps its value, TTL, and hit count.
func (s *SQLiteStore) Put(ctx context.Context, key, response string, metadata map[string]string, ttl time.Duration) error {
	var meta []byte
	if len(metadata) > 0 {
		var err error
		meta, err = json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal cache metadata: %w", err)
		}
	}

	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, response, metadata, created_at, expires_at, hit_count)
		 VALUES (?, ?, ?, ?, ?, 0)
		 ON CONFLICT(key) DO UPDATE SET
			response   = excluded.response,
			metadata   = excluded.metadata,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			hit_count  = 0
		 WHERE cache_entries.expires_at <= excluded.created_at`,
		key, response, string(meta),
		now.Format(time.RFC3339Nano),
		now.Add(ttl).Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

// BumpHit implements Store with an atomic SQL increment.
func (s *SQLiteStore) BumpHit(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cache_entries
		 SET hit_count = hit_count + 1, last_accessed = ?
		 WHERE key = ?`,
		s.now().UTC().Format(time.RFC3339Nano), key,
	)
	if err != nil {
		return fmt.Errorf("bump cache hit: %w", err)
	}
	return nil
}

// Sweep implements Store.
func (s *SQLiteStore) Sweep(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= ?`,
		s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
