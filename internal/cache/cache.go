// Package cache provides the durable TTL store backing the signal
// collection fabric. Entries live in an embedded SQLite database so the
// cache survives restarts; expiry is enforced on read, the background
// sweeper only reclaims space.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/quantfold/helmsman/internal/config"
	"github.com/quantfold/helmsman/internal/metrics"
)

// ErrMiss is returned by Get for absent or expired keys
var ErrMiss = errors.New("cache miss")

const schema = `
CREATE TABLE IF NOT EXISTS cache (
	key        TEXT PRIMARY KEY,
	value      BLOB,
	expires_at REAL,
	created_at REAL,
	hit_count  INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache(expires_at);
`

// Store is a durable TTL key/value cache
type Store struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time

	sweepEvery time.Duration
	stopSweep  chan struct{}
}

// Entry is a cache read result
type Entry struct {
	Value      []byte
	AgeSeconds float64
}

// Report summarizes cache effectiveness
type Report struct {
	Entries   int64   `json:"entries"`
	Expired   int64   `json:"expired"`
	HitTotal  int64   `json:"hit_total"`
	SizeBytes int64   `json:"size_bytes"`
	HitRate   float64 `json:"hit_rate"`
}

// Open opens (creating if necessary) the cache database at path
func Open(path string, sweepEvery time.Duration) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping cache database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}

	s := &Store{
		db:         db,
		log:        config.NewLogger("cache"),
		now:        time.Now,
		sweepEvery: sweepEvery,
		stopSweep:  make(chan struct{}),
	}
	if sweepEvery > 0 {
		go s.sweepLoop()
	}
	return s, nil
}

// Close stops the sweeper and closes the database
func (s *Store) Close() error {
	close(s.stopSweep)
	return s.db.Close()
}

// Get returns the entry for key, or ErrMiss if absent or past TTL.
// An expired row is indistinguishable from a never-set key.
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	now := float64(s.now().UnixNano()) / 1e9

	var value []byte
	var createdAt float64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, created_at FROM cache WHERE key = ? AND expires_at > ?`,
		key, now,
	).Scan(&value, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.CacheMisses.Inc()
		return nil, ErrMiss
	}
	if err != nil {
		metrics.CacheMisses.Inc()
		return nil, fmt.Errorf("cache read failed: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE cache SET hit_count = hit_count + 1 WHERE key = ?`, key); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Failed to bump hit count")
	}

	metrics.CacheHits.Inc()
	return &Entry{
		Value:      value,
		AgeSeconds: now - createdAt,
	}, nil
}

// GetObject reads and msgpack-decodes the entry for key into dest
func (s *Store) GetObject(ctx context.Context, key string, dest interface{}) (float64, error) {
	entry, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := msgpack.Unmarshal(entry.Value, dest); err != nil {
		// A row we cannot decode is as good as absent
		_ = s.InvalidateKey(ctx, key)
		return 0, fmt.Errorf("cache decode failed for %q: %w", key, err)
	}
	return entry.AgeSeconds, nil
}

// Set stores value under key with the given TTL
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := float64(s.now().UnixNano()) / 1e9
	expires := now + ttl.Seconds()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache (key, value, expires_at, created_at, hit_count)
		 VALUES (?, ?, ?, ?, 0)
		 ON CONFLICT(key) DO UPDATE SET
		   value = excluded.value,
		   expires_at = excluded.expires_at,
		   created_at = excluded.created_at,
		   hit_count = 0`,
		key, value, expires, now,
	)
	if err != nil {
		return fmt.Errorf("cache write failed: %w", err)
	}
	return nil
}

// SetObject msgpack-encodes value and stores it under key
func (s *Store) SetObject(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode failed for %q: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}

// Invalidate removes all keys matching pattern. `%` is a wildcard; a
// pattern without `%` is treated as a prefix match.
func (s *Store) Invalidate(ctx context.Context, pattern string) (int64, error) {
	if !strings.Contains(pattern, "%") {
		pattern += "%"
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache WHERE key LIKE ?`, pattern)
	if err != nil {
		return 0, fmt.Errorf("cache invalidate failed: %w", err)
	}
	n, _ := res.RowsAffected()
	s.log.Debug().Str("pattern", pattern).Int64("removed", n).Msg("Cache invalidated")
	return n, nil
}

// InvalidateKey removes a single key
func (s *Store) InvalidateKey(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("cache invalidate failed: %w", err)
	}
	return nil
}

// InvalidateAll empties the cache
func (s *Store) InvalidateAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache`)
	if err != nil {
		return fmt.Errorf("cache clear failed: %w", err)
	}
	return nil
}

// Metrics reports entry counts and accumulated hits
func (s *Store) Metrics(ctx context.Context) (*Report, error) {
	now := float64(s.now().UnixNano()) / 1e9

	var r Report
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(hit_count), 0),
		        COALESCE(SUM(LENGTH(value)), 0)
		   FROM cache`, now,
	).Scan(&r.Entries, &r.Expired, &r.HitTotal, &r.SizeBytes)
	if err != nil {
		return nil, fmt.Errorf("cache metrics query failed: %w", err)
	}

	live := r.Entries - r.Expired
	if r.HitTotal+live > 0 {
		r.HitRate = float64(r.HitTotal) / float64(r.HitTotal+live)
	}
	return &r, nil
}

// Sweep removes expired rows. Correctness never depends on it; Get
// filters on expires_at.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	now := float64(s.now().UnixNano()) / 1e9
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("cache sweep failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			n, err := s.Sweep(ctx)
			cancel()
			if err != nil {
				s.log.Warn().Err(err).Msg("Cache sweep failed")
			} else if n > 0 {
				s.log.Debug().Int64("removed", n).Msg("Cache sweep completed")
			}
		}
	}
}
