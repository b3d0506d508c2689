// Package cache is a small key-value store with per-entry TTL, kept in the
// queue database so the listener and every worker process see the same data.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/pulseq/errors"
)

// Store reads and writes cache_entries
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a cache store on db
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Get returns the value stored under key.
// ok is false when the key is missing or expired.
func (s *Store) Get(ctx context.Context, key string) (value []byte, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT value FROM cache_entries WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, s.now().Unix(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to read cache key %s", key)
	}
	return value, true, nil
}

// Set stores value under key. A ttl of zero keeps the entry until deleted.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = s.now().Add(ttl).Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to write cache key %s", key)
	}
	return nil
}

// GetJSON decodes the value under key into dst
func (s *Store) GetJSON(ctx context.Context, key string, dst interface{}) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, errors.Wrapf(err, "failed to decode cache key %s", key)
	}
	return true, nil
}

// SetJSON encodes v and stores it under key
func (s *Store) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "failed to encode cache key %s", key)
	}
	return s.Set(ctx, key, raw, ttl)
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return errors.Wrapf(err, "failed to delete cache key %s", key)
	}
	return nil
}

// PurgeExpired deletes every expired entry and returns how many were removed
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at > 0 AND expires_at <= ?`, s.now().Unix())
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge expired cache entries")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
