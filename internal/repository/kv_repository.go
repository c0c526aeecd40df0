package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	appErrors "github.com/harry-school/offline-sync/pkg/errors"
)

// KVRepository is the on-device key-value store backing the dashboard cache
// mirror. Keys follow the "<type>:<id>" convention; patterns use GLOB syntax,
// matching Redis SCAN patterns.
type KVRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewKVRepository constructs the repository.
func NewKVRepository(db *sqlx.DB) *KVRepository {
	return &KVRepository{db: db, now: time.Now}
}

// Get unmarshals the stored value into dest, returning ErrCacheMiss when absent or expired.
func (r *KVRepository) Get(ctx context.Context, key string, dest interface{}) error {
	var row struct {
		Value     []byte     `db:"value"`
		ExpiresAt *time.Time `db:"expires_at"`
	}
	err := r.db.GetContext(ctx, &row, `SELECT value, expires_at FROM kv_store WHERE key = ?`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrCacheMiss
		}
		return fmt.Errorf("kv get %s: %w", key, err)
	}
	if row.ExpiresAt != nil && !r.now().Before(*row.ExpiresAt) {
		_, _ = r.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key)
		return appErrors.ErrCacheMiss
	}
	if err := json.Unmarshal(row.Value, dest); err != nil {
		return fmt.Errorf("unmarshal kv value for %s: %w", key, err)
	}
	return nil
}

// Set marshals value and stores it; a non-positive ttl never expires.
func (r *KVRepository) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal kv value for %s: %w", key, err)
	}
	var expiresAt *time.Time
	if ttl > 0 {
		at := r.now().Add(ttl).UTC()
		expiresAt = &at
	}
	const query = `INSERT INTO kv_store (key, value, expires_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`
	if _, err := r.db.ExecContext(ctx, query, key, payload, expiresAt); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// Delete removes one key.
func (r *KVRepository) Delete(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key); err != nil {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// DeleteByPattern removes keys matching a GLOB pattern such as "dashboard:*".
func (r *KVRepository) DeleteByPattern(ctx context.Context, pattern string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key GLOB ?`, pattern); err != nil {
		return fmt.Errorf("kv delete pattern %s: %w", pattern, err)
	}
	return nil
}
