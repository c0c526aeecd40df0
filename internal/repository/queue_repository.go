package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/harry-school/offline-sync/internal/models"
)

const queueColumns = `id, type, conflict_key, payload, priority, priority_rank, created_at, retry_count, max_retries,
	sync_status, conflict_resolution, validation, validation_errors, last_error, next_attempt_at`

// QueueRepository persists offline queue records in the local SQLite store, one
// row per record.
type QueueRepository struct {
	db *sqlx.DB
}

// NewQueueRepository constructs the repository.
func NewQueueRepository(db *sqlx.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

// Insert stores the record, deleting any record sharing its conflict key in the
// same transaction. It returns the ids of the superseded records.
func (r *QueueRepository) Insert(ctx context.Context, record *models.QueueRecord) ([]string, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin queue insert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var evicted []string
	if err := tx.SelectContext(ctx, &evicted, `SELECT id FROM offline_queue WHERE conflict_key = ?`, record.ConflictKey); err != nil {
		return nil, fmt.Errorf("find superseded records: %w", err)
	}
	if len(evicted) > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM offline_queue WHERE conflict_key = ?`, record.ConflictKey); err != nil {
			return nil, fmt.Errorf("delete superseded records: %w", err)
		}
	}

	const query = `INSERT INTO offline_queue (` + queueColumns + `)
	VALUES (:id, :type, :conflict_key, :payload, :priority, :priority_rank, :created_at, :retry_count, :max_retries,
		:sync_status, :conflict_resolution, :validation, :validation_errors, :last_error, :next_attempt_at)`
	if _, err := tx.NamedExecContext(ctx, query, toQueueRow(record)); err != nil {
		return nil, fmt.Errorf("insert queue record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit queue insert: %w", err)
	}
	return evicted, nil
}

// GetByID fetches one record.
func (r *QueueRepository) GetByID(ctx context.Context, id string) (*models.QueueRecord, error) {
	var row queueRow
	if err := r.db.GetContext(ctx, &row, `SELECT `+queueColumns+` FROM offline_queue WHERE id = ?`, id); err != nil {
		return nil, err
	}
	rec := row.model()
	return &rec, nil
}

// List returns records matching the filter ordered by drain order.
func (r *QueueRepository) List(ctx context.Context, filter models.QueueFilter) ([]models.QueueRecord, error) {
	builder := strings.Builder{}
	builder.WriteString(`SELECT ` + queueColumns + ` FROM offline_queue`)
	args := make([]interface{}, 0, len(filter.Status)+2)
	conditions := make([]string, 0, 2)

	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			placeholders[i] = "?"
			args = append(args, status)
		}
		conditions = append(conditions, fmt.Sprintf("sync_status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, filter.Type)
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY priority_rank DESC, created_at ASC")
	if filter.Limit > 0 {
		builder.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	}

	var rows []queueRow
	if err := r.db.SelectContext(ctx, &rows, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list queue records: %w", err)
	}
	return queueModels(rows), nil
}

// Candidates returns deliverable records: pending or failed, not invalid, with
// budget left. Readiness by next attempt time is left to the caller.
func (r *QueueRepository) Candidates(ctx context.Context) ([]models.QueueRecord, error) {
	const query = `SELECT ` + queueColumns + ` FROM offline_queue
	WHERE sync_status IN (?, ?) AND validation <> ? AND retry_count < max_retries
	ORDER BY priority_rank DESC, created_at ASC`
	var rows []queueRow
	if err := r.db.SelectContext(ctx, &rows, query, models.SyncStatusPending, models.SyncStatusFailed, models.ValidationInvalid); err != nil {
		return nil, fmt.Errorf("select queue candidates: %w", err)
	}
	return queueModels(rows), nil
}

// MarkSyncing flags the record as in flight.
func (r *QueueRepository) MarkSyncing(ctx context.Context, id string) error {
	return r.exec(ctx, `UPDATE offline_queue SET sync_status = ? WHERE id = ?`, models.SyncStatusSyncing, id)
}

// MarkFailed stores the outcome of a failed attempt.
func (r *QueueRepository) MarkFailed(ctx context.Context, id string, retryCount int, lastErr string, nextAttempt time.Time) error {
	return r.exec(ctx, `UPDATE offline_queue SET sync_status = ?, retry_count = ?, last_error = ?, next_attempt_at = ? WHERE id = ?`,
		models.SyncStatusFailed, retryCount, lastErr, nextAttempt.UTC(), id)
}

// ResetInFlight returns records left in syncing by an interrupted pass to pending.
func (r *QueueRepository) ResetInFlight(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE offline_queue SET sync_status = ? WHERE sync_status = ?`,
		models.SyncStatusPending, models.SyncStatusSyncing)
	if err != nil {
		return 0, fmt.Errorf("reset in-flight records: %w", err)
	}
	return res.RowsAffected()
}

// ResetFailed makes failed records immediately deliverable again with a fresh budget.
func (r *QueueRepository) ResetFailed(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE offline_queue SET sync_status = ?, retry_count = 0, last_error = '', next_attempt_at = ?
	WHERE sync_status = ? AND validation <> ?`, models.SyncStatusPending, now.UTC(), models.SyncStatusFailed, models.ValidationInvalid)
	if err != nil {
		return 0, fmt.Errorf("reset failed records: %w", err)
	}
	return res.RowsAffected()
}

// Delete removes a record by id.
func (r *QueueRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM offline_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete queue record %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteExhausted drops records whose retry budget is spent and returns them.
func (r *QueueRepository) DeleteExhausted(ctx context.Context) ([]models.QueueRecord, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin exhausted purge: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var rows []queueRow
	if err := tx.SelectContext(ctx, &rows, `SELECT `+queueColumns+` FROM offline_queue WHERE retry_count >= max_retries`); err != nil {
		return nil, fmt.Errorf("select exhausted records: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM offline_queue WHERE retry_count >= max_retries`); err != nil {
		return nil, fmt.Errorf("delete exhausted records: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit exhausted purge: %w", err)
	}
	return queueModels(rows), nil
}

// Clear removes every record and returns how many were dropped.
func (r *QueueRepository) Clear(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM offline_queue`)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	return res.RowsAffected()
}

// QueueCount is one grouped count row.
type QueueCount struct {
	Type       models.RecordType `db:"type"`
	Priority   models.Priority   `db:"priority"`
	SyncStatus models.SyncStatus `db:"sync_status"`
	Validation models.Validation `db:"validation"`
	Count      int               `db:"count"`
}

// Counts groups the queue by type, priority, status and validation.
func (r *QueueRepository) Counts(ctx context.Context) ([]QueueCount, error) {
	const query = `SELECT type, priority, sync_status, validation, COUNT(*) AS count
	FROM offline_queue GROUP BY type, priority, sync_status, validation`
	var counts []QueueCount
	if err := r.db.SelectContext(ctx, &counts, query); err != nil {
		return nil, fmt.Errorf("count queue records: %w", err)
	}
	return counts, nil
}

func (r *QueueRepository) exec(ctx context.Context, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update queue record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// queueRow mirrors the table; the payload is kept as raw bytes for the driver.
type queueRow struct {
	ID                 string                    `db:"id"`
	Type               models.RecordType         `db:"type"`
	ConflictKey        string                    `db:"conflict_key"`
	Payload            []byte                    `db:"payload"`
	Priority           models.Priority           `db:"priority"`
	PriorityRank       int                       `db:"priority_rank"`
	CreatedAt          time.Time                 `db:"created_at"`
	RetryCount         int                       `db:"retry_count"`
	MaxRetries         int                       `db:"max_retries"`
	SyncStatus         models.SyncStatus         `db:"sync_status"`
	ConflictResolution models.ConflictResolution `db:"conflict_resolution"`
	Validation         models.Validation         `db:"validation"`
	ValidationErrors   string                    `db:"validation_errors"`
	LastError          string                    `db:"last_error"`
	NextAttemptAt      time.Time                 `db:"next_attempt_at"`
}

func toQueueRow(rec *models.QueueRecord) queueRow {
	return queueRow{
		ID:                 rec.ID,
		Type:               rec.Type,
		ConflictKey:        rec.ConflictKey,
		Payload:            []byte(rec.Payload),
		Priority:           rec.Priority,
		PriorityRank:       rec.Priority.Rank(),
		CreatedAt:          rec.CreatedAt.UTC(),
		RetryCount:         rec.RetryCount,
		MaxRetries:         rec.MaxRetries,
		SyncStatus:         rec.SyncStatus,
		ConflictResolution: rec.ConflictResolution,
		Validation:         rec.Validation,
		ValidationErrors:   rec.ValidationErrors,
		LastError:          rec.LastError,
		NextAttemptAt:      rec.NextAttemptAt.UTC(),
	}
}

func (row queueRow) model() models.QueueRecord {
	return models.QueueRecord{
		ID:                 row.ID,
		Type:               row.Type,
		ConflictKey:        row.ConflictKey,
		Payload:            append([]byte(nil), row.Payload...),
		Priority:           row.Priority,
		PriorityRank:       row.PriorityRank,
		CreatedAt:          row.CreatedAt,
		RetryCount:         row.RetryCount,
		MaxRetries:         row.MaxRetries,
		SyncStatus:         row.SyncStatus,
		ConflictResolution: row.ConflictResolution,
		Validation:         row.Validation,
		ValidationErrors:   row.ValidationErrors,
		LastError:          row.LastError,
		NextAttemptAt:      row.NextAttemptAt,
	}
}

func queueModels(rows []queueRow) []models.QueueRecord {
	out := make([]models.QueueRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.model())
	}
	return out
}
