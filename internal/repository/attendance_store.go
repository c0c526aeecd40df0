package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/harry-school/offline-sync/internal/models"
)

const pendingColumns = `identity_key, id, student_id, class_id, date, status, teacher_id, marked_at, notes,
	prayer_time, islamic_event, sync_state, retry_count, last_error, updated_at`

// AttendanceStore keeps locally marked attendance and detected conflicts on the device.
type AttendanceStore struct {
	db *sqlx.DB
}

// NewAttendanceStore constructs the store.
func NewAttendanceStore(db *sqlx.DB) *AttendanceStore {
	return &AttendanceStore{db: db}
}

// UpsertPending stores the local copy, replacing any copy with the same identity.
func (s *AttendanceStore) UpsertPending(ctx context.Context, p *models.PendingAttendance) error {
	p.IdentityKey = p.AttendanceRecord.IdentityKey()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO attendance_pending_records (` + pendingColumns + `)
	VALUES (:identity_key, :id, :student_id, :class_id, :date, :status, :teacher_id, :marked_at, :notes,
		:prayer_time, :islamic_event, :sync_state, :retry_count, :last_error, :updated_at)
	ON CONFLICT(identity_key) DO UPDATE SET
		id = excluded.id, status = excluded.status, teacher_id = excluded.teacher_id, marked_at = excluded.marked_at,
		notes = excluded.notes, prayer_time = excluded.prayer_time, islamic_event = excluded.islamic_event,
		sync_state = excluded.sync_state, retry_count = excluded.retry_count, last_error = excluded.last_error,
		updated_at = excluded.updated_at`
	if _, err := s.db.NamedExecContext(ctx, query, p); err != nil {
		return fmt.Errorf("upsert pending attendance %s: %w", p.IdentityKey, err)
	}
	return nil
}

// GetPending returns the local copy for an identity key.
func (s *AttendanceStore) GetPending(ctx context.Context, identityKey string) (*models.PendingAttendance, error) {
	var p models.PendingAttendance
	if err := s.db.GetContext(ctx, &p, `SELECT `+pendingColumns+` FROM attendance_pending_records WHERE identity_key = ?`, identityKey); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPending returns local copies, optionally restricted to the given states.
func (s *AttendanceStore) ListPending(ctx context.Context, states ...models.AttendanceSyncState) ([]models.PendingAttendance, error) {
	query := `SELECT ` + pendingColumns + ` FROM attendance_pending_records`
	args := make([]interface{}, 0, len(states))
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, state := range states {
			placeholders[i] = "?"
			args = append(args, state)
		}
		query += fmt.Sprintf(" WHERE sync_state IN (%s)", strings.Join(placeholders, ","))
	}
	query += " ORDER BY marked_at ASC"

	var out []models.PendingAttendance
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("list pending attendance: %w", err)
	}
	return out, nil
}

// UpdatePendingState records a sync attempt outcome.
func (s *AttendanceStore) UpdatePendingState(ctx context.Context, identityKey string, state models.AttendanceSyncState, retryCount int, lastErr string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE attendance_pending_records
	SET sync_state = ?, retry_count = ?, last_error = ?, updated_at = ? WHERE identity_key = ?`,
		state, retryCount, lastErr, time.Now().UTC(), identityKey)
	if err != nil {
		return fmt.Errorf("update pending attendance %s: %w", identityKey, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeletePending drops the local copy.
func (s *AttendanceStore) DeletePending(ctx context.Context, identityKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM attendance_pending_records WHERE identity_key = ?`, identityKey); err != nil {
		return fmt.Errorf("delete pending attendance %s: %w", identityKey, err)
	}
	return nil
}

// SupersedeConflicts closes every open conflict for an identity after a newer local
// mark replaced the disputed copy.
func (s *AttendanceStore) SupersedeConflicts(ctx context.Context, identityKey, resolvedBy string, resolvedAt time.Time) (int64, error) {
	const query = `UPDATE attendance_conflicts
	SET resolved = 1, winner = ?, reasoning = ?, resolved_by = ?, resolved_at = ?
	WHERE identity_key = ? AND resolved = 0`
	res, err := s.db.ExecContext(ctx, query, string(models.SideLocal), "superseded by a newer local mark",
		resolvedBy, resolvedAt.UTC(), identityKey)
	if err != nil {
		return 0, fmt.Errorf("supersede conflicts for %s: %w", identityKey, err)
	}
	return res.RowsAffected()
}

type conflictRow struct {
	ID          string     `db:"id"`
	IdentityKey string     `db:"identity_key"`
	Local       []byte     `db:"local"`
	Server      []byte     `db:"server"`
	Types       string     `db:"types"`
	Strategy    string     `db:"strategy"`
	Winner      string     `db:"winner"`
	Reasoning   string     `db:"reasoning"`
	Resolved    bool       `db:"resolved"`
	ResolvedBy  string     `db:"resolved_by"`
	DetectedAt  time.Time  `db:"detected_at"`
	ResolvedAt  *time.Time `db:"resolved_at"`
}

const conflictColumns = `id, identity_key, local, server, types, strategy, winner, reasoning, resolved, resolved_by, detected_at, resolved_at`

// SaveConflict inserts or replaces a conflict by id.
func (s *AttendanceStore) SaveConflict(ctx context.Context, c *models.AttendanceConflict) error {
	row, err := toConflictRow(c)
	if err != nil {
		return err
	}
	const query = `INSERT INTO attendance_conflicts (` + conflictColumns + `)
	VALUES (:id, :identity_key, :local, :server, :types, :strategy, :winner, :reasoning, :resolved, :resolved_by, :detected_at, :resolved_at)
	ON CONFLICT(id) DO UPDATE SET
		local = excluded.local, server = excluded.server, types = excluded.types, strategy = excluded.strategy,
		winner = excluded.winner, reasoning = excluded.reasoning, resolved = excluded.resolved,
		resolved_by = excluded.resolved_by, resolved_at = excluded.resolved_at`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("save conflict %s: %w", c.ID, err)
	}
	return nil
}

// GetConflict fetches a conflict by id.
func (s *AttendanceStore) GetConflict(ctx context.Context, id string) (*models.AttendanceConflict, error) {
	var row conflictRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+conflictColumns+` FROM attendance_conflicts WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return row.model()
}

// ListConflicts returns conflicts newest first.
func (s *AttendanceStore) ListConflicts(ctx context.Context, unresolvedOnly bool) ([]models.AttendanceConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM attendance_conflicts`
	if unresolvedOnly {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY detected_at DESC`

	var rows []conflictRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	out := make([]models.AttendanceConflict, 0, len(rows))
	for _, row := range rows {
		c, err := row.model()
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func toConflictRow(c *models.AttendanceConflict) (*conflictRow, error) {
	local, err := json.Marshal(c.Local)
	if err != nil {
		return nil, fmt.Errorf("marshal local version: %w", err)
	}
	server, err := json.Marshal(c.Server)
	if err != nil {
		return nil, fmt.Errorf("marshal server version: %w", err)
	}
	types := make([]string, len(c.Types))
	for i, t := range c.Types {
		types[i] = string(t)
	}
	return &conflictRow{
		ID:          c.ID,
		IdentityKey: c.IdentityKey,
		Local:       local,
		Server:      server,
		Types:       strings.Join(types, ","),
		Strategy:    string(c.Strategy),
		Winner:      string(c.Winner),
		Reasoning:   c.Reasoning,
		Resolved:    c.Resolved,
		ResolvedBy:  c.ResolvedBy,
		DetectedAt:  c.DetectedAt.UTC(),
		ResolvedAt:  c.ResolvedAt,
	}, nil
}

func (row conflictRow) model() (*models.AttendanceConflict, error) {
	c := &models.AttendanceConflict{
		ID:          row.ID,
		IdentityKey: row.IdentityKey,
		Strategy:    models.ConflictStrategy(row.Strategy),
		Winner:      models.ConflictSide(row.Winner),
		Reasoning:   row.Reasoning,
		Resolved:    row.Resolved,
		ResolvedBy:  row.ResolvedBy,
		DetectedAt:  row.DetectedAt,
		ResolvedAt:  row.ResolvedAt,
	}
	if err := json.Unmarshal(row.Local, &c.Local); err != nil {
		return nil, fmt.Errorf("unmarshal local version of %s: %w", row.ID, err)
	}
	if err := json.Unmarshal(row.Server, &c.Server); err != nil {
		return nil, fmt.Errorf("unmarshal server version of %s: %w", row.ID, err)
	}
	if row.Types != "" {
		for _, t := range strings.Split(row.Types, ",") {
			c.Types = append(c.Types, models.ConflictType(t))
		}
	}
	return c, nil
}
