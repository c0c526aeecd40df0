package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/harry-school/offline-sync/internal/models"
	"github.com/harry-school/offline-sync/pkg/config"
	appErrors "github.com/harry-school/offline-sync/pkg/errors"
)

type attendanceStore interface {
	UpsertPending(ctx context.Context, p *models.PendingAttendance) error
	GetPending(ctx context.Context, identityKey string) (*models.PendingAttendance, error)
	ListPending(ctx context.Context, states ...models.AttendanceSyncState) ([]models.PendingAttendance, error)
	UpdatePendingState(ctx context.Context, identityKey string, state models.AttendanceSyncState, retryCount int, lastErr string) error
	DeletePending(ctx context.Context, identityKey string) error
	SaveConflict(ctx context.Context, c *models.AttendanceConflict) error
	GetConflict(ctx context.Context, id string) (*models.AttendanceConflict, error)
	ListConflicts(ctx context.Context, unresolvedOnly bool) ([]models.AttendanceConflict, error)
	SupersedeConflicts(ctx context.Context, identityKey, resolvedBy string, resolvedAt time.Time) (int64, error)
}

type attendanceBackend interface {
	UpsertAttendanceRecord(ctx context.Context, rec models.AttendanceRecord) error
}

// AttendanceSyncService keeps locally marked attendance, pushes it to the backend
// and settles conflicts with marks arriving over the change feed.
type AttendanceSyncService struct {
	store      attendanceStore
	backend    attendanceBackend
	resolver   *ConflictResolver
	validator  *validator.Validate
	network    ConnectivityChecker
	metrics    *MetricsService
	logger     *zap.Logger
	maxRetries int
	now        func() time.Time
	newID      func() string
	syncing    atomic.Bool
}

// AttendanceSyncParams groups the service collaborators.
type AttendanceSyncParams struct {
	Store     attendanceStore
	Backend   attendanceBackend
	Resolver  *ConflictResolver
	Validator *validator.Validate
	Network   ConnectivityChecker
	Metrics   *MetricsService
	Logger    *zap.Logger
	Config    config.AttendanceConfig
	Now       func() time.Time
	NewID     func() string
}

// NewAttendanceSyncService constructs the service.
func NewAttendanceSyncService(params AttendanceSyncParams) *AttendanceSyncService {
	if params.Logger == nil {
		params.Logger = zap.NewNop()
	}
	if params.Validator == nil {
		params.Validator = validator.New()
	}
	if params.Resolver == nil {
		params.Resolver = NewConflictResolver(models.ParseConflictStrategy(params.Config.ConflictStrategy), params.Config.TimingThreshold, nil)
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	if params.NewID == nil {
		params.NewID = uuid.NewString
	}
	return &AttendanceSyncService{
		store:      params.Store,
		backend:    params.Backend,
		resolver:   params.Resolver,
		validator:  params.Validator,
		network:    params.Network,
		metrics:    params.Metrics,
		logger:     params.Logger,
		maxRetries: positiveOr(params.Config.MaxRetries, 3),
		now:        params.Now,
		newID:      params.NewID,
	}
}

// MarkAttendance stores a mark locally, replacing any unsynced mark for the same
// student, class and day. Open conflicts on the replaced mark are closed.
func (s *AttendanceSyncService) MarkAttendance(ctx context.Context, rec models.AttendanceRecord) (*models.PendingAttendance, error) {
	if err := s.validator.Struct(rec); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	if rec.ID == "" {
		rec.ID = s.newID()
	}
	if rec.MarkedAt.IsZero() {
		rec.MarkedAt = s.now()
	}
	rec.MarkedAt = rec.MarkedAt.UTC()

	pending := &models.PendingAttendance{
		AttendanceRecord: rec,
		SyncState:        models.AttendanceStatePendingSync,
		UpdatedAt:        s.now().UTC(),
	}
	if err := s.store.UpsertPending(ctx, pending); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store attendance")
	}
	closed, err := s.store.SupersedeConflicts(ctx, pending.IdentityKey, rec.TeacherID, pending.UpdatedAt)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to close superseded conflicts")
	}
	if closed > 0 {
		s.logger.Info("open conflicts superseded by new mark",
			zap.String("identity", pending.IdentityKey),
			zap.Int64("conflicts", closed))
	}
	s.logger.Debug("attendance marked",
		zap.String("identity", pending.IdentityKey),
		zap.String("status", string(rec.Status)))
	return pending, nil
}

// Records lists local marks not yet confirmed by the backend.
func (s *AttendanceSyncService) Records(ctx context.Context, states ...models.AttendanceSyncState) ([]models.PendingAttendance, error) {
	records, err := s.store.ListPending(ctx, states...)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list attendance")
	}
	return records, nil
}

// SyncPending pushes every pending or resolved mark to the backend. Marks awaiting
// manual review are skipped.
func (s *AttendanceSyncService) SyncPending(ctx context.Context) (*models.AttendanceSyncResult, error) {
	if s.network != nil && !s.network.Online() {
		return nil, appErrors.ErrOffline
	}
	if !s.syncing.CompareAndSwap(false, true) {
		return nil, appErrors.ErrQueueBusy
	}
	defer s.syncing.Store(false)

	records, err := s.store.ListPending(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list attendance")
	}

	result := &models.AttendanceSyncResult{}
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		if !rec.SyncState.Syncable() {
			result.Skipped++
			continue
		}
		pushErr := s.backend.UpsertAttendanceRecord(ctx, rec.AttendanceRecord)
		if pushErr == nil {
			if err := s.store.DeletePending(ctx, rec.IdentityKey); err != nil {
				s.logger.Error("remove synced attendance failed", zap.String("identity", rec.IdentityKey), zap.Error(err))
			}
			result.Synced++
			s.metrics.RecordAttendanceSync(OutcomeSynced)
			continue
		}

		result.Failed++
		retries := rec.RetryCount + 1
		state := rec.SyncState
		if retries >= s.maxRetries {
			state = models.AttendanceStateSyncFailed
		}
		if err := s.store.UpdatePendingState(ctx, rec.IdentityKey, state, retries, pushErr.Error()); err != nil {
			s.logger.Error("attendance failure not persisted", zap.String("identity", rec.IdentityKey), zap.Error(err))
		}
		outcome := OutcomeFailed
		if state == models.AttendanceStateSyncFailed {
			outcome = OutcomeDropped
		}
		s.metrics.RecordAttendanceSync(outcome)
		s.logger.Warn("attendance sync failed",
			zap.String("identity", rec.IdentityKey),
			zap.Int("retry", retries),
			zap.String("state", string(state)),
			zap.Error(pushErr))
	}

	s.logger.Info("attendance sync finished",
		zap.Int("synced", result.Synced),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped))
	return result, nil
}

// HandleRemoteUpdate compares a mark received from the backend with the local copy.
// It returns nil when there is no local copy or both agree.
func (s *AttendanceSyncService) HandleRemoteUpdate(ctx context.Context, server models.AttendanceRecord) (*models.AttendanceConflict, error) {
	key := server.IdentityKey()
	local, err := s.store.GetPending(ctx, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load local attendance")
	}

	types := s.resolver.Detect(local.AttendanceRecord, server)
	if len(types) == 0 {
		return nil, nil
	}

	conflict := &models.AttendanceConflict{
		ID:          s.newID(),
		IdentityKey: key,
		Local:       local.AttendanceRecord,
		Server:      server,
		Types:       types,
		Strategy:    s.resolver.Strategy(),
		DetectedAt:  s.now().UTC(),
	}
	resolution := s.resolver.Resolve(ctx, local.AttendanceRecord, server)
	if err := s.apply(ctx, conflict, resolution, "system"); err != nil {
		return nil, err
	}
	return conflict, nil
}

// ListConflicts returns detected conflicts, newest first.
func (s *AttendanceSyncService) ListConflicts(ctx context.Context, unresolvedOnly bool) ([]models.AttendanceConflict, error) {
	conflicts, err := s.store.ListConflicts(ctx, unresolvedOnly)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list conflicts")
	}
	return conflicts, nil
}

// ResolveConflict settles a deferred conflict in favour of the chosen side.
func (s *AttendanceSyncService) ResolveConflict(ctx context.Context, id string, choice models.ConflictSide, resolvedBy string) (*models.AttendanceConflict, error) {
	if choice != models.SideLocal && choice != models.SideServer {
		return nil, appErrors.Clone(appErrors.ErrValidation, "choice must be local or server")
	}
	conflict, err := s.store.GetConflict(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "conflict not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load conflict")
	}
	if conflict.Resolved {
		return nil, appErrors.ErrConflictResolved
	}
	current, err := s.store.GetPending(ctx, conflict.IdentityKey)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load local attendance")
	}
	if current == nil || current.ID != conflict.Local.ID || !current.MarkedAt.Equal(conflict.Local.MarkedAt) {
		return nil, appErrors.Clone(appErrors.ErrConflict, "local attendance changed since the conflict was detected")
	}

	reasoning := fmt.Sprintf("resolved manually by %s", resolvedBy)
	var resolution models.Resolution
	if choice == models.SideLocal {
		resolution = pick(models.SideLocal, conflict.Local, conflict.Server, reasoning)
	} else {
		resolution = pick(models.SideServer, conflict.Server, conflict.Local, reasoning)
	}
	if err := s.apply(ctx, conflict, resolution, resolvedBy); err != nil {
		return nil, err
	}
	return conflict, nil
}

// apply records the outcome on the conflict and the local copy.
func (s *AttendanceSyncService) apply(ctx context.Context, conflict *models.AttendanceConflict, res models.Resolution, resolvedBy string) error {
	conflict.Reasoning = res.Reasoning
	if res.Deferred {
		if err := s.store.SaveConflict(ctx, conflict); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save conflict")
		}
		if err := s.store.UpdatePendingState(ctx, conflict.IdentityKey, models.AttendanceStateConflictDetected, 0, ""); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to flag local attendance")
		}
		s.metrics.RecordConflict(string(conflict.Strategy), "")
		s.logger.Info("attendance conflict deferred",
			zap.String("conflict_id", conflict.ID),
			zap.String("identity", conflict.IdentityKey),
			zap.String("types", joinTypes(conflict.Types)))
		return nil
	}

	resolvedAt := s.now().UTC()
	conflict.Winner = res.Winner
	conflict.Resolved = true
	conflict.ResolvedBy = resolvedBy
	conflict.ResolvedAt = &resolvedAt

	switch res.Winner {
	case models.SideLocal:
		pending := &models.PendingAttendance{
			AttendanceRecord: res.Record,
			SyncState:        models.AttendanceStateResolved,
			UpdatedAt:        resolvedAt,
		}
		if err := s.store.UpsertPending(ctx, pending); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to keep local attendance")
		}
	default:
		if err := s.store.DeletePending(ctx, conflict.IdentityKey); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to drop local attendance")
		}
	}
	if err := s.store.SaveConflict(ctx, conflict); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save conflict")
	}

	s.metrics.RecordConflict(string(conflict.Strategy), string(res.Winner))
	s.logger.Info("attendance conflict resolved",
		zap.String("conflict_id", conflict.ID),
		zap.String("identity", conflict.IdentityKey),
		zap.String("winner", string(res.Winner)),
		zap.String("reasoning", res.Reasoning))
	return nil
}

// remoteAttendance is the row shape published on the change feed.
type remoteAttendance struct {
	ID           string    `json:"id"`
	StudentID    string    `json:"student_id"`
	ClassID      string    `json:"class_id"`
	Date         string    `json:"date"`
	Status       string    `json:"status"`
	TeacherID    string    `json:"teacher_id"`
	MarkedAt     time.Time `json:"marked_at"`
	Notes        *string   `json:"notes"`
	PrayerTime   bool      `json:"prayer_time"`
	IslamicEvent bool      `json:"islamic_event"`
}

// HandleChange adapts change feed events on attendance_records to HandleRemoteUpdate.
func (s *AttendanceSyncService) HandleChange(ctx context.Context, event ChangeEvent) error {
	if event.Table != "" && event.Table != "attendance_records" {
		return nil
	}
	if strings.EqualFold(event.Type, "DELETE") || len(event.Record) == 0 {
		return nil
	}
	var row remoteAttendance
	if err := json.Unmarshal(event.Record, &row); err != nil {
		return fmt.Errorf("decode attendance change: %w", err)
	}
	server := models.AttendanceRecord{
		ID:           row.ID,
		StudentID:    row.StudentID,
		ClassID:      row.ClassID,
		Date:         normalizeDate(row.Date),
		Status:       models.AttendanceStatus(row.Status),
		TeacherID:    row.TeacherID,
		MarkedAt:     row.MarkedAt.UTC(),
		PrayerTime:   row.PrayerTime,
		IslamicEvent: row.IslamicEvent,
	}
	if row.Notes != nil {
		server.Notes = *row.Notes
	}
	_, err := s.HandleRemoteUpdate(ctx, server)
	return err
}

// normalizeDate trims a timestamp rendering of a DATE column to YYYY-MM-DD.
func normalizeDate(raw string) string {
	if len(raw) > 10 {
		return raw[:10]
	}
	return raw
}

func joinTypes(types []models.ConflictType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}
