package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harry-school/offline-sync/internal/models"
	"github.com/harry-school/offline-sync/internal/repository"
	"github.com/harry-school/offline-sync/pkg/config"
	appErrors "github.com/harry-school/offline-sync/pkg/errors"
)

type attendanceBackendStub struct {
	mu     sync.Mutex
	pushed []models.AttendanceRecord
	err    error
}

func (b *attendanceBackendStub) UpsertAttendanceRecord(ctx context.Context, rec models.AttendanceRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.pushed = append(b.pushed, rec)
	return nil
}

type attendanceFixture struct {
	svc     *AttendanceSyncService
	store   *repository.AttendanceStore
	backend *attendanceBackendStub
	clock   *fakeClock
}

func newAttendanceFixture(t *testing.T, strategy models.ConflictStrategy) *attendanceFixture {
	t.Helper()
	store := repository.NewAttendanceStore(newLocalDB(t))
	backend := &attendanceBackendStub{}
	clock := newFakeClock(markBase)
	svc := NewAttendanceSyncService(AttendanceSyncParams{
		Store:   store,
		Backend: backend,
		Network: &networkStub{online: true},
		Config:  config.AttendanceConfig{ConflictStrategy: string(strategy), MaxRetries: 3},
		Now:     clock.Now,
		NewID:   sequentialIDs("att"),
	})
	return &attendanceFixture{svc: svc, store: store, backend: backend, clock: clock}
}

func TestMarkAttendanceValidatesAndReplaces(t *testing.T) {
	f := newAttendanceFixture(t, models.StrategyLatestTimestamp)
	ctx := context.Background()

	_, err := f.svc.MarkAttendance(ctx, models.AttendanceRecord{StudentID: "S1", ClassID: "C1", Date: "2024-01-01", TeacherID: "T1"})
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)

	first, err := f.svc.MarkAttendance(ctx, mark(models.AttendanceStatusPresent, "T1", time.Time{}))
	require.NoError(t, err)
	assert.Equal(t, "att-1", first.ID)
	assert.Equal(t, models.AttendanceStatePendingSync, first.SyncState)
	assert.Equal(t, markBase, first.MarkedAt)

	_, err = f.svc.MarkAttendance(ctx, mark(models.AttendanceStatusLate, "T1", markBase.Add(time.Minute)))
	require.NoError(t, err)

	records, err := f.svc.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.AttendanceStatusLate, records[0].Status)
}

func TestSyncPendingPushesAndRemoves(t *testing.T) {
	f := newAttendanceFixture(t, models.StrategyLatestTimestamp)
	ctx := context.Background()

	_, err := f.svc.MarkAttendance(ctx, mark(models.AttendanceStatusPresent, "T1", markBase))
	require.NoError(t, err)

	result, err := f.svc.SyncPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	require.Len(t, f.backend.pushed, 1)
	assert.Equal(t, models.AttendanceStatusPresent, f.backend.pushed[0].Status)

	records, err := f.svc.Records(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSyncPendingMarksFailedAfterRetries(t *testing.T) {
	f := newAttendanceFixture(t, models.StrategyLatestTimestamp)
	f.backend.err = errors.New("backend down")
	ctx := context.Background()

	_, err := f.svc.MarkAttendance(ctx, mark(models.AttendanceStatusPresent, "T1", markBase))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		result, err := f.svc.SyncPending(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Failed)
	}

	stored, err := f.store.GetPending(ctx, "S1|C1|2024-01-01")
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceStateSyncFailed, stored.SyncState)
	assert.Equal(t, 3, stored.RetryCount)
	assert.Equal(t, "backend down", stored.LastError)

	result, err := f.svc.SyncPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
}

func TestHandleRemoteUpdateWithoutLocalCopy(t *testing.T) {
	f := newAttendanceFixture(t, models.StrategyStatusPriority)
	conflict, err := f.svc.HandleRemoteUpdate(context.Background(), mark(models.AttendanceStatusPresent, "T1", markBase))
	require.NoError(t, err)
	assert.Nil(t, conflict)
}

func TestHandleRemoteUpdateStatusPriorityServerWins(t *testing.T) {
	f := newAttendanceFixture(t, models.StrategyStatusPriority)
	ctx := context.Background()

	_, err := f.svc.MarkAttendance(ctx, mark(models.AttendanceStatusAbsent, "T1", markBase.Add(time.Minute)))
	require.NoError(t, err)

	conflict, err := f.svc.HandleRemoteUpdate(ctx, mark(models.AttendanceStatusIslamicEvent, "T1", markBase))
	require.NoError(t, err)
	require.NotNil(t, conflict)
	assert.True(t, conflict.Resolved)
	assert.Equal(t, models.SideServer, conflict.Winner)
	assert.Equal(t, []models.ConflictType{models.ConflictTypeStatus}, conflict.Types)

	records, err := f.svc.Records(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	stored, err := f.svc.ListConflicts(ctx, false)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, models.AttendanceStatusIslamicEvent, stored[0].Server.Status)
}

func TestHandleRemoteUpdateLocalWinIsResynced(t *testing.T) {
	f := newAttendanceFixture(t, models.StrategyLatestTimestamp)
	ctx := context.Background()

	_, err := f.svc.MarkAttendance(ctx, mark(models.AttendanceStatusSick, "T1", markBase.Add(10*time.Minute)))
	require.NoError(t, err)

	conflict, err := f.svc.HandleRemoteUpdate(ctx, mark(models.AttendanceStatusAbsent, "T2", markBase))
	require.NoError(t, err)
	require.NotNil(t, conflict)
	assert.Equal(t, models.SideLocal, conflict.Winner)

	stored, err := f.store.GetPending(ctx, "S1|C1|2024-01-01")
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceStateResolved, stored.SyncState)

	result, err := f.svc.SyncPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, models.AttendanceStatusSick, f.backend.pushed[0].Status)
}

func TestManualConflictWaitsForResolution(t *testing.T) {
	f := newAttendanceFixture(t, models.StrategyManual)
	ctx := context.Background()

	_, err := f.svc.MarkAttendance(ctx, mark(models.AttendanceStatusPresent, "T1", markBase))
	require.NoError(t, err)
	conflict, err := f.svc.HandleRemoteUpdate(ctx, mark(models.AttendanceStatusAbsent, "T1", markBase))
	require.NoError(t, err)
	require.NotNil(t, conflict)
	assert.False(t, conflict.Resolved)

	result, err := f.svc.SyncPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)

	open, err := f.svc.ListConflicts(ctx, true)
	require.NoError(t, err)
	require.Len(t, open, 1)

	_, err = f.svc.ResolveConflict(ctx, conflict.ID, models.ConflictSide("both"), "T9")
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)

	resolved, err := f.svc.ResolveConflict(ctx, conflict.ID, models.SideLocal, "T9")
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, "T9", resolved.ResolvedBy)

	_, err = f.svc.ResolveConflict(ctx, conflict.ID, models.SideServer, "T9")
	assert.ErrorIs(t, err, appErrors.ErrConflictResolved)

	result, err = f.svc.SyncPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
}

func TestHandleChangeDecodesFeedRow(t *testing.T) {
	f := newAttendanceFixture(t, models.StrategyStatusPriority)
	ctx := context.Background()

	_, err := f.svc.MarkAttendance(ctx, mark(models.AttendanceStatusAbsent, "T1", markBase))
	require.NoError(t, err)

	record, err := json.Marshal(map[string]interface{}{
		"id":         "srv-1",
		"student_id": "S1",
		"class_id":   "C1",
		"date":       "2024-01-01T00:00:00Z",
		"status":     "family_emergency",
		"teacher_id": "T1",
		"marked_at":  markBase.Add(time.Minute),
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleChange(ctx, ChangeEvent{Table: "attendance_records", Type: "UPDATE", Record: record}))
	require.NoError(t, f.svc.HandleChange(ctx, ChangeEvent{Table: "teacher_notes", Type: "INSERT", Record: record}))

	conflicts, err := f.svc.ListConflicts(ctx, false)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, models.SideServer, conflicts[0].Winner)
}

func TestRemarkClosesOpenConflict(t *testing.T) {
	f := newAttendanceFixture(t, models.StrategyManual)
	ctx := context.Background()

	_, err := f.svc.MarkAttendance(ctx, mark(models.AttendanceStatusAbsent, "T1", markBase))
	require.NoError(t, err)
	conflict, err := f.svc.HandleRemoteUpdate(ctx, mark(models.AttendanceStatusLate, "T1", markBase))
	require.NoError(t, err)
	require.NotNil(t, conflict)
	require.False(t, conflict.Resolved)

	_, err = f.svc.MarkAttendance(ctx, mark(models.AttendanceStatusSick, "T1", markBase.Add(time.Minute)))
	require.NoError(t, err)

	open, err := f.svc.ListConflicts(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = f.svc.ResolveConflict(ctx, conflict.ID, models.SideLocal, "T9")
	assert.ErrorIs(t, err, appErrors.ErrConflictResolved)

	records, err := f.svc.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.AttendanceStatusSick, records[0].Status)
	assert.Equal(t, models.AttendanceStatePendingSync, records[0].SyncState)
}

func TestResolveConflictRejectsChangedLocalCopy(t *testing.T) {
	f := newAttendanceFixture(t, models.StrategyManual)
	ctx := context.Background()

	_, err := f.svc.MarkAttendance(ctx, mark(models.AttendanceStatusAbsent, "T1", markBase))
	require.NoError(t, err)
	conflict, err := f.svc.HandleRemoteUpdate(ctx, mark(models.AttendanceStatusLate, "T1", markBase))
	require.NoError(t, err)
	require.NotNil(t, conflict)

	newer := mark(models.AttendanceStatusSick, "T1", markBase.Add(time.Minute))
	newer.ID = "att-newer"
	require.NoError(t, f.store.UpsertPending(ctx, &models.PendingAttendance{
		AttendanceRecord: newer,
		SyncState:        models.AttendanceStatePendingSync,
	}))

	for _, side := range []models.ConflictSide{models.SideLocal, models.SideServer} {
		_, err = f.svc.ResolveConflict(ctx, conflict.ID, side, "T9")
		var appErr *appErrors.Error
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, appErrors.ErrConflict.Code, appErr.Code)
	}

	stored, err := f.store.GetPending(ctx, "S1|C1|2024-01-01")
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceStatusSick, stored.Status)
	assert.Equal(t, "att-newer", stored.ID)
}
