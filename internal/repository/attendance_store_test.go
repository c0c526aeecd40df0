package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harry-school/offline-sync/internal/models"
)

func pendingMark(status models.AttendanceStatus, at time.Time) *models.PendingAttendance {
	return &models.PendingAttendance{
		AttendanceRecord: models.AttendanceRecord{
			ID:         "att-1",
			StudentID:  "S1",
			ClassID:    "C1",
			Date:       "2024-01-01",
			Status:     status,
			TeacherID:  "T1",
			MarkedAt:   at,
			PrayerTime: true,
		},
		SyncState: models.AttendanceStatePendingSync,
	}
}

func TestAttendanceStorePendingUpsertReplacesIdentity(t *testing.T) {
	store := NewAttendanceStore(newLocalStore(t))
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, store.UpsertPending(ctx, pendingMark(models.AttendanceStatusPresent, at)))
	require.NoError(t, store.UpsertPending(ctx, pendingMark(models.AttendanceStatusLate, at.Add(time.Minute))))

	all, err := store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.AttendanceStatusLate, all[0].Status)
	assert.True(t, all[0].PrayerTime)
	assert.Equal(t, "S1|C1|2024-01-01", all[0].IdentityKey)

	require.NoError(t, store.UpdatePendingState(ctx, "S1|C1|2024-01-01", models.AttendanceStateSyncFailed, 3, "timeout"))
	syncable, err := store.ListPending(ctx, models.AttendanceStatePendingSync, models.AttendanceStateResolved)
	require.NoError(t, err)
	assert.Empty(t, syncable)

	require.NoError(t, store.DeletePending(ctx, "S1|C1|2024-01-01"))
	_, err = store.GetPending(ctx, "S1|C1|2024-01-01")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.ErrorIs(t, store.UpdatePendingState(ctx, "missing", models.AttendanceStateSynced, 0, ""), sql.ErrNoRows)
}

func TestAttendanceStoreConflictRoundTrip(t *testing.T) {
	store := NewAttendanceStore(newLocalStore(t))
	ctx := context.Background()
	detected := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	conflict := &models.AttendanceConflict{
		ID:          "c-1",
		IdentityKey: "S1|C1|2024-01-01",
		Local:       models.AttendanceRecord{StudentID: "S1", ClassID: "C1", Date: "2024-01-01", Status: models.AttendanceStatusAbsent},
		Server:      models.AttendanceRecord{StudentID: "S1", ClassID: "C1", Date: "2024-01-01", Status: models.AttendanceStatusIslamicEvent},
		Types:       []models.ConflictType{models.ConflictTypeStatus, models.ConflictTypeTiming},
		Strategy:    models.StrategyManual,
		DetectedAt:  detected,
	}
	require.NoError(t, store.SaveConflict(ctx, conflict))

	open, err := store.ListConflicts(ctx, true)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, conflict.Types, open[0].Types)
	assert.Equal(t, models.AttendanceStatusIslamicEvent, open[0].Server.Status)

	resolvedAt := detected.Add(time.Hour)
	conflict.Resolved = true
	conflict.Winner = models.SideServer
	conflict.ResolvedBy = "T9"
	conflict.ResolvedAt = &resolvedAt
	require.NoError(t, store.SaveConflict(ctx, conflict))

	open, err = store.ListConflicts(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, open)

	got, err := store.GetConflict(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	assert.Equal(t, models.SideServer, got.Winner)
	assert.Equal(t, "T9", got.ResolvedBy)
}

func TestAttendanceStoreSupersedeConflicts(t *testing.T) {
	store := NewAttendanceStore(newLocalStore(t))
	ctx := context.Background()
	detected := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	for _, c := range []*models.AttendanceConflict{
		{ID: "c-1", IdentityKey: "S1|C1|2024-01-01", Strategy: models.StrategyManual, DetectedAt: detected},
		{ID: "c-2", IdentityKey: "S2|C1|2024-01-01", Strategy: models.StrategyManual, DetectedAt: detected},
	} {
		require.NoError(t, store.SaveConflict(ctx, c))
	}

	closed, err := store.SupersedeConflicts(ctx, "S1|C1|2024-01-01", "T1", detected.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), closed)

	got, err := store.GetConflict(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	assert.Equal(t, models.SideLocal, got.Winner)
	assert.Equal(t, "T1", got.ResolvedBy)
	assert.Contains(t, got.Reasoning, "superseded")

	open, err := store.ListConflicts(ctx, true)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "c-2", open[0].ID)

	closed, err = store.SupersedeConflicts(ctx, "S1|C1|2024-01-01", "T1", detected.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, closed)
}
