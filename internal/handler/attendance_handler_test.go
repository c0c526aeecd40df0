package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harry-school/offline-sync/internal/models"
	appErrors "github.com/harry-school/offline-sync/pkg/errors"
)

type fakeAttendanceSrv struct {
	marked         models.AttendanceRecord
	states         []models.AttendanceSyncState
	unresolvedOnly bool
	resolvedBy     string
	choice         models.ConflictSide
}

func (f *fakeAttendanceSrv) MarkAttendance(_ context.Context, rec models.AttendanceRecord) (*models.PendingAttendance, error) {
	f.marked = rec
	return &models.PendingAttendance{AttendanceRecord: rec, SyncState: models.AttendanceStatePendingSync}, nil
}

func (f *fakeAttendanceSrv) Records(_ context.Context, states ...models.AttendanceSyncState) ([]models.PendingAttendance, error) {
	f.states = states
	return nil, nil
}

func (f *fakeAttendanceSrv) SyncPending(context.Context) (*models.AttendanceSyncResult, error) {
	return nil, appErrors.ErrQueueBusy
}

func (f *fakeAttendanceSrv) ListConflicts(_ context.Context, unresolvedOnly bool) ([]models.AttendanceConflict, error) {
	f.unresolvedOnly = unresolvedOnly
	return []models.AttendanceConflict{{ID: "c-1"}}, nil
}

func (f *fakeAttendanceSrv) ResolveConflict(_ context.Context, id string, choice models.ConflictSide, resolvedBy string) (*models.AttendanceConflict, error) {
	if id == "done" {
		return nil, appErrors.ErrConflictResolved
	}
	f.choice = choice
	f.resolvedBy = resolvedBy
	return &models.AttendanceConflict{ID: id, Resolved: true, Winner: choice}, nil
}

func TestAttendanceHandlerMarkDefaultsTeacher(t *testing.T) {
	srv := &fakeAttendanceSrv{}
	handler := NewAttendanceHandler(srv)

	c, rec := newTestContext(http.MethodPost, "/attendance", map[string]interface{}{
		"studentId":  "S1",
		"classId":    "C1",
		"date":       "2024-01-01",
		"status":     "late",
		"prayerTime": true,
	}, teacherClaims)
	handler.Mark(c)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "T1", srv.marked.TeacherID)
	assert.True(t, srv.marked.PrayerTime)
	var pending models.PendingAttendance
	require.NoError(t, json.Unmarshal(decodeEnvelope(rec).Data, &pending))
	assert.Equal(t, models.AttendanceStatePendingSync, pending.SyncState)
}

func TestAttendanceHandlerMarkRequiresClaims(t *testing.T) {
	handler := NewAttendanceHandler(&fakeAttendanceSrv{})
	c, rec := newTestContext(http.MethodPost, "/attendance", `{"studentId":"S1","classId":"C1","date":"2024-01-01","status":"late"}`, nil)
	handler.Mark(c)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAttendanceHandlerListings(t *testing.T) {
	srv := &fakeAttendanceSrv{}
	handler := NewAttendanceHandler(srv)

	c, rec := newTestContext(http.MethodGet, "/attendance/pending?state=pending_sync,sync_failed", nil, teacherClaims)
	handler.Pending(c)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []models.AttendanceSyncState{models.AttendanceStatePendingSync, models.AttendanceStateSyncFailed}, srv.states)

	c, rec = newTestContext(http.MethodGet, "/attendance/conflicts", nil, teacherClaims)
	handler.Conflicts(c)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, srv.unresolvedOnly)

	c, _ = newTestContext(http.MethodGet, "/attendance/conflicts?all=true", nil, teacherClaims)
	handler.Conflicts(c)
	assert.False(t, srv.unresolvedOnly)
}

func TestAttendanceHandlerSyncBusy(t *testing.T) {
	handler := NewAttendanceHandler(&fakeAttendanceSrv{})
	c, rec := newTestContext(http.MethodPost, "/attendance/sync", nil, teacherClaims)
	handler.Sync(c)
	assert.Equal(t, appErrors.ErrQueueBusy.Status, rec.Code)
}

func TestAttendanceHandlerResolve(t *testing.T) {
	srv := &fakeAttendanceSrv{}
	handler := NewAttendanceHandler(srv)

	c, rec := newTestContext(http.MethodPost, "/attendance/conflicts/c-1/resolve", `{"choice":"server"}`, teacherClaims)
	c.Params = gin.Params{{Key: "id", Value: "c-1"}}
	handler.Resolve(c)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.SideServer, srv.choice)
	assert.Equal(t, "T1", srv.resolvedBy)

	c, rec = newTestContext(http.MethodPost, "/attendance/conflicts/done/resolve", `{"choice":"local"}`, teacherClaims)
	c.Params = gin.Params{{Key: "id", Value: "done"}}
	handler.Resolve(c)
	assert.Equal(t, http.StatusConflict, rec.Code)

	c, rec = newTestContext(http.MethodPost, "/attendance/conflicts/c-1/resolve", `{}`, teacherClaims)
	handler.Resolve(c)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
