package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harry-school/offline-sync/internal/models"
)

type fakeDashboardSrv struct {
	classID   string
	teacherID string
	date      time.Time
	err       error
}

func (f *fakeDashboardSrv) ClassAttendance(_ context.Context, classID string, date time.Time) (*models.ClassAttendanceSummary, error) {
	f.classID, f.date = classID, date
	if f.err != nil {
		return nil, f.err
	}
	return &models.ClassAttendanceSummary{ClassID: classID, Date: date.Format("2006-01-02"), Total: 20, Rate: 0.9}, nil
}

func (f *fakeDashboardSrv) TeacherOverview(_ context.Context, teacherID string, date time.Time) (*models.TeacherOverview, error) {
	f.teacherID, f.date = teacherID, date
	return &models.TeacherOverview{TeacherID: teacherID, Date: date.Format("2006-01-02")}, nil
}

func TestDashboardHandlerClassAttendance(t *testing.T) {
	srv := &fakeDashboardSrv{}
	handler := NewDashboardHandler(srv)

	c, rec := newTestContext(http.MethodGet, "/dashboard/classes/C1/attendance?date=2024-01-01", nil, teacherClaims)
	c.Params = gin.Params{{Key: "classId", Value: "C1"}}
	handler.ClassAttendance(c)

	require.Equal(t, http.StatusOK, rec.Code)
	envelope := decodeEnvelope(rec)
	var summary models.ClassAttendanceSummary
	require.NoError(t, json.Unmarshal(envelope.Data, &summary))
	assert.Equal(t, "C1", summary.ClassID)
	assert.Equal(t, "2024-01-01", summary.Date)
	assert.Contains(t, envelope.Meta, "processing_time_ms")
}

func TestDashboardHandlerDefaultsToToday(t *testing.T) {
	srv := &fakeDashboardSrv{}
	handler := NewDashboardHandler(srv)
	handler.now = func() time.Time { return time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC) }

	c, rec := newTestContext(http.MethodGet, "/dashboard/teachers/T1", nil, teacherClaims)
	c.Params = gin.Params{{Key: "teacherId", Value: "T1"}}
	handler.TeacherOverview(c)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2024-03-04", srv.date.Format("2006-01-02"))
}

func TestDashboardHandlerRejects(t *testing.T) {
	handler := NewDashboardHandler(&fakeDashboardSrv{})

	c, rec := newTestContext(http.MethodGet, "/dashboard/classes/C1/attendance?date=01-01-2024", nil, teacherClaims)
	c.Params = gin.Params{{Key: "classId", Value: "C1"}}
	handler.ClassAttendance(c)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	c, rec = newTestContext(http.MethodGet, "/dashboard/teachers/T2", nil, teacherClaims)
	c.Params = gin.Params{{Key: "teacherId", Value: "T2"}}
	handler.TeacherOverview(c)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	c, rec = newTestContext(http.MethodGet, "/dashboard/teachers/T2", nil, adminClaims)
	c.Params = gin.Params{{Key: "teacherId", Value: "T2"}}
	handler.TeacherOverview(c)
	assert.Equal(t, http.StatusOK, rec.Code)

	handler = NewDashboardHandler(&fakeDashboardSrv{err: errors.New("boom")})
	c, rec = newTestContext(http.MethodGet, "/dashboard/classes/C1/attendance", nil, teacherClaims)
	c.Params = gin.Params{{Key: "classId", Value: "C1"}}
	handler.ClassAttendance(c)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
