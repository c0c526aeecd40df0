package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/harry-school/offline-sync/internal/middleware"
	"github.com/harry-school/offline-sync/internal/models"
	appErrors "github.com/harry-school/offline-sync/pkg/errors"
	"github.com/harry-school/offline-sync/pkg/response"
)

type dashboardService interface {
	ClassAttendance(ctx context.Context, classID string, date time.Time) (*models.ClassAttendanceSummary, error)
	TeacherOverview(ctx context.Context, teacherID string, date time.Time) (*models.TeacherOverview, error)
}

// DashboardHandler serves cached attendance summaries.
type DashboardHandler struct {
	service dashboardService
	now     func() time.Time
}

// NewDashboardHandler constructs the handler.
func NewDashboardHandler(service dashboardService) *DashboardHandler {
	return &DashboardHandler{service: service, now: time.Now}
}

// ClassAttendance handles GET /dashboard/classes/:classId/attendance?date=YYYY-MM-DD.
func (h *DashboardHandler) ClassAttendance(c *gin.Context) {
	date, err := h.parseDate(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	start := time.Now()
	summary, err := h.service.ClassAttendance(c.Request.Context(), c.Param("classId"), date)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary, map[string]interface{}{"processing_time_ms": time.Since(start).Milliseconds()})
}

// TeacherOverview handles GET /dashboard/teachers/:teacherId. Teachers may only
// read their own overview.
func (h *DashboardHandler) TeacherOverview(c *gin.Context) {
	teacherID := c.Param("teacherId")
	claims := middleware.Claims(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if claims.Role == models.RoleTeacher && claims.UserID != teacherID {
		response.Error(c, appErrors.ErrForbidden)
		return
	}
	date, err := h.parseDate(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	start := time.Now()
	overview, err := h.service.TeacherOverview(c.Request.Context(), teacherID, date)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, overview, map[string]interface{}{"processing_time_ms": time.Since(start).Milliseconds()})
}

func (h *DashboardHandler) parseDate(c *gin.Context) (time.Time, error) {
	raw := strings.TrimSpace(c.Query("date"))
	if raw == "" {
		return h.now().UTC(), nil
	}
	parsed, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, appErrors.Clone(appErrors.ErrValidation, "invalid date format, expected YYYY-MM-DD")
	}
	return parsed, nil
}
