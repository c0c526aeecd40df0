package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/harry-school/offline-sync/internal/dto"
	"github.com/harry-school/offline-sync/internal/middleware"
	"github.com/harry-school/offline-sync/internal/models"
	appErrors "github.com/harry-school/offline-sync/pkg/errors"
	"github.com/harry-school/offline-sync/pkg/response"
)

type attendanceService interface {
	MarkAttendance(ctx context.Context, rec models.AttendanceRecord) (*models.PendingAttendance, error)
	Records(ctx context.Context, states ...models.AttendanceSyncState) ([]models.PendingAttendance, error)
	SyncPending(ctx context.Context) (*models.AttendanceSyncResult, error)
	ListConflicts(ctx context.Context, unresolvedOnly bool) ([]models.AttendanceConflict, error)
	ResolveConflict(ctx context.Context, id string, choice models.ConflictSide, resolvedBy string) (*models.AttendanceConflict, error)
}

// AttendanceHandler exposes local attendance marks and their conflicts.
type AttendanceHandler struct {
	service attendanceService
}

// NewAttendanceHandler constructs the handler.
func NewAttendanceHandler(service attendanceService) *AttendanceHandler {
	return &AttendanceHandler{service: service}
}

// Mark handles POST /attendance.
func (h *AttendanceHandler) Mark(c *gin.Context) {
	var req dto.MarkAttendanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid attendance payload"))
		return
	}
	claims := middleware.Claims(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	record, err := h.service.MarkAttendance(c.Request.Context(), req.ToRecord(claims.UserID))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, record)
}

// Pending handles GET /attendance/pending with an optional comma separated state filter.
func (h *AttendanceHandler) Pending(c *gin.Context) {
	var states []models.AttendanceSyncState
	for _, part := range strings.Split(c.Query("state"), ",") {
		if part = strings.TrimSpace(part); part != "" {
			states = append(states, models.AttendanceSyncState(part))
		}
	}
	records, err := h.service.Records(c.Request.Context(), states...)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, records, map[string]interface{}{"count": len(records)})
}

// Sync handles POST /attendance/sync.
func (h *AttendanceHandler) Sync(c *gin.Context) {
	result, err := h.service.SyncPending(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result)
}

// Conflicts handles GET /attendance/conflicts; ?all=true includes resolved ones.
func (h *AttendanceHandler) Conflicts(c *gin.Context) {
	conflicts, err := h.service.ListConflicts(c.Request.Context(), c.Query("all") != "true")
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, conflicts, map[string]interface{}{"count": len(conflicts)})
}

// Resolve handles POST /attendance/conflicts/:id/resolve.
func (h *AttendanceHandler) Resolve(c *gin.Context) {
	var req dto.ResolveConflictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "choice is required"))
		return
	}
	claims := middleware.Claims(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	conflict, err := h.service.ResolveConflict(c.Request.Context(), c.Param("id"), req.Choice, claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, conflict)
}
