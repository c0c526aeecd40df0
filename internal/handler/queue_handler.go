package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/harry-school/offline-sync/internal/dto"
	"github.com/harry-school/offline-sync/internal/models"
	appErrors "github.com/harry-school/offline-sync/pkg/errors"
	"github.com/harry-school/offline-sync/pkg/response"
)

type queueService interface {
	AddToQueue(ctx context.Context, recordType models.RecordType, payload json.RawMessage, priority models.Priority) (*models.QueueRecord, error)
	ProcessPendingQueue(ctx context.Context) (*models.QueueProcessResult, error)
	Stats(ctx context.Context) (*models.QueueStats, error)
	List(ctx context.Context, filter models.QueueFilter) ([]models.QueueRecord, error)
	Get(ctx context.Context, id string) (*models.QueueRecord, error)
	Remove(ctx context.Context, id string) error
	RetryFailed(ctx context.Context) (int64, error)
	Clear(ctx context.Context) (int64, error)
}

// QueueHandler exposes the offline mutation queue.
type QueueHandler struct {
	service queueService
}

// NewQueueHandler constructs the handler.
func NewQueueHandler(service queueService) *QueueHandler {
	return &QueueHandler{service: service}
}

// Enqueue handles POST /queue.
func (h *QueueHandler) Enqueue(c *gin.Context) {
	var req dto.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid queue payload"))
		return
	}
	record, err := h.service.AddToQueue(c.Request.Context(), req.Type, req.Payload, req.Priority)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, record)
}

// List handles GET /queue.
func (h *QueueHandler) List(c *gin.Context) {
	query, err := parseQueueQuery(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	records, err := h.service.List(c.Request.Context(), models.QueueFilter{Status: query.Status, Type: query.Type, Limit: query.Limit})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, records, map[string]interface{}{"count": len(records)})
}

// Get handles GET /queue/:id.
func (h *QueueHandler) Get(c *gin.Context) {
	record, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, record)
}

// Stats handles GET /queue/stats.
func (h *QueueHandler) Stats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, stats)
}

// Process handles POST /queue/process and runs one drain pass inline.
func (h *QueueHandler) Process(c *gin.Context) {
	result, err := h.service.ProcessPendingQueue(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result)
}

// Retry handles POST /queue/retry.
func (h *QueueHandler) Retry(c *gin.Context) {
	n, err := h.service.RetryFailed(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.CountResponse{Affected: n})
}

// Remove handles DELETE /queue/:id.
func (h *QueueHandler) Remove(c *gin.Context) {
	if err := h.service.Remove(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Clear handles DELETE /queue and drops every queued record.
func (h *QueueHandler) Clear(c *gin.Context) {
	n, err := h.service.Clear(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.CountResponse{Affected: n})
}

func parseQueueQuery(c *gin.Context) (dto.QueueQuery, error) {
	var query dto.QueueQuery
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := models.SyncStatus(strings.TrimSpace(part))
			switch status {
			case models.SyncStatusPending, models.SyncStatusSyncing, models.SyncStatusFailed, models.SyncStatusSynced:
				query.Status = append(query.Status, status)
			default:
				return query, appErrors.Clone(appErrors.ErrValidation, "unknown status "+string(status))
			}
		}
	}
	if raw := strings.TrimSpace(c.Query("type")); raw != "" {
		query.Type = models.RecordType(raw)
		if !query.Type.Valid() {
			return query, appErrors.Clone(appErrors.ErrValidation, "unknown type "+raw)
		}
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return query, appErrors.Clone(appErrors.ErrValidation, "limit must be a positive integer")
		}
		query.Limit = limit
	}
	return query, nil
}
