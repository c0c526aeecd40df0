package handler

import (
	"context"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/harry-school/offline-sync/internal/dto"
	"github.com/harry-school/offline-sync/internal/models"
	appErrors "github.com/harry-school/offline-sync/pkg/errors"
	"github.com/harry-school/offline-sync/pkg/response"
)

// ManagedCache is the administrative view of a cache manager.
type ManagedCache interface {
	Name() string
	Stats() models.CacheStats
	InvalidatePrefix(ctx context.Context, prefix string) error
	InvalidateAll(ctx context.Context) error
}

// CacheHandler reports on and invalidates the named caches.
type CacheHandler struct {
	caches map[string]ManagedCache
}

// NewCacheHandler constructs the handler.
func NewCacheHandler(caches ...ManagedCache) *CacheHandler {
	byName := make(map[string]ManagedCache, len(caches))
	for _, cache := range caches {
		byName[cache.Name()] = cache
	}
	return &CacheHandler{caches: byName}
}

// Stats handles GET /cache/stats.
func (h *CacheHandler) Stats(c *gin.Context) {
	stats := make([]models.CacheStats, 0, len(h.caches))
	for _, cache := range h.caches {
		stats = append(stats, cache.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	response.JSON(c, http.StatusOK, stats)
}

// Invalidate handles POST /cache/invalidate.
func (h *CacheHandler) Invalidate(c *gin.Context) {
	var req dto.InvalidateCacheRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "cache is required"))
		return
	}
	cache, ok := h.caches[req.Cache]
	if !ok {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "unknown cache "+req.Cache))
		return
	}
	if !req.All && req.Prefix == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "prefix or all is required"))
		return
	}

	var err error
	if req.All {
		err = cache.InvalidateAll(c.Request.Context())
	} else {
		err = cache.InvalidatePrefix(c.Request.Context(), req.Prefix)
	}
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, cache.Stats())
}
