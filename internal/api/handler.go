package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kurihiro0119/docstring-harvester/internal/errors"
	"github.com/kurihiro0119/docstring-harvester/internal/storage"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Handler handles API requests
type Handler struct {
	store storage.Storage
}

// NewHandler creates a new API handler
func NewHandler(store storage.Storage) *Handler {
	return &Handler{
		store: store,
	}
}

// GetStats returns storage totals
// GET /api/v1/stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.store.GetStats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": stats,
	})
}

// ListRepos returns processed repositories, newest first
// GET /api/v1/repos
func (h *Handler) ListRepos(c *gin.Context) {
	limit := parseLimit(c)
	offset := parseOffset(c)

	repos, err := h.store.GetProcessedRepositories(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":   repos,
		"limit":  limit,
		"offset": offset,
	})
}

// GetRepo returns one processed repository
// GET /api/v1/repos/:id
func (h *Handler) GetRepo(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	repo, err := h.store.GetProcessedRepository(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": repo,
	})
}

// GetRepoUnits returns the code units harvested from a repository
// GET /api/v1/repos/:id/units
func (h *Handler) GetRepoUnits(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	limit := parseLimit(c)
	offset := parseOffset(c)

	units, err := h.store.GetCodeUnits(c.Request.Context(), id, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":   units,
		"limit":  limit,
		"offset": offset,
	})
}

// ListRuns returns recent harvest runs
// GET /api/v1/runs
func (h *Handler) ListRuns(c *gin.Context) {
	runs, err := h.store.GetRuns(c.Request.Context(), parseLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": runs,
	})
}

// HealthCheck returns the health status of the API
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, apperrors.NewBadRequestError("invalid repository id: "+c.Param("id")))
		return 0, false
	}
	return id, true
}

func parseLimit(c *gin.Context) int {
	limit := parseIntQuery(c, "limit", defaultLimit)
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func parseOffset(c *gin.Context) int {
	offset, err := strconv.Atoi(c.Query("offset"))
	if err != nil || offset < 0 {
		return 0
	}
	return offset
}

// parseIntQuery parses a positive integer query parameter with a default value
func parseIntQuery(c *gin.Context, key string, defaultValue int) int {
	valueStr := c.Query(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil || value <= 0 {
		return defaultValue
	}
	return value
}

// respondError sends an error response
func respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		status := http.StatusInternalServerError
		switch appErr.Code {
		case apperrors.ErrCodeNotFound:
			status = http.StatusNotFound
		case apperrors.ErrCodeBadRequest:
			status = http.StatusBadRequest
		case apperrors.ErrCodeRateLimited:
			status = http.StatusTooManyRequests
		case apperrors.ErrCodeStorageCommit:
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"error": gin.H{
				"code":    appErr.Code,
				"message": appErr.Message,
			},
		})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{
		"error": gin.H{
			"code":    apperrors.ErrCodeInternal,
			"message": err.Error(),
		},
	})
}
