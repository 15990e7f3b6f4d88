package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/captcharelay/internal/logging"
	"github.com/mbd888/captcharelay/internal/pagination"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	defaultWindow    = 24 * time.Hour
	maxWindow        = 90 * 24 * time.Hour
)

// Handler provides the admin audit endpoints.
type Handler struct {
	store Store
	now   func() time.Time
}

// NewHandler creates a new audit handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store, now: time.Now}
}

// RegisterRoutes sets up audit routes. Callers mount them behind admin auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/verifications", h.List)
	r.GET("/verifications/stats", h.Stats)
}

// List handles GET /api/verifications
func (h *Handler) List(c *gin.Context) {
	limit := defaultListLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, maxListLimit)
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}

	entries, err := h.store.Recent(c.Request.Context(), limit+1, cursor)
	if err != nil {
		logging.L(c.Request.Context()).Error("audit list failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load verifications",
		})
		return
	}

	entries, next := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"verifications": entries,
		"count":         len(entries),
		"nextCursor":    next,
		"hasMore":       next != "",
	})
}

// Stats handles GET /api/verifications/stats
func (h *Handler) Stats(c *gin.Context) {
	window := defaultWindow
	if w := c.Query("window"); w != "" {
		parsed, err := time.ParseDuration(w)
		if err != nil || parsed <= 0 || parsed > maxWindow {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_window",
				"message": "window must be a positive duration up to 2160h",
			})
			return
		}
		window = parsed
	}

	since := h.now().UTC().Add(-window)
	stats, err := h.store.Stats(c.Request.Context(), since)
	if err != nil {
		logging.L(c.Request.Context()).Error("audit stats failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to compute statistics",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"window": window.String(),
		"stats":  stats,
	})
}
