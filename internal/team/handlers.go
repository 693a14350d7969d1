package team

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clinscale/clinscale/internal/logging"
	"github.com/clinscale/clinscale/internal/pagination"
)

// Handler provides HTTP handlers for the team API.
type Handler struct {
	store Store
}

// NewHandler creates a new team handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up the team routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/teams", h.CreateTeam)
	r.GET("/teams", h.ListTeams)
	r.GET("/teams/:id", h.GetTeam)
	r.DELETE("/teams/:id", h.DeleteTeam)
}

// CreateTeamRequest is the payload for creating a team.
type CreateTeamRequest struct {
	Name string `json:"name" binding:"required"`
	Slug string `json:"slug" binding:"required"`
}

// CreateTeam handles POST /teams
func (h *Handler) CreateTeam(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	var req CreateTeamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !ValidSlug(req.Slug) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_slug",
			"message": "Slug must be 3-64 lowercase alphanumerics or hyphens",
		})
		return
	}

	t := &Team{Name: req.Name, Slug: req.Slug}
	if err := h.store.Create(ctx, t); err != nil {
		if errors.Is(err, ErrSlugTaken) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "slug_taken",
				"message": "A team with this slug already exists",
			})
			return
		}
		logger.Error("failed to create team", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create team",
		})
		return
	}

	logger.Info("team created", "team_id", t.ID, "slug", t.Slug)
	c.JSON(http.StatusCreated, t)
}

// GetTeam handles GET /teams/:id
func (h *Handler) GetTeam(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	t, err := h.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Team not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get team",
		})
		return
	}

	c.JSON(http.StatusOK, t)
}

// ListTeams handles GET /teams
func (h *Handler) ListTeams(c *gin.Context) {
	ctx := c.Request.Context()

	limit := parseIntQuery(c, "limit", 100)
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}

	// Fetch one extra row to detect whether another page exists.
	teams, err := h.store.List(ctx, cursor, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list teams",
		})
		return
	}

	page, next, hasMore := pagination.ComputePage(teams, limit, func(t *Team) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"teams":       page,
		"count":       len(page),
		"next_cursor": next,
		"has_more":    hasMore,
	})
}

// DeleteTeam handles DELETE /teams/:id
func (h *Handler) DeleteTeam(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)
	id := c.Param("id")

	if err := h.store.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Team not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to delete team",
		})
		return
	}

	logger.Info("team deleted", "team_id", id)
	c.Status(http.StatusNoContent)
}

func parseIntQuery(c *gin.Context, key string, defaultVal int) int {
	if val := c.Query(key); val != "" {
		var i int
		if _, err := fmt.Sscanf(val, "%d", &i); err == nil && i >= 0 {
			return i
		}
	}
	return defaultVal
}
