package ops

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/overloewner/trade-bot/internal/models"
	"github.com/overloewner/trade-bot/internal/registry"
	"github.com/overloewner/trade-bot/internal/service"
)

type presetHandler struct {
	svc *service.Service
}

func registerPresetRoutes(group *gin.RouterGroup, svc *service.Service) {
	h := &presetHandler{svc: svc}

	presets := group.Group("/presets")
	presets.POST("", h.create)
	presets.GET("/:id", h.get)
	presets.PUT("/:id", h.update)
	presets.PATCH("/:id/active", h.setActive)
	presets.DELETE("/:id", h.remove)
}

type presetRequest struct {
	UserID    int64    `json:"user_id" binding:"required"`
	Name      string   `json:"name" binding:"required"`
	Symbols   []string `json:"symbols" binding:"required"`
	Intervals []string `json:"intervals" binding:"required"`
	Threshold float64  `json:"threshold" binding:"required"`
	Active    bool     `json:"active"`
}

func (h *presetHandler) create(c *gin.Context) {
	var req presetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	preset := &models.Preset{
		UserID:    req.UserID,
		Name:      req.Name,
		Symbols:   req.Symbols,
		Intervals: req.Intervals,
		Threshold: req.Threshold,
		Active:    req.Active,
	}
	if err := h.svc.CreatePreset(c.Request.Context(), preset); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, preset)
}

func (h *presetHandler) get(c *gin.Context) {
	id, ok := presetID(c)
	if !ok {
		return
	}
	preset, err := h.svc.Preset(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, preset)
}

func (h *presetHandler) update(c *gin.Context) {
	id, ok := presetID(c)
	if !ok {
		return
	}

	var req presetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	preset := &models.Preset{
		ID:        id,
		UserID:    req.UserID,
		Name:      req.Name,
		Symbols:   req.Symbols,
		Intervals: req.Intervals,
		Threshold: req.Threshold,
		Active:    req.Active,
	}
	if err := h.svc.UpdatePreset(c.Request.Context(), preset); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, preset)
}

func (h *presetHandler) setActive(c *gin.Context) {
	id, ok := presetID(c)
	if !ok {
		return
	}

	var req struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.svc.SetActive(c.Request.Context(), id, *req.Active); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *presetHandler) remove(c *gin.Context) {
	id, ok := presetID(c)
	if !ok {
		return
	}
	if err := h.svc.DeletePreset(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func presetID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid preset id"})
		return 0, false
	}
	return id, true
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, registry.ErrInvalidPreset), errors.Is(err, registry.ErrLimitExceeded):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
