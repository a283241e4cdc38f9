package rest

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/engagement/audit"
	"github.com/kasuganosora/engagement/model"
)

// BoostRequest is the body of a boost event create.
type BoostRequest struct {
	Name       string    `json:"name" binding:"required,max=100"`
	Multiplier float64   `json:"multiplier" binding:"required"`
	StartsAt   time.Time `json:"starts_at" binding:"required"`
	EndsAt     time.Time `json:"ends_at" binding:"required"`
	CreatedBy  string    `json:"created_by" binding:"max=64"`
}

// CreateBoost schedules an XP boost event for a guild.
// POST /api/admin/guilds/:guild/boosts
func (h *AdminHandler) CreateBoost(c *gin.Context) {
	var req BoostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	audit.SetRequest(c, req)
	b := &model.BoostEvent{
		GuildID:    c.Param("guild"),
		Name:       req.Name,
		Multiplier: req.Multiplier,
		StartsAt:   req.StartsAt,
		EndsAt:     req.EndsAt,
		CreatedBy:  req.CreatedBy,
	}
	if err := b.Validate(); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.store.CreateBoost(c.Request.Context(), b); err != nil {
		fail(c, err)
		return
	}
	audit.SetResponse(c, gin.H{"id": b.ID})
	c.JSON(http.StatusCreated, b)
}

// ListBoosts lists a guild's boost events and the multiplier in force now.
// GET /api/admin/guilds/:guild/boosts
func (h *AdminHandler) ListBoosts(c *gin.Context) {
	ctx := c.Request.Context()
	guildID := c.Param("guild")
	boosts, err := h.store.ListBoosts(ctx, guildID)
	if err != nil {
		fail(c, err)
		return
	}
	now := h.lifecycle.Now()
	active := 1.0
	for i := range boosts {
		if boosts[i].ActiveAt(now) {
			active = max(active, boosts[i].Multiplier)
		}
	}
	c.JSON(http.StatusOK, gin.H{"boosts": boosts, "active_multiplier": active})
}

// DeleteBoost removes a boost event.
// DELETE /api/admin/guilds/:guild/boosts/:id
func (h *AdminHandler) DeleteBoost(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.store.DeleteBoost(c.Request.Context(), c.Param("guild"), id); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
