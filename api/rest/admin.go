package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/engagement/audit"
	"github.com/kasuganosora/engagement/cache"
	"github.com/kasuganosora/engagement/lifecycle"
	"github.com/kasuganosora/engagement/model"
	"github.com/kasuganosora/engagement/progress"
	"github.com/kasuganosora/engagement/reward"
	"github.com/kasuganosora/engagement/scheduler"
	"github.com/kasuganosora/engagement/settings"
	"github.com/kasuganosora/engagement/store"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// AdminHandler handles admin-only REST endpoints.
// Routes should be protected by AdminAuth middleware and audited.
type AdminHandler struct {
	store     store.Store
	cache     *cache.Tiered
	settings  *settings.Provider
	eval      *progress.Evaluator
	rewards   *reward.Resolver
	lifecycle *lifecycle.Manager
	sched     *scheduler.Scheduler
	audit     *audit.Service
	logger    *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(
	st store.Store,
	tc *cache.Tiered,
	sp *settings.Provider,
	eval *progress.Evaluator,
	rr *reward.Resolver,
	lm *lifecycle.Manager,
	sched *scheduler.Scheduler,
	auditSvc *audit.Service,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		store: st, cache: tc, settings: sp, eval: eval, rewards: rr,
		lifecycle: lm, sched: sched, audit: auditSvc, logger: logger,
	}
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return id, true
}

// guildDefinition loads a definition and checks it belongs to the guild in the path.
func (h *AdminHandler) guildDefinition(c *gin.Context) (*model.QuestDefinition, bool) {
	id, ok := pathID(c, "id")
	if !ok {
		return nil, false
	}
	def, err := h.store.ReadDefinition(c.Request.Context(), id)
	if err == nil && def.GuildID != c.Param("guild") {
		err = store.ErrNotFound
	}
	if err != nil {
		fail(c, err)
		return nil, false
	}
	return def, true
}

// QuestRequest is the body of a quest definition create.
type QuestRequest struct {
	Name             string  `json:"name" binding:"required,max=100"`
	Description      string  `json:"description"`
	QuestType        string  `json:"quest_type" binding:"required"`
	RequirementType  string  `json:"requirement_type" binding:"required"`
	RequirementValue int64   `json:"requirement_value" binding:"required,gt=0"`
	RewardXP         int64   `json:"reward_xp" binding:"gte=0"`
	RewardMultiplier float64 `json:"reward_multiplier" binding:"gte=0"`
	Difficulty       string  `json:"difficulty"`
	RefreshCycle     string  `json:"refresh_cycle" binding:"required"`
	Active           *bool   `json:"active"`
}

// CreateQuest adds a quest definition to a guild.
// POST /api/admin/guilds/:guild/quests
func (h *AdminHandler) CreateQuest(c *gin.Context) {
	var req QuestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	audit.SetRequest(c, req)
	def := &model.QuestDefinition{
		GuildID:          c.Param("guild"),
		Name:             req.Name,
		Description:      req.Description,
		QuestType:        model.QuestType(req.QuestType),
		RequirementType:  model.CounterType(req.RequirementType),
		RequirementValue: req.RequirementValue,
		RewardXP:         req.RewardXP,
		RewardMultiplier: req.RewardMultiplier,
		Difficulty:       model.Difficulty(req.Difficulty),
		RefreshCycle:     model.RefreshCycle(req.RefreshCycle),
		Active:           req.Active == nil || *req.Active,
	}
	if def.RewardMultiplier == 0 {
		def.RewardMultiplier = 1
	}
	if def.Difficulty == "" {
		def.Difficulty = model.DifficultyNormal
	}
	if !def.QuestType.Valid() {
		badRequest(c, "quest_type "+req.QuestType+" unknown")
		return
	}
	if err := def.Validate(); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.store.CreateDefinition(c.Request.Context(), def); err != nil {
		fail(c, err)
		return
	}
	h.cache.Invalidate(c.Request.Context(), cache.NSGuildQuests, def.GuildID)
	h.logger.Info("quest created", zap.String("guild", def.GuildID), zap.Int64("quest_id", def.ID), zap.String("name", def.Name))
	audit.SetResponse(c, gin.H{"id": def.ID})
	c.JSON(http.StatusCreated, def)
}

// ListQuests lists every definition of a guild, active or not.
// GET /api/admin/guilds/:guild/quests
func (h *AdminHandler) ListQuests(c *gin.Context) {
	defs, err := h.store.ListDefinitions(c.Request.Context(), c.Param("guild"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quests": defs})
}

// SetQuestActive activates or deactivates a definition. Instances of a
// deactivated definition expire on the next lifecycle tick.
// PUT /api/admin/guilds/:guild/quests/:id/active
func (h *AdminHandler) SetQuestActive(c *gin.Context) {
	var req struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	audit.SetRequest(c, req)
	def, ok := h.guildDefinition(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := h.store.SetDefinitionActive(ctx, def.ID, *req.Active); err != nil {
		fail(c, err)
		return
	}
	h.cache.Invalidate(ctx, cache.NSGuildQuests, def.GuildID)
	h.cache.Invalidate(ctx, cache.NSQuest, strconv.FormatInt(def.ID, 10))
	c.JSON(http.StatusOK, gin.H{"id": def.ID, "active": *req.Active})
}

// EvaluateQuest re-evaluates one user's quest against the stored counter.
// POST /api/admin/guilds/:guild/quests/:id/evaluate/:user
func (h *AdminHandler) EvaluateQuest(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.eval.EvaluateQuest(c.Request.Context(), c.Param("guild"), c.Param("user"), id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evaluated": true})
}

// AchievementRequest is the body of an achievement create.
type AchievementRequest struct {
	Name             string `json:"name" binding:"required,max=100"`
	Description      string `json:"description"`
	RequirementType  string `json:"requirement_type" binding:"required"`
	RequirementValue int64  `json:"requirement_value" binding:"required,gt=0"`
	RewardXP         int64  `json:"reward_xp" binding:"gte=0"`
	Badge            string `json:"badge"`
}

// CreateAchievement adds an achievement definition to a guild.
// POST /api/admin/guilds/:guild/achievements
func (h *AdminHandler) CreateAchievement(c *gin.Context) {
	var req AchievementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	audit.SetRequest(c, req)
	a := &model.AchievementDefinition{
		GuildID:          c.Param("guild"),
		Name:             req.Name,
		Description:      req.Description,
		RequirementType:  model.CounterType(req.RequirementType),
		RequirementValue: req.RequirementValue,
		RewardXP:         req.RewardXP,
		Badge:            req.Badge,
	}
	if err := a.Validate(); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.store.CreateAchievement(c.Request.Context(), a); err != nil {
		fail(c, err)
		return
	}
	h.cache.Invalidate(c.Request.Context(), cache.NSGuildAchievements, a.GuildID)
	audit.SetResponse(c, gin.H{"id": a.ID})
	c.JSON(http.StatusCreated, a)
}

// ListAchievements lists a guild's achievement definitions.
// GET /api/admin/guilds/:guild/achievements
func (h *AdminHandler) ListAchievements(c *gin.Context) {
	defs, err := h.store.GuildAchievements(c.Request.Context(), c.Param("guild"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"achievements": defs})
}

// ResetCounter zeroes one counter. Instance baselines are left alone, so
// running quests only advance again once the counter passes them.
// POST /api/admin/guilds/:guild/counters/reset
func (h *AdminHandler) ResetCounter(c *gin.Context) {
	var req struct {
		UserID      string `json:"user_id" binding:"required"`
		CounterType string `json:"counter_type" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	audit.SetRequest(c, req)
	ct, err := model.ParseCounterType(req.CounterType)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	key := model.CounterKey{GuildID: c.Param("guild"), UserID: req.UserID, CounterType: ct}
	if err := h.store.ResetCounter(c.Request.Context(), key); err != nil {
		fail(c, err)
		return
	}
	h.logger.Info("counter reset", zap.String("counter", key.String()))
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

// DeleteUserAchievement revokes an earned achievement. XP already granted
// for it is kept; the reward ledger stays append-only.
// DELETE /api/admin/guilds/:guild/users/:user/achievements/:id
func (h *AdminHandler) DeleteUserAchievement(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	guildID, userID := c.Param("guild"), c.Param("user")
	if err := h.store.DeleteUserAchievement(ctx, guildID, userID, id); err != nil {
		fail(c, err)
		return
	}
	h.cache.Invalidate(ctx, cache.NSUserStats, progress.EarnedKey(guildID, userID))
	c.Status(http.StatusNoContent)
}

// GrantXP awards XP outside quests and achievements. The idempotency key
// makes retries safe: a repeated key grants nothing.
// POST /api/admin/guilds/:guild/users/:user/xp
func (h *AdminHandler) GrantXP(c *gin.Context) {
	var req struct {
		Amount         int64  `json:"amount" binding:"required,gt=0"`
		Reason         string `json:"reason"`
		IdempotencyKey string `json:"idempotency_key" binding:"required,max=96"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	audit.SetRequest(c, req)
	guildID, userID := c.Param("guild"), c.Param("user")
	res, err := h.rewards.Grant(c.Request.Context(), reward.GrantRequest{
		GuildID:  guildID,
		UserID:   userID,
		Source:   model.SourceAdmin,
		SourceID: guildID + "/" + req.IdempotencyKey,
		BaseXP:   req.Amount,
		Name:     req.Reason,
	})
	if err != nil {
		fail(c, err)
		return
	}
	body := gin.H{
		"granted":   res.Granted,
		"amount":    res.Grant.Amount,
		"xp":        res.XPAfter,
		"old_level": res.OldLevel,
		"new_level": res.NewLevel,
	}
	audit.SetResponse(c, body)
	c.JSON(http.StatusOK, body)
}

// GetConfig returns a guild's effective settings.
// GET /api/admin/guilds/:guild/config
func (h *AdminHandler) GetConfig(c *gin.Context) {
	sc, err := h.settings.Get(c.Request.Context(), c.Param("guild"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

// ConfigRequest is a partial settings update; absent fields keep their value.
type ConfigRequest struct {
	QuestResetHour     *int             `json:"quest_reset_hour" binding:"omitempty,gte=0,lte=23"`
	QuestResetWeekday  *int             `json:"quest_reset_weekday" binding:"omitempty,gte=0,lte=6"`
	XPRate             *float64         `json:"xp_rate" binding:"omitempty,gt=0,lte=100"`
	LevelUpChannel     *string          `json:"level_up_channel"`
	QuestChannel       *string          `json:"quest_channel"`
	AchievementChannel *string          `json:"achievement_channel"`
	QuestCooldowns     map[string]int64 `json:"quest_cooldowns"`
	AutoGenerateQuests *bool            `json:"auto_generate_quests"`
}

// UpdateConfig applies a partial settings update.
// PUT /api/admin/guilds/:guild/config
func (h *AdminHandler) UpdateConfig(c *gin.Context) {
	var req ConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	audit.SetRequest(c, req)
	ctx := c.Request.Context()
	sc, err := h.settings.Get(ctx, c.Param("guild"))
	if err != nil {
		fail(c, err)
		return
	}
	if req.QuestResetHour != nil {
		sc.QuestResetHour = *req.QuestResetHour
	}
	if req.QuestResetWeekday != nil {
		sc.QuestResetWeekday = *req.QuestResetWeekday
	}
	if req.XPRate != nil {
		sc.XPRate = *req.XPRate
	}
	if req.LevelUpChannel != nil {
		sc.LevelUpChannel = *req.LevelUpChannel
	}
	if req.QuestChannel != nil {
		sc.QuestChannel = *req.QuestChannel
	}
	if req.AchievementChannel != nil {
		sc.AchievementChannel = *req.AchievementChannel
	}
	if req.QuestCooldowns != nil {
		for qt, secs := range req.QuestCooldowns {
			if secs < 0 {
				badRequest(c, "cooldown for "+qt+" is negative")
				return
			}
		}
		b, err := json.Marshal(req.QuestCooldowns)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		sc.QuestCooldowns = datatypes.JSON(b)
	}
	if req.AutoGenerateQuests != nil {
		sc.AutoGenerateQuests = *req.AutoGenerateQuests
	}
	if err := h.settings.Put(ctx, &sc); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

// ListCycles lists the cycle state machine rows of a guild.
// GET /api/admin/guilds/:guild/cycles
func (h *AdminHandler) ListCycles(c *gin.Context) {
	cycles, err := h.store.ListCycles(c.Request.Context(), c.Param("guild"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycles": cycles})
}

// RunTick runs the quest lifecycle now, for one guild with ?guild= or for all.
// POST /api/admin/lifecycle/tick
func (h *AdminHandler) RunTick(c *gin.Context) {
	ctx := c.Request.Context()
	if g := c.Query("guild"); g != "" {
		gr, err := h.lifecycle.TickGuild(ctx, g, h.lifecycle.Now())
		if err != nil {
			gr.Error = err.Error()
		}
		audit.SetResponse(c, gr)
		c.JSON(http.StatusOK, gr)
		return
	}
	report := h.lifecycle.Tick(ctx)
	audit.SetResponse(c, gin.H{"created": report.Created, "expired": report.Expired, "failed": report.Failed})
	c.JSON(http.StatusOK, report)
}

// Tasks lists the scheduler's periodic tasks with their run statistics.
// GET /api/admin/scheduler/tasks
func (h *AdminHandler) Tasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.sched.Tasks()})
}

// RunTask triggers a registered scheduler task immediately.
// POST /api/admin/scheduler/tasks/:name/run
func (h *AdminHandler) RunTask(c *gin.Context) {
	err := h.sched.RunNow(c.Param("name"))
	switch {
	case errors.Is(err, scheduler.ErrUnknownTask):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrTaskBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusOK, gin.H{"ran": true, "error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"ran": true})
	}
}

// AuditLog lists recent audited admin actions. ?guild= filters by guild.
// GET /api/admin/audit
func (h *AdminHandler) AuditLog(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	logs, err := h.audit.Recent(c.Request.Context(), c.Query("guild"), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": logs})
}
