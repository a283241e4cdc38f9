package rest

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/engagement/cache"
	"github.com/kasuganosora/engagement/model"
	"github.com/kasuganosora/engagement/progress"
	"github.com/kasuganosora/engagement/reward"
	"github.com/kasuganosora/engagement/store"
	"go.uber.org/zap"
)

// ProgressHandler serves read-only user progress: counters, level, quests
// and achievements.
type ProgressHandler struct {
	store  store.Store
	cache  *cache.Tiered
	board  *reward.Leaderboard
	curve  reward.Curve
	limit  int
	logger *zap.Logger
}

func NewProgressHandler(st store.Store, tc *cache.Tiered, board *reward.Leaderboard, curve reward.Curve, limit int, logger *zap.Logger) *ProgressHandler {
	if limit <= 0 {
		limit = 100
	}
	return &ProgressHandler{store: st, cache: tc, board: board, curve: curve, limit: limit, logger: logger}
}

// LevelView is a user's XP position on the level curve.
type LevelView struct {
	XP        int64 `json:"xp"`
	Level     int   `json:"level"`
	IntoLevel int64 `json:"into_level"`
	ToNext    int64 `json:"to_next"`
	Rank      int   `json:"rank,omitempty"`
}

// UserProgress is the full progress snapshot of one user.
type UserProgress struct {
	GuildID      string                  `json:"guild_id"`
	UserID       string                  `json:"user_id"`
	Counters     map[string]int64        `json:"counters"`
	Level        LevelView               `json:"level"`
	Quests       []model.QuestInstance   `json:"quests"`
	Achievements []model.UserAchievement `json:"achievements"`
}

func (h *ProgressHandler) level(ctx context.Context, guildID, userID string) (LevelView, error) {
	ul, err := cache.Load(ctx, h.cache, cache.NSUserStats, reward.StatsKey(guildID, userID), func(ctx context.Context) (model.UserLevel, error) {
		ul, err := h.store.ReadUserLevel(ctx, guildID, userID)
		if err != nil {
			return model.UserLevel{}, err
		}
		return *ul, nil
	})
	if err != nil {
		return LevelView{}, err
	}
	into, needed := h.curve.Progress(ul.XP)
	return LevelView{
		XP:        ul.XP,
		Level:     h.curve.LevelForXP(ul.XP),
		IntoLevel: into,
		ToNext:    needed,
		Rank:      h.board.Rank(ctx, guildID, userID),
	}, nil
}

func (h *ProgressHandler) quests(ctx context.Context, guildID, userID string) ([]model.QuestInstance, error) {
	return cache.Load(ctx, h.cache, cache.NSUserQuests, progress.UserQuestsKey(guildID, userID), func(ctx context.Context) ([]model.QuestInstance, error) {
		return h.store.UserInstances(ctx, guildID, userID, true)
	})
}

// User returns the progress snapshot of a user.
// GET /api/guilds/:guild/users/:user
func (h *ProgressHandler) User(c *gin.Context) {
	ctx := c.Request.Context()
	guildID, userID := c.Param("guild"), c.Param("user")

	rows, err := h.store.ReadCounters(ctx, guildID, userID)
	if err != nil {
		fail(c, err)
		return
	}
	counters := make(map[string]int64, len(model.CounterTypes))
	for _, ct := range model.CounterTypes {
		counters[string(ct)] = 0
	}
	for _, r := range rows {
		counters[string(r.CounterType)] = r.Total
	}

	lv, err := h.level(ctx, guildID, userID)
	if err != nil {
		fail(c, err)
		return
	}
	quests, err := h.quests(ctx, guildID, userID)
	if err != nil {
		fail(c, err)
		return
	}
	achievements, err := h.store.UserAchievements(ctx, guildID, userID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, UserProgress{
		GuildID:      guildID,
		UserID:       userID,
		Counters:     counters,
		Level:        lv,
		Quests:       quests,
		Achievements: achievements,
	})
}

// Quests lists the user's quest instances. ?all=true includes expired ones.
// GET /api/guilds/:guild/users/:user/quests
func (h *ProgressHandler) Quests(c *gin.Context) {
	ctx := c.Request.Context()
	guildID, userID := c.Param("guild"), c.Param("user")
	var (
		out []model.QuestInstance
		err error
	)
	if all, _ := strconv.ParseBool(c.Query("all")); all {
		out, err = h.store.UserInstances(ctx, guildID, userID, false)
	} else {
		out, err = h.quests(ctx, guildID, userID)
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quests": out})
}

// Achievements lists the guild's achievements with the user's earned state.
// GET /api/guilds/:guild/users/:user/achievements
func (h *ProgressHandler) Achievements(c *gin.Context) {
	ctx := c.Request.Context()
	guildID, userID := c.Param("guild"), c.Param("user")

	defs, err := h.store.GuildAchievements(ctx, guildID)
	if err != nil {
		fail(c, err)
		return
	}
	earned, err := h.store.UserAchievements(ctx, guildID, userID)
	if err != nil {
		fail(c, err)
		return
	}
	at := make(map[int64]model.UserAchievement, len(earned))
	for _, e := range earned {
		at[e.AchievementID] = e
	}
	type view struct {
		model.AchievementDefinition
		Earned   bool       `json:"earned"`
		EarnedAt *time.Time `json:"earned_at,omitempty"`
	}
	out := make([]view, 0, len(defs))
	for _, d := range defs {
		v := view{AchievementDefinition: d}
		if e, ok := at[d.ID]; ok {
			v.Earned = true
			v.EarnedAt = &e.EarnedAt
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"achievements": out})
}

// Leaderboard returns the guild's top users by lifetime XP.
// GET /api/guilds/:guild/leaderboard?limit=20
func (h *ProgressHandler) Leaderboard(c *gin.Context) {
	limit := 20
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= h.limit {
		limit = l
	}
	entries, err := h.board.Top(c.Request.Context(), c.Param("guild"), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": entries})
}
