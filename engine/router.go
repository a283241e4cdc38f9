package engine

import (
	"github.com/gin-gonic/gin"
	apirest "github.com/kasuganosora/engagement/api/rest"
	"github.com/kasuganosora/engagement/api/sse"
	"github.com/kasuganosora/engagement/audit"
	mw "github.com/kasuganosora/engagement/middleware"
	"golang.org/x/time/rate"
)

func (e *Engine) routes() *gin.Engine {
	cfg := e.Config
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.Server.AdminKey == "" {
		e.Logger.Warn("server.admin_key is not set; admin endpoints are disabled")
	}

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(e.Logger), mw.Recovery(e.Logger))

	healthH := apirest.NewHealthHandler(e.Store, e.KV, e.Aggregator, e.Cache)
	activityH := apirest.NewActivityHandler(e.Aggregator)
	progressH := apirest.NewProgressHandler(e.Store, e.Cache, e.Board, e.Rewards.Curve(), cfg.Rewards.LeaderboardLimit, e.Logger)
	adminH := apirest.NewAdminHandler(e.Store, e.Cache, e.Settings, e.Evaluator, e.Rewards, e.Lifecycle, e.Scheduler, e.Audit, e.Logger)
	sseH := sse.NewHandler(e.PubSub, e.Logger)

	r.GET("/health", healthH.Health)

	limit := rate.Limit(cfg.Security.RateLimitRPS)
	api := r.Group("/api")
	{
		guild := api.Group("/guilds/:guild")
		guild.POST("/activity", mw.RateLimit(e.ctx, limit, cfg.Security.RateLimitBurst, mw.ByGuild), activityH.Ingest)

		reads := guild.Group("", mw.RateLimit(e.ctx, limit, cfg.Security.RateLimitBurst, mw.ByClientIP))
		reads.GET("/users/:user", progressH.User)
		reads.GET("/users/:user/quests", progressH.Quests)
		reads.GET("/users/:user/achievements", progressH.Achievements)
		reads.GET("/leaderboard", progressH.Leaderboard)
		reads.GET("/events", sseH.GuildEvents)
	}

	admin := api.Group("/admin", mw.IPWhitelist(cfg.Server.AdminIPs, e.Logger), mw.AdminAuth(cfg.Server.AdminKey))
	{
		admin.GET("/scheduler/tasks", adminH.Tasks)
		admin.POST("/scheduler/tasks/:name/run", audit.Middleware(e.Audit, "scheduler.run"), adminH.RunTask)
		admin.POST("/lifecycle/tick", audit.Middleware(e.Audit, "lifecycle.tick"), adminH.RunTick)
		admin.GET("/audit", adminH.AuditLog)
		admin.GET("/events", sseH.AllEvents)

		g := admin.Group("/guilds/:guild")
		g.GET("/quests", adminH.ListQuests)
		g.POST("/quests", audit.Middleware(e.Audit, "quest.create"), adminH.CreateQuest)
		g.PUT("/quests/:id/active", audit.Middleware(e.Audit, "quest.set_active"), adminH.SetQuestActive)
		g.POST("/quests/:id/evaluate/:user", audit.Middleware(e.Audit, "quest.evaluate"), adminH.EvaluateQuest)
		g.GET("/achievements", adminH.ListAchievements)
		g.POST("/achievements", audit.Middleware(e.Audit, "achievement.create"), adminH.CreateAchievement)
		g.POST("/counters/reset", audit.Middleware(e.Audit, "counter.reset"), adminH.ResetCounter)
		g.DELETE("/users/:user/achievements/:id", audit.Middleware(e.Audit, "achievement.revoke"), adminH.DeleteUserAchievement)
		g.POST("/users/:user/xp", audit.Middleware(e.Audit, "xp.grant"), adminH.GrantXP)
		g.GET("/config", adminH.GetConfig)
		g.PUT("/config", audit.Middleware(e.Audit, "config.update"), adminH.UpdateConfig)
		g.GET("/cycles", adminH.ListCycles)
		g.GET("/boosts", adminH.ListBoosts)
		g.POST("/boosts", audit.Middleware(e.Audit, "boost.create"), adminH.CreateBoost)
		g.DELETE("/boosts/:id", audit.Middleware(e.Audit, "boost.delete"), adminH.DeleteBoost)
	}
	return r
}
