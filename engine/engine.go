// Package engine wires every component of the progress and rewards engine
// together. main and the integration tests build the engine the same way.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/engagement/activity"
	"github.com/kasuganosora/engagement/audit"
	"github.com/kasuganosora/engagement/cache"
	"github.com/kasuganosora/engagement/config"
	dbadapter "github.com/kasuganosora/engagement/db"
	"github.com/kasuganosora/engagement/lifecycle"
	"github.com/kasuganosora/engagement/model"
	"github.com/kasuganosora/engagement/notify"
	"github.com/kasuganosora/engagement/progress"
	"github.com/kasuganosora/engagement/reward"
	"github.com/kasuganosora/engagement/scheduler"
	"github.com/kasuganosora/engagement/settings"
	"github.com/kasuganosora/engagement/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Engine holds the wired components.
type Engine struct {
	Config     *config.Config
	Logger     *zap.Logger
	DB         *gorm.DB
	Store      *store.GormStore
	KV         cache.Cache
	PubSub     cache.PubSub
	Cache      *cache.Tiered
	Settings   *settings.Provider
	Board      *reward.Leaderboard
	Rewards    *reward.Resolver
	Evaluator  *progress.Evaluator
	ActivityXP *reward.ActivityXP
	Aggregator *activity.Aggregator
	Lifecycle  *lifecycle.Manager
	Scheduler  *scheduler.Scheduler
	Audit      *audit.Service
	Router     *gin.Engine

	ownDB    bool
	ownCache bool
	ctx      context.Context
	cancel   context.CancelFunc
}

type options struct {
	db       *gorm.DB
	kv       cache.Cache
	ps       cache.PubSub
	notifier notify.Notifier
	clock    func() time.Time
}

// Option customises New.
type Option func(*options)

// WithDB uses db instead of opening cfg.Database. The caller keeps ownership.
func WithDB(db *gorm.DB) Option { return func(o *options) { o.db = db } }

// WithCache uses the given backends instead of building them from cfg.Cache.
func WithCache(kv cache.Cache, ps cache.PubSub) Option {
	return func(o *options) { o.kv, o.ps = kv, ps }
}

// WithNotifier adds a notifier next to the pub/sub publisher.
func WithNotifier(n notify.Notifier) Option { return func(o *options) { o.notifier = n } }

// WithClock overrides the time source of evaluation and the lifecycle.
func WithClock(now func() time.Time) Option { return func(o *options) { o.clock = now } }

// New builds an engine. Nothing runs until Start.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	e := &Engine{Config: cfg, Logger: logger}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	// ---- Database ----
	e.DB = o.db
	if e.DB == nil {
		db, err := dbadapter.Open(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("db: %w", err)
		}
		e.DB, e.ownDB = db, true
	}
	if err := model.AutoMigrate(e.DB); err != nil {
		e.closeDB()
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	e.Store = store.NewGormStore(e.DB)

	// ---- Cache / PubSub ----
	e.KV, e.PubSub = o.kv, o.ps
	if e.KV == nil || e.PubSub == nil {
		cc := cache.CacheConfig{
			RedisAddr:       cfg.Cache.RedisAddr,
			RedisPassword:   cfg.Cache.RedisPassword,
			RedisDB:         cfg.Cache.RedisDB,
			LocalGCInterval: cfg.Cache.LocalGCInterval,
			LocalPubSubBuf:  cfg.Cache.LocalPubSubBuf,
		}
		kv, err := cache.NewCache(cc)
		if err != nil {
			e.closeDB()
			return nil, fmt.Errorf("cache: %w", err)
		}
		ps, err := cache.NewPubSub(cc)
		if err != nil {
			_ = kv.Close()
			e.closeDB()
			return nil, fmt.Errorf("pubsub: %w", err)
		}
		e.KV, e.PubSub, e.ownCache = kv, ps, true
	}
	tc, err := cache.NewTiered(e.KV, cache.TieredConfig{L1Size: cfg.Cache.L1Size, TTL: cfg.Cache.TTL}, logger)
	if err != nil {
		e.closeAll()
		return nil, fmt.Errorf("tiered cache: %w", err)
	}
	e.Cache = tc

	// ---- Domain ----
	retry := store.RetryPolicy{
		Attempts: cfg.Rewards.CompletionRetry,
		Initial:  cfg.Activity.RetryInitial,
		Max:      cfg.Activity.RetryMax,
	}
	curve := reward.Curve{Base: cfg.Rewards.LevelBase, Exponent: cfg.Rewards.LevelExponent}
	var notifier notify.Notifier = notify.NewPublisher(e.PubSub, logger)
	if o.notifier != nil {
		notifier = notify.Fanout{notifier, o.notifier}
	}

	e.Settings = settings.NewProvider(e.Store, tc, cfg.Lifecycle)
	e.Board = reward.NewLeaderboard(e.KV, e.Store, curve, logger)
	e.Rewards = reward.NewResolver(e.Store, e.Settings, tc, e.Board, notifier, reward.Options{Curve: curve, Retry: retry}, logger)
	e.Evaluator = progress.NewEvaluator(e.Store, tc, e.Settings, e.Rewards, notifier, retry, logger)
	if cfg.Rewards.ActivityXP.Enabled {
		e.ActivityXP = reward.NewActivityXP(e.Rewards, cfg.Rewards.ActivityXP, logger)
		e.Evaluator.SetActivityXP(e.ActivityXP)
	}
	e.Aggregator = activity.New(e.Store, e.Evaluator, cfg.Activity, func(h activity.Health, err error) {
		if h == activity.Degraded {
			logger.Error("activity ingestion degraded", zap.Error(err))
			return
		}
		logger.Info("activity ingestion recovered")
	}, logger)
	e.Lifecycle = lifecycle.NewManager(e.Store, tc, e.KV, e.Settings, cfg.Lifecycle, logger)
	if o.clock != nil {
		e.Rewards.SetClock(o.clock)
		if e.ActivityXP != nil {
			e.ActivityXP.SetClock(o.clock)
		}
		e.Evaluator.SetClock(o.clock)
		e.Lifecycle.SetClock(o.clock)
	}
	e.Scheduler = scheduler.New(logger)
	e.Audit = audit.New(e.DB, logger)

	e.Router = e.routes()
	return e, nil
}

// Start launches the background loops: the ingestion flusher and the
// lifecycle ticker, plus one lifecycle tick shortly after start so a fresh
// process does not wait a full interval for its first cohort.
func (e *Engine) Start() {
	e.Aggregator.Start()
	e.Lifecycle.RunTicker(e.Scheduler)
	e.Scheduler.AddDelay("lifecycle_startup", time.Second, func(ctx context.Context) error {
		return e.Lifecycle.Tick(ctx).Err()
	})
	e.Logger.Info("engine started",
		zap.String("database", e.Config.Database.Mode),
		zap.Bool("redis", e.Config.Cache.RedisAddr != ""))
}

// Stop drains ingestion, stops the scheduler and releases the backends it
// opened itself.
func (e *Engine) Stop(ctx context.Context) error {
	errAgg := e.Aggregator.Stop(ctx)
	e.Scheduler.Stop()
	e.Audit.Stop(ctx)
	e.cancel()
	e.closeAll()
	if errAgg != nil {
		e.Logger.Warn("activity drain incomplete", zap.Error(errAgg))
	}
	return errAgg
}

func (e *Engine) closeAll() {
	if e.ownCache {
		if err := e.KV.Close(); err != nil && !errors.Is(err, context.Canceled) {
			e.Logger.Warn("cache close failed", zap.Error(err))
		}
	}
	e.closeDB()
}

func (e *Engine) closeDB() {
	if !e.ownDB {
		return
	}
	if sqlDB, err := e.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
