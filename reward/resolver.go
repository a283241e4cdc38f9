// Package reward turns completions and admin grants into XP. Every grant is
// recorded in a ledger keyed by (source, source_id), so a retried or
// duplicated grant is a no-op.
package reward

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/kasuganosora/engagement/cache"
	"github.com/kasuganosora/engagement/model"
	"github.com/kasuganosora/engagement/notify"
	"github.com/kasuganosora/engagement/settings"
	"github.com/kasuganosora/engagement/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/kasuganosora/engagement/reward")

// ErrInvalidGrant is returned for requests missing an identity or carrying a negative amount.
var ErrInvalidGrant = errors.New("reward: invalid grant")

// GrantRequest asks for XP to be granted once per (Source, SourceID).
type GrantRequest struct {
	GuildID    string
	UserID     string
	Source     model.RewardSource
	SourceID   string
	BaseXP     int64
	Multiplier float64
	// Name is carried into notifications.
	Name string
}

func (r GrantRequest) validate() error {
	if r.GuildID == "" || r.UserID == "" || r.Source == "" || r.SourceID == "" {
		return fmt.Errorf("%w: guild, user, source and source_id are required", ErrInvalidGrant)
	}
	if r.BaseXP < 0 {
		return fmt.Errorf("%w: negative xp %d", ErrInvalidGrant, r.BaseXP)
	}
	return nil
}

// GrantResult describes the effect of a grant. Granted is false when the
// ledger already held the grant.
type GrantResult struct {
	Granted  bool
	Grant    model.RewardGrant
	XPBefore int64
	XPAfter  int64
	OldLevel int
	NewLevel int
	Channel  string
	Name     string
}

// Awarded is the XP this grant actually added, zero when it was a replay.
func (r GrantResult) Awarded() int64 {
	if !r.Granted {
		return 0
	}
	return r.Grant.Amount
}

// LeveledUp reports whether the grant crossed at least one level boundary.
func (r GrantResult) LeveledUp() bool { return r.Granted && r.NewLevel > r.OldLevel }

// Resolver applies grants to the XP ledger.
type Resolver struct {
	store    store.Store
	settings *settings.Provider
	cache    *cache.Tiered
	board    *Leaderboard
	notifier notify.Notifier
	curve    Curve
	retry    store.RetryPolicy
	logger   *zap.Logger
	now      func() time.Time
}

// Options configures a Resolver.
type Options struct {
	Curve Curve
	Retry store.RetryPolicy
}

func NewResolver(st store.Store, sp *settings.Provider, tc *cache.Tiered, board *Leaderboard, n notify.Notifier, opts Options, logger *zap.Logger) *Resolver {
	if n == nil {
		n = notify.Nop{}
	}
	return &Resolver{
		store:    st,
		settings: sp,
		cache:    tc,
		board:    board,
		notifier: n,
		curve:    opts.Curve.normalized(),
		retry:    opts.Retry,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the time source used for grant timestamps and boost windows.
func (r *Resolver) SetClock(now func() time.Time) { r.now = now }

// Curve returns the level curve in use.
func (r *Resolver) Curve() Curve { return r.curve }

// Apply records the grant and adds XP inside tx. It must run in the same
// transaction as the state change that earned the reward.
func (r *Resolver) Apply(ctx context.Context, tx store.Store, req GrantRequest) (GrantResult, error) {
	if err := req.validate(); err != nil {
		return GrantResult{}, err
	}
	sc, err := r.settings.GetWith(ctx, tx, req.GuildID)
	if err != nil {
		return GrantResult{}, err
	}
	mult := req.Multiplier
	if mult <= 0 {
		mult = 1
	}
	now := r.now().UTC()
	// Admin grants are exact adjustments and never boosted.
	boost := 1.0
	if req.Source != model.SourceAdmin {
		if boost, err = tx.ActiveBoost(ctx, req.GuildID, now); err != nil {
			return GrantResult{}, err
		}
	}
	grant := model.RewardGrant{
		ID:         uuid.NewString(),
		GuildID:    req.GuildID,
		UserID:     req.UserID,
		Source:     req.Source,
		SourceID:   req.SourceID,
		BaseXP:     req.BaseXP,
		Multiplier: mult,
		XPRate:     sc.Rate(),
		Boost:      boost,
		Amount:     int64(math.Round(float64(req.BaseXP) * mult * sc.Rate() * boost)),
		GrantedAt:  now,
	}
	res := GrantResult{Grant: grant, Name: req.Name, Channel: sc.LevelUpChannel}

	created, err := tx.InsertGrantIfAbsent(ctx, &grant)
	if err != nil {
		return res, err
	}
	if !created {
		return res, nil
	}
	before, after, err := tx.ApplyXPGrant(ctx, req.GuildID, req.UserID, grant.Amount)
	if err != nil {
		return res, err
	}
	res.Granted = true
	res.XPBefore, res.XPAfter = before, after
	res.OldLevel, res.NewLevel = r.curve.LevelForXP(before), r.curve.LevelForXP(after)
	if err := tx.SetLevel(ctx, req.GuildID, req.UserID, res.NewLevel); err != nil {
		return res, err
	}
	return res, nil
}

// Grant applies req in its own transaction and announces the result.
func (r *Resolver) Grant(ctx context.Context, req GrantRequest) (GrantResult, error) {
	ctx, span := tracer.Start(ctx, "reward.Grant")
	defer span.End()
	span.SetAttributes(
		attribute.String("guild", req.GuildID),
		attribute.String("source", string(req.Source)),
		attribute.String("source_id", req.SourceID))

	var res GrantResult
	err := store.Retry(ctx, r.retry, func() error {
		return r.store.InTx(ctx, func(tx store.Store) error {
			var err error
			res, err = r.Apply(ctx, tx, req)
			return err
		})
	})
	if err != nil {
		span.RecordError(err)
		return GrantResult{}, err
	}
	r.Announce(ctx, res)
	return res, nil
}

// Announce runs the post-commit effects of a grant. Failures are logged only.
func (r *Resolver) Announce(ctx context.Context, res GrantResult) {
	if !res.Granted {
		return
	}
	g := res.Grant
	r.cache.Invalidate(ctx, cache.NSUserStats, StatsKey(g.GuildID, g.UserID))
	if r.board != nil {
		r.board.Record(ctx, g.GuildID, g.UserID, res.XPAfter)
	}
	if !res.LeveledUp() {
		return
	}
	r.logger.Info("level up",
		zap.String("guild", g.GuildID),
		zap.String("user", g.UserID),
		zap.Int("old_level", res.OldLevel),
		zap.Int("new_level", res.NewLevel))
	err := r.notifier.OnLevelUp(ctx, notify.Event{
		GuildID:  g.GuildID,
		UserID:   g.UserID,
		Channel:  res.Channel,
		XP:       res.XPAfter,
		OldLevel: res.OldLevel,
		NewLevel: res.NewLevel,
	})
	if err != nil {
		r.logger.Warn("level up notification failed", zap.String("guild", g.GuildID), zap.String("user", g.UserID), zap.Error(err))
	}
}

// StatsKey is the user_stats cache key of a user.
func StatsKey(guildID, userID string) string { return guildID + ":" + userID }
