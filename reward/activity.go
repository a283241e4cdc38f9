package reward

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/kasuganosora/engagement/config"
	"github.com/kasuganosora/engagement/model"
	"go.uber.org/zap"
)

// ActivityXP grants XP straight from counter updates: a random amount for
// messages at most once per cooldown window, a fixed amount per reaction and
// per full voice minute. Every award goes through the ledger, so a replayed
// update grants nothing.
type ActivityXP struct {
	resolver *Resolver
	cfg      config.ActivityXPConfig
	logger   *zap.Logger
	now      func() time.Time
}

func NewActivityXP(r *Resolver, cfg config.ActivityXPConfig, logger *zap.Logger) *ActivityXP {
	if cfg.MessageCooldown < time.Second {
		cfg.MessageCooldown = time.Minute
	}
	if cfg.MessageMax < cfg.MessageMin {
		cfg.MessageMax = cfg.MessageMin
	}
	return &ActivityXP{
		resolver: r,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the time source that picks the message window.
func (a *ActivityXP) SetClock(now func() time.Time) { a.now = now }

// Award grants what u earns. The result is zero when nothing was due.
func (a *ActivityXP) Award(ctx context.Context, u model.CounterUpdate) (GrantResult, error) {
	req, ok := a.request(u)
	if !ok {
		return GrantResult{}, nil
	}
	res, err := a.resolver.Grant(ctx, req)
	if err != nil {
		return res, fmt.Errorf("activity xp: %w", err)
	}
	if res.Granted {
		a.logger.Debug("activity xp granted",
			zap.String("guild", u.GuildID),
			zap.String("user", u.UserID),
			zap.String("counter", string(u.CounterType)),
			zap.Int64("xp", res.Grant.Amount))
	}
	return res, nil
}

func (a *ActivityXP) request(u model.CounterUpdate) (GrantRequest, bool) {
	prev := max(u.Previous, 0)
	if u.Value <= prev {
		return GrantRequest{}, false
	}
	req := GrantRequest{GuildID: u.GuildID, UserID: u.UserID, Source: model.SourceActivity}
	switch u.CounterType {
	case model.CounterMessages:
		if a.cfg.MessageMax <= 0 {
			return req, false
		}
		window := a.now().Unix() / int64(a.cfg.MessageCooldown/time.Second)
		req.SourceID = fmt.Sprintf("msg/%s/%s/%d", u.GuildID, u.UserID, window)
		req.BaseXP = a.cfg.MessageMin + rand.Int64N(a.cfg.MessageMax-a.cfg.MessageMin+1)
		req.Name = "messages"
	case model.CounterReactions:
		if a.cfg.ReactionXP <= 0 {
			return req, false
		}
		req.SourceID = fmt.Sprintf("react/%s/%s/%d", u.GuildID, u.UserID, u.Value)
		req.BaseXP = (u.Value - prev) * a.cfg.ReactionXP
		req.Name = "reactions"
	case model.CounterVoiceTime:
		minutes := u.Value/60 - prev/60
		if minutes <= 0 || a.cfg.VoiceXPPerMinute <= 0 {
			return req, false
		}
		req.SourceID = fmt.Sprintf("voice/%s/%s/%d", u.GuildID, u.UserID, u.Value/60)
		req.BaseXP = minutes * a.cfg.VoiceXPPerMinute
		req.Name = "voice"
	default:
		return req, false
	}
	return req, true
}
