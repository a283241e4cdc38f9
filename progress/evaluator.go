// Package progress evaluates counter updates against quest and achievement
// definitions and performs completions exactly once.
package progress

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/kasuganosora/engagement/cache"
	"github.com/kasuganosora/engagement/lifecycle"
	"github.com/kasuganosora/engagement/model"
	"github.com/kasuganosora/engagement/notify"
	"github.com/kasuganosora/engagement/reward"
	"github.com/kasuganosora/engagement/settings"
	"github.com/kasuganosora/engagement/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/kasuganosora/engagement/progress")

var (
	ErrMalformedDefinition = errors.New("progress: malformed definition")
	ErrDefinitionNotFound  = errors.New("progress: definition not found")
)

// Evaluator consumes absolute counter values from the aggregator.
type Evaluator struct {
	store    store.Store
	cache    *cache.Tiered
	settings *settings.Provider
	rewards  *reward.Resolver
	activity *reward.ActivityXP
	notifier notify.Notifier
	retry    store.RetryPolicy
	logger   *zap.Logger
	now      func() time.Time
}

func NewEvaluator(st store.Store, tc *cache.Tiered, sp *settings.Provider, rr *reward.Resolver, n notify.Notifier, retry store.RetryPolicy, logger *zap.Logger) *Evaluator {
	if n == nil {
		n = notify.Nop{}
	}
	return &Evaluator{
		store:    st,
		cache:    tc,
		settings: sp,
		rewards:  rr,
		notifier: n,
		retry:    retry,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the time source.
func (e *Evaluator) SetClock(now func() time.Time) { e.now = now }

// SetActivityXP enables XP grants for raw activity on every update.
func (e *Evaluator) SetActivityXP(a *reward.ActivityXP) { e.activity = a }

// UserQuestsKey is the user_quests cache key of a user.
func UserQuestsKey(guildID, userID string) string { return guildID + ":" + userID }

// EarnedKey is the user_stats cache key of the ids of achievements a user holds.
func EarnedKey(guildID, userID string) string { return "earned:" + guildID + ":" + userID }

// OnCounterUpdate evaluates one counter update. Errors of one definition do
// not stop the others; they are logged and joined into the result.
func (e *Evaluator) OnCounterUpdate(ctx context.Context, u model.CounterUpdate) error {
	ctx, span := tracer.Start(ctx, "progress.OnCounterUpdate")
	defer span.End()
	span.SetAttributes(
		attribute.String("guild", u.GuildID),
		attribute.String("counter", string(u.CounterType)),
		attribute.Int64("value", u.Value))

	quests, err := e.quests(ctx, u.GuildID, u.CounterType)
	if err != nil {
		return fmt.Errorf("load quests: %w", err)
	}
	achievements, err := e.achievements(ctx, u.GuildID, u.CounterType)
	if err != nil {
		return fmt.Errorf("load achievements: %w", err)
	}
	sc, err := e.settings.Get(ctx, u.GuildID)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	var errs []error
	if e.activity != nil {
		if _, err := e.activity.Award(ctx, u); err != nil {
			e.logger.Warn("activity xp failed",
				zap.String("guild", u.GuildID),
				zap.String("user", u.UserID),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	changed := false
	for i := range quests {
		moved, err := e.evaluateQuest(ctx, sc, &quests[i], u)
		changed = changed || moved
		if err != nil {
			e.logger.Warn("quest evaluation failed",
				zap.String("guild", u.GuildID),
				zap.String("user", u.UserID),
				zap.Int64("quest_id", quests[i].ID),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	if changed {
		e.cache.Invalidate(ctx, cache.NSUserQuests, UserQuestsKey(u.GuildID, u.UserID))
	}

	if len(achievements) > 0 {
		if err := e.evaluateAchievements(ctx, sc, achievements, u); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// EvaluateQuest re-runs evaluation of one quest for a user from the stored counter.
func (e *Evaluator) EvaluateQuest(ctx context.Context, guildID, userID string, questID int64) error {
	def, err := e.store.ReadDefinition(ctx, questID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && def.GuildID != guildID) {
		return fmt.Errorf("quest %d: %w", questID, ErrDefinitionNotFound)
	}
	if err != nil {
		return err
	}
	key := model.CounterKey{GuildID: guildID, UserID: userID, CounterType: def.RequirementType}
	value, err := e.store.ReadCounter(ctx, key)
	if err != nil {
		return err
	}
	sc, err := e.settings.Get(ctx, guildID)
	if err != nil {
		return err
	}
	moved, err := e.evaluateQuest(ctx, sc, def, model.CounterUpdate{CounterKey: key, Value: value, Previous: value})
	if moved {
		e.cache.Invalidate(ctx, cache.NSUserQuests, UserQuestsKey(guildID, userID))
	}
	return err
}

func (e *Evaluator) quests(ctx context.Context, guildID string, ct model.CounterType) ([]model.QuestDefinition, error) {
	all, err := cache.Load(ctx, e.cache, cache.NSGuildQuests, guildID, func(ctx context.Context) ([]model.QuestDefinition, error) {
		return e.store.ActiveDefinitions(ctx, guildID)
	})
	if err != nil {
		return nil, err
	}
	var out []model.QuestDefinition
	for _, d := range all {
		if d.RequirementType == ct && d.Active {
			out = append(out, d)
		}
	}
	return out, nil
}

func (e *Evaluator) achievements(ctx context.Context, guildID string, ct model.CounterType) ([]model.AchievementDefinition, error) {
	all, err := cache.Load(ctx, e.cache, cache.NSGuildAchievements, guildID, func(ctx context.Context) ([]model.AchievementDefinition, error) {
		return e.store.GuildAchievements(ctx, guildID)
	})
	if err != nil {
		return nil, err
	}
	var out []model.AchievementDefinition
	for _, a := range all {
		if a.RequirementType == ct {
			out = append(out, a)
		}
	}
	return out, nil
}

// evaluateQuest reports whether stored progress changed.
func (e *Evaluator) evaluateQuest(ctx context.Context, sc model.ServerConfig, def *model.QuestDefinition, u model.CounterUpdate) (bool, error) {
	if err := def.Validate(); err != nil {
		return false, fmt.Errorf("quest %d: %w: %w", def.ID, ErrMalformedDefinition, err)
	}
	now := e.now()
	cycle := lifecycle.CycleFor(def.RefreshCycle, sc, now)
	if def.Generated() && *def.GeneratedCycle != cycle.ID {
		return false, nil
	}

	baseline := u.Previous
	if def.RefreshCycle == model.CycleOnce {
		baseline = 0
	}
	fresh := &model.QuestInstance{
		GuildID:  u.GuildID,
		UserID:   u.UserID,
		QuestID:  def.ID,
		Cycle:    cycle.ID,
		Baseline: max(baseline, 0),
		Status:   model.InstanceActive,
	}
	if !cycle.End.IsZero() {
		end := cycle.End
		fresh.ExpiresAt = &end
	}
	inst, _, err := e.store.ReadOrCreateInstance(ctx, fresh)
	if err != nil {
		return false, err
	}
	if inst.Status != model.InstanceActive {
		return false, nil
	}

	specific := min(max(u.Value-inst.Baseline, 0), def.RequirementValue)
	moved, err := e.store.AdvanceProgress(ctx, inst.ID, u.Value, specific)
	if err != nil {
		return false, err
	}
	if inst.Completed || specific < def.RequirementValue {
		return moved, nil
	}

	if cd := sc.Cooldown(def.QuestType); cd > 0 {
		last, err := e.store.LastCompletion(ctx, u.GuildID, u.UserID, def.QuestType)
		if err != nil {
			return moved, err
		}
		if last != nil && now.Sub(*last) < cd {
			e.logger.Debug("completion deferred by cooldown",
				zap.String("guild", u.GuildID),
				zap.String("user", u.UserID),
				zap.Int64("quest_id", def.ID),
				zap.Duration("remaining", cd-now.Sub(*last)))
			return moved, nil
		}
	}

	won, res, err := e.complete(ctx, def, inst, now)
	if err != nil {
		return moved, err
	}
	if !won {
		return moved, nil
	}
	e.logger.Info("quest completed",
		zap.String("guild", u.GuildID),
		zap.String("user", u.UserID),
		zap.Int64("quest_id", def.ID),
		zap.String("cycle", inst.Cycle),
		zap.Int64("xp", res.Awarded()))
	if err := e.notifier.OnQuestCompleted(ctx, notify.Event{
		GuildID: u.GuildID,
		UserID:  u.UserID,
		Channel: sc.QuestChannel,
		QuestID: def.ID,
		Name:    def.Name,
		XP:      res.Awarded(),
		At:      now,
	}); err != nil {
		e.logger.Warn("quest notification failed", zap.Int64("quest_id", def.ID), zap.Error(err))
	}
	e.rewards.Announce(ctx, res)
	return true, nil
}

// complete flips the instance to completed and grants the reward in one
// transaction. won is false when another evaluation completed it first.
func (e *Evaluator) complete(ctx context.Context, def *model.QuestDefinition, inst *model.QuestInstance, at time.Time) (bool, reward.GrantResult, error) {
	var won bool
	var res reward.GrantResult
	err := store.Retry(ctx, e.retry, func() error {
		won = false
		return e.store.InTx(ctx, func(tx store.Store) error {
			ok, err := tx.CASCompleteInstance(ctx, inst.ID, at)
			if err != nil || !ok {
				return err
			}
			res, err = e.rewards.Apply(ctx, tx, reward.GrantRequest{
				GuildID:    inst.GuildID,
				UserID:     inst.UserID,
				Source:     model.SourceQuest,
				SourceID:   fmt.Sprintf("%d/%s/%s", def.ID, inst.UserID, inst.Cycle),
				BaseXP:     def.RewardXP,
				Multiplier: def.Multiplier(),
				Name:       def.Name,
			})
			if err != nil {
				return err
			}
			won = true
			return nil
		})
	})
	if errors.Is(err, store.ErrConflict) {
		return false, res, nil
	}
	return won, res, err
}

func (e *Evaluator) evaluateAchievements(ctx context.Context, sc model.ServerConfig, defs []model.AchievementDefinition, u model.CounterUpdate) error {
	earned, err := cache.Load(ctx, e.cache, cache.NSUserStats, EarnedKey(u.GuildID, u.UserID), func(ctx context.Context) ([]int64, error) {
		return e.store.EarnedAchievementIDs(ctx, u.GuildID, u.UserID)
	})
	if err != nil {
		return fmt.Errorf("earned achievements: %w", err)
	}

	var errs []error
	for i := range defs {
		a := &defs[i]
		if err := a.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("achievement %d: %w: %w", a.ID, ErrMalformedDefinition, err))
			continue
		}
		if u.Value < a.RequirementValue || slices.Contains(earned, a.ID) {
			continue
		}
		won, res, err := e.earn(ctx, a, u)
		if err != nil {
			e.logger.Warn("achievement evaluation failed",
				zap.String("guild", u.GuildID),
				zap.String("user", u.UserID),
				zap.Int64("achievement_id", a.ID),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		e.cache.Invalidate(ctx, cache.NSUserStats, EarnedKey(u.GuildID, u.UserID))
		if !won {
			continue
		}
		e.logger.Info("achievement earned",
			zap.String("guild", u.GuildID),
			zap.String("user", u.UserID),
			zap.Int64("achievement_id", a.ID))
		if err := e.notifier.OnAchievementEarned(ctx, notify.Event{
			GuildID:       u.GuildID,
			UserID:        u.UserID,
			Channel:       sc.AchievementChannel,
			AchievementID: a.ID,
			Name:          a.Name,
			XP:            res.Awarded(),
		}); err != nil {
			e.logger.Warn("achievement notification failed", zap.Int64("achievement_id", a.ID), zap.Error(err))
		}
		e.rewards.Announce(ctx, res)
	}
	return errors.Join(errs...)
}

func (e *Evaluator) earn(ctx context.Context, a *model.AchievementDefinition, u model.CounterUpdate) (bool, reward.GrantResult, error) {
	var won bool
	var res reward.GrantResult
	err := store.Retry(ctx, e.retry, func() error {
		won = false
		return e.store.InTx(ctx, func(tx store.Store) error {
			ok, err := tx.InsertAchievementIfAbsent(ctx, &model.UserAchievement{
				GuildID:       u.GuildID,
				UserID:        u.UserID,
				AchievementID: a.ID,
				EarnedAt:      e.now().UTC(),
			})
			if err != nil || !ok {
				return err
			}
			res, err = e.rewards.Apply(ctx, tx, reward.GrantRequest{
				GuildID:  u.GuildID,
				UserID:   u.UserID,
				Source:   model.SourceAchievement,
				SourceID: fmt.Sprintf("%d/%s", a.ID, u.UserID),
				BaseXP:   a.RewardXP,
				Name:     a.Name,
			})
			if err != nil {
				return err
			}
			won = true
			return nil
		})
	})
	if errors.Is(err, store.ErrConflict) {
		return false, res, nil
	}
	return won, res, err
}
