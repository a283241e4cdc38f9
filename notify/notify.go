// Package notify delivers engine events to the notification collaborator.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/kasuganosora/engagement/cache"
	"go.uber.org/zap"
)

// Kind names an engine event.
type Kind string

const (
	KindQuestCompleted    Kind = "quest_completed"
	KindAchievementEarned Kind = "achievement_earned"
	KindLevelUp           Kind = "level_up"
)

// Event is the payload published for every notification. Fields not
// relevant to the Kind are left zero.
type Event struct {
	Kind          Kind      `json:"kind"`
	GuildID       string    `json:"guild_id"`
	UserID        string    `json:"user_id"`
	Channel       string    `json:"channel,omitempty"`
	QuestID       int64     `json:"quest_id,omitempty"`
	AchievementID int64     `json:"achievement_id,omitempty"`
	Name          string    `json:"name,omitempty"`
	XP            int64     `json:"xp,omitempty"`
	OldLevel      int       `json:"old_level,omitempty"`
	NewLevel      int       `json:"new_level,omitempty"`
	At            time.Time `json:"at"`
}

// Notifier receives completion, achievement and level-up events. Calls
// happen after the owning transaction committed; a failure never undoes it.
type Notifier interface {
	OnQuestCompleted(ctx context.Context, e Event) error
	OnAchievementEarned(ctx context.Context, e Event) error
	OnLevelUp(ctx context.Context, e Event) error
}

// Topic returns the pub/sub channel carrying a guild's events.
func Topic(guildID string) string { return "eng:events:" + guildID }

// AllTopic carries every guild's events.
const AllTopic = "eng:events:*all"

// Publisher publishes events as JSON on the cache pub/sub.
type Publisher struct {
	ps     cache.PubSub
	logger *zap.Logger
}

func NewPublisher(ps cache.PubSub, logger *zap.Logger) *Publisher {
	return &Publisher{ps: ps, logger: logger}
}

func (p *Publisher) OnQuestCompleted(ctx context.Context, e Event) error {
	e.Kind = KindQuestCompleted
	return p.publish(ctx, e)
}

func (p *Publisher) OnAchievementEarned(ctx context.Context, e Event) error {
	e.Kind = KindAchievementEarned
	return p.publish(ctx, e)
}

func (p *Publisher) OnLevelUp(ctx context.Context, e Event) error {
	e.Kind = KindLevelUp
	return p.publish(ctx, e)
}

func (p *Publisher) publish(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	errGuild := p.ps.Publish(ctx, Topic(e.GuildID), string(data))
	errAll := p.ps.Publish(ctx, AllTopic, string(data))
	if err := errors.Join(errGuild, errAll); err != nil {
		p.logger.Warn("publish event failed",
			zap.String("kind", string(e.Kind)),
			zap.String("guild", e.GuildID),
			zap.Error(err))
		return err
	}
	return nil
}

// Fanout delivers each event to every notifier and joins their errors.
type Fanout []Notifier

func (f Fanout) OnQuestCompleted(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range f {
		errs = append(errs, n.OnQuestCompleted(ctx, e))
	}
	return errors.Join(errs...)
}

func (f Fanout) OnAchievementEarned(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range f {
		errs = append(errs, n.OnAchievementEarned(ctx, e))
	}
	return errors.Join(errs...)
}

func (f Fanout) OnLevelUp(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range f {
		errs = append(errs, n.OnLevelUp(ctx, e))
	}
	return errors.Join(errs...)
}

// Nop discards every event.
type Nop struct{}

func (Nop) OnQuestCompleted(context.Context, Event) error { return nil }
func (Nop) OnAchievementEarned(context.Context, Event) error { return nil }
func (Nop) OnLevelUp(context.Context, Event) error { return nil }

// Decode parses a published event payload.
func Decode(payload string) (Event, error) {
	var e Event
	err := json.Unmarshal([]byte(payload), &e)
	return e, err
}
