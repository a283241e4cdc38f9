package store

import (
	"context"
	"time"

	"github.com/kasuganosora/engagement/model"
)

func (s *GormStore) CreateBoost(ctx context.Context, b *model.BoostEvent) error {
	b.StartsAt, b.EndsAt = b.StartsAt.UTC(), b.EndsAt.UTC()
	return classify("create boost", s.db.WithContext(ctx).Create(b).Error)
}

// ListBoosts returns a guild's boost events ordered by start.
func (s *GormStore) ListBoosts(ctx context.Context, guildID string) ([]model.BoostEvent, error) {
	var out []model.BoostEvent
	err := s.db.WithContext(ctx).Where("guild_id = ?", guildID).Order("starts_at").Order("id").Find(&out).Error
	return out, classify("list boosts", err)
}

func (s *GormStore) DeleteBoost(ctx context.Context, guildID string, id int64) error {
	res := s.db.WithContext(ctx).Where("guild_id = ? AND id = ?", guildID, id).Delete(&model.BoostEvent{})
	if res.Error != nil {
		return classify("delete boost", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveBoost returns the highest multiplier of the boosts covering at, or
// 1 when none does. Windows are compared in Go so every driver agrees on
// time semantics.
func (s *GormStore) ActiveBoost(ctx context.Context, guildID string, at time.Time) (float64, error) {
	boosts, err := s.ListBoosts(ctx, guildID)
	if err != nil {
		return 1, err
	}
	best := 1.0
	for i := range boosts {
		if boosts[i].ActiveAt(at) {
			best = max(best, boosts[i].Multiplier)
		}
	}
	return best, nil
}
