package store

import (
	"context"
	"time"

	"github.com/kasuganosora/engagement/model"
	"gorm.io/gorm/clause"
)

func (s *GormStore) ReadServerConfig(ctx context.Context, guildID string) (*model.ServerConfig, error) {
	var sc model.ServerConfig
	if err := s.db.WithContext(ctx).Where("guild_id = ?", guildID).Take(&sc).Error; err != nil {
		return nil, classify("read server config", err)
	}
	return &sc, nil
}

func (s *GormStore) UpsertServerConfig(ctx context.Context, sc *model.ServerConfig) error {
	sc.UpdatedAt = time.Now()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "guild_id"}},
		UpdateAll: true,
	}).Create(sc).Error
	return classify("upsert server config", err)
}

func (s *GormStore) UpsertCycle(ctx context.Context, c *model.QuestCycle) (*model.QuestCycle, error) {
	if c.Status == "" {
		c.Status = model.CyclePending
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(c)
	if res.Error != nil {
		return nil, classify("upsert cycle", res.Error)
	}
	if res.RowsAffected == 1 {
		return c, nil
	}
	var existing model.QuestCycle
	err := s.db.WithContext(ctx).
		Where("guild_id = ? AND quest_id = ? AND cycle = ?", c.GuildID, c.QuestID, c.Cycle).
		Take(&existing).Error
	if err != nil {
		return nil, classify("upsert cycle", err)
	}
	return &existing, nil
}

// ActivateCycle moves a Pending cycle to Active. It reports false when the
// cycle had already left Pending.
func (s *GormStore) ActivateCycle(ctx context.Context, id int64, cohort int) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.QuestCycle{}).
		Where("id = ? AND status = ?", id, model.CyclePending).
		Updates(map[string]any{"status": model.CycleActive, "cohort_size": cohort, "updated_at": time.Now()})
	if res.Error != nil {
		return false, classify("activate cycle", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) ExpireCycles(ctx context.Context, guildID string, questID int64, keepCycle string) (int64, error) {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&model.QuestCycle{}).
		Where("guild_id = ? AND quest_id = ? AND cycle <> ? AND status <> ?", guildID, questID, keepCycle, model.CycleExpired).
		Updates(map[string]any{"status": model.CycleExpired, "ends_at": now, "updated_at": now})
	return res.RowsAffected, classify("expire cycles", res.Error)
}

func (s *GormStore) ExpireDefinitionCycles(ctx context.Context, guildID string, questIDs []int64) (int64, error) {
	if len(questIDs) == 0 {
		return 0, nil
	}
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&model.QuestCycle{}).
		Where("guild_id = ? AND quest_id IN ? AND status <> ?", guildID, questIDs, model.CycleExpired).
		Updates(map[string]any{"status": model.CycleExpired, "ends_at": now, "updated_at": now})
	return res.RowsAffected, classify("expire definition cycles", res.Error)
}

func (s *GormStore) ListCycles(ctx context.Context, guildID string) ([]model.QuestCycle, error) {
	var out []model.QuestCycle
	err := s.db.WithContext(ctx).Where("guild_id = ?", guildID).Order("quest_id").Order("cycle").Find(&out).Error
	return out, classify("list cycles", err)
}
