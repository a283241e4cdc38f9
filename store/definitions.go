package store

import (
	"context"

	"github.com/kasuganosora/engagement/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *GormStore) ReadDefinitions(ctx context.Context, guildID string, ct model.CounterType) ([]model.QuestDefinition, error) {
	var defs []model.QuestDefinition
	err := s.db.WithContext(ctx).
		Where("guild_id = ? AND active = ? AND requirement_type = ?", guildID, true, ct).
		Order("id").
		Find(&defs).Error
	return defs, classify("read definitions", err)
}

func (s *GormStore) ActiveDefinitions(ctx context.Context, guildID string) ([]model.QuestDefinition, error) {
	var defs []model.QuestDefinition
	err := s.db.WithContext(ctx).
		Where("guild_id = ? AND active = ?", guildID, true).
		Order("id").
		Find(&defs).Error
	return defs, classify("active definitions", err)
}

func (s *GormStore) ListDefinitions(ctx context.Context, guildID string) ([]model.QuestDefinition, error) {
	var defs []model.QuestDefinition
	err := s.db.WithContext(ctx).Where("guild_id = ?", guildID).Order("id").Find(&defs).Error
	return defs, classify("list definitions", err)
}

func (s *GormStore) ReadDefinition(ctx context.Context, id int64) (*model.QuestDefinition, error) {
	var def model.QuestDefinition
	if err := s.db.WithContext(ctx).Take(&def, id).Error; err != nil {
		return nil, classify("read definition", err)
	}
	return &def, nil
}

func (s *GormStore) CreateDefinition(ctx context.Context, q *model.QuestDefinition) error {
	return classify("create definition", s.db.WithContext(ctx).Create(q).Error)
}

func (s *GormStore) CreateGeneratedDefinition(ctx context.Context, q *model.QuestDefinition) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(q)
	if res.Error != nil {
		return false, classify("create generated definition", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	var existing model.QuestDefinition
	err := s.db.WithContext(ctx).
		Where("guild_id = ? AND template_key = ? AND generated_cycle = ?", q.GuildID, q.TemplateKey, q.GeneratedCycle).
		Take(&existing).Error
	if err != nil {
		return false, classify("create generated definition", err)
	}
	*q = existing
	return false, nil
}

func (s *GormStore) SetDefinitionActive(ctx context.Context, id int64, active bool) error {
	res := s.db.WithContext(ctx).Model(&model.QuestDefinition{}).Where("id = ?", id).Update("active", active)
	if res.Error != nil {
		return classify("set definition active", res.Error)
	}
	if res.RowsAffected == 0 {
		// mysql reports changed rows; tell a no-op update from a missing row.
		var n int64
		if err := s.db.WithContext(ctx).Model(&model.QuestDefinition{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return classify("set definition active", err)
		}
		if n == 0 {
			return classify("set definition active", gorm.ErrRecordNotFound)
		}
	}
	return nil
}

func (s *GormStore) DeactivateStaleGenerated(ctx context.Context, guildID string, refresh model.RefreshCycle, current string) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&model.QuestDefinition{}).
		Where("guild_id = ? AND refresh_cycle = ? AND active = ? AND template_key IS NOT NULL AND generated_cycle <> ?",
			guildID, refresh, true, current).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, classify("stale generated definitions", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	err = s.db.WithContext(ctx).Model(&model.QuestDefinition{}).
		Where("id IN ?", ids).
		Update("active", false).Error
	if err != nil {
		return nil, classify("deactivate definitions", err)
	}
	return ids, nil
}
