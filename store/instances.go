package store

import (
	"context"
	"time"

	"github.com/kasuganosora/engagement/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func instanceWhere(db *gorm.DB, k model.InstanceKey) *gorm.DB {
	return db.Where("guild_id = ? AND user_id = ? AND quest_id = ? AND cycle = ?", k.GuildID, k.UserID, k.QuestID, k.Cycle)
}

func (s *GormStore) ReadOrCreateInstance(ctx context.Context, inst *model.QuestInstance) (*model.QuestInstance, bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(inst)
	if res.Error != nil {
		return nil, false, classify("create instance", res.Error)
	}
	if res.RowsAffected == 1 {
		return inst, true, nil
	}
	stored, err := s.ReadInstance(ctx, inst.Key())
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

func (s *GormStore) ReadInstance(ctx context.Context, key model.InstanceKey) (*model.QuestInstance, error) {
	var inst model.QuestInstance
	if err := instanceWhere(s.db.WithContext(ctx), key).Take(&inst).Error; err != nil {
		return nil, classify("read instance", err)
	}
	return &inst, nil
}

func (s *GormStore) CreateInstances(ctx context.Context, insts []model.QuestInstance, batch int) (int64, error) {
	if len(insts) == 0 {
		return 0, nil
	}
	if batch <= 0 {
		batch = 200
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&insts, batch)
	return res.RowsAffected, classify("create instances", res.Error)
}

func (s *GormStore) AdvanceProgress(ctx context.Context, id int64, absolute, specific int64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.QuestInstance{}).
		Where("id = ? AND status = ? AND (quest_specific_progress < ? OR progress < ?)", id, model.InstanceActive, specific, absolute).
		Updates(map[string]any{
			"progress":                gorm.Expr("CASE WHEN progress < ? THEN ? ELSE progress END", absolute, absolute),
			"quest_specific_progress": gorm.Expr("CASE WHEN quest_specific_progress < ? THEN ? ELSE quest_specific_progress END", specific, specific),
		})
	if res.Error != nil {
		return false, classify("advance progress", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) CASCompleteInstance(ctx context.Context, id int64, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.QuestInstance{}).
		Where("id = ? AND completed = ?", id, false).
		Updates(map[string]any{"completed": true, "completed_at": at})
	if res.Error != nil {
		return false, classify("complete instance", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) UserInstances(ctx context.Context, guildID, userID string, activeOnly bool) ([]model.QuestInstance, error) {
	q := s.db.WithContext(ctx).Where("guild_id = ? AND user_id = ?", guildID, userID)
	if activeOnly {
		q = q.Where("status = ?", model.InstanceActive)
	}
	var out []model.QuestInstance
	err := q.Order("quest_id").Order("cycle").Find(&out).Error
	return out, classify("user instances", err)
}

func (s *GormStore) ExpireInstances(ctx context.Context, guildID string, questID int64, keepCycle string) ([]string, int64, error) {
	return s.expire(ctx, "expire instances", func(db *gorm.DB) *gorm.DB {
		return db.Where("guild_id = ? AND quest_id = ? AND cycle <> ? AND status = ?", guildID, questID, keepCycle, model.InstanceActive)
	})
}

func (s *GormStore) ExpireDefinitionInstances(ctx context.Context, guildID string, questIDs []int64) ([]string, int64, error) {
	if len(questIDs) == 0 {
		return nil, 0, nil
	}
	return s.expire(ctx, "expire definition instances", func(db *gorm.DB) *gorm.DB {
		return db.Where("guild_id = ? AND quest_id IN ? AND status = ?", guildID, questIDs, model.InstanceActive)
	})
}

// expire marks the instances selected by scope expired and returns the
// distinct users that held them.
func (s *GormStore) expire(ctx context.Context, op string, scope func(*gorm.DB) *gorm.DB) ([]string, int64, error) {
	var users []string
	var n int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := scope(tx.Model(&model.QuestInstance{})).Distinct("user_id").Pluck("user_id", &users).Error; err != nil {
			return err
		}
		if len(users) == 0 {
			return nil
		}
		res := scope(tx.Model(&model.QuestInstance{})).Update("status", model.InstanceExpired)
		n = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return nil, 0, classify(op, err)
	}
	return users, n, nil
}

// LastCompletion returns when the user last completed a quest of type qt,
// or nil when they never did.
func (s *GormStore) LastCompletion(ctx context.Context, guildID, userID string, qt model.QuestType) (*time.Time, error) {
	var inst model.QuestInstance
	err := s.db.WithContext(ctx).
		Joins("JOIN quest_definitions ON quest_definitions.id = user_quests.quest_id").
		Where("user_quests.guild_id = ? AND user_quests.user_id = ? AND user_quests.completed = ? AND quest_definitions.quest_type = ?",
			guildID, userID, true, qt).
		Order("user_quests.completed_at DESC").
		Take(&inst).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, classify("last completion", err)
	}
	return inst.CompletedAt, nil
}
