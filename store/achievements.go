package store

import (
	"context"

	"github.com/kasuganosora/engagement/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *GormStore) ReadAchievements(ctx context.Context, guildID string, ct model.CounterType) ([]model.AchievementDefinition, error) {
	var defs []model.AchievementDefinition
	err := s.db.WithContext(ctx).
		Where("guild_id = ? AND requirement_type = ?", guildID, ct).
		Order("requirement_value").Order("id").
		Find(&defs).Error
	return defs, classify("read achievements", err)
}

func (s *GormStore) GuildAchievements(ctx context.Context, guildID string) ([]model.AchievementDefinition, error) {
	var defs []model.AchievementDefinition
	err := s.db.WithContext(ctx).Where("guild_id = ?", guildID).Order("id").Find(&defs).Error
	return defs, classify("guild achievements", err)
}

func (s *GormStore) CreateAchievement(ctx context.Context, a *model.AchievementDefinition) error {
	return classify("create achievement", s.db.WithContext(ctx).Create(a).Error)
}

func (s *GormStore) InsertAchievementIfAbsent(ctx context.Context, ua *model.UserAchievement) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(ua)
	if res.Error != nil {
		return false, classify("insert user achievement", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) EarnedAchievementIDs(ctx context.Context, guildID, userID string) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&model.UserAchievement{}).
		Where("guild_id = ? AND user_id = ?", guildID, userID).
		Order("achievement_id").
		Pluck("achievement_id", &ids).Error
	return ids, classify("earned achievements", err)
}

func (s *GormStore) UserAchievements(ctx context.Context, guildID, userID string) ([]model.UserAchievement, error) {
	var out []model.UserAchievement
	err := s.db.WithContext(ctx).
		Where("guild_id = ? AND user_id = ?", guildID, userID).
		Order("earned_at").Order("id").
		Find(&out).Error
	return out, classify("user achievements", err)
}

// DeleteUserAchievement is an administrative revoke.
func (s *GormStore) DeleteUserAchievement(ctx context.Context, guildID, userID string, achievementID int64) error {
	res := s.db.WithContext(ctx).
		Where("guild_id = ? AND user_id = ? AND achievement_id = ?", guildID, userID, achievementID).
		Delete(&model.UserAchievement{})
	if res.Error != nil {
		return classify("delete user achievement", res.Error)
	}
	if res.RowsAffected == 0 {
		return classify("delete user achievement", gorm.ErrRecordNotFound)
	}
	return nil
}
