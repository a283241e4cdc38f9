package store

import (
	"context"
	"time"

	"github.com/kasuganosora/engagement/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *GormStore) InsertGrantIfAbsent(ctx context.Context, g *model.RewardGrant) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(g)
	if res.Error != nil {
		return false, classify("insert grant", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) ApplyXPGrant(ctx context.Context, guildID, userID string, amount int64) (int64, int64, error) {
	now := time.Now()
	row := model.UserLevel{GuildID: guildID, UserID: userID, XP: amount, Level: 1, UpdatedAt: now}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "guild_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"xp":         gorm.Expr("user_levels.xp + ?", amount),
			"updated_at": now,
		}),
	}).Create(&row).Error
	if err != nil {
		return 0, 0, classify("apply xp", err)
	}
	var cur model.UserLevel
	if err := s.db.WithContext(ctx).Where("guild_id = ? AND user_id = ?", guildID, userID).Take(&cur).Error; err != nil {
		return 0, 0, classify("apply xp", err)
	}
	return cur.XP - amount, cur.XP, nil
}

func (s *GormStore) SetLevel(ctx context.Context, guildID, userID string, level int) error {
	err := s.db.WithContext(ctx).Model(&model.UserLevel{}).
		Where("guild_id = ? AND user_id = ?", guildID, userID).
		Update("level", level).Error
	return classify("set level", err)
}

// ReadUserLevel returns the user's ledger row, or a zero-XP level 1 row
// when the user has never been granted anything.
func (s *GormStore) ReadUserLevel(ctx context.Context, guildID, userID string) (*model.UserLevel, error) {
	var lvl model.UserLevel
	err := s.db.WithContext(ctx).Where("guild_id = ? AND user_id = ?", guildID, userID).Take(&lvl).Error
	if err == gorm.ErrRecordNotFound {
		return &model.UserLevel{GuildID: guildID, UserID: userID, Level: 1}, nil
	}
	if err != nil {
		return nil, classify("read user level", err)
	}
	return &lvl, nil
}

func (s *GormStore) TopLevels(ctx context.Context, guildID string, limit int) ([]model.UserLevel, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []model.UserLevel
	err := s.db.WithContext(ctx).
		Where("guild_id = ?", guildID).
		Order("xp DESC").Order("user_id").
		Limit(limit).
		Find(&out).Error
	return out, classify("top levels", err)
}
