package model

import (
	"errors"
	"fmt"
	"time"
)

// AchievementDefinition is a permanent milestone over an absolute counter value.
type AchievementDefinition struct {
	ID               int64       `gorm:"primaryKey;autoIncrement" json:"id"`
	GuildID          string      `gorm:"size:32;not null;index:idx_achievement_guild" json:"guild_id"`
	Name             string      `gorm:"size:100;not null" json:"name"`
	Description      string      `gorm:"type:text" json:"description"`
	RequirementType  CounterType `gorm:"size:32;not null" json:"requirement_type"`
	RequirementValue int64       `gorm:"not null" json:"requirement_value"`
	RewardXP         int64       `gorm:"not null;default:0" json:"reward_xp"`
	Badge            string      `gorm:"size:255" json:"badge"`
	CreatedAt        time.Time   `gorm:"autoCreateTime" json:"created_at"`
}

func (AchievementDefinition) TableName() string { return "achievements" }

// Validate checks the fields evaluation depends on.
func (a *AchievementDefinition) Validate() error {
	var errs []error
	if a.GuildID == "" {
		errs = append(errs, errors.New("guild_id is empty"))
	}
	if !a.RequirementType.Valid() {
		errs = append(errs, fmt.Errorf("requirement_type %q unknown", a.RequirementType))
	}
	if a.RequirementValue <= 0 {
		errs = append(errs, fmt.Errorf("requirement_value %d must be positive", a.RequirementValue))
	}
	if a.RewardXP < 0 {
		errs = append(errs, fmt.Errorf("reward_xp %d is negative", a.RewardXP))
	}
	return errors.Join(errs...)
}

// UserAchievement marks an achievement as earned. Rows are append-only.
type UserAchievement struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	GuildID       string    `gorm:"size:32;not null;uniqueIndex:uq_user_achievement,priority:1" json:"guild_id"`
	UserID        string    `gorm:"size:32;not null;uniqueIndex:uq_user_achievement,priority:2" json:"user_id"`
	AchievementID int64     `gorm:"not null;uniqueIndex:uq_user_achievement,priority:3" json:"achievement_id"`
	EarnedAt      time.Time `gorm:"not null" json:"earned_at"`
}
