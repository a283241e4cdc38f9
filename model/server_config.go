package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// ServerConfig holds per-guild settings. Missing rows read as configured defaults.
type ServerConfig struct {
	GuildID            string         `gorm:"primaryKey;size:32" json:"guild_id"`
	QuestResetHour     int            `gorm:"not null" json:"quest_reset_hour"`
	QuestResetWeekday  int            `gorm:"not null" json:"quest_reset_weekday"`
	XPRate             float64        `gorm:"not null;default:1" json:"xp_rate"`
	LevelUpChannel     string         `gorm:"size:32" json:"level_up_channel"`
	QuestChannel       string         `gorm:"size:32" json:"quest_channel"`
	AchievementChannel string         `gorm:"size:32" json:"achievement_channel"`
	QuestCooldowns     datatypes.JSON `json:"quest_cooldowns"` // {"daily": 60, ...} seconds
	AutoGenerateQuests bool           `gorm:"not null" json:"auto_generate_quests"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// ResetWeekday returns the configured weekly reset day.
func (sc *ServerConfig) ResetWeekday() time.Weekday {
	if sc.QuestResetWeekday < 0 || sc.QuestResetWeekday > 6 {
		return time.Monday
	}
	return time.Weekday(sc.QuestResetWeekday)
}

// ResetHour returns the configured reset hour clamped to 0-23.
func (sc *ServerConfig) ResetHour() int {
	if sc.QuestResetHour < 0 || sc.QuestResetHour > 23 {
		return 0
	}
	return sc.QuestResetHour
}

// Rate returns the server XP rate, treating non-positive values as 1.
func (sc *ServerConfig) Rate() float64 {
	if sc.XPRate <= 0 {
		return 1
	}
	return sc.XPRate
}

// Cooldown returns the completion cooldown configured for a quest type.
func (sc *ServerConfig) Cooldown(qt QuestType) time.Duration {
	if len(sc.QuestCooldowns) == 0 {
		return 0
	}
	var m map[string]int64
	if err := json.Unmarshal(sc.QuestCooldowns, &m); err != nil {
		return 0
	}
	return time.Duration(m[string(qt)]) * time.Second
}
