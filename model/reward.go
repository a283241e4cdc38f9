package model

import "time"

// RewardSource names what produced a reward grant.
type RewardSource string

const (
	SourceQuest       RewardSource = "quest"
	SourceAchievement RewardSource = "achievement"
	SourceAdmin       RewardSource = "admin"
	SourceActivity    RewardSource = "activity"
)

// RewardGrant is the ledger row that makes a grant idempotent per (source, source_id).
type RewardGrant struct {
	ID         string       `gorm:"primaryKey;size:36" json:"id"`
	GuildID    string       `gorm:"size:32;not null;index:idx_grant_user,priority:1" json:"guild_id"`
	UserID     string       `gorm:"size:32;not null;index:idx_grant_user,priority:2" json:"user_id"`
	Source     RewardSource `gorm:"size:16;not null;uniqueIndex:uq_grant_source,priority:1" json:"source"`
	SourceID   string       `gorm:"size:128;not null;uniqueIndex:uq_grant_source,priority:2" json:"source_id"`
	BaseXP     int64        `gorm:"not null" json:"base_xp"`
	Multiplier float64      `gorm:"not null;default:1" json:"multiplier"`
	XPRate     float64      `gorm:"not null;default:1" json:"xp_rate"`
	Boost      float64      `gorm:"not null;default:1" json:"boost"`
	Amount     int64        `gorm:"not null" json:"amount"`
	GrantedAt  time.Time    `gorm:"not null" json:"granted_at"`
}

// UserLevel is the XP ledger of one user in one guild. XP is the lifetime total.
type UserLevel struct {
	GuildID   string    `gorm:"primaryKey;size:32;index:idx_level_guild_xp,priority:1" json:"guild_id"`
	UserID    string    `gorm:"primaryKey;size:32" json:"user_id"`
	XP        int64     `gorm:"not null;default:0;index:idx_level_guild_xp,priority:2" json:"xp"`
	Level     int       `gorm:"not null;default:1" json:"level"`
	UpdatedAt time.Time `json:"updated_at"`
}
