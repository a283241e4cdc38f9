package model

import (
	"errors"
	"fmt"
	"time"
)

// QuestType categorises a quest definition.
type QuestType string

const (
	QuestDaily     QuestType = "daily"
	QuestWeekly    QuestType = "weekly"
	QuestSpecial   QuestType = "special"
	QuestEvent     QuestType = "event"
	QuestChallenge QuestType = "challenge"
)

func (qt QuestType) Valid() bool {
	switch qt {
	case QuestDaily, QuestWeekly, QuestSpecial, QuestEvent, QuestChallenge:
		return true
	}
	return false
}

// Difficulty is a display hint carried by quest definitions.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyNormal Difficulty = "normal"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
	DifficultyExpert Difficulty = "expert"
)

// RefreshCycle is the window during which one quest instance stays valid.
type RefreshCycle string

const (
	CycleDaily   RefreshCycle = "daily"
	CycleWeekly  RefreshCycle = "weekly"
	CycleMonthly RefreshCycle = "monthly"
	CycleOnce    RefreshCycle = "once"
)

// Valid reports whether rc is a known refresh cycle.
func (rc RefreshCycle) Valid() bool {
	switch rc {
	case CycleDaily, CycleWeekly, CycleMonthly, CycleOnce:
		return true
	}
	return false
}

// InstanceStatus is the lifecycle state of a user quest instance.
type InstanceStatus string

const (
	InstanceActive  InstanceStatus = "active"
	InstanceExpired InstanceStatus = "expired"
)

// CycleStatus is the state of one definition-cycle pairing.
type CycleStatus string

const (
	CyclePending CycleStatus = "pending"
	CycleActive  CycleStatus = "active"
	CycleExpired CycleStatus = "expired"
)

// QuestDefinition is an immutable quest template owned by a guild.
// Rows generated by the lifecycle scheduler carry TemplateKey and GeneratedCycle.
type QuestDefinition struct {
	ID               int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	GuildID          string       `gorm:"size:32;not null;index:idx_quest_guild_active,priority:1;uniqueIndex:uq_quest_template,priority:1" json:"guild_id"`
	Name             string       `gorm:"size:100;not null" json:"name"`
	Description      string       `gorm:"type:text" json:"description"`
	QuestType        QuestType    `gorm:"size:16;not null" json:"quest_type"`
	RequirementType  CounterType  `gorm:"size:32;not null" json:"requirement_type"`
	RequirementValue int64        `gorm:"not null" json:"requirement_value"`
	RewardXP         int64        `gorm:"not null;default:0" json:"reward_xp"`
	RewardMultiplier float64      `gorm:"not null;default:1" json:"reward_multiplier"`
	Difficulty       Difficulty   `gorm:"size:16;default:normal" json:"difficulty"`
	RefreshCycle     RefreshCycle `gorm:"size:16;not null" json:"refresh_cycle"`
	Active           bool         `gorm:"not null;index:idx_quest_guild_active,priority:2" json:"active"`
	TemplateKey      *string      `gorm:"size:64;uniqueIndex:uq_quest_template,priority:2" json:"template_key,omitempty"`
	GeneratedCycle   *string      `gorm:"size:16;uniqueIndex:uq_quest_template,priority:3" json:"generated_cycle,omitempty"`
	CreatedAt        time.Time    `gorm:"autoCreateTime" json:"created_at"`
}

// Multiplier returns the reward multiplier, treating non-positive values as 1.
func (q *QuestDefinition) Multiplier() float64 {
	if q.RewardMultiplier <= 0 {
		return 1
	}
	return q.RewardMultiplier
}

// Generated reports whether the definition was created from a template pool.
func (q *QuestDefinition) Generated() bool {
	return q.TemplateKey != nil && q.GeneratedCycle != nil
}

// Validate checks the fields evaluation depends on.
func (q *QuestDefinition) Validate() error {
	var errs []error
	if q.GuildID == "" {
		errs = append(errs, errors.New("guild_id is empty"))
	}
	if !q.RequirementType.Valid() {
		errs = append(errs, fmt.Errorf("requirement_type %q unknown", q.RequirementType))
	}
	if q.RequirementValue <= 0 {
		errs = append(errs, fmt.Errorf("requirement_value %d must be positive", q.RequirementValue))
	}
	if q.RewardXP < 0 {
		errs = append(errs, fmt.Errorf("reward_xp %d is negative", q.RewardXP))
	}
	if !q.RefreshCycle.Valid() {
		errs = append(errs, fmt.Errorf("refresh_cycle %q unknown", q.RefreshCycle))
	}
	return errors.Join(errs...)
}

// QuestInstance is one user's progress on a quest definition for one cycle.
type QuestInstance struct {
	ID                    int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	GuildID               string         `gorm:"size:32;not null;uniqueIndex:uq_user_quest_cycle,priority:1;index:idx_user_quest_status,priority:1" json:"guild_id"`
	UserID                string         `gorm:"size:32;not null;uniqueIndex:uq_user_quest_cycle,priority:2;index:idx_user_quest_status,priority:2" json:"user_id"`
	QuestID               int64          `gorm:"not null;uniqueIndex:uq_user_quest_cycle,priority:3;index:idx_user_quest_def" json:"quest_id"`
	Cycle                 string         `gorm:"size:16;not null;uniqueIndex:uq_user_quest_cycle,priority:4" json:"cycle"`
	Baseline              int64          `gorm:"not null;default:0" json:"baseline"`
	Progress              int64          `gorm:"not null;default:0" json:"progress"`
	QuestSpecificProgress int64          `gorm:"not null;default:0" json:"quest_specific_progress"`
	Completed             bool           `gorm:"not null" json:"completed"`
	CompletedAt           *time.Time     `json:"completed_at,omitempty"`
	Status                InstanceStatus `gorm:"size:16;not null;default:active;index:idx_user_quest_status,priority:3" json:"status"`
	AssignedAt            time.Time      `gorm:"autoCreateTime" json:"assigned_at"`
	ExpiresAt             *time.Time     `json:"expires_at,omitempty"`
}

func (QuestInstance) TableName() string { return "user_quests" }

// InstanceKey identifies the single instance allowed per user, quest and cycle.
type InstanceKey struct {
	GuildID string
	UserID  string
	QuestID int64
	Cycle   string
}

// Key returns the identity of the instance.
func (qi *QuestInstance) Key() InstanceKey {
	return InstanceKey{GuildID: qi.GuildID, UserID: qi.UserID, QuestID: qi.QuestID, Cycle: qi.Cycle}
}

// QuestCycle records the Pending -> Active -> Expired state of one definition-cycle.
type QuestCycle struct {
	ID         int64       `gorm:"primaryKey;autoIncrement" json:"id"`
	GuildID    string      `gorm:"size:32;not null;uniqueIndex:uq_quest_cycle,priority:1" json:"guild_id"`
	QuestID    int64       `gorm:"not null;uniqueIndex:uq_quest_cycle,priority:2" json:"quest_id"`
	Cycle      string      `gorm:"size:16;not null;uniqueIndex:uq_quest_cycle,priority:3" json:"cycle"`
	Status     CycleStatus `gorm:"size:16;not null;index" json:"status"`
	StartsAt   time.Time   `json:"starts_at"`
	EndsAt     *time.Time  `json:"ends_at,omitempty"`
	CohortSize int         `gorm:"default:0" json:"cohort_size"`
	UpdatedAt  time.Time   `json:"updated_at"`
}
