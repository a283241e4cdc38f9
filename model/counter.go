package model

import (
	"fmt"
	"time"
)

// CounterType names a category of accumulated user activity.
type CounterType string

const (
	CounterMessages  CounterType = "total_messages"
	CounterReactions CounterType = "total_reactions"
	CounterVoiceTime CounterType = "voice_time_seconds"
	CounterCommands  CounterType = "commands_used"
)

// MaxIDLength is the longest guild or user id the id columns hold.
const MaxIDLength = 32

// CounterTypes lists every known counter type.
var CounterTypes = []CounterType{
	CounterMessages,
	CounterReactions,
	CounterVoiceTime,
	CounterCommands,
}

// Valid reports whether ct is one of the known counter types.
func (ct CounterType) Valid() bool {
	switch ct {
	case CounterMessages, CounterReactions, CounterVoiceTime, CounterCommands:
		return true
	}
	return false
}

// ParseCounterType converts a raw string into a CounterType.
func ParseCounterType(s string) (CounterType, error) {
	ct := CounterType(s)
	if !ct.Valid() {
		return "", fmt.Errorf("model: unknown counter type %q", s)
	}
	return ct, nil
}

// ActivityCounter is the running total of one activity category for a user.
type ActivityCounter struct {
	GuildID     string      `gorm:"primaryKey;size:32" json:"guild_id"`
	UserID      string      `gorm:"primaryKey;size:32" json:"user_id"`
	CounterType CounterType `gorm:"primaryKey;size:32" json:"counter_type"`
	Total       int64       `gorm:"not null;default:0" json:"total"`
	UpdatedAt   time.Time   `gorm:"index:idx_counter_updated" json:"updated_at"`
}

// CounterKey identifies one counter.
type CounterKey struct {
	GuildID     string
	UserID      string
	CounterType CounterType
}

func (k CounterKey) String() string {
	return k.GuildID + ":" + k.UserID + ":" + string(k.CounterType)
}

// CounterDelta is a pending increment for a counter.
type CounterDelta struct {
	CounterKey
	Delta int64
}

// CounterUpdate carries the absolute value of a counter after a flush.
// Previous is the value before the flushed delta was applied.
type CounterUpdate struct {
	CounterKey
	Value    int64
	Previous int64
}
