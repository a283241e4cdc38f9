package model

import (
	"errors"
	"fmt"
	"time"
)

// MaxBoostMultiplier caps an XP boost event.
const MaxBoostMultiplier = 10

// BoostEvent multiplies XP earned in a guild between StartsAt and EndsAt.
// When several overlap, the highest multiplier wins.
type BoostEvent struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	GuildID    string    `gorm:"size:32;not null;index:idx_boost_window,priority:1" json:"guild_id"`
	Name       string    `gorm:"size:100;not null" json:"name"`
	Multiplier float64   `gorm:"not null;default:1" json:"multiplier"`
	StartsAt   time.Time `gorm:"not null;index:idx_boost_window,priority:2" json:"starts_at"`
	EndsAt     time.Time `gorm:"not null" json:"ends_at"`
	CreatedBy  string    `gorm:"size:64" json:"created_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (BoostEvent) TableName() string { return "boost_events" }

// ActiveAt reports whether the boost covers t. Both bounds are inclusive.
func (b *BoostEvent) ActiveAt(t time.Time) bool {
	return !t.Before(b.StartsAt) && !t.After(b.EndsAt)
}

func (b *BoostEvent) Validate() error {
	var errs []error
	if b.GuildID == "" {
		errs = append(errs, errors.New("guild_id is empty"))
	}
	if b.Name == "" {
		errs = append(errs, errors.New("name is empty"))
	}
	if b.Multiplier < 1 || b.Multiplier > MaxBoostMultiplier {
		errs = append(errs, fmt.Errorf("multiplier %g must be between 1 and %d", b.Multiplier, MaxBoostMultiplier))
	}
	if !b.EndsAt.After(b.StartsAt) {
		errs = append(errs, errors.New("ends_at must be after starts_at"))
	}
	return errors.Join(errs...)
}
