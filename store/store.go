// Package store is the persistence gateway of the engine. Every durable
// read and write goes through the interfaces declared here; uniqueness and
// compare-and-set guarantees are enforced by the database, never by
// check-then-insert.
package store

import (
	"context"
	"time"

	"github.com/kasuganosora/engagement/model"
)

// CounterStore persists activity counters.
type CounterStore interface {
	// ReadCounter returns the counter value, or 0 when the row is absent.
	ReadCounter(ctx context.Context, key model.CounterKey) (int64, error)
	ReadCounters(ctx context.Context, guildID, userID string) ([]model.ActivityCounter, error)
	// UpsertCounterBatch adds every delta atomically and returns the new
	// absolute values in input order.
	UpsertCounterBatch(ctx context.Context, deltas []model.CounterDelta) ([]model.CounterUpdate, error)
	ResetCounter(ctx context.Context, key model.CounterKey) error
	ReadCounterValues(ctx context.Context, guildID string, ct model.CounterType, userIDs []string) (map[string]int64, error)
	EligibleUsers(ctx context.Context, guildID string, since time.Time) ([]string, error)
	ListGuilds(ctx context.Context) ([]string, error)
}

// DefinitionStore persists quest definitions.
type DefinitionStore interface {
	// ReadDefinitions returns the active definitions of a guild that track ct.
	ReadDefinitions(ctx context.Context, guildID string, ct model.CounterType) ([]model.QuestDefinition, error)
	ActiveDefinitions(ctx context.Context, guildID string) ([]model.QuestDefinition, error)
	ListDefinitions(ctx context.Context, guildID string) ([]model.QuestDefinition, error)
	ReadDefinition(ctx context.Context, id int64) (*model.QuestDefinition, error)
	CreateDefinition(ctx context.Context, q *model.QuestDefinition) error
	// CreateGeneratedDefinition inserts a template-generated definition unless
	// one already exists for the same guild, template and cycle.
	CreateGeneratedDefinition(ctx context.Context, q *model.QuestDefinition) (bool, error)
	SetDefinitionActive(ctx context.Context, id int64, active bool) error
	// DeactivateStaleGenerated deactivates generated definitions of the given
	// refresh cycle whose generated cycle differs from current.
	DeactivateStaleGenerated(ctx context.Context, guildID string, refresh model.RefreshCycle, current string) ([]int64, error)
}

// InstanceStore persists per-user quest instances.
type InstanceStore interface {
	// ReadOrCreateInstance inserts inst unless an instance with the same key
	// exists, and returns the stored row. created is true for the winner.
	ReadOrCreateInstance(ctx context.Context, inst *model.QuestInstance) (stored *model.QuestInstance, created bool, err error)
	ReadInstance(ctx context.Context, key model.InstanceKey) (*model.QuestInstance, error)
	// CreateInstances bulk-inserts, skipping keys that already exist.
	CreateInstances(ctx context.Context, insts []model.QuestInstance, batch int) (int64, error)
	// AdvanceProgress raises progress fields; it never lowers them.
	AdvanceProgress(ctx context.Context, id int64, absolute, specific int64) (bool, error)
	// CASCompleteInstance flips completed false -> true. Only one caller
	// observes true for a given instance.
	CASCompleteInstance(ctx context.Context, id int64, at time.Time) (bool, error)
	UserInstances(ctx context.Context, guildID, userID string, activeOnly bool) ([]model.QuestInstance, error)
	// ExpireInstances expires the active instances of questID outside
	// keepCycle and returns the users that held them.
	ExpireInstances(ctx context.Context, guildID string, questID int64, keepCycle string) ([]string, int64, error)
	ExpireDefinitionInstances(ctx context.Context, guildID string, questIDs []int64) ([]string, int64, error)
	LastCompletion(ctx context.Context, guildID, userID string, qt model.QuestType) (*time.Time, error)
}

// AchievementStore persists achievement definitions and earned rows.
type AchievementStore interface {
	ReadAchievements(ctx context.Context, guildID string, ct model.CounterType) ([]model.AchievementDefinition, error)
	GuildAchievements(ctx context.Context, guildID string) ([]model.AchievementDefinition, error)
	CreateAchievement(ctx context.Context, a *model.AchievementDefinition) error
	// InsertAchievementIfAbsent reports whether this call created the row.
	InsertAchievementIfAbsent(ctx context.Context, ua *model.UserAchievement) (bool, error)
	EarnedAchievementIDs(ctx context.Context, guildID, userID string) ([]int64, error)
	UserAchievements(ctx context.Context, guildID, userID string) ([]model.UserAchievement, error)
	DeleteUserAchievement(ctx context.Context, guildID, userID string, achievementID int64) error
}

// LedgerStore persists reward grants and XP.
type LedgerStore interface {
	// InsertGrantIfAbsent reports whether this call recorded the grant.
	InsertGrantIfAbsent(ctx context.Context, g *model.RewardGrant) (bool, error)
	// ApplyXPGrant adds amount to the user's lifetime XP and returns the
	// totals before and after.
	ApplyXPGrant(ctx context.Context, guildID, userID string, amount int64) (before, after int64, err error)
	SetLevel(ctx context.Context, guildID, userID string, level int) error
	ReadUserLevel(ctx context.Context, guildID, userID string) (*model.UserLevel, error)
	TopLevels(ctx context.Context, guildID string, limit int) ([]model.UserLevel, error)
}

// ConfigStore persists per-guild settings.
type ConfigStore interface {
	ReadServerConfig(ctx context.Context, guildID string) (*model.ServerConfig, error)
	UpsertServerConfig(ctx context.Context, sc *model.ServerConfig) error
}

// CycleStore persists the per definition-cycle state machine.
type CycleStore interface {
	// UpsertCycle creates the cycle row in Pending state or returns the existing one.
	UpsertCycle(ctx context.Context, c *model.QuestCycle) (*model.QuestCycle, error)
	ActivateCycle(ctx context.Context, id int64, cohort int) (bool, error)
	ExpireCycles(ctx context.Context, guildID string, questID int64, keepCycle string) (int64, error)
	ExpireDefinitionCycles(ctx context.Context, guildID string, questIDs []int64) (int64, error)
	ListCycles(ctx context.Context, guildID string) ([]model.QuestCycle, error)
}

// BoostStore persists time-windowed XP boost events.
type BoostStore interface {
	CreateBoost(ctx context.Context, b *model.BoostEvent) error
	ListBoosts(ctx context.Context, guildID string) ([]model.BoostEvent, error)
	DeleteBoost(ctx context.Context, guildID string, id int64) error
	ActiveBoost(ctx context.Context, guildID string, at time.Time) (float64, error)
}

// Store is the full persistence gateway.
type Store interface {
	CounterStore
	DefinitionStore
	InstanceStore
	AchievementStore
	LedgerStore
	ConfigStore
	CycleStore
	BoostStore

	// InTx runs fn in one transaction. The Store passed to fn is bound to the
	// transaction; it is rolled back when fn returns an error or panics.
	InTx(ctx context.Context, fn func(tx Store) error) error
	Ping(ctx context.Context) error
}
