package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kasuganosora/engagement/model"
	"github.com/kasuganosora/engagement/store"
	"github.com/kasuganosora/engagement/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *store.GormStore {
	t.Helper()
	return store.NewGormStore(testutil.SetupTestDB(t))
}

func key(user string, ct model.CounterType) model.CounterKey {
	return model.CounterKey{GuildID: "g1", UserID: user, CounterType: ct}
}

func seedDefinition(t *testing.T, s *store.GormStore, ct model.CounterType, target, xp int64) *model.QuestDefinition {
	t.Helper()
	q := &model.QuestDefinition{
		GuildID:          "g1",
		Name:             "Messenger",
		QuestType:        model.QuestDaily,
		RequirementType:  ct,
		RequirementValue: target,
		RewardXP:         xp,
		RefreshCycle:     model.CycleDaily,
		Active:           true,
	}
	require.NoError(t, s.CreateDefinition(context.Background(), q))
	return q
}

func TestCounters_UpsertBatchAccumulates(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	ups, err := s.UpsertCounterBatch(ctx, []model.CounterDelta{
		{CounterKey: key("u1", model.CounterMessages), Delta: 3},
		{CounterKey: key("u2", model.CounterReactions), Delta: 1},
	})
	require.NoError(t, err)
	require.Len(t, ups, 2)
	assert.Equal(t, int64(3), ups[0].Value)
	assert.Equal(t, int64(0), ups[0].Previous)

	ups, err = s.UpsertCounterBatch(ctx, []model.CounterDelta{{CounterKey: key("u1", model.CounterMessages), Delta: 4}})
	require.NoError(t, err)
	assert.Equal(t, int64(7), ups[0].Value)
	assert.Equal(t, int64(3), ups[0].Previous)

	v, err := s.ReadCounter(ctx, key("u1", model.CounterMessages))
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	v, err = s.ReadCounter(ctx, key("nobody", model.CounterMessages))
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestCounters_ConcurrentUpsertsAreNotLost(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpsertCounterBatch(ctx, []model.CounterDelta{{CounterKey: key("u1", model.CounterCommands), Delta: 1}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	v, err := s.ReadCounter(ctx, key("u1", model.CounterCommands))
	require.NoError(t, err)
	assert.Equal(t, int64(20), v)
}

func TestCounters_ResetAndValues(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.UpsertCounterBatch(ctx, []model.CounterDelta{
		{CounterKey: key("u1", model.CounterVoiceTime), Delta: 60},
		{CounterKey: key("u2", model.CounterVoiceTime), Delta: 90},
	})
	require.NoError(t, err)

	vals, err := s.ReadCounterValues(ctx, "g1", model.CounterVoiceTime, []string{"u1", "u2", "u3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"u1": 60, "u2": 90}, vals)

	require.NoError(t, s.ResetCounter(ctx, key("u1", model.CounterVoiceTime)))
	v, _ := s.ReadCounter(ctx, key("u1", model.CounterVoiceTime))
	assert.Zero(t, v)

	err = s.ResetCounter(ctx, key("ghost", model.CounterVoiceTime))
	assert.ErrorIs(t, err, store.ErrNotFound)

	users, err := s.EligibleUsers(ctx, "g1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, users)

	guilds, err := s.ListGuilds(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"g1"}, guilds)
}

func TestDefinitions_ReadFiltersActiveAndType(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	msg := seedDefinition(t, s, model.CounterMessages, 10, 100)
	seedDefinition(t, s, model.CounterReactions, 5, 75)
	off := seedDefinition(t, s, model.CounterMessages, 20, 200)
	require.NoError(t, s.SetDefinitionActive(ctx, off.ID, false))

	defs, err := s.ReadDefinitions(ctx, "g1", model.CounterMessages)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, msg.ID, defs[0].ID)

	_, err = s.ReadDefinition(ctx, 9999)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.SetDefinitionActive(ctx, 9999, true), store.ErrNotFound)
}

func TestDefinitions_GeneratedIsUniquePerCycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	tmpl, cycle := "daily:messenger", "2026-10-17"

	mk := func() *model.QuestDefinition {
		return &model.QuestDefinition{
			GuildID: "g1", Name: "Messenger", QuestType: model.QuestDaily,
			RequirementType: model.CounterMessages, RequirementValue: 10, RewardXP: 100,
			RefreshCycle: model.CycleDaily, Active: true, TemplateKey: &tmpl, GeneratedCycle: &cycle,
		}
	}
	first := mk()
	created, err := s.CreateGeneratedDefinition(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	second := mk()
	created, err = s.CreateGeneratedDefinition(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	ids, err := s.DeactivateStaleGenerated(ctx, "g1", model.CycleDaily, "2026-10-18")
	require.NoError(t, err)
	assert.Equal(t, []int64{first.ID}, ids)
}

func TestInstances_ReadOrCreateSingleWinner(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	def := seedDefinition(t, s, model.CounterMessages, 10, 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := s.ReadOrCreateInstance(ctx, &model.QuestInstance{
				GuildID: "g1", UserID: "u1", QuestID: def.ID, Cycle: "2026-10-17",
			})
			assert.NoError(t, err)
			if created {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)

	list, err := s.UserInstances(ctx, "g1", "u1", true)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestInstances_ProgressIsMonotonicAndCompletionCAS(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	def := seedDefinition(t, s, model.CounterMessages, 10, 100)

	inst, _, err := s.ReadOrCreateInstance(ctx, &model.QuestInstance{GuildID: "g1", UserID: "u1", QuestID: def.ID, Cycle: "c1"})
	require.NoError(t, err)

	moved, err := s.AdvanceProgress(ctx, inst.ID, 8, 5)
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = s.AdvanceProgress(ctx, inst.ID, 6, 3)
	require.NoError(t, err)
	assert.False(t, moved, "stale update must not lower progress")

	got, err := s.ReadInstance(ctx, inst.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(8), got.Progress)
	assert.Equal(t, int64(5), got.QuestSpecificProgress)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.CASCompleteInstance(ctx, inst.ID, time.Now())
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	last, err := s.LastCompletion(ctx, "g1", "u1", model.QuestDaily)
	require.NoError(t, err)
	require.NotNil(t, last)

	none, err := s.LastCompletion(ctx, "g1", "u1", model.QuestWeekly)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestInstances_ExpireKeepsCurrentCycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	def := seedDefinition(t, s, model.CounterMessages, 10, 100)

	n, err := s.CreateInstances(ctx, []model.QuestInstance{
		{GuildID: "g1", UserID: "u1", QuestID: def.ID, Cycle: "old"},
		{GuildID: "g1", UserID: "u1", QuestID: def.ID, Cycle: "new"},
	}, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.CreateInstances(ctx, []model.QuestInstance{{GuildID: "g1", UserID: "u1", QuestID: def.ID, Cycle: "new"}}, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	users, n, err := s.ExpireInstances(ctx, "g1", def.ID, "new")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, []string{"u1"}, users)

	users, n, err = s.ExpireInstances(ctx, "g1", def.ID, "new")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, users)

	active, err := s.UserInstances(ctx, "g1", "u1", true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "new", active[0].Cycle)

	// Expired instances never advance.
	old, err := s.ReadInstance(ctx, model.InstanceKey{GuildID: "g1", UserID: "u1", QuestID: def.ID, Cycle: "old"})
	require.NoError(t, err)
	moved, err := s.AdvanceProgress(ctx, old.ID, 50, 50)
	require.NoError(t, err)
	assert.False(t, moved)
}

func TestAchievements_InsertIfAbsent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	a := &model.AchievementDefinition{GuildID: "g1", Name: "Chatty", RequirementType: model.CounterMessages, RequirementValue: 100, RewardXP: 50}
	require.NoError(t, s.CreateAchievement(ctx, a))

	ok, err := s.InsertAchievementIfAbsent(ctx, &model.UserAchievement{GuildID: "g1", UserID: "u1", AchievementID: a.ID, EarnedAt: time.Now()})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.InsertAchievementIfAbsent(ctx, &model.UserAchievement{GuildID: "g1", UserID: "u1", AchievementID: a.ID, EarnedAt: time.Now()})
	require.NoError(t, err)
	assert.False(t, ok)

	ids, err := s.EarnedAchievementIDs(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID}, ids)

	require.NoError(t, s.DeleteUserAchievement(ctx, "g1", "u1", a.ID))
	assert.ErrorIs(t, s.DeleteUserAchievement(ctx, "g1", "u1", a.ID), store.ErrNotFound)
}

func TestLedger_GrantsAndXP(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	g := &model.RewardGrant{ID: "a", GuildID: "g1", UserID: "u1", Source: model.SourceQuest, SourceID: "1:c1", BaseXP: 100, Multiplier: 1, XPRate: 1, Amount: 100, GrantedAt: time.Now()}
	ok, err := s.InsertGrantIfAbsent(ctx, g)
	require.NoError(t, err)
	assert.True(t, ok)

	dup := *g
	dup.ID = "b"
	ok, err = s.InsertGrantIfAbsent(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, ok)

	before, after, err := s.ApplyXPGrant(ctx, "g1", "u1", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), before)
	assert.Equal(t, int64(100), after)

	before, after, err = s.ApplyXPGrant(ctx, "g1", "u1", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(100), before)
	assert.Equal(t, int64(150), after)

	require.NoError(t, s.SetLevel(ctx, "g1", "u1", 2))
	lvl, err := s.ReadUserLevel(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, lvl.Level)

	fresh, err := s.ReadUserLevel(ctx, "g1", "u9")
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.Level)
	assert.Zero(t, fresh.XP)

	_, _, err = s.ApplyXPGrant(ctx, "g1", "u2", 500)
	require.NoError(t, err)
	top, err := s.TopLevels(ctx, "g1", 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "u2", top[0].UserID)
}

func TestInTx_RollsBackOnError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx store.Store) error {
		if _, _, err := tx.ApplyXPGrant(ctx, "g1", "u1", 100); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	lvl, err := s.ReadUserLevel(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.Zero(t, lvl.XP)
}

func TestConfigAndCycles(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.ReadServerConfig(ctx, "g1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.UpsertServerConfig(ctx, &model.ServerConfig{GuildID: "g1", QuestResetWeekday: 0, XPRate: 2}))
	require.NoError(t, s.UpsertServerConfig(ctx, &model.ServerConfig{GuildID: "g1", QuestResetWeekday: 0, XPRate: 3}))
	sc, err := s.ReadServerConfig(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 3.0, sc.XPRate)
	assert.Equal(t, time.Sunday, sc.ResetWeekday())

	c, err := s.UpsertCycle(ctx, &model.QuestCycle{GuildID: "g1", QuestID: 1, Cycle: "c1", StartsAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, model.CyclePending, c.Status)
	again, err := s.UpsertCycle(ctx, &model.QuestCycle{GuildID: "g1", QuestID: 1, Cycle: "c1", StartsAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, c.ID, again.ID)

	ok, err := s.ActivateCycle(ctx, c.ID, 4)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ActivateCycle(ctx, c.ID, 4)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.UpsertCycle(ctx, &model.QuestCycle{GuildID: "g1", QuestID: 1, Cycle: "c2", StartsAt: time.Now()})
	require.NoError(t, err)
	n, err := s.ExpireCycles(ctx, "g1", 1, "c2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	cycles, err := s.ListCycles(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, cycles, 2)
	assert.Equal(t, model.CycleExpired, cycles[0].Status)
	assert.Equal(t, model.CyclePending, cycles[1].Status)
}

func TestBoosts_HighestActiveWins(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	noon := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

	weekend := &model.BoostEvent{GuildID: "g1", Name: "Weekend", Multiplier: 1.5, StartsAt: noon.Add(-time.Hour), EndsAt: noon.Add(24 * time.Hour)}
	rush := &model.BoostEvent{GuildID: "g1", Name: "Rush hour", Multiplier: 3, StartsAt: noon, EndsAt: noon.Add(time.Hour)}
	other := &model.BoostEvent{GuildID: "g2", Name: "Elsewhere", Multiplier: 5, StartsAt: noon.Add(-time.Hour), EndsAt: noon.Add(time.Hour)}
	for _, b := range []*model.BoostEvent{weekend, rush, other} {
		require.NoError(t, s.CreateBoost(ctx, b))
	}

	m, err := s.ActiveBoost(ctx, "g1", noon.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1.5, m)
	m, err = s.ActiveBoost(ctx, "g1", noon)
	require.NoError(t, err)
	assert.Equal(t, 3.0, m, "start bound is inclusive")
	m, err = s.ActiveBoost(ctx, "g1", noon.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1.0, m)

	list, err := s.ListBoosts(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Weekend", list[0].Name)

	require.NoError(t, s.DeleteBoost(ctx, "g1", rush.ID))
	assert.ErrorIs(t, s.DeleteBoost(ctx, "g1", rush.ID), store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteBoost(ctx, "g1", other.ID), store.ErrNotFound, "boosts are scoped to their guild")
	m, err = s.ActiveBoost(ctx, "g1", noon)
	require.NoError(t, err)
	assert.Equal(t, 1.5, m)
}
