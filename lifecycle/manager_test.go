package lifecycle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kasuganosora/engagement/cache"
	"github.com/kasuganosora/engagement/config"
	"github.com/kasuganosora/engagement/lifecycle"
	"github.com/kasuganosora/engagement/model"
	"github.com/kasuganosora/engagement/scheduler"
	"github.com/kasuganosora/engagement/settings"
	"github.com/kasuganosora/engagement/store"
	"github.com/kasuganosora/engagement/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type env struct {
	store    *store.GormStore
	kv       cache.Cache
	settings *settings.Provider
	mgr      *lifecycle.Manager
	clock    time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := store.NewGormStore(testutil.SetupTestDB(t))
	tc, kv := testutil.SetupTiered(t)
	cfg := config.LifecycleConfig{ResetWeekday: 1, Workers: 2, CohortBatch: 2, DailyTemplatePicks: 3}
	sp := settings.NewProvider(st, tc, cfg)
	e := &env{store: st, kv: kv, settings: sp, clock: time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)}
	e.mgr = lifecycle.NewManager(st, tc, kv, sp, cfg, zap.NewNop())
	e.mgr.SetClock(func() time.Time { return e.clock })
	return e
}

func (e *env) activity(t *testing.T, user string, ct model.CounterType, delta int64) {
	t.Helper()
	_, err := e.store.UpsertCounterBatch(context.Background(), []model.CounterDelta{
		{CounterKey: model.CounterKey{GuildID: "g1", UserID: user, CounterType: ct}, Delta: delta},
	})
	require.NoError(t, err)
}

func (e *env) quest(t *testing.T, refresh model.RefreshCycle) *model.QuestDefinition {
	t.Helper()
	q := &model.QuestDefinition{
		GuildID: "g1", Name: "Chatter", QuestType: model.QuestDaily,
		RequirementType: model.CounterMessages, RequirementValue: 10, RewardXP: 100,
		RefreshCycle: refresh, Active: true,
	}
	require.NoError(t, e.store.CreateDefinition(context.Background(), q))
	return q
}

func (e *env) instance(t *testing.T, user string, questID int64, cycle string) *model.QuestInstance {
	t.Helper()
	inst, err := e.store.ReadInstance(context.Background(), model.InstanceKey{GuildID: "g1", UserID: user, QuestID: questID, Cycle: cycle})
	require.NoError(t, err)
	return inst
}

func guildReport(t *testing.T, r lifecycle.TickReport, guild string) lifecycle.GuildReport {
	t.Helper()
	for _, g := range r.Guilds {
		if g.GuildID == guild {
			return g
		}
	}
	t.Fatalf("no report for guild %s", guild)
	return lifecycle.GuildReport{}
}

func TestTick_CreatesCohortWithBaselines(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.activity(t, "u1", model.CounterMessages, 7)
	e.activity(t, "u2", model.CounterMessages, 3)
	e.activity(t, "u3", model.CounterReactions, 1)
	q := e.quest(t, model.CycleDaily)

	r := e.mgr.Tick(ctx)
	require.NoError(t, r.Err())
	g := guildReport(t, r, "g1")
	assert.Equal(t, int64(3), g.Created)
	assert.Equal(t, 1, g.Activated)

	assert.Equal(t, int64(7), e.instance(t, "u1", q.ID, "2026-10-17").Baseline)
	assert.Equal(t, int64(3), e.instance(t, "u2", q.ID, "2026-10-17").Baseline)
	u3 := e.instance(t, "u3", q.ID, "2026-10-17")
	assert.Equal(t, int64(0), u3.Baseline)
	require.NotNil(t, u3.ExpiresAt)
	assert.True(t, u3.ExpiresAt.Equal(time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)))

	cycles, err := e.store.ListCycles(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, model.CycleActive, cycles[0].Status)
	assert.Equal(t, 3, cycles[0].CohortSize)
}

// guildFailingStore fails definition listing for one guild.
type guildFailingStore struct {
	store.Store
	guild string
}

func (s guildFailingStore) ListDefinitions(ctx context.Context, guildID string) ([]model.QuestDefinition, error) {
	if guildID == s.guild {
		return nil, errors.New("list definitions: disk I/O error")
	}
	return s.Store.ListDefinitions(ctx, guildID)
}

func TestTick_FailingGuildDoesNotBlockOthers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, g := range []string{"g1", "g2", "g3"} {
		_, err := e.store.UpsertCounterBatch(ctx, []model.CounterDelta{
			{CounterKey: model.CounterKey{GuildID: g, UserID: "u1", CounterType: model.CounterMessages}, Delta: 2},
			{CounterKey: model.CounterKey{GuildID: g, UserID: "u2", CounterType: model.CounterMessages}, Delta: 5},
		})
		require.NoError(t, err)
		require.NoError(t, e.store.CreateDefinition(ctx, &model.QuestDefinition{
			GuildID: g, Name: "Chatter", QuestType: model.QuestDaily,
			RequirementType: model.CounterMessages, RequirementValue: 10, RewardXP: 100,
			RefreshCycle: model.CycleDaily, Active: true,
		}))
	}

	tc, _ := testutil.SetupTiered(t)
	cfg := config.LifecycleConfig{ResetWeekday: 1, Workers: 2, CohortBatch: 2, DailyTemplatePicks: 3}
	mgr := lifecycle.NewManager(guildFailingStore{Store: e.store, guild: "g2"}, tc, e.kv, e.settings, cfg, zap.NewNop())
	mgr.SetClock(func() time.Time { return e.clock })

	r := mgr.Tick(ctx)
	require.Error(t, r.Err())
	assert.Equal(t, 1, r.Failed)
	require.Len(t, r.Guilds, 3)
	assert.Contains(t, guildReport(t, r, "g2").Error, "disk I/O error")
	assert.Equal(t, int64(2), guildReport(t, r, "g1").Created)
	assert.Equal(t, int64(2), guildReport(t, r, "g3").Created)
	assert.Equal(t, int64(4), r.Created)

	cycles, err := e.store.ListCycles(ctx, "g2")
	require.NoError(t, err)
	assert.Empty(t, cycles)
}

func TestTick_Idempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.activity(t, "u1", model.CounterMessages, 1)
	e.quest(t, model.CycleDaily)

	require.NoError(t, e.mgr.Tick(ctx).Err())
	again := e.mgr.Tick(ctx)
	require.NoError(t, again.Err())
	assert.Zero(t, again.Created)
	assert.Zero(t, again.Expired)
	assert.Zero(t, guildReport(t, again, "g1").Activated)
}

func TestTick_RolloverExpiresPreviousCycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.activity(t, "u1", model.CounterMessages, 4)
	e.activity(t, "u2", model.CounterMessages, 2)
	q := e.quest(t, model.CycleDaily)
	require.NoError(t, e.mgr.Tick(ctx).Err())

	done := e.instance(t, "u1", q.ID, "2026-10-17")
	ok, err := e.store.CASCompleteInstance(ctx, done.ID, e.clock)
	require.NoError(t, err)
	require.True(t, ok)

	e.activity(t, "u1", model.CounterMessages, 11)
	e.clock = e.clock.Add(24 * time.Hour)
	r := e.mgr.Tick(ctx)
	require.NoError(t, r.Err())
	assert.Equal(t, int64(2), r.Expired)
	assert.Equal(t, int64(2), r.Created)

	old := e.instance(t, "u1", q.ID, "2026-10-17")
	assert.Equal(t, model.InstanceExpired, old.Status)
	assert.True(t, old.Completed, "expiry keeps completion")
	assert.Equal(t, model.InstanceExpired, e.instance(t, "u2", q.ID, "2026-10-17").Status)

	fresh := e.instance(t, "u1", q.ID, "2026-10-18")
	assert.Equal(t, model.InstanceActive, fresh.Status)
	assert.False(t, fresh.Completed)
	assert.Equal(t, int64(15), fresh.Baseline)

	cycles, err := e.store.ListCycles(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, cycles, 2)
	assert.Equal(t, model.CycleExpired, cycles[0].Status)
	assert.Equal(t, model.CycleActive, cycles[1].Status)
}

func TestTick_OnceQuestStartsFromZero(t *testing.T) {
	e := newEnv(t)
	e.activity(t, "u1", model.CounterMessages, 40)
	q := e.quest(t, model.CycleOnce)

	require.NoError(t, e.mgr.Tick(context.Background()).Err())
	inst := e.instance(t, "u1", q.ID, lifecycle.OnceCycle)
	assert.Zero(t, inst.Baseline)
	assert.Nil(t, inst.ExpiresAt)
}

func TestTick_DeactivatedDefinitionExpires(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.activity(t, "u1", model.CounterMessages, 1)
	q := e.quest(t, model.CycleWeekly)
	require.NoError(t, e.mgr.Tick(ctx).Err())

	require.NoError(t, e.store.SetDefinitionActive(ctx, q.ID, false))
	r := e.mgr.Tick(ctx)
	require.NoError(t, r.Err())
	assert.Equal(t, int64(1), r.Expired)
	assert.Equal(t, model.InstanceExpired, e.instance(t, "u1", q.ID, "2026-W42").Status)
}

func TestTick_AutoGeneration(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sc := e.settings.Default("g1")
	sc.AutoGenerateQuests = true
	require.NoError(t, e.settings.Put(ctx, &sc))
	e.activity(t, "u1", model.CounterMessages, 1)

	first := guildReport(t, e.mgr.Tick(ctx), "g1")
	require.Empty(t, first.Error)
	daily := len(lifecycle.Pick(lifecycle.DailyPool, "g1", "2026-10-17", 3))
	weekly := len(lifecycle.Pick(lifecycle.WeeklyPool, "g1", "2026-W42", 3))
	assert.Equal(t, daily+weekly+len(lifecycle.SpecialQuests), first.Generated)

	second := guildReport(t, e.mgr.Tick(ctx), "g1")
	assert.Zero(t, second.Generated)
	assert.Zero(t, second.Created)

	e.clock = e.clock.Add(24 * time.Hour)
	third := guildReport(t, e.mgr.Tick(ctx), "g1")
	require.Empty(t, third.Error)
	assert.Equal(t, daily, third.Deactivated)
	assert.Equal(t, len(lifecycle.Pick(lifecycle.DailyPool, "g1", "2026-10-18", 3)), third.Generated)

	defs, err := e.store.ActiveDefinitions(ctx, "g1")
	require.NoError(t, err)
	for _, d := range defs {
		if d.RefreshCycle == model.CycleDaily {
			assert.Equal(t, "2026-10-18", *d.GeneratedCycle)
		}
	}
}

func TestTick_SkipsLockedGuild(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.activity(t, "u1", model.CounterMessages, 1)
	e.quest(t, model.CycleDaily)

	ok, err := e.kv.SetNX(ctx, "eng:lock:lifecycle:g1", "other", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	r := e.mgr.Tick(ctx)
	require.NoError(t, r.Err())
	assert.True(t, guildReport(t, r, "g1").Skipped)
	assert.Zero(t, r.Created)

	require.NoError(t, e.kv.Del(ctx, "eng:lock:lifecycle:g1"))
	assert.Equal(t, int64(1), e.mgr.Tick(ctx).Created)
}

// stolenLock hands the guild lock to another owner right after it is
// taken, as if the TTL ran out mid-tick and a second node acquired it.
type stolenLock struct {
	cache.Cache
}

func (s stolenLock) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.Cache.SetNX(ctx, key, value, ttl)
	if ok {
		err = s.Cache.Set(ctx, key, "successor", ttl)
	}
	return ok, err
}

func TestTickGuild_DoesNotReleaseSuccessorsLock(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.activity(t, "u1", model.CounterMessages, 1)
	e.quest(t, model.CycleDaily)

	tc, _ := testutil.SetupTiered(t)
	cfg := config.LifecycleConfig{ResetWeekday: 1, Workers: 2, CohortBatch: 2, DailyTemplatePicks: 3, LockTTL: time.Minute}
	mgr := lifecycle.NewManager(e.store, tc, stolenLock{e.kv}, e.settings, cfg, zap.NewNop())
	mgr.SetClock(func() time.Time { return e.clock })

	gr, err := mgr.TickGuild(ctx, "g1", e.clock)
	require.NoError(t, err)
	assert.False(t, gr.Skipped)

	v, err := e.kv.Get(ctx, "eng:lock:lifecycle:g1")
	require.NoError(t, err)
	assert.Equal(t, "successor", v)
}

func TestTickGuild_ReleasesOwnLock(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.mgr.TickGuild(ctx, "g1", e.clock)
	require.NoError(t, err)
	_, err = e.kv.Get(ctx, "eng:lock:lifecycle:g1")
	assert.True(t, cache.IsNotFound(err))
}

func TestRunTicker_RegistersTask(t *testing.T) {
	e := newEnv(t)
	e.activity(t, "u1", model.CounterMessages, 1)
	e.quest(t, model.CycleDaily)

	s := scheduler.New(zap.NewNop())
	t.Cleanup(s.Stop)
	e.mgr.RunTicker(s)
	assert.Equal(t, []string{lifecycle.TaskName}, s.ListTickers())

	require.NoError(t, s.RunNow(lifecycle.TaskName))
	tasks := s.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, uint64(1), tasks[0].Runs)
	assert.Zero(t, tasks[0].Failures)
}
