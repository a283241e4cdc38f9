// Package lifecycle generates, activates and expires quest instances at
// cycle boundaries. A tick is idempotent: re-running it for an already
// processed boundary creates nothing.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kasuganosora/engagement/cache"
	"github.com/kasuganosora/engagement/config"
	"github.com/kasuganosora/engagement/model"
	"github.com/kasuganosora/engagement/scheduler"
	"github.com/kasuganosora/engagement/settings"
	"github.com/kasuganosora/engagement/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/kasuganosora/engagement/lifecycle")

// TaskName is the scheduler task running the lifecycle tick.
const TaskName = "quest_lifecycle"

// GuildReport is the outcome of one guild's tick.
type GuildReport struct {
	GuildID     string `json:"guild_id"`
	Skipped     bool   `json:"skipped,omitempty"`
	Generated   int    `json:"generated"`
	Deactivated int    `json:"deactivated"`
	Activated   int    `json:"activated"`
	Created     int64  `json:"created"`
	Expired     int64  `json:"expired"`
	Error       string `json:"error,omitempty"`
}

// TickReport aggregates a tick over all guilds.
type TickReport struct {
	At      time.Time     `json:"at"`
	Took    time.Duration `json:"took"`
	Guilds  []GuildReport `json:"guilds"`
	Created int64         `json:"created"`
	Expired int64         `json:"expired"`
	Failed  int           `json:"failed"`
}

// Err joins the per-guild failures.
func (r TickReport) Err() error {
	var errs []error
	for _, g := range r.Guilds {
		if g.Error != "" {
			errs = append(errs, fmt.Errorf("guild %s: %s", g.GuildID, g.Error))
		}
	}
	return errors.Join(errs...)
}

// Manager runs lifecycle ticks.
type Manager struct {
	store    store.Store
	cache    *cache.Tiered
	locks    cache.Cache
	settings *settings.Provider
	cfg      config.LifecycleConfig
	logger   *zap.Logger
	now      func() time.Time
}

func NewManager(st store.Store, tc *cache.Tiered, locks cache.Cache, sp *settings.Provider, cfg config.LifecycleConfig, logger *zap.Logger) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.CohortBatch <= 0 {
		cfg.CohortBatch = 200
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if cfg.DailyTemplatePicks <= 0 {
		cfg.DailyTemplatePicks = 3
	}
	return &Manager{
		store:    st,
		cache:    tc,
		locks:    locks,
		settings: sp,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Now returns the manager's current time in UTC.
func (m *Manager) Now() time.Time { return m.now().UTC() }

// RunTicker registers the tick with s at the configured interval.
func (m *Manager) RunTicker(s *scheduler.Scheduler) {
	interval := m.cfg.TickInterval
	if interval <= 0 {
		interval = time.Hour
	}
	s.AddTicker(TaskName, interval, func(ctx context.Context) error {
		return m.Tick(ctx).Err()
	})
}

// Tick processes every known guild. Guilds are isolated: one failing
// guild is reported and the others continue.
func (m *Manager) Tick(ctx context.Context) TickReport {
	ctx, span := tracer.Start(ctx, "lifecycle.Tick")
	defer span.End()

	start := time.Now()
	now := m.Now()
	report := TickReport{At: now}
	guilds, err := m.store.ListGuilds(ctx)
	if err != nil {
		m.logger.Error("lifecycle tick: list guilds failed", zap.Error(err))
		report.Guilds = []GuildReport{{GuildID: "*", Error: err.Error()}}
		report.Failed = 1
		return report
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(m.cfg.Workers)
	for _, guildID := range guilds {
		g.Go(func() error {
			gr, err := m.TickGuild(ctx, guildID, now)
			if err != nil {
				gr.Error = err.Error()
				m.logger.Warn("lifecycle tick failed for guild", zap.String("guild", guildID), zap.Error(err))
			}
			mu.Lock()
			report.Guilds = append(report.Guilds, gr)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Guilds, func(i, j int) bool { return report.Guilds[i].GuildID < report.Guilds[j].GuildID })
	for _, gr := range report.Guilds {
		report.Created += gr.Created
		report.Expired += gr.Expired
		if gr.Error != "" {
			report.Failed++
		}
	}
	report.Took = time.Since(start)
	span.SetAttributes(
		attribute.Int("guilds", len(guilds)),
		attribute.Int64("created", report.Created),
		attribute.Int64("expired", report.Expired))
	m.logger.Info("lifecycle tick finished",
		zap.Int("guilds", len(guilds)),
		zap.Int64("created", report.Created),
		zap.Int64("expired", report.Expired),
		zap.Int("failed", report.Failed),
		zap.Duration("took", report.Took))
	return report
}

func lockKey(guildID string) string { return "eng:lock:lifecycle:" + guildID }

// unlock releases the guild lock only if token still owns it. A tick that
// outlived LockTTL must not free a lock another node has since taken.
func (m *Manager) unlock(ctx context.Context, guildID, token string) {
	released, err := m.locks.DelIfValue(ctx, lockKey(guildID), token)
	switch {
	case err != nil:
		m.logger.Warn("lifecycle unlock failed", zap.String("guild", guildID), zap.Error(err))
	case !released:
		m.logger.Warn("lifecycle lock expired before release", zap.String("guild", guildID), zap.Duration("ttl", m.cfg.LockTTL))
	}
}

// TickGuild runs one guild's tick at now under the guild lock.
func (m *Manager) TickGuild(ctx context.Context, guildID string, now time.Time) (GuildReport, error) {
	gr := GuildReport{GuildID: guildID}
	token := uuid.NewString()
	ok, err := m.locks.SetNX(ctx, lockKey(guildID), token, m.cfg.LockTTL)
	if err != nil {
		// Without the shared lock the store's unique keys still keep the tick safe.
		m.logger.Warn("lifecycle lock unavailable, continuing", zap.String("guild", guildID), zap.Error(err))
	} else if !ok {
		gr.Skipped = true
		return gr, nil
	} else {
		defer m.unlock(context.WithoutCancel(ctx), guildID, token)
	}

	sc, err := m.settings.Get(ctx, guildID)
	if err != nil {
		return gr, err
	}

	var deactivated []int64
	if sc.AutoGenerateQuests {
		created, stale, err := m.generate(ctx, guildID, sc, now)
		if err != nil {
			return gr, fmt.Errorf("generate: %w", err)
		}
		gr.Generated, gr.Deactivated = created, len(stale)
		deactivated = stale
	}
	if gr.Generated > 0 || len(deactivated) > 0 {
		m.cache.Invalidate(ctx, cache.NSGuildQuests, guildID)
		m.invalidateQuests(ctx, deactivated)
	}

	all, err := m.store.ListDefinitions(ctx, guildID)
	if err != nil {
		return gr, err
	}

	var errs []error
	var inactive []int64
	touched := make(map[string]struct{})
	for i := range all {
		d := &all[i]
		if !d.Active {
			inactive = append(inactive, d.ID)
			continue
		}
		if err := d.Validate(); err != nil {
			m.logger.Warn("skipping malformed definition", zap.String("guild", guildID), zap.Int64("quest_id", d.ID), zap.Error(err))
			continue
		}
		cycle := CycleFor(d.RefreshCycle, sc, now)
		if d.Generated() && *d.GeneratedCycle != cycle.ID {
			continue
		}
		activated, created, expired, err := m.rollDefinition(ctx, d, cycle, touched, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("quest %d: %w", d.ID, err))
			continue
		}
		if activated {
			gr.Activated++
		}
		gr.Created += created
		gr.Expired += expired
	}

	if len(inactive) > 0 {
		users, n, err := m.store.ExpireDefinitionInstances(ctx, guildID, inactive)
		if err != nil {
			errs = append(errs, err)
		}
		gr.Expired += n
		for _, u := range users {
			touched[u] = struct{}{}
		}
		if _, err := m.store.ExpireDefinitionCycles(ctx, guildID, inactive); err != nil {
			errs = append(errs, err)
		}
	}

	if gr.Created > 0 || gr.Expired > 0 {
		keys := make([]string, 0, len(touched))
		for u := range touched {
			keys = append(keys, guildID+":"+u)
		}
		m.cache.Invalidate(ctx, cache.NSUserQuests, keys...)
	}
	return gr, errors.Join(errs...)
}

// rollDefinition expires earlier cycles of d and generates the cohort of
// the current one. A cycle already past Pending is left alone.
func (m *Manager) rollDefinition(ctx context.Context, d *model.QuestDefinition, cycle Cycle, touched map[string]struct{}, now time.Time) (bool, int64, int64, error) {
	holders, expired, err := m.store.ExpireInstances(ctx, d.GuildID, d.ID, cycle.ID)
	if err != nil {
		return false, 0, 0, err
	}
	for _, u := range holders {
		touched[u] = struct{}{}
	}
	if _, err := m.store.ExpireCycles(ctx, d.GuildID, d.ID, cycle.ID); err != nil {
		return false, 0, expired, err
	}

	qc := &model.QuestCycle{
		GuildID:  d.GuildID,
		QuestID:  d.ID,
		Cycle:    cycle.ID,
		Status:   model.CyclePending,
		StartsAt: cycle.Start,
	}
	if !cycle.End.IsZero() {
		end := cycle.End
		qc.EndsAt = &end
	}
	qc, err = m.store.UpsertCycle(ctx, qc)
	if err != nil {
		return false, 0, expired, err
	}
	if qc.Status != model.CyclePending {
		return false, 0, expired, nil
	}

	var since time.Time
	if m.cfg.EligibleWindow > 0 {
		since = now.Add(-m.cfg.EligibleWindow)
	}
	users, err := m.store.EligibleUsers(ctx, d.GuildID, since)
	if err != nil {
		return false, 0, expired, err
	}
	values := map[string]int64{}
	if d.RefreshCycle != model.CycleOnce {
		values, err = m.store.ReadCounterValues(ctx, d.GuildID, d.RequirementType, users)
		if err != nil {
			return false, 0, expired, err
		}
	}

	insts := make([]model.QuestInstance, 0, len(users))
	for _, u := range users {
		inst := model.QuestInstance{
			GuildID:  d.GuildID,
			UserID:   u,
			QuestID:  d.ID,
			Cycle:    cycle.ID,
			Baseline: values[u],
			Status:   model.InstanceActive,
		}
		if qc.EndsAt != nil {
			inst.ExpiresAt = qc.EndsAt
		}
		insts = append(insts, inst)
		touched[u] = struct{}{}
	}
	created, err := m.store.CreateInstances(ctx, insts, m.cfg.CohortBatch)
	if err != nil {
		return false, created, expired, err
	}
	activated, err := m.store.ActivateCycle(ctx, qc.ID, len(users))
	if err != nil {
		return false, created, expired, err
	}
	if activated {
		m.logger.Info("quest cycle activated",
			zap.String("guild", d.GuildID),
			zap.Int64("quest_id", d.ID),
			zap.String("cycle", cycle.ID),
			zap.Int("cohort", len(users)),
			zap.Int64("created", created))
	}
	return activated, created, expired, nil
}

// generate rotates template-generated quests. It returns how many
// definitions it created and which stale ones it deactivated.
func (m *Manager) generate(ctx context.Context, guildID string, sc model.ServerConfig, now time.Time) (int, []int64, error) {
	var created int
	var stale []int64
	pools := []struct {
		refresh model.RefreshCycle
		pool    []Template
	}{
		{model.CycleDaily, DailyPool},
		{model.CycleWeekly, WeeklyPool},
	}
	for _, p := range pools {
		cycle := CycleFor(p.refresh, sc, now)
		ids, err := m.store.DeactivateStaleGenerated(ctx, guildID, p.refresh, cycle.ID)
		if err != nil {
			return created, stale, err
		}
		stale = append(stale, ids...)
		for _, t := range Pick(p.pool, guildID, cycle.ID, m.cfg.DailyTemplatePicks) {
			ok, err := m.store.CreateGeneratedDefinition(ctx, t.Definition(guildID, cycle.ID))
			if err != nil {
				return created, stale, err
			}
			if ok {
				created++
			}
		}
	}
	for _, t := range SpecialQuests {
		ok, err := m.store.CreateGeneratedDefinition(ctx, t.Definition(guildID, OnceCycle))
		if err != nil {
			return created, stale, err
		}
		if ok {
			created++
		}
	}
	if created > 0 {
		m.logger.Info("generated quests", zap.String("guild", guildID), zap.Int("created", created), zap.Int("deactivated", len(stale)))
	}
	return created, stale, nil
}

func (m *Manager) invalidateQuests(ctx context.Context, ids []int64) {
	if len(ids) == 0 {
		return
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = fmt.Sprint(id)
	}
	m.cache.Invalidate(ctx, cache.NSQuest, keys...)
}
