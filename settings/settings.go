// Package settings resolves per-guild configuration, falling back to the
// process-wide defaults when a guild has no server config row.
package settings

import (
	"context"
	"errors"

	"github.com/kasuganosora/engagement/cache"
	"github.com/kasuganosora/engagement/config"
	"github.com/kasuganosora/engagement/model"
	"github.com/kasuganosora/engagement/store"
)

// Provider reads guild settings through the tiered cache.
type Provider struct {
	store    store.ConfigStore
	cache    *cache.Tiered
	defaults config.LifecycleConfig
}

func NewProvider(st store.ConfigStore, tc *cache.Tiered, defaults config.LifecycleConfig) *Provider {
	return &Provider{store: st, cache: tc, defaults: defaults}
}

// Default returns the settings of a guild without a config row.
func (p *Provider) Default(guildID string) model.ServerConfig {
	return model.ServerConfig{
		GuildID:            guildID,
		QuestResetHour:     p.defaults.ResetHour,
		QuestResetWeekday:  p.defaults.ResetWeekday,
		XPRate:             1,
		AutoGenerateQuests: p.defaults.AutoGenerate,
	}
}

// Get returns the effective settings of a guild.
func (p *Provider) Get(ctx context.Context, guildID string) (model.ServerConfig, error) {
	return cache.Load(ctx, p.cache, cache.NSServerConfig, guildID, func(ctx context.Context) (model.ServerConfig, error) {
		return p.read(ctx, p.store, guildID)
	})
}

// GetWith serves cached settings and reads misses through st without
// populating the cache. Callers holding a transaction use it so a miss
// never waits on a second connection.
func (p *Provider) GetWith(ctx context.Context, st store.ConfigStore, guildID string) (model.ServerConfig, error) {
	var sc model.ServerConfig
	if p.cache.Get(ctx, cache.NSServerConfig, guildID, &sc) {
		return sc, nil
	}
	return p.read(ctx, st, guildID)
}

func (p *Provider) read(ctx context.Context, st store.ConfigStore, guildID string) (model.ServerConfig, error) {
	sc, err := st.ReadServerConfig(ctx, guildID)
	if errors.Is(err, store.ErrNotFound) {
		return p.Default(guildID), nil
	}
	if err != nil {
		return model.ServerConfig{}, err
	}
	return *sc, nil
}

// Put writes the settings and then drops the cached copy.
func (p *Provider) Put(ctx context.Context, sc *model.ServerConfig) error {
	if err := p.store.UpsertServerConfig(ctx, sc); err != nil {
		return err
	}
	p.cache.Invalidate(ctx, cache.NSServerConfig, sc.GuildID)
	return nil
}
