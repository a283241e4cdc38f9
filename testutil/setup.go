package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kasuganosora/engagement/cache"
	"github.com/kasuganosora/engagement/config"
	dbadapter "github.com/kasuganosora/engagement/db"
	"github.com/kasuganosora/engagement/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SetupTestDB creates a private in-memory SQLite DB and runs AutoMigrate.
// It requires no external services and is safe to use in parallel tests.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := dbadapter.Open(config.DatabaseConfig{
		Mode:       dbadapter.ModeSQLite,
		SQLitePath: fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString()),
	})
	require.NoError(t, err, "SetupTestDB: Open")
	require.NoError(t, model.AutoMigrate(db), "SetupTestDB: AutoMigrate")
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// SetupTestCache creates LocalCache and LocalPubSub (no Redis required).
func SetupTestCache(t *testing.T) (cache.Cache, cache.PubSub) {
	t.Helper()
	cfg := cache.CacheConfig{} // empty RedisAddr → LocalCache
	c, err := cache.NewCache(cfg)
	require.NoError(t, err, "SetupTestCache: NewCache")
	t.Cleanup(func() { _ = c.Close() })
	ps, err := cache.NewPubSub(cfg)
	require.NoError(t, err, "SetupTestCache: NewPubSub")
	return c, ps
}

// SetupTiered wraps a fresh local backend in a Tiered cache with short TTLs.
func SetupTiered(t *testing.T) (*cache.Tiered, cache.Cache) {
	t.Helper()
	c, _ := SetupTestCache(t)
	tc, err := cache.NewTiered(c, cache.TieredConfig{
		L1Size: 256,
		TTL: map[string]time.Duration{
			string(cache.NSUserQuests): time.Minute,
			string(cache.NSUserStats):  time.Minute,
		},
	}, zap.NewNop())
	require.NoError(t, err, "SetupTiered")
	return tc, c
}
