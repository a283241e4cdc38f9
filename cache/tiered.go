package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrUnavailable marks a failed call to the shared backend. Tiered logs it
// and falls back to the durable store instead of returning it.
var ErrUnavailable = errors.New("cache: backend unavailable")

// Namespace groups cache keys that share a default TTL.
type Namespace string

const (
	NSQuest             Namespace = "quest"
	NSGuildQuests       Namespace = "guild_quests"
	NSGuildAchievements Namespace = "guild_achievements"
	NSUserQuests        Namespace = "user_quests"
	NSUserStats         Namespace = "user_stats"
	NSServerConfig      Namespace = "server_config"
)

const defaultTTL = 5 * time.Minute

// TieredConfig configures a Tiered cache.
type TieredConfig struct {
	L1Size int
	// TTL holds per-namespace lifetimes keyed by namespace name.
	TTL    map[string]time.Duration
	Prefix string
}

// envelope is the stored form of an entry. ExpireAt travels with the value so
// an L1 copy of an L2 hit never outlives the original entry.
type envelope struct {
	ExpireAt int64           `json:"e"`
	Data     json.RawMessage `json:"d"`
}

// Tiered is a read-through cache: an in-process LRU (L1) in front of the
// shared backend (L2). Writers must commit to the store before calling
// Put or Invalidate.
type Tiered struct {
	l1     *lru.Cache
	l2     Cache
	ttl    map[Namespace]time.Duration
	prefix string
	logger *zap.Logger

	group singleflight.Group

	// Invalidation stamps guard against a slow loader caching a value that
	// was invalidated while it was loading.
	gen      atomic.Uint64
	stampMu  sync.Mutex
	stamps   *lru.Cache
	evictMax uint64

	l2Errors atomic.Uint64
}

// NewTiered creates a Tiered cache over the given shared backend.
func NewTiered(l2 Cache, cfg TieredConfig, logger *zap.Logger) (*Tiered, error) {
	t := &Tiered{
		l2:     l2,
		ttl:    make(map[Namespace]time.Duration, len(cfg.TTL)),
		prefix: cfg.Prefix,
		logger: logger,
	}
	if t.prefix == "" {
		t.prefix = "eng:"
	}
	for ns, d := range cfg.TTL {
		t.ttl[Namespace(ns)] = d
	}
	if cfg.L1Size > 0 {
		l1, err := lru.New(cfg.L1Size)
		if err != nil {
			return nil, err
		}
		t.l1 = l1
	}
	stampSize := cfg.L1Size * 4
	if stampSize < 1024 {
		stampSize = 1024
	}
	stamps, err := lru.NewWithEvict(stampSize, func(_, value any) {
		// Caller holds stampMu.
		if v := value.(uint64); v > t.evictMax {
			t.evictMax = v
		}
	})
	if err != nil {
		return nil, err
	}
	t.stamps = stamps
	return t, nil
}

// TTL returns the default lifetime for a namespace.
func (t *Tiered) TTL(ns Namespace) time.Duration {
	if d, ok := t.ttl[ns]; ok && d > 0 {
		return d
	}
	return defaultTTL
}

// L2Errors returns how many shared-backend calls have failed.
func (t *Tiered) L2Errors() uint64 { return t.l2Errors.Load() }

func (t *Tiered) key(ns Namespace, key string) string {
	return t.prefix + string(ns) + ":" + key
}

// Get decodes a live entry into dest and reports whether one was found.
func (t *Tiered) Get(ctx context.Context, ns Namespace, key string, dest any) bool {
	full := t.key(ns, key)
	now := time.Now().UnixNano()

	if t.l1 != nil {
		if v, ok := t.l1.Get(full); ok {
			env := v.(*envelope)
			if env.ExpireAt > now {
				return json.Unmarshal(env.Data, dest) == nil
			}
			t.l1.Remove(full)
		}
	}

	raw, err := t.l2.Get(ctx, full)
	if err != nil {
		if !IsNotFound(err) {
			t.backendFailed("get", full, err)
		}
		return false
	}
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil || env.ExpireAt <= now {
		return false
	}
	if err := json.Unmarshal(env.Data, dest); err != nil {
		return false
	}
	if t.l1 != nil {
		t.l1.Add(full, &env)
	}
	return true
}

// Put stores value under (ns, key). A ttl of zero uses the namespace default.
func (t *Tiered) Put(ctx context.Context, ns Namespace, key string, value any, ttl time.Duration) error {
	full := t.key(ns, key)
	t.stamp(full)
	return t.write(ctx, full, value, t.ttlOr(ns, ttl))
}

// Invalidate drops the given keys from both tiers.
func (t *Tiered) Invalidate(ctx context.Context, ns Namespace, keys ...string) {
	if len(keys) == 0 {
		return
	}
	fulls := make([]string, len(keys))
	for i, k := range keys {
		fulls[i] = t.key(ns, k)
		t.stamp(fulls[i])
		if t.l1 != nil {
			t.l1.Remove(fulls[i])
		}
	}
	if err := t.l2.Del(ctx, fulls...); err != nil {
		t.backendFailed("del", fulls[0], err)
	}
}

func (t *Tiered) ttlOr(ns Namespace, ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return t.TTL(ns)
}

func (t *Tiered) write(ctx context.Context, full string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	env := &envelope{ExpireAt: time.Now().Add(ttl).UnixNano(), Data: data}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if t.l1 != nil {
		t.l1.Add(full, env)
	}
	if err := t.l2.Set(ctx, full, string(raw), ttl); err != nil {
		t.backendFailed("set", full, err)
	}
	return nil
}

func (t *Tiered) stamp(full string) {
	v := t.gen.Add(1)
	t.stampMu.Lock()
	t.stamps.Add(full, v)
	t.stampMu.Unlock()
}

// invalidatedSince reports whether full was stamped after generation g.
// Evicted stamps are accounted for conservatively through evictMax.
func (t *Tiered) invalidatedSince(full string, g uint64) bool {
	t.stampMu.Lock()
	defer t.stampMu.Unlock()
	if t.evictMax > g {
		return true
	}
	if v, ok := t.stamps.Peek(full); ok {
		return v.(uint64) > g
	}
	return false
}

func (t *Tiered) backendFailed(op, key string, err error) {
	t.l2Errors.Add(1)
	t.logger.Warn("cache backend call failed, serving from store",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(errors.Join(ErrUnavailable, err)))
}

// Load returns the cached value for (ns, key), calling loader on a miss.
// Concurrent misses for the same key share one loader call. The result may
// be shared between callers and must be treated as read-only.
func Load[T any](ctx context.Context, t *Tiered, ns Namespace, key string, loader func(context.Context) (T, error)) (T, error) {
	var out T
	if t.Get(ctx, ns, key, &out) {
		return out, nil
	}
	full := t.key(ns, key)
	v, err, _ := t.group.Do(full, func() (any, error) {
		g := t.gen.Load()
		val, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		if !t.invalidatedSince(full, g) {
			if werr := t.write(ctx, full, val, t.TTL(ns)); werr != nil {
				t.logger.Warn("cache encode failed", zap.String("key", full), zap.Error(werr))
			}
			// An invalidation that raced the write wins.
			if t.invalidatedSince(full, g) {
				t.drop(ctx, full)
			}
		}
		return val, nil
	})
	if err != nil {
		return out, err
	}
	return v.(T), nil
}

func (t *Tiered) drop(ctx context.Context, full string) {
	if t.l1 != nil {
		t.l1.Remove(full)
	}
	if err := t.l2.Del(ctx, full); err != nil {
		t.backendFailed("del", full, err)
	}
}
