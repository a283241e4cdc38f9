package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Activity  ActivityConfig  `mapstructure:"activity"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Rewards   RewardsConfig   `mapstructure:"rewards"`
	Security  SecurityConfig  `mapstructure:"security"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Port     int      `mapstructure:"port"`
	Debug    bool     `mapstructure:"debug"`
	AdminKey string   `mapstructure:"admin_key"`
	AdminIPs []string `mapstructure:"admin_ips"`
}

type DatabaseConfig struct {
	Mode        string        `mapstructure:"mode"` // sqlite | mysql | postgres
	SQLitePath  string        `mapstructure:"sqlite_path"`
	MySQLDSN    string        `mapstructure:"mysql_dsn"`
	PostgresDSN string        `mapstructure:"postgres_dsn"`
	MaxOpen     int           `mapstructure:"max_open"`
	MaxIdle     int           `mapstructure:"max_idle"`
	MaxLife     time.Duration `mapstructure:"max_life"`
}

type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
	LocalPubSubBuf  int           `mapstructure:"local_pubsub_buf"`
	L1Size          int           `mapstructure:"l1_size"`
	// TTL maps a cache namespace to its default entry lifetime.
	TTL map[string]time.Duration `mapstructure:"ttl"`
}

type ActivityConfig struct {
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	MaxPending      int           `mapstructure:"max_pending"`
	QueueSize       int           `mapstructure:"queue_size"`
	EnqueueTimeout  time.Duration `mapstructure:"enqueue_timeout"`
	RetryAttempts   uint          `mapstructure:"retry_attempts"`
	RetryInitial    time.Duration `mapstructure:"retry_initial"`
	RetryMax        time.Duration `mapstructure:"retry_max"`
	DispatchWorkers int           `mapstructure:"dispatch_workers"`
}

type LifecycleConfig struct {
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	Workers            int           `mapstructure:"workers"`
	ResetHour          int           `mapstructure:"reset_hour"`
	ResetWeekday       int           `mapstructure:"reset_weekday"`
	AutoGenerate       bool          `mapstructure:"auto_generate"`
	EligibleWindow     time.Duration `mapstructure:"eligible_window"`
	CohortBatch        int           `mapstructure:"cohort_batch"`
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
	DailyTemplatePicks int           `mapstructure:"daily_template_picks"`
}

type RewardsConfig struct {
	LevelBase        float64 `mapstructure:"level_base"`
	LevelExponent    float64 `mapstructure:"level_exponent"`
	CompletionRetry  uint    `mapstructure:"completion_retry"`
	LeaderboardLimit int     `mapstructure:"leaderboard_limit"`

	ActivityXP ActivityXPConfig `mapstructure:"activity_xp"`
}

// ActivityXPConfig sets the XP earned directly from activity, outside quests.
type ActivityXPConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MessageMin       int64         `mapstructure:"message_min"`
	MessageMax       int64         `mapstructure:"message_max"`
	MessageCooldown  time.Duration `mapstructure:"message_cooldown"`
	ReactionXP       int64         `mapstructure:"reaction_xp"`
	VoiceXPPerMinute int64         `mapstructure:"voice_xp_per_minute"`
}

type SecurityConfig struct {
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

// Load reads config from the given YAML file path. Every key may be
// overridden from the environment, e.g. ENGAGEMENT_DATABASE_MODE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ENGAGEMENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.debug", false)
	v.SetDefault("database.mode", "sqlite")
	v.SetDefault("database.sqlite_path", "./data/engagement.db")
	v.SetDefault("database.max_open", 50)
	v.SetDefault("database.max_idle", 10)
	v.SetDefault("database.max_life", "1h")
	v.SetDefault("cache.local_gc_interval", "30s")
	v.SetDefault("cache.local_pubsub_buf", 256)
	v.SetDefault("cache.l1_size", 4096)
	v.SetDefault("cache.ttl", map[string]string{
		"quest":              "5m",
		"guild_quests":       "5m",
		"guild_achievements": "10m",
		"user_quests":        "2m",
		"user_stats":         "2m",
		"server_config":      "5m",
	})
	v.SetDefault("activity.flush_interval", "2s")
	v.SetDefault("activity.max_pending", 500)
	v.SetDefault("activity.queue_size", 4096)
	v.SetDefault("activity.enqueue_timeout", "50ms")
	v.SetDefault("activity.retry_attempts", 5)
	v.SetDefault("activity.retry_initial", "100ms")
	v.SetDefault("activity.retry_max", "5s")
	v.SetDefault("activity.dispatch_workers", 8)
	v.SetDefault("lifecycle.tick_interval", "1h")
	v.SetDefault("lifecycle.workers", 4)
	v.SetDefault("lifecycle.reset_hour", 0)
	v.SetDefault("lifecycle.reset_weekday", 1)
	v.SetDefault("lifecycle.auto_generate", true)
	v.SetDefault("lifecycle.eligible_window", "168h")
	v.SetDefault("lifecycle.cohort_batch", 200)
	v.SetDefault("lifecycle.lock_ttl", "10m")
	v.SetDefault("lifecycle.daily_template_picks", 3)
	v.SetDefault("rewards.level_base", 100)
	v.SetDefault("rewards.level_exponent", 1.8)
	v.SetDefault("rewards.completion_retry", 3)
	v.SetDefault("rewards.leaderboard_limit", 100)
	v.SetDefault("rewards.activity_xp.enabled", false)
	v.SetDefault("rewards.activity_xp.message_min", 10)
	v.SetDefault("rewards.activity_xp.message_max", 20)
	v.SetDefault("rewards.activity_xp.message_cooldown", "60s")
	v.SetDefault("rewards.activity_xp.reaction_xp", 1)
	v.SetDefault("rewards.activity_xp.voice_xp_per_minute", 5)
	v.SetDefault("security.rate_limit_rps", 100)
	v.SetDefault("security.rate_limit_burst", 200)
	v.SetDefault("log.level", "info")
	v.SetDefault("telemetry.service_name", "engagement")
}
