package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"yieldfarm/native/common"
	"yieldfarm/observability/logging"
)

const (
	defaultListen        = ":8080"
	defaultStorageAsset  = "native"
	defaultRetrySchedule = "@every 30s"
	defaultPruneSchedule = "@every 1h"
	defaultReportCron    = "0 0 * * * *"
	defaultRedisStream   = "farming:events"
)

// Duration decodes Go duration strings ("30s", "168h") from YAML and TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.Duration.String()), nil }

// Config captures the runtime settings for the farming daemon.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen"`
	Env           string          `yaml:"env" toml:"env"`
	Log           LogConfig       `yaml:"log" toml:"log"`
	Engine        EngineConfig    `yaml:"engine" toml:"engine"`
	Auth          AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Outbox        OutboxConfig    `yaml:"outbox" toml:"outbox"`
	Events        EventsConfig    `yaml:"events" toml:"events"`
	Reports       ReportsConfig   `yaml:"reports" toml:"reports"`
	Telemetry     TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

type LogConfig struct {
	Level string              `yaml:"level" toml:"level"`
	File  *logging.FileConfig `yaml:"file" toml:"file"`
}

// EngineConfig configures the farming engine and its state backend.
type EngineConfig struct {
	// Admin is recorded for operators only and grants no privileges.
	Admin        string `yaml:"admin" toml:"admin"`
	StorageAsset string `yaml:"storage_asset" toml:"storage_asset"`
	// ByteCost is the storage credit charged per persisted byte, in base units.
	ByteCost string `yaml:"byte_cost" toml:"byte_cost"`
	// DataDir holds the persistent state. Empty keeps state in memory.
	DataDir string `yaml:"data_dir" toml:"data_dir"`
	// Backend is "leveldb" (a directory) or "bolt" (DataDir/state.db).
	Backend string `yaml:"backend" toml:"backend"`
}

// AuthConfig lists the credentials accepted by the API.
type AuthConfig struct {
	JWT            JWTConfig `yaml:"jwt" toml:"jwt"`
	NotifierTokens []string  `yaml:"notifier_tokens" toml:"notifier_tokens"`
}

// JWTConfig verifies HS256 bearer tokens whose subject is the caller account.
type JWTConfig struct {
	Secret    string   `yaml:"secret" toml:"secret"`
	SecretEnv string   `yaml:"secret_env" toml:"secret_env"`
	Issuer    string   `yaml:"issuer" toml:"issuer"`
	Audience  []string `yaml:"audience" toml:"audience"`
}

type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// OutboxConfig drives persistence and delivery of outbound transfers.
type OutboxConfig struct {
	Driver        string   `yaml:"driver" toml:"driver"`
	DSN           string   `yaml:"dsn" toml:"dsn"`
	Endpoint      string   `yaml:"endpoint" toml:"endpoint"`
	Workers       int      `yaml:"workers" toml:"workers"`
	QueueSize     int      `yaml:"queue_size" toml:"queue_size"`
	MaxAttempts   int      `yaml:"max_attempts" toml:"max_attempts"`
	Timeout       Duration `yaml:"timeout" toml:"timeout"`
	RetrySchedule string   `yaml:"retry_schedule" toml:"retry_schedule"`
	PruneSchedule string   `yaml:"prune_schedule" toml:"prune_schedule"`
	Retention     Duration `yaml:"retention" toml:"retention"`
}

type EventsConfig struct {
	SubscriberBuffer int         `yaml:"subscriber_buffer" toml:"subscriber_buffer"`
	Redis            RedisConfig `yaml:"redis" toml:"redis"`
}

// RedisConfig enables the event stream publisher when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Stream   string `yaml:"stream" toml:"stream"`
	MaxLen   int64  `yaml:"max_len" toml:"max_len"`
}

// ReportsConfig schedules stake snapshots. An empty Dir disables them.
type ReportsConfig struct {
	Dir      string `yaml:"dir" toml:"dir"`
	Schedule string `yaml:"schedule" toml:"schedule"`
	Retain   int    `yaml:"retain" toml:"retain"`
}

type TelemetryConfig struct {
	Endpoint       string   `yaml:"endpoint" toml:"endpoint"`
	Insecure       bool     `yaml:"insecure" toml:"insecure"`
	Traces         bool     `yaml:"traces" toml:"traces"`
	Metrics        bool     `yaml:"metrics" toml:"metrics"`
	SampleRatio    float64  `yaml:"sample_ratio" toml:"sample_ratio"`
	ServiceVersion string   `yaml:"service_version" toml:"service_version"`
	ExportInterval Duration `yaml:"export_interval" toml:"export_interval"`
}

// Load reads a YAML or TOML configuration (chosen by file extension) and
// validates the result.
func Load(path string) (Config, error) {
	var cfg Config
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("decode config: unknown key %s", undecoded[0])
		}
	default:
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	if env := strings.TrimSpace(os.Getenv("FARMINGD_ENV")); env != "" {
		cfg.Env = env
	}
	cfg.Env = strings.TrimSpace(cfg.Env)

	cfg.Engine.Admin = strings.TrimSpace(cfg.Engine.Admin)
	cfg.Engine.StorageAsset = strings.TrimSpace(cfg.Engine.StorageAsset)
	if cfg.Engine.StorageAsset == "" {
		cfg.Engine.StorageAsset = defaultStorageAsset
	}
	cfg.Engine.ByteCost = strings.TrimSpace(cfg.Engine.ByteCost)
	cfg.Engine.DataDir = strings.TrimSpace(cfg.Engine.DataDir)
	if cfg.Engine.Backend = strings.ToLower(strings.TrimSpace(cfg.Engine.Backend)); cfg.Engine.Backend == "" {
		cfg.Engine.Backend = BackendLevelDB
	}

	cfg.Auth.JWT.Secret = strings.TrimSpace(cfg.Auth.JWT.Secret)
	if cfg.Auth.JWT.Secret == "" && strings.TrimSpace(cfg.Auth.JWT.SecretEnv) != "" {
		cfg.Auth.JWT.Secret = strings.TrimSpace(os.Getenv(strings.TrimSpace(cfg.Auth.JWT.SecretEnv)))
	}
	cfg.Auth.JWT.Issuer = strings.TrimSpace(cfg.Auth.JWT.Issuer)
	cfg.Auth.JWT.Audience = trimAll(cfg.Auth.JWT.Audience)
	cfg.Auth.NotifierTokens = trimAll(cfg.Auth.NotifierTokens)

	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 50
	}

	o := &cfg.Outbox
	o.Driver = strings.ToLower(strings.TrimSpace(o.Driver))
	if o.Driver == "" {
		o.Driver = "sqlite"
	}
	o.DSN = strings.TrimSpace(o.DSN)
	if o.DSN == "" && o.Driver == "sqlite" {
		o.DSN = "file:farming-outbox.db"
	}
	o.Endpoint = strings.TrimSpace(o.Endpoint)
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Timeout.Duration <= 0 {
		o.Timeout.Duration = 10 * time.Second
	}
	if o.RetrySchedule = strings.TrimSpace(o.RetrySchedule); o.RetrySchedule == "" {
		o.RetrySchedule = defaultRetrySchedule
	}
	if o.PruneSchedule = strings.TrimSpace(o.PruneSchedule); o.PruneSchedule == "" {
		o.PruneSchedule = defaultPruneSchedule
	}
	if o.Retention.Duration <= 0 {
		o.Retention.Duration = 7 * 24 * time.Hour
	}

	if cfg.Events.SubscriberBuffer <= 0 {
		cfg.Events.SubscriberBuffer = 32
	}
	cfg.Events.Redis.Addr = strings.TrimSpace(cfg.Events.Redis.Addr)
	if cfg.Events.Redis.Stream = strings.TrimSpace(cfg.Events.Redis.Stream); cfg.Events.Redis.Stream == "" {
		cfg.Events.Redis.Stream = defaultRedisStream
	}
	if cfg.Events.Redis.MaxLen <= 0 {
		cfg.Events.Redis.MaxLen = 100_000
	}

	cfg.Reports.Dir = strings.TrimSpace(cfg.Reports.Dir)
	if cfg.Reports.Schedule = strings.TrimSpace(cfg.Reports.Schedule); cfg.Reports.Schedule == "" {
		cfg.Reports.Schedule = defaultReportCron
	}
	if cfg.Reports.Retain <= 0 {
		cfg.Reports.Retain = 24
	}

	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
	cfg.Telemetry.ServiceVersion = strings.TrimSpace(cfg.Telemetry.ServiceVersion)
	if cfg.Telemetry.ExportInterval.Duration <= 0 {
		cfg.Telemetry.ExportInterval.Duration = 15 * time.Second
	}
}

// State backends selectable through engine.backend.
const (
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
)

// ScheduleParser accepts five- or six-field cron expressions and descriptors such
// as "@every 30s".
var ScheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if cfg.Engine.ByteCost != "" {
		if _, err := common.ParseAmount(cfg.Engine.ByteCost); err != nil {
			return fmt.Errorf("engine: byte_cost: %w", err)
		}
	}
	switch cfg.Engine.Backend {
	case BackendLevelDB, BackendBolt:
	default:
		return fmt.Errorf("engine: unsupported backend %q", cfg.Engine.Backend)
	}
	if cfg.Auth.JWT.Secret == "" {
		return fmt.Errorf("auth: jwt secret is required (set jwt.secret or jwt.secret_env)")
	}
	if len(cfg.Auth.NotifierTokens) == 0 {
		return fmt.Errorf("auth: at least one notifier token must be configured")
	}
	switch cfg.Outbox.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Outbox.DSN == "" {
			return fmt.Errorf("outbox: dsn is required for postgres")
		}
	default:
		return fmt.Errorf("outbox: unsupported driver %q", cfg.Outbox.Driver)
	}
	for name, expr := range map[string]string{
		"outbox.retry_schedule": cfg.Outbox.RetrySchedule,
		"outbox.prune_schedule": cfg.Outbox.PruneSchedule,
		"reports.schedule":      cfg.Reports.Schedule,
	} {
		if _, err := ScheduleParser.Parse(expr); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0,1]")
	}
	return nil
}

// RedisEnabled reports whether events should be mirrored to a redis stream.
func (cfg Config) RedisEnabled() bool { return cfg.Events.Redis.Addr != "" }

// ReportsEnabled reports whether stake snapshots are scheduled.
func (cfg Config) ReportsEnabled() bool { return cfg.Reports.Dir != "" }
