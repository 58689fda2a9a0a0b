package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings
type Config struct {
	// Deployment mode override: "development", "production", "ci"
	Mode string `yaml:"mode" mapstructure:"mode"`

	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Events    EventsConfig    `yaml:"events" mapstructure:"events"`
	Risk      RiskConfig      `yaml:"risk" mapstructure:"risk"`
	Incidents IncidentsConfig `yaml:"incidents" mapstructure:"incidents"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	DLQ       DLQConfig       `yaml:"dlq" mapstructure:"dlq"`
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
}

type StorageConfig struct {
	Driver       string `yaml:"driver" mapstructure:"driver"` // "sqlite", "pgx", "postgres"
	PostgresDSN  string `yaml:"postgres_dsn" mapstructure:"postgres_dsn"`
	LocalPath    string `yaml:"local_path" mapstructure:"local_path"`
	MaxOpenConns int    `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
}

type CacheConfig struct {
	Backend       string        `yaml:"backend" mapstructure:"backend"` // "none", "redis", "bolt"
	RedisAddr     string        `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string        `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB       int           `yaml:"redis_db" mapstructure:"redis_db"`
	BoltPath      string        `yaml:"bolt_path" mapstructure:"bolt_path"`
	TTL           time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

type EventsConfig struct {
	Backend     string `yaml:"backend" mapstructure:"backend"` // "memory", "redis", "nats"
	RedisPrefix string `yaml:"redis_prefix" mapstructure:"redis_prefix"`
	NATSURL     string `yaml:"nats_url" mapstructure:"nats_url"`
	ClientName  string `yaml:"client_name" mapstructure:"client_name"`

	// ConsumerGroup names this subscriber's durable position on the bus
	ConsumerGroup string `yaml:"consumer_group" mapstructure:"consumer_group"`
	StreamMaxLen  int64  `yaml:"stream_max_len" mapstructure:"stream_max_len"`
	NATSStream    string `yaml:"nats_stream" mapstructure:"nats_stream"`
}

type RiskConfig struct {
	WindowDays int `yaml:"window_days" mapstructure:"window_days"`

	LowThreshold      float64 `yaml:"low_threshold" mapstructure:"low_threshold"`
	MediumThreshold   float64 `yaml:"medium_threshold" mapstructure:"medium_threshold"`
	HighThreshold     float64 `yaml:"high_threshold" mapstructure:"high_threshold"`
	CriticalThreshold float64 `yaml:"critical_threshold" mapstructure:"critical_threshold"`

	SeverityWeight   float64 `yaml:"severity_weight" mapstructure:"severity_weight"`
	UnresolvedWeight float64 `yaml:"unresolved_weight" mapstructure:"unresolved_weight"`
	TrendWeight      float64 `yaml:"trend_weight" mapstructure:"trend_weight"`
	DailyRateWeight  float64 `yaml:"daily_rate_weight" mapstructure:"daily_rate_weight"`

	// Raw component values at which each weight is fully spent
	SeverityCap  float64 `yaml:"severity_cap" mapstructure:"severity_cap"`
	TrendCap     float64 `yaml:"trend_cap" mapstructure:"trend_cap"`
	DailyRateCap float64 `yaml:"daily_rate_cap" mapstructure:"daily_rate_cap"`
}

type IncidentsConfig struct {
	ExposureLookback time.Duration `yaml:"exposure_lookback" mapstructure:"exposure_lookback"`
	FetchChunkSize   int           `yaml:"fetch_chunk_size" mapstructure:"fetch_chunk_size"`
	FetchConcurrency int           `yaml:"fetch_concurrency" mapstructure:"fetch_concurrency"`
}

type RetryConfig struct {
	Attempts  int           `yaml:"attempts" mapstructure:"attempts"`
	Timeout   time.Duration `yaml:"timeout" mapstructure:"timeout"`
	BaseDelay time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
}

type DLQConfig struct {
	MaxRetries    int           `yaml:"max_retries" mapstructure:"max_retries"`
	RatePerSecond float64       `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst         int           `yaml:"burst" mapstructure:"burst"`
	Retention     time.Duration `yaml:"retention" mapstructure:"retention"`
}

type TelemetryConfig struct {
	MetricsAddr string `yaml:"metrics_addr" mapstructure:"metrics_addr"`
}

type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	Dir   string `yaml:"dir" mapstructure:"dir"`
}

// Default returns default configuration
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	base := filepath.Join(homeDir, ".sterisafe")
	return &Config{
		Storage: StorageConfig{
			Driver:       "sqlite",
			LocalPath:    filepath.Join(base, "sterisafe.db"),
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Cache: CacheConfig{
			Backend:  "none",
			BoltPath: filepath.Join(base, "cache.db"),
			TTL:      15 * time.Minute,
		},
		Events: EventsConfig{
			Backend:     "memory",
			RedisPrefix: "sterisafe",
			ClientName:  "steri",

			ConsumerGroup: "steri-watch",
			StreamMaxLen:  10000,
			NATSStream:    "STERISAFE",
		},
		Risk: RiskConfig{
			WindowDays:        30,
			LowThreshold:      0.25,
			MediumThreshold:   0.50,
			HighThreshold:     0.75,
			CriticalThreshold: 0.90,
			SeverityWeight:    0.40,
			UnresolvedWeight:  0.30,
			TrendWeight:       0.15,
			DailyRateWeight:   0.30,
			SeverityCap:       10,
			TrendCap:          2,
			DailyRateCap:      1,
		},
		Incidents: IncidentsConfig{
			ExposureLookback: 7 * 24 * time.Hour,
			FetchChunkSize:   50,
			FetchConcurrency: 4,
		},
		Retry: RetryConfig{
			Attempts:  3,
			Timeout:   5 * time.Second,
			BaseDelay: 100 * time.Millisecond,
			MaxDelay:  2 * time.Second,
		},
		DLQ: DLQConfig{
			MaxRetries:    5,
			RatePerSecond: 20,
			Burst:         5,
			Retention:     30 * 24 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			MetricsAddr: ":9090",
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   filepath.Join(base, "logs"),
		},
	}
}

// setDefaults registers every leaf so STERISAFE_SECTION_KEY env vars bind
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("mode", cfg.Mode)

	v.SetDefault("storage.driver", cfg.Storage.Driver)
	v.SetDefault("storage.postgres_dsn", cfg.Storage.PostgresDSN)
	v.SetDefault("storage.local_path", cfg.Storage.LocalPath)
	v.SetDefault("storage.max_open_conns", cfg.Storage.MaxOpenConns)
	v.SetDefault("storage.max_idle_conns", cfg.Storage.MaxIdleConns)

	v.SetDefault("cache.backend", cfg.Cache.Backend)
	v.SetDefault("cache.redis_addr", cfg.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", cfg.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", cfg.Cache.RedisDB)
	v.SetDefault("cache.bolt_path", cfg.Cache.BoltPath)
	v.SetDefault("cache.ttl", cfg.Cache.TTL)

	v.SetDefault("events.backend", cfg.Events.Backend)
	v.SetDefault("events.redis_prefix", cfg.Events.RedisPrefix)
	v.SetDefault("events.nats_url", cfg.Events.NATSURL)
	v.SetDefault("events.client_name", cfg.Events.ClientName)
	v.SetDefault("events.consumer_group", cfg.Events.ConsumerGroup)
	v.SetDefault("events.stream_max_len", cfg.Events.StreamMaxLen)
	v.SetDefault("events.nats_stream", cfg.Events.NATSStream)

	v.SetDefault("risk.window_days", cfg.Risk.WindowDays)
	v.SetDefault("risk.low_threshold", cfg.Risk.LowThreshold)
	v.SetDefault("risk.medium_threshold", cfg.Risk.MediumThreshold)
	v.SetDefault("risk.high_threshold", cfg.Risk.HighThreshold)
	v.SetDefault("risk.critical_threshold", cfg.Risk.CriticalThreshold)
	v.SetDefault("risk.severity_weight", cfg.Risk.SeverityWeight)
	v.SetDefault("risk.unresolved_weight", cfg.Risk.UnresolvedWeight)
	v.SetDefault("risk.trend_weight", cfg.Risk.TrendWeight)
	v.SetDefault("risk.daily_rate_weight", cfg.Risk.DailyRateWeight)
	v.SetDefault("risk.severity_cap", cfg.Risk.SeverityCap)
	v.SetDefault("risk.trend_cap", cfg.Risk.TrendCap)
	v.SetDefault("risk.daily_rate_cap", cfg.Risk.DailyRateCap)

	v.SetDefault("incidents.exposure_lookback", cfg.Incidents.ExposureLookback)
	v.SetDefault("incidents.fetch_chunk_size", cfg.Incidents.FetchChunkSize)
	v.SetDefault("incidents.fetch_concurrency", cfg.Incidents.FetchConcurrency)

	v.SetDefault("retry.attempts", cfg.Retry.Attempts)
	v.SetDefault("retry.timeout", cfg.Retry.Timeout)
	v.SetDefault("retry.base_delay", cfg.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", cfg.Retry.MaxDelay)

	v.SetDefault("dlq.max_retries", cfg.DLQ.MaxRetries)
	v.SetDefault("dlq.rate_per_second", cfg.DLQ.RatePerSecond)
	v.SetDefault("dlq.burst", cfg.DLQ.Burst)
	v.SetDefault("dlq.retention", cfg.DLQ.Retention)

	v.SetDefault("telemetry.metrics_addr", cfg.Telemetry.MetricsAddr)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.dir", cfg.Logging.Dir)
}

// Load loads configuration from file. Precedence, lowest first: defaults,
// config file, STERISAFE_* variables, well-known service variables
// (POSTGRES_DSN, REDIS_ADDR, NATS_URL), and the OS keychain for a DSN
// that is still unset.
func Load(path string) (*Config, error) {
	// Load .env files first (in order of precedence)
	loadEnvFiles()

	v := viper.New()
	v.SetConfigType("yaml")

	cfg := Default()
	setDefaults(v, cfg)

	v.SetEnvPrefix("STERISAFE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".sterisafe")
		v.AddConfigPath(".")
		homeDir, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(homeDir, ".sterisafe"))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides applies well-known service variables on top of viper
func applyEnvOverrides(cfg *Config) {
	// Storage configuration
	// Precedence: 1. Env var (highest) 2. Config file 3. Keychain
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		cfg.Storage.PostgresDSN = dsn
		if cfg.Storage.Driver == "sqlite" && os.Getenv("STERISAFE_STORAGE_DRIVER") == "" {
			cfg.Storage.Driver = "pgx"
		}
	} else if cfg.Storage.PostgresDSN == "" && cfg.Storage.Driver != "sqlite" {
		km := NewKeyringManager()
		if km.IsAvailable() {
			if dsn, err := km.GetPostgresDSN(); err == nil && dsn != "" {
				cfg.Storage.PostgresDSN = dsn
			}
		}
	}
	if path := os.Getenv("LOCAL_DB_PATH"); path != "" {
		cfg.Storage.LocalPath = expandPath(path)
	}
	cfg.Storage.LocalPath = expandPath(cfg.Storage.LocalPath)

	// Cache configuration
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Cache.RedisAddr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Cache.RedisPassword = password
	} else if cfg.Cache.RedisPassword == "" && (cfg.Cache.Backend == "redis" || cfg.Events.Backend == "redis") {
		km := NewKeyringManager()
		if km.IsAvailable() {
			if password, err := km.GetRedisPassword(); err == nil {
				cfg.Cache.RedisPassword = password
			}
		}
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			cfg.Cache.RedisDB = n
		}
	}
	cfg.Cache.BoltPath = expandPath(cfg.Cache.BoltPath)

	// Event bus configuration
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.Events.NATSURL = url
	}

	// Logging
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	cfg.Logging.Dir = expandPath(cfg.Logging.Dir)
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Save saves configuration to file. The DSN is never written; it belongs
// in the keychain or the environment.
func (c *Config) Save(path string) error {
	out := *c
	out.Storage.PostgresDSN = ""
	out.Cache.RedisPassword = ""

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
