package config

import (
	"fmt"
	"math"
	"net/url"
	"strings"

	"github.com/rohankatakam/sterisafe/internal/errors"
)

// ValidationContext specifies what configuration is required
type ValidationContext string

const (
	// ValidationContextIncident - incident commands need storage
	ValidationContextIncident ValidationContext = "incident"
	// ValidationContextBatch - batch commands need storage
	ValidationContextBatch ValidationContext = "batch"
	// ValidationContextRisk - scoring needs storage, weights and a cache
	ValidationContextRisk ValidationContext = "risk"
	// ValidationContextWatch - the watcher needs the event bus and metrics
	ValidationContextWatch ValidationContext = "watch"
	// ValidationContextAll - validate all configuration
	ValidationContextAll ValidationContext = "all"
)

// ValidationResult holds validation results
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// AddError adds an error to the validation result
func (vr *ValidationResult) AddError(format string, args ...interface{}) {
	vr.Valid = false
	vr.Errors = append(vr.Errors, fmt.Sprintf(format, args...))
}

// AddWarning adds a warning to the validation result
func (vr *ValidationResult) AddWarning(format string, args ...interface{}) {
	vr.Warnings = append(vr.Warnings, fmt.Sprintf(format, args...))
}

// HasErrors returns true if there are any errors
func (vr *ValidationResult) HasErrors() bool {
	return !vr.Valid || len(vr.Errors) > 0
}

// Error returns a formatted error message
func (vr *ValidationResult) Error() string {
	if !vr.HasErrors() {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Configuration validation failed:\n")
	for _, err := range vr.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err))
	}

	if len(vr.Warnings) > 0 {
		sb.WriteString("\nWarnings:\n")
		for _, warn := range vr.Warnings {
			sb.WriteString(fmt.Sprintf("  ! %s\n", warn))
		}
	}

	return sb.String()
}

// Err returns the result as a config error, or nil when valid
func (vr *ValidationResult) Err() error {
	if !vr.HasErrors() {
		return nil
	}
	return errors.ConfigError(vr.Error())
}

// Validate validates configuration for the given context with the resolved mode
func (c *Config) Validate(ctx ValidationContext) *ValidationResult {
	return c.ValidateWithMode(ctx, c.ResolveMode())
}

// ValidateWithMode validates configuration for the given context and deployment mode
func (c *Config) ValidateWithMode(ctx ValidationContext, mode DeploymentMode) *ValidationResult {
	result := &ValidationResult{Valid: true}

	switch ctx {
	case ValidationContextIncident:
		c.validateStorage(result, mode)
		c.validateIncidents(result)
		c.validateEvents(result)
		c.validateRetry(result)
	case ValidationContextBatch:
		c.validateStorage(result, mode)
		c.validateRetry(result)
	case ValidationContextRisk:
		c.validateStorage(result, mode)
		c.validateRisk(result)
		c.validateCache(result)
	case ValidationContextWatch:
		c.validateEvents(result)
		c.validateTelemetry(result)
		c.validateDLQ(result)
	case ValidationContextAll:
		c.validateStorage(result, mode)
		c.validateCache(result)
		c.validateEvents(result)
		c.validateRisk(result)
		c.validateIncidents(result)
		c.validateRetry(result)
		c.validateDLQ(result)
		c.validateTelemetry(result)
	}

	return result
}

func (c *Config) validateStorage(result *ValidationResult, mode DeploymentMode) {
	switch c.Storage.Driver {
	case "", "sqlite", "sqlite3":
		if c.Storage.LocalPath == "" {
			result.AddError("storage.local_path is required for the sqlite driver")
		}
		if mode == ModeProduction {
			result.AddWarning("sqlite storage is intended for single-workstation use")
		}
		return
	case "pgx", "postgres", "postgresql":
	default:
		result.AddError("storage.driver %q is not one of sqlite, pgx, postgres", c.Storage.Driver)
		return
	}

	dsn := c.Storage.PostgresDSN
	if dsn == "" {
		result.AddError("POSTGRES_DSN is required but not set. Set it via environment variable or run: steri configure --dsn ...")
		return
	}

	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		result.AddError("POSTGRES_DSN must start with postgres:// or postgresql://")
		return
	}
	if _, err := url.Parse(dsn); err != nil {
		result.AddError("POSTGRES_DSN is invalid: %v", err)
		return
	}

	// Localhost and disabled TLS only matter outside development
	if strings.Contains(dsn, "@localhost:") || strings.Contains(dsn, "@localhost/") || strings.Contains(dsn, "@127.0.0.1") {
		if mode.RequiresSecureCredentials() {
			result.AddError("PostgreSQL DSN uses localhost. In %s mode (%s), you must provide a remote database DSN.", mode, mode.Description())
		}
	}
	if strings.Contains(dsn, "sslmode=disable") {
		if mode.RequiresSecureCredentials() {
			result.AddError("PostgreSQL DSN has sslmode=disable. This is not allowed in %s mode. Use sslmode=require or sslmode=verify-full.", mode)
		} else if mode.AllowsDevelopmentDefaults() {
			result.AddWarning("PostgreSQL DSN has sslmode=disable. Consider enabling SSL even for local development.")
		}
	}

	if c.Storage.MaxOpenConns <= 0 {
		result.AddWarning("storage.max_open_conns is not set, will use default (25)")
	}
}

func (c *Config) validateCache(result *ValidationResult) {
	switch c.Cache.Backend {
	case "", "none":
	case "redis":
		if c.Cache.RedisAddr == "" {
			result.AddError("REDIS_ADDR is required when cache.backend is redis")
		}
	case "bolt":
		if c.Cache.BoltPath == "" {
			result.AddError("cache.bolt_path is required when cache.backend is bolt")
		}
	default:
		result.AddError("cache.backend %q is not one of none, redis, bolt", c.Cache.Backend)
	}

	if c.Cache.TTL <= 0 && c.Cache.Backend != "" && c.Cache.Backend != "none" {
		result.AddWarning("cache.ttl is not positive, entries will never expire")
	}
}

func (c *Config) validateEvents(result *ValidationResult) {
	switch c.Events.Backend {
	case "", "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			result.AddError("REDIS_ADDR is required when events.backend is redis")
		}
	case "nats":
		if c.Events.NATSURL == "" {
			result.AddError("NATS_URL is required when events.backend is nats")
		} else if _, err := url.Parse(c.Events.NATSURL); err != nil {
			result.AddError("NATS_URL is invalid: %v", err)
		}
	default:
		result.AddError("events.backend %q is not one of memory, redis, nats", c.Events.Backend)
	}

	if c.Events.Backend == "redis" || c.Events.Backend == "nats" {
		if c.Events.ConsumerGroup == "" {
			result.AddWarning("events.consumer_group is not set, subscribers share the default group")
		}
		if c.Events.StreamMaxLen < 0 {
			result.AddError("events.stream_max_len cannot be negative, got %d", c.Events.StreamMaxLen)
		}
	}
}

func (c *Config) validateRisk(result *ValidationResult) {
	if c.Risk.WindowDays <= 0 {
		result.AddError("risk.window_days must be positive, got %d", c.Risk.WindowDays)
	}

	// Validate thresholds are in ascending order
	thresholds := []float64{
		c.Risk.LowThreshold,
		c.Risk.MediumThreshold,
		c.Risk.HighThreshold,
		c.Risk.CriticalThreshold,
	}

	for i := 1; i < len(thresholds); i++ {
		if thresholds[i] <= thresholds[i-1] {
			result.AddError("Risk thresholds must be in ascending order")
			break
		}
	}

	for i, threshold := range thresholds {
		if threshold < 0 || threshold > 1 {
			result.AddError("Risk threshold %d is out of range [0,1]: %.2f", i, threshold)
		}
	}

	weights := []float64{
		c.Risk.SeverityWeight,
		c.Risk.UnresolvedWeight,
		c.Risk.TrendWeight,
		c.Risk.DailyRateWeight,
	}
	for _, w := range weights {
		if w < 0 {
			result.AddError("Risk weights cannot be negative: %.2f", w)
		}
	}

	// A flat trend adds nothing, so the other three must cover the scale
	steady := c.Risk.SeverityWeight + c.Risk.UnresolvedWeight + c.Risk.DailyRateWeight
	if steady < 1-0.001 {
		result.AddWarning("Severity, unresolved and daily rate weights sum to %.2f; a facility with a flat trend can never score 100", steady)
	}

	caps := map[string]float64{
		"risk.severity_cap":   c.Risk.SeverityCap,
		"risk.trend_cap":      c.Risk.TrendCap,
		"risk.daily_rate_cap": c.Risk.DailyRateCap,
	}
	for _, name := range []string{"risk.severity_cap", "risk.trend_cap", "risk.daily_rate_cap"} {
		if caps[name] <= 0 || math.IsNaN(caps[name]) || math.IsInf(caps[name], 0) {
			result.AddError("%s must be a positive number, got %v", name, caps[name])
		}
	}
}

func (c *Config) validateIncidents(result *ValidationResult) {
	if c.Incidents.ExposureLookback <= 0 {
		result.AddError("incidents.exposure_lookback must be positive")
	}
	if c.Incidents.FetchChunkSize <= 0 {
		result.AddWarning("incidents.fetch_chunk_size is not positive, will use default (50)")
	}
	if c.Incidents.FetchConcurrency <= 0 {
		result.AddWarning("incidents.fetch_concurrency is not positive, will use default (4)")
	}
}

func (c *Config) validateRetry(result *ValidationResult) {
	if c.Retry.Attempts < 1 {
		result.AddError("retry.attempts must be at least 1, got %d", c.Retry.Attempts)
	}
	if c.Retry.Timeout <= 0 {
		result.AddError("retry.timeout must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		result.AddWarning("retry.max_delay is below retry.base_delay; every wait will be max_delay")
	}
}

func (c *Config) validateDLQ(result *ValidationResult) {
	if c.DLQ.MaxRetries < 1 {
		result.AddError("dlq.max_retries must be at least 1, got %d", c.DLQ.MaxRetries)
	}
	if c.DLQ.RatePerSecond <= 0 || c.DLQ.Burst <= 0 {
		result.AddWarning("dlq rate limit is not positive, will use default (20/s, burst 5)")
	}
}

func (c *Config) validateTelemetry(result *ValidationResult) {
	if c.Telemetry.MetricsAddr == "" {
		result.AddWarning("telemetry.metrics_addr is not set, /metrics will not be served")
	}
}

// RequirePostgres checks the postgres settings regardless of the chosen driver
func (c *Config) RequirePostgres() error {
	result := &ValidationResult{Valid: true}
	cfg := *c
	if cfg.Storage.Driver == "" || cfg.Storage.Driver == "sqlite" || cfg.Storage.Driver == "sqlite3" {
		cfg.Storage.Driver = "pgx"
	}
	cfg.validateStorage(result, c.ResolveMode())
	return result.Err()
}
