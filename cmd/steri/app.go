package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rohankatakam/sterisafe/internal/batch"
	"github.com/rohankatakam/sterisafe/internal/cache"
	"github.com/rohankatakam/sterisafe/internal/config"
	"github.com/rohankatakam/sterisafe/internal/dlq"
	"github.com/rohankatakam/sterisafe/internal/events"
	"github.com/rohankatakam/sterisafe/internal/incidents"
	"github.com/rohankatakam/sterisafe/internal/retry"
	"github.com/rohankatakam/sterisafe/internal/risk"
	"github.com/rohankatakam/sterisafe/internal/storage"
	"github.com/rohankatakam/sterisafe/internal/telemetry"
	"github.com/sirupsen/logrus"
)

// app holds every service a command may need, built from one config
type app struct {
	cfg    *config.Config
	logger *logrus.Logger

	db         *sqlx.DB
	incidents  *incidents.Manager
	encounters *incidents.EncounterStore
	tracker    *batch.Tracker
	risk       *risk.Service
	queue      *dlq.Queue
	bus        events.Bus
	registry   *prometheus.Registry
	policy     retry.Policy

	closers []func() error
}

// openApp connects storage, cache and bus according to cfg. The caller
// must Close the app.
func openApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		policy: retry.Policy{
			Attempts:  cfg.Retry.Attempts,
			Timeout:   cfg.Retry.Timeout,
			BaseDelay: cfg.Retry.BaseDelay,
			MaxDelay:  cfg.Retry.MaxDelay,
		},
	}

	if err := a.openStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.registry = prometheus.NewRegistry()
	recorder, err := telemetry.NewPrometheus(a.registry)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	var redisClient *redis.Client
	snapshots, err := a.openCache(ctx, &redisClient)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.bus, err = a.openBus(ctx, redisClient)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.bus.Close)

	a.queue = dlq.NewQueue(a.db, dlq.WithRateLimit(cfg.DLQ.RatePerSecond, cfg.DLQ.Burst))
	a.encounters = incidents.NewEncounterStore(a.db)

	a.incidents = incidents.NewManager(incidents.NewDatabase(a.db), logger,
		incidents.WithEncounters(a.encounters),
		incidents.WithBus(a.bus),
		incidents.WithDeadLetters(a.queue),
		incidents.WithRecorder(recorder),
		incidents.WithExposureLookback(cfg.Incidents.ExposureLookback),
		incidents.WithEncounterFetch(cfg.Incidents.FetchChunkSize, cfg.Incidents.FetchConcurrency),
	)

	a.tracker = batch.NewTracker(batch.NewDatabase(a.db), batch.NewCodeGenerator(nil), logger,
		batch.WithRecorder(recorder))

	serviceOpts := []risk.ServiceOption{risk.WithRecorder(recorder)}
	if snapshots != nil {
		serviceOpts = append(serviceOpts, risk.WithCache(snapshots, cfg.Cache.TTL))
	}
	a.risk = risk.NewService(a.incidents, risk.NewCalculator(logger, riskConfig(cfg.Risk)), logger, serviceOpts...)

	return a, nil
}

func (a *app) openStorage(ctx context.Context) error {
	opts := storage.Options{
		Driver:       a.cfg.Storage.Driver,
		DSN:          a.cfg.Storage.LocalPath,
		MaxOpenConns: a.cfg.Storage.MaxOpenConns,
		MaxIdleConns: a.cfg.Storage.MaxIdleConns,
	}

	if !isSQLite(a.cfg.Storage.Driver) {
		dsn := a.cfg.Storage.PostgresDSN
		if dsn == "" {
			var err error
			dsn, err = config.NewCredentialManager(a.cfg.ResolveMode()).GetPostgresDSN()
			if err != nil {
				return err
			}
		}
		opts.DSN = dsn
	}

	db, err := storage.Open(ctx, opts, a.logger)
	if err != nil {
		return err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	return retry.Do(ctx, a.policy, func(ctx context.Context) error {
		return storage.Migrate(ctx, db)
	})
}

// openCache returns nil when caching is disabled. A redis client opened
// here is handed back so the bus can share it.
func (a *app) openCache(ctx context.Context, client **redis.Client) (risk.SnapshotCache, error) {
	switch a.cfg.Cache.Backend {
	case "redis":
		store, err := cache.NewRedisStore(ctx, a.cfg.Cache.RedisAddr, a.cfg.Cache.RedisPassword, a.cfg.Cache.RedisDB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		*client = store.Client()
		return store, nil
	case "bolt":
		store, err := cache.OpenBoltStore(a.cfg.Cache.BoltPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	}
	return nil, nil
}

func (a *app) openBus(ctx context.Context, client *redis.Client) (events.Bus, error) {
	switch a.cfg.Events.Backend {
	case "redis":
		if client == nil {
			store, err := cache.NewRedisStore(ctx, a.cfg.Cache.RedisAddr, a.cfg.Cache.RedisPassword, a.cfg.Cache.RedisDB)
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, store.Close)
			client = store.Client()
		}
		return events.NewRedisBus(ctx, client, a.cfg.Events.RedisPrefix,
			events.WithConsumer(a.cfg.Events.ConsumerGroup, ""),
			events.WithStreamMaxLen(a.cfg.Events.StreamMaxLen))
	case "nats":
		return events.NewNATSBus(events.NATSConfig{
			URL:     a.cfg.Events.NATSURL,
			Name:    a.cfg.Events.ClientName,
			Stream:  a.cfg.Events.NATSStream,
			Durable: a.cfg.Events.ConsumerGroup,
		})
	}
	return events.NewMemoryBus(), nil
}

// Close releases resources in reverse order of acquisition
func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

// do runs fn under the configured retry policy
func (a *app) do(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, a.policy, fn)
}

func riskConfig(rc config.RiskConfig) *risk.Config {
	out := risk.DefaultConfig()
	out.LowThreshold = rc.LowThreshold
	out.MediumThreshold = rc.MediumThreshold
	out.HighThreshold = rc.HighThreshold
	out.CriticalThreshold = rc.CriticalThreshold
	out.SeverityWeight = rc.SeverityWeight
	out.UnresolvedWeight = rc.UnresolvedWeight
	out.TrendWeight = rc.TrendWeight
	out.DailyRateWeight = rc.DailyRateWeight
	if rc.SeverityCap > 0 {
		out.SeverityCap = rc.SeverityCap
	}
	if rc.TrendCap > 0 {
		out.TrendCap = rc.TrendCap
	}
	if rc.DailyRateCap > 0 {
		out.DailyRateCap = rc.DailyRateCap
	}
	return out
}

func isSQLite(driver string) bool {
	switch driver {
	case "", "sqlite", storage.DriverSQLite:
		return true
	}
	return false
}

// withApp validates cfg for the command context, opens the app and runs fn
func withApp(vctx config.ValidationContext, fn func(ctx context.Context, a *app) error) error {
	result := cfg.Validate(vctx)
	if result.HasErrors() {
		return result.Err()
	}
	for _, w := range result.Warnings {
		logger.Warn(w)
	}

	ctx := context.Background()
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as a time (use RFC 3339 or YYYY-MM-DD)", s)
}
