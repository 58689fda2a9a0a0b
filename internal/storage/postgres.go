package storage

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// openPostgres connects through pgx (default) or lib/pq
func openPostgres(ctx context.Context, driver string, opts Options, logger *logrus.Logger) (*sqlx.DB, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("postgres storage requires a DSN")
	}

	db, err := sqlx.ConnectContext(ctx, driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	// Configure connection pool
	maxOpen, maxIdle := opts.MaxOpenConns, opts.MaxIdleConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	if maxIdle <= 0 {
		maxIdle = 5
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	logger.WithFields(logrus.Fields{
		"driver":   driver,
		"max_open": maxOpen,
		"max_idle": maxIdle,
	}).Debug("Opened postgres database")

	return db, nil
}

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		incident_number TEXT NOT NULL,
		facility_id TEXT NOT NULL,
		severity TEXT NOT NULL CHECK (severity IN ('critical', 'high', 'medium', 'low')),
		status TEXT NOT NULL CHECK (status IN ('open', 'resolved')),
		failure_date TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		resolved_at TIMESTAMPTZ,
		affected_tools_count INTEGER NOT NULL DEFAULT 0,
		affected_batch_ids TEXT NOT NULL DEFAULT '[]',
		detected_by TEXT NOT NULL,
		regulatory_notification_sent BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (facility_id, incident_number)
	);

	CREATE TABLE IF NOT EXISTS incident_audit (
		id TEXT PRIMARY KEY,
		incident_id TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		action TEXT NOT NULL,
		operator TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		batch_code TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('creating', 'ready', 'in_autoclave', 'completed')),
		mode TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		tools TEXT NOT NULL DEFAULT '[]',
		package TEXT NOT NULL DEFAULT '{}',
		sterilization_info TEXT NOT NULL DEFAULT '{}',
		audit_trail TEXT NOT NULL DEFAULT '[]',
		version INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS encounters (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		batch_id TEXT NOT NULL,
		tool_id TEXT NOT NULL DEFAULT '',
		occurred_at TIMESTAMPTZ NOT NULL,
		contact_class TEXT NOT NULL CHECK (contact_class IN ('critical', 'semi_critical', 'non_critical'))
	);

	CREATE TABLE IF NOT EXISTS dead_letter_queue (
		id TEXT PRIMARY KEY,
		topic TEXT NOT NULL,
		event_key TEXT NOT NULL,
		payload TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_retry_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		UNIQUE (topic, event_key)
	);

	CREATE INDEX IF NOT EXISTS idx_incidents_facility_created ON incidents(facility_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_incident_audit_incident ON incident_audit(incident_id, seq);
	CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(status);
	CREATE INDEX IF NOT EXISTS idx_encounters_batch_time ON encounters(batch_id, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_dlq_created ON dead_letter_queue(created_at);
`
