package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// openSQLite opens a file (or :memory:) database for local use and tests
func openSQLite(ctx context.Context, path string, logger *logrus.Logger) (*sqlx.DB, error) {
	if path == "" {
		path = ":memory:"
	}

	if !strings.HasPrefix(path, ":memory:") && !strings.HasPrefix(path, "file:") {
		// Ensure directory exists
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&_busy_timeout=5000"
	}

	db, err := sqlx.ConnectContext(ctx, DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to sqlite: %w", err)
	}

	// One writer at a time. This also keeps :memory: databases from
	// splitting across pooled connections.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
			logger.WithError(err).Warn("Could not enable WAL journal")
		}
	}

	logger.WithField("path", path).Debug("Opened sqlite database")
	return db, nil
}

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		incident_number TEXT NOT NULL,
		facility_id TEXT NOT NULL,
		severity TEXT NOT NULL CHECK (severity IN ('critical', 'high', 'medium', 'low')),
		status TEXT NOT NULL CHECK (status IN ('open', 'resolved')),
		failure_date DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		resolved_at DATETIME,
		affected_tools_count INTEGER NOT NULL DEFAULT 0,
		affected_batch_ids TEXT NOT NULL DEFAULT '[]',
		detected_by TEXT NOT NULL,
		regulatory_notification_sent INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL,
		UNIQUE (facility_id, incident_number)
	);

	CREATE TABLE IF NOT EXISTS incident_audit (
		id TEXT PRIMARY KEY,
		incident_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		timestamp DATETIME NOT NULL,
		action TEXT NOT NULL,
		operator TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		FOREIGN KEY (incident_id) REFERENCES incidents(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		batch_code TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('creating', 'ready', 'in_autoclave', 'completed')),
		mode TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
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
		occurred_at DATETIME NOT NULL,
		contact_class TEXT NOT NULL CHECK (contact_class IN ('critical', 'semi_critical', 'non_critical'))
	);

	CREATE TABLE IF NOT EXISTS dead_letter_queue (
		id TEXT PRIMARY KEY,
		topic TEXT NOT NULL,
		event_key TEXT NOT NULL,
		payload TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_retry_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		UNIQUE (topic, event_key)
	);

	CREATE INDEX IF NOT EXISTS idx_incidents_facility_created ON incidents(facility_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_incident_audit_incident ON incident_audit(incident_id, seq);
	CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(status);
	CREATE INDEX IF NOT EXISTS idx_encounters_batch_time ON encounters(batch_id, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_dlq_created ON dead_letter_queue(created_at);
`
