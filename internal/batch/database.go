package batch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rohankatakam/sterisafe/internal/models"
	"github.com/rohankatakam/sterisafe/internal/storage"
)

// Database persists batch snapshots through sqlx. JSON columns hold the
// tool set, package, sterilization info and audit trail.
type Database struct {
	db *sqlx.DB
}

// NewDatabase creates a new batch database client
func NewDatabase(db *sqlx.DB) *Database {
	return &Database{db: db}
}

type batchRow struct {
	ID                string    `db:"id"`
	BatchCode         string    `db:"batch_code"`
	CreatedBy         string    `db:"created_by"`
	Status            string    `db:"status"`
	Mode              string    `db:"mode"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
	Tools             string    `db:"tools"`
	Package           string    `db:"package"`
	SterilizationInfo string    `db:"sterilization_info"`
	AuditTrail        string    `db:"audit_trail"`
	Version           int       `db:"version"`
}

func toRow(b *models.Batch) (*batchRow, error) {
	row := &batchRow{
		ID:        b.ID,
		BatchCode: b.BatchCode,
		CreatedBy: b.CreatedBy,
		Status:    string(b.Status),
		Mode:      string(b.Mode),
		CreatedAt: b.CreatedAt.UTC(),
		UpdatedAt: b.UpdatedAt.UTC(),
		Version:   b.Version,
	}

	tools := b.Tools
	if tools == nil {
		tools = []string{}
	}
	fields := []struct {
		dst *string
		src interface{}
	}{
		{&row.Tools, tools},
		{&row.Package, b.Package},
		{&row.SterilizationInfo, b.SterilizationInfo},
		{&row.AuditTrail, b.AuditTrail},
	}
	for _, f := range fields {
		data, err := json.Marshal(f.src)
		if err != nil {
			return nil, fmt.Errorf("marshal batch %s: %w", b.ID, err)
		}
		*f.dst = string(data)
	}
	return row, nil
}

func (r *batchRow) toModel() (*models.Batch, error) {
	b := &models.Batch{
		ID:        r.ID,
		BatchCode: r.BatchCode,
		CreatedBy: r.CreatedBy,
		Status:    models.BatchStatus(r.Status),
		Mode:      models.BatchMode(r.Mode),
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
		Version:   r.Version,
	}

	fields := []struct {
		src string
		dst interface{}
	}{
		{r.Tools, &b.Tools},
		{r.Package, &b.Package},
		{r.SterilizationInfo, &b.SterilizationInfo},
		{r.AuditTrail, &b.AuditTrail},
	}
	for _, f := range fields {
		if f.src == "" || f.src == "null" {
			continue
		}
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return nil, fmt.Errorf("unmarshal batch %s: %w", r.ID, err)
		}
	}
	if b.Tools == nil {
		b.Tools = []string{}
	}
	if b.SterilizationInfo == nil {
		b.SterilizationInfo = map[string]interface{}{}
	}
	return b, nil
}

// Upsert writes the whole snapshot. An existing row is only replaced when
// it is the version b was built from.
func (d *Database) Upsert(ctx context.Context, b *models.Batch) error {
	if b == nil {
		return fmt.Errorf("batch cannot be nil")
	}
	row, err := toRow(b)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO batches (id, batch_code, created_by, status, mode, created_at, updated_at,
			tools, package, sterilization_info, audit_trail, version)
		VALUES (:id, :batch_code, :created_by, :status, :mode, :created_at, :updated_at,
			:tools, :package, :sterilization_info, :audit_trail, :version)
		ON CONFLICT (id) DO UPDATE SET
			batch_code = EXCLUDED.batch_code,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at,
			tools = EXCLUDED.tools,
			package = EXCLUDED.package,
			sterilization_info = EXCLUDED.sterilization_info,
			audit_trail = EXCLUDED.audit_trail,
			version = EXCLUDED.version
		WHERE batches.version = EXCLUDED.version - 1
	`

	result, err := d.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return storage.MapError(err, "upsert batch")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return storage.MapError(err, "upsert batch")
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}

// Get retrieves a batch by ID. A missing batch is not an error.
func (d *Database) Get(ctx context.Context, id string) (*models.Batch, error) {
	var row batchRow
	err := d.db.GetContext(ctx, &row, d.db.Rebind(`SELECT * FROM batches WHERE id = ?`), id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, storage.MapError(err, "get batch")
	}
	return row.toModel()
}

// Query lists batches matching filter, newest first
func (d *Database) Query(ctx context.Context, filter Filter) ([]*models.Batch, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.CreatedBy != "" {
		where = append(where, "created_by = ?")
		args = append(args, filter.CreatedBy)
	}

	query := `SELECT * FROM batches`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var rows []batchRow
	if err := d.db.SelectContext(ctx, &rows, d.db.Rebind(query), args...); err != nil {
		return nil, storage.MapError(err, "query batches")
	}

	out := make([]*models.Batch, 0, len(rows))
	for i := range rows {
		b, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
