package incidents

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rohankatakam/sterisafe/internal/audit"
	"github.com/rohankatakam/sterisafe/internal/errors"
	"github.com/rohankatakam/sterisafe/internal/models"
	"github.com/rohankatakam/sterisafe/internal/storage"
)

// Database handles SQL persistence for incidents
type Database struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewDatabase creates a new incident database client
func NewDatabase(db *sqlx.DB) *Database {
	return &Database{db: db, now: time.Now}
}

type incidentRow struct {
	ID                         string     `db:"id"`
	IncidentNumber             string     `db:"incident_number"`
	FacilityID                 string     `db:"facility_id"`
	Severity                   string     `db:"severity"`
	Status                     string     `db:"status"`
	FailureDate                time.Time  `db:"failure_date"`
	CreatedAt                  time.Time  `db:"created_at"`
	ResolvedAt                 *time.Time `db:"resolved_at"`
	AffectedToolsCount         int        `db:"affected_tools_count"`
	AffectedBatchIDs           string     `db:"affected_batch_ids"`
	DetectedBy                 string     `db:"detected_by"`
	RegulatoryNotificationSent bool       `db:"regulatory_notification_sent"`
	UpdatedAt                  time.Time  `db:"updated_at"`
}

type auditRow struct {
	ID         string    `db:"id"`
	IncidentID string    `db:"incident_id"`
	Seq        int       `db:"seq"`
	Timestamp  time.Time `db:"timestamp"`
	Action     string    `db:"action"`
	Operator   string    `db:"operator"`
	Details    string    `db:"details"`
	Metadata   string    `db:"metadata"`
}

func (r *incidentRow) toModel() (*models.Incident, error) {
	inc := &models.Incident{
		ID:                         r.ID,
		IncidentNumber:             r.IncidentNumber,
		FacilityID:                 r.FacilityID,
		Severity:                   models.Severity(r.Severity),
		Status:                     models.IncidentStatus(r.Status),
		FailureDate:                r.FailureDate.UTC(),
		CreatedAt:                  r.CreatedAt.UTC(),
		AffectedToolsCount:         r.AffectedToolsCount,
		DetectedBy:                 r.DetectedBy,
		RegulatoryNotificationSent: r.RegulatoryNotificationSent,
	}
	if r.ResolvedAt != nil {
		t := r.ResolvedAt.UTC()
		inc.ResolvedAt = &t
	}
	if err := json.Unmarshal([]byte(r.AffectedBatchIDs), &inc.AffectedBatchIDs); err != nil {
		return nil, fmt.Errorf("unmarshal batch ids of incident %s: %w", r.ID, err)
	}
	if inc.AffectedBatchIDs == nil {
		inc.AffectedBatchIDs = []string{}
	}
	return inc, nil
}

func (r *auditRow) toEntry() (audit.Entry, error) {
	e := audit.Entry{
		ID:        r.ID,
		Timestamp: r.Timestamp.UTC(),
		Action:    audit.Action(r.Action),
		Operator:  r.Operator,
		Details:   r.Details,
	}
	if r.Metadata != "" && r.Metadata != "{}" && r.Metadata != "null" {
		if err := json.Unmarshal([]byte(r.Metadata), &e.Metadata); err != nil {
			return audit.Entry{}, fmt.Errorf("unmarshal metadata of audit entry %s: %w", r.ID, err)
		}
	}
	return e, nil
}

// Insert stores a new incident and assigns its facility-scoped number
func (d *Database) Insert(ctx context.Context, inc *models.Incident) (*models.Incident, error) {
	if inc == nil {
		return nil, fmt.Errorf("incident cannot be nil")
	}
	if !inc.Severity.Validate() {
		return nil, errors.ValidationErrorf("invalid severity: %s", inc.Severity)
	}

	batchIDs := inc.AffectedBatchIDs
	if batchIDs == nil {
		batchIDs = []string{}
	}
	batchJSON, err := json.Marshal(batchIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal batch ids: %w", err)
	}

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, storage.MapError(err, "begin transaction")
	}
	defer tx.Rollback()

	var count int
	err = tx.GetContext(ctx, &count, tx.Rebind(`SELECT COUNT(*) FROM incidents WHERE facility_id = ?`), inc.FacilityID)
	if err != nil {
		return nil, storage.MapError(err, "count facility incidents")
	}

	stored := inc.Clone()
	stored.IncidentNumber = IncidentNumber(stored.CreatedAt, count+1)

	row := incidentRow{
		ID:                         stored.ID,
		IncidentNumber:             stored.IncidentNumber,
		FacilityID:                 stored.FacilityID,
		Severity:                   string(stored.Severity),
		Status:                     string(stored.Status),
		FailureDate:                stored.FailureDate.UTC(),
		CreatedAt:                  stored.CreatedAt.UTC(),
		ResolvedAt:                 stored.ResolvedAt,
		AffectedToolsCount:         stored.AffectedToolsCount,
		AffectedBatchIDs:           string(batchJSON),
		DetectedBy:                 stored.DetectedBy,
		RegulatoryNotificationSent: stored.RegulatoryNotificationSent,
		UpdatedAt:                  d.now().UTC(),
	}

	query := `
		INSERT INTO incidents (id, incident_number, facility_id, severity, status, failure_date, created_at,
			resolved_at, affected_tools_count, affected_batch_ids, detected_by, regulatory_notification_sent, updated_at)
		VALUES (:id, :incident_number, :facility_id, :severity, :status, :failure_date, :created_at,
			:resolved_at, :affected_tools_count, :affected_batch_ids, :detected_by, :regulatory_notification_sent, :updated_at)
	`
	if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
		return nil, storage.MapError(err, "insert incident")
	}

	if err := insertAudit(ctx, tx, stored.ID, 0, stored.AuditTrail); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, storage.MapError(err, "commit incident")
	}
	return stored, nil
}

func insertAudit(ctx context.Context, tx *sqlx.Tx, incidentID string, firstSeq int, entries []audit.Entry) error {
	query := `
		INSERT INTO incident_audit (id, incident_id, seq, timestamp, action, operator, details, metadata)
		VALUES (:id, :incident_id, :seq, :timestamp, :action, :operator, :details, :metadata)
		ON CONFLICT (id) DO NOTHING
	`
	for i, e := range entries {
		metadata := []byte("{}")
		if len(e.Metadata) > 0 {
			var err error
			if metadata, err = json.Marshal(e.Metadata); err != nil {
				return fmt.Errorf("marshal audit metadata: %w", err)
			}
		}
		row := auditRow{
			ID:         e.ID,
			IncidentID: incidentID,
			Seq:        firstSeq + i,
			Timestamp:  e.Timestamp.UTC(),
			Action:     string(e.Action),
			Operator:   e.Operator,
			Details:    e.Details,
			Metadata:   string(metadata),
		}
		if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
			return storage.MapError(err, "insert incident audit entry")
		}
	}
	return nil
}

// Get retrieves an incident with its audit trail. A missing incident is
// not an error.
func (d *Database) Get(ctx context.Context, id string) (*models.Incident, error) {
	var row incidentRow
	err := d.db.GetContext(ctx, &row, d.db.Rebind(`SELECT * FROM incidents WHERE id = ?`), id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, storage.MapError(err, "get incident")
	}

	inc, err := row.toModel()
	if err != nil {
		return nil, err
	}
	trails, err := d.loadTrails(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	inc.AuditTrail = trails[id]
	return inc, nil
}

// Update applies a patch and appends its audit entries in one transaction
func (d *Database) Update(ctx context.Context, id string, patch Patch) error {
	var (
		sets []string
		args []interface{}
	)
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.ResolvedAt != nil {
		// First stamp wins
		sets = append(sets, "resolved_at = COALESCE(resolved_at, ?)")
		args = append(args, patch.ResolvedAt.UTC())
	}
	if patch.RegulatoryNotificationSent != nil {
		sets = append(sets, "regulatory_notification_sent = ?")
		args = append(args, *patch.RegulatoryNotificationSent)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, d.now().UTC(), id)

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return storage.MapError(err, "begin transaction")
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`UPDATE incidents SET %s WHERE id = ?`, strings.Join(sets, ", "))
	result, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return storage.MapError(err, "update incident")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return storage.MapError(err, "get rows affected")
	}
	if rows == 0 {
		return errors.NotFoundError("incident", id)
	}

	if len(patch.Audit) > 0 {
		var seq int
		err := tx.GetContext(ctx, &seq, tx.Rebind(`SELECT COUNT(*) FROM incident_audit WHERE incident_id = ?`), id)
		if err != nil {
			return storage.MapError(err, "count audit entries")
		}
		if err := insertAudit(ctx, tx, id, seq, patch.Audit); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return storage.MapError(err, "commit incident update")
	}
	return nil
}

// Query returns incidents matching filter, most recent first
func (d *Database) Query(ctx context.Context, filter Filter) ([]*models.Incident, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.FacilityID != "" {
		where = append(where, "facility_id = ?")
		args = append(args, filter.FacilityID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := `SELECT * FROM incidents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var rows []incidentRow
	if err := d.db.SelectContext(ctx, &rows, d.db.Rebind(query), args...); err != nil {
		return nil, storage.MapError(err, "query incidents")
	}

	out := make([]*models.Incident, 0, len(rows))
	ids := make([]string, 0, len(rows))
	for i := range rows {
		inc, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
		ids = append(ids, inc.ID)
	}

	trails, err := d.loadTrails(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, inc := range out {
		inc.AuditTrail = trails[inc.ID]
	}
	return out, nil
}

func (d *Database) loadTrails(ctx context.Context, ids []string) (map[string]audit.Trail, error) {
	trails := make(map[string]audit.Trail, len(ids))
	if len(ids) == 0 {
		return trails, nil
	}

	query, args, err := sqlx.In(`SELECT * FROM incident_audit WHERE incident_id IN (?) ORDER BY incident_id, seq`, ids)
	if err != nil {
		return nil, fmt.Errorf("build audit query: %w", err)
	}

	var rows []auditRow
	if err := d.db.SelectContext(ctx, &rows, d.db.Rebind(query), args...); err != nil {
		return nil, storage.MapError(err, "load incident audit")
	}
	for i := range rows {
		entry, err := rows[i].toEntry()
		if err != nil {
			return nil, err
		}
		trails[rows[i].IncidentID] = trails[rows[i].IncidentID].Append(entry)
	}
	return trails, nil
}

// IncidentsSince returns the facility's incidents created at or after since
func (d *Database) IncidentsSince(ctx context.Context, facilityID string, since time.Time) ([]models.Incident, error) {
	found, err := d.Query(ctx, Filter{FacilityID: facilityID, Since: since})
	if err != nil {
		return nil, err
	}
	out := make([]models.Incident, len(found))
	for i, inc := range found {
		out[i] = *inc
	}
	return out, nil
}

// EncounterStore reads and records patient encounters
type EncounterStore struct {
	db *sqlx.DB
}

// NewEncounterStore creates an encounter store over db
func NewEncounterStore(db *sqlx.DB) *EncounterStore {
	return &EncounterStore{db: db}
}

// Record inserts an encounter
func (s *EncounterStore) Record(ctx context.Context, enc models.Encounter) error {
	if enc.PatientID == "" || enc.BatchID == "" {
		return errors.ValidationError("encounter requires a patient and a batch")
	}
	if enc.ID == "" {
		enc.ID = uuid.NewString()
	}
	if enc.ContactClass == "" {
		enc.ContactClass = models.ContactNonCritical
	}
	enc.OccurredAt = enc.OccurredAt.UTC()

	query := `
		INSERT INTO encounters (id, patient_id, batch_id, tool_id, occurred_at, contact_class)
		VALUES (:id, :patient_id, :batch_id, :tool_id, :occurred_at, :contact_class)
	`
	if _, err := s.db.NamedExecContext(ctx, query, enc); err != nil {
		return storage.MapError(err, "record encounter")
	}
	return nil
}

// EncountersFor returns encounters that used the batches inside window
func (s *EncounterStore) EncountersFor(ctx context.Context, batchIDs []string, window models.TimeWindow) ([]models.Encounter, error) {
	if len(batchIDs) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`
		SELECT * FROM encounters
		WHERE batch_id IN (?) AND occurred_at >= ? AND occurred_at <= ?
		ORDER BY occurred_at ASC
	`, batchIDs, window.Start.UTC(), window.End.UTC())
	if err != nil {
		return nil, fmt.Errorf("build encounter query: %w", err)
	}

	var out []models.Encounter
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, storage.MapError(err, "query encounters")
	}
	for i := range out {
		out[i].OccurredAt = out[i].OccurredAt.UTC()
	}
	return out, nil
}
