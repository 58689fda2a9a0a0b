package incidents

import (
	"strings"
	"time"

	"github.com/rohankatakam/sterisafe/internal/audit"
	"github.com/rohankatakam/sterisafe/internal/errors"
	"github.com/rohankatakam/sterisafe/internal/models"
)

// CreateInput describes a newly detected BI failure
type CreateInput struct {
	FacilityID         string          `json:"facility_id"`
	FailureDate        time.Time       `json:"failure_date"`
	AffectedToolsCount int             `json:"affected_tools_count"`
	AffectedBatchIDs   []string        `json:"affected_batch_ids"`
	Severity           models.Severity `json:"severity_level"`
	DetectedBy         string          `json:"detected_by_operator_id"`
}

// Validate rejects malformed input before anything is persisted
func (in CreateInput) Validate() error {
	switch {
	case strings.TrimSpace(in.FacilityID) == "":
		return errors.ValidationError("facility id is required")
	case !in.Severity.Validate():
		return errors.ValidationErrorf("invalid severity: %q", in.Severity)
	case in.AffectedToolsCount < 0:
		return errors.ValidationErrorf("affected tools count cannot be negative: %d", in.AffectedToolsCount)
	case strings.TrimSpace(in.DetectedBy) == "":
		return errors.ValidationError("detecting operator is required")
	case in.FailureDate.IsZero():
		return errors.ValidationError("failure date is required")
	}
	for _, id := range in.AffectedBatchIDs {
		if strings.TrimSpace(id) == "" {
			return errors.ValidationError("affected batch ids cannot be blank")
		}
	}
	return nil
}

// Filter narrows an incident query. Zero values match everything.
type Filter struct {
	FacilityID string
	Status     models.IncidentStatus
	Severity   models.Severity
	// Since keeps incidents created at or after this instant
	Since time.Time
	Limit int
}

func (f Filter) matches(inc *models.Incident) bool {
	if f.FacilityID != "" && inc.FacilityID != f.FacilityID {
		return false
	}
	if f.Status != "" && inc.Status != f.Status {
		return false
	}
	if f.Severity != "" && inc.Severity != f.Severity {
		return false
	}
	if !f.Since.IsZero() && inc.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// Patch carries the fields a lifecycle operation may change. Nil fields are
// left alone and Audit entries are appended. An existing resolution stamp
// is never overwritten.
type Patch struct {
	Status                     *models.IncidentStatus
	ResolvedAt                 *time.Time
	RegulatoryNotificationSent *bool
	Audit                      []audit.Entry
}

// Apply writes the patch onto inc
func (p Patch) Apply(inc *models.Incident) {
	if p.Status != nil {
		inc.Status = *p.Status
	}
	if p.ResolvedAt != nil && inc.ResolvedAt == nil {
		t := *p.ResolvedAt
		inc.ResolvedAt = &t
	}
	if p.RegulatoryNotificationSent != nil {
		inc.RegulatoryNotificationSent = *p.RegulatoryNotificationSent
	}
	for _, e := range p.Audit {
		inc.AuditTrail = inc.AuditTrail.Append(e)
	}
}

// ExposureCategory places an exposed patient relative to detection
type ExposureCategory string

const (
	// Encounter fell between the failure and its detection
	CategoryExposureWindow ExposureCategory = "within_exposure_window"
	// Encounter happened after the failure was detected
	CategoryQuarantineBreach ExposureCategory = "quarantine_breach"
)

// RiskTier ranks a patient for follow-up
type RiskTier string

const (
	TierHigh   RiskTier = "high"
	TierMedium RiskTier = "medium"
	TierLow    RiskTier = "low"
)

// PatientExposure summarizes one patient's contact with affected batches
type PatientExposure struct {
	PatientID      string              `json:"patient_id"`
	Category       ExposureCategory    `json:"category"`
	Tier           RiskTier            `json:"risk_tier"`
	Encounters     int                 `json:"encounters"`
	HighestContact models.ContactClass `json:"highest_contact"`
	FirstEncounter time.Time           `json:"first_encounter"`
	LastEncounter  time.Time           `json:"last_encounter"`
}

// ExposureReport aggregates the patients reached by an incident's batches
type ExposureReport struct {
	IncidentID           string                   `json:"incident_id"`
	IncidentNumber       string                   `json:"incident_number"`
	Window               models.TimeWindow        `json:"window"`
	TotalPatientsExposed int                      `json:"total_patients_exposed"`
	ByCategory           map[ExposureCategory]int `json:"by_category"`
	ByTier               map[RiskTier]int         `json:"by_risk_tier"`
	Patients             []PatientExposure        `json:"patients"`
	GeneratedAt          time.Time                `json:"generated_at"`
}
