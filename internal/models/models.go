package models

import (
	"time"

	"github.com/rohankatakam/sterisafe/internal/audit"
)

// Severity levels of a BI failure incident
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Validate checks if severity is valid
func (s Severity) Validate() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	default:
		return false
	}
}

// IncidentStatus is the lifecycle state of an incident
type IncidentStatus string

const (
	IncidentOpen     IncidentStatus = "open"
	IncidentResolved IncidentStatus = "resolved"
)

// Incident records a failed biological-indicator sterilization test
type Incident struct {
	ID                         string         `json:"id"`
	IncidentNumber             string         `json:"incident_number"`
	FacilityID                 string         `json:"facility_id"`
	Severity                   Severity       `json:"severity_level"`
	Status                     IncidentStatus `json:"status"`
	FailureDate                time.Time      `json:"failure_date"`
	CreatedAt                  time.Time      `json:"created_at"`
	ResolvedAt                 *time.Time     `json:"resolved_at"`
	AffectedToolsCount         int            `json:"affected_tools_count"`
	AffectedBatchIDs           []string       `json:"affected_batch_ids"`
	DetectedBy                 string         `json:"detected_by_operator_id"`
	RegulatoryNotificationSent bool           `json:"regulatory_notification_sent"`
	AuditTrail                 audit.Trail    `json:"audit_trail,omitempty"`
}

// IsResolved reports whether the incident has been closed
func (i *Incident) IsResolved() bool {
	return i.Status == IncidentResolved
}

// Clone returns a deep copy safe to hand across package boundaries
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	out := *i
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		out.ResolvedAt = &t
	}
	if i.AffectedBatchIDs != nil {
		out.AffectedBatchIDs = append([]string(nil), i.AffectedBatchIDs...)
	}
	out.AuditTrail = i.AuditTrail.Clone()
	return &out
}

// BatchStatus is a state of the sterilization batch state machine
type BatchStatus string

const (
	BatchCreating    BatchStatus = "creating"
	BatchReady       BatchStatus = "ready"
	BatchInAutoclave BatchStatus = "in_autoclave"
	BatchCompleted   BatchStatus = "completed"
)

// Validate checks if the status is one of the known states
func (s BatchStatus) Validate() bool {
	switch s {
	case BatchCreating, BatchReady, BatchInAutoclave, BatchCompleted:
		return true
	default:
		return false
	}
}

// BatchMode distinguishes a single-tool run from a grouped batch
type BatchMode string

const (
	ModeSingle BatchMode = "single"
	ModeBatch  BatchMode = "batch"
)

// PackageInfo describes how the batch is wrapped for the autoclave
type PackageInfo struct {
	PackageType string `json:"package_type" yaml:"package_type"`
	PackageSize string `json:"package_size" yaml:"package_size"`
	Notes       string `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// Batch is a group of tools sterilized together
type Batch struct {
	ID                string                 `json:"id"`
	BatchCode         string                 `json:"batch_code"`
	CreatedAt         time.Time              `json:"created_at"`
	CreatedBy         string                 `json:"created_by"`
	Status            BatchStatus            `json:"status"`
	Mode              BatchMode              `json:"mode"`
	Tools             []string               `json:"tools"`
	Package           PackageInfo            `json:"package_info"`
	SterilizationInfo map[string]interface{} `json:"sterilization_info"`
	AuditTrail        audit.Trail            `json:"audit_trail"`
	UpdatedAt         time.Time              `json:"updated_at"`
	// Version counts persisted writes; a save must carry the stored version plus one
	Version int `json:"version"`
}

// HasTool reports whether toolID is already part of the batch
func (b *Batch) HasTool(toolID string) bool {
	for _, t := range b.Tools {
		if t == toolID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy
func (b *Batch) Clone() *Batch {
	if b == nil {
		return nil
	}
	out := *b
	out.Tools = append([]string(nil), b.Tools...)
	if b.SterilizationInfo != nil {
		out.SterilizationInfo = make(map[string]interface{}, len(b.SterilizationInfo))
		for k, v := range b.SterilizationInfo {
			out.SterilizationInfo[k] = v
		}
	}
	out.AuditTrail = b.AuditTrail.Clone()
	return &out
}

// ContactClass is the Spaulding classification of a tool contact
type ContactClass string

const (
	ContactCritical     ContactClass = "critical"
	ContactSemiCritical ContactClass = "semi_critical"
	ContactNonCritical  ContactClass = "non_critical"
)

// Encounter is a patient procedure that used a tool from a tracked batch
type Encounter struct {
	ID           string       `json:"id" db:"id"`
	PatientID    string       `json:"patient_id" db:"patient_id"`
	BatchID      string       `json:"batch_id" db:"batch_id"`
	ToolID       string       `json:"tool_id" db:"tool_id"`
	OccurredAt   time.Time    `json:"occurred_at" db:"occurred_at"`
	ContactClass ContactClass `json:"contact_class" db:"contact_class"`
}

// TimeWindow is a closed time range
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}
