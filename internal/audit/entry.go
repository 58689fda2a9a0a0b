package audit

import (
	"time"

	"github.com/google/uuid"
)

// Action tags an audit entry
type Action string

const (
	ActionCreated            Action = "created"
	ActionToolAdded          Action = "tool_added"
	ActionToolRemoved        Action = "tool_removed"
	ActionReadyForAutoclave  Action = "ready_for_autoclave"
	ActionAutoclaveStarted   Action = "autoclave_started"
	ActionAutoclaveCompleted Action = "autoclave_completed"
	ActionStatusUpdated      Action = "status_updated"
	ActionStatusRejected     Action = "status_rejected"
	ActionSterilizationInfo  Action = "sterilization_info_updated"
	ActionIncidentResolved   Action = "resolved"
	ActionRegulatoryNotified Action = "regulatory_notification_sent"
)

// Entry is an immutable record appended to a batch or incident trail
type Entry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Action    Action                 `json:"action"`
	Operator  string                 `json:"operator"`
	Details   string                 `json:"details"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewEntry builds an entry stamped at the given time
func NewEntry(at time.Time, action Action, operator, details string, metadata map[string]interface{}) Entry {
	return Entry{
		ID:        uuid.NewString(),
		Timestamp: at.UTC(),
		Action:    action,
		Operator:  operator,
		Details:   details,
		Metadata:  metadata,
	}
}

// Trail is an append-only sequence of entries
type Trail []Entry

// Append returns the trail with e added at the end. Existing entries are
// never touched.
func (t Trail) Append(e Entry) Trail {
	return append(t, e)
}

// Clone copies the trail so callers cannot reach the owner's backing array.
// Metadata maps are copied one level deep.
func (t Trail) Clone() Trail {
	if t == nil {
		return nil
	}
	out := make(Trail, len(t))
	for i, e := range t {
		if e.Metadata != nil {
			md := make(map[string]interface{}, len(e.Metadata))
			for k, v := range e.Metadata {
				md[k] = v
			}
			e.Metadata = md
		}
		out[i] = e
	}
	return out
}

// Actions lists the action tags in order
func (t Trail) Actions() []Action {
	out := make([]Action, len(t))
	for i, e := range t {
		out[i] = e.Action
	}
	return out
}

// Last returns the most recent entry
func (t Trail) Last() (Entry, bool) {
	if len(t) == 0 {
		return Entry{}, false
	}
	return t[len(t)-1], true
}
