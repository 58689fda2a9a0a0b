package incidents

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rohankatakam/sterisafe/internal/models"
)

// EventType names the change an event reports
type EventType string

const (
	EventCreated  EventType = "created"
	EventResolved EventType = "resolved"
	EventUpdated  EventType = "updated"
)

// Topics incident events are published on
const (
	TopicCreated  = "incidents.created"
	TopicResolved = "incidents.resolved"
	TopicUpdated  = "incidents.updated"
)

// Topics lists every incident topic
var Topics = []string{TopicCreated, TopicResolved, TopicUpdated}

func topicFor(t EventType) string {
	switch t {
	case EventCreated:
		return TopicCreated
	case EventResolved:
		return TopicResolved
	default:
		return TopicUpdated
	}
}

// Event carries the incident as it stood after the change. The audit trail
// is not included.
type Event struct {
	Type      EventType       `json:"type"`
	Incident  models.Incident `json:"incident"`
	EmittedAt time.Time       `json:"emitted_at"`
}

func newEvent(t EventType, inc *models.Incident, at time.Time) Event {
	snapshot := inc.Clone()
	snapshot.AuditTrail = nil
	return Event{Type: t, Incident: *snapshot, EmittedAt: at.UTC()}
}

// Encode marshals the event for the bus
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses a bus payload
func DecodeEvent(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("decode incident event: %w", err)
	}
	if e.Incident.ID == "" {
		return Event{}, fmt.Errorf("decode incident event: missing incident id")
	}
	return e, nil
}
