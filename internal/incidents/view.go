package incidents

import (
	"sync"

	"github.com/rohankatakam/sterisafe/internal/models"
)

// View is a presentation-side copy of incidents kept current from events.
// Events may arrive late, twice, or out of order; merging is monotonic so
// the result does not depend on delivery order. Status only moves from
// open to resolved, the first resolution stamp is kept, and a regulatory
// notification once seen stays set.
type View struct {
	mu        sync.RWMutex
	incidents map[string]*models.Incident
}

// NewView returns an empty view
func NewView() *View {
	return &View{incidents: make(map[string]*models.Incident)}
}

// Apply merges an event and reports whether the view changed
func (v *View) Apply(e Event) bool {
	incoming := e.Incident.Clone()

	v.mu.Lock()
	defer v.mu.Unlock()

	current, ok := v.incidents[incoming.ID]
	if !ok {
		v.incidents[incoming.ID] = incoming
		return true
	}

	changed := false
	if !current.IsResolved() && incoming.IsResolved() {
		current.Status = models.IncidentResolved
		current.ResolvedAt = incoming.ResolvedAt
		changed = true
	} else if current.IsResolved() && incoming.IsResolved() && current.ResolvedAt == nil && incoming.ResolvedAt != nil {
		current.ResolvedAt = incoming.ResolvedAt
		changed = true
	}
	if incoming.RegulatoryNotificationSent && !current.RegulatoryNotificationSent {
		current.RegulatoryNotificationSent = true
		changed = true
	}
	if current.IncidentNumber == "" && incoming.IncidentNumber != "" {
		current.IncidentNumber = incoming.IncidentNumber
		changed = true
	}
	return changed
}

// ApplyPayload decodes a bus payload and merges it
func (v *View) ApplyPayload(payload []byte) (bool, error) {
	e, err := DecodeEvent(payload)
	if err != nil {
		return false, err
	}
	return v.Apply(e), nil
}

// Get returns a copy of the incident or nil
func (v *View) Get(id string) *models.Incident {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.incidents[id].Clone()
}

// Active lists the facility's open incidents, most recent first
func (v *View) Active(facilityID string) []*models.Incident {
	v.mu.RLock()
	out := make([]*models.Incident, 0)
	for _, inc := range v.incidents {
		if inc.FacilityID == facilityID && !inc.IsResolved() {
			out = append(out, inc.Clone())
		}
	}
	v.mu.RUnlock()

	sortNewestFirst(out)
	return out
}

// Len reports how many incidents the view holds
func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.incidents)
}
