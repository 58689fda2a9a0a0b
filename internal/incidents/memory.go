package incidents

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rohankatakam/sterisafe/internal/models"
)

// MemoryRepository keeps incidents in process memory. Intended for tests
// and single-process runs.
type MemoryRepository struct {
	mu        sync.RWMutex
	incidents map[string]*models.Incident
	sequence  map[string]int
}

// NewMemoryRepository returns an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		incidents: make(map[string]*models.Incident),
		sequence:  make(map[string]int),
	}
}

func (r *MemoryRepository) Insert(_ context.Context, inc *models.Incident) (*models.Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.incidents[inc.ID]; exists {
		return nil, fmt.Errorf("incident %s already exists", inc.ID)
	}

	r.sequence[inc.FacilityID]++
	stored := inc.Clone()
	stored.IncidentNumber = IncidentNumber(stored.CreatedAt, r.sequence[inc.FacilityID])
	r.incidents[stored.ID] = stored
	return stored.Clone(), nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*models.Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.incidents[id].Clone(), nil
}

func (r *MemoryRepository) Update(_ context.Context, id string, patch Patch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inc, ok := r.incidents[id]
	if !ok {
		return fmt.Errorf("incident not found: %s", id)
	}
	patch.Apply(inc)
	return nil
}

func (r *MemoryRepository) Query(_ context.Context, filter Filter) ([]*models.Incident, error) {
	r.mu.RLock()
	out := make([]*models.Incident, 0)
	for _, inc := range r.incidents {
		if filter.matches(inc) {
			out = append(out, inc.Clone())
		}
	}
	r.mu.RUnlock()

	sortNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func sortNewestFirst(incidents []*models.Incident) {
	sort.SliceStable(incidents, func(i, j int) bool {
		if incidents[i].CreatedAt.Equal(incidents[j].CreatedAt) {
			return incidents[i].ID < incidents[j].ID
		}
		return incidents[i].CreatedAt.After(incidents[j].CreatedAt)
	})
}

// MemoryEncounters is an in-process EncounterSource
type MemoryEncounters struct {
	mu         sync.RWMutex
	encounters []models.Encounter
}

// NewMemoryEncounters returns a source holding encounters
func NewMemoryEncounters(encounters ...models.Encounter) *MemoryEncounters {
	return &MemoryEncounters{encounters: append([]models.Encounter(nil), encounters...)}
}

// Record adds an encounter
func (m *MemoryEncounters) Record(_ context.Context, enc models.Encounter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.encounters = append(m.encounters, enc)
	return nil
}

func (m *MemoryEncounters) EncountersFor(_ context.Context, batchIDs []string, window models.TimeWindow) ([]models.Encounter, error) {
	wanted := make(map[string]bool, len(batchIDs))
	for _, id := range batchIDs {
		wanted[id] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Encounter
	for _, enc := range m.encounters {
		if wanted[enc.BatchID] && window.Contains(enc.OccurredAt) {
			out = append(out, enc)
		}
	}
	return out, nil
}
