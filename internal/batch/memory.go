package batch

import (
	"context"
	"sort"
	"sync"

	"github.com/rohankatakam/sterisafe/internal/models"
)

// MemoryRepository keeps snapshots in process memory. Intended for tests
// and single-process runs.
type MemoryRepository struct {
	mu      sync.RWMutex
	batches map[string]*models.Batch
}

// NewMemoryRepository returns an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{batches: make(map[string]*models.Batch)}
}

func (r *MemoryRepository) Upsert(_ context.Context, b *models.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stored, ok := r.batches[b.ID]; ok && stored.Version != b.Version-1 {
		return ErrStale
	}
	r.batches[b.ID] = b.Clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*models.Batch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.batches[id].Clone(), nil
}

func (r *MemoryRepository) Query(_ context.Context, filter Filter) ([]*models.Batch, error) {
	r.mu.RLock()
	out := make([]*models.Batch, 0, len(r.batches))
	for _, b := range r.batches {
		if filter.matches(b) {
			out = append(out, b.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
