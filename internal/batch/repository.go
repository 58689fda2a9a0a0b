package batch

import (
	"context"
	"errors"

	"github.com/rohankatakam/sterisafe/internal/models"
)

// ErrStale is returned by Upsert when the stored snapshot is not the one the
// write was built from
var ErrStale = errors.New("batch snapshot is stale")

// Repository persists whole batch snapshots including their audit trail
type Repository interface {
	// Upsert inserts b, or replaces the stored snapshot when its version is
	// exactly b.Version-1. Otherwise it returns ErrStale and writes nothing.
	Upsert(ctx context.Context, b *models.Batch) error
	// Get returns nil without error when the batch does not exist
	Get(ctx context.Context, id string) (*models.Batch, error)
	Query(ctx context.Context, filter Filter) ([]*models.Batch, error)
}

// Filter narrows a batch query. Zero values match everything.
type Filter struct {
	Status    models.BatchStatus
	CreatedBy string
	Limit     int
}

func (f Filter) matches(b *models.Batch) bool {
	if f.Status != "" && b.Status != f.Status {
		return false
	}
	if f.CreatedBy != "" && b.CreatedBy != f.CreatedBy {
		return false
	}
	return true
}
