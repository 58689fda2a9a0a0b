package incidents

import (
	"context"

	"github.com/rohankatakam/sterisafe/internal/models"
)

// Repository is the incident store
type Repository interface {
	// Insert stores a new incident and returns it with generated fields
	// such as the incident number filled in
	Insert(ctx context.Context, inc *models.Incident) (*models.Incident, error)
	// Get returns nil without error when the incident does not exist
	Get(ctx context.Context, id string) (*models.Incident, error)
	Update(ctx context.Context, id string, patch Patch) error
	// Query returns matches ordered by CreatedAt, most recent first
	Query(ctx context.Context, filter Filter) ([]*models.Incident, error)
}

// EncounterSource supplies patient encounters that used tools from the
// given batches inside the window
type EncounterSource interface {
	EncountersFor(ctx context.Context, batchIDs []string, window models.TimeWindow) ([]models.Encounter, error)
}

// DeadLetters parks event payloads that could not be published
type DeadLetters interface {
	Enqueue(ctx context.Context, topic, key string, payload []byte, cause error) error
}
