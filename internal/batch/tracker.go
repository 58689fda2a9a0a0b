package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rohankatakam/sterisafe/internal/audit"
	"github.com/rohankatakam/sterisafe/internal/errors"
	"github.com/rohankatakam/sterisafe/internal/models"
	"github.com/rohankatakam/sterisafe/internal/telemetry"
	"github.com/sirupsen/logrus"
)

// maxApplyAttempts bounds how often a write is reapplied after losing a race
const maxApplyAttempts = 5

// next maps each state to the only state it may advance to
var next = map[models.BatchStatus]models.BatchStatus{
	models.BatchCreating:    models.BatchReady,
	models.BatchReady:       models.BatchInAutoclave,
	models.BatchInAutoclave: models.BatchCompleted,
}

// Tracker runs the batch state machine. Batches being built live in memory
// until finalized; every later change is persisted as a whole versioned
// snapshot, loaded fresh from the store for each write.
type Tracker struct {
	mu     sync.Mutex
	active map[string]*models.Batch

	repo      Repository
	generator CodeGenerator
	recorder  telemetry.Recorder
	logger    *logrus.Logger
	now       func() time.Time
}

// Option configures a Tracker
type Option func(*Tracker)

// WithClock sets the time source for audit entries and timestamps
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithRecorder reports transitions to r
func WithRecorder(r telemetry.Recorder) Option {
	return func(t *Tracker) { t.recorder = r }
}

// NewTracker creates a tracker over repo. A nil generator uses
// DefaultCodeGenerator on the tracker's clock.
func NewTracker(repo Repository, generator CodeGenerator, logger *logrus.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = logrus.New()
	}
	t := &Tracker{
		active:   make(map[string]*models.Batch),
		repo:     repo,
		recorder: telemetry.Nop{},
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if generator == nil {
		generator = NewCodeGenerator(t.now)
	}
	t.generator = generator
	return t
}

// CreateBatch allocates a batch in the creating state and returns its id
func (t *Tracker) CreateBatch(operator string, mode models.BatchMode) (string, error) {
	if operator == "" {
		return "", errors.ValidationError("operator is required")
	}
	if mode == "" {
		mode = models.ModeBatch
	}
	if mode != models.ModeSingle && mode != models.ModeBatch {
		return "", errors.ValidationErrorf("invalid batch mode: %s", mode)
	}

	now := t.now().UTC()
	details := "Batch created in batch mode"
	if mode == models.ModeSingle {
		details = "Batch created in single-tool mode"
	}

	b := &models.Batch{
		ID:                uuid.NewString(),
		CreatedAt:         now,
		UpdatedAt:         now,
		CreatedBy:         operator,
		Status:            models.BatchCreating,
		Mode:              mode,
		Tools:             []string{},
		SterilizationInfo: map[string]interface{}{},
	}
	b.AuditTrail = b.AuditTrail.Append(audit.NewEntry(now, audit.ActionCreated, operator, details,
		map[string]interface{}{"mode": string(mode)}))

	t.mu.Lock()
	t.active[b.ID] = b
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"batch":    b.ID,
		"operator": operator,
		"mode":     mode,
	}).Info("Batch created")

	return b.ID, nil
}

// AddTool appends toolID to a batch still being built. It reports whether
// anything changed: a duplicate tool or a finalized batch is a no-op.
func (t *Tracker) AddTool(batchID, toolID string) (bool, error) {
	if toolID == "" {
		return false, errors.ValidationError("tool id is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.active[batchID]
	if !ok {
		return false, errors.NotFoundError("batch", batchID)
	}
	if b.Status != models.BatchCreating || b.HasTool(toolID) {
		return false, nil
	}

	now := t.now().UTC()
	b.Tools = append(b.Tools, toolID)
	b.UpdatedAt = now
	b.AuditTrail = b.AuditTrail.Append(audit.NewEntry(now, audit.ActionToolAdded, b.CreatedBy,
		fmt.Sprintf("Tool %s added", toolID), map[string]interface{}{"tool_id": toolID}))
	return true, nil
}

// RemoveTool drops toolID from a batch still being built. Removing a tool
// that is not in the batch changes nothing and records nothing.
func (t *Tracker) RemoveTool(batchID, toolID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.active[batchID]
	if !ok {
		return false, errors.NotFoundError("batch", batchID)
	}
	if b.Status != models.BatchCreating || !b.HasTool(toolID) {
		return false, nil
	}

	tools := b.Tools[:0:0]
	for _, id := range b.Tools {
		if id != toolID {
			tools = append(tools, id)
		}
	}

	now := t.now().UTC()
	b.Tools = tools
	b.UpdatedAt = now
	b.AuditTrail = b.AuditTrail.Append(audit.NewEntry(now, audit.ActionToolRemoved, b.CreatedBy,
		fmt.Sprintf("Tool %s removed", toolID), map[string]interface{}{"tool_id": toolID}))
	return true, nil
}

// Finalize assigns the batch code and moves the batch to ready. On any
// failure the batch is left exactly as it was.
func (t *Tracker) Finalize(ctx context.Context, batchID string, pkg models.PackageInfo) (*models.Batch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, err := t.lookup(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status != models.BatchCreating {
		return nil, errors.StateErrorf("batch %s is already %s", batchID, b.Status)
	}

	code, err := t.generator.Generate(b.CreatedBy, len(b.Tools))
	if err != nil {
		t.logger.WithError(err).WithField("batch", batchID).Warn("Batch code generation failed")
		return nil, errors.BatchCodeGenerationError(err).WithContext("batch", batchID)
	}
	if code == "" {
		return nil, errors.BatchCodeGenerationError(fmt.Errorf("generator returned an empty code")).
			WithContext("batch", batchID)
	}

	now := t.now().UTC()
	updated := b.Clone()
	updated.BatchCode = code
	updated.Package = pkg
	updated.Status = models.BatchReady
	updated.UpdatedAt = now
	updated.Version = b.Version + 1
	updated.AuditTrail = updated.AuditTrail.Append(audit.NewEntry(now, audit.ActionReadyForAutoclave, b.CreatedBy,
		fmt.Sprintf("Batch finalized with %d tools", len(b.Tools)),
		map[string]interface{}{
			"batch_code":   code,
			"tool_count":   len(b.Tools),
			"package_type": pkg.PackageType,
			"package_size": pkg.PackageSize,
		}))

	if err := t.repo.Upsert(ctx, updated); err != nil {
		if errors.Is(err, ErrStale) {
			return nil, errors.ConflictError(err, "batch was already stored").WithContext("batch", batchID)
		}
		return nil, errors.PersistenceError(err, "persist finalized batch").WithContext("batch", batchID)
	}

	// From here on the store holds the only copy
	delete(t.active, batchID)
	t.recorder.BatchTransition(string(models.BatchCreating), string(models.BatchReady))

	t.logger.WithFields(logrus.Fields{
		"batch":      batchID,
		"batch_code": code,
		"tools":      len(updated.Tools),
	}).Info("Batch ready for autoclave")

	return updated, nil
}

// UpdateStatus applies an operational status event to a finalized batch.
// Only the next state in line or the current state are accepted; a repeated
// status is still recorded so concurrent triggers all leave a trace. A
// rejected event is recorded as status_rejected before the error is returned.
func (t *Tracker) UpdateStatus(ctx context.Context, batchID string, status models.BatchStatus, operator string) (*models.Batch, error) {
	if !status.Validate() {
		return nil, errors.ValidationErrorf("invalid batch status: %s", status)
	}
	if operator == "" {
		operator = "system"
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var from models.BatchStatus
	updated, err := t.apply(ctx, batchID, "persist batch status", func(b *models.Batch, now time.Time) (*models.Batch, error) {
		from = b.Status
		var rejected error
		switch {
		case from == models.BatchCreating || status == models.BatchCreating:
			rejected = errors.StateErrorf("batch %s must be finalized before status updates", batchID)
		case status != from && next[from] != status:
			rejected = errors.StateErrorf("batch %s cannot move from %s to %s", batchID, from, status)
		}

		updated := b.Clone()
		updated.UpdatedAt = now
		if rejected != nil {
			updated.AuditTrail = updated.AuditTrail.Append(audit.NewEntry(now, audit.ActionStatusRejected, operator,
				fmt.Sprintf("Status %s rejected while %s", status, from),
				map[string]interface{}{"from": string(from), "to": string(status)}))
			return updated, rejected
		}

		updated.Status = status
		updated.AuditTrail = updated.AuditTrail.Append(audit.NewEntry(now, actionFor(status), operator,
			fmt.Sprintf("Status changed from %s to %s", from, status),
			map[string]interface{}{"from": string(from), "to": string(status)}))
		return updated, nil
	})
	if err != nil {
		t.logger.WithError(err).WithFields(logrus.Fields{
			"batch":    batchID,
			"to":       status,
			"operator": operator,
		}).Warn("Batch status update rejected")
		return nil, err
	}

	t.recorder.BatchTransition(string(from), string(status))
	t.logger.WithFields(logrus.Fields{
		"batch":    batchID,
		"from":     from,
		"to":       status,
		"operator": operator,
	}).Info("Batch status updated")

	return updated, nil
}

// SetSterilizationInfo records a value supplied by an external collaborator
// such as the autoclave cycle number
func (t *Tracker) SetSterilizationInfo(ctx context.Context, batchID, key string, value interface{}, operator string) (*models.Batch, error) {
	if key == "" {
		return nil, errors.ValidationError("sterilization info key is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.apply(ctx, batchID, "persist sterilization info", func(b *models.Batch, now time.Time) (*models.Batch, error) {
		if b.Status == models.BatchCreating {
			return nil, errors.StateErrorf("batch %s is not finalized", batchID)
		}
		updated := b.Clone()
		if updated.SterilizationInfo == nil {
			updated.SterilizationInfo = map[string]interface{}{}
		}
		updated.SterilizationInfo[key] = value
		updated.UpdatedAt = now
		updated.AuditTrail = updated.AuditTrail.Append(audit.NewEntry(now, audit.ActionSterilizationInfo, operator,
			fmt.Sprintf("Sterilization info %s recorded", key),
			map[string]interface{}{"key": key, "value": value}))
		return updated, nil
	})
}

// apply loads the current snapshot, lets change derive the next one and
// saves it. When another writer saved first the change is applied again to
// the fresh snapshot, so no write is lost. change may return a snapshot
// together with an error; the snapshot is saved and the error returned.
// Callers hold mu.
func (t *Tracker) apply(ctx context.Context, batchID, op string, change func(b *models.Batch, now time.Time) (*models.Batch, error)) (*models.Batch, error) {
	for attempt := 1; ; attempt++ {
		b, err := t.lookup(ctx, batchID)
		if err != nil {
			return nil, err
		}
		updated, changeErr := change(b, t.now().UTC())
		if updated == nil {
			return nil, changeErr
		}

		if b.Status == models.BatchCreating {
			t.active[batchID] = updated
			return resultOf(updated, changeErr)
		}

		updated.Version = b.Version + 1
		err = t.repo.Upsert(ctx, updated)
		switch {
		case err == nil:
			return resultOf(updated, changeErr)
		case !errors.Is(err, ErrStale):
			return nil, errors.PersistenceError(err, op).WithContext("batch", batchID)
		case attempt >= maxApplyAttempts:
			return nil, errors.ConflictError(err, "batch keeps changing concurrently").WithContext("batch", batchID)
		}
		t.logger.WithFields(logrus.Fields{
			"batch":   batchID,
			"attempt": attempt,
		}).Debug("Batch changed underneath, reapplying")
	}
}

func resultOf(b *models.Batch, err error) (*models.Batch, error) {
	if err != nil {
		return nil, err
	}
	return b.Clone(), nil
}

// Get returns the batch or nil when it is unknown
func (t *Tracker) Get(ctx context.Context, batchID string) (*models.Batch, error) {
	t.mu.Lock()
	b, ok := t.active[batchID]
	if ok {
		b = b.Clone()
	}
	t.mu.Unlock()
	if ok {
		return b, nil
	}

	stored, err := t.repo.Get(ctx, batchID)
	if err != nil {
		return nil, errors.PersistenceError(err, "load batch").WithContext("batch", batchID)
	}
	return stored, nil
}

// ListByStatus merges batches still being built here with stored ones,
// newest first
func (t *Tracker) ListByStatus(ctx context.Context, status models.BatchStatus) ([]*models.Batch, error) {
	stored, err := t.repo.Query(ctx, Filter{Status: status})
	if err != nil {
		return nil, errors.PersistenceError(err, "query batches")
	}

	byID := make(map[string]*models.Batch, len(stored))
	for _, b := range stored {
		byID[b.ID] = b
	}

	if status == models.BatchCreating {
		t.mu.Lock()
		for id, b := range t.active {
			byID[id] = b.Clone()
		}
		t.mu.Unlock()
	}

	out := make([]*models.Batch, 0, len(byID))
	for _, b := range byID {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// lookup returns a batch still being built from memory and loads every
// other batch fresh from the store. Callers hold mu.
func (t *Tracker) lookup(ctx context.Context, batchID string) (*models.Batch, error) {
	if b, ok := t.active[batchID]; ok {
		return b, nil
	}
	stored, err := t.repo.Get(ctx, batchID)
	if err != nil {
		return nil, errors.PersistenceError(err, "load batch").WithContext("batch", batchID)
	}
	if stored == nil {
		return nil, errors.NotFoundError("batch", batchID)
	}
	return stored, nil
}

func actionFor(status models.BatchStatus) audit.Action {
	switch status {
	case models.BatchInAutoclave:
		return audit.ActionAutoclaveStarted
	case models.BatchCompleted:
		return audit.ActionAutoclaveCompleted
	default:
		return audit.ActionStatusUpdated
	}
}
