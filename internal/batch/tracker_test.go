package batch

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/rohankatakam/sterisafe/internal/audit"
	"github.com/rohankatakam/sterisafe/internal/errors"
	"github.com/rohankatakam/sterisafe/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestTracker(repo Repository, gen CodeGenerator) *Tracker {
	if repo == nil {
		repo = NewMemoryRepository()
	}
	return NewTracker(repo, gen, quietLogger(), WithClock(fixedClock))
}

// failingRepo rejects writes while fail is set
type failingRepo struct {
	*MemoryRepository
	fail bool
}

func (r *failingRepo) Upsert(ctx context.Context, b *models.Batch) error {
	if r.fail {
		return fmt.Errorf("connection refused")
	}
	return r.MemoryRepository.Upsert(ctx, b)
}

func buildBatch(t *testing.T, tr *Tracker, operator string, tools ...string) string {
	t.Helper()
	id, err := tr.CreateBatch(operator, models.ModeBatch)
	require.NoError(t, err)
	for _, tool := range tools {
		_, err := tr.AddTool(id, tool)
		require.NoError(t, err)
	}
	return id
}

func TestCreateBatch(t *testing.T) {
	tr := newTestTracker(nil, nil)

	single, err := tr.CreateBatch("DrSmith", models.ModeSingle)
	require.NoError(t, err)
	multi, err := tr.CreateBatch("DrSmith", models.ModeBatch)
	require.NoError(t, err)
	assert.NotEqual(t, single, multi)

	b, err := tr.Get(context.Background(), single)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, models.BatchCreating, b.Status)
	assert.Empty(t, b.BatchCode)
	assert.Equal(t, []audit.Action{audit.ActionCreated}, b.AuditTrail.Actions())
	assert.Contains(t, b.AuditTrail[0].Details, "single-tool")

	_, err = tr.CreateBatch("", models.ModeBatch)
	assert.True(t, errors.Is(err, errors.ErrValidation))
	_, err = tr.CreateBatch("DrSmith", models.BatchMode("bulk"))
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestAddToolIsIdempotent(t *testing.T) {
	tr := newTestTracker(nil, nil)
	id := buildBatch(t, tr, "DrSmith", "T1")

	changed, err := tr.AddTool(id, "T1")
	require.NoError(t, err)
	assert.False(t, changed)

	b, _ := tr.Get(context.Background(), id)
	assert.Equal(t, []string{"T1"}, b.Tools)
	assert.Equal(t, []audit.Action{audit.ActionCreated, audit.ActionToolAdded}, b.AuditTrail.Actions())

	_, err = tr.AddTool("missing", "T1")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	_, err = tr.AddTool(id, "")
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestRemoveTool(t *testing.T) {
	tr := newTestTracker(nil, nil)
	id := buildBatch(t, tr, "DrSmith", "T1", "T2")

	changed, err := tr.RemoveTool(id, "T1")
	require.NoError(t, err)
	assert.True(t, changed)

	// Absent tools are ignored without an audit entry
	changed, err = tr.RemoveTool(id, "T9")
	require.NoError(t, err)
	assert.False(t, changed)

	b, _ := tr.Get(context.Background(), id)
	assert.Equal(t, []string{"T2"}, b.Tools)
	assert.Equal(t, []audit.Action{
		audit.ActionCreated, audit.ActionToolAdded, audit.ActionToolAdded, audit.ActionToolRemoved,
	}, b.AuditTrail.Actions())
}

func TestFinalize(t *testing.T) {
	repo := NewMemoryRepository()
	tr := newTestTracker(repo, nil)
	ctx := context.Background()
	id := buildBatch(t, tr, "DrSmith", "T1", "T2", "T3")

	pkg := models.PackageInfo{PackageType: "pouch", PackageSize: "M"}
	b, err := tr.Finalize(ctx, id, pkg)
	require.NoError(t, err)

	assert.Equal(t, models.BatchReady, b.Status)
	assert.Equal(t, "260520-DRS-003", b.BatchCode)
	assert.Equal(t, pkg, b.Package)

	last, ok := b.AuditTrail.Last()
	require.True(t, ok)
	assert.Equal(t, audit.ActionReadyForAutoclave, last.Action)
	assert.Equal(t, "260520-DRS-003", last.Metadata["batch_code"])

	stored, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, b.BatchCode, stored.BatchCode)
	assert.Len(t, stored.AuditTrail, 5)

	// Finalizing again is rejected and leaves the code alone
	_, err = tr.Finalize(ctx, id, pkg)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
	again, _ := tr.Get(ctx, id)
	assert.Equal(t, "260520-DRS-003", again.BatchCode)
	assert.Len(t, again.AuditTrail, 5)

	// Tools are frozen once ready
	changed, err := tr.AddTool(id, "T4")
	require.NoError(t, err)
	assert.False(t, changed)
	changed, err = tr.RemoveTool(id, "T1")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestFinalizeGeneratorFailureLeavesBatchUnchanged(t *testing.T) {
	reason := fmt.Errorf("code service unavailable")
	gen := CodeGeneratorFunc(func(string, int) (string, error) { return "", reason })
	tr := newTestTracker(nil, gen)
	ctx := context.Background()
	id := buildBatch(t, tr, "DrSmith", "T1")

	_, err := tr.Finalize(ctx, id, models.PackageInfo{PackageType: "tray"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeGeneration))
	assert.ErrorIs(t, err, reason)

	b, _ := tr.Get(ctx, id)
	assert.Equal(t, models.BatchCreating, b.Status)
	assert.Empty(t, b.BatchCode)
	assert.Empty(t, b.Package.PackageType)
	assert.Len(t, b.AuditTrail, 2)
}

func TestFinalizePersistenceFailureRollsBack(t *testing.T) {
	repo := &failingRepo{MemoryRepository: NewMemoryRepository(), fail: true}
	tr := newTestTracker(repo, nil)
	ctx := context.Background()
	id := buildBatch(t, tr, "DrSmith", "T1")

	_, err := tr.Finalize(ctx, id, models.PackageInfo{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPersistence))

	b, _ := tr.Get(ctx, id)
	assert.Equal(t, models.BatchCreating, b.Status)
	assert.Empty(t, b.BatchCode)

	// The retry goes through once the store recovers
	repo.fail = false
	b, err = tr.Finalize(ctx, id, models.PackageInfo{})
	require.NoError(t, err)
	assert.Equal(t, models.BatchReady, b.Status)
}

func TestUpdateStatus(t *testing.T) {
	tr := newTestTracker(nil, nil)
	ctx := context.Background()
	id := buildBatch(t, tr, "DrSmith", "T1")

	_, err := tr.UpdateStatus(ctx, id, models.BatchInAutoclave, "autoclave-1")
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition), "creating batches must be finalized first")

	_, err = tr.Finalize(ctx, id, models.PackageInfo{})
	require.NoError(t, err)

	_, err = tr.UpdateStatus(ctx, id, models.BatchCompleted, "autoclave-1")
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition), "ready cannot skip to completed")

	b, err := tr.UpdateStatus(ctx, id, models.BatchInAutoclave, "autoclave-1")
	require.NoError(t, err)
	assert.Equal(t, models.BatchInAutoclave, b.Status)

	// Repeating the current status is accepted and still recorded
	b, err = tr.UpdateStatus(ctx, id, models.BatchInAutoclave, "manual-override")
	require.NoError(t, err)
	assert.Equal(t, models.BatchInAutoclave, b.Status)

	b, err = tr.UpdateStatus(ctx, id, models.BatchCompleted, "autoclave-1")
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, b.Status)

	_, err = tr.UpdateStatus(ctx, id, models.BatchReady, "manual-override")
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	_, err = tr.UpdateStatus(ctx, id, models.BatchStatus("exploded"), "x")
	assert.True(t, errors.Is(err, errors.ErrValidation))

	_, err = tr.UpdateStatus(ctx, "missing", models.BatchInAutoclave, "x")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	b, err = tr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, b.Status)
	assert.Equal(t, []audit.Action{
		audit.ActionCreated,
		audit.ActionToolAdded,
		audit.ActionStatusRejected,
		audit.ActionReadyForAutoclave,
		audit.ActionStatusRejected,
		audit.ActionAutoclaveStarted,
		audit.ActionAutoclaveStarted,
		audit.ActionAutoclaveCompleted,
		audit.ActionStatusRejected,
	}, b.AuditTrail.Actions())
}

func TestRejectedStatusIsRecorded(t *testing.T) {
	repo := NewMemoryRepository()
	tr := newTestTracker(repo, nil)
	ctx := context.Background()
	id := buildBatch(t, tr, "DrSmith", "T1")
	_, err := tr.Finalize(ctx, id, models.PackageInfo{})
	require.NoError(t, err)

	// completed arrives before in_autoclave
	_, err = tr.UpdateStatus(ctx, id, models.BatchCompleted, "autoclave-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	stored, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.BatchReady, stored.Status)
	last, ok := stored.AuditTrail.Last()
	require.True(t, ok)
	assert.Equal(t, audit.ActionStatusRejected, last.Action)
	assert.Equal(t, "autoclave-1", last.Operator)
	assert.Equal(t, "completed", last.Metadata["to"])
	assert.Equal(t, "ready", last.Metadata["from"])
}

func TestConcurrentStatusUpdatesKeepEveryAuditEntry(t *testing.T) {
	tr := newTestTracker(nil, nil)
	ctx := context.Background()
	id := buildBatch(t, tr, "DrSmith", "T1")
	_, err := tr.Finalize(ctx, id, models.PackageInfo{})
	require.NoError(t, err)
	_, err = tr.UpdateStatus(ctx, id, models.BatchInAutoclave, "autoclave-1")
	require.NoError(t, err)

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := tr.UpdateStatus(ctx, id, models.BatchInAutoclave, fmt.Sprintf("trigger-%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	b, err := tr.Get(ctx, id)
	require.NoError(t, err)
	// created, tool_added, ready, first start, then one per writer
	assert.Len(t, b.AuditTrail, 4+writers)
}

func TestUpdateStatusLoadsStoredBatch(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	first := newTestTracker(repo, nil)
	id := buildBatch(t, first, "DrSmith", "T1")
	_, err := first.Finalize(ctx, id, models.PackageInfo{})
	require.NoError(t, err)

	// A fresh tracker only sees the stored snapshot
	second := newTestTracker(repo, nil)
	b, err := second.UpdateStatus(ctx, id, models.BatchInAutoclave, "autoclave-1")
	require.NoError(t, err)
	assert.Equal(t, models.BatchInAutoclave, b.Status)

	stored, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.BatchInAutoclave, stored.Status)
}

func TestStaleTrackerDoesNotRollBackAnotherWriter(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	first := newTestTracker(repo, nil)
	id := buildBatch(t, first, "DrSmith", "T1")
	_, err := first.Finalize(ctx, id, models.PackageInfo{})
	require.NoError(t, err)

	// Another process moves the batch through the autoclave
	second := newTestTracker(repo, nil)
	_, err = second.UpdateStatus(ctx, id, models.BatchInAutoclave, "autoclave-1")
	require.NoError(t, err)
	_, err = second.UpdateStatus(ctx, id, models.BatchCompleted, "autoclave-1")
	require.NoError(t, err)

	b, err := first.SetSterilizationInfo(ctx, id, "cycle", 42, "autoclave-1")
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, b.Status)

	stored, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, stored.Status)
	assert.Equal(t, 42, stored.SterilizationInfo["cycle"])
	assert.Equal(t, []audit.Action{
		audit.ActionCreated,
		audit.ActionToolAdded,
		audit.ActionReadyForAutoclave,
		audit.ActionAutoclaveStarted,
		audit.ActionAutoclaveCompleted,
		audit.ActionSterilizationInfo,
	}, stored.AuditTrail.Actions())
}

// racingRepo lets another writer save just before the tracker's write
type racingRepo struct {
	*MemoryRepository
	races int
	other func()
}

func (r *racingRepo) Upsert(ctx context.Context, b *models.Batch) error {
	if r.races > 0 {
		r.races--
		r.other()
	}
	return r.MemoryRepository.Upsert(ctx, b)
}

func TestWriteLosingARaceIsReapplied(t *testing.T) {
	mem := NewMemoryRepository()
	ctx := context.Background()

	builder := newTestTracker(mem, nil)
	id := buildBatch(t, builder, "DrSmith", "T1")
	_, err := builder.Finalize(ctx, id, models.PackageInfo{})
	require.NoError(t, err)

	other := newTestTracker(mem, nil)
	repo := &racingRepo{MemoryRepository: mem, races: 1, other: func() {
		_, err := other.UpdateStatus(ctx, id, models.BatchInAutoclave, "autoclave-1")
		require.NoError(t, err)
	}}
	tr := newTestTracker(repo, nil)

	b, err := tr.SetSterilizationInfo(ctx, id, "cycle", 7, "operator-2")
	require.NoError(t, err)
	assert.Equal(t, models.BatchInAutoclave, b.Status)
	assert.Equal(t, 3, b.Version)
	assert.Equal(t, []audit.Action{
		audit.ActionCreated,
		audit.ActionToolAdded,
		audit.ActionReadyForAutoclave,
		audit.ActionAutoclaveStarted,
		audit.ActionSterilizationInfo,
	}, b.AuditTrail.Actions())

	// A writer that never wins gives up with a conflict
	repo.races = maxApplyAttempts
	repo.other = func() {
		_, err := other.SetSterilizationInfo(ctx, id, "load", "L1", "operator-3")
		require.NoError(t, err)
	}
	_, err = tr.SetSterilizationInfo(ctx, id, "cycle", 8, "operator-2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestSetSterilizationInfo(t *testing.T) {
	tr := newTestTracker(nil, nil)
	ctx := context.Background()
	id := buildBatch(t, tr, "DrSmith", "T1")

	_, err := tr.SetSterilizationInfo(ctx, id, "cycle", 7, "autoclave-1")
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	_, err = tr.Finalize(ctx, id, models.PackageInfo{})
	require.NoError(t, err)

	b, err := tr.SetSterilizationInfo(ctx, id, "cycle", 7, "autoclave-1")
	require.NoError(t, err)
	assert.Equal(t, 7, b.SterilizationInfo["cycle"])
	last, _ := b.AuditTrail.Last()
	assert.Equal(t, audit.ActionSterilizationInfo, last.Action)
}

func TestGetAndListMisses(t *testing.T) {
	tr := newTestTracker(nil, nil)
	ctx := context.Background()

	b, err := tr.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, b)

	list, err := tr.ListByStatus(ctx, models.BatchCompleted)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestListByStatusMergesActiveAndStored(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	// Stored by an earlier process
	earlier := newTestTracker(repo, nil)
	storedID := buildBatch(t, earlier, "DrSmith", "T1")
	_, err := earlier.Finalize(ctx, storedID, models.PackageInfo{})
	require.NoError(t, err)

	tr := newTestTracker(repo, nil)
	activeID := buildBatch(t, tr, "NurseJoy", "T2")
	_, err = tr.Finalize(ctx, activeID, models.PackageInfo{})
	require.NoError(t, err)
	creatingID := buildBatch(t, tr, "NurseJoy", "T3")

	ready, err := tr.ListByStatus(ctx, models.BatchReady)
	require.NoError(t, err)
	ids := []string{}
	for _, b := range ready {
		ids = append(ids, b.ID)
	}
	assert.ElementsMatch(t, []string{storedID, activeID}, ids)

	// Moving a stored batch along removes it from the ready view at once
	_, err = tr.UpdateStatus(ctx, storedID, models.BatchInAutoclave, "autoclave-1")
	require.NoError(t, err)
	ready, err = tr.ListByStatus(ctx, models.BatchReady)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, activeID, ready[0].ID)

	creating, err := tr.ListByStatus(ctx, models.BatchCreating)
	require.NoError(t, err)
	require.Len(t, creating, 1)
	assert.Equal(t, creatingID, creating[0].ID)
}
