package incidents

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rohankatakam/sterisafe/internal/audit"
	"github.com/rohankatakam/sterisafe/internal/errors"
	"github.com/rohankatakam/sterisafe/internal/events"
	"github.com/rohankatakam/sterisafe/internal/models"
	"github.com/rohankatakam/sterisafe/internal/telemetry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultExposureLookback reaches back to the previous weekly BI test
	DefaultExposureLookback = 7 * 24 * time.Hour

	defaultChunkSize   = 50
	defaultConcurrency = 4
)

// Manager runs the incident lifecycle: open, resolve, notify, and the
// exposure report
type Manager struct {
	repo        Repository
	encounters  EncounterSource
	bus         events.Bus
	deadLetters DeadLetters
	recorder    telemetry.Recorder
	logger      *logrus.Logger
	now         func() time.Time

	lookback    time.Duration
	chunkSize   int
	concurrency int
}

// Option configures a Manager
type Option func(*Manager)

// WithEncounters sets the source used by exposure reports
func WithEncounters(src EncounterSource) Option {
	return func(m *Manager) { m.encounters = src }
}

// WithBus publishes lifecycle events on bus
func WithBus(bus events.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithDeadLetters parks events the bus refused
func WithDeadLetters(dl DeadLetters) Option {
	return func(m *Manager) { m.deadLetters = dl }
}

// WithRecorder reports lifecycle metrics
func WithRecorder(r telemetry.Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithExposureLookback sets how far before the failure date exposure starts
func WithExposureLookback(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lookback = d
		}
	}
}

// WithEncounterFetch sets how many batch ids go into one encounter query
// and how many queries may run at once
func WithEncounterFetch(chunkSize, concurrency int) Option {
	return func(m *Manager) {
		if chunkSize > 0 {
			m.chunkSize = chunkSize
		}
		if concurrency > 0 {
			m.concurrency = concurrency
		}
	}
}

// NewManager creates a manager over repo
func NewManager(repo Repository, logger *logrus.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	m := &Manager{
		repo:        repo,
		recorder:    telemetry.Nop{},
		logger:      logger,
		now:         time.Now,
		lookback:    DefaultExposureLookback,
		chunkSize:   defaultChunkSize,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateIncident validates and stores a newly detected BI failure
func (m *Manager) CreateIncident(ctx context.Context, in CreateInput) (*models.Incident, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	batches := append([]string{}, in.AffectedBatchIDs...)
	inc := &models.Incident{
		ID:                 uuid.NewString(),
		FacilityID:         in.FacilityID,
		Severity:           in.Severity,
		Status:             models.IncidentOpen,
		FailureDate:        in.FailureDate.UTC(),
		CreatedAt:          now,
		AffectedToolsCount: in.AffectedToolsCount,
		AffectedBatchIDs:   batches,
		DetectedBy:         in.DetectedBy,
	}
	inc.AuditTrail = inc.AuditTrail.Append(audit.NewEntry(now, audit.ActionCreated, in.DetectedBy,
		fmt.Sprintf("BI failure detected affecting %d tools", in.AffectedToolsCount),
		map[string]interface{}{
			"severity":     string(in.Severity),
			"batch_ids":    batches,
			"failure_date": inc.FailureDate.Format(time.RFC3339),
		}))

	stored, err := m.repo.Insert(ctx, inc)
	if err != nil {
		return nil, errors.PersistenceError(err, "insert incident").WithContext("facility", in.FacilityID)
	}

	m.recorder.IncidentOpened(string(stored.Severity))
	m.logger.WithFields(logrus.Fields{
		"incident": stored.ID,
		"number":   stored.IncidentNumber,
		"facility": stored.FacilityID,
		"severity": stored.Severity,
		"batches":  len(stored.AffectedBatchIDs),
	}).Info("BI failure incident opened")

	m.publish(ctx, EventCreated, stored)
	return stored, nil
}

// ResolveIncident closes an open incident. Resolving twice returns the
// record unchanged.
func (m *Manager) ResolveIncident(ctx context.Context, id, operator string) (*models.Incident, error) {
	inc, err := m.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc.IsResolved() {
		return inc, nil
	}

	now := m.now().UTC()
	if now.Before(inc.CreatedAt) {
		now = inc.CreatedAt
	}
	status := models.IncidentResolved
	patch := Patch{
		Status:     &status,
		ResolvedAt: &now,
		Audit: []audit.Entry{audit.NewEntry(now, audit.ActionIncidentResolved, operator, "Incident resolved",
			map[string]interface{}{"incident_number": inc.IncidentNumber})},
	}
	if err := m.repo.Update(ctx, id, patch); err != nil {
		return nil, errors.PersistenceError(err, "resolve incident").WithContext("incident", id)
	}
	patch.Apply(inc)

	m.recorder.IncidentResolved(inc.ResolvedAt.Sub(inc.CreatedAt))
	m.logger.WithFields(logrus.Fields{
		"incident": id,
		"number":   inc.IncidentNumber,
		"operator": operator,
	}).Info("BI failure incident resolved")

	m.publish(ctx, EventResolved, inc)
	return inc, nil
}

// MarkRegulatoryNotified records that the regulator has been told. Repeat
// calls are no-ops.
func (m *Manager) MarkRegulatoryNotified(ctx context.Context, id, operator string) (*models.Incident, error) {
	inc, err := m.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc.RegulatoryNotificationSent {
		return inc, nil
	}

	sent := true
	patch := Patch{
		RegulatoryNotificationSent: &sent,
		Audit: []audit.Entry{audit.NewEntry(m.now(), audit.ActionRegulatoryNotified, operator,
			"Regulatory notification sent", nil)},
	}
	if err := m.repo.Update(ctx, id, patch); err != nil {
		return nil, errors.PersistenceError(err, "mark regulatory notification").WithContext("incident", id)
	}
	patch.Apply(inc)

	m.publish(ctx, EventUpdated, inc)
	return inc, nil
}

// GetIncident returns the incident or nil
func (m *Manager) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	inc, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, errors.PersistenceError(err, "get incident").WithContext("incident", id)
	}
	return inc, nil
}

// GetActiveIncidents lists the facility's open incidents, most recent first
func (m *Manager) GetActiveIncidents(ctx context.Context, facilityID string) ([]*models.Incident, error) {
	if facilityID == "" {
		return nil, errors.ValidationError("facility id is required")
	}
	return m.ListIncidents(ctx, Filter{FacilityID: facilityID, Status: models.IncidentOpen})
}

// ListIncidents queries incidents, most recent first
func (m *Manager) ListIncidents(ctx context.Context, filter Filter) ([]*models.Incident, error) {
	if filter.Severity != "" && !filter.Severity.Validate() {
		return nil, errors.ValidationErrorf("invalid severity: %q", filter.Severity)
	}
	if filter.Status != "" && filter.Status != models.IncidentOpen && filter.Status != models.IncidentResolved {
		return nil, errors.ValidationErrorf("invalid status: %q", filter.Status)
	}

	found, err := m.repo.Query(ctx, filter)
	if err != nil {
		return nil, errors.PersistenceError(err, "query incidents")
	}
	sortNewestFirst(found)
	return found, nil
}

// IncidentsSince feeds the risk engine with the facility's recent incidents
func (m *Manager) IncidentsSince(ctx context.Context, facilityID string, since time.Time) ([]models.Incident, error) {
	found, err := m.ListIncidents(ctx, Filter{FacilityID: facilityID, Since: since})
	if err != nil {
		return nil, err
	}
	out := make([]models.Incident, len(found))
	for i, inc := range found {
		out[i] = *inc
	}
	return out, nil
}

// GeneratePatientExposureReport finds the patients reached by tools from
// the incident's batches
func (m *Manager) GeneratePatientExposureReport(ctx context.Context, id string) (*ExposureReport, error) {
	inc, err := m.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.encounters == nil {
		return nil, errors.ConfigError("no encounter source configured")
	}

	now := m.now().UTC()
	window := ExposureWindow(inc, m.lookback, now)
	encounters, err := m.fetchEncounters(ctx, inc.AffectedBatchIDs, window)
	if err != nil {
		return nil, err
	}

	report := BuildExposureReport(inc, window, encounters, now)
	m.logger.WithFields(logrus.Fields{
		"incident":   id,
		"encounters": len(encounters),
		"patients":   report.TotalPatientsExposed,
		"high":       report.ByTier[TierHigh],
	}).Info("Patient exposure report generated")

	return report, nil
}

// fetchEncounters queries the source in chunks of batch ids, concurrently
func (m *Manager) fetchEncounters(ctx context.Context, batchIDs []string, window models.TimeWindow) ([]models.Encounter, error) {
	if len(batchIDs) == 0 {
		return nil, nil
	}

	var chunks [][]string
	for start := 0; start < len(batchIDs); start += m.chunkSize {
		end := start + m.chunkSize
		if end > len(batchIDs) {
			end = len(batchIDs)
		}
		chunks = append(chunks, batchIDs[start:end])
	}

	results := make([][]models.Encounter, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			found, err := m.encounters.EncountersFor(gctx, chunk, window)
			if err != nil {
				return err
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.PersistenceError(err, "fetch patient encounters")
	}

	var out []models.Encounter
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

// Subscribe delivers every incident event to handler until the returned
// function is called. Undecodable payloads are logged and dropped.
func (m *Manager) Subscribe(ctx context.Context, handler func(Event)) (func(), error) {
	if m.bus == nil {
		return nil, errors.ConfigError("no event bus configured")
	}

	var stops []func()
	stopAll := func() {
		for _, stop := range stops {
			stop()
		}
	}

	for _, topic := range Topics {
		topic := topic
		stop, err := m.bus.Subscribe(ctx, topic, func(payload []byte) {
			e, err := DecodeEvent(payload)
			if err != nil {
				m.logger.WithError(err).WithField("topic", topic).Warn("Dropping malformed incident event")
				return
			}
			handler(e)
		})
		if err != nil {
			stopAll()
			return nil, errors.ExternalError(err, "subscribe to incident events").WithContext("topic", topic)
		}
		stops = append(stops, stop)
	}
	return stopAll, nil
}

// publish announces a change. A failed publish never fails the operation;
// the payload goes to the dead-letter queue for replay.
func (m *Manager) publish(ctx context.Context, t EventType, inc *models.Incident) {
	if m.bus == nil {
		return
	}

	topic := topicFor(t)
	payload, err := newEvent(t, inc, m.now()).Encode()
	if err != nil {
		m.logger.WithError(err).WithField("incident", inc.ID).Error("Failed to encode incident event")
		return
	}

	pubErr := m.bus.Publish(ctx, topic, payload)
	if pubErr == nil {
		return
	}

	fields := logrus.Fields{"incident": inc.ID, "topic": topic}
	m.logger.WithError(pubErr).WithFields(fields).Warn("Incident event publish failed")
	if m.deadLetters == nil {
		return
	}
	key := fmt.Sprintf("%s:%s", inc.ID, t)
	if err := m.deadLetters.Enqueue(ctx, topic, key, payload, pubErr); err != nil {
		m.logger.WithError(err).WithFields(fields).Error("Failed to park incident event")
	}
}

func (m *Manager) mustGet(ctx context.Context, id string) (*models.Incident, error) {
	if id == "" {
		return nil, errors.ValidationError("incident id is required")
	}
	inc, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, errors.PersistenceError(err, "get incident").WithContext("incident", id)
	}
	if inc == nil {
		return nil, errors.NotFoundError("incident", id)
	}
	return inc, nil
}
