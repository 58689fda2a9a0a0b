package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/rohankatakam/sterisafe/internal/errors"
	"github.com/rohankatakam/sterisafe/internal/models"
	"github.com/rohankatakam/sterisafe/internal/telemetry"
	"github.com/sirupsen/logrus"
)

// IncidentSource supplies a facility's incidents created since a point in time
type IncidentSource interface {
	IncidentsSince(ctx context.Context, facilityID string, since time.Time) ([]models.Incident, error)
}

// SnapshotCache stores computed assessments between calls
type SnapshotCache interface {
	Get(ctx context.Context, key string, target interface{}) (bool, error)
	SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
}

// Service computes facility-level assessments on demand
type Service struct {
	source     IncidentSource
	calculator *Calculator
	cache      SnapshotCache
	cacheTTL   time.Duration
	recorder   telemetry.Recorder
	logger     *logrus.Logger
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithCache caches assessments for ttl. Without it every call recomputes.
func WithCache(cache SnapshotCache, ttl time.Duration) ServiceOption {
	return func(s *Service) {
		s.cache = cache
		s.cacheTTL = ttl
	}
}

// WithRecorder publishes every computed score
func WithRecorder(r telemetry.Recorder) ServiceOption {
	return func(s *Service) {
		s.recorder = r
	}
}

// NewService wires a service over the incident source
func NewService(source IncidentSource, calculator *Calculator, logger *logrus.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	if calculator == nil {
		calculator = NewCalculator(logger, nil)
	}
	s := &Service{
		source:     source,
		calculator: calculator,
		recorder:   telemetry.Nop{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func cacheKey(facilityID string, windowDays int) string {
	return fmt.Sprintf("%s%d", cachePrefix(facilityID), windowDays)
}

func cachePrefix(facilityID string) string {
	return fmt.Sprintf("risk:%s:", facilityID)
}

// FacilityScore returns the assessment for the facility over the last windowDays
func (s *Service) FacilityScore(ctx context.Context, facilityID string, windowDays int) (*Assessment, error) {
	if facilityID == "" {
		return nil, errors.ValidationError("facility id is required")
	}
	if windowDays <= 0 {
		return nil, errors.ValidationErrorf("window must be a positive number of days, got %d", windowDays)
	}

	key := cacheKey(facilityID, windowDays)
	if s.cache != nil {
		var cached Assessment
		found, err := s.cache.Get(ctx, key, &cached)
		if err != nil {
			s.logger.WithError(err).WithField("key", key).Warn("Risk cache read failed")
		} else if found {
			return &cached, nil
		}
	}

	since := s.calculator.now().Add(-time.Duration(windowDays) * day)
	incidents, err := s.source.IncidentsSince(ctx, facilityID, since)
	if err != nil {
		return nil, errors.PersistenceError(err, "load incidents for risk score").
			WithContext("facility", facilityID)
	}

	assessment := s.calculator.Assess(facilityID, incidents, windowDays)
	s.recorder.RiskScored(facilityID, assessment.Score.Overall)

	if s.cache != nil {
		if err := s.cache.SetWithTTL(ctx, key, assessment, s.cacheTTL); err != nil {
			s.logger.WithError(err).WithField("key", key).Warn("Risk cache write failed")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"facility": facilityID,
		"window":   windowDays,
		"overall":  assessment.Score.Overall,
		"level":    assessment.Score.Level,
	}).Info("Facility risk assessed")

	return assessment, nil
}

// Invalidate drops every cached assessment of the facility
func (s *Service) Invalidate(ctx context.Context, facilityID string) error {
	if s.cache == nil {
		return nil
	}
	deleted, err := s.cache.DeletePrefix(ctx, cachePrefix(facilityID))
	if err != nil {
		return errors.ExternalError(err, "invalidate risk cache")
	}
	s.logger.WithFields(logrus.Fields{"facility": facilityID, "deleted": deleted}).Debug("Risk cache invalidated")
	return nil
}
