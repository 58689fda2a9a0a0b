package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rohankatakam/sterisafe/internal/errors"
	"github.com/rohankatakam/sterisafe/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	incidents []models.Incident
	calls     int
	since     time.Time
	err       error
}

func (s *stubSource) IncidentsSince(_ context.Context, facilityID string, since time.Time) ([]models.Incident, error) {
	s.calls++
	s.since = since
	if s.err != nil {
		return nil, s.err
	}
	var out []models.Incident
	for _, inc := range s.incidents {
		if inc.FacilityID == facilityID && !inc.CreatedAt.Before(since) {
			out = append(out, inc)
		}
	}
	return out, nil
}

type mapCache struct {
	entries map[string][]byte
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string][]byte)}
}

func (c *mapCache) Get(_ context.Context, key string, target interface{}) (bool, error) {
	data, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, target)
}

func (c *mapCache) SetWithTTL(_ context.Context, key string, value interface{}, _ time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.entries[key] = data
	return nil
}

func (c *mapCache) DeletePrefix(_ context.Context, prefix string) (int64, error) {
	var n int64
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	return n, nil
}

func TestFacilityScoreValidatesInput(t *testing.T) {
	svc := NewService(&stubSource{}, fixedCalculator(), quietLogger())

	_, err := svc.FacilityScore(context.Background(), "", 7)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	_, err = svc.FacilityScore(context.Background(), "F1", 0)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestFacilityScoreLoadsWindow(t *testing.T) {
	source := &stubSource{incidents: []models.Incident{
		openIncident(models.SeverityCritical, daysAgo(2)),
		openIncident(models.SeverityHigh, daysAgo(20)),
	}}
	svc := NewService(source, fixedCalculator(), quietLogger())

	assessment, err := svc.FacilityScore(context.Background(), "F1", 7)
	require.NoError(t, err)

	assert.Equal(t, daysAgo(7), source.since)
	assert.Equal(t, 1, assessment.Score.IncidentCount)
	assert.Greater(t, assessment.Score.Overall, 0.0)
}

func TestFacilityScoreWrapsSourceFailure(t *testing.T) {
	source := &stubSource{err: fmt.Errorf("connection refused")}
	svc := NewService(source, fixedCalculator(), quietLogger())

	_, err := svc.FacilityScore(context.Background(), "F1", 7)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPersistence))
	assert.True(t, errors.IsRetryable(err))
}

func TestFacilityScoreCachesUntilInvalidated(t *testing.T) {
	source := &stubSource{incidents: []models.Incident{openIncident(models.SeverityCritical, daysAgo(1))}}
	cache := newMapCache()
	svc := NewService(source, fixedCalculator(), quietLogger(), WithCache(cache, time.Minute))
	ctx := context.Background()

	first, err := svc.FacilityScore(ctx, "F1", 7)
	require.NoError(t, err)
	second, err := svc.FacilityScore(ctx, "F1", 7)
	require.NoError(t, err)

	assert.Equal(t, 1, source.calls)
	assert.InDelta(t, first.Score.Overall, second.Score.Overall, 1e-9)
	assert.Contains(t, cache.entries, "risk:F1:7")

	require.NoError(t, svc.Invalidate(ctx, "F1"))
	assert.Empty(t, cache.entries)

	_, err = svc.FacilityScore(ctx, "F1", 7)
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls)
}
