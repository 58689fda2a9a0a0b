package risk

import (
	"math"
	"testing"
	"time"

	"github.com/rohankatakam/sterisafe/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var asOf = time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)

func daysAgo(n float64) time.Time {
	return asOf.Add(-time.Duration(n * float64(24*time.Hour)))
}

func openIncident(sev models.Severity, created time.Time) models.Incident {
	return models.Incident{
		ID:         "inc-" + string(sev),
		FacilityID: "F1",
		Severity:   sev,
		Status:     models.IncidentOpen,
		CreatedAt:  created,
	}
}

func resolvedIncident(sev models.Severity, created, resolved time.Time) models.Incident {
	inc := openIncident(sev, created)
	inc.Status = models.IncidentResolved
	inc.ResolvedAt = &resolved
	return inc
}

func TestEmptyInputDefaults(t *testing.T) {
	var none []models.Incident

	assert.Equal(t, 0.0, SeverityScore(none))
	assert.Equal(t, 1.0, ResolutionRate(none))
	assert.Equal(t, 0.0, UnresolvedRate(none))
	assert.Equal(t, 0.0, DailyIncidentRate(none, 7, asOf))
	assert.Equal(t, 1.0, TrendScore(none, 7, asOf))
	assert.Equal(t, time.Duration(0), AverageResolutionTime(none))
	assert.Equal(t, 0.0, Confidence(none))

	score := CalculateRiskScore(none, 30, asOf, nil)
	assert.Equal(t, 0.0, score.Overall)
	assert.Equal(t, 0.0, score.Confidence)
	assert.Equal(t, 0.0, score.Severity)
	assert.Equal(t, 1.0, score.Resolution)
	assert.Equal(t, 1.0, score.Trend)
	assert.Equal(t, 0.0, score.DailyRate)
	assert.Equal(t, 0.0, score.Unresolved)
	assert.Equal(t, LevelLow, score.Level)
}

func TestSeverityScoreOrdering(t *testing.T) {
	one := func(s models.Severity) float64 {
		return SeverityScore([]models.Incident{openIncident(s, asOf)})
	}

	assert.Equal(t, 3.0, one(models.SeverityCritical))
	assert.Greater(t, one(models.SeverityCritical), one(models.SeverityHigh))
	assert.Greater(t, one(models.SeverityHigh), one(models.SeverityMedium))
	assert.GreaterOrEqual(t, one(models.SeverityMedium), one(models.SeverityLow))
	assert.Equal(t, 0.0, one(models.Severity("bogus")))
}

func TestResolutionAndUnresolvedAreComplementary(t *testing.T) {
	sets := [][]models.Incident{
		{openIncident(models.SeverityHigh, daysAgo(1))},
		{resolvedIncident(models.SeverityHigh, daysAgo(3), daysAgo(1))},
		{
			openIncident(models.SeverityLow, daysAgo(1)),
			openIncident(models.SeverityLow, daysAgo(2)),
			resolvedIncident(models.SeverityMedium, daysAgo(4), daysAgo(2)),
		},
	}

	for _, incidents := range sets {
		assert.InDelta(t, 1.0, ResolutionRate(incidents)+UnresolvedRate(incidents), 1e-9)
	}
}

func TestDailyIncidentRate(t *testing.T) {
	incidents := []models.Incident{
		openIncident(models.SeverityHigh, daysAgo(1)),
		openIncident(models.SeverityHigh, daysAgo(3)),
		openIncident(models.SeverityHigh, daysAgo(10)), // outside a 7 day window
		{Severity: models.SeverityLow},                 // no timestamp
	}

	assert.InDelta(t, 2.0/7.0, DailyIncidentRate(incidents, 7, asOf), 1e-9)
	assert.Equal(t, 0.0, DailyIncidentRate(incidents, 0, asOf))
	assert.Equal(t, 0.0, DailyIncidentRate(incidents, -3, asOf))
}

func TestTrendScore(t *testing.T) {
	tests := []struct {
		name      string
		incidents []models.Incident
		want      float64
	}{
		{
			name:      "only recent incidents has no history",
			incidents: []models.Incident{openIncident(models.SeverityHigh, daysAgo(1))},
			want:      1,
		},
		{
			name: "doubling",
			incidents: []models.Incident{
				openIncident(models.SeverityHigh, daysAgo(1)),
				openIncident(models.SeverityHigh, daysAgo(2)),
				openIncident(models.SeverityHigh, daysAgo(6)),
			},
			want: 2,
		},
		{
			name: "quiet recently",
			incidents: []models.Incident{
				openIncident(models.SeverityHigh, daysAgo(5)),
				openIncident(models.SeverityHigh, daysAgo(6)),
			},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, TrendScore(tt.incidents, 7, asOf), 1e-9)
		})
	}
}

func TestAverageResolutionTimeSkipsMalformed(t *testing.T) {
	inverted := resolvedIncident(models.SeverityLow, daysAgo(1), daysAgo(2))
	missing := openIncident(models.SeverityLow, daysAgo(1))
	missing.Status = models.IncidentResolved

	incidents := []models.Incident{
		resolvedIncident(models.SeverityHigh, daysAgo(4), daysAgo(2)),
		resolvedIncident(models.SeverityHigh, daysAgo(5), daysAgo(1)),
		openIncident(models.SeverityCritical, daysAgo(1)),
		inverted,
		missing,
	}

	assert.Equal(t, 72*time.Hour, AverageResolutionTime(incidents))
	assert.Equal(t, time.Duration(0), AverageResolutionTime([]models.Incident{openIncident(models.SeverityLow, asOf)}))
}

func TestConfidenceSaturates(t *testing.T) {
	sample := func(n int) []models.Incident {
		out := make([]models.Incident, n)
		for i := range out {
			out[i] = openIncident(models.SeverityMedium, daysAgo(1))
		}
		return out
	}

	assert.Equal(t, 0.0, Confidence(nil))
	assert.InDelta(t, 0.085, Confidence(sample(1)), 1e-9)
	assert.Less(t, Confidence(sample(5)), Confidence(sample(9)))
	assert.Equal(t, 0.85, Confidence(sample(10)))
	assert.Equal(t, 0.85, Confidence(sample(250)))
}

func TestConfidenceFromFactorsBounded(t *testing.T) {
	assert.Equal(t, 0.0, ConfidenceFromFactors(nil, TrendAnalysis{}))

	got := ConfidenceFromFactors([]Factor{{Confidence: 0.85}, {Confidence: 0.85}}, TrendAnalysis{Confidence: 0.5})
	assert.InDelta(t, 0.7*0.85+0.3*0.5, got, 1e-9)

	wild := ConfidenceFromFactors([]Factor{{Confidence: 7}, {Confidence: math.NaN()}}, TrendAnalysis{Confidence: math.Inf(1)})
	assert.GreaterOrEqual(t, wild, 0.0)
	assert.LessOrEqual(t, wild, 1.0)
}

func TestOverallIsClampedUnderStress(t *testing.T) {
	incidents := make([]models.Incident, 50)
	for i := range incidents {
		incidents[i] = openIncident(models.SeverityCritical, asOf.Add(-time.Duration(i)*time.Minute))
	}

	score := CalculateRiskScore(incidents, 1, asOf, nil)
	assert.Equal(t, 100.0, score.Overall)
	assert.Equal(t, LevelCritical, score.Level)
	assert.Equal(t, 150.0, score.Severity)
	assert.Equal(t, 1.0, score.Unresolved)
	assert.Equal(t, 1.0, score.Trend, "every incident falls in the recent half")

	// Weights that would overshoot still clamp
	greedy := DefaultConfig()
	greedy.SeverityWeight = 5
	assert.Equal(t, 100.0, CalculateRiskScore(incidents, 1, asOf, greedy).Overall)
}

func TestUnresolvedCriticalRaisesRisk(t *testing.T) {
	mixed := []models.Incident{
		openIncident(models.SeverityCritical, daysAgo(2)),
		resolvedIncident(models.SeverityHigh, daysAgo(5), daysAgo(3)),
	}
	allResolved := []models.Incident{
		resolvedIncident(models.SeverityCritical, daysAgo(2), daysAgo(1)),
		resolvedIncident(models.SeverityHigh, daysAgo(5), daysAgo(3)),
	}

	got := CalculateRiskScore(mixed, 7, asOf, nil)
	baseline := CalculateRiskScore(allResolved, 7, asOf, nil)

	assert.Equal(t, 0.5, got.Resolution)
	assert.Equal(t, 0.5, got.Unresolved)
	assert.Greater(t, got.Overall, baseline.Overall)
	assert.Equal(t, 2, got.IncidentCount)
}

func TestSingleAndAllUnresolvedInputsDoNotPanic(t *testing.T) {
	require.NotPanics(t, func() {
		CalculateRiskScore([]models.Incident{{}}, 7, asOf, nil)
		CalculateRiskScore([]models.Incident{openIncident(models.SeverityLow, time.Time{})}, 0, asOf, nil)
	})

	score := CalculateRiskScore([]models.Incident{{}}, 7, asOf, nil)
	assert.False(t, math.IsNaN(score.Overall))
	assert.Equal(t, 1.0, score.Trend)
}

func TestAnalyzeTrend(t *testing.T) {
	incidents := []models.Incident{
		openIncident(models.SeverityHigh, daysAgo(1)),
		openIncident(models.SeverityHigh, daysAgo(2)),
		openIncident(models.SeverityHigh, daysAgo(6)),
	}

	trend := AnalyzeTrend(incidents, 7, asOf)
	assert.Equal(t, TrendIncreasing, trend.Direction)
	assert.Equal(t, 2, trend.RecentCount)
	assert.Equal(t, 1, trend.HistoricalCount)

	assert.Equal(t, TrendStable, AnalyzeTrend(nil, 7, asOf).Direction)
	assert.Equal(t, TrendDecreasing, AnalyzeTrend(incidents[2:], 7, asOf).Direction)
}
