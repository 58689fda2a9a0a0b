package risk

import (
	"math"
	"time"

	"github.com/rohankatakam/sterisafe/internal/models"
)

const (
	// confidenceCeiling is reached once the sample holds confidenceSaturation incidents
	confidenceCeiling    = 0.85
	confidenceSaturation = 10

	day = 24 * time.Hour
)

var severityWeights = map[models.Severity]float64{
	models.SeverityCritical: 3,
	models.SeverityHigh:     2,
	models.SeverityMedium:   1,
	models.SeverityLow:      0,
}

// SeverityWeight returns the scoring weight of a severity level. Unknown
// levels weigh nothing.
func SeverityWeight(s models.Severity) float64 {
	return severityWeights[s]
}

// SeverityScore sums the per-incident severity weights
func SeverityScore(incidents []models.Incident) float64 {
	total := 0.0
	for _, inc := range incidents {
		total += SeverityWeight(inc.Severity)
	}
	return total
}

// ResolutionRate is resolved/total. No incidents counts as fully resolved.
func ResolutionRate(incidents []models.Incident) float64 {
	if len(incidents) == 0 {
		return 1
	}
	resolved := 0
	for _, inc := range incidents {
		if inc.Status == models.IncidentResolved {
			resolved++
		}
	}
	return float64(resolved) / float64(len(incidents))
}

// UnresolvedRate is unresolved/total. No incidents means nothing unresolved.
func UnresolvedRate(incidents []models.Incident) float64 {
	if len(incidents) == 0 {
		return 0
	}
	open := 0
	for _, inc := range incidents {
		if inc.Status != models.IncidentResolved {
			open++
		}
	}
	return float64(open) / float64(len(incidents))
}

// DailyIncidentRate counts incidents created within windowDays before asOf
// and divides by the window length. Incidents without a timestamp are skipped.
func DailyIncidentRate(incidents []models.Incident, windowDays int, asOf time.Time) float64 {
	if windowDays <= 0 || len(incidents) == 0 {
		return 0
	}
	cutoff := asOf.Add(-time.Duration(windowDays) * day)
	count := 0
	for _, inc := range incidents {
		if inc.CreatedAt.IsZero() || inc.CreatedAt.Before(cutoff) {
			continue
		}
		count++
	}
	return float64(count) / float64(windowDays)
}

// TrendScore is the ratio of incidents in the recent half of the window to
// those in the earlier half. With nothing to compare against the trend is flat (1).
func TrendScore(incidents []models.Incident, windowDays int, asOf time.Time) float64 {
	recent, historical := splitWindow(incidents, windowDays, asOf)
	if historical == 0 {
		return 1
	}
	return float64(recent) / float64(historical)
}

func splitWindow(incidents []models.Incident, windowDays int, asOf time.Time) (recent, historical int) {
	if windowDays <= 0 {
		return 0, 0
	}
	window := time.Duration(windowDays) * day
	start := asOf.Add(-window)
	mid := asOf.Add(-window / 2)

	for _, inc := range incidents {
		created := inc.CreatedAt
		switch {
		case created.IsZero(), created.Before(start):
		case created.Before(mid):
			historical++
		default:
			recent++
		}
	}
	return recent, historical
}

// AverageResolutionTime is the mean of resolvedAt-createdAt over resolved
// incidents. Records with missing or inverted timestamps are ignored.
func AverageResolutionTime(incidents []models.Incident) time.Duration {
	var total time.Duration
	n := 0
	for _, inc := range incidents {
		if inc.Status != models.IncidentResolved || inc.ResolvedAt == nil || inc.CreatedAt.IsZero() {
			continue
		}
		d := inc.ResolvedAt.Sub(inc.CreatedAt)
		if d < 0 {
			continue
		}
		total += d
		n++
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

// Confidence grows linearly with the sample size and saturates at 0.85 once
// ten incidents are available.
func Confidence(incidents []models.Incident) float64 {
	return sampleConfidence(len(incidents))
}

func sampleConfidence(n int) float64 {
	if n <= 0 {
		return 0
	}
	if n >= confidenceSaturation {
		return confidenceCeiling
	}
	return confidenceCeiling * float64(n) / confidenceSaturation
}

// ConfidenceFromFactors blends factor-level confidence with the trend's
// confidence. The result always lies in [0, 1].
func ConfidenceFromFactors(factors []Factor, trend TrendAnalysis) float64 {
	if len(factors) == 0 {
		return clamp(finite(trend.Confidence), 0, 1)
	}
	sum := 0.0
	for _, f := range factors {
		sum += clamp(finite(f.Confidence), 0, 1)
	}
	factorConfidence := sum / float64(len(factors))
	blended := 0.7*factorConfidence + 0.3*clamp(finite(trend.Confidence), 0, 1)
	return clamp(blended, 0, 1)
}

// AnalyzeTrend classifies the trend over the window
func AnalyzeTrend(incidents []models.Incident, windowDays int, asOf time.Time) TrendAnalysis {
	recent, historical := splitWindow(incidents, windowDays, asOf)
	ratio := 1.0
	if historical > 0 {
		ratio = float64(recent) / float64(historical)
	}

	direction := TrendStable
	switch {
	case historical == 0 && recent > 0:
		direction = TrendIncreasing
	case ratio > 1.2:
		direction = TrendIncreasing
	case ratio < 0.8:
		direction = TrendDecreasing
	}

	return TrendAnalysis{
		Direction:       direction,
		Ratio:           ratio,
		RecentCount:     recent,
		HistoricalCount: historical,
		Confidence:      sampleConfidence(recent + historical),
	}
}

// CalculateRiskScore composes the component scores into a Score. Empty input
// yields the neutral defaults dashboards branch on.
func CalculateRiskScore(incidents []models.Incident, windowDays int, asOf time.Time, cfg *Config) Score {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if len(incidents) == 0 {
		return Score{
			Overall:      0,
			Confidence:   0,
			Severity:     0,
			Resolution:   1,
			Trend:        1,
			DailyRate:    0,
			Unresolved:   0,
			Level:        LevelLow,
			WindowDays:   windowDays,
			CalculatedAt: asOf,
		}
	}

	s := Score{
		Severity:          SeverityScore(incidents),
		Resolution:        ResolutionRate(incidents),
		Unresolved:        UnresolvedRate(incidents),
		Trend:             finite(TrendScore(incidents, windowDays, asOf)),
		DailyRate:         finite(DailyIncidentRate(incidents, windowDays, asOf)),
		Confidence:        Confidence(incidents),
		WindowDays:        windowDays,
		IncidentCount:     len(incidents),
		AverageResolution: AverageResolutionTime(incidents),
		CalculatedAt:      asOf,
	}

	total := 0.0
	for _, c := range components(s, cfg) {
		total += c.points
	}
	s.Overall = clamp(finite(total), 0, 100)
	s.Level = levelFor(s.Overall, cfg)

	return s
}

type component struct {
	name   string
	value  float64
	points float64
}

// components converts each raw sub-score into points of the 0-100 scale
func components(s Score, cfg *Config) []component {
	return []component{
		{"severity", s.Severity, 100 * cfg.SeverityWeight * normalize(s.Severity, cfg.SeverityCap)},
		{"unresolved", s.Unresolved, 100 * cfg.UnresolvedWeight * clamp(s.Unresolved, 0, 1)},
		{"trend", s.Trend, 100 * cfg.TrendWeight * normalize(math.Max(s.Trend-1, 0), cfg.TrendCap)},
		{"daily_rate", s.DailyRate, 100 * cfg.DailyRateWeight * normalize(s.DailyRate, cfg.DailyRateCap)},
	}
}

func levelFor(overall float64, cfg *Config) Level {
	fraction := overall / 100
	switch {
	case fraction >= cfg.CriticalThreshold:
		return LevelCritical
	case fraction >= cfg.HighThreshold:
		return LevelHigh
	case fraction >= cfg.MediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

func normalize(v, ceiling float64) float64 {
	if ceiling <= 0 {
		return 0
	}
	return clamp(finite(v)/ceiling, 0, 1)
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
