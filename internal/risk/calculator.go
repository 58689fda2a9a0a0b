package risk

import (
	"sort"
	"time"

	"github.com/rohankatakam/sterisafe/internal/models"
	"github.com/sirupsen/logrus"
)

// Calculator performs risk calculations
type Calculator struct {
	logger *logrus.Logger
	config *Config
	now    func() time.Time
}

// Config holds risk calculation configuration
type Config struct {
	// Level thresholds as fractions of the 0-100 scale
	LowThreshold      float64
	MediumThreshold   float64
	HighThreshold     float64
	CriticalThreshold float64

	// Weights of each component as a share of the 0-100 scale. Severity,
	// unresolved and daily rate alone sum to 1 so a saturated facility
	// reaches 100 with a flat trend; a rising trend can only push the total
	// into the clamp.
	SeverityWeight   float64
	UnresolvedWeight float64
	TrendWeight      float64
	DailyRateWeight  float64

	// Raw values at which a component saturates
	SeverityCap  float64
	TrendCap     float64 // excess over a flat trend
	DailyRateCap float64
}

// DefaultConfig returns default risk configuration
func DefaultConfig() *Config {
	return &Config{
		LowThreshold:      0.25,
		MediumThreshold:   0.50,
		HighThreshold:     0.75,
		CriticalThreshold: 0.90,

		SeverityWeight:   0.40,
		UnresolvedWeight: 0.30,
		TrendWeight:      0.15,
		DailyRateWeight:  0.30,

		SeverityCap:  10,
		TrendCap:     2,
		DailyRateCap: 1,
	}
}

// NewCalculator creates a new risk calculator
func NewCalculator(logger *logrus.Logger, config *Config) *Calculator {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Calculator{
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// WithClock replaces the time source used as the end of every window
func (c *Calculator) WithClock(now func() time.Time) *Calculator {
	c.now = now
	return c
}

// Score computes the facility score over incidents within windowDays of now
func (c *Calculator) Score(incidents []models.Incident, windowDays int) Score {
	asOf := c.now()
	score := CalculateRiskScore(incidents, windowDays, asOf, c.config)

	c.logger.WithFields(logrus.Fields{
		"incidents":  len(incidents),
		"window":     windowDays,
		"overall":    score.Overall,
		"level":      score.Level,
		"confidence": score.Confidence,
	}).Debug("Risk score calculated")

	return score
}

// Assess computes the score plus trend, ranked factors and blended confidence
func (c *Calculator) Assess(facilityID string, incidents []models.Incident, windowDays int) *Assessment {
	asOf := c.now()
	score := CalculateRiskScore(incidents, windowDays, asOf, c.config)
	trend := AnalyzeTrend(incidents, windowDays, asOf)
	factors := c.Factors(score, trend)

	return &Assessment{
		FacilityID:        facilityID,
		Score:             score,
		Trend:             trend,
		Factors:           factors,
		BlendedConfidence: c.ConfidenceFor(facilityID, factors, trend),
	}
}

// DetermineLevel maps an overall score onto a level
func (c *Calculator) DetermineLevel(overall float64) Level {
	return levelFor(clamp(finite(overall), 0, 100), c.config)
}

// Factors breaks the overall score into its components, largest first
func (c *Calculator) Factors(score Score, trend TrendAnalysis) []Factor {
	if score.IncidentCount == 0 {
		return []Factor{}
	}

	comps := components(score, c.config)
	factors := make([]Factor, 0, len(comps))
	for _, comp := range comps {
		confidence := score.Confidence
		if comp.name == "trend" {
			confidence = trend.Confidence
		}
		factors = append(factors, Factor{
			Name:         comp.name,
			Value:        comp.value,
			Contribution: comp.points,
			Confidence:   confidence,
		})
	}

	sort.SliceStable(factors, func(i, j int) bool {
		return factors[i].Contribution > factors[j].Contribution
	})
	return factors
}

// ConfidenceFor blends factor and trend confidence for a facility
func (c *Calculator) ConfidenceFor(facilityID string, factors []Factor, trend TrendAnalysis) float64 {
	confidence := ConfidenceFromFactors(factors, trend)
	c.logger.WithFields(logrus.Fields{
		"facility":   facilityID,
		"factors":    len(factors),
		"trend":      trend.Direction,
		"confidence": confidence,
	}).Debug("Blended risk confidence")
	return confidence
}
