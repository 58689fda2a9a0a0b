package risk

import (
	"time"
)

// Level buckets an overall score
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Score is a computed snapshot of facility risk. It is derived on every call
// and never persisted by the engine.
type Score struct {
	Overall    float64 `json:"overall"`    // 0-100, clamped
	Confidence float64 `json:"confidence"` // 0-1
	Severity   float64 `json:"severity"`   // raw weighted sum
	Resolution float64 `json:"resolution"` // fraction resolved
	Trend      float64 `json:"trend"`      // recent vs historical rate, 1 = flat
	DailyRate  float64 `json:"daily_rate"` // incidents per day
	Unresolved float64 `json:"unresolved"` // fraction unresolved

	Level             Level         `json:"level"`
	WindowDays        int           `json:"window_days"`
	IncidentCount     int           `json:"incident_count"`
	AverageResolution time.Duration `json:"average_resolution"`
	CalculatedAt      time.Time     `json:"calculated_at"`
}

// Factor is one weighted component of the overall score
type Factor struct {
	Name         string  `json:"name"`
	Value        float64 `json:"value"`
	Contribution float64 `json:"contribution"` // points of Overall
	Confidence   float64 `json:"confidence"`
}

// Direction of an incident trend
type Direction string

const (
	TrendIncreasing Direction = "increasing"
	TrendStable     Direction = "stable"
	TrendDecreasing Direction = "decreasing"
)

// TrendAnalysis compares the recent half of a window with the earlier half
type TrendAnalysis struct {
	Direction       Direction `json:"direction"`
	Ratio           float64   `json:"ratio"`
	RecentCount     int       `json:"recent_count"`
	HistoricalCount int       `json:"historical_count"`
	Confidence      float64   `json:"confidence"`
}

// Assessment is what the facility service hands to dashboards
type Assessment struct {
	FacilityID        string        `json:"facility_id"`
	Score             Score         `json:"score"`
	Trend             TrendAnalysis `json:"trend"`
	Factors           []Factor      `json:"factors"`
	BlendedConfidence float64       `json:"blended_confidence"`
}
