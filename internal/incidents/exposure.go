package incidents

import (
	"sort"
	"time"

	"github.com/rohankatakam/sterisafe/internal/models"
)

var contactRank = map[models.ContactClass]int{
	models.ContactNonCritical:  1,
	models.ContactSemiCritical: 2,
	models.ContactCritical:     3,
}

// ExposureWindow spans from lookback before the failure to resolution, or
// to now while the incident is still open
func ExposureWindow(inc *models.Incident, lookback time.Duration, now time.Time) models.TimeWindow {
	end := now
	if inc.ResolvedAt != nil {
		end = *inc.ResolvedAt
	}
	start := inc.FailureDate.Add(-lookback)
	if end.Before(start) {
		end = start
	}
	return models.TimeWindow{Start: start.UTC(), End: end.UTC()}
}

// BuildExposureReport aggregates encounters into per-patient exposures.
// Encounters outside the window or the incident's batches are ignored, so
// every counted patient lands in exactly one category and one tier.
func BuildExposureReport(inc *models.Incident, window models.TimeWindow, encounters []models.Encounter, generatedAt time.Time) *ExposureReport {
	report := &ExposureReport{
		IncidentID:     inc.ID,
		IncidentNumber: inc.IncidentNumber,
		Window:         window,
		ByCategory: map[ExposureCategory]int{
			CategoryExposureWindow:   0,
			CategoryQuarantineBreach: 0,
		},
		ByTier: map[RiskTier]int{
			TierHigh:   0,
			TierMedium: 0,
			TierLow:    0,
		},
		Patients:    []PatientExposure{},
		GeneratedAt: generatedAt.UTC(),
	}

	batches := make(map[string]bool, len(inc.AffectedBatchIDs))
	for _, id := range inc.AffectedBatchIDs {
		batches[id] = true
	}

	type tally struct {
		exposure PatientExposure
		breach   bool
	}
	byPatient := make(map[string]*tally)

	for _, enc := range encounters {
		if enc.PatientID == "" || !batches[enc.BatchID] || !window.Contains(enc.OccurredAt) {
			continue
		}

		t, ok := byPatient[enc.PatientID]
		if !ok {
			t = &tally{exposure: PatientExposure{
				PatientID:      enc.PatientID,
				FirstEncounter: enc.OccurredAt,
				LastEncounter:  enc.OccurredAt,
			}}
			byPatient[enc.PatientID] = t
		}

		t.exposure.Encounters++
		if enc.OccurredAt.Before(t.exposure.FirstEncounter) {
			t.exposure.FirstEncounter = enc.OccurredAt
		}
		if enc.OccurredAt.After(t.exposure.LastEncounter) {
			t.exposure.LastEncounter = enc.OccurredAt
		}
		if contactRank[enc.ContactClass] > contactRank[t.exposure.HighestContact] {
			t.exposure.HighestContact = enc.ContactClass
		}
		if enc.OccurredAt.After(inc.CreatedAt) {
			t.breach = true
		}
	}

	for _, t := range byPatient {
		p := t.exposure
		p.Category = CategoryExposureWindow
		if t.breach {
			p.Category = CategoryQuarantineBreach
		}
		p.Tier = tierFor(t.breach, p.HighestContact)

		report.ByCategory[p.Category]++
		report.ByTier[p.Tier]++
		report.Patients = append(report.Patients, p)
	}
	report.TotalPatientsExposed = len(report.Patients)

	sort.Slice(report.Patients, func(i, j int) bool {
		a, b := report.Patients[i], report.Patients[j]
		if tierRank(a.Tier) != tierRank(b.Tier) {
			return tierRank(a.Tier) > tierRank(b.Tier)
		}
		return a.PatientID < b.PatientID
	})

	return report
}

func tierFor(breach bool, contact models.ContactClass) RiskTier {
	switch {
	case breach || contact == models.ContactCritical:
		return TierHigh
	case contact == models.ContactSemiCritical:
		return TierMedium
	default:
		return TierLow
	}
}

func tierRank(t RiskTier) int {
	switch t {
	case TierHigh:
		return 3
	case TierMedium:
		return 2
	default:
		return 1
	}
}
