package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder receives domain events worth counting
type Recorder interface {
	IncidentOpened(severity string)
	IncidentResolved(timeToResolve time.Duration)
	BatchTransition(from, to string)
	RiskScored(facilityID string, overall float64)
}

// Nop discards everything
type Nop struct{}

func (Nop) IncidentOpened(string)          {}
func (Nop) IncidentResolved(time.Duration) {}
func (Nop) BatchTransition(string, string) {}
func (Nop) RiskScored(string, float64)     {}

// Prometheus exports the recorder through client_golang collectors
type Prometheus struct {
	incidentsOpened   *prometheus.CounterVec
	resolutionSeconds prometheus.Histogram
	batchTransitions  *prometheus.CounterVec
	facilityRisk      *prometheus.GaugeVec
}

// NewPrometheus registers the collectors on reg. A nil registerer uses the
// process default.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &Prometheus{
		incidentsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sterisafe",
			Name:      "bi_incidents_opened_total",
			Help:      "BI failure incidents opened, by severity.",
		}, []string{"severity"}),
		resolutionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sterisafe",
			Name:      "bi_incident_resolution_seconds",
			Help:      "Time from detection to resolution of BI failure incidents.",
			Buckets:   []float64{3600, 4 * 3600, 12 * 3600, 24 * 3600, 72 * 3600, 7 * 24 * 3600},
		}),
		batchTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sterisafe",
			Name:      "batch_transitions_total",
			Help:      "Sterilization batch state transitions.",
		}, []string{"from", "to"}),
		facilityRisk: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sterisafe",
			Name:      "facility_risk_score",
			Help:      "Latest overall BI failure risk score per facility.",
		}, []string{"facility"}),
	}

	for _, c := range []prometheus.Collector{p.incidentsOpened, p.resolutionSeconds, p.batchTransitions, p.facilityRisk} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) IncidentOpened(severity string) {
	p.incidentsOpened.WithLabelValues(severity).Inc()
}

func (p *Prometheus) IncidentResolved(timeToResolve time.Duration) {
	p.resolutionSeconds.Observe(timeToResolve.Seconds())
}

func (p *Prometheus) BatchTransition(from, to string) {
	p.batchTransitions.WithLabelValues(from, to).Inc()
}

func (p *Prometheus) RiskScored(facilityID string, overall float64) {
	p.facilityRisk.WithLabelValues(facilityID).Set(overall)
}
