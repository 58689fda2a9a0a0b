package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	require.NoError(t, err)

	p.IncidentOpened("critical")
	p.IncidentOpened("critical")
	p.IncidentOpened("low")
	p.BatchTransition("creating", "ready")
	p.RiskScored("F1", 42.5)
	p.IncidentResolved(2 * time.Hour)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.incidentsOpened.WithLabelValues("critical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.incidentsOpened.WithLabelValues("low")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.batchTransitions.WithLabelValues("creating", "ready")))
	assert.Equal(t, 42.5, testutil.ToFloat64(p.facilityRisk.WithLabelValues("F1")))
	assert.Equal(t, 1, testutil.CollectAndCount(p.resolutionSeconds))
}

func TestPrometheusDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheus(reg)
	require.NoError(t, err)

	_, err = NewPrometheus(reg)
	assert.Error(t, err)
}

func TestNopSatisfiesRecorder(t *testing.T) {
	var r Recorder = Nop{}
	r.IncidentOpened("high")
	r.RiskScored("F1", 10)
}
