package eolstation

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// stationMetrics lives on its own registry so several controllers can run in
// one module process. All methods accept a nil receiver.
type stationMetrics struct {
	registry *prometheus.Registry

	cycles *prometheus.CounterVec
	// reason is "none" for attempts that passed
	stepAttempts *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	restarts     *prometheus.CounterVec
	reportErrors *prometheus.CounterVec
	resolveFails *prometheus.CounterVec
}

func newStationMetrics() *stationMetrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &stationMetrics{
		registry: reg,
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eol_cycles_total",
			Help: "Total number of finished test cycles",
		}, []string{"family", "verdict"}),
		stepAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eol_step_attempts_total",
			Help: "Total number of step attempts",
		}, []string{"family", "reason"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eol_step_duration_seconds",
			Help:    "Measured duration of step attempts",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 13},
		}, []string{"family"}),
		restarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eol_global_restarts_total",
			Help: "Total number of whole-sequence restarts",
		}, []string{"family"}),
		reportErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eol_report_errors_total",
			Help: "Total number of failed cycle report sinks",
		}, []string{"sink"}),
		resolveFails: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eol_resolution_errors_total",
			Help: "Total number of identifiers that could not be resolved",
		}, []string{"kind"}),
	}
}

func (m *stationMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *stationMetrics) observeAttempt(family string, out StepOutcome) {
	if m == nil {
		return
	}
	reason := string(out.Reason)
	if reason == "" {
		reason = "none"
	}
	m.stepAttempts.WithLabelValues(family, reason).Inc()
	m.stepDuration.WithLabelValues(family).Observe(out.Duration.Seconds())
}

func (m *stationMetrics) cycleFinished(family string, v CycleVerdict) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(family, string(v)).Inc()
}

func (m *stationMetrics) globalRestart(family string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(family).Inc()
}

func (m *stationMetrics) reportFailed(sink string) {
	if m == nil {
		return
	}
	m.reportErrors.WithLabelValues(sink).Inc()
}

func (m *stationMetrics) resolutionFailed(kind string) {
	if m == nil {
		return
	}
	m.resolveFails.WithLabelValues(kind).Inc()
}
