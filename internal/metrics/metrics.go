package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the tracker collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive    *prometheus.GaugeVec
	sessionsTotal     *prometheus.CounterVec
	sessionsFinished  *prometheus.CounterVec
	submissions       *prometheus.CounterVec
	submissionErrors  *prometheus.CounterVec
	transportEvents   *prometheus.CounterVec
	progressMessages  *prometheus.CounterVec
	checkpointWrites  *prometheus.CounterVec
	checkpointBytes   prometheus.Histogram
	checkpointResumes *prometheus.CounterVec
	cancellations     *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		sessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nodectl_sessions_active",
			Help: "Running sessions by kind and origin",
		}, []string{"kind", "origin"}),
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nodectl_sessions_registered_total",
			Help: "Sessions added to the registry by kind and origin",
		}, []string{"kind", "origin"}),
		sessionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nodectl_sessions_finished_total",
			Help: "Sessions reaching a terminal status",
		}, []string{"kind", "status", "connection_lost"}),
		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nodectl_submissions_total",
			Help: "Routed submissions by kind and transport",
		}, []string{"kind", "transport"}),
		submissionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nodectl_submission_errors_total",
			Help: "Rejected submissions by kind and reason",
		}, []string{"kind", "reason"}),
		transportEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nodectl_transport_events_total",
			Help: "Progress transport events (stream_open, fallback_poll, poll_failure, connection_lost)",
		}, []string{"event"}),
		progressMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nodectl_progress_messages_total",
			Help: "Progress messages by disposition (applied, duplicate, regressed, late)",
		}, []string{"disposition"}),
		checkpointWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nodectl_checkpoint_writes_total",
			Help: "Checkpoint writes by result (full, reduced, over_budget, error)",
		}, []string{"result"}),
		checkpointBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "nodectl_checkpoint_bytes",
			Help:    "Encoded checkpoint size in bytes",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 102400, 262144},
		}),
		checkpointResumes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nodectl_checkpoint_mount_total",
			Help: "Checkpoints seen on mount by outcome (resumed, finished, interrupted, stale, invalid)",
		}, []string{"outcome"}),
		cancellations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nodectl_cancellations_total",
			Help: "Cancellation requests by outcome",
		}, []string{"outcome"}),
	}
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Metrics) SessionAdded(kind, origin string, running bool) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(kind, origin).Inc()
	if running {
		m.sessionsActive.WithLabelValues(kind, origin).Inc()
	}
}

// SessionInactive is called once when a running session stops being running,
// either by reaching a terminal status or by being removed.
func (m *Metrics) SessionInactive(kind, origin string) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(kind, origin).Dec()
}

func (m *Metrics) SessionReactivated(kind, origin string) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(kind, origin).Inc()
}

func (m *Metrics) SessionFinished(kind, status string, connectionLost bool) {
	if m == nil {
		return
	}
	lost := "false"
	if connectionLost {
		lost = "true"
	}
	m.sessionsFinished.WithLabelValues(kind, status, lost).Inc()
}

func (m *Metrics) Submission(kind, transport string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(kind, transport).Inc()
}

func (m *Metrics) SubmissionError(kind, reason string) {
	if m == nil {
		return
	}
	m.submissionErrors.WithLabelValues(kind, reason).Inc()
}

func (m *Metrics) TransportEvent(event string) {
	if m == nil {
		return
	}
	m.transportEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ProgressMessage(disposition string) {
	if m == nil {
		return
	}
	m.progressMessages.WithLabelValues(disposition).Inc()
}

func (m *Metrics) CheckpointWrite(result string, size int) {
	if m == nil {
		return
	}
	m.checkpointWrites.WithLabelValues(result).Inc()
	if size > 0 {
		m.checkpointBytes.Observe(float64(size))
	}
}

func (m *Metrics) CheckpointMount(outcome string) {
	if m == nil {
		return
	}
	m.checkpointResumes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Cancellation(outcome string) {
	if m == nil {
		return
	}
	m.cancellations.WithLabelValues(outcome).Inc()
}
