package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gridlink"

// Metrics groups every collector the engine reports. A nil *Metrics is valid
// and records nothing, so packages can be used without wiring metrics.
type Metrics struct {
	registry *prometheus.Registry

	framesTotal       *prometheus.CounterVec
	framesDropped     *prometheus.CounterVec
	staleUpdates      prometheus.Counter
	dialsTotal        prometheus.Counter
	reconnectsTotal   prometheus.Counter
	connectionPhase   prometheus.Gauge
	pollRequests      *prometheus.CounterVec
	submissions       *prometheus.CounterVec
	trackingOutcomes  *prometheus.CounterVec
	credentialChanges prometheus.Counter
	feedLength        prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Push-channel frames applied, by frame type.",
		}, []string{"type"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Push-channel frames dropped, by reason.",
		}, []string{"reason"}),
		staleUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_stale_updates_total",
			Help:      "job_update frames rejected because they would move a job backwards.",
		}),
		dialsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_dials_total",
			Help:      "Push-channel connection attempts.",
		}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_reconnects_scheduled_total",
			Help:      "Reconnect timers scheduled after a channel close.",
		}),
		connectionPhase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_phase",
			Help:      "Current channel phase (0 disconnected, 1 connecting, 2 open, 3 closed).",
		}),
		pollRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_requests_total",
			Help:      "Job status poll requests, by result.",
		}, []string{"result"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Job submissions, by result.",
		}, []string{"result"}),
		trackingOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracking_outcomes_total",
			Help:      "Finished tracking attempts, by terminal state and strategy.",
		}, []string{"state", "strategy"}),
		credentialChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_changes_total",
			Help:      "Credential changes that triggered a channel re-establishment.",
		}),
		feedLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_length",
			Help:      "Entries currently held in the recent-jobs feed.",
		}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.framesTotal,
		m.framesDropped,
		m.staleUpdates,
		m.dialsTotal,
		m.reconnectsTotal,
		m.connectionPhase,
		m.pollRequests,
		m.submissions,
		m.trackingOutcomes,
		m.credentialChanges,
		m.feedLength,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameApplied(frameType string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(frameType).Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) StaleUpdate() {
	if m == nil {
		return
	}
	m.staleUpdates.Inc()
}

func (m *Metrics) Dial() {
	if m == nil {
		return
	}
	m.dialsTotal.Inc()
}

func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

func (m *Metrics) SetPhase(phase int) {
	if m == nil {
		return
	}
	m.connectionPhase.Set(float64(phase))
}

func (m *Metrics) PollRequest(result string) {
	if m == nil {
		return
	}
	m.pollRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) Submission(result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(result).Inc()
}

func (m *Metrics) TrackingOutcome(state, strategy string) {
	if m == nil {
		return
	}
	m.trackingOutcomes.WithLabelValues(state, strategy).Inc()
}

func (m *Metrics) CredentialChanged() {
	if m == nil {
		return
	}
	m.credentialChanges.Inc()
}

func (m *Metrics) SetFeedLength(n int) {
	if m == nil {
		return
	}
	m.feedLength.Set(float64(n))
}
