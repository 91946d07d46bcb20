package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveConversations prometheus.Gauge
	ConversationEvents  *prometheus.CounterVec
	Turns               *prometheus.CounterVec
	BoundaryRejections  *prometheus.CounterVec
	SanitizerRemovals   *prometheus.CounterVec
	WorkflowEvents      *prometheus.CounterVec
	Verifications       *prometheus.CounterVec
	ClaimOutcomes       *prometheus.CounterVec
	CacheLookups        *prometheus.CounterVec
	VerifyQueueDepth    prometheus.Gauge
	VerifyLatency       prometheus.Histogram
	TurnLatency         prometheus.Histogram
	WSMessages          *prometheus.CounterVec

	gatherer prometheus.Gatherer
	stages   *StageWindow
}

// NewMetrics registers instruments on reg, or on the default registry when
// reg is nil.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	f := promauto.With(registerer)

	return &Metrics{
		ActiveConversations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_conversations",
			Help:      "Number of live merchant conversations.",
		}),
		ConversationEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_events_total",
			Help:      "Conversation lifecycle events by type.",
		}, []string{"event"}),
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Handled turns by outcome.",
		}, []string{"outcome"}),
		BoundaryRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "boundary_rejections_total",
			Help:      "Rejected tool calls by category and outcome.",
		}, []string{"category", "outcome"}),
		SanitizerRemovals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sanitizer_removals_total",
			Help:      "Artifacts removed from draft replies by kind.",
		}, []string{"kind"}),
		WorkflowEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_events_total",
			Help:      "Workflow transition events by result.",
		}, []string{"result"}),
		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Verification requests by path.",
		}, []string{"path"}),
		ClaimOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Checked claims by kind and verification.",
		}, []string{"kind", "verification"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_cache_lookups_total",
			Help:      "Verification cache lookups by tier and result.",
		}, []string{"tier", "result"}),
		VerifyQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "verification_queue_depth",
			Help:      "Verification jobs waiting for a worker.",
		}),
		VerifyLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verification_latency_ms",
			Help:      "Verification job duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 1000, 5000},
		}),
		TurnLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_ms",
			Help:      "Synchronous reply path duration in milliseconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 25, 50, 100},
		}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		gatherer: gatherer,
		stages:   NewStageWindow(256),
	}
}

func (m *Metrics) ConversationEvent(event string) {
	if m == nil {
		return
	}
	m.ConversationEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) TurnHandled(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
	m.TurnLatency.Observe(ms(d))
}

func (m *Metrics) BoundaryRejected(category, outcome string) {
	if m == nil {
		return
	}
	m.BoundaryRejections.WithLabelValues(category, outcome).Inc()
}

func (m *Metrics) SanitizerRemoved(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SanitizerRemovals.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) WorkflowEvent(result string) {
	if m == nil {
		return
	}
	m.WorkflowEvents.WithLabelValues(result).Inc()
}

func (m *Metrics) VerificationPath(path string) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(path).Inc()
}

func (m *Metrics) ClaimChecked(kind, verification string) {
	if m == nil {
		return
	}
	m.ClaimOutcomes.WithLabelValues(kind, verification).Inc()
}

func (m *Metrics) CacheLookup(tier, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(tier, result).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.VerifyQueueDepth.Set(float64(n))
}

func (m *Metrics) ObserveVerification(d time.Duration) {
	if m == nil {
		return
	}
	m.VerifyLatency.Observe(ms(d))
	m.stages.Observe(StageVerification, ms(d))
}

func (m *Metrics) WSMessage(direction, kind string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, kind).Inc()
}

// Indicator counts a named event in the stage window.
func (m *Metrics) Indicator(name string) {
	m.Stages().ObserveIndicator(name)
}

// Stages is the rolling per-stage latency window. It is nil for nil Metrics.
func (m *Metrics) Stages() *StageWindow {
	if m == nil {
		return nil
	}
	return m.stages
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
