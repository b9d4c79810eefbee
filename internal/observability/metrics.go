package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveCalls       prometheus.Gauge
	CallEvents        *prometheus.CounterVec
	TransportMessages *prometheus.CounterVec
	DroppedFrames     *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	ToolCalls         *prometheus.CounterVec
	StateTransitions  *prometheus.CounterVec
	BargeIns          prometheus.Counter
	FirstAudioLatency prometheus.Histogram
	PublishedEvents   *prometheus.CounterVec

	latency *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of calls currently attached to a media stream.",
		}),
		CallEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call lifecycle events by type.",
		}, []string{"event"}),
		TransportMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_messages_total",
			Help:      "Telephony media stream messages by direction and event.",
		}, []string{"direction", "event"}),
		DroppedFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Inbound transport messages dropped before reaching recognition.",
		}, []string{"reason"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Upstream provider errors by provider and code.",
		}, []string{"provider", "code"}),
		ToolCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool router invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		StateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_transitions_total",
			Help:      "Conversation state machine transitions by target state.",
		}, []string{"to"}),
		BargeIns: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Assistant playback interrupted by caller speech.",
		}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from end of caller turn to first assistant audio frame in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 3000},
		}),
		PublishedEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_events_total",
			Help:      "Handoff and call events published by topic and outcome.",
		}, []string{"topic", "outcome"}),
		latency: newLatencyWindow(512),
	}
}

func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.ActiveCalls.Inc()
	m.CallEvents.WithLabelValues("started").Inc()
}

func (m *Metrics) CallEnded(reason string) {
	if m == nil {
		return
	}
	m.ActiveCalls.Dec()
	m.CallEvents.WithLabelValues("ended_" + reason).Inc()
}

func (m *Metrics) CallEvent(event string) {
	if m == nil {
		return
	}
	m.CallEvents.WithLabelValues(event).Inc()
	m.latency.event(event)
}

func (m *Metrics) TransportMessage(direction, event string) {
	if m == nil {
		return
	}
	m.TransportMessages.WithLabelValues(direction, event).Inc()
}

func (m *Metrics) DroppedFrame(reason string) {
	if m == nil {
		return
	}
	m.DroppedFrames.WithLabelValues(reason).Inc()
}

func (m *Metrics) ProviderError(provider, code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

// ToolCall counts one tool invocation and records how long it took.
func (m *Metrics) ToolCall(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
	m.latency.observe(StageKey{Stage: StageToolCall, Label: tool}, outcome, ms(d))
}

func (m *Metrics) StoreWrite(err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.latency.observe(StageKey{Stage: StageStoreWrite}, outcome, ms(d))
}

func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) EventPublished(topic string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.PublishedEvents.WithLabelValues(topic, outcome).Inc()
}

func (m *Metrics) BargeIn() {
	if m == nil {
		return
	}
	m.BargeIns.Inc()
	m.latency.event("barge_in")
}

// ObserveFirstAudioLatency records the first frame of a reply, labelled by
// the synthesis provider that produced it.
func (m *Metrics) ObserveFirstAudioLatency(provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	m.latency.observe(StageKey{Stage: StageFirstAudio, Label: provider}, "", ms(d))
}

// ObserveStage records one turn latency sample. label is usually the
// conversation step the turn ran in.
func (m *Metrics) ObserveStage(stage, label string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.observe(StageKey{Stage: stage, Label: label}, "", ms(d))
}

func (m *Metrics) LatencyReport() LatencyReport {
	if m == nil {
		return LatencyReport{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.latency.report()
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
