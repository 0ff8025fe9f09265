package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/voice-intake-agent/internal/llm"
)

const namespace = "voice_intake"

// CallMetrics exposes counters/histograms for calls and their external
// dependencies.
type CallMetrics struct {
	callsStarted   prometheus.Counter
	callsEnded     *prometheus.CounterVec
	activeCalls    prometheus.Gauge
	turnLatency    prometheus.Histogram
	toolCalls      *prometheus.CounterVec
	geocodeTotal   *prometheus.CounterVec
	geocodeTime    *prometheus.HistogramVec
	emailTotal     *prometheus.CounterVec
	emailTime      prometheus.Histogram
	llmLatency     *prometheus.HistogramVec
	llmTokens      *prometheus.CounterVec
	llmErrors      *prometheus.CounterVec
	playoutWait    *prometheus.HistogramVec
	runtimeLatency *prometheus.HistogramVec
}

func NewCallMetrics(reg prometheus.Registerer) *CallMetrics {
	m := &CallMetrics{
		callsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "started_total",
			Help:      "Total calls answered",
		}),
		callsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "ended_total",
			Help:      "Total calls ended by outcome",
		}, []string{"outcome"}),
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "active",
			Help:      "Calls with a live session",
		}),
		turnLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "turn_latency_seconds",
			Help:      "Time to produce a reply for one caller turn",
			Buckets:   prometheus.DefBuckets,
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and status",
		}, []string{"tool", "status"}),
		geocodeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "geocoder",
			Name:      "lookups_total",
			Help:      "Geocoder lookups by tier and result",
		}, []string{"tier", "result"}),
		geocodeTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "geocoder",
			Name:      "lookup_seconds",
			Help:      "Geocoder lookup latency",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5},
		}, []string{"tier"}),
		emailTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "email",
			Name:      "sends_total",
			Help:      "Confirmation email sends by status",
		}, []string{"status"}),
		emailTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "email",
			Name:      "send_seconds",
			Help:      "Confirmation email latency",
			Buckets:   prometheus.DefBuckets,
		}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "latency_seconds",
			Help:      "LLM completion latency",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16},
		}, []string{"provider"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "LLM tokens by provider and direction",
		}, []string{"provider", "direction"}),
		llmErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "errors_total",
			Help:      "Failed LLM completions",
		}, []string{"provider"}),
		playoutWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "playout",
			Name:      "wait_seconds",
			Help:      "Time end_call waited for speech playout",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30},
		}, []string{"result"}),
		runtimeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "latency_seconds",
			Help:      "Pipeline latencies reported by the voice runtime",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4},
		}, []string{"kind"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.callsStarted, m.callsEnded, m.activeCalls, m.turnLatency, m.toolCalls,
		m.geocodeTotal, m.geocodeTime, m.emailTotal, m.emailTime,
		m.llmLatency, m.llmTokens, m.llmErrors, m.playoutWait, m.runtimeLatency,
	)
	return m
}

func (m *CallMetrics) CallStarted() {
	if m == nil {
		return
	}
	m.callsStarted.Inc()
	m.activeCalls.Inc()
}

func (m *CallMetrics) CallEnded(outcome string) {
	if m == nil {
		return
	}
	m.callsEnded.WithLabelValues(outcome).Inc()
	m.activeCalls.Dec()
}

func (m *CallMetrics) ObserveTurn(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.turnLatency.Observe(elapsed.Seconds())
}

func (m *CallMetrics) ObserveTool(tool, status string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, status).Inc()
}

func (m *CallMetrics) ObserveGeocode(tier int, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := strconv.Itoa(tier)
	m.geocodeTotal.WithLabelValues(label, result).Inc()
	m.geocodeTime.WithLabelValues(label).Observe(elapsed.Seconds())
}

func (m *CallMetrics) ObserveEmail(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.emailTotal.WithLabelValues(status).Inc()
	m.emailTime.Observe(elapsed.Seconds())
}

func (m *CallMetrics) ObserveLLM(provider string, elapsed time.Duration, usage llm.TokenUsage, err error) {
	if m == nil {
		return
	}
	m.llmLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
	if err != nil {
		m.llmErrors.WithLabelValues(provider).Inc()
		return
	}
	m.llmTokens.WithLabelValues(provider, "input").Add(float64(usage.InputTokens))
	m.llmTokens.WithLabelValues(provider, "output").Add(float64(usage.OutputTokens))
}

func (m *CallMetrics) ObservePlayoutWait(elapsed time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	result := "played"
	if timedOut {
		result = "timeout"
	}
	m.playoutWait.WithLabelValues(result).Observe(elapsed.Seconds())
}

// ObserveRuntime records a latency reported by the voice runtime, such as
// llm_ttft, tts_ttfb or eou_delay. Negative values are dropped.
func (m *CallMetrics) ObserveRuntime(kind string, seconds float64) {
	if m == nil || seconds < 0 {
		return
	}
	m.runtimeLatency.WithLabelValues(kind).Observe(seconds)
}
