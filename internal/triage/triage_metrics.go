package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	Enqueues       *prometheus.CounterVec
	QueueDepth     prometheus.Gauge
	TriagesTotal   *prometheus.CounterVec
	TriageDuration *prometheus.HistogramVec
	TriageTokens   *prometheus.HistogramVec
	ToolCallsRun   prometheus.Histogram
	LLMCallsTotal  prometheus.Counter
	LLMTokensIn    prometheus.Counter
	LLMTokensOut   prometheus.Counter
	LLMDuration    prometheus.Histogram
	ToolCallsTotal *prometheus.CounterVec
	ToolDuration   *prometheus.HistogramVec
}

// NewMetrics registers and returns triage metrics on the given registerer.
// A nil registerer yields unregistered collectors for tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Enqueues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_triage_enqueues_total",
			Help: "Queue admission attempts by outcome.",
		}, []string{"result"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "argus_triage_queue_depth",
			Help: "Items currently queued or processing.",
		}),
		TriagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_triages_total",
			Help: "Total pipeline runs by final status.",
		}, []string{"status"}),
		TriageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "argus_triage_duration_seconds",
			Help:    "Duration of pipeline runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}, []string{"status", "model"}),
		TriageTokens: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "argus_triage_tokens",
			Help:    "Tokens consumed per pipeline run by direction.",
			Buckets: prometheus.ExponentialBuckets(100, 2, 12), // 100 .. ~409600
		}, []string{"direction"}),
		ToolCallsRun: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "argus_triage_tool_calls",
			Help:    "Tool calls per pipeline run.",
			Buckets: prometheus.LinearBuckets(0, 1, 11), // 0 .. 10
		}),
		LLMCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "argus_llm_calls_total",
			Help: "Total LLM provider calls.",
		}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "argus_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "argus_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed.",
		}),
		LLMDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "argus_llm_call_duration_seconds",
			Help:    "Duration of individual LLM calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. ~64s
		}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_tool_calls_total",
			Help: "Total tool executions by tool name and status.",
		}, []string{"tool", "status"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "argus_tool_duration_seconds",
			Help:    "Duration of tool executions in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8), // 0.1s .. ~12.8s
		}, []string{"tool"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Enqueues,
			m.QueueDepth,
			m.TriagesTotal,
			m.TriageDuration,
			m.TriageTokens,
			m.ToolCallsRun,
			m.LLMCallsTotal,
			m.LLMTokensIn,
			m.LLMTokensOut,
			m.LLMDuration,
			m.ToolCallsTotal,
			m.ToolDuration,
		)
	}

	return m
}

// Hooks returns an EngineHooks that increments the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnLLMCall: func(inputTokens, outputTokens int, duration float64) {
			m.LLMCallsTotal.Inc()
			m.LLMTokensIn.Add(float64(inputTokens))
			m.LLMTokensOut.Add(float64(outputTokens))
			m.LLMDuration.Observe(duration)
		},
		OnToolCall: func(name string, duration float64, inputBytes, outputBytes int, isError bool) {
			status := "success"
			if isError {
				status = "error"
			}
			m.ToolCallsTotal.WithLabelValues(name, status).Inc()
			m.ToolDuration.WithLabelValues(name).Observe(duration)
		},
		OnComplete: func(e *CompleteEvent) {
			m.TriagesTotal.WithLabelValues(string(e.Status)).Inc()
			m.TriageDuration.WithLabelValues(string(e.Status), e.Model).Observe(e.Duration)
			m.TriageTokens.WithLabelValues("input").Observe(float64(e.TokensIn))
			m.TriageTokens.WithLabelValues("output").Observe(float64(e.TokensOut))
			m.ToolCallsRun.Observe(float64(e.ToolCalls))
		},
	}
}
