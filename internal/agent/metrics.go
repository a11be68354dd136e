package agent

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nugget/talon/internal/memory"
)

// Metrics are the loop's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	iterations     prometheus.Counter
	verdicts       *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	protocolErrors prometheus.Counter
	compactions    *prometheus.CounterVec
	findings       *prometheus.CounterVec
	tokens         *prometheus.CounterVec
	outcomes       *prometheus.CounterVec
}

// NewMetrics registers the loop collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		iterations: f.NewCounter(prometheus.CounterOpts{
			Namespace: "talon",
			Subsystem: "loop",
			Name:      "iterations_total",
			Help:      "Loop iterations started",
		}),
		// Labels: verdict (allow, block, needs_approval, modify)
		verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "talon",
			Subsystem: "policy",
			Name:      "verdicts_total",
			Help:      "Policy decisions by verdict",
		}, []string{"verdict"}),
		// Labels: tool, status (ok, failed, timed_out, blocked, denied, error)
		toolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "talon",
			Subsystem: "tools",
			Name:      "duration_seconds",
			Help:      "Tool call duration from validation to result",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"tool", "status"}),
		protocolErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "talon",
			Subsystem: "loop",
			Name:      "protocol_errors_total",
			Help:      "Model replies that could not be used",
		}),
		// Labels: fallback (true when the extractive summary was used)
		compactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "talon",
			Subsystem: "memory",
			Name:      "compactions_total",
			Help:      "Memory compaction passes",
		}, []string{"fallback"}),
		findings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "talon",
			Subsystem: "engagement",
			Name:      "findings_total",
			Help:      "Findings recorded by severity",
		}, []string{"severity"}),
		// Labels: direction (in, out)
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "talon",
			Subsystem: "model",
			Name:      "tokens_total",
			Help:      "Model tokens consumed",
		}, []string{"direction"}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "talon",
			Subsystem: "engagement",
			Name:      "outcomes_total",
			Help:      "Engagement runs by terminal status",
		}, []string{"status"}),
	}
}

func (m *Metrics) iteration() {
	if m != nil {
		m.iterations.Inc()
	}
}

func (m *Metrics) verdict(v string) {
	if m != nil {
		m.verdicts.WithLabelValues(v).Inc()
	}
}

func (m *Metrics) tool(tool, status string, d time.Duration) {
	if m != nil {
		m.toolDuration.WithLabelValues(tool, status).Observe(d.Seconds())
	}
}

func (m *Metrics) protocolError() {
	if m != nil {
		m.protocolErrors.Inc()
	}
}

func (m *Metrics) compaction(r memory.CompactResult) {
	if m == nil {
		return
	}
	fallback := "false"
	if r.Fallback {
		fallback = "true"
	}
	m.compactions.WithLabelValues(fallback).Inc()
}

func (m *Metrics) finding(severity string) {
	if m != nil {
		m.findings.WithLabelValues(severity).Inc()
	}
}

func (m *Metrics) usage(in, out int) {
	if m != nil {
		m.tokens.WithLabelValues("in").Add(float64(in))
		m.tokens.WithLabelValues("out").Add(float64(out))
	}
}

func (m *Metrics) outcome(status string) {
	if m != nil {
		m.outcomes.WithLabelValues(status).Inc()
	}
}
