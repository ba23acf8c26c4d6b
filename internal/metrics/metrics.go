// Package metrics tracks gateway counters and latency summaries. Counters
// are mirrored into a private Prometheus registry for /metrics; an internal
// snapshot feeds /usage and the periodic OTLP-shaped push.
package metrics

import (
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricControlResponseLatency is the canonical latency series.
const MetricControlResponseLatency = "control_response_latency_ms"

// latencyWindow bounds the per-key sample reservoir used for p95.
const latencyWindow = 512

// Metrics is the gateway metrics registry.
type Metrics struct {
	promReg *prometheus.Registry

	requestsTotal      *prometheus.CounterVec
	reconnectAttempts  *prometheus.CounterVec
	policyDenials      *prometheus.CounterVec
	unsupportedSubtype *prometheus.CounterVec
	latencySummary     *prometheus.SummaryVec

	mu        sync.Mutex
	counters  map[counterKey]float64
	latencies map[latencyKey]*latencyAgg
}

type counterKey struct {
	name     string
	provider string
	extra    string // subtype or reason, depending on the counter
}

type latencyKey struct {
	metric   string
	provider string
	subtype  string
}

type latencyAgg struct {
	count   int64
	sum     float64
	samples []float64
	next    int
}

// New creates a metrics registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		promReg: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Control requests handled, by provider and subtype.",
		}, []string{"provider", "subtype"}),
		reconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconnect_attempts_total",
			Help: "Client reconnect attempts, by provider.",
		}, []string{"provider"}),
		policyDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_denials_total",
			Help: "Requests denied by policy, by provider and reason.",
		}, []string{"provider", "reason"}),
		unsupportedSubtype: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unsupported_subtype_total",
			Help: "Control subtypes outside the adapter capability set.",
		}, []string{"provider", "subtype"}),
		latencySummary: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       MetricControlResponseLatency,
			Help:       "Control response latency in milliseconds.",
			Objectives: map[float64]float64{0.5: 0.05, 0.95: 0.01, 0.99: 0.001},
		}, []string{"provider", "subtype"}),
		counters:  make(map[counterKey]float64),
		latencies: make(map[latencyKey]*latencyAgg),
	}

	reg.MustRegister(m.requestsTotal, m.reconnectAttempts, m.policyDenials,
		m.unsupportedSubtype, m.latencySummary)
	return m
}

// IncRequest counts one handled control request.
func (m *Metrics) IncRequest(provider, subtype string) {
	m.requestsTotal.WithLabelValues(provider, subtype).Inc()
	m.bump(counterKey{"requests_total", provider, subtype})
}

// IncReconnect counts one reconnect attempt.
func (m *Metrics) IncReconnect(provider string) {
	m.reconnectAttempts.WithLabelValues(provider).Inc()
	m.bump(counterKey{"reconnect_attempts_total", provider, ""})
}

// IncPolicyDenial counts one policy denial.
func (m *Metrics) IncPolicyDenial(provider, reason string) {
	m.policyDenials.WithLabelValues(provider, reason).Inc()
	m.bump(counterKey{"policy_denials_total", provider, reason})
}

// IncUnsupportedSubtype counts one request outside the capability set.
func (m *Metrics) IncUnsupportedSubtype(provider, subtype string) {
	m.unsupportedSubtype.WithLabelValues(provider, subtype).Inc()
	m.bump(counterKey{"unsupported_subtype_total", provider, subtype})
}

// ObserveLatency records one latency sample in milliseconds.
func (m *Metrics) ObserveLatency(metric, provider, subtype string, ms float64) {
	if metric == MetricControlResponseLatency {
		m.latencySummary.WithLabelValues(provider, subtype).Observe(ms)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := latencyKey{metric, provider, subtype}
	agg, ok := m.latencies[key]
	if !ok {
		agg = &latencyAgg{}
		m.latencies[key] = agg
	}
	agg.count++
	agg.sum += ms
	if len(agg.samples) < latencyWindow {
		agg.samples = append(agg.samples, ms)
	} else {
		agg.samples[agg.next] = ms
		agg.next = (agg.next + 1) % latencyWindow
	}
}

func (m *Metrics) bump(key counterKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
}

// Handler serves the Prometheus text exposition.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.promReg, promhttp.HandlerOpts{})
}

// CounterSnapshot is one counter series at a point in time.
type CounterSnapshot struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels"`
	Value  float64           `json:"value"`
}

// LatencySnapshot is one latency series at a point in time.
type LatencySnapshot struct {
	Metric   string  `json:"metric"`
	Provider string  `json:"provider"`
	Subtype  string  `json:"subtype"`
	Count    int64   `json:"count"`
	AvgMs    float64 `json:"avgMs"`
	P95Ms    float64 `json:"p95Ms"`
}

// Snapshot is a point-in-time view of every series.
type Snapshot struct {
	Counters  []CounterSnapshot `json:"counters"`
	Latencies []LatencySnapshot `json:"latencies"`
}

// Snapshot returns the current state of all series.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Counters:  make([]CounterSnapshot, 0, len(m.counters)),
		Latencies: make([]LatencySnapshot, 0, len(m.latencies)),
	}
	for key, val := range m.counters {
		labels := map[string]string{"provider": key.provider}
		switch key.name {
		case "requests_total", "unsupported_subtype_total":
			labels["subtype"] = key.extra
		case "policy_denials_total":
			labels["reason"] = key.extra
		}
		snap.Counters = append(snap.Counters, CounterSnapshot{Name: key.name, Labels: labels, Value: val})
	}
	for key, agg := range m.latencies {
		snap.Latencies = append(snap.Latencies, LatencySnapshot{
			Metric:   key.metric,
			Provider: key.provider,
			Subtype:  key.subtype,
			Count:    agg.count,
			AvgMs:    agg.sum / float64(agg.count),
			P95Ms:    p95(agg.samples),
		})
	}

	sort.Slice(snap.Counters, func(i, j int) bool {
		if snap.Counters[i].Name != snap.Counters[j].Name {
			return snap.Counters[i].Name < snap.Counters[j].Name
		}
		return snap.Counters[i].Labels["provider"] < snap.Counters[j].Labels["provider"]
	})
	sort.Slice(snap.Latencies, func(i, j int) bool {
		if snap.Latencies[i].Metric != snap.Latencies[j].Metric {
			return snap.Latencies[i].Metric < snap.Latencies[j].Metric
		}
		return snap.Latencies[i].Subtype < snap.Latencies[j].Subtype
	})
	return snap
}

func p95(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted))*0.95) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
