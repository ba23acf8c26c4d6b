package metrics

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestCountersAppearInSnapshot(t *testing.T) {
	m := New()
	m.IncRequest("mock", "initialize")
	m.IncRequest("mock", "initialize")
	m.IncRequest("claude", "set_model")
	m.IncPolicyDenial("claude", "allow_list")
	m.IncUnsupportedSubtype("gemini", "rewind_files")
	m.IncReconnect("mock")

	snap := m.Snapshot()
	found := map[string]float64{}
	for _, c := range snap.Counters {
		found[c.Name+"|"+c.Labels["provider"]+"|"+c.Labels["subtype"]+c.Labels["reason"]] = c.Value
	}
	if found["requests_total|mock|initialize"] != 2 {
		t.Errorf("requests_total mock/initialize = %v", found["requests_total|mock|initialize"])
	}
	if found["policy_denials_total|claude|allow_list"] != 1 {
		t.Errorf("policy denial missing: %v", found)
	}
	if found["unsupported_subtype_total|gemini|rewind_files"] != 1 {
		t.Errorf("unsupported subtype missing: %v", found)
	}
}

func TestLatencyAggregates(t *testing.T) {
	m := New()
	for i := 1; i <= 100; i++ {
		m.ObserveLatency(MetricControlResponseLatency, "mock", "set_model", float64(i))
	}

	snap := m.Snapshot()
	if len(snap.Latencies) != 1 {
		t.Fatalf("expected 1 latency series, got %d", len(snap.Latencies))
	}
	l := snap.Latencies[0]
	if l.Count != 100 {
		t.Errorf("count = %d", l.Count)
	}
	if l.AvgMs < 50 || l.AvgMs > 51 {
		t.Errorf("avg = %v", l.AvgMs)
	}
	if l.P95Ms < 90 || l.P95Ms > 96 {
		t.Errorf("p95 = %v", l.P95Ms)
	}
}

func TestPrometheusExposition(t *testing.T) {
	m := New()
	m.IncRequest("mock", "initialize")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "requests_total") {
		t.Errorf("exposition missing requests_total:\n%s", body)
	}
	if !strings.Contains(body, `provider="mock"`) {
		t.Errorf("exposition missing provider label:\n%s", body)
	}
}

func TestOTLPPayloadShape(t *testing.T) {
	m := New()
	m.IncRequest("mock", "interrupt")
	m.ObserveLatency(MetricControlResponseLatency, "mock", "interrupt", 12)

	now := time.Now()
	payload := buildPayload(m.Snapshot(), now)
	if payload.TimestampUnixNano != now.UnixNano() {
		t.Error("timestamp not set")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		TimestampUnixNano int64 `json:"timestampUnixNano"`
		Metrics           []struct {
			Name   string            `json:"name"`
			Labels map[string]string `json:"labels"`
			Value  float64           `json:"value"`
			Type   string            `json:"type"`
		} `json:"metrics"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("payload not in the expected shape: %v", err)
	}
	names := map[string]bool{}
	for _, mm := range decoded.Metrics {
		names[mm.Name] = true
		if mm.Type != "counter" && mm.Type != "gauge" {
			t.Errorf("bad metric type %q", mm.Type)
		}
	}
	for _, want := range []string{"requests_total", "control_response_latency_ms_avg", "control_response_latency_ms_p95", "control_response_latency_ms_count"} {
		if !names[want] {
			t.Errorf("missing metric %s in %v", want, names)
		}
	}
}

func TestPusher_PostsToEndpoint(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New()
	m.IncRequest("mock", "initialize")
	p := NewPusher(m, srv.URL, time.Second, testLogger())
	if err := p.pushOnce(t.Context()); err != nil {
		t.Fatalf("push: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("expected 1 hit, got %d", hits.Load())
	}
}
