package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// otlpPayload is the JSON shape pushed to the configured endpoint. The shape
// is fixed by the receiving side, so it is marshaled directly.
type otlpPayload struct {
	TimestampUnixNano int64        `json:"timestampUnixNano"`
	Metrics           []otlpMetric `json:"metrics"`
}

type otlpMetric struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels"`
	Value  float64           `json:"value"`
	Type   string            `json:"type"` // "counter" or "gauge"
}

// Pusher periodically POSTs the metrics snapshot to an OTLP-shaped endpoint.
type Pusher struct {
	metrics  *Metrics
	endpoint string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
}

// NewPusher creates a pusher. A zero interval defaults to 15s.
func NewPusher(m *Metrics, endpoint string, interval time.Duration, logger *slog.Logger) *Pusher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Pusher{
		metrics:  m,
		endpoint: endpoint,
		interval: interval,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger.With("component", "metrics-pusher"),
	}
}

// Run pushes until the context is cancelled. It is a no-op when no endpoint
// is configured.
func (p *Pusher) Run(ctx context.Context) {
	if p.endpoint == "" {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.pushOnce(ctx); err != nil {
				p.logger.Warn("metrics push failed", "endpoint", p.endpoint, "error", err)
			}
		}
	}
}

func (p *Pusher) pushOnce(ctx context.Context) error {
	body, err := json.Marshal(buildPayload(p.metrics.Snapshot(), time.Now()))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned %s", resp.Status)
	}
	return nil
}

func buildPayload(snap Snapshot, now time.Time) otlpPayload {
	payload := otlpPayload{
		TimestampUnixNano: now.UnixNano(),
		Metrics:           make([]otlpMetric, 0, len(snap.Counters)+3*len(snap.Latencies)),
	}
	for _, c := range snap.Counters {
		payload.Metrics = append(payload.Metrics, otlpMetric{
			Name: c.Name, Labels: c.Labels, Value: c.Value, Type: "counter",
		})
	}
	for _, l := range snap.Latencies {
		labels := map[string]string{"provider": l.Provider, "subtype": l.Subtype}
		payload.Metrics = append(payload.Metrics,
			otlpMetric{Name: l.Metric + "_avg", Labels: labels, Value: l.AvgMs, Type: "gauge"},
			otlpMetric{Name: l.Metric + "_p95", Labels: labels, Value: l.P95Ms, Type: "gauge"},
			otlpMetric{Name: l.Metric + "_count", Labels: labels, Value: float64(l.Count), Type: "counter"},
		)
	}
	return payload
}
