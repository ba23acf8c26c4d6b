// Package gateway is the main orchestrator that ties all gateway components
// together: event log, durable state, adapters, the session router and the
// transport server.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/unified-agent/gateway/internal/adapter"
	"github.com/unified-agent/gateway/internal/config"
	"github.com/unified-agent/gateway/internal/eventlog"
	"github.com/unified-agent/gateway/internal/metrics"
	"github.com/unified-agent/gateway/internal/profiles"
	"github.com/unified-agent/gateway/internal/router"
	"github.com/unified-agent/gateway/internal/session"
	"github.com/unified-agent/gateway/internal/statestore"
	"github.com/unified-agent/gateway/internal/transport"
)

// Gateway is the main gateway process.
type Gateway struct {
	cfg       *config.Config
	events    *eventlog.Writer
	store     eventlog.Store
	state     *statestore.Store
	registry  *session.Registry
	adapters  *adapter.Registry
	router    *router.Router
	transport *transport.Server
	metrics   *metrics.Metrics
	pusher    *metrics.Pusher
	logger    *slog.Logger
}

// New creates a gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	events, err := eventlog.NewWriter(cfg.SessionsDir(), logger)
	if err != nil {
		return nil, fmt.Errorf("init event log: %w", err)
	}

	store, err := eventlog.NewFromDSN(cfg.StoreDSN, cfg.DBPath())
	if err != nil {
		_ = events.Close()
		return nil, fmt.Errorf("init event store: %w", err)
	}

	state := statestore.New(cfg.StatePath(), logger)
	registry := session.NewRegistry()
	adapters := adapter.DefaultRegistry(cfg, logger)
	m := metrics.New()

	rt := router.New(router.Options{
		Config:   cfg,
		Registry: registry,
		Adapters: adapters,
		Metrics:  m,
		Events:   events,
		Store:    store,
		State:    state,
	}, logger)

	pm, err := profiles.NewManager(cfg.ProfilesPath())
	if err != nil {
		_ = events.Close()
		_ = store.Close()
		return nil, fmt.Errorf("init env profiles: %w", err)
	}

	g := &Gateway{
		cfg:       cfg,
		events:    events,
		store:     store,
		state:     state,
		registry:  registry,
		adapters:  adapters,
		router:    rt,
		transport: transport.NewServer(cfg, rt, pm, m, logger),
		metrics:   m,
		logger:    logger.With("component", "gateway"),
	}
	if cfg.OTLPEndpoint != "" {
		g.pusher = metrics.NewPusher(m, cfg.OTLPEndpoint, cfg.OTLPInterval, logger)
	}

	g.restoreSessions()
	return g, nil
}

// restoreSessions rebuilds the registry from the last persisted snapshot.
// Restored sessions start disconnected; their adapters reattach by provider.
func (g *Gateway) restoreSessions() {
	snaps, err := g.state.Load()
	if err != nil {
		g.logger.Warn("state restore failed, starting empty", "error", err)
		return
	}
	kept := make([]session.Snapshot, 0, len(snaps))
	for _, snap := range snaps {
		st := session.FromSnapshot(snap)
		a, err := g.adapters.Get(st.Provider)
		if err != nil {
			g.logger.Warn("skipping session with unknown provider", "session_id", st.SessionID, "provider", st.Provider)
			continue
		}
		st.Adapter = a
		g.registry.Add(st)
		kept = append(kept, snap)
	}
	g.router.SeedSnapshots(kept)
	if n := g.registry.Len(); n > 0 {
		g.logger.Info("restored sessions from disk", "count", n)
	}
}

// Run starts the gateway and blocks until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	stopHeartbeat := make(chan struct{})
	go g.router.RunHeartbeat(stopHeartbeat)
	defer close(stopHeartbeat)

	if g.pusher != nil {
		go g.pusher.Run(ctx)
	}

	err := g.transport.ListenAndServe(ctx)

	if cerr := g.events.Close(); cerr != nil {
		g.logger.Warn("event log close failed", "error", cerr)
	}
	if cerr := g.store.Close(); cerr != nil {
		g.logger.Warn("event store close failed", "error", cerr)
	}
	return err
}

// Router exposes the session router, for the replay tooling.
func (g *Gateway) Router() *router.Router { return g.router }
