// Package transport exposes the gateway over HTTP: the WebSocket attach
// endpoint plus the management API for models, usage, metrics and
// environment profiles.
package transport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/unified-agent/gateway/internal/config"
	"github.com/unified-agent/gateway/internal/metrics"
	"github.com/unified-agent/gateway/internal/profiles"
	"github.com/unified-agent/gateway/internal/router"
)

// Server is the HTTP front of the gateway.
type Server struct {
	cfg      *config.Config
	router   *router.Router
	profiles *profiles.Manager
	metrics  *metrics.Metrics
	logger   *slog.Logger
	mux      *chi.Mux
	upgrader websocket.Upgrader

	startTime time.Time

	mu    sync.RWMutex
	peers map[string]map[string]*peer
}

// NewServer creates the HTTP server and wires its routes.
func NewServer(cfg *config.Config, rt *router.Router, pm *profiles.Manager, m *metrics.Metrics, logger *slog.Logger) *Server {
	srv := &Server{
		cfg:      cfg,
		router:   rt,
		profiles: pm,
		metrics:  m,
		logger:   logger.With("component", "transport"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Non-browser peers only; the bind address is the boundary.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		startTime: time.Now(),
		peers:     make(map[string]map[string]*peer),
	}

	rt.SetPeerHooks(srv.hasObserverPeer, srv.pushEnvelope)

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)

	mux.Get("/health", srv.handleHealth)
	mux.Get("/metrics", m.Handler().ServeHTTP)
	mux.Get("/attach", srv.handleAttach)
	mux.Get("/models", srv.handleModels)
	mux.Get("/usage", srv.handleUsage)
	mux.Delete("/sessions/{sessionID}", srv.handleSessionDelete)

	mux.Route("/env", func(r chi.Router) {
		r.Get("/profiles", srv.handleProfileList)
		r.Put("/profiles/{name}", srv.handleProfilePut)
		r.Delete("/profiles/{name}", srv.handleProfileDelete)
		r.Post("/session/{sessionID}/profile/{name}", srv.handleProfileApply)
	})

	srv.mux = mux
	return srv
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.cfg.Addr()
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.ClosePeers(shutdownCtx)
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"uptime":   time.Since(s.startTime).Round(time.Second).String(),
		"sessions": s.router.Registry().Len(),
		"metrics":  s.metrics.Snapshot(),
	})
}

// handleModels lists registered providers with their capability sets.
func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type providerInfo struct {
		Provider       string   `json:"provider"`
		Capabilities   []string `json:"capabilities"`
		SupportsSDKURL bool     `json:"supportsSdkUrl"`
	}
	out := make([]providerInfo, 0)
	for _, name := range s.router.Adapters().Providers() {
		a, err := s.router.Adapters().Get(name)
		if err != nil {
			continue
		}
		out = append(out, providerInfo{
			Provider:       name,
			Capabilities:   a.SupportedSubtypes(),
			SupportsSDKURL: a.SupportsSDKURL(),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

// handleUsage reports the metrics snapshot plus per-session pending counts.
func (s *Server) handleUsage(w http.ResponseWriter, _ *http.Request) {
	type sessionUsage struct {
		SessionID          string `json:"sessionId"`
		Provider           string `json:"provider"`
		Connected          bool   `json:"connected"`
		PendingRequests    int    `json:"pendingRequests"`
		PendingPermissions int    `json:"pendingPermissions"`
	}
	sessions := make([]sessionUsage, 0)
	connected := 0
	for _, st := range s.router.Registry().List() {
		st.Lock()
		if st.Connected {
			connected++
		}
		sessions = append(sessions, sessionUsage{
			SessionID:          st.SessionID,
			Provider:           st.Provider,
			Connected:          st.Connected,
			PendingRequests:    len(st.PendingRequests),
			PendingPermissions: len(st.PendingPermissions),
		})
		st.Unlock()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sessions":          sessions,
		"connectedSessions": connected,
		"metrics":           s.metrics.Snapshot(),
	})
}

// handleSessionDelete evicts a session from the registry and drops its
// persisted snapshot and rate-limiter state.
func (s *Server) handleSessionDelete(w http.ResponseWriter, req *http.Request) {
	sessionID := chi.URLParam(req, "sessionID")
	if !s.router.RemoveSession(sessionID) {
		s.writeError(w, http.StatusNotFound, "unknown session: "+sessionID)
		return
	}
	s.mu.Lock()
	peers := s.peers[sessionID]
	delete(s.peers, sessionID)
	s.mu.Unlock()
	for _, p := range peers {
		_ = p.conn.Close()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": sessionID})
}

func (s *Server) handleProfileList(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"profiles": s.profiles.List()})
}

// handleProfilePut accepts either a bare variables object or the wrapped
// form {"variables": {...}}.
func (s *Server) handleProfilePut(w http.ResponseWriter, req *http.Request) {
	name := chi.URLParam(req, "name")
	raw, err := io.ReadAll(req.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var wrapped struct {
		Variables map[string]string `json:"variables"`
	}
	vars := make(map[string]string)
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Variables != nil {
		vars = wrapped.Variables
	} else if err := json.Unmarshal(raw, &vars); err != nil {
		s.writeError(w, http.StatusBadRequest, "body must be an object of string variables")
		return
	}
	if err := s.profiles.Put(name, vars); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"name": name, "variables": len(vars)})
}

func (s *Server) handleProfileDelete(w http.ResponseWriter, req *http.Request) {
	name := chi.URLParam(req, "name")
	existed, err := s.profiles.Delete(name)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !existed {
		s.writeError(w, http.StatusNotFound, "profile not found: "+name)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": name})
}

// handleProfileApply merges a named profile into a session's environment.
func (s *Server) handleProfileApply(w http.ResponseWriter, req *http.Request) {
	sessionID := chi.URLParam(req, "sessionID")
	name := chi.URLParam(req, "name")

	vars, ok := s.profiles.Get(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "profile not found: "+name)
		return
	}
	applied, err := s.router.ApplyEnv(sessionID, vars)
	if err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"applied": applied})
}
