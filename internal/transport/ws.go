package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/unified-agent/gateway/pkg/protocol"
)

const (
	// wsPingInterval is how often the gateway sends WebSocket ping frames.
	wsPingInterval = 30 * time.Second
	// wsPongWait is the maximum time to wait for a pong from the peer.
	wsPongWait = 60 * time.Second
)

// Peer roles. A backend drives the session; a relay only observes traffic.
const (
	RoleBackend = "backend"
	RoleRelay   = "relay"
)

// peer is one attached WebSocket connection.
type peer struct {
	id   string
	role string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peer) send(raw []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, raw)
}

func (p *peer) sendEnvelope(env protocol.Envelope) error {
	raw, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	return p.send(raw)
}

// startWSKeepalive sets up WebSocket-level ping/pong on a connection. The
// returned cancel function stops the ping goroutine. The peer's own mutex
// serializes writes.
func startWSKeepalive(p *peer) (cancel func()) {
	conn := p.conn
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
				p.mu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}

// handleAttach upgrades an attach request and pumps frames between the peer
// and the session router until the connection drops.
func (s *Server) handleAttach(w http.ResponseWriter, req *http.Request) {
	sessionID := req.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "sessionId is required", http.StatusBadRequest)
		return
	}
	role := req.URL.Query().Get("role")
	if role == "" {
		role = RoleBackend
	}
	if role != RoleBackend && role != RoleRelay {
		http.Error(w, "role must be backend or relay", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()
	// Socket limit sits above the policy cap so an over-cap frame reaches
	// the router's error path instead of a bare 1009 close.
	conn.SetReadLimit(s.cfg.PayloadCapBytes * 2)

	p := &peer{id: uuid.New().String(), role: role, conn: conn}
	s.addPeer(sessionID, p)
	cancelKeepalive := startWSKeepalive(p)
	defer cancelKeepalive()
	defer s.removePeer(sessionID, p)

	s.logger.Info("peer attached", "session_id", sessionID, "role", role, "peer_id", p.id)

	if role == RoleBackend {
		s.onBackendAttach(sessionID, p)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("peer read closed", "session_id", sessionID, "peer_id", p.id, "error", err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		// Observers never drive the session; their frames are fanned out so
		// a relay can mirror backend-dialect traffic to other peers. The
		// one exception is a control_response answering a deferred
		// permission, which routes to the correlator.
		s.fanOut(sessionID, p, raw)
		if role == RoleRelay {
			s.maybeResolvePermission(sessionID, raw)
			continue
		}

		out := s.router.HandleFrame(req.Context(), sessionID, raw)
		for _, env := range out {
			s.broadcast(sessionID, env)
		}
	}
}

// onBackendAttach runs the reconnect choreography: transport transition,
// queued envelope flush, then hydration of replay state.
func (s *Server) onBackendAttach(sessionID string, p *peer) {
	s.router.MarkConnected(sessionID)

	if st, ok := s.router.Registry().Get(sessionID); ok {
		st.Lock()
		provider, model := st.Provider, st.Model
		st.Unlock()
		_ = p.sendEnvelope(protocol.NewTransportState(sessionID, protocol.StateCLIConnected, provider, model, nil))
	}

	if err := s.router.FlushOutbound(sessionID, p.sendEnvelope); err != nil {
		s.logger.Warn("outbound flush interrupted", "session_id", sessionID, "error", err)
		return
	}
	for _, env := range s.router.Hydrate(sessionID) {
		if err := p.sendEnvelope(env); err != nil {
			s.logger.Warn("hydration interrupted", "session_id", sessionID, "error", err)
			return
		}
	}
}

func (s *Server) addPeer(sessionID string, p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peers[sessionID] == nil {
		s.peers[sessionID] = make(map[string]*peer)
	}
	s.peers[sessionID][p.id] = p
}

// removePeer drops a peer and, when the last backend leaves, tells the
// router the session lost its transport.
func (s *Server) removePeer(sessionID string, p *peer) {
	s.mu.Lock()
	delete(s.peers[sessionID], p.id)
	if len(s.peers[sessionID]) == 0 {
		delete(s.peers, sessionID)
	}
	lastBackend := p.role == RoleBackend
	for _, other := range s.peers[sessionID] {
		if other.role == RoleBackend {
			lastBackend = false
			break
		}
	}
	s.mu.Unlock()

	s.logger.Info("peer detached", "session_id", sessionID, "role", p.role, "peer_id", p.id)
	if lastBackend {
		s.router.MarkDisconnected(sessionID, "backend disconnected")
	}
}

// broadcast delivers one envelope to every peer of a session, best-effort.
func (s *Server) broadcast(sessionID string, env protocol.Envelope) {
	raw, err := protocol.Marshal(env)
	if err != nil {
		s.logger.Warn("broadcast marshal failed", "session_id", sessionID, "error", err)
		return
	}
	for _, p := range s.peersOf(sessionID) {
		if err := p.send(raw); err != nil {
			s.logger.Debug("broadcast send failed", "session_id", sessionID, "peer_id", p.id, "error", err)
		}
	}
}

// fanOut forwards a raw frame to every peer except its origin.
func (s *Server) fanOut(sessionID string, from *peer, raw []byte) {
	for _, p := range s.peersOf(sessionID) {
		if p.id == from.id {
			continue
		}
		if err := p.send(raw); err != nil {
			s.logger.Debug("fan-out send failed", "session_id", sessionID, "peer_id", p.id, "error", err)
		}
	}
}

// maybeResolvePermission routes an observer's control_response to the
// router's permission correlator. Anything else from an observer is ignored.
func (s *Server) maybeResolvePermission(sessionID string, raw []byte) {
	env, err := protocol.Parse(raw)
	if err != nil {
		return
	}
	if resp, ok := env.(*protocol.ControlResponse); ok {
		s.router.ResolvePermission(sessionID, resp)
	}
}

// hasObserverPeer reports whether a relay-role peer is attached.
func (s *Server) hasObserverPeer(sessionID string) bool {
	for _, p := range s.peersOf(sessionID) {
		if p.role == RoleRelay {
			return true
		}
	}
	return false
}

// pushEnvelope delivers a router-originated envelope to the session's
// peers, reporting whether a backend peer received it. A false return tells
// the router to queue the envelope for the next attach.
func (s *Server) pushEnvelope(sessionID string, env protocol.Envelope) bool {
	raw, err := protocol.Marshal(env)
	if err != nil {
		s.logger.Warn("push marshal failed", "session_id", sessionID, "error", err)
		return false
	}
	delivered := false
	for _, p := range s.peersOf(sessionID) {
		if err := p.send(raw); err != nil {
			s.logger.Debug("push send failed", "session_id", sessionID, "peer_id", p.id, "error", err)
			continue
		}
		if p.role == RoleBackend {
			delivered = true
		}
	}
	return delivered
}

func (s *Server) peersOf(sessionID string) []*peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*peer, 0, len(s.peers[sessionID]))
	for _, p := range s.peers[sessionID] {
		out = append(out, p)
	}
	return out
}

// ClosePeers drops every attached connection, for shutdown.
func (s *Server) ClosePeers(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, peers := range s.peers {
		for _, p := range peers {
			_ = p.conn.Close()
		}
	}
	s.peers = make(map[string]map[string]*peer)
}
