// Package session holds the per-session gateway state: identity, the replay
// buffer and outbound queue, and the pending-request correlator. All
// mutation happens under the session's own lock; different sessions never
// contend.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/unified-agent/gateway/internal/adapter"
)

// State is the central per-session entity.
type State struct {
	mu sync.Mutex

	SessionID         string
	GatewaySessionID  string
	ProviderSessionID string
	MetaSessionID     string

	Provider          string
	Model             string
	PermissionMode    string
	MaxThinkingTokens *int

	Cwd      string
	Project  string
	BrainURL string
	EnvVars  map[string]string

	Connected     bool
	LastSeenEpoch int64

	// Adapter is reconstructed from Provider on load, never persisted.
	Adapter adapter.Adapter

	Replay             *ReplayBuffer
	Outbound           *OutboundQueue
	PendingRequests    map[string]PendingRequest
	PendingPermissions map[string]PendingPermission
}

// New creates a fresh session for the given provider.
func New(sessionID, provider string) *State {
	return &State{
		SessionID:          sessionID,
		GatewaySessionID:   uuid.New().String(),
		MetaSessionID:      uuid.New().String(),
		Provider:           provider,
		PermissionMode:     "default",
		EnvVars:            make(map[string]string),
		LastSeenEpoch:      time.Now().Unix(),
		Replay:             NewReplayBuffer(DefaultReplayCap),
		Outbound:           NewOutboundQueue(),
		PendingRequests:    make(map[string]PendingRequest),
		PendingPermissions: make(map[string]PendingPermission),
	}
}

// Lock serializes all handling for this session.
func (s *State) Lock() { s.mu.Lock() }

// Unlock releases the session's critical section.
func (s *State) Unlock() { s.mu.Unlock() }

// Touch refreshes the liveness clock.
func (s *State) Touch(now time.Time) {
	s.LastSeenEpoch = now.Unix()
}

// AdapterContext builds the snapshot passed to adapter calls.
func (s *State) AdapterContext() adapter.Context {
	env := make(map[string]string, len(s.EnvVars))
	for k, v := range s.EnvVars {
		env[k] = v
	}
	return adapter.Context{
		MetaSessionID:     s.MetaSessionID,
		GatewaySessionID:  s.GatewaySessionID,
		ProviderSessionID: s.ProviderSessionID,
		Project:           s.Project,
		Cwd:               s.Cwd,
		Provider:          s.Provider,
		Model:             s.Model,
		BrainURL:          s.BrainURL,
		PermissionMode:    s.PermissionMode,
		MaxThinkingTokens: s.MaxThinkingTokens,
		Env:               env,
	}
}

// Registry is the shared session table. Entries are consistent under
// per-session serialization; the registry lock guards only the map itself.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*State
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*State)}
}

// Add inserts or replaces a session.
func (r *Registry) Add(s *State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.SessionID] = s
}

// Get returns the session with the given id.
func (r *Registry) Get(sessionID string) (*State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// List returns all sessions.
func (r *Registry) List() []*State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*State, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Delete removes a session and reports whether it existed.
func (r *Registry) Delete(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	return ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
