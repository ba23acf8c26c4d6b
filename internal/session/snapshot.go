package session

import (
	"encoding/json"

	"github.com/unified-agent/gateway/pkg/protocol"
)

// Snapshot is the persisted form of a session. Envelopes are stored raw and
// re-parsed on load; the adapter is reconstructed from Provider.
type Snapshot struct {
	SessionID         string            `json:"session_id"`
	GatewaySessionID  string            `json:"gateway_session_id"`
	ProviderSessionID string            `json:"provider_session_id,omitempty"`
	MetaSessionID     string            `json:"meta_session_id,omitempty"`
	Provider          string            `json:"provider"`
	Model             string            `json:"model,omitempty"`
	PermissionMode    string            `json:"permission_mode"`
	MaxThinkingTokens *int              `json:"max_thinking_tokens,omitempty"`
	Cwd               string            `json:"cwd,omitempty"`
	Project           string            `json:"project,omitempty"`
	BrainURL          string            `json:"brain_url,omitempty"`
	EnvVars           map[string]string `json:"env_vars,omitempty"`
	Connected         bool              `json:"connected"`
	LastSeenEpoch     int64             `json:"last_seen_epoch"`

	Replay             []json.RawMessage            `json:"replay,omitempty"`
	Outbound           []OutboundSnapshot           `json:"outbound,omitempty"`
	PendingRequests    map[string]PendingRequest    `json:"pending_requests,omitempty"`
	PendingPermissions map[string]PendingPermission `json:"pending_permissions,omitempty"`
}

// OutboundSnapshot is one persisted outbound queue entry.
type OutboundSnapshot struct {
	ID       string          `json:"id"`
	Envelope json.RawMessage `json:"envelope"`
}

// Snapshot captures the session for persistence. Caller holds the session lock.
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		SessionID:          s.SessionID,
		GatewaySessionID:   s.GatewaySessionID,
		ProviderSessionID:  s.ProviderSessionID,
		MetaSessionID:      s.MetaSessionID,
		Provider:           s.Provider,
		Model:              s.Model,
		PermissionMode:     s.PermissionMode,
		MaxThinkingTokens:  s.MaxThinkingTokens,
		Cwd:                s.Cwd,
		Project:            s.Project,
		BrainURL:           s.BrainURL,
		EnvVars:            s.EnvVars,
		Connected:          s.Connected,
		LastSeenEpoch:      s.LastSeenEpoch,
		PendingRequests:    make(map[string]PendingRequest, len(s.PendingRequests)),
		PendingPermissions: make(map[string]PendingPermission, len(s.PendingPermissions)),
	}
	for _, env := range s.Replay.All() {
		if raw, err := protocol.Marshal(env); err == nil {
			snap.Replay = append(snap.Replay, raw)
		}
	}
	for _, entry := range s.Outbound.Entries() {
		if raw, err := protocol.Marshal(entry.Env); err == nil {
			snap.Outbound = append(snap.Outbound, OutboundSnapshot{ID: entry.ID, Envelope: raw})
		}
	}
	for id, pr := range s.PendingRequests {
		snap.PendingRequests[id] = pr
	}
	for id, pp := range s.PendingPermissions {
		snap.PendingPermissions[id] = pp
	}
	return snap
}

// FromSnapshot rebuilds in-memory session state. The adapter is left nil for
// the caller to reattach, and connected is forced false. Envelopes that no
// longer parse are dropped.
func FromSnapshot(snap Snapshot) *State {
	s := New(snap.SessionID, snap.Provider)
	s.GatewaySessionID = snap.GatewaySessionID
	s.ProviderSessionID = snap.ProviderSessionID
	if snap.MetaSessionID != "" {
		s.MetaSessionID = snap.MetaSessionID
	}
	s.Model = snap.Model
	if snap.PermissionMode != "" {
		s.PermissionMode = snap.PermissionMode
	}
	s.MaxThinkingTokens = snap.MaxThinkingTokens
	s.Cwd = snap.Cwd
	s.Project = snap.Project
	s.BrainURL = snap.BrainURL
	if snap.EnvVars != nil {
		s.EnvVars = snap.EnvVars
	}
	s.Connected = false
	s.LastSeenEpoch = snap.LastSeenEpoch

	for _, raw := range snap.Replay {
		if env, err := protocol.Parse(raw); err == nil {
			s.Replay.Append(env)
		}
	}
	for _, entry := range snap.Outbound {
		if env, err := protocol.Parse(entry.Envelope); err == nil {
			s.Outbound.Enqueue(entry.ID, env)
		}
	}
	for id, pr := range snap.PendingRequests {
		s.PendingRequests[id] = pr
	}
	for id, pp := range snap.PendingPermissions {
		s.PendingPermissions[id] = pp
	}
	return s
}
