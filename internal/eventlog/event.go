// Package eventlog implements the canonical append-only event record: one
// JSONL file per session plus an indexed store for recent-event queries.
package eventlog

import "time"

// SchemaVersion is stamped on every canonical event.
const SchemaVersion = 1

// Canonical event types. The set is closed; the replay tool treats anything
// else as a warning.
const (
	TypeMetaSessionCreated = "meta_session_created"
	TypeMetaSessionResumed = "meta_session_resumed"
	TypeProviderSwitched   = "provider_switched"
	TypeModelSwitched      = "model_switched"
	TypeUserMessage        = "user_message"
	TypeAssistantMessage   = "assistant_message"
	TypeMemoryInjected     = "memory_injected"
	TypeErrorEvent         = "error"
	TypeTransportState     = "transport_state"
	TypeControlRequest     = "control_request"
	TypeControlResponse    = "control_response"
	TypePermissionCancel   = "permission_cancelled"
)

// EventTypes is the closed set of canonical event types.
var EventTypes = map[string]bool{
	TypeMetaSessionCreated: true,
	TypeMetaSessionResumed: true,
	TypeProviderSwitched:   true,
	TypeModelSwitched:      true,
	TypeUserMessage:        true,
	TypeAssistantMessage:   true,
	TypeMemoryInjected:     true,
	TypeErrorEvent:         true,
	TypeTransportState:     true,
	TypeControlRequest:     true,
	TypeControlResponse:    true,
	TypePermissionCancel:   true,
}

// Event is one immutable canonical record.
type Event struct {
	SchemaVersion int            `json:"schema_version"`
	Timestamp     time.Time      `json:"ts"`
	MetaSessionID string         `json:"meta_session_id"`
	Project       string         `json:"project,omitempty"`
	Cwd           string         `json:"cwd,omitempty"`
	Provider      string         `json:"provider,omitempty"`
	Type          string         `json:"type"`
	Text          string         `json:"text,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// MetaSession is the indexed store's record of one meta session.
type MetaSession struct {
	MetaSessionID     string    `json:"meta_session_id"`
	Project           string    `json:"project,omitempty"`
	Cwd               string    `json:"cwd,omitempty"`
	Provider          string    `json:"provider,omitempty"`
	Model             string    `json:"model,omitempty"`
	BrainURL          string    `json:"brain_url,omitempty"`
	GatewaySessionID  string    `json:"gateway_session_id,omitempty"`
	ProviderSessionID string    `json:"provider_session_id,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}
