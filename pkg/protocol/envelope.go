// Package protocol defines the wire protocol spoken between gateway clients
// and the unified agent gateway over WebSocket.
//
// All messages are JSON-encoded envelopes discriminated by a "type" field.
// The codec narrows untrusted input into one concrete struct per recognized
// type; anything else is rejected with UnsupportedTypeError so multiplexed
// backend-dialect frames can be dropped silently by the router.
package protocol

import "encoding/json"

// Envelope type discriminators.
const (
	TypeControlRequest       = "control_request"
	TypeControlResponse      = "control_response"
	TypeControlCancelRequest = "control_cancel_request"
	TypeUser                 = "user"
	TypeAssistant            = "assistant"
	TypeSystem               = "system"
	TypeTransportState       = "transport_state"
	TypePermissionCancelled  = "permission_cancelled"
	TypeKeepAlive            = "keep_alive"
	TypeUpdateEnvVars        = "update_environment_variables"
	TypeError                = "error"
)

// Control request subtypes.
const (
	SubtypeInitialize           = "initialize"
	SubtypeCanUseTool           = "can_use_tool"
	SubtypeInterrupt            = "interrupt"
	SubtypeSetPermissionMode    = "set_permission_mode"
	SubtypeSetModel             = "set_model"
	SubtypeSetMaxThinkingTokens = "set_max_thinking_tokens"
	SubtypeMCPStatus            = "mcp_status"
	SubtypeMCPMessage           = "mcp_message"
	SubtypeMCPSetServers        = "mcp_set_servers"
	SubtypeMCPReconnect         = "mcp_reconnect"
	SubtypeMCPToggle            = "mcp_toggle"
	SubtypeRewindFiles          = "rewind_files"
	SubtypeHookCallback         = "hook_callback"
)

// ControlSubtypes is the closed set of recognized control request subtypes.
var ControlSubtypes = map[string]bool{
	SubtypeInitialize:           true,
	SubtypeCanUseTool:           true,
	SubtypeInterrupt:            true,
	SubtypeSetPermissionMode:    true,
	SubtypeSetModel:             true,
	SubtypeSetMaxThinkingTokens: true,
	SubtypeMCPStatus:            true,
	SubtypeMCPMessage:           true,
	SubtypeMCPSetServers:        true,
	SubtypeMCPReconnect:         true,
	SubtypeMCPToggle:            true,
	SubtypeRewindFiles:          true,
	SubtypeHookCallback:         true,
}

// Providers.
const (
	ProviderClaude = "claude"
	ProviderCodex  = "codex"
	ProviderGemini = "gemini"
	ProviderMock   = "mock"
)

// Providers is the closed set of recognized providers.
var Providers = map[string]bool{
	ProviderClaude: true,
	ProviderCodex:  true,
	ProviderGemini: true,
	ProviderMock:   true,
}

// ValidProvider reports whether p names a known provider.
func ValidProvider(p string) bool { return Providers[p] }

// Permission modes.
const (
	PermissionDefault     = "default"
	PermissionAcceptEdits = "acceptEdits"
	PermissionPlan        = "plan"
	PermissionBypass      = "bypassPermissions"
)

// PermissionModes is the closed set of recognized permission modes.
var PermissionModes = map[string]bool{
	PermissionDefault:     true,
	PermissionAcceptEdits: true,
	PermissionPlan:        true,
	PermissionBypass:      true,
}

// ValidPermissionMode reports whether m names a known permission mode.
func ValidPermissionMode(m string) bool { return PermissionModes[m] }

// Envelope is one message on the wire. Each concrete variant carries its own
// "type" tag so that json.Marshal produces the wire form directly.
type Envelope interface {
	EnvelopeType() string
}

// ControlRequest is a client-initiated RPC correlated by request_id.
type ControlRequest struct {
	Type      string             `json:"type"`
	RequestID string             `json:"request_id"`
	Request   ControlRequestBody `json:"request"`
}

// ControlRequestBody carries the per-subtype fields of a control request.
type ControlRequestBody struct {
	Subtype string `json:"subtype"`

	// initialize
	Provider string            `json:"provider,omitempty"`
	Project  string            `json:"project,omitempty"`
	Cwd      string            `json:"cwd,omitempty"`
	BrainURL string            `json:"brain_url,omitempty"`
	Env      map[string]string `json:"env,omitempty"`

	// set_model / initialize
	Model string `json:"model,omitempty"`

	// set_permission_mode
	Mode string `json:"mode,omitempty"`

	// set_max_thinking_tokens (null clears)
	MaxThinkingTokens *int `json:"max_thinking_tokens,omitempty"`

	// can_use_tool
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`

	// mcp_* / rewind_files / hook_callback
	Servers    json.RawMessage `json:"servers,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	ServerName string          `json:"server_name,omitempty"`
	Enabled    *bool           `json:"enabled,omitempty"`
	Paths      []string        `json:"paths,omitempty"`
	CallbackID string          `json:"callback_id,omitempty"`
}

func (*ControlRequest) EnvelopeType() string { return TypeControlRequest }

// ControlResponse is the terminal answer to a ControlRequest.
type ControlResponse struct {
	Type     string              `json:"type"`
	Response ControlResponseBody `json:"response"`
}

// ControlResponseBody is the canonical response shape:
// {subtype:"success"|"error", request_id, response|error, code?}.
type ControlResponseBody struct {
	Subtype   string         `json:"subtype"`
	RequestID string         `json:"request_id"`
	Response  map[string]any `json:"response,omitempty"`
	Error     string         `json:"error,omitempty"`
	Code      string         `json:"code,omitempty"`
}

func (*ControlResponse) EnvelopeType() string { return TypeControlResponse }

// ControlCancelRequest withdraws a pending control request.
type ControlCancelRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

func (*ControlCancelRequest) EnvelopeType() string { return TypeControlCancelRequest }

// UserMessage is the message object of a user envelope.
type UserMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// User carries one user turn into the gateway.
type User struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	Message   UserMessage `json:"message"`
}

func (*User) EnvelopeType() string { return TypeUser }

// AssistantEvent is the event object of an assistant envelope.
type AssistantEvent struct {
	Subtype string `json:"subtype"`
	Text    string `json:"text"`
}

// Assistant carries one assistant turn back to the client.
type Assistant struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Event     AssistantEvent `json:"event"`
}

func (*Assistant) EnvelopeType() string { return TypeAssistant }

// System carries out-of-band status and warning notices.
type System struct {
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype"` // "status" or "warning"
	SessionID string         `json:"session_id,omitempty"`
	Text      string         `json:"text,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

func (*System) EnvelopeType() string { return TypeSystem }

// System subtypes.
const (
	SystemStatus  = "status"
	SystemWarning = "warning"
)

// TransportState announces transport lifecycle transitions.
type TransportState struct {
	Type         string   `json:"type"`
	SessionID    string   `json:"session_id,omitempty"`
	State        string   `json:"state"` // "cli_connected" or "cli_disconnected"
	Provider     string   `json:"provider,omitempty"`
	Model        string   `json:"model,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (*TransportState) EnvelopeType() string { return TypeTransportState }

// Transport states.
const (
	StateCLIConnected    = "cli_connected"
	StateCLIDisconnected = "cli_disconnected"
)

// PermissionCancelled announces that a pending can_use_tool was withdrawn.
type PermissionCancelled struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id"`
	Reason    string `json:"reason,omitempty"`
}

func (*PermissionCancelled) EnvelopeType() string { return TypePermissionCancelled }

// KeepAlive refreshes session liveness.
type KeepAlive struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

func (*KeepAlive) EnvelopeType() string { return TypeKeepAlive }

// UpdateEnvVars merges variables into the session environment.
type UpdateEnvVars struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
	Env       map[string]string `json:"env"`
}

func (*UpdateEnvVars) EnvelopeType() string { return TypeUpdateEnvVars }

// ErrorEnvelope is a top-level non-control failure.
type ErrorEnvelope struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (*ErrorEnvelope) EnvelopeType() string { return TypeError }

// Marshal serializes an envelope to its wire form.
func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}
