// Package adapter defines the contract every provider backend implements
// and a registry mapping provider names to adapters.
package adapter

import (
	"context"
	"encoding/json"

	"github.com/unified-agent/gateway/pkg/protocol"
)

// Context is the session snapshot passed to every adapter call.
type Context struct {
	MetaSessionID     string
	GatewaySessionID  string
	ProviderSessionID string
	Project           string
	Cwd               string
	Provider          string
	Model             string
	BrainURL          string
	PermissionMode    string
	MaxThinkingTokens *int
	Env               map[string]string
}

// InitializeResult is returned by Initialize.
type InitializeResult struct {
	ProviderSessionID string
	Info              map[string]any
}

// AskResult is returned by AskUser.
type AskResult struct {
	Text              string
	ProviderSessionID string
	Raw               json.RawMessage
}

// Adapter is the minimal contract a provider backend implements. Optional
// capability methods are separate interfaces; the router calls only what
// SupportedSubtypes advertises.
type Adapter interface {
	// Provider returns the provider name this adapter serves.
	Provider() string

	// SupportsSDKURL reports whether the adapter can drive a native relay
	// connection to a brain URL.
	SupportsSDKURL() bool

	// SupportedSubtypes returns the control subtypes this adapter handles.
	SupportedSubtypes() []string

	// Initialize prepares the backend for a session.
	Initialize(ctx context.Context, ac Context) (InitializeResult, error)

	// AskUser delivers one user turn and returns the assistant reply.
	AskUser(ctx context.Context, ac Context, text string) (AskResult, error)
}

// ModelSetter is an optional interface for adapters that accept model switches.
type ModelSetter interface {
	SetModel(ctx context.Context, ac Context, model string) error
}

// PermissionModeSetter is an optional interface for adapters that accept
// permission mode changes.
type PermissionModeSetter interface {
	SetPermissionMode(ctx context.Context, ac Context, mode string) error
}

// ThinkingLimitSetter is an optional interface for adapters that accept a
// max-thinking-tokens limit. A nil limit clears it.
type ThinkingLimitSetter interface {
	SetMaxThinkingTokens(ctx context.Context, ac Context, limit *int) error
}

// Interrupter is an optional interface for adapters that can interrupt an
// in-flight turn. Best-effort.
type Interrupter interface {
	Interrupt(ctx context.Context, ac Context) error
}

// MCPMethods is an optional interface for adapters that forward MCP control
// traffic to their backend.
type MCPMethods interface {
	MCPStatus(ctx context.Context, ac Context) (map[string]any, error)
	MCPMessage(ctx context.Context, ac Context, serverName string, message json.RawMessage) (map[string]any, error)
	MCPSetServers(ctx context.Context, ac Context, servers json.RawMessage) (map[string]any, error)
	MCPReconnect(ctx context.Context, ac Context, serverName string) (map[string]any, error)
	MCPToggle(ctx context.Context, ac Context, serverName string, enabled bool) (map[string]any, error)
}

// FileRewinder is an optional interface for adapters that can rewind files.
type FileRewinder interface {
	RewindFiles(ctx context.Context, ac Context, paths []string) (map[string]any, error)
}

// HookCallbacker is an optional interface for adapters that run hook callbacks.
type HookCallbacker interface {
	HookCallback(ctx context.Context, ac Context, callbackID string, payload json.RawMessage) (map[string]any, error)
}

// Supports reports whether subtype is in the adapter's capability set.
func Supports(a Adapter, subtype string) bool {
	for _, s := range a.SupportedSubtypes() {
		if s == subtype {
			return true
		}
	}
	return false
}

// baseSubtypes is the capability set every built-in adapter shares.
var baseSubtypes = []string{
	protocol.SubtypeInitialize,
	protocol.SubtypeCanUseTool,
	protocol.SubtypeInterrupt,
	protocol.SubtypeSetPermissionMode,
	protocol.SubtypeSetModel,
	protocol.SubtypeSetMaxThinkingTokens,
}
