package adapter

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/unified-agent/gateway/pkg/protocol"
)

// MockAdapter is an in-process backend used for tests and smoke checks. It
// echoes user turns and acknowledges every optional capability.
type MockAdapter struct {
	mu          sync.Mutex
	model       string
	mode        string
	limit       *int
	interrupted int
}

// NewMockAdapter creates a mock adapter.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{}
}

func (*MockAdapter) Provider() string     { return protocol.ProviderMock }
func (*MockAdapter) SupportsSDKURL() bool { return false }

func (*MockAdapter) SupportedSubtypes() []string {
	subs := make([]string, 0, len(protocol.ControlSubtypes))
	for s := range protocol.ControlSubtypes {
		subs = append(subs, s)
	}
	return subs
}

func (m *MockAdapter) Initialize(_ context.Context, ac Context) (InitializeResult, error) {
	sid := ac.ProviderSessionID
	if sid == "" {
		sid = "mock-" + uuid.New().String()
	}
	return InitializeResult{
		ProviderSessionID: sid,
		Info:              map[string]any{"backend": "mock"},
	}, nil
}

func (m *MockAdapter) AskUser(_ context.Context, ac Context, text string) (AskResult, error) {
	return AskResult{Text: "mock: " + text, ProviderSessionID: ac.ProviderSessionID}, nil
}

func (m *MockAdapter) SetModel(_ context.Context, _ Context, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.model = model
	return nil
}

func (m *MockAdapter) SetPermissionMode(_ context.Context, _ Context, mode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
	return nil
}

func (m *MockAdapter) SetMaxThinkingTokens(_ context.Context, _ Context, limit *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limit = limit
	return nil
}

func (m *MockAdapter) Interrupt(_ context.Context, _ Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interrupted++
	return nil
}

func (m *MockAdapter) MCPStatus(_ context.Context, _ Context) (map[string]any, error) {
	return map[string]any{"servers": []any{}}, nil
}

func (m *MockAdapter) MCPMessage(_ context.Context, _ Context, serverName string, _ json.RawMessage) (map[string]any, error) {
	return map[string]any{"server": serverName, "delivered": true}, nil
}

func (m *MockAdapter) MCPSetServers(_ context.Context, _ Context, _ json.RawMessage) (map[string]any, error) {
	return map[string]any{"updated": true}, nil
}

func (m *MockAdapter) MCPReconnect(_ context.Context, _ Context, serverName string) (map[string]any, error) {
	return map[string]any{"server": serverName, "reconnected": true}, nil
}

func (m *MockAdapter) MCPToggle(_ context.Context, _ Context, serverName string, enabled bool) (map[string]any, error) {
	return map[string]any{"server": serverName, "enabled": enabled}, nil
}

func (m *MockAdapter) RewindFiles(_ context.Context, _ Context, paths []string) (map[string]any, error) {
	return map[string]any{"rewound": len(paths)}, nil
}

func (m *MockAdapter) HookCallback(_ context.Context, _ Context, callbackID string, _ json.RawMessage) (map[string]any, error) {
	return map[string]any{"callback_id": callbackID, "handled": true}, nil
}
