package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/unified-agent/gateway/pkg/protocol"
)

// CodexAdapter drives the codex CLI via `codex exec --json`, spawning a new
// process per turn and resuming by native session id.
type CodexAdapter struct {
	logger  *slog.Logger
	command string

	mu      sync.Mutex
	current *exec.Cmd
}

// NewCodexAdapter creates the codex adapter.
func NewCodexAdapter(logger *slog.Logger) *CodexAdapter {
	return &CodexAdapter{logger: logger.With("component", "adapter.codex"), command: "codex"}
}

func (*CodexAdapter) Provider() string     { return protocol.ProviderCodex }
func (*CodexAdapter) SupportsSDKURL() bool { return false }

// Codex has an MCP surface but no file rewind or hook callbacks.
func (*CodexAdapter) SupportedSubtypes() []string {
	return append(append([]string{}, baseSubtypes...),
		protocol.SubtypeMCPStatus,
		protocol.SubtypeMCPMessage,
		protocol.SubtypeMCPSetServers,
		protocol.SubtypeMCPReconnect,
		protocol.SubtypeMCPToggle,
	)
}

func (a *CodexAdapter) Initialize(_ context.Context, ac Context) (InitializeResult, error) {
	if _, err := exec.LookPath(a.command); err != nil {
		return InitializeResult{}, protocol.NewError(protocol.CodeInternalError,
			fmt.Sprintf("codex binary not found: %v", err))
	}
	return InitializeResult{ProviderSessionID: ac.ProviderSessionID}, nil
}

func (a *CodexAdapter) AskUser(ctx context.Context, ac Context, text string) (AskResult, error) {
	args := []string{"exec", "--json"}
	if ac.Model != "" {
		args = append(args, "--model", ac.Model)
	}
	if ac.ProviderSessionID != "" {
		args = append(args, "resume", ac.ProviderSessionID)
	}
	args = append(args, text)

	cmd := exec.CommandContext(ctx, a.command, args...)
	if ac.Cwd != "" {
		cmd.Dir = ac.Cwd
	}
	cmd.Env = os.Environ()
	for k, v := range ac.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return AskResult{}, protocol.NewError(protocol.CodeInternalError, fmt.Sprintf("stdout pipe: %v", err))
	}
	if err := cmd.Start(); err != nil {
		return AskResult{}, protocol.NewError(protocol.CodeInternalError, fmt.Sprintf("start codex process: %v", err))
	}
	a.mu.Lock()
	a.current = cmd
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.current = nil
		a.mu.Unlock()
	}()

	var (
		texts     []string
		sessionID = ac.ProviderSessionID
	)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var event struct {
			Msg struct {
				Type      string `json:"type"`
				Message   string `json:"message"`
				SessionID string `json:"session_id"`
			} `json:"msg"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		switch event.Msg.Type {
		case "session_configured":
			if event.Msg.SessionID != "" {
				sessionID = event.Msg.SessionID
			}
		case "agent_message":
			if event.Msg.Message != "" {
				texts = append(texts, event.Msg.Message)
			}
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return AskResult{}, protocol.NewError(protocol.CodeRequestTimeout, "codex turn cancelled")
		}
		return AskResult{}, protocol.NewError(protocol.CodeInternalError, fmt.Sprintf("codex process failed: %v", err))
	}

	return AskResult{Text: strings.Join(texts, "\n"), ProviderSessionID: sessionID}, nil
}

func (a *CodexAdapter) Interrupt(_ context.Context, _ Context) error {
	a.mu.Lock()
	cmd := a.current
	a.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		return cmd.Process.Signal(os.Interrupt)
	}
	return nil
}

func (a *CodexAdapter) SetModel(_ context.Context, _ Context, _ string) error          { return nil }
func (a *CodexAdapter) SetPermissionMode(_ context.Context, _ Context, _ string) error { return nil }
func (a *CodexAdapter) SetMaxThinkingTokens(_ context.Context, _ Context, _ *int) error {
	return nil
}

func (a *CodexAdapter) MCPStatus(_ context.Context, _ Context) (map[string]any, error) {
	return map[string]any{"servers": []any{}}, nil
}

func (a *CodexAdapter) MCPMessage(_ context.Context, _ Context, serverName string, _ json.RawMessage) (map[string]any, error) {
	return map[string]any{"server": serverName, "delivered": false, "reason": "no MCP servers attached"}, nil
}

func (a *CodexAdapter) MCPSetServers(_ context.Context, _ Context, servers json.RawMessage) (map[string]any, error) {
	var parsed map[string]json.RawMessage
	if len(servers) > 0 {
		if err := json.Unmarshal(servers, &parsed); err != nil {
			return nil, protocol.NewError(protocol.CodeInvalidArgument, "servers must be an object")
		}
	}
	return map[string]any{"updated": len(parsed)}, nil
}

func (a *CodexAdapter) MCPReconnect(_ context.Context, _ Context, serverName string) (map[string]any, error) {
	return map[string]any{"server": serverName, "reconnected": false, "reason": "no MCP servers attached"}, nil
}

func (a *CodexAdapter) MCPToggle(_ context.Context, _ Context, serverName string, enabled bool) (map[string]any, error) {
	return map[string]any{"server": serverName, "enabled": enabled}, nil
}
