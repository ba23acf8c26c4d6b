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
	"syscall"

	"github.com/unified-agent/gateway/internal/config"
	"github.com/unified-agent/gateway/pkg/protocol"
)

// ClaudeAdapter drives the claude CLI. Without a brain URL it spawns one
// `claude -p --output-format stream-json` process per turn, using --resume
// for continuity. With a brain URL it switches to the native relay driver in
// relay.go, where the remote brain holds the conversation.
type ClaudeAdapter struct {
	cfg    *config.Config
	logger *slog.Logger

	mu      sync.Mutex
	current *exec.Cmd // in-flight local turn, for Interrupt
}

// NewClaudeAdapter creates the claude adapter.
func NewClaudeAdapter(cfg *config.Config, logger *slog.Logger) *ClaudeAdapter {
	return &ClaudeAdapter{cfg: cfg, logger: logger.With("component", "adapter.claude")}
}

func (*ClaudeAdapter) Provider() string     { return protocol.ProviderClaude }
func (*ClaudeAdapter) SupportsSDKURL() bool { return true }

func (*ClaudeAdapter) SupportedSubtypes() []string {
	return append(append([]string{}, baseSubtypes...),
		protocol.SubtypeMCPStatus,
		protocol.SubtypeMCPMessage,
		protocol.SubtypeMCPSetServers,
		protocol.SubtypeMCPReconnect,
		protocol.SubtypeMCPToggle,
		protocol.SubtypeRewindFiles,
		protocol.SubtypeHookCallback,
	)
}

func (a *ClaudeAdapter) Initialize(ctx context.Context, ac Context) (InitializeResult, error) {
	if ac.BrainURL != "" {
		// Relay sessions lazily dial per turn; probe nothing here.
		return InitializeResult{
			ProviderSessionID: ac.ProviderSessionID,
			Info:              map[string]any{"mode": "relay", "brainUrl": ac.BrainURL},
		}, nil
	}
	if _, err := exec.LookPath(a.command()); err != nil {
		return InitializeResult{}, protocol.NewError(protocol.CodeInternalError,
			fmt.Sprintf("claude binary not found: %v", err))
	}
	return InitializeResult{
		ProviderSessionID: ac.ProviderSessionID,
		Info:              map[string]any{"mode": "local"},
	}, nil
}

func (a *ClaudeAdapter) AskUser(ctx context.Context, ac Context, text string) (AskResult, error) {
	if ac.BrainURL != "" {
		return a.relayTurn(ctx, ac, text)
	}
	return a.localTurn(ctx, ac, text)
}

func (a *ClaudeAdapter) command() string {
	if a.cfg.ClaudeCommand != "" {
		return a.cfg.ClaudeCommand
	}
	return "claude"
}

// buildTurnCmd assembles the claude process for one local turn. The prompt
// arrives over stdin as a stream-json user frame, so cancellation sends
// SIGTERM first and escalates to SIGKILL after the configured grace period.
func (a *ClaudeAdapter) buildTurnCmd(ctx context.Context, ac Context) *exec.Cmd {
	args := []string{"-p", "--input-format", "stream-json", "--output-format", "stream-json", "--verbose"}
	if ac.Model != "" {
		args = append(args, "--model", ac.Model)
	}
	if ac.PermissionMode == protocol.PermissionBypass {
		args = append(args, "--dangerously-skip-permissions")
	}
	if ac.ProviderSessionID != "" {
		args = append(args, "--resume", ac.ProviderSessionID)
	}

	cmd := exec.CommandContext(ctx, a.command(), args...)
	if ac.Cwd != "" {
		cmd.Dir = ac.Cwd
	}
	// Filter CLAUDECODE out of the inherited environment to avoid
	// nested-session detection inside the child.
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, "CLAUDECODE=") {
			cmd.Env = append(cmd.Env, e)
		}
	}
	for k, v := range ac.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = a.cfg.RelayKillGrace
	return cmd
}

// localTurn runs one prompt through a fresh claude process and collects the
// streamed reply. The native session id from the result frame feeds --resume
// on the next turn.
func (a *ClaudeAdapter) localTurn(ctx context.Context, ac Context, text string) (AskResult, error) {
	cmd := a.buildTurnCmd(ctx, ac)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return AskResult{}, protocol.NewError(protocol.CodeInternalError, fmt.Sprintf("stdin pipe: %v", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return AskResult{}, protocol.NewError(protocol.CodeInternalError, fmt.Sprintf("stdout pipe: %v", err))
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return AskResult{}, protocol.NewError(protocol.CodeInternalError, fmt.Sprintf("start claude process: %v", err))
	}

	turn, err := json.Marshal(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": text,
		},
	})
	if err == nil {
		_, err = stdin.Write(append(turn, '\n'))
	}
	_ = stdin.Close()
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return AskResult{}, protocol.NewError(protocol.CodeInternalError, fmt.Sprintf("write claude turn: %v", err))
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
		lastRaw   json.RawMessage
	)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var event struct {
			Type      string          `json:"type"`
			SessionID string          `json:"session_id"`
			Message   json.RawMessage `json:"message"`
		}
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		switch event.Type {
		case "result":
			if event.SessionID != "" {
				sessionID = event.SessionID
			}
		case "assistant":
			var msg struct {
				Content []struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"content"`
			}
			if err := json.Unmarshal(event.Message, &msg); err == nil {
				for _, c := range msg.Content {
					if c.Type == "text" && c.Text != "" {
						texts = append(texts, c.Text)
					}
				}
			}
			cp := make([]byte, len(line))
			copy(cp, line)
			lastRaw = cp
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return AskResult{}, protocol.NewError(protocol.CodeRequestTimeout, "claude turn cancelled")
		}
		return AskResult{}, protocol.NewError(protocol.CodeInternalError, fmt.Sprintf("claude process failed: %v", err))
	}

	return AskResult{
		Text:              strings.Join(texts, "\n"),
		ProviderSessionID: sessionID,
		Raw:               lastRaw,
	}, nil
}

// Interrupt signals the in-flight local process, if any. Relay turns are
// interrupted by context cancellation instead.
func (a *ClaudeAdapter) Interrupt(_ context.Context, _ Context) error {
	a.mu.Lock()
	cmd := a.current
	a.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		return cmd.Process.Signal(os.Interrupt)
	}
	return nil
}

func (a *ClaudeAdapter) SetModel(_ context.Context, _ Context, _ string) error { return nil }

func (a *ClaudeAdapter) SetPermissionMode(_ context.Context, _ Context, _ string) error { return nil }

func (a *ClaudeAdapter) SetMaxThinkingTokens(_ context.Context, _ Context, _ *int) error { return nil }

func (a *ClaudeAdapter) MCPStatus(_ context.Context, _ Context) (map[string]any, error) {
	return map[string]any{"servers": []any{}}, nil
}

func (a *ClaudeAdapter) MCPMessage(_ context.Context, _ Context, serverName string, _ json.RawMessage) (map[string]any, error) {
	return map[string]any{"server": serverName, "delivered": false, "reason": "no MCP servers attached"}, nil
}

func (a *ClaudeAdapter) MCPSetServers(_ context.Context, _ Context, servers json.RawMessage) (map[string]any, error) {
	var parsed map[string]json.RawMessage
	if len(servers) > 0 {
		if err := json.Unmarshal(servers, &parsed); err != nil {
			return nil, protocol.NewError(protocol.CodeInvalidArgument, "servers must be an object")
		}
	}
	return map[string]any{"updated": len(parsed)}, nil
}

func (a *ClaudeAdapter) MCPReconnect(_ context.Context, _ Context, serverName string) (map[string]any, error) {
	return map[string]any{"server": serverName, "reconnected": false, "reason": "no MCP servers attached"}, nil
}

func (a *ClaudeAdapter) MCPToggle(_ context.Context, _ Context, serverName string, enabled bool) (map[string]any, error) {
	return map[string]any{"server": serverName, "enabled": enabled}, nil
}

func (a *ClaudeAdapter) RewindFiles(_ context.Context, _ Context, paths []string) (map[string]any, error) {
	return map[string]any{"supported": false, "requested": len(paths)}, nil
}

func (a *ClaudeAdapter) HookCallback(_ context.Context, _ Context, callbackID string, _ json.RawMessage) (map[string]any, error) {
	return map[string]any{"callback_id": callbackID, "supported": false}, nil
}
