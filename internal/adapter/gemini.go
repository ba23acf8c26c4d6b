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

// GeminiAdapter drives the gemini CLI via `-p --output-format stream-json`,
// one process per turn with --resume continuity. Gemini exposes no MCP, file
// rewind or hook surface, so its capability set is the base one.
type GeminiAdapter struct {
	logger  *slog.Logger
	command string

	mu      sync.Mutex
	current *exec.Cmd
}

// NewGeminiAdapter creates the gemini adapter.
func NewGeminiAdapter(logger *slog.Logger) *GeminiAdapter {
	return &GeminiAdapter{logger: logger.With("component", "adapter.gemini"), command: "gemini"}
}

func (*GeminiAdapter) Provider() string     { return protocol.ProviderGemini }
func (*GeminiAdapter) SupportsSDKURL() bool { return false }

func (*GeminiAdapter) SupportedSubtypes() []string {
	return append([]string{}, baseSubtypes...)
}

func (a *GeminiAdapter) Initialize(_ context.Context, ac Context) (InitializeResult, error) {
	if _, err := exec.LookPath(a.command); err != nil {
		return InitializeResult{}, protocol.NewError(protocol.CodeInternalError,
			fmt.Sprintf("gemini binary not found: %v", err))
	}
	return InitializeResult{ProviderSessionID: ac.ProviderSessionID}, nil
}

func (a *GeminiAdapter) AskUser(ctx context.Context, ac Context, text string) (AskResult, error) {
	// -p takes the prompt as its value.
	args := []string{"-p", text, "--output-format", "stream-json"}
	if ac.Model != "" {
		args = append(args, "--model", ac.Model)
	}
	if ac.PermissionMode == protocol.PermissionBypass {
		args = append(args, "--yolo")
	}
	if ac.ProviderSessionID != "" {
		args = append(args, "--resume", ac.ProviderSessionID)
	}

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
		return AskResult{}, protocol.NewError(protocol.CodeInternalError, fmt.Sprintf("start gemini process: %v", err))
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
			Type      string `json:"type"`
			SessionID string `json:"session_id,omitempty"`
			Content   string `json:"content,omitempty"`
			Text      string `json:"text,omitempty"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		switch event.Type {
		case "init", "result":
			if event.SessionID != "" {
				sessionID = event.SessionID
			}
		case "message", "content":
			if event.Content != "" {
				texts = append(texts, event.Content)
			} else if event.Text != "" {
				texts = append(texts, event.Text)
			}
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return AskResult{}, protocol.NewError(protocol.CodeRequestTimeout, "gemini turn cancelled")
		}
		return AskResult{}, protocol.NewError(protocol.CodeInternalError, fmt.Sprintf("gemini process failed: %v", err))
	}

	return AskResult{Text: strings.Join(texts, "\n"), ProviderSessionID: sessionID}, nil
}

func (a *GeminiAdapter) Interrupt(_ context.Context, _ Context) error {
	a.mu.Lock()
	cmd := a.current
	a.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		return cmd.Process.Signal(os.Interrupt)
	}
	return nil
}

func (a *GeminiAdapter) SetModel(_ context.Context, _ Context, _ string) error          { return nil }
func (a *GeminiAdapter) SetPermissionMode(_ context.Context, _ Context, _ string) error { return nil }
func (a *GeminiAdapter) SetMaxThinkingTokens(_ context.Context, _ Context, _ *int) error {
	return nil
}
