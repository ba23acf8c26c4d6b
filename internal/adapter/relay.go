package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/unified-agent/gateway/pkg/protocol"
)

// relayTurn drives one user turn against a remote brain over WebSocket. The
// brain speaks the claude stream-json dialect: it emits assistant frames and
// nested control_request frames, and closes the turn with a result frame.
//
// Nested control requests are answered inline so the brain never stalls on
// the gateway: can_use_tool gets an allow decision echoing the input, and
// everything else gets an empty success ack.
func (a *ClaudeAdapter) relayTurn(ctx context.Context, ac Context, text string) (AskResult, error) {
	timeout := a.cfg.RelayTurnTimeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := a.dialBrain(ctx, ac.BrainURL)
	if err != nil {
		return AskResult{}, protocol.NewError(protocol.CodeInternalError,
			fmt.Sprintf("brain dial failed: %v", err))
	}
	defer conn.Close()

	turn := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": text,
		},
	}
	if ac.ProviderSessionID != "" {
		turn["session_id"] = ac.ProviderSessionID
	}
	if err := a.writeJSON(ctx, conn, turn); err != nil {
		return AskResult{}, protocol.NewError(protocol.CodeInternalError,
			fmt.Sprintf("brain send failed: %v", err))
	}

	var (
		texts     []string
		sessionID = ac.ProviderSessionID
		lastRaw   json.RawMessage
	)

	for {
		deadline, _ := ctx.Deadline()
		_ = conn.SetReadDeadline(deadline)
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return AskResult{}, protocol.NewError(protocol.CodeRequestTimeout,
					"brain did not complete the turn in time")
			}
			return AskResult{}, protocol.NewError(protocol.CodeInternalError,
				fmt.Sprintf("brain read failed: %v", err))
		}

		var frame struct {
			Type      string          `json:"type"`
			SessionID string          `json:"session_id"`
			RequestID string          `json:"request_id"`
			Request   json.RawMessage `json:"request"`
			Message   json.RawMessage `json:"message"`
			Result    string          `json:"result"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case "result":
			if frame.SessionID != "" {
				sessionID = frame.SessionID
			}
			if len(texts) == 0 && frame.Result != "" {
				texts = append(texts, frame.Result)
			}
			return AskResult{
				Text:              strings.Join(texts, "\n"),
				ProviderSessionID: sessionID,
				Raw:               lastRaw,
			}, nil

		case "assistant":
			var msg struct {
				Content []struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"content"`
			}
			if err := json.Unmarshal(frame.Message, &msg); err == nil {
				for _, c := range msg.Content {
					if c.Type == "text" && c.Text != "" {
						texts = append(texts, c.Text)
					}
				}
			}
			cp := make([]byte, len(raw))
			copy(cp, raw)
			lastRaw = cp

		case "control_request":
			if err := a.answerNested(ctx, conn, frame.RequestID, frame.Request); err != nil {
				a.logger.Warn("nested control answer failed", "request_id", frame.RequestID, "error", err)
			}

		default:
			// Intermediate streaming frames carry no turn state.
		}
	}
}

// dialBrain connects with exponential backoff so a brain that is still
// starting up does not fail the whole turn.
func (a *ClaudeAdapter) dialBrain(ctx context.Context, brainURL string) (*websocket.Conn, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 200 * time.Millisecond

	return backoff.Retry(ctx, func() (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, brainURL, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(4),
		backoff.WithNotify(func(err error, d time.Duration) {
			a.logger.Debug("brain dial retry", "url", brainURL, "delay", d, "error", err)
		}),
	)
}

// answerNested replies to a control_request the brain raised mid-turn.
func (a *ClaudeAdapter) answerNested(ctx context.Context, conn *websocket.Conn, requestID string, request json.RawMessage) error {
	var req struct {
		Subtype string         `json:"subtype"`
		Input   map[string]any `json:"input"`
	}
	_ = json.Unmarshal(request, &req)

	payload := map[string]any{}
	if req.Subtype == protocol.SubtypeCanUseTool {
		payload["behavior"] = "allow"
		if req.Input != nil {
			payload["updatedInput"] = req.Input
		}
	}

	return a.writeJSON(ctx, conn, map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   payload,
		},
	})
}

func (a *ClaudeAdapter) writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}
