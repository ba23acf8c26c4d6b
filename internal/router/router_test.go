package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/unified-agent/gateway/internal/adapter"
	"github.com/unified-agent/gateway/internal/config"
	"github.com/unified-agent/gateway/internal/eventlog"
	"github.com/unified-agent/gateway/internal/metrics"
	"github.com/unified-agent/gateway/internal/session"
	"github.com/unified-agent/gateway/internal/statestore"
	"github.com/unified-agent/gateway/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestRouter(t *testing.T, mutate func(*config.Config)) *Router {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	if mutate != nil {
		mutate(&cfg)
	}

	logger := testLogger()
	writer, err := eventlog.NewWriter(filepath.Join(dir, "sessions"), logger)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	t.Cleanup(func() { writer.Close() })
	store, err := eventlog.NewSQLite(filepath.Join(dir, "events.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	adapters := adapter.NewRegistry()
	adapters.Register(protocol.ProviderMock, adapter.NewMockAdapter())

	return New(Options{
		Config:   &cfg,
		Registry: session.NewRegistry(),
		Adapters: adapters,
		Metrics:  metrics.New(),
		Events:   writer,
		Store:    store,
		State:    statestore.New(filepath.Join(dir, "state.json"), logger),
	}, logger)
}

func frame(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return raw
}

func initSession(t *testing.T, r *Router, sessionID string) {
	t.Helper()
	out := r.HandleFrame(context.Background(), sessionID, frame(t, map[string]any{
		"type":       "control_request",
		"request_id": "init-" + sessionID,
		"request":    map[string]any{"subtype": "initialize", "provider": "mock", "cwd": "/tmp", "project": "demo"},
	}))
	if len(out) != 2 {
		t.Fatalf("initialize returned %d envelopes, want 2", len(out))
	}
}

func TestInitialize_EmitsTransportStateThenSuccess(t *testing.T) {
	r := newTestRouter(t, nil)
	out := r.HandleFrame(context.Background(), "s1", frame(t, map[string]any{
		"type":       "control_request",
		"request_id": "r1",
		"request":    map[string]any{"subtype": "initialize", "provider": "mock"},
	}))
	if len(out) != 2 {
		t.Fatalf("got %d envelopes, want 2", len(out))
	}
	ts, ok := out[0].(*protocol.TransportState)
	if !ok || ts.State != protocol.StateCLIConnected {
		t.Fatalf("first envelope = %#v, want transport_state cli_connected", out[0])
	}
	resp, ok := out[1].(*protocol.ControlResponse)
	if !ok || resp.Response.Subtype != protocol.ResponseSuccess {
		t.Fatalf("second envelope = %#v, want success response", out[1])
	}
	if resp.Response.RequestID != "r1" {
		t.Fatalf("response request_id = %q, want r1", resp.Response.RequestID)
	}
	caps, ok := resp.Response.Response["capabilities"].([]string)
	if !ok || len(caps) == 0 {
		t.Fatalf("response capabilities missing: %#v", resp.Response.Response)
	}
	st, ok := r.Registry().Get("s1")
	if !ok {
		t.Fatal("session not registered")
	}
	if st.ProviderSessionID == "" || !strings.HasPrefix(st.ProviderSessionID, "mock-") {
		t.Fatalf("provider session id = %q", st.ProviderSessionID)
	}
}

func TestInitialize_IndexesMetaSession(t *testing.T) {
	r := newTestRouter(t, nil)
	initSession(t, r, "s1")
	st, _ := r.Registry().Get("s1")
	st.Lock()
	meta := st.MetaSessionID
	st.Unlock()

	ms, err := r.store.GetMetaSession(context.Background(), meta)
	if err != nil {
		t.Fatalf("GetMetaSession: %v", err)
	}
	if ms == nil || ms.Provider != "mock" || ms.Project != "demo" {
		t.Fatalf("meta session = %#v", ms)
	}
}

func TestReinitialize_PreservesReplayAndIdentity(t *testing.T) {
	r := newTestRouter(t, nil)
	initSession(t, r, "s1")
	st, _ := r.Registry().Get("s1")
	st.Lock()
	meta := st.MetaSessionID
	replayBefore := st.Replay.Len()
	st.Unlock()

	out := r.HandleFrame(context.Background(), "s1", frame(t, map[string]any{
		"type":       "control_request",
		"request_id": "r2",
		"request":    map[string]any{"subtype": "initialize", "provider": "mock"},
	}))
	if len(out) != 2 {
		t.Fatalf("got %d envelopes, want 2", len(out))
	}
	st.Lock()
	defer st.Unlock()
	if st.MetaSessionID != meta {
		t.Fatal("meta session id changed across re-initialize")
	}
	if st.Replay.Len() <= replayBefore {
		t.Fatal("replay buffer was not preserved across re-initialize")
	}
}

func TestUser_BeforeInitialize(t *testing.T) {
	r := newTestRouter(t, nil)
	out := r.HandleFrame(context.Background(), "s1", frame(t, map[string]any{
		"type":       "user",
		"session_id": "s1",
		"message":    map[string]any{"role": "user", "content": "hello"},
	}))
	if len(out) != 1 {
		t.Fatalf("got %d envelopes, want 1", len(out))
	}
	ee, ok := out[0].(*protocol.ErrorEnvelope)
	if !ok || ee.Code != protocol.CodeNotInitialized {
		t.Fatalf("got %#v, want NOT_INITIALIZED error", out[0])
	}
}

func TestUser_RoundTrip(t *testing.T) {
	r := newTestRouter(t, nil)
	initSession(t, r, "s1")
	out := r.HandleFrame(context.Background(), "s1", frame(t, map[string]any{
		"type":       "user",
		"session_id": "s1",
		"message":    map[string]any{"role": "user", "content": "hello"},
	}))
	if len(out) != 1 {
		t.Fatalf("got %d envelopes, want 1", len(out))
	}
	as, ok := out[0].(*protocol.Assistant)
	if !ok || as.Event.Text != "mock: hello" {
		t.Fatalf("got %#v, want assistant echo", out[0])
	}
	st, _ := r.Registry().Get("s1")
	st.Lock()
	defer st.Unlock()
	all := st.Replay.All()
	if len(all) < 2 {
		t.Fatalf("replay holds %d envelopes, want user and assistant appended", len(all))
	}
	if _, ok := all[len(all)-1].(*protocol.Assistant); !ok {
		t.Fatalf("last replay entry = %#v, want assistant", all[len(all)-1])
	}
}

func TestCanUseTool_DefaultAllowEchoesInput(t *testing.T) {
	r := newTestRouter(t, nil)
	initSession(t, r, "s1")
	out := r.HandleFrame(context.Background(), "s1", frame(t, map[string]any{
		"type":       "control_request",
		"request_id": "r3",
		"request": map[string]any{
			"subtype":   "can_use_tool",
			"tool_name": "Bash",
			"input":     map[string]any{"command": "ls"},
		},
	}))
	if len(out) != 1 {
		t.Fatalf("got %d envelopes, want 1", len(out))
	}
	resp := out[0].(*protocol.ControlResponse)
	if resp.Response.Subtype != protocol.ResponseSuccess {
		t.Fatalf("got %#v, want success", resp.Response)
	}
	if resp.Response.Response["behavior"] != "allow" {
		t.Fatalf("behavior = %v, want allow", resp.Response.Response["behavior"])
	}
	ui, ok := resp.Response.Response["updatedInput"].(map[string]any)
	if !ok || ui["command"] != "ls" {
		t.Fatalf("updatedInput = %#v", resp.Response.Response["updatedInput"])
	}
}

func TestCanUseTool_DefaultDeny(t *testing.T) {
	r := newTestRouter(t, func(c *config.Config) { c.CanUseToolDefault = "deny" })
	initSession(t, r, "s1")
	out := r.HandleFrame(context.Background(), "s1", frame(t, map[string]any{
		"type":       "control_request",
		"request_id": "r3",
		"request":    map[string]any{"subtype": "can_use_tool", "tool_name": "Bash"},
	}))
	resp := out[0].(*protocol.ControlResponse)
	if resp.Response.Response["behavior"] != "deny" {
		t.Fatalf("behavior = %v, want deny", resp.Response.Response["behavior"])
	}
	if _, present := resp.Response.Response["updatedInput"]; present {
		t.Fatal("deny decision must not carry updatedInput")
	}
}

func TestCancel_AcksAndCancelsPermission(t *testing.T) {
	r := newTestRouter(t, nil)
	initSession(t, r, "s1")

	// Arm a pending permission directly, as a relay-held approval would.
	st, _ := r.Registry().Get("s1")
	st.Lock()
	st.AddPermission(session.PendingPermission{RequestID: "r9", CreatedAt: time.Now(), ToolName: "Bash"})
	st.Unlock()

	out := r.HandleFrame(context.Background(), "s1", frame(t, map[string]any{
		"type":       "control_cancel_request",
		"request_id": "r9",
	}))
	if len(out) != 2 {
		t.Fatalf("got %d envelopes, want ack and permission_cancelled", len(out))
	}
	ack := out[0].(*protocol.ControlResponse)
	if ack.Response.Response["cancelled"] != true {
		t.Fatalf("ack payload = %#v", ack.Response.Response)
	}
	pc, ok := out[1].(*protocol.PermissionCancelled)
	if !ok || pc.RequestID != "r9" {
		t.Fatalf("got %#v, want permission_cancelled r9", out[1])
	}
}

func TestCancel_UnknownIDStillAcks(t *testing.T) {
	r := newTestRouter(t, nil)
	initSession(t, r, "s1")
	out := r.HandleFrame(context.Background(), "s1", frame(t, map[string]any{
		"type":       "control_cancel_request",
		"request_id": "never-seen",
	}))
	if len(out) != 1 {
		t.Fatalf("got %d envelopes, want 1", len(out))
	}
	if out[0].(*protocol.ControlResponse).Response.Subtype != protocol.ResponseSuccess {
		t.Fatal("cancel ack must be a success response")
	}
}

// limitedAdapter supports only the base subtypes, nothing optional.
type limitedAdapter struct{ adapter.Adapter }

func (limitedAdapter) SupportedSubtypes() []string {
	return []string{protocol.SubtypeInitialize, protocol.SubtypeInterrupt}
}

func TestUnsupportedSubtype_WarningPlusError(t *testing.T) {
	r := newTestRouter(t, nil)
	r.Adapters().Register("limited", limitedAdapter{adapter.NewMockAdapter()})

	st := session.New("s1", "limited")
	a, _ := r.Adapters().Get("limited")
	st.Adapter = a
	r.Registry().Add(st)

	out := r.HandleFrame(context.Background(), "s1", frame(t, map[string]any{
		"type":       "control_request",
		"request_id": "r4",
		"request":    map[string]any{"subtype": "rewind_files", "paths": []string{"a.go"}},
	}))
	if len(out) != 2 {
		t.Fatalf("got %d envelopes, want warning and error", len(out))
	}
	sys, ok := out[0].(*protocol.System)
	if !ok || sys.Subtype != protocol.SystemWarning {
		t.Fatalf("first envelope = %#v, want system.warning", out[0])
	}
	resp := out[1].(*protocol.ControlResponse)
	if resp.Response.Code != protocol.CodeUnknownSubtype {
		t.Fatalf("code = %q, want UNKNOWN_SUBTYPE", resp.Response.Code)
	}
}

func TestOversizeFrame(t *testing.T) {
	r := newTestRouter(t, func(c *config.Config) { c.PayloadCapBytes = 64 })
	big := frame(t, map[string]any{"type": "keep_alive", "pad": strings.Repeat("x", 256)})
	out := r.HandleFrame(context.Background(), "s1", big)
	if len(out) != 1 {
		t.Fatalf("got %d envelopes, want 1", len(out))
	}
	ee, ok := out[0].(*protocol.ErrorEnvelope)
	if !ok || ee.Code != protocol.CodeInvalidArgument {
		t.Fatalf("got %#v, want INVALID_ARGUMENT", out[0])
	}
}

func TestUnknownType_DroppedSilently(t *testing.T) {
	r := newTestRouter(t, nil)
	out := r.HandleFrame(context.Background(), "s1", []byte(`{"type":"codex_event","payload":{}}`))
	if out != nil {
		t.Fatalf("got %#v, want silent drop", out)
	}
}

func TestMalformedFrame(t *testing.T) {
	r := newTestRouter(t, nil)
	out := r.HandleFrame(context.Background(), "s1", []byte(`{"type":`))
	if len(out) != 1 {
		t.Fatalf("got %d envelopes, want 1", len(out))
	}
	if out[0].(*protocol.ErrorEnvelope).Code != protocol.CodeInvalidEnvelope {
		t.Fatal("want INVALID_ENVELOPE")
	}
}

func TestRateLimit(t *testing.T) {
	r := newTestRouter(t, func(c *config.Config) { c.RequestsPerMinute = 1 })
	initSession(t, r, "s1")
	out := r.HandleFrame(context.Background(), "s1", frame(t, map[string]any{
		"type":       "control_request",
		"request_id": "r5",
		"request":    map[string]any{"subtype": "interrupt"},
	}))
	resp := out[0].(*protocol.ControlResponse)
	if resp.Response.Code != protocol.CodeRateLimited {
		t.Fatalf("code = %q, want RATE_LIMITED", resp.Response.Code)
	}
}

func TestSetModel_DefaultClears(t *testing.T) {
	r := newTestRouter(t, nil)
	initSession(t, r, "s1")
	out := r.HandleFrame(context.Background(), "s1", frame(t, map[string]any{
		"type":       "control_request",
		"request_id": "r6",
		"request":    map[string]any{"subtype": "set_model", "model": "default"},
	}))
	if out[0].(*protocol.ControlResponse).Response.Subtype != protocol.ResponseSuccess {
		t.Fatal("set_model default must succeed")
	}
	st, _ := r.Registry().Get("s1")
	st.Lock()
	defer st.Unlock()
	if st.Model != "" {
		t.Fatalf("model = %q, want cleared", st.Model)
	}
}

func TestSetMaxThinkingTokens_NegativeRejected(t *testing.T) {
	r := newTestRouter(t, nil)
	initSession(t, r, "s1")
	out := r.HandleFrame(context.Background(), "s1", frame(t, map[string]any{
		"type":       "control_request",
		"request_id": "r7",
		"request":    map[string]any{"subtype": "set_max_thinking_tokens", "max_thinking_tokens": -5},
	}))
	resp := out[0].(*protocol.ControlResponse)
	if resp.Response.Code != protocol.CodeInvalidArgument {
		t.Fatalf("code = %q, want INVALID_ARGUMENT", resp.Response.Code)
	}
}

func TestEnvUpdate_AcksWithCount(t *testing.T) {
	r := newTestRouter(t, nil)
	initSession(t, r, "s1")
	out := r.HandleFrame(context.Background(), "s1", frame(t, map[string]any{
		"type": "update_environment_variables",
		"env":  map[string]string{"A": "1", "B": "2"},
	}))
	sys := out[0].(*protocol.System)
	if sys.Subtype != protocol.SystemStatus {
		t.Fatalf("subtype = %q, want status", sys.Subtype)
	}
	if sys.Data["updated"] != 2 {
		t.Fatalf("updated = %v, want 2", sys.Data["updated"])
	}
	st, _ := r.Registry().Get("s1")
	st.Lock()
	defer st.Unlock()
	if st.EnvVars["A"] != "1" || st.EnvVars["B"] != "2" {
		t.Fatalf("env vars not merged: %#v", st.EnvVars)
	}
}

func TestDisconnect_CancelsPermissionsIntoReplay(t *testing.T) {
	r := newTestRouter(t, nil)
	initSession(t, r, "s1")
	st, _ := r.Registry().Get("s1")
	st.Lock()
	st.AddPermission(session.PendingPermission{RequestID: "p1", CreatedAt: time.Now(), ToolName: "Write"})
	st.Unlock()

	r.MarkDisconnected("s1", "backend disconnected")

	st.Lock()
	defer st.Unlock()
	if st.Connected {
		t.Fatal("session still marked connected")
	}
	if len(st.PendingPermissions) != 0 {
		t.Fatal("pending permissions not drained")
	}
	all := st.Replay.All()
	var sawTransport, sawCancel bool
	for _, env := range all {
		switch e := env.(type) {
		case *protocol.TransportState:
			if e.State == protocol.StateCLIDisconnected {
				sawTransport = true
			}
		case *protocol.PermissionCancelled:
			if e.RequestID == "p1" {
				sawCancel = true
			}
		}
	}
	if !sawTransport || !sawCancel {
		t.Fatalf("replay missing disconnect artifacts: transport=%v cancel=%v", sawTransport, sawCancel)
	}
}

func TestRelaunchWatchdog_WarnsAfterGrace(t *testing.T) {
	r := newTestRouter(t, func(c *config.Config) { c.RelaunchGrace = 10 * time.Millisecond })
	initSession(t, r, "s1")
	r.MarkDisconnected("s1", "backend disconnected")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, _ := r.Registry().Get("s1")
		st.Lock()
		found := false
		for _, env := range st.Replay.All() {
			if sys, ok := env.(*protocol.System); ok && sys.Subtype == protocol.SystemWarning {
				if sys.Data["relaunch"] == "required" {
					found = true
				}
			}
		}
		st.Unlock()
		if found {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("relaunch warning never appeared in replay buffer")
}

func TestRelaunchWatchdog_ClearedByReconnect(t *testing.T) {
	r := newTestRouter(t, func(c *config.Config) { c.RelaunchGrace = 20 * time.Millisecond })
	initSession(t, r, "s1")
	r.MarkDisconnected("s1", "backend disconnected")
	r.MarkConnected("s1")
	time.Sleep(60 * time.Millisecond)

	st, _ := r.Registry().Get("s1")
	st.Lock()
	defer st.Unlock()
	for _, env := range st.Replay.All() {
		if sys, ok := env.(*protocol.System); ok && sys.Subtype == protocol.SystemWarning {
			if sys.Data["relaunch"] == "required" {
				t.Fatal("relaunch warning fired after reconnect")
			}
		}
	}
	if !st.Connected {
		t.Fatal("session not marked connected")
	}
}

func TestHydrate_StatusThenReplayThenPermissions(t *testing.T) {
	r := newTestRouter(t, nil)
	initSession(t, r, "s1")
	r.HandleFrame(context.Background(), "s1", frame(t, map[string]any{
		"type":       "user",
		"session_id": "s1",
		"message":    map[string]any{"role": "user", "content": "hi"},
	}))
	st, _ := r.Registry().Get("s1")
	st.Lock()
	st.AddPermission(session.PendingPermission{RequestID: "p2", CreatedAt: time.Now(), ToolName: "Bash", ToolUseID: "tu1"})
	replayLen := st.Replay.Len()
	st.Unlock()

	out := r.Hydrate("s1")
	if len(out) != replayLen+2 {
		t.Fatalf("hydration yielded %d envelopes, want %d", len(out), replayLen+2)
	}
	head, ok := out[0].(*protocol.System)
	if !ok || head.Subtype != protocol.SystemStatus {
		t.Fatalf("first envelope = %#v, want status snapshot", out[0])
	}
	tail, ok := out[len(out)-1].(*protocol.System)
	if !ok || tail.Data["requestId"] != "p2" || tail.Data["toolUseId"] != "tu1" {
		t.Fatalf("last envelope = %#v, want pending permission announcement", out[len(out)-1])
	}
}

func TestConcurrentSessions_PersistWithoutDeadlock(t *testing.T) {
	r := newTestRouter(t, nil)
	initSession(t, r, "s1")
	initSession(t, r, "s2")

	frames := map[string][]byte{
		"s1": frame(t, map[string]any{"type": "user", "session_id": "s1", "message": map[string]any{"role": "user", "content": "ping"}}),
		"s2": frame(t, map[string]any{"type": "user", "session_id": "s2", "message": map[string]any{"role": "user", "content": "ping"}}),
	}

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, id := range []string{"s1", "s2"} {
			wg.Add(1)
			go func(sessionID string) {
				defer wg.Done()
				for i := 0; i < 25; i++ {
					r.HandleFrame(context.Background(), sessionID, frames[sessionID])
				}
			}(id)
		}
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("concurrent traffic across two sessions never completed")
	}

	snaps, err := statestore.New(filepath.Join(r.cfg.DataDir, "state.json"), testLogger()).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("persisted %d sessions, want both", len(snaps))
	}
}

func TestCanUseTool_DeferredToObserverDecision(t *testing.T) {
	r := newTestRouter(t, nil)
	var mu sync.Mutex
	var delivered []protocol.Envelope
	r.SetPeerHooks(
		func(string) bool { return true },
		func(_ string, env protocol.Envelope) bool {
			mu.Lock()
			delivered = append(delivered, env)
			mu.Unlock()
			return true
		},
	)
	initSession(t, r, "s1")

	out := r.HandleFrame(context.Background(), "s1", frame(t, map[string]any{
		"type":       "control_request",
		"request_id": "r10",
		"request": map[string]any{
			"subtype":   "can_use_tool",
			"tool_name": "Bash",
			"input":     map[string]any{"command": "rm -rf /"},
		},
	}))
	if out != nil {
		t.Fatalf("got %#v, want no immediate response while an approver is attached", out)
	}
	st, _ := r.Registry().Get("s1")
	st.Lock()
	if len(st.PendingPermissions) != 1 {
		t.Fatalf("pending permissions = %d, want 1", len(st.PendingPermissions))
	}
	st.Unlock()

	r.ResolvePermission("s1", &protocol.ControlResponse{
		Type: protocol.TypeControlResponse,
		Response: protocol.ControlResponseBody{
			Subtype:   protocol.ResponseSuccess,
			RequestID: "r10",
			Response:  map[string]any{"behavior": "deny"},
		},
	})

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 {
		t.Fatalf("delivered %d envelopes, want the terminal response", len(delivered))
	}
	resp, ok := delivered[0].(*protocol.ControlResponse)
	if !ok || resp.Response.RequestID != "r10" {
		t.Fatalf("got %#v, want control_response for r10", delivered[0])
	}
	if resp.Response.Response["behavior"] != "deny" {
		t.Fatalf("behavior = %v, want the approver's deny", resp.Response.Response["behavior"])
	}
	st.Lock()
	defer st.Unlock()
	if len(st.PendingPermissions) != 0 {
		t.Fatal("pending permission not drained by the decision")
	}
}

func TestCanUseTool_DeferredTimeoutAppliesDefault(t *testing.T) {
	r := newTestRouter(t, func(c *config.Config) { c.PermissionTimeout = 20 * time.Millisecond })
	var mu sync.Mutex
	var delivered []protocol.Envelope
	r.SetPeerHooks(
		func(string) bool { return true },
		func(_ string, env protocol.Envelope) bool {
			mu.Lock()
			delivered = append(delivered, env)
			mu.Unlock()
			return true
		},
	)
	initSession(t, r, "s1")

	out := r.HandleFrame(context.Background(), "s1", frame(t, map[string]any{
		"type":       "control_request",
		"request_id": "r11",
		"request": map[string]any{
			"subtype":   "can_use_tool",
			"tool_name": "Bash",
			"input":     map[string]any{"command": "ls"},
		},
	}))
	if out != nil {
		t.Fatalf("got %#v, want deferral", out)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(delivered)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 {
		t.Fatal("timeout never produced the terminal response")
	}
	resp := delivered[0].(*protocol.ControlResponse)
	if resp.Response.RequestID != "r11" || resp.Response.Response["behavior"] != "allow" {
		t.Fatalf("got %#v, want default allow for r11", resp.Response)
	}
	ui, ok := resp.Response.Response["updatedInput"].(map[string]any)
	if !ok || ui["command"] != "ls" {
		t.Fatalf("updatedInput = %#v, want echoed input", resp.Response.Response["updatedInput"])
	}
}

func TestDisconnect_QueuesCancelsForNextAttach(t *testing.T) {
	r := newTestRouter(t, nil)
	initSession(t, r, "s1")
	st, _ := r.Registry().Get("s1")
	st.Lock()
	st.AddPermission(session.PendingPermission{RequestID: "p3", CreatedAt: time.Now(), ToolName: "Write"})
	st.Unlock()

	// No peer hooks wired: deliveries must land in the outbound queue.
	r.MarkDisconnected("s1", "backend disconnected")

	st.Lock()
	queued := st.Outbound.Len()
	st.Unlock()
	if queued == 0 {
		t.Fatal("disconnect cancel was not queued for the next attach")
	}

	var flushed []protocol.Envelope
	if err := r.FlushOutbound("s1", func(env protocol.Envelope) error {
		flushed = append(flushed, env)
		return nil
	}); err != nil {
		t.Fatalf("FlushOutbound: %v", err)
	}
	var sawCancel bool
	for _, env := range flushed {
		if pc, ok := env.(*protocol.PermissionCancelled); ok && pc.RequestID == "p3" {
			sawCancel = true
		}
	}
	if !sawCancel {
		t.Fatalf("flush delivered %d envelopes without the p3 cancel", len(flushed))
	}
}

func TestHydrate_StatusReportsConnected(t *testing.T) {
	r := newTestRouter(t, nil)
	initSession(t, r, "s1")
	r.MarkDisconnected("s1", "backend disconnected")

	out := r.Hydrate("s1")
	head, ok := out[0].(*protocol.System)
	if !ok || head.Subtype != protocol.SystemStatus {
		t.Fatalf("first envelope = %#v, want status", out[0])
	}
	if head.Data["connected"] != false {
		t.Fatalf("connected = %v, want false after disconnect", head.Data["connected"])
	}
}

func TestRemoveSession_EvictsEverything(t *testing.T) {
	r := newTestRouter(t, nil)
	initSession(t, r, "s1")
	initSession(t, r, "s2")

	if !r.RemoveSession("s1") {
		t.Fatal("RemoveSession returned false for a live session")
	}
	if _, ok := r.Registry().Get("s1"); ok {
		t.Fatal("session still registered after removal")
	}
	if r.RemoveSession("s1") {
		t.Fatal("second removal must report the session as gone")
	}

	snaps, err := statestore.New(filepath.Join(r.cfg.DataDir, "state.json"), testLogger()).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snaps) != 1 || snaps[0].SessionID != "s2" {
		t.Fatalf("persisted snapshots = %#v, want only s2", snaps)
	}
}

func TestKeepAlive_TouchesSession(t *testing.T) {
	r := newTestRouter(t, nil)
	initSession(t, r, "s1")
	st, _ := r.Registry().Get("s1")
	st.Lock()
	st.LastSeenEpoch = 0
	st.Unlock()

	out := r.HandleFrame(context.Background(), "s1", frame(t, map[string]any{"type": "keep_alive"}))
	if out != nil {
		t.Fatalf("keep_alive replied with %#v", out)
	}
	st.Lock()
	defer st.Unlock()
	if st.LastSeenEpoch == 0 {
		t.Fatal("keep_alive did not refresh liveness")
	}
}
