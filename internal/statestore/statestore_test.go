package statestore

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/unified-agent/gateway/internal/session"
	"github.com/unified-agent/gateway/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "gateway-state.json"), testLogger())

	s := session.New("s1", protocol.ProviderMock)
	s.Model = "m1"
	s.Connected = true
	s.EnvVars["A"] = "1"
	s.Replay.Append(protocol.NewAssistantMessage("s1", "hi"))
	s.Outbound.Enqueue("o1", protocol.NewSystemStatus("s1", "pending", nil))

	if err := store.Save([]session.Snapshot{s.Snapshot()}); err != nil {
		t.Fatalf("save: %v", err)
	}

	snaps, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}
	if snaps[0].Connected {
		t.Error("connected not forced false")
	}

	restored := session.FromSnapshot(snaps[0])
	if restored.SessionID != "s1" || restored.Model != "m1" || restored.EnvVars["A"] != "1" {
		t.Errorf("fields lost: %+v", restored)
	}
	if restored.Replay.Len() != 1 || restored.Outbound.Len() != 1 {
		t.Error("replay/outbound lost")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "absent.json"), testLogger())
	snaps, err := store.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snaps != nil {
		t.Errorf("expected nil, got %v", snaps)
	}
}

func TestLoad_CorruptFileIsQuarantined(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway-state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	store := New(path, testLogger())
	snaps, err := store.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snaps) != 0 {
		t.Errorf("expected empty load, got %v", snaps)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var quarantined bool
	for _, e := range entries {
		if strings.Contains(e.Name(), ".corrupt.") {
			quarantined = true
		}
		if e.Name() == "gateway-state.json" {
			t.Error("corrupt file left in place")
		}
	}
	if !quarantined {
		t.Error("corrupt file was not quarantined")
	}
}

func TestLoad_SkipsUnknownProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway-state.json")
	store := New(path, testLogger())

	good := session.New("s1", protocol.ProviderMock).Snapshot()
	bad := session.New("s2", protocol.ProviderMock).Snapshot()
	bad.Provider = "hal9000"

	if err := store.Save([]session.Snapshot{good, bad}); err != nil {
		t.Fatal(err)
	}
	snaps, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 1 || snaps[0].SessionID != "s1" {
		t.Errorf("expected only s1, got %+v", snaps)
	}
}

func TestSave_NoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	store := New(filepath.Join(dir, "gateway-state.json"), testLogger())
	if err := store.Save(nil); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}
