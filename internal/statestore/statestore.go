// Package statestore persists the session registry across gateway restarts.
// Snapshots are written atomically (temp file + rename); corrupt snapshots
// are quarantined rather than deleted.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/unified-agent/gateway/internal/session"
	"github.com/unified-agent/gateway/pkg/protocol"
)

// Version is the snapshot format version.
const Version = 1

type snapshotFile struct {
	Version      int                `json:"version"`
	SavedAtEpoch int64              `json:"savedAtEpoch"`
	Sessions     []session.Snapshot `json:"sessions"`
}

// Store reads and writes the gateway-state snapshot.
type Store struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
}

// New creates a store over the given path.
func New(path string, logger *slog.Logger) *Store {
	return &Store{path: path, logger: logger.With("component", "statestore")}
}

// Save atomically writes the session snapshots.
func (s *Store) Save(sessions []session.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := json.Marshal(snapshotFile{
		Version:      Version,
		SavedAtEpoch: time.Now().Unix(),
		Sessions:     sessions,
	})
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file yields no sessions; a corrupt file
// is renamed to <path>.corrupt.<epoch> and also yields no sessions. Sessions
// with an unrecognized provider are skipped.
func (s *Store) Load() ([]session.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		quarantine := fmt.Sprintf("%s.corrupt.%d", s.path, time.Now().Unix())
		if renameErr := os.Rename(s.path, quarantine); renameErr != nil {
			s.logger.Warn("quarantining corrupt state failed", "error", renameErr)
		} else {
			s.logger.Warn("quarantined corrupt state snapshot", "path", quarantine)
		}
		return nil, nil
	}

	kept := make([]session.Snapshot, 0, len(file.Sessions))
	for _, snap := range file.Sessions {
		if !protocol.ValidProvider(snap.Provider) {
			s.logger.Warn("skipping session with unrecognized provider",
				"session_id", snap.SessionID, "provider", snap.Provider)
			continue
		}
		snap.Connected = false
		kept = append(kept, snap)
	}
	return kept, nil
}

// Path returns the snapshot path.
func (s *Store) Path() string { return s.path }
