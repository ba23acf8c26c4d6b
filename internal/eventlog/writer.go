package eventlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer appends canonical events as one JSON object per line to
// <dir>/<metaSessionID>.jsonl. Appends are serialized per session and
// timestamps are clamped so each file is non-decreasing. Files are never
// rewritten or truncated; retention is the operator's concern.
type Writer struct {
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionLog
}

type sessionLog struct {
	mu     sync.Mutex
	file   *os.File
	lastTS time.Time
}

// NewWriter creates the sessions directory and a writer over it.
func NewWriter(dir string, logger *slog.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Writer{
		dir:      dir,
		logger:   logger.With("component", "eventlog"),
		sessions: make(map[string]*sessionLog),
	}, nil
}

// Append writes one canonical event to the session's JSONL file.
func (w *Writer) Append(ev Event) error {
	if ev.MetaSessionID == "" {
		return fmt.Errorf("event has no meta_session_id")
	}
	ev.SchemaVersion = SchemaVersion
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	sl, err := w.sessionLogFor(ev.MetaSessionID)
	if err != nil {
		return err
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	// Keep per-file timestamps non-decreasing even if the wall clock steps.
	if ev.Timestamp.Before(sl.lastTS) {
		ev.Timestamp = sl.lastTS
	}
	sl.lastTS = ev.Timestamp

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := sl.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (w *Writer) sessionLogFor(metaSessionID string) (*sessionLog, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if sl, ok := w.sessions[metaSessionID]; ok {
		return sl, nil
	}
	path := filepath.Join(w.dir, metaSessionID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	sl := &sessionLog{file: f}
	w.sessions[metaSessionID] = sl
	return sl, nil
}

// Path returns the JSONL path for a session.
func (w *Writer) Path(metaSessionID string) string {
	return filepath.Join(w.dir, metaSessionID+".jsonl")
}

// Close closes every open session file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, sl := range w.sessions {
		sl.mu.Lock()
		if err := sl.file.Close(); err != nil {
			w.logger.Warn("closing session log", "meta_session_id", id, "error", err)
		}
		sl.mu.Unlock()
		delete(w.sessions, id)
	}
	return nil
}
