// Package profiles manages named environment-variable profiles that can be
// applied to live sessions. Profiles persist in env-profiles.json under the
// data dir, written atomically.
package profiles

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Version is the profiles file format version.
const Version = 1

type profilesFile struct {
	Version  int                          `json:"version"`
	Profiles map[string]map[string]string `json:"profiles"`
}

// Manager loads, stores and applies environment profiles.
type Manager struct {
	path string

	mu       sync.Mutex
	profiles map[string]map[string]string
}

// NewManager loads the profiles file, tolerating its absence.
func NewManager(path string) (*Manager, error) {
	m := &Manager{path: path, profiles: make(map[string]map[string]string)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	var file profilesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	if file.Profiles != nil {
		m.profiles = file.Profiles
	}
	return m, nil
}

// List returns all profiles.
func (m *Manager) List() map[string]map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]map[string]string, len(m.profiles))
	for name, vars := range m.profiles {
		cp := make(map[string]string, len(vars))
		for k, v := range vars {
			cp[k] = v
		}
		out[name] = cp
	}
	return out
}

// Get returns one profile's variables.
func (m *Manager) Get(name string) (map[string]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vars, ok := m.profiles[name]
	if !ok {
		return nil, false
	}
	cp := make(map[string]string, len(vars))
	for k, v := range vars {
		cp[k] = v
	}
	return cp, true
}

// Put stores a profile and persists the file.
func (m *Manager) Put(name string, vars map[string]string) error {
	if name == "" {
		return fmt.Errorf("profile name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if vars == nil {
		vars = map[string]string{}
	}
	m.profiles[name] = vars
	return m.saveLocked()
}

// Delete removes a profile and persists the file. Reports whether it existed.
func (m *Manager) Delete(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.profiles[name]
	if !ok {
		return false, nil
	}
	delete(m.profiles, name)
	return true, m.saveLocked()
}

func (m *Manager) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create profiles dir: %w", err)
	}
	data, err := json.Marshal(profilesFile{Version: Version, Profiles: m.profiles})
	if err != nil {
		return fmt.Errorf("marshal profiles: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp profiles: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename profiles: %w", err)
	}
	return nil
}
