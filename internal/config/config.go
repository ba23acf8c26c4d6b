// Package config handles gateway configuration loading and validation.
// All knobs are environment-driven with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config is the top-level gateway configuration.
type Config struct {
	Host string
	Port int

	// DataDir holds sessions.db, sessions/*.jsonl, gateway-state.json and
	// env-profiles.json.
	DataDir string

	// StoreDSN selects the indexed event store. Empty uses sqlite under
	// DataDir; a postgres:// DSN selects the Postgres store.
	StoreDSN string

	// Policy.
	PayloadCapBytes   int64
	RequestsPerMinute int
	AllowInsecureWS   bool
	BrainURLAllowList []*regexp.Regexp
	CanUseToolDefault string // "allow" or "deny"

	// PermissionTimeout bounds how long a deferred can_use_tool waits for
	// an observer decision before the default applies.
	PermissionTimeout time.Duration

	// Liveness.
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration
	RelaunchGrace     time.Duration

	// Metrics push.
	OTLPEndpoint string
	OTLPInterval time.Duration

	// Native relay.
	RelayTurnTimeout time.Duration
	RelayKillGrace   time.Duration

	// Backend CLI commands.
	ClaudeCommand string
	CodexCommand  string
	GeminiCommand string

	LogLevel string
}

// Default returns the built-in configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Host:              "127.0.0.1",
		Port:              8787,
		DataDir:           filepath.Join(home, ".unified-agent"),
		PayloadCapBytes:   512 * 1024,
		RequestsPerMinute: 240,
		CanUseToolDefault: "allow",
		PermissionTimeout: 30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		StaleThreshold:    45 * time.Second,
		RelaunchGrace:     20 * time.Second,
		OTLPInterval:      15 * time.Second,
		RelayTurnTimeout:  45 * time.Second,
		RelayKillGrace:    5 * time.Second,
		ClaudeCommand:     "claude",
		CodexCommand:      "codex",
		GeminiCommand:     "gemini",
		LogLevel:          "info",
	}
}

// FromEnv builds a Config from UNIFIED_AGENT_* environment variables layered
// over the defaults.
func FromEnv() (Config, error) {
	cfg := Default()

	if v := os.Getenv("UNIFIED_AGENT_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("UNIFIED_AGENT_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 || p > 65535 {
			return cfg, fmt.Errorf("invalid UNIFIED_AGENT_PORT %q", v)
		}
		cfg.Port = p
	}
	if v := os.Getenv("UNIFIED_AGENT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("UNIFIED_AGENT_STORE_DSN"); v != "" {
		cfg.StoreDSN = v
	}
	if v := os.Getenv("UNIFIED_AGENT_PAYLOAD_CAP_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("invalid UNIFIED_AGENT_PAYLOAD_CAP_BYTES %q", v)
		}
		cfg.PayloadCapBytes = n
	}
	if v := os.Getenv("UNIFIED_AGENT_REQUESTS_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("invalid UNIFIED_AGENT_REQUESTS_PER_MINUTE %q", v)
		}
		cfg.RequestsPerMinute = n
	}
	if v := os.Getenv("UNIFIED_AGENT_ALLOW_INSECURE_WS"); v != "" {
		cfg.AllowInsecureWS = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("UNIFIED_AGENT_BRAIN_URL_ALLOW_LIST"); v != "" {
		for _, pat := range strings.Split(v, ",") {
			pat = strings.TrimSpace(pat)
			if pat == "" {
				continue
			}
			re, err := regexp.Compile(pat)
			if err != nil {
				return cfg, fmt.Errorf("invalid allow-list pattern %q: %w", pat, err)
			}
			cfg.BrainURLAllowList = append(cfg.BrainURLAllowList, re)
		}
	}
	if v := os.Getenv("UNIFIED_AGENT_CAN_USE_TOOL_DEFAULT"); v != "" {
		if v != "allow" && v != "deny" {
			return cfg, fmt.Errorf("UNIFIED_AGENT_CAN_USE_TOOL_DEFAULT must be allow or deny, got %q", v)
		}
		cfg.CanUseToolDefault = v
	}

	durs := []struct {
		env string
		dst *time.Duration
	}{
		{"UNIFIED_AGENT_PERMISSION_TIMEOUT", &cfg.PermissionTimeout},
		{"UNIFIED_AGENT_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"UNIFIED_AGENT_STALE_THRESHOLD", &cfg.StaleThreshold},
		{"UNIFIED_AGENT_RELAUNCH_GRACE", &cfg.RelaunchGrace},
		{"UNIFIED_AGENT_OTLP_INTERVAL", &cfg.OTLPInterval},
		{"UNIFIED_AGENT_RELAY_TURN_TIMEOUT", &cfg.RelayTurnTimeout},
	}
	for _, d := range durs {
		if v := os.Getenv(d.env); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil || parsed <= 0 {
				return cfg, fmt.Errorf("invalid %s %q", d.env, v)
			}
			*d.dst = parsed
		}
	}

	if v := os.Getenv("UNIFIED_AGENT_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("UNIFIED_AGENT_CLAUDE_COMMAND"); v != "" {
		cfg.ClaudeCommand = v
	}
	if v := os.Getenv("UNIFIED_AGENT_CODEX_COMMAND"); v != "" {
		cfg.CodexCommand = v
	}
	if v := os.Getenv("UNIFIED_AGENT_GEMINI_COMMAND"); v != "" {
		cfg.GeminiCommand = v
	}
	if v := os.Getenv("UNIFIED_AGENT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// Addr returns the host:port pair the gateway listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SessionsDir returns the directory holding canonical per-session JSONL logs.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// StatePath returns the state-store snapshot path.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "gateway-state.json")
}

// ProfilesPath returns the env-profiles file path.
func (c *Config) ProfilesPath() string {
	return filepath.Join(c.DataDir, "env-profiles.json")
}

// DBPath returns the sqlite event store path.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "sessions.db")
}
