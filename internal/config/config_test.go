package config

import (
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Port != 8787 {
		t.Errorf("Port = %d, want 8787", cfg.Port)
	}
	if cfg.RequestsPerMinute != 240 {
		t.Errorf("RequestsPerMinute = %d, want 240", cfg.RequestsPerMinute)
	}
	if cfg.CanUseToolDefault != "allow" {
		t.Errorf("CanUseToolDefault = %q, want allow", cfg.CanUseToolDefault)
	}
	if cfg.StaleThreshold != 45*time.Second {
		t.Errorf("StaleThreshold = %v, want 45s", cfg.StaleThreshold)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("UNIFIED_AGENT_HOST", "0.0.0.0")
	t.Setenv("UNIFIED_AGENT_PORT", "9090")
	t.Setenv("UNIFIED_AGENT_CAN_USE_TOOL_DEFAULT", "deny")
	t.Setenv("UNIFIED_AGENT_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("UNIFIED_AGENT_PERMISSION_TIMEOUT", "90s")
	t.Setenv("UNIFIED_AGENT_BRAIN_URL_ALLOW_LIST", "brain.example.com, other.example.com")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error: %v", err)
	}
	if cfg.Addr() != "0.0.0.0:9090" {
		t.Errorf("Addr() = %q, want 0.0.0.0:9090", cfg.Addr())
	}
	if cfg.CanUseToolDefault != "deny" {
		t.Errorf("CanUseToolDefault = %q, want deny", cfg.CanUseToolDefault)
	}
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 5s", cfg.HeartbeatInterval)
	}
	if cfg.PermissionTimeout != 90*time.Second {
		t.Errorf("PermissionTimeout = %v, want 90s", cfg.PermissionTimeout)
	}
	if len(cfg.BrainURLAllowList) != 2 {
		t.Fatalf("BrainURLAllowList length = %d, want 2", len(cfg.BrainURLAllowList))
	}
	if !cfg.BrainURLAllowList[1].MatchString("other.example.com") {
		t.Errorf("allow-list pattern %q does not match its own host", cfg.BrainURLAllowList[1])
	}
}

func TestFromEnv_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"UNIFIED_AGENT_PORT":                 "notaport",
		"UNIFIED_AGENT_REQUESTS_PER_MINUTE":  "-1",
		"UNIFIED_AGENT_CAN_USE_TOOL_DEFAULT": "maybe",
		"UNIFIED_AGENT_HEARTBEAT_INTERVAL":   "soon",
		"UNIFIED_AGENT_BRAIN_URL_ALLOW_LIST": "[",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := FromEnv(); err == nil {
				t.Errorf("FromEnv() with %s=%q: want error", key, val)
			}
		})
	}
}

func TestPaths(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/tmp/ua-test"
	if got := cfg.StatePath(); got != "/tmp/ua-test/gateway-state.json" {
		t.Errorf("StatePath() = %q", got)
	}
	if got := cfg.DBPath(); got != "/tmp/ua-test/sessions.db" {
		t.Errorf("DBPath() = %q", got)
	}
	if got := cfg.ProfilesPath(); got != "/tmp/ua-test/env-profiles.json" {
		t.Errorf("ProfilesPath() = %q", got)
	}
	if got := cfg.SessionsDir(); got != "/tmp/ua-test/sessions" {
		t.Errorf("SessionsDir() = %q", got)
	}
}
