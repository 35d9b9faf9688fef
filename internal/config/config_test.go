package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
server:
  addr: 127.0.0.1:8080

credentials:
  backend: mysql
  dir: /var/lib/courier
  mysql:
    host: 10.0.0.5
    port: 3307
    user: courier
    password: hunter2
    database: courier_prod

transport:
  gateway_url: wss://bridge.internal/ws
  token: secret
  request_timeout_sec: 30

session:
  pairing_timeout_sec: 150
  reconnect_backoff_sec: 7
  max_reconnect_attempts: 5

dispatch:
  poll_interval_sec: 2
  max_disconnect_wait_sec: 60
  retention_sec: 600
  sweep_schedule: "*/5 * * * *"
  serialize_per_session: false

log:
  level: debug
  format: json

notify:
  slack:
    token: xoxb-1
    channel: C123
  discord:
    token: bot-1
    channel: "42"
`

const minimalYAML = `
transport:
  gateway_url: ws://localhost:9000/ws
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Addr != "127.0.0.1:8080" {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, "127.0.0.1:8080")
	}
	if cfg.Credentials.Backend != BackendMySQL {
		t.Errorf("Credentials.Backend = %q, want mysql", cfg.Credentials.Backend)
	}
	if cfg.Credentials.MySQL.Port != 3307 {
		t.Errorf("MySQL.Port = %d, want 3307", cfg.Credentials.MySQL.Port)
	}
	if cfg.Credentials.MySQL.User != "courier" {
		t.Errorf("MySQL.User = %q, want courier", cfg.Credentials.MySQL.User)
	}
	if cfg.Transport.RequestTimeout() != 30*time.Second {
		t.Errorf("RequestTimeout = %v, want 30s", cfg.Transport.RequestTimeout())
	}
	if cfg.Session.PairingTimeout() != 150*time.Second {
		t.Errorf("PairingTimeout = %v, want 150s", cfg.Session.PairingTimeout())
	}
	if cfg.Session.ReconnectBackoff() != 7*time.Second {
		t.Errorf("ReconnectBackoff = %v, want 7s", cfg.Session.ReconnectBackoff())
	}
	if cfg.Session.MaxReconnectAttempts != 5 {
		t.Errorf("MaxReconnectAttempts = %d, want 5", cfg.Session.MaxReconnectAttempts)
	}
	if cfg.Dispatch.PollInterval() != 2*time.Second {
		t.Errorf("PollInterval = %v, want 2s", cfg.Dispatch.PollInterval())
	}
	if cfg.Dispatch.Serialize() {
		t.Error("Serialize() = true, want false")
	}
	if cfg.Dispatch.SweepSchedule != "*/5 * * * *" {
		t.Errorf("SweepSchedule = %q", cfg.Dispatch.SweepSchedule)
	}
	if cfg.Log.Format != "json" || cfg.Log.Level != "debug" {
		t.Errorf("Log = %+v, want debug/json", cfg.Log)
	}
	if !cfg.Notify.Slack.Enabled() || !cfg.Notify.Discord.Enabled() {
		t.Error("notify channels should be enabled")
	}
}

func TestParse_MinimalConfig_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Addr != ":21129" {
		t.Errorf("Server.Addr = %q, want :21129 (default)", cfg.Server.Addr)
	}
	if cfg.Credentials.Backend != BackendFile {
		t.Errorf("Credentials.Backend = %q, want file (default)", cfg.Credentials.Backend)
	}
	if cfg.Credentials.Dir != "temp" {
		t.Errorf("Credentials.Dir = %q, want temp (default)", cfg.Credentials.Dir)
	}
	if cfg.Credentials.SQLitePath != "courier.db" {
		t.Errorf("SQLitePath = %q, want courier.db (default)", cfg.Credentials.SQLitePath)
	}
	if cfg.Credentials.MySQL.Host != "127.0.0.1" || cfg.Credentials.MySQL.Port != 3306 {
		t.Errorf("MySQL = %+v, want 127.0.0.1:3306 (default)", cfg.Credentials.MySQL)
	}
	if cfg.Transport.RequestTimeoutSec != 60 {
		t.Errorf("RequestTimeoutSec = %d, want 60 (default)", cfg.Transport.RequestTimeoutSec)
	}
	if cfg.Session.PairingTimeoutSec != 120 {
		t.Errorf("PairingTimeoutSec = %d, want 120 (default)", cfg.Session.PairingTimeoutSec)
	}
	if cfg.Session.ReconnectBackoffSec != 5 {
		t.Errorf("ReconnectBackoffSec = %d, want 5 (default)", cfg.Session.ReconnectBackoffSec)
	}
	if cfg.Session.MaxReconnectAttempts != 3 {
		t.Errorf("MaxReconnectAttempts = %d, want 3 (default)", cfg.Session.MaxReconnectAttempts)
	}
	if cfg.Dispatch.PollIntervalSec != 5 {
		t.Errorf("PollIntervalSec = %d, want 5 (default)", cfg.Dispatch.PollIntervalSec)
	}
	if cfg.Dispatch.MaxDisconnectWaitSec != 300 {
		t.Errorf("MaxDisconnectWaitSec = %d, want 300 (default)", cfg.Dispatch.MaxDisconnectWaitSec)
	}
	if cfg.Dispatch.RetentionSec != 3600 {
		t.Errorf("RetentionSec = %d, want 3600 (default)", cfg.Dispatch.RetentionSec)
	}
	if cfg.Dispatch.SweepSchedule != "@every 1m" {
		t.Errorf("SweepSchedule = %q, want @every 1m (default)", cfg.Dispatch.SweepSchedule)
	}
	if !cfg.Dispatch.Serialize() {
		t.Error("Serialize() = false, want true (default)")
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "console" {
		t.Errorf("Log = %+v, want info/console (default)", cfg.Log)
	}
	if cfg.Notify.Slack.Enabled() || cfg.Notify.Discord.Enabled() {
		t.Error("notify channels should be disabled by default")
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing gateway",
			yaml:    "server:\n  addr: :1\n",
			wantErr: "transport.gateway_url is required",
		},
		{
			name:    "bad gateway scheme",
			yaml:    "transport:\n  gateway_url: http://x\n",
			wantErr: "must use ws:// or wss://",
		},
		{
			name:    "unknown backend",
			yaml:    minimalYAML + "credentials:\n  backend: redis\n",
			wantErr: "credentials.backend",
		},
		{
			name:    "pairing timeout too short",
			yaml:    minimalYAML + "session:\n  pairing_timeout_sec: 30\n",
			wantErr: "pairing_timeout_sec must be between 120 and 180",
		},
		{
			name:    "backoff too long",
			yaml:    minimalYAML + "session:\n  reconnect_backoff_sec: 60\n",
			wantErr: "reconnect_backoff_sec must be between 5 and 10",
		},
		{
			name:    "bad sweep schedule",
			yaml:    minimalYAML + "dispatch:\n  sweep_schedule: every minute\n",
			wantErr: "dispatch.sweep_schedule",
		},
		{
			name:    "bad log format",
			yaml:    minimalYAML + "log:\n  format: xml\n",
			wantErr: "log.format",
		},
		{
			name:    "half-configured slack",
			yaml:    minimalYAML + "notify:\n  slack:\n    token: xoxb\n",
			wantErr: "notify.slack requires both token and channel",
		},
		{
			name:    "disconnect wait below poll",
			yaml:    minimalYAML + "dispatch:\n  poll_interval_sec: 30\n  max_disconnect_wait_sec: 10\n",
			wantErr: "max_disconnect_wait_sec",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestParse_MultipleErrorsJoined(t *testing.T) {
	_, err := Parse([]byte("log:\n  format: xml\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.HasPrefix(msg, "config: validation failed: ") {
		t.Errorf("error = %q, want config prefix", msg)
	}
	if !strings.Contains(msg, "; ") {
		t.Errorf("error = %q, want multiple errors joined with '; '", msg)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("transport: [unclosed"))
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("error = %q, want config: parse prefix", err.Error())
	}
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "courier.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport.GatewayURL != "ws://localhost:9000/ws" {
		t.Errorf("GatewayURL = %q", cfg.Transport.GatewayURL)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q, want config: read prefix", err.Error())
	}
}
