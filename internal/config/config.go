// Package config provides YAML-based configuration loading for Courier.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Courier configuration, loaded from courier.yaml.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Transport   TransportConfig   `yaml:"transport"`
	Session     SessionConfig     `yaml:"session"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Log         LogConfig         `yaml:"log"`
	Notify      NotifyConfig      `yaml:"notify"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Credential storage backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMySQL  = "mysql"
)

// CredentialsConfig selects where per-session credential blobs live.
type CredentialsConfig struct {
	Backend    string      `yaml:"backend"`
	Dir        string      `yaml:"dir"`
	SQLitePath string      `yaml:"sqlite_path"`
	MySQL      MySQLConfig `yaml:"mysql"`
}

// MySQLConfig holds connection settings for the MySQL credential backend.
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// TransportConfig points at the linked-device gateway.
type TransportConfig struct {
	GatewayURL        string `yaml:"gateway_url"`
	Token             string `yaml:"token"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec"`
}

// SessionConfig bounds pairing and reconnection.
type SessionConfig struct {
	PairingTimeoutSec    int `yaml:"pairing_timeout_sec"`
	ReconnectBackoffSec  int `yaml:"reconnect_backoff_sec"`
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// DispatchConfig tunes the dispatch engine.
type DispatchConfig struct {
	PollIntervalSec      int    `yaml:"poll_interval_sec"`
	MaxDisconnectWaitSec int    `yaml:"max_disconnect_wait_sec"`
	RetentionSec         int    `yaml:"retention_sec"`
	SweepSchedule        string `yaml:"sweep_schedule"`
	SerializePerSession  *bool  `yaml:"serialize_per_session"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NotifyConfig holds optional operator notification channels.
type NotifyConfig struct {
	Slack   ChannelConfig `yaml:"slack"`
	Discord ChannelConfig `yaml:"discord"`
}

// ChannelConfig is a bot token plus the channel to post into.
type ChannelConfig struct {
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// Enabled reports whether both token and channel are set.
func (c ChannelConfig) Enabled() bool {
	return c.Token != "" && c.Channel != ""
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":21129"
	}

	if c.Credentials.Backend == "" {
		c.Credentials.Backend = BackendFile
	}
	if c.Credentials.Dir == "" {
		c.Credentials.Dir = "temp"
	}
	if c.Credentials.SQLitePath == "" {
		c.Credentials.SQLitePath = "courier.db"
	}
	if c.Credentials.MySQL.Host == "" {
		c.Credentials.MySQL.Host = "127.0.0.1"
	}
	if c.Credentials.MySQL.Port == 0 {
		c.Credentials.MySQL.Port = 3306
	}
	if c.Credentials.MySQL.User == "" {
		c.Credentials.MySQL.User = "root"
	}
	if c.Credentials.MySQL.Database == "" {
		c.Credentials.MySQL.Database = "courier"
	}

	if c.Transport.RequestTimeoutSec == 0 {
		c.Transport.RequestTimeoutSec = 60
	}

	if c.Session.PairingTimeoutSec == 0 {
		c.Session.PairingTimeoutSec = 120
	}
	if c.Session.ReconnectBackoffSec == 0 {
		c.Session.ReconnectBackoffSec = 5
	}
	if c.Session.MaxReconnectAttempts == 0 {
		c.Session.MaxReconnectAttempts = 3
	}

	if c.Dispatch.PollIntervalSec == 0 {
		c.Dispatch.PollIntervalSec = 5
	}
	if c.Dispatch.MaxDisconnectWaitSec == 0 {
		c.Dispatch.MaxDisconnectWaitSec = 300
	}
	if c.Dispatch.RetentionSec == 0 {
		c.Dispatch.RetentionSec = 3600
	}
	if c.Dispatch.SweepSchedule == "" {
		c.Dispatch.SweepSchedule = "@every 1m"
	}
	if c.Dispatch.SerializePerSession == nil {
		v := true
		c.Dispatch.SerializePerSession = &v
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string

	switch c.Credentials.Backend {
	case BackendFile, BackendSQLite, BackendMySQL:
	default:
		errs = append(errs, fmt.Sprintf("credentials.backend %q must be one of file, sqlite, mysql", c.Credentials.Backend))
	}
	if c.Transport.GatewayURL == "" {
		errs = append(errs, "transport.gateway_url is required")
	} else if !strings.HasPrefix(c.Transport.GatewayURL, "ws://") && !strings.HasPrefix(c.Transport.GatewayURL, "wss://") {
		errs = append(errs, "transport.gateway_url must use ws:// or wss://")
	}
	if c.Transport.RequestTimeoutSec < 0 {
		errs = append(errs, "transport.request_timeout_sec must be positive")
	}

	if c.Session.PairingTimeoutSec < 120 || c.Session.PairingTimeoutSec > 180 {
		errs = append(errs, "session.pairing_timeout_sec must be between 120 and 180")
	}
	if c.Session.ReconnectBackoffSec < 5 || c.Session.ReconnectBackoffSec > 10 {
		errs = append(errs, "session.reconnect_backoff_sec must be between 5 and 10")
	}
	if c.Session.MaxReconnectAttempts < 0 {
		errs = append(errs, "session.max_reconnect_attempts must not be negative")
	}

	if c.Dispatch.PollIntervalSec < 0 {
		errs = append(errs, "dispatch.poll_interval_sec must be positive")
	}
	if c.Dispatch.MaxDisconnectWaitSec < c.Dispatch.PollIntervalSec {
		errs = append(errs, "dispatch.max_disconnect_wait_sec must be at least dispatch.poll_interval_sec")
	}
	if c.Dispatch.RetentionSec < 0 {
		errs = append(errs, "dispatch.retention_sec must be positive")
	}
	if _, err := cron.ParseStandard(c.Dispatch.SweepSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("dispatch.sweep_schedule: %v", err))
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be console or json", c.Log.Format))
	}

	if (c.Notify.Slack.Token == "") != (c.Notify.Slack.Channel == "") {
		errs = append(errs, "notify.slack requires both token and channel")
	}
	if (c.Notify.Discord.Token == "") != (c.Notify.Discord.Channel == "") {
		errs = append(errs, "notify.discord requires both token and channel")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// PairingTimeout returns the pairing deadline as a duration.
func (c SessionConfig) PairingTimeout() time.Duration {
	return time.Duration(c.PairingTimeoutSec) * time.Second
}

// ReconnectBackoff returns the reconnect delay as a duration.
func (c SessionConfig) ReconnectBackoff() time.Duration {
	return time.Duration(c.ReconnectBackoffSec) * time.Second
}

// PollInterval returns the reconnection poll interval.
func (c DispatchConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// MaxDisconnectWait returns how long a task may stay suspended.
func (c DispatchConfig) MaxDisconnectWait() time.Duration {
	return time.Duration(c.MaxDisconnectWaitSec) * time.Second
}

// Retention returns how long finished tasks are kept.
func (c DispatchConfig) Retention() time.Duration {
	return time.Duration(c.RetentionSec) * time.Second
}

// Serialize reports whether tasks on one session run one at a time.
func (c DispatchConfig) Serialize() bool {
	return c.SerializePerSession == nil || *c.SerializePerSession
}

// RequestTimeout returns the gateway request timeout.
func (c TransportConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}
