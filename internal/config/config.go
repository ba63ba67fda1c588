package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete phoebed configuration.
// Configuration is loaded once at startup and treated as immutable for the
// lifetime of the process.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Ports   PortsConfig   `mapstructure:"port_pool"`
	Session SessionConfig `mapstructure:"session"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Logging LoggingConfig `mapstructure:"logging"`
	Audit   AuditConfig   `mapstructure:"audit"`
}

// ServerConfig controls the HTTP API listener.
type ServerConfig struct {
	// Host is the address the HTTP API binds to.
	Host string `mapstructure:"host"`
	// Port is the TCP port the HTTP API binds to.
	Port int `mapstructure:"port"`
}

// PortsConfig defines the contiguous port range workers may bind.
type PortsConfig struct {
	// Start is the first port in the pool (inclusive).
	Start int `mapstructure:"start"`
	// End is the last port in the pool (inclusive).
	End int `mapstructure:"end"`
}

// SessionConfig controls session lifecycle timing and quotas.
type SessionConfig struct {
	// IdleTimeoutSeconds is how long a session may go without a successful
	// domain command before the sweeper reclaims it.
	IdleTimeoutSeconds int `mapstructure:"idle_timeout_seconds"`
	// ReadyTimeoutSeconds bounds the readiness handshake of a new worker.
	ReadyTimeoutSeconds int `mapstructure:"ready_timeout_seconds"`
	// SendTimeoutSeconds bounds writing a command to a worker.
	SendTimeoutSeconds int `mapstructure:"send_timeout_seconds"`
	// ReceiveTimeoutSeconds bounds waiting for a worker's reply.
	ReceiveTimeoutSeconds int `mapstructure:"receive_timeout_seconds"`
	// SweepIntervalSeconds is the period of the idle sweeper.
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
	// MaxSessionsPerOwner caps concurrent sessions per owner (0 = unlimited).
	MaxSessionsPerOwner int `mapstructure:"max_sessions_per_owner"`
	// StopGraceSeconds is how long to wait after a terminate signal before
	// force-killing a worker.
	StopGraceSeconds int `mapstructure:"stop_grace_seconds"`
}

// WorkerConfig controls how worker processes are launched.
type WorkerConfig struct {
	// Command is the worker executable. The assigned port is appended as
	// "--port N".
	Command string `mapstructure:"command"`
	// Args are additional arguments passed before the port flag.
	Args []string `mapstructure:"args"`
}

// LoggingConfig controls the daemon's structured log output.
type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level"`
	// File is the log file path; empty logs to stderr.
	File string `mapstructure:"file"`
}

// AuditConfig controls audit event emission.
type AuditConfig struct {
	// Path is the audit log file; empty disables audit emission.
	Path string `mapstructure:"path"`
	// ExcludeCommands is a comma-separated list of command names whose
	// proxied executions are not audited.
	ExcludeCommands string `mapstructure:"exclude_commands"`
}

// IdleTimeout returns the idle timeout as a duration.
func (c SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// ReadyTimeout returns the readiness timeout as a duration.
func (c SessionConfig) ReadyTimeout() time.Duration {
	return time.Duration(c.ReadyTimeoutSeconds) * time.Second
}

// SendTimeout returns the send timeout as a duration.
func (c SessionConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// ReceiveTimeout returns the receive timeout as a duration.
func (c SessionConfig) ReceiveTimeout() time.Duration {
	return time.Duration(c.ReceiveTimeoutSeconds) * time.Second
}

// SweepInterval returns the sweeper period as a duration.
func (c SessionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// StopGrace returns the termination grace period as a duration.
func (c SessionConfig) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSeconds) * time.Second
}

// ExcludedCommands returns the parsed set of command names excluded from
// audit emission.
func (c AuditConfig) ExcludedCommands() map[string]bool {
	excluded := make(map[string]bool)
	for _, name := range strings.Split(c.ExcludeCommands, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			excluded[name] = true
		}
	}
	return excluded
}

// SetDefaults registers the default configuration values with viper.
// Defaults are chosen so the daemon runs without a config file.
func SetDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8001)

	viper.SetDefault("port_pool.start", 6560)
	viper.SetDefault("port_pool.end", 6590)

	viper.SetDefault("session.idle_timeout_seconds", 1800)
	viper.SetDefault("session.ready_timeout_seconds", 30)
	viper.SetDefault("session.send_timeout_seconds", 5)
	viper.SetDefault("session.receive_timeout_seconds", 300)
	viper.SetDefault("session.sweep_interval_seconds", 60)
	viper.SetDefault("session.max_sessions_per_owner", 0)
	viper.SetDefault("session.stop_grace_seconds", 5)

	viper.SetDefault("worker.command", "phoebed-worker")
	viper.SetDefault("worker.args", []string{})

	viper.SetDefault("logging.level", "INFO")
	viper.SetDefault("logging.file", "")

	viper.SetDefault("audit.path", "")
	viper.SetDefault("audit.exclude_commands", "ping")
}

// Load unmarshals the current viper state into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigDir returns the directory where phoebed looks for its config file.
func ConfigDir() string {
	if dir := os.Getenv("PHOEBED_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "phoebed")
}
