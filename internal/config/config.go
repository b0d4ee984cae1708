package config

import (
	"path/filepath"
	"time"
)

// Config is the root configuration for the KSI daemon.
type Config struct {
	Daemon      DaemonConfig      `json:"daemon"`
	Transport   TransportConfig   `json:"transport"`
	Router      RouterConfig      `json:"router"`
	Bus         BusConfig         `json:"bus"`
	Completion  CompletionConfig  `json:"completion"`
	Permissions PermissionsConfig `json:"permissions"`
	Sandbox     SandboxConfig     `json:"sandbox"`
	State       StateConfig       `json:"state,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
	Monitor     MonitorConfig     `json:"monitor,omitempty"`
	Telemetry   TelemetryConfig   `json:"telemetry,omitempty"`
}

// DaemonConfig holds process-wide settings.
type DaemonConfig struct {
	DataDir    string `json:"data_dir"`             // root for sockets/, sandbox/, conversations/, responses/, logs/
	SocketName string `json:"socket_name"`          // socket file name under <data_dir>/sockets/
	LogLevel   string `json:"log_level,omitempty"`  // "debug", "info", "warn", "error"
	LogFormat  string `json:"log_format,omitempty"` // "text" (default) or "json"
}

// TransportConfig bounds the line-JSON Unix socket layer.
type TransportConfig struct {
	MaxFrameBytes    int    `json:"max_frame_bytes"`    // oversize frames close the connection
	WriteQueueDepth  int    `json:"write_queue_depth"`  // per-connection high-water mark
	SlowReaderPolicy string `json:"slow_reader_policy"` // "drop" or "disconnect"
	DrainTimeoutMS   int    `json:"drain_timeout_ms"`   // shutdown drain window per connection
}

// RouterConfig bounds event dispatch.
type RouterConfig struct {
	TransformerDepthCap int `json:"transformer_depth_cap"` // derived-event chain limit
}

// BusConfig bounds pub/sub fan-out and offline queueing.
type BusConfig struct {
	OfflineQueueSize int `json:"offline_queue_size"` // per-agent, drop-oldest beyond
	HistorySize      int `json:"history_size"`       // debug ring buffer
	RateLimitPerSec  int `json:"rate_limit_per_sec"` // per-subscription delivery cap, 0 = unlimited
	DrainTimeoutMS   int `json:"drain_timeout_ms"`   // shutdown drain window
}

// CompletionConfig controls LLM subprocess supervision.
type CompletionConfig struct {
	DefaultProvider   string `json:"default_provider"`   // "claude" or "gemini"
	DefaultModel      string `json:"default_model"`
	ProgressTimeoutS  int    `json:"progress_timeout_s"` // stall detection, resets on output
	AttemptTimeoutsS  []int  `json:"attempt_timeouts_s"` // overall timeout per retry attempt
	GraceS            int    `json:"grace_s"`            // terminate→kill grace window
	MaxInflight       int    `json:"max_inflight"`       // global subprocess cap
	OutputBufferBytes int    `json:"output_buffer_bytes"`
}

// PermissionsConfig locates profile definitions.
type PermissionsConfig struct {
	ProfileDir string `json:"profile_dir,omitempty"` // default <data_dir>/permissions/profiles
	WatchDir   bool   `json:"watch_dir"`             // hot-reload on profile edits
}

// SandboxConfig controls per-agent filesystem isolation.
type SandboxConfig struct {
	Root             string `json:"root,omitempty"`     // default <data_dir>/sandbox
	OrphanThresholdH int    `json:"orphan_threshold_h"` // untracked sandboxes older than this are GC'd
}

// StateConfig selects the entity store backend.
// PostgresDSN is NEVER read from the config file (secret) — env KSI_POSTGRES_DSN only.
type StateConfig struct {
	Mode        string `json:"mode,omitempty"` // "sqlite" (default) or "postgres"
	PostgresDSN string `json:"-"`
}

// MaintenanceConfig holds cron expressions for background jobs.
type MaintenanceConfig struct {
	OrphanGCSchedule  string `json:"orphan_gc_schedule,omitempty"`  // default hourly
	BusStatsSchedule  string `json:"bus_stats_schedule,omitempty"`  // default every 5 minutes
	IndexSyncSchedule string `json:"index_sync_schedule,omitempty"` // conversation index flush
}

// MonitorConfig exposes the optional read-only HTTP/WebSocket observer endpoint.
type MonitorConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"` // e.g. "127.0.0.1:18791"
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`     // OTLP endpoint host:port
	Protocol    string `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	ServiceName string `json:"service_name,omitempty"` // default "ksi"
	Insecure    bool   `json:"insecure,omitempty"`
}

// SocketPath returns the absolute Unix socket path.
func (c *Config) SocketPath() string {
	return filepath.Join(ExpandHome(c.Daemon.DataDir), "sockets", c.Daemon.SocketName)
}

// DataDir returns the expanded data directory root.
func (c *Config) DataDir() string {
	return ExpandHome(c.Daemon.DataDir)
}

// ProfileDir returns the permission profile directory.
func (c *Config) ProfileDir() string {
	if c.Permissions.ProfileDir != "" {
		return ExpandHome(c.Permissions.ProfileDir)
	}
	return filepath.Join(c.DataDir(), "permissions", "profiles")
}

// SandboxRoot returns the sandbox root directory.
func (c *Config) SandboxRoot() string {
	if c.Sandbox.Root != "" {
		return ExpandHome(c.Sandbox.Root)
	}
	return filepath.Join(c.DataDir(), "sandbox")
}

// TransportDrain returns the per-connection shutdown drain window.
func (c *Config) TransportDrain() time.Duration {
	return time.Duration(c.Transport.DrainTimeoutMS) * time.Millisecond
}

// BusDrain returns the bus shutdown drain window.
func (c *Config) BusDrain() time.Duration {
	return time.Duration(c.Bus.DrainTimeoutMS) * time.Millisecond
}

// AttemptTimeouts returns the supervisor retry schedule as durations.
func (c *Config) AttemptTimeouts() []time.Duration {
	out := make([]time.Duration, 0, len(c.Completion.AttemptTimeoutsS))
	for _, s := range c.Completion.AttemptTimeoutsS {
		out = append(out, time.Duration(s)*time.Second)
	}
	return out
}
