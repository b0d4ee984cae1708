package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			DataDir:    "~/.ksi",
			SocketName: "daemon.sock",
			LogLevel:   "info",
			LogFormat:  "text",
		},
		Transport: TransportConfig{
			MaxFrameBytes:    4 * 1024 * 1024,
			WriteQueueDepth:  256,
			SlowReaderPolicy: "drop",
			DrainTimeoutMS:   2000,
		},
		Router: RouterConfig{
			TransformerDepthCap: 16,
		},
		Bus: BusConfig{
			OfflineQueueSize: 1000,
			HistorySize:      1000,
			DrainTimeoutMS:   5000,
		},
		Completion: CompletionConfig{
			DefaultProvider:   "claude",
			ProgressTimeoutS:  300,
			AttemptTimeoutsS:  []int{300, 900, 1800},
			GraceS:            5,
			MaxInflight:       20,
			OutputBufferBytes: 8 * 1024 * 1024,
		},
		Permissions: PermissionsConfig{
			WatchDir: true,
		},
		Sandbox: SandboxConfig{
			OrphanThresholdH: 24,
		},
		State: StateConfig{
			Mode: "sqlite",
		},
		Maintenance: MaintenanceConfig{
			OrphanGCSchedule:  "0 * * * *",
			BusStatsSchedule:  "*/5 * * * *",
			IndexSyncSchedule: "*/10 * * * *",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays KSI_* env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envStr("KSI_DATA_DIR", &c.Daemon.DataDir)
	envStr("KSI_LOG_LEVEL", &c.Daemon.LogLevel)
	envStr("KSI_LOG_FORMAT", &c.Daemon.LogFormat)

	// KSI_SOCKET_PATH overrides the full path; split into dir convention.
	if v := os.Getenv("KSI_SOCKET_PATH"); v != "" {
		c.Daemon.SocketName = filepath.Base(v)
		if dir := filepath.Dir(v); filepath.Base(dir) == "sockets" {
			c.Daemon.DataDir = filepath.Dir(dir)
		}
	}

	envInt("KSI_MAX_FRAME_BYTES", &c.Transport.MaxFrameBytes)
	envStr("KSI_SLOW_READER_POLICY", &c.Transport.SlowReaderPolicy)

	envInt("KSI_COMPLETION_TIMEOUT", &c.Completion.ProgressTimeoutS)
	envStr("KSI_COMPLETION_PROVIDER", &c.Completion.DefaultProvider)
	envStr("KSI_COMPLETION_MODEL", &c.Completion.DefaultModel)
	envInt("KSI_MAX_INFLIGHT", &c.Completion.MaxInflight)

	// State backend. DSN comes from env only (secret, never in config file).
	envStr("KSI_STATE_MODE", &c.State.Mode)
	envStr("KSI_POSTGRES_DSN", &c.State.PostgresDSN)

	envStr("KSI_MONITOR_ADDR", &c.Monitor.Addr)
	if c.Monitor.Addr != "" {
		c.Monitor.Enabled = true
	}

	envStr("KSI_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("KSI_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("KSI_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("KSI_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("KSI_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
}

func (c *Config) validate() error {
	switch c.Transport.SlowReaderPolicy {
	case "drop", "disconnect":
	default:
		return fmt.Errorf("transport.slow_reader_policy: %q is not \"drop\" or \"disconnect\"", c.Transport.SlowReaderPolicy)
	}
	switch c.State.Mode {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("state.mode: %q is not \"sqlite\" or \"postgres\"", c.State.Mode)
	}
	if c.State.Mode == "postgres" && c.State.PostgresDSN == "" {
		return fmt.Errorf("state.mode is postgres but KSI_POSTGRES_DSN is not set")
	}
	if len(c.Completion.AttemptTimeoutsS) == 0 {
		return fmt.Errorf("completion.attempt_timeouts_s must have at least one attempt")
	}
	return nil
}

// ResolvePath returns the config file path: explicit flag, then KSI_CONFIG,
// then ~/.ksi/config.json.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv("KSI_CONFIG"); v != "" {
		return v
	}
	return ExpandHome("~/.ksi/config.json")
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
