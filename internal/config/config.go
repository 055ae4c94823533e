// Package config provides configuration types, defaults, and persistence
// for workhost's supervisor, worker manager, and event bus tuning knobs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// SupervisorConfig holds the restart and shutdown policy the supervisor
// enforces over its single backend child.
type SupervisorConfig struct {
	StartupTimeout          time.Duration `mapstructure:"startup_timeout" yaml:"startup_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout" yaml:"graceful_shutdown_timeout"`
	MaxRestartAttempts      int           `mapstructure:"max_restart_attempts" yaml:"max_restart_attempts"`
	RestartWindow           time.Duration `mapstructure:"restart_window" yaml:"restart_window"`
	RestartDelay            time.Duration `mapstructure:"restart_delay" yaml:"restart_delay"`
}

// WorkerManagerConfig tunes the backend's worker manager.
type WorkerManagerConfig struct {
	// IOInboxCapacity bounds how many pending disconnect/config-event
	// notifications the manager's io loop may have queued at once.
	IOInboxCapacity int `mapstructure:"io_inbox_capacity" yaml:"io_inbox_capacity"`
}

// EventBusConfig tunes the backend's event bus and log cache.
type EventBusConfig struct {
	GlobalChannelCapacity int `mapstructure:"global_channel_capacity" yaml:"global_channel_capacity"`
	ConfigChannelCapacity int `mapstructure:"config_channel_capacity" yaml:"config_channel_capacity"`
	LogCacheCapacity      int `mapstructure:"log_cache_capacity" yaml:"log_cache_capacity"`
}

// WebSocketConfig configures the browser-facing transport.
type WebSocketConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// Config holds all configuration options for workhost.
type Config struct {
	Supervisor    SupervisorConfig    `mapstructure:"supervisor" yaml:"supervisor"`
	WorkerManager WorkerManagerConfig `mapstructure:"worker_manager" yaml:"worker_manager"`
	EventBus      EventBusConfig      `mapstructure:"event_bus" yaml:"event_bus"`
	WebSocket     WebSocketConfig     `mapstructure:"websocket" yaml:"websocket"`
}

// Defaults returns the configuration used when no config file is found and
// no overriding flags/env vars are set.
func Defaults() Config {
	return Config{
		Supervisor: SupervisorConfig{
			StartupTimeout:          5 * time.Second,
			GracefulShutdownTimeout: 5 * time.Second,
			MaxRestartAttempts:      10,
			RestartWindow:           60 * time.Second,
			RestartDelay:            time.Second,
		},
		WorkerManager: WorkerManagerConfig{
			IOInboxCapacity: 64,
		},
		EventBus: EventBusConfig{
			GlobalChannelCapacity: 64,
			ConfigChannelCapacity: 1024,
			LogCacheCapacity:      1024,
		},
		WebSocket: WebSocketConfig{
			ListenAddr: "127.0.0.1:8787",
		},
	}
}

// WriteDefaultConfig writes the default configuration as YAML to path,
// creating parent directories as needed. It does not overwrite an existing
// file.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(Defaults())
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // G306: config file is not secret
		return fmt.Errorf("writing default config: %w", err)
	}
	return nil
}

// Validate checks that the supervisor's restart window, startup timeout and
// graceful shutdown timeout and the event bus capacities are positive, and
// that max_restart_attempts is not negative. The worker manager's
// io_inbox_capacity is not checked here.
func Validate(cfg Config) error {
	if cfg.Supervisor.MaxRestartAttempts < 0 {
		return fmt.Errorf("supervisor.max_restart_attempts must be >= 0")
	}
	if cfg.Supervisor.RestartWindow <= 0 {
		return fmt.Errorf("supervisor.restart_window must be positive")
	}
	if cfg.Supervisor.StartupTimeout <= 0 {
		return fmt.Errorf("supervisor.startup_timeout must be positive")
	}
	if cfg.Supervisor.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("supervisor.graceful_shutdown_timeout must be positive")
	}
	if cfg.EventBus.GlobalChannelCapacity <= 0 {
		return fmt.Errorf("event_bus.global_channel_capacity must be positive")
	}
	if cfg.EventBus.ConfigChannelCapacity <= 0 {
		return fmt.Errorf("event_bus.config_channel_capacity must be positive")
	}
	if cfg.EventBus.LogCacheCapacity <= 0 {
		return fmt.Errorf("event_bus.log_cache_capacity must be positive")
	}
	return nil
}

// ReloadableFields is the subset of Config the watcher is permitted to
// hot-swap into a running supervisor: the restart policy only. Listen
// address and channel capacities are read once at process start, since
// swapping them live would require tearing down live sockets/channels --
// logged explicitly by the watcher rather than silently ignored.
type ReloadableFields struct {
	Supervisor SupervisorConfig
}

// Reloadable extracts the hot-reloadable subset of cfg.
func Reloadable(cfg Config) ReloadableFields {
	return ReloadableFields{Supervisor: cfg.Supervisor}
}
