package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	viperlib "github.com/spf13/viper"
)

// Load resolves workhost's config file following the usual lookup
// order -- an explicit path, then ./.workhost/config.yaml, then
// ~/.config/workhost/config.yaml -- applying defaults for anything the
// file omits. If no config file is found, a default one is written (to the
// explicit path when given, ./.workhost/config.yaml otherwise) so subsequent
// runs and the config watcher have something to watch.
func Load(explicitPath string) (Config, string, error) {
	v := viperlib.New()
	defaults := Defaults()
	setViperDefaults(v, defaults)

	path := explicitPath
	if path != "" {
		v.SetConfigFile(path)
	} else if _, err := os.Stat(".workhost/config.yaml"); err == nil {
		path = ".workhost/config.yaml"
		v.SetConfigFile(path)
	} else {
		home, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(home, ".config", "workhost"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	var cfg Config
	if err := v.ReadInConfig(); err != nil {
		// Search-path misses surface as ConfigFileNotFoundError; an explicit
		// path that doesn't exist yet surfaces as a plain fs.ErrNotExist.
		var notFound viperlib.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, "", err
		}
		if path == "" {
			path = ".workhost/config.yaml"
		}
		if writeErr := WriteDefaultConfig(path); writeErr == nil {
			v.SetConfigFile(path)
			_ = v.ReadInConfig()
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, "", err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, "", err
	}
	return cfg, v.ConfigFileUsed(), nil
}

func setViperDefaults(v *viperlib.Viper, d Config) {
	v.SetDefault("supervisor.startup_timeout", d.Supervisor.StartupTimeout)
	v.SetDefault("supervisor.graceful_shutdown_timeout", d.Supervisor.GracefulShutdownTimeout)
	v.SetDefault("supervisor.max_restart_attempts", d.Supervisor.MaxRestartAttempts)
	v.SetDefault("supervisor.restart_window", d.Supervisor.RestartWindow)
	v.SetDefault("supervisor.restart_delay", d.Supervisor.RestartDelay)
	v.SetDefault("worker_manager.io_inbox_capacity", d.WorkerManager.IOInboxCapacity)
	v.SetDefault("event_bus.global_channel_capacity", d.EventBus.GlobalChannelCapacity)
	v.SetDefault("event_bus.config_channel_capacity", d.EventBus.ConfigChannelCapacity)
	v.SetDefault("event_bus.log_cache_capacity", d.EventBus.LogCacheCapacity)
	v.SetDefault("websocket.listen_addr", d.WebSocket.ListenAddr)
}
