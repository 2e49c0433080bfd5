// Package config is responsible for initializing the application's configuration.
// It uses the Viper library to read settings from a config file, environment
// variables, and command-line flags, providing a unified configuration system.
package config

import (
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/storefleet/storefleet/internal/logging"
)

// InitConfig initializes the application's configuration using Viper.
// It sets up default values, defines configuration search paths, and enables
// reading from environment variables. This function is designed to be called
// once at application startup.
func InitConfig() {
	viper.SetConfigName("config")
	viper.AddConfigPath(".")                 // Current working directory
	viper.AddConfigPath("/etc/storefleet/")  // System-wide configuration
	viper.AddConfigPath("$HOME/.storefleet") // User-specific configuration

	// Fleet control plane.
	viper.SetDefault("fleet.max_workers", 8)
	viper.SetDefault("fleet.poll_interval", "10s")
	viper.SetDefault("fleet.cooldown", "60s")
	viper.SetDefault("fleet.stop_grace", "10s")
	viper.SetDefault("fleet.stall_after", "3m")
	viper.SetDefault("fleet.crash_limit", 3)
	viper.SetDefault("fleet.crash_window", "10m")
	viper.SetDefault("fleet.min_mem_headroom", 0.25)
	viper.SetDefault("fleet.min_cpu_headroom", 0.30)
	viper.SetDefault("fleet.run_dir", "data/run")
	viper.SetDefault("fleet.status_path", "data/run/status.json")
	viper.SetDefault("fleet.tasks_path", "tasks.json")
	viper.SetDefault("fleet.decision_timeout", "5s")

	// Browser sessions.
	viper.SetDefault("session.headless", true)
	viper.SetDefault("session.op_timeout", "30s")
	viper.SetDefault("session.nav_timeout", "45s")
	viper.SetDefault("session.warmup_url", "https://www.google.com")
	viper.SetDefault("session.profile_dir", "data/profiles")

	// Pagination.
	viper.SetDefault("paginate.full_page_size", 24)
	viper.SetDefault("paginate.page_timeout", "90s")
	viper.SetDefault("paginate.page_delay", "4s")
	viper.SetDefault("paginate.max_pages", 0)
	viper.SetDefault("paginate.block_markers", []string{
		"access denied",
		"verify you are human",
		"are you a robot",
		"attention required",
	})

	// Worker runtime.
	viper.SetDefault("worker.restart_every", 10)
	viper.SetDefault("worker.heartbeat_interval", "15s")

	// Record extraction rules, shared by every store unless a per-store
	// rules file overrides them.
	viper.SetDefault("extract.item", "")
	viper.SetDefault("extract.key", "")
	viper.SetDefault("extract.key_attr", "")
	viper.SetDefault("extract.fields", map[string]string{})

	// Surfaces and sinks.
	viper.SetDefault("api.listen_addr", ":8080")
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.api_key", "")
	viper.SetDefault("archive.backend", "local")
	viper.SetDefault("archive.local_dir", "data/archive")
	viper.SetDefault("archive.gcs_bucket", "")
	viper.SetDefault("archive.prefix", "fleet-output")
	viper.SetDefault("publisher.backend", "memory")
	viper.SetDefault("publisher.project", "")
	viper.SetDefault("publisher.topic", "storefleet-events")
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.table", "listings")

	viper.SetDefault("logging.development", false)

	// Environment variables, e.g. STOREFLEET_FLEET_MAX_WORKERS=16.
	viper.SetEnvPrefix("STOREFLEET")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			logging.L.Warn("Config file not found; using defaults and environment variables.")
		} else {
			logging.L.Error("Error reading config file", zap.Error(err))
		}
	} else {
		logging.L.Info("Using config file", zap.String("path", viper.ConfigFileUsed()))
	}
}
