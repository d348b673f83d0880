package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Load reads the main strategy/config JSON file at path into a GlobalConfig.
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	applyDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	var g GlobalConfig
	if err := v.Unmarshal(&g); err != nil {
		return nil, fmt.Errorf("config: unmarshal %q: %w", path, err)
	}
	return &g, nil
}

// LoadStrategy reads the sampler strategy file (spec.md §6.2, watched
// separately from the main config by the reload actor).
func LoadStrategy(path string) (*StrategyConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read strategy %q: %w", path, err)
	}

	var s StrategyConfig
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("config: unmarshal strategy %q: %w", path, err)
	}
	return &s, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("server.bind_addr", "127.0.0.1")
	v.SetDefault("server.port", 8088)
	v.SetDefault("server.workers", 4)
	v.SetDefault("server.capture_threads", 4)

	v.SetDefault("logging.log_level", "info")
	v.SetDefault("logging.log_size_mb", 100)

	v.SetDefault("capture.default_interface", "any")
	v.SetDefault("capture.default_duration", 60)
	v.SetDefault("capture.default_category", "default")
	v.SetDefault("capture.file_pattern", "{category}/{iface}_{date}_{seq}.pcap")
	v.SetDefault("capture.max_file_size_mb", 100)

	v.SetDefault("storage.base_dir", "/var/lib/capture-agent/captures")
	v.SetDefault("storage.max_age_days", 7)
	v.SetDefault("storage.max_size_gb", 50)
	v.SetDefault("storage.temp_pdef_dir", "/var/lib/capture-agent/pdef-scratch")
	v.SetDefault("storage.temp_pdef_ttl_hours", 24)

	v.SetDefault("cleanup.compress_interval_sec", 60)
	v.SetDefault("cleanup.batch_compress_file_count", 8)
	v.SetDefault("cleanup.batch_compress_size_mb", 256)
	v.SetDefault("cleanup.archive_dir", "/var/lib/capture-agent/archives")
	v.SetDefault("cleanup.archive_keep_days", 14)
	v.SetDefault("cleanup.archive_max_total_size_mb", 0)
	v.SetDefault("cleanup.archive_remove_source", true)

	v.SetDefault("limits.max_concurrent_captures", 8)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "127.0.0.1:9108")
	v.SetDefault("metrics.path", "/metrics")
}
