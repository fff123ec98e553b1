package config

// Package config provides a reusable loader for Aura configuration files and
// environment variables. It mirrors the recognized option blocks: storage,
// network, lan_discovery, rendezvous, sync, epoch, middleware and simulation.

import (
	"fmt"

	"github.com/spf13/viper"

	"aura-network/pkg/utils"
)

// Config represents the unified configuration for an Aura node. It mirrors
// the structure of the YAML files under cmd/config.
type Config struct {
	Storage struct {
		BasePath string `mapstructure:"base_path" json:"base_path"`
	} `mapstructure:"storage" json:"storage"`

	Network struct {
		BindAddress string `mapstructure:"bind_address" json:"bind_address"`
	} `mapstructure:"network" json:"network"`

	LanDiscovery struct {
		Port               int    `mapstructure:"port" json:"port"`
		AnnounceIntervalMs int    `mapstructure:"announce_interval_ms" json:"announce_interval_ms"`
		Enabled            bool   `mapstructure:"enabled" json:"enabled"`
		BindAddr           string `mapstructure:"bind_addr" json:"bind_addr"`
		BroadcastAddr      string `mapstructure:"broadcast_addr" json:"broadcast_addr"`
	} `mapstructure:"lan_discovery" json:"lan_discovery"`

	Rendezvous struct {
		Backend    string `mapstructure:"backend" json:"backend"`
		IntervalMs int    `mapstructure:"interval_ms" json:"interval_ms"`
	} `mapstructure:"rendezvous" json:"rendezvous"`

	Sync struct {
		BatchSize         int    `mapstructure:"batch_size" json:"batch_size"`
		Timeout           string `mapstructure:"timeout" json:"timeout"`
		MaxConcurrent     int    `mapstructure:"max_concurrent" json:"max_concurrent"`
		RetryEnabled      bool   `mapstructure:"retry_enabled" json:"retry_enabled"`
		ApprovalThreshold int    `mapstructure:"approval_threshold" json:"approval_threshold"`
		QuorumSize        int    `mapstructure:"quorum_size" json:"quorum_size"`
	} `mapstructure:"sync" json:"sync"`

	Epoch struct {
		Duration               string `mapstructure:"duration" json:"duration"`
		RotationThreshold      int    `mapstructure:"rotation_threshold" json:"rotation_threshold"`
		SynchronizationTimeout string `mapstructure:"synchronization_timeout" json:"synchronization_timeout"`
	} `mapstructure:"epoch" json:"epoch"`

	Middleware struct {
		EnableLogging bool   `mapstructure:"enable_logging" json:"enable_logging"`
		EnableMetrics bool   `mapstructure:"enable_metrics" json:"enable_metrics"`
		EnableTracing bool   `mapstructure:"enable_tracing" json:"enable_tracing"`
		GlobalTimeout string `mapstructure:"global_timeout" json:"global_timeout"`
	} `mapstructure:"middleware" json:"middleware"`

	Simulation struct {
		Seed                uint64  `mapstructure:"seed" json:"seed"`
		EnableFaultInjection bool    `mapstructure:"enable_fault_injection" json:"enable_fault_injection"`
		FaultInjectionRate  float64 `mapstructure:"fault_injection_rate" json:"fault_injection_rate"`
		EnableTimeControl   bool    `mapstructure:"enable_time_control" json:"enable_time_control"`
		MaxDuration         string  `mapstructure:"max_duration" json:"max_duration"`
	} `mapstructure:"simulation" json:"simulation"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	if err := Validate(&AppConfig); err != nil {
		return nil, err
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the AURA_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("AURA_ENV", ""))
}

// Validate rejects configurations outside the documented ranges.
func Validate(c *Config) error {
	if c.Simulation.FaultInjectionRate < 0 || c.Simulation.FaultInjectionRate > 1 {
		return fmt.Errorf("simulation.fault_injection_rate %f outside [0,1]", c.Simulation.FaultInjectionRate)
	}
	if c.LanDiscovery.Enabled && (c.LanDiscovery.Port <= 0 || c.LanDiscovery.Port > 65535) {
		return fmt.Errorf("lan_discovery.port %d invalid", c.LanDiscovery.Port)
	}
	if c.Sync.ApprovalThreshold < 0 || c.Sync.QuorumSize < 0 {
		return fmt.Errorf("sync thresholds must be non-negative")
	}
	return nil
}
