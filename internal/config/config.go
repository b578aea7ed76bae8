// Package config loads fenwickd's configuration from a YAML file. When a
// file is found, FENWICK_-prefixed environment variables override the keys
// it sets; when none is found, the defaults are used and the environment
// is not read. Defaults fill every value still empty after that.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is fenwickd's static configuration.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Oplock    OplockConfig    `mapstructure:"oplock" yaml:"oplock"`
	Share     ShareConfig     `mapstructure:"share" yaml:"share"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry tracing of CreateFile calls.
type TelemetryConfig struct {
	Enabled    bool            `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string          `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure   bool            `mapstructure:"insecure" yaml:"insecure"`
	SampleRate float64         `mapstructure:"sample_rate" yaml:"sample_rate"`
	Profiling  ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling of the
// arbitration hot path (CreateFile/Store.Mutate/Arbitrate).
type ProfilingConfig struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	Endpoint     string   `mapstructure:"endpoint" yaml:"endpoint"`
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// StoreConfig selects and configures the ShareStore backend.
type StoreConfig struct {
	// Backend is "memory" or "badger".
	Backend string `mapstructure:"backend" yaml:"backend"`
	// BadgerDir is the on-disk directory for the badger backend.
	BadgerDir string `mapstructure:"badger_dir" yaml:"badger_dir"`
}

// OplockConfig controls oplock negotiation policy.
type OplockConfig struct {
	BreakTimeout       time.Duration `mapstructure:"break_timeout" yaml:"break_timeout"`
	ShareViolationWait time.Duration `mapstructure:"share_violation_wait" yaml:"share_violation_wait"`
	// DisableLevelII downgrades every level II grant to the internal
	// fake-level-II bookkeeping state, as if no client negotiated it.
	DisableLevelII bool `mapstructure:"disable_level_ii" yaml:"disable_level_ii"`
}

// ShareConfig controls share-level policy applied before a request reaches
// the orchestrator.
type ShareConfig struct {
	ReadOnly bool `mapstructure:"read_only" yaml:"read_only"`
	// NoSharingViolationDelay turns off the ~1s retry window for share-mode
	// conflicts; conflicts then fail immediately.
	NoSharingViolationDelay bool `mapstructure:"no_sharing_violation_delay" yaml:"no_sharing_violation_delay"`
}

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
	if cfg.Telemetry.Profiling.Endpoint == "" {
		cfg.Telemetry.Profiling.Endpoint = "http://localhost:4040"
	}
	if len(cfg.Telemetry.Profiling.ProfileTypes) == 0 {
		cfg.Telemetry.Profiling.ProfileTypes = []string{"cpu", "alloc_space"}
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.BadgerDir == "" {
		cfg.Store.BadgerDir = "/var/lib/fenwickd/sharemode"
	}
	if cfg.Oplock.BreakTimeout == 0 {
		cfg.Oplock.BreakTimeout = 35 * time.Second
	}
	if cfg.Oplock.ShareViolationWait == 0 {
		cfg.Oplock.ShareViolationWait = time.Second
	}
}

// SaveConfig writes cfg to path as YAML.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("FENWICK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(defaultConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func defaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "fenwickd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "fenwickd")
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.yaml")
}
