package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable override, e.g.
// AUTOLAB_SCHEDULER_MAX_ACTIONS_PER_CYCLE.
const EnvPrefix = "AUTOLAB"

// Loader reads configuration from a file, the environment and explicit
// overrides, in increasing order of precedence.
type Loader struct {
	configPath string
	overrides  map[string]interface{}
}

// NewLoader creates a new config loader. An empty path selects
// ~/.autolab/autolab.yaml when it exists.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		overrides:  make(map[string]interface{}),
	}
}

// Set overrides a key, e.g. "logging.level". Used for command-line flags.
func (l *Loader) Set(key string, value interface{}) {
	l.overrides[key] = value
}

// Load builds the configuration. Errors are *FatalConfigError.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := l.GetConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fatalf("failed to read config file %s: %w", configPath, err)
		}
	} else if l.configPath != "" {
		return nil, fatalf("config file %s: %w", configPath, err)
	}

	for key, value := range l.overrides {
		v.Set(key, value)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fatalf("failed to decode config: %w", err)
	}
	cfg.ApplyPaths()

	return cfg, nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	return filepath.Join(DefaultDataDir(), "autolab.yaml")
}

// Every key needs a default for AutomaticEnv to reach it through Unmarshal.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("scheduler.max_actions_per_cycle", cfg.Scheduler.MaxActionsPerCycle)
	v.SetDefault("scheduler.cycle_interval", cfg.Scheduler.CycleInterval)
	v.SetDefault("scheduler.cycle_schedule", cfg.Scheduler.CycleSchedule)
	v.SetDefault("scheduler.base_backoff_delay", cfg.Scheduler.BaseBackoffDelay)
	v.SetDefault("scheduler.max_backoff_delay", cfg.Scheduler.MaxBackoffDelay)
	v.SetDefault("scheduler.max_consecutive_failures", cfg.Scheduler.MaxConsecutiveFailures)

	v.SetDefault("executor.max_concurrency", cfg.Executor.MaxConcurrency)
	v.SetDefault("executor.per_action_timeout", cfg.Executor.PerActionTimeout)

	v.SetDefault("planner.under_tested_below", cfg.Planner.UnderTestedBelow)

	v.SetDefault("store.driver", cfg.Store.Driver)
	v.SetDefault("store.path", cfg.Store.Path)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.max_size", cfg.Logging.MaxSize)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAge)
	v.SetDefault("logging.compress", cfg.Logging.Compress)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)

	v.SetDefault("control.enabled", cfg.Control.Enabled)
	v.SetDefault("control.host", cfg.Control.Host)
	v.SetDefault("control.port", cfg.Control.Port)
	v.SetDefault("control.shared_secret", cfg.Control.SharedSecret)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
	v.SetDefault("tracing.sample_ratio", cfg.Tracing.SampleRatio)

	v.SetDefault("goals_file", cfg.GoalsFile)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("pid_file", cfg.PIDFile)
	v.SetDefault("audit_file", cfg.AuditFile)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

// LoadAndValidate loads and validates in one step.
func LoadAndValidate(configPath string) (*Config, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func describeKeys(keys []string) string {
	return fmt.Sprintf("[%s]", strings.Join(keys, ", "))
}
