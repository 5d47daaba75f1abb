package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/autolab/internal/logger"
	"github.com/harun/autolab/pkg/executor"
	"github.com/harun/autolab/pkg/goals"
	"github.com/harun/autolab/pkg/planner"
	"github.com/harun/autolab/pkg/scheduler"
)

// Config is the full autolab configuration.
type Config struct {
	Scheduler SchedulerConfig `json:"scheduler" mapstructure:"scheduler"`
	Executor  ExecutorConfig  `json:"executor" mapstructure:"executor"`
	Planner   PlannerConfig   `json:"planner" mapstructure:"planner"`
	Store     StoreConfig     `json:"store" mapstructure:"store"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Control   ControlConfig   `json:"control" mapstructure:"control"`
	Tracing   TracingConfig   `json:"tracing" mapstructure:"tracing"`

	// Goals are used when GoalsFile is empty. An empty list selects the
	// built-in defaults.
	Goals []goals.Spec `json:"goals" mapstructure:"goals"`
	// GoalsFile is a YAML or JSON goal file reloaded on change.
	GoalsFile string `json:"goals_file" mapstructure:"goals_file"`

	// Kinds maps an action kind name to its collaborator.
	Kinds map[string]KindConfig `json:"kinds" mapstructure:"kinds"`

	DataDir   string `json:"data_dir" mapstructure:"data_dir"`
	PIDFile   string `json:"pid_file" mapstructure:"pid_file"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// SchedulerConfig controls cycle cadence and failure handling.
type SchedulerConfig struct {
	MaxActionsPerCycle     int           `json:"max_actions_per_cycle" mapstructure:"max_actions_per_cycle"`
	CycleInterval          time.Duration `json:"cycle_interval" mapstructure:"cycle_interval"`
	CycleSchedule          string        `json:"cycle_schedule" mapstructure:"cycle_schedule"` // cron, overrides cycle_interval
	BaseBackoffDelay       time.Duration `json:"base_backoff_delay" mapstructure:"base_backoff_delay"`
	MaxBackoffDelay        time.Duration `json:"max_backoff_delay" mapstructure:"max_backoff_delay"`
	MaxConsecutiveFailures int           `json:"max_consecutive_failures" mapstructure:"max_consecutive_failures"`
}

// ExecutorConfig bounds action execution.
type ExecutorConfig struct {
	MaxConcurrency   int           `json:"max_concurrency" mapstructure:"max_concurrency"`
	PerActionTimeout time.Duration `json:"per_action_timeout" mapstructure:"per_action_timeout"`
}

// PlannerConfig tunes entity selection.
type PlannerConfig struct {
	UnderTestedBelow int `json:"under_tested_below" mapstructure:"under_tested_below"`
}

// StoreConfig selects the knowledge store backend.
type StoreConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // sqlite, memory
	Path   string `json:"path" mapstructure:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// ControlConfig configures the HTTP control surface.
type ControlConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// TracingConfig enables OpenTelemetry spans.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// KindConfig binds an action kind to an external command and its fallbacks.
type KindConfig struct {
	CommandConfig `mapstructure:",squash"`

	Targeted   *bool                  `json:"targeted,omitempty" mapstructure:"targeted"`
	Timeout    time.Duration          `json:"timeout" mapstructure:"timeout"`
	Parameters map[string]interface{} `json:"parameters,omitempty" mapstructure:"parameters"`
	Fallbacks  []CommandConfig        `json:"fallbacks,omitempty" mapstructure:"fallbacks"`
}

// CommandConfig describes one collaborator program.
type CommandConfig struct {
	Name    string            `json:"name,omitempty" mapstructure:"name"`
	Command string            `json:"command" mapstructure:"command"`
	Args    []string          `json:"args,omitempty" mapstructure:"args"`
	Dir     string            `json:"dir,omitempty" mapstructure:"dir"`
	Env     map[string]string `json:"env,omitempty" mapstructure:"env"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	sched := scheduler.DefaultConfig()
	exec := executor.DefaultConfig()

	return &Config{
		Scheduler: SchedulerConfig{
			MaxActionsPerCycle:     sched.MaxActionsPerCycle,
			CycleInterval:          sched.CycleInterval,
			BaseBackoffDelay:       sched.BaseBackoffDelay,
			MaxBackoffDelay:        sched.MaxBackoffDelay,
			MaxConsecutiveFailures: sched.MaxConsecutiveFailures,
		},
		Executor: ExecutorConfig{
			MaxConcurrency:   exec.MaxConcurrency,
			PerActionTimeout: exec.DefaultTimeout,
		},
		Planner: PlannerConfig{
			UnderTestedBelow: 5,
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Control: ControlConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    7878,
		},
		Tracing: TracingConfig{
			ServiceName: "autolab",
			SampleRatio: 1,
		},
		Kinds: map[string]KindConfig{},
	}
}

// DefaultDataDir returns ~/.autolab, or .autolab when the home directory is
// unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".autolab"
	}
	return filepath.Join(home, ".autolab")
}

// ApplyPaths fills in file locations derived from DataDir.
func (c *Config) ApplyPaths() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "autolab.db")
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.DataDir, "logs", "autolab.log")
	}
	if c.PIDFile == "" {
		c.PIDFile = filepath.Join(c.DataDir, "autolab.pid")
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks the configuration. It returns a *FatalConfigError listing
// every problem found.
func (c *Config) Validate() error {
	problems := NewValidator().ValidateConfig(c)
	if len(problems) == 0 {
		return nil
	}
	return &FatalConfigError{Problems: problems}
}

// SchedulerConfig converts to the scheduler's configuration.
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		MaxActionsPerCycle:     c.Scheduler.MaxActionsPerCycle,
		CycleInterval:          c.Scheduler.CycleInterval,
		CycleSchedule:          c.Scheduler.CycleSchedule,
		BaseBackoffDelay:       c.Scheduler.BaseBackoffDelay,
		MaxBackoffDelay:        c.Scheduler.MaxBackoffDelay,
		MaxConsecutiveFailures: c.Scheduler.MaxConsecutiveFailures,
	}
}

// ExecutorConfig converts to the executor's configuration.
func (c *Config) ExecutorConfig() executor.Config {
	return executor.Config{
		MaxConcurrency: c.Executor.MaxConcurrency,
		DefaultTimeout: c.Executor.PerActionTimeout,
	}
}

// PlannerConfig converts to the planner's configuration.
func (c *Config) PlannerConfig() planner.Config {
	return planner.Config{
		DefaultTimeout:   c.Executor.PerActionTimeout,
		UnderTestedBelow: c.Planner.UnderTestedBelow,
	}
}

// LoggerConfig converts to the logger's configuration.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:     c.Logging.Level,
		File:      c.Logging.File,
		Console:   c.Logging.Console,
		Pretty:    c.Logging.Pretty,
		Redaction: c.Logging.Redaction,
		MaxSize:   c.Logging.MaxSize,
		MaxAge:    c.Logging.MaxAge,
		Compress:  c.Logging.Compress,
	}
}

// GoalSpecs returns the configured goals or the defaults.
func (c *Config) GoalSpecs() []goals.Spec {
	if len(c.Goals) == 0 {
		return goals.DefaultSpecs()
	}
	return c.Goals
}

// ControlAddr returns the control server listen address.
func (c *Config) ControlAddr() string {
	host := c.Control.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return joinHostPort(host, c.Control.Port)
}

// EnvMap returns Env with upper-cased keys. Configuration keys are
// case-folded when loaded, environment variable names are not.
func (c CommandConfig) EnvMap() map[string]string {
	if len(c.Env) == 0 {
		return nil
	}
	out := make(map[string]string, len(c.Env))
	for k, v := range c.Env {
		out[strings.ToUpper(k)] = v
	}
	return out
}
