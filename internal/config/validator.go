package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/harun/autolab/pkg/actions"
	"github.com/harun/autolab/pkg/goals"
	"github.com/harun/autolab/pkg/scheduler"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidatePositive rejects values below 1.
func (v *Validator) ValidatePositive(name string, n int) error {
	if n < 1 {
		return fmt.Errorf("%s must be at least 1, got %d", name, n)
	}
	return nil
}

// ValidateNonNegative rejects negative values.
func (v *Validator) ValidateNonNegative(name string, n int) error {
	if n < 0 {
		return fmt.Errorf("%s must be >= 0, got %d", name, n)
	}
	return nil
}

// ValidateDuration rejects negative durations, and zero unless allowZero.
func (v *Validator) ValidateDuration(name string, d time.Duration, allowZero bool) error {
	if d < 0 || (d == 0 && !allowZero) {
		return fmt.Errorf("%s must be positive, got %s", name, d)
	}
	return nil
}

// ValidateSchedule checks a cron expression. Empty is valid.
func (v *Validator) ValidateSchedule(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	if _, err := scheduler.NewCronCadence(expr); err != nil {
		return fmt.Errorf("scheduler.cycle_schedule: %w", err)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateStoreDriver validates the store driver.
func (v *Validator) ValidateStoreDriver(driver string) error {
	switch driver {
	case "sqlite", "memory":
		return nil
	}
	return fmt.Errorf("invalid store driver: %s (must be one of: sqlite, memory)", driver)
}

// ValidateKind validates one kind binding.
func (v *Validator) ValidateKind(name string, kc KindConfig) []error {
	var errs []error
	if _, err := actions.ParseKind(name); err != nil {
		errs = append(errs, fmt.Errorf("kinds.%s: %w", name, err))
	}
	if strings.TrimSpace(kc.Command) == "" {
		errs = append(errs, fmt.Errorf("kinds.%s: command is required", name))
	}
	if kc.Timeout < 0 {
		errs = append(errs, fmt.Errorf("kinds.%s: timeout must be >= 0, got %s", name, kc.Timeout))
	}
	for i, fb := range kc.Fallbacks {
		if strings.TrimSpace(fb.Command) == "" {
			errs = append(errs, fmt.Errorf("kinds.%s.fallbacks[%d]: command is required", name, i))
		}
	}
	return errs
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(v.ValidateNonNegative("scheduler.max_actions_per_cycle", cfg.Scheduler.MaxActionsPerCycle))
	add(v.ValidateDuration("scheduler.cycle_interval", cfg.Scheduler.CycleInterval, true))
	add(v.ValidateSchedule(cfg.Scheduler.CycleSchedule))
	add(v.ValidateDuration("scheduler.base_backoff_delay", cfg.Scheduler.BaseBackoffDelay, false))
	add(v.ValidateDuration("scheduler.max_backoff_delay", cfg.Scheduler.MaxBackoffDelay, false))
	if cfg.Scheduler.MaxBackoffDelay > 0 && cfg.Scheduler.MaxBackoffDelay < cfg.Scheduler.BaseBackoffDelay {
		add(fmt.Errorf("scheduler.max_backoff_delay (%s) is below base_backoff_delay (%s)",
			cfg.Scheduler.MaxBackoffDelay, cfg.Scheduler.BaseBackoffDelay))
	}
	add(v.ValidatePositive("scheduler.max_consecutive_failures", cfg.Scheduler.MaxConsecutiveFailures))

	add(v.ValidatePositive("executor.max_concurrency", cfg.Executor.MaxConcurrency))
	add(v.ValidateDuration("executor.per_action_timeout", cfg.Executor.PerActionTimeout, false))

	add(v.ValidateNonNegative("planner.under_tested_below", cfg.Planner.UnderTestedBelow))

	add(v.ValidateStoreDriver(cfg.Store.Driver))
	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		add(fmt.Errorf("store.path is required for the sqlite driver"))
	}

	add(v.ValidateLogLevel(cfg.Logging.Level))

	if cfg.Control.Enabled && (cfg.Control.Port < 0 || cfg.Control.Port > 65535) {
		add(fmt.Errorf("control.port out of range: %d", cfg.Control.Port))
	}

	if cfg.Tracing.Enabled && (cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1) {
		add(fmt.Errorf("tracing.sample_ratio must be within [0, 1], got %v", cfg.Tracing.SampleRatio))
	}

	if cfg.GoalsFile == "" {
		if _, err := goals.BuildAll(cfg.GoalSpecs()); err != nil {
			add(fmt.Errorf("goals: %w", err))
		}
	}

	names := make([]string, 0, len(cfg.Kinds))
	for name := range cfg.Kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	seen := make(map[actions.Kind]string, len(names))
	for _, name := range names {
		errs = append(errs, v.ValidateKind(name, cfg.Kinds[name])...)
		if kind, err := actions.ParseKind(name); err == nil {
			if prev, dup := seen[kind]; dup {
				add(fmt.Errorf("kinds.%s duplicates kinds.%s", name, prev))
			}
			seen[kind] = name
		}
	}
	if len(cfg.Kinds) == 0 {
		add(fmt.Errorf("no action kinds configured: expected one of %s", describeKeys(kindNames())))
	}

	return errs
}

func kindNames() []string {
	kinds := actions.AllKinds()
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, k.String())
	}
	return out
}
