package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Cadence decides when the next cycle may start.
type Cadence interface {
	// Next returns the earliest start of the next cycle given the start of
	// the last one and the current time.
	Next(lastStart, now time.Time) time.Time
}

// IntervalCadence enforces a minimum gap between cycle starts. Zero runs
// cycles back to back.
type IntervalCadence time.Duration

func (c IntervalCadence) Next(lastStart, now time.Time) time.Time {
	return lastStart.Add(time.Duration(c))
}

// CronCadence starts cycles at the times of a cron schedule.
type CronCadence struct {
	expr     string
	schedule cron.Schedule
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewCronCadence parses a standard five-field cron expression or a
// descriptor such as "@hourly" or "@every 10m".
func NewCronCadence(expr string) (*CronCadence, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("cron expression is required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return &CronCadence{expr: expr, schedule: sched}, nil
}

func (c *CronCadence) Next(lastStart, now time.Time) time.Time {
	return c.schedule.Next(now)
}

func (c *CronCadence) String() string {
	return c.expr
}

// NewCadence returns a cron cadence when expr is set, otherwise an interval
// cadence.
func NewCadence(interval time.Duration, expr string) (Cadence, error) {
	if strings.TrimSpace(expr) != "" {
		return NewCronCadence(expr)
	}
	if interval < 0 {
		return nil, fmt.Errorf("cycle interval must be non-negative, got %s", interval)
	}
	return IntervalCadence(interval), nil
}
