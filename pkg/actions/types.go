package actions

import (
	"context"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const actionIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Action is one unit of planned work.
type Action struct {
	ID         string                 `json:"id"`
	Kind       Kind                   `json:"kind"`
	EntityKey  string                 `json:"entity_key,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Priority   float64                `json:"priority"`
	CreatedAt  time.Time              `json:"created_at"`
	Timeout    time.Duration          `json:"timeout"`
	Cycle      int64                  `json:"cycle"`
}

// Targeted reports whether the action addresses a specific entity.
func (a Action) Targeted() bool {
	return a.EntityKey != ""
}

// LockKey returns the serialization key for the action, or "" when the
// action has no target entity and needs no exclusion.
func (a Action) LockKey() string {
	if a.EntityKey == "" {
		return ""
	}
	return LockKey(a.EntityKey, a.Kind)
}

// LockKey builds the per-(entity, kind) serialization key.
func LockKey(entityKey string, kind Kind) string {
	return kind.String() + "/" + entityKey
}

// NewActionID returns a short random action identifier.
func NewActionID() string {
	id, err := gonanoid.Generate(actionIDAlphabet, 12)
	if err != nil {
		return fmt.Sprintf("act-%d", time.Now().UnixNano())
	}
	return "act-" + id
}

// Payload is what a collaborator returns for a completed action.
type Payload struct {
	// Metric is the observed evaluation value for the target entity.
	Metric *float64 `json:"metric,omitempty"`
	// Discovered lists entity keys the action found.
	Discovered []string               `json:"discovered,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// Status is the terminal state of an executed action.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusTimeout Status = "timeout"
)

// Result is the immutable outcome of one executed action.
type Result struct {
	ActionID        string        `json:"action_id"`
	Kind            Kind          `json:"kind"`
	EntityKey       string        `json:"entity_key,omitempty"`
	Cycle           int64         `json:"cycle"`
	Status          Status        `json:"status"`
	Metric          *float64      `json:"metric,omitempty"`
	MetricDelta     float64       `json:"metric_delta"`
	Discovered      []string      `json:"discovered,omitempty"`
	Error           string        `json:"error,omitempty"`
	Duration        time.Duration `json:"duration"`
	FinishedAt      time.Time     `json:"finished_at"`
	Implementations []string      `json:"implementations,omitempty"`
}

// Runner executes an action. Implementations must honor ctx cancellation and
// treat work completed after cancellation as discardable.
type Runner interface {
	Run(ctx context.Context, action Action) (Payload, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, action Action) (Payload, error)

func (f RunnerFunc) Run(ctx context.Context, action Action) (Payload, error) {
	return f(ctx, action)
}

// Float64Ptr returns a pointer to v.
func Float64Ptr(v float64) *float64 {
	return &v
}
