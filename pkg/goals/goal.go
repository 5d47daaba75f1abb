// Package goals defines the targets the improvement loop works towards and
// the sources they are read from.
package goals

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/harun/autolab/pkg/actions"
)

// Metric names an aggregate computed over the knowledge snapshot.
type Metric string

const (
	// EntityCount is the number of known entities.
	EntityCount Metric = "entity_count"
	// BestMetric is the highest best metric across entities.
	BestMetric Metric = "best_metric"
	// AverageMetric is the mean of per-entity averages over sampled entities.
	AverageMetric Metric = "average_metric"
	// TotalSamples is the number of samples across all entities.
	TotalSamples Metric = "total_samples"
	// MeanSampleCount is the mean number of samples per known entity.
	MeanSampleCount Metric = "mean_sample_count"
)

// DefaultKind returns the action kind that closes the gap for m. Unknown
// metrics map to KindUnknown.
func (m Metric) DefaultKind() actions.Kind {
	switch m {
	case EntityCount:
		return actions.KindDiscovery
	case BestMetric, AverageMetric:
		return actions.KindOptimize
	case TotalSamples, MeanSampleCount:
		return actions.KindTest
	}
	return actions.KindUnknown
}

// Known reports whether m is a built-in metric.
func (m Metric) Known() bool {
	return m.DefaultKind() != actions.KindUnknown
}

// Goal is a validated target. Goals are immutable once built.
type Goal struct {
	Name   string       `json:"name"`
	Metric Metric       `json:"metric"`
	Target float64      `json:"target"`
	Weight float64      `json:"weight"`
	Kind   actions.Kind `json:"kind"`
}

// Spec is the configuration form of a goal.
type Spec struct {
	Name   string  `json:"name,omitempty" yaml:"name,omitempty" mapstructure:"name"`
	Metric string  `json:"metric" yaml:"metric" mapstructure:"metric"`
	Target float64 `json:"target" yaml:"target" mapstructure:"target"`
	Weight float64 `json:"weight,omitempty" yaml:"weight,omitempty" mapstructure:"weight"`
	Kind   string  `json:"kind,omitempty" yaml:"kind,omitempty" mapstructure:"kind"`
}

// Build validates s and fills defaults: weight 1, name from the metric, kind
// from the metric.
func (s Spec) Build() (Goal, error) {
	metric := Metric(strings.TrimSpace(s.Metric))
	if metric == "" {
		return Goal{}, errors.New("goal metric is required")
	}
	if math.IsNaN(s.Target) || math.IsInf(s.Target, 0) {
		return Goal{}, fmt.Errorf("goal %s: target must be finite", metric)
	}
	if s.Weight < 0 || math.IsNaN(s.Weight) {
		return Goal{}, fmt.Errorf("goal %s: weight must be non-negative", metric)
	}

	g := Goal{
		Name:   s.Name,
		Metric: metric,
		Target: s.Target,
		Weight: s.Weight,
		Kind:   metric.DefaultKind(),
	}
	if g.Name == "" {
		g.Name = string(metric)
	}
	if g.Weight == 0 {
		g.Weight = 1
	}
	if s.Kind != "" {
		kind, err := actions.ParseKind(s.Kind)
		if err != nil {
			return Goal{}, fmt.Errorf("goal %s: %w", g.Name, err)
		}
		g.Kind = kind
	}
	if !g.Kind.Valid() {
		return Goal{}, fmt.Errorf("goal %s: metric %q has no default kind, set one explicitly", g.Name, metric)
	}
	return g, nil
}

// BuildAll builds every spec, failing on the first invalid one or on a
// duplicate name.
func BuildAll(specs []Spec) ([]Goal, error) {
	out := make([]Goal, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for i, s := range specs {
		g, err := s.Build()
		if err != nil {
			return nil, fmt.Errorf("goals[%d]: %w", i, err)
		}
		if seen[g.Name] {
			return nil, fmt.Errorf("goals[%d]: duplicate goal name %q", i, g.Name)
		}
		seen[g.Name] = true
		out = append(out, g)
	}
	return out, nil
}

// DefaultSpecs are the goals used when none are configured: a population of
// 50 entities, a best metric of 2.0 and 5 samples per entity.
func DefaultSpecs() []Spec {
	return []Spec{
		{Metric: string(EntityCount), Target: 50, Weight: 1},
		{Metric: string(BestMetric), Target: 2.0, Weight: 1},
		{Metric: string(MeanSampleCount), Target: 5, Weight: 1},
	}
}
