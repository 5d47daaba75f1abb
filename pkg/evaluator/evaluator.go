// Package evaluator turns a knowledge snapshot and a goal set into
// normalized goal deficits. Evaluation is pure: it never touches the store.
package evaluator

import (
	"math"
	"time"

	"github.com/harun/autolab/pkg/actions"
	"github.com/harun/autolab/pkg/goals"
	"github.com/harun/autolab/pkg/knowledge"
)

// GoalEvaluation is one goal's state in a report.
type GoalEvaluation struct {
	Goal            goals.Goal `json:"goal"`
	Current         float64    `json:"current"`
	Deficit         float64    `json:"deficit"`
	WeightedDeficit float64    `json:"weighted_deficit"`
}

// Met reports whether the goal has no remaining deficit.
func (g GoalEvaluation) Met() bool {
	return g.Deficit == 0
}

// Report is the outcome of one evaluation. It carries the snapshot it was
// computed from so that planning sees the same state.
type Report struct {
	Goals       []GoalEvaluation   `json:"goals"`
	EvaluatedAt time.Time          `json:"evaluated_at"`
	Snapshot    knowledge.Snapshot `json:"-"`
}

// Lookup returns the evaluation for the named goal.
func (r Report) Lookup(name string) (GoalEvaluation, bool) {
	for _, g := range r.Goals {
		if g.Goal.Name == name {
			return g, true
		}
	}
	return GoalEvaluation{}, false
}

// KindDeficits sums weighted deficits per action kind.
func (r Report) KindDeficits() map[actions.Kind]float64 {
	out := make(map[actions.Kind]float64)
	for _, g := range r.Goals {
		if g.WeightedDeficit > 0 {
			out[g.Goal.Kind] += g.WeightedDeficit
		}
	}
	return out
}

// TotalDeficit sums weighted deficits over every goal.
func (r Report) TotalDeficit() float64 {
	var total float64
	for _, g := range r.Goals {
		total += g.WeightedDeficit
	}
	return total
}

// AllMet reports whether every goal is met.
func (r Report) AllMet() bool {
	for _, g := range r.Goals {
		if !g.Met() {
			return false
		}
	}
	return true
}

// Evaluator evaluates goals against snapshots.
type Evaluator struct {
	now func() time.Time
}

// New creates an Evaluator.
func New() *Evaluator {
	return &Evaluator{now: time.Now}
}

// Evaluate computes the deficit of every goal against snap.
func (e *Evaluator) Evaluate(gs []goals.Goal, snap knowledge.Snapshot) Report {
	report := Evaluate(gs, snap)
	report.EvaluatedAt = e.now()
	return report
}

// Evaluate computes the deficit of every goal against snap. Goals keep their
// input order in the report.
func Evaluate(gs []goals.Goal, snap knowledge.Snapshot) Report {
	stats := summarize(snap)

	report := Report{
		Goals:    make([]GoalEvaluation, 0, len(gs)),
		Snapshot: snap,
	}
	for _, g := range gs {
		current := stats.value(g.Metric)
		deficit := Deficit(g.Target, current)
		report.Goals = append(report.Goals, GoalEvaluation{
			Goal:            g,
			Current:         current,
			Deficit:         deficit,
			WeightedDeficit: deficit * g.Weight,
		})
	}
	return report
}

// Deficit returns clamp((target - current) / target, 0, 1). A non-positive
// target has no deficit.
func Deficit(target, current float64) float64 {
	if target <= 0 || math.IsNaN(target) || math.IsNaN(current) {
		return 0
	}
	d := (target - current) / target
	switch {
	case d < 0:
		return 0
	case d > 1:
		return 1
	}
	return d
}

// Current returns the value of metric over snap. Unknown metrics are 0.
func Current(metric goals.Metric, snap knowledge.Snapshot) float64 {
	return summarize(snap).value(metric)
}

type stats struct {
	entities     int
	sampled      int
	totalSamples int
	best         float64
	averageSum   float64
}

func summarize(snap knowledge.Snapshot) stats {
	var s stats
	for _, r := range snap.Records() {
		s.entities++
		s.totalSamples += r.SampleCount
		if !r.Sampled() {
			continue
		}
		if s.sampled == 0 || r.BestMetric > s.best {
			s.best = r.BestMetric
		}
		s.sampled++
		s.averageSum += r.AverageMetric
	}
	return s
}

func (s stats) value(metric goals.Metric) float64 {
	switch metric {
	case goals.EntityCount:
		return float64(s.entities)
	case goals.BestMetric:
		return s.best
	case goals.AverageMetric:
		if s.sampled == 0 {
			return 0
		}
		return s.averageSum / float64(s.sampled)
	case goals.TotalSamples:
		return float64(s.totalSamples)
	case goals.MeanSampleCount:
		if s.entities == 0 {
			return 0
		}
		return float64(s.totalSamples) / float64(s.entities)
	}
	return 0
}
