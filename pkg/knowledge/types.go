package knowledge

import (
	"time"

	"github.com/harun/autolab/pkg/actions"
)

// Record is the per-entity aggregate derived from recorded results.
type Record struct {
	EntityKey       string    `json:"entity_key"`
	SampleCount     int       `json:"sample_count"`
	BestMetric      float64   `json:"best_metric"`
	AverageMetric   float64   `json:"average_metric"`
	LastEvaluatedAt time.Time `json:"last_evaluated_at"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	FailureCount    int       `json:"failure_count"`
	TimeoutCount    int       `json:"timeout_count"`

	metricSum float64
}

// Sampled reports whether at least one metric was observed.
func (r Record) Sampled() bool {
	return r.SampleCount > 0
}

// Evaluated reports whether any action has finished against the entity.
func (r Record) Evaluated() bool {
	return !r.LastEvaluatedAt.IsZero()
}

// apply returns the record updated with result, and the metric delta against
// the previous best. The receiver is not modified.
func (r Record) apply(result actions.Result) (Record, float64) {
	next := r
	var delta float64

	switch result.Status {
	case actions.StatusSuccess:
		if result.Metric != nil {
			m := *result.Metric
			if next.SampleCount == 0 {
				next.BestMetric = m
			} else {
				delta = m - next.BestMetric
				if m > next.BestMetric {
					next.BestMetric = m
				}
			}
			next.SampleCount++
			next.metricSum += m
			next.AverageMetric = next.metricSum / float64(next.SampleCount)
		}
	case actions.StatusFailure:
		next.FailureCount++
	case actions.StatusTimeout:
		next.TimeoutCount++
	}

	if result.FinishedAt.After(next.LastEvaluatedAt) {
		next.LastEvaluatedAt = result.FinishedAt
	}
	if next.FirstSeenAt.IsZero() || (!result.FinishedAt.IsZero() && result.FinishedAt.Before(next.FirstSeenAt)) {
		next.FirstSeenAt = result.FinishedAt
	}
	return next, delta
}

// Totals are cumulative outcome counts across every recorded result.
type Totals struct {
	Results int `json:"results"`
	Success int `json:"success"`
	Failure int `json:"failure"`
	Timeout int `json:"timeout"`
}

func (t *Totals) add(status actions.Status) {
	t.Results++
	switch status {
	case actions.StatusSuccess:
		t.Success++
	case actions.StatusFailure:
		t.Failure++
	case actions.StatusTimeout:
		t.Timeout++
	}
}

// CycleReport summarizes one scheduler cycle.
type CycleReport struct {
	Cycle           int64     `json:"cycle"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	ActionsPlanned  int       `json:"actions_planned"`
	ActionsExecuted int       `json:"actions_executed"`
	ActionsDeferred int       `json:"actions_deferred"`
	SuccessCount    int       `json:"success_count"`
	FailureCount    int       `json:"failure_count"`
	TimeoutCount    int       `json:"timeout_count"`
	Insights        []string  `json:"insights,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// Failed reports whether the cycle ended with a cycle-level error.
func (r CycleReport) Failed() bool {
	return r.Error != ""
}

// Entity is the persisted identity of an observed entity.
type Entity struct {
	Key         string
	FirstSeenAt time.Time
}
