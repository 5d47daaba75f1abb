package scheduler

import (
	"fmt"

	"github.com/harun/autolab/pkg/evaluator"
	"github.com/harun/autolab/pkg/executor"
	"github.com/harun/autolab/pkg/knowledge"
)

// Insights derives short statements about a cycle from the evaluations taken
// before and after it.
func Insights(before, after evaluator.Report, batch executor.Batch) []string {
	var out []string

	for _, d := range evaluator.Compare(before, after) {
		switch {
		case d.NewlyMet:
			out = append(out, fmt.Sprintf("goal %s met (current %.4g)", d.Goal, d.CurrentAfter))
		case d.Direction == evaluator.Improved:
			out = append(out, fmt.Sprintf("deficit for goal %s improved from %.2f to %.2f", d.Goal, d.Before, d.After))
		case d.Direction == evaluator.Worsened:
			out = append(out, fmt.Sprintf("deficit for goal %s worsened from %.2f to %.2f", d.Goal, d.Before, d.After))
		}
	}

	if len(after.Goals) > 0 && after.AllMet() {
		out = append(out, "all goals met")
	}

	if top := after.Snapshot.Query(knowledge.TopN(1, 0)); len(top) > 0 {
		out = append(out, fmt.Sprintf("top entity %s: best metric %.4g over %d samples",
			top[0].EntityKey, top[0].BestMetric, top[0].SampleCount))
	}

	success, failure, timeout := batch.Counts()
	summary := fmt.Sprintf("executed %d actions: %d succeeded, %d failed, %d timed out",
		len(batch.Results), success, failure, timeout)
	if n := len(batch.Deferred); n > 0 {
		summary += fmt.Sprintf("; %d deferred", n)
	}
	out = append(out, summary)

	return out
}
