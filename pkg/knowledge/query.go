package knowledge

import (
	"sort"
	"time"
)

// Order selects how Query ranks records.
type Order int

const (
	// ByBestMetric ranks sampled entities by best metric, descending.
	ByBestMetric Order = iota + 1
	// ByAverageMetric ranks sampled entities by average metric, descending.
	ByAverageMetric
	// UnderTested returns entities with fewer than Below samples, fewest
	// first, then stalest first.
	UnderTested
	// Stalest ranks entities by last evaluation, oldest first. Entities never
	// evaluated come before all others.
	Stalest
)

func (o Order) String() string {
	switch o {
	case ByBestMetric:
		return "best_metric"
	case ByAverageMetric:
		return "average_metric"
	case UnderTested:
		return "under_tested"
	case Stalest:
		return "stalest"
	default:
		return "unknown"
	}
}

// Criteria parameterizes a query.
type Criteria struct {
	Order Order
	// Limit caps the number of records returned. Zero means no limit.
	Limit int
	// MinSampleCount filters out entities with fewer samples.
	MinSampleCount int
	// Below is the under-tested threshold, used only with UnderTested.
	Below int
}

// TopN returns criteria for the n best entities by best metric.
func TopN(n, minSampleCount int) Criteria {
	return Criteria{Order: ByBestMetric, Limit: n, MinSampleCount: minSampleCount}
}

func (c Criteria) accept(r Record) bool {
	if r.SampleCount < c.MinSampleCount {
		return false
	}
	switch c.Order {
	case ByBestMetric, ByAverageMetric:
		return r.Sampled()
	case UnderTested:
		return r.SampleCount < c.Below
	}
	return true
}

func (c Criteria) less(a, b Record) bool {
	switch c.Order {
	case ByBestMetric:
		if a.BestMetric != b.BestMetric {
			return a.BestMetric > b.BestMetric
		}
	case ByAverageMetric:
		if a.AverageMetric != b.AverageMetric {
			return a.AverageMetric > b.AverageMetric
		}
	case UnderTested:
		if a.SampleCount != b.SampleCount {
			return a.SampleCount < b.SampleCount
		}
		if !staleEqual(a.LastEvaluatedAt, b.LastEvaluatedAt) {
			return staleBefore(a.LastEvaluatedAt, b.LastEvaluatedAt)
		}
	case Stalest:
		if !staleEqual(a.LastEvaluatedAt, b.LastEvaluatedAt) {
			return staleBefore(a.LastEvaluatedAt, b.LastEvaluatedAt)
		}
	}
	return a.EntityKey < b.EntityKey
}

func staleEqual(a, b time.Time) bool {
	return a.Equal(b)
}

// staleBefore orders zero times first, then ascending.
func staleBefore(a, b time.Time) bool {
	if a.IsZero() {
		return !b.IsZero()
	}
	if b.IsZero() {
		return false
	}
	return a.Before(b)
}

func query(records []Record, c Criteria) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if c.accept(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return c.less(out[i], out[j])
	})
	if c.Limit > 0 && len(out) > c.Limit {
		out = out[:c.Limit]
	}
	return out
}
