package evaluator

import (
	"testing"

	"github.com/harun/autolab/pkg/actions"
	"github.com/harun/autolab/pkg/goals"
	"github.com/harun/autolab/pkg/knowledge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func goal(metric goals.Metric, target, weight float64) goals.Goal {
	return goals.Goal{Name: string(metric), Metric: metric, Target: target, Weight: weight, Kind: metric.DefaultKind()}
}

func TestDeficit(t *testing.T) {
	tests := []struct {
		name            string
		target, current float64
		expected        float64
	}{
		{"no progress", 50, 0, 1},
		{"half way", 50, 25, 0.5},
		{"met", 50, 50, 0},
		{"exceeded", 50, 80, 0},
		{"zero target", 0, 10, 0},
		{"negative target", -1, 0, 0},
		{"negative current clamps", 2, -2, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Deficit(tt.target, tt.current), 1e-9)
		})
	}
}

func testSnapshot() knowledge.Snapshot {
	return knowledge.NewSnapshot(
		knowledge.Record{EntityKey: "a", SampleCount: 3, BestMetric: 1.5, AverageMetric: 1.0},
		knowledge.Record{EntityKey: "b", SampleCount: 1, BestMetric: 2.5, AverageMetric: 2.0},
		knowledge.Record{EntityKey: "c"},
		knowledge.Record{EntityKey: "d"},
	)
}

func TestCurrent(t *testing.T) {
	snap := testSnapshot()

	assert.Equal(t, 4.0, Current(goals.EntityCount, snap))
	assert.Equal(t, 2.5, Current(goals.BestMetric, snap))
	assert.Equal(t, 1.5, Current(goals.AverageMetric, snap))
	assert.Equal(t, 4.0, Current(goals.TotalSamples, snap))
	assert.Equal(t, 1.0, Current(goals.MeanSampleCount, snap))
	assert.Equal(t, 0.0, Current("coverage", snap))
}

func TestCurrent_EmptySnapshot(t *testing.T) {
	snap := knowledge.NewSnapshot()
	for _, m := range []goals.Metric{goals.EntityCount, goals.BestMetric, goals.AverageMetric, goals.TotalSamples, goals.MeanSampleCount} {
		assert.Equal(t, 0.0, Current(m, snap), string(m))
	}
}

func TestCurrent_NegativeBestMetric(t *testing.T) {
	snap := knowledge.NewSnapshot(
		knowledge.Record{EntityKey: "a", SampleCount: 1, BestMetric: -0.5, AverageMetric: -0.5},
	)
	assert.Equal(t, -0.5, Current(goals.BestMetric, snap))
}

func TestEvaluate(t *testing.T) {
	gs := []goals.Goal{
		goal(goals.EntityCount, 10, 1),
		goal(goals.BestMetric, 2.0, 2),
		goal(goals.MeanSampleCount, 5, 1),
	}
	snap := testSnapshot()

	report := New().Evaluate(gs, snap)
	require.Len(t, report.Goals, 3)
	assert.False(t, report.EvaluatedAt.IsZero())
	assert.Equal(t, snap.Len(), report.Snapshot.Len())

	entities := report.Goals[0]
	assert.InDelta(t, 0.6, entities.Deficit, 1e-9)
	assert.InDelta(t, 0.6, entities.WeightedDeficit, 1e-9)

	best := report.Goals[1]
	assert.True(t, best.Met())
	assert.Equal(t, 0.0, best.WeightedDeficit)

	samples := report.Goals[2]
	assert.InDelta(t, 0.8, samples.Deficit, 1e-9)

	deficits := report.KindDeficits()
	assert.InDelta(t, 0.6, deficits[actions.KindDiscovery], 1e-9)
	assert.InDelta(t, 0.8, deficits[actions.KindTest], 1e-9)
	_, ok := deficits[actions.KindOptimize]
	assert.False(t, ok)

	assert.InDelta(t, 1.4, report.TotalDeficit(), 1e-9)
	assert.False(t, report.AllMet())

	g, ok := report.Lookup("best_metric")
	require.True(t, ok)
	assert.Equal(t, 2.5, g.Current)
}

func TestEvaluate_IsPure(t *testing.T) {
	gs := []goals.Goal{goal(goals.EntityCount, 10, 1)}
	snap := testSnapshot()

	first := Evaluate(gs, snap)
	second := Evaluate(gs, snap)
	assert.Equal(t, first.Goals, second.Goals)
	assert.Equal(t, 4, snap.Len())
}
