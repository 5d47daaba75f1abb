package knowledge

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/autolab/pkg/actions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T) (*SQLiteBackend, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "knowledge.db")
	b, err := OpenSQLite(path)
	require.NoError(t, err)
	return b, path
}

func TestOpenSQLite_RequiresPath(t *testing.T) {
	_, err := OpenSQLite("")
	assert.Error(t, err)
}

func TestSQLiteBackend_ResultRoundTrip(t *testing.T) {
	b, _ := openTestSQLite(t)
	defer b.Close()
	ctx := context.Background()
	finished := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	in := actions.Result{
		ActionID:        "act-1",
		Kind:            actions.KindOptimize,
		EntityKey:       "rsi",
		Cycle:           3,
		Status:          actions.StatusSuccess,
		Metric:          actions.Float64Ptr(1.75),
		MetricDelta:     0.25,
		Discovered:      []string{"rsi-fast"},
		Duration:        1500 * time.Millisecond,
		FinishedAt:      finished,
		Implementations: []string{"primary", "fallback"},
	}
	require.NoError(t, b.AppendResult(ctx, in))
	require.NoError(t, b.AppendResult(ctx, actions.Result{
		ActionID: "act-2", Kind: actions.KindDiscovery, Status: actions.StatusFailure, Error: "offline", FinishedAt: finished,
	}))

	var got []actions.Result
	require.NoError(t, b.LoadResults(ctx, func(r actions.Result) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 2)

	assert.Equal(t, in.ActionID, got[0].ActionID)
	assert.Equal(t, in.Kind, got[0].Kind)
	assert.Equal(t, in.EntityKey, got[0].EntityKey)
	assert.Equal(t, in.Cycle, got[0].Cycle)
	require.NotNil(t, got[0].Metric)
	assert.Equal(t, 1.75, *got[0].Metric)
	assert.Equal(t, in.Discovered, got[0].Discovered)
	assert.Equal(t, in.Implementations, got[0].Implementations)
	assert.Equal(t, in.Duration, got[0].Duration)
	assert.True(t, in.FinishedAt.Equal(got[0].FinishedAt))

	assert.Nil(t, got[1].Metric)
	assert.Equal(t, "", got[1].EntityKey)
	assert.Equal(t, "offline", got[1].Error)

	entities, err := b.LoadEntities(ctx)
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, "rsi", entities[0].Key)
	assert.Equal(t, "rsi-fast", entities[1].Key)
}

func TestSQLiteBackend_Reports(t *testing.T) {
	b, _ := openTestSQLite(t)
	defer b.Close()
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, b.SaveReport(ctx, CycleReport{
			Cycle:           i,
			StartedAt:       time.Now(),
			EndedAt:         time.Now(),
			ActionsPlanned:  int(i),
			ActionsExecuted: int(i),
			SuccessCount:    int(i),
			Insights:        []string{"cycle insight"},
		}))
	}

	reports, err := b.Reports(ctx, 2)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, int64(3), reports[0].Cycle)
	assert.Equal(t, int64(2), reports[1].Cycle)
	assert.Equal(t, []string{"cycle insight"}, reports[0].Insights)

	all, err := b.Reports(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSQLiteBackend_StoreSurvivesReopen(t *testing.T) {
	b, path := openTestSQLite(t)
	ctx := context.Background()

	s := NewStore(b, testLogger())
	require.NoError(t, s.Rebuild(ctx))
	for _, m := range []float64{1.0, 2.0} {
		_, err := s.Record(ctx, sample("A", m, time.Now()))
		require.NoError(t, err)
	}
	require.NoError(t, s.Observe(ctx, "B"))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	s2 := NewStore(reopened, testLogger())
	defer s2.Close()
	require.NoError(t, s2.Rebuild(ctx))

	rec, ok := s2.Get("A")
	require.True(t, ok)
	assert.Equal(t, 2, rec.SampleCount)
	assert.Equal(t, 2.0, rec.BestMetric)
	_, ok = s2.Get("B")
	assert.True(t, ok)
	assert.Equal(t, 2, s2.Totals().Success)
}

func TestSQLiteBackend_Closed(t *testing.T) {
	b, _ := openTestSQLite(t)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	err := b.AppendResult(context.Background(), actions.Result{ActionID: "x", Kind: actions.KindTest})
	assert.ErrorIs(t, err, ErrClosed)
}
