package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/harun/autolab/pkg/actions"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.Disabled)
}

func newTestStore(t *testing.T, backend Backend) *Store {
	t.Helper()
	if backend == nil {
		backend = NewMemoryBackend()
	}
	s := NewStore(backend, testLogger())
	require.NoError(t, s.Rebuild(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func sample(key string, metric float64, at time.Time) actions.Result {
	return actions.Result{
		ActionID:   actions.NewActionID(),
		Kind:       actions.KindTest,
		EntityKey:  key,
		Status:     actions.StatusSuccess,
		Metric:     actions.Float64Ptr(metric),
		FinishedAt: at,
	}
}

func TestStore_RecordAggregates(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	r1, err := s.Record(ctx, sample("A", 1.0, base))
	require.NoError(t, err)
	assert.Equal(t, 0.0, r1.MetricDelta)

	r2, err := s.Record(ctx, sample("A", 1.5, base.Add(time.Minute)))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, r2.MetricDelta, 1e-9)

	r3, err := s.Record(ctx, sample("A", 0.5, base.Add(2*time.Minute)))
	require.NoError(t, err)
	assert.InDelta(t, -1.0, r3.MetricDelta, 1e-9)

	rec, ok := s.Get("A")
	require.True(t, ok)
	assert.Equal(t, 3, rec.SampleCount)
	assert.Equal(t, 1.5, rec.BestMetric)
	assert.InDelta(t, 1.0, rec.AverageMetric, 1e-9)
	assert.Equal(t, base.Add(2*time.Minute), rec.LastEvaluatedAt)
	assert.Equal(t, base, rec.FirstSeenAt)
}

func TestStore_RecordFailuresAndTimeouts(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	at := time.Now()

	_, err := s.Record(ctx, actions.Result{ActionID: "a1", Kind: actions.KindOptimize, EntityKey: "A", Status: actions.StatusFailure, Error: "boom", FinishedAt: at})
	require.NoError(t, err)
	_, err = s.Record(ctx, actions.Result{ActionID: "a2", Kind: actions.KindTest, EntityKey: "A", Status: actions.StatusTimeout, FinishedAt: at.Add(time.Second)})
	require.NoError(t, err)

	rec, ok := s.Get("A")
	require.True(t, ok)
	assert.Equal(t, 0, rec.SampleCount)
	assert.Equal(t, 1, rec.FailureCount)
	assert.Equal(t, 1, rec.TimeoutCount)
	assert.True(t, rec.Evaluated())
	assert.False(t, rec.Sampled())

	totals := s.Totals()
	assert.Equal(t, Totals{Results: 2, Failure: 1, Timeout: 1}, totals)
}

func TestStore_DiscoveryCreatesEntities(t *testing.T) {
	s := newTestStore(t, nil)

	_, err := s.Record(context.Background(), actions.Result{
		ActionID:   "d1",
		Kind:       actions.KindDiscovery,
		Status:     actions.StatusSuccess,
		Discovered: []string{"macd", "rsi"},
		FinishedAt: time.Now(),
	})
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Equal(t, 2, snap.Len())
	rec, ok := snap.Get("macd")
	require.True(t, ok)
	assert.False(t, rec.Evaluated())
}

func TestStore_QueryMinSampleCount(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	at := time.Now()

	// A: best 1.5 over 3 samples; B: best 2.0 over 1 sample
	for _, m := range []float64{1.5, 1.0, 1.2} {
		_, err := s.Record(ctx, sample("A", m, at))
		require.NoError(t, err)
	}
	_, err := s.Record(ctx, sample("B", 2.0, at))
	require.NoError(t, err)

	got := s.Query(TopN(5, 2))
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].EntityKey)

	got = s.Query(TopN(5, 0))
	require.Len(t, got, 2)
	assert.Equal(t, "B", got[0].EntityKey)
}

func TestSnapshot_QueryOrdering(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	snap := NewSnapshot(
		Record{EntityKey: "d", SampleCount: 4, BestMetric: 2.0, AverageMetric: 1.0, LastEvaluatedAt: base.Add(3 * time.Hour)},
		Record{EntityKey: "b", SampleCount: 2, BestMetric: 2.0, AverageMetric: 1.8, LastEvaluatedAt: base.Add(1 * time.Hour)},
		Record{EntityKey: "a", SampleCount: 0},
		Record{EntityKey: "c", SampleCount: 2, BestMetric: 0.5, AverageMetric: 0.5, LastEvaluatedAt: base},
		Record{EntityKey: "e", SampleCount: 0},
	)

	tests := []struct {
		name     string
		criteria Criteria
		expected []string
	}{
		{"best metric ties by key", Criteria{Order: ByBestMetric}, []string{"b", "d", "c"}},
		{"average metric", Criteria{Order: ByAverageMetric}, []string{"b", "d", "c"}},
		{"limit", Criteria{Order: ByBestMetric, Limit: 1}, []string{"b"}},
		{"under-tested fewest first then stalest", Criteria{Order: UnderTested, Below: 3}, []string{"a", "e", "c", "b"}},
		{"stalest never evaluated first", Criteria{Order: Stalest}, []string{"a", "e", "c", "b", "d"}},
		{"stalest with min samples", Criteria{Order: Stalest, MinSampleCount: 3}, []string{"d"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := snap.Query(tt.criteria)
			keys := make([]string, 0, len(got))
			for _, r := range got {
				keys = append(keys, r.EntityKey)
			}
			assert.Equal(t, tt.expected, keys)
		})
	}
}

// failingBackend rejects writes for selected entities.
type failingBackend struct {
	*MemoryBackend
	failFor map[string]bool
}

func (f *failingBackend) AppendResult(ctx context.Context, result actions.Result) error {
	if f.failFor[result.EntityKey] {
		return errors.New("disk full")
	}
	return f.MemoryBackend.AppendResult(ctx, result)
}

func TestStore_WriteFailureIsIsolated(t *testing.T) {
	backend := &failingBackend{MemoryBackend: NewMemoryBackend(), failFor: map[string]bool{}}
	s := newTestStore(t, backend)
	ctx := context.Background()

	_, err := s.Record(ctx, sample("A", 1.0, time.Now()))
	require.NoError(t, err)

	backend.failFor["A"] = true
	_, err = s.Record(ctx, sample("A", 9.0, time.Now()))
	require.Error(t, err)

	var writeErr *StoreWriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "A", writeErr.EntityKey)

	rec, _ := s.Get("A")
	assert.Equal(t, 1, rec.SampleCount)
	assert.Equal(t, 1.0, rec.BestMetric)

	_, err = s.Record(ctx, sample("B", 2.0, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 2, s.Totals().Results)
}

func TestStore_ConcurrentWritesStayConsistent(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	const perEntity = 50
	keys := []string{"A", "B", "C", "D"}

	var wg sync.WaitGroup
	for _, key := range keys {
		for i := 0; i < perEntity; i++ {
			wg.Add(1)
			go func(key string, i int) {
				defer wg.Done()
				_, err := s.Record(ctx, sample(key, float64(i), time.Now()))
				assert.NoError(t, err)
			}(key, i)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	// Readers must never see an aggregate that disagrees with its samples.
	for {
		select {
		case <-done:
			snap := s.Snapshot()
			for _, key := range keys {
				rec, ok := snap.Get(key)
				require.True(t, ok)
				assert.Equal(t, perEntity, rec.SampleCount)
				assert.Equal(t, float64(perEntity-1), rec.BestMetric)
				assert.InDelta(t, float64(perEntity-1)/2, rec.AverageMetric, 1e-9)
			}
			assert.Equal(t, len(keys)*perEntity, snap.Totals.Results)
			return
		default:
			snap := s.Snapshot()
			for _, rec := range snap.Records() {
				if rec.SampleCount > 0 {
					assert.LessOrEqual(t, rec.AverageMetric, rec.BestMetric, fmt.Sprintf("entity %s", rec.EntityKey))
				}
			}
		}
	}
}

func TestStore_RebuildFromLog(t *testing.T) {
	backend := NewMemoryBackend()
	s := newTestStore(t, backend)
	ctx := context.Background()
	at := time.Now()

	_, err := s.Record(ctx, sample("A", 1.0, at))
	require.NoError(t, err)
	_, err = s.Record(ctx, sample("A", 3.0, at.Add(time.Second)))
	require.NoError(t, err)
	require.NoError(t, s.Observe(ctx, "Z"))
	require.NoError(t, s.SaveReport(ctx, CycleReport{Cycle: 4, Insights: []string{"ok"}}))

	rebuilt := NewStore(backend, testLogger())
	require.NoError(t, rebuilt.Rebuild(ctx))

	assert.Equal(t, s.Snapshot().Records(), rebuilt.Snapshot().Records())
	assert.Equal(t, s.Totals(), rebuilt.Totals())

	latest, ok := rebuilt.LatestReport()
	require.True(t, ok)
	assert.Equal(t, int64(4), latest.Cycle)
}

func TestStore_ObserveSkipsKnown(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	_, err := s.Record(ctx, sample("A", 1.0, time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.Observe(ctx, "A", "", "B"))

	rec, _ := s.Get("A")
	assert.Equal(t, 1, rec.SampleCount)
	assert.Equal(t, 2, s.Snapshot().Len())
}
