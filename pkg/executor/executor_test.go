package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/autolab/internal/observability"
	"github.com/harun/autolab/pkg/actions"
	"github.com/harun/autolab/pkg/knowledge"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.Disabled)
}

type eventLog struct {
	mu     sync.Mutex
	events []observability.Event
}

func (l *eventLog) Emit(ctx context.Context, e observability.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(t observability.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type harness struct {
	exec     *Executor
	store    *knowledge.Store
	registry *actions.Registry
	events   *eventLog
}

func newHarness(t *testing.T, cfg Config, specs ...actions.Spec) *harness {
	t.Helper()
	reg := actions.NewRegistry()
	for _, s := range specs {
		require.NoError(t, reg.Register(s))
	}
	store := knowledge.NewStore(knowledge.NewMemoryBackend(), testLogger())
	events := &eventLog{}
	return &harness{
		exec:     New(reg, store, events, testLogger(), cfg),
		store:    store,
		registry: reg,
		events:   events,
	}
}

func runner(fn func(ctx context.Context, a actions.Action) (actions.Payload, error)) actions.Implementation {
	return actions.Implementation{Runner: actions.RunnerFunc(fn)}
}

func sleeper(d time.Duration) actions.Implementation {
	return runner(func(ctx context.Context, a actions.Action) (actions.Payload, error) {
		time.Sleep(d)
		return actions.Payload{Metric: actions.Float64Ptr(1)}, nil
	})
}

func action(kind actions.Kind, entity string, timeout time.Duration) actions.Action {
	return actions.Action{ID: actions.NewActionID(), Kind: kind, EntityKey: entity, Timeout: timeout, Cycle: 1}
}

func TestExecuteCycle_Success(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrency: 2}, actions.Spec{
		Kind: actions.KindTest,
		Primary: runner(func(ctx context.Context, a actions.Action) (actions.Payload, error) {
			return actions.Payload{Metric: actions.Float64Ptr(1.25), Discovered: []string{"spinoff"}}, nil
		}),
	})

	batch := h.exec.ExecuteCycle(context.Background(), []actions.Action{action(actions.KindTest, "A", time.Second)})

	require.Len(t, batch.Results, 1)
	r := batch.Results[0]
	assert.Equal(t, actions.StatusSuccess, r.Status)
	require.NotNil(t, r.Metric)
	assert.Equal(t, 1.25, *r.Metric)
	assert.Equal(t, []string{"test"}, r.Implementations)
	assert.Empty(t, batch.Deferred)

	rec, ok := h.store.Get("A")
	require.True(t, ok)
	assert.Equal(t, 1, rec.SampleCount)
	_, ok = h.store.Get("spinoff")
	assert.True(t, ok)
	assert.Equal(t, 1, h.events.count(observability.EventActionFinished))
}

func TestExecuteCycle_TimeoutDoesNotWaitForCollaborator(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, Config{MaxConcurrency: 4}, actions.Spec{
		Kind: actions.KindTest,
		// Ignores cancellation, like a misbehaving collaborator.
		Primary: runner(func(ctx context.Context, a actions.Action) (actions.Payload, error) {
			<-release
			return actions.Payload{Metric: actions.Float64Ptr(9)}, nil
		}),
	})

	start := time.Now()
	batch := h.exec.ExecuteCycle(context.Background(), []actions.Action{action(actions.KindTest, "A", 200*time.Millisecond)})
	elapsed := time.Since(start)

	require.Len(t, batch.Results, 1)
	assert.Equal(t, actions.StatusTimeout, batch.Results[0].Status)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 700*time.Millisecond)

	// The key stays held until the collaborator returns.
	assert.True(t, h.exec.InFlightKeys()[actions.LockKey("A", actions.KindTest)])
	assert.Equal(t, 1, h.exec.InFlight())

	retry := h.exec.ExecuteCycle(context.Background(), []actions.Action{action(actions.KindTest, "A", time.Second)})
	assert.Empty(t, retry.Results)
	require.Len(t, retry.Deferred, 1)
	assert.Equal(t, 1, h.events.count(observability.EventActionDeferred))

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.exec.Wait(ctx))
	assert.Empty(t, h.exec.InFlightKeys())
	assert.Equal(t, 0, h.exec.InFlight())

	// The late completion is discarded.
	rec, _ := h.store.Get("A")
	assert.Equal(t, 0, rec.SampleCount)
	assert.Equal(t, 1, rec.TimeoutCount)
}

func TestExecuteCycle_SameEntityRunsSerially(t *testing.T) {
	var active, maxActive int32
	track := runner(func(ctx context.Context, a actions.Action) (actions.Payload, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(150 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return actions.Payload{}, nil
	})
	h := newHarness(t, Config{MaxConcurrency: 4},
		actions.Spec{Kind: actions.KindTest, Targeted: true, Primary: track},
		actions.Spec{Kind: actions.KindOptimize, Targeted: true, Primary: track},
	)

	first := action(actions.KindOptimize, "A", time.Second)
	second := action(actions.KindTest, "A", time.Second)

	start := time.Now()
	batch := h.exec.ExecuteCycle(context.Background(), []actions.Action{first, second})
	elapsed := time.Since(start)

	require.Len(t, batch.Results, 2)
	assert.Equal(t, first.ID, batch.Results[0].ActionID)
	assert.Equal(t, second.ID, batch.Results[1].ActionID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
}

func TestExecuteCycle_SameKeyTwiceInBatch(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, Config{MaxConcurrency: 4}, actions.Spec{
		Kind: actions.KindTest,
		Primary: runner(func(ctx context.Context, a actions.Action) (actions.Payload, error) {
			calls.Add(1)
			return actions.Payload{Metric: actions.Float64Ptr(1)}, nil
		}),
	})

	batch := h.exec.ExecuteCycle(context.Background(), []actions.Action{
		action(actions.KindTest, "A", time.Second),
		action(actions.KindTest, "A", time.Second),
	})

	assert.Len(t, batch.Results, 2)
	assert.Empty(t, batch.Deferred)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecuteCycle_BoundedConcurrency(t *testing.T) {
	var active, maxActive int32
	h := newHarness(t, Config{MaxConcurrency: 3}, actions.Spec{
		Kind: actions.KindDiscovery,
		Primary: runner(func(ctx context.Context, a actions.Action) (actions.Payload, error) {
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return actions.Payload{}, nil
		}),
	})

	list := make([]actions.Action, 10)
	for i := range list {
		list[i] = action(actions.KindDiscovery, "", time.Second)
	}
	batch := h.exec.ExecuteCycle(context.Background(), list)

	assert.Len(t, batch.Results, 10)
	assert.LessOrEqual(t, atomic.LoadInt32(&maxActive), int32(3))
	assert.Greater(t, atomic.LoadInt32(&maxActive), int32(1))
}

func TestExecuteCycle_AbandonedCallsHoldConcurrencySlots(t *testing.T) {
	release := make(chan struct{})
	var calls sync.Map
	h := newHarness(t, Config{MaxConcurrency: 1}, actions.Spec{
		Kind:     actions.KindTest,
		Targeted: true,
		Primary: runner(func(ctx context.Context, a actions.Action) (actions.Payload, error) {
			n, _ := calls.LoadOrStore(a.EntityKey, new(int32))
			atomic.AddInt32(n.(*int32), 1)
			if a.EntityKey == "A" {
				<-release
			}
			return actions.Payload{Metric: actions.Float64Ptr(1)}, nil
		}),
	})
	callCount := func(key string) int32 {
		n, ok := calls.Load(key)
		if !ok {
			return 0
		}
		return atomic.LoadInt32(n.(*int32))
	}

	first := h.exec.ExecuteCycle(context.Background(), []actions.Action{action(actions.KindTest, "A", 50*time.Millisecond)})
	require.Len(t, first.Results, 1)
	assert.Equal(t, actions.StatusTimeout, first.Results[0].Status)

	// A's collaborator still holds the only slot.
	second := h.exec.ExecuteCycle(context.Background(), []actions.Action{action(actions.KindTest, "B", 100*time.Millisecond)})
	require.Len(t, second.Results, 1)
	assert.Equal(t, actions.StatusTimeout, second.Results[0].Status)
	assert.Equal(t, int32(0), callCount("B"))
	assert.False(t, h.exec.InFlightKeys()[actions.LockKey("B", actions.KindTest)])

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.exec.Wait(ctx))

	third := h.exec.ExecuteCycle(context.Background(), []actions.Action{action(actions.KindTest, "B", time.Second)})
	require.Len(t, third.Results, 1)
	assert.Equal(t, actions.StatusSuccess, third.Results[0].Status)
	assert.Equal(t, int32(1), callCount("B"))
}

func TestExecuteCycle_BatchIsolation(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrency: 4}, actions.Spec{
		Kind: actions.KindTest,
		Primary: runner(func(ctx context.Context, a actions.Action) (actions.Payload, error) {
			switch a.EntityKey {
			case "boom":
				return actions.Payload{}, errors.New("collaborator exploded")
			case "panic":
				panic("unexpected nil")
			}
			return actions.Payload{Metric: actions.Float64Ptr(1)}, nil
		}),
	})

	list := []actions.Action{
		action(actions.KindTest, "ok-1", time.Second),
		action(actions.KindTest, "boom", time.Second),
		action(actions.KindTest, "panic", time.Second),
		action(actions.KindTest, "ok-2", time.Second),
	}
	batch := h.exec.ExecuteCycle(context.Background(), list)

	require.Len(t, batch.Results, 4)
	statuses := map[string]actions.Status{}
	for _, r := range batch.Results {
		statuses[r.EntityKey] = r.Status
	}
	assert.Equal(t, actions.StatusSuccess, statuses["ok-1"])
	assert.Equal(t, actions.StatusFailure, statuses["boom"])
	assert.Equal(t, actions.StatusFailure, statuses["panic"])
	assert.Equal(t, actions.StatusSuccess, statuses["ok-2"])

	assert.Contains(t, batch.Results[2].Error, "panic")
	assert.Equal(t, 4, h.store.Totals().Results)
}

func TestExecuteCycle_Fallbacks(t *testing.T) {
	failing := runner(func(ctx context.Context, a actions.Action) (actions.Payload, error) {
		return actions.Payload{}, errors.New("primary down")
	})

	t.Run("fallback succeeds", func(t *testing.T) {
		h := newHarness(t, Config{}, actions.Spec{
			Kind:    actions.KindOptimize,
			Primary: failing,
			Fallbacks: []actions.Implementation{
				{Name: "secondary", Runner: failing.Runner},
				{Name: "tertiary", Runner: actions.RunnerFunc(func(ctx context.Context, a actions.Action) (actions.Payload, error) {
					return actions.Payload{Metric: actions.Float64Ptr(3)}, nil
				})},
			},
		})

		batch := h.exec.ExecuteCycle(context.Background(), []actions.Action{action(actions.KindOptimize, "A", time.Second)})
		require.Len(t, batch.Results, 1)
		r := batch.Results[0]
		assert.Equal(t, actions.StatusSuccess, r.Status)
		assert.Equal(t, []string{"optimize", "secondary", "tertiary"}, r.Implementations)
	})

	t.Run("all fail", func(t *testing.T) {
		h := newHarness(t, Config{}, actions.Spec{
			Kind:      actions.KindOptimize,
			Primary:   failing,
			Fallbacks: []actions.Implementation{{Name: "secondary", Runner: failing.Runner}},
		})

		batch := h.exec.ExecuteCycle(context.Background(), []actions.Action{action(actions.KindOptimize, "A", time.Second)})
		require.Len(t, batch.Results, 1)
		r := batch.Results[0]
		assert.Equal(t, actions.StatusFailure, r.Status)
		assert.Contains(t, r.Error, ErrActionFailed.Error())
		assert.Contains(t, r.Error, "secondary: primary down")
	})

	t.Run("timeout skips fallbacks", func(t *testing.T) {
		var fallbackCalls atomic.Int32
		h := newHarness(t, Config{}, actions.Spec{
			Kind: actions.KindOptimize,
			Primary: runner(func(ctx context.Context, a actions.Action) (actions.Payload, error) {
				<-ctx.Done()
				return actions.Payload{}, ctx.Err()
			}),
			Fallbacks: []actions.Implementation{{Name: "secondary", Runner: actions.RunnerFunc(func(ctx context.Context, a actions.Action) (actions.Payload, error) {
				fallbackCalls.Add(1)
				return actions.Payload{}, nil
			})}},
		})

		batch := h.exec.ExecuteCycle(context.Background(), []actions.Action{action(actions.KindOptimize, "A", 100*time.Millisecond)})
		require.Len(t, batch.Results, 1)
		assert.Equal(t, actions.StatusTimeout, batch.Results[0].Status)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, h.exec.Wait(ctx))
		assert.Equal(t, int32(0), fallbackCalls.Load())
	})
}

func TestExecuteCycle_UnregisteredKind(t *testing.T) {
	h := newHarness(t, Config{})

	batch := h.exec.ExecuteCycle(context.Background(), []actions.Action{action(actions.KindTest, "A", time.Second)})
	require.Len(t, batch.Results, 1)
	assert.Equal(t, actions.StatusFailure, batch.Results[0].Status)
	assert.Empty(t, h.exec.InFlightKeys())
}

type brokenRecorder struct{}

func (brokenRecorder) Record(ctx context.Context, r actions.Result) (actions.Result, error) {
	return r, &knowledge.StoreWriteError{EntityKey: r.EntityKey, ActionID: r.ActionID, Err: fmt.Errorf("disk full")}
}

func TestExecuteCycle_StoreErrorDoesNotEscape(t *testing.T) {
	reg := actions.NewRegistry()
	require.NoError(t, reg.Register(actions.Spec{Kind: actions.KindTest, Primary: sleeper(0)}))
	events := &eventLog{}
	exec := New(reg, brokenRecorder{}, events, testLogger(), Config{})

	batch := exec.ExecuteCycle(context.Background(), []actions.Action{
		action(actions.KindTest, "A", time.Second),
		action(actions.KindTest, "B", time.Second),
	})

	assert.Len(t, batch.Results, 2)
	assert.Equal(t, 2, events.count(observability.EventStoreError))
}

func TestExecuteCycle_CancelledParentStillRuns(t *testing.T) {
	h := newHarness(t, Config{}, actions.Spec{Kind: actions.KindTest, Primary: sleeper(10 * time.Millisecond)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch := h.exec.ExecuteCycle(ctx, []actions.Action{action(actions.KindTest, "A", time.Second)})
	require.Len(t, batch.Results, 1)
	assert.Equal(t, actions.StatusSuccess, batch.Results[0].Status)
}

func TestBuildLanes(t *testing.T) {
	list := []actions.Action{
		{EntityKey: "A"},
		{},
		{EntityKey: "B"},
		{EntityKey: "A"},
		{},
	}
	assert.Equal(t, []lane{{0, 3}, {1}, {2}, {4}}, buildLanes(list))
}

func TestLockTable(t *testing.T) {
	l := NewLockTable()
	assert.True(t, l.TryAcquire("test/A"))
	assert.False(t, l.TryAcquire("test/A"))
	assert.True(t, l.TryAcquire("optimize/A"))
	assert.Equal(t, []string{"optimize/A", "test/A"}, l.Keys())

	l.Release("test/A")
	l.Release("test/A")
	assert.False(t, l.Held("test/A"))
	assert.Equal(t, 1, l.Len())
}
