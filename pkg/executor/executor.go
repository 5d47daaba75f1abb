package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/autolab/internal/observability"
	"github.com/harun/autolab/internal/tracing"
	"github.com/harun/autolab/pkg/actions"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Recorder persists results. knowledge.Store satisfies it.
type Recorder interface {
	Record(ctx context.Context, result actions.Result) (actions.Result, error)
}

// Config holds executor settings.
type Config struct {
	// MaxConcurrency bounds the number of lanes running at once.
	MaxConcurrency int
	// DefaultTimeout applies to actions without their own timeout.
	DefaultTimeout time.Duration
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		DefaultTimeout: 30 * time.Second,
	}
}

// Batch is the outcome of one ExecuteCycle call.
type Batch struct {
	// Results holds one result per executed action, in submission order.
	Results []actions.Result
	// Deferred holds actions skipped because their lock key was held.
	Deferred []actions.Action
}

// Counts returns the number of results per status.
func (b Batch) Counts() (success, failure, timeout int) {
	for _, r := range b.Results {
		switch r.Status {
		case actions.StatusSuccess:
			success++
		case actions.StatusFailure:
			failure++
		case actions.StatusTimeout:
			timeout++
		}
	}
	return success, failure, timeout
}

// Executor runs action batches.
type Executor struct {
	registry *actions.Registry
	store    Recorder
	sink     observability.Sink
	logger   zerolog.Logger
	cfg      Config

	locks    *LockTable
	slots    chan struct{}
	running  atomic.Int64
	inflight sync.WaitGroup
	now      func() time.Time
}

// New creates an executor.
func New(registry *actions.Registry, store Recorder, sink observability.Sink, logger zerolog.Logger, cfg Config) *Executor {
	observability.EnsureRegistered()

	def := DefaultConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if sink == nil {
		sink = observability.NopSink{}
	}

	return &Executor{
		registry: registry,
		store:    store,
		sink:     sink,
		logger:   logger.With().Str("component", "executor").Logger(),
		cfg:      cfg,
		locks:    NewLockTable(),
		slots:    make(chan struct{}, cfg.MaxConcurrency),
		now:      time.Now,
	}
}

// ExecuteCycle runs list and blocks until every executed action has either
// returned or timed out. ctx carries tracing values; its cancellation does
// not interrupt actions, which run under their own deadlines.
func (e *Executor) ExecuteCycle(ctx context.Context, list []actions.Action) Batch {
	if len(list) == 0 {
		return Batch{}
	}

	ctx, span := tracing.StartSpan(ctx, "autolab.executor", "executor.execute_cycle",
		attribute.Int("actions", len(list)),
	)
	defer span.End()

	runCtx := tracing.DetachContext(ctx)
	results := make([]*actions.Result, len(list))
	deferred := make([]bool, len(list))

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxConcurrency)
	for _, ln := range buildLanes(list) {
		ln := ln
		g.Go(func() error {
			for _, i := range ln {
				res, ok := e.runAction(runCtx, list[i])
				if !ok {
					deferred[i] = true
					continue
				}
				results[i] = &res
			}
			return nil
		})
	}
	_ = g.Wait()

	var batch Batch
	for i := range list {
		switch {
		case deferred[i]:
			batch.Deferred = append(batch.Deferred, list[i])
		case results[i] != nil:
			batch.Results = append(batch.Results, *results[i])
		}
	}

	success, failure, timeout := batch.Counts()
	span.SetAttributes(
		attribute.Int("success", success),
		attribute.Int("failure", failure),
		attribute.Int("timeout", timeout),
		attribute.Int("deferred", len(batch.Deferred)),
	)
	return batch
}

// InFlightKeys returns the lock keys currently held, including keys of
// timed-out actions whose collaborators have not returned.
func (e *Executor) InFlightKeys() map[string]bool {
	keys := e.locks.Keys()
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		out[k] = true
	}
	return out
}

// InFlight returns the number of collaborator calls still running.
func (e *Executor) InFlight() int {
	return int(e.running.Load())
}

// Wait blocks until every abandoned collaborator call has returned or ctx
// is done.
func (e *Executor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type chainOutcome struct {
	payload actions.Payload
	impls   []string
	err     error
}

// runAction executes one action and records its result. It returns false
// when the action was deferred.
func (e *Executor) runAction(ctx context.Context, action actions.Action) (actions.Result, bool) {
	ctx = tracing.WithAction(ctx, action.ID, action.Kind.String(), action.EntityKey)
	logger := tracing.LoggerFromContext(ctx, e.logger)

	key := action.LockKey()
	if key != "" && !e.locks.TryAcquire(key) {
		observability.RecordDeferral(action.Kind.String())
		e.sink.Emit(ctx, observability.Event{
			Type:      observability.EventActionDeferred,
			Cycle:     action.Cycle,
			ActionID:  action.ID,
			Kind:      action.Kind.String(),
			EntityKey: action.EntityKey,
			Message:   ErrLockContention.Error(),
		})
		logger.Debug().Str("lock_key", key).Msg("Action deferred, lock held")
		return actions.Result{}, false
	}

	ctx, span := tracing.StartSpan(ctx, "autolab.executor", "executor.action",
		attribute.String("action.id", action.ID),
		attribute.String("action.kind", action.Kind.String()),
		attribute.String("entity.key", action.EntityKey),
	)

	timeout := action.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	start := e.now()
	result := actions.Result{
		ActionID:  action.ID,
		Kind:      action.Kind,
		EntityKey: action.EntityKey,
		Cycle:     action.Cycle,
	}

	spec, ok := e.registry.Lookup(action.Kind)
	if !ok {
		if key != "" {
			e.locks.Release(key)
		}
		result.Status = actions.StatusFailure
		result.Error = fmt.Errorf("%w: %s", actions.ErrKindNotRegistered, action.Kind).Error()
	} else {
		out, timedOut := e.dispatch(ctx, spec, action, key, timeout)
		result.Implementations = out.impls
		switch {
		case timedOut:
			result.Status = actions.StatusTimeout
			result.Error = fmt.Errorf("%w after %s", ErrActionTimeout, timeout).Error()
		case out.err != nil:
			result.Status = actions.StatusFailure
			result.Error = out.err.Error()
		default:
			result.Status = actions.StatusSuccess
			result.Metric = out.payload.Metric
			result.Discovered = out.payload.Discovered
		}
	}

	result.FinishedAt = e.now()
	result.Duration = result.FinishedAt.Sub(start)

	result = e.record(ctx, logger, result)

	var spanErr error
	if result.Status != actions.StatusSuccess {
		spanErr = errors.New(result.Error)
	}
	tracing.EndSpan(span, spanErr)

	return result, true
}

// dispatch runs the implementation chain in its own goroutine and waits for
// it or the deadline. The lock key and the concurrency slot are released
// when the chain returns. An action that cannot get a slot before its
// deadline times out without calling any collaborator.
func (e *Executor) dispatch(ctx context.Context, spec actions.Spec, action actions.Action, key string, timeout time.Duration) (chainOutcome, bool) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Slots are held until the collaborator returns, abandoned or not.
	select {
	case e.slots <- struct{}{}:
	case <-runCtx.Done():
		if key != "" {
			e.locks.Release(key)
		}
		return chainOutcome{}, true
	}

	done := make(chan chainOutcome, 1)
	e.running.Add(1)
	e.inflight.Add(1)
	observability.AddActionsInFlight(1)

	go func() {
		defer e.inflight.Done()
		out := e.runChain(runCtx, spec, action)
		<-e.slots
		if key != "" {
			e.locks.Release(key)
		}
		e.running.Add(-1)
		observability.AddActionsInFlight(-1)
		done <- out
	}()

	select {
	case out := <-done:
		return out, isDeadline(runCtx, out.err)
	case <-runCtx.Done():
		select {
		case out := <-done:
			return out, isDeadline(runCtx, out.err)
		default:
		}
		return chainOutcome{}, true
	}
}

// runChain tries the primary implementation, then each fallback, until one
// succeeds or the deadline passes.
func (e *Executor) runChain(ctx context.Context, spec actions.Spec, action actions.Action) chainOutcome {
	var out chainOutcome
	var errs []error

	for i, impl := range spec.Chain() {
		if i > 0 {
			if ctx.Err() != nil {
				break
			}
			observability.RecordFallback(action.Kind.String())
			logger := tracing.LoggerFromContext(ctx, e.logger)
			logger.Debug().
				Str("implementation", impl.Name).
				Msg("Trying fallback implementation")
		}

		out.impls = append(out.impls, impl.Name)
		payload, err := safeRun(ctx, impl, action)
		if err == nil {
			out.payload = payload
			out.err = nil
			return out
		}
		if ctx.Err() != nil {
			out.err = ctx.Err()
			return out
		}
		errs = append(errs, fmt.Errorf("%s: %w", impl.Name, err))
	}

	if ctx.Err() != nil {
		out.err = ctx.Err()
		return out
	}
	out.err = fmt.Errorf("%w: %w", ErrActionFailed, errors.Join(errs...))
	return out
}

func safeRun(ctx context.Context, impl actions.Implementation, action actions.Action) (payload actions.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v\n%s", impl.Name, r, debug.Stack())
		}
	}()
	return impl.Runner.Run(ctx, action)
}

func isDeadline(ctx context.Context, err error) bool {
	return err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && errors.Is(err, context.DeadlineExceeded)
}

func (e *Executor) record(ctx context.Context, logger zerolog.Logger, result actions.Result) actions.Result {
	stored, err := e.store.Record(ctx, result)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to record action result")
		e.sink.Emit(ctx, observability.Event{
			Type:      observability.EventStoreError,
			Cycle:     result.Cycle,
			ActionID:  result.ActionID,
			Kind:      result.Kind.String(),
			EntityKey: result.EntityKey,
			Message:   err.Error(),
		})
	} else {
		result = stored
	}

	observability.RecordAction(result.Kind.String(), string(result.Status), result.Duration)

	event := observability.Event{
		Type:      observability.EventActionFinished,
		Cycle:     result.Cycle,
		ActionID:  result.ActionID,
		Kind:      result.Kind.String(),
		EntityKey: result.EntityKey,
		Status:    string(result.Status),
		Duration:  result.Duration,
		Message:   result.Error,
	}
	if result.Metric != nil {
		event.Data = map[string]interface{}{
			"metric":       *result.Metric,
			"metric_delta": result.MetricDelta,
		}
	}
	if len(result.Discovered) > 0 {
		if event.Data == nil {
			event.Data = map[string]interface{}{}
		}
		event.Data["discovered"] = len(result.Discovered)
	}
	e.sink.Emit(ctx, event)

	return result
}
