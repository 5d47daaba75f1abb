package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/autolab/internal/observability"
	"github.com/harun/autolab/internal/tracing"
	"github.com/harun/autolab/pkg/actions"
	"github.com/harun/autolab/pkg/evaluator"
	"github.com/harun/autolab/pkg/executor"
	"github.com/harun/autolab/pkg/goals"
	"github.com/harun/autolab/pkg/knowledge"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Store is the part of the knowledge store the scheduler reads and writes.
type Store interface {
	Snapshot() knowledge.Snapshot
	Totals() knowledge.Totals
	SaveReport(ctx context.Context, report knowledge.CycleReport) error
	LatestReport() (knowledge.CycleReport, bool)
}

// Evaluator measures goals against a snapshot.
type Evaluator interface {
	Evaluate(gs []goals.Goal, snap knowledge.Snapshot) evaluator.Report
}

// Planner turns an evaluation into actions.
type Planner interface {
	Plan(report evaluator.Report, maxActions int, inFlight map[string]bool) []actions.Action
}

// Executor runs action batches.
type Executor interface {
	ExecuteCycle(ctx context.Context, list []actions.Action) executor.Batch
	InFlightKeys() map[string]bool
	InFlight() int
}

// Config controls cycle cadence and failure handling.
type Config struct {
	MaxActionsPerCycle     int
	CycleInterval          time.Duration
	CycleSchedule          string
	BaseBackoffDelay       time.Duration
	MaxBackoffDelay        time.Duration
	MaxConsecutiveFailures int
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MaxActionsPerCycle:     10,
		CycleInterval:          0,
		BaseBackoffDelay:       5 * time.Second,
		MaxBackoffDelay:        60 * time.Second,
		MaxConsecutiveFailures: 5,
	}
}

// Deps groups the collaborators of a Scheduler.
type Deps struct {
	Goals     goals.Source
	Store     Store
	Evaluator Evaluator
	Planner   Planner
	Executor  Executor
	Sink      observability.Sink
	Logger    zerolog.Logger
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	State               State                  `json:"state"`
	Cycle               int64                  `json:"cycle"`
	ConsecutiveFailures int                    `json:"consecutive_failures"`
	InFlight            int                    `json:"in_flight"`
	Deferred            int                    `json:"deferred"`
	NextCycleAt         time.Time              `json:"next_cycle_at,omitempty"`
	LastError           string                 `json:"last_error,omitempty"`
	LastReport          *knowledge.CycleReport `json:"last_report,omitempty"`
	Evaluation          *evaluator.Report      `json:"evaluation,omitempty"`
	Totals              knowledge.Totals       `json:"totals"`
}

// Scheduler drives the evaluate, plan, execute and record loop.
type Scheduler struct {
	cfg      Config
	deps     Deps
	cadence  Cadence
	backoff  Backoff
	logger   zerolog.Logger
	sink     observability.Sink
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	stopCh   chan struct{}
	stopOnce sync.Once

	mu                  sync.RWMutex
	state               State
	cycle               int64
	consecutiveFailures int
	deferred            []actions.Action
	nextCycleAt         time.Time
	lastError           string
	lastReport          *knowledge.CycleReport
	evaluation          *evaluator.Report
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithSleep overrides how the scheduler waits between cycles. The function
// must return a non-nil error when ctx is done.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) { s.sleep = sleep }
}

// New creates a scheduler. Cycle numbering resumes after the latest stored
// report.
func New(cfg Config, deps Deps, opts ...Option) (*Scheduler, error) {
	if deps.Goals == nil || deps.Store == nil || deps.Evaluator == nil || deps.Planner == nil || deps.Executor == nil {
		return nil, errors.New("scheduler requires goals, store, evaluator, planner and executor")
	}
	if cfg.MaxActionsPerCycle < 0 {
		return nil, fmt.Errorf("max actions per cycle must be non-negative, got %d", cfg.MaxActionsPerCycle)
	}
	if cfg.MaxConsecutiveFailures < 1 {
		return nil, fmt.Errorf("max consecutive failures must be at least 1, got %d", cfg.MaxConsecutiveFailures)
	}

	cadence, err := NewCadence(cfg.CycleInterval, cfg.CycleSchedule)
	if err != nil {
		return nil, err
	}

	observability.EnsureRegistered()

	sink := deps.Sink
	if sink == nil {
		sink = observability.NopSink{}
	}

	s := &Scheduler{
		cfg:     cfg,
		deps:    deps,
		cadence: cadence,
		backoff: Backoff{Base: cfg.BaseBackoffDelay, Max: cfg.MaxBackoffDelay},
		logger:  deps.Logger.With().Str("component", "scheduler").Logger(),
		sink:    sink,
		now:     time.Now,
		sleep:   sleepContext,
		stopCh:  make(chan struct{}),
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}

	if latest, ok := deps.Store.LatestReport(); ok {
		s.cycle = latest.Cycle
		r := latest
		s.lastReport = &r
	}

	return s, nil
}

// Run executes cycles until Stop is called, ctx is cancelled or the failure
// cap is reached. It returns nil on a requested stop and an error wrapping
// ErrTooManyFailures at the cap. Stop is observed between cycles only.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx = tracing.NewRunContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Int("max_actions", s.cfg.MaxActionsPerCycle).
		Int("max_failures", s.cfg.MaxConsecutiveFailures).
		Msg("Scheduler started")

	for {
		if ctx.Err() != nil {
			s.stopped(ctx)
			return nil
		}

		start := s.now()
		_, err := s.runCycle(ctx)
		if err != nil {
			failures := s.recordFailure(err)
			observability.SetConsecutiveFailures(failures)

			if failures >= s.cfg.MaxConsecutiveFailures {
				s.setState(ctx, StateFailed)
				logger.Error().Err(err).Int("failures", failures).Msg("Failure cap reached, stopping scheduler")
				return fmt.Errorf("%w: %d in a row: %w", ErrTooManyFailures, failures, err)
			}

			delay := s.backoff.Delay(failures)
			observability.SetBackoffDelay(delay)
			s.setNextCycle(s.now().Add(delay))
			s.setState(ctx, StateBackoff)
			s.sink.Emit(ctx, observability.Event{
				Type:     observability.EventBackoff,
				Message:  err.Error(),
				Duration: delay,
				Data:     map[string]interface{}{"consecutive_failures": failures},
			})

			if s.sleep(ctx, delay) != nil {
				s.stopped(ctx)
				return nil
			}
			continue
		}

		s.resetFailures()
		observability.SetConsecutiveFailures(0)
		observability.SetBackoffDelay(0)

		now := s.now()
		next := s.cadence.Next(start, now)
		s.setNextCycle(next)
		s.setState(ctx, StateSleeping)
		if wait := next.Sub(now); wait > 0 {
			if s.sleep(ctx, wait) != nil {
				s.stopped(ctx)
				return nil
			}
		} else if ctx.Err() != nil {
			s.stopped(ctx)
			return nil
		}
	}
}

// RunOnce executes a single cycle without backoff handling.
func (s *Scheduler) RunOnce(ctx context.Context) (knowledge.CycleReport, error) {
	ctx = tracing.NewRunContext(ctx)
	report, err := s.runCycle(ctx)
	if err != nil {
		s.recordFailure(err)
		s.setState(ctx, StateFailed)
		return report, err
	}
	s.resetFailures()
	s.setState(ctx, StateIdle)
	return report, nil
}

// Stop asks the scheduler to stop after the current cycle. It does not
// interrupt running actions.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// Status returns the current scheduler status.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	st := Status{
		State:               s.state,
		Cycle:               s.cycle,
		ConsecutiveFailures: s.consecutiveFailures,
		Deferred:            len(s.deferred),
		NextCycleAt:         s.nextCycleAt,
		LastError:           s.lastError,
		LastReport:          s.lastReport,
		Evaluation:          s.evaluation,
	}
	s.mu.RUnlock()

	st.InFlight = s.deps.Executor.InFlight()
	st.Totals = s.deps.Store.Totals()
	return st
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Scheduler) runCycle(ctx context.Context) (report knowledge.CycleReport, err error) {
	cycle := s.nextCycle()
	ctx = tracing.NewCycleContext(ctx, cycle)
	ctx, span := tracing.StartSpan(ctx, "autolab.scheduler", "scheduler.cycle",
		attribute.Int64("cycle", cycle),
	)
	logger := tracing.LoggerFromContext(ctx, s.logger)

	// Store writes and action execution must survive a stop request.
	workCtx := tracing.DetachContext(ctx)

	start := s.now()
	report = knowledge.CycleReport{Cycle: cycle, StartedAt: start}

	defer func() {
		if r := recover(); r != nil {
			err = &CycleError{Cycle: cycle, Phase: s.State(), Err: fmt.Errorf("panic: %v", r)}
		}
		if err != nil {
			report.EndedAt = s.now()
			report.Error = err.Error()
			if saveErr := s.deps.Store.SaveReport(workCtx, report); saveErr != nil {
				logger.Warn().Err(saveErr).Msg("Failed to save failed cycle report")
			}
			s.setLastReport(report, nil)
			observability.RecordCycle(report.EndedAt.Sub(start), false)
			logger.Error().Err(err).Msg("Cycle failed")
		}
		tracing.EndSpan(span, err)
	}()

	s.sink.Emit(ctx, observability.Event{Type: observability.EventCycleStarted, Cycle: cycle})

	s.setState(ctx, StateEvaluating)
	gs := s.deps.Goals.Goals()
	before := s.deps.Evaluator.Evaluate(gs, s.deps.Store.Snapshot())
	for _, g := range before.Goals {
		observability.SetGoal(g.Goal.Name, g.Current, g.Deficit)
	}

	s.setState(ctx, StatePlanning)
	list := s.plan(before, cycle)
	report.ActionsPlanned = len(list)

	s.setState(ctx, StateExecuting)
	batch := s.deps.Executor.ExecuteCycle(workCtx, list)

	s.setState(ctx, StateRecording)
	s.setDeferred(batch.Deferred)

	after := s.deps.Evaluator.Evaluate(gs, s.deps.Store.Snapshot())
	success, failure, timeout := batch.Counts()
	report.ActionsExecuted = len(batch.Results)
	report.ActionsDeferred = len(batch.Deferred)
	report.SuccessCount = success
	report.FailureCount = failure
	report.TimeoutCount = timeout
	report.Insights = Insights(before, after, batch)
	report.EndedAt = s.now()

	if saveErr := s.deps.Store.SaveReport(workCtx, report); saveErr != nil {
		return report, &CycleError{Cycle: cycle, Phase: StateRecording, Err: saveErr}
	}

	for _, insight := range report.Insights {
		s.sink.Emit(ctx, observability.Event{Type: observability.EventInsight, Cycle: cycle, Message: insight})
	}

	duration := report.EndedAt.Sub(start)
	observability.RecordCycle(duration, true)
	s.setLastReport(report, &after)

	s.sink.Emit(ctx, observability.Event{
		Type:     observability.EventCycleCompleted,
		Cycle:    cycle,
		Duration: duration,
		Data: map[string]interface{}{
			"planned":  report.ActionsPlanned,
			"executed": report.ActionsExecuted,
			"deferred": report.ActionsDeferred,
			"success":  success,
			"failure":  failure,
			"timeout":  timeout,
		},
	})

	span.SetAttributes(
		attribute.Int("planned", report.ActionsPlanned),
		attribute.Int("executed", report.ActionsExecuted),
		attribute.Int("deferred", report.ActionsDeferred),
	)
	return report, nil
}

// plan puts actions deferred by the previous cycle ahead of newly planned
// ones. Both share the per-cycle action budget.
func (s *Scheduler) plan(report evaluator.Report, cycle int64) []actions.Action {
	limit := s.cfg.MaxActionsPerCycle
	carried := s.takeDeferred()
	if len(carried) > limit {
		s.setDeferred(carried[limit:])
		carried = carried[:limit]
	}

	inFlight := s.deps.Executor.InFlightKeys()
	if inFlight == nil {
		inFlight = make(map[string]bool)
	}
	for _, a := range carried {
		if key := a.LockKey(); key != "" {
			inFlight[key] = true
		}
	}

	fresh := s.deps.Planner.Plan(report, limit-len(carried), inFlight)

	list := make([]actions.Action, 0, len(carried)+len(fresh))
	list = append(list, carried...)
	list = append(list, fresh...)
	for i := range list {
		list[i].Cycle = cycle
	}
	return list
}

func (s *Scheduler) setState(ctx context.Context, state State) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()

	if prev == state {
		return
	}
	s.sink.Emit(ctx, observability.Event{
		Type:    observability.EventStateChanged,
		Cycle:   tracing.GetCycle(ctx),
		Status:  state.String(),
		Message: prev.String() + " -> " + state.String(),
	})
}

func (s *Scheduler) stopped(ctx context.Context) {
	s.setNextCycle(time.Time{})
	s.setState(ctx, StateStopped)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) nextCycle() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycle++
	return s.cycle
}

func (s *Scheduler) recordFailure(err error) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures++
	s.lastError = err.Error()
	return s.consecutiveFailures
}

func (s *Scheduler) resetFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures = 0
	s.lastError = ""
}

func (s *Scheduler) setNextCycle(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCycleAt = t
}

func (s *Scheduler) setLastReport(report knowledge.CycleReport, evaluation *evaluator.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReport = &report
	if evaluation != nil {
		s.evaluation = evaluation
	}
}

func (s *Scheduler) takeDeferred() []actions.Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.deferred
	s.deferred = nil
	return out
}

func (s *Scheduler) setDeferred(list []actions.Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deferred = append(s.deferred, list...)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
