package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/autolab/internal/config"
	"github.com/harun/autolab/internal/logger"
	"github.com/harun/autolab/internal/observability"
	"github.com/harun/autolab/internal/tracing"
	"github.com/harun/autolab/pkg/actions"
	"github.com/harun/autolab/pkg/control"
	"github.com/harun/autolab/pkg/evaluator"
	"github.com/harun/autolab/pkg/executor"
	"github.com/harun/autolab/pkg/goals"
	"github.com/harun/autolab/pkg/knowledge"
	"github.com/harun/autolab/pkg/planner"
	"github.com/harun/autolab/pkg/scheduler"
	"github.com/rs/zerolog"
)

// Version is reported as the tracing service version.
var Version = "dev"

const (
	drainTimeout    = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Daemon wires the knowledge store, the action registry and the scheduler
// into one process.
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	log    zerolog.Logger

	// Core modules
	store     *knowledge.Store
	registry  *actions.Registry
	goals     goals.Source
	executor  *executor.Executor
	planner   *planner.Planner
	scheduler *scheduler.Scheduler

	// Event sinks
	sink  observability.Fanout
	audit *observability.AuditSink

	// Services
	control   *control.Server
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	runErr error

	startTime time.Time
	running   bool
	mu        sync.RWMutex
	closeOnce sync.Once

	tracingEnabled bool
}

// Status is the daemon status served on /status.
type Status struct {
	Running   bool             `json:"running"`
	PID       int              `json:"pid"`
	StartTime time.Time        `json:"start_time,omitempty"`
	Uptime    time.Duration    `json:"uptime"`
	Kinds     []string         `json:"kinds"`
	Scheduler scheduler.Status `json:"scheduler"`
}

// New creates a daemon from a validated configuration.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config:    cfg,
		logger:    log,
		log:       log.Component("daemon"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		lifecycle: NewLifecycleManager(cfg.PIDFile, log.Zerolog()),
	}

	observability.EnsureRegistered()
	if cfg.Tracing.Enabled {
		err := tracing.InitOpenTelemetry(tracing.ProviderConfig{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: Version,
			SampleRatio:    cfg.Tracing.SampleRatio,
		})
		if err != nil {
			d.log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			d.log.Info().Msg("Tracing initialized successfully")
		}
	}

	if err := d.initializeSinks(); err != nil {
		d.release()
		return nil, fmt.Errorf("failed to initialize event sinks: %w", err)
	}

	if err := d.initializeCoreModules(); err != nil {
		d.release()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.release()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return d, nil
}

func (d *Daemon) initializeSinks() error {
	d.sink = observability.Fanout{observability.NewLogSink(d.logger.Component("events"))}

	if d.config.AuditFile != "" {
		if err := os.MkdirAll(filepath.Dir(d.config.AuditFile), 0755); err != nil {
			return err
		}
		audit, err := observability.NewAuditSink(d.config.AuditFile)
		if err != nil {
			return fmt.Errorf("failed to open audit file: %w", err)
		}
		d.audit = audit
		d.sink = append(d.sink, audit)
	}
	return nil
}

func (d *Daemon) initializeCoreModules() error {
	backend, err := d.openBackend()
	if err != nil {
		return err
	}
	d.store = knowledge.NewStore(backend, d.logger.Zerolog())

	rebuildCtx, cancel := context.WithTimeout(d.ctx, drainTimeout)
	err = d.store.Rebuild(rebuildCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to rebuild knowledge store: %w", err)
	}

	d.registry, err = buildRegistry(d.config.Kinds, d.logger.Component("registry"))
	if err != nil {
		return fmt.Errorf("failed to build action registry: %w", err)
	}

	if d.config.GoalsFile != "" {
		source, err := goals.NewFileSource(d.config.GoalsFile, d.logger.Zerolog(), d.goalsReloaded)
		if err != nil {
			return fmt.Errorf("failed to load goals: %w", err)
		}
		d.goals = source
	} else {
		gs, err := goals.BuildAll(d.config.GoalSpecs())
		if err != nil {
			return fmt.Errorf("invalid goals: %w", err)
		}
		d.goals = goals.StaticSource(gs)
	}

	d.executor = executor.New(d.registry, d.store, d.sinkFunc(), d.logger.Zerolog(), d.config.ExecutorConfig())
	d.planner = planner.New(d.registry, d.config.PlannerConfig())

	d.scheduler, err = scheduler.New(d.config.SchedulerConfig(), scheduler.Deps{
		Goals:     d.goals,
		Store:     d.store,
		Evaluator: evaluator.New(),
		Planner:   d.planner,
		Executor:  d.executor,
		Sink:      d.sinkFunc(),
		Logger:    d.logger.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	d.log.Info().
		Str("store", d.config.Store.Driver).
		Int("kinds", len(d.registry.Kinds())).
		Int("goals", len(d.goals.Goals())).
		Msg("Core modules initialized")
	return nil
}

func (d *Daemon) openBackend() (knowledge.Backend, error) {
	switch d.config.Store.Driver {
	case "memory":
		return knowledge.NewMemoryBackend(), nil
	case "sqlite", "":
		if err := os.MkdirAll(filepath.Dir(d.config.Store.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		backend, err := knowledge.OpenSQLite(d.config.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open knowledge store: %w", err)
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", d.config.Store.Driver)
	}
}

func (d *Daemon) initializeServices() error {
	if !d.config.Control.Enabled {
		return nil
	}

	server, err := control.NewServer(control.Config{
		Addr:         d.config.ControlAddr(),
		SharedSecret: d.config.Control.SharedSecret,
		Controller:   controller{d},
		Logger:       d.logger.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create control server: %w", err)
	}
	d.control = server

	d.mu.Lock()
	d.sink = append(d.sink, server.Broadcaster())
	d.mu.Unlock()
	return nil
}

// sinkFunc resolves the fanout per event so sinks added after the
// executor and scheduler are built still receive events.
func (d *Daemon) sinkFunc() observability.Sink {
	return observability.SinkFunc(func(ctx context.Context, event observability.Event) {
		d.mu.RLock()
		sink := d.sink
		d.mu.RUnlock()
		sink.Emit(ctx, event)
	})
}

func (d *Daemon) goalsReloaded(gs []goals.Goal) {
	names := make([]string, 0, len(gs))
	for _, g := range gs {
		names = append(names, g.Name)
	}
	d.sinkFunc().Emit(d.ctx, observability.Event{
		Type:    observability.EventGoalsReloaded,
		Message: fmt.Sprintf("%d goals loaded", len(gs)),
		Data:    map[string]interface{}{"goals": names},
	})
}

// Start writes the PID file, starts the control server and runs the
// scheduler in the background.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting autolab daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setRunning(false)
		return err
	}

	if d.control != nil {
		if err := d.control.Start(); err != nil {
			_ = d.lifecycle.Stop()
			d.setRunning(false)
			return fmt.Errorf("failed to start control server: %w", err)
		}
		logger.Info().Str("addr", d.control.Addr()).Msg("Control server started")
	}

	go func() {
		defer close(d.done)
		err := d.scheduler.Run(d.ctx)
		d.mu.Lock()
		d.runErr = err
		d.mu.Unlock()
		if err != nil {
			logger.Error().Err(err).Msg("Scheduler exited")
		}
	}()

	logger.Info().Msg("Daemon started successfully")
	return nil
}

// RunOnce executes a single cycle, waits for its actions and returns the
// stored report. The daemon must not be started.
func (d *Daemon) RunOnce(ctx context.Context) (knowledge.CycleReport, error) {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()
	if running {
		return knowledge.CycleReport{}, fmt.Errorf("daemon is already running")
	}

	report, err := d.scheduler.RunOnce(ctx)

	waitCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if werr := d.executor.Wait(waitCtx); werr != nil {
		d.log.Warn().Err(werr).Int("in_flight", d.executor.InFlight()).Msg("Actions still running after cycle")
	}
	return report, err
}

// RequestStop asks the scheduler to stop after the current cycle.
func (d *Daemon) RequestStop() {
	d.log.Info().Msg("Stop requested")
	d.scheduler.Stop()
}

// Stop stops the scheduler, drains running actions and releases resources.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping autolab daemon")

	d.scheduler.Stop()
	select {
	case <-d.done:
	case <-time.After(drainTimeout):
		logger.Warn().Msg("Timeout waiting for scheduler to stop")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	if err := d.executor.Wait(drainCtx); err != nil {
		logger.Warn().Err(err).Int("in_flight", d.executor.InFlight()).Msg("Timeout waiting for actions to finish")
	}
	cancel()

	if d.control != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := d.control.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop control server")
		}
		cancel()
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	err := d.Close()
	logger.Info().Msg("Daemon stopped successfully")
	return err
}

// Close releases the store, the goal watcher, the audit file and tracing.
// Stop calls it; callers that only use RunOnce call it directly.
func (d *Daemon) Close() error {
	var err error
	d.closeOnce.Do(func() {
		err = d.release()
	})
	return err
}

func (d *Daemon) release() error {
	d.cancel()

	var errs []error
	if closer, ok := d.goals.(*goals.FileSource); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close goals watcher: %w", err))
		}
	}
	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit file: %w", err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close knowledge store: %w", err))
		}
	}
	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			d.log.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}
	return errors.Join(errs...)
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	status := Status{
		Running: d.running,
		PID:     os.Getpid(),
	}
	if d.running {
		status.StartTime = d.startTime
		status.Uptime = time.Since(d.startTime)
	}
	d.mu.RUnlock()

	for _, k := range d.registry.Kinds() {
		status.Kinds = append(status.Kinds, k.String())
	}
	status.Scheduler = d.scheduler.Status()
	return status
}

// Wait blocks until SIGINT or SIGTERM arrives or the scheduler exits on
// its own. It returns the scheduler's error, which is nil for a requested
// stop.
func (d *Daemon) Wait() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.log.Info().Str("signal", sig.String()).Msg("Received signal")
		return nil
	case <-d.done:
		d.mu.RLock()
		defer d.mu.RUnlock()
		return d.runErr
	}
}

// Done is closed when the scheduler loop has exited.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetStore returns the knowledge store
func (d *Daemon) GetStore() *knowledge.Store {
	return d.store
}

// GetControlServer returns the control server, or nil when disabled.
func (d *Daemon) GetControlServer() *control.Server {
	return d.control
}

func (d *Daemon) setRunning(running bool) {
	d.mu.Lock()
	d.running = running
	d.mu.Unlock()
}

// controller exposes the daemon to the control server.
type controller struct {
	d *Daemon
}

func (c controller) Status() interface{} {
	return c.d.Status()
}

func (c controller) RequestStop() {
	c.d.RequestStop()
}
