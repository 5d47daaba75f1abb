package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/autolab/internal/observability"
	"github.com/harun/autolab/internal/tracing"
	"github.com/harun/autolab/pkg/actions"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Store is the in-process view of the knowledge log.
type Store struct {
	backend Backend
	logger  zerolog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	records map[string]Record
	totals  Totals
	latest  *CycleReport

	locks keyedMutex
}

// NewStore creates a store over backend. Call Rebuild to load existing data.
func NewStore(backend Backend, logger zerolog.Logger) *Store {
	observability.EnsureRegistered()

	return &Store{
		backend: backend,
		logger:  logger.With().Str("component", "knowledge").Logger(),
		now:     time.Now,
		records: make(map[string]Record),
		locks:   keyedMutex{locks: make(map[string]*sync.Mutex)},
	}
}

// Rebuild recomputes every aggregate from the backend log, replacing the
// in-memory state.
func (s *Store) Rebuild(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "autolab.knowledge", "knowledge.rebuild")
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	start := time.Now()
	records := make(map[string]Record)
	var totals Totals

	entities, err := s.backend.LoadEntities(ctx)
	if err != nil {
		return fmt.Errorf("failed to load entities: %w", err)
	}
	for _, e := range entities {
		records[e.Key] = Record{EntityKey: e.Key, FirstSeenAt: e.FirstSeenAt}
	}

	err = s.backend.LoadResults(ctx, func(r actions.Result) error {
		totals.add(r.Status)
		if r.EntityKey != "" {
			rec, ok := records[r.EntityKey]
			if !ok {
				rec = Record{EntityKey: r.EntityKey}
			}
			rec, _ = rec.apply(r)
			records[r.EntityKey] = rec
		}
		for _, key := range r.Discovered {
			if _, ok := records[key]; !ok {
				records[key] = Record{EntityKey: key, FirstSeenAt: r.FinishedAt}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replay results: %w", err)
	}

	reports, err := s.backend.Reports(ctx, 1)
	if err != nil {
		return fmt.Errorf("failed to load latest report: %w", err)
	}

	s.mu.Lock()
	s.records = records
	s.totals = totals
	s.latest = nil
	if len(reports) > 0 {
		latest := reports[0]
		s.latest = &latest
	}
	s.mu.Unlock()

	observability.SetKnownEntities(len(records))
	s.logger.Info().
		Int("entities", len(records)).
		Int("results", totals.Results).
		Dur("duration", time.Since(start)).
		Msg("Knowledge rebuilt")
	return nil
}

// Record appends result to the log and folds it into the target entity's
// aggregate. The returned result carries the computed metric delta. On a
// backend failure the aggregate is left untouched and a *StoreWriteError is
// returned.
func (s *Store) Record(ctx context.Context, result actions.Result) (actions.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "autolab.knowledge", "knowledge.record",
		attribute.String("action.id", result.ActionID),
		attribute.String("action.kind", result.Kind.String()),
		attribute.String("entity.key", result.EntityKey),
	)
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	if result.FinishedAt.IsZero() {
		result.FinishedAt = s.now()
	}

	if result.EntityKey != "" {
		unlock := s.locks.Lock(result.EntityKey)
		defer unlock()
	}

	var (
		updated Record
		hasRec  bool
	)
	if result.EntityKey != "" {
		s.mu.RLock()
		current, ok := s.records[result.EntityKey]
		s.mu.RUnlock()
		if !ok {
			current = Record{EntityKey: result.EntityKey}
		}
		updated, result.MetricDelta = current.apply(result)
		hasRec = true
	}

	start := time.Now()
	if err = s.backend.AppendResult(ctx, result); err != nil {
		observability.RecordStoreWriteError(result.Kind.String())
		err = &StoreWriteError{EntityKey: result.EntityKey, ActionID: result.ActionID, Err: err}
		return result, err
	}
	observability.RecordStoreWrite(time.Since(start))

	s.mu.Lock()
	if hasRec {
		s.records[result.EntityKey] = updated
	}
	for _, key := range result.Discovered {
		if _, ok := s.records[key]; !ok {
			s.records[key] = Record{EntityKey: key, FirstSeenAt: result.FinishedAt}
		}
	}
	s.totals.add(result.Status)
	known := len(s.records)
	s.mu.Unlock()

	observability.SetKnownEntities(known)
	return result, nil
}

// Observe registers entities without recording a sample.
func (s *Store) Observe(ctx context.Context, keys ...string) error {
	at := s.now()
	fresh := make([]string, 0, len(keys))
	s.mu.RLock()
	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, ok := s.records[key]; !ok {
			fresh = append(fresh, key)
		}
	}
	s.mu.RUnlock()
	if len(fresh) == 0 {
		return nil
	}

	if err := s.backend.ObserveEntities(ctx, fresh, at); err != nil {
		return &StoreWriteError{EntityKey: fresh[0], Err: err}
	}

	s.mu.Lock()
	for _, key := range fresh {
		if _, ok := s.records[key]; !ok {
			s.records[key] = Record{EntityKey: key, FirstSeenAt: at}
		}
	}
	known := len(s.records)
	s.mu.Unlock()

	observability.SetKnownEntities(known)
	return nil
}

// Snapshot returns a consistent copy of every record and the totals.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newSnapshot(s.records, s.totals, s.now())
}

// Query runs c against a fresh snapshot.
func (s *Store) Query(c Criteria) []Record {
	return s.Snapshot().Query(c)
}

// Get returns the current record for key.
func (s *Store) Get(key string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[key]
	return r, ok
}

// Totals returns cumulative outcome counts.
func (s *Store) Totals() Totals {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totals
}

// SaveReport persists a cycle report and makes it the latest.
func (s *Store) SaveReport(ctx context.Context, report CycleReport) error {
	if err := s.backend.SaveReport(ctx, report); err != nil {
		return fmt.Errorf("failed to save report for cycle %d: %w", report.Cycle, err)
	}
	s.mu.Lock()
	s.latest = &report
	s.mu.Unlock()
	return nil
}

// LatestReport returns the most recently saved report.
func (s *Store) LatestReport() (CycleReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return CycleReport{}, false
	}
	return *s.latest, true
}

// Reports returns up to limit persisted reports, newest first.
func (s *Store) Reports(ctx context.Context, limit int) ([]CycleReport, error) {
	return s.backend.Reports(ctx, limit)
}

// Close closes the backend.
func (s *Store) Close() error {
	if err := s.backend.Close(); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	return nil
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Lock acquires the mutex for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
