package knowledge

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/harun/autolab/pkg/actions"
)

// Backend is the durable log behind a Store. Implementations must be safe for
// concurrent use.
type Backend interface {
	// AppendResult durably appends a result. Entities named by the result
	// (target and discovered) are persisted in the same write.
	AppendResult(ctx context.Context, result actions.Result) error
	// ObserveEntities persists entity keys without results. Existing keys
	// keep their first-seen time.
	ObserveEntities(ctx context.Context, keys []string, at time.Time) error
	// LoadEntities returns every persisted entity.
	LoadEntities(ctx context.Context) ([]Entity, error)
	// LoadResults calls fn for every result in append order.
	LoadResults(ctx context.Context, fn func(actions.Result) error) error
	// SaveReport appends a cycle report.
	SaveReport(ctx context.Context, report CycleReport) error
	// Reports returns up to limit reports, newest first. Zero means all.
	Reports(ctx context.Context, limit int) ([]CycleReport, error)
	Close() error
}

// MemoryBackend keeps everything in process memory. It is used for tests and
// for running without a database.
type MemoryBackend struct {
	mu       sync.Mutex
	results  []actions.Result
	entities map[string]time.Time
	reports  []CycleReport
	closed   bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entities: make(map[string]time.Time),
	}
}

func (m *MemoryBackend) AppendResult(ctx context.Context, result actions.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	m.results = append(m.results, cloneResult(result))
	if result.EntityKey != "" {
		m.observeLocked(result.EntityKey, result.FinishedAt)
	}
	for _, key := range result.Discovered {
		m.observeLocked(key, result.FinishedAt)
	}
	return nil
}

func (m *MemoryBackend) ObserveEntities(ctx context.Context, keys []string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, key := range keys {
		m.observeLocked(key, at)
	}
	return nil
}

func (m *MemoryBackend) observeLocked(key string, at time.Time) {
	if _, ok := m.entities[key]; !ok {
		m.entities[key] = at
	}
}

func (m *MemoryBackend) LoadEntities(ctx context.Context) ([]Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Entity, 0, len(m.entities))
	for key, at := range m.entities {
		out = append(out, Entity{Key: key, FirstSeenAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryBackend) LoadResults(ctx context.Context, fn func(actions.Result) error) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	results := make([]actions.Result, len(m.results))
	copy(results, m.results)
	m.mu.Unlock()

	for _, r := range results {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(cloneResult(r)); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryBackend) SaveReport(ctx context.Context, report CycleReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	report.Insights = append([]string(nil), report.Insights...)
	m.reports = append(m.reports, report)
	return nil
}

func (m *MemoryBackend) Reports(ctx context.Context, limit int) ([]CycleReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	n := len(m.reports)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]CycleReport, 0, n)
	for i := len(m.reports) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.reports[i])
	}
	return out, nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func cloneResult(r actions.Result) actions.Result {
	if r.Metric != nil {
		r.Metric = actions.Float64Ptr(*r.Metric)
	}
	r.Discovered = append([]string(nil), r.Discovered...)
	r.Implementations = append([]string(nil), r.Implementations...)
	return r
}
