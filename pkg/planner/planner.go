// Package planner turns an evaluation report into a bounded, prioritized
// list of actions for one cycle.
package planner

import (
	"math"
	"sort"
	"time"

	"github.com/harun/autolab/pkg/actions"
	"github.com/harun/autolab/pkg/evaluator"
	"github.com/harun/autolab/pkg/knowledge"
)

// Config holds planner settings.
type Config struct {
	// DefaultTimeout applies to kinds without a configured timeout.
	DefaultTimeout time.Duration
	// UnderTestedBelow is the sample count under which an entity is
	// selected before stalest-first ordering applies.
	UnderTestedBelow int
}

// Planner generates the action list for a cycle.
type Planner struct {
	registry *actions.Registry
	cfg      Config
	now      func() time.Time
	newID    func() string
}

// New creates a planner. Only kinds registered in registry are planned; a
// nil registry plans every kind with its defaults.
func New(registry *actions.Registry, cfg Config) *Planner {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.UnderTestedBelow < 0 {
		cfg.UnderTestedBelow = 0
	}
	return &Planner{
		registry: registry,
		cfg:      cfg,
		now:      time.Now,
		newID:    actions.NewActionID,
	}
}

// Allocation is the number of slots given to one kind.
type Allocation struct {
	Kind            actions.Kind
	WeightedDeficit float64
	Slots           int
}

// Plan returns at most maxActions actions. inFlight holds lock keys (see
// actions.LockKey) of work still running or carried over; their entities
// are skipped for that kind. Output is deterministic for identical inputs
// apart from action IDs and creation times.
func (p *Planner) Plan(report evaluator.Report, maxActions int, inFlight map[string]bool) []actions.Action {
	if maxActions <= 0 {
		return nil
	}

	allocations := p.Allocate(report, maxActions)
	if len(allocations) == 0 {
		return nil
	}

	snap := report.Snapshot
	candidates := p.candidates(snap)
	createdAt := p.now()

	out := make([]actions.Action, 0, maxActions)
	for _, alloc := range allocations {
		if alloc.Slots == 0 {
			continue
		}

		var eligible []string
		if p.targeted(alloc.Kind) {
			eligible = make([]string, 0, alloc.Slots)
			for _, key := range candidates {
				if len(eligible) == alloc.Slots {
					break
				}
				if !inFlight[actions.LockKey(key, alloc.Kind)] {
					eligible = append(eligible, key)
				}
			}
		}

		if len(eligible) == 0 {
			for i := 0; i < alloc.Slots; i++ {
				out = append(out, p.newAction(alloc, "", createdAt))
			}
			continue
		}
		for _, key := range eligible {
			out = append(out, p.newAction(alloc, key, createdAt))
		}
	}
	return out
}

// Allocate ranks kinds by weighted deficit and splits maxActions between
// them proportionally; slots lost to rounding go to the highest-ranked kinds.
// Kinds with no deficit get no allocation.
func (p *Planner) Allocate(report evaluator.Report, maxActions int) []Allocation {
	deficits := report.KindDeficits()

	allocs := make([]Allocation, 0, len(deficits))
	var total float64
	for kind, d := range deficits {
		if d <= 0 || !p.plannable(kind) {
			continue
		}
		allocs = append(allocs, Allocation{Kind: kind, WeightedDeficit: d})
		total += d
	}
	if len(allocs) == 0 || maxActions <= 0 {
		return nil
	}

	sort.Slice(allocs, func(i, j int) bool {
		if allocs[i].WeightedDeficit != allocs[j].WeightedDeficit {
			return allocs[i].WeightedDeficit > allocs[j].WeightedDeficit
		}
		return allocs[i].Kind < allocs[j].Kind
	})

	assigned := 0
	for i := range allocs {
		quota := float64(maxActions) * allocs[i].WeightedDeficit / total
		allocs[i].Slots = int(math.Floor(quota + 1e-9))
		assigned += allocs[i].Slots
	}

	// Leftover slots go to kinds in rank order.
	for i := 0; assigned < maxActions; i = (i + 1) % len(allocs) {
		allocs[i].Slots++
		assigned++
	}
	return allocs
}

// candidates lists entity keys in selection order: under-tested first, then
// everything else stalest-first.
func (p *Planner) candidates(snap knowledge.Snapshot) []string {
	seen := make(map[string]bool, snap.Len())
	out := make([]string, 0, snap.Len())

	if p.cfg.UnderTestedBelow > 0 {
		for _, r := range snap.Query(knowledge.Criteria{Order: knowledge.UnderTested, Below: p.cfg.UnderTestedBelow}) {
			seen[r.EntityKey] = true
			out = append(out, r.EntityKey)
		}
	}
	for _, r := range snap.Query(knowledge.Criteria{Order: knowledge.Stalest}) {
		if !seen[r.EntityKey] {
			out = append(out, r.EntityKey)
		}
	}
	return out
}

func (p *Planner) newAction(alloc Allocation, entityKey string, createdAt time.Time) actions.Action {
	a := actions.Action{
		ID:        p.newID(),
		Kind:      alloc.Kind,
		EntityKey: entityKey,
		Priority:  alloc.WeightedDeficit,
		CreatedAt: createdAt,
		Timeout:   p.cfg.DefaultTimeout,
	}
	if p.registry != nil {
		a.Timeout = p.registry.Timeout(alloc.Kind, p.cfg.DefaultTimeout)
		a.Parameters = p.registry.Parameters(alloc.Kind)
	}
	return a
}

func (p *Planner) plannable(kind actions.Kind) bool {
	if !kind.Valid() {
		return false
	}
	if p.registry == nil {
		return true
	}
	_, ok := p.registry.Lookup(kind)
	return ok
}

func (p *Planner) targeted(kind actions.Kind) bool {
	if p.registry == nil {
		return kind.DefaultTargeted()
	}
	return p.registry.Targeted(kind)
}
