package knowledge

import (
	"sort"
	"time"
)

// Snapshot is a point-in-time, immutable copy of the store's records.
type Snapshot struct {
	TakenAt time.Time
	Totals  Totals
	records []Record
	index   map[string]int
}

func newSnapshot(records map[string]Record, totals Totals, at time.Time) Snapshot {
	list := make([]Record, 0, len(records))
	for _, r := range records {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].EntityKey < list[j].EntityKey })

	index := make(map[string]int, len(list))
	for i, r := range list {
		index[r.EntityKey] = i
	}
	return Snapshot{TakenAt: at, Totals: totals, records: list, index: index}
}

// NewSnapshot builds a snapshot from explicit records. Later duplicates of a
// key replace earlier ones.
func NewSnapshot(records ...Record) Snapshot {
	m := make(map[string]Record, len(records))
	for _, r := range records {
		m[r.EntityKey] = r
	}
	return newSnapshot(m, Totals{}, time.Now())
}

// Len returns the number of known entities.
func (s Snapshot) Len() int {
	return len(s.records)
}

// Records returns every record ordered by entity key.
func (s Snapshot) Records() []Record {
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Get returns the record for key.
func (s Snapshot) Get(key string) (Record, bool) {
	i, ok := s.index[key]
	if !ok {
		return Record{}, false
	}
	return s.records[i], true
}

// Query returns the records matching c in ranked order.
func (s Snapshot) Query(c Criteria) []Record {
	return query(s.records, c)
}
