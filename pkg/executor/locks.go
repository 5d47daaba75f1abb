package executor

import (
	"sort"
	"sync"
)

// LockTable tracks held (entity, kind) keys. Acquisition never blocks.
type LockTable struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{held: make(map[string]struct{})}
}

// TryAcquire takes key if it is free.
func (l *LockTable) TryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

// Release frees key. Releasing a free key is a no-op.
func (l *LockTable) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}

// Held reports whether key is taken.
func (l *LockTable) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

// Keys returns the held keys in sorted order.
func (l *LockTable) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]string, 0, len(l.held))
	for k := range l.held {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of held keys.
func (l *LockTable) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
