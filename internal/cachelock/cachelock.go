// Package cachelock implements in-process, per-cache-name mutual
// exclusion: acquiring a set of cache names sorts them lexicographically
// before locking, the standard deadlock-avoidance discipline for locking
// multiple resources (two callers that both want caches {a, b} always
// acquire a before b, so neither can hold a while waiting on the other's
// b).
package cachelock

import (
	"sort"
	"sync"
)

// Manager owns one mutex per cache name, created lazily on first use.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{locks: make(map[string]*sync.Mutex)}
}

func (m *Manager) lockFor(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

// Acquire locks every named cache, in sorted order, and returns a release
// function that unlocks all of them. Each name is guarded by a plain
// sync.Mutex, which makes no fairness guarantee: callers waiting on the same
// name are not granted it in arrival order.
func (m *Manager) Acquire(names []string) (release func()) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	// Acquiring the same name twice in one call would deadlock; dedupe.
	deduped := sorted[:0:0]
	var prev string
	for i, n := range sorted {
		if i == 0 || n != prev {
			deduped = append(deduped, n)
		}
		prev = n
	}

	held := make([]*sync.Mutex, 0, len(deduped))
	for _, n := range deduped {
		l := m.lockFor(n)
		l.Lock()
		held = append(held, l)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].Unlock()
			}
		})
	}
}
