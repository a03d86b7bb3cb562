// Package lockset serializes read-modify-write sequences per record key.
//
// A call to Lock acquires all of its keys in sorted order, so two callers
// locking overlapping key sets in one call each can never deadlock. Callers
// that lock in two steps (a group first, then its members' contacts) must
// keep every step's keys inside one class and always take the classes in the
// same order.
package lockset

import (
	"sort"
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

type Set struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Set {
	return &Set{locks: make(map[string]*entry)}
}

// Lock blocks until every key is held and returns the function releasing them.
func (s *Set) Lock(keys ...string) (unlock func()) {
	keys = normalize(keys)
	entries := make([]*entry, len(keys))

	s.mu.Lock()
	for i, k := range keys {
		e, ok := s.locks[k]
		if !ok {
			e = &entry{}
			s.locks[k] = e
		}
		e.refs++
		entries[i] = e
	}
	s.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(entries) - 1; i >= 0; i-- {
				entries[i].mu.Unlock()
			}
			s.release(keys, entries)
		})
	}
}

func (s *Set) release(keys []string, entries []*entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, k := range keys {
		entries[i].refs--
		if entries[i].refs == 0 {
			delete(s.locks, k)
		}
	}
}

// Len reports how many keys are currently held or awaited.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

func normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
