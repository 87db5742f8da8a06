package progress

import (
	"sort"
	"sync"
	"time"
)

const (
	DefaultMaxEntries = 500
	DefaultTTL        = 2 * time.Hour
)

type storeEntry struct {
	progress *Progress
	touched  time.Time
}

// Store holds live progress for running jobs. It is bounded: once full, a
// new entry evicts the least recently touched one, and Sweep drops entries
// idle for longer than the TTL. Eviction only abandons live tracking; the
// job cache keeps the durable state.
type Store struct {
	mu         sync.Mutex
	entries    map[string]*storeEntry
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
}

// NewStore builds a store. Non-positive limits select the defaults.
func NewStore(maxEntries int, ttl time.Duration) *Store {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		entries:    make(map[string]*storeEntry),
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
	return s
}

// Put registers or refreshes p, evicting the oldest entries when the store
// is full. It returns the ids that were evicted.
func (s *Store) Put(p *Progress) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := p.JobID()
	if e, ok := s.entries[id]; ok {
		e.progress = p
		e.touched = s.now()
		return nil
	}
	var evicted []string
	for len(s.entries) >= s.maxEntries {
		oldest := s.oldestLocked()
		if oldest == "" {
			break
		}
		delete(s.entries, oldest)
		evicted = append(evicted, oldest)
	}
	s.entries[id] = &storeEntry{progress: p, touched: s.now()}
	return evicted
}

// Get returns the live progress for jobID and marks it as recently used.
func (s *Store) Get(jobID string) (*Progress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jobID]
	if !ok {
		return nil, false
	}
	e.touched = s.now()
	return e.progress, true
}

// Delete stops tracking jobID.
func (s *Store) Delete(jobID string) {
	s.mu.Lock()
	delete(s.entries, jobID)
	s.mu.Unlock()
}

// Len is the number of tracked jobs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep evicts entries idle past the TTL, oldest first, and returns their ids.
func (s *Store) Sweep() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.ttl)
	type aged struct {
		id      string
		touched time.Time
	}
	var stale []aged
	for id, e := range s.entries {
		if e.touched.Before(cutoff) {
			stale = append(stale, aged{id, e.touched})
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].touched.Before(stale[j].touched) })
	ids := make([]string, 0, len(stale))
	for _, a := range stale {
		delete(s.entries, a.id)
		ids = append(ids, a.id)
	}
	return ids
}

func (s *Store) oldestLocked() string {
	var (
		oldestID string
		oldestAt time.Time
	)
	for id, e := range s.entries {
		if oldestID == "" || e.touched.Before(oldestAt) {
			oldestID, oldestAt = id, e.touched
		}
	}
	return oldestID
}
