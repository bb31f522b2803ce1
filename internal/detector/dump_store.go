package detector

import (
	"sync"

	"github.com/rewired-gh/pricealert/internal/models"
)

type dumpEntry struct {
	mu    sync.Mutex
	state models.DumpState
}

// DumpStore owns every DumpState. Callers mutate state only inside Update, which holds
// the per-key lock for the duration of fn.
type DumpStore struct {
	mu      sync.RWMutex
	entries map[models.DumpKey]*dumpEntry
}

// NewDumpStore returns an empty store.
func NewDumpStore() *DumpStore {
	return &DumpStore{entries: make(map[models.DumpKey]*dumpEntry)}
}

func (s *DumpStore) entry(key models.DumpKey) *dumpEntry {
	s.mu.RLock()
	e := s.entries[key]
	s.mu.RUnlock()
	if e != nil {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e = s.entries[key]; e == nil {
		e = &dumpEntry{state: models.DumpState{AlertID: key.AlertID, ItemID: key.ItemID}}
		s.entries[key] = e
	}
	return e
}

// Update runs fn with exclusive access to the state for key, creating it on first use.
func (s *DumpStore) Update(key models.DumpKey, fn func(st *models.DumpState)) {
	e := s.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.state)
}

// Get returns a copy of the state for key.
func (s *DumpStore) Get(key models.DumpKey) (models.DumpState, bool) {
	s.mu.RLock()
	e := s.entries[key]
	s.mu.RUnlock()
	if e == nil {
		return models.DumpState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

// DeleteAlert drops every state owned by alertID and returns how many were removed.
func (s *DumpStore) DeleteAlert(alertID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.entries {
		if key.AlertID == alertID {
			delete(s.entries, key)
			n++
		}
	}
	return n
}

// Retain drops states whose alert is not in keep.
func (s *DumpStore) Retain(keep map[string]bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.entries {
		if !keep[key.AlertID] {
			delete(s.entries, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked states.
func (s *DumpStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshot copies every state, for checkpointing.
func (s *DumpStore) Snapshot() []models.DumpState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.DumpState, 0, len(s.entries))
	for _, e := range s.entries {
		e.mu.Lock()
		out = append(out, e.state)
		e.mu.Unlock()
	}
	return out
}

// Restore replaces the store contents.
func (s *DumpStore) Restore(states []models.DumpState) {
	fresh := make(map[models.DumpKey]*dumpEntry, len(states))
	for _, st := range states {
		fresh[st.Key()] = &dumpEntry{state: st}
	}
	s.mu.Lock()
	s.entries = fresh
	s.mu.Unlock()
}
