// Package history keeps rolling per-item price series used as baselines by the detectors.
package history

import (
	"sort"
	"sync"
	"time"

	"github.com/rewired-gh/pricealert/internal/models"
)

type series struct {
	mu      sync.Mutex
	entries []models.HistoryEntry
}

// Buffer stores insertion-ordered price entries per (item, reference) key.
// It is safe for concurrent use; each key has its own lock.
type Buffer struct {
	mu     sync.RWMutex
	series map[models.HistoryKey]*series
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{series: make(map[models.HistoryKey]*series)}
}

func (b *Buffer) get(key models.HistoryKey) *series {
	b.mu.RLock()
	s := b.series[key]
	b.mu.RUnlock()
	return s
}

func (b *Buffer) getOrCreate(key models.HistoryKey) *series {
	if s := b.get(key); s != nil {
		return s
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.series[key]
	if !ok {
		s = &series{}
		b.series[key] = s
	}
	return s
}

// Record appends a price. It is a no-op returning false when at is not after the last
// recorded timestamp for key, so re-delivered observations are ignored.
func (b *Buffer) Record(key models.HistoryKey, at time.Time, price float64) bool {
	if price <= 0 || at.IsZero() {
		return false
	}
	s := b.getOrCreate(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.entries); n > 0 && !at.After(s.entries[n-1].At) {
		return false
	}
	s.entries = append(s.entries, models.HistoryEntry{At: at, Price: price})
	return true
}

// Prune discards entries older than now-maxAge and drops keys left empty.
// It returns the number of entries removed.
func (b *Buffer) Prune(maxAge time.Duration, now time.Time) int {
	cutoff := now.Add(-maxAge)
	removed := 0

	b.mu.Lock()
	defer b.mu.Unlock()
	for key, s := range b.series {
		s.mu.Lock()
		idx := sort.Search(len(s.entries), func(i int) bool {
			return !s.entries[i].At.Before(cutoff)
		})
		if idx > 0 {
			removed += idx
			s.entries = append(s.entries[:0:0], s.entries[idx:]...)
		}
		empty := len(s.entries) == 0
		s.mu.Unlock()
		if empty {
			delete(b.series, key)
		}
	}
	return removed
}

// LookupBaseline returns the entry closest to now-timeframe among entries recorded at or
// before that instant. ok is false while the series is still warming up.
func (b *Buffer) LookupBaseline(key models.HistoryKey, timeframe time.Duration, now time.Time) (models.HistoryEntry, bool) {
	s := b.get(key)
	if s == nil {
		return models.HistoryEntry{}, false
	}
	target := now.Add(-timeframe)

	s.mu.Lock()
	defer s.mu.Unlock()
	idx := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].At.After(target)
	})
	if idx == 0 {
		return models.HistoryEntry{}, false
	}
	return s.entries[idx-1], true
}

// Max returns the highest price recorded at or after since.
func (b *Buffer) Max(key models.HistoryKey, since time.Time) (float64, bool) {
	s := b.get(key)
	if s == nil {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var hw float64
	found := false
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.At.Before(since) {
			break
		}
		if !found || e.Price > hw {
			hw = e.Price
			found = true
		}
	}
	return hw, found
}

// Latest returns the most recent entry for key.
func (b *Buffer) Latest(key models.HistoryKey) (models.HistoryEntry, bool) {
	s := b.get(key)
	if s == nil {
		return models.HistoryEntry{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return models.HistoryEntry{}, false
	}
	return s.entries[len(s.entries)-1], true
}

// Keys returns the number of tracked series.
func (b *Buffer) Keys() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.series)
}

// Snapshot copies every series, for checkpointing.
func (b *Buffer) Snapshot() map[models.HistoryKey][]models.HistoryEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[models.HistoryKey][]models.HistoryEntry, len(b.series))
	for key, s := range b.series {
		s.mu.Lock()
		out[key] = append([]models.HistoryEntry(nil), s.entries...)
		s.mu.Unlock()
	}
	return out
}

// Restore replaces the buffer contents with data, sorting each series by time and
// dropping duplicate timestamps.
func (b *Buffer) Restore(data map[models.HistoryKey][]models.HistoryEntry) {
	fresh := make(map[models.HistoryKey]*series, len(data))
	for key, entries := range data {
		sorted := append([]models.HistoryEntry(nil), entries...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].At.Before(sorted[j].At) })
		s := &series{}
		for _, e := range sorted {
			if n := len(s.entries); n > 0 && !e.At.After(s.entries[n-1].At) {
				continue
			}
			s.entries = append(s.entries, e)
		}
		if len(s.entries) > 0 {
			fresh[key] = s
		}
	}

	b.mu.Lock()
	b.series = fresh
	b.mu.Unlock()
}
