package volume

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rewired-gh/pricealert/internal/models"
)

type memStore struct {
	mu   sync.Mutex
	recs map[int]models.VolumeRecord
	err  error
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[int]models.VolumeRecord)}
}

func (m *memStore) LatestVolume(_ context.Context, itemID int) (models.VolumeRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return models.VolumeRecord{}, false, m.err
	}
	rec, ok := m.recs[itemID]
	return rec, ok, nil
}

func (m *memStore) PutVolumes(_ context.Context, recs []models.VolumeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, rec := range recs {
		m.recs[rec.ItemID] = rec
	}
	return nil
}

func TestGate_Recency(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	gate := NewGate(store)
	ctx := context.Background()

	tests := []struct {
		name   string
		age    time.Duration
		volume float64
		want   Verdict
	}{
		{"fresh and liquid", 5 * time.Minute, 1e9, Sufficient},
		{"fresh but thin", 5 * time.Minute, 10, Low},
		{"boundary is still fresh", 130 * time.Minute, 1e9, Sufficient},
		{"stale regardless of magnitude", 131 * time.Minute, 1e12, NoData},
		{"negative volume", time.Minute, -5, NoData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store.recs[1] = models.VolumeRecord{ItemID: 1, Volume: tt.volume, At: now.Add(-tt.age)}
			assert.Equal(t, tt.want, gate.Check(ctx, 1, 1000, now))
			assert.Equal(t, tt.want == Sufficient, gate.Passes(ctx, 1, 1000, now))
		})
	}
}

func TestGate_OptIn(t *testing.T) {
	gate := NewGate(newMemStore())
	now := time.Now()

	assert.True(t, gate.Passes(context.Background(), 42, 0, now), "unset min volume always passes")
	assert.False(t, gate.Passes(context.Background(), 42, 1, now), "missing record fails closed")
	assert.Equal(t, NoData, gate.Check(context.Background(), 42, 1, now))
}

func TestGate_StoreError(t *testing.T) {
	store := newMemStore()
	store.recs[1] = models.VolumeRecord{ItemID: 1, Volume: 1e9, At: time.Now()}
	store.err = errors.New("connection refused")

	assert.Equal(t, NoData, NewGate(store).Check(context.Background(), 1, 1, time.Now()))
}
