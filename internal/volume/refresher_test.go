package volume

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/pricealert/internal/models"
)

type fakeBuckets struct {
	buckets []models.VolumeBucket
	calls   int
	err     error
}

func (f *fakeBuckets) FetchVolumeBuckets(_ context.Context, window string) ([]models.VolumeBucket, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.buckets, nil
}

func TestRefresher(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeBuckets{buckets: []models.VolumeBucket{
		{ItemID: 1, AvgHighPrice: 100, HighVolume: 10, AvgLowPrice: 90, LowVolume: 20, At: now.Add(-time.Hour)},
		{ItemID: 2, AvgHighPrice: 0, HighVolume: 0, AvgLowPrice: 50, LowVolume: 4},
	}}
	store := newMemStore()
	r := NewRefresher(src, store, time.Hour)

	n, err := r.MaybeRefresh(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2800.0, store.recs[1].Volume)
	assert.Equal(t, 200.0, store.recs[2].Volume)
	assert.Equal(t, now, store.recs[2].At, "missing bucket time falls back to now")

	n, err = r.MaybeRefresh(context.Background(), now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, src.calls, "refresh is rate limited by the interval")

	_, err = r.MaybeRefresh(context.Background(), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestRefresher_FetchErrorRetriesNextCycle(t *testing.T) {
	src := &fakeBuckets{err: errors.New("timeout")}
	r := NewRefresher(src, newMemStore(), time.Hour)
	now := time.Now()

	_, err := r.MaybeRefresh(context.Background(), now)
	require.Error(t, err)

	src.err = nil
	_, err = r.MaybeRefresh(context.Background(), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestRefresher_StoreFailure(t *testing.T) {
	src := &fakeBuckets{buckets: []models.VolumeBucket{{ItemID: 1, AvgHighPrice: 1, HighVolume: 1}}}
	store := newMemStore()
	store.err = errors.New("disk full")

	_, err := NewRefresher(src, store, time.Hour).MaybeRefresh(context.Background(), time.Now())
	assert.Error(t, err)
}
