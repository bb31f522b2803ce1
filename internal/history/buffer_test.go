package history

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/pricealert/internal/models"
)

var whip = models.HistoryKey{ItemID: 4151, Ref: models.RefHigh}

func TestRecord_IgnoresRedelivery(t *testing.T) {
	b := NewBuffer()
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.True(t, b.Record(whip, t0, 100))
	assert.False(t, b.Record(whip, t0, 105), "same timestamp must be a no-op")
	assert.False(t, b.Record(whip, t0.Add(-time.Minute), 90), "older timestamp must be a no-op")
	assert.True(t, b.Record(whip, t0.Add(time.Minute), 101))

	latest, ok := b.Latest(whip)
	require.True(t, ok)
	assert.Equal(t, 101.0, latest.Price)
}

func TestLookupBaseline_ClosestAtOrBeforeTarget(t *testing.T) {
	b := NewBuffer()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, p := range []float64{100, 110, 120, 130, 140} {
		b.Record(whip, now.Add(time.Duration(i-4)*20*time.Minute), p)
	}
	// entries at -80m, -60m, -40m, -20m, 0m

	e, ok := b.LookupBaseline(whip, 50*time.Minute, now)
	require.True(t, ok)
	assert.Equal(t, 110.0, e.Price, "target -50m resolves to the -60m entry")

	e, ok = b.LookupBaseline(whip, 40*time.Minute, now)
	require.True(t, ok)
	assert.Equal(t, 120.0, e.Price, "exact match is eligible")

	e, ok = b.LookupBaseline(whip, 0, now)
	require.True(t, ok)
	assert.Equal(t, 140.0, e.Price)
}

func TestLookupBaseline_Warmup(t *testing.T) {
	b := NewBuffer()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	_, ok := b.LookupBaseline(whip, time.Hour, now)
	assert.False(t, ok, "unknown key is unavailable")

	b.Record(whip, now.Add(-59*time.Minute), 100)
	b.Record(whip, now, 120)
	_, ok = b.LookupBaseline(whip, time.Hour, now)
	assert.False(t, ok, "earliest entry younger than the timeframe")

	_, ok = b.LookupBaseline(whip, time.Hour, now.Add(time.Minute))
	assert.True(t, ok, "warmup completes once the earliest entry is old enough")
}

func TestPrune(t *testing.T) {
	b := NewBuffer()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	other := models.HistoryKey{ItemID: 2, Ref: models.RefLow}

	b.Record(whip, now.Add(-3*time.Hour), 1)
	b.Record(whip, now.Add(-2*time.Hour), 2)
	b.Record(whip, now.Add(-30*time.Minute), 3)
	b.Record(other, now.Add(-5*time.Hour), 9)

	removed := b.Prune(time.Hour, now)
	assert.Equal(t, 3, removed)
	assert.Equal(t, 1, b.Keys(), "empty series are dropped")

	_, ok := b.LookupBaseline(whip, 90*time.Minute, now)
	assert.False(t, ok)
}

func TestMax(t *testing.T) {
	b := NewBuffer()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b.Record(whip, now.Add(-2*time.Hour), 500)
	b.Record(whip, now.Add(-30*time.Minute), 300)
	b.Record(whip, now.Add(-10*time.Minute), 320)
	b.Record(whip, now, 250)

	hw, ok := b.Max(whip, now.Add(-time.Hour))
	require.True(t, ok)
	assert.Equal(t, 320.0, hw)

	_, ok = b.Max(whip, now.Add(time.Minute))
	assert.False(t, ok)
}

func TestSnapshotRestore(t *testing.T) {
	b := NewBuffer()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b.Record(whip, now.Add(-time.Hour), 100)
	b.Record(whip, now, 110)

	snap := b.Snapshot()
	snap[whip] = append(snap[whip], models.HistoryEntry{At: now.Add(-2 * time.Hour), Price: 90})

	restored := NewBuffer()
	restored.Restore(snap)
	e, ok := restored.LookupBaseline(whip, 90*time.Minute, now)
	require.True(t, ok)
	assert.Equal(t, 90.0, e.Price, "restored entries are re-sorted")

	_, ok = b.LookupBaseline(whip, 90*time.Minute, now)
	assert.False(t, ok, "snapshot must not alias the live buffer")
}

func TestRecord_Concurrent(t *testing.T) {
	b := NewBuffer()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Record(whip, base.Add(time.Duration(i)*time.Second), float64(100+i))
			}
		}()
	}
	wg.Wait()

	snap := b.Snapshot()
	assert.Len(t, snap[whip], 100)
}
