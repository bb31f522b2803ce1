package detector

import (
	"context"
	"time"

	"github.com/rewired-gh/pricealert/internal/history"
	"github.com/rewired-gh/pricealert/internal/models"
	"github.com/rewired-gh/pricealert/internal/volume"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// fakeGate answers per item; items without an entry have no volume data.
type fakeGate map[int]volume.Verdict

func (g fakeGate) Check(_ context.Context, itemID int, minVolume float64, _ time.Time) volume.Verdict {
	if minVolume <= 0 {
		return volume.Sufficient
	}
	if v, ok := g[itemID]; ok {
		return v
	}
	return volume.NoData
}

// world carries the cross-cycle state shared by successive Envs.
type world struct {
	history *history.Buffer
	dumps   *DumpStore
	gate    fakeGate
}

func newWorld() *world {
	return &world{history: history.NewBuffer(), dumps: NewDumpStore(), gate: fakeGate{}}
}

func (w *world) env(now time.Time, items map[int]models.ItemPrice) *Env {
	return &Env{
		Ctx:      context.Background(),
		Now:      now,
		Snapshot: &models.PriceSnapshot{Items: items, FetchedAt: now},
		Gate:     w.gate,
		History:  w.history,
		Dumps:    w.dumps,
		Params:   DefaultParams(),
	}
}

func quote(high, low float64, at time.Time) models.ItemPrice {
	return models.ItemPrice{High: high, Low: low, HighTime: at, LowTime: at}
}

func itemIDs(items []models.TriggeredItem) []int {
	ids := make([]int, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ItemID)
	}
	return ids
}
