// Package detector implements the per-type trigger algorithms evaluated once per cycle.
package detector

import (
	"context"
	"time"

	"github.com/rewired-gh/pricealert/internal/history"
	"github.com/rewired-gh/pricealert/internal/models"
	"github.com/rewired-gh/pricealert/internal/volume"
)

// Status is the outcome class of one alert evaluation.
type Status int

const (
	// Unavailable means no monitored item had the data needed to evaluate.
	Unavailable Status = iota
	// NotYet means every evaluable item is still warming up.
	NotYet
	// Clear means items were evaluated and none qualified.
	Clear
	// Triggered means at least one item qualified.
	Triggered
)

func (s Status) String() string {
	switch s {
	case NotYet:
		return "not_yet"
	case Clear:
		return "clear"
	case Triggered:
		return "triggered"
	default:
		return "unavailable"
	}
}

// Result is what a checker returns for one alert.
type Result struct {
	Status Status
	Items  []models.TriggeredItem
	// Held lists items that still qualify but may not fire again yet. Their previous
	// trigger details stay in place.
	Held      []int
	Monitored int
}

// FullCoverage reports whether every monitored item qualified in this result.
func (r Result) FullCoverage() bool {
	return r.Status == Triggered && r.Monitored > 0 && len(r.Items)+len(r.Held) == r.Monitored
}

// VolumeGate is satisfied by *volume.Gate.
type VolumeGate interface {
	Check(ctx context.Context, itemID int, minVolume float64, now time.Time) volume.Verdict
}

// Params are engine-wide tuning constants.
type Params struct {
	// Alpha is the EWMA smoothing constant of the dump detector's variance estimate.
	Alpha float64
	// HighWaterWindow bounds the lookback of the dump detector's high-water mark.
	HighWaterWindow time.Duration
	// RelVolWindow is the number of buckets averaged for relative volume.
	RelVolWindow int
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		Alpha:           0.06,
		HighWaterWindow: time.Hour,
		RelVolWindow:    12,
	}
}

// Env carries everything a checker may read during one cycle.
type Env struct {
	Ctx      context.Context
	Now      time.Time
	Snapshot *models.PriceSnapshot
	// Buckets holds the latest short-window volume bucket per item. Nil means unavailable.
	Buckets map[int]models.VolumeBucket
	Gate    VolumeGate
	History *history.Buffer
	Dumps   *DumpStore
	Params  Params
}

func (e *Env) context() context.Context {
	if e.Ctx == nil {
		return context.Background()
	}
	return e.Ctx
}

// gateVolume runs the volume gate for an item that otherwise qualifies. ok is false when the
// gate blocks it: a thin market clears the item, missing or stale data makes it unavailable.
func (e *Env) gateVolume(itemID int, minVolume float64) (itemOutcome, bool) {
	if minVolume <= 0 {
		return itemOutcome{}, true
	}
	verdict := volume.NoData
	if e.Gate != nil {
		verdict = e.Gate.Check(e.context(), itemID, minVolume, e.Now)
	}
	switch verdict {
	case volume.Sufficient:
		return itemOutcome{}, true
	case volume.Low:
		return cleared(), false
	default:
		return unavailable(), false
	}
}

// itemOutcome is one item's contribution to a Result.
type itemOutcome struct {
	status Status
	item   models.TriggeredItem
	held   bool
}

func unavailable() itemOutcome { return itemOutcome{status: Unavailable} }
func notYet() itemOutcome      { return itemOutcome{status: NotYet} }
func cleared() itemOutcome     { return itemOutcome{status: Clear} }

func held(itemID int) itemOutcome {
	return itemOutcome{status: Triggered, item: models.TriggeredItem{ItemID: itemID}, held: true}
}

func triggered(itemID int, fields map[string]float64) itemOutcome {
	return itemOutcome{status: Triggered, item: models.NewTriggeredItem(itemID, fields)}
}

// collect evaluates fn for every monitored item and folds the outcomes. The strongest
// status wins: any trigger, else any clear evaluation, else warmup, else unavailable.
func collect(ctx context.Context, monitored []int, fn func(itemID int) itemOutcome) Result {
	res := Result{Status: Unavailable, Monitored: len(monitored)}
	for _, id := range monitored {
		if ctx != nil && ctx.Err() != nil {
			break
		}
		out := fn(id)
		if out.status > res.Status {
			res.Status = out.status
		}
		switch {
		case out.held:
			res.Held = append(res.Held, out.item.ItemID)
		case out.status == Triggered:
			res.Items = append(res.Items, out.item)
		}
	}
	return res
}

func matchesDirection(dir models.Direction, pct, threshold float64) bool {
	switch dir {
	case models.DirectionUp:
		return pct >= threshold
	case models.DirectionDown:
		return pct <= -threshold
	default:
		return pct >= threshold || pct <= -threshold
	}
}

func pctChange(current, base float64) (float64, bool) {
	if base <= 0 || current <= 0 {
		return 0, false
	}
	return (current - base) / base * 100, true
}

func observedAt(at, now time.Time) time.Time {
	if at.IsZero() {
		return now
	}
	return at
}
