// Package volume gates alert triggers on recent trading volume and keeps the volume store fed.
package volume

import (
	"context"
	"time"

	"github.com/rewired-gh/pricealert/internal/logger"
	"github.com/rewired-gh/pricealert/internal/models"
)

// RecencyWindow is how old a volume record may be before the gate treats it as missing.
const RecencyWindow = 130 * time.Minute

// Store returns the most recent volume record per item. ok is false when none exists.
type Store interface {
	LatestVolume(ctx context.Context, itemID int) (rec models.VolumeRecord, ok bool, err error)
}

// Writer persists volume records.
type Writer interface {
	PutVolumes(ctx context.Context, recs []models.VolumeRecord) error
}

// Gate decides whether an item trades enough to let an alert fire.
type Gate struct {
	store Store
}

// NewGate returns a gate backed by store.
func NewGate(store Store) *Gate {
	return &Gate{store: store}
}

// Verdict is the outcome of a volume check.
type Verdict int

const (
	// NoData means the latest record is missing, stale or unreadable.
	NoData Verdict = iota
	// Low means a fresh record exists and is below the minimum.
	Low
	// Sufficient means the check passed or is disabled.
	Sufficient
)

func (v Verdict) String() string {
	switch v {
	case Low:
		return "low"
	case Sufficient:
		return "sufficient"
	default:
		return "no_data"
	}
}

// Passes reports whether itemID's latest volume is at least minVolume. A minVolume of zero
// or less disables the check. Missing, stale or unreadable records fail closed.
func (g *Gate) Passes(ctx context.Context, itemID int, minVolume float64, now time.Time) bool {
	return g.Check(ctx, itemID, minVolume, now) == Sufficient
}

// Check is Passes with the reason for a failure.
func (g *Gate) Check(ctx context.Context, itemID int, minVolume float64, now time.Time) Verdict {
	if minVolume <= 0 {
		return Sufficient
	}
	if g == nil || g.store == nil {
		return NoData
	}

	rec, ok, err := g.store.LatestVolume(ctx, itemID)
	if err != nil {
		logger.Warn("Volume lookup failed for item %d: %v", itemID, err)
		return NoData
	}
	if !ok {
		logger.Debug("No volume record for item %d", itemID)
		return NoData
	}
	if now.Sub(rec.At) > RecencyWindow {
		logger.Debug("Volume record for item %d is stale (%v old)", itemID, now.Sub(rec.At).Round(time.Second))
		return NoData
	}
	if rec.Volume < 0 {
		logger.Warn("Volume record for item %d is negative: %v", itemID, rec.Volume)
		return NoData
	}
	if rec.Volume < minVolume {
		return Low
	}
	return Sufficient
}
