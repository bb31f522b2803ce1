package models

import (
	"time"
)

// DumpKey identifies the dump-detector state of one item under one alert.
type DumpKey struct {
	AlertID string
	ItemID  int
}

// DumpState is the per-item statistical state carried across cycles by the dump detector.
type DumpState struct {
	AlertID string
	ItemID  int

	LastPrice float64
	VarIdio   float64
	HasVar    bool

	Consecutive     int
	LastTriggeredAt time.Time
	LastObservedAt  time.Time

	AvgVolume     float64
	BaseVolume    float64
	VolumeSamples int
	LastBucketAt  time.Time

	LastShockSigma float64
}

// Key returns the state's store key.
func (s *DumpState) Key() DumpKey {
	return DumpKey{AlertID: s.AlertID, ItemID: s.ItemID}
}

// Seeded reports whether a previous price exists.
func (s *DumpState) Seeded() bool {
	return s.LastPrice > 0
}

// InCooldown reports whether a trigger at now would fall inside the cooldown window.
func (s *DumpState) InCooldown(now time.Time, cooldown time.Duration) bool {
	if s.LastTriggeredAt.IsZero() || cooldown <= 0 {
		return false
	}
	return now.Sub(s.LastTriggeredAt) < cooldown
}
