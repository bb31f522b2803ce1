// Package models defines the core domain entities: item prices, alerts, and per-item engine state.
package models

import (
	"time"
)

// PriceRef selects which side of an item's quote a computation uses.
type PriceRef string

const (
	RefHigh PriceRef = "high"
	RefLow  PriceRef = "low"
)

// Valid reports whether r is a known price reference.
func (r PriceRef) Valid() bool {
	return r == RefHigh || r == RefLow
}

// ItemPrice is the latest instant-buy (high) and instant-sell (low) price of one item.
// A zero price means no trade has been observed on that side.
type ItemPrice struct {
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	HighTime time.Time `json:"high_time"`
	LowTime  time.Time `json:"low_time"`
}

// Price returns the price for the requested side and the time it traded.
func (p ItemPrice) Price(ref PriceRef) (float64, time.Time) {
	if ref == RefLow {
		return p.Low, p.LowTime
	}
	return p.High, p.HighTime
}

// PriceSnapshot is one full-market fetch. It is read-only once built.
type PriceSnapshot struct {
	Items     map[int]ItemPrice
	FetchedAt time.Time
}

// Get returns the price for itemID, if present.
func (s *PriceSnapshot) Get(itemID int) (ItemPrice, bool) {
	if s == nil || s.Items == nil {
		return ItemPrice{}, false
	}
	p, ok := s.Items[itemID]
	return p, ok
}

// ItemIDs returns every item id present in the snapshot.
func (s *PriceSnapshot) ItemIDs() []int {
	if s == nil {
		return nil
	}
	ids := make([]int, 0, len(s.Items))
	for id := range s.Items {
		ids = append(ids, id)
	}
	return ids
}

// HistoryKey identifies one price series in the history buffer.
type HistoryKey struct {
	ItemID int      `json:"item_id"`
	Ref    PriceRef `json:"ref"`
}

// HistoryEntry is one recorded price.
type HistoryEntry struct {
	At    time.Time `json:"at"`
	Price float64   `json:"price"`
}

// VolumeRecord is the traded value of an item over the last bucket, in currency units.
type VolumeRecord struct {
	ItemID int       `json:"item_id"`
	Volume float64   `json:"volume"`
	At     time.Time `json:"at"`
}

// VolumeBucket is the aggregated trading activity of one item over a short window.
// High-side volume is instant-buy activity, low-side volume is instant-sell activity.
type VolumeBucket struct {
	ItemID       int       `json:"item_id"`
	AvgHighPrice float64   `json:"avg_high_price"`
	AvgLowPrice  float64   `json:"avg_low_price"`
	HighVolume   float64   `json:"high_volume"`
	LowVolume    float64   `json:"low_volume"`
	At           time.Time `json:"at"`
}

// TotalVolume returns the number of units traded on both sides.
func (b VolumeBucket) TotalVolume() float64 {
	return b.HighVolume + b.LowVolume
}

// Value returns the traded value of the bucket in currency units.
func (b VolumeBucket) Value() float64 {
	return b.AvgHighPrice*b.HighVolume + b.AvgLowPrice*b.LowVolume
}

// HistoricalPoint is one bucket of an item's timeseries. Prices are nil when no trade happened.
type HistoricalPoint struct {
	Timestamp    time.Time `json:"timestamp"`
	AvgHighPrice *float64  `json:"avgHighPrice"`
	AvgLowPrice  *float64  `json:"avgLowPrice"`
	HighVolume   *float64  `json:"highPriceVolume"`
	LowVolume    *float64  `json:"lowPriceVolume"`
}
