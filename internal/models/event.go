package models

import "time"

// TriggerEvent announces an alert whose triggered item set changed this cycle.
type TriggerEvent struct {
	CycleID   string          `json:"cycle_id"`
	AlertID   string          `json:"alert_id"`
	AlertName string          `json:"alert_name"`
	Type      AlertType       `json:"type"`
	Items     []TriggeredItem `json:"items"`
	// Confidence maps item id to its 0-100 confidence score, when scoring is enabled.
	Confidence map[int]float64 `json:"confidence,omitempty"`
	At         time.Time       `json:"at"`
}
