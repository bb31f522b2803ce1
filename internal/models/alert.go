package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidAlert is wrapped by every Alert.Validate failure.
var ErrInvalidAlert = errors.New("invalid alert")

// AlertType selects the trigger algorithm.
type AlertType string

const (
	TypeAbove     AlertType = "above"
	TypeBelow     AlertType = "below"
	TypeSpread    AlertType = "spread"
	TypeSpike     AlertType = "spike"
	TypeDump      AlertType = "dump"
	TypeThreshold AlertType = "threshold"
)

// Scope selects which items an alert monitors.
type Scope string

const (
	ScopeSingle Scope = "single"
	ScopeList   Scope = "list"
	ScopeAll    Scope = "all"
)

// Direction filters percent moves.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
	DirectionBoth Direction = "both"
)

// Alert is a user-defined condition evaluated every cycle while active.
type Alert struct {
	ID   string    `json:"id"`
	Name string    `json:"name"`
	Type AlertType `json:"type"`

	Scope   Scope    `json:"scope"`
	ItemID  int      `json:"item_id,omitempty"`
	ItemIDs []int    `json:"item_ids,omitempty"`
	Ref     PriceRef `json:"reference"`

	TargetPrice      float64   `json:"target_price,omitempty"`
	Percentage       float64   `json:"percentage,omitempty"`
	MinVolume        float64   `json:"min_volume,omitempty"`
	Direction        Direction `json:"direction,omitempty"`
	TimeframeMinutes int       `json:"timeframe_minutes,omitempty"`

	DiscountMin         float64 `json:"discount_min,omitempty"`
	ShockSigmaThreshold float64 `json:"shock_sigma_threshold,omitempty"`
	SellRatioMin        float64 `json:"sell_ratio_min,omitempty"`
	RelVolMin           float64 `json:"rel_vol_min,omitempty"`
	LiquidityFloor      float64 `json:"liquidity_floor,omitempty"`
	ConsistencyRequired int     `json:"consistency_required,omitempty"`
	CooldownSeconds     int     `json:"cooldown_seconds,omitempty"`
	ConfirmationBuckets int     `json:"confirmation_buckets,omitempty"`

	// ReferencePrices is captured once at creation for threshold alerts and never rolled.
	ReferencePrices map[int]float64 `json:"reference_prices,omitempty"`

	NotificationsEnabled bool `json:"notifications_enabled"`

	IsActive      bool       `json:"is_active"`
	IsTriggered   bool       `json:"is_triggered"`
	IsDismissed   bool       `json:"is_dismissed"`
	TriggeredData string     `json:"triggered_data,omitempty"`
	TriggeredAt   *time.Time `json:"triggered_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewAlert fills identity and lifecycle defaults for a freshly created alert.
func NewAlert(name string, typ AlertType, scope Scope) *Alert {
	now := time.Now()
	return &Alert{
		ID:                   uuid.NewString(),
		Name:                 name,
		Type:                 typ,
		Scope:                scope,
		Ref:                  RefHigh,
		Direction:            DirectionBoth,
		NotificationsEnabled: true,
		IsActive:             true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// IsMulti reports whether the alert monitors more than one item.
func (a *Alert) IsMulti() bool {
	return a.Scope == ScopeList || a.Scope == ScopeAll
}

// Reference returns the configured price side, defaulting to high.
func (a *Alert) Reference() PriceRef {
	if a.Ref.Valid() {
		return a.Ref
	}
	return RefHigh
}

// Timeframe returns the spike lookback window.
func (a *Alert) Timeframe() time.Duration {
	return time.Duration(a.TimeframeMinutes) * time.Minute
}

// Cooldown returns the dump cooldown window.
func (a *Alert) Cooldown() time.Duration {
	return time.Duration(a.CooldownSeconds) * time.Second
}

// RequiredConfirmations returns how many consecutive qualifying cycles a dump needs.
func (a *Alert) RequiredConfirmations() int {
	if a.ConfirmationBuckets > 0 {
		return a.ConfirmationBuckets
	}
	if a.ConsistencyRequired > 0 {
		return a.ConsistencyRequired
	}
	return 1
}

// DeactivatesOnCoverage reports whether full coverage of a multi-item scope ends the alert.
// Spike and dump alerts are continuous monitors and never deactivate this way.
func (a *Alert) DeactivatesOnCoverage() bool {
	if !a.IsMulti() {
		return false
	}
	switch a.Type {
	case TypeAbove, TypeBelow, TypeSpread, TypeThreshold:
		return true
	}
	return false
}

// MonitoredItems resolves the alert's scope against the items known this cycle.
// The result is sorted and free of duplicates.
func (a *Alert) MonitoredItems(available []int) []int {
	var ids []int
	switch a.Scope {
	case ScopeAll:
		ids = append(ids, available...)
	case ScopeList:
		ids = append(ids, a.ItemIDs...)
	default:
		if a.ItemID != 0 {
			ids = []int{a.ItemID}
		}
	}
	sort.Ints(ids)
	out := ids[:0]
	for i, id := range ids {
		if i > 0 && ids[i-1] == id {
			continue
		}
		out = append(out, id)
	}
	return out
}

// ApplyEdit resets evaluation state after a user edit.
func (a *Alert) ApplyEdit() {
	a.IsTriggered = false
	a.IsDismissed = false
	a.TriggeredData = ""
	a.TriggeredAt = nil
	a.UpdatedAt = time.Now()
}

// Validate checks per-type parameter constraints.
func (a *Alert) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: id must not be empty", ErrInvalidAlert)
	}
	switch a.Scope {
	case ScopeSingle:
		if a.ItemID <= 0 {
			return fmt.Errorf("%w: single scope requires item_id", ErrInvalidAlert)
		}
	case ScopeList:
		if len(a.ItemIDs) == 0 {
			return fmt.Errorf("%w: list scope requires item_ids", ErrInvalidAlert)
		}
	case ScopeAll:
	default:
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidAlert, a.Scope)
	}
	if a.Ref != "" && !a.Ref.Valid() {
		return fmt.Errorf("%w: unknown reference %q", ErrInvalidAlert, a.Ref)
	}
	if a.MinVolume < 0 {
		return fmt.Errorf("%w: min_volume must not be negative", ErrInvalidAlert)
	}

	switch a.Type {
	case TypeAbove, TypeBelow:
		if a.TargetPrice <= 0 {
			return fmt.Errorf("%w: %s alert requires a positive target_price", ErrInvalidAlert, a.Type)
		}
	case TypeSpread:
		if a.Percentage <= 0 {
			return fmt.Errorf("%w: spread alert requires a positive percentage", ErrInvalidAlert)
		}
	case TypeSpike:
		if a.Percentage <= 0 {
			return fmt.Errorf("%w: spike alert requires a positive percentage", ErrInvalidAlert)
		}
		if a.TimeframeMinutes <= 0 {
			return fmt.Errorf("%w: spike alert requires a positive timeframe", ErrInvalidAlert)
		}
		if err := a.validateDirection(); err != nil {
			return err
		}
	case TypeThreshold:
		if a.Percentage <= 0 {
			return fmt.Errorf("%w: threshold alert requires a positive percentage", ErrInvalidAlert)
		}
		if len(a.ReferencePrices) == 0 {
			return fmt.Errorf("%w: threshold alert requires reference prices", ErrInvalidAlert)
		}
		if err := a.validateDirection(); err != nil {
			return err
		}
	case TypeDump:
		if a.ShockSigmaThreshold <= 0 {
			return fmt.Errorf("%w: dump alert requires a positive shock_sigma_threshold", ErrInvalidAlert)
		}
		if a.DiscountMin < 0 || a.SellRatioMin < 0 || a.SellRatioMin > 1 || a.RelVolMin < 0 || a.LiquidityFloor < 0 {
			return fmt.Errorf("%w: dump thresholds out of range", ErrInvalidAlert)
		}
		if a.CooldownSeconds < 0 || a.ConsistencyRequired < 0 || a.ConfirmationBuckets < 0 {
			return fmt.Errorf("%w: dump counters must not be negative", ErrInvalidAlert)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidAlert, a.Type)
	}
	return nil
}

func (a *Alert) validateDirection() error {
	switch a.Direction {
	case DirectionUp, DirectionDown, DirectionBoth:
		return nil
	}
	return fmt.Errorf("%w: unknown direction %q", ErrInvalidAlert, a.Direction)
}

// TriggeredItem is the trigger detail for one item. It serialises as a flat object
// such as {"id":100,"spread":6.0,"high":530,"low":500}.
type TriggeredItem struct {
	ItemID int
	Fields map[string]float64
}

// NewTriggeredItem builds a TriggeredItem, allocating the field map when nil.
func NewTriggeredItem(itemID int, fields map[string]float64) TriggeredItem {
	if fields == nil {
		fields = map[string]float64{}
	}
	return TriggeredItem{ItemID: itemID, Fields: fields}
}

func (t TriggeredItem) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(t.Fields)+1)
	for k, v := range t.Fields {
		m[k] = v
	}
	m["id"] = t.ItemID
	return json.Marshal(m)
}

func (t *TriggeredItem) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, ok := raw["id"].(float64)
	if !ok {
		return errors.New("triggered item missing numeric id")
	}
	t.ItemID = int(id)
	t.Fields = make(map[string]float64, len(raw)-1)
	for k, v := range raw {
		if k == "id" {
			continue
		}
		if f, ok := v.(float64); ok {
			t.Fields[k] = f
		}
	}
	return nil
}

// EncodeTriggered serialises triggered items in ascending item order.
func EncodeTriggered(items []TriggeredItem) (string, error) {
	sorted := make([]TriggeredItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ItemID < sorted[j].ItemID })
	data, err := json.Marshal(sorted)
	if err != nil {
		return "", fmt.Errorf("failed to encode triggered data: %w", err)
	}
	return string(data), nil
}

// DecodeTriggered parses stored triggered data. Empty input is reported as an error so
// callers can treat absent and malformed data the same way.
func DecodeTriggered(raw string) ([]TriggeredItem, error) {
	if raw == "" {
		return nil, errors.New("triggered data is empty")
	}
	var items []TriggeredItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("failed to decode triggered data: %w", err)
	}
	return items, nil
}
