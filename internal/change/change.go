// Package change decides whether a re-evaluated alert should surface a new notification.
package change

import (
	"github.com/shopspring/decimal"

	"github.com/rewired-gh/pricealert/internal/models"
)

// Precision is the number of decimal places compared; differences below it are noise.
const Precision = 2

// Decision is the outcome of comparing stored and fresh trigger data.
type Decision struct {
	Changed        bool
	ResetDismissed bool
	// TriggeredData always replaces the stored value.
	TriggeredData string
}

// Decide compares the stored triggered data with the freshly computed items.
// Absent or malformed stored data counts as changed. When notifications are disabled the
// change is still reported but the dismissed flag is left alone.
func Decide(previous string, current []models.TriggeredItem, notificationsEnabled bool) (Decision, error) {
	encoded, err := models.EncodeTriggered(current)
	if err != nil {
		return Decision{}, err
	}
	changed := Changed(previous, current)
	return Decision{
		Changed:        changed,
		ResetDismissed: changed && notificationsEnabled,
		TriggeredData:  encoded,
	}, nil
}

// Changed reports whether current differs from the stored data in item set or in any
// shared numeric field after rounding to Precision places.
func Changed(previous string, current []models.TriggeredItem) bool {
	old, err := models.DecodeTriggered(previous)
	if err != nil {
		return true
	}

	oldByID := index(old)
	newByID := index(current)
	if len(oldByID) != len(newByID) {
		return true
	}
	for id, n := range newByID {
		o, ok := oldByID[id]
		if !ok {
			return true
		}
		if fieldsDiffer(o.Fields, n.Fields) {
			return true
		}
	}
	return false
}

func index(items []models.TriggeredItem) map[int]models.TriggeredItem {
	m := make(map[int]models.TriggeredItem, len(items))
	for _, it := range items {
		m[it.ItemID] = it
	}
	return m
}

func fieldsDiffer(a, b map[string]float64) bool {
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			continue
		}
		if !rounded(av).Equal(rounded(bv)) {
			return true
		}
	}
	return false
}

func rounded(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(Precision)
}
