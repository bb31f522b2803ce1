package detector

import (
	"github.com/rewired-gh/pricealert/internal/models"
)

// CheckThreshold compares current prices against the reference prices captured when the
// alert was created. All-item scope monitors every item that has a reference price.
func CheckThreshold(env *Env, a *models.Alert) Result {
	ref := a.Reference()

	var monitored []int
	if a.Scope == models.ScopeAll {
		ids := make([]int, 0, len(a.ReferencePrices))
		for id := range a.ReferencePrices {
			ids = append(ids, id)
		}
		monitored = a.MonitoredItems(ids)
	} else {
		monitored = a.MonitoredItems(nil)
	}

	return collect(env.Ctx, monitored, func(id int) itemOutcome {
		base, ok := a.ReferencePrices[id]
		if !ok || base <= 0 {
			return unavailable()
		}
		quote, ok := env.Snapshot.Get(id)
		if !ok {
			return unavailable()
		}
		price, _ := quote.Price(ref)
		pct, ok := pctChange(price, base)
		if !ok {
			return unavailable()
		}
		if !matchesDirection(a.Direction, pct, a.Percentage) {
			return cleared()
		}
		if out, ok := env.gateVolume(id, a.MinVolume); !ok {
			return out
		}
		return triggered(id, map[string]float64{
			"price":     price,
			"reference": base,
			"change":    pct,
		})
	})
}
