package detector

import (
	"github.com/rewired-gh/pricealert/internal/models"
)

// CheckSpike records the current price of every monitored item and compares it with the
// price recorded one timeframe ago. Items without a baseline yet are warming up.
func CheckSpike(env *Env, a *models.Alert) Result {
	ref := a.Reference()
	timeframe := a.Timeframe()
	monitored := a.MonitoredItems(env.Snapshot.ItemIDs())

	return collect(env.Ctx, monitored, func(id int) itemOutcome {
		quote, ok := env.Snapshot.Get(id)
		if !ok {
			return unavailable()
		}
		price, at := quote.Price(ref)
		if price <= 0 {
			return unavailable()
		}

		key := models.HistoryKey{ItemID: id, Ref: ref}
		env.History.Record(key, observedAt(at, env.Now), price)

		baseline, ok := env.History.LookupBaseline(key, timeframe, env.Now)
		if !ok {
			return notYet()
		}
		pct, ok := pctChange(price, baseline.Price)
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
			"price":    price,
			"baseline": baseline.Price,
			"change":   pct,
		})
	})
}
