package detector

import (
	"github.com/rewired-gh/pricealert/internal/models"
)

// CheckPrice evaluates above and below alerts against a fixed target price.
func CheckPrice(env *Env, a *models.Alert) Result {
	ref := a.Reference()
	monitored := a.MonitoredItems(env.Snapshot.ItemIDs())

	return collect(env.Ctx, monitored, func(id int) itemOutcome {
		quote, ok := env.Snapshot.Get(id)
		if !ok {
			return unavailable()
		}
		price, _ := quote.Price(ref)
		if price <= 0 || a.TargetPrice <= 0 {
			return unavailable()
		}

		hit := price >= a.TargetPrice
		if a.Type == models.TypeBelow {
			hit = price <= a.TargetPrice
		}
		if !hit {
			return cleared()
		}
		if out, ok := env.gateVolume(id, a.MinVolume); !ok {
			return out
		}
		return triggered(id, map[string]float64{
			"price":  price,
			"target": a.TargetPrice,
		})
	})
}
