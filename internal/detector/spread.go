package detector

import (
	"github.com/rewired-gh/pricealert/internal/models"
)

// SpreadPct returns (high-low)/low*100. ok is false when either side is missing.
func SpreadPct(high, low float64) (float64, bool) {
	if low <= 0 || high <= 0 {
		return 0, false
	}
	return (high - low) / low * 100, true
}

// CheckSpread triggers items whose spread is at least the alert percentage.
func CheckSpread(env *Env, a *models.Alert) Result {
	monitored := a.MonitoredItems(env.Snapshot.ItemIDs())

	return collect(env.Ctx, monitored, func(id int) itemOutcome {
		quote, ok := env.Snapshot.Get(id)
		if !ok {
			return unavailable()
		}
		spread, ok := SpreadPct(quote.High, quote.Low)
		if !ok {
			return unavailable()
		}
		if spread < a.Percentage {
			return cleared()
		}
		if out, ok := env.gateVolume(id, a.MinVolume); !ok {
			return out
		}
		return triggered(id, map[string]float64{
			"spread": spread,
			"high":   quote.High,
			"low":    quote.Low,
		})
	})
}
