package detector

import (
	"math"

	"github.com/rewired-gh/pricealert/internal/models"
)

// CheckDump detects statistically unusual drops. Each item carries an EWMA estimate of its
// squared log return; a cycle qualifies when the drop from the recent high-water mark, the
// return in sigmas and the sell-side volume profile all clear the alert's thresholds. A trigger
// needs RequiredConfirmations consecutive qualifying cycles and is then held back for the
// alert's cooldown. While held, the item keeps its previous trigger instead of firing again.
// Cycles without the volume data the alert needs are unavailable and leave the
// confirmation count alone.
//
// The first observation of an item only seeds its price. The first return only seeds the
// variance with r², so its shock sigma is always ±1 whatever the size of the move; it is
// recorded but never triggers.
func CheckDump(env *Env, a *models.Alert) Result {
	ref := a.Reference()
	params := env.Params.withDefaults()
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

		hwKey := models.HistoryKey{ItemID: id, Ref: ref}
		env.History.Record(hwKey, observedAt(at, env.Now), price)

		bucket, hasBucket := env.Buckets[id]

		var out itemOutcome
		env.Dumps.Update(models.DumpKey{AlertID: a.ID, ItemID: id}, func(st *models.DumpState) {
			out = stepDump(env, params, a, st, price, bucket, hasBucket, hwKey)
		})
		return out
	})
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.Alpha <= 0 || p.Alpha > 1 {
		p.Alpha = d.Alpha
	}
	if p.HighWaterWindow <= 0 {
		p.HighWaterWindow = d.HighWaterWindow
	}
	if p.RelVolWindow <= 0 {
		p.RelVolWindow = d.RelVolWindow
	}
	return p
}

func stepDump(env *Env, params Params, a *models.Alert, st *models.DumpState,
	price float64, bucket models.VolumeBucket, hasBucket bool, hwKey models.HistoryKey) itemOutcome {
	now := env.Now

	// Already observed at this time; there is nothing new to decide.
	if !st.LastObservedAt.IsZero() && !now.After(st.LastObservedAt) {
		return unavailable()
	}
	st.LastObservedAt = now
	baseVolume := foldVolume(st, bucket, hasBucket, params.RelVolWindow)

	if !st.Seeded() {
		st.LastPrice = price
		return notYet()
	}

	r := math.Log(price / st.LastPrice)
	st.LastPrice = price

	if !st.HasVar {
		st.VarIdio = r * r
		st.HasVar = true
		st.LastShockSigma = 0
		if r != 0 {
			st.LastShockSigma = r / math.Sqrt(st.VarIdio)
		}
		st.Consecutive = 0
		return notYet()
	}

	sigma := math.Sqrt(st.VarIdio)
	st.VarIdio = params.Alpha*r*r + (1-params.Alpha)*st.VarIdio

	shock, valid := 0.0, false
	if sigma > 0 {
		shock = r / sigma
		valid = true
	}
	st.LastShockSigma = shock

	hw, ok := env.History.Max(hwKey, now.Add(-params.HighWaterWindow))
	if !ok || hw < price {
		hw = price
	}
	discount := (hw - price) / hw * 100

	if !valid || discount < a.DiscountMin || shock > -a.ShockSigmaThreshold {
		st.Consecutive = 0
		return cleared()
	}
	if needsBucket(a) && !hasBucket {
		return unavailable()
	}
	if a.RelVolMin > 0 && baseVolume <= 0 {
		// No volume average yet.
		return notYet()
	}
	vol, volOK := dumpVolume(a, bucket, hasBucket, baseVolume)
	if !volOK {
		st.Consecutive = 0
		return cleared()
	}

	st.Consecutive++
	if st.Consecutive < a.RequiredConfirmations() {
		return cleared()
	}
	if st.InCooldown(now, a.Cooldown()) {
		return held(st.ItemID)
	}
	st.LastTriggeredAt = now

	return triggered(st.ItemID, map[string]float64{
		"price":       price,
		"high_water":  hw,
		"discount":    discount,
		"shock_sigma": shock,
		"sell_ratio":  vol.sellRatio,
		"rel_vol":     vol.relVol,
		"volume":      vol.value,
	})
}

type dumpVolumeStats struct {
	sellRatio float64
	relVol    float64
	value     float64
}

// needsBucket reports whether the alert sets any threshold read from the volume bucket.
func needsBucket(a *models.Alert) bool {
	return a.SellRatioMin > 0 || a.RelVolMin > 0 || a.LiquidityFloor > 0
}

// dumpVolume checks the sell ratio, relative volume and liquidity floor. Without a bucket
// the check fails closed unless the alert sets none of the three thresholds.
func dumpVolume(a *models.Alert, bucket models.VolumeBucket, hasBucket bool, baseVolume float64) (dumpVolumeStats, bool) {
	if !hasBucket {
		return dumpVolumeStats{}, !needsBucket(a)
	}

	var stats dumpVolumeStats
	total := bucket.TotalVolume()
	if total < 0 || bucket.LowVolume < 0 || bucket.HighVolume < 0 {
		return stats, false
	}
	if total > 0 {
		stats.sellRatio = bucket.LowVolume / total
	}
	if baseVolume > 0 {
		stats.relVol = total / baseVolume
	}
	stats.value = bucket.Value()

	if a.SellRatioMin > 0 && (total == 0 || stats.sellRatio < a.SellRatioMin) {
		return stats, false
	}
	if a.RelVolMin > 0 && (baseVolume <= 0 || stats.relVol < a.RelVolMin) {
		return stats, false
	}
	if stats.value < a.LiquidityFloor {
		return stats, false
	}
	return stats, true
}

// foldVolume folds a new bucket into the running average and returns the average as it
// stood before that bucket. A bucket already folded in a previous cycle is not counted twice.
func foldVolume(st *models.DumpState, bucket models.VolumeBucket, hasBucket bool, window int) float64 {
	if !hasBucket {
		return st.BaseVolume
	}
	if !bucket.At.IsZero() && !bucket.At.After(st.LastBucketAt) {
		return st.BaseVolume
	}

	st.BaseVolume = st.AvgVolume
	n := st.VolumeSamples + 1
	if n > window {
		n = window
	}
	st.AvgVolume += (bucket.TotalVolume() - st.AvgVolume) / float64(n)
	if st.VolumeSamples < window {
		st.VolumeSamples++
	}
	st.LastBucketAt = bucket.At
	return st.BaseVolume
}
