// Package confidence scores how trustworthy an item's recent price action is, from 0 to 100.
package confidence

import (
	"math"

	"github.com/rewired-gh/pricealert/internal/models"
)

const (
	minBuckets = 3

	trendBand     = 0.02
	spreadBand    = 0.03
	stabilityBand = 0.01

	minVolumeFloor   = 200.0
	volumePerMillion = 2000.0
	priceNormalizer  = 1_000_000.0
	highSlopeWeight  = 0.6
	lowSlopeWeight   = 0.4
	pressureMidpoint = 0.5
	pressureStretch  = 2.0
)

var weights = struct {
	trend, pressure, spread, volume, stability float64
}{0.35, 0.25, 0.20, 0.10, 0.10}

// Breakdown holds the component scores, each in [0,1], and the final 0-100 score.
type Breakdown struct {
	Score     float64 `json:"score"`
	Trend     float64 `json:"trend"`
	Pressure  float64 `json:"pressure"`
	Spread    float64 `json:"spread"`
	Volume    float64 `json:"volume"`
	Stability float64 `json:"stability"`
	Buckets   int     `json:"buckets"`
}

type bucket struct {
	high, low       float64
	highVol, lowVol float64
}

// Score returns the confidence score for points, ordered oldest first.
func Score(points []models.HistoricalPoint) float64 {
	return Compute(points).Score
}

// Compute returns the full breakdown. Buckets missing either price are dropped; fewer than
// three usable buckets score zero.
func Compute(points []models.HistoricalPoint) Breakdown {
	buckets := usable(points)
	if len(buckets) < minBuckets {
		return Breakdown{Buckets: len(buckets)}
	}

	n := float64(len(buckets))
	var sumMid, sumHighVol, sumLowVol, sumRelSpread float64
	highs := make([]float64, len(buckets))
	lows := make([]float64, len(buckets))
	highW := make([]float64, len(buckets))
	lowW := make([]float64, len(buckets))
	mids := make([]float64, len(buckets))
	for i, b := range buckets {
		highs[i], lows[i] = b.high, b.low
		highW[i], lowW[i] = b.highVol, b.lowVol
		mids[i] = (b.high + b.low) / 2
		sumMid += mids[i]
		sumHighVol += b.highVol
		sumLowVol += b.lowVol
		sumRelSpread += (b.high - b.low) / b.low
	}
	avgPrice := sumMid / n
	totalVol := sumHighVol + sumLowVol

	var br Breakdown
	br.Buckets = len(buckets)

	slope := highSlopeWeight*weightedSlope(highs, highW) + lowSlopeWeight*weightedSlope(lows, lowW)
	norm := clamp(slope/avgPrice, -trendBand, trendBand)
	br.Trend = (norm + trendBand) / (2 * trendBand)

	buyShare := 0.5
	if totalVol > 0 {
		buyShare = sumHighVol / totalVol
	}
	br.Pressure = clamp(pressureMidpoint+(buyShare-pressureMidpoint)*pressureStretch, 0, 1)

	br.Spread = clamp((sumRelSpread/n)/spreadBand, 0, 1)

	required := math.Max(minVolumeFloor, volumePerMillion*avgPrice/priceNormalizer)
	br.Volume = clamp(totalVol/required, 0, 1)

	br.Stability = 1 - clamp((stdev(mids)/avgPrice)/stabilityBand, 0, 1)

	raw := 100 * (weights.trend*br.Trend +
		weights.pressure*br.Pressure +
		weights.spread*br.Spread +
		weights.volume*br.Volume +
		weights.stability*br.Stability)
	br.Score = math.Round(raw*10) / 10
	return br
}

func usable(points []models.HistoricalPoint) []bucket {
	out := make([]bucket, 0, len(points))
	for _, p := range points {
		if p.AvgHighPrice == nil || p.AvgLowPrice == nil {
			continue
		}
		if *p.AvgHighPrice <= 0 || *p.AvgLowPrice <= 0 {
			continue
		}
		b := bucket{high: *p.AvgHighPrice, low: *p.AvgLowPrice}
		if p.HighVolume != nil && *p.HighVolume > 0 {
			b.highVol = *p.HighVolume
		}
		if p.LowVolume != nil && *p.LowVolume > 0 {
			b.lowVol = *p.LowVolume
		}
		out = append(out, b)
	}
	return out
}

// weightedSlope fits y against the bucket index with weights w. All-zero weights fall back
// to an unweighted fit.
func weightedSlope(y, w []float64) float64 {
	var sumW float64
	for _, v := range w {
		sumW += v
	}
	if sumW <= 0 {
		w = make([]float64, len(y))
		for i := range w {
			w[i] = 1
		}
		sumW = float64(len(y))
	}

	var meanX, meanY float64
	for i := range y {
		meanX += w[i] * float64(i)
		meanY += w[i] * y[i]
	}
	meanX /= sumW
	meanY /= sumW

	var num, den float64
	for i := range y {
		dx := float64(i) - meanX
		num += w[i] * dx * (y[i] - meanY)
		den += w[i] * dx * dx
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func stdev(xs []float64) float64 {
	var w welford
	for _, x := range xs {
		w.add(x)
	}
	return w.popStdev()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
