// Package metricengine computes the treasury's liquidity-risk metrics from a
// snapshot of balances and optional market data: the liquidity coverage
// ratio, per-position exit half-life, the prevailing volatility regime,
// order-book depth bands, and a price-impact curve. Every function is pure
// and allocation-light, operating only on its arguments — the same "no
// hidden state, clamp to bounds, round to fixed precision" discipline the
// teacher's internal/risk.Engine uses for its own 0-1 score.
//
// Grounded on internal/risk/engine.go and internal/risk/risk.go.
package metricengine

import (
	"math"
	"sort"
)

// VolatilityRegime buckets annualized return volatility.
type VolatilityRegime string

const (
	RegimeLow      VolatilityRegime = "LOW"
	RegimeNormal   VolatilityRegime = "NORMAL"
	RegimeElevated VolatilityRegime = "ELEVATED"
	RegimeHigh     VolatilityRegime = "HIGH"
	RegimeExtreme  VolatilityRegime = "EXTREME"
)

// RiskLevel buckets the overall 0-100 risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Default parameters, overridable by callers that need a non-default
// threshold or participation rate.
const (
	DefaultLCRThreshold     = 1.0
	DefaultMaxParticipation = 0.10
	annualizationDaysCrypto = 365
)

// DepthBandPercents is the fixed set of percent-from-mid bands the engine
// reports, per the gateway's liquidity_depth response shape.
var DepthBandPercents = []float64{0.1, 0.25, 0.5, 1, 2, 5}

// ImpactTargetsUSD is the fixed set of notional sizes the impact curve is
// evaluated at.
var ImpactTargetsUSD = []float64{10_000, 50_000, 100_000, 500_000, 1_000_000}

// LCR computes the liquidity coverage ratio:
//
//	HQLA / max(outflows - min(inflows, 0.75*outflows), 0)
//
// Returns +Inf when the denominator is zero (no net outflow pressure).
func LCR(hqlaUSD, projectedOutflowsUSD, projectedInflowsUSD float64) float64 {
	cappedInflows := math.Min(projectedInflowsUSD, 0.75*projectedOutflowsUSD)
	denominator := math.Max(projectedOutflowsUSD-cappedInflows, 0)
	if denominator == 0 {
		return math.Inf(1)
	}
	return roundTo(hqlaUSD/denominator, 4)
}

// LCRCompliant reports whether ratio meets or exceeds threshold.
// threshold <= 0 defaults to DefaultLCRThreshold.
func LCRCompliant(ratio, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultLCRThreshold
	}
	return ratio >= threshold
}

// ExitHalfLifeHours estimates hours to liquidate half of positionUSD at a
// maximum participation rate of the position's average daily volume.
// rate <= 0 defaults to DefaultMaxParticipation. Returns +Inf when volume
// is zero (position cannot be exited through this venue at all).
func ExitHalfLifeHours(positionUSD, avgDailyVolumeUSD, maxParticipationRate float64) float64 {
	if avgDailyVolumeUSD <= 0 {
		return math.Inf(1)
	}
	if maxParticipationRate <= 0 {
		maxParticipationRate = DefaultMaxParticipation
	}
	hours := (positionUSD / 2) / (avgDailyVolumeUSD * maxParticipationRate) * 24
	return roundTo(hours, 2)
}

// ExitFullHours is the time to liquidate the full position: twice the
// half-life.
func ExitFullHours(halfLifeHours float64) float64 {
	if math.IsInf(halfLifeHours, 1) {
		return halfLifeHours
	}
	return roundTo(halfLifeHours*2, 2)
}

// VolatilityRegimeFromReturns computes the annualized standard deviation of
// log returns (√365 crypto annualization) and buckets it into a regime.
// Fewer than 2 samples returns (RegimeLow, 0).
func VolatilityRegimeFromReturns(logReturns []float64) (VolatilityRegime, float64) {
	if len(logReturns) < 2 {
		return RegimeLow, 0
	}

	mean := 0.0
	for _, r := range logReturns {
		mean += r
	}
	mean /= float64(len(logReturns))

	var sumSquares float64
	for _, r := range logReturns {
		d := r - mean
		sumSquares += d * d
	}
	stdDev := math.Sqrt(sumSquares / float64(len(logReturns)-1))
	annualized := roundTo(stdDev*math.Sqrt(annualizationDaysCrypto), 4)

	switch {
	case annualized <= 0.15:
		return RegimeLow, annualized
	case annualized <= 0.30:
		return RegimeNormal, annualized
	case annualized <= 0.50:
		return RegimeElevated, annualized
	case annualized <= 0.80:
		return RegimeHigh, annualized
	default:
		return RegimeExtreme, annualized
	}
}

// BookLevel is one price/quantity level of an order book side.
type BookLevel struct {
	Price    float64
	Quantity float64
}

// DepthBand is the cumulative notional available within a percent band of
// mid price, on each side.
type DepthBand struct {
	PercentFromMid float64
	BidUSD         float64
	AskUSD         float64
}

// DepthBands sums price*quantity of bids at or above mid*(1-p/100) and
// asks at or below mid*(1+p/100), for every band in DepthBandPercents.
func DepthBands(mid float64, bids, asks []BookLevel) []DepthBand {
	bands := make([]DepthBand, len(DepthBandPercents))
	for i, p := range DepthBandPercents {
		lowerBound := mid * (1 - p/100)
		upperBound := mid * (1 + p/100)

		var bidUSD, askUSD float64
		for _, level := range bids {
			if level.Price >= lowerBound {
				bidUSD += level.Price * level.Quantity
			}
		}
		for _, level := range asks {
			if level.Price <= upperBound {
				askUSD += level.Price * level.Quantity
			}
		}
		bands[i] = DepthBand{PercentFromMid: p, BidUSD: roundTo(bidUSD, 2), AskUSD: roundTo(askUSD, 2)}
	}
	return bands
}

// ImpactPoint is the estimated execution price and slippage for buying
// TargetUSD worth of the asset by walking the ask book.
type ImpactPoint struct {
	TargetUSD      float64
	ExecutionPrice float64
	SlippagePct    float64
	FullyFilled    bool
}

// ImpactCurve walks asks (ascending by price) filling each target notional
// in ImpactTargetsUSD. ExecutionPrice is total cost / total quantity filled;
// SlippagePct is (execution-mid)/mid. maxTradeableUSD is the largest target
// that was fully filled by the book.
func ImpactCurve(mid float64, asks []BookLevel, targets []float64) ([]ImpactPoint, float64) {
	sorted := make([]BookLevel, len(asks))
	copy(sorted, asks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Price < sorted[j].Price })

	points := make([]ImpactPoint, len(targets))
	var maxTradeable float64

	for i, target := range targets {
		var spentUSD, filledQty float64
		fullyFilled := false

		for _, level := range sorted {
			levelUSD := level.Price * level.Quantity
			remaining := target - spentUSD
			if remaining <= 0 {
				fullyFilled = true
				break
			}
			if levelUSD <= remaining {
				spentUSD += levelUSD
				filledQty += level.Quantity
				continue
			}
			partialQty := remaining / level.Price
			spentUSD += remaining
			filledQty += partialQty
			fullyFilled = true
			break
		}
		if spentUSD >= target {
			fullyFilled = true
		}

		var execPrice, slippage float64
		if filledQty > 0 {
			execPrice = spentUSD / filledQty
			if mid > 0 {
				slippage = (execPrice - mid) / mid
			}
		}

		points[i] = ImpactPoint{
			TargetUSD:      target,
			ExecutionPrice: roundTo(execPrice, 6),
			SlippagePct:    roundTo(slippage, 6),
			FullyFilled:    fullyFilled,
		}
		if fullyFilled && target > maxTradeable {
			maxTradeable = target
		}
	}

	return points, maxTradeable
}

// OverallRiskScore combines LCR, average exit half-life and volatility
// regime into a single 0-100 score: 40 points from the LCR bucket, 30 from
// the exit half-life bucket, 30 from the volatility regime bucket.
func OverallRiskScore(lcrRatio, avgExitHalfLifeHours float64, regime VolatilityRegime) (int, RiskLevel) {
	score := lcrRiskPoints(lcrRatio) + exitHalfLifeRiskPoints(avgExitHalfLifeHours) + regimeRiskPoints(regime)

	var level RiskLevel
	switch {
	case score <= 25:
		level = RiskLow
	case score <= 50:
		level = RiskMedium
	case score <= 75:
		level = RiskHigh
	default:
		level = RiskCritical
	}
	return score, level
}

func lcrRiskPoints(ratio float64) int {
	switch {
	case math.IsInf(ratio, 1) || ratio >= 1.5:
		return 0
	case ratio >= 1.0:
		return 10
	case ratio >= 0.75:
		return 25
	default:
		return 40
	}
}

func exitHalfLifeRiskPoints(hours float64) int {
	switch {
	case math.IsInf(hours, 1):
		return 30
	case hours <= 4:
		return 0
	case hours <= 24:
		return 10
	case hours <= 72:
		return 20
	default:
		return 30
	}
}

func regimeRiskPoints(regime VolatilityRegime) int {
	switch regime {
	case RegimeLow:
		return 0
	case RegimeNormal:
		return 8
	case RegimeElevated:
		return 16
	case RegimeHigh:
		return 24
	case RegimeExtreme:
		return 30
	default:
		return 30
	}
}

func roundTo(v float64, decimals int) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return v
	}
	mult := math.Pow(10, float64(decimals))
	return math.Round(v*mult) / mult
}
