package metricengine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLCR_Basic(t *testing.T) {
	// outflows=100, inflows=50 (capped at 0.75*100=75, so 50 stands), hqla=60
	// denominator = 100 - 50 = 50, ratio = 60/50 = 1.2
	ratio := LCR(60, 100, 50)
	assert.Equal(t, 1.2, ratio)
}

func TestLCR_InflowsCapped(t *testing.T) {
	// outflows=100, inflows=90 capped to 75, denominator=25, hqla=25 -> ratio=1.0
	ratio := LCR(25, 100, 90)
	assert.Equal(t, 1.0, ratio)
}

func TestLCR_ZeroDenominatorIsInfinite(t *testing.T) {
	ratio := LCR(10, 0, 0)
	assert.True(t, math.IsInf(ratio, 1))
}

func TestLCRCompliant(t *testing.T) {
	assert.True(t, LCRCompliant(1.0, 0))
	assert.True(t, LCRCompliant(1.5, 1.0))
	assert.False(t, LCRCompliant(0.9, 0))
}

func TestExitHalfLifeHours_Basic(t *testing.T) {
	// P=1,000,000 V=1,000,000 r=0.1 -> (500000)/(100000)*24 = 120h
	hours := ExitHalfLifeHours(1_000_000, 1_000_000, 0.1)
	assert.Equal(t, 120.0, hours)
}

func TestExitHalfLifeHours_ZeroVolumeIsInfinite(t *testing.T) {
	hours := ExitHalfLifeHours(1_000_000, 0, 0.1)
	assert.True(t, math.IsInf(hours, 1))
}

func TestExitHalfLifeHours_DefaultParticipationRate(t *testing.T) {
	withDefault := ExitHalfLifeHours(1_000_000, 1_000_000, 0)
	withExplicit := ExitHalfLifeHours(1_000_000, 1_000_000, DefaultMaxParticipation)
	assert.Equal(t, withExplicit, withDefault)
}

func TestExitFullHours_DoublesHalfLife(t *testing.T) {
	assert.Equal(t, 240.0, ExitFullHours(120.0))
	assert.True(t, math.IsInf(ExitFullHours(math.Inf(1)), 1))
}

func TestVolatilityRegimeFromReturns_InsufficientSamples(t *testing.T) {
	regime, vol := VolatilityRegimeFromReturns([]float64{0.01})
	assert.Equal(t, RegimeLow, regime)
	assert.Equal(t, 0.0, vol)
}

func TestVolatilityRegimeFromReturns_Buckets(t *testing.T) {
	// A near-zero-variance series annualizes to ~0, squarely LOW.
	flat := make([]float64, 30)
	regime, vol := VolatilityRegimeFromReturns(flat)
	assert.Equal(t, RegimeLow, regime)
	assert.Equal(t, 0.0, vol)

	// A high-variance alternating series should land in a higher bucket.
	volatileReturns := make([]float64, 30)
	for i := range volatileReturns {
		if i%2 == 0 {
			volatileReturns[i] = 0.08
		} else {
			volatileReturns[i] = -0.08
		}
	}
	regime, vol = VolatilityRegimeFromReturns(volatileReturns)
	assert.NotEqual(t, RegimeLow, regime)
	assert.Greater(t, vol, 0.15)
}

func TestDepthBands_SumsWithinBand(t *testing.T) {
	mid := 100.0
	bids := []BookLevel{
		{Price: 99.95, Quantity: 10}, // within 0.1%
		{Price: 95.0, Quantity: 10},  // outside 0.1% and 0.25%, within 5%
	}
	asks := []BookLevel{
		{Price: 100.05, Quantity: 10}, // within 0.1%
		{Price: 110.0, Quantity: 10},  // outside all bands except... 110 is 10% away, outside all
	}

	bands := DepthBands(mid, bids, asks)
	require := bands[0]
	assert.Equal(t, 0.1, require.PercentFromMid)
	assert.Equal(t, 999.5, require.BidUSD)
	assert.Equal(t, 1000.5, require.AskUSD)

	fivePct := bands[len(bands)-1]
	assert.Equal(t, 5.0, fivePct.PercentFromMid)
	assert.Greater(t, fivePct.BidUSD, 999.5) // now includes the 95.0 level too
	assert.Equal(t, 1000.5, fivePct.AskUSD)  // 110 level still excluded at 5%
}

func TestImpactCurve_FullyFillsSmallTarget(t *testing.T) {
	asks := []BookLevel{
		{Price: 100, Quantity: 1000}, // 100,000 USD available at 100
		{Price: 101, Quantity: 1000},
	}
	points, maxTradeable := ImpactCurve(100, asks, []float64{10_000, 100_000, 500_000})

	assert.Len(t, points, 3)

	assert.True(t, points[0].FullyFilled)
	assert.Equal(t, 100.0, points[0].ExecutionPrice)
	assert.Equal(t, 0.0, points[0].SlippagePct)

	assert.True(t, points[1].FullyFilled)

	// 500k target exceeds the full book (100,000 + 101,000 = 201,000), so it
	// cannot be fully filled.
	assert.False(t, points[2].FullyFilled)
	assert.Equal(t, 100_000.0, maxTradeable)
}

func TestOverallRiskScore_Buckets(t *testing.T) {
	score, level := OverallRiskScore(2.0, 2.0, RegimeLow)
	assert.Equal(t, 0, score)
	assert.Equal(t, RiskLow, level)

	score, level = OverallRiskScore(0.5, math.Inf(1), RegimeExtreme)
	assert.Equal(t, 100, score)
	assert.Equal(t, RiskCritical, level)
}
