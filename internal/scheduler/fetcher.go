package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"

	"github.com/mbd888/treasury-sentinel/internal/escalation"
	"github.com/mbd888/treasury-sentinel/internal/marketdata"
	"github.com/mbd888/treasury-sentinel/internal/metricengine"
	"github.com/mbd888/treasury-sentinel/internal/paymentpipeline"
)

// levelEndpoints is the level-to-endpoint policy escalation.MarketDataFetcher
// leaves deliberately unspecified: L3 pulls depth (is there a run on
// liquidity?), L4 pulls the full book (how bad is it?), L5 pulls recent
// trades (is there a disorderly market happening right now?).
var levelEndpoints = map[escalation.Level]marketdata.Endpoint{
	escalation.L3MarketData: marketdata.EndpointLiquidityDepth,
	escalation.L4Critical:   marketdata.EndpointOrderBook,
	escalation.L5Emergency:  marketdata.EndpointTrades,
}

// maxMidHistory bounds the rolling mid/trade price window VolatilityRegime
// derives log returns from. 30 samples is enough for a stable stdev estimate
// without letting a days-old price drag on today's regime call.
const maxMidHistory = 30

// depthCrisisFloorUSD is the combined bid+ask notional within the tightest
// DepthBandPercents band below which the book is judged too thin to absorb
// even a modest exit.
const depthCrisisFloorUSD = 50_000

// gatewayFetcher adapts a marketdata.Gateway into the narrow
// escalation.MarketDataFetcher capability, translating a budget-blocked
// PaymentPipeline failure into escalation.ErrBudgetBlocked so the state
// machine can redirect instead of recording a plain failed transition.
//
// It also retains the order-book and trade data each paid fetch returns:
// a rolling mid/trade price history feeds metricengine.VolatilityRegimeFromReturns,
// and the most recent order book's depth bands and impact curve feed a
// depth-crisis signal. Both are exposed to AgentRun via DepthSignalSource so a
// later tick's guard evaluation can see what an earlier tick's payment
// actually bought.
type gatewayFetcher struct {
	gateway *marketdata.Gateway
	pair    string // default instrument queried at every paid level, e.g. "ETH-USD"

	mu          sync.Mutex
	midHistory  []float64
	depthCrisis bool
	depthKnown  bool
}

// NewGatewayFetcher builds the market-data adapter the composition root
// wires into both escalation.New (as an escalation.MarketDataFetcher) and
// NewAgentRun (as a DepthSignalSource) — the same object backs both
// capabilities so AgentRun sees exactly what the state machine's own
// payments bought.
func NewGatewayFetcher(gateway *marketdata.Gateway, pair string) *gatewayFetcher {
	return &gatewayFetcher{gateway: gateway, pair: pair}
}

func (f *gatewayFetcher) FetchForLevel(ctx context.Context, runID string, level escalation.Level) (int64, error) {
	endpoint, ok := levelEndpoints[level]
	if !ok {
		return 0, errors.New("scheduler: no market data endpoint mapped for level " + string(level))
	}

	result, err := f.gateway.Fetch(ctx, runID, endpoint, map[string]string{"pair": f.pair})
	if err != nil {
		var pipelineErr *paymentpipeline.PipelineError
		if errors.As(err, &pipelineErr) && pipelineErr.Reason == paymentpipeline.ReasonBudgetBlocked {
			return 0, escalation.ErrBudgetBlocked
		}
		return 0, err
	}

	switch endpoint {
	case marketdata.EndpointOrderBook, marketdata.EndpointLiquidityDepth:
		f.observeBook(result.Body)
	case marketdata.EndpointTrades:
		f.observeTrades(result.Body)
	}

	if result.Payment == nil {
		// Cache hit: no new spend.
		return 0, nil
	}
	return result.Payment.AmountMicroUSDC, nil
}

// bookLevelWire is one price/quantity entry of the gateway's order-book or
// liquidity-depth response.
type bookLevelWire struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// orderBookWire is the shared response shape of order_book and
// liquidity_depth: a mid price plus both book sides.
type orderBookWire struct {
	Mid  float64         `json:"mid"`
	Bids []bookLevelWire `json:"bids"`
	Asks []bookLevelWire `json:"asks"`
}

// tradeWire is one recent print from the trades endpoint.
type tradeWire struct {
	Price float64 `json:"price"`
}

type tradesWire struct {
	Trades []tradeWire `json:"trades"`
}

// observeBook parses an order-book-shaped response and derives the
// depth-crisis signal: the book is in crisis if the tightest band can't
// absorb a meaningful two-sided quote, or if the ask side can't fill even
// the smallest ImpactTargetsUSD notional at any price.
func (f *gatewayFetcher) observeBook(body []byte) {
	var wire orderBookWire
	if err := json.Unmarshal(body, &wire); err != nil || wire.Mid <= 0 {
		return
	}

	bids := toBookLevels(wire.Bids)
	asks := toBookLevels(wire.Asks)

	bands := metricengine.DepthBands(wire.Mid, bids, asks)
	_, maxTradeableUSD := metricengine.ImpactCurve(wire.Mid, asks, metricengine.ImpactTargetsUSD)

	crisis := maxTradeableUSD < metricengine.ImpactTargetsUSD[0]
	if len(bands) > 0 {
		nearTouchUSD := bands[0].BidUSD + bands[0].AskUSD
		crisis = crisis || nearTouchUSD < depthCrisisFloorUSD
	}

	f.mu.Lock()
	f.depthCrisis = crisis
	f.depthKnown = true
	f.recordMidLocked(wire.Mid)
	f.mu.Unlock()
}

// observeTrades folds recent trade prints into the mid-price history so
// VolatilityRegime has real executed prices to derive returns from, not just
// order-book snapshots.
func (f *gatewayFetcher) observeTrades(body []byte) {
	var wire tradesWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return
	}

	f.mu.Lock()
	for _, t := range wire.Trades {
		if t.Price > 0 {
			f.recordMidLocked(t.Price)
		}
	}
	f.mu.Unlock()
}

// recordMidLocked appends a price sample to the rolling history. Caller must
// hold f.mu.
func (f *gatewayFetcher) recordMidLocked(price float64) {
	f.midHistory = append(f.midHistory, price)
	if len(f.midHistory) > maxMidHistory {
		f.midHistory = f.midHistory[len(f.midHistory)-maxMidHistory:]
	}
}

// LatestDepthCrisis reports the most recent order-book-derived crisis
// signal. known is false until at least one order-book or liquidity-depth
// fetch has been observed.
func (f *gatewayFetcher) LatestDepthCrisis() (crisis bool, known bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.depthCrisis, f.depthKnown
}

// LatestRegime derives the prevailing volatility regime from the mid/trade
// price history observed across every fetch made so far. known is false
// until at least three price points (two log returns) have been observed.
func (f *gatewayFetcher) LatestRegime() (regime metricengine.VolatilityRegime, known bool) {
	f.mu.Lock()
	history := append([]float64(nil), f.midHistory...)
	f.mu.Unlock()

	returns := make([]float64, 0, len(history))
	for i := 1; i < len(history); i++ {
		prev, cur := history[i-1], history[i]
		if prev <= 0 || cur <= 0 {
			continue
		}
		returns = append(returns, math.Log(cur/prev))
	}
	if len(returns) < 2 {
		return metricengine.RegimeLow, false
	}

	regime, _ = metricengine.VolatilityRegimeFromReturns(returns)
	return regime, true
}

func toBookLevels(wire []bookLevelWire) []metricengine.BookLevel {
	levels := make([]metricengine.BookLevel, len(wire))
	for i, w := range wire {
		levels[i] = metricengine.BookLevel{Price: w.Price, Quantity: w.Quantity}
	}
	return levels
}
