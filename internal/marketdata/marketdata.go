// Package marketdata is a typed facade over six Kaiko-like market-data
// endpoints (spot_price, ohlcv, vwap, trades, order_book, liquidity_depth),
// each mapped to an estimated cost in micro-USDC and routed through the
// PaymentPipeline's 402 flow.
//
// Grounded on the teacher's internal/gateway (session budgets, proxy-call
// dispatch to a discovered seller, per-request price limits) generalized
// from "proxy a seller agent's HTTP API" to "fetch one of six fixed
// endpoints through the 402 pipeline". The per-endpoint cache is grounded
// on internal/gas/oracle.go's ttl/lastUpdate staleness check, generalized
// to a bounded LRU so a chatty endpoint with many distinct param tuples
// can't grow memory unbounded.
package marketdata

import (
	"container/list"
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/treasury-sentinel/internal/paymentpipeline"
	"github.com/mbd888/treasury-sentinel/internal/receipts"
	"github.com/mbd888/treasury-sentinel/internal/store"
	"github.com/mbd888/treasury-sentinel/internal/traces"
)

// Endpoint names one of the gateway's fixed market-data routes.
type Endpoint string

const (
	EndpointSpotPrice      Endpoint = "spot_price"
	EndpointOHLCV          Endpoint = "ohlcv"
	EndpointVWAP           Endpoint = "vwap"
	EndpointTrades         Endpoint = "trades"
	EndpointOrderBook      Endpoint = "order_book"
	EndpointLiquidityDepth Endpoint = "liquidity_depth"
)

// CostMicroUSDC is the estimated cost of each endpoint, in micro-USDC.
var CostMicroUSDC = map[Endpoint]int64{
	EndpointSpotPrice:      10_000,
	EndpointOHLCV:          20_000,
	EndpointVWAP:           20_000,
	EndpointTrades:         50_000,
	EndpointOrderBook:      100_000,
	EndpointLiquidityDepth: 250_000,
}

// DefaultTTL is how long a cached response for each endpoint is served
// without spending budget again. Zero means never cached.
var DefaultTTL = map[Endpoint]time.Duration{
	EndpointSpotPrice:      60 * time.Second,
	EndpointOHLCV:          120 * time.Second,
	EndpointVWAP:           60 * time.Second,
	EndpointTrades:         0,
	EndpointOrderBook:      30 * time.Second,
	EndpointLiquidityDepth: 300 * time.Second,
}

// maxCacheEntriesPerEndpoint bounds how many distinct param tuples are
// cached per endpoint before the oldest is evicted.
const maxCacheEntriesPerEndpoint = 64

var ErrUnknownEndpoint = fmt.Errorf("marketdata: unknown endpoint")

// Result is a market-data fetch outcome, possibly served from cache.
type Result struct {
	Body    []byte
	Cached  bool
	Payment *store.Payment
	Receipt *receipts.Receipt
}

// Gateway fetches market-data endpoints through a PaymentPipeline, caching
// responses per endpoint to avoid re-paying for repeat requests within the
// endpoint's TTL.
type Gateway struct {
	baseURL  string
	pipeline *paymentpipeline.Pipeline

	mu     sync.Mutex
	caches map[Endpoint]*ttlLRU
}

// New creates a Gateway that builds request URLs under baseURL (e.g.
// "https://data.example.com") and pays for cache misses via pipeline.
func New(baseURL string, pipeline *paymentpipeline.Pipeline) *Gateway {
	g := &Gateway{
		baseURL:  strings.TrimRight(baseURL, "/"),
		pipeline: pipeline,
		caches:   make(map[Endpoint]*ttlLRU),
	}
	for ep, ttl := range DefaultTTL {
		g.caches[ep] = newTTLLRU(maxCacheEntriesPerEndpoint, ttl)
	}
	return g
}

// Fetch returns endpoint's data for params, consulting the per-endpoint
// cache first. A cache hit never touches the budget or the chain. params is
// canonicalized (sorted by key) so equivalent requests share a cache entry.
func (g *Gateway) Fetch(ctx context.Context, runID string, endpoint Endpoint, params map[string]string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "marketdata.Fetch")
	defer span.End()

	if _, ok := CostMicroUSDC[endpoint]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
	}

	key := canonicalKey(params)

	g.mu.Lock()
	cache := g.caches[endpoint]
	g.mu.Unlock()

	if body, ok := cache.get(key); ok {
		return &Result{Body: body, Cached: true}, nil
	}

	reqURL := g.buildURL(endpoint, params)
	result, err := g.pipeline.Fetch(ctx, runID, string(endpoint), reqURL)
	if err != nil {
		return nil, err
	}

	cache.set(key, result.Body)

	return &Result{Body: result.Body, Payment: result.Payment, Receipt: result.Receipt}, nil
}

func (g *Gateway) buildURL(endpoint Endpoint, params map[string]string) string {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	u := g.baseURL + "/" + string(endpoint)
	if encoded := values.Encode(); encoded != "" {
		u += "?" + encoded
	}
	return u
}

func canonicalKey(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// ttlLRU is a bounded, per-key TTL cache. Grounded on gas.PriceOracle's
// ttl/lastUpdate staleness check, generalized from a single cached value to
// many keyed entries with LRU eviction once the entry cap is reached.
type ttlLRU struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	ll         *list.List
	items      map[string]*list.Element
}

type ttlEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

func newTTLLRU(maxEntries int, ttl time.Duration) *ttlLRU {
	return &ttlLRU{
		ttl:        ttl,
		maxEntries: maxEntries,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
	}
}

func (c *ttlLRU) get(key string) ([]byte, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*ttlEntry)
	if time.Now().After(entry.expiresAt) {
		c.ll.Remove(elem)
		delete(c.items, key)
		return nil, false
	}
	c.ll.MoveToFront(elem)
	return entry.value, true
}

func (c *ttlLRU) set(key string, value []byte) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*ttlEntry)
		entry.value = value
		entry.expiresAt = time.Now().Add(c.ttl)
		c.ll.MoveToFront(elem)
		return
	}

	elem := c.ll.PushFront(&ttlEntry{key: key, value: value, expiresAt: time.Now().Add(c.ttl)})
	c.items[key] = elem

	for c.ll.Len() > c.maxEntries {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*ttlEntry).key)
	}
}
