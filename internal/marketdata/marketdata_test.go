package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/treasury-sentinel/internal/paymentpipeline"
)

func newPipeline(t *testing.T, srv *httptest.Server) *paymentpipeline.Pipeline {
	t.Helper()
	// Fetch only exercises the SEND/200 path in these tests (no 402), so
	// the rest of the pipeline's dependencies are never invoked and can be
	// left nil.
	return paymentpipeline.New(http.DefaultClient, nil, nil, nil, nil, nil, nil, nil, nil)
}

func TestGateway_Fetch_UnknownEndpoint(t *testing.T) {
	g := New("https://data.example.com", nil)
	_, err := g.Fetch(context.Background(), "run-1", Endpoint("bogus"), nil)
	assert.ErrorIs(t, err, ErrUnknownEndpoint)
}

func TestGateway_Fetch_CacheMissThenHit(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/spot_price", r.URL.Path)
		assert.Equal(t, "BTC-USD", r.URL.Query().Get("pair"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"price":65000}`))
	}))
	defer srv.Close()

	g := New(srv.URL, newPipeline(t, srv))
	params := map[string]string{"pair": "BTC-USD"}

	first, err := g.Fetch(context.Background(), "run-1", EndpointSpotPrice, params)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, `{"price":65000}`, string(first.Body))

	second, err := g.Fetch(context.Background(), "run-1", EndpointSpotPrice, params)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, 1, calls)
}

func TestGateway_Fetch_TradesNeverCached(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	g := New(srv.URL, newPipeline(t, srv))

	_, err := g.Fetch(context.Background(), "run-1", EndpointTrades, nil)
	require.NoError(t, err)
	_, err = g.Fetch(context.Background(), "run-1", EndpointTrades, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestGateway_Fetch_DifferentParamsAreDifferentCacheKeys(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	g := New(srv.URL, newPipeline(t, srv))
	_, err := g.Fetch(context.Background(), "run-1", EndpointSpotPrice, map[string]string{"pair": "BTC-USD"})
	require.NoError(t, err)
	_, err = g.Fetch(context.Background(), "run-1", EndpointSpotPrice, map[string]string{"pair": "ETH-USD"})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestTTLLRU_EvictsOldestBeyondCapacity(t *testing.T) {
	c := newTTLLRU(2, time.Minute)
	c.set("a", []byte("1"))
	c.set("b", []byte("2"))
	c.set("c", []byte("3"))

	_, ok := c.get("a")
	assert.False(t, ok, "oldest entry should have been evicted")
	v, ok := c.get("b")
	assert.True(t, ok)
	assert.Equal(t, []byte("2"), v)
	v, ok = c.get("c")
	assert.True(t, ok)
	assert.Equal(t, []byte("3"), v)
}

func TestTTLLRU_ExpiresAfterTTL(t *testing.T) {
	c := newTTLLRU(10, 5*time.Millisecond)
	c.set("a", []byte("1"))
	_, ok := c.get("a")
	require.True(t, ok)

	time.Sleep(15 * time.Millisecond)
	_, ok = c.get("a")
	assert.False(t, ok)
}

func TestTTLLRU_ZeroTTLNeverCaches(t *testing.T) {
	c := newTTLLRU(10, 0)
	c.set("a", []byte("1"))
	_, ok := c.get("a")
	assert.False(t, ok)
}
