package adminserver

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/treasury-sentinel/internal/budget"
	"github.com/mbd888/treasury-sentinel/internal/escalation"
	"github.com/mbd888/treasury-sentinel/internal/health"
	"github.com/mbd888/treasury-sentinel/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s := store.NewMemoryStore()
	ledger, err := budget.NewLedger(context.Background(), s, big.NewInt(10_000_000), big.NewInt(0))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	sm := escalation.New(ledger, nil, s, time.Millisecond)
	hub := NewHub(nil)
	checks := health.NewRegistry()
	checks.Register("store", func(ctx context.Context) health.Status {
		return health.Status{Name: "store", Healthy: true}
	})
	return New("127.0.0.1:0", s, sm, ledger, hub, checks, nil, "test")
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("expected status healthy, got %q", resp.Status)
	}
	if resp.Checks["store"] != "healthy" {
		t.Errorf("expected store check healthy, got %q", resp.Checks["store"])
	}
}

func TestHealthEndpoint_DegradedWhenCheckFails(t *testing.T) {
	s := newTestServer(t)
	s.health.Register("chain", func(ctx context.Context) health.Status {
		return health.Status{Name: "chain", Healthy: false, Detail: "rpc timeout"}
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/livez", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint_NotReadyUntilSet(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/readyz", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before SetReady, got %d", w.Code)
	}

	s.SetReady(true)

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/readyz", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 after SetReady, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Status endpoint tests
// ---------------------------------------------------------------------------

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/status", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["level"] != string(escalation.L0Idle) {
		t.Errorf("expected level %s, got %v", escalation.L0Idle, resp["level"])
	}
	if _, ok := resp["budget"]; !ok {
		t.Error("expected budget section in status response")
	}
	if _, ok := resp["websocket"]; !ok {
		t.Error("expected websocket section in status response")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
