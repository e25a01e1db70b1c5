package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nursedude/meshforge-maps/pkg/aggregator"
	"github.com/nursedude/meshforge-maps/pkg/alerting"
	"github.com/nursedude/meshforge-maps/pkg/circuit"
	"github.com/nursedude/meshforge-maps/pkg/eventbus"
	"github.com/nursedude/meshforge-maps/pkg/logx"
	"github.com/nursedude/meshforge-maps/pkg/nodestore"
)

func newTestServer() (*Server, *Context) {
	bus := eventbus.New()
	breakers := circuit.NewRegistry(3, time.Minute)
	store := nodestore.New()
	agg := aggregator.New(bus, breakers, store, logx.New("error"))
	alerts := alerting.NewEngine()

	ctx := &Context{
		Aggregator: agg,
		Alerts:     alerts,
		Breakers:   breakers,
		Bus:        bus,
		StartTime:  time.Now(),
	}
	return New(ctx, logx.New("error")), ctx
}

func TestOptionsRequestReturns204WithCORSHeaders(t *testing.T) {
	s, _ := newTestServer()
	router := s.buildRouter()

	req := httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("expected CORS header on preflight response")
	}
}

func TestResponseHeadersAreSetOnEveryRequest(t *testing.T) {
	s, _ := newTestServer()
	router := s.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if got := rec.Header().Get("Cache-Control"); got != "no-cache" {
		t.Errorf("expected Cache-Control: no-cache, got %q", got)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("expected X-Content-Type-Options: nosniff, got %q", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("expected application/json content type, got %q", got)
	}
}

func TestInvalidNodeIDReturns400(t *testing.T) {
	s, _ := newTestServer()
	router := s.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/nodes/not-a-hex-id!!/trajectory", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid node id, got %d", rec.Code)
	}
}

func TestValidNodeIDWithBangPrefixIsAccepted(t *testing.T) {
	s, _ := newTestServer()
	router := s.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/nodes/!a1b2c3d4/trajectory", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code == http.StatusBadRequest {
		t.Fatalf("expected valid node id to pass validation, got 400")
	}
}

func TestMissingAnalyticsReturns503(t *testing.T) {
	s, _ := newTestServer()
	router := s.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/analytics/growth", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when analytics is unwired, got %d", rec.Code)
	}
}

func TestNodesGeoJSONReturnsAggregatedCollection(t *testing.T) {
	s, _ := newTestServer()
	router := s.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/nodes/geojson", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStatusReportsUptimeAndBreakers(t *testing.T) {
	s, ctx := newTestServer()
	ctx.Breakers.Get("meshtastic").RecordFailure()
	router := s.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestQueryIntDefaultsOnMissingOrInvalid(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=abc", nil)
	if got := queryInt(req, "limit", 42); got != 42 {
		t.Errorf("expected default 42 for invalid int, got %d", got)
	}
	if got := queryInt(req, "missing", 7); got != 7 {
		t.Errorf("expected default 7 for missing key, got %d", got)
	}
}

func TestStaticFallbackServesUnknownPaths(t *testing.T) {
	s, _ := newTestServer()
	router := s.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/some/unknown/page.html", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unconfigured web dir, got %d", rec.Code)
	}
}
