package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-kit/log"

	"github.com/fengxsong/mikrotik_exporter/internal/collector"
	"github.com/fengxsong/mikrotik_exporter/internal/metrics"
	"github.com/fengxsong/mikrotik_exporter/internal/pool"
)

func newTestHandler(t *testing.T) (*Handler, *pool.Pool, *metrics.Registry) {
	t.Helper()
	logger := log.NewNopLogger()
	p := pool.New(logger)
	reg := metrics.New()
	return New(reg.Gatherer(), p, logger), p, reg
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	h, _, reg := newTestHandler(t)
	reg.UpdateDevice("lab", &collector.Device{
		Interfaces: []collector.InterfaceStats{{Name: "ether1", Running: true, RxBytes: 42}},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") || !strings.Contains(ct, "version=0.0.4") {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"# TYPE mikrotik_interface_rx_bytes counter",
		`mikrotik_interface_rx_bytes{interface="ether1",router="lab"} 42`,
		`mikrotik_interface_running{interface="ether1",router="lab"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q", want)
		}
	}
}

func TestHealthHealthy(t *testing.T) {
	t.Parallel()

	h, p, _ := newTestHandler(t)
	p.Register("r1", nil)
	p.Register("r2", nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" || len(resp.Routers) != 2 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestHealthUnhealthy(t *testing.T) {
	t.Parallel()

	h, p, _ := newTestHandler(t)
	p.Register("r1", nil)
	p.Register("r2", nil)
	p.ReportFailure("r2", errors.New("boom"))
	p.ReportFailure("r2", errors.New("boom"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "unhealthy" || len(resp.Routers) != 2 {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Routers[0].Name != "r1" || resp.Routers[0].ConsecutiveErrors != 0 {
		t.Errorf("r1 status = %+v", resp.Routers[0])
	}
	if resp.Routers[1].Name != "r2" || resp.Routers[1].ConsecutiveErrors != 2 {
		t.Errorf("r2 status = %+v", resp.Routers[1])
	}
}
