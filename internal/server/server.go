// Package server exposes the /metrics and /health endpoints.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fengxsong/mikrotik_exporter/internal/pool"
)

// HealthResponse is the /health body. Status is "healthy" only while every
// router's consecutive error count is zero.
type HealthResponse struct {
	Status  string              `json:"status"`
	Routers []pool.RouterStatus `json:"routers"`
}

// Handler routes the exporter's HTTP surface.
type Handler struct {
	mux    *http.ServeMux
	pool   *pool.Pool
	logger log.Logger
}

func New(gatherer prometheus.Gatherer, p *pool.Pool, logger log.Logger) *Handler {
	h := &Handler{
		mux:    http.NewServeMux(),
		pool:   p,
		logger: logger,
	}
	h.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	h.mux.HandleFunc("/health", h.handleHealth)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	statuses := h.pool.Statuses()

	healthy := true
	for _, s := range statuses {
		if s.ConsecutiveErrors > 0 {
			healthy = false
			break
		}
	}

	resp := HealthResponse{Status: "healthy", Routers: statuses}
	code := http.StatusOK
	if !healthy {
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		level.Error(h.logger).Log("msg", "cannot write health response", "err", err)
	}
}
