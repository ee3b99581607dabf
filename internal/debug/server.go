// Package debug serves the operational endpoints: /metrics and /healthz.
package debug

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Healthy reports whether the service dependencies are up.
type Healthy interface {
	IsHealthy() bool
}

// NewRouter builds the debug router.
func NewRouter(h Healthy) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if h != nil && h.IsHealthy() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unavailable"))
	})
	return r
}

// NewServer wraps the router in an http.Server with sane timeouts.
func NewServer(addr string, h Healthy) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      NewRouter(h),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
