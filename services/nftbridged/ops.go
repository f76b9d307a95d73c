package nftbridged

import (
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Readiness tracks whether the daemon is consuming chain events.
type Readiness struct {
	subscribed atomic.Bool
	consuming  atomic.Bool
}

// SetSubscribed records whether a log subscription is installed.
func (r *Readiness) SetSubscribed(v bool) { r.subscribed.Store(v) }

// SetConsuming records whether the action queue consumer is running.
func (r *Readiness) SetConsuming(v bool) { r.consuming.Store(v) }

// Ready reports whether both halves of the bridge are live.
func (r *Readiness) Ready() bool {
	return r.subscribed.Load() && r.consuming.Load()
}

// NewOpsRouter exposes health, readiness and prometheus metrics.
func NewOpsRouter(ready *Readiness) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready == nil || !ready.Ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}
