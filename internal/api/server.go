// ABOUTME: HTTP server struct, constructor, and handler wiring for dispatch.
// ABOUTME: Serves the enqueue/status/cancel boundary, /healthz, and /metrics.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/chipp-ai/dispatch/internal/config"
	"github.com/chipp-ai/dispatch/internal/store"
)

// Server holds the dependencies for the HTTP layer.
type Server struct {
	store       *store.Store
	cfg         *config.Config
	rateLimiter *ipRateLimiter
}

// NewServer creates a Server with a per-IP rate limiter on the enqueue path.
func NewServer(s *store.Store, cfg *config.Config) *Server {
	perMinute := cfg.EnqueueRatePerMinute
	if perMinute <= 0 {
		perMinute = 120
	}
	burst := cfg.EnqueueRateBurst
	if burst <= 0 {
		burst = 20
	}
	evictTTL := cfg.RateLimitEvictTTL
	if evictTTL == 0 {
		evictTTL = 15 * time.Minute
	}
	return &Server{
		store:       s,
		cfg:         cfg,
		rateLimiter: newIPRateLimiter(rate.Limit(float64(perMinute)/60), burst, evictTTL),
	}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Security headers first so they appear on every response including errors.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	})

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// 1 MB global body limit — enqueue payloads are references to sources,
	// never the source content itself.
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	// ── Infrastructure endpoints ──────────────────────────────────────────────
	r.Get("/healthz", srv.healthzHandler)
	r.Handle("/metrics", promhttp.Handler())

	// ── API v1 ────────────────────────────────────────────────────────────────
	r.Route("/api/v1", func(r chi.Router) {
		r.With(srv.enqueueRateLimit()).Post("/jobs", srv.enqueueHandler)
		r.Get("/jobs", srv.listJobsHandler)
		r.Get("/jobs/{id}", srv.getJobHandler)
		r.Post("/jobs/{id}/cancel", srv.cancelJobHandler)
		r.Post("/owners/{owner_key}/cancel", srv.cancelOwnerHandler)
	})

	return r
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string                    `json:"status"`
	DB     string                    `json:"db,omitempty"`
	Queue  map[store.JobStatus]int64 `json:"queue,omitempty"`
}

// healthzHandler returns 200 with queue depth when the DB is reachable, or
// 503 {"status":"degraded"} when it is not.
func (srv *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	statusCode := http.StatusOK

	if err := srv.store.Pool().Ping(r.Context()); err != nil {
		resp = healthResponse{Status: "degraded", DB: "unavailable"}
		statusCode = http.StatusServiceUnavailable
	} else if counts, err := srv.store.CountByStatus(r.Context()); err == nil {
		resp.Queue = counts
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(resp) //nolint:errcheck
}
