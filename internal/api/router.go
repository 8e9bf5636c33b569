// Package api is the HTTP surface of the gateway: the stateless RPC
// endpoint, the persistent stream transport, the admin routes, and the
// observability endpoints.
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alecgard/peage/internal/account"
	"github.com/alecgard/peage/internal/auth"
	"github.com/alecgard/peage/internal/catalog"
	"github.com/alecgard/peage/internal/ledger"
	"github.com/alecgard/peage/internal/metering"
	"github.com/alecgard/peage/internal/metrics"
	"github.com/alecgard/peage/internal/rpc"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Core           *rpc.Core
	Catalog        *catalog.Catalog
	Streams        *StreamHub
	Accounts       *account.Store
	Ledger         ledger.Ledger
	MeterStore     *metering.Store
	Metrics        *metrics.Metrics
	AdminKeyHash   string
	StaleThreshold time.Duration
	AllowedOrigins []string
	Version        string
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	r.Use(metricsMiddleware(deps.Metrics))
	r.Use(slogRequestLogger)

	rpcH := newRPCHandler(deps.Core)
	admin := newAdminHandler(deps.Accounts, deps.Ledger, deps.MeterStore, deps.StaleThreshold)

	// Health check.
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"version": deps.Version,
			"tools":   deps.Catalog.Size(),
		})
	})

	// Public catalog discovery, no credential required.
	r.Get("/tools", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"tools": deps.Catalog.All()})
	})

	// Stateless transport: one JSON-RPC message per POST.
	r.Post("/rpc", rpcH.Handle)

	// Stream transport: SSE download half plus per-session POST upload half.
	r.Get("/stream", deps.Streams.HandleOpen)
	r.Post("/stream/{sessionID}", deps.Streams.HandleMessage)

	// Observability.
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
		deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	r.Get("/metrics/summary", deps.Metrics.SummaryHandler())

	// Admin routes (require admin key).
	r.Route("/admin", func(ar chi.Router) {
		ar.Use(auth.AdminMiddleware(deps.AdminKeyHash))

		ar.Post("/accounts", admin.CreateAccount)
		ar.Get("/accounts", admin.ListAccounts)
		ar.Post("/accounts/{id}/credits", admin.DepositCredits)
		ar.Put("/accounts/{id}/active", admin.SetAccountActive)
		ar.Get("/accounts/{id}/usage", admin.GetAccountUsage)
		ar.Get("/holds", admin.ListStaleHolds)
	})

	return r
}

// slogRequestLogger is a simple structured logging middleware using slog.
func slogRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", ww.BytesWritten(),
			"request_id", RequestIDFromContext(r.Context()),
		)
	})
}

// metricsMiddleware records request counts and latency per route pattern.
func metricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			pattern := chi.RouteContext(r.Context()).RoutePattern()
			if pattern == "" {
				pattern = "unmatched"
			}
			m.HTTPRequestsTotal.WithLabelValues(
				r.Method, pattern, strconv.Itoa(ww.Status())).Inc()
			m.HTTPRequestDuration.WithLabelValues(
				r.Method, pattern).Observe(time.Since(start).Seconds())
		})
	}
}
