/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Structured request logging (zap)
  3. Metrics:    Request duration by route pattern (prometheus)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the web client
  The whole router is wrapped in otelhttp so traces start at the edge.

ROUTE GROUPS:
  /api/wallets/*        Wallet reads, reconciliation, live stream
  /api/holds/*          Hold status
  /api/tips, /api/sessions/*, /api/charges
                        Coin flows
  /api/admin/*          Adjustments, payouts, reconciliation, scenarios
                        (RequireAdmin)
  /api/webhooks/*       Payment provider deliveries (signature-verified)
  /healthz              Liveness
  /metrics              Prometheus scrape endpoint

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Admin authentication
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

var httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "wallet_http_request_duration_seconds",
	Help:    "HTTP request latency by route pattern.",
	Buckets: prometheus.DefBuckets,
}, []string{"method", "route", "status"})

// RouterConfig carries settings that are not handler dependencies.
type RouterConfig struct {
	AdminJWTSecret string
	AdminToken     string
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.logger))
	r.Use(requestMetrics)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Wallet routes
		r.Route("/wallets/{userID}", func(r chi.Router) {
			r.Get("/", h.GetWallet)
			r.Get("/transactions", h.GetTransactions)
			r.Post("/reconcile", h.ReconcileWallet)
			r.Get("/stream", h.StreamWallet)
		})
		r.Get("/holds/{holdID}", h.GetHold)

		// Flow routes
		r.Post("/tips", h.CreateTip)
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.StartSession)
			r.Post("/{holdID}/end", h.EndSession)
			r.Post("/{holdID}/cancel", h.CancelSession)
		})
		r.Post("/charges", h.CreateCharge)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin(cfg.AdminJWTSecret, cfg.AdminToken))
			r.Post("/adjustments", h.CreateAdjustment)
			r.Post("/payouts", h.CreatePayout)
			r.Get("/reconciliation/runs", h.ListReconciliationRuns)
			r.Post("/reconciliation/run", h.TriggerReconciliation)
			r.Get("/scenarios", h.ListScenarios)
			r.Post("/scenarios/load", h.LoadScenario)
		})

		// Webhook routes
		r.Post("/webhooks/payments", func(w http.ResponseWriter, r *http.Request) {
			if h.Webhooks == nil {
				writeError(w, http.StatusNotFound, "Webhooks are not enabled", nil)
				return
			}
			h.Webhooks.ServeHTTP(w, r)
		})
	})

	return otelhttp.NewHandler(r, "coin-ledger")
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestID(r)),
			)
		})
	}
}

func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		httpDuration.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}
