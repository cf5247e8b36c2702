/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, attached to request logs
  2. Logger:     zap request log (RequestLogger)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the admin frontend
  5. Auth:       Bearer JWT (auth.Middleware); no-op without a secret

ROUTE GROUPS:
  /api/settlement/*     Cycle (read)
  /api/ledger/*         Ledger page and replay verification
  /api/pharmacies/*     Pharmacy-scoped views
  /api/admin/*          Settlement writes, cycle change, admin view, last audit
  /api/demo/*           Demo data loader (only when enabled)
  /healthz, /metrics    Ops, never authenticated

SEE ALSO:
  - handlers.go: Handler implementations
  - auth/middleware.go: Role policy
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/warp/commission-ledger/auth"
)

// RouterConfig holds the knobs of NewRouter.
type RouterConfig struct {
	CORSOrigins []string
	Auth        *auth.Middleware // nil = no authentication
	Demo        bool             // mount /api/demo
	Audit       *AuditScheduler  // mount /api/admin/audit
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(h.logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	r.Use(cfg.Auth.Wrap)

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/settlement/cycle", h.GetCycle)

		r.Route("/ledger", func(r chi.Router) {
			r.Get("/", h.ListLedger)
			r.Get("/verify", h.VerifyLedger)
		})

		r.Route("/pharmacies/{id}", func(r chi.Router) {
			r.Get("/report", h.GetPharmacyReport)
			r.Get("/periods", h.GetPharmacyPeriods)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Put("/settlement/cycle", h.UpdateCycle)
			r.Get("/report", h.GetAdminReport)
			if cfg.Audit != nil {
				r.Get("/audit", cfg.Audit.GetLastAudit)
			}
			r.Route("/settlements", func(r chi.Router) {
				r.Post("/apply", h.ApplyPayment)
				r.Post("/reset", h.ResetDebt)
				r.Post("/settle-all", h.SettleAll)
				r.Post("/distribute", h.Distribute)
			})
		})

		if cfg.Demo {
			r.Route("/demo", func(r chi.Router) {
				r.Get("/", h.GetDemo)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}

// RequestLogger logs one line per request with zap.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.Int("status", status),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", r.URL.RawQuery),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("latency", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}

			if status >= 500 {
				logger.Error("Server error", fields...)
			} else if status >= 400 {
				logger.Warn("Client error", fields...)
			} else {
				logger.Info("Request", fields...)
			}
		})
	}
}
