package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/vanshika/fintrace/riskpipe/internal/auth"
)

const defaultMaxBodyBytes = 1 << 20

// RouterDependencies collects handler dependencies.
type RouterDependencies struct {
	Health           HealthService
	API              *APIHandlers
	Verifier         Verifier
	Metrics          metrics.Registry
	AllowedOrigins   []string
	AllowCredentials bool
	MaxBodyBytes     int64
}

// NewRouter wires the HTTP routes exposed by the gateway.
func NewRouter(logger *slog.Logger, deps RouterDependencies) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := deps.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	registry := deps.Metrics
	if registry == nil {
		registry = metrics.DefaultRegistry
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	if len(deps.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   deps.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", auth.HeaderClientID, auth.HeaderTimestamp, auth.HeaderSignature},
			AllowCredentials: deps.AllowCredentials,
			MaxAge:           300,
		}))
	}
	r.Use(dlpMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if deps.Health != nil {
			if err := deps.Health.Probe(ctx); err != nil {
				logger.Error("health probe failed", "error", err)
				respondJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "DEGRADED",
					"error":  err.Error(),
				})
				return
			}
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "OK"})
	})

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		metrics.WriteJSONOnce(registry, w)
	})

	if deps.API != nil && deps.Verifier != nil {
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware(deps.Verifier, maxBody, logger))

			r.Post("/transaction/assess", deps.API.assessTransaction)
			r.Post("/v1/transaction/assess", deps.API.assessTransaction)
			r.Get("/graph/users/{userId}/fan-in", deps.API.userFanIn)
			r.Get("/graph/users/{userId}/cycle", deps.API.userCycle)
		})
	}

	return r
}
