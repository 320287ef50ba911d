package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/utafrali/identity/internal/auth"
	"github.com/utafrali/identity/internal/idempotency"
	"github.com/utafrali/identity/internal/repository"
	"github.com/utafrali/identity/internal/service"
	"github.com/utafrali/identity/pkg/health"
	"github.com/utafrali/identity/pkg/middleware"
)

// RouterDeps bundles the collaborators the router wires together.
type RouterDeps struct {
	AccountService  *service.AccountService
	DeadLetters     repository.DeadLetterRepository
	OutboxEvents    repository.OutboxRepository
	Guard           *idempotency.Guard
	Verifier        *auth.Verifier
	Health          *health.Handler
	Logger          *slog.Logger
	EventMaxRetries int
}

// NewRouter creates a chi router with all identity service routes registered.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.PrometheusMetrics("identity"))

	// Health check endpoints
	r.Get("/health/live", deps.Health.LivenessHandler())
	r.Get("/health/ready", deps.Health.ReadinessHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// Token validator that bridges to the platform token verifier.
	tokenValidator := func(token string) (*middleware.Claims, error) {
		claims, err := deps.Verifier.Verify(token)
		if err != nil {
			return nil, err
		}
		return &middleware.Claims{
			UserID: claims.AccountID,
			Email:  claims.Email,
			Role:   claims.Role,
		}, nil
	}

	accountHandler := NewAccountHandler(deps.AccountService, deps.Logger)

	// Registration is public; retries are deduplicated by the idempotency
	// guard when the caller sends a key.
	r.Route("/api/v1/accounts", func(r chi.Router) {
		r.Use(ContentTypeJSON)

		r.With(deps.Guard.Middleware()).Post("/", accountHandler.Register)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(tokenValidator))

			r.With(deps.Guard.Middleware()).Delete("/{id}", accountHandler.Delete)
			r.Post("/{id}/deletion-schedule", accountHandler.ScheduleDeletion)
		})
	})

	// Operator endpoints.
	deadLetterHandler := NewDeadLetterHandler(deps.DeadLetters, deps.OutboxEvents, deps.Logger, deps.EventMaxRetries)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(tokenValidator))
		r.Use(middleware.RequireRole("admin", "operator"))

		r.Get("/sagas/{correlationId}", accountHandler.GetSaga)

		r.Route("/admin/dead-letters", func(r chi.Router) {
			r.Get("/", deadLetterHandler.List)
			r.Post("/{id}/retry", deadLetterHandler.Retry)
			r.Post("/{id}/resolve", deadLetterHandler.Resolve)
			r.Post("/{id}/ignore", deadLetterHandler.Ignore)
		})
	})

	return r
}
