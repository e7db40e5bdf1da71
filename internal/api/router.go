package api

import (
	"net/http"

	"github.com/fastprodman/loyaltyledger/internal/services/gateway"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter builds the chi router. allowedOrigins feeds CORS for the
// operator dashboard; an empty list disables cross-origin access.
func NewRouter(gw *gateway.Gateway, allowedOrigins []string) http.Handler {
	h := NewHandler(gw)
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(Trace)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "Idempotency-Key"},
		ExposedHeaders: []string{"X-Trace-Id", "Idempotent-Replayed", "Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// public: the link printed on mailers and shared with members
	r.Get("/claim/{code}", h.GetClaim)

	r.Route("/v1", func(r chi.Router) {
		r.Use(h.Authenticate)

		r.Post("/transactions", h.PostTransaction)

		r.Get("/members/{externalId}", h.GetMember)
		r.Get("/members/{externalId}/transactions", h.GetMemberTransactions)
		r.Post("/members/{externalId}/deactivate", h.PostDeactivate)

		r.Post("/claims", h.PostClaim)
		r.Post("/claims/batch", h.PostClaimBatch)
		r.Post("/claims/{code}/cancel", h.PostClaimCancel)
	})

	return r
}
