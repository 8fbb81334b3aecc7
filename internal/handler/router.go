package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/roscapool/roscapool-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса roscapool.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", h.Register)
		r.Post("/auth/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/pools", h.CreatePool)

			r.Route("/pools/{poolID}", func(r chi.Router) {
				r.Get("/", h.GetPool)
				r.Post("/members", h.AddMember)
				r.Get("/transactions", h.GetTransactions)
				r.Post("/contributions", h.RecordContribution)

				r.Get("/rounds/current", h.RoundStatus)
				r.Put("/rounds/advance", h.AdvanceRound)

				r.Get("/early-payout", h.EarlyPayoutStatus)
				r.Post("/early-payout", h.ExecuteEarlyPayout)
				r.Post("/payout/confirm", h.ConfirmPayout)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
