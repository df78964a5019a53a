package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/escrow-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware эскроу-сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		// Вебхук и сверка аутентифицируются не пользовательским cookie:
		// вебхук — подписью тела, сверка — общим секретом.
		r.Post("/payments/webhook", h.Webhook)
		r.Post("/internal/sweep", h.Sweep)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/payments/checkout", h.CreateCheckout)
			r.Post("/payments/verify", h.VerifySession)

			r.Post("/milestones/{id}/deliver", h.DeliverMilestone)
			r.Post("/milestones/{id}/accept", h.AcceptMilestone)
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

func urlParam(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}
