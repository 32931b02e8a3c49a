package http

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/mybooks/server/internal/http/handlers"
)

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(authHandler *handlers.AuthHandler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	healthHandler := handlers.NewHealthHandler()
	r.Get("/health", healthHandler.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Post("/create-auth-request", authHandler.HandleCreateAuthRequest)
		r.Get("/check-auth", authHandler.HandleCheckAuth)
		r.Get("/user", authHandler.HandleGetUser)

		r.Route("/auth/sms", func(r chi.Router) {
			r.Post("/request-otp", authHandler.HandleRequestOtp)
			r.Post("/verify-otp", authHandler.HandleVerifyOtp)
		})
	})

	return r
}
