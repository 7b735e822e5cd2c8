package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"studytimer-backend/internal/handlers"
	"studytimer-backend/internal/middleware"
)

func New(
	jwtAuth *middleware.JWTAuth,
	authHandler *handlers.AuthHandler,
	timerHandler *handlers.TimerHandler,
	userHandler *handlers.UserHandler,
	frontendURL string,
	authRatePerMin int,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(frontendURL))

	authLimiter := middleware.NewRateLimiter(authRatePerMin, time.Minute)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {

		// ──── Auth Routes (public) ────
		r.Route("/auth", func(r chi.Router) {
			r.Use(authLimiter.Middleware)
			r.Post("/register", authHandler.Register)
			r.Post("/login", authHandler.Login)
			r.Post("/refresh", authHandler.Refresh)

			// Logout requires auth
			r.Group(func(r chi.Router) {
				r.Use(jwtAuth.Middleware)
				r.Post("/logout", authHandler.Logout)
			})
		})

		// ──── Timer Routes ────
		r.Route("/timer", func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Post("/start", timerHandler.Start)
			r.Get("/current", timerHandler.Current)
			r.Post("/pause", timerHandler.Pause)
			r.Post("/resume", timerHandler.Resume)
			r.Post("/stop", timerHandler.Stop)
			r.Post("/cancel", timerHandler.Cancel)
			r.Get("/history", timerHandler.History)
			r.Get("/stats", timerHandler.Stats)
		})

		// ──── User Routes ────
		r.Route("/user", func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Get("/me", userHandler.GetMe)
			r.Put("/password", userHandler.ChangePassword)
		})
	})

	return r
}
