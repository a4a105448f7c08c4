package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the admin routes. /metrics stays open for scrapers, every
// other route requires the secret when one is configured.
func NewRouter(handlers *AdminHandlers, secret string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/metrics", handlers.handleMetrics)
	r.Get("/health", handlers.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(secret))
		r.Get("/status", handlers.handleStatus)
		r.Post("/checkpoint/dump", handlers.handleDump)
	})

	return r
}
