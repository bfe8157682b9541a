// Package httpapi is the JSON-over-HTTP transport of the auth server.
package httpapi

import (
	"net/http"

	"github.com/dmitrijs2005/shopkeeper/internal/logging"
	"github.com/dmitrijs2005/shopkeeper/internal/server/metrics"
	"github.com/dmitrijs2005/shopkeeper/internal/server/models"
	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"
)

// RouterConfig carries the pieces NewRouter mounts. Nil middlewares are skipped.
type RouterConfig struct {
	Handler      *Handler
	Health       http.Handler
	Authenticate func(http.Handler) http.Handler
	RateLimit    func(http.Handler) http.Handler
	Secure       func(http.Handler) http.Handler
	Metrics      *metrics.Metrics
	Logger       logging.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimid.RequestID)
	r.Use(chimid.RealIP)
	if cfg.Logger != nil {
		r.Use(RequestLogger(cfg.Logger))
	}
	r.Use(chimid.Recoverer)
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}
	if cfg.Secure != nil {
		r.Use(cfg.Secure)
	}

	if cfg.Health != nil {
		r.Method(http.MethodGet, "/health", cfg.Health)
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	h := cfg.Handler
	r.Route("/api", func(r chi.Router) {
		r.Use(chimid.AllowContentType("application/json"))

		r.Route("/auth", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				if cfg.RateLimit != nil {
					r.Use(cfg.RateLimit)
				}
				r.Post("/register", h.Register)
				r.Post("/login", h.Login)
				r.Post("/refresh", h.Refresh)
			})
			r.With(cfg.Authenticate).Post("/logout", h.Logout)
		})

		r.Route("/account", func(r chi.Router) {
			r.Use(cfg.Authenticate)
			r.Get("/me", h.Me)
			r.Post("/password", h.ChangePassword)
			r.Delete("/", h.DeleteAccount)
		})

		r.Route("/users/{id}", func(r chi.Router) {
			r.Use(cfg.Authenticate, RequireRole(models.RoleAdmin))
			r.Delete("/", h.DeleteUser)
			r.Put("/roles", h.SetRoles)
		})
	})

	return r
}
