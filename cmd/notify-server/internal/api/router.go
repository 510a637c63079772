package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the API routes. metrics, when non-nil, is served on /metrics.
func (h *Handler) NewRouter(metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(AccessLog(h.logger))
	r.Use(middleware.Recoverer)

	// links carried in confirmation envelopes
	r.Get("/", h.HandleLinkAction)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.HandleHealth)
		r.Post("/publish", h.HandlePublish)

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", h.HandleSubscribe)
			r.Get("/", h.HandleListSubscriptions)
			r.Get("/{arn}", h.HandleGetSubscription)
			r.Delete("/{arn}", h.HandleUnsubscribe)
			r.Post("/{arn}/confirm", h.HandleConfirm)
			r.Put("/{arn}/attributes", h.HandleSetAttribute)
		})

		r.Get("/dead-letters", h.HandleDeadLetters)
		r.Get("/dead-letters/stats", h.HandleDeadLetterStats)
	})

	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	return r
}
