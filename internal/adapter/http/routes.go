package http

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes registers the API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)

	r.Route("/api/ai", func(r chi.Router) {
		r.Use(SecurityHeaders)

		r.Post("/{namespace}/stream-chat", h.StreamChat)
		r.Get("/conversations/{id}/messages", h.ConversationMessages)
	})
}
