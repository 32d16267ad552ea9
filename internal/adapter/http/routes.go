package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Memories
		r.Post("/memories", h.CreateMemory)
		r.Get("/memories/search", h.SearchMemories)
		r.Get("/memories/recent", h.RecentMemories)
		r.Get("/memories/export", h.ExportMemories)
		r.Post("/memories/import", h.ImportMemories)
		r.Post("/memories/backfill", h.BackfillEmbeddings)
		r.Get("/memories/{id}", h.GetMemory)
		r.Delete("/memories/{id}", h.DeleteMemory)

		// Providers
		r.Get("/providers", h.ListProviders)

		// Compaction and ingestion
		r.Post("/compact", h.CompactContext)
		r.Post("/ingest", h.IngestContent)

		// Agent loop
		r.Post("/agent/run", h.RunAgent)
		r.Get("/agent/sessions/{id}/history", h.AgentHistory)
	})
}
