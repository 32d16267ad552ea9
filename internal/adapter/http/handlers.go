package http

import (
	"log/slog"
	"net/http"

	"github.com/engramhq/engram/internal/domain/memory"
	"github.com/engramhq/engram/internal/service"
)

// Handlers holds the HTTP handler dependencies. Compactor, Ingestion and
// Loop may be nil when no language model is configured; their endpoints
// answer 503 in that case.
type Handlers struct {
	Orchestrator *service.Orchestrator
	Compactor    *service.Compactor
	Ingestion    *service.Ingestion
	Loop         *service.AgentLoop
	Log          *slog.Logger
}

// ---------------------------------------------------------------------------
// Memories
// ---------------------------------------------------------------------------

type createMemoryRequest struct {
	Content  string   `json:"content"`
	Tags     []string `json:"tags,omitempty"`
	Provider string   `json:"provider,omitempty"`
}

// CreateMemory stores a new memory record.
func (h *Handlers) CreateMemory(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createMemoryRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Content, "content") {
		return
	}

	rec, err := h.Orchestrator.Remember(r.Context(), req.Content, req.Tags, req.Provider)
	if err != nil {
		writeDomainError(w, err, "provider not found")
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// GetMemory fetches a single record by ID, checking providers in order.
func (h *Handlers) GetMemory(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	rec, err := h.Orchestrator.Retrieve(r.Context(), id)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "memory not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteMemory removes a record from every provider that holds it.
func (h *Handlers) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	if err := h.Orchestrator.Forget(r.Context(), urlParam(r, "id")); err != nil {
		writeInternalError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type searchResponse struct {
	Results []memory.Result `json:"results"`
}

// SearchMemories fans the query out across providers and returns the
// merged ranking. An optional provider parameter targets one provider.
func (h *Handlers) SearchMemories(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if !requireField(w, query, "q") {
		return
	}

	results, err := h.Orchestrator.Search(r.Context(), query, queryLimit(r, 0), r.URL.Query().Get("provider"))
	if err != nil {
		writeDomainError(w, err, "provider not found")
		return
	}
	if results == nil {
		results = []memory.Result{}
	}
	writeJSON(w, http.StatusOK, searchResponse{Results: results})
}

// RecentMemories returns the newest records across enumerable providers.
func (h *Handlers) RecentMemories(w http.ResponseWriter, r *http.Request) {
	results, err := h.Orchestrator.RecallRecent(r.Context(), queryLimit(r, 0))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if results == nil {
		results = []memory.Result{}
	}
	writeJSON(w, http.StatusOK, searchResponse{Results: results})
}

// BackfillEmbeddings embeds stored records that lack a vector.
func (h *Handlers) BackfillEmbeddings(w http.ResponseWriter, r *http.Request) {
	updated, err := h.Orchestrator.BackfillEmbeddings(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}

// ExportMemories dumps all enumerable providers into a versioned envelope.
func (h *Handlers) ExportMemories(w http.ResponseWriter, r *http.Request) {
	env, err := h.Orchestrator.ExportAll(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// ImportMemories restores a previously exported envelope.
func (h *Handlers) ImportMemories(w http.ResponseWriter, r *http.Request) {
	env, ok := readJSON[memory.ExportEnvelope](w, r)
	if !ok {
		return
	}
	imported, err := h.Orchestrator.ImportAll(r.Context(), env)
	if err != nil {
		if imported == 0 && env.Version != memory.ExportVersion {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": imported})
}

// ListProviders reports the registered providers and their capabilities.
func (h *Handlers) ListProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": h.Orchestrator.Providers()})
}

// ---------------------------------------------------------------------------
// Compaction and ingestion
// ---------------------------------------------------------------------------

type compactRequest struct {
	Content string `json:"content"`
	Kind    string `json:"kind,omitempty"`
}

// CompactContext runs one compaction pass over raw text.
func (h *Handlers) CompactContext(w http.ResponseWriter, r *http.Request) {
	if h.Compactor == nil {
		writeError(w, http.StatusServiceUnavailable, "no language model configured")
		return
	}
	req, ok := readJSON[compactRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Content, "content") {
		return
	}

	cc, err := h.Compactor.Compact(r.Context(), req.Content, req.Kind)
	if err != nil {
		writeError(w, http.StatusBadGateway, "compaction failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cc)
}

type ingestRequest struct {
	Content string   `json:"content"`
	Source  string   `json:"source,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// IngestContent compacts content and stores the extracted knowledge.
// The result always comes back with 200; failures are carried inside it.
func (h *Handlers) IngestContent(w http.ResponseWriter, r *http.Request) {
	if h.Ingestion == nil {
		writeError(w, http.StatusServiceUnavailable, "no language model configured")
		return
	}
	req, ok := readJSON[ingestRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Content, "content") {
		return
	}

	result := h.Ingestion.Ingest(r.Context(), req.Source, req.Content, req.Tags)
	writeJSON(w, http.StatusOK, result)
}

// ---------------------------------------------------------------------------
// Agent loop
// ---------------------------------------------------------------------------

type agentRunRequest struct {
	SessionID    string   `json:"session_id"`
	Message      string   `json:"message"`
	Instructions string   `json:"instructions,omitempty"`
	ContextDocs  []string `json:"context_documents,omitempty"`
}

// RunAgent processes one task through the tool-calling loop.
func (h *Handlers) RunAgent(w http.ResponseWriter, r *http.Request) {
	if h.Loop == nil {
		writeError(w, http.StatusServiceUnavailable, "no language model configured")
		return
	}
	req, ok := readJSON[agentRunRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.SessionID, "session_id") || !requireField(w, req.Message, "message") {
		return
	}

	spec := service.AgentSpec{
		SessionID:    req.SessionID,
		Instructions: req.Instructions,
		ContextDocs:  req.ContextDocs,
	}
	result, err := h.Loop.Run(r.Context(), spec, req.Message)
	if err != nil {
		writeError(w, http.StatusBadGateway, "agent run failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// AgentHistory returns the transcript of one session.
func (h *Handlers) AgentHistory(w http.ResponseWriter, r *http.Request) {
	if h.Loop == nil {
		writeError(w, http.StatusServiceUnavailable, "no language model configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": urlParam(r, "id"),
		"messages":   h.Loop.History(urlParam(r, "id")),
	})
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// Health reports liveness and the provider count.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": len(h.Orchestrator.Providers()),
	})
}
