package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/engramhq/engram/internal/domain/memory"
	"github.com/engramhq/engram/internal/port/llm"
	"github.com/engramhq/engram/internal/port/messagequeue"
	"github.com/engramhq/engram/internal/port/provider"
	"github.com/engramhq/engram/internal/port/toolrouter"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func similarity(v float64) *float64 { return &v }

// mockProvider implements provider.Provider and provider.Enumerator with
// canned search results and an in-memory record map.
type mockProvider struct {
	id   string
	caps []provider.Capability

	records map[string]memory.Record
	nextID  int

	searchResults []memory.Result
	searchErr     error
	storeErr      error
	initErr       error

	lastQuery     string
	lastEmbedding []float32
	storeCalls    int
}

func newMockProvider(id string, caps ...provider.Capability) *mockProvider {
	if len(caps) == 0 {
		caps = []provider.Capability{
			provider.CapabilityRead,
			provider.CapabilityWrite,
			provider.CapabilitySearch,
			provider.CapabilityDelete,
			provider.CapabilityEnumerate,
		}
	}
	return &mockProvider{
		id:      id,
		caps:    caps,
		records: make(map[string]memory.Record),
	}
}

func (m *mockProvider) ID() string                           { return m.id }
func (m *mockProvider) Name() string                         { return "Mock " + m.id }
func (m *mockProvider) Type() string                         { return "mock" }
func (m *mockProvider) Capabilities() []provider.Capability  { return m.caps }
func (m *mockProvider) Init(ctx context.Context) error       { return m.initErr }
func (m *mockProvider) Close() error                         { return nil }

func (m *mockProvider) Store(_ context.Context, rec memory.Record) (string, error) {
	if m.storeErr != nil {
		return "", m.storeErr
	}
	m.storeCalls++
	if rec.ID == "" {
		m.nextID++
		rec.ID = fmt.Sprintf("%s-%d", m.id, m.nextID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.records[rec.ID] = rec
	return rec.ID, nil
}

func (m *mockProvider) Retrieve(_ context.Context, id string) (*memory.Record, error) {
	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *mockProvider) Search(_ context.Context, query string, limit int, embedding []float32) ([]memory.Result, error) {
	m.lastQuery = query
	m.lastEmbedding = embedding
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	return m.searchResults, nil
}

func (m *mockProvider) Delete(_ context.Context, id string) error {
	delete(m.records, id)
	return nil
}

func (m *mockProvider) All(_ context.Context) ([]memory.Record, error) {
	out := make([]memory.Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// mockLLM returns canned responses in order, then repeats the last one.
type mockLLM struct {
	responses []*llm.Response
	err       error
	requests  []llm.Request
}

func (m *mockLLM) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return &llm.Response{Message: llm.Message{Role: llm.RoleAssistant}}, nil
	}
	resp := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return resp, nil
}

func textResponse(text string) *llm.Response {
	return &llm.Response{Message: llm.Message{Role: llm.RoleAssistant, Content: text}}
}

func toolCallResponse(id, name, args string) *llm.Response {
	call := llm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
	return &llm.Response{
		Message:   llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call}},
		ToolCalls: []llm.ToolCall{call},
	}
}

// mockEmbedder returns a fixed vector for every text.
type mockEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (m *mockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.vec, nil
}

func (m *mockEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = m.vec
	}
	return out, nil
}

func (m *mockEmbedder) Dimensions() int { return len(m.vec) }

// mockQueue records published messages.
type mockQueue struct {
	published map[string]int
}

func newMockQueue() *mockQueue {
	return &mockQueue{published: make(map[string]int)}
}

func (m *mockQueue) Publish(_ context.Context, subject string, _ []byte) error {
	m.published[subject]++
	return nil
}

func (m *mockQueue) Subscribe(_ context.Context, _ string, _ messagequeue.Handler) (func(), error) {
	return func() {}, nil
}
func (m *mockQueue) Drain() error      { return nil }
func (m *mockQueue) Close() error      { return nil }
func (m *mockQueue) IsConnected() bool { return true }

// mockRouter serves a fixed tool list and canned call results.
type mockRouter struct {
	tools    []toolrouter.ToolDescriptor
	results  map[string]string
	callErr  error
	listErr  error
	calls    []string
	lastArgs json.RawMessage
}

func (m *mockRouter) ListTools(_ context.Context, _ string) ([]toolrouter.ToolDescriptor, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.tools, nil
}

func (m *mockRouter) CallTool(_ context.Context, name string, args json.RawMessage, _ string) (string, error) {
	m.calls = append(m.calls, name)
	m.lastArgs = args
	if m.callErr != nil {
		return "", m.callErr
	}
	if out, ok := m.results[name]; ok {
		return out, nil
	}
	return "", fmt.Errorf("no such tool %q", name)
}
