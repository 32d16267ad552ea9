package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/engramhq/engram/internal/config"
	"github.com/engramhq/engram/internal/domain/memory"
	"github.com/engramhq/engram/internal/port/llm"
	"github.com/engramhq/engram/internal/port/toolrouter"
)

func loopConfig() config.Agent {
	return config.Agent{
		MaxIterations:       10,
		ReflectionThreshold: 5,
		IngestQueueSize:     8,
	}
}

func newLoop(client *mockLLM, orch *Orchestrator, router toolrouter.Router, cfg config.Agent) *AgentLoop {
	return NewAgentLoop(client, orch, router, nil, nil, nil, nil, nil, cfg, testLogger())
}

func newLoopOrchestrator(local *mockProvider) *Orchestrator {
	o := NewOrchestrator("local", 10, testLogger())
	o.RegisterProvider(context.Background(), local)
	return o
}

func runSpec(session string) AgentSpec {
	return AgentSpec{SessionID: session}
}

func TestAgentLoop_PlainResponse(t *testing.T) {
	client := &mockLLM{responses: []*llm.Response{textResponse("hello there")}}
	loop := newLoop(client, newLoopOrchestrator(newMockProvider("local")), nil, loopConfig())

	result, err := loop.Run(context.Background(), runSpec("s1"), "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Response != "hello there" {
		t.Errorf("response = %q", result.Response)
	}
	if result.Iterations != 1 || result.ToolCalls != 0 || result.Exhausted {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestAgentLoop_MemoryToolHandledLocally(t *testing.T) {
	client := &mockLLM{responses: []*llm.Response{
		toolCallResponse("c1", ToolRemember, `{"content":"user prefers dark mode"}`),
		textResponse("noted"),
	}}
	local := newMockProvider("local")
	loop := newLoop(client, newLoopOrchestrator(local), nil, loopConfig())

	result, err := loop.Run(context.Background(), runSpec("s1"), "remember my preference")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ToolCalls != 1 || result.Iterations != 2 {
		t.Errorf("unexpected result: %+v", result)
	}
	if len(local.records) != 1 {
		t.Fatalf("stored %d records, want 1", len(local.records))
	}
	for _, rec := range local.records {
		if rec.Content != "user prefers dark mode" {
			t.Errorf("stored content = %q", rec.Content)
		}
	}
}

func TestAgentLoop_RoutedToolCalled(t *testing.T) {
	router := &mockRouter{
		tools:   []toolrouter.ToolDescriptor{{Name: "get_weather"}},
		results: map[string]string{"get_weather": "sunny, 21C"},
	}
	client := &mockLLM{responses: []*llm.Response{
		toolCallResponse("c1", "get_weather", `{"city":"berlin"}`),
		textResponse("it is sunny"),
	}}
	loop := newLoop(client, newLoopOrchestrator(newMockProvider("local")), router, loopConfig())

	result, err := loop.Run(context.Background(), runSpec("s1"), "weather?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Response != "it is sunny" {
		t.Errorf("response = %q", result.Response)
	}
	if len(router.calls) != 1 || router.calls[0] != "get_weather" {
		t.Errorf("router calls = %v", router.calls)
	}
}

func TestAgentLoop_RouterShadowsMemoryTool(t *testing.T) {
	router := &mockRouter{
		tools:   []toolrouter.ToolDescriptor{{Name: ToolRemember}},
		results: map[string]string{ToolRemember: "handled remotely"},
	}
	client := &mockLLM{responses: []*llm.Response{
		toolCallResponse("c1", ToolRemember, `{"content":"x"}`),
		textResponse("done"),
	}}
	local := newMockProvider("local")
	loop := newLoop(client, newLoopOrchestrator(local), router, loopConfig())

	if _, err := loop.Run(context.Background(), runSpec("s1"), "remember x"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(router.calls) != 1 {
		t.Errorf("router should win the name clash, calls = %v", router.calls)
	}
	if len(local.records) != 0 {
		t.Error("memory tool must not run locally when the router claims the name")
	}
}

func TestAgentLoop_MergedToolSetHasNoDuplicates(t *testing.T) {
	router := &mockRouter{tools: []toolrouter.ToolDescriptor{
		{Name: "get_weather"},
		{Name: ToolSearchMemory},
	}}
	client := &mockLLM{responses: []*llm.Response{textResponse("ok")}}
	loop := newLoop(client, newLoopOrchestrator(newMockProvider("local")), router, loopConfig())

	if _, err := loop.Run(context.Background(), runSpec("s1"), "hi"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	seen := map[string]int{}
	for _, tool := range client.requests[0].Tools {
		seen[tool.Name]++
	}
	for name, n := range seen {
		if n > 1 {
			t.Errorf("tool %q appears %d times", name, n)
		}
	}
	// Router tool, its shadowed memory tool, plus the three remaining memory tools.
	if len(seen) != 5 {
		t.Errorf("merged tool set = %v, want 5 distinct tools", seen)
	}
}

func TestAgentLoop_LayeredSystemPrompt(t *testing.T) {
	local := newMockProvider("local")
	local.searchResults = []memory.Result{
		{Record: memory.Record{ID: "m1", Content: "the deploy window is friday afternoon"}, SourceProviderID: "local", Similarity: similarity(0.9)},
	}
	client := &mockLLM{responses: []*llm.Response{textResponse("ok")}}
	loop := newLoop(client, newLoopOrchestrator(local), nil, loopConfig())

	spec := AgentSpec{
		SessionID:    "s1",
		Instructions: "You are the release coordinator.",
		ContextDocs:  []string{"Releases ship from the main branch only."},
	}
	if _, err := loop.Run(context.Background(), spec, "when can we deploy?"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	system := client.requests[0].System
	for _, want := range []string{
		"You are the release coordinator.",
		"Releases ship from the main branch only.",
		"the deploy window is friday afternoon",
	} {
		if !strings.Contains(system, want) {
			t.Errorf("system prompt missing %q:\n%s", want, system)
		}
	}
	if local.lastQuery != "when can we deploy?" {
		t.Errorf("memory recall query = %q, want the task", local.lastQuery)
	}
}

func TestAgentLoop_DefaultInstructionsWhenSpecIsBare(t *testing.T) {
	client := &mockLLM{responses: []*llm.Response{textResponse("ok")}}
	loop := newLoop(client, newLoopOrchestrator(newMockProvider("local")), nil, loopConfig())

	if _, err := loop.Run(context.Background(), runSpec("s1"), "hi"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(client.requests[0].System, "persistent memory") {
		t.Errorf("system prompt = %q, want default instructions", client.requests[0].System)
	}
}

func TestAgentLoop_ToolFailureBecomesErrorTurn(t *testing.T) {
	router := &mockRouter{
		tools:   []toolrouter.ToolDescriptor{{Name: "flaky"}},
		callErr: errors.New("upstream timeout"),
	}
	client := &mockLLM{responses: []*llm.Response{
		toolCallResponse("c1", "flaky", `{}`),
		textResponse("recovered"),
	}}
	loop := newLoop(client, newLoopOrchestrator(newMockProvider("local")), router, loopConfig())

	result, err := loop.Run(context.Background(), runSpec("s1"), "go")
	if err != nil {
		t.Fatalf("tool failure must not abort the run: %v", err)
	}
	if result.Response != "recovered" {
		t.Errorf("response = %q", result.Response)
	}

	// The second completion must carry the error text as a tool turn.
	second := client.requests[1]
	var found bool
	for _, m := range second.Messages {
		if m.Role == llm.RoleTool && strings.HasPrefix(m.Content, "Error:") {
			found = true
		}
	}
	if !found {
		t.Error("expected an Error: tool turn in the follow-up request")
	}
}

func TestAgentLoop_ExhaustionSentinel(t *testing.T) {
	// The model asks for the same tool forever.
	client := &mockLLM{responses: []*llm.Response{
		toolCallResponse("c1", ToolRecallRecent, `{}`),
	}}
	cfg := loopConfig()
	cfg.MaxIterations = 3
	loop := newLoop(client, newLoopOrchestrator(newMockProvider("local")), nil, cfg)

	result, err := loop.Run(context.Background(), runSpec("s1"), "loop forever")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Exhausted {
		t.Fatal("expected exhausted result")
	}
	if result.Response != ExhaustedResponse {
		t.Errorf("response = %q, want sentinel", result.Response)
	}
	if result.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", result.Iterations)
	}
}

func TestAgentLoop_ReflectionFiresMidRunAndResets(t *testing.T) {
	// Four tool turns then a final answer: with a threshold of two the
	// run must reflect twice, before its third and fifth completions.
	client := &mockLLM{responses: []*llm.Response{
		toolCallResponse("c1", ToolRecallRecent, `{}`),
		toolCallResponse("c2", ToolRecallRecent, `{}`),
		toolCallResponse("c3", ToolRecallRecent, `{}`),
		toolCallResponse("c4", ToolRecallRecent, `{}`),
		textResponse("final answer"),
	}}
	reflectLLM := &mockLLM{responses: []*llm.Response{textResponse("key decisions from the session")}}
	local := newMockProvider("local")
	orch := newLoopOrchestrator(local)
	compactor := NewCompactor(reflectLLM, nil, "", 0, testLogger())

	cfg := loopConfig()
	cfg.ReflectionThreshold = 2
	loop := NewAgentLoop(client, orch, nil, compactor, nil, nil, nil, nil, cfg, testLogger())

	result, err := loop.Run(context.Background(), runSpec("s1"), "work through this")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Response != "final answer" || result.Iterations != 5 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := reflectionCount(local); got != 2 {
		t.Fatalf("reflections = %d, want 2 (threshold crossed twice, counter reset in between)", got)
	}
	if len(reflectLLM.requests) != 2 {
		t.Errorf("compactor completions = %d, want 2 (reflection must go through the compactor)", len(reflectLLM.requests))
	}
	for _, rec := range local.records {
		if rec.HasTag("reflection") && rec.Content != "key decisions from the session" {
			t.Errorf("reflection content = %q, want the compacted summary", rec.Content)
		}
	}
}

func TestAgentLoop_NoReflectionBelowThreshold(t *testing.T) {
	client := &mockLLM{responses: []*llm.Response{
		toolCallResponse("c1", ToolRecallRecent, `{}`),
		textResponse("done"),
	}}
	reflectLLM := &mockLLM{responses: []*llm.Response{textResponse("should not be asked")}}
	local := newMockProvider("local")
	cfg := loopConfig()
	cfg.ReflectionThreshold = 3
	loop := NewAgentLoop(client, newLoopOrchestrator(local), nil,
		NewCompactor(reflectLLM, nil, "", 0, testLogger()), nil, nil, nil, nil, cfg, testLogger())

	if _, err := loop.Run(context.Background(), runSpec("s1"), "quick one"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reflectionCount(local) != 0 {
		t.Error("reflection fired below the threshold")
	}
	if len(reflectLLM.requests) != 0 {
		t.Error("compactor must not be called below the threshold")
	}
}

func reflectionCount(p *mockProvider) int {
	n := 0
	for _, rec := range p.records {
		if rec.HasTag("reflection") && rec.HasTag("auto-summary") {
			n++
		}
	}
	return n
}

func TestAgentLoop_ReflectionFailureDoesNotFailRun(t *testing.T) {
	// The reflection summary cannot be stored; the run must still succeed.
	client := &mockLLM{responses: []*llm.Response{
		toolCallResponse("c1", ToolRecallRecent, `{}`),
		textResponse("reply"),
	}}
	reflectLLM := &mockLLM{responses: []*llm.Response{textResponse("summary")}}
	local := newMockProvider("local")
	local.storeErr = errors.New("disk full")
	cfg := loopConfig()
	cfg.ReflectionThreshold = 1
	loop := NewAgentLoop(client, newLoopOrchestrator(local), nil,
		NewCompactor(reflectLLM, nil, "", 0, testLogger()), nil, nil, nil, nil, cfg, testLogger())

	result, err := loop.Run(context.Background(), runSpec("s1"), "hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Response != "reply" {
		t.Errorf("response = %q", result.Response)
	}
}

func TestAgentLoop_RouterDiscoveryFailureKeepsMemoryTools(t *testing.T) {
	router := &mockRouter{listErr: errors.New("router offline")}
	client := &mockLLM{responses: []*llm.Response{textResponse("ok")}}
	loop := newLoop(client, newLoopOrchestrator(newMockProvider("local")), router, loopConfig())

	if _, err := loop.Run(context.Background(), runSpec("s1"), "hi"); err != nil {
		t.Fatalf("Run must survive router discovery failure: %v", err)
	}
	if len(client.requests[0].Tools) != 4 {
		t.Errorf("tools = %d, want the 4 memory tools", len(client.requests[0].Tools))
	}
}

func TestAgentLoop_IngestContentToolHandledLocally(t *testing.T) {
	ingestLLM := &mockLLM{responses: []*llm.Response{textResponse(
		`{"summary":"release notes summary","facts":["v2 removes the legacy flag"],"decisions":[],"actionItems":[]}`)}}
	local := newMockProvider("local")
	orch := newLoopOrchestrator(local)
	ing := NewIngestion(NewCompactor(ingestLLM, nil, "", 0, testLogger()), orch, nil, nil, testLogger())

	client := &mockLLM{responses: []*llm.Response{
		toolCallResponse("c1", ToolIngestContent, `{"content":"full release notes","source":"notes"}`),
		textResponse("ingested"),
	}}
	loop := NewAgentLoop(client, orch, nil, nil, ing, nil, nil, nil, loopConfig(), testLogger())

	result, err := loop.Run(context.Background(), runSpec("s1"), "file these notes")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ToolCalls != 1 {
		t.Errorf("tool calls = %d, want 1", result.ToolCalls)
	}

	found := false
	for _, rec := range local.records {
		if rec.HasTag(TagIngestion) && rec.HasTag("notes") {
			found = true
		}
	}
	if !found {
		t.Error("expected ingested records tagged with the source")
	}
}

func TestAgentLoop_BackgroundIngestEnqueued(t *testing.T) {
	router := &mockRouter{
		tools:   []toolrouter.ToolDescriptor{{Name: "lookup"}},
		results: map[string]string{"lookup": "answer 42"},
	}
	ingestLLM := &mockLLM{responses: []*llm.Response{textResponse(`{"summary":"tool interaction","facts":[],"decisions":[],"actionItems":[]}`)}}
	local := newMockProvider("local")
	orch := newLoopOrchestrator(local)
	ing := NewIngestion(NewCompactor(ingestLLM, nil, "", 0, testLogger()), orch, nil, nil, testLogger())
	tasks := NewTaskQueue(8, testLogger())

	client := &mockLLM{responses: []*llm.Response{
		toolCallResponse("c1", "lookup", `{"q":"x"}`),
		textResponse("done"),
	}}
	loop := NewAgentLoop(client, orch, router, nil, ing, tasks, nil, nil, loopConfig(), testLogger())

	if _, err := loop.Run(context.Background(), runSpec("s1"), "look it up"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	tasks.DrainAndStop()

	found := false
	for _, rec := range local.records {
		if rec.HasTag(TagIngestion) && rec.HasTag("agent-loop") && rec.HasTag(TagToolInteraction) {
			found = true
		}
	}
	if !found {
		t.Error("expected the tool interaction to be ingested in the background")
	}
}

func TestAgentLoop_EmptyTaskRejected(t *testing.T) {
	loop := newLoop(&mockLLM{}, newLoopOrchestrator(newMockProvider("local")), nil, loopConfig())
	if _, err := loop.Run(context.Background(), runSpec("s1"), "  "); err == nil {
		t.Fatal("expected error for empty task")
	}
}
