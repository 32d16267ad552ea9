package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/engramhq/engram/internal/domain/memory"
	"github.com/engramhq/engram/internal/port/llm"
	"github.com/engramhq/engram/internal/resilience"
)

func TestCompactor_ParsesStrictJSON(t *testing.T) {
	client := &mockLLM{responses: []*llm.Response{textResponse(`{
		"summary": "team chose postgres",
		"facts": ["service listens on 8740"],
		"decisions": ["use postgres for durability"],
		"actionItems": ["write the migration"]
	}`)}}

	c := NewCompactor(client, nil, "", 0, testLogger())
	cc, err := c.Compact(context.Background(), "meeting notes", "meeting")
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if cc.Summary != "team chose postgres" {
		t.Errorf("summary = %q", cc.Summary)
	}
	if len(cc.Facts) != 1 || len(cc.Decisions) != 1 || len(cc.ActionItems) != 1 {
		t.Errorf("unexpected extraction: %+v", cc)
	}
}

func TestCompactor_KindSteersThePrompt(t *testing.T) {
	client := &mockLLM{responses: []*llm.Response{textResponse(`{"summary":"ok","facts":[],"decisions":[],"actionItems":[]}`)}}
	c := NewCompactor(client, nil, "", 0, testLogger())

	if _, err := c.Compact(context.Background(), "text", "conversation"); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if !strings.Contains(client.requests[0].System, `"conversation"`) {
		t.Errorf("system prompt missing the kind:\n%s", client.requests[0].System)
	}

	if _, err := c.Compact(context.Background(), "text", ""); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if strings.Contains(client.requests[1].System, "kind") {
		t.Error("empty kind must not be mentioned in the prompt")
	}
}

func TestCompactor_SalvagesEmbeddedJSON(t *testing.T) {
	client := &mockLLM{responses: []*llm.Response{textResponse(
		"Here is the analysis you asked for:\n" +
			`{"summary": "salvaged", "facts": ["a {nested} brace in a string"], "decisions": [], "actionItems": []}` +
			"\nLet me know if you need anything else.")}}

	c := NewCompactor(client, nil, "", 0, testLogger())
	cc, err := c.Compact(context.Background(), "text", "")
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if cc.Summary != "salvaged" {
		t.Errorf("summary = %q, want salvaged object parsed", cc.Summary)
	}
	if len(cc.Facts) != 1 {
		t.Errorf("facts = %v", cc.Facts)
	}
}

func TestCompactor_DegradesToSummaryOnly(t *testing.T) {
	client := &mockLLM{responses: []*llm.Response{textResponse("I could not produce JSON, sorry.")}}

	c := NewCompactor(client, nil, "", 0, testLogger())
	cc, err := c.Compact(context.Background(), "text", "")
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if cc.Summary != "I could not produce JSON, sorry." {
		t.Errorf("summary = %q, want raw output", cc.Summary)
	}
	if cc.Facts == nil || cc.Decisions == nil || cc.ActionItems == nil {
		t.Error("slices must be non-nil in degraded result")
	}
}

func TestCompactor_DropsKnownFacts(t *testing.T) {
	client := &mockLLM{responses: []*llm.Response{textResponse(`{
		"summary": "daily recap",
		"facts": ["the sky is blue"],
		"decisions": [],
		"actionItems": []
	}`)}}
	local := newMockProvider("local")
	local.searchResults = []memory.Result{
		{Record: memory.Record{ID: "known", Content: "the sky is blue"}, SourceProviderID: "local", Similarity: similarity(0.95)},
	}
	orch := NewOrchestrator("local", 10, testLogger())
	orch.RegisterProvider(context.Background(), local)

	c := NewCompactor(client, nil, "", 0, testLogger(), WithFactDedup(orch, 0.85))
	cc, err := c.Compact(context.Background(), "raw", "chat")
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if len(cc.Facts) != 0 {
		t.Errorf("facts = %v, want known fact dropped", cc.Facts)
	}
	if cc.Summary != "daily recap" {
		t.Errorf("summary = %q, dedup must not touch other categories", cc.Summary)
	}
}

func TestCompactor_KeepsFactsAtOrBelowThreshold(t *testing.T) {
	client := &mockLLM{responses: []*llm.Response{textResponse(`{
		"summary": "",
		"facts": ["borderline fact"],
		"decisions": [],
		"actionItems": []
	}`)}}
	local := newMockProvider("local")
	local.searchResults = []memory.Result{
		{Record: memory.Record{ID: "close", Content: "similar"}, SourceProviderID: "local", Similarity: similarity(0.80)},
	}
	orch := NewOrchestrator("local", 10, testLogger())
	orch.RegisterProvider(context.Background(), local)

	c := NewCompactor(client, nil, "", 0, testLogger(), WithFactDedup(orch, 0.85))
	cc, err := c.Compact(context.Background(), "raw", "chat")
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if len(cc.Facts) != 1 {
		t.Errorf("facts = %v, want 1 (0.80 is not above threshold)", cc.Facts)
	}
}

func TestCompactor_CompletionFailureReturnsUsableValue(t *testing.T) {
	client := &mockLLM{err: errors.New("rate limited")}

	c := NewCompactor(client, nil, "", 0, testLogger())
	cc, err := c.Compact(context.Background(), "text", "")
	if err == nil {
		t.Fatal("expected error from failed completion")
	}
	if cc.Facts == nil || cc.Decisions == nil || cc.ActionItems == nil {
		t.Error("value must stay usable even on error")
	}
}

func TestCompactor_EmptyInputSkipsCompletion(t *testing.T) {
	client := &mockLLM{}
	c := NewCompactor(client, nil, "", 0, testLogger())

	cc, err := c.Compact(context.Background(), "   ", "")
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if !cc.IsEmpty() {
		t.Errorf("expected empty result, got %+v", cc)
	}
	if len(client.requests) != 0 {
		t.Error("no completion should be made for empty input")
	}
}

func TestCompactor_TruncatesOversizedInput(t *testing.T) {
	client := &mockLLM{responses: []*llm.Response{textResponse(`{"summary":"ok","facts":[],"decisions":[],"actionItems":[]}`)}}
	c := NewCompactor(client, nil, "", 100, testLogger())

	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := c.Compact(context.Background(), string(long), ""); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if got := len(client.requests[0].Messages[0].Content); got != 100 {
		t.Errorf("input length = %d, want truncated to 100", got)
	}
}

func TestCompactor_BreakerShortCircuitsAfterFailures(t *testing.T) {
	client := &mockLLM{err: errors.New("down")}
	breaker := resilience.NewBreaker(2, time.Minute)
	c := NewCompactor(client, breaker, "", 0, testLogger())

	ctx := context.Background()
	for range 2 {
		if _, err := c.Compact(ctx, "text", ""); err == nil {
			t.Fatal("expected failure")
		}
	}

	_, err := c.Compact(ctx, "text", "")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want circuit open", err)
	}
	if len(client.requests) != 2 {
		t.Errorf("completions = %d, want 2 (third call short-circuited)", len(client.requests))
	}
}

func TestFirstBalancedObject(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{`{"a":1}`, `{"a":1}`, true},
		{`noise {"a":{"b":2}} tail`, `{"a":{"b":2}}`, true},
		{`{"s":"has } brace"}`, `{"s":"has } brace"}`, true},
		{`{"s":"escaped \" quote"}`, `{"s":"escaped \" quote"}`, true},
		{`no object here`, ``, false},
		{`{"unterminated":`, ``, false},
	}
	for _, tc := range cases {
		got, ok := firstBalancedObject(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("firstBalancedObject(%q) = (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
