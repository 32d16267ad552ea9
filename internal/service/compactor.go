package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	otelmetrics "github.com/engramhq/engram/internal/adapter/otel"
	"github.com/engramhq/engram/internal/domain/memory"
	"github.com/engramhq/engram/internal/port/llm"
	"github.com/engramhq/engram/internal/resilience"
)

const compactionPrompt = `Analyze the following content and extract structured knowledge.

Respond with a single JSON object, no prose before or after, in exactly this shape:
{
  "summary": "a concise summary of the content",
  "facts": ["standalone factual statements worth remembering"],
  "decisions": ["decisions that were made"],
  "actionItems": ["concrete follow-up actions"]
}

Empty arrays are fine for categories with nothing to extract.`

// Searcher looks up stored memories, used to drop extracted facts that are
// already known. The Orchestrator satisfies it.
type Searcher interface {
	Search(ctx context.Context, query string, limit int, providerID string) ([]memory.Result, error)
}

// Compactor distills raw text into structured knowledge with a single
// completion call. The returned value is always usable: when the model's
// output cannot be parsed as JSON the raw text becomes a summary-only
// result, and only a failed completion yields a non-nil error.
type Compactor struct {
	llm      llm.Client
	breaker  *resilience.Breaker
	model    string
	maxInput int
	log      *slog.Logger

	searcher Searcher
	dedup    float64
}

// CompactorOption configures optional compactor collaborators.
type CompactorOption func(*Compactor)

// WithFactDedup attaches a searcher used to drop facts whose best hit
// scores strictly above threshold.
func WithFactDedup(s Searcher, threshold float64) CompactorOption {
	return func(c *Compactor) {
		c.searcher = s
		c.dedup = threshold
	}
}

// NewCompactor creates a Compactor. model may be empty to use the client's
// default. breaker may be nil.
func NewCompactor(client llm.Client, breaker *resilience.Breaker, model string, maxInput int, log *slog.Logger, opts ...CompactorOption) *Compactor {
	c := &Compactor{
		llm:      client,
		breaker:  breaker,
		model:    model,
		maxInput: maxInput,
		log:      log.With("component", "compactor"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compact runs one compaction pass over text. kind names what the text is
// ("conversation", "document", a source label) and steers the model; it may
// be empty.
func (c *Compactor) Compact(ctx context.Context, text, kind string) (memory.CompactedContext, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return memory.NewCompactedContext(""), nil
	}
	if c.maxInput > 0 && len(text) > c.maxInput {
		text = text[:c.maxInput]
	}
	ctx, span := otelmetrics.StartCompactionSpan(ctx, len(text))
	defer span.End()

	system := compactionPrompt
	if kind != "" {
		system += fmt.Sprintf("\n\nThe content is of kind %q.", kind)
	}

	req := llm.Request{
		Model:  c.model,
		System: system,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: text},
		},
	}

	var resp *llm.Response
	call := func() error {
		var err error
		resp, err = c.llm.Complete(ctx, req)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(call)
	} else {
		err = call()
	}
	if err != nil {
		c.log.Warn("compaction completion failed", "error", err)
		return memory.NewCompactedContext(""), fmt.Errorf("compact: %w", err)
	}

	cc := c.parse(resp.Message.Content)
	cc.Facts = c.dedupFacts(ctx, cc.Facts)
	return cc, nil
}

// dedupFacts drops facts that are already stored: the best search hit must
// score strictly above the dedup threshold. Without a searcher every fact
// is kept.
func (c *Compactor) dedupFacts(ctx context.Context, facts []string) []string {
	if c.searcher == nil || c.dedup <= 0 || len(facts) == 0 {
		return facts
	}
	kept := make([]string, 0, len(facts))
	for _, fact := range facts {
		results, err := c.searcher.Search(ctx, fact, 1, "")
		if err == nil && len(results) > 0 {
			top := results[0]
			if top.Similarity != nil && *top.Similarity > c.dedup {
				c.log.Debug("fact already known, dropping", "fact", fact)
				continue
			}
		}
		kept = append(kept, fact)
	}
	return kept
}

// parse decodes the model output, salvaging the first balanced JSON object
// when the reply carries prose around it. Unparseable output degrades to a
// summary-only result.
func (c *Compactor) parse(raw string) memory.CompactedContext {
	raw = strings.TrimSpace(raw)

	var cc memory.CompactedContext
	if err := json.Unmarshal([]byte(raw), &cc); err == nil {
		cc.Normalize()
		return cc
	}

	if obj, ok := firstBalancedObject(raw); ok {
		if err := json.Unmarshal([]byte(obj), &cc); err == nil {
			cc.Normalize()
			return cc
		}
	}

	c.log.Debug("compaction output not JSON, degrading to summary only")
	return memory.NewCompactedContext(raw)
}

// firstBalancedObject returns the first {...} span with balanced braces,
// honoring string literals and escapes.
func firstBalancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}
	return "", false
}
