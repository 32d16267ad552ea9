package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	otelmetrics "github.com/engramhq/engram/internal/adapter/otel"
	"github.com/engramhq/engram/internal/config"
	"github.com/engramhq/engram/internal/port/llm"
	"github.com/engramhq/engram/internal/port/messagequeue"
	"github.com/engramhq/engram/internal/port/toolrouter"
)

// ExhaustedResponse is returned when the loop hits its iteration cap
// without the model producing a final answer.
const ExhaustedResponse = "Maximum iterations reached without a final response."

const defaultInstructions = `You are a helpful assistant with persistent memory.
Use the memory tools to store important information and to recall what you
already know before answering.`

// promptMemoryLimit caps how many recalled memories are injected into the
// system prompt.
const promptMemoryLimit = 5

// AgentSpec describes one agent run: who the agent is and what background
// it starts with. The zero value runs with the default instructions and no
// context documents.
type AgentSpec struct {
	SessionID    string   `json:"session_id"`
	Instructions string   `json:"instructions,omitempty"`
	ContextDocs  []string `json:"context_documents,omitempty"`
}

// RunResult is the outcome of one agent loop run.
type RunResult struct {
	Response   string `json:"response"`
	Iterations int    `json:"iterations"`
	ToolCalls  int    `json:"tool_calls"`
	Exhausted  bool   `json:"exhausted"`
}

type agentSession struct {
	messages []llm.Message
}

// AgentLoop runs the tool-calling conversation loop with memory on the
// side: memory tools are served locally, routed tools go to the external
// router, finished interactions are ingested in the background, and every
// few assistant turns the loop reflects the recent window into a stored
// summary.
type AgentLoop struct {
	llm       llm.Client
	orch      *Orchestrator
	router    toolrouter.Router // nil leaves only the memory tool surface
	compactor *Compactor        // nil disables reflection
	ingest    *Ingestion
	tasks     *TaskQueue
	queue     messagequeue.Queue
	metrics   *otelmetrics.Metrics
	cfg       config.Agent
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*agentSession
}

// NewAgentLoop creates the loop. router, compactor, ingest, tasks, queue
// and metrics may each be nil; the corresponding behavior is skipped.
func NewAgentLoop(client llm.Client, orch *Orchestrator, router toolrouter.Router, compactor *Compactor, ingest *Ingestion, tasks *TaskQueue, queue messagequeue.Queue, metrics *otelmetrics.Metrics, cfg config.Agent, log *slog.Logger) *AgentLoop {
	return &AgentLoop{
		llm:       client,
		orch:      orch,
		router:    router,
		compactor: compactor,
		ingest:    ingest,
		tasks:     tasks,
		queue:     queue,
		metrics:   metrics,
		cfg:       cfg,
		log:       log.With("component", "agentloop"),
		sessions:  make(map[string]*agentSession),
	}
}

// Run executes one task through the loop and returns the final assistant
// response. The unreflected-turn counter is scoped to this invocation:
// it starts at zero, grows with every assistant turn, and when it reaches
// the threshold the next iteration reflects before asking for another
// completion.
func (l *AgentLoop) Run(ctx context.Context, spec AgentSpec, task string) (*RunResult, error) {
	if strings.TrimSpace(task) == "" {
		return nil, fmt.Errorf("agentloop: empty task")
	}
	ctx, span := otelmetrics.StartAgentRunSpan(ctx, spec.SessionID)
	defer span.End()

	tools, routerNames, err := l.assembleTools(ctx, spec.SessionID)
	if err != nil {
		// Router discovery failing must not take the loop down.
		l.log.Warn("tool discovery failed, continuing with memory tools", "error", err)
		tools = memoryToolDefinitions()
		routerNames = map[string]bool{}
	}

	system := l.buildSystemPrompt(ctx, spec, task)
	messages := []llm.Message{{Role: llm.RoleUser, Content: task}}

	result := &RunResult{}
	unreflected := 0

	for result.Iterations < l.cfg.MaxIterations {
		result.Iterations++
		if l.metrics != nil {
			l.metrics.LoopIterations.Add(ctx, 1)
		}

		if l.cfg.ReflectionThreshold > 0 && unreflected >= l.cfg.ReflectionThreshold {
			l.reflect(ctx, spec.SessionID, reflectionWindow(messages, l.cfg.ReflectionThreshold))
			unreflected = 0
		}

		resp, err := l.llm.Complete(ctx, llm.Request{
			System:   system,
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			l.archive(spec.SessionID, messages)
			return nil, fmt.Errorf("agentloop: completion: %w", err)
		}

		messages = append(messages, resp.Message)
		unreflected++

		if len(resp.ToolCalls) == 0 {
			result.Response = resp.Message.Content
			l.archive(spec.SessionID, messages)
			return result, nil
		}

		for _, call := range resp.ToolCalls {
			result.ToolCalls++
			output := l.execTool(ctx, spec.SessionID, call, routerNames)
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    output,
				ToolCallID: call.ID,
			})
		}
	}

	result.Response = ExhaustedResponse
	result.Exhausted = true
	messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: ExhaustedResponse})
	l.archive(spec.SessionID, messages)
	return result, nil
}

// buildSystemPrompt layers the run's system prompt: instructions, then the
// spec's context documents, then memories relevant to the task. Recall
// failure degrades to a prompt without memories.
func (l *AgentLoop) buildSystemPrompt(ctx context.Context, spec AgentSpec, task string) string {
	var b strings.Builder
	if spec.Instructions != "" {
		b.WriteString(spec.Instructions)
	} else {
		b.WriteString(defaultInstructions)
	}

	if len(spec.ContextDocs) > 0 {
		b.WriteString("\n\n# Context\n")
		for _, doc := range spec.ContextDocs {
			b.WriteString(doc)
			b.WriteByte('\n')
		}
	}

	results, err := l.orch.Search(ctx, task, promptMemoryLimit, "")
	if err != nil {
		l.log.Warn("memory recall for prompt failed", "error", err)
		return b.String()
	}
	if len(results) > 0 {
		b.WriteString("\n\n# Relevant memories\n")
		for _, r := range results {
			fmt.Fprintf(&b, "- %s\n", r.Content)
		}
	}
	return b.String()
}

// execTool runs one tool call. Memory tools are handled locally unless the
// router claimed the same name. Failures become error text so the model can
// recover instead of the run aborting.
func (l *AgentLoop) execTool(ctx context.Context, sessionID string, call llm.ToolCall, routerNames map[string]bool) string {
	local := isMemoryTool(call.Name) && !routerNames[call.Name]

	var output string
	var err error
	if local {
		output, err = l.callMemoryTool(ctx, call.Name, call.Arguments)
	} else if l.router != nil {
		callCtx := ctx
		if l.cfg.ToolTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, l.cfg.ToolTimeout)
			defer cancel()
		}
		output, err = l.router.CallTool(callCtx, call.Name, call.Arguments, sessionID)
	} else {
		err = fmt.Errorf("unknown tool %q", call.Name)
	}

	if err != nil {
		l.log.Warn("tool call failed", "tool", call.Name, "error", err)
		return fmt.Sprintf("Error: %v", err)
	}

	if !local {
		l.enqueueIngest(call.Name, string(call.Arguments), output)
	}
	return output
}

// assembleTools merges router tools with the memory tool surface and
// reports which names the router claimed. On a name clash the router's
// definition wins and local dispatch yields to it.
func (l *AgentLoop) assembleTools(ctx context.Context, sessionID string) ([]llm.ToolDefinition, map[string]bool, error) {
	var tools []llm.ToolDefinition
	routerNames := make(map[string]bool)

	if l.router != nil {
		routed, err := l.router.ListTools(ctx, sessionID)
		if err != nil {
			return nil, nil, err
		}
		for _, t := range routed {
			tools = append(tools, llm.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
			routerNames[t.Name] = true
		}
	}

	for _, t := range memoryToolDefinitions() {
		if routerNames[t.Name] {
			continue
		}
		tools = append(tools, t)
	}
	return tools, routerNames, nil
}

// enqueueIngest schedules background ingestion of a routed tool
// interaction. Drops are logged by the queue; the run never blocks.
func (l *AgentLoop) enqueueIngest(tool, args, output string) {
	if l.ingest == nil || l.tasks == nil {
		return
	}
	l.tasks.Enqueue(func(ctx context.Context) {
		res := l.ingest.IngestInteraction(ctx, tool, args, output)
		if !res.Success {
			l.log.Debug("background ingest produced nothing", "tool", tool, "error", res.Error)
		}
	})
}

// reflectionWindow returns the most recent slice of the transcript, sized
// at twice the reflection threshold.
func reflectionWindow(messages []llm.Message, threshold int) []llm.Message {
	n := 2 * threshold
	if len(messages) > n {
		return messages[len(messages)-n:]
	}
	return messages
}

// reflect compacts the recent conversation window and stores the summary
// as a tagged memory. Reflection failures are logged and never fail the
// run.
func (l *AgentLoop) reflect(ctx context.Context, sessionID string, window []llm.Message) {
	if l.compactor == nil {
		return
	}

	var b strings.Builder
	for _, m := range window {
		if m.Content == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	if b.Len() == 0 {
		return
	}

	cc, err := l.compactor.Compact(ctx, b.String(), "conversation")
	if err != nil {
		l.log.Warn("reflection compaction failed", "session", sessionID, "error", err)
		return
	}
	summary := strings.TrimSpace(cc.Summary)
	if summary == "" {
		return
	}

	rec, err := l.orch.Remember(ctx, summary, []string{"reflection", "auto-summary"}, "")
	if err != nil {
		l.log.Warn("reflection store failed", "session", sessionID, "error", err)
		return
	}

	if l.metrics != nil {
		l.metrics.Reflections.Add(ctx, 1)
	}
	if l.queue != nil {
		payload := fmt.Sprintf(`{"session":%q,"id":%q,"at":%q}`, sessionID, rec.ID, time.Now().UTC().Format(time.RFC3339))
		if err := l.queue.Publish(ctx, messagequeue.SubjectMemoryReflect, []byte(payload)); err != nil {
			l.log.Warn("reflection event publish failed", "error", err)
		}
	}
	l.log.Info("reflection stored", "session", sessionID, "memory_id", rec.ID)
}

// archive appends the run transcript to the session history.
func (l *AgentLoop) archive(sessionID string, messages []llm.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sess, ok := l.sessions[sessionID]
	if !ok {
		sess = &agentSession{}
		l.sessions[sessionID] = sess
	}
	sess.messages = append(sess.messages, messages...)
}

// History returns a copy of the session transcript.
func (l *AgentLoop) History(sessionID string) []llm.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	sess, ok := l.sessions[sessionID]
	if !ok {
		return nil
	}
	return append([]llm.Message(nil), sess.messages...)
}
