// Package llmagent implements agent.Service on top of an llm.Provider.
//
// Each Stream call runs one completion loop: the user message is sent to the
// model, text deltas are surfaced as stream_token events, and tool-call
// rounds are executed through registered [ToolFunc] handlers with tool_call /
// tool_result events emitted around each execution. The loop ends with a
// stream_end event on natural completion or an error event on failure.
package llmagent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/yw0nam/DesktopMatePlus-sub000/pkg/agent"
	"github.com/yw0nam/DesktopMatePlus-sub000/pkg/provider/llm"
)

// ToolFunc executes one tool invocation. args is the JSON-encoded argument
// string produced by the model. The returned string is fed back to the model
// as the tool result.
type ToolFunc func(ctx context.Context, args string) (string, error)

// Option configures an [Agent].
type Option func(*Agent)

// WithSystemPrompt sets the system prompt injected before each conversation.
func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) { a.systemPrompt = prompt }
}

// WithTemperature sets the sampling temperature passed to the provider.
func WithTemperature(t float64) Option {
	return func(a *Agent) { a.temperature = t }
}

// WithMaxTokens caps completion tokens per model round.
func WithMaxTokens(n int) Option {
	return func(a *Agent) { a.maxTokens = n }
}

// WithMaxToolRounds caps how many tool-call rounds a single turn may run.
// Default: 5.
func WithMaxToolRounds(n int) Option {
	return func(a *Agent) { a.maxToolRounds = n }
}

// WithTool registers a tool offered to the model on every request.
func WithTool(def llm.ToolDefinition, fn ToolFunc) Option {
	return func(a *Agent) {
		a.defs = append(a.defs, def)
		a.tools[def.Name] = fn
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(a *Agent) { a.log = log }
}

// Agent adapts a streaming LLM provider to the agent.Service contract.
type Agent struct {
	provider      llm.Provider
	systemPrompt  string
	temperature   float64
	maxTokens     int
	maxToolRounds int
	defs          []llm.ToolDefinition
	tools         map[string]ToolFunc
	log           *slog.Logger
}

// New creates an Agent backed by the given provider.
func New(provider llm.Provider, opts ...Option) (*Agent, error) {
	if provider == nil {
		return nil, fmt.Errorf("llmagent: provider must not be nil")
	}
	a := &Agent{
		provider:      provider,
		maxToolRounds: 5,
		tools:         map[string]ToolFunc{},
		log:           slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Stream implements agent.Service.
func (a *Agent) Stream(ctx context.Context, req agent.Request) (<-chan agent.Event, error) {
	if req.Content == "" {
		return nil, fmt.Errorf("llmagent: request content must not be empty")
	}

	ch := make(chan agent.Event, 32)
	go a.run(ctx, req, ch)
	return ch, nil
}

func (a *Agent) run(ctx context.Context, req agent.Request, ch chan<- agent.Event) {
	defer close(ch)

	if !send(ctx, ch, agent.Event{Type: agent.EventStreamStart}) {
		return
	}

	messages := []llm.Message{{Role: "user", Content: req.Content}}

	for round := 0; round <= a.maxToolRounds; round++ {
		chunks, err := a.provider.StreamCompletion(ctx, llm.CompletionRequest{
			Messages:     messages,
			Tools:        a.defs,
			Temperature:  a.temperature,
			MaxTokens:    a.maxTokens,
			SystemPrompt: a.systemPrompt,
		})
		if err != nil {
			send(ctx, ch, agent.Event{Type: agent.EventError, Error: err.Error()})
			return
		}

		var (
			assistantText string
			toolCalls     []llm.ToolCall
		)
		for chunk := range chunks {
			if chunk.FinishReason == "error" {
				send(ctx, ch, agent.Event{Type: agent.EventError, Error: chunk.Text})
				return
			}
			if chunk.Text != "" {
				assistantText += chunk.Text
				if !send(ctx, ch, agent.Event{Type: agent.EventStreamToken, Chunk: chunk.Text}) {
					return
				}
			}
			toolCalls = append(toolCalls, chunk.ToolCalls...)
		}

		if len(toolCalls) == 0 {
			send(ctx, ch, agent.Event{Type: agent.EventStreamEnd})
			return
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   assistantText,
			ToolCalls: toolCalls,
		})
		for _, tc := range toolCalls {
			result := a.execute(ctx, ch, tc)
			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
			})
		}
	}

	send(ctx, ch, agent.Event{
		Type:  agent.EventError,
		Error: fmt.Sprintf("llmagent: tool round limit (%d) exceeded", a.maxToolRounds),
	})
}

// execute runs one tool call, emitting tool_call and tool_result events
// around the invocation. Failures are folded into the result string so the
// model can recover.
func (a *Agent) execute(ctx context.Context, ch chan<- agent.Event, tc llm.ToolCall) string {
	send(ctx, ch, agent.Event{
		Type:     agent.EventToolCall,
		ToolName: tc.Name,
		Args:     tc.Arguments,
	})

	var result string
	fn, ok := a.tools[tc.Name]
	switch {
	case !ok:
		result = fmt.Sprintf("error: unknown tool %q", tc.Name)
	default:
		out, err := fn(ctx, tc.Arguments)
		if err != nil {
			a.log.Warn("tool execution failed", "tool_name", tc.Name, "error", err)
			result = fmt.Sprintf("error: %v", err)
		} else {
			result = out
		}
	}

	send(ctx, ch, agent.Event{
		Type:     agent.EventToolResult,
		ToolName: tc.Name,
		Result:   result,
	})
	return result
}

// send delivers ev unless ctx is done. Reports whether the send happened.
func send(ctx context.Context, ch chan<- agent.Event, ev agent.Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Ensure Agent implements agent.Service at compile time.
var _ agent.Service = (*Agent)(nil)
