// Package agent defines the event contract between the conversational agent
// backend and the gateway's turn orchestrator.
//
// An agent run is a lazy, finite, single-pass stream of [Event] values. The
// stream always opens with EventStreamStart and closes with exactly one of
// EventStreamEnd or EventError. Token fragments arrive as EventStreamToken
// events; tool activity is reported through EventToolCall / EventToolResult
// pairs and is never forwarded to clients by the orchestrator.
//
// Implementors must close the returned channel when the stream ends or when
// the supplied context is cancelled. Callers consume the stream exactly once.
package agent

import "context"

// EventType identifies the kind of an agent or client-visible event.
type EventType string

const (
	// EventStreamStart opens a turn's event stream.
	EventStreamStart EventType = "stream_start"

	// EventStreamToken carries an incremental text fragment in Chunk.
	EventStreamToken EventType = "stream_token"

	// EventToolCall reports that the agent is invoking a tool.
	EventToolCall EventType = "tool_call"

	// EventToolResult reports the outcome of a prior tool call.
	EventToolResult EventType = "tool_result"

	// EventStreamEnd closes a turn's event stream normally.
	EventStreamEnd EventType = "stream_end"

	// EventError closes a turn's event stream with a failure.
	EventError EventType = "error"

	// EventTTSChunk is a gateway-produced event carrying one cleaned,
	// sentence-granular text chunk ready for speech synthesis. Agents never
	// emit this type themselves.
	EventTTSChunk EventType = "tts_ready_chunk"
)

// Event is the string-keyed record exchanged on agent streams and, after
// normalisation by the orchestrator, forwarded to WebSocket clients. Fields
// not relevant to a given Type are left zero and omitted from the JSON frame.
type Event struct {
	Type EventType `json:"type"`

	// Identifiers stamped onto every event by the orchestrator.
	TurnID         string `json:"turn_id,omitempty"`
	ConnectionID   string `json:"connection_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`

	// Chunk is the text payload of stream_token and tts_ready_chunk events.
	Chunk string `json:"chunk,omitempty"`

	// Emotion is the optional emotion tag attached to a tts_ready_chunk.
	Emotion string `json:"emotion,omitempty"`

	// Tool event payload.
	ToolName string `json:"tool_name,omitempty"`
	Args     string `json:"args,omitempty"`
	Result   string `json:"result,omitempty"`
	Node     string `json:"node,omitempty"`

	// Error carries the failure message on error events.
	Error string `json:"error,omitempty"`

	// Reason and Status describe a synthetic stream_end produced by an
	// interrupt ("interrupted") rather than by the agent.
	Reason string `json:"reason,omitempty"`
	Status string `json:"status,omitempty"`
}

// Request carries everything an agent needs to produce one response stream.
type Request struct {
	// ConversationID groups turns into a logical conversation.
	ConversationID string

	// UserID is the persistent user identity (not the connection identity).
	UserID string

	// AgentID selects the agent persona to respond as.
	AgentID string

	// Content is the raw user message for this turn.
	Content string

	// Images holds optional base64-encoded image attachments.
	Images []string

	// Metadata is free-form per-turn context passed through by the caller.
	Metadata map[string]any
}

// Service is the abstraction over any conversational agent backend.
//
// Stream starts a single agent run for req and returns a read-only channel of
// events. The channel is closed by the implementation when the run finishes or
// when ctx is cancelled. A non-nil error is returned only for failures that
// prevent the stream from starting; failures mid-run surface as an EventError
// on the channel.
type Service interface {
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}
