// Package history defines the short-term chat-history contract the gateway
// hands completed turns to.
//
// The orchestrator persists turns best-effort: a failing recorder never
// affects turn delivery. Implementations must be safe for concurrent use.
package history

import (
	"context"
	"time"
)

// TurnRecord is one persisted user→agent exchange.
type TurnRecord struct {
	// TurnID is the unique turn identifier.
	TurnID string

	// ConversationID groups turns into a logical conversation.
	ConversationID string

	// UserID is the persistent user identity.
	UserID string

	// UserMessage is the raw user input that started the turn.
	UserMessage string

	// Response is the accumulated cleaned response text.
	Response string

	// Status is the turn's terminal status.
	Status string

	// Error carries the failure message for failed turns.
	Error string

	// CreatedAt is when the turn started; CompletedAt when it settled.
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Recorder persists completed turns and serves recent conversation history.
type Recorder interface {
	// SaveTurn persists one completed turn.
	SaveTurn(ctx context.Context, rec TurnRecord) error

	// Recent returns up to limit turns of the conversation, newest first.
	Recent(ctx context.Context, conversationID string, limit int) ([]TurnRecord, error)
}
