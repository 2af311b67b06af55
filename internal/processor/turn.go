// Package processor implements the per-connection turn orchestrator: it owns
// the turn table, supervises the agent stream producer and the token consumer
// for the active turn, and guarantees ordered, sentence-granular delivery of
// client-visible events.
package processor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/yw0nam/DesktopMatePlus-sub000/internal/textproc"
	"github.com/yw0nam/DesktopMatePlus-sub000/pkg/agent"
)

// Status is the lifecycle state of a [Turn].
type Status string

const (
	StatusPending     Status = "pending"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusInterrupted Status = "interrupted"
	StatusFailed      Status = "failed"
)

// Terminal reports whether the status is final. A terminal turn never
// transitions again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusInterrupted, StatusFailed:
		return true
	}
	return false
}

// Turn is one user→agent exchange. It owns the bounded event and token
// queues, the per-turn text pipeline, and a context bounding every blocking
// queue operation so cleanup can never deadlock.
type Turn struct {
	ID             string
	ConversationID string
	UserMessage    string
	Metadata       map[string]any

	// ctx is cancelled during cleanup; every blocking send or receive on the
	// turn's queues selects on it.
	ctx    context.Context
	cancel context.CancelFunc

	chunker *textproc.Chunker
	cleaner *textproc.Cleaner

	// tokensClosed is a latch standing in for the end-of-token-stream
	// sentinel: once closed, no further tokens are accepted and the consumer
	// drains what is buffered and exits.
	tokensClosed chan struct{}

	// consumerDone is closed when the token consumer has flushed and exited.
	consumerDone chan struct{}

	mu              sync.Mutex
	status          Status
	createdAt       time.Time
	updatedAt       time.Time
	events          chan agent.Event // nil after cleanup
	tokens          chan agent.Event // nil after cleanup
	tokensClosedSet bool
	consumerStarted bool
	producerStarted bool
	response        strings.Builder
	errorMessage    string
}

func newTurn(id, conversationID, userMessage string, metadata map[string]any, queueSize int, chunker *textproc.Chunker, cleaner *textproc.Cleaner) *Turn {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Turn{
		ID:             id,
		ConversationID: conversationID,
		UserMessage:    userMessage,
		Metadata:       metadata,
		ctx:            ctx,
		cancel:         cancel,
		chunker:        chunker,
		cleaner:        cleaner,
		tokensClosed:   make(chan struct{}),
		consumerDone:   make(chan struct{}),
		status:         StatusPending,
		createdAt:      now,
		updatedAt:      now,
		events:         make(chan agent.Event, queueSize),
		tokens:         make(chan agent.Event, queueSize),
	}
}

// Status returns the current lifecycle state.
func (t *Turn) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// setStatus transitions the turn, refusing to leave a terminal state.
// Reports whether the transition happened.
func (t *Turn) setStatus(s Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return false
	}
	t.status = s
	t.updatedAt = time.Now()
	return true
}

// closeTokens trips the end-of-token-stream latch. Safe to call repeatedly
// and from multiple goroutines.
func (t *Turn) closeTokens() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.tokensClosedSet {
		t.tokensClosedSet = true
		close(t.tokensClosed)
	}
}

// eventsChan returns the event queue, or nil once cleanup has released it.
func (t *Turn) eventsChan() chan agent.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events
}

// tokensChan returns the token queue, or nil once cleanup has released it.
func (t *Turn) tokensChan() chan agent.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tokens
}

// releaseQueues nils out both queues. Called only from cleanup, after
// producers and consumers have stopped.
func (t *Turn) releaseQueues() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
	t.tokens = nil
}

func (t *Turn) appendResponse(chunk string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.response.Len() > 0 {
		t.response.WriteString(" ")
	}
	t.response.WriteString(chunk)
}

func (t *Turn) setError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorMessage = msg
}

// TurnInfo is a point-in-time snapshot of a turn, safe to hand out.
type TurnInfo struct {
	ID              string         `json:"turn_id"`
	ConversationID  string         `json:"conversation_id"`
	UserMessage     string         `json:"user_message"`
	Status          Status         `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	ResponseContent string         `json:"response_content,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Info snapshots the turn.
func (t *Turn) Info() TurnInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TurnInfo{
		ID:              t.ID,
		ConversationID:  t.ConversationID,
		UserMessage:     t.UserMessage,
		Status:          t.status,
		CreatedAt:       t.createdAt,
		UpdatedAt:       t.updatedAt,
		ResponseContent: t.response.String(),
		ErrorMessage:    t.errorMessage,
		Metadata:        t.Metadata,
	}
}

func (t *Turn) updatedAtLocked() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.updatedAt
}
