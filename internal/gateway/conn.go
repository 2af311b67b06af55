package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/yw0nam/DesktopMatePlus-sub000/internal/processor"
)

// connState holds everything the gateway tracks for one WebSocket connection:
// the socket handle, the authentication flag, heartbeat timestamps, and the
// MessageProcessor created on successful authorization.
type connState struct {
	id          string
	sock        *websocket.Conn
	connectedAt time.Time

	// cancel tears down the connection's context, ending the read loop and
	// heartbeat.
	cancel context.CancelFunc

	// writeMu serialises JSON frame writes on the socket.
	writeMu sync.Mutex

	mu            sync.Mutex
	authenticated bool
	userID        string
	lastPing      time.Time
	lastPong      time.Time
	processor     *processor.MessageProcessor
}

func newConnState(id string, sock *websocket.Conn, cancel context.CancelFunc) *connState {
	return &connState{
		id:          id,
		sock:        sock,
		connectedAt: time.Now(),
		cancel:      cancel,
	}
}

// authorize flips the authenticated flag and binds the user identity and
// processor. Reports false when already authenticated.
func (cs *connState) authorize(userID string, proc *processor.MessageProcessor) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.authenticated {
		return false
	}
	cs.authenticated = true
	cs.userID = userID
	cs.processor = proc
	return true
}

func (cs *connState) isAuthenticated() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.authenticated
}

func (cs *connState) user() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.userID
}

func (cs *connState) proc() *processor.MessageProcessor {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.processor
}

func (cs *connState) markPing(t time.Time) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.lastPing = t
}

func (cs *connState) markPong(t time.Time) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.lastPong = t
}

// pongOverdue reports whether the most recent ping went unanswered: no pong
// ever arrived, or the last pong predates the last ping.
func (cs *connState) pongOverdue() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.lastPing.IsZero() {
		return false
	}
	return cs.lastPong.IsZero() || cs.lastPong.Before(cs.lastPing)
}

// ConnectionStats is a point-in-time summary of one connection.
type ConnectionStats struct {
	ConnectionID  string           `json:"connection_id"`
	Authenticated bool             `json:"authenticated"`
	UserID        string           `json:"user_id,omitempty"`
	ConnectedAt   time.Time        `json:"connected_at"`
	LastPing      time.Time        `json:"last_ping,omitempty"`
	LastPong      time.Time        `json:"last_pong,omitempty"`
	Processor     *processor.Stats `json:"processor,omitempty"`
}

func (cs *connState) stats() ConnectionStats {
	cs.mu.Lock()
	out := ConnectionStats{
		ConnectionID:  cs.id,
		Authenticated: cs.authenticated,
		UserID:        cs.userID,
		ConnectedAt:   cs.connectedAt,
		LastPing:      cs.lastPing,
		LastPong:      cs.lastPong,
	}
	proc := cs.processor
	cs.mu.Unlock()

	if proc != nil {
		s := proc.GetStats()
		out.Processor = &s
	}
	return out
}
