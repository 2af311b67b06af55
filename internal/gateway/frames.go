package gateway

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/coder/websocket"
)

// Close codes used on the WebSocket itself.
const (
	// StatusPingTimeout closes a connection that missed the pong deadline.
	StatusPingTimeout websocket.StatusCode = 4000

	// StatusAuthFailure closes a connection after a failed authorize.
	StatusAuthFailure websocket.StatusCode = 4001
)

// Error-frame codes carried in the "code" field of error replies.
const (
	// CodeAuthFailure marks authentication errors.
	CodeAuthFailure = 4001

	// CodeInterrupted acknowledges a successful interrupt.
	CodeInterrupted = 4003

	// CodeNothingToInterrupt reports an interrupt with no active turn.
	CodeNothingToInterrupt = 4004
)

// clientFrame is the union of all inbound message shapes. Type selects which
// fields are meaningful.
type clientFrame struct {
	Type string `json:"type"`

	// authorize
	Token string `json:"token,omitempty"`

	// chat_message
	Content        string         `json:"content,omitempty"`
	AgentID        string         `json:"agent_id,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Images         []string       `json:"images,omitempty"`

	// interrupt_stream
	TurnID string `json:"turn_id,omitempty"`
}

// serverFrame is the shape of control replies (authorization results, pings,
// protocol errors). Turn events go out as agent.Event frames instead.
type serverFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id,omitempty"`
	TurnID       string `json:"turn_id,omitempty"`
	Error        string `json:"error,omitempty"`
	Code         int    `json:"code,omitempty"`
}

func errorFrame(msg string, code int) serverFrame {
	return serverFrame{Type: "error", Error: msg, Code: code}
}

// TokenValidator resolves an auth token to a user identity. Returning false
// rejects the authorization.
type TokenValidator func(token string) (userID string, ok bool)

// DefaultTokenValidator accepts any non-blank token and maps it to a
// synthetic stable user id.
func DefaultTokenValidator(token string) (string, bool) {
	if strings.TrimSpace(token) == "" {
		return "", false
	}
	h := fnv.New32a()
	h.Write([]byte(token))
	return fmt.Sprintf("user_%04d", h.Sum32()%10000), true
}
