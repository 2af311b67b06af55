package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yw0nam/DesktopMatePlus-sub000/internal/processor"
	"github.com/yw0nam/DesktopMatePlus-sub000/pkg/agent"
)

// dispatch routes one inbound frame to its handler. A non-nil return counts
// toward the connection's malformed-frame tolerance.
func (m *Manager) dispatch(ctx context.Context, cs *connState, data []byte) error {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		m.send(ctx, cs, errorFrame("Invalid JSON", 0))
		return fmt.Errorf("gateway: invalid json: %w", err)
	}

	switch frame.Type {
	case "":
		m.send(ctx, cs, errorFrame("Missing message type", 0))
		return fmt.Errorf("gateway: missing message type")

	case "authorize":
		return m.handleAuthorize(ctx, cs, frame)

	case "pong":
		cs.markPong(time.Now())
		return nil

	case "chat_message":
		return m.handleChat(ctx, cs, frame)

	case "interrupt_stream":
		return m.handleInterrupt(ctx, cs, frame)

	default:
		m.send(ctx, cs, errorFrame("Unsupported message type: "+frame.Type, 0))
		return fmt.Errorf("gateway: unsupported message type %q", frame.Type)
	}
}

// handleAuthorize validates the token, creates the connection's
// MessageProcessor, and replies authorize_success. A failed validation
// replies authorize_error and closes the socket with code 4001.
func (m *Manager) handleAuthorize(ctx context.Context, cs *connState, frame clientFrame) error {
	userID, ok := m.validate(frame.Token)
	if !ok {
		m.send(ctx, cs, serverFrame{Type: "authorize_error", Error: "Invalid token"})
		cs.sock.Close(StatusAuthFailure, "authentication failed")
		m.log.Warn("authorization failed", "connection_id", cs.id)
		return nil
	}

	proc := processor.New(cs.id, userID,
		processor.WithQueueSize(m.queueSize),
		processor.WithInterruptWait(m.interruptWait),
		processor.WithLogger(m.log),
		processor.WithMetrics(m.metrics),
		processor.WithRecorder(m.recorder),
		processor.WithChunkerOptions(m.chunkerOpts...),
		processor.WithCleanerOptions(m.cleanerOpts...),
	)
	if !cs.authorize(userID, proc) {
		m.send(ctx, cs, errorFrame("Already authenticated", 0))
		return nil
	}

	m.log.Info("connection authorized", "connection_id", cs.id, "user_id", userID)
	return m.send(ctx, cs, serverFrame{Type: "authorize_success", ConnectionID: cs.id})
}

// handleChat validates the frame, starts a turn with the injected agent
// stream, and spawns the forwarder pumping events back to the socket.
func (m *Manager) handleChat(ctx context.Context, cs *connState, frame clientFrame) error {
	if !cs.isAuthenticated() {
		m.send(ctx, cs, errorFrame("Authentication required", CodeAuthFailure))
		return nil
	}
	if strings.TrimSpace(frame.Content) == "" {
		m.send(ctx, cs, errorFrame("content is required", 0))
		return nil
	}
	if frame.AgentID == "" || frame.UserID == "" {
		m.send(ctx, cs, errorFrame("agent_id and user_id are required", 0))
		return nil
	}

	conversationID := frame.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	// The stream context outlives this handler; the forwarder cancels it
	// when the turn's events are fully delivered so the agent backend stops
	// generating.
	sctx, scancel := context.WithCancel(ctx)

	var stream <-chan agent.Event
	if m.agentSvc != nil {
		st, err := m.agentSvc.Stream(sctx, agent.Request{
			ConversationID: conversationID,
			UserID:         frame.UserID,
			AgentID:        frame.AgentID,
			Content:        frame.Content,
			Images:         frame.Images,
			Metadata:       frame.Metadata,
		})
		if err != nil {
			scancel()
			m.send(ctx, cs, errorFrame("Failed to start agent stream: "+err.Error(), 0))
			return nil
		}
		stream = st
	} else {
		stream = processor.DefaultStream()
	}

	turnID, err := cs.proc().StartTurn(conversationID, frame.Content, stream, frame.Metadata)
	if err != nil {
		scancel()
		m.send(ctx, cs, errorFrame(err.Error(), 0))
		return nil
	}

	go func() {
		defer scancel()
		m.forwardTurnEvents(ctx, cs, turnID)
	}()
	return nil
}

// forwardTurnEvents pumps the turn's client-visible events to the socket. A
// write failure aborts forwarding; the turn still cleans up in the processor.
func (m *Manager) forwardTurnEvents(ctx context.Context, cs *connState, turnID string) {
	events, err := cs.proc().StreamEvents(turnID)
	if err != nil {
		m.log.Warn("cannot stream turn events",
			"connection_id", cs.id, "turn_id", turnID, "error", err)
		return
	}
	for ev := range events {
		if err := m.send(ctx, cs, ev); err != nil {
			m.log.Warn("turn event forwarding aborted",
				"connection_id", cs.id, "turn_id", turnID, "error", err)
			return
		}
	}
}

// handleInterrupt cancels one turn (or all active turns when no turn_id is
// given) and acknowledges with code 4003, or 4004 when nothing was active.
func (m *Manager) handleInterrupt(ctx context.Context, cs *connState, frame clientFrame) error {
	if !cs.isAuthenticated() {
		m.send(ctx, cs, errorFrame("Authentication required", CodeAuthFailure))
		return nil
	}

	proc := cs.proc()
	interrupted := false
	if frame.TurnID != "" {
		interrupted = proc.InterruptTurn(frame.TurnID, "client interrupt")
	} else {
		interrupted = proc.InterruptAll("client interrupt") > 0
	}

	if interrupted {
		return m.send(ctx, cs, serverFrame{
			Type:   "error",
			TurnID: frame.TurnID,
			Error:  "Stream interrupted",
			Code:   CodeInterrupted,
		})
	}
	return m.send(ctx, cs, errorFrame("No active stream to interrupt", CodeNothingToInterrupt))
}
