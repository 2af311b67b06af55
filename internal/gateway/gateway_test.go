package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/yw0nam/DesktopMatePlus-sub000/pkg/agent"
	agentmock "github.com/yw0nam/DesktopMatePlus-sub000/pkg/agent/mock"
)

// dial spins up an httptest server around m and connects a client.
func dial(t *testing.T, m *Manager) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame %q: %v", data, err)
	}
	return frame
}

// readUntil reads frames until pred matches, failing after a few seconds.
func readUntil(t *testing.T, conn *websocket.Conn, pred func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		frame := readFrame(t, conn)
		if pred(frame) {
			return frame
		}
	}
	t.Fatal("readUntil: no matching frame before deadline")
	return nil
}

func authorize(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	writeFrame(t, conn, map[string]any{"type": "authorize", "token": "test-token"})
	frame := readFrame(t, conn)
	if frame["type"] != "authorize_success" {
		t.Fatalf("authorize reply = %v, want authorize_success", frame)
	}
	id, _ := frame["connection_id"].(string)
	if id == "" {
		t.Fatal("authorize_success missing connection_id")
	}
	return id
}

func TestAuthorizeSuccess(t *testing.T) {
	t.Parallel()

	m := NewManager()
	conn := dial(t, m)
	connID := authorize(t, conn)

	stats, ok := m.ConnectionStats(connID)
	if !ok {
		t.Fatal("connection not registered")
	}
	if !stats.Authenticated || stats.UserID == "" {
		t.Errorf("stats = %+v, want authenticated with user id", stats)
	}
}

func TestAuthorizeEmptyTokenRejected(t *testing.T) {
	t.Parallel()

	m := NewManager()
	conn := dial(t, m)

	writeFrame(t, conn, map[string]any{"type": "authorize", "token": "  "})
	frame := readFrame(t, conn)
	if frame["type"] != "authorize_error" {
		t.Fatalf("reply = %v, want authorize_error", frame)
	}

	// The socket is closed with the auth failure code.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != StatusAuthFailure {
		t.Fatalf("close status = %v (err %v), want 4001", websocket.CloseStatus(err), err)
	}
}

func TestUnauthenticatedChatRejected(t *testing.T) {
	t.Parallel()

	m := NewManager()
	conn := dial(t, m)

	writeFrame(t, conn, map[string]any{
		"type": "chat_message", "content": "hi", "agent_id": "a", "user_id": "u",
	})
	frame := readFrame(t, conn)
	if frame["type"] != "error" || !strings.Contains(frame["error"].(string), "Authentication required") {
		t.Fatalf("reply = %v, want authentication error", frame)
	}

	// Connection survives: authorize still works afterwards.
	authorize(t, conn)
}

func TestChatHappyPath(t *testing.T) {
	t.Parallel()

	svc := &agentmock.Service{Script: []agent.Event{
		{Type: agent.EventStreamStart},
		{Type: agent.EventStreamToken, Chunk: "Hello"},
		{Type: agent.EventStreamToken, Chunk: " world. How are"},
		{Type: agent.EventStreamToken, Chunk: " you?"},
		{Type: agent.EventStreamEnd},
	}}
	m := NewManager(WithAgentService(svc))
	conn := dial(t, m)
	authorize(t, conn)

	writeFrame(t, conn, map[string]any{
		"type": "chat_message", "content": "hi", "agent_id": "mate", "user_id": "u-1",
	})

	var types []string
	var chunks []string
	for {
		frame := readFrame(t, conn)
		typ, _ := frame["type"].(string)
		if typ == "ping" {
			continue
		}
		types = append(types, typ)
		if typ == "tts_ready_chunk" {
			chunks = append(chunks, frame["chunk"].(string))
		}
		if typ == "stream_end" || typ == "error" {
			break
		}
	}

	want := []string{"stream_start", "tts_ready_chunk", "tts_ready_chunk", "stream_end"}
	if len(types) != len(want) {
		t.Fatalf("frame types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("frame[%d] = %s, want %s", i, types[i], want[i])
		}
	}
	if len(chunks) != 2 || chunks[0] != "Hello world." || chunks[1] != "How are you?" {
		t.Errorf("chunks = %v", chunks)
	}

	if len(svc.StreamCalls) != 1 {
		t.Fatalf("agent Stream calls = %d, want 1", len(svc.StreamCalls))
	}
	req := svc.StreamCalls[0].Req
	if req.Content != "hi" || req.AgentID != "mate" || req.UserID != "u-1" {
		t.Errorf("agent request = %+v", req)
	}
}

func TestChatValidation(t *testing.T) {
	t.Parallel()

	m := NewManager()
	conn := dial(t, m)
	authorize(t, conn)

	tests := []struct {
		name    string
		frame   map[string]any
		wantSub string
	}{
		{
			name:    "missing content",
			frame:   map[string]any{"type": "chat_message", "agent_id": "a", "user_id": "u"},
			wantSub: "content",
		},
		{
			name:    "missing agent_id",
			frame:   map[string]any{"type": "chat_message", "content": "hi", "user_id": "u"},
			wantSub: "agent_id",
		},
		{
			name:    "missing user_id",
			frame:   map[string]any{"type": "chat_message", "content": "hi", "agent_id": "a"},
			wantSub: "user_id",
		},
	}
	for _, tt := range tests {
		writeFrame(t, conn, tt.frame)
		reply := readFrame(t, conn)
		if reply["type"] != "error" || !strings.Contains(reply["error"].(string), tt.wantSub) {
			t.Errorf("%s: reply = %v, want error mentioning %q", tt.name, reply, tt.wantSub)
		}
	}
}

func TestInterruptCodes(t *testing.T) {
	t.Parallel()

	// A feeding service keeps the turn open until the test interrupts it.
	svc := agentmock.NewFeeding(8)
	m := NewManager(WithAgentService(svc), WithInterruptWait(200*time.Millisecond))
	conn := dial(t, m)
	authorize(t, conn)

	// Nothing active yet: interrupt replies 4004.
	writeFrame(t, conn, map[string]any{"type": "interrupt_stream"})
	reply := readFrame(t, conn)
	if code, _ := reply["code"].(float64); int(code) != CodeNothingToInterrupt {
		t.Fatalf("reply = %v, want code 4004", reply)
	}

	writeFrame(t, conn, map[string]any{
		"type": "chat_message", "content": "hi", "agent_id": "a", "user_id": "u",
	})
	svc.Emit(agent.Event{Type: agent.EventStreamStart})
	svc.Emit(agent.Event{Type: agent.EventStreamToken, Chunk: "Thinking..."})
	defer svc.Close()

	readUntil(t, conn, func(f map[string]any) bool {
		return f["type"] == "stream_start"
	})

	writeFrame(t, conn, map[string]any{"type": "interrupt_stream"})

	// The 4003 acknowledgement and the synthetic stream_end may arrive in
	// either order.
	var sawAck bool
	var terminal map[string]any
	for sawAck == false || terminal == nil {
		frame := readFrame(t, conn)
		code, _ := frame["code"].(float64)
		switch {
		case frame["type"] == "error" && int(code) == CodeInterrupted:
			sawAck = true
		case frame["type"] == "stream_end":
			terminal = frame
		}
	}
	if terminal["status"] != "interrupted" {
		t.Errorf("terminal frame = %v, want status interrupted", terminal)
	}
}

func TestMalformedFrameTolerance(t *testing.T) {
	t.Parallel()

	m := NewManager(withErrorBackoff(time.Millisecond))
	conn := dial(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// First malformed frame: error reply, connection stays open.
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	frame := readFrame(t, conn)
	if frame["type"] != "error" {
		t.Fatalf("reply = %v, want error", frame)
	}

	// Unsupported type also replies with an error.
	writeFrame(t, conn, map[string]any{"type": "dance"})
	frame = readFrame(t, conn)
	if frame["type"] != "error" || !strings.Contains(frame["error"].(string), "Unsupported") {
		t.Fatalf("reply = %v, want unsupported-type error", frame)
	}

	// A valid frame resets the tolerance; the connection is still usable.
	authorize(t, conn)
}

func TestHeartbeatPingTimeout(t *testing.T) {
	t.Parallel()

	m := NewManager(
		WithPingInterval(50*time.Millisecond),
		WithPongTimeout(50*time.Millisecond),
	)
	conn := dial(t, m)

	// Expect a ping; never answer it.
	frame := readFrame(t, conn)
	if frame["type"] != "ping" {
		t.Fatalf("first frame = %v, want ping", frame)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != StatusPingTimeout {
		t.Fatalf("close status = %v (err %v), want 4000", websocket.CloseStatus(err), err)
	}
}

func TestHeartbeatPongKeepsConnectionAlive(t *testing.T) {
	t.Parallel()

	m := NewManager(
		WithPingInterval(40*time.Millisecond),
		WithPongTimeout(200*time.Millisecond),
	)
	conn := dial(t, m)

	// Answer three pings, then verify the connection still works.
	for i := 0; i < 3; i++ {
		frame := readFrame(t, conn)
		if frame["type"] != "ping" {
			t.Fatalf("frame = %v, want ping", frame)
		}
		writeFrame(t, conn, map[string]any{"type": "pong"})
	}
	authorize(t, conn)
}

func TestDefaultTokenValidator(t *testing.T) {
	t.Parallel()

	if _, ok := DefaultTokenValidator(""); ok {
		t.Error("empty token accepted")
	}
	if _, ok := DefaultTokenValidator("   "); ok {
		t.Error("blank token accepted")
	}

	a1, ok := DefaultTokenValidator("alpha")
	if !ok || !strings.HasPrefix(a1, "user_") {
		t.Fatalf("validator returned %q, %v", a1, ok)
	}
	a2, _ := DefaultTokenValidator("alpha")
	if a1 != a2 {
		t.Errorf("same token mapped to %q and %q", a1, a2)
	}
}

// withErrorBackoff shortens the malformed-frame pause in tests.
func withErrorBackoff(d time.Duration) Option {
	return func(m *Manager) { m.errorBackoff = d }
}
