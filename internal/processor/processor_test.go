package processor

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/yw0nam/DesktopMatePlus-sub000/pkg/agent"
	historymock "github.com/yw0nam/DesktopMatePlus-sub000/pkg/history/mock"
)

// scripted builds a closed agent stream replaying the given events.
func scripted(events ...agent.Event) <-chan agent.Event {
	ch := make(chan agent.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

// collect drains an event channel until it closes, failing the test on
// timeout.
func collect(t *testing.T, ch <-chan agent.Event) []agent.Event {
	t.Helper()
	var out []agent.Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out collecting events, got %d so far", len(out))
		}
	}
}

// waitStatus polls until the turn reaches want or the timeout expires.
func waitStatus(t *testing.T, p *MessageProcessor, turnID string, want Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if info, ok := p.GetTurn(turnID); ok && info.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	info, _ := p.GetTurn(turnID)
	t.Fatalf("turn %s status = %s, want %s", turnID, info.Status, want)
}

func TestHappyPathTwoSentences(t *testing.T) {
	t.Parallel()

	p := New("conn-1", "user-1")
	stream := scripted(
		agent.Event{Type: agent.EventStreamStart},
		agent.Event{Type: agent.EventStreamToken, Chunk: "Hello"},
		agent.Event{Type: agent.EventStreamToken, Chunk: " world. How are"},
		agent.Event{Type: agent.EventStreamToken, Chunk: " you?"},
		agent.Event{Type: agent.EventStreamEnd},
	)

	turnID, err := p.StartTurn("conv-1", "hi", stream, nil)
	if err != nil {
		t.Fatalf("StartTurn() error: %v", err)
	}

	out, err := p.StreamEvents(turnID)
	if err != nil {
		t.Fatalf("StreamEvents() error: %v", err)
	}
	events := collect(t, out)

	wantTypes := []agent.EventType{
		agent.EventStreamStart,
		agent.EventTTSChunk,
		agent.EventTTSChunk,
		agent.EventStreamEnd,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("got %d events %+v, want %d", len(events), events, len(wantTypes))
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("event[%d].Type = %s, want %s", i, events[i].Type, want)
		}
	}
	if events[1].Chunk != "Hello world." {
		t.Errorf("first chunk = %q, want %q", events[1].Chunk, "Hello world.")
	}
	if events[2].Chunk != "How are you?" {
		t.Errorf("second chunk = %q, want %q", events[2].Chunk, "How are you?")
	}
	for i, ev := range events {
		if ev.TurnID != turnID || ev.ConnectionID != "conn-1" || ev.UserID != "user-1" {
			t.Errorf("event[%d] missing identifiers: %+v", i, ev)
		}
	}

	waitStatus(t, p, turnID, StatusCompleted)
}

func TestFlushOfResidual(t *testing.T) {
	t.Parallel()

	p := New("conn-1", "user-1")
	stream := scripted(
		agent.Event{Type: agent.EventStreamStart},
		agent.Event{Type: agent.EventStreamToken, Chunk: "No terminator here"},
		agent.Event{Type: agent.EventStreamEnd},
	)

	turnID, err := p.StartTurn("conv-1", "hi", stream, nil)
	if err != nil {
		t.Fatal(err)
	}
	out, err := p.StreamEvents(turnID)
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, out)

	if len(events) != 3 {
		t.Fatalf("got %d events %+v, want 3", len(events), events)
	}
	if events[1].Type != agent.EventTTSChunk || events[1].Chunk != "No terminator here" {
		t.Errorf("middle event = %+v, want flushed residual chunk", events[1])
	}
	if events[2].Type != agent.EventStreamEnd {
		t.Errorf("last event = %s, want stream_end", events[2].Type)
	}
}

func TestErrorMidStreamWithBufferedSentence(t *testing.T) {
	t.Parallel()

	p := New("conn-1", "user-1")
	stream := scripted(
		agent.Event{Type: agent.EventStreamStart},
		agent.Event{Type: agent.EventStreamToken, Chunk: "Partial"},
		agent.Event{Type: agent.EventError, Error: "boom"},
	)

	turnID, err := p.StartTurn("conv-1", "hi", stream, nil)
	if err != nil {
		t.Fatal(err)
	}
	out, err := p.StreamEvents(turnID)
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, out)

	if len(events) != 3 {
		t.Fatalf("got %d events %+v, want 3", len(events), events)
	}
	if events[1].Type != agent.EventTTSChunk || events[1].Chunk != "Partial" {
		t.Errorf("buffered sentence not flushed before error: %+v", events[1])
	}
	if events[2].Type != agent.EventError || events[2].Error != "boom" {
		t.Errorf("terminal event = %+v, want error{boom}", events[2])
	}

	waitStatus(t, p, turnID, StatusFailed)
	info, _ := p.GetTurn(turnID)
	if info.ErrorMessage != "boom" {
		t.Errorf("ErrorMessage = %q, want %q", info.ErrorMessage, "boom")
	}
}

func TestToolEventsSuppressedAndLogged(t *testing.T) {
	t.Parallel()

	h := newRecordingHandler()
	p := New("conn-1", "user-1", WithLogger(slog.New(h)))
	stream := scripted(
		agent.Event{Type: agent.EventStreamStart},
		agent.Event{Type: agent.EventStreamToken, Chunk: "Let me search. "},
		agent.Event{Type: agent.EventToolCall, ToolName: "web_search", Args: `{"q":"x"}`},
		agent.Event{Type: agent.EventToolResult, ToolName: "web_search", Result: "Found 5 articles", Node: "search"},
		agent.Event{Type: agent.EventStreamToken, Chunk: "Done."},
		agent.Event{Type: agent.EventStreamEnd},
	)

	turnID, err := p.StartTurn("conv-1", "hi", stream, nil)
	if err != nil {
		t.Fatal(err)
	}
	out, err := p.StreamEvents(turnID)
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, out)

	for _, ev := range events {
		if ev.Type == agent.EventToolCall || ev.Type == agent.EventToolResult {
			t.Fatalf("tool event leaked to client: %+v", ev)
		}
	}
	var chunks []string
	for _, ev := range events {
		if ev.Type == agent.EventTTSChunk {
			chunks = append(chunks, ev.Chunk)
		}
	}
	if len(chunks) != 2 || chunks[0] != "Let me search." || chunks[1] != "Done." {
		t.Errorf("chunks = %v, want [Let me search. | Done.]", chunks)
	}

	started := h.find("status", "started")
	if started == nil {
		t.Fatal("no log record with status=started")
	}
	if started["tool_name"] != "web_search" || started["turn_id"] != turnID {
		t.Errorf("started record fields: %+v", started)
	}
	finished := h.find("status", "success")
	if finished == nil {
		t.Fatal("no log record with status=success")
	}
	if d, ok := finished["duration_ms"].(int64); !ok || d < 0 {
		t.Errorf("duration_ms = %v, want int64 >= 0", finished["duration_ms"])
	}
	if finished["node"] != "search" {
		t.Errorf("node = %v, want search", finished["node"])
	}
}

func TestToolStatusClassifier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		result string
		want   string
	}{
		{"all good", "success"},
		{"Error: no results", "error"},
		{"request FAILED upstream", "error"},
		{"caught exception", "error"},
	}
	for _, tt := range tests {
		if got := DefaultToolStatusClassifier(tt.result); got != tt.want {
			t.Errorf("classify(%q) = %q, want %q", tt.result, got, tt.want)
		}
	}
}

func TestInterruptDeliversSingleTerminalEvent(t *testing.T) {
	t.Parallel()

	p := New("conn-1", "user-1", WithInterruptWait(200*time.Millisecond))

	stream := make(chan agent.Event)
	go func() {
		stream <- agent.Event{Type: agent.EventStreamStart}
		stream <- agent.Event{Type: agent.EventStreamToken, Chunk: "Thinking..."}
		// Keep the stream open; interrupt must not depend on it ending.
	}()

	turnID, err := p.StartTurn("conv-1", "hi", stream, nil)
	if err != nil {
		t.Fatal(err)
	}
	out, err := p.StreamEvents(turnID)
	if err != nil {
		t.Fatal(err)
	}

	// Wait for stream_start so the turn is visibly processing.
	select {
	case ev := <-out:
		if ev.Type != agent.EventStreamStart {
			t.Fatalf("first event = %s, want stream_start", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream_start")
	}

	if !p.InterruptTurn(turnID, "user requested") {
		t.Fatal("InterruptTurn() = false, want true")
	}

	events := collect(t, out)
	terminals := 0
	terminalIdx := -1
	for i, ev := range events {
		if ev.Type == agent.EventStreamEnd {
			terminals++
			terminalIdx = i
			if ev.Status != "interrupted" || ev.Reason != "user requested" {
				t.Errorf("terminal event = %+v, want status=interrupted", ev)
			}
		}
	}
	if terminals != 1 {
		t.Fatalf("got %d terminal events, want exactly 1: %+v", terminals, events)
	}
	for i, ev := range events {
		if ev.Type == agent.EventTTSChunk && i > terminalIdx {
			t.Errorf("tts chunk after terminal event: %+v", ev)
		}
	}

	info, _ := p.GetTurn(turnID)
	if info.Status != StatusInterrupted {
		t.Errorf("status = %s, want interrupted", info.Status)
	}
	if got := p.GetStats().Interrupted; got != 1 {
		t.Errorf("interrupted counter = %d, want 1", got)
	}

	// Idempotent: interrupting a terminal turn is a no-op.
	if p.InterruptTurn(turnID, "again") {
		t.Error("second InterruptTurn() = true, want false")
	}
	if got := p.GetStats().Interrupted; got != 1 {
		t.Errorf("interrupted counter after second call = %d, want 1", got)
	}
}

func TestSingleActiveTurn(t *testing.T) {
	t.Parallel()

	p := New("conn-1", "user-1", WithInterruptWait(100*time.Millisecond))

	stream := make(chan agent.Event)
	turnID, err := p.StartTurn("conv-1", "first", stream, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.StartTurn("conv-1", "second", nil, nil); err == nil {
		t.Fatal("second StartTurn succeeded while first is active")
	}

	p.InterruptTurn(turnID, "test over")
	close(stream)

	// After the first turn settles, a new one is accepted.
	if _, err := p.StartTurn("conv-1", "third", DefaultStream(), nil); err != nil {
		t.Fatalf("StartTurn after terminal turn: %v", err)
	}
}

func TestStartTurnAfterShutdownRefused(t *testing.T) {
	t.Parallel()

	p := New("conn-1", "user-1")
	p.Shutdown()
	if _, err := p.StartTurn("conv-1", "hi", nil, nil); err == nil {
		t.Fatal("StartTurn succeeded after Shutdown")
	}
}

func TestShutdownInterruptsActiveTurns(t *testing.T) {
	t.Parallel()

	p := New("conn-1", "user-1", WithInterruptWait(100*time.Millisecond))
	stream := make(chan agent.Event)
	defer close(stream)

	turnID, err := p.StartTurn("conv-1", "hi", stream, nil)
	if err != nil {
		t.Fatal(err)
	}

	p.Shutdown()
	waitStatus(t, p, turnID, StatusInterrupted)

	if n := len(p.ActiveTurns()); n != 0 {
		t.Errorf("ActiveTurns() = %d, want 0", n)
	}
}

func TestDefaultStream(t *testing.T) {
	t.Parallel()

	p := New("conn-1", "user-1")
	turnID, err := p.StartTurn("conv-1", "hi", DefaultStream(), nil)
	if err != nil {
		t.Fatal(err)
	}
	out, err := p.StreamEvents(turnID)
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, out)
	if len(events) != 2 ||
		events[0].Type != agent.EventStreamStart ||
		events[1].Type != agent.EventStreamEnd {
		t.Fatalf("events = %+v, want [stream_start stream_end]", events)
	}
}

func TestStreamExhaustedWithoutTerminalCompletes(t *testing.T) {
	t.Parallel()

	p := New("conn-1", "user-1")
	stream := scripted(
		agent.Event{Type: agent.EventStreamStart},
		agent.Event{Type: agent.EventStreamToken, Chunk: "Dangling."},
	)

	turnID, err := p.StartTurn("conv-1", "hi", stream, nil)
	if err != nil {
		t.Fatal(err)
	}
	out, err := p.StreamEvents(turnID)
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, out)
	if events[len(events)-1].Type != agent.EventStreamEnd {
		t.Fatalf("last event = %+v, want stream_end", events[len(events)-1])
	}
	waitStatus(t, p, turnID, StatusCompleted)
}

func TestCleanupIdempotentAndReleasesQueues(t *testing.T) {
	t.Parallel()

	p := New("conn-1", "user-1")
	turnID, err := p.StartTurn("conv-1", "hi", DefaultStream(), nil)
	if err != nil {
		t.Fatal(err)
	}
	out, _ := p.StreamEvents(turnID)
	collect(t, out)

	// Forwarder already cleaned up on terminal; these must be no-ops.
	p.Cleanup(turnID)
	p.Cleanup(turnID)

	tn := p.turn(turnID)
	if tn == nil {
		t.Fatal("turn evicted before prune")
	}
	if tn.eventsChan() != nil || tn.tokensChan() != nil {
		t.Error("queues not released after cleanup")
	}
	if n := p.tasks.count(turnID); n != 0 {
		t.Errorf("leaked tasks: %d", n)
	}
}

func TestCleanupCompletedTurnsPrunes(t *testing.T) {
	t.Parallel()

	p := New("conn-1", "user-1")
	turnID, err := p.StartTurn("conv-1", "hi", DefaultStream(), nil)
	if err != nil {
		t.Fatal(err)
	}
	out, _ := p.StreamEvents(turnID)
	collect(t, out)
	waitStatus(t, p, turnID, StatusCompleted)

	if n := p.CleanupCompletedTurns(time.Hour); n != 0 {
		t.Errorf("pruned %d fresh turns, want 0", n)
	}
	if n := p.CleanupCompletedTurns(0); n != 1 {
		t.Errorf("pruned %d turns, want 1", n)
	}
	if _, ok := p.GetTurn(turnID); ok {
		t.Error("turn still present after prune")
	}
}

func TestCompletedTurnRecorded(t *testing.T) {
	t.Parallel()

	rec := &historymock.Recorder{}
	p := New("conn-1", "user-1", WithRecorder(rec))
	stream := scripted(
		agent.Event{Type: agent.EventStreamStart},
		agent.Event{Type: agent.EventStreamToken, Chunk: "Saved sentence."},
		agent.Event{Type: agent.EventStreamEnd},
	)

	turnID, err := p.StartTurn("conv-9", "remember this", stream, nil)
	if err != nil {
		t.Fatal(err)
	}
	out, _ := p.StreamEvents(turnID)
	collect(t, out)

	deadline := time.Now().Add(2 * time.Second)
	for rec.SavedCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.SavedCount() != 1 {
		t.Fatalf("SavedCount() = %d, want 1", rec.SavedCount())
	}
	saved := rec.Saved[0]
	if saved.TurnID != turnID || saved.ConversationID != "conv-9" ||
		saved.UserMessage != "remember this" || saved.Status != string(StatusCompleted) {
		t.Errorf("saved record = %+v", saved)
	}
	if saved.Response != "Saved sentence." {
		t.Errorf("saved response = %q, want %q", saved.Response, "Saved sentence.")
	}
}

func TestAttachAgentStreamLate(t *testing.T) {
	t.Parallel()

	p := New("conn-1", "user-1")
	turnID, err := p.StartTurn("conv-1", "hi", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	stream := scripted(
		agent.Event{Type: agent.EventStreamStart},
		agent.Event{Type: agent.EventStreamToken, Chunk: "Late arrival."},
		agent.Event{Type: agent.EventStreamEnd},
	)
	if err := p.AttachAgentStream(turnID, stream); err != nil {
		t.Fatalf("AttachAgentStream() error: %v", err)
	}
	if err := p.AttachAgentStream(turnID, scripted()); err == nil {
		t.Error("second AttachAgentStream succeeded, want error")
	}

	out, _ := p.StreamEvents(turnID)
	events := collect(t, out)
	if len(events) != 3 || events[1].Chunk != "Late arrival." {
		t.Fatalf("events = %+v", events)
	}
}

func TestUnknownEventTypeDropped(t *testing.T) {
	t.Parallel()

	p := New("conn-1", "user-1")
	stream := scripted(
		agent.Event{Type: agent.EventStreamStart},
		agent.Event{Type: agent.EventType("telemetry")},
		agent.Event{Type: agent.EventStreamEnd},
	)
	turnID, err := p.StartTurn("conv-1", "hi", stream, nil)
	if err != nil {
		t.Fatal(err)
	}
	out, _ := p.StreamEvents(turnID)
	events := collect(t, out)
	if len(events) != 2 {
		t.Fatalf("events = %+v, want only start and end", events)
	}
}

// ─── recording slog handler ──────────────────────────────────────────────────

type recordingHandler struct {
	preAttrs []slog.Attr
	records  *[]map[string]any
	lock     *sync.Mutex
}

func newRecordingHandler() *recordingHandler {
	var records []map[string]any
	var lock sync.Mutex
	return &recordingHandler{records: &records, lock: &lock}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	fields := map[string]any{"msg": r.Message, "level": r.Level}
	for _, a := range h.preAttrs {
		fields[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		fields[a.Key] = a.Value.Any()
		return true
	})
	h.lock.Lock()
	*h.records = append(*h.records, fields)
	h.lock.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.preAttrs = append(append([]slog.Attr{}, h.preAttrs...), attrs...)
	return &clone
}

func (h *recordingHandler) WithGroup(string) slog.Handler { return h }

// find returns the first record whose key equals value.
func (h *recordingHandler) find(key string, value any) map[string]any {
	h.lock.Lock()
	defer h.lock.Unlock()
	for _, rec := range *h.records {
		if rec[key] == value {
			return rec
		}
	}
	return nil
}
