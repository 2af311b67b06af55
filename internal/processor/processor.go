package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yw0nam/DesktopMatePlus-sub000/internal/observe"
	"github.com/yw0nam/DesktopMatePlus-sub000/internal/textproc"
	"github.com/yw0nam/DesktopMatePlus-sub000/pkg/agent"
	"github.com/yw0nam/DesktopMatePlus-sub000/pkg/history"
)

const (
	// DefaultQueueSize bounds the per-turn event and token queues.
	DefaultQueueSize = 100

	// DefaultInterruptWait bounds how long an interrupt waits for consumer
	// flush and terminal-event delivery.
	DefaultInterruptWait = time.Second
)

// Option configures a [MessageProcessor].
type Option func(*MessageProcessor)

// WithQueueSize sets the capacity of the per-turn queues. Default: 100.
func WithQueueSize(n int) Option {
	return func(p *MessageProcessor) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithInterruptWait bounds interrupt-side waits. Default: 1s.
func WithInterruptWait(d time.Duration) Option {
	return func(p *MessageProcessor) {
		if d > 0 {
			p.interruptWait = d
		}
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(p *MessageProcessor) { p.log = log }
}

// WithMetrics attaches the gateway metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *MessageProcessor) { p.metrics = m }
}

// WithRecorder attaches a chat-history recorder; completed turns are saved
// best-effort.
func WithRecorder(r history.Recorder) Option {
	return func(p *MessageProcessor) { p.recorder = r }
}

// WithChunkerOptions configures the per-turn sentence chunkers.
func WithChunkerOptions(opts ...textproc.ChunkerOption) Option {
	return func(p *MessageProcessor) { p.chunkerOpts = opts }
}

// WithCleanerOptions configures the per-turn TTS cleaners.
func WithCleanerOptions(opts ...textproc.CleanerOption) Option {
	return func(p *MessageProcessor) { p.cleanerOpts = opts }
}

// WithToolStatusClassifier overrides how tool results are classified for
// logging.
func WithToolStatusClassifier(fn ToolStatusClassifier) Option {
	return func(p *MessageProcessor) {
		if fn != nil {
			p.classifyTool = fn
		}
	}
}

// MessageProcessor orchestrates the turns of one client connection. At most
// one turn is non-terminal at any instant; starting a second turn while one
// is active fails.
type MessageProcessor struct {
	connectionID string
	userID       string

	queueSize     int
	interruptWait time.Duration
	log           *slog.Logger
	metrics       *observe.Metrics
	recorder      history.Recorder
	chunkerOpts   []textproc.ChunkerOption
	cleanerOpts   []textproc.CleanerOption
	classifyTool  ToolStatusClassifier

	tasks *taskManager

	mu            sync.Mutex
	turns         map[string]*Turn
	currentTurnID string
	cleaned       map[string]struct{}
	shutdown      bool
	stats         counters
}

type counters struct {
	Started     int
	Completed   int
	Failed      int
	Interrupted int
}

// New creates a MessageProcessor for one authenticated connection.
func New(connectionID, userID string, opts ...Option) *MessageProcessor {
	p := &MessageProcessor{
		connectionID:  connectionID,
		userID:        userID,
		queueSize:     DefaultQueueSize,
		interruptWait: DefaultInterruptWait,
		log:           slog.Default(),
		classifyTool:  DefaultToolStatusClassifier,
		turns:         map[string]*Turn{},
		cleaned:       map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("connection_id", connectionID)
	p.tasks = newTaskManager(p.log)
	return p
}

// ─── Turn lifecycle ──────────────────────────────────────────────────────────

// StartTurn creates a new turn and spawns its consumer, plus a producer when
// stream is non-nil. Pass nil to attach the agent source later via
// [MessageProcessor.AttachAgentStream], or [DefaultStream] for the synthetic
// empty exchange. Fails while another turn is active or after shutdown.
func (p *MessageProcessor) StartTurn(conversationID, userInput string, stream <-chan agent.Event, metadata map[string]any) (string, error) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return "", fmt.Errorf("processor: shutting down, no new turns accepted")
	}
	if p.currentTurnID != "" {
		if cur := p.turns[p.currentTurnID]; cur != nil && !cur.Status().Terminal() {
			id := p.currentTurnID
			p.mu.Unlock()
			return "", fmt.Errorf("processor: turn %s still active", id)
		}
	}

	t := newTurn(
		uuid.NewString(),
		conversationID,
		userInput,
		metadata,
		p.queueSize,
		textproc.NewChunker(p.chunkerOpts...),
		textproc.NewCleaner(p.cleanerOpts...),
	)
	p.turns[t.ID] = t
	p.currentTurnID = t.ID
	p.stats.Started++
	p.mu.Unlock()

	p.metrics.TurnStarted()
	p.log.Info("turn started", "turn_id", t.ID, "conversation_id", conversationID)

	p.ensureTokenConsumer(t)
	if stream != nil {
		p.attachProducer(t, stream)
	}
	return t.ID, nil
}

// AttachAgentStream late-binds an agent source to an existing turn that was
// started without one.
func (p *MessageProcessor) AttachAgentStream(turnID string, stream <-chan agent.Event) error {
	t := p.turn(turnID)
	if t == nil {
		return fmt.Errorf("processor: unknown turn %s", turnID)
	}
	if t.Status().Terminal() {
		return fmt.Errorf("processor: turn %s already terminal", turnID)
	}

	t.mu.Lock()
	if t.producerStarted {
		t.mu.Unlock()
		return fmt.Errorf("processor: turn %s already has an agent stream", turnID)
	}
	t.mu.Unlock()

	p.attachProducer(t, stream)
	return nil
}

func (p *MessageProcessor) attachProducer(t *Turn, stream <-chan agent.Event) {
	t.mu.Lock()
	t.producerStarted = true
	t.mu.Unlock()
	p.tasks.spawn(t.ID, "producer", t.ctx, func(ctx context.Context, _ *task) {
		p.runProducer(ctx, t, stream)
	})
}

// ensureTokenConsumer idempotently spawns the token consumer for t.
func (p *MessageProcessor) ensureTokenConsumer(t *Turn) {
	t.mu.Lock()
	if t.consumerStarted {
		t.mu.Unlock()
		return
	}
	t.consumerStarted = true
	t.mu.Unlock()
	p.tasks.spawn(t.ID, "consumer", t.ctx, func(ctx context.Context, _ *task) {
		p.runConsumer(ctx, t)
	})
}

// DefaultStream returns the synthetic agent stream used when no real agent is
// attached: stream_start immediately followed by stream_end.
func DefaultStream() <-chan agent.Event {
	ch := make(chan agent.Event, 2)
	ch <- agent.Event{Type: agent.EventStreamStart}
	ch <- agent.Event{Type: agent.EventStreamEnd}
	close(ch)
	return ch
}

// ─── Interrupt ───────────────────────────────────────────────────────────────

// InterruptTurn cancels a non-terminal turn: it trips the token latch, lets
// the consumer finish its in-flight sentence, cancels the producer, drains
// both queues, and delivers exactly one synthetic stream_end with
// status "interrupted". Returns false without side effects when the turn is
// unknown or already terminal.
func (p *MessageProcessor) InterruptTurn(turnID, reason string) bool {
	t := p.turn(turnID)
	if t == nil {
		return false
	}
	if !t.setStatus(StatusInterrupted) {
		return false
	}
	p.log.Info("turn interrupted", "turn_id", t.ID, "reason", reason)
	p.settle(t, StatusInterrupted)

	t.closeTokens()

	// Let the consumer flush its partial sentence rather than cancelling it.
	select {
	case <-t.consumerDone:
	case <-time.After(p.interruptWait):
		p.log.Warn("consumer did not finish before interrupt timeout", "turn_id", t.ID)
	}

	p.drainQueue(t.tokensChan())

	// Cancel the producer; the forwarder stays alive to deliver the
	// synthetic terminal event.
	p.tasks.cancelTurnTasks(t.ID, p.interruptWait, func(tk *task) bool {
		return tk.name == "forwarder"
	})

	p.drainQueue(t.eventsChan())

	ev := agent.Event{
		Type:   agent.EventStreamEnd,
		Reason: reason,
		Status: "interrupted",
	}
	p.normalize(t, &ev)
	p.putEvent(t, ev)

	p.awaitDelivery(t)
	p.cleanup(t.ID, nil)
	return true
}

// InterruptAll interrupts every non-terminal turn and returns how many were
// interrupted.
func (p *MessageProcessor) InterruptAll(reason string) int {
	p.mu.Lock()
	var active []string
	for id, t := range p.turns {
		if !t.Status().Terminal() {
			active = append(active, id)
		}
	}
	p.mu.Unlock()

	n := 0
	for _, id := range active {
		if p.InterruptTurn(id, reason) {
			n++
		}
	}
	return n
}

// awaitDelivery waits, bounded by interruptWait, for the forwarder to take
// the synthetic terminal event off the queue.
func (p *MessageProcessor) awaitDelivery(t *Turn) {
	deadline := time.Now().Add(p.interruptWait)
	for {
		events := t.eventsChan()
		if events == nil || len(events) == 0 {
			return
		}
		if time.Now().After(deadline) {
			p.log.Warn("terminal event not delivered before interrupt timeout", "turn_id", t.ID)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ─── Event streaming ─────────────────────────────────────────────────────────

// StreamEvents returns a channel of client-visible events for the turn
// (current turn when turnID is empty). The internal forwarder pumps the event
// queue until it observes stream_end or error, then runs cleanup and closes
// the channel.
func (p *MessageProcessor) StreamEvents(turnID string) (<-chan agent.Event, error) {
	t := p.turn(turnID)
	if t == nil {
		return nil, fmt.Errorf("processor: no turn to stream")
	}

	out := make(chan agent.Event, p.queueSize)
	p.tasks.spawn(t.ID, "forwarder", t.ctx, func(ctx context.Context, self *task) {
		defer close(out)
		for {
			events := t.eventsChan()
			if events == nil {
				return
			}

			var ev agent.Event
			select {
			case ev = <-events:
			case <-ctx.Done():
				return
			}

			// out is buffered to queue size, so this only blocks when the
			// caller has fallen far behind.
			select {
			case out <- ev:
			default:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}

			if ev.Type == agent.EventStreamEnd || ev.Type == agent.EventError {
				p.cleanup(t.ID, self)
				return
			}
		}
	})
	return out, nil
}

// ─── Cleanup ─────────────────────────────────────────────────────────────────

// Cleanup tears down a turn's resources. Idempotent: the first caller wins,
// later calls are no-ops.
func (p *MessageProcessor) Cleanup(turnID string) {
	p.cleanup(turnID, nil)
}

func (p *MessageProcessor) cleanup(turnID string, self *task) {
	p.mu.Lock()
	if _, done := p.cleaned[turnID]; done {
		p.mu.Unlock()
		return
	}
	p.cleaned[turnID] = struct{}{}
	t := p.turns[turnID]
	p.mu.Unlock()
	if t == nil {
		return
	}

	t.closeTokens()
	p.tasks.cancelTurnTasks(turnID, p.interruptWait, func(tk *task) bool {
		return self != nil && tk.id == self.id
	})
	t.cancel()

	p.drainQueue(t.tokensChan())
	p.drainQueue(t.eventsChan())
	t.releaseQueues()

	p.mu.Lock()
	if p.currentTurnID == turnID {
		p.currentTurnID = ""
	}
	p.mu.Unlock()

	p.log.Debug("turn cleaned up", "turn_id", turnID)
}

// drainQueue removes everything currently buffered and returns the count.
func (p *MessageProcessor) drainQueue(ch chan agent.Event) int {
	if ch == nil {
		return 0
	}
	n := 0
	for {
		select {
		case <-ch:
			n++
		default:
			return n
		}
	}
}

// CleanupCompletedTurns evicts terminal turns whose last update is older than
// maxAge and returns how many were removed.
func (p *MessageProcessor) CleanupCompletedTurns(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	p.mu.Lock()
	var evict []string
	for id, t := range p.turns {
		if t.Status().Terminal() && t.updatedAtLocked().Before(cutoff) {
			evict = append(evict, id)
		}
	}
	for _, id := range evict {
		delete(p.turns, id)
		delete(p.cleaned, id)
	}
	p.mu.Unlock()

	if len(evict) > 0 {
		p.log.Debug("pruned completed turns", "count", len(evict))
	}
	return len(evict)
}

// Shutdown sets the shutdown latch (refusing any further StartTurn) and
// interrupts all active turns. Safe to call more than once.
func (p *MessageProcessor) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	p.mu.Unlock()

	n := p.InterruptAll("shutdown")
	p.log.Info("processor shut down", "interrupted_turns", n)
}

// ─── Introspection ───────────────────────────────────────────────────────────

// turn resolves a turn by id; an empty id means the current turn.
func (p *MessageProcessor) turn(turnID string) *Turn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if turnID == "" {
		turnID = p.currentTurnID
	}
	return p.turns[turnID]
}

// GetTurn returns a snapshot of the turn, or false when unknown.
func (p *MessageProcessor) GetTurn(turnID string) (TurnInfo, bool) {
	t := p.turn(turnID)
	if t == nil {
		return TurnInfo{}, false
	}
	return t.Info(), true
}

// ActiveTurns lists the ids of all non-terminal turns.
func (p *MessageProcessor) ActiveTurns() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var active []string
	for id, t := range p.turns {
		if !t.Status().Terminal() {
			active = append(active, id)
		}
	}
	return active
}

// Stats is a point-in-time summary of this processor.
type Stats struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	ActiveTurns  int    `json:"active_turns"`
	TotalTurns   int    `json:"total_turns"`
	Started      int    `json:"turns_started"`
	Completed    int    `json:"turns_completed"`
	Failed       int    `json:"turns_failed"`
	Interrupted  int    `json:"turns_interrupted"`
	ShuttingDown bool   `json:"shutting_down"`
}

// GetStats snapshots the processor's counters.
func (p *MessageProcessor) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	active := 0
	for _, t := range p.turns {
		if !t.Status().Terminal() {
			active++
		}
	}
	return Stats{
		ConnectionID: p.connectionID,
		UserID:       p.userID,
		ActiveTurns:  active,
		TotalTurns:   len(p.turns),
		Started:      p.stats.Started,
		Completed:    p.stats.Completed,
		Failed:       p.stats.Failed,
		Interrupted:  p.stats.Interrupted,
		ShuttingDown: p.shutdown,
	}
}

// recordTurn persists a completed turn best-effort.
func (p *MessageProcessor) recordTurn(info TurnInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.recorder.SaveTurn(ctx, history.TurnRecord{
		TurnID:         info.ID,
		ConversationID: info.ConversationID,
		UserID:         p.userID,
		UserMessage:    info.UserMessage,
		Response:       info.ResponseContent,
		Status:         string(info.Status),
		CreatedAt:      info.CreatedAt,
		CompletedAt:    info.UpdatedAt,
	})
	if err != nil {
		p.log.Warn("failed to record turn", "turn_id", info.ID, "error", err)
	}
}
