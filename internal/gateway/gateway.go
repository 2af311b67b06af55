// Package gateway implements the WebSocket surface of the conversational
// gateway: connection registry, frame parsing and dispatch, heartbeats, and
// the per-turn forwarder that pumps orchestrator events to the client.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/yw0nam/DesktopMatePlus-sub000/internal/observe"
	"github.com/yw0nam/DesktopMatePlus-sub000/internal/processor"
	"github.com/yw0nam/DesktopMatePlus-sub000/internal/textproc"
	"github.com/yw0nam/DesktopMatePlus-sub000/pkg/agent"
	"github.com/yw0nam/DesktopMatePlus-sub000/pkg/history"
)

const (
	// DefaultPingInterval is how often the heartbeat sends a ping.
	DefaultPingInterval = 30 * time.Second

	// DefaultPongTimeout is how long a ping may go unanswered.
	DefaultPongTimeout = 10 * time.Second

	// DefaultInactivityTimeout closes connections with no inbound frames.
	DefaultInactivityTimeout = 300 * time.Second

	// DefaultWriteTimeout bounds a single outbound frame write.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultFrameErrorLimit is how many consecutive malformed frames a
	// connection may send before being closed.
	DefaultFrameErrorLimit = 5

	// DefaultErrorBackoff is the pause after a malformed frame.
	DefaultErrorBackoff = 500 * time.Millisecond
)

// Option configures a [Manager].
type Option func(*Manager)

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithMetrics attaches the gateway metrics instruments.
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithAgentService injects the agent backend that chat turns stream from.
// Without one, chat turns run the synthetic default stream.
func WithAgentService(svc agent.Service) Option {
	return func(m *Manager) { m.agentSvc = svc }
}

// WithRecorder attaches the chat-history recorder handed to each processor.
func WithRecorder(r history.Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithTokenValidator overrides how authorize tokens resolve to user ids.
func WithTokenValidator(v TokenValidator) Option {
	return func(m *Manager) {
		if v != nil {
			m.validate = v
		}
	}
}

// WithQueueSize sets the per-turn queue capacity passed to processors.
func WithQueueSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

// WithPingInterval sets the heartbeat cadence.
func WithPingInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pingInterval = d
		}
	}
}

// WithPongTimeout sets how long a ping may go unanswered.
func WithPongTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pongTimeout = d
		}
	}
}

// WithInactivityTimeout sets the per-connection read deadline.
func WithInactivityTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.inactivityTimeout = d
		}
	}
}

// WithInterruptWait bounds interrupt-side waits in processors.
func WithInterruptWait(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interruptWait = d
		}
	}
}

// WithChunkerOptions configures the sentence chunkers of every turn.
func WithChunkerOptions(opts ...textproc.ChunkerOption) Option {
	return func(m *Manager) { m.chunkerOpts = opts }
}

// WithCleanerOptions configures the TTS cleaners of every turn.
func WithCleanerOptions(opts ...textproc.CleanerOption) Option {
	return func(m *Manager) { m.cleanerOpts = opts }
}

// Manager is the process-wide registry of WebSocket connections. It accepts
// sockets, runs their read loops and heartbeats, and owns disconnect cleanup.
type Manager struct {
	log      *slog.Logger
	metrics  *observe.Metrics
	agentSvc agent.Service
	recorder history.Recorder
	validate TokenValidator

	queueSize         int
	pingInterval      time.Duration
	pongTimeout       time.Duration
	inactivityTimeout time.Duration
	interruptWait     time.Duration
	writeTimeout      time.Duration
	frameErrorLimit   int
	errorBackoff      time.Duration
	chunkerOpts       []textproc.ChunkerOption
	cleanerOpts       []textproc.CleanerOption

	mu     sync.Mutex
	conns  map[string]*connState
	closed bool
}

// NewManager creates a Manager with the given options.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		log:               slog.Default(),
		validate:          DefaultTokenValidator,
		queueSize:         processor.DefaultQueueSize,
		pingInterval:      DefaultPingInterval,
		pongTimeout:       DefaultPongTimeout,
		inactivityTimeout: DefaultInactivityTimeout,
		interruptWait:     processor.DefaultInterruptWait,
		writeTimeout:      DefaultWriteTimeout,
		frameErrorLimit:   DefaultFrameErrorLimit,
		errorBackoff:      DefaultErrorBackoff,
		conns:             map[string]*connState{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ServeHTTP upgrades the request to a WebSocket and serves it until the
// connection drops.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		m.log.Warn("websocket accept failed", "error", err)
		return
	}
	m.serve(r.Context(), sock)
}

func (m *Manager) serve(parent context.Context, sock *websocket.Conn) {
	ctx, cancel := context.WithCancel(parent)
	cs := newConnState(uuid.NewString(), sock, cancel)

	if !m.register(cs) {
		sock.Close(websocket.StatusGoingAway, "gateway shutting down")
		cancel()
		return
	}
	defer m.Disconnect(cs.id)

	go m.heartbeat(ctx, cs)
	m.readLoop(ctx, cs)
}

// register adds the connection to the registry. Returns false when the
// manager is already shutting down.
func (m *Manager) register(cs *connState) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.conns[cs.id] = cs
	m.mu.Unlock()

	m.metrics.ConnectionOpened()
	m.log.Info("connection registered", "connection_id", cs.id)
	return true
}

// Disconnect removes the connection, schedules its processor shutdown, and
// closes the socket. Safe to call more than once.
func (m *Manager) Disconnect(id string) {
	m.mu.Lock()
	cs := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()
	if cs == nil {
		return
	}

	m.metrics.ConnectionClosed()
	cs.cancel()
	if proc := cs.proc(); proc != nil {
		go proc.Shutdown()
	}
	cs.sock.Close(websocket.StatusNormalClosure, "disconnect")
	m.log.Info("connection closed", "connection_id", id, "user_id", cs.user())
}

// connection returns the registered state for id, or nil.
func (m *Manager) connection(id string) *connState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[id]
}

// send serialises v and writes it as one text frame. I/O errors disconnect
// the connection.
func (m *Manager) send(ctx context.Context, cs *connState, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	defer cancel()
	if err := cs.sock.Write(wctx, websocket.MessageText, data); err != nil {
		m.log.Warn("frame write failed, disconnecting",
			"connection_id", cs.id, "error", err)
		go m.Disconnect(cs.id)
		return err
	}
	return nil
}

// Broadcast fans a frame out to every registered connection, optionally only
// authenticated ones. Returns the number of attempted sends.
func (m *Manager) Broadcast(ctx context.Context, v any, authenticatedOnly bool) int {
	m.mu.Lock()
	targets := make([]*connState, 0, len(m.conns))
	for _, cs := range m.conns {
		targets = append(targets, cs)
	}
	m.mu.Unlock()

	n := 0
	for _, cs := range targets {
		if authenticatedOnly && !cs.isAuthenticated() {
			continue
		}
		m.send(ctx, cs, v)
		n++
	}
	return n
}

// readLoop parses and dispatches inbound frames until the socket closes, the
// connection context is cancelled, or the inactivity deadline passes.
func (m *Manager) readLoop(ctx context.Context, cs *connState) {
	frameErrors := 0
	for {
		rctx, cancel := context.WithTimeout(ctx, m.inactivityTimeout)
		typ, data, err := cs.sock.Read(rctx)
		cancel()
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				m.log.Info("closing inactive connection", "connection_id", cs.id)
				cs.sock.Close(websocket.StatusNormalClosure, "inactivity timeout")
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		if err := m.dispatch(ctx, cs, data); err != nil {
			frameErrors++
			if frameErrors > m.frameErrorLimit {
				m.log.Warn("too many malformed frames, closing",
					"connection_id", cs.id, "errors", frameErrors)
				cs.sock.Close(websocket.StatusPolicyViolation, "too many malformed frames")
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.errorBackoff):
			}
			continue
		}
		frameErrors = 0
	}
}

// ─── Introspection & shutdown ────────────────────────────────────────────────

// ManagerStats summarises the connection registry.
type ManagerStats struct {
	Connections   int               `json:"connections"`
	Authenticated int               `json:"authenticated"`
	PerConnection []ConnectionStats `json:"per_connection,omitempty"`
}

// Stats snapshots every registered connection.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	conns := make([]*connState, 0, len(m.conns))
	for _, cs := range m.conns {
		conns = append(conns, cs)
	}
	m.mu.Unlock()

	out := ManagerStats{Connections: len(conns)}
	for _, cs := range conns {
		s := cs.stats()
		if s.Authenticated {
			out.Authenticated++
		}
		out.PerConnection = append(out.PerConnection, s)
	}
	return out
}

// ConnectionStats returns the stats of one connection.
func (m *Manager) ConnectionStats(id string) (ConnectionStats, bool) {
	cs := m.connection(id)
	if cs == nil {
		return ConnectionStats{}, false
	}
	return cs.stats(), true
}

// ConnectionCount returns how many connections are currently registered.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Sweep prunes finished turns older than maxAge from every connection's
// processor and returns how many were removed. Intended to be driven by a
// periodic ticker.
func (m *Manager) Sweep(maxAge time.Duration) int {
	m.mu.Lock()
	procs := make([]*processor.MessageProcessor, 0, len(m.conns))
	for _, cs := range m.conns {
		if p := cs.proc(); p != nil {
			procs = append(procs, p)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, p := range procs {
		n += p.CleanupCompletedTurns(maxAge)
	}
	return n
}

// Shutdown refuses new connections and disconnects every registered one.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Disconnect(id)
	}
	m.log.Info("gateway shut down", "disconnected", len(ids))
}
