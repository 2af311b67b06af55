package processor

import (
	"context"
	"strings"
	"time"

	"github.com/yw0nam/DesktopMatePlus-sub000/pkg/agent"
)

// ToolStatusClassifier decides the logged status of a tool result. The
// default reports "error" when the result text contains "error", "failed",
// or "exception" (case-insensitive), else "success".
type ToolStatusClassifier func(result string) string

// DefaultToolStatusClassifier is the substring heuristic used when no
// classifier is configured.
func DefaultToolStatusClassifier(result string) string {
	lower := strings.ToLower(result)
	for _, marker := range []string{"error", "failed", "exception"} {
		if strings.Contains(lower, marker) {
			return "error"
		}
	}
	return "success"
}

// runProducer iterates the agent event stream for t, routing tokens to the
// token queue and everything client-visible to the event queue. Terminal
// events trigger the close→drain→forward sequence that keeps buffered
// sentences ahead of stream_end.
func (p *MessageProcessor) runProducer(ctx context.Context, t *Turn, stream <-chan agent.Event) {
	// Tool start timestamps keyed by tool name; a result matches the most
	// recent start for this turn.
	toolStarts := map[string][]time.Time{}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-stream:
			if !ok {
				// Stream exhausted without a terminal event: close out as a
				// normal completion so the client still gets stream_end.
				p.finishTurn(t, agent.Event{Type: agent.EventStreamEnd}, StatusCompleted)
				return
			}
			p.normalize(t, &ev)

			switch ev.Type {
			case agent.EventStreamStart:
				t.setStatus(StatusProcessing)
				p.putEvent(t, ev)

			case agent.EventStreamToken:
				p.putToken(t, ev)

			case agent.EventToolCall:
				toolStarts[ev.ToolName] = append(toolStarts[ev.ToolName], time.Now())
				p.log.Info("tool call started",
					"session_id", p.connectionID,
					"turn_id", t.ID,
					"tool_name", ev.ToolName,
					"args", ev.Args,
					"status", "started",
				)

			case agent.EventToolResult:
				var durationMS int64
				if starts := toolStarts[ev.ToolName]; len(starts) > 0 {
					last := starts[len(starts)-1]
					toolStarts[ev.ToolName] = starts[:len(starts)-1]
					durationMS = time.Since(last).Milliseconds()
				}
				status := p.classifyTool(ev.Result)
				p.log.Info("tool call finished",
					"session_id", p.connectionID,
					"turn_id", t.ID,
					"tool_name", ev.ToolName,
					"duration_ms", durationMS,
					"status", status,
					"node", ev.Node,
				)
				p.metrics.ToolCall(status)

			case agent.EventStreamEnd:
				p.finishTurn(t, ev, StatusCompleted)
				return

			case agent.EventError:
				t.setError(ev.Error)
				p.finishTurn(t, ev, StatusFailed)
				return

			default:
				p.log.Debug("dropping unknown agent event",
					"turn_id", t.ID, "type", string(ev.Type))
			}
		}
	}
}

// finishTurn runs the terminal sequence: trip the token latch, wait for the
// consumer to drain and flush, then forward the terminal event and settle the
// turn's status. Buffered sentences therefore always precede stream_end.
func (p *MessageProcessor) finishTurn(t *Turn, terminal agent.Event, status Status) {
	t.closeTokens()

	select {
	case <-t.consumerDone:
	case <-t.ctx.Done():
	}

	p.normalize(t, &terminal)
	p.putEvent(t, terminal)

	if t.setStatus(status) {
		p.settle(t, status)
	}
}

// settle records completion bookkeeping after the first transition into a
// terminal state.
func (p *MessageProcessor) settle(t *Turn, status Status) {
	p.mu.Lock()
	switch status {
	case StatusCompleted:
		p.stats.Completed++
	case StatusFailed:
		p.stats.Failed++
	case StatusInterrupted:
		p.stats.Interrupted++
	}
	p.mu.Unlock()

	info := t.Info()
	p.metrics.TurnEnded(string(status), time.Since(info.CreatedAt))
	if status == StatusInterrupted {
		p.metrics.TurnInterrupted()
	}

	if p.recorder != nil && status == StatusCompleted {
		go p.recordTurn(info)
	}
}

// normalize stamps the identifiers every client-visible event must carry.
func (p *MessageProcessor) normalize(t *Turn, ev *agent.Event) {
	ev.TurnID = t.ID
	ev.ConnectionID = p.connectionID
	ev.UserID = p.userID
	if ev.ConversationID == "" {
		ev.ConversationID = t.ConversationID
	}
}

// putEvent delivers ev to the turn's event queue, giving up when the turn
// context is cancelled or the queue has been released by cleanup.
func (p *MessageProcessor) putEvent(t *Turn, ev agent.Event) {
	events := t.eventsChan()
	if events == nil {
		return
	}
	select {
	case events <- ev:
	case <-t.ctx.Done():
	}
}

// putToken delivers a token event to the token queue unless the latch has
// tripped (late tokens after stream close are dropped).
func (p *MessageProcessor) putToken(t *Turn, ev agent.Event) {
	tokens := t.tokensChan()
	if tokens == nil {
		return
	}
	select {
	case <-t.tokensClosed:
		return
	default:
	}
	select {
	case tokens <- ev:
	case <-t.tokensClosed:
	case <-t.ctx.Done():
	}
}
