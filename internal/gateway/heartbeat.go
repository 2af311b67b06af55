package gateway

import (
	"context"
	"time"
)

// heartbeat pings the connection every pingInterval and closes it with code
// 4000 when a ping goes unanswered past pongTimeout.
func (m *Manager) heartbeat(ctx context.Context, cs *connState) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if m.connection(cs.id) == nil {
			return
		}

		cs.markPing(time.Now())
		if err := m.send(ctx, cs, serverFrame{Type: "ping"}); err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.pongTimeout):
		}

		if cs.pongOverdue() {
			m.log.Warn("ping timeout, closing connection",
				"connection_id", cs.id, "user_id", cs.user())
			cs.sock.Close(StatusPingTimeout, "Ping timeout")
			m.Disconnect(cs.id)
			return
		}
	}
}
