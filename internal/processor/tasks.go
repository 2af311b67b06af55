package processor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// task is one background concurrency unit owned by a turn. Each task gets its
// own cancellable context derived from the turn's context so it can be
// cancelled individually without tearing down its siblings.
type task struct {
	id     string
	name   string
	turnID string
	cancel context.CancelFunc
	done   chan struct{}
}

// taskManager tracks the background tasks of every turn and provides
// deterministic shutdown. Tasks unregister themselves on completion.
type taskManager struct {
	log *slog.Logger

	mu     sync.Mutex
	byTurn map[string]map[string]*task
}

func newTaskManager(log *slog.Logger) *taskManager {
	return &taskManager{
		log:    log,
		byTurn: map[string]map[string]*task{},
	}
}

// spawn registers a task for turnID and runs fn in a goroutine. The task is
// registered before fn starts, so fn may touch the turn's queues immediately.
// fn receives its own task handle so it can exempt itself from cancellation
// when it triggers cleanup.
func (tm *taskManager) spawn(turnID, name string, parent context.Context, fn func(ctx context.Context, self *task)) *task {
	ctx, cancel := context.WithCancel(parent)
	tk := &task{
		id:     uuid.NewString(),
		name:   name,
		turnID: turnID,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	tm.mu.Lock()
	if tm.byTurn[turnID] == nil {
		tm.byTurn[turnID] = map[string]*task{}
	}
	tm.byTurn[turnID][tk.id] = tk
	tm.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			close(tk.done)
			tm.mu.Lock()
			if tasks := tm.byTurn[turnID]; tasks != nil {
				delete(tasks, tk.id)
				if len(tasks) == 0 {
					delete(tm.byTurn, turnID)
				}
			}
			tm.mu.Unlock()
		}()
		fn(ctx, tk)
	}()

	return tk
}

// cancelTurnTasks cancels every task of turnID for which skip returns false,
// then waits up to timeout for them to finish. Returns the number of tasks
// that were still pending when the timeout expired.
//
// Cleanup runs inside a task; the skip predicate prevents it cancelling
// itself (or the forwarder that still has a terminal event to deliver).
func (tm *taskManager) cancelTurnTasks(turnID string, timeout time.Duration, skip func(*task) bool) int {
	tm.mu.Lock()
	var targets []*task
	for _, tk := range tm.byTurn[turnID] {
		if skip != nil && skip(tk) {
			continue
		}
		targets = append(targets, tk)
	}
	tm.mu.Unlock()

	for _, tk := range targets {
		tk.cancel()
	}

	deadline := time.After(timeout)
	pending := 0
	for _, tk := range targets {
		select {
		case <-tk.done:
		case <-deadline:
			pending++
			tm.log.Warn("task still pending after cancel timeout",
				"turn_id", turnID, "task", tk.name)
		}
	}
	return pending
}

// count returns the number of live tasks for turnID.
func (tm *taskManager) count(turnID string) int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.byTurn[turnID])
}
