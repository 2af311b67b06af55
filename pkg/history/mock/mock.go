// Package mock provides a test double for the history.Recorder interface.
package mock

import (
	"context"
	"sync"

	"github.com/yw0nam/DesktopMatePlus-sub000/pkg/history"
)

// Recorder is an in-memory history.Recorder that records every SaveTurn call.
type Recorder struct {
	mu sync.Mutex

	// SaveErr, if non-nil, is returned from SaveTurn.
	SaveErr error

	// RecentErr, if non-nil, is returned from Recent.
	RecentErr error

	// Saved holds every record passed to SaveTurn, in order.
	Saved []history.TurnRecord
}

// SaveTurn implements history.Recorder.
func (r *Recorder) SaveTurn(_ context.Context, rec history.TurnRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SaveErr != nil {
		return r.SaveErr
	}
	r.Saved = append(r.Saved, rec)
	return nil
}

// Recent implements history.Recorder, replaying saved records for the
// conversation newest first.
func (r *Recorder) Recent(_ context.Context, conversationID string, limit int) ([]history.TurnRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.RecentErr != nil {
		return nil, r.RecentErr
	}
	var out []history.TurnRecord
	for i := len(r.Saved) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if r.Saved[i].ConversationID == conversationID {
			out = append(out, r.Saved[i])
		}
	}
	return out, nil
}

// SavedCount returns how many records were saved. Thread-safe.
func (r *Recorder) SavedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Saved)
}

// Ensure Recorder implements history.Recorder at compile time.
var _ history.Recorder = (*Recorder)(nil)
