package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/agent/tools"
)

// approvals tracks one handler's pending approval futures. Keys are
// fresh ids minted here rather than tool-call ids, which models may
// leave empty or reuse within a turn.
type approvals struct {
	mu      sync.Mutex
	pending map[string]chan tools.Decision
}

func newApprovals() *approvals {
	return &approvals{pending: make(map[string]chan tools.Decision)}
}

// create registers a new future and returns its id and channel.
func (a *approvals) create() (string, <-chan tools.Decision) {
	id := uuid.NewString()
	ch := make(chan tools.Decision, 1)
	a.mu.Lock()
	a.pending[id] = ch
	a.mu.Unlock()
	return id, ch
}

// resolve completes a pending future. Unknown ids report false and are
// otherwise ignored.
func (a *approvals) resolve(id string, d tools.Decision) bool {
	a.mu.Lock()
	ch, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
	}
	a.mu.Unlock()
	if !ok {
		return false
	}
	ch <- d
	return true
}

// drop forgets a future whose wait ended without an answer.
func (a *approvals) drop(id string) {
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
}
