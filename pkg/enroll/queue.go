package enroll

import (
	"time"

	"github.com/cuemby/warden/pkg/types"
)

// Queue is the bounded client queue between the acceptor and the
// dispatcher pool (spec.md §5): push is non-blocking and reports full,
// pop suspends up to a caller-supplied deadline so a dispatcher
// observes shutdown within one tick.
type Queue struct {
	ch chan types.ClientHandoff
}

// NewQueue returns a queue with the given capacity (config.PoolSize in
// spec.md's sizing, since a worker should never starve waiting on a
// queue sized smaller than the pool consuming it).
func NewQueue(capacity int) *Queue {
	return &Queue{ch: make(chan types.ClientHandoff, capacity)}
}

// TryPush enqueues h without blocking, reporting false if the queue is
// full. The acceptor must close h.Conn itself on a false return.
func (q *Queue) TryPush(h types.ClientHandoff) bool {
	select {
	case q.ch <- h:
		return true
	default:
		return false
	}
}

// PopTimed blocks for up to timeout waiting for a handoff. ok is false
// on timeout, letting the dispatcher re-check its running flag.
func (q *Queue) PopTimed(timeout time.Duration) (h types.ClientHandoff, ok bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case h = <-q.ch:
		return h, true
	case <-timer.C:
		return types.ClientHandoff{}, false
	}
}

// Len reports the current queue depth, for metrics.
func (q *Queue) Len() int {
	return len(q.ch)
}
