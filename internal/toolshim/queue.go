package toolshim

import (
	"context"
	"sync"

	"github.com/oarjones/agp-gateway/internal/gwlog"
)

// resultQueue is the shim's bounded in-process tool-result queue (§5:
// "overflow drops oldest with a log"). Awaiters registered before a result
// is published receive it directly; otherwise it sits in history until
// claimed or evicted.
type resultQueue struct {
	mu       sync.Mutex
	log      *gwlog.Logger
	capacity int
	history  []ToolResult
	waiters  map[string][]chan ToolResult
}

func newResultQueue(log *gwlog.Logger, capacity int) *resultQueue {
	return &resultQueue{
		log:      log,
		capacity: capacity,
		waiters:  make(map[string][]chan ToolResult),
	}
}

func resultKey(name string, correlationID *string) string {
	c := ""
	if correlationID != nil {
		c = *correlationID
	}
	return name + "\x00" + c
}

func (q *resultQueue) publish(r ToolResult) {
	k := resultKey(r.Name, r.CorrelationID)

	q.mu.Lock()
	if chans := q.waiters[k]; len(chans) > 0 {
		ch := chans[0]
		q.waiters[k] = chans[1:]
		q.mu.Unlock()
		ch <- r
		return
	}
	if len(q.history) >= q.capacity {
		dropped := q.history[0]
		q.history = q.history[1:]
		q.log.Warnf("toolshim: result queue full (cap %d), dropping oldest result for tool %q", q.capacity, dropped.Name)
	}
	q.history = append(q.history, r)
	q.mu.Unlock()
}

func (q *resultQueue) await(ctx context.Context, name string, correlationID *string) (ToolResult, bool) {
	k := resultKey(name, correlationID)

	q.mu.Lock()
	for i, r := range q.history {
		if resultKey(r.Name, r.CorrelationID) == k {
			q.history = append(q.history[:i], q.history[i+1:]...)
			q.mu.Unlock()
			return r, true
		}
	}
	ch := make(chan ToolResult, 1)
	q.waiters[k] = append(q.waiters[k], ch)
	q.mu.Unlock()

	select {
	case r := <-ch:
		return r, true
	case <-ctx.Done():
		return ToolResult{}, false
	}
}
