package runtime

import "sync"

// ReadyQueue holds publisher calls made before the runtime exists. Calls run
// in submission order once a runtime is installed; a call pushed while the
// queue is draining, including from inside a running call, runs after the
// calls already queued.
type ReadyQueue struct {
	mu       sync.Mutex
	rt       *Runtime
	pending  []func(*Runtime)
	draining bool
}

// NewReadyQueue returns an empty queue.
func NewReadyQueue() *ReadyQueue {
	return &ReadyQueue{}
}

// Push queues fn, running it right away when a runtime is installed and
// nothing is ahead of it.
func (q *ReadyQueue) Push(fn func(*Runtime)) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	q.mu.Unlock()
	q.drain()
}

// Install marks the queue ready and runs everything pushed so far. A second
// Install is ignored.
func (q *ReadyQueue) Install(rt *Runtime) {
	q.mu.Lock()
	if q.rt != nil {
		q.mu.Unlock()
		return
	}
	q.rt = rt
	q.mu.Unlock()
	q.drain()
}

func (q *ReadyQueue) drain() {
	q.mu.Lock()
	if q.rt == nil || q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	for len(q.pending) > 0 {
		fn := q.pending[0]
		q.pending = q.pending[1:]
		rt := q.rt
		q.mu.Unlock()
		fn(rt)
		q.mu.Lock()
	}
	q.draining = false
	q.mu.Unlock()
}
