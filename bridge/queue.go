package bridge

import "sync"

// unboundedQueue is a producer-never-blocks queue with a channel consumer
// side. The trade-update stream uses it because a lost fill event diverges
// local order and position state from broker truth; volume is tens of
// events a day, so unbounded growth is the accepted tradeoff.
type unboundedQueue[T any] struct {
	mu     sync.Mutex
	buf    []T
	signal chan struct{}
	out    chan T
	done   chan struct{}
	once   sync.Once
}

func newUnboundedQueue[T any]() *unboundedQueue[T] {
	q := &unboundedQueue[T]{
		signal: make(chan struct{}, 1),
		out:    make(chan T),
		done:   make(chan struct{}),
	}
	go q.pump()
	return q
}

// Push enqueues v. Safe from any goroutine, never blocks, never drops.
func (q *unboundedQueue[T]) Push(v T) {
	q.mu.Lock()
	q.buf = append(q.buf, v)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Out is the consumer side. Items arrive in Push order.
func (q *unboundedQueue[T]) Out() <-chan T {
	return q.out
}

// Close stops the pump. Buffered items not yet consumed are discarded;
// callers drain Out before closing when they care.
func (q *unboundedQueue[T]) Close() {
	q.once.Do(func() { close(q.done) })
}

func (q *unboundedQueue[T]) pump() {
	for {
		q.mu.Lock()
		var (
			next T
			ok   bool
		)
		if len(q.buf) > 0 {
			next, ok = q.buf[0], true
			q.buf = q.buf[1:]
		}
		q.mu.Unlock()

		if !ok {
			select {
			case <-q.signal:
				continue
			case <-q.done:
				return
			}
		}

		select {
		case q.out <- next:
		case <-q.done:
			return
		}
	}
}
