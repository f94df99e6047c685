package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
	"github.com/sasha-s/go-deadlock"
)

// DefaultMaxInFlight bounds committed but unfinished buffers when none is given.
const DefaultMaxInFlight = 4

// Queue runs committed command buffers one at a time in commit order.
type Queue struct {
	label string
	slots chan struct{}
	work  chan *CommandBuffer

	mu     deadlock.Mutex
	closed bool
	wg     sync.WaitGroup
	done   chan struct{}
	worker atomic.Int64 // goroutine id of loop
}

// NewQueue starts a queue worker. maxInFlight <= 0 selects DefaultMaxInFlight.
func NewQueue(label string, maxInFlight int) *Queue {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	q := &Queue{
		label: label,
		slots: make(chan struct{}, maxInFlight),
		work:  make(chan *CommandBuffer, maxInFlight),
		done:  make(chan struct{}),
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

func (q *Queue) Label() string { return q.label }

// Capacity is the maximum number of buffers in flight.
func (q *Queue) Capacity() int { return cap(q.slots) }

// InFlight is the number of committed buffers that have not completed.
func (q *Queue) InFlight() int { return len(q.slots) }

// Commit enqueues cb, waiting for a free slot while the queue is saturated.
// Once Commit returns nil the buffer's completion handler will run exactly once.
func (q *Queue) Commit(ctx context.Context, cb *CommandBuffer) error {
	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return q.enqueue(cb)
}

// TryCommit enqueues cb or returns ErrQueueFull without waiting.
func (q *Queue) TryCommit(cb *CommandBuffer) error {
	select {
	case q.slots <- struct{}{}:
	default:
		return fmt.Errorf("%w: %d buffers in flight on %s", ErrQueueFull, cap(q.slots), q.label)
	}
	return q.enqueue(cb)
}

func (q *Queue) enqueue(cb *CommandBuffer) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		<-q.slots
		return ErrQueueClosed
	}
	if err := cb.commit(); err != nil {
		<-q.slots
		return err
	}
	slogger().Debug("command buffer committed", "queue", q.label, "label", cb.label, "id", cb.id, "commands", len(cb.commands))
	q.work <- cb
	return nil
}

func (q *Queue) loop() {
	defer q.wg.Done()
	defer close(q.done)
	q.worker.Store(goid.Get())
	ctx := context.Background()
	for cb := range q.work {
		cb.run(ctx)
		<-q.slots
	}
}

// OnWorker reports whether the caller is running on the queue worker, as
// completion handlers do.
func (q *Queue) OnWorker() bool {
	return q.worker.Load() == goid.Get()
}

// Done is closed once the worker has finished every committed buffer after Close.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Close stops accepting buffers and waits for the committed ones to finish.
// Called from a completion handler it cannot wait for its own worker, so it
// returns at once; Done reports when the remaining buffers have run.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.work)
	}
	q.mu.Unlock()
	if q.OnWorker() {
		return
	}
	q.wg.Wait()
}
