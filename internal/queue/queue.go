// Package queue provides the FIFO of fingerprint payloads shared by the
// dispatch workers.
//
// Every pushed item counts as unfinished until a consumer calls Done for it,
// so a coordinator can block in Wait until each item has been handled,
// whether the handling succeeded or not. Pop blocks until an item arrives,
// the queue is closed, or the caller's context ends; there is no polling.
package queue

import (
	"context"
	"errors"
	"sync"

	"wfpscan/pkg/wfp"
)

var (
	// ErrFull is returned by Push when a bounded queue is at capacity.
	ErrFull = errors.New("queue full")
	// ErrClosed is returned by Push after Close, and by Pop once a closed
	// queue is empty.
	ErrClosed = errors.New("queue closed")
	// ErrNotPending is returned by Done when no item is unfinished.
	ErrNotPending = errors.New("queue: Done called with no unfinished items")
)

// Item is one unit of work. Seq is its enqueue order, starting at 1.
type Item struct {
	Seq     int
	Payload wfp.Payload
}

// Queue is a thread-safe FIFO with unfinished-item bookkeeping.
type Queue struct {
	mu         sync.Mutex
	items      []Item
	capacity   int
	seq        int
	unfinished int
	files      int
	drained    chan struct{}
	ready      chan struct{}
	closing    chan struct{}
	closed     bool
}

// New returns an empty queue. A capacity of zero or less means unbounded.
func New(capacity int) *Queue {
	drained := make(chan struct{})
	close(drained)
	return &Queue{
		capacity: capacity,
		drained:  drained,
		ready:    make(chan struct{}, 1),
		closing:  make(chan struct{}),
	}
}

// Push appends a payload to the tail of the queue.
func (q *Queue) Push(p wfp.Payload) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		q.mu.Unlock()
		return ErrFull
	}
	q.seq++
	q.items = append(q.items, Item{Seq: q.seq, Payload: p})
	if q.unfinished == 0 {
		q.drained = make(chan struct{})
	}
	q.unfinished++
	q.files += p.Files
	q.mu.Unlock()

	q.signal()
	return nil
}

// Pop removes the head item, blocking until one is available. It returns
// ErrClosed when the queue is closed and empty, or the context error if ctx
// ends first. Each item is handed to exactly one caller.
func (q *Queue) Pop(ctx context.Context) (Item, error) {
	for {
		if item, ok := q.tryPop(); ok {
			return item, nil
		}

		q.mu.Lock()
		closed := q.closed && len(q.items) == 0
		q.mu.Unlock()
		if closed {
			return Item{}, ErrClosed
		}

		select {
		case <-q.ready:
		case <-q.closing:
		case <-ctx.Done():
			return Item{}, ctx.Err()
		}
	}
}

// tryPop removes the head item without blocking.
func (q *Queue) tryPop() (Item, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return Item{}, false
	}
	item := q.items[0]
	q.items[0] = Item{}
	q.items = q.items[1:]
	more := len(q.items) > 0
	q.mu.Unlock()

	// Pass the wake-up on so other blocked consumers see remaining items.
	if more {
		q.signal()
	}
	return item, true
}

// Done marks one previously popped item as handled.
func (q *Queue) Done() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unfinished == 0 {
		return ErrNotPending
	}
	q.unfinished--
	if q.unfinished == 0 {
		close(q.drained)
	}
	return nil
}

// Wait blocks until every pushed item has been marked done.
func (q *Queue) Wait(ctx context.Context) error {
	select {
	case <-q.Drained():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drained returns a channel closed once no item is unfinished.
func (q *Queue) Drained() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drained
}

// Close rejects further pushes and releases consumers blocked on an empty
// queue. Items already queued can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.closing)
}

// Len returns the number of items waiting to be popped.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Unfinished returns the number of items pushed but not yet marked done.
func (q *Queue) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unfinished
}

// Files returns the total file count of every payload ever pushed.
func (q *Queue) Files() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.files
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
