package loop

import (
	"context"
	"errors"
	"log"
	"sync"
)

var (
	ErrQueueFull   = errors.New("loop: event queue full")
	ErrQueueClosed = errors.New("loop: event queue closed")
)

// EventHandler processes one webhook event.
type EventHandler func(ctx context.Context, ev Event)

// Queue hands webhook events to a fixed set of workers so the webhook can
// answer Loop before the event is processed. Publish never blocks.
type Queue struct {
	events  chan Event
	handle  EventHandler
	workers int

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewQueue(size, workers int, handle EventHandler) *Queue {
	if size < 1 {
		size = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		events:  make(chan Event, size),
		handle:  handle,
		workers: workers,
	}
}

// Start launches the workers. ctx is the parent of every handler call.
func (q *Queue) Start(ctx context.Context) {
	for range q.workers {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for ev := range q.events {
				q.run(ctx, ev)
			}
		}()
	}
}

func (q *Queue) run(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("loop: panic handling %s event (session %s): %v", ev.AlertType, ev.SessionID, r)
		}
	}()
	q.handle(ctx, ev)
}

func (q *Queue) Publish(ev Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.events <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting events and waits until queued ones are handled or
// ctx is done.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.events)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
