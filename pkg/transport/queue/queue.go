// Package queue provides the unbounded ordered event queue shared by the group transports.
package queue

import (
	"sync"

	"github.com/danl5/golobby/pkg/model"
)

// Queue is an unbounded FIFO feeding a channel. Push never blocks the producer.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []model.GroupEvent
	closed bool
	out    chan model.GroupEvent
}

// New creates a queue and starts its pump goroutine.
func New() *Queue {
	q := &Queue{out: make(chan model.GroupEvent)}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

// Push appends ev, events pushed after Close are dropped.
func (q *Queue) Push(ev model.GroupEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, ev)
	q.cond.Signal()
}

// Close closes the output channel once the pending events are consumed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Signal()
}

// Out returns the ordered output channel.
func (q *Queue) Out() <-chan model.GroupEvent {
	return q.out
}

func (q *Queue) pump() {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			close(q.out)
			return
		}
		ev := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		q.out <- ev
	}
}
