package cache

import (
	"context"
	"sync"

	"github.com/basket/tasksync/internal/bus"
	"github.com/basket/tasksync/internal/model"
)

// Subscription delivers the result of a query every time the cache changes.
// Only the latest result is buffered; a slow reader skips intermediate ones.
type Subscription struct {
	ch   chan []model.Task
	done chan struct{}

	mu  sync.Mutex
	err error
}

// C is closed once the subscription's context ends or a query fails.
func (s *Subscription) C() <-chan []model.Task { return s.ch }

// Done is closed when the subscription has stopped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns the query error that stopped the subscription, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) offer(tasks []model.Task) {
	for {
		select {
		case s.ch <- tasks:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// Subscribe emits the current result of q immediately and again after every
// committed cache write.
func (c *Cache) Subscribe(ctx context.Context, q Query) *Subscription {
	sub := &Subscription{
		ch:   make(chan []model.Task, 1),
		done: make(chan struct{}),
	}
	var events *bus.Subscription
	if c.bus != nil {
		events = c.bus.Subscribe(bus.TopicCachePrefix)
	}

	go func() {
		defer close(sub.done)
		defer close(sub.ch)
		if events != nil {
			defer c.bus.Unsubscribe(events)
		}

		run := func() bool {
			tasks, err := c.Tasks(ctx, q)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("live query failed", "view", q.View, "error", err)
					sub.mu.Lock()
					sub.err = err
					sub.mu.Unlock()
				}
				return false
			}
			sub.offer(tasks)
			return true
		}
		if !run() {
			return
		}
		if events == nil {
			<-ctx.Done()
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events.Ch():
				if !ok {
					return
				}
				// Collapse a burst of writes into one re-query.
				drained := false
				for !drained {
					select {
					case <-events.Ch():
					default:
						drained = true
					}
				}
				if !run() {
					return
				}
			}
		}
	}()
	return sub
}
