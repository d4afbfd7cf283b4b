package notify

import (
	"context"
	"sync"
	"time"
)

// Event represents a queued outbound notification.
type Event struct {
	Type       string
	EntityID   string
	Attributes map[string]string
	CreatedAt  time.Time
}

// Task pairs an event with a delivery target. A task without a subscription
// is a fan-out marker the worker expands against the subscription store.
type Task struct {
	Event        Event
	Subscription *Subscription
	Attempt      int
	NotBefore    time.Time
}

const defaultQueueCapacity = 1024

// Queue stores notification tasks prior to delivery. It is bounded: when
// full, new tasks are dropped and counted rather than blocking the caller.
type Queue struct {
	mu       sync.Mutex
	tasks    []Task
	history  []Event
	capacity int
}

// NewQueue constructs a bounded queue.
func NewQueue() *Queue {
	return &Queue{capacity: defaultQueueCapacity}
}

// Enqueue adds an event for fan-out delivery. Never blocks.
func (q *Queue) Enqueue(evt Event) {
	q.enqueueTask(Task{Event: evt})
}

func (q *Queue) enqueueTask(task Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) >= q.capacity {
		metrics().recordDropped("overflow")
		return
	}
	if task.Subscription == nil {
		q.history = append(q.history, task.Event)
		if len(q.history) > q.capacity {
			q.history = q.history[1:]
		}
	}
	q.tasks = append(q.tasks, task)
}

// Events returns a snapshot copy of enqueued events. Primarily used in tests.
func (q *Queue) Events() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	snapshot := make([]Event, len(q.history))
	copy(snapshot, q.history)
	return snapshot
}

// Dequeue waits for the next task. Returns false if the context is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (Task, bool) {
	for {
		q.mu.Lock()
		if len(q.tasks) > 0 {
			task := q.tasks[0]
			copy(q.tasks, q.tasks[1:])
			q.tasks = q.tasks[:len(q.tasks)-1]
			q.mu.Unlock()
			if !task.NotBefore.IsZero() {
				if delay := time.Until(task.NotBefore); delay > 0 {
					timer := time.NewTimer(delay)
					select {
					case <-ctx.Done():
						timer.Stop()
						return Task{}, false
					case <-timer.C:
					}
				}
			}
			return task, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Task{}, false
		case <-time.After(25 * time.Millisecond):
		}
	}
}
