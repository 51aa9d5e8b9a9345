// Package inproc delivers broker tasks to stage consumers over buffered
// channels, one queue per stage name.
package inproc

import (
	"errors"
	"sync"
	"sync/atomic"

	"genflow/internal/domain"
)

var (
	ErrQueueNotRegistered = errors.New("queue has no consumer registered")
	ErrQueueFull          = errors.New("queue is full")
)

type stageQueue struct {
	ch        chan domain.BrokerTask
	consumers int
	published atomic.Uint64
}

// QueueStats is a point-in-time view of one stage queue.
type QueueStats struct {
	Consumers int
	Depth     int
	Capacity  int
	Published uint64
}

type Bus struct {
	mu     sync.RWMutex
	queues map[string]*stageQueue
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		queues: make(map[string]*stageQueue),
		buffer: buffer,
	}
}

// Register adds a consumer to queue and returns its delivery channel.
// Consumers sharing a queue share the channel, so each task reaches exactly
// one of them.
func (b *Bus) Register(queue string) <-chan domain.BrokerTask {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		q = &stageQueue{ch: make(chan domain.BrokerTask, b.buffer)}
		b.queues[queue] = q
	}
	q.consumers++
	return q.ch
}

// Unregister removes one consumer from queue. When the last consumer leaves
// the queue is closed and the tasks still buffered in it are returned.
func (b *Bus) Unregister(queue string) []domain.BrokerTask {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		return nil
	}
	q.consumers--
	if q.consumers > 0 {
		return nil
	}
	delete(b.queues, queue)
	close(q.ch)

	var undelivered []domain.BrokerTask
	for task := range q.ch {
		undelivered = append(undelivered, task)
	}
	return undelivered
}

// Publish hands the task to its stage queue without blocking.
func (b *Bus) Publish(task domain.BrokerTask) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	q, ok := b.queues[task.Stage]
	if !ok {
		return ErrQueueNotRegistered
	}
	select {
	case q.ch <- task:
		q.published.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

func (b *Bus) Consumers(queue string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if q, ok := b.queues[queue]; ok {
		return q.consumers
	}
	return 0
}

func (b *Bus) Stats(queue string) (QueueStats, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	q, ok := b.queues[queue]
	if !ok {
		return QueueStats{}, false
	}
	return QueueStats{
		Consumers: q.consumers,
		Depth:     len(q.ch),
		Capacity:  cap(q.ch),
		Published: q.published.Load(),
	}, true
}
