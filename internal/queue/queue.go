package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/catalog-dedup/internal/models"
)

var (
	ErrQueueEmpty  = errors.New("queue is empty")
	ErrQueueClosed = errors.New("queue is closed")
	ErrQueueFull   = errors.New("queue is full")
)

// Item is one observation waiting to be deduplicated.
type Item struct {
	ID          string
	Observation models.Observation
	EnqueuedAt  time.Time
}

func NewItem(obs models.Observation) *Item {
	return &Item{
		ID:          uuid.New().String(),
		Observation: obs,
		EnqueuedAt:  time.Now(),
	}
}

type Queue interface {
	Push(item *Item) error
	Pop(ctx context.Context) (*Item, error)
	TryPop() (*Item, error)
	Size() int
	Close() error
}

// InMemoryQueue is a FIFO queue. Observations are processed in arrival
// order so that same-day captures are merged in the order they came in.
type InMemoryQueue struct {
	items    []*Item
	mu       sync.Mutex
	notify   chan struct{}
	capacity int
	closed   bool
}

// NewInMemoryQueue creates a queue holding at most capacity items; zero
// means unbounded.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	return &InMemoryQueue{
		items:    make([]*Item, 0),
		notify:   make(chan struct{}, 1),
		capacity: capacity,
	}
}

func (q *InMemoryQueue) Push(item *Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return ErrQueueFull
	}

	q.items = append(q.items, item)
	q.signal()
	return nil
}

// Pop blocks until an item is available, the queue is closed and drained,
// or ctx is done.
func (q *InMemoryQueue) Pop(ctx context.Context) (*Item, error) {
	for {
		item, err := q.TryPop()
		if !errors.Is(err, ErrQueueEmpty) {
			return item, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

// TryPop returns ErrQueueEmpty instead of blocking.
func (q *InMemoryQueue) TryPop() (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		if q.closed {
			return nil, ErrQueueClosed
		}
		return nil, ErrQueueEmpty
	}

	item := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal()
	}
	return item, nil
}

func (q *InMemoryQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops new pushes; items already queued can still be popped.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.notify)
	}
	return nil
}

// signal must be called with mu held.
func (q *InMemoryQueue) signal() {
	if q.closed {
		return
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

type BatchQueue struct {
	queue     Queue
	batchSize int
}

func NewBatchQueue(q Queue, batchSize int) *BatchQueue {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &BatchQueue{
		queue:     q,
		batchSize: batchSize,
	}
}

// PushBatch stops at the first item the queue refuses and reports how many
// were accepted.
func (b *BatchQueue) PushBatch(items []*Item) (int, error) {
	for i, item := range items {
		if err := b.queue.Push(item); err != nil {
			return i, err
		}
	}
	return len(items), nil
}

// PopBatch waits for one item, then takes whatever else is already queued
// up to the batch size.
func (b *BatchQueue) PopBatch(ctx context.Context) ([]*Item, error) {
	first, err := b.queue.Pop(ctx)
	if err != nil {
		return nil, err
	}

	items := []*Item{first}
	for len(items) < b.batchSize {
		item, err := b.queue.TryPop()
		if err != nil {
			break
		}
		items = append(items, item)
	}
	return items, nil
}

// Observations unwraps a batch for processing.
func Observations(items []*Item) []models.Observation {
	out := make([]models.Observation, len(items))
	for i, item := range items {
		out[i] = item.Observation
	}
	return out
}
