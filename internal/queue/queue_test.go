package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/catalog-dedup/internal/models"
)

func obs(name string) models.Observation {
	return models.Observation{Row: models.ScrapedRow{Name: name, Retailer: "paris"}}
}

func TestQueueFIFO(t *testing.T) {
	q := NewInMemoryQueue(0)
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, q.Push(NewItem(obs(name))))
	}
	assert.Equal(t, 3, q.Size())

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		item, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, item.Observation.Row.Name)
	}

	_, err := q.TryPop()
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestQueueCapacity(t *testing.T) {
	q := NewInMemoryQueue(1)
	require.NoError(t, q.Push(NewItem(obs("a"))))
	assert.ErrorIs(t, q.Push(NewItem(obs("b"))), ErrQueueFull)
}

func TestQueuePopWaitsForPush(t *testing.T) {
	q := NewInMemoryQueue(0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	var got *Item
	go func() {
		defer wg.Done()
		var err error
		got, err = q.Pop(ctx)
		assert.NoError(t, err)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Push(NewItem(obs("late"))))
	wg.Wait()
	require.NotNil(t, got)
	assert.Equal(t, "late", got.Observation.Row.Name)
}

func TestQueuePopHonoursContext(t *testing.T) {
	q := NewInMemoryQueue(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueCloseDrains(t *testing.T) {
	q := NewInMemoryQueue(0)
	require.NoError(t, q.Push(NewItem(obs("a"))))
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Push(NewItem(obs("b"))), ErrQueueClosed)

	item, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", item.Observation.Row.Name)

	_, err = q.Pop(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestBatchQueue(t *testing.T) {
	q := NewInMemoryQueue(0)
	bq := NewBatchQueue(q, 2)

	n, err := bq.PushBatch([]*Item{NewItem(obs("a")), NewItem(obs("b")), NewItem(obs("c"))})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ctx := context.Background()
	first, err := bq.PopBatch(ctx)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	second, err := bq.PopBatch(ctx)
	require.NoError(t, err)
	require.Len(t, second, 1)

	observations := Observations(append(first, second...))
	assert.Equal(t, "c", observations[2].Row.Name)
}
