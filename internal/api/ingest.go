package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/maltedev/catalog-dedup/internal/dedup"
	"github.com/maltedev/catalog-dedup/internal/metrics"
	"github.com/maltedev/catalog-dedup/internal/models"
	"github.com/maltedev/catalog-dedup/internal/queue"
)

// BatchRunner deduplicates a batch of observations.
type BatchRunner interface {
	Run(ctx context.Context, observations []models.Observation) (dedup.Stats, error)
}

// Ingestor buffers observations posted to the API and feeds them to the
// pipeline in batches from a single background worker.
type Ingestor struct {
	queue  queue.Queue
	batch  *queue.BatchQueue
	runner BatchRunner
	logger *slog.Logger

	mu     sync.Mutex
	totals dedup.Stats
}

func NewIngestor(q queue.Queue, runner BatchRunner, batchSize int, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		queue:  q,
		batch:  queue.NewBatchQueue(q, batchSize),
		runner: runner,
		logger: logger.With("component", "ingestor"),
	}
}

// Submit enqueues observations and reports how many were accepted before
// the queue refused one.
func (i *Ingestor) Submit(observations []models.Observation) (int, error) {
	items := make([]*queue.Item, len(observations))
	for n, obs := range observations {
		items[n] = queue.NewItem(obs)
	}
	accepted, err := i.batch.PushBatch(items)
	metrics.IngestQueueDepth.Set(float64(i.queue.Size()))
	return accepted, err
}

// Run processes queued batches until ctx is cancelled or the queue closes.
func (i *Ingestor) Run(ctx context.Context) error {
	i.logger.Info("ingest worker started")
	for {
		items, err := i.batch.PopBatch(ctx)
		if errors.Is(err, queue.ErrQueueClosed) {
			i.logger.Info("ingest queue closed")
			return nil
		}
		if err != nil {
			return err
		}
		metrics.IngestQueueDepth.Set(float64(i.queue.Size()))

		stats, err := i.runner.Run(ctx, queue.Observations(items))
		i.mu.Lock()
		i.totals.Merge(stats)
		i.mu.Unlock()
		if err != nil {
			return err
		}
		i.logger.Debug("ingest batch processed", stats.LogAttrs()...)
	}
}

// Stats returns the totals of everything processed so far.
func (i *Ingestor) Stats() dedup.Stats {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.totals
}

func (i *Ingestor) QueueDepth() int {
	return i.queue.Size()
}
