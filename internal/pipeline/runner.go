// Package pipeline feeds observations through the deduplication engine in
// chronological, transactional batches.
package pipeline

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/maltedev/catalog-dedup/internal/dedup"
	"github.com/maltedev/catalog-dedup/internal/metrics"
	"github.com/maltedev/catalog-dedup/internal/models"
	"github.com/maltedev/catalog-dedup/internal/ratelimit"
	"github.com/maltedev/catalog-dedup/internal/storage"
)

const (
	DefaultBatchSize  = 500
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
	maxRetryDelay     = 30 * time.Second
)

// Processor is the part of dedup.Engine the runner drives.
type Processor interface {
	ProcessBatch(ctx context.Context, batch []models.Observation) ([]dedup.Outcome, error)
	Key(row models.ScrapedRow) dedup.Key
}

type Config struct {
	BatchSize  int
	Workers    int
	MaxRetries int
	RetryDelay time.Duration
}

// Runner is safe to reuse across runs; each Run returns its own Stats.
type Runner struct {
	proc    Processor
	cfg     Config
	backoff *ratelimit.Backoff
	logger  *slog.Logger
}

func NewRunner(proc Processor, cfg Config, logger *slog.Logger) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &Runner{
		proc:    proc,
		cfg:     cfg,
		backoff: ratelimit.NewBackoff(cfg.RetryDelay, maxRetryDelay),
		logger:  logger.With("component", "pipeline"),
	}
}

// Run processes observations oldest first. A batch hitting a permanent error
// is replayed row by row so only the offending rows are counted as errored.
// A batch that stays unavailable after its retries is abandoned whole. Only
// context cancellation stops the run early.
func (r *Runner) Run(ctx context.Context, observations []models.Observation) (dedup.Stats, error) {
	ordered := Chronological(observations)

	if r.cfg.Workers == 1 {
		var stats dedup.Stats
		err := r.runShard(ctx, ordered, &stats)
		return stats, err
	}

	shards := r.shard(ordered)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		total    dedup.Stats
		firstErr error
	)
	for _, shard := range shards {
		if len(shard) == 0 {
			continue
		}
		wg.Add(1)
		go func(shard []models.Observation) {
			defer wg.Done()
			var stats dedup.Stats
			err := r.runShard(ctx, shard, &stats)

			mu.Lock()
			defer mu.Unlock()
			total.Merge(stats)
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}(shard)
	}
	wg.Wait()

	return total, firstErr
}

// Chronological returns observations sorted by day, then capture time.
// The sort is stable so rows captured together keep their file order.
func Chronological(observations []models.Observation) []models.Observation {
	out := append([]models.Observation(nil), observations...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Row.CapturedAt.Before(out[j].Row.CapturedAt)
	})
	return out
}

// shard routes every observation of a key to the same worker so per-key
// order survives parallelism.
func (r *Runner) shard(ordered []models.Observation) [][]models.Observation {
	shards := make([][]models.Observation, r.cfg.Workers)
	for _, obs := range ordered {
		key := r.proc.Key(obs.Row)
		h := fnv.New32a()
		h.Write([]byte(key.String()))
		idx := int(h.Sum32() % uint32(r.cfg.Workers))
		shards[idx] = append(shards[idx], obs)
	}
	return shards
}

func (r *Runner) runShard(ctx context.Context, observations []models.Observation, stats *dedup.Stats) error {
	for start := 0; start < len(observations); start += r.cfg.BatchSize {
		end := start + r.cfg.BatchSize
		if end > len(observations) {
			end = len(observations)
		}
		if err := r.runBatch(ctx, observations[start:end], stats); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runBatch(ctx context.Context, batch []models.Observation, stats *dedup.Stats) error {
	for attempt := 0; ; attempt++ {
		started := time.Now()
		outcomes, err := r.proc.ProcessBatch(ctx, batch)
		if err == nil {
			metrics.BatchDuration.Observe(time.Since(started).Seconds())
			for _, o := range outcomes {
				stats.Add(o)
				observe(o)
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		transient := errors.Is(err, storage.ErrUnavailable)
		if !transient && len(batch) > 1 {
			r.logger.Warn("batch failed, retrying rows one at a time",
				"rows", len(batch),
				"error", err,
			)
			return r.runRows(ctx, batch, stats)
		}

		if !transient || attempt >= r.cfg.MaxRetries {
			stats.BatchesFailed++
			stats.Errored += int64(len(batch))
			metrics.BatchFailures.Inc()
			r.logger.Error("batch abandoned",
				"rows", len(batch),
				"attempts", attempt+1,
				"error", err,
			)
			return nil
		}

		stats.BatchesRetried++
		metrics.BatchRetries.Inc()
		r.logger.Warn("batch failed, retrying",
			"rows", len(batch),
			"attempt", attempt+1,
			"error", err,
		)
		if err := r.backoff.Wait(ctx, attempt); err != nil {
			return err
		}
	}
}

// runRows isolates a permanently failing row so it does not take the rest
// of its batch down with it.
func (r *Runner) runRows(ctx context.Context, batch []models.Observation, stats *dedup.Stats) error {
	for i := range batch {
		if err := r.runBatch(ctx, batch[i:i+1], stats); err != nil {
			return err
		}
	}
	return nil
}

func observe(o dedup.Outcome) {
	metrics.RowsProcessed.WithLabelValues(o.Kind.String()).Inc()
	if o.Kind == dedup.Rejected {
		return
	}
	metrics.Snapshots.WithLabelValues(string(o.Snapshot)).Inc()
	if o.Degenerate {
		metrics.DegenerateIdentifiers.Inc()
	}
	if o.PriceInverted {
		metrics.PriceInversions.Inc()
	}
}
