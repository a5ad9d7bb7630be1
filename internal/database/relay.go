package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/maltedev/catalog-dedup/internal/metrics"
)

// RelaySource identifies this service in stream envelopes.
const RelaySource = "catalog-dedup"

// DefaultStreamMaxLen bounds each stream; trimming is approximate.
const DefaultStreamMaxLen = 100000

// RedisClient is the part of the Redis client the relay publishes with.
type RedisClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
}

// OutboxRepo is the part of OutboxRepository the relay drives.
type OutboxRepo interface {
	GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, err error) error
	CountByStatus(ctx context.Context) (map[string]int64, error)
	PurgeProcessed(ctx context.Context, before time.Time) (int64, error)
}

// Relay moves catalog events from the outbox table to Redis streams, where
// price analysis consumers read PRODUCT_DETECTED and PRICE_SNAPSHOT_RECORDED.
type Relay struct {
	redis     RedisClient
	outbox    OutboxRepo
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	maxLen    int64
	retention time.Duration
	lastPurge time.Time
	now       func() time.Time
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	StreamMaxLen int64
	// Retention is how long published events stay in the outbox. Zero
	// keeps them forever.
	Retention time.Duration
}

// purgeEvery spaces out outbox cleanups.
const purgeEvery = time.Hour

func NewRelay(outbox OutboxRepo, redisClient RedisClient, logger *slog.Logger, config RelayConfig) *Relay {
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.StreamMaxLen <= 0 {
		config.StreamMaxLen = DefaultStreamMaxLen
	}

	return &Relay{
		redis:     redisClient,
		outbox:    outbox,
		logger:    logger.With("component", "relay"),
		interval:  config.PollInterval,
		batchSize: config.BatchSize,
		maxLen:    config.StreamMaxLen,
		retention: config.Retention,
		now:       time.Now,
	}
}

// Start drains the outbox every poll interval until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("starting relay",
		"interval", r.interval,
		"batch_size", r.batchSize,
		"stream_max_len", r.maxLen)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if n, err := r.Drain(ctx); err != nil {
			r.logger.Error("failed to relay events", "error", err)
		} else if n > 0 {
			r.logger.Debug("events relayed", "count", n)
		}
		r.purge(ctx)

		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain publishes due events batch by batch and returns how many reached
// Redis. It stops after a short batch or a batch where nothing went through.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		published, fetched, err := r.relayBatch(ctx)
		total += published
		if err != nil {
			return total, err
		}
		if fetched < r.batchSize || published == 0 {
			return total, nil
		}
	}
}

func (r *Relay) relayBatch(ctx context.Context) (published, fetched int, err error) {
	pending, err := r.outbox.GetPending(ctx, r.batchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get pending events: %w", err)
	}

	for _, event := range pending {
		if err := r.relay(ctx, event); err != nil {
			r.logger.Error("failed to relay event",
				"event_id", event.ID,
				"product_id", event.AggregateID,
				"retry_count", event.RetryCount,
				"error", err)
			continue
		}
		published++
	}
	return published, len(pending), nil
}

func (r *Relay) relay(ctx context.Context, event *OutboxEvent) error {
	if err := r.publishToRedis(ctx, event); err != nil {
		metrics.EventsRelayed.WithLabelValues("failed").Inc()
		if markErr := r.outbox.MarkFailed(ctx, event.ID, err); markErr != nil {
			r.logger.Error("failed to mark event as failed", "event_id", event.ID, "error", markErr)
		}
		return err
	}

	if err := r.outbox.MarkProcessed(ctx, event.ID); err != nil {
		// The event is already on the stream and will be sent again;
		// consumers dedupe on event_id.
		return fmt.Errorf("failed to mark event as processed: %w", err)
	}
	metrics.EventsRelayed.WithLabelValues("published").Inc()
	return nil
}

func (r *Relay) purge(ctx context.Context) {
	if r.retention <= 0 || r.now().Sub(r.lastPurge) < purgeEvery {
		return
	}
	r.lastPurge = r.now()

	n, err := r.outbox.PurgeProcessed(ctx, r.now().Add(-r.retention))
	if err != nil {
		r.logger.Error("failed to purge outbox", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("outbox purged", "deleted", n, "retention", r.retention)
	}
}

// envelope is the JSON document stored in the "data" field of each stream
// entry.
type envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	AggregateType string          `json:"aggregate_type"`
	ProductID     string          `json:"product_id"`
	Timestamp     string          `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	Source        string          `json:"source"`
	Attempt       int             `json:"attempt"`
}

func (r *Relay) publishToRedis(ctx context.Context, event *OutboxEvent) error {
	if !json.Valid(event.Payload) {
		return fmt.Errorf("invalid payload for event %s", event.ID)
	}

	data, err := json.Marshal(envelope{
		ID:            event.ID.String(),
		Type:          event.EventType,
		AggregateType: event.AggregateType,
		ProductID:     event.AggregateID,
		Timestamp:     event.CreatedAt.UTC().Format(time.RFC3339),
		Payload:       event.Payload,
		Source:        RelaySource,
		Attempt:       event.RetryCount + 1,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: event.TargetStream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{
			"event_id":   event.ID.String(),
			"event_type": event.EventType,
			"product_id": event.AggregateID,
			"created_at": strconv.FormatInt(event.CreatedAt.UnixMilli(), 10),
			"data":       string(data),
		},
	}

	if _, err := r.redis.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

// Backlog reports events still to be published (pending or failed awaiting
// retry) and those parked in the dead letter state.
func (r *Relay) Backlog(ctx context.Context) (pending, deadLetter int64, err error) {
	counts, err := r.outbox.CountByStatus(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count outbox events: %w", err)
	}
	return counts[OutboxStatusPending] + counts[OutboxStatusFailed], counts[OutboxStatusDeadLetter], nil
}
