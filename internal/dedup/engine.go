// Package dedup resolves scraped rows to canonical products and keeps one
// price snapshot per product and day.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/maltedev/catalog-dedup/internal/events"
	"github.com/maltedev/catalog-dedup/internal/identity"
	"github.com/maltedev/catalog-dedup/internal/models"
	"github.com/maltedev/catalog-dedup/internal/normalize"
	"github.com/maltedev/catalog-dedup/internal/storage"
)

type OutcomeKind int

const (
	NewProduct OutcomeKind = iota
	ExistingProduct
	Rejected
)

func (k OutcomeKind) String() string {
	switch k {
	case NewProduct:
		return "new_product"
	case ExistingProduct:
		return "existing_product"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// Outcome describes what happened to one row.
type Outcome struct {
	Kind          OutcomeKind
	ProductID     string
	Reason        string
	Err           error
	Snapshot      MergeResult
	Degenerate    bool
	PriceInverted bool
}

// Engine is safe for concurrent use as long as its IdentityMap and Store are.
type Engine struct {
	store      storage.Store
	ids        IdentityMap
	generator  *identity.Generator
	normalizer *normalize.Normalizer
	merger     *Merger
	logger     *slog.Logger
	now        func() time.Time
	emitEvents bool
}

type Option func(*Engine)

func WithMerger(m *Merger) Option {
	return func(e *Engine) { e.merger = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger.With("component", "dedup_engine") }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithEvents toggles outbox events for stores that can record them.
func WithEvents(enabled bool) Option {
	return func(e *Engine) { e.emitEvents = enabled }
}

func NewEngine(store storage.Store, ids IdentityMap, generator *identity.Generator, normalizer *normalize.Normalizer, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		ids:        ids,
		generator:  generator,
		normalizer: normalizer,
		merger:     NewMerger(PolicyLatest),
		logger:     slog.Default().With("component", "dedup_engine"),
		now:        time.Now,
		emitEvents: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Key returns the identity key of row, as used for lookups and sharding.
func (e *Engine) Key(row models.ScrapedRow) Key {
	row = row.Clean()
	return Key{NormalizedName: e.normalizer.Normalize(row.Name), Retailer: row.Retailer}
}

// Process resolves one row observed on date and records its prices.
func (e *Engine) Process(ctx context.Context, row models.ScrapedRow, date time.Time) (Outcome, error) {
	return e.process(ctx, e.store, row, date)
}

// ProcessBatch handles the observations in order. When the store supports
// transactions the whole batch commits or rolls back together and the
// returned error means nothing was kept.
func (e *Engine) ProcessBatch(ctx context.Context, batch []models.Observation) ([]Outcome, error) {
	tx, ok := e.store.(storage.TxStore)
	if !ok {
		return e.processAll(ctx, e.store, batch)
	}

	var outcomes []Outcome
	err := tx.Batch(ctx, func(s storage.Store) error {
		var err error
		outcomes, err = e.processAll(ctx, s, batch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

// Warm binds every stored product's key in the identity map, so a re-run
// over the same inputs resolves to the identifiers already stored.
func (e *Engine) Warm(ctx context.Context) (int, error) {
	loader, ok := e.store.(storage.IdentityLoader)
	if !ok {
		return 0, nil
	}
	identities, err := loader.Identities(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load identities: %w", err)
	}

	for _, id := range identities {
		key := Key{NormalizedName: id.NormalizedName, Retailer: id.Retailer}
		if _, err := e.ids.Claim(ctx, key, id.ProductID); err != nil {
			return 0, err
		}
	}
	e.logger.Info("identity map warmed", "identities", len(identities))
	return len(identities), nil
}

func (e *Engine) processAll(ctx context.Context, s storage.Store, batch []models.Observation) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(batch))
	for _, obs := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		o, err := e.process(ctx, s, obs.Row, obs.Date)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}

func (e *Engine) process(ctx context.Context, s storage.Store, row models.ScrapedRow, date time.Time) (Outcome, error) {
	row = row.Clean()
	if err := row.Validate(); err != nil {
		return Outcome{
			Kind:   Rejected,
			Reason: ReasonInvalidRow,
			Err:    fmt.Errorf("%w: %v", ErrInvalidRow, err),
		}, nil
	}

	key := Key{NormalizedName: e.normalizer.Normalize(row.Name), Retailer: row.Retailer}
	day := models.Day(date)
	capturedAt := row.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = date
	}

	productID, found, err := e.ids.Lookup(ctx, key)
	if err != nil {
		return Outcome{}, err
	}

	var out Outcome
	if !found {
		generated := e.generator.Generate(row, row.Seq)
		out.Degenerate = generated.Degenerate
		if generated.Degenerate {
			e.logger.Debug("degenerate identifier", "name", row.Name, "product_id", generated.ID)
		}
		productID, err = e.ids.Claim(ctx, key, generated.ID)
		if err != nil {
			return Outcome{}, err
		}
	}
	out.ProductID = productID

	product := models.CanonicalProduct{
		ProductID:      productID,
		NormalizedName: key.NormalizedName,
		DisplayName:    models.Truncate(row.Name, models.MaxDisplayNameLen),
		Brand:          models.Truncate(row.Brand, models.MaxBrandLen),
		Retailer:       row.Retailer,
		Category:       models.Truncate(row.Category, models.MaxCategoryLen),
		RawSKU:         models.Truncate(row.RawSKU, models.MaxRawSKULen),
		URL:            models.Truncate(row.URL, models.MaxURLLen),
		FirstSeen:      day,
		LastSeen:       day,
		Active:         true,
	}

	// The store, not the identity map, decides whether the product is new:
	// a map entry can outlive a rolled-back batch.
	created, err := s.UpsertProduct(ctx, product)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to upsert product %s: %w", productID, err)
	}
	if created {
		out.Kind = NewProduct
		if err := e.record(ctx, s, func() (events.Event, error) {
			return events.NewProductDetected(product, e.now())
		}); err != nil {
			return Outcome{}, err
		}
	} else {
		out.Kind = ExistingProduct
	}

	if row.Prices.Inverted() {
		out.PriceInverted = true
		e.logger.Debug("offer price above normal price", "product_id", productID, "retailer", row.Retailer)
	}

	out.Snapshot, err = e.merger.Merge(ctx, s, productID, row.Retailer, day, row.Prices, capturedAt)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to merge prices for %s: %w", productID, err)
	}

	if out.Snapshot == Inserted || out.Snapshot == Updated {
		minPrice, _ := row.Prices.Min()
		snap := models.PriceSnapshot{
			ProductID:  productID,
			Date:       day,
			Retailer:   row.Retailer,
			Prices:     row.Prices,
			MinPrice:   minPrice,
			CapturedAt: capturedAt,
		}
		if err := e.record(ctx, s, func() (events.Event, error) {
			return events.NewSnapshotRecorded(snap, string(out.Snapshot), e.now())
		}); err != nil {
			return Outcome{}, err
		}
	}

	return out, nil
}

func (e *Engine) record(ctx context.Context, s storage.Store, build func() (events.Event, error)) error {
	if !e.emitEvents {
		return nil
	}
	recorder, ok := s.(storage.EventRecorder)
	if !ok {
		return nil
	}
	ev, err := build()
	if err != nil {
		return err
	}
	if err := recorder.RecordEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to record %s event: %w", ev.Type, err)
	}
	return nil
}
