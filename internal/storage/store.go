// Package storage defines the persistence contract for canonical products and
// daily price snapshots, with in-memory and SQLite implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/maltedev/catalog-dedup/internal/events"
	"github.com/maltedev/catalog-dedup/internal/models"
)

var (
	// ErrUnavailable marks transient failures worth retrying.
	ErrUnavailable = errors.New("storage unavailable")
	// ErrConflict marks a unique-key violation that upsert semantics did not absorb.
	ErrConflict = errors.New("storage conflict")
	ErrNotFound = errors.New("not found")
)

// Store is the write path used by the deduplication engine.
type Store interface {
	// UpsertProduct inserts p or, when the product_id exists, widens its
	// first/last seen range to include p's dates. created reports an insert.
	UpsertProduct(ctx context.Context, p models.CanonicalProduct) (created bool, err error)
	// GetSnapshot returns ErrNotFound when no row exists for the day.
	GetSnapshot(ctx context.Context, productID string, date time.Time) (*models.PriceSnapshot, error)
	// InsertSnapshot never overwrites; inserted is false when the row exists.
	InsertSnapshot(ctx context.Context, s models.PriceSnapshot) (inserted bool, err error)
	// UpdateSnapshot replaces the day's prices only when s.CapturedAt is
	// strictly later than the stored capture, bumping the intraday counter.
	UpdateSnapshot(ctx context.Context, s models.PriceSnapshot) (updated bool, err error)
}

// TxStore runs fn atomically: either every write inside fn is kept or none.
type TxStore interface {
	Store
	Batch(ctx context.Context, fn func(Store) error) error
}

// EventRecorder is implemented by stores with a transactional outbox.
type EventRecorder interface {
	RecordEvent(ctx context.Context, ev events.Event) error
}

// Identity is one (normalized name, retailer) → product_id binding.
type Identity struct {
	NormalizedName string
	Retailer       string
	ProductID      string
}

// IdentityLoader lists stored bindings so an identity map can be warmed.
type IdentityLoader interface {
	Identities(ctx context.Context) ([]Identity, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// ProductFilter narrows ListProducts. Zero values match everything.
type ProductFilter struct {
	Retailer string
	Category string
	Limit    int
	Offset   int
}

// DailyPrice is a snapshot joined with the product attributes analysis
// consumers need to compare retailers.
type DailyPrice struct {
	models.PriceSnapshot
	DisplayName string `json:"display_name"`
	Brand       string `json:"brand"`
	Category    string `json:"category"`
}

// Reader is the query side used by the HTTP API.
type Reader interface {
	ListProducts(ctx context.Context, f ProductFilter) ([]models.CanonicalProduct, error)
	GetProduct(ctx context.Context, productID string) (*models.CanonicalProduct, error)
	PriceHistory(ctx context.Context, productID string) ([]models.PriceSnapshot, error)
	DailyPrices(ctx context.Context, date time.Time, category string) ([]DailyPrice, error)
}

// DuplicateSnapshot is a (product, day) pair with more than one stored row.
type DuplicateSnapshot struct {
	ProductID string
	Date      time.Time
	Count     int
}

// Auditor checks stored data against the one-row-per-day rule.
type Auditor interface {
	DuplicateSnapshots(ctx context.Context) ([]DuplicateSnapshot, error)
}

// DefaultListLimit caps ListProducts when no limit is given.
const DefaultListLimit = 100

// EffectiveLimit applies the default and upper bound.
func (f ProductFilter) EffectiveLimit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return DefaultListLimit
	}
	return f.Limit
}

// Backend is everything the binaries need from a store.
type Backend interface {
	TxStore
	IdentityLoader
	Reader
	Auditor
	Pinger
	Close() error
}
