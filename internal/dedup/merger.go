package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maltedev/catalog-dedup/internal/models"
	"github.com/maltedev/catalog-dedup/internal/storage"
)

// Policy decides which observation wins when a product is seen more than
// once on the same day.
type Policy string

const (
	// PolicyLatest keeps the observation with the latest capture time.
	PolicyLatest Policy = "latest"
	// PolicyFirst keeps the first observation stored for the day.
	PolicyFirst Policy = "first"
)

// ParsePolicy accepts "latest" and "first"; empty means latest.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyLatest:
		return PolicyLatest, nil
	case PolicyFirst:
		return PolicyFirst, nil
	}
	return "", fmt.Errorf("unknown same-day policy %q", s)
}

type MergeResult string

const (
	Inserted MergeResult = "inserted"
	Updated  MergeResult = "updated"
	Skipped  MergeResult = "skipped"
)

// Merger keeps at most one price snapshot per product and day.
type Merger struct {
	policy Policy
}

func NewMerger(policy Policy) *Merger {
	if policy == "" {
		policy = PolicyLatest
	}
	return &Merger{policy: policy}
}

func (m *Merger) Policy() Policy {
	return m.policy
}

// Merge records prices for productID on date. Observations without a
// positive price are skipped.
func (m *Merger) Merge(ctx context.Context, store storage.Store, productID, retailer string, date time.Time, prices models.Prices, capturedAt time.Time) (MergeResult, error) {
	minPrice, ok := prices.Min()
	if !ok {
		return Skipped, nil
	}

	snap := models.PriceSnapshot{
		ProductID:  productID,
		Date:       models.Day(date),
		Retailer:   retailer,
		Prices:     prices,
		MinPrice:   minPrice,
		CapturedAt: capturedAt,
	}

	existing, err := store.GetSnapshot(ctx, productID, snap.Date)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		inserted, err := store.InsertSnapshot(ctx, snap)
		if err != nil {
			return "", fmt.Errorf("failed to insert snapshot: %w", err)
		}
		if inserted {
			return Inserted, nil
		}
		// Another writer got there first; treat its row as the existing one.
		existing, err = store.GetSnapshot(ctx, productID, snap.Date)
		if err != nil {
			return "", fmt.Errorf("failed to reload snapshot: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("failed to get snapshot: %w", err)
	}

	if m.policy == PolicyFirst || !capturedAt.After(existing.CapturedAt) {
		return Skipped, nil
	}

	updated, err := store.UpdateSnapshot(ctx, snap)
	if err != nil {
		return "", fmt.Errorf("failed to update snapshot: %w", err)
	}
	if !updated {
		return Skipped, nil
	}
	return Updated, nil
}
