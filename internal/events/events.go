// Package events defines the messages downstream consumers receive when the
// catalog changes.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/catalog-dedup/internal/models"
)

// EventType represents the type of event
type EventType string

const (
	// EventTypeProductDetected is emitted the first time an identifier is stored
	EventTypeProductDetected EventType = "PRODUCT_DETECTED"
	// EventTypeSnapshotRecorded is emitted when a day's price row is inserted or replaced
	EventTypeSnapshotRecorded EventType = "PRICE_SNAPSHOT_RECORDED"

	AggregateProduct = "product"

	// DefaultStream is the Redis stream the relay publishes to.
	DefaultStream = "stream:catalog_dedup"
)

// Event is an outbox entry before persistence.
type Event struct {
	ID            uuid.UUID
	Type          EventType
	AggregateType string
	AggregateID   string
	Payload       json.RawMessage
	Stream        string
	CreatedAt     time.Time
}

// ProductDetectedPayload represents the payload for PRODUCT_DETECTED
type ProductDetectedPayload struct {
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	Timestamp      time.Time `json:"timestamp"`
	ProductID      string    `json:"product_id"`
	NormalizedName string    `json:"normalized_name"`
	DisplayName    string    `json:"display_name"`
	Brand          string    `json:"brand,omitempty"`
	Retailer       string    `json:"retailer"`
	Category       string    `json:"category,omitempty"`
	URL            string    `json:"url,omitempty"`
	FirstSeen      string    `json:"first_seen_date"`
}

// SnapshotRecordedPayload represents the payload for PRICE_SNAPSHOT_RECORDED
type SnapshotRecordedPayload struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	Timestamp   time.Time `json:"timestamp"`
	ProductID   string    `json:"product_id"`
	Retailer    string    `json:"retailer"`
	Date        string    `json:"date"`
	Result      string    `json:"result"`
	NormalPrice *int64    `json:"normal_price,omitempty"`
	OfferPrice  *int64    `json:"offer_price,omitempty"`
	CardPrice   *int64    `json:"card_price,omitempty"`
	MinPrice    int64     `json:"min_price_of_day"`
	CapturedAt  time.Time `json:"capture_timestamp"`
}

// NewProductDetected builds the event for a newly stored product.
func NewProductDetected(p models.CanonicalProduct, now time.Time) (Event, error) {
	id := uuid.New()
	payload := ProductDetectedPayload{
		EventID:        id.String(),
		EventType:      string(EventTypeProductDetected),
		Timestamp:      now,
		ProductID:      p.ProductID,
		NormalizedName: p.NormalizedName,
		DisplayName:    p.DisplayName,
		Brand:          p.Brand,
		Retailer:       p.Retailer,
		Category:       p.Category,
		URL:            p.URL,
		FirstSeen:      p.FirstSeen.Format(time.DateOnly),
	}
	return build(id, EventTypeProductDetected, p.ProductID, payload, now)
}

// NewSnapshotRecorded builds the event for an inserted or updated price row.
// result is the merge outcome ("inserted" or "updated").
func NewSnapshotRecorded(s models.PriceSnapshot, result string, now time.Time) (Event, error) {
	id := uuid.New()
	payload := SnapshotRecordedPayload{
		EventID:     id.String(),
		EventType:   string(EventTypeSnapshotRecorded),
		Timestamp:   now,
		ProductID:   s.ProductID,
		Retailer:    s.Retailer,
		Date:        s.Date.Format(time.DateOnly),
		Result:      result,
		NormalPrice: s.Prices.Normal,
		OfferPrice:  s.Prices.Offer,
		CardPrice:   s.Prices.Card,
		MinPrice:    s.MinPrice,
		CapturedAt:  s.CapturedAt,
	}
	return build(id, EventTypeSnapshotRecorded, s.ProductID, payload, now)
}

func build(id uuid.UUID, typ EventType, aggregateID string, payload any, now time.Time) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	return Event{
		ID:            id,
		Type:          typ,
		AggregateType: AggregateProduct,
		AggregateID:   aggregateID,
		Payload:       data,
		Stream:        DefaultStream,
		CreatedAt:     now,
	}, nil
}
