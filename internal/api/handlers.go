// Package api serves the deduplicated catalog to analysis consumers and
// accepts observations pushed by scrapers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/maltedev/catalog-dedup/internal/models"
	"github.com/maltedev/catalog-dedup/internal/storage"
)

// MaxObservationsPerRequest bounds the body of POST /observations.
const MaxObservationsPerRequest = 1000

// BacklogReporter exposes outbox health; the relay implements it.
type BacklogReporter interface {
	Backlog(ctx context.Context) (pending, deadLetter int64, err error)
}

type Handlers struct {
	reader   storage.Reader
	pinger   storage.Pinger
	ingestor *Ingestor
	backlog  BacklogReporter
	location *time.Location
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Handlers)

// WithIngestor enables POST /observations.
func WithIngestor(i *Ingestor) Option {
	return func(h *Handlers) { h.ingestor = i }
}

// WithBacklog adds outbox counts to /health.
func WithBacklog(b BacklogReporter) Option {
	return func(h *Handlers) { h.backlog = b }
}

// WithLocation sets the zone used to derive calendar days from capture
// times.
func WithLocation(loc *time.Location) Option {
	return func(h *Handlers) { h.location = loc }
}

func NewHandlers(reader storage.Reader, pinger storage.Pinger, logger *slog.Logger, opts ...Option) *Handlers {
	h := &Handlers{
		reader:   reader,
		pinger:   pinger,
		location: time.UTC,
		validate: validator.New(),
		logger:   logger.With("component", "api"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health reports store connectivity and, when available, outbox backlog.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{"status": "ok"}
	status := http.StatusOK

	if err := h.pinger.Ping(r.Context()); err != nil {
		h.logger.Error("health check failed", "error", err)
		health["status"] = "error"
		health["message"] = "store unavailable"
		h.respondJSON(w, http.StatusServiceUnavailable, health)
		return
	}

	if h.backlog != nil {
		pending, dead, err := h.backlog.Backlog(r.Context())
		if err == nil {
			health["outbox"] = map[string]any{
				"pending":     pending,
				"dead_letter": dead,
			}
			if pending > 1000 {
				health["status"] = "warning"
				health["message"] = "High number of pending outbox events"
			}
			if dead > 100 {
				health["status"] = "error"
				health["message"] = "High number of dead letter events"
				status = http.StatusServiceUnavailable
			}
		}
	}

	if h.ingestor != nil {
		health["ingest_queue_depth"] = h.ingestor.QueueDepth()
	}

	h.respondJSON(w, status, health)
}

// ListProducts handles GET /products?retailer=&category=&limit=&offset=
func (h *Handlers) ListProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.ProductFilter{
		Retailer: q.Get("retailer"),
		Category: q.Get("category"),
	}

	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		h.respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		h.respondError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	products, err := h.reader.ListProducts(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list products", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list products")
		return
	}
	if products == nil {
		products = []models.CanonicalProduct{}
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"products": products,
		"count":    len(products),
		"limit":    filter.EffectiveLimit(),
		"offset":   filter.Offset,
	})
}

// GetProduct handles GET /products/{productID}
func (h *Handlers) GetProduct(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")

	product, err := h.reader.GetProduct(r.Context(), productID)
	if errors.Is(err, storage.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "product not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get product", "error", err, "product_id", productID)
		h.respondError(w, http.StatusInternalServerError, "failed to get product")
		return
	}

	h.respondJSON(w, http.StatusOK, product)
}

// PricePoint is one day of a product's price history with the change
// against the previous recorded day.
type PricePoint struct {
	Date             string   `json:"date"`
	NormalPrice      *int64   `json:"normal_price,omitempty"`
	OfferPrice       *int64   `json:"offer_price,omitempty"`
	CardPrice        *int64   `json:"card_price,omitempty"`
	MinPrice         int64    `json:"min_price_of_day"`
	CapturedAt       string   `json:"capture_timestamp"`
	IntradayUpdates  int      `json:"intraday_update_count"`
	PreviousDate     string   `json:"previous_date,omitempty"`
	PreviousMinPrice *int64   `json:"previous_min_price,omitempty"`
	ChangePercent    *float64 `json:"change_percent,omitempty"`
}

// GetPrices handles GET /products/{productID}/prices
func (h *Handlers) GetPrices(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")

	if _, err := h.reader.GetProduct(r.Context(), productID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "product not found")
			return
		}
		h.logger.Error("failed to get product", "error", err, "product_id", productID)
		h.respondError(w, http.StatusInternalServerError, "failed to get prices")
		return
	}

	history, err := h.reader.PriceHistory(r.Context(), productID)
	if err != nil {
		h.logger.Error("failed to get price history", "error", err, "product_id", productID)
		h.respondError(w, http.StatusInternalServerError, "failed to get prices")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"product_id": productID,
		"prices":     PriceSeries(history),
	})
}

// PriceSeries converts a date-ordered history into price points with
// day-over-day changes.
func PriceSeries(history []models.PriceSnapshot) []PricePoint {
	points := make([]PricePoint, len(history))
	for i, s := range history {
		p := PricePoint{
			Date:            s.Date.Format(time.DateOnly),
			NormalPrice:     s.Prices.Normal,
			OfferPrice:      s.Prices.Offer,
			CardPrice:       s.Prices.Card,
			MinPrice:        s.MinPrice,
			CapturedAt:      s.CapturedAt.Format(time.RFC3339),
			IntradayUpdates: s.IntradayUpdates,
		}
		if i > 0 {
			prev := history[i-1]
			p.PreviousDate = prev.Date.Format(time.DateOnly)
			p.PreviousMinPrice = models.Int64(prev.MinPrice)
			if prev.MinPrice > 0 {
				change := float64(s.MinPrice-prev.MinPrice) / float64(prev.MinPrice) * 100
				change = math.Round(change*100) / 100
				p.ChangePercent = &change
			}
		}
		points[i] = p
	}
	return points
}

// DailySnapshots handles GET /snapshots?date=YYYY-MM-DD&category=
func (h *Handlers) DailySnapshots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	day := models.Day(h.now().In(h.location))
	if raw := q.Get("date"); raw != "" {
		parsed, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		day = parsed
	}

	prices, err := h.reader.DailyPrices(r.Context(), day, q.Get("category"))
	if err != nil {
		h.logger.Error("failed to get daily prices", "error", err, "date", day)
		h.respondError(w, http.StatusInternalServerError, "failed to get snapshots")
		return
	}
	if prices == nil {
		prices = []storage.DailyPrice{}
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"date":      day.Format(time.DateOnly),
		"count":     len(prices),
		"snapshots": prices,
	})
}

// ObservationRequest is the body of POST /observations.
type ObservationRequest struct {
	Rows []ObservationRow `json:"rows" validate:"required,min=1,dive"`
}

type ObservationRow struct {
	Name        string    `json:"name" validate:"required"`
	Brand       string    `json:"brand"`
	SKU         string    `json:"sku"`
	URL         string    `json:"url" validate:"omitempty,url"`
	Category    string    `json:"category"`
	Retailer    string    `json:"retailer" validate:"required,max=50"`
	NormalPrice *int64    `json:"normal_price"`
	OfferPrice  *int64    `json:"offer_price"`
	CardPrice   *int64    `json:"card_price"`
	CapturedAt  time.Time `json:"captured_at" validate:"required"`
	// Date overrides the calendar day derived from CapturedAt.
	Date string `json:"date" validate:"omitempty,datetime=2006-01-02"`
}

// SubmitObservations handles POST /observations. Rows are queued and
// processed asynchronously.
func (h *Handlers) SubmitObservations(w http.ResponseWriter, r *http.Request) {
	if h.ingestor == nil {
		h.respondError(w, http.StatusNotImplemented, "ingest is disabled")
		return
	}

	var req ObservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Rows) > MaxObservationsPerRequest {
		h.respondError(w, http.StatusRequestEntityTooLarge, "too many rows in one request")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	observations := make([]models.Observation, len(req.Rows))
	for i, row := range req.Rows {
		observations[i] = h.observation(row, i)
	}

	accepted, err := h.ingestor.Submit(observations)
	if err != nil {
		h.logger.Warn("ingest queue refused rows", "accepted", accepted, "submitted", len(observations), "error", err)
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":    "ingest queue is full",
			"accepted": accepted,
		})
		return
	}

	h.respondJSON(w, http.StatusAccepted, map[string]any{
		"accepted":    accepted,
		"queue_depth": h.ingestor.QueueDepth(),
	})
}

// IngestStats handles GET /ingest/stats
func (h *Handlers) IngestStats(w http.ResponseWriter, r *http.Request) {
	if h.ingestor == nil {
		h.respondError(w, http.StatusNotImplemented, "ingest is disabled")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"stats":       h.ingestor.Stats(),
		"queue_depth": h.ingestor.QueueDepth(),
	})
}

func (h *Handlers) observation(row ObservationRow, seq int) models.Observation {
	captured := row.CapturedAt.In(h.location)
	day := models.Day(captured)
	if row.Date != "" {
		if parsed, err := time.Parse(time.DateOnly, row.Date); err == nil {
			day = parsed
		}
	}
	return models.Observation{
		Row: models.ScrapedRow{
			Name:     row.Name,
			Brand:    row.Brand,
			RawSKU:   row.SKU,
			URL:      row.URL,
			Category: row.Category,
			Prices: models.Prices{
				Normal: row.NormalPrice,
				Offer:  row.OfferPrice,
				Card:   row.CardPrice,
			},
			Retailer:   row.Retailer,
			CapturedAt: captured,
			Seq:        seq,
		},
		Date: day,
	}
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}
