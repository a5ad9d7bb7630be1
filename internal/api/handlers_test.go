package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/catalog-dedup/internal/dedup"
	"github.com/maltedev/catalog-dedup/internal/identity"
	"github.com/maltedev/catalog-dedup/internal/models"
	"github.com/maltedev/catalog-dedup/internal/normalize"
	"github.com/maltedev/catalog-dedup/internal/pipeline"
	"github.com/maltedev/catalog-dedup/internal/queue"
	"github.com/maltedev/catalog-dedup/internal/ratelimit"
	"github.com/maltedev/catalog-dedup/internal/storage"
)

var (
	jan15 = time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	jan16 = time.Date(2025, 1, 16, 0, 0, 0, 0, time.UTC)
)

type testServer struct {
	store    *storage.Memory
	engine   *dedup.Engine
	ingestor *Ingestor
	handler  http.Handler
}

func newTestServer(t *testing.T, limiter *ratelimit.Limiter, opts ...Option) *testServer {
	t.Helper()
	logger := slog.Default()
	store := storage.NewMemory()
	norm := normalize.Default()
	gen, err := identity.NewGenerator(identity.DefaultVocabulary(), norm)
	require.NoError(t, err)
	engine := dedup.NewEngine(store, dedup.NewMemoryIdentityMap(), gen, norm)

	runner := pipeline.NewRunner(engine, pipeline.Config{BatchSize: 10, Workers: 1}, logger)
	ingestor := NewIngestor(queue.NewInMemoryQueue(5), runner, 10, logger)

	opts = append([]Option{WithIngestor(ingestor)}, opts...)
	h := NewHandlers(store, store, logger, opts...)
	h.now = func() time.Time { return jan16.Add(12 * time.Hour) }

	return &testServer{store: store, engine: engine, ingestor: ingestor, handler: NewRouter(h, limiter)}
}

func (s *testServer) seed(t *testing.T, row models.ScrapedRow, date time.Time) string {
	t.Helper()
	out, err := s.engine.Process(context.Background(), row, date)
	require.NoError(t, err)
	return out.ProductID
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func galaxy(at time.Time, offer int64) models.ScrapedRow {
	return models.ScrapedRow{
		Name:       "Samsung Galaxy S24 Ultra 256GB Negro",
		Retailer:   "falabella",
		RawSKU:     "SKU-123",
		Category:   "Celulares",
		Prices:     models.Prices{Normal: models.Int64(1299990), Offer: models.Int64(offer)},
		CapturedAt: at,
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return storage.ErrUnavailable }

func TestHealthStoreDown(t *testing.T) {
	h := NewHandlers(storage.NewMemory(), failingPinger{}, slog.Default())
	rec := httptest.NewRecorder()
	NewRouter(h, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type MockBacklog struct {
	mock.Mock
}

func (m *MockBacklog) Backlog(ctx context.Context) (int64, int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Get(1).(int64), args.Error(2)
}

func TestHealthBacklog(t *testing.T) {
	backlog := new(MockBacklog)
	backlog.On("Backlog", mock.Anything).Return(int64(1500), int64(3), nil)

	s := newTestServer(t, nil, WithBacklog(backlog))
	rec := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "warning", body["status"])
	outbox := body["outbox"].(map[string]any)
	assert.EqualValues(t, 1500, outbox["pending"])
	assert.EqualValues(t, 3, outbox["dead_letter"])
}

func TestListAndGetProducts(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.seed(t, galaxy(jan15.Add(9*time.Hour), 1099990), jan15)
	s.seed(t, models.ScrapedRow{Name: "Apple iPhone 15 128GB", Retailer: "ripley", Prices: models.Prices{Normal: models.Int64(899990)}}, jan15)

	rec := s.do(t, http.MethodGet, "/api/v1/products?retailer=falabella", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 1, body["count"])
	assert.EqualValues(t, storage.DefaultListLimit, body["limit"])

	rec = s.do(t, http.MethodGet, "/api/v1/products", nil)
	assert.EqualValues(t, 2, decode(t, rec)["count"])

	rec = s.do(t, http.MethodGet, "/api/v1/products?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/products/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	product := decode(t, rec)
	assert.Equal(t, id, product["product_id"])
	assert.Equal(t, "SAMSUNG GALAXY S24 ULTRA 256GB NEGRO", product["normalized_name"])

	rec = s.do(t, http.MethodGet, "/api/v1/products/CL-NOPE", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetPrices(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.seed(t, galaxy(jan15.Add(9*time.Hour), 1000000), jan15)
	s.seed(t, galaxy(jan16.Add(9*time.Hour), 900000), jan16)

	rec := s.do(t, http.MethodGet, "/api/v1/products/"+id+"/prices", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Prices []PricePoint `json:"prices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Prices, 2)
	assert.Nil(t, body.Prices[0].ChangePercent)
	assert.Equal(t, "2025-01-16", body.Prices[1].Date)
	assert.Equal(t, "2025-01-15", body.Prices[1].PreviousDate)
	require.NotNil(t, body.Prices[1].ChangePercent)
	assert.InDelta(t, -10.0, *body.Prices[1].ChangePercent, 0.001)

	rec = s.do(t, http.MethodGet, "/api/v1/products/CL-NOPE/prices", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPriceSeries(t *testing.T) {
	history := []models.PriceSnapshot{
		{Date: jan15, MinPrice: 0},
		{Date: jan16, MinPrice: 1000},
		{Date: jan16.AddDate(0, 0, 2), MinPrice: 1333},
	}
	points := PriceSeries(history)
	require.Len(t, points, 3)
	assert.Nil(t, points[1].ChangePercent)
	assert.EqualValues(t, 0, *points[1].PreviousMinPrice)
	assert.Equal(t, 33.3, *points[2].ChangePercent)
	assert.Equal(t, "2025-01-16", points[2].PreviousDate)
}

func TestDailySnapshots(t *testing.T) {
	s := newTestServer(t, nil)
	s.seed(t, galaxy(jan15.Add(9*time.Hour), 1099990), jan15)
	s.seed(t, galaxy(jan16.Add(9*time.Hour), 1049990), jan16)

	rec := s.do(t, http.MethodGet, "/api/v1/snapshots?date=2025-01-15&category=celulares", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "2025-01-15", body["date"])
	assert.EqualValues(t, 1, body["count"])

	rec = s.do(t, http.MethodGet, "/api/v1/snapshots", nil)
	body = decode(t, rec)
	assert.Equal(t, "2025-01-16", body["date"])
	assert.EqualValues(t, 1, body["count"])

	rec = s.do(t, http.MethodGet, "/api/v1/snapshots?date=15-01-2025", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitObservations(t *testing.T) {
	s := newTestServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.ingestor.Run(ctx)

	req := ObservationRequest{Rows: []ObservationRow{
		{
			Name:        "Xiaomi Redmi Note 13 Pro 5G 256GB",
			Retailer:    "paris",
			NormalPrice: models.Int64(349990),
			OfferPrice:  models.Int64(299990),
			CapturedAt:  jan15.Add(10 * time.Hour),
		},
		{
			Name:        "Xiaomi Redmi Note 13 Pro 5G 256GB",
			Retailer:    "paris",
			NormalPrice: models.Int64(349990),
			OfferPrice:  models.Int64(289990),
			CardPrice:   models.Int64(-1),
			CapturedAt:  jan15.Add(18 * time.Hour),
		},
	}}

	rec := s.do(t, http.MethodPost, "/api/v1/observations", req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["accepted"])

	require.Eventually(t, func() bool {
		return s.ingestor.Stats().Rows == 2
	}, 2*time.Second, 10*time.Millisecond)

	stats := s.ingestor.Stats()
	assert.EqualValues(t, 1, stats.NewProducts)
	assert.EqualValues(t, 1, stats.SnapshotsInserted)
	assert.EqualValues(t, 1, stats.SnapshotsUpdated)

	rec = s.do(t, http.MethodGet, "/api/v1/ingest/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["stats"].(map[string]any)["rows"])
}

func TestSubmitObservationsValidation(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name string
		body any
	}{
		{"empty rows", ObservationRequest{}},
		{"missing name", ObservationRequest{Rows: []ObservationRow{{Retailer: "ripley", CapturedAt: jan15}}}},
		{"missing capture time", ObservationRequest{Rows: []ObservationRow{{Name: "x", Retailer: "ripley"}}}},
		{"retailer too long", ObservationRequest{Rows: []ObservationRow{{Name: "x", Retailer: strings.Repeat("r", 51), CapturedAt: jan15}}}},
		{"bad date", ObservationRequest{Rows: []ObservationRow{{Name: "x", Retailer: "ripley", CapturedAt: jan15, Date: "15/01/2025"}}}},
		{"not json", "not an object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/v1/observations", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSubmitObservationsQueueFull(t *testing.T) {
	s := newTestServer(t, nil)

	rows := make([]ObservationRow, 7)
	for i := range rows {
		rows[i] = ObservationRow{Name: "Motorola Edge 50", Retailer: "hites", CapturedAt: jan15}
	}
	rec := s.do(t, http.MethodPost, "/api/v1/observations", ObservationRequest{Rows: rows})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.EqualValues(t, 5, decode(t, rec)["accepted"])
}

func TestSubmitObservationsRateLimited(t *testing.T) {
	s := newTestServer(t, ratelimit.NewLimiter(0.001, 1))
	body := ObservationRequest{Rows: []ObservationRow{{Name: "Motorola Edge 50", Retailer: "hites", CapturedAt: jan15}}}

	assert.Equal(t, http.StatusAccepted, s.do(t, http.MethodPost, "/api/v1/observations", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, s.do(t, http.MethodPost, "/api/v1/observations", body).Code)

	// Reads are not throttled.
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/products", nil).Code)
}

func TestIngestDisabled(t *testing.T) {
	store := storage.NewMemory()
	h := NewHandlers(store, store, slog.Default())
	router := NewRouter(h, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/observations", bytes.NewBufferString(`{"rows":[]}`)))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(t, http.MethodGet, "/api/v1/products", nil)

	rec := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}
