package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
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
	"github.com/maltedev/catalog-dedup/internal/storage"
)

var day = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T, store storage.Store) *dedup.Engine {
	t.Helper()
	norm := normalize.Default()
	gen, err := identity.NewGenerator(identity.DefaultVocabulary(), norm)
	require.NoError(t, err)
	return dedup.NewEngine(store, dedup.NewMemoryIdentityMap(), gen, norm, dedup.WithLogger(quietLogger()))
}

func observation(name, retailer string, d int, hour int, price int64) models.Observation {
	date := day.AddDate(0, 0, d)
	return models.Observation{
		Date: date,
		Row: models.ScrapedRow{
			Name:       name,
			Retailer:   retailer,
			URL:        fmt.Sprintf("https://%s.cl/p/%s", retailer, name),
			Prices:     models.Prices{Normal: models.Int64(price)},
			CapturedAt: date.Add(time.Duration(hour) * time.Hour),
		},
	}
}

// MockProcessor is a mock for the engine
type MockProcessor struct {
	mock.Mock
}

func (m *MockProcessor) ProcessBatch(ctx context.Context, batch []models.Observation) ([]dedup.Outcome, error) {
	args := m.Called(ctx, batch)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]dedup.Outcome), args.Error(1)
}

func (m *MockProcessor) Key(row models.ScrapedRow) dedup.Key {
	return dedup.Key{NormalizedName: row.Name, Retailer: row.Retailer}
}

func TestChronological(t *testing.T) {
	in := []models.Observation{
		observation("c", "paris", 2, 9, 1),
		observation("b", "paris", 0, 18, 1),
		observation("a", "paris", 0, 9, 1),
	}
	out := Chronological(in)

	assert.Equal(t, "a", out[0].Row.Name)
	assert.Equal(t, "b", out[1].Row.Name)
	assert.Equal(t, "c", out[2].Row.Name)
	assert.Equal(t, "c", in[0].Row.Name, "input is left untouched")
}

func TestRunEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	runner := NewRunner(newEngine(t, store), Config{BatchSize: 2}, quietLogger())

	stats, err := runner.Run(ctx, []models.Observation{
		observation("Samsung Galaxy S24 256GB", "falabella", 1, 9, 999990),
		observation("Samsung Galaxy S24 256GB", "falabella", 0, 9, 1099990),
		observation("Samsung Galaxy S24 256GB", "falabella", 0, 20, 1049990),
		observation("Apple iPhone 15 128GB", "ripley", 0, 9, 899990),
		{Row: models.ScrapedRow{Retailer: "ripley"}, Date: day},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(5), stats.Rows)
	assert.Equal(t, int64(2), stats.NewProducts)
	assert.Equal(t, int64(2), stats.ExistingProducts)
	assert.Equal(t, int64(1), stats.Rejected)
	assert.Equal(t, int64(3), stats.SnapshotsInserted)
	assert.Equal(t, int64(1), stats.SnapshotsUpdated)
	assert.Zero(t, stats.Errored)
}

func TestRunRetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	proc := new(MockProcessor)
	batch := []models.Observation{observation("a", "paris", 0, 9, 1)}

	proc.On("ProcessBatch", mock.Anything, batch).
		Return(nil, fmt.Errorf("begin: %w", storage.ErrUnavailable)).Twice()
	proc.On("ProcessBatch", mock.Anything, batch).
		Return([]dedup.Outcome{{Kind: dedup.NewProduct, Snapshot: dedup.Inserted}}, nil).Once()

	runner := NewRunner(proc, Config{MaxRetries: 3, RetryDelay: time.Millisecond}, quietLogger())
	stats, err := runner.Run(ctx, batch)
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.BatchesRetried)
	assert.Equal(t, int64(1), stats.NewProducts)
	assert.Zero(t, stats.BatchesFailed)
	proc.AssertExpectations(t)
}

func TestRunAbandonsBatchAfterRetries(t *testing.T) {
	ctx := context.Background()
	proc := new(MockProcessor)
	bad := observation("bad", "paris", 0, 9, 1)
	good := observation("good", "paris", 1, 9, 1)

	proc.On("ProcessBatch", mock.Anything, []models.Observation{bad}).
		Return(nil, storage.ErrUnavailable)
	proc.On("ProcessBatch", mock.Anything, []models.Observation{good}).
		Return([]dedup.Outcome{{Kind: dedup.ExistingProduct, Snapshot: dedup.Inserted}}, nil)

	runner := NewRunner(proc, Config{BatchSize: 1, MaxRetries: 2, RetryDelay: time.Millisecond}, quietLogger())
	stats, err := runner.Run(ctx, []models.Observation{good, bad})
	require.NoError(t, err)

	assert.Equal(t, int64(1), stats.BatchesFailed)
	assert.Equal(t, int64(2), stats.BatchesRetried)
	assert.Equal(t, int64(1), stats.Errored)
	assert.Equal(t, int64(1), stats.ExistingProducts)
	proc.AssertNumberOfCalls(t, "ProcessBatch", 4)
}

func TestRunDoesNotRetryPermanentErrors(t *testing.T) {
	proc := new(MockProcessor)
	batch := []models.Observation{observation("a", "paris", 0, 9, 1)}
	proc.On("ProcessBatch", mock.Anything, batch).Return(nil, errors.New("syntax error"))

	runner := NewRunner(proc, Config{MaxRetries: 5, RetryDelay: time.Millisecond}, quietLogger())
	stats, err := runner.Run(context.Background(), batch)
	require.NoError(t, err)

	assert.Equal(t, int64(1), stats.BatchesFailed)
	assert.Zero(t, stats.BatchesRetried)
	proc.AssertNumberOfCalls(t, "ProcessBatch", 1)
}

func TestRunIsolatesPermanentlyFailingRow(t *testing.T) {
	proc := new(MockProcessor)
	first := observation("first", "paris", 0, 9, 1)
	bad := observation("bad", strings.Repeat("r", 60), 0, 10, 1)
	last := observation("last", "paris", 0, 11, 1)
	batch := []models.Observation{first, bad, last}

	ok := []dedup.Outcome{{Kind: dedup.NewProduct, Snapshot: dedup.Inserted}}
	proc.On("ProcessBatch", mock.Anything, batch).
		Return(nil, errors.New("value too long for type character varying(50)")).Once()
	proc.On("ProcessBatch", mock.Anything, []models.Observation{first}).Return(ok, nil).Once()
	proc.On("ProcessBatch", mock.Anything, []models.Observation{bad}).
		Return(nil, errors.New("value too long for type character varying(50)")).Once()
	proc.On("ProcessBatch", mock.Anything, []models.Observation{last}).Return(ok, nil).Once()

	runner := NewRunner(proc, Config{BatchSize: 3, MaxRetries: 2, RetryDelay: time.Millisecond}, quietLogger())
	stats, err := runner.Run(context.Background(), batch)
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.NewProducts)
	assert.Equal(t, int64(1), stats.Errored)
	assert.Equal(t, int64(1), stats.BatchesFailed)
	assert.Zero(t, stats.BatchesRetried)
	proc.AssertExpectations(t)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	proc := new(MockProcessor)
	batch := []models.Observation{observation("a", "paris", 0, 9, 1)}
	proc.On("ProcessBatch", mock.Anything, batch).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, storage.ErrUnavailable)

	runner := NewRunner(proc, Config{MaxRetries: 5, RetryDelay: time.Millisecond}, quietLogger())
	_, err := runner.Run(ctx, batch)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunShardedKeepsPerKeyOrder(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	runner := NewRunner(newEngine(t, store), Config{BatchSize: 3, Workers: 4}, quietLogger())

	names := []string{
		"Samsung Galaxy A55 128GB", "Xiaomi Redmi Note 13 256GB", "Lenovo IdeaPad 3 i5 8GB",
		"Motorola Edge 50 256GB", "Apple MacBook Air M2 256GB", "HP Victus 15 RTX 3050",
	}
	var input []models.Observation
	for d := 0; d < 3; d++ {
		for h := 8; h <= 20; h += 4 {
			for i, name := range names {
				input = append(input, observation(name, "paris", d, h, int64(100000*(i+1)+h)))
			}
		}
	}

	stats, err := runner.Run(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, int64(len(input)), stats.Rows)
	assert.Equal(t, int64(len(names)), stats.NewProducts)
	assert.Equal(t, int64(len(names)*3), stats.SnapshotsInserted)
	assert.Equal(t, int64(len(names)*3*3), stats.SnapshotsUpdated)

	products, err := store.ListProducts(ctx, storage.ProductFilter{})
	require.NoError(t, err)
	require.Len(t, products, len(names))

	for _, p := range products {
		history, err := store.PriceHistory(ctx, p.ProductID)
		require.NoError(t, err)
		require.Len(t, history, 3)
		for _, snap := range history {
			assert.Equal(t, 20, snap.CapturedAt.Hour(), "last capture of the day wins")
			assert.Equal(t, 3, snap.IntradayUpdates)
		}
	}
}
