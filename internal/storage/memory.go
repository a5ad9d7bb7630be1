package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/maltedev/catalog-dedup/internal/events"
	"github.com/maltedev/catalog-dedup/internal/models"
)

// MemoryEventLimit is how many recorded events a Memory store retains.
// Older events are dropped; nothing relays them.
const MemoryEventLimit = 1000

// Memory is a Store kept in process memory, optionally persisted to a JSON
// file on Close. Batches run against a copy that replaces the live state only
// when the batch succeeds.
type Memory struct {
	mu       sync.RWMutex
	state    *memoryState
	events   []events.Event
	filename string
}

type memoryState struct {
	Products  map[string]models.CanonicalProduct `json:"products"`
	Snapshots map[string]models.PriceSnapshot    `json:"snapshots"`
}

func NewMemory() *Memory {
	return &Memory{state: newMemoryState()}
}

// OpenMemory loads filename if it exists; Close writes it back.
func OpenMemory(filename string) (*Memory, error) {
	m := &Memory{state: newMemoryState(), filename: filename}
	if err := m.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return m, nil
}

func newMemoryState() *memoryState {
	return &memoryState{
		Products:  make(map[string]models.CanonicalProduct),
		Snapshots: make(map[string]models.PriceSnapshot),
	}
}

func (m *Memory) UpsertProduct(ctx context.Context, p models.CanonicalProduct) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.upsertProduct(p), nil
}

func (m *Memory) GetSnapshot(ctx context.Context, productID string, date time.Time) (*models.PriceSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getSnapshot(productID, date)
}

func (m *Memory) InsertSnapshot(ctx context.Context, s models.PriceSnapshot) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.insertSnapshot(s), nil
}

func (m *Memory) UpdateSnapshot(ctx context.Context, s models.PriceSnapshot) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.updateSnapshot(s), nil
}

func (m *Memory) RecordEvent(ctx context.Context, ev events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendEvents(ev)
	return nil
}

// appendEvents must be called with mu held. The backing slice is compacted
// once it holds twice the limit.
func (m *Memory) appendEvents(evs ...events.Event) {
	m.events = append(m.events, evs...)
	if len(m.events) > 2*MemoryEventLimit {
		m.events = append([]events.Event(nil), m.events[len(m.events)-MemoryEventLimit:]...)
	}
}

// Batch holds the write lock for the whole of fn.
func (m *Memory) Batch(ctx context.Context, fn func(Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{state: m.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	m.state = tx.state
	m.appendEvents(tx.events...)
	return nil
}

// Events returns the most recent events, at most MemoryEventLimit.
func (m *Memory) Events() []events.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recent := m.events
	if len(recent) > MemoryEventLimit {
		recent = recent[len(recent)-MemoryEventLimit:]
	}
	return append([]events.Event(nil), recent...)
}

func (m *Memory) Identities(ctx context.Context) ([]Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	products := m.sortedProducts()
	sort.SliceStable(products, func(i, j int) bool {
		return products[i].FirstSeen.Before(products[j].FirstSeen)
	})
	out := make([]Identity, 0, len(products))
	for _, p := range products {
		out = append(out, Identity{NormalizedName: p.NormalizedName, Retailer: p.Retailer, ProductID: p.ProductID})
	}
	return out, nil
}

func (m *Memory) ListProducts(ctx context.Context, f ProductFilter) ([]models.CanonicalProduct, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.CanonicalProduct
	skipped := 0
	for _, p := range m.sortedProducts() {
		if f.Retailer != "" && p.Retailer != f.Retailer {
			continue
		}
		if f.Category != "" && !strings.EqualFold(p.Category, f.Category) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, p)
		if len(out) == f.EffectiveLimit() {
			break
		}
	}
	return out, nil
}

func (m *Memory) GetProduct(ctx context.Context, productID string) (*models.CanonicalProduct, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.state.Products[productID]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", productID, ErrNotFound)
	}
	return &p, nil
}

func (m *Memory) PriceHistory(ctx context.Context, productID string) ([]models.PriceSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.PriceSnapshot
	for _, s := range m.state.Snapshots {
		if s.ProductID == productID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (m *Memory) DailyPrices(ctx context.Context, date time.Time, category string) ([]DailyPrice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	day := models.Day(date)
	var out []DailyPrice
	for _, s := range m.state.Snapshots {
		if !s.Date.Equal(day) {
			continue
		}
		p := m.state.Products[s.ProductID]
		if category != "" && !strings.EqualFold(p.Category, category) {
			continue
		}
		out = append(out, DailyPrice{PriceSnapshot: s, DisplayName: p.DisplayName, Brand: p.Brand, Category: p.Category})
	}
	sortDailyPrices(out)
	return out, nil
}

// DuplicateSnapshots is always empty: snapshots are keyed by (product, day).
func (m *Memory) DuplicateSnapshots(ctx context.Context) ([]DuplicateSnapshot, error) {
	return nil, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close persists the state when the store was opened from a file.
func (m *Memory) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.filename == "" {
		return nil
	}
	return m.save()
}

func (m *Memory) sortedProducts() []models.CanonicalProduct {
	out := make([]models.CanonicalProduct, 0, len(m.state.Products))
	for _, p := range m.state.Products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

func (m *Memory) save() error {
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode store: %w", err)
	}

	// Write to temp file first for atomicity
	tmpFile := m.filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmpFile, m.filename)
}

func (m *Memory) load() error {
	data, err := os.ReadFile(m.filename)
	if err != nil {
		return err
	}
	state := newMemoryState()
	if err := json.Unmarshal(data, state); err != nil {
		return fmt.Errorf("failed to decode %s: %w", m.filename, err)
	}
	m.state = state
	return nil
}

// memoryTx is the Store handed to a Batch callback.
type memoryTx struct {
	state  *memoryState
	events []events.Event
}

func (t *memoryTx) UpsertProduct(ctx context.Context, p models.CanonicalProduct) (bool, error) {
	return t.state.upsertProduct(p), ctx.Err()
}

func (t *memoryTx) GetSnapshot(ctx context.Context, productID string, date time.Time) (*models.PriceSnapshot, error) {
	return t.state.getSnapshot(productID, date)
}

func (t *memoryTx) InsertSnapshot(ctx context.Context, s models.PriceSnapshot) (bool, error) {
	return t.state.insertSnapshot(s), ctx.Err()
}

func (t *memoryTx) UpdateSnapshot(ctx context.Context, s models.PriceSnapshot) (bool, error) {
	return t.state.updateSnapshot(s), ctx.Err()
}

func (t *memoryTx) RecordEvent(ctx context.Context, ev events.Event) error {
	t.events = append(t.events, ev)
	return ctx.Err()
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		Products:  make(map[string]models.CanonicalProduct, len(s.Products)),
		Snapshots: make(map[string]models.PriceSnapshot, len(s.Snapshots)),
	}
	for k, v := range s.Products {
		c.Products[k] = v
	}
	for k, v := range s.Snapshots {
		c.Snapshots[k] = v
	}
	return c
}

func (s *memoryState) upsertProduct(p models.CanonicalProduct) bool {
	existing, ok := s.Products[p.ProductID]
	if !ok {
		p.FirstSeen = models.Day(p.FirstSeen)
		p.LastSeen = models.Day(p.LastSeen)
		p.Active = true
		s.Products[p.ProductID] = p
		return true
	}
	if p.FirstSeen.Before(existing.FirstSeen) {
		existing.FirstSeen = models.Day(p.FirstSeen)
	}
	if p.LastSeen.After(existing.LastSeen) {
		existing.LastSeen = models.Day(p.LastSeen)
	}
	existing.Active = true
	s.Products[p.ProductID] = existing
	return false
}

func (s *memoryState) getSnapshot(productID string, date time.Time) (*models.PriceSnapshot, error) {
	snap, ok := s.Snapshots[snapshotKey(productID, date)]
	if !ok {
		return nil, ErrNotFound
	}
	return &snap, nil
}

func (s *memoryState) insertSnapshot(snap models.PriceSnapshot) bool {
	snap.Date = models.Day(snap.Date)
	key := snapshotKey(snap.ProductID, snap.Date)
	if _, exists := s.Snapshots[key]; exists {
		return false
	}
	s.Snapshots[key] = snap
	return true
}

func (s *memoryState) updateSnapshot(snap models.PriceSnapshot) bool {
	key := snapshotKey(snap.ProductID, snap.Date)
	existing, ok := s.Snapshots[key]
	if !ok || !snap.CapturedAt.After(existing.CapturedAt) {
		return false
	}
	existing.Prices = snap.Prices
	existing.MinPrice = snap.MinPrice
	existing.CapturedAt = snap.CapturedAt
	existing.IntradayUpdates++
	s.Snapshots[key] = existing
	return true
}

func snapshotKey(productID string, date time.Time) string {
	return productID + "|" + models.Day(date).Format(time.DateOnly)
}

func sortDailyPrices(out []DailyPrice) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		if out[i].MinPrice != out[j].MinPrice {
			return out[i].MinPrice < out[j].MinPrice
		}
		return out[i].ProductID < out[j].ProductID
	})
}
