package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/maltedev/catalog-dedup/internal/events"
	"github.com/maltedev/catalog-dedup/internal/models"
	"github.com/maltedev/catalog-dedup/internal/normalize"
	"github.com/maltedev/catalog-dedup/internal/storage"
)

// Store implements storage.Backend on PostgreSQL.
type Store struct {
	db *DB
	pgQueries
}

var _ storage.Backend = (*Store)(nil)

// pgQueries holds the write path shared by the pool and transactions.
type pgQueries struct {
	q      querier
	outbox *OutboxRepository
}

func NewStore(db *DB) *Store {
	outbox := NewOutboxRepository(db)
	return &Store{db: db, pgQueries: pgQueries{q: db.pool, outbox: outbox}}
}

// Outbox returns the repository the relay reads from.
func (s *Store) Outbox() *OutboxRepository {
	return s.outbox
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Batch runs fn in one transaction. Outbox events recorded through the
// transactional store commit with the rows they describe.
func (s *Store) Batch(ctx context.Context, fn func(storage.Store) error) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&pgQueries{q: tx, outbox: s.outbox})
	})
}

func (s *pgQueries) RecordEvent(ctx context.Context, ev events.Event) error {
	return s.outbox.Insert(ctx, s.q, FromEvent(ev))
}

func (s *pgQueries) UpsertProduct(ctx context.Context, p models.CanonicalProduct) (bool, error) {
	// xmax is zero only for a freshly inserted row.
	query := `
		INSERT INTO products (
			product_id, normalized_name, display_name, brand, retailer,
			category, raw_sku, url, first_seen_date, last_seen_date, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE)
		ON CONFLICT (product_id) DO UPDATE SET
			first_seen_date = LEAST(products.first_seen_date, EXCLUDED.first_seen_date),
			last_seen_date = GREATEST(products.last_seen_date, EXCLUDED.last_seen_date),
			active = TRUE,
			updated_at = CURRENT_TIMESTAMP
		RETURNING (xmax = 0)`

	var created bool
	err := s.q.QueryRow(ctx, query,
		p.ProductID,
		models.Truncate(p.NormalizedName, normalize.MaxLength),
		models.Truncate(p.DisplayName, models.MaxDisplayNameLen),
		models.Truncate(p.Brand, models.MaxBrandLen),
		p.Retailer,
		models.Truncate(p.Category, models.MaxCategoryLen),
		models.Truncate(p.RawSKU, models.MaxRawSKULen),
		models.Truncate(p.URL, models.MaxURLLen),
		models.Day(p.FirstSeen),
		models.Day(p.LastSeen),
	).Scan(&created)
	if err != nil {
		return false, classify(fmt.Errorf("failed to upsert product: %w", err))
	}
	return created, nil
}

func (s *pgQueries) GetSnapshot(ctx context.Context, productID string, date time.Time) (*models.PriceSnapshot, error) {
	query := `SELECT ` + snapshotColumns + `
		FROM price_snapshots
		WHERE product_id = $1 AND date = $2`

	snap, err := scanSnapshot(s.q.QueryRow(ctx, query, productID, models.Day(date)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get snapshot: %w", err))
	}
	return snap, nil
}

func (s *pgQueries) InsertSnapshot(ctx context.Context, snap models.PriceSnapshot) (bool, error) {
	query := `
		INSERT INTO price_snapshots (
			product_id, date, retailer, normal_price, offer_price, card_price,
			min_price, capture_timestamp, intraday_update_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0)
		ON CONFLICT (product_id, date) DO NOTHING`

	tag, err := s.q.Exec(ctx, query,
		snap.ProductID, models.Day(snap.Date), snap.Retailer,
		snap.Prices.Normal, snap.Prices.Offer, snap.Prices.Card,
		snap.MinPrice, snap.CapturedAt,
	)
	if err != nil {
		return false, classify(fmt.Errorf("failed to insert snapshot: %w", err))
	}
	return tag.RowsAffected() == 1, nil
}

func (s *pgQueries) UpdateSnapshot(ctx context.Context, snap models.PriceSnapshot) (bool, error) {
	// The timestamp guard keeps concurrent writers from rewinding the row.
	query := `
		UPDATE price_snapshots SET
			normal_price = $3,
			offer_price = $4,
			card_price = $5,
			min_price = $6,
			capture_timestamp = $7,
			intraday_update_count = intraday_update_count + 1
		WHERE product_id = $1 AND date = $2 AND capture_timestamp < $7`

	tag, err := s.q.Exec(ctx, query,
		snap.ProductID, models.Day(snap.Date),
		snap.Prices.Normal, snap.Prices.Offer, snap.Prices.Card,
		snap.MinPrice, snap.CapturedAt,
	)
	if err != nil {
		return false, classify(fmt.Errorf("failed to update snapshot: %w", err))
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Identities(ctx context.Context) ([]storage.Identity, error) {
	rows, err := s.db.pool.Query(ctx, `
		SELECT normalized_name, retailer, product_id
		FROM products
		ORDER BY first_seen_date, product_id`)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list identities: %w", err))
	}
	defer rows.Close()

	var out []storage.Identity
	for rows.Next() {
		var id storage.Identity
		if err := rows.Scan(&id.NormalizedName, &id.Retailer, &id.ProductID); err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func (s *Store) ListProducts(ctx context.Context, f storage.ProductFilter) ([]models.CanonicalProduct, error) {
	var (
		where []string
		args  []any
	)
	if f.Retailer != "" {
		args = append(args, f.Retailer)
		where = append(where, fmt.Sprintf("retailer = $%d", len(args)))
	}
	if f.Category != "" {
		args = append(args, f.Category)
		where = append(where, fmt.Sprintf("LOWER(category) = LOWER($%d)", len(args)))
	}

	query := `SELECT ` + productColumns + ` FROM products`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.EffectiveLimit(), f.Offset)
	query += fmt.Sprintf(" ORDER BY product_id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list products: %w", err))
	}
	defer rows.Close()

	var out []models.CanonicalProduct
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetProduct(ctx context.Context, productID string) (*models.CanonicalProduct, error) {
	row := s.db.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE product_id = $1`, productID)
	p, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", productID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get product: %w", err))
	}
	return p, nil
}

func (s *Store) PriceHistory(ctx context.Context, productID string) ([]models.PriceSnapshot, error) {
	rows, err := s.db.pool.Query(ctx, `SELECT `+snapshotColumns+`
		FROM price_snapshots
		WHERE product_id = $1
		ORDER BY date`, productID)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query price history: %w", err))
	}
	defer rows.Close()

	var out []models.PriceSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		out = append(out, *snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func (s *Store) DailyPrices(ctx context.Context, date time.Time, category string) ([]storage.DailyPrice, error) {
	query := `
		SELECT s.product_id, s.date, s.retailer, s.normal_price, s.offer_price, s.card_price,
			s.min_price, s.capture_timestamp, s.intraday_update_count,
			p.display_name, p.brand, p.category
		FROM price_snapshots s
		JOIN products p ON p.product_id = s.product_id
		WHERE s.date = $1`
	args := []any{models.Day(date)}
	if category != "" {
		query += " AND LOWER(p.category) = LOWER($2)"
		args = append(args, category)
	}
	query += " ORDER BY p.category, s.min_price, s.product_id"

	rows, err := s.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query daily prices: %w", err))
	}
	defer rows.Close()

	var out []storage.DailyPrice
	for rows.Next() {
		var dp storage.DailyPrice
		if err := rows.Scan(
			&dp.ProductID, &dp.Date, &dp.Retailer,
			&dp.Prices.Normal, &dp.Prices.Offer, &dp.Prices.Card,
			&dp.MinPrice, &dp.CapturedAt, &dp.IntradayUpdates,
			&dp.DisplayName, &dp.Brand, &dp.Category,
		); err != nil {
			return nil, fmt.Errorf("failed to scan daily price: %w", err)
		}
		out = append(out, dp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// DuplicateSnapshots is the audit query for the one-row-per-day rule.
func (s *Store) DuplicateSnapshots(ctx context.Context) ([]storage.DuplicateSnapshot, error) {
	rows, err := s.db.pool.Query(ctx, `
		SELECT product_id, date, COUNT(*)
		FROM price_snapshots
		GROUP BY product_id, date
		HAVING COUNT(*) > 1`)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to audit snapshots: %w", err))
	}
	defer rows.Close()

	var out []storage.DuplicateSnapshot
	for rows.Next() {
		var d storage.DuplicateSnapshot
		if err := rows.Scan(&d.ProductID, &d.Date, &d.Count); err != nil {
			return nil, fmt.Errorf("failed to scan duplicate: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

const productColumns = `product_id, normalized_name, display_name, brand, retailer,
	category, raw_sku, url, first_seen_date, last_seen_date, active`

const snapshotColumns = `product_id, date, retailer, normal_price, offer_price, card_price,
	min_price, capture_timestamp, intraday_update_count`

func scanProduct(row pgx.Row) (*models.CanonicalProduct, error) {
	var p models.CanonicalProduct
	if err := row.Scan(
		&p.ProductID, &p.NormalizedName, &p.DisplayName, &p.Brand, &p.Retailer,
		&p.Category, &p.RawSKU, &p.URL, &p.FirstSeen, &p.LastSeen, &p.Active,
	); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanSnapshot(row pgx.Row) (*models.PriceSnapshot, error) {
	var snap models.PriceSnapshot
	if err := row.Scan(
		&snap.ProductID, &snap.Date, &snap.Retailer,
		&snap.Prices.Normal, &snap.Prices.Offer, &snap.Prices.Card,
		&snap.MinPrice, &snap.CapturedAt, &snap.IntradayUpdates,
	); err != nil {
		return nil, err
	}
	return &snap, nil
}
