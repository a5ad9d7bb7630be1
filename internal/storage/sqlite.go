package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maltedev/catalog-dedup/internal/models"

	_ "modernc.org/sqlite"
)

// Timestamps are stored as fixed-width UTC text so that string comparison
// orders them chronologically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS products (
	product_id      TEXT PRIMARY KEY,
	normalized_name TEXT NOT NULL,
	display_name    TEXT NOT NULL,
	brand           TEXT NOT NULL DEFAULT '',
	retailer        TEXT NOT NULL,
	category        TEXT NOT NULL DEFAULT '',
	raw_sku         TEXT NOT NULL DEFAULT '',
	url             TEXT NOT NULL DEFAULT '',
	first_seen      TEXT NOT NULL,
	last_seen       TEXT NOT NULL,
	active          INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_products_identity ON products(normalized_name, retailer);
CREATE INDEX IF NOT EXISTS idx_products_category ON products(category);

CREATE TABLE IF NOT EXISTS price_snapshots (
	product_id            TEXT NOT NULL REFERENCES products(product_id),
	date                  TEXT NOT NULL,
	retailer              TEXT NOT NULL,
	normal_price          INTEGER,
	offer_price           INTEGER,
	card_price            INTEGER,
	min_price             INTEGER NOT NULL,
	capture_timestamp     TEXT NOT NULL,
	intraday_update_count INTEGER NOT NULL DEFAULT 0,
	UNIQUE (product_id, date)
);
CREATE INDEX IF NOT EXISTS idx_price_snapshots_date ON price_snapshots(date);
`

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLite is a single-file store for local runs and tests.
type SQLite struct {
	db *sql.DB
	sqliteQueries
}

type sqliteQueries struct {
	q execer
}

// OpenSQLite opens (creating if needed) the database at path. Use ":memory:"
// for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One connection: SQLite serializes writers anyway and an in-memory
	// database exists per connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA journal_mode = WAL`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLite{db: db, sqliteQueries: sqliteQueries{q: db}}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLite) Batch(ctx context.Context, fn func(Store) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = fmt.Errorf("tx rollback failed: %v (original error: %w)", rbErr, err)
			}
		}
	}()

	if err = fn(&sqliteQueries{q: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return classifySQLite(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func (s *sqliteQueries) UpsertProduct(ctx context.Context, p models.CanonicalProduct) (bool, error) {
	first := dateText(p.FirstSeen)
	last := dateText(p.LastSeen)

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO products (
			product_id, normalized_name, display_name, brand, retailer,
			category, raw_sku, url, first_seen, last_seen, active
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (product_id) DO NOTHING`,
		p.ProductID, p.NormalizedName,
		models.Truncate(p.DisplayName, models.MaxDisplayNameLen),
		models.Truncate(p.Brand, models.MaxBrandLen),
		p.Retailer,
		models.Truncate(p.Category, models.MaxCategoryLen),
		models.Truncate(p.RawSKU, models.MaxRawSKULen),
		models.Truncate(p.URL, models.MaxURLLen),
		first, last,
	)
	if err != nil {
		return false, classifySQLite(fmt.Errorf("failed to insert product: %w", err))
	}
	created, err := wroteRow(res)
	if err != nil || created {
		return created, err
	}

	_, err = s.q.ExecContext(ctx, `
		UPDATE products
		SET first_seen = MIN(first_seen, ?),
			last_seen = MAX(last_seen, ?),
			active = 1
		WHERE product_id = ?`,
		first, last, p.ProductID,
	)
	if err != nil {
		return false, classifySQLite(fmt.Errorf("failed to update product: %w", err))
	}
	return false, nil
}

// wroteRow reports whether a single-row statement changed its row. An
// INSERT ... DO NOTHING that hit a conflict did not.
func wroteRow(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, classifySQLite(fmt.Errorf("failed to read affected rows: %w", err))
	}
	return n == 1, nil
}

func (s *sqliteQueries) GetSnapshot(ctx context.Context, productID string, date time.Time) (*models.PriceSnapshot, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT product_id, date, retailer, normal_price, offer_price, card_price,
			min_price, capture_timestamp, intraday_update_count
		FROM price_snapshots
		WHERE product_id = ? AND date = ?`,
		productID, dateText(date),
	)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifySQLite(fmt.Errorf("failed to get snapshot: %w", err))
	}
	return snap, nil
}

func (s *sqliteQueries) InsertSnapshot(ctx context.Context, snap models.PriceSnapshot) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO price_snapshots (
			product_id, date, retailer, normal_price, offer_price, card_price,
			min_price, capture_timestamp, intraday_update_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT (product_id, date) DO NOTHING`,
		snap.ProductID, dateText(snap.Date), snap.Retailer,
		nullable(snap.Prices.Normal), nullable(snap.Prices.Offer), nullable(snap.Prices.Card),
		snap.MinPrice, timestampText(snap.CapturedAt),
	)
	if err != nil {
		return false, classifySQLite(fmt.Errorf("failed to insert snapshot: %w", err))
	}
	return wroteRow(res)
}

func (s *sqliteQueries) UpdateSnapshot(ctx context.Context, snap models.PriceSnapshot) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE price_snapshots
		SET normal_price = ?, offer_price = ?, card_price = ?, min_price = ?,
			capture_timestamp = ?,
			intraday_update_count = intraday_update_count + 1
		WHERE product_id = ? AND date = ? AND capture_timestamp < ?`,
		nullable(snap.Prices.Normal), nullable(snap.Prices.Offer), nullable(snap.Prices.Card),
		snap.MinPrice, timestampText(snap.CapturedAt),
		snap.ProductID, dateText(snap.Date), timestampText(snap.CapturedAt),
	)
	if err != nil {
		return false, classifySQLite(fmt.Errorf("failed to update snapshot: %w", err))
	}
	return wroteRow(res)
}

func (s *SQLite) Identities(ctx context.Context) ([]Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT normalized_name, retailer, product_id
		FROM products
		ORDER BY first_seen, product_id`)
	if err != nil {
		return nil, classifySQLite(fmt.Errorf("failed to list identities: %w", err))
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var id Identity
		if err := rows.Scan(&id.NormalizedName, &id.Retailer, &id.ProductID); err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLite) ListProducts(ctx context.Context, f ProductFilter) ([]models.CanonicalProduct, error) {
	var where []string
	var args []any
	if f.Retailer != "" {
		where = append(where, "retailer = ?")
		args = append(args, f.Retailer)
	}
	if f.Category != "" {
		where = append(where, "category = ? COLLATE NOCASE")
		args = append(args, f.Category)
	}
	query := `SELECT ` + productColumns + ` FROM products`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY product_id LIMIT ? OFFSET ?"
	args = append(args, f.EffectiveLimit(), f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLite(fmt.Errorf("failed to list products: %w", err))
	}
	defer rows.Close()

	var out []models.CanonicalProduct
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *SQLite) GetProduct(ctx context.Context, productID string) (*models.CanonicalProduct, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE product_id = ?`, productID)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", productID, ErrNotFound)
	}
	return p, err
}

func (s *SQLite) PriceHistory(ctx context.Context, productID string) ([]models.PriceSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, date, retailer, normal_price, offer_price, card_price,
			min_price, capture_timestamp, intraday_update_count
		FROM price_snapshots
		WHERE product_id = ?
		ORDER BY date`, productID)
	if err != nil {
		return nil, classifySQLite(fmt.Errorf("failed to query price history: %w", err))
	}
	defer rows.Close()

	var out []models.PriceSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

func (s *SQLite) DailyPrices(ctx context.Context, date time.Time, category string) ([]DailyPrice, error) {
	query := `
		SELECT s.product_id, s.date, s.retailer, s.normal_price, s.offer_price, s.card_price,
			s.min_price, s.capture_timestamp, s.intraday_update_count,
			p.display_name, p.brand, p.category
		FROM price_snapshots s
		JOIN products p ON p.product_id = s.product_id
		WHERE s.date = ?`
	args := []any{dateText(date)}
	if category != "" {
		query += " AND p.category = ? COLLATE NOCASE"
		args = append(args, category)
	}
	query += " ORDER BY p.category, s.min_price, s.product_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLite(fmt.Errorf("failed to query daily prices: %w", err))
	}
	defer rows.Close()

	var out []DailyPrice
	for rows.Next() {
		var dp DailyPrice
		var day, captured string
		var normal, offer, card sql.NullInt64
		if err := rows.Scan(
			&dp.ProductID, &day, &dp.Retailer, &normal, &offer, &card,
			&dp.MinPrice, &captured, &dp.IntradayUpdates,
			&dp.DisplayName, &dp.Brand, &dp.Category,
		); err != nil {
			return nil, fmt.Errorf("failed to scan daily price: %w", err)
		}
		dp.Date, _ = time.Parse(time.DateOnly, day)
		dp.CapturedAt, _ = time.Parse(timestampLayout, captured)
		dp.Prices = models.Prices{Normal: fromNull(normal), Offer: fromNull(offer), Card: fromNull(card)}
		out = append(out, dp)
	}
	return out, rows.Err()
}

// DuplicateSnapshots should always come back empty; the unique key forbids
// duplicates and this query is the audit that proves it.
func (s *SQLite) DuplicateSnapshots(ctx context.Context) ([]DuplicateSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, date, COUNT(*)
		FROM price_snapshots
		GROUP BY product_id, date
		HAVING COUNT(*) > 1`)
	if err != nil {
		return nil, classifySQLite(fmt.Errorf("failed to audit snapshots: %w", err))
	}
	defer rows.Close()

	var out []DuplicateSnapshot
	for rows.Next() {
		var d DuplicateSnapshot
		var day string
		if err := rows.Scan(&d.ProductID, &day, &d.Count); err != nil {
			return nil, fmt.Errorf("failed to scan duplicate: %w", err)
		}
		d.Date, _ = time.Parse(time.DateOnly, day)
		out = append(out, d)
	}
	return out, rows.Err()
}

const productColumns = `product_id, normalized_name, display_name, brand, retailer,
	category, raw_sku, url, first_seen, last_seen, active`

type scanner interface {
	Scan(dest ...any) error
}

func scanProduct(row scanner) (*models.CanonicalProduct, error) {
	var p models.CanonicalProduct
	var first, last string
	if err := row.Scan(
		&p.ProductID, &p.NormalizedName, &p.DisplayName, &p.Brand, &p.Retailer,
		&p.Category, &p.RawSKU, &p.URL, &first, &last, &p.Active,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan product: %w", err)
	}
	p.FirstSeen, _ = time.Parse(time.DateOnly, first)
	p.LastSeen, _ = time.Parse(time.DateOnly, last)
	return &p, nil
}

func scanSnapshot(row scanner) (*models.PriceSnapshot, error) {
	var snap models.PriceSnapshot
	var day, captured string
	var normal, offer, card sql.NullInt64
	if err := row.Scan(
		&snap.ProductID, &day, &snap.Retailer, &normal, &offer, &card,
		&snap.MinPrice, &captured, &snap.IntradayUpdates,
	); err != nil {
		return nil, err
	}
	snap.Date, _ = time.Parse(time.DateOnly, day)
	snap.CapturedAt, _ = time.Parse(timestampLayout, captured)
	snap.Prices = models.Prices{Normal: fromNull(normal), Offer: fromNull(offer), Card: fromNull(card)}
	return &snap, nil
}

func dateText(t time.Time) string {
	return models.Day(t).Format(time.DateOnly)
}

func timestampText(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func nullable(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func fromNull(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return models.Int64(v.Int64)
}

// classifySQLite marks lock contention as retryable.
func classifySQLite(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "SQLITE_BUSY"), strings.Contains(msg, "database is locked"):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}
