package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Field widths used when persisting product attributes.
const (
	MaxDisplayNameLen = 500
	MaxBrandLen       = 100
	MaxCategoryLen    = 100
	MaxRawSKULen      = 100
	MaxURLLen         = 1000
	MaxRetailerLen    = 50
)

var validate = validator.New()

// ScrapedRow is one product observation as produced by a retailer scraper.
type ScrapedRow struct {
	Name       string    `json:"name" validate:"required"`
	Brand      string    `json:"brand,omitempty"`
	RawSKU     string    `json:"sku,omitempty"`
	URL        string    `json:"url,omitempty"`
	Category   string    `json:"category,omitempty"`
	Prices     Prices    `json:"prices"`
	Retailer   string    `json:"retailer" validate:"required,max=50"`
	CapturedAt time.Time `json:"captured_at"`
	// Seq is the row's position within its source file.
	Seq int `json:"-"`
}

// Prices holds the optional price fields of an observation, in whole pesos.
// Negative values are scraper noise and are cleared by ScrapedRow.Clean.
type Prices struct {
	Normal *int64 `json:"normal,omitempty"`
	Offer  *int64 `json:"offer,omitempty"`
	Card   *int64 `json:"card,omitempty"`
}

// CanonicalProduct is the single stored record for a deduplicated product.
type CanonicalProduct struct {
	ProductID      string    `json:"product_id"`
	NormalizedName string    `json:"normalized_name"`
	DisplayName    string    `json:"display_name"`
	Brand          string    `json:"brand"`
	Retailer       string    `json:"retailer"`
	Category       string    `json:"category"`
	RawSKU         string    `json:"sku,omitempty"`
	URL            string    `json:"url,omitempty"`
	FirstSeen      time.Time `json:"first_seen_date"`
	LastSeen       time.Time `json:"last_seen_date"`
	Active         bool      `json:"active"`
}

// PriceSnapshot is the one price row kept per product and calendar day.
type PriceSnapshot struct {
	ProductID       string    `json:"product_id"`
	Date            time.Time `json:"date"`
	Retailer        string    `json:"retailer"`
	Prices          Prices    `json:"prices"`
	MinPrice        int64     `json:"min_price_of_day"`
	CapturedAt      time.Time `json:"capture_timestamp"`
	IntradayUpdates int       `json:"intraday_update_count"`
}

// Observation pairs a row with the calendar day it is recorded under.
type Observation struct {
	Row  ScrapedRow
	Date time.Time
}

// Clean returns a copy of the row with surrounding whitespace removed,
// placeholder values ("nan", "none") cleared and negative prices dropped.
func (r ScrapedRow) Clean() ScrapedRow {
	r.Name = strings.TrimSpace(r.Name)
	r.Brand = cleanField(r.Brand)
	r.RawSKU = cleanField(r.RawSKU)
	r.URL = cleanField(r.URL)
	r.Category = cleanField(r.Category)
	r.Retailer = strings.ToLower(strings.TrimSpace(r.Retailer))
	r.Prices = r.Prices.withoutNegatives()
	return r
}

func (p Prices) withoutNegatives() Prices {
	for _, v := range []**int64{&p.Normal, &p.Offer, &p.Card} {
		if *v != nil && **v < 0 {
			*v = nil
		}
	}
	return p
}

// Validate reports whether the row carries the fields required to process it.
func (r ScrapedRow) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid scraped row: %w", err)
	}
	return nil
}

// Min returns the lowest strictly positive price present.
func (p Prices) Min() (int64, bool) {
	var min int64
	found := false
	for _, v := range []*int64{p.Normal, p.Offer, p.Card} {
		if v == nil || *v <= 0 {
			continue
		}
		if !found || *v < min {
			min = *v
			found = true
		}
	}
	return min, found
}

// Inverted reports an offer or card price above the normal price. Source data
// does this now and then; it is tolerated but worth counting.
func (p Prices) Inverted() bool {
	if p.Normal == nil || *p.Normal <= 0 {
		return false
	}
	if p.Offer != nil && *p.Offer > *p.Normal {
		return true
	}
	return p.Card != nil && *p.Card > *p.Normal
}

// Day truncates t to its calendar date, expressed as midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}

func cleanField(s string) string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "nan", "none", "null":
		return ""
	}
	return s
}
