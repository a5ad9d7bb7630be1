package source

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/maltedev/catalog-dedup/internal/models"
	"github.com/maltedev/catalog-dedup/internal/parser"
)

// Column aliases, in preference order. Scrapers switched between Spanish
// and English headers and between raw and "_num" price columns over time.
var columnAliases = map[string][]string{
	"name":        {"nombre", "name", "titulo", "title", "product_name"},
	"brand":       {"marca", "brand"},
	"sku":         {"sku", "codigo", "product_code", "product_id"},
	"url":         {"link", "url", "product_link"},
	"category":    {"categoria", "category"},
	"retailer":    {"retailer", "tienda"},
	"normal":      {"precio_normal_num", "normal_num", "precio_normal", "normal_price"},
	"offer":       {"precio_oferta_num", "oferta_num", "precio_oferta", "offer_price", "internet_price"},
	"card":        {"precio_tarjeta_num", "tarjeta_num", "precio_tarjeta", "card_price"},
	"captured_at": {"fecha_captura", "captured_at", "timestamp", "scraped_at"},
}

var plainNumber = regexp.MustCompile(`^\d+(?:\.0+)?$`)

// tableDecoder maps spreadsheet-like records onto ScrapedRow.
type tableDecoder struct {
	index  map[string]int
	file   File
	prices *parser.ListingParser
}

func newTableDecoder(header []string, file File, prices *parser.ListingParser) *tableDecoder {
	positions := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, seen := positions[h]; !seen {
			positions[h] = i
		}
	}

	index := make(map[string]int, len(columnAliases))
	for field, aliases := range columnAliases {
		for _, alias := range aliases {
			if i, ok := positions[alias]; ok {
				index[field] = i
				break
			}
		}
	}
	return &tableDecoder{index: index, file: file, prices: prices}
}

func (d *tableDecoder) hasName() bool {
	_, ok := d.index["name"]
	return ok
}

func (d *tableDecoder) cell(record []string, field string) string {
	i, ok := d.index[field]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func (d *tableDecoder) decode(record []string, seq int) models.ScrapedRow {
	row := models.ScrapedRow{
		Name:       d.cell(record, "name"),
		Brand:      d.cell(record, "brand"),
		RawSKU:     d.cell(record, "sku"),
		URL:        d.cell(record, "url"),
		Category:   d.cell(record, "category"),
		Retailer:   d.file.Retailer,
		CapturedAt: d.file.CapturedAt,
		Seq:        seq,
	}
	if r := d.cell(record, "retailer"); r != "" {
		row.Retailer = r
	}
	if ts := d.cell(record, "captured_at"); ts != "" {
		if t, ok := parseTimestamp(ts, d.file.CapturedAt.Location()); ok {
			row.CapturedAt = t
		}
	}

	row.Prices.Normal = d.price(d.cell(record, "normal"))
	row.Prices.Offer = d.price(d.cell(record, "offer"))
	row.Prices.Card = d.price(d.cell(record, "card"))
	return row.Clean()
}

// price accepts spreadsheet numbers ("599990", "599990.0") and formatted
// amounts ("$ 599.990"). Non-positive values count as absent.
func (d *tableDecoder) price(cell string) *int64 {
	if cell == "" {
		return nil
	}
	if plainNumber.MatchString(cell) {
		f, err := strconv.ParseFloat(cell, 64)
		if err != nil || f <= 0 {
			return nil
		}
		return models.Int64(int64(f))
	}
	v, err := d.prices.ParsePrice(cell)
	if err != nil {
		return nil
	}
	return &v
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"02/01/2006 15:04:05",
	"02-01-2006 15:04",
}

func parseTimestamp(s string, loc *time.Location) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
