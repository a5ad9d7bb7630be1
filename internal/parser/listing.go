// Package parser extracts product rows from saved retailer listing pages.
package parser

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/catalog-dedup/internal/models"
)

var ErrNoPrice = errors.New("price not found")

// Selectors locate product cards and their fields on a saved listing page.
// Field selectors are relative to Item.
type Selectors struct {
	Item        string `yaml:"item"`
	Name        string `yaml:"name"`
	Brand       string `yaml:"brand"`
	Link        string `yaml:"link"`
	SKUAttr     string `yaml:"sku_attr"`
	NormalPrice string `yaml:"normal_price"`
	OfferPrice  string `yaml:"offer_price"`
	CardPrice   string `yaml:"card_price"`
	Category    string `yaml:"category"`
	BaseURL     string `yaml:"base_url"`
}

// Generic selectors used for retailers without their own entry.
var DefaultSelectors = Selectors{
	Item:        "[data-product-id], .product-item, .product-card",
	Name:        ".product-name, .product-title, h2, h3",
	Brand:       ".product-brand, .brand",
	Link:        "a[href]",
	SKUAttr:     "data-product-id",
	NormalPrice: ".price-normal, .normal-price, .price",
	OfferPrice:  ".price-internet, .offer-price, .price-offer",
	CardPrice:   ".price-card, .card-price, .price-cmr",
	Category:    "h1, .breadcrumb li:last-child",
}

// ListingParser extracts scraped rows from retailer category pages that
// were saved to disk by the scrapers.
type ListingParser struct {
	selectors     map[string]Selectors
	pricePatterns []*regexp.Regexp
}

func NewListingParser(selectors map[string]Selectors) *ListingParser {
	sel := make(map[string]Selectors, len(selectors))
	for retailer, s := range selectors {
		sel[strings.ToLower(retailer)] = s
	}
	return &ListingParser{
		selectors: sel,
		pricePatterns: []*regexp.Regexp{
			// $ 1.299.990 / $1.299.990 c/u
			regexp.MustCompile(`\$?\s*(\d{1,3}(?:\.\d{3})+)(?:\D|$)`),
			// 1,299,990
			regexp.MustCompile(`\$?\s*(\d{1,3}(?:,\d{3})+)(?:\D|$)`),
			// 1299990
			regexp.MustCompile(`\$?\s*(\d+)`),
		},
	}
}

// Selectors returns the selectors used for retailer.
func (p *ListingParser) Selectors(retailer string) Selectors {
	if s, ok := p.selectors[strings.ToLower(retailer)]; ok {
		return s
	}
	return DefaultSelectors
}

func (p *ListingParser) ParseListing(r io.Reader, retailer string) ([]models.ScrapedRow, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	sel := p.Selectors(retailer)
	category := ""
	if sel.Category != "" {
		category = cleanText(doc.Find(sel.Category).First().Text())
	}

	var rows []models.ScrapedRow
	doc.Find(sel.Item).Each(func(i int, item *goquery.Selection) {
		name := cleanText(item.Find(sel.Name).First().Text())
		if name == "" {
			return
		}

		row := models.ScrapedRow{
			Name:     name,
			Retailer: retailer,
			Category: category,
			Seq:      len(rows),
		}
		if sel.Brand != "" {
			row.Brand = cleanText(item.Find(sel.Brand).First().Text())
		}
		if sel.SKUAttr != "" {
			row.RawSKU = strings.TrimSpace(item.AttrOr(sel.SKUAttr, ""))
		}
		if sel.Link != "" {
			if href, ok := item.Find(sel.Link).First().Attr("href"); ok {
				row.URL = resolveURL(sel.BaseURL, href)
			}
		}

		row.Prices.Normal = p.priceAt(item, sel.NormalPrice)
		row.Prices.Offer = p.priceAt(item, sel.OfferPrice)
		row.Prices.Card = p.priceAt(item, sel.CardPrice)

		rows = append(rows, row)
	})

	return rows, nil
}

func (p *ListingParser) priceAt(item *goquery.Selection, selector string) *int64 {
	if selector == "" {
		return nil
	}
	text := strings.TrimSpace(item.Find(selector).First().Text())
	if text == "" {
		return nil
	}
	v, err := p.ParsePrice(text)
	if err != nil {
		return nil
	}
	return &v
}

// ParsePrice reads a Chilean peso amount such as "$ 1.299.990" (dots group
// thousands; pesos have no decimals).
func (p *ListingParser) ParsePrice(s string) (int64, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\u00a0", " "))
	for _, pattern := range p.pricePatterns {
		matches := pattern.FindStringSubmatch(s)
		if len(matches) < 2 {
			continue
		}
		digits := strings.NewReplacer(".", "", ",", "").Replace(matches[1])
		v, err := strconv.ParseInt(digits, 10, 64)
		if err != nil || v <= 0 {
			continue
		}
		return v, nil
	}
	return 0, fmt.Errorf("%w in %q", ErrNoPrice, s)
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func resolveURL(base, href string) string {
	href = strings.TrimSpace(href)
	if base == "" {
		return href
	}
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return b.ResolveReference(ref).String()
}
