package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ripleyListing = `<html><body>
<h1>Notebooks</h1>
<div class="catalog">
	<div class="catalog-product-item" data-partnumber="2000385812345">
		<a class="catalog-product-link" href="/notebook-hp-pavilion-15-2000385812345p">
			<div class="brand-logo">HP</div>
			<div class="catalog-product-details__name">Notebook HP  Pavilion 15
				8GB 512GB</div>
		</a>
		<li class="catalog-prices__list-price">$599.990</li>
		<li class="catalog-prices__offer-price">$549.990</li>
		<li class="catalog-prices__card-price">$ 529.990</li>
	</div>
	<div class="catalog-product-item" data-partnumber="2000399900001">
		<a class="catalog-product-link" href="https://simple.ripley.cl/celular-xiaomi-redmi-note-13">
			<div class="catalog-product-details__name">Celular Xiaomi Redmi Note 13 256GB</div>
		</a>
		<li class="catalog-prices__offer-price">$ 199.990</li>
	</div>
	<div class="catalog-product-item">
		<div class="catalog-product-details__name">  </div>
	</div>
</div>
</body></html>`

func newRipleyParser() *ListingParser {
	return NewListingParser(map[string]Selectors{
		"Ripley": {
			Item:        ".catalog-product-item",
			Name:        ".catalog-product-details__name",
			Brand:       ".brand-logo",
			Link:        "a.catalog-product-link",
			SKUAttr:     "data-partnumber",
			NormalPrice: ".catalog-prices__list-price",
			OfferPrice:  ".catalog-prices__offer-price",
			CardPrice:   ".catalog-prices__card-price",
			Category:    "h1",
			BaseURL:     "https://simple.ripley.cl",
		},
	})
}

func TestParseListing(t *testing.T) {
	parser := newRipleyParser()

	rows, err := parser.ParseListing(strings.NewReader(ripleyListing), "ripley")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	hp := rows[0]
	assert.Equal(t, "Notebook HP Pavilion 15 8GB 512GB", hp.Name)
	assert.Equal(t, "HP", hp.Brand)
	assert.Equal(t, "2000385812345", hp.RawSKU)
	assert.Equal(t, "https://simple.ripley.cl/notebook-hp-pavilion-15-2000385812345p", hp.URL)
	assert.Equal(t, "Notebooks", hp.Category)
	assert.Equal(t, "ripley", hp.Retailer)
	require.NotNil(t, hp.Prices.Normal)
	assert.Equal(t, int64(599990), *hp.Prices.Normal)
	assert.Equal(t, int64(549990), *hp.Prices.Offer)
	assert.Equal(t, int64(529990), *hp.Prices.Card)
	assert.Equal(t, 0, hp.Seq)

	xiaomi := rows[1]
	assert.Equal(t, "https://simple.ripley.cl/celular-xiaomi-redmi-note-13", xiaomi.URL)
	assert.Nil(t, xiaomi.Prices.Normal)
	assert.Equal(t, int64(199990), *xiaomi.Prices.Offer)
	assert.Empty(t, xiaomi.Brand)
	assert.Equal(t, 1, xiaomi.Seq)
}

func TestParseListingDefaultSelectors(t *testing.T) {
	html := `<div class="product-card" data-product-id="abc">
		<h3>Smart TV Samsung 55" Crystal UHD</h3>
		<a href="https://www.paris.cl/tv-samsung-55.html">ver</a>
		<span class="price">$ 349.990</span>
	</div>`

	rows, err := NewListingParser(nil).ParseListing(strings.NewReader(html), "paris")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, `Smart TV Samsung 55" Crystal UHD`, rows[0].Name)
	assert.Equal(t, "abc", rows[0].RawSKU)
	assert.Equal(t, int64(349990), *rows[0].Prices.Normal)
}

func TestParsePrice(t *testing.T) {
	parser := NewListingParser(nil)

	tests := []struct {
		name     string
		input    string
		expected int64
		hasError bool
	}{
		{"dotted thousands", "$ 1.299.990", 1299990, false},
		{"no space", "$549.990", 549990, false},
		{"non-breaking space", "$\u00a012.990", 12990, false},
		{"comma thousands", "1,299,990", 1299990, false},
		{"plain digits", "89990", 89990, false},
		{"trailing text", "$ 9.990 c/u", 9990, false},
		{"no digits", "Agotado", 0, true},
		{"zero", "$ 0", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parser.ParsePrice(tt.input)
			if tt.hasError {
				assert.ErrorIs(t, err, ErrNoPrice)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}
