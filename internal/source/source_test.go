package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/maltedev/catalog-dedup/internal/models"
	"github.com/maltedev/catalog-dedup/internal/parser"
)

func santiago(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(DefaultTimezone)
	if err != nil {
		return time.FixedZone("CLT", -3*3600)
	}
	return loc
}

func TestParseFileStamp(t *testing.T) {
	loc := santiago(t)

	f, err := ParseFileStamp("/data/ripley_2025_01_15_143000.xlsx", loc)
	require.NoError(t, err)
	assert.Equal(t, "ripley", f.Retailer)
	assert.Equal(t, FormatExcel, f.Format)
	assert.Equal(t, time.Date(2025, 1, 15, 14, 30, 0, 0, loc), f.CapturedAt)

	f, err = ParseFileStamp("mercado_libre_2025_02_01_000501.CSV", loc)
	require.NoError(t, err)
	assert.Equal(t, "mercado_libre", f.Retailer)
	assert.Equal(t, FormatCSV, f.Format)

	f, err = ParseFileStamp("paris_2025_03_10_090000.htm", loc)
	require.NoError(t, err)
	assert.Equal(t, FormatHTML, f.Format)

	for _, name := range []string{"ripley.xlsx", "ripley_2025_01_15.xlsx", "ripley_2025_13_15_143000.xlsx", "ripley_2025_01_15_143000.json"} {
		_, err := ParseFileStamp(name, loc)
		assert.Error(t, err, name)
	}
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"paris_2025_01_16_080000.csv",
		"ripley_2025_01_15_143000.xlsx",
		"falabella_2025_01_15_143000.csv",
		"test_ripley_2025_01_14_000000.xlsx",
		"ml_test_2025_01_14_000000.csv",
		"notes.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	files, skipped, err := Discover(dir, time.UTC)
	require.NoError(t, err)

	var names []string
	for _, f := range files {
		names = append(names, filepath.Base(f.Path))
	}
	assert.Equal(t, []string{
		"falabella_2025_01_15_143000.csv",
		"ripley_2025_01_15_143000.xlsx",
		"paris_2025_01_16_080000.csv",
	}, names)
	assert.Equal(t, []string{filepath.Join(dir, "notes.txt")}, skipped)
}

func TestReadExcel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ripley_2025_01_15_143000.xlsx")

	book := excelize.NewFile()
	sheet := book.GetSheetName(0)
	rows := [][]any{
		{"nombre", "marca", "sku", "link", "categoria", "precio_normal_num", "precio_oferta_num", "precio_tarjeta_num"},
		{"Samsung Galaxy S24 Ultra 256GB", "Samsung", "MPM1001", "https://simple.ripley.cl/p/1", "Celulares", 1299990, 1099990, 0},
		{},
		{"Notebook HP Pavilion 15", "nan", "", "", "Computación", "$ 599.990", "", "549990.0"},
	}
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, book.SetSheetRow(sheet, cell, &r))
	}
	require.NoError(t, book.SaveAs(path))
	require.NoError(t, book.Close())

	f, err := ParseFileStamp(path, time.UTC)
	require.NoError(t, err)

	obs, err := NewReader(nil, nil).Read(context.Background(), f)
	require.NoError(t, err)
	require.Len(t, obs, 2)

	first := obs[0].Row
	assert.Equal(t, "Samsung Galaxy S24 Ultra 256GB", first.Name)
	assert.Equal(t, "ripley", first.Retailer)
	assert.Equal(t, "MPM1001", first.RawSKU)
	assert.Equal(t, models.Int64(1299990), first.Prices.Normal)
	assert.Equal(t, models.Int64(1099990), first.Prices.Offer)
	assert.Nil(t, first.Prices.Card)
	assert.Equal(t, 0, first.Seq)
	assert.Equal(t, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), obs[0].Date)

	second := obs[1].Row
	assert.Empty(t, second.Brand)
	assert.Equal(t, models.Int64(599990), second.Prices.Normal)
	assert.Nil(t, second.Prices.Offer)
	assert.Equal(t, models.Int64(549990), second.Prices.Card)
	assert.Equal(t, 1, second.Seq)
}

func TestReadCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "falabella_2025_01_15_230000.csv")
	content := "\ufeffname;brand;sku;url;category;normal_num;oferta_num;tarjeta_num\n" +
		"Apple iPhone 15 128GB;Apple;123;https://falabella.com/p/123;Celulares;899990;849990;\n" +
		";;;;;;;\n" +
		"Xiaomi Redmi Note 13;Xiaomi;;;Celulares;$ 249.990;;\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	loc := time.FixedZone("CLT", -3*3600)
	f, err := ParseFileStamp(path, loc)
	require.NoError(t, err)

	obs, err := NewReader(nil, nil).Read(context.Background(), f)
	require.NoError(t, err)
	require.Len(t, obs, 2)

	assert.Equal(t, "Apple iPhone 15 128GB", obs[0].Row.Name)
	assert.Equal(t, "falabella", obs[0].Row.Retailer)
	assert.Equal(t, models.Int64(849990), obs[0].Row.Prices.Offer)
	assert.Nil(t, obs[0].Row.Prices.Card)
	assert.Equal(t, models.Int64(249990), obs[1].Row.Prices.Normal)
	// Late evening local time stays on the local calendar day.
	assert.Equal(t, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), obs[1].Date)
}

func TestReadCSVWithoutNameColumn(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "paris_2025_01_15_100000.csv")
	require.NoError(t, os.WriteFile(path, []byte("sku,precio\n1,100\n"), 0o644))

	f, err := ParseFileStamp(path, time.UTC)
	require.NoError(t, err)
	_, err = NewReader(nil, nil).Read(context.Background(), f)
	assert.ErrorIs(t, err, ErrNoNameColumn)
}

func TestReadHTML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "paris_2025_01_15_100000.html")
	page := `<html><body>
<div class="product-card" data-sku="P1"><a class="product-link" href="/p/1"><span class="product-name">Lenovo IdeaPad 3 8GB</span></a>
<span class="price-normal">$ 499.990</span><span class="price-offer">$ 449.990</span></div>
<div class="product-card"><span class="product-name">Motorola Edge 50</span><span class="price-normal">$ 299.990</span></div>
</body></html>`
	require.NoError(t, os.WriteFile(path, []byte(page), 0o644))

	selectors := map[string]parser.Selectors{
		"paris": {
			Item:        ".product-card",
			Name:        ".product-name",
			Link:        "a.product-link",
			SKUAttr:     "data-sku",
			NormalPrice: ".price-normal",
			OfferPrice:  ".price-offer",
			BaseURL:     "https://www.paris.cl",
		},
	}
	f, err := ParseFileStamp(path, time.UTC)
	require.NoError(t, err)

	obs, err := NewReader(parser.NewListingParser(selectors), nil).Read(context.Background(), f)
	require.NoError(t, err)
	require.Len(t, obs, 2)

	assert.Equal(t, "Lenovo IdeaPad 3 8GB", obs[0].Row.Name)
	assert.Equal(t, "P1", obs[0].Row.RawSKU)
	assert.Equal(t, "https://www.paris.cl/p/1", obs[0].Row.URL)
	assert.Equal(t, models.Int64(449990), obs[0].Row.Prices.Offer)
	assert.Equal(t, f.CapturedAt, obs[1].Row.CapturedAt)
	assert.Equal(t, 1, obs[1].Row.Seq)
}
