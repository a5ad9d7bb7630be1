package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/catalog-dedup/internal/config"
	"github.com/maltedev/catalog-dedup/internal/storage"
)

const header = "nombre;marca;sku;link;categoria;precio_normal_num;precio_oferta_num;precio_tarjeta_num\n"

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("DB_DRIVER", "memory")
	t.Setenv("IDENTITY_BACKEND", "memory")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("RELAY_ENABLED", "false")
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func scrapeDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "ripley_2025_01_15_090000.csv", header+
		"Notebook HP Pavilion 15 8GB 512GB;HP;RIP-1;https://ripley.cl/p/1;Notebooks;599990;549990;\n"+
		"Apple iPhone 15 128GB;Apple;RIP-2;https://ripley.cl/p/2;Celulares;899990;;\n")
	writeFile(t, dir, "ripley_2025_01_15_180000.csv", header+
		"Notebook HP Pavilion 15 8GB 512GB;HP;RIP-1;https://ripley.cl/p/1;Notebooks;599990;529990;\n")
	writeFile(t, dir, "ripley_2025_01_16_090000.csv", header+
		"Notebook HP Pavilion 15 8GB 512GB;HP;RIP-1;https://ripley.cl/p/1;Notebooks;599990;519990;\n")
	writeFile(t, dir, "paris_2025_01_15_100000.csv", "sku;precio\n1;100\n")
	writeFile(t, dir, "test_ripley_2025_01_15_090000.csv", header+"Ignored;X;1;;;1;;\n")
	writeFile(t, dir, "notes.txt", "not a scrape")
	return dir
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Loader.BatchSize = 0
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	report, err := a.Load(ctx, scrapeDir(t))
	require.NoError(t, err)

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 4, report.Files)
	assert.Equal(t, 1, report.FilesFailed)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, "notes.txt", filepath.Base(report.Skipped[0]))
	assert.Empty(t, report.Duplicates)

	stats := report.Stats
	assert.EqualValues(t, 4, stats.Rows)
	assert.EqualValues(t, 2, stats.NewProducts)
	assert.EqualValues(t, 2, stats.ExistingProducts)
	assert.EqualValues(t, 3, stats.SnapshotsInserted)
	assert.EqualValues(t, 1, stats.SnapshotsUpdated)

	products, err := a.Backend.ListProducts(ctx, storage.ProductFilter{Category: "notebooks"})
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), products[0].FirstSeen)
	assert.Equal(t, time.Date(2025, 1, 16, 0, 0, 0, 0, time.UTC), products[0].LastSeen)

	history, err := a.Backend.PriceHistory(ctx, products[0].ProductID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.EqualValues(t, 529990, history[0].MinPrice)
	assert.Equal(t, 1, history[0].IntradayUpdates)
	assert.EqualValues(t, 519990, history[1].MinPrice)
}

func TestLoadTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	dir := scrapeDir(t)
	_, err = a.Load(ctx, dir)
	require.NoError(t, err)

	again, err := a.Load(ctx, dir)
	require.NoError(t, err)
	assert.EqualValues(t, 0, again.Stats.NewProducts)
	assert.EqualValues(t, 4, again.Stats.ExistingProducts)
	assert.EqualValues(t, 0, again.Stats.SnapshotsInserted)
	assert.EqualValues(t, 0, again.Stats.SnapshotsUpdated)
}

func TestLoadResumesFromPersistedStore(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Database.MemoryFile = filepath.Join(t.TempDir(), "catalog.json")
	dir := scrapeDir(t)

	first, err := New(ctx, cfg)
	require.NoError(t, err)
	_, err = first.Load(ctx, dir)
	require.NoError(t, err)
	before, err := first.Backend.Identities(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := New(ctx, cfg)
	require.NoError(t, err)
	defer second.Close()

	report, err := second.Load(ctx, dir)
	require.NoError(t, err)
	assert.EqualValues(t, 0, report.Stats.NewProducts)

	after, err := second.Backend.Identities(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, before, after)
}

func TestLoadMissingDir(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Load(ctx, filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
