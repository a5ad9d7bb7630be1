package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/catalog-dedup/internal/dedup"
	"github.com/maltedev/catalog-dedup/internal/models"
	"github.com/maltedev/catalog-dedup/internal/source"
	"github.com/maltedev/catalog-dedup/internal/storage"
)

// LoadReport summarizes one loader run.
type LoadReport struct {
	RunID       string
	Files       int
	FilesFailed int
	Skipped     []string
	Stats       dedup.Stats
	Duplicates  []storage.DuplicateSnapshot
	Relayed     int
	Duration    time.Duration
}

// Load deduplicates every scraper file under dir into the backend. Files that
// cannot be read are logged and counted; the rest are still loaded.
func (a *App) Load(ctx context.Context, dir string) (*LoadReport, error) {
	start := time.Now()
	report := &LoadReport{RunID: uuid.NewString()}
	logger := a.Logger.With("run_id", report.RunID)

	warmed, err := a.Engine.Warm(ctx)
	if err != nil {
		return nil, err
	}

	files, skipped, err := source.Discover(dir, a.Location)
	if err != nil {
		return nil, err
	}
	report.Files = len(files)
	report.Skipped = skipped
	logger.Info("loading files", "dir", dir, "files", len(files), "skipped", len(skipped), "identities_warmed", warmed)

	reader := source.NewReader(a.ListingParser(), a.Logger)
	var observations []models.Observation
	for _, f := range files {
		obs, err := reader.Read(ctx, f)
		if err != nil {
			report.FilesFailed++
			logger.Error("failed to read file", "path", f.Path, "error", err)
			continue
		}
		logger.Info("file loaded", "path", f.Path, "retailer", f.Retailer, "captured_at", f.CapturedAt, "rows", len(obs))
		observations = append(observations, obs...)
	}

	report.Stats, err = a.Runner().Run(ctx, observations)
	if err != nil {
		return report, fmt.Errorf("load interrupted: %w", err)
	}

	report.Duplicates, err = a.Backend.DuplicateSnapshots(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to audit snapshots: %w", err)
	}
	for _, d := range report.Duplicates {
		logger.Error("duplicate snapshots", "product_id", d.ProductID, "date", d.Date.Format(time.DateOnly), "count", d.Count)
	}

	if a.Relay != nil {
		report.Relayed, err = a.Relay.Drain(ctx)
		if err != nil {
			return report, fmt.Errorf("failed to relay events: %w", err)
		}
	}

	report.Duration = time.Since(start)
	attrs := append([]any{"files", report.Files, "files_failed", report.FilesFailed, "relayed", report.Relayed, "duration", report.Duration}, report.Stats.LogAttrs()...)
	logger.Info("load complete", attrs...)
	return report, nil
}
