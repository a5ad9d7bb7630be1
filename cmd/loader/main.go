package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/maltedev/catalog-dedup/internal/app"
	"github.com/maltedev/catalog-dedup/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var (
		inputDir = flag.String("dir", cfg.Loader.InputDir, "Directory with scraper output files")
		policy   = flag.String("policy", cfg.Loader.SameDayPolicy, "Same-day policy: latest or first")
		workers  = flag.Int("workers", cfg.Loader.Workers, "Parallel workers")
	)
	flag.Parse()
	cfg.Loader.SameDayPolicy = *policy
	cfg.Loader.Workers = *workers

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()
	slog.SetDefault(a.Logger)

	report, err := a.Load(ctx, *inputDir)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			a.Logger.Warn("load cancelled")
		} else {
			a.Logger.Error("load failed", "error", err)
		}
		a.Close()
		os.Exit(1)
	}

	fmt.Println(report.Stats.String())
	if len(report.Duplicates) > 0 || report.Stats.BatchesFailed > 0 {
		a.Close()
		os.Exit(2)
	}
}
