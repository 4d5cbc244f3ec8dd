package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yourorg/form4-ingest/internal/app"
	"github.com/yourorg/form4-ingest/internal/apperror"
	"github.com/yourorg/form4-ingest/internal/config"
	"github.com/yourorg/form4-ingest/internal/logging"
	"github.com/yourorg/form4-ingest/internal/tracing"

	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "config/config.yaml", "path to the config file")
		ticker     = flag.String("ticker", "", "ticker or CIK to ingest")
		all        = flag.Bool("all", false, "ingest every company of scraper.watchlist")
		daysBack   = flag.Int("days", 0, "look-back window in days (default scraper.daysBack)")
		maxFilings = flag.Int("max-filings", 0, "filings per company (default scraper.maxFilingsPerCompany)")
	)
	flag.Parse()

	if (*ticker == "") == !*all {
		fmt.Fprintln(os.Stderr, "exactly one of -ticker or -all is required")
		flag.Usage()
		return 2
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *daysBack == 0 {
		*daysBack = cfg.Scraper.DaysBack
	}
	if *maxFilings == 0 {
		*maxFilings = cfg.Scraper.MaxFilingsPerCompany
	}

	// Logs go to stderr so stdout carries only the JSON result
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, "stderr")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	shutdownTracing, err := tracing.Setup(cfg.Tracing, os.Stderr)
	if err != nil {
		logger.Error("Failed to set up tracing", zap.Error(err))
		return 1
	}
	defer shutdownTracing(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize ingestion pipeline", zap.Error(err))
		return 1
	}
	defer pipeline.Close()

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")

	if *all {
		if len(cfg.Scraper.Watchlist) == 0 {
			logger.Error("scraper.watchlist is empty")
			return 2
		}
		summary := pipeline.BatchService.RunAll(ctx, cfg.Scraper.Watchlist, *daysBack, *maxFilings)
		encoder.Encode(summary)
		if len(summary.Failed) > 0 {
			return 1
		}
		return 0
	}

	result, err := pipeline.ScrapeService.Run(ctx, *ticker, *daysBack, *maxFilings)
	if result != nil {
		encoder.Encode(result)
	}
	if err != nil {
		logger.Error("Scrape failed",
			zap.String("identifier", *ticker),
			zap.Int("http_status", apperror.HTTPStatus(err)),
			zap.Error(err))
		return 1
	}
	return 0
}
