package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"census-climate/internal/config"
	"census-climate/internal/feed"
	"census-climate/internal/models"
	"census-climate/internal/repository"
	"census-climate/internal/services"
	"census-climate/pkg/database"
	"census-climate/pkg/logging"
	"census-climate/pkg/metrics"
)

func main() {
	// Parse command-line flags
	startStr := flag.String("start", "", "First observation date to ingest (YYYY-MM-DD, default: lookback window)")
	endStr := flag.String("end", "", "Last observation date to ingest (YYYY-MM-DD, default: today)")
	file := flag.String("file", "", "Ingest a climate-daily CSV export instead of querying the feed")
	batchSize := flag.Int("batch-size", 0, "Number of records per insert batch (default: INGEST_BATCH_SIZE)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *batchSize <= 0 {
		*batchSize = cfg.Feed.BatchSize
	}

	end := models.Day(time.Now().UTC())
	if *endStr != "" {
		if end, err = time.Parse(models.DateLayout, *endStr); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -end: %v\n", err)
			os.Exit(1)
		}
	}
	start := end.AddDate(0, 0, -cfg.Pipeline.LookbackDays)
	if *startStr != "" {
		if start, err = time.Parse(models.DateLayout, *startStr); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -start: %v\n", err)
			os.Exit(1)
		}
	}

	logger := logging.NewStructuredLogger("climate-ingester", "1.0.0", logging.ParseLevel(cfg.Logging.Level))

	ctx := context.Background()
	logger.Info(ctx, "[INGESTER_START] Starting climate observation ingestion", logging.Fields{
		"version":    "1.0.0",
		"province":   cfg.Feed.Province,
		"start_date": models.DayKey(start),
		"end_date":   models.DayKey(end),
		"file":       *file,
		"batch_size": *batchSize,
	})

	metricsCollector := metrics.NewCollector("census_climate_ingester")

	dbConfig := &database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
		ConnectBackoff:  cfg.Database.ConnectBackoff,
	}

	db, err := database.NewPostgresDB(dbConfig, logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[INGESTER_ERROR] Failed to connect to database", logging.Fields{}, err)
	}
	defer db.Close()

	climateRepo := repository.NewClimateRepository(db, logger, metricsCollector)

	feedClient, err := feed.NewClient(feed.Config{
		BaseURL:   cfg.Feed.BaseURL,
		PageLimit: cfg.Feed.PageLimit,
		Backoff: feed.BackoffConfig{
			MaxRetries:      cfg.Feed.MaxRetries,
			InitialInterval: cfg.Feed.InitialBackoff,
			MaxInterval:     cfg.Feed.MaxBackoff,
		},
	}, &http.Client{Timeout: cfg.Feed.Timeout}, logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[INGESTER_ERROR] Invalid feed configuration", logging.Fields{}, err)
	}

	ingestionService := services.NewIngestionService(climateRepo, feedClient, cfg.Feed.Province, *batchSize, logger, metricsCollector)

	var result *services.IngestionResult
	if *file != "" {
		result, err = ingestionService.IngestFile(ctx, *file)
	} else {
		result, err = ingestionService.IngestRange(ctx, start, end)
	}
	if err != nil {
		logger.Fatal(ctx, "[INGESTION_ERROR] Ingestion failed", logging.Fields{
			"error": err.Error(),
		}, err)
	}

	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("INGESTION COMPLETE")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Windows:            %d\n", result.Windows)
	fmt.Printf("Total Records:      %d\n", result.TotalRecords)
	fmt.Printf("Stored Records:     %d\n", result.StoredRecords)
	fmt.Printf("Rejected Records:   %d\n", result.RejectedRecords)
	fmt.Printf("Stations:           %d\n", result.StationsUpserted)
	fmt.Printf("Duration:           %v\n", result.Duration)

	if len(result.Errors) > 0 {
		fmt.Printf("\nErrors (%d):\n", len(result.Errors))
		for i, errMsg := range result.Errors {
			if i < 10 {
				fmt.Printf("  - %s\n", errMsg)
			}
		}
		if len(result.Errors) > 10 {
			fmt.Printf("  ... and %d more errors\n", len(result.Errors)-10)
		}
	}

	logger.Info(ctx, "[INGESTER_COMPLETE] Ingestion completed", logging.Fields{
		"total_records":    result.TotalRecords,
		"stored_records":   result.StoredRecords,
		"rejected_records": result.RejectedRecords,
		"duration_seconds": result.Duration.Seconds(),
	})
}
