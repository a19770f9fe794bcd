package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"census-climate/internal/cache"
	"census-climate/internal/config"
	"census-climate/internal/feed"
	"census-climate/internal/models"
	"census-climate/internal/repository"
	"census-climate/internal/scheduler"
	"census-climate/internal/services"
	"census-climate/pkg/database"
	"census-climate/pkg/logging"
	"census-climate/pkg/metrics"
)

func main() {
	full := flag.Bool("full", false, "Rebuild the dataset from the epoch instead of the lookback window")
	export := flag.String("export", "", "Also write the dataset to this CSV file (default: EXPORT_PATH)")
	todayStr := flag.String("today", "", "Treat this date as today (YYYY-MM-DD, default: current UTC date)")
	schedule := flag.Bool("schedule", false, "Stay running and ingest plus aggregate daily at SCHEDULE_AT")
	timeout := flag.Duration("timeout", 2*time.Hour, "Upper bound for one scheduled run")
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
	if *export == "" {
		*export = cfg.Pipeline.ExportPath
	}

	var fixedToday time.Time
	if *todayStr != "" {
		if fixedToday, err = time.Parse(models.DateLayout, *todayStr); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -today: %v\n", err)
			os.Exit(1)
		}
	}
	today := func() time.Time {
		if !fixedToday.IsZero() {
			return fixedToday
		}
		return models.Day(time.Now().UTC())
	}

	logger := logging.NewStructuredLogger("climate-aggregator", "1.0.0", logging.ParseLevel(cfg.Logging.Level))

	ctx := context.Background()
	logger.Info(ctx, "[AGGREGATOR_START] Starting division dataset aggregator", logging.Fields{
		"version":     "1.0.0",
		"full":        *full,
		"schedule":    *schedule,
		"province":    cfg.Pipeline.ProvinceCode,
		"num_closest": cfg.Pipeline.NumClosest,
		"policy":      cfg.Pipeline.Policy,
	})

	metricsCollector := metrics.NewCollector("census_climate_aggregator")

	opts, err := cfg.PipelineOptions()
	if err != nil {
		logger.Fatal(ctx, "[AGGREGATOR_ERROR] Invalid pipeline options", logging.Fields{}, err)
	}

	ref, err := services.LoadReference(cfg.Sources.SubdivisionsPath, cfg.Sources.DivisionsPath, cfg.Sources.PopulationPath)
	if err != nil {
		logger.Fatal(ctx, "[AGGREGATOR_ERROR] Failed to load reference data", logging.Fields{
			"subdivisions": cfg.Sources.SubdivisionsPath,
			"divisions":    cfg.Sources.DivisionsPath,
			"population":   cfg.Sources.PopulationPath,
		}, err)
	}
	logger.Info(ctx, "[AGGREGATOR_REFERENCE] Reference data loaded", logging.Fields{
		"subdivisions": len(ref.Subdivisions),
		"divisions":    len(ref.Divisions),
		"population":   len(ref.Populations),
	})

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
		logger.Fatal(ctx, "[AGGREGATOR_ERROR] Failed to connect to database", logging.Fields{}, err)
	}
	defer db.Close()

	climateRepo := repository.NewClimateRepository(db, logger, metricsCollector)

	var invalidator services.CacheInvalidator
	if cfg.Cache.Enabled {
		c, err := cache.New(ctx, cache.Config{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
			TTL:      cfg.Cache.TTL,
		}, logger, metricsCollector)
		if err != nil {
			logger.Warn(ctx, "[AGGREGATOR_WARN] Response cache unavailable, cached API pages expire on TTL", logging.Fields{
				"addr":  cfg.Cache.Addr,
				"error": err.Error(),
			})
		} else {
			defer c.Close()
			invalidator = c
		}
	}

	pipelineService, err := services.NewPipelineService(climateRepo, ref, opts, services.PipelineSettings{
		FeedProvince: cfg.Feed.Province,
		LookbackDays: cfg.Pipeline.LookbackDays,
		ExportPath:   *export,
	}, invalidator, logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[AGGREGATOR_ERROR] Failed to create pipeline", logging.Fields{}, err)
	}

	if !*schedule {
		var report *models.RunReport
		if *full {
			report, err = pipelineService.RunFull(ctx, today())
		} else {
			report, err = pipelineService.RunIncremental(ctx, today())
		}
		if err != nil {
			logger.Fatal(ctx, "[AGGREGATOR_ERROR] Run failed", logging.Fields{}, err)
		}
		printReport(report)
		return
	}

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
		logger.Fatal(ctx, "[AGGREGATOR_ERROR] Invalid feed configuration", logging.Fields{}, err)
	}
	ingestionService := services.NewIngestionService(climateRepo, feedClient, cfg.Feed.Province, cfg.Feed.BatchSize, logger, metricsCollector)

	// Each scheduled run refreshes the stored observations for the lookback
	// window before recomputing it, so late station reports are picked up.
	daily := func(ctx context.Context) error {
		end := today()
		start := end.AddDate(0, 0, -cfg.Pipeline.LookbackDays)
		if _, err := ingestionService.IngestRange(ctx, start, end); err != nil {
			return fmt.Errorf("ingest: %w", err)
		}
		_, err := pipelineService.RunIncremental(ctx, end)
		return err
	}

	sched := scheduler.New(cfg.Schedule.At, *timeout, daily, logger)
	if err := sched.Start(); err != nil {
		logger.Fatal(ctx, "[AGGREGATOR_ERROR] Failed to start scheduler", logging.Fields{
			"at": cfg.Schedule.At,
		}, err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "[SHUTDOWN] Stopping scheduler...", logging.Fields{})
	sched.Stop()
	logger.Info(ctx, "[SHUTDOWN_COMPLETE] Aggregator stopped", logging.Fields{})
}

func printReport(report *models.RunReport) {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("AGGREGATION COMPLETE")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Run ID:                 %s\n", report.RunID)
	fmt.Printf("Range:                  %s .. %s\n", models.DayKey(report.RangeStart), models.DayKey(report.RangeEnd))
	fmt.Printf("Full Rebuild:           %t\n", report.FullRebuild)
	fmt.Printf("Subdivision Rows:       %d\n", report.SubdivisionRows)
	fmt.Printf("Division Rows:          %d\n", report.DivisionRows)
	fmt.Printf("Dataset Rows:           %d\n", report.DatasetRows)
	fmt.Printf("Filled Values:          %d\n", report.FilledValues)
	fmt.Printf("Shortfalls:             %d\n", report.Shortfalls)
	fmt.Printf("Dropped Dates:          %d\n", report.DroppedDates)
	fmt.Printf("Unmatched Subdivisions: %d\n", report.UnmatchedSubdivisions)
	fmt.Printf("Stationless Divisions:  %d\n", report.StationlessDivisions)
	fmt.Printf("Duration:               %v\n", report.FinishedAt.Sub(report.StartedAt))
}
