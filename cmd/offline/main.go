package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"census-climate/internal/climate"
	"census-climate/internal/config"
	"census-climate/internal/models"
	"census-climate/internal/services"
	"census-climate/internal/sources"
	"census-climate/pkg/logging"
)

// offline runs the division dataset computation on local files without a
// database: a climate-daily CSV export in, the dataset CSV out.
func main() {
	observationsPath := flag.String("observations", "data/climate_daily.csv", "Climate-daily CSV export with station observations")
	datasetPath := flag.String("dataset", "data/division_climate.csv", "Existing dataset CSV, merged into and rewritten")
	outPath := flag.String("out", "", "Write the dataset here instead of over -dataset")
	full := flag.Bool("full", false, "Rebuild from the epoch and ignore the existing dataset")
	todayStr := flag.String("today", "", "Treat this date as today (YYYY-MM-DD, default: current UTC date)")
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
	if *outPath == "" {
		*outPath = *datasetPath
	}

	today := models.Day(time.Now().UTC())
	if *todayStr != "" {
		if today, err = time.Parse(models.DateLayout, *todayStr); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -today: %v\n", err)
			os.Exit(1)
		}
	}

	logger := logging.NewStructuredLogger("climate-offline", "1.0.0", logging.ParseLevel(cfg.Logging.Level))
	ctx := context.Background()

	opts, err := cfg.PipelineOptions()
	if err != nil {
		logger.Fatal(ctx, "[OFFLINE_ERROR] Invalid pipeline options", logging.Fields{}, err)
	}

	ref, err := services.LoadReference(cfg.Sources.SubdivisionsPath, cfg.Sources.DivisionsPath, cfg.Sources.PopulationPath)
	if err != nil {
		logger.Fatal(ctx, "[OFFLINE_ERROR] Failed to load reference data", logging.Fields{}, err)
	}

	observations, rejected, err := sources.ReadObservations(*observationsPath)
	if err != nil {
		logger.Fatal(ctx, "[OFFLINE_ERROR] Failed to read observations", logging.Fields{
			"path": *observationsPath,
		}, err)
	}
	for i, rerr := range rejected {
		if i == 10 {
			break
		}
		logger.Warn(ctx, "[OFFLINE_REJECTED] Observation skipped", logging.Fields{"error": rerr.Error()})
	}

	var existing []models.DailyDivisionRow
	if !*full {
		if existing, err = sources.ReadDatasetFile(*datasetPath); err != nil {
			logger.Fatal(ctx, "[OFFLINE_ERROR] Failed to read existing dataset", logging.Fields{
				"path": *datasetPath,
			}, err)
		}
	}

	start := today.AddDate(0, 0, -cfg.Pipeline.LookbackDays)
	if len(existing) == 0 || !start.After(opts.Epoch) {
		start = opts.Epoch
	}

	stages := make(map[string]time.Duration)
	pipeline, err := climate.NewPipeline(opts, func(stage string, elapsed time.Duration) {
		stages[stage] = elapsed
	})
	if err != nil {
		logger.Fatal(ctx, "[OFFLINE_ERROR] Invalid pipeline options", logging.Fields{}, err)
	}

	began := time.Now()
	res, err := pipeline.Run(ctx, climate.Inputs{
		Observations: observations,
		Subdivisions: ref.Subdivisions,
		Divisions:    ref.Divisions,
		Populations:  ref.Populations,
		Existing:     existing,
		Start:        start,
		End:          today,
	})
	if err != nil {
		logger.Fatal(ctx, "[OFFLINE_ERROR] Pipeline failed, dataset left untouched", logging.Fields{
			"start_date": models.DayKey(start),
			"end_date":   models.DayKey(today),
		}, err)
	}

	if err := sources.WriteDatasetFile(*outPath, res.Dataset); err != nil {
		logger.Fatal(ctx, "[OFFLINE_ERROR] Failed to write dataset", logging.Fields{
			"path": *outPath,
		}, err)
	}

	fmt.Println(strings.Repeat("═", 64))
	fmt.Println("DIVISION DATASET SUMMARY")
	fmt.Println(strings.Repeat("═", 64))
	fmt.Printf("Range:                  %s .. %s\n", models.DayKey(start), models.DayKey(today))
	fmt.Printf("Full rebuild:           %t\n", res.FullRebuild)
	fmt.Printf("Observations:           %d (%d rejected)\n", len(observations), len(rejected))
	fmt.Printf("Subdivision rows:       %d\n", len(res.Subdivisions))
	fmt.Printf("Division rows:          %d\n", len(res.Fresh))
	fmt.Printf("Dataset rows:           %d\n", len(res.Dataset))
	fmt.Printf("Unmatched subdivisions: %d\n", len(res.Join.UnmatchedSubdivisions))
	fmt.Printf("Stationless divisions:  %d\n", len(res.StationlessDivisions))
	fmt.Printf("Dropped dates:          %d\n", len(res.DroppedDates))
	fmt.Printf("Output:                 %s\n", *outPath)
	fmt.Printf("Duration:               %v\n", time.Since(began))
	fmt.Println()

	fmt.Println(strings.Repeat("─", 64))
	fmt.Println("Gap fill")
	fmt.Println(strings.Repeat("─", 64))
	for _, m := range models.AllMetrics {
		fill := res.Fill[m]
		fmt.Printf("  %-12s missing %6d | filled %6d | shortfalls %d\n", m.String(), fill.Missing, fill.Filled, len(fill.Shortfalls))
	}
	fmt.Println()

	for _, stage := range []string{"aggregate", "rollup", "gapfill", "merge"} {
		fmt.Printf("  %-10s %v\n", stage, stages[stage])
	}
}
