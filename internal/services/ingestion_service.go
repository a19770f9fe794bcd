package services

import (
	"context"
	"fmt"
	"os"
	"time"

	"census-climate/internal/feed"
	"census-climate/internal/models"
	"census-climate/internal/repository"
	"census-climate/pkg/logging"
	"census-climate/pkg/metrics"
)

// ObservationFetcher retrieves daily station observations for a date range
type ObservationFetcher interface {
	FetchDaily(ctx context.Context, province string, start, end time.Time) ([]models.Observation, []models.Station, error)
}

// IngestionService loads station observations into the repository
type IngestionService struct {
	repo       repository.ClimateRepository
	fetcher    ObservationFetcher
	province   string
	batchSize  int
	windowDays int
	logger     *logging.StructuredLogger
	metrics    *metrics.Collector
}

// IngestionResult contains ingestion statistics
type IngestionResult struct {
	Windows          int
	TotalRecords     int
	StoredRecords    int
	RejectedRecords  int
	StationsUpserted int
	Duration         time.Duration
	Errors           []string
}

// defaultWindowDays bounds the date span of a single feed query
const defaultWindowDays = 31

// NewIngestionService creates a new ingestion service. province is the
// feed's province code.
func NewIngestionService(repo repository.ClimateRepository, fetcher ObservationFetcher, province string, batchSize int, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *IngestionService {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &IngestionService{
		repo:       repo,
		fetcher:    fetcher,
		province:   province,
		batchSize:  batchSize,
		windowDays: defaultWindowDays,
		logger:     logger,
		metrics:    metricsCollector,
	}
}

// IngestRange fetches observations dated start..end from the feed and
// stores them. The range is split into windows; a failed window is
// recorded and the remaining windows still run.
func (s *IngestionService) IngestRange(ctx context.Context, start, end time.Time) (*IngestionResult, error) {
	start, end = models.Day(start), models.Day(end)
	if end.Before(start) {
		return nil, &models.ValidationError{
			Field:   "end",
			Value:   models.DayKey(end),
			Message: "end date precedes start date",
		}
	}

	startTime := time.Now()
	s.logger.Info(ctx, "[INGEST_START] Starting feed ingestion", logging.Fields{
		"province":   s.province,
		"start_date": models.DayKey(start),
		"end_date":   models.DayKey(end),
		"batch_size": s.batchSize,
	})

	result := &IngestionResult{Errors: make([]string, 0)}

	for from := start; !from.After(end); from = from.AddDate(0, 0, s.windowDays) {
		to := from.AddDate(0, 0, s.windowDays-1)
		if to.After(end) {
			to = end
		}
		result.Windows++

		observations, stations, err := s.fetcher.FetchDaily(ctx, s.province, from, to)
		if err == nil {
			result.TotalRecords += len(observations)
			err = s.store(ctx, observations, stations, result)
		}
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.Errors = append(result.Errors, fmt.Sprintf("%s..%s: %v", models.DayKey(from), models.DayKey(to), err))
			s.metrics.RecordIngestionError("window_error")
			s.logger.Error(ctx, "[INGEST_WINDOW_ERROR] Feed window failed", logging.Fields{
				"start_date": models.DayKey(from),
				"end_date":   models.DayKey(to),
			}, err)
			continue
		}

		s.logger.Info(ctx, "[INGEST_WINDOW_SUCCESS] Feed window ingested", logging.Fields{
			"start_date":   models.DayKey(from),
			"end_date":     models.DayKey(to),
			"observations": len(observations),
			"stations":     len(stations),
		})
	}

	s.finish(ctx, result, startTime)
	return result, nil
}

// IngestFile stores the observations of a climate-daily CSV export
func (s *IngestionService) IngestFile(ctx context.Context, path string) (*IngestionResult, error) {
	startTime := time.Now()
	s.logger.Info(ctx, "[INGEST_START] Starting file ingestion", logging.Fields{
		"file_path":  path,
		"batch_size": s.batchSize,
	})

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	raw, err := feed.ParseCSV(f)
	if err != nil {
		s.metrics.RecordIngestionError("parse_error")
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	decoded := feed.Decode(raw)

	result := &IngestionResult{
		Windows:         1,
		TotalRecords:    len(raw),
		RejectedRecords: len(decoded.Rejected),
		Errors:          make([]string, 0, len(decoded.Rejected)),
	}
	for _, rej := range decoded.Rejected {
		s.metrics.RecordIngestionError("conversion_error")
		result.Errors = append(result.Errors, rej.Error())
	}

	if err := s.store(ctx, decoded.Observations, decoded.Stations, result); err != nil {
		return result, err
	}

	s.finish(ctx, result, startTime)
	return result, nil
}

// store upserts stations first so observation rows can reference them,
// then writes observations in batches.
func (s *IngestionService) store(ctx context.Context, observations []models.Observation, stations []models.Station, result *IngestionResult) error {
	if err := s.repo.UpsertStations(ctx, stations); err != nil {
		return fmt.Errorf("failed to upsert stations: %w", err)
	}
	result.StationsUpserted += len(stations)

	for i := 0; i < len(observations); i += s.batchSize {
		j := i + s.batchSize
		if j > len(observations) {
			j = len(observations)
		}
		if err := s.repo.UpsertObservationsBatch(ctx, observations[i:j]); err != nil {
			return fmt.Errorf("failed to insert batch: %w", err)
		}
		result.StoredRecords += j - i
	}
	return nil
}

func (s *IngestionService) finish(ctx context.Context, result *IngestionResult, startTime time.Time) {
	result.Duration = time.Since(startTime)
	s.metrics.IngestionDuration.Observe(result.Duration.Seconds())

	rate := 0.0
	if secs := result.Duration.Seconds(); secs > 0 {
		rate = float64(result.StoredRecords) / secs
	}
	s.logger.Info(ctx, "[INGEST_COMPLETE] Data ingestion completed", logging.Fields{
		"windows":            result.Windows,
		"total_records":      result.TotalRecords,
		"stored_records":     result.StoredRecords,
		"rejected_records":   result.RejectedRecords,
		"stations":           result.StationsUpserted,
		"duration_seconds":   result.Duration.Seconds(),
		"records_per_second": rate,
		"error_count":        len(result.Errors),
	})
}
