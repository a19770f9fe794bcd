package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"census-climate/internal/climate"
	"census-climate/internal/models"
	"census-climate/internal/repository"
	"census-climate/internal/sources"
	"census-climate/pkg/logging"
	"census-climate/pkg/metrics"
)

// Reference holds the boundary and population inputs, which change only
// with a new census.
type Reference struct {
	Subdivisions []models.Region
	Divisions    []models.Region
	Populations  []models.PopulationRecord
}

// LoadReference reads the subdivision and division boundaries and the
// population table from disk.
func LoadReference(subdivisionsPath, divisionsPath, populationPath string) (*Reference, error) {
	subdivisions, err := sources.LoadRegions(subdivisionsPath, models.LevelSubdivision)
	if err != nil {
		return nil, fmt.Errorf("failed to load subdivisions: %w", err)
	}
	divisions, err := sources.LoadRegions(divisionsPath, models.LevelDivision)
	if err != nil {
		return nil, fmt.Errorf("failed to load divisions: %w", err)
	}
	populations, err := sources.LoadPopulation(populationPath)
	if err != nil {
		return nil, err
	}
	return &Reference{
		Subdivisions: subdivisions,
		Divisions:    divisions,
		Populations:  populations,
	}, nil
}

// CacheInvalidator drops cached API responses after the dataset changes
type CacheInvalidator interface {
	Invalidate(ctx context.Context) error
}

// PipelineSettings are the run-level knobs outside climate.Options
type PipelineSettings struct {
	FeedProvince string // province code of stored stations
	LookbackDays int
	ExportPath   string // optional CSV copy of the dataset
}

// PipelineService computes the division dataset from stored observations
// and persists it.
type PipelineService struct {
	repo     repository.ClimateRepository
	ref      *Reference
	opts     climate.Options
	settings PipelineSettings
	cache    CacheInvalidator
	logger   *logging.StructuredLogger
	metrics  *metrics.Collector
}

// NewPipelineService creates a new pipeline service. cache may be nil.
func NewPipelineService(repo repository.ClimateRepository, ref *Reference, opts climate.Options, settings PipelineSettings, cache CacheInvalidator, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) (*PipelineService, error) {
	if ref == nil {
		return nil, fmt.Errorf("reference data not loaded")
	}
	if _, err := climate.NewPipeline(opts, nil); err != nil {
		return nil, err
	}
	return &PipelineService{
		repo:     repo,
		ref:      ref,
		opts:     opts,
		settings: settings,
		cache:    cache,
		logger:   logger,
		metrics:  metricsCollector,
	}, nil
}

// RunIncremental recomputes the lookback window ending today and merges
// it into the stored dataset. An empty dataset triggers a full rebuild.
func (s *PipelineService) RunIncremental(ctx context.Context, today time.Time) (*models.RunReport, error) {
	today = models.Day(today)
	start := today.AddDate(0, 0, -s.settings.LookbackDays)

	_, found, err := s.repo.LatestDate(ctx)
	if err != nil {
		return nil, err
	}
	if !found || !start.After(s.opts.Epoch) {
		s.logger.Info(ctx, "[PIPELINE_FULL] Running full rebuild", logging.Fields{
			"dataset_empty": !found,
		})
		start = s.opts.Epoch
	}
	return s.run(ctx, start, today)
}

// RunFull rebuilds the dataset from the epoch through today
func (s *PipelineService) RunFull(ctx context.Context, today time.Time) (*models.RunReport, error) {
	return s.run(ctx, s.opts.Epoch, models.Day(today))
}

func (s *PipelineService) run(ctx context.Context, start, end time.Time) (*models.RunReport, error) {
	report := &models.RunReport{
		RunID:      uuid.New().String(),
		StartedAt:  time.Now().UTC(),
		RangeStart: models.Day(start),
		RangeEnd:   models.Day(end),
	}
	ctx = logging.WithRunID(ctx, report.RunID)

	s.logger.Info(ctx, "[PIPELINE_START] Starting division dataset run", logging.Fields{
		"start_date":  models.DayKey(start),
		"end_date":    models.DayKey(end),
		"num_closest": s.opts.NumClosest,
		"policy":      s.opts.Policy.String(),
	})

	res, err := s.compute(ctx, start, end)
	if err != nil {
		s.metrics.RecordRun("failure")
		s.logger.Error(ctx, "[PIPELINE_ERROR] Run failed", logging.Fields{
			"start_date": models.DayKey(start),
			"end_date":   models.DayKey(end),
		}, err)
		return nil, err
	}

	if err := s.repo.ReplaceDataset(ctx, res.Dataset); err != nil {
		s.metrics.RecordRun("failure")
		return nil, fmt.Errorf("failed to store dataset: %w", err)
	}

	s.fillReport(report, res)
	report.FinishedAt = time.Now().UTC()
	s.recordOutcome(ctx, report, res)

	if err := s.repo.SaveRunReport(ctx, report); err != nil {
		// the dataset is already stored; a missing audit row is not fatal
		s.logger.Error(ctx, "[PIPELINE_REPORT_ERROR] Failed to save run report", logging.Fields{}, err)
	}

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx); err != nil {
			s.logger.Warn(ctx, "[PIPELINE_CACHE] Failed to invalidate cached responses", logging.Fields{
				"error": err.Error(),
			})
		}
	}

	if s.settings.ExportPath != "" {
		if err := sources.WriteDatasetFile(s.settings.ExportPath, res.Dataset); err != nil {
			return report, fmt.Errorf("failed to export dataset: %w", err)
		}
		s.logger.Info(ctx, "[PIPELINE_EXPORT] Dataset exported", logging.Fields{
			"path": s.settings.ExportPath,
			"rows": len(res.Dataset),
		})
	}

	s.metrics.RecordRun("success")
	s.logger.Info(ctx, "[PIPELINE_COMPLETE] Division dataset run completed", logging.Fields{
		"full_rebuild":  report.FullRebuild,
		"dataset_rows":  report.DatasetRows,
		"filled_values": report.FilledValues,
		"shortfalls":    report.Shortfalls,
		"duration_ms":   report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
	})
	return report, nil
}

// compute loads the run inputs and executes the pipeline
func (s *PipelineService) compute(ctx context.Context, start, end time.Time) (*climate.Result, error) {
	observations, err := s.repo.GetObservations(ctx, start, end, s.settings.FeedProvince)
	if err != nil {
		return nil, err
	}

	var existing []models.DailyDivisionRow
	if !models.Day(start).Equal(models.Day(s.opts.Epoch)) {
		if existing, err = s.repo.LoadDataset(ctx); err != nil {
			return nil, err
		}
	}

	pipeline, err := climate.NewPipeline(s.opts, func(stage string, elapsed time.Duration) {
		s.metrics.ObserveStage(stage, elapsed)
		s.logger.Debug(logging.WithStage(ctx, stage), "[PIPELINE_STAGE] Stage completed", logging.Fields{
			"duration_ms": elapsed.Milliseconds(),
		})
	})
	if err != nil {
		return nil, err
	}

	return pipeline.Run(ctx, climate.Inputs{
		Observations: observations,
		Subdivisions: s.ref.Subdivisions,
		Divisions:    s.ref.Divisions,
		Populations:  s.ref.Populations,
		Existing:     existing,
		Start:        start,
		End:          end,
	})
}

func (s *PipelineService) fillReport(report *models.RunReport, res *climate.Result) {
	report.FullRebuild = res.FullRebuild
	report.SubdivisionRows = len(res.Subdivisions)
	report.DivisionRows = len(res.Fresh)
	report.DatasetRows = len(res.Dataset)
	report.UnmatchedSubdivisions = len(res.Join.UnmatchedSubdivisions)
	report.FilledValues = res.FilledTotal()
	report.Shortfalls = res.ShortfallTotal()
	report.DroppedDates = len(res.DroppedDates)
	report.StationlessDivisions = len(res.StationlessDivisions)
}

// recordOutcome publishes the conditions of a finished run as metrics and
// warnings.
func (s *PipelineService) recordOutcome(ctx context.Context, report *models.RunReport, res *climate.Result) {
	s.metrics.UnmatchedSubdivisions.Set(float64(report.UnmatchedSubdivisions))
	s.metrics.StationlessDivisions.Set(float64(report.StationlessDivisions))
	s.metrics.DroppedDatesTotal.Add(float64(report.DroppedDates))
	s.metrics.DatasetRows.Set(float64(report.DatasetRows))
	for _, m := range models.AllMetrics {
		fill := res.Fill[m]
		s.metrics.RecordGapFill(m.String(), fill.Filled, len(fill.Shortfalls))
	}

	if len(res.Join.UnmatchedSubdivisions) > 0 {
		s.logger.Warn(ctx, "[PIPELINE_UNMATCHED] Subdivisions without population excluded from rollup", logging.Fields{
			"count":          len(res.Join.UnmatchedSubdivisions),
			"subdivisions":   res.Join.UnmatchedSubdivisions,
			"dropped_rows":   res.Join.DroppedRows,
			"unused_records": len(res.Join.UnusedPopulation),
		})
	}
	if len(res.StationlessDivisions) > 0 {
		s.logger.Warn(ctx, "[PIPELINE_STATIONLESS] Divisions without any station data in range", logging.Fields{
			"divisions": res.StationlessDivisions,
		})
	}
	if len(res.DroppedDates) > 0 {
		dates := make([]string, len(res.DroppedDates))
		for i, d := range res.DroppedDates {
			dates[i] = models.DayKey(d)
		}
		s.logger.Warn(ctx, "[PIPELINE_SPARSE] Dates with too few reporting divisions dropped", logging.Fields{
			"dates": dates,
		})
	}
	if report.Shortfalls > 0 {
		s.logger.Warn(ctx, "[PIPELINE_SHORTFALL] Gap fill used fewer neighbours than requested", logging.Fields{
			"shortfalls":  report.Shortfalls,
			"num_closest": s.opts.NumClosest,
		})
	}
}
