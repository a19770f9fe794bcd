package services

import (
	"context"
	"fmt"
	"strconv"

	"census-climate/internal/models"
	"census-climate/internal/repository"
	"census-climate/pkg/logging"
	"census-climate/pkg/metrics"
)

// ResponseCache stores read results keyed by their query
type ResponseCache interface {
	Key(parts ...string) string
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, v interface{}) error
}

// DivisionDayPage is one page of dataset rows with the total match count
type DivisionDayPage struct {
	Rows  []models.DailyDivisionRow `json:"rows"`
	Total int                       `json:"total"`
}

// ClimateService handles reads of the division dataset and run reports
type ClimateService struct {
	repo    repository.ClimateRepository
	cache   ResponseCache
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewClimateService creates a new climate service. cache may be nil.
func NewClimateService(repo repository.ClimateRepository, cache ResponseCache, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *ClimateService {
	return &ClimateService{
		repo:    repo,
		cache:   cache,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// GetDivisionDays retrieves dataset rows with filtering, served from the
// cache when possible
func (s *ClimateService) GetDivisionDays(ctx context.Context, filter repository.DivisionDayFilter) ([]models.DailyDivisionRow, int, error) {
	key := ""
	if s.cache != nil {
		key = s.cache.Key("divisions", filterKey(filter))
		var page DivisionDayPage
		found, err := s.cache.GetJSON(ctx, key, &page)
		if err != nil {
			s.logger.Warn(ctx, "[CACHE_READ_ERROR] Falling back to database", logging.Fields{
				"key":   key,
				"error": err.Error(),
			})
		}
		if found {
			return page.Rows, page.Total, nil
		}
	}

	rows, total, err := s.repo.GetDivisionDays(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, DivisionDayPage{Rows: rows, Total: total}); err != nil {
			s.logger.Warn(ctx, "[CACHE_WRITE_ERROR] Failed to cache response", logging.Fields{
				"key":   key,
				"error": err.Error(),
			})
		}
	}
	return rows, total, nil
}

// ListRuns returns the most recent pipeline run reports
func (s *ClimateService) ListRuns(ctx context.Context, limit int) ([]models.RunReport, error) {
	return s.repo.ListRunReports(ctx, limit)
}

// GetRun returns one pipeline run report
func (s *ClimateService) GetRun(ctx context.Context, runID string) (*models.RunReport, error) {
	return s.repo.GetRunReport(ctx, runID)
}

// HealthCheck reports whether the backing store is reachable
func (s *ClimateService) HealthCheck(ctx context.Context) error {
	return s.repo.HealthCheck(ctx)
}

func filterKey(f repository.DivisionDayFilter) string {
	div, start, end := "*", "*", "*"
	if f.DivisionID != nil {
		div = strconv.FormatInt(*f.DivisionID, 10)
	}
	if f.StartDate != nil {
		start = models.DayKey(*f.StartDate)
	}
	if f.EndDate != nil {
		end = models.DayKey(*f.EndDate)
	}
	return fmt.Sprintf("%s:%s:%s:%d:%d", div, start, end, f.Limit, f.Offset)
}
