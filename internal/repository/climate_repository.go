package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"census-climate/internal/models"
	"census-climate/pkg/database"
	"census-climate/pkg/logging"
	"census-climate/pkg/metrics"
)

// ClimateRepository provides data access for observations, the division
// dataset and pipeline run reports
type ClimateRepository interface {
	// Feed data
	UpsertStations(ctx context.Context, stations []models.Station) error
	UpsertObservationsBatch(ctx context.Context, observations []models.Observation) error
	GetObservations(ctx context.Context, start, end time.Time, province string) ([]models.Observation, error)

	// Division dataset
	LoadDataset(ctx context.Context) ([]models.DailyDivisionRow, error)
	ReplaceDataset(ctx context.Context, rows []models.DailyDivisionRow) error
	GetDivisionDays(ctx context.Context, filter DivisionDayFilter) ([]models.DailyDivisionRow, int, error)
	LatestDate(ctx context.Context) (time.Time, bool, error)

	// Run reports
	SaveRunReport(ctx context.Context, report *models.RunReport) error
	GetRunReport(ctx context.Context, runID string) (*models.RunReport, error)
	ListRunReports(ctx context.Context, limit int) ([]models.RunReport, error)

	HealthCheck(ctx context.Context) error
}

// DivisionDayFilter defines filters for querying the division dataset
type DivisionDayFilter struct {
	DivisionID *int64
	StartDate  *time.Time
	EndDate    *time.Time
	Limit      int
	Offset     int
}

// climateRepository implements ClimateRepository
type climateRepository struct {
	db      *database.PostgresDB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewClimateRepository creates a new climate repository
func NewClimateRepository(db *database.PostgresDB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) ClimateRepository {
	return &climateRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// UpsertStations inserts or refreshes station metadata
func (r *climateRepository) UpsertStations(ctx context.Context, stations []models.Station) error {
	if len(stations) == 0 {
		return nil
	}

	return r.db.WithTx(ctx, "upsert_stations", func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO weather_stations (station_id, name, province_code, latitude, longitude, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (station_id) DO UPDATE SET
				name = EXCLUDED.name,
				province_code = EXCLUDED.province_code,
				latitude = EXCLUDED.latitude,
				longitude = EXCLUDED.longitude,
				updated_at = EXCLUDED.updated_at
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, st := range stations {
			if _, err := stmt.ExecContext(ctx,
				st.StationID,
				st.Name,
				st.ProvinceCode,
				st.Latitude,
				st.Longitude,
				st.CreatedAt,
				st.UpdatedAt,
			); err != nil {
				return fmt.Errorf("failed to upsert station %s: %w", st.StationID, err)
			}
		}
		return nil
	})
}

// UpsertObservationsBatch writes observations in a single transaction.
// A station day that already exists is overwritten.
func (r *climateRepository) UpsertObservationsBatch(ctx context.Context, observations []models.Observation) error {
	if len(observations) == 0 {
		return nil
	}

	timer := time.Now()
	defer func() {
		duration := time.Since(timer)
		r.metrics.IngestionBatchSize.Observe(float64(len(observations)))
		r.logger.Debug(ctx, "[REPO_BATCH_INSERT] Batch insert completed", logging.Fields{
			"count":       len(observations),
			"duration_ms": duration.Milliseconds(),
		})
	}()

	err := r.db.WithTx(ctx, "upsert_observations", func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO weather_observations (
				station_id, observation_date,
				avg_temp, min_temp, max_temp, avg_precip
			)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (station_id, observation_date) DO UPDATE SET
				avg_temp = EXCLUDED.avg_temp,
				min_temp = EXCLUDED.min_temp,
				max_temp = EXCLUDED.max_temp,
				avg_precip = EXCLUDED.avg_precip
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for i := range observations {
			obs := &observations[i]
			if _, err := stmt.ExecContext(ctx,
				obs.StationID,
				obs.Date,
				obs.AvgTemp,
				obs.MinTemp,
				obs.MaxTemp,
				obs.AvgPrecip,
			); err != nil {
				return fmt.Errorf("failed to insert observation: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.metrics.IngestionRecordsTotal.Add(float64(len(observations)))
	return nil
}

// GetObservations returns observations dated start..end inclusive, with
// the location of their station. An empty province returns every station.
func (r *climateRepository) GetObservations(ctx context.Context, start, end time.Time, province string) ([]models.Observation, error) {
	query := `
		SELECT o.station_id, o.observation_date,
		       s.latitude, s.longitude,
		       o.avg_temp, o.min_temp, o.max_temp, o.avg_precip
		FROM weather_observations o
		JOIN weather_stations s ON s.station_id = o.station_id
		WHERE o.observation_date BETWEEN $1 AND $2
		  AND ($3 = '' OR s.province_code = $3)
		ORDER BY o.station_id, o.observation_date
	`

	var observations []models.Observation
	err := r.db.SelectContext(ctx, "get_observations", &observations, query, models.Day(start), models.Day(end), province)
	if err != nil {
		return nil, fmt.Errorf("failed to get observations: %w", err)
	}
	for i := range observations {
		observations[i].Date = models.Day(observations[i].Date)
	}
	return observations, nil
}

const divisionColumns = `division_id, date, avg_temp, min_temp, max_temp, avg_precip, imputed`

// LoadDataset returns the whole division dataset ordered by division then date
func (r *climateRepository) LoadDataset(ctx context.Context) ([]models.DailyDivisionRow, error) {
	query := `SELECT ` + divisionColumns + ` FROM division_daily_climate ORDER BY division_id, date`

	var rows []models.DailyDivisionRow
	if err := r.db.SelectContext(ctx, "load_dataset", &rows, query); err != nil {
		return nil, fmt.Errorf("failed to load dataset: %w", err)
	}
	normaliseDates(rows)
	return rows, nil
}

// ReplaceDataset swaps the stored dataset for rows in one transaction, so
// readers see either the previous dataset or the new one.
func (r *climateRepository) ReplaceDataset(ctx context.Context, rows []models.DailyDivisionRow) error {
	timer := time.Now()
	err := r.db.WithTx(ctx, "replace_dataset", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM division_daily_climate`); err != nil {
			return fmt.Errorf("failed to clear dataset: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, pq.CopyIn("division_daily_climate",
			"division_id", "date", "avg_temp", "min_temp", "max_temp", "avg_precip", "imputed"))
		if err != nil {
			return fmt.Errorf("failed to prepare copy: %w", err)
		}
		for i := range rows {
			row := &rows[i]
			if _, err := stmt.ExecContext(ctx,
				row.DivisionID,
				row.Date,
				row.AvgTemp,
				row.MinTemp,
				row.MaxTemp,
				row.AvgPrecip,
				int16(row.Imputed),
			); err != nil {
				stmt.Close()
				return fmt.Errorf("failed to copy row: %w", err)
			}
		}
		// flush the buffered COPY
		if _, err := stmt.ExecContext(ctx); err != nil {
			stmt.Close()
			return fmt.Errorf("failed to flush copy: %w", err)
		}
		return stmt.Close()
	})
	if err != nil {
		return err
	}

	r.logger.Info(ctx, "[REPO_REPLACE_DATASET] Dataset replaced", logging.Fields{
		"rows":        len(rows),
		"duration_ms": time.Since(timer).Milliseconds(),
	})
	return nil
}

// GetDivisionDays retrieves dataset rows with filtering and pagination
func (r *climateRepository) GetDivisionDays(ctx context.Context, filter DivisionDayFilter) ([]models.DailyDivisionRow, int, error) {
	where, args := buildDivisionDayWhere(filter)

	countQuery := "SELECT COUNT(*) FROM division_daily_climate" + where
	var totalCount int
	if err := r.db.GetContext(ctx, "count_division_days", &totalCount, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count division days: %w", err)
	}

	query := "SELECT " + divisionColumns + " FROM division_daily_climate" + where
	query += " ORDER BY date DESC, division_id"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, filter.Limit, filter.Offset)

	var rows []models.DailyDivisionRow
	if err := r.db.SelectContext(ctx, "get_division_days", &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to get division days: %w", err)
	}
	normaliseDates(rows)
	return rows, totalCount, nil
}

// buildDivisionDayWhere renders the WHERE clause of a dataset query with
// positional arguments.
func buildDivisionDayWhere(filter DivisionDayFilter) (string, []interface{}) {
	where := " WHERE 1=1"
	args := []interface{}{}

	if filter.DivisionID != nil {
		args = append(args, *filter.DivisionID)
		where += fmt.Sprintf(" AND division_id = $%d", len(args))
	}
	if filter.StartDate != nil {
		args = append(args, models.Day(*filter.StartDate))
		where += fmt.Sprintf(" AND date >= $%d", len(args))
	}
	if filter.EndDate != nil {
		args = append(args, models.Day(*filter.EndDate))
		where += fmt.Sprintf(" AND date <= $%d", len(args))
	}
	return where, args
}

// LatestDate returns the most recent date in the dataset. The boolean is
// false when the dataset is empty.
func (r *climateRepository) LatestDate(ctx context.Context) (time.Time, bool, error) {
	var latest sql.NullTime
	err := r.db.GetContext(ctx, "latest_date", &latest, `SELECT MAX(date) FROM division_daily_climate`)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get latest date: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return models.Day(latest.Time), true, nil
}

// SaveRunReport records the outcome of a pipeline run
func (r *climateRepository) SaveRunReport(ctx context.Context, report *models.RunReport) error {
	query := `
		INSERT INTO climate_runs (
			run_id, started_at, finished_at, range_start, range_end, full_rebuild,
			subdivision_rows, division_rows, dataset_rows, unmatched_subdivisions,
			filled_values, shortfalls, dropped_dates, stationless_divisions
		)
		VALUES (
			:run_id, :started_at, :finished_at, :range_start, :range_end, :full_rebuild,
			:subdivision_rows, :division_rows, :dataset_rows, :unmatched_subdivisions,
			:filled_values, :shortfalls, :dropped_dates, :stationless_divisions
		)
	`

	if _, err := r.db.NamedExecContext(ctx, "insert_run_report", query, report); err != nil {
		r.metrics.RecordDBError("insert_run_report")
		return fmt.Errorf("failed to save run report: %w", err)
	}
	return nil
}

const runColumns = `run_id, started_at, finished_at, range_start, range_end, full_rebuild,
		       subdivision_rows, division_rows, dataset_rows, unmatched_subdivisions,
		       filled_values, shortfalls, dropped_dates, stationless_divisions`

// GetRunReport retrieves one run report by id
func (r *climateRepository) GetRunReport(ctx context.Context, runID string) (*models.RunReport, error) {
	query := `SELECT ` + runColumns + ` FROM climate_runs WHERE run_id = $1`

	var report models.RunReport
	err := r.db.GetContext(ctx, "get_run_report", &report, query, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{
			Resource: "climate_run",
			ID:       runID,
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run report: %w", err)
	}
	return &report, nil
}

// ListRunReports returns the most recent run reports, newest first
func (r *climateRepository) ListRunReports(ctx context.Context, limit int) ([]models.RunReport, error) {
	query := `SELECT ` + runColumns + ` FROM climate_runs ORDER BY started_at DESC LIMIT $1`

	var reports []models.RunReport
	if err := r.db.SelectContext(ctx, "list_run_reports", &reports, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list run reports: %w", err)
	}
	return reports, nil
}

// HealthCheck performs a repository health check
func (r *climateRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

func normaliseDates(rows []models.DailyDivisionRow) {
	for i := range rows {
		rows[i].Date = models.Day(rows[i].Date)
	}
}

// NotFoundError represents a resource not found error
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) IsTransient() bool {
	return false
}

// IsNotFound reports whether err is a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
