package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"census-climate/internal/models"
	"census-climate/internal/repository"
	"census-climate/pkg/logging"
	"census-climate/pkg/metrics"
)

// ClimateReader is the read side the handlers serve from
type ClimateReader interface {
	GetDivisionDays(ctx context.Context, filter repository.DivisionDayFilter) ([]models.DailyDivisionRow, int, error)
	ListRuns(ctx context.Context, limit int) ([]models.RunReport, error)
	GetRun(ctx context.Context, runID string) (*models.RunReport, error)
	HealthCheck(ctx context.Context) error
}

// ClimateHandler handles division climate API endpoints
type ClimateHandler struct {
	service ClimateReader
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewClimateHandler creates a new climate handler
func NewClimateHandler(
	service ClimateReader,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *ClimateHandler {
	return &ClimateHandler{
		service: service,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// PaginatedResponse represents a paginated API response
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	TotalPages int         `json:"total_pages"`
}

// DivisionDay is the API shape of one dataset row
type DivisionDay struct {
	DivisionID int64    `json:"cduid"`
	Date       string   `json:"date"`
	AvgTemp    *float64 `json:"avg_temp"`
	MinTemp    *float64 `json:"min_temp"`
	MaxTemp    *float64 `json:"max_temp"`
	AvgPrecip  *float64 `json:"avg_precip"`
	Imputed    []string `json:"imputed"`
}

func toDivisionDay(row models.DailyDivisionRow) DivisionDay {
	return DivisionDay{
		DivisionID: row.DivisionID,
		Date:       models.DayKey(row.Date),
		AvgTemp:    row.AvgTemp,
		MinTemp:    row.MinTemp,
		MaxTemp:    row.MaxTemp,
		AvgPrecip:  row.AvgPrecip,
		Imputed:    row.Imputed.Names(),
	}
}

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
	defaultRunsLimit = 20
)

// GetDivisionDays handles GET /api/climate/divisions
func (h *ClimateHandler) GetDivisionDays(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues("/api/climate/divisions").Observe(duration.Seconds())
	}()

	query := r.URL.Query()
	page, limit := pagination(query.Get("page"), query.Get("limit"))

	filter := repository.DivisionDayFilter{
		Limit:  limit,
		Offset: (page - 1) * limit,
	}

	if s := query.Get("division_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id <= 0 {
			h.sendError(w, r, "invalid division_id, expected a positive census division code", http.StatusBadRequest)
			return
		}
		filter.DivisionID = &id
	}

	if s := query.Get("start_date"); s != "" {
		startDate, err := time.Parse(models.DateLayout, s)
		if err != nil {
			h.sendError(w, r, "invalid start_date format, expected YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		filter.StartDate = &startDate
	}

	if s := query.Get("end_date"); s != "" {
		endDate, err := time.Parse(models.DateLayout, s)
		if err != nil {
			h.sendError(w, r, "invalid end_date format, expected YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		filter.EndDate = &endDate
	}

	if filter.StartDate != nil && filter.EndDate != nil && filter.EndDate.Before(*filter.StartDate) {
		h.sendError(w, r, "end_date precedes start_date", http.StatusBadRequest)
		return
	}

	rows, total, err := h.service.GetDivisionDays(ctx, filter)
	if err != nil {
		h.logger.Error(ctx, "[API_GET_DIVISIONS_ERROR] Failed to get division days", logging.Fields{
			"filter": filter,
		}, err)
		h.metrics.RecordAPIError("internal_error", "/api/climate/divisions")
		h.sendError(w, r, "failed to retrieve division climate", http.StatusInternalServerError)
		return
	}

	data := make([]DivisionDay, len(rows))
	for i, row := range rows {
		data[i] = toDivisionDay(row)
	}

	response := PaginatedResponse{
		Data:       data,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: (total + limit - 1) / limit,
	}

	h.metrics.RecordAPIRequest("/api/climate/divisions", "GET", "200")
	h.sendJSON(w, response, http.StatusOK)
}

// ListRuns handles GET /api/climate/runs
func (h *ClimateHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues("/api/climate/runs").Observe(duration.Seconds())
	}()

	limit := defaultRunsLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 && l <= maxPageLimit {
			limit = l
		}
	}

	runs, err := h.service.ListRuns(ctx, limit)
	if err != nil {
		h.logger.Error(ctx, "[API_LIST_RUNS_ERROR] Failed to list runs", logging.Fields{
			"limit": limit,
		}, err)
		h.metrics.RecordAPIError("internal_error", "/api/climate/runs")
		h.sendError(w, r, "failed to retrieve runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []models.RunReport{}
	}

	h.metrics.RecordAPIRequest("/api/climate/runs", "GET", "200")
	h.sendJSON(w, runs, http.StatusOK)
}

// GetRun handles GET /api/climate/runs/{run_id}
func (h *ClimateHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["run_id"]

	if _, err := uuid.Parse(runID); err != nil {
		h.sendError(w, r, "invalid run_id, expected a UUID", http.StatusBadRequest)
		return
	}

	run, err := h.service.GetRun(ctx, runID)
	if repository.IsNotFound(err) {
		h.sendError(w, r, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error(ctx, "[API_GET_RUN_ERROR] Failed to get run", logging.Fields{
			"run_id": runID,
		}, err)
		h.metrics.RecordAPIError("internal_error", "/api/climate/runs/{run_id}")
		h.sendError(w, r, "failed to retrieve run", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordAPIRequest("/api/climate/runs/{run_id}", "GET", "200")
	h.sendJSON(w, run, http.StatusOK)
}

// HealthCheck handles GET /health
func (h *ClimateHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK

	if err := h.service.HealthCheck(ctx); err != nil {
		h.logger.Warn(ctx, "[HEALTH_CHECK] Dependency unhealthy", logging.Fields{
			"error": err.Error(),
		})
		status["status"] = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	h.logger.Debug(ctx, "[HEALTH_CHECK] Health check requested", logging.Fields{})
	h.sendJSON(w, status, code)
}

// RequestID tags each request context with an id, reusing X-Request-ID
// when the caller sent one
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

func pagination(pageStr, limitStr string) (page, limit int) {
	page, limit = 1, defaultPageLimit
	if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
		page = p
	}
	if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= maxPageLimit {
		limit = l
	}
	return page, limit
}

// sendJSON sends a JSON response
func (h *ClimateHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// sendError sends an error response
func (h *ClimateHandler) sendError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	h.metrics.RecordAPIRequest(r.URL.Path, r.Method, strconv.Itoa(statusCode))

	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}

	h.sendJSON(w, response, statusCode)
}

// RegisterRoutes registers all climate API routes
func (h *ClimateHandler) RegisterRoutes(router *mux.Router) {
	router.Use(RequestID)
	router.HandleFunc("/api/climate/divisions", h.GetDivisionDays).Methods("GET")
	router.HandleFunc("/api/climate/runs", h.ListRuns).Methods("GET")
	router.HandleFunc("/api/climate/runs/{run_id}", h.GetRun).Methods("GET")
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.HandleFunc("/api/docs/openapi.json", OpenAPISpec).Methods("GET")
	router.HandleFunc("/api/docs", SwaggerUI).Methods("GET")
}
