package models

import (
	"fmt"
	"strings"
	"time"

	"census-climate/internal/geo"
)

// DateLayout is the calendar-day format used across files, queries and API parameters.
const DateLayout = "2006-01-02"

// Metric identifies one of the daily climate variables.
type Metric int

const (
	AvgTemp Metric = iota
	MinTemp
	MaxTemp
	AvgPrecip
)

// NumMetrics is the number of climate variables carried by every row.
const NumMetrics = 4

// AllMetrics lists the metrics in column order.
var AllMetrics = []Metric{AvgTemp, MinTemp, MaxTemp, AvgPrecip}

// String returns the column name of the metric
func (m Metric) String() string {
	switch m {
	case AvgTemp:
		return "avg_temp"
	case MinTemp:
		return "min_temp"
	case MaxTemp:
		return "max_temp"
	case AvgPrecip:
		return "avg_precip"
	default:
		return "unknown"
	}
}

// ParseMetric maps a column name back to its Metric
func ParseMetric(s string) (Metric, error) {
	for _, m := range AllMetrics {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return 0, &ValidationError{
		Field:   "metric",
		Value:   s,
		Message: fmt.Sprintf("unknown metric %q", s),
	}
}

// Metrics holds the four daily variables.
// A nil pointer is "no data" and is never read as zero.
type Metrics struct {
	AvgTemp   *float64 `json:"avg_temp" db:"avg_temp"`
	MinTemp   *float64 `json:"min_temp" db:"min_temp"`
	MaxTemp   *float64 `json:"max_temp" db:"max_temp"`
	AvgPrecip *float64 `json:"avg_precip" db:"avg_precip"`
}

// Get returns the value of metric m, nil when missing
func (m *Metrics) Get(metric Metric) *float64 {
	switch metric {
	case AvgTemp:
		return m.AvgTemp
	case MinTemp:
		return m.MinTemp
	case MaxTemp:
		return m.MaxTemp
	case AvgPrecip:
		return m.AvgPrecip
	}
	return nil
}

// Set stores v as the value of metric m
func (m *Metrics) Set(metric Metric, v *float64) {
	switch metric {
	case AvgTemp:
		m.AvgTemp = v
	case MinTemp:
		m.MinTemp = v
	case MaxTemp:
		m.MaxTemp = v
	case AvgPrecip:
		m.AvgPrecip = v
	}
}

// AllMissing reports whether every metric is "no data"
func (m *Metrics) AllMissing() bool {
	for _, metric := range AllMetrics {
		if m.Get(metric) != nil {
			return false
		}
	}
	return true
}

// Float returns a pointer to a copy of v.
func Float(v float64) *float64 {
	return &v
}

// Station represents a climate station as published by the observation feed
type Station struct {
	StationID    string    `json:"station_id" db:"station_id"`
	Name         string    `json:"name" db:"name"`
	ProvinceCode string    `json:"province_code" db:"province_code"`
	Latitude     float64   `json:"latitude" db:"latitude"`
	Longitude    float64   `json:"longitude" db:"longitude"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Observation is one station's daily reading. Immutable once ingested.
type Observation struct {
	StationID string    `json:"station_id" db:"station_id"`
	Latitude  float64   `json:"latitude" db:"latitude"`
	Longitude float64   `json:"longitude" db:"longitude"`
	Date      time.Time `json:"date" db:"observation_date"`
	Metrics
}

// Point returns the station location.
func (o *Observation) Point() geo.Point {
	return geo.Point{Lon: o.Longitude, Lat: o.Latitude}
}

// Level distinguishes the two Census region levels
type Level int

const (
	LevelSubdivision Level = iota
	LevelDivision
)

func (l Level) String() string {
	if l == LevelDivision {
		return "division"
	}
	return "subdivision"
}

// Region is a Census subdivision or division with its boundary.
// ParentID is the division of a subdivision and zero for divisions.
type Region struct {
	ID           int64
	ParentID     int64
	ProvinceCode string
	Name         string
	Level        Level
	Boundary     geo.Polygon
}

// PopulationRecord carries the weight of one subdivision
type PopulationRecord struct {
	SubdivisionID int64   `json:"csduid" db:"subdivision_id"`
	DivisionID    int64   `json:"cduid" db:"division_id"`
	Population    float64 `json:"population" db:"population"`
}

// DailyMetricRow is the aggregate of one subdivision on one day
type DailyMetricRow struct {
	RegionID   int64     `json:"csduid"`
	ParentID   int64     `json:"cduid"`
	ProvinceID string    `json:"pruid"`
	Date       time.Time `json:"date"`
	StationIDs []string  `json:"station_ids"`
	Metrics
}

// ImputedMask flags metrics whose value was filled from neighbouring divisions.
type ImputedMask uint8

// With returns the mask with metric m flagged
func (im ImputedMask) With(m Metric) ImputedMask {
	return im | 1<<uint(m)
}

// Has reports whether metric m is flagged
func (im ImputedMask) Has(m Metric) bool {
	return im&(1<<uint(m)) != 0
}

// Names lists the flagged metrics in column order
func (im ImputedMask) Names() []string {
	names := []string{}
	for _, m := range AllMetrics {
		if im.Has(m) {
			names = append(names, m.String())
		}
	}
	return names
}

// DailyDivisionRow is one division on one day, the row shape of the persisted dataset
type DailyDivisionRow struct {
	DivisionID int64       `json:"cduid" db:"division_id"`
	Date       time.Time   `json:"date" db:"date"`
	Imputed    ImputedMask `json:"imputed" db:"imputed"`
	Metrics
}

// RunReport summarises one pipeline run for auditing
type RunReport struct {
	RunID                 string    `json:"run_id" db:"run_id"`
	StartedAt             time.Time `json:"started_at" db:"started_at"`
	FinishedAt            time.Time `json:"finished_at" db:"finished_at"`
	RangeStart            time.Time `json:"range_start" db:"range_start"`
	RangeEnd              time.Time `json:"range_end" db:"range_end"`
	FullRebuild           bool      `json:"full_rebuild" db:"full_rebuild"`
	SubdivisionRows       int       `json:"subdivision_rows" db:"subdivision_rows"`
	DivisionRows          int       `json:"division_rows" db:"division_rows"`
	DatasetRows           int       `json:"dataset_rows" db:"dataset_rows"`
	UnmatchedSubdivisions int       `json:"unmatched_subdivisions" db:"unmatched_subdivisions"`
	FilledValues          int       `json:"filled_values" db:"filled_values"`
	Shortfalls            int       `json:"shortfalls" db:"shortfalls"`
	DroppedDates          int       `json:"dropped_dates" db:"dropped_dates"`
	StationlessDivisions  int       `json:"stationless_divisions" db:"stationless_divisions"`
}

// Day truncates t to its calendar day in UTC
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DateRange lists every day from start to end inclusive; empty when end precedes start
func DateRange(start, end time.Time) []time.Time {
	start, end = Day(start), Day(end)
	if end.Before(start) {
		return nil
	}
	days := make([]time.Time, 0, int(end.Sub(start).Hours()/24)+1)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// DayKey formats t as a calendar-day key
func DayKey(t time.Time) string {
	return t.Format(DateLayout)
}
