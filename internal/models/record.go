package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// RawClimateRecord represents a single line of the climate-daily feed
// Used during ingestion, before any type coercion
type RawClimateRecord struct {
	StationID    string
	StationName  string
	ProvinceCode string
	Longitude    string
	Latitude     string
	LocalDate    string
	MeanTemp     string
	MinTemp      string
	MaxTemp      string
	TotalPrecip  string
}

// ToObservation converts the raw record to an Observation.
// Empty metric cells become "no data"; coordinates and date are mandatory.
func (r *RawClimateRecord) ToObservation() (*Observation, error) {
	if strings.TrimSpace(r.StationID) == "" {
		return nil, &ValidationError{
			Field:   "station_id",
			Value:   r.StationID,
			Message: "missing station identifier",
		}
	}

	date, err := parseLocalDate(r.LocalDate)
	if err != nil {
		return nil, &ValidationError{
			Field:   "local_date",
			Value:   r.LocalDate,
			Message: "invalid date format, expected YYYY-MM-DD",
		}
	}

	lon, err := strconv.ParseFloat(strings.TrimSpace(r.Longitude), 64)
	if err != nil || math.IsNaN(lon) || lon < -180 || lon > 180 {
		return nil, &ValidationError{
			Field:   "longitude",
			Value:   r.Longitude,
			Message: "longitude must be a number in [-180, 180]",
		}
	}

	lat, err := strconv.ParseFloat(strings.TrimSpace(r.Latitude), 64)
	if err != nil || math.IsNaN(lat) || lat < -90 || lat > 90 {
		return nil, &ValidationError{
			Field:   "latitude",
			Value:   r.Latitude,
			Message: "latitude must be a number in [-90, 90]",
		}
	}

	obs := &Observation{
		StationID: strings.TrimSpace(r.StationID),
		Latitude:  lat,
		Longitude: lon,
		Date:      date,
	}

	cells := []struct {
		metric Metric
		field  string
		value  string
	}{
		{AvgTemp, "mean_temperature", r.MeanTemp},
		{MinTemp, "min_temperature", r.MinTemp},
		{MaxTemp, "max_temperature", r.MaxTemp},
		{AvgPrecip, "total_precipitation", r.TotalPrecip},
	}
	for _, c := range cells {
		v, err := ParseOptionalFloat(c.value)
		if err != nil {
			return nil, &ValidationError{
				Field:   c.field,
				Value:   c.value,
				Message: "metric must be numeric or empty",
			}
		}
		obs.Set(c.metric, v)
	}

	return obs, nil
}

// ToStation extracts the station metadata carried by the record
func (r *RawClimateRecord) ToStation(obs *Observation) *Station {
	now := time.Now().UTC()
	return &Station{
		StationID:    obs.StationID,
		Name:         strings.TrimSpace(r.StationName),
		ProvinceCode: strings.TrimSpace(r.ProvinceCode),
		Latitude:     obs.Latitude,
		Longitude:    obs.Longitude,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// parseLocalDate accepts both "2020-01-01" and "2020-01-01 00:00:00"
func parseLocalDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) > len(DateLayout) {
		s = s[:len(DateLayout)]
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return Day(t), nil
}

// ParseOptionalFloat reads a nullable metric cell. Empty and NaN cells are
// missing values; infinities are rejected.
func ParseOptionalFloat(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "nan") {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("non-finite value %q", s)
	}
	return &v, nil
}

// ValidationError represents a data validation error
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// IsTransient returns false as validation errors are permanent
func (e *ValidationError) IsTransient() bool {
	return false
}
