package feed

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"census-climate/internal/models"
)

// Column names of the climate-daily CSV export.
const (
	colX            = "x"
	colY            = "y"
	colStationID    = "climate_identifier"
	colStationName  = "station_name"
	colProvinceCode = "province_code"
	colLocalDate    = "local_date"
	colMeanTemp     = "mean_temperature"
	colMinTemp      = "min_temperature"
	colMaxTemp      = "max_temperature"
	colTotalPrecip  = "total_precipitation"
)

var requiredColumns = []string{colX, colY, colStationID, colLocalDate}

// ParseCSV decodes a climate-daily CSV export. Columns are located by
// header name, case-insensitively, so extra or reordered columns are
// tolerated. Optional metric columns that are absent read as empty.
func ParseCSV(r io.Reader) ([]models.RawClimateRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimPrefix(name, "\ufeff")
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	var missing []string
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required columns: %s", strings.Join(missing, ", "))
	}

	cell := func(row []string, col string) string {
		i, ok := index[col]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	var records []models.RawClimateRecord
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", len(records)+2, err)
		}
		records = append(records, models.RawClimateRecord{
			StationID:    cell(row, colStationID),
			StationName:  cell(row, colStationName),
			ProvinceCode: cell(row, colProvinceCode),
			Longitude:    cell(row, colX),
			Latitude:     cell(row, colY),
			LocalDate:    cell(row, colLocalDate),
			MeanTemp:     cell(row, colMeanTemp),
			MinTemp:      cell(row, colMinTemp),
			MaxTemp:      cell(row, colMaxTemp),
			TotalPrecip:  cell(row, colTotalPrecip),
		})
	}
	return records, nil
}

// Decoded is the typed form of a batch of feed records.
type Decoded struct {
	Observations []models.Observation
	Stations     []models.Station
	Rejected     []error
}

// Decode converts raw records into observations and stations. Invalid
// records are collected in Rejected rather than failing the batch. When a
// station reports the same day twice the later record wins. Observations
// come back ordered by station id, then date.
func Decode(records []models.RawClimateRecord) *Decoded {
	out := &Decoded{}

	type key struct {
		station string
		day     string
	}
	obsIndex := make(map[key]int)
	stations := make(map[string]models.Station)

	for i := range records {
		rec := &records[i]
		obs, err := rec.ToObservation()
		if err != nil {
			out.Rejected = append(out.Rejected, fmt.Errorf("record %d: %w", i+1, err))
			continue
		}

		k := key{obs.StationID, models.DayKey(obs.Date)}
		if j, ok := obsIndex[k]; ok {
			out.Observations[j] = *obs
		} else {
			obsIndex[k] = len(out.Observations)
			out.Observations = append(out.Observations, *obs)
		}

		if _, ok := stations[obs.StationID]; !ok {
			stations[obs.StationID] = *rec.ToStation(obs)
		}
	}

	sort.SliceStable(out.Observations, func(a, b int) bool {
		oa, ob := out.Observations[a], out.Observations[b]
		if oa.StationID != ob.StationID {
			return oa.StationID < ob.StationID
		}
		return oa.Date.Before(ob.Date)
	})

	out.Stations = make([]models.Station, 0, len(stations))
	for _, st := range stations {
		out.Stations = append(out.Stations, st)
	}
	sort.Slice(out.Stations, func(a, b int) bool { return out.Stations[a].StationID < out.Stations[b].StationID })

	return out
}
