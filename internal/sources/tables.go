package sources

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"census-climate/internal/climate"
	"census-climate/internal/feed"
	"census-climate/internal/models"
)

// DatasetHeader is the column layout of the published division dataset.
var DatasetHeader = []string{"cduid", "date", "avg_temp", "min_temp", "max_temp", "avg_precip"}

// imputedColumn follows DatasetHeader and lists the filled metrics of a
// row separated by ";". Files without it read as having no filled values.
const imputedColumn = "imputed"

// LoadPopulation reads the subdivision population table.
func LoadPopulation(path string) ([]models.PopulationRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open population table: %w", err)
	}
	defer f.Close()
	return ReadPopulation(f)
}

// ReadPopulation decodes CSV with a header naming csduid, cduid and
// population columns in any order.
func ReadPopulation(r io.Reader) ([]models.PopulationRecord, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read population header: %w", err)
	}
	cols, err := columnIndex(header, "csduid", "cduid", "population")
	if err != nil {
		return nil, err
	}

	var out []models.PopulationRecord
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("population line %d: %w", line, err)
		}

		sub, err := strconv.ParseInt(strings.TrimSpace(row[cols[0]]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("population line %d: invalid csduid: %w", line, err)
		}
		div, err := strconv.ParseInt(strings.TrimSpace(row[cols[1]]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("population line %d: invalid cduid: %w", line, err)
		}
		pop, err := strconv.ParseFloat(strings.TrimSpace(row[cols[2]]), 64)
		if err != nil || math.IsNaN(pop) || math.IsInf(pop, 0) || pop < 0 {
			return nil, fmt.Errorf("population line %d: population must be a non-negative number, got %q", line, row[cols[2]])
		}
		out = append(out, models.PopulationRecord{SubdivisionID: sub, DivisionID: div, Population: pop})
	}
	return out, nil
}

// ReadDatasetFile reads a dataset CSV. A missing file is an empty dataset.
func ReadDatasetFile(path string) ([]models.DailyDivisionRow, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()
	return ReadDataset(f)
}

// ReadDataset decodes the dataset CSV. Empty cells are missing values.
func ReadDataset(r io.Reader) ([]models.DailyDivisionRow, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset header: %w", err)
	}
	cols, err := columnIndex(header, DatasetHeader...)
	if err != nil {
		return nil, err
	}
	imputedCol := -1
	if idx, err := columnIndex(header, imputedColumn); err == nil {
		imputedCol = idx[0]
	}

	var out []models.DailyDivisionRow
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dataset line %d: %w", line, err)
		}

		id, err := strconv.ParseInt(strings.TrimSpace(row[cols[0]]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("dataset line %d: invalid cduid: %w", line, err)
		}
		date, err := time.Parse(models.DateLayout, strings.TrimSpace(row[cols[1]]))
		if err != nil {
			return nil, fmt.Errorf("dataset line %d: invalid date: %w", line, err)
		}
		rec := models.DailyDivisionRow{DivisionID: id, Date: date}
		for i, m := range models.AllMetrics {
			v, err := models.ParseOptionalFloat(row[cols[2+i]])
			if err != nil {
				return nil, fmt.Errorf("dataset line %d: invalid %s: %w", line, m, err)
			}
			rec.Set(m, v)
		}
		if imputedCol >= 0 {
			if rec.Imputed, err = parseImputed(row[imputedCol]); err != nil {
				return nil, fmt.Errorf("dataset line %d: %w", line, err)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// WriteDatasetFile writes rows to path through a temporary file so a
// reader never sees a partial dataset.
func WriteDatasetFile(path string, rows []models.DailyDivisionRow) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".dataset-*.csv")
	if err != nil {
		return fmt.Errorf("failed to create temporary dataset: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := WriteDataset(tmp, rows); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary dataset: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace dataset: %w", err)
	}
	return nil
}

// WriteDataset encodes rows sorted by division then date. Missing values
// are written as empty cells.
func WriteDataset(w io.Writer, rows []models.DailyDivisionRow) error {
	sorted := make([]models.DailyDivisionRow, len(rows))
	copy(sorted, rows)
	climate.SortDivisionRows(sorted)

	writer := csv.NewWriter(w)
	header := append(append([]string{}, DatasetHeader...), imputedColumn)
	if err := writer.Write(header); err != nil {
		return err
	}
	record := make([]string, len(header))
	for i := range sorted {
		r := &sorted[i]
		record[0] = strconv.FormatInt(r.DivisionID, 10)
		record[1] = models.DayKey(r.Date)
		for j, m := range models.AllMetrics {
			record[2+j] = ""
			if v := r.Get(m); v != nil {
				record[2+j] = strconv.FormatFloat(*v, 'f', -1, 64)
			}
		}
		record[len(DatasetHeader)] = strings.Join(r.Imputed.Names(), ";")
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadObservations loads a climate-daily CSV export from disk. Invalid
// records are skipped and returned as the second value.
func ReadObservations(path string) ([]models.Observation, []error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open observations: %w", err)
	}
	defer f.Close()

	raw, err := feed.ParseCSV(f)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	decoded := feed.Decode(raw)
	return decoded.Observations, decoded.Rejected, nil
}

func parseImputed(cell string) (models.ImputedMask, error) {
	var mask models.ImputedMask
	for _, name := range strings.Split(cell, ";") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		m, err := models.ParseMetric(name)
		if err != nil {
			return 0, fmt.Errorf("invalid imputed metric %q", name)
		}
		mask = mask.With(m)
	}
	return mask, nil
}

func columnIndex(header []string, names ...string) ([]int, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	idx := make([]int, len(names))
	var missing []string
	for i, n := range names {
		p, ok := pos[n]
		if !ok {
			missing = append(missing, n)
			continue
		}
		idx[i] = p
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing columns: %s", strings.Join(missing, ", "))
	}
	return idx, nil
}
