package climate

import (
	"sort"
	"time"

	"census-climate/internal/models"
)

// Merge folds freshly computed rows for [start, end] into the existing
// dataset. Existing rows inside the range are superseded, rows outside it
// are kept, duplicates on (division, date) keep the last appended row and
// the result is sorted by (division, date). When start is the dataset
// epoch the fresh rows replace the dataset entirely.
func Merge(existing, fresh []models.DailyDivisionRow, start, end, epoch time.Time) []models.DailyDivisionRow {
	start, end = models.Day(start), models.Day(end)

	combined := make([]models.DailyDivisionRow, 0, len(existing)+len(fresh))
	if !start.Equal(models.Day(epoch)) {
		for _, r := range existing {
			d := models.Day(r.Date)
			if !d.Before(start) && !d.After(end) {
				continue
			}
			combined = append(combined, r)
		}
	}
	combined = append(combined, fresh...)

	return dedupeSorted(combined)
}

func dedupeSorted(rows []models.DailyDivisionRow) []models.DailyDivisionRow {
	type key struct {
		div int64
		day string
	}
	last := make(map[key]int, len(rows))
	for i := range rows {
		last[key{rows[i].DivisionID, models.DayKey(models.Day(rows[i].Date))}] = i
	}

	out := make([]models.DailyDivisionRow, 0, len(last))
	for i := range rows {
		if last[key{rows[i].DivisionID, models.DayKey(models.Day(rows[i].Date))}] == i {
			r := rows[i]
			r.Date = models.Day(r.Date)
			out = append(out, r)
		}
	}
	SortDivisionRows(out)
	return out
}

// SortDivisionRows orders rows by division id, then date.
func SortDivisionRows(rows []models.DailyDivisionRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].DivisionID != rows[j].DivisionID {
			return rows[i].DivisionID < rows[j].DivisionID
		}
		return rows[i].Date.Before(rows[j].Date)
	})
}
