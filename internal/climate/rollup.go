package climate

import (
	"sort"
	"time"

	"census-climate/internal/models"
)

// Weights maps a subdivision id to its population.
type Weights map[int64]float64

// JoinReport lists what the population join could not pair up.
type JoinReport struct {
	MatchedRows           int
	DroppedRows           int
	UnmatchedSubdivisions []int64 // subdivisions with rows but no population record
	UnusedPopulation      []int64 // population records whose subdivision has no rows
}

// JoinPopulation pairs subdivision rows with population records on
// (subdivision, division). Rows without a record are excluded from the
// result and listed in the report instead of being dropped silently.
func JoinPopulation(rows []models.DailyMetricRow, populations []models.PopulationRecord) ([]models.DailyMetricRow, Weights, JoinReport) {
	type key struct{ sub, div int64 }
	byKey := make(map[key]float64, len(populations))
	for _, p := range populations {
		k := key{p.SubdivisionID, p.DivisionID}
		if _, dup := byKey[k]; dup {
			continue
		}
		byKey[k] = p.Population
	}

	var report JoinReport
	joined := make([]models.DailyMetricRow, 0, len(rows))
	weights := make(Weights)
	unmatched := make(map[int64]struct{})
	seen := make(map[key]struct{})

	for _, row := range rows {
		k := key{row.RegionID, row.ParentID}
		pop, ok := byKey[k]
		if !ok {
			unmatched[row.RegionID] = struct{}{}
			report.DroppedRows++
			continue
		}
		seen[k] = struct{}{}
		weights[row.RegionID] = pop
		joined = append(joined, row)
	}
	report.MatchedRows = len(joined)

	report.UnmatchedSubdivisions = sortedIDs(unmatched)
	unused := make(map[int64]struct{})
	for k := range byKey {
		if _, ok := seen[k]; !ok {
			unused[k.sub] = struct{}{}
		}
	}
	report.UnusedPopulation = sortedIDs(unused)

	return joined, weights, report
}

// WeightedAverage returns sum(value*weight)/sum(weight) over the rows whose
// metric is present. Rows with a missing value or without a weight are left
// out of both sums. No present value, or a zero weight sum, yields nil.
func WeightedAverage(rows []models.DailyMetricRow, metric models.Metric, weights Weights) *float64 {
	var weighted, total float64
	for i := range rows {
		v := rows[i].Get(metric)
		if v == nil {
			continue
		}
		w, ok := weights[rows[i].RegionID]
		if !ok {
			continue
		}
		weighted += *v * w
		total += w
	}
	if total == 0 {
		return nil
	}
	return models.Float(weighted / total)
}

// Rollup combines joined subdivision rows into one row per (division, day)
// of [start, end]. A division is emitted when at least one of its
// subdivisions was joined; days with no subdivision rows carry no data.
// The result is ordered by (division id, date).
func Rollup(rows []models.DailyMetricRow, weights Weights, start, end time.Time) []models.DailyDivisionRow {
	type key struct {
		div int64
		day string
	}
	groups := make(map[key][]models.DailyMetricRow)
	divisions := make(map[int64]struct{})
	for _, row := range rows {
		k := key{row.ParentID, models.DayKey(models.Day(row.Date))}
		groups[k] = append(groups[k], row)
		divisions[row.ParentID] = struct{}{}
	}
	for _, g := range groups {
		sort.SliceStable(g, func(i, j int) bool { return g[i].RegionID < g[j].RegionID })
	}

	days := models.DateRange(start, end)
	ids := sortedIDs(divisions)
	out := make([]models.DailyDivisionRow, 0, len(ids)*len(days))
	for _, id := range ids {
		for _, day := range days {
			dr := models.DailyDivisionRow{DivisionID: id, Date: day}
			if group := groups[key{id, models.DayKey(day)}]; len(group) > 0 {
				for _, m := range models.AllMetrics {
					dr.Set(m, WeightedAverage(group, m, weights))
				}
			}
			out = append(out, dr)
		}
	}
	return out
}

// DropSparseDates removes every day on which fewer than minDivisions
// divisions have an average temperature. It returns the kept rows and the
// removed days in ascending order.
func DropSparseDates(rows []models.DailyDivisionRow, minDivisions int) ([]models.DailyDivisionRow, []time.Time) {
	present := make(map[string]int)
	days := make(map[string]time.Time)
	for i := range rows {
		k := models.DayKey(rows[i].Date)
		days[k] = rows[i].Date
		if rows[i].AvgTemp != nil {
			present[k]++
		}
	}

	drop := make(map[string]bool)
	var dropped []time.Time
	for k, d := range days {
		if present[k] < minDivisions {
			drop[k] = true
			dropped = append(dropped, d)
		}
	}
	sort.Slice(dropped, func(i, j int) bool { return dropped[i].Before(dropped[j]) })
	if len(dropped) == 0 {
		return rows, nil
	}

	kept := make([]models.DailyDivisionRow, 0, len(rows))
	for _, r := range rows {
		if !drop[models.DayKey(r.Date)] {
			kept = append(kept, r)
		}
	}
	return kept, dropped
}

// StationlessDivisions lists divisions with no value for any metric on any day.
func StationlessDivisions(rows []models.DailyDivisionRow) []int64 {
	hasData := make(map[int64]bool)
	for i := range rows {
		id := rows[i].DivisionID
		if !rows[i].AllMissing() {
			hasData[id] = true
		} else if _, ok := hasData[id]; !ok {
			hasData[id] = false
		}
	}
	empty := make(map[int64]struct{})
	for id, ok := range hasData {
		if !ok {
			empty[id] = struct{}{}
		}
	}
	return sortedIDs(empty)
}

func sortedIDs(set map[int64]struct{}) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
