package climate

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"census-climate/internal/models"
)

// AverageOf returns the arithmetic mean of the present values, nil when
// none are present.
func AverageOf(values []*float64) *float64 {
	var sum float64
	n := 0
	for _, v := range values {
		if v == nil {
			continue
		}
		sum += *v
		n++
	}
	if n == 0 {
		return nil
	}
	return models.Float(sum / float64(n))
}

// Aggregate reduces the observations of one day that fall inside region to
// a single row. Observations dated on other days are ignored.
func Aggregate(observations []models.Observation, region models.Region, date time.Time) models.DailyMetricRow {
	day := models.Day(date)
	row := models.DailyMetricRow{
		RegionID:   region.ID,
		ParentID:   region.ParentID,
		ProvinceID: region.ProvinceCode,
		Date:       day,
		StationIDs: []string{},
	}
	if region.Boundary.Degenerate() {
		return row
	}

	values := make([][]*float64, models.NumMetrics)
	for i := range observations {
		obs := &observations[i]
		if !models.Day(obs.Date).Equal(day) || !region.Boundary.Contains(obs.Point()) {
			continue
		}
		row.StationIDs = append(row.StationIDs, obs.StationID)
		for _, m := range models.AllMetrics {
			values[m] = append(values[m], obs.Get(m))
		}
	}

	sort.Strings(row.StationIDs)
	for _, m := range models.AllMetrics {
		row.Set(m, AverageOf(values[m]))
	}
	return row
}

// AggregateRange runs Aggregate for every region and every day of
// [start, end]. Regions are processed concurrently by at most workers
// goroutines; each goroutine owns a disjoint segment of the output.
// The result is ordered by (region id, date).
func AggregateRange(ctx context.Context, observations []models.Observation, regions []models.Region, start, end time.Time, workers int) ([]models.DailyMetricRow, error) {
	days := models.DateRange(start, end)
	if len(days) == 0 || len(regions) == 0 {
		return []models.DailyMetricRow{}, nil
	}

	byDay := groupByDay(observations)

	ordered := make([]models.Region, len(regions))
	copy(ordered, regions)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	out := make([]models.DailyMetricRow, len(ordered)*len(days))

	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for ri, region := range ordered {
		g.Go(func() error {
			base := ri * len(days)
			for di, day := range days {
				if err := gctx.Err(); err != nil {
					return err
				}
				out[base+di] = Aggregate(byDay[models.DayKey(day)], region, day)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// groupByDay buckets observations per calendar day, each bucket sorted by
// station id so sums are accumulated in a fixed order.
func groupByDay(observations []models.Observation) map[string][]models.Observation {
	byDay := make(map[string][]models.Observation)
	for _, obs := range observations {
		key := models.DayKey(models.Day(obs.Date))
		byDay[key] = append(byDay[key], obs)
	}
	for _, bucket := range byDay {
		sort.SliceStable(bucket, func(i, j int) bool { return bucket[i].StationID < bucket[j].StationID })
	}
	return byDay
}
