package climate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"census-climate/internal/geo"
	"census-climate/internal/models"
)

// Policy decides what a gap fill does when a day has fewer candidate
// divisions than requested.
type Policy int

const (
	// PolicyStrict fails with an InsufficientCandidatesError.
	PolicyStrict Policy = iota
	// PolicyDegrade averages whatever candidates exist and records a Shortfall.
	PolicyDegrade
)

func (p Policy) String() string {
	if p == PolicyDegrade {
		return "degrade"
	}
	return "strict"
}

// ParsePolicy maps "strict" or "degrade" to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return PolicyStrict, nil
	case "degrade":
		return PolicyDegrade, nil
	}
	return PolicyStrict, fmt.Errorf("unknown gap-fill policy %q", s)
}

// Shortfall records a degraded fill that used fewer candidates than requested.
type Shortfall struct {
	DivisionID int64
	Date       time.Time
	Metric     models.Metric
	Have       int
	Want       int
}

// FillReport summarises the gap fill of one metric.
type FillReport struct {
	Metric     models.Metric
	Missing    int // rows without a value before the fill
	Filled     int // rows that received a value
	Shortfalls []Shortfall
}

// GapFiller substitutes missing division values with the mean of the
// NumClosest divisions that have a value on the same day.
type GapFiller struct {
	NumClosest int
	Policy     Policy
	Workers    int
}

type fillResult struct {
	value     *float64
	shortfall *Shortfall
	err       error
}

// Fill completes one metric. Candidates are the divisions with a value for
// the metric on the row's date; values filled during this call never serve
// as candidates. Distance is measured from the target's boundary to each
// candidate's centroid. Candidates are ranked by distance, equal distances
// keep ascending division id order.
func (f GapFiller) Fill(ctx context.Context, rows []models.DailyDivisionRow, boundaries map[int64]geo.Polygon, metric models.Metric) ([]models.DailyDivisionRow, FillReport, error) {
	report := FillReport{Metric: metric}
	if f.NumClosest < 1 {
		return nil, report, fmt.Errorf("number of closest divisions must be positive, got %d", f.NumClosest)
	}

	complete := make(map[string][]int)
	var incomplete []int
	for i := range rows {
		if rows[i].Get(metric) == nil {
			incomplete = append(incomplete, i)
			continue
		}
		k := models.DayKey(rows[i].Date)
		complete[k] = append(complete[k], i)
	}
	report.Missing = len(incomplete)

	out := make([]models.DailyDivisionRow, len(rows))
	copy(out, rows)
	if len(incomplete) == 0 {
		return out, report, nil
	}

	for _, idx := range complete {
		sort.SliceStable(idx, func(a, b int) bool { return rows[idx[a]].DivisionID < rows[idx[b]].DivisionID })
	}

	dist, err := distanceTable(rows, incomplete, complete, boundaries)
	if err != nil {
		return nil, report, err
	}

	results := make([]fillResult, len(incomplete))
	g, gctx := errgroup.WithContext(ctx)
	if f.Workers > 0 {
		g.SetLimit(f.Workers)
	}
	for k, target := range incomplete {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[k] = f.fillOne(rows, target, complete[models.DayKey(rows[target].Date)], dist, metric)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, report, err
	}

	for k, target := range incomplete {
		res := results[k]
		if res.err != nil {
			return nil, report, res.err
		}
		if res.shortfall != nil {
			report.Shortfalls = append(report.Shortfalls, *res.shortfall)
		}
		if res.value != nil {
			out[target].Set(metric, res.value)
			out[target].Imputed = out[target].Imputed.With(metric)
			report.Filled++
		}
	}
	return out, report, nil
}

func (f GapFiller) fillOne(rows []models.DailyDivisionRow, target int, candidates []int, dist map[int64]map[int64]float64, metric models.Metric) fillResult {
	row := rows[target]
	ranked := make([]int, 0, len(candidates))
	for _, c := range candidates {
		if rows[c].DivisionID != row.DivisionID {
			ranked = append(ranked, c)
		}
	}
	d := dist[row.DivisionID]
	sort.SliceStable(ranked, func(a, b int) bool {
		return d[rows[ranked[a]].DivisionID] < d[rows[ranked[b]].DivisionID]
	})

	var res fillResult
	if len(ranked) < f.NumClosest {
		if f.Policy == PolicyStrict {
			res.err = &InsufficientCandidatesError{
				DivisionID: row.DivisionID,
				Date:       row.Date,
				Metric:     metric,
				Have:       len(ranked),
				Want:       f.NumClosest,
			}
			return res
		}
		res.shortfall = &Shortfall{
			DivisionID: row.DivisionID,
			Date:       row.Date,
			Metric:     metric,
			Have:       len(ranked),
			Want:       f.NumClosest,
		}
	} else {
		ranked = ranked[:f.NumClosest]
	}

	values := make([]*float64, len(ranked))
	for i, c := range ranked {
		values[i] = rows[c].Get(metric)
	}
	res.value = AverageOf(values)
	return res
}

// distanceTable precomputes, for every division needing a fill, the
// distance from its boundary to the centroid of every candidate division.
func distanceTable(rows []models.DailyDivisionRow, incomplete []int, complete map[string][]int, boundaries map[int64]geo.Polygon) (map[int64]map[int64]float64, error) {
	centroids := make(map[int64]geo.Point)
	for _, idx := range complete {
		for _, i := range idx {
			id := rows[i].DivisionID
			if _, ok := centroids[id]; ok {
				continue
			}
			poly, ok := boundaries[id]
			if !ok {
				return nil, &MissingBoundaryError{DivisionID: id}
			}
			centroids[id] = poly.Centroid()
		}
	}

	table := make(map[int64]map[int64]float64)
	for _, i := range incomplete {
		id := rows[i].DivisionID
		if _, ok := table[id]; ok {
			continue
		}
		poly, ok := boundaries[id]
		if !ok {
			return nil, &MissingBoundaryError{DivisionID: id}
		}
		row := make(map[int64]float64, len(centroids))
		for cid, c := range centroids {
			row[cid] = poly.DistanceTo(c)
		}
		table[id] = row
	}
	return table, nil
}

// FillAll runs Fill for every metric in column order. Each metric is
// completed independently of the others.
func (f GapFiller) FillAll(ctx context.Context, rows []models.DailyDivisionRow, boundaries map[int64]geo.Polygon) ([]models.DailyDivisionRow, map[models.Metric]FillReport, error) {
	reports := make(map[models.Metric]FillReport, models.NumMetrics)
	for _, m := range models.AllMetrics {
		filled, report, err := f.Fill(ctx, rows, boundaries, m)
		if err != nil {
			return nil, reports, fmt.Errorf("gap fill %s: %w", m, err)
		}
		rows = filled
		reports[m] = report
	}
	return rows, reports, nil
}
