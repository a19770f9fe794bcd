package climate

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"census-climate/internal/geo"
	"census-climate/internal/models"
)

// Options configures a Pipeline.
type Options struct {
	ProvinceCode    string // only regions of this province are processed; empty keeps all
	NumClosest      int
	Policy          Policy
	DropSparseDates bool
	Workers         int
	Epoch           time.Time
}

// Inputs are the immutable snapshots a run works on.
type Inputs struct {
	Observations []models.Observation
	Subdivisions []models.Region
	Divisions    []models.Region
	Populations  []models.PopulationRecord
	Existing     []models.DailyDivisionRow
	Start        time.Time
	End          time.Time
}

// Result carries every intermediate product of a run along with the
// conditions worth reporting.
type Result struct {
	Subdivisions         []models.DailyMetricRow
	Divisions            []models.DailyDivisionRow // after rollup, before sparse-date drop and gap fill
	Fresh                []models.DailyDivisionRow // completed rows for the run's range
	Dataset              []models.DailyDivisionRow // Fresh merged into Existing
	Join                 JoinReport
	Fill                 map[models.Metric]FillReport
	DroppedDates         []time.Time
	StationlessDivisions []int64
	FullRebuild          bool
}

// StageObserver is notified after each stage completes. Optional.
type StageObserver func(stage string, elapsed time.Duration)

// Pipeline chains aggregation, population rollup, gap fill and merge.
type Pipeline struct {
	opts     Options
	observer StageObserver
}

// NewPipeline validates opts and returns a Pipeline.
func NewPipeline(opts Options, observer StageObserver) (*Pipeline, error) {
	if opts.NumClosest < 1 {
		return nil, fmt.Errorf("number of closest divisions must be positive, got %d", opts.NumClosest)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if observer == nil {
		observer = func(string, time.Duration) {}
	}
	return &Pipeline{opts: opts, observer: observer}, nil
}

// Run computes the dataset for in.Start..in.End and merges it into in.Existing.
func (p *Pipeline) Run(ctx context.Context, in Inputs) (*Result, error) {
	if in.End.Before(in.Start) {
		return nil, &models.ValidationError{
			Field:   "end",
			Value:   models.DayKey(in.End),
			Message: "end date precedes start date",
		}
	}

	res := &Result{FullRebuild: models.Day(in.Start).Equal(models.Day(p.opts.Epoch))}
	subdivisions := p.inProvince(in.Subdivisions)
	boundaries := make(map[int64]geo.Polygon)
	for _, d := range p.inProvince(in.Divisions) {
		boundaries[d.ID] = d.Boundary
	}

	t := time.Now()
	rows, err := AggregateRange(ctx, in.Observations, subdivisions, in.Start, in.End, p.opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("aggregate subdivisions: %w", err)
	}
	res.Subdivisions = rows
	p.observer("aggregate", time.Since(t))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t = time.Now()
	joined, weights, report := JoinPopulation(rows, in.Populations)
	res.Join = report
	divisions := Rollup(joined, weights, in.Start, in.End)
	res.Divisions = divisions
	res.StationlessDivisions = StationlessDivisions(divisions)
	p.observer("rollup", time.Since(t))

	if p.opts.DropSparseDates {
		divisions, res.DroppedDates = DropSparseDates(divisions, p.opts.NumClosest)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t = time.Now()
	filler := GapFiller{NumClosest: p.opts.NumClosest, Policy: p.opts.Policy, Workers: p.opts.Workers}
	fresh, fill, err := filler.FillAll(ctx, divisions, boundaries)
	res.Fill = fill
	if err != nil {
		return nil, err
	}
	res.Fresh = fresh
	p.observer("gapfill", time.Since(t))

	t = time.Now()
	res.Dataset = Merge(in.Existing, fresh, in.Start, in.End, p.opts.Epoch)
	p.observer("merge", time.Since(t))

	return res, nil
}

func (p *Pipeline) inProvince(regions []models.Region) []models.Region {
	if p.opts.ProvinceCode == "" {
		return regions
	}
	out := make([]models.Region, 0, len(regions))
	for _, r := range regions {
		if r.ProvinceCode == p.opts.ProvinceCode {
			out = append(out, r)
		}
	}
	return out
}

// FilledTotal sums the filled values over all metrics.
func (r *Result) FilledTotal() int {
	n := 0
	for _, rep := range r.Fill {
		n += rep.Filled
	}
	return n
}

// ShortfallTotal sums the degraded fills over all metrics.
func (r *Result) ShortfallTotal() int {
	n := 0
	for _, rep := range r.Fill {
		n += len(rep.Shortfalls)
	}
	return n
}
