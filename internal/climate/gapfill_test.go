package climate

import (
	"context"
	"errors"
	"testing"

	"census-climate/internal/geo"
	"census-climate/internal/models"
)

// Unit squares laid out so that, measured from Y's boundary, the centroids
// rank A < B < C < D < E.
func fillLayout() map[int64]geo.Polygon {
	return map[int64]geo.Polygon{
		1: box(0, 0, 1), // Y
		2: box(2, 0, 1), // A, centroid 1.5 away
		3: box(0, 3, 1), // B, 2.5
		4: box(4, 0, 1), // C, 3.5
		5: box(6, 0, 1), // D, 5.5
		6: box(0, 8, 1), // E, 7.5
	}
}

func divRow(id int64, avg *float64) models.DailyDivisionRow {
	return models.DailyDivisionRow{DivisionID: id, Date: jan1, Metrics: models.Metrics{AvgTemp: avg}}
}

func TestGapFiller_Fill(t *testing.T) {
	tests := []struct {
		name        string
		numClosest  int
		rows        []models.DailyDivisionRow
		wantY       *float64
		wantFilled  int
		wantMissing int
	}{
		{
			name:       "mean of the three closest",
			numClosest: 3,
			rows: []models.DailyDivisionRow{
				divRow(1, nil), divRow(2, f(5)), divRow(3, f(7)), divRow(4, f(9)), divRow(5, f(100)), divRow(6, f(200)),
			},
			wantY:       f(7),
			wantFilled:  1,
			wantMissing: 1,
		},
		{
			name:       "closest one",
			numClosest: 1,
			rows: []models.DailyDivisionRow{
				divRow(1, nil), divRow(2, f(5)), divRow(3, f(7)), divRow(4, f(9)),
			},
			wantY:       f(5),
			wantFilled:  1,
			wantMissing: 1,
		},
		{
			name:       "divisions without data are not candidates",
			numClosest: 3,
			rows: []models.DailyDivisionRow{
				divRow(1, nil), divRow(2, nil), divRow(3, f(7)), divRow(4, f(9)), divRow(5, f(11)),
			},
			wantY:       f(9),
			wantFilled:  2,
			wantMissing: 2,
		},
		{
			name:       "complete rows are untouched",
			numClosest: 3,
			rows: []models.DailyDivisionRow{
				divRow(1, f(1)), divRow(2, f(5)), divRow(3, f(7)),
			},
			wantY:       f(1),
			wantFilled:  0,
			wantMissing: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filler := GapFiller{NumClosest: tt.numClosest, Policy: PolicyStrict, Workers: 2}
			out, report, err := filler.Fill(context.Background(), tt.rows, fillLayout(), models.AvgTemp)
			if err != nil {
				t.Fatalf("Fill() error = %v", err)
			}

			assertValue(t, "Y", out[0].AvgTemp, tt.wantY)
			if report.Filled != tt.wantFilled {
				t.Errorf("Filled = %d, want %d", report.Filled, tt.wantFilled)
			}
			if report.Missing != tt.wantMissing {
				t.Errorf("Missing = %d, want %d", report.Missing, tt.wantMissing)
			}
			if tt.wantFilled > 0 && !out[0].Imputed.Has(models.AvgTemp) {
				t.Error("filled value should be marked imputed")
			}
			for i := range tt.rows {
				if tt.rows[i].AvgTemp != nil && out[i].Imputed.Has(models.AvgTemp) {
					t.Errorf("row %d had data and should not be marked imputed", i)
				}
			}
		})
	}
}

// A filled value must not be picked up as a candidate for another gap on
// the same day, regardless of processing order.
func TestGapFiller_FilledValuesAreNotCandidates(t *testing.T) {
	rows := []models.DailyDivisionRow{
		divRow(1, nil), // Y: closest data-bearing is B at 2.5
		divRow(2, nil), // A: would be Y's closest if filled
		divRow(3, f(7)),
		divRow(4, f(9)),
	}
	filler := GapFiller{NumClosest: 1, Policy: PolicyStrict}
	out, _, err := filler.Fill(context.Background(), rows, fillLayout(), models.AvgTemp)
	if err != nil {
		t.Fatalf("Fill() error = %v", err)
	}
	assertValue(t, "Y", out[0].AvgTemp, f(7))
	if rows[0].AvgTemp != nil || rows[1].AvgTemp != nil {
		t.Error("Fill mutated its input")
	}
}

func TestGapFiller_CandidatesScopedToDate(t *testing.T) {
	rows := []models.DailyDivisionRow{
		divRow(1, nil),
		divRow(2, f(5)),
		{DivisionID: 3, Date: jan2, Metrics: models.Metrics{AvgTemp: f(100)}},
		divRow(4, f(9)),
	}
	filler := GapFiller{NumClosest: 2, Policy: PolicyStrict}
	out, _, err := filler.Fill(context.Background(), rows, fillLayout(), models.AvgTemp)
	if err != nil {
		t.Fatalf("Fill() error = %v", err)
	}
	assertValue(t, "Y", out[0].AvgTemp, f(7))
}

func TestGapFiller_TiesKeepDivisionOrder(t *testing.T) {
	// 7 and 8 are mirror images around Y, so both centroids sit 1.5 away.
	boundaries := map[int64]geo.Polygon{
		1: box(0, 0, 1),
		8: box(2, 0, 1),
		7: box(-2, 0, 1),
	}
	rows := []models.DailyDivisionRow{divRow(1, nil), divRow(8, f(80)), divRow(7, f(70))}

	filler := GapFiller{NumClosest: 1, Policy: PolicyStrict}
	out, _, err := filler.Fill(context.Background(), rows, boundaries, models.AvgTemp)
	if err != nil {
		t.Fatalf("Fill() error = %v", err)
	}
	assertValue(t, "Y", out[0].AvgTemp, f(70))
}

func TestGapFiller_StrictPolicy(t *testing.T) {
	rows := []models.DailyDivisionRow{divRow(1, nil), divRow(2, f(5)), divRow(3, f(7))}
	filler := GapFiller{NumClosest: 3, Policy: PolicyStrict}

	_, _, err := filler.Fill(context.Background(), rows, fillLayout(), models.AvgTemp)
	var insufficient *InsufficientCandidatesError
	if !errors.As(err, &insufficient) {
		t.Fatalf("Fill() error = %v, want InsufficientCandidatesError", err)
	}
	if insufficient.DivisionID != 1 || insufficient.Have != 2 || insufficient.Want != 3 {
		t.Errorf("error = %+v", insufficient)
	}
	if insufficient.Metric != models.AvgTemp {
		t.Errorf("Metric = %v, want avg_temp", insufficient.Metric)
	}
}

func TestGapFiller_DegradePolicy(t *testing.T) {
	rows := []models.DailyDivisionRow{divRow(1, nil), divRow(2, f(5)), divRow(3, f(7))}
	filler := GapFiller{NumClosest: 3, Policy: PolicyDegrade}

	out, report, err := filler.Fill(context.Background(), rows, fillLayout(), models.AvgTemp)
	if err != nil {
		t.Fatalf("Fill() error = %v", err)
	}
	assertValue(t, "Y", out[0].AvgTemp, f(6))
	if len(report.Shortfalls) != 1 {
		t.Fatalf("Shortfalls = %v, want 1", report.Shortfalls)
	}
	sf := report.Shortfalls[0]
	if sf.DivisionID != 1 || sf.Have != 2 || sf.Want != 3 {
		t.Errorf("shortfall = %+v", sf)
	}
}

func TestGapFiller_DegradeWithNoCandidates(t *testing.T) {
	rows := []models.DailyDivisionRow{divRow(1, nil), divRow(2, nil)}
	filler := GapFiller{NumClosest: 3, Policy: PolicyDegrade}

	out, report, err := filler.Fill(context.Background(), rows, fillLayout(), models.AvgTemp)
	if err != nil {
		t.Fatalf("Fill() error = %v", err)
	}
	assertValue(t, "Y", out[0].AvgTemp, nil)
	if report.Filled != 0 || len(report.Shortfalls) != 2 {
		t.Errorf("report = %+v", report)
	}
}

func TestGapFiller_MissingBoundary(t *testing.T) {
	rows := []models.DailyDivisionRow{divRow(1, nil), divRow(99, f(5))}
	filler := GapFiller{NumClosest: 1, Policy: PolicyStrict}

	_, _, err := filler.Fill(context.Background(), rows, fillLayout(), models.AvgTemp)
	var missing *MissingBoundaryError
	if !errors.As(err, &missing) || missing.DivisionID != 99 {
		t.Errorf("Fill() error = %v, want MissingBoundaryError for 99", err)
	}
}

func TestGapFiller_FillAllMetricsIndependent(t *testing.T) {
	rows := []models.DailyDivisionRow{
		{DivisionID: 1, Date: jan1, Metrics: models.Metrics{AvgTemp: f(1), MinTemp: nil, MaxTemp: f(3), AvgPrecip: f(0)}},
		{DivisionID: 2, Date: jan1, Metrics: models.Metrics{AvgTemp: nil, MinTemp: f(4), MaxTemp: f(6), AvgPrecip: f(2)}},
	}
	filler := GapFiller{NumClosest: 1, Policy: PolicyStrict}

	out, reports, err := filler.FillAll(context.Background(), rows, fillLayout())
	if err != nil {
		t.Fatalf("FillAll() error = %v", err)
	}
	assertValue(t, "division 1 min", out[0].MinTemp, f(4))
	assertValue(t, "division 2 avg", out[1].AvgTemp, f(1))
	if !out[0].Imputed.Has(models.MinTemp) || out[0].Imputed.Has(models.AvgTemp) {
		t.Errorf("division 1 imputed mask = %b", out[0].Imputed)
	}
	if reports[models.MaxTemp].Missing != 0 || reports[models.AvgTemp].Filled != 1 {
		t.Errorf("reports = %+v", reports)
	}
}

func TestGapFiller_FillAllWrapsMetric(t *testing.T) {
	rows := []models.DailyDivisionRow{divRow(1, nil)}
	filler := GapFiller{NumClosest: 1, Policy: PolicyStrict}

	_, _, err := filler.FillAll(context.Background(), rows, fillLayout())
	var insufficient *InsufficientCandidatesError
	if !errors.As(err, &insufficient) {
		t.Fatalf("FillAll() error = %v, want wrapped InsufficientCandidatesError", err)
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", PolicyStrict, false},
		{"strict", PolicyStrict, false},
		{" Degrade ", PolicyDegrade, false},
		{"lenient", PolicyStrict, true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParsePolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
