package climate

import (
	"reflect"
	"testing"

	"census-climate/internal/models"
)

func subRow(id, parent int64, avg *float64) models.DailyMetricRow {
	return models.DailyMetricRow{
		RegionID: id,
		ParentID: parent,
		Date:     jan1,
		Metrics:  models.Metrics{AvgTemp: avg},
	}
}

func TestWeightedAverage(t *testing.T) {
	weights := Weights{1: 100, 2: 300, 3: 0, 4: 0}

	tests := []struct {
		name string
		rows []models.DailyMetricRow
		want *float64
	}{
		{
			name: "all present",
			rows: []models.DailyMetricRow{subRow(1, 9, f(10)), subRow(2, 9, f(20))},
			want: f((10*100 + 20*300) / 400.0),
		},
		{
			name: "missing row excluded from both sums",
			rows: []models.DailyMetricRow{subRow(1, 9, f(10)), subRow(2, 9, nil)},
			want: f(10),
		},
		{
			name: "all missing",
			rows: []models.DailyMetricRow{subRow(1, 9, nil), subRow(2, 9, nil)},
			want: nil,
		},
		{
			name: "zero weight sum",
			rows: []models.DailyMetricRow{subRow(3, 9, f(10)), subRow(4, 9, f(20))},
			want: nil,
		},
		{
			name: "zero weight row does not dilute",
			rows: []models.DailyMetricRow{subRow(1, 9, f(10)), subRow(3, 9, f(50))},
			want: f(10),
		},
		{
			name: "unweighted row ignored",
			rows: []models.DailyMetricRow{subRow(1, 9, f(10)), subRow(99, 9, f(50))},
			want: f(10),
		},
		{
			name: "no rows",
			rows: nil,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertValue(t, "WeightedAverage", WeightedAverage(tt.rows, models.AvgTemp, weights), tt.want)
		})
	}
}

func TestJoinPopulation_ReportsUnmatched(t *testing.T) {
	rows := []models.DailyMetricRow{
		subRow(11, 1, f(1)),
		subRow(12, 1, f(2)),
		subRow(13, 1, f(3)), // no population record
		subRow(21, 2, f(4)), // record exists under another division
		subRow(13, 1, nil),  // second day of the unmatched subdivision
	}
	pops := []models.PopulationRecord{
		{SubdivisionID: 11, DivisionID: 1, Population: 100},
		{SubdivisionID: 12, DivisionID: 1, Population: 300},
		{SubdivisionID: 21, DivisionID: 3, Population: 50},
		{SubdivisionID: 31, DivisionID: 3, Population: 70},
	}

	joined, weights, report := JoinPopulation(rows, pops)

	if len(joined) != 2 || report.MatchedRows != 2 {
		t.Errorf("joined %d rows (report %d), want 2", len(joined), report.MatchedRows)
	}
	if report.DroppedRows != 3 {
		t.Errorf("DroppedRows = %d, want 3", report.DroppedRows)
	}
	if !reflect.DeepEqual(report.UnmatchedSubdivisions, []int64{13, 21}) {
		t.Errorf("UnmatchedSubdivisions = %v, want [13 21]", report.UnmatchedSubdivisions)
	}
	if !reflect.DeepEqual(report.UnusedPopulation, []int64{21, 31}) {
		t.Errorf("UnusedPopulation = %v, want [21 31]", report.UnusedPopulation)
	}
	if weights[11] != 100 || weights[12] != 300 {
		t.Errorf("weights = %v", weights)
	}
}

// Two subdivisions of division X, populations 100 and 300; only the first
// has a value, so X takes that value at full weight.
func TestRollup_MissingSubdivisionDoesNotDilute(t *testing.T) {
	const divisionX = 3501
	rows := []models.DailyMetricRow{
		subRow(3501001, divisionX, f(10)),
		subRow(3501002, divisionX, nil),
	}
	pops := []models.PopulationRecord{
		{SubdivisionID: 3501001, DivisionID: divisionX, Population: 100},
		{SubdivisionID: 3501002, DivisionID: divisionX, Population: 300},
	}

	joined, weights, report := JoinPopulation(rows, pops)
	if len(report.UnmatchedSubdivisions) != 0 {
		t.Fatalf("unexpected unmatched subdivisions %v", report.UnmatchedSubdivisions)
	}

	out := Rollup(joined, weights, jan1, jan1)
	if len(out) != 1 {
		t.Fatalf("len(Rollup) = %d, want 1", len(out))
	}
	if out[0].DivisionID != divisionX {
		t.Errorf("DivisionID = %d, want %d", out[0].DivisionID, divisionX)
	}
	assertValue(t, "avg_temp", out[0].AvgTemp, f(10))
	assertValue(t, "min_temp", out[0].MinTemp, nil)
}

func TestRollup_EmitsEveryDay(t *testing.T) {
	rows := []models.DailyMetricRow{
		subRow(21, 2, f(4)),
		subRow(11, 1, f(1)),
	}
	weights := Weights{11: 1, 21: 1}

	out := Rollup(rows, weights, jan1, jan2)
	if len(out) != 4 {
		t.Fatalf("len(Rollup) = %d, want 4", len(out))
	}
	if out[0].DivisionID != 1 || !out[0].Date.Equal(jan1) || out[3].DivisionID != 2 || !out[3].Date.Equal(jan2) {
		t.Errorf("rows not ordered by (division, date): %+v", out)
	}
	if !out[1].AllMissing() {
		t.Error("division 1 has no rows on jan2 and should carry no data")
	}
}

func TestDropSparseDates(t *testing.T) {
	rows := []models.DailyDivisionRow{
		{DivisionID: 1, Date: jan1, Metrics: models.Metrics{AvgTemp: f(1)}},
		{DivisionID: 2, Date: jan1, Metrics: models.Metrics{AvgTemp: f(2)}},
		{DivisionID: 1, Date: jan2, Metrics: models.Metrics{AvgTemp: f(1)}},
		{DivisionID: 2, Date: jan2, Metrics: models.Metrics{MaxTemp: f(2)}},
	}

	kept, dropped := DropSparseDates(rows, 2)
	if len(kept) != 2 {
		t.Errorf("kept %d rows, want 2", len(kept))
	}
	if len(dropped) != 1 || !dropped[0].Equal(jan2) {
		t.Errorf("dropped = %v, want [2020-01-02]", dropped)
	}

	kept, dropped = DropSparseDates(rows, 1)
	if len(kept) != 4 || len(dropped) != 0 {
		t.Errorf("threshold 1 should keep all rows, kept %d dropped %v", len(kept), dropped)
	}
}

func TestStationlessDivisions(t *testing.T) {
	rows := []models.DailyDivisionRow{
		{DivisionID: 1, Date: jan1},
		{DivisionID: 1, Date: jan2, Metrics: models.Metrics{AvgPrecip: f(0)}},
		{DivisionID: 2, Date: jan1},
		{DivisionID: 2, Date: jan2},
	}
	if got := StationlessDivisions(rows); !reflect.DeepEqual(got, []int64{2}) {
		t.Errorf("StationlessDivisions() = %v, want [2]", got)
	}
}
