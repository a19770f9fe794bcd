package climate

import (
	"reflect"
	"testing"
	"time"

	"census-climate/internal/models"
)

var epoch = time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dsRow(id int64, date time.Time, avg float64) models.DailyDivisionRow {
	return models.DailyDivisionRow{DivisionID: id, Date: date, Metrics: models.Metrics{AvgTemp: f(avg)}}
}

func TestMerge(t *testing.T) {
	existing := []models.DailyDivisionRow{
		dsRow(1, day(2020, 1, 1), 1),
		dsRow(1, day(2020, 1, 2), 2),
		dsRow(1, day(2020, 1, 3), 3),
		dsRow(2, day(2020, 1, 1), 10),
		dsRow(2, day(2020, 1, 2), 20),
	}

	tests := []struct {
		name        string
		fresh       []models.DailyDivisionRow
		start, end  time.Time
		checkValues func(t *testing.T, got []models.DailyDivisionRow)
	}{
		{
			name: "range rows replaced, others kept",
			fresh: []models.DailyDivisionRow{
				dsRow(2, day(2020, 1, 2), 22),
				dsRow(1, day(2020, 1, 2), 12),
				dsRow(1, day(2020, 1, 3), 13),
			},
			start: day(2020, 1, 2),
			end:   day(2020, 1, 3),
			checkValues: func(t *testing.T, got []models.DailyDivisionRow) {
				want := []models.DailyDivisionRow{
					dsRow(1, day(2020, 1, 1), 1),
					dsRow(1, day(2020, 1, 2), 12),
					dsRow(1, day(2020, 1, 3), 13),
					dsRow(2, day(2020, 1, 1), 10),
					dsRow(2, day(2020, 1, 2), 22),
				}
				if !reflect.DeepEqual(got, want) {
					t.Errorf("Merge() = %+v, want %+v", got, want)
				}
			},
		},
		{
			name:  "range rows without a fresh counterpart are removed",
			fresh: []models.DailyDivisionRow{dsRow(1, day(2020, 1, 3), 13)},
			start: day(2020, 1, 2),
			end:   day(2020, 1, 3),
			checkValues: func(t *testing.T, got []models.DailyDivisionRow) {
				if len(got) != 3 {
					t.Fatalf("len = %d, want 3", len(got))
				}
				assertValue(t, "division 1 jan3", got[1].AvgTemp, f(13))
				if got[2].DivisionID != 2 || !got[2].Date.Equal(day(2020, 1, 1)) {
					t.Errorf("division 2 should only keep jan1, got %+v", got[2])
				}
			},
		},
		{
			name:  "duplicates in fresh keep the last",
			fresh: []models.DailyDivisionRow{dsRow(3, day(2020, 1, 4), 1), dsRow(3, day(2020, 1, 4), 2)},
			start: day(2020, 1, 4),
			end:   day(2020, 1, 4),
			checkValues: func(t *testing.T, got []models.DailyDivisionRow) {
				last := got[len(got)-1]
				if last.DivisionID != 3 || len(got) != 6 {
					t.Fatalf("got %+v", got)
				}
				assertValue(t, "division 3", last.AvgTemp, f(2))
			},
		},
		{
			name:  "start at epoch replaces everything",
			fresh: []models.DailyDivisionRow{dsRow(5, day(2020, 1, 9), 5)},
			start: epoch,
			end:   day(2020, 1, 9),
			checkValues: func(t *testing.T, got []models.DailyDivisionRow) {
				want := []models.DailyDivisionRow{dsRow(5, day(2020, 1, 9), 5)}
				if !reflect.DeepEqual(got, want) {
					t.Errorf("Merge() = %+v, want %+v", got, want)
				}
			},
		},
		{
			name:  "single day",
			fresh: []models.DailyDivisionRow{dsRow(1, day(2020, 1, 2), 5)},
			start: day(2020, 1, 2),
			end:   day(2020, 1, 2),
			checkValues: func(t *testing.T, got []models.DailyDivisionRow) {
				if len(got) != 4 {
					t.Fatalf("len = %d, want 4", len(got))
				}
				assertValue(t, "division 1 jan2", got[1].AvgTemp, f(5))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(existing, tt.fresh, tt.start, tt.end, epoch)
			tt.checkValues(t, got)
		})
	}
}

func TestMerge_Idempotent(t *testing.T) {
	existing := []models.DailyDivisionRow{
		dsRow(2, day(2020, 1, 1), 10),
		dsRow(1, day(2020, 1, 1), 1),
		dsRow(1, day(2020, 1, 2), 2),
	}
	fresh := []models.DailyDivisionRow{
		dsRow(1, day(2020, 1, 2), 12),
		dsRow(2, day(2020, 1, 2), 22),
	}
	start, end := day(2020, 1, 2), day(2020, 1, 2)

	once := Merge(existing, fresh, start, end, epoch)
	twice := Merge(once, fresh, start, end, epoch)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("Merge is not idempotent:\n once  %+v\n twice %+v", once, twice)
	}
}

func TestMerge_NormalisesDates(t *testing.T) {
	fresh := []models.DailyDivisionRow{dsRow(1, time.Date(2020, 1, 2, 15, 30, 0, 0, time.UTC), 1)}
	got := Merge(nil, fresh, day(2020, 1, 2), day(2020, 1, 2), epoch)
	if len(got) != 1 || !got[0].Date.Equal(day(2020, 1, 2)) {
		t.Errorf("Merge() = %+v", got)
	}
}
