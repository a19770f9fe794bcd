package climate

import (
	"context"
	"reflect"
	"testing"
	"time"

	"census-climate/internal/geo"
	"census-climate/internal/models"
)

var (
	jan1 = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	jan2 = time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)
	jan3 = time.Date(2020, 1, 3, 0, 0, 0, 0, time.UTC)
)

func box(minLon, minLat, size float64) geo.Polygon {
	return geo.NewPolygon(geo.Ring{
		{Lon: minLon, Lat: minLat},
		{Lon: minLon + size, Lat: minLat},
		{Lon: minLon + size, Lat: minLat + size},
		{Lon: minLon, Lat: minLat + size},
		{Lon: minLon, Lat: minLat},
	})
}

func obs(station string, lon, lat float64, date time.Time, avg, min, max, precip *float64) models.Observation {
	return models.Observation{
		StationID: station,
		Longitude: lon,
		Latitude:  lat,
		Date:      date,
		Metrics:   models.Metrics{AvgTemp: avg, MinTemp: min, MaxTemp: max, AvgPrecip: precip},
	}
}

func f(v float64) *float64 { return models.Float(v) }

func assertValue(t *testing.T, label string, got *float64, want *float64) {
	t.Helper()
	switch {
	case want == nil && got != nil:
		t.Errorf("%s = %v, want no data", label, *got)
	case want != nil && got == nil:
		t.Errorf("%s = no data, want %v", label, *want)
	case want != nil && got != nil && !closeTo(*got, *want):
		t.Errorf("%s = %v, want %v", label, *got, *want)
	}
}

func closeTo(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}

func TestAggregate(t *testing.T) {
	region := models.Region{ID: 3520005, ParentID: 3520, ProvinceCode: "35", Boundary: box(0, 0, 10)}

	tests := []struct {
		name         string
		region       models.Region
		observations []models.Observation
		wantStations []string
		want         models.Metrics
	}{
		{
			name:   "mean of contained stations",
			region: region,
			observations: []models.Observation{
				obs("B", 2, 2, jan1, f(10), f(4), f(12), f(1)),
				obs("A", 8, 8, jan1, f(20), f(6), f(22), f(3)),
				obs("OUT", 12, 5, jan1, f(100), f(100), f(100), f(100)),
			},
			wantStations: []string{"A", "B"},
			want:         models.Metrics{AvgTemp: f(15), MinTemp: f(5), MaxTemp: f(17), AvgPrecip: f(2)},
		},
		{
			name:   "missing values are skipped, not zero",
			region: region,
			observations: []models.Observation{
				obs("A", 1, 1, jan1, f(10), nil, f(12), nil),
				obs("B", 2, 2, jan1, nil, nil, f(14), nil),
			},
			wantStations: []string{"A", "B"},
			want:         models.Metrics{AvgTemp: f(10), MaxTemp: f(13)},
		},
		{
			name:   "boundary station is contained",
			region: region,
			observations: []models.Observation{
				obs("EDGE", 10, 5, jan1, f(-4), nil, nil, f(0)),
			},
			wantStations: []string{"EDGE"},
			want:         models.Metrics{AvgTemp: f(-4), AvgPrecip: f(0)},
		},
		{
			name:   "other days are ignored",
			region: region,
			observations: []models.Observation{
				obs("A", 1, 1, jan2, f(10), f(10), f(10), f(10)),
			},
			wantStations: []string{},
		},
		{
			name:         "no stations yields no data",
			region:       region,
			observations: nil,
			wantStations: []string{},
		},
		{
			name:   "zero area region yields no data",
			region: models.Region{ID: 1, Boundary: geo.NewPolygon(geo.Ring{{Lon: 0, Lat: 0}, {Lon: 5, Lat: 5}, {Lon: 10, Lat: 10}})},
			observations: []models.Observation{
				obs("A", 5, 5, jan1, f(10), f(10), f(10), f(10)),
			},
			wantStations: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := Aggregate(tt.observations, tt.region, jan1)

			if row.RegionID != tt.region.ID || row.ParentID != tt.region.ParentID {
				t.Errorf("ids = (%d, %d), want (%d, %d)", row.RegionID, row.ParentID, tt.region.ID, tt.region.ParentID)
			}
			if !row.Date.Equal(jan1) {
				t.Errorf("Date = %v, want %v", row.Date, jan1)
			}
			if row.StationIDs == nil {
				t.Fatal("StationIDs should be an empty list, not nil")
			}
			if !reflect.DeepEqual(row.StationIDs, tt.wantStations) {
				t.Errorf("StationIDs = %v, want %v", row.StationIDs, tt.wantStations)
			}
			for _, m := range models.AllMetrics {
				assertValue(t, m.String(), row.Get(m), tt.want.Get(m))
			}
		})
	}
}

func TestAverageOf(t *testing.T) {
	assertValue(t, "empty", AverageOf(nil), nil)
	assertValue(t, "all missing", AverageOf([]*float64{nil, nil}), nil)
	assertValue(t, "mixed", AverageOf([]*float64{f(1), nil, f(3)}), f(2))
	assertValue(t, "zeros", AverageOf([]*float64{f(0), f(0)}), f(0))
}

func TestAggregateRange(t *testing.T) {
	regions := []models.Region{
		{ID: 20, ParentID: 2, Boundary: box(5, 0, 5)},
		{ID: 10, ParentID: 1, Boundary: box(0, 0, 5)},
	}
	observations := []models.Observation{
		obs("S2", 7, 2, jan1, f(3), nil, nil, nil),
		obs("S1", 1, 1, jan1, f(1), nil, nil, nil),
		obs("S1", 1, 1, jan2, f(2), nil, nil, nil),
	}

	rows, err := AggregateRange(context.Background(), observations, regions, jan1, jan3, 2)
	if err != nil {
		t.Fatalf("AggregateRange() error = %v", err)
	}
	if len(rows) != 6 {
		t.Fatalf("len(rows) = %d, want 6", len(rows))
	}

	wantOrder := []struct {
		id  int64
		day time.Time
	}{{10, jan1}, {10, jan2}, {10, jan3}, {20, jan1}, {20, jan2}, {20, jan3}}
	for i, w := range wantOrder {
		if rows[i].RegionID != w.id || !rows[i].Date.Equal(w.day) {
			t.Errorf("row %d = (%d, %s), want (%d, %s)", i, rows[i].RegionID, models.DayKey(rows[i].Date), w.id, models.DayKey(w.day))
		}
	}

	assertValue(t, "region 10 jan1", rows[0].AvgTemp, f(1))
	assertValue(t, "region 10 jan2", rows[1].AvgTemp, f(2))
	assertValue(t, "region 10 jan3", rows[2].AvgTemp, nil)
	assertValue(t, "region 20 jan1", rows[3].AvgTemp, f(3))
	assertValue(t, "region 20 jan2", rows[4].AvgTemp, nil)

	again, err := AggregateRange(context.Background(), observations, regions, jan1, jan3, 1)
	if err != nil {
		t.Fatalf("AggregateRange() second run error = %v", err)
	}
	if !reflect.DeepEqual(rows, again) {
		t.Error("AggregateRange is not deterministic across runs and worker counts")
	}
}

func TestAggregateRange_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	regions := []models.Region{{ID: 1, Boundary: box(0, 0, 1)}}
	if _, err := AggregateRange(ctx, nil, regions, jan1, jan3, 1); err == nil {
		t.Error("expected context error")
	}
}
