package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"census-climate/internal/models"
	"census-climate/pkg/logging"
	"census-climate/pkg/metrics"
)

const sampleCSV = `x,y,ID,STATION_NAME,CLIMATE_IDENTIFIER,PROVINCE_CODE,LOCAL_DATE,MEAN_TEMPERATURE,MIN_TEMPERATURE,MAX_TEMPERATURE,TOTAL_PRECIPITATION
-79.4,43.6,a,TORONTO,6158355,ON,2020-01-01 00:00:00,-1.5,-4,1,0.2
-79.4,43.6,b,TORONTO,6158355,ON,2020-01-02 00:00:00,,-6,,
-75.7,45.4,c,OTTAWA,6106000,ON,2020-01-01 00:00:00,-8,-12,-4,1.1
`

func testDeps() (*logging.StructuredLogger, *metrics.Collector) {
	logger := logging.NewStructuredLogger("feed-test", "test", logging.ErrorLevel)
	logger.SetOutput(io.Discard)
	return logger, metrics.NewCollectorWithRegistry("feed_test", prometheus.NewRegistry())
}

func TestParseCSV(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantErr     bool
		checkValues func(t *testing.T, recs []models.RawClimateRecord)
	}{
		{
			name:  "columns located by name",
			input: sampleCSV,
			checkValues: func(t *testing.T, recs []models.RawClimateRecord) {
				if len(recs) != 3 {
					t.Fatalf("len = %d, want 3", len(recs))
				}
				r := recs[0]
				if r.StationID != "6158355" || r.StationName != "TORONTO" || r.ProvinceCode != "ON" {
					t.Errorf("record = %+v", r)
				}
				if r.Longitude != "-79.4" || r.Latitude != "43.6" || r.MeanTemp != "-1.5" || r.TotalPrecip != "0.2" {
					t.Errorf("record = %+v", r)
				}
				if recs[1].MeanTemp != "" || recs[1].MinTemp != "-6" {
					t.Errorf("record = %+v", recs[1])
				}
			},
		},
		{
			name:  "lower case header with byte order mark and no optional columns",
			input: "\ufeffclimate_identifier,local_date,x,y\n6158355,2020-01-01,-79.4,43.6\n",
			checkValues: func(t *testing.T, recs []models.RawClimateRecord) {
				if len(recs) != 1 || recs[0].StationID != "6158355" || recs[0].MeanTemp != "" {
					t.Errorf("records = %+v", recs)
				}
			},
		},
		{
			name:  "empty body",
			input: "",
			checkValues: func(t *testing.T, recs []models.RawClimateRecord) {
				if len(recs) != 0 {
					t.Errorf("records = %+v", recs)
				}
			},
		},
		{
			name:    "missing required column",
			input:   "x,y,LOCAL_DATE\n1,2,2020-01-01\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := ParseCSV(strings.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCSV() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !strings.Contains(err.Error(), "climate_identifier") {
					t.Errorf("error %q should name the missing column", err)
				}
				return
			}
			tt.checkValues(t, recs)
		})
	}
}

func TestDecode(t *testing.T) {
	recs := []models.RawClimateRecord{
		{StationID: "B", Longitude: "1", Latitude: "1", LocalDate: "2020-01-02", MeanTemp: "5"},
		{StationID: "A", Longitude: "2", Latitude: "2", LocalDate: "2020-01-01", MeanTemp: "1"},
		{StationID: "A", Longitude: "2", Latitude: "2", LocalDate: "2020-01-01", MeanTemp: "2"},
		{StationID: "C", Longitude: "west", Latitude: "2", LocalDate: "2020-01-01"},
	}

	d := Decode(recs)
	if len(d.Observations) != 2 {
		t.Fatalf("len(Observations) = %d, want 2", len(d.Observations))
	}
	if d.Observations[0].StationID != "A" || *d.Observations[0].AvgTemp != 2 {
		t.Errorf("duplicate station day should keep the later record, got %+v", d.Observations[0])
	}
	if len(d.Stations) != 2 || d.Stations[0].StationID != "A" {
		t.Errorf("Stations = %+v", d.Stations)
	}
	if len(d.Rejected) != 1 {
		t.Fatalf("Rejected = %v, want 1", d.Rejected)
	}
	var ve *models.ValidationError
	if !errors.As(d.Rejected[0], &ve) || ve.Field != "longitude" {
		t.Errorf("rejection = %v", d.Rejected[0])
	}
}

func newTestClient(t *testing.T, srv *httptest.Server, pageLimit, retries int) *Client {
	t.Helper()
	logger, m := testDeps()
	c, err := NewClient(Config{
		BaseURL:   srv.URL,
		PageLimit: pageLimit,
		Backoff:   BackoffConfig{MaxRetries: retries, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
	}, srv.Client(), logger, m)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestClient_FetchDailyPaginates(t *testing.T) {
	rows := strings.Split(strings.TrimSpace(sampleCSV), "\n")
	header, body := rows[0], rows[1:]

	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		q := r.URL.Query()
		if q.Get("PROVINCE_CODE") != "ON" || q.Get("f") != "csv" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		if q.Get("time") != "2020-01-01 00:00:00/2020-01-02 00:00:00" {
			http.Error(w, "bad time "+q.Get("time"), http.StatusBadRequest)
			return
		}
		offset, _ := strconv.Atoi(q.Get("startindex"))
		limit, _ := strconv.Atoi(q.Get("limit"))
		end := offset + limit
		if end > len(body) {
			end = len(body)
		}
		fmt.Fprintln(w, header)
		if offset < len(body) {
			fmt.Fprintln(w, strings.Join(body[offset:end], "\n"))
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 2, 0)
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	obs, stations, err := c.FetchDaily(context.Background(), "ON", start, start.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("FetchDaily() error = %v", err)
	}
	if len(obs) != 3 || len(stations) != 2 {
		t.Errorf("got %d observations and %d stations, want 3 and 2", len(obs), len(stations))
	}
	if n := atomic.LoadInt32(&requests); n != 2 {
		t.Errorf("requests = %d, want 2 pages", n)
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, sampleCSV)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 100, 3)
	obs, _, err := c.FetchDaily(context.Background(), "ON", time.Now(), time.Now())
	if err != nil {
		t.Fatalf("FetchDaily() error = %v", err)
	}
	if len(obs) != 3 {
		t.Errorf("len(obs) = %d, want 3", len(obs))
	}
	if n := atomic.LoadInt32(&requests); n != 3 {
		t.Errorf("requests = %d, want 3", n)
	}
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 100, 3)
	_, _, err := c.FetchDaily(context.Background(), "ON", time.Now(), time.Now())
	if !errors.Is(err, errUnexpected) {
		t.Fatalf("FetchDaily() error = %v, want unexpected status", err)
	}
	if n := atomic.LoadInt32(&requests); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 100, 1)
	_, _, err := c.FetchDaily(context.Background(), "ON", time.Now(), time.Now())
	if !errors.Is(err, errRateLimited) {
		t.Errorf("FetchDaily() error = %v, want rate limited", err)
	}
}

func TestNewClient_Validation(t *testing.T) {
	logger, m := testDeps()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no backoff", Config{BaseURL: "http://x", PageLimit: 1}},
		{"negative retries", Config{BaseURL: "http://x", PageLimit: 1, Backoff: BackoffConfig{MaxRetries: -1, InitialInterval: time.Second}}},
		{"zero page limit", Config{BaseURL: "http://x", Backoff: BackoffConfig{InitialInterval: time.Second}}},
	}
	for _, tt := range tests {
		if _, err := NewClient(tt.cfg, http.DefaultClient, logger, m); err == nil {
			t.Errorf("%s: NewClient() should fail", tt.name)
		}
	}
}
