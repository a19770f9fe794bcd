package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"census-climate/internal/models"
	"census-climate/pkg/logging"
	"census-climate/pkg/metrics"
)

// BackoffConfig controls exponential backoff behaviour.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Config configures a Client.
type Config struct {
	BaseURL   string
	PageLimit int
	Backoff   BackoffConfig
}

var (
	errRateLimited   = errors.New("rate limited")
	errServerError   = errors.New("server error")
	errUnexpected    = errors.New("unexpected status code")
	ErrCircuitOpen   = errors.New("circuit breaker open")
	errInvalidConfig = errors.New("invalid backoff configuration")
)

// Client fetches daily station observations from the climate-daily
// collection with retries, exponential backoff and a circuit breaker.
type Client struct {
	http    *http.Client
	cfg     Config
	circuit *gobreaker.CircuitBreaker
	logger  *logging.ContextLogger
	metrics *metrics.Collector
}

// NewClient creates a Client. httpClient carries the request timeout.
func NewClient(cfg Config, httpClient *http.Client, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) (*Client, error) {
	if httpClient == nil {
		return nil, errors.New("http client not configured")
	}
	if cfg.Backoff.MaxRetries < 0 || cfg.Backoff.InitialInterval <= 0 {
		return nil, errInvalidConfig
	}
	if cfg.PageLimit <= 0 {
		return nil, fmt.Errorf("page limit must be positive, got %d", cfg.PageLimit)
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}

	log := logger.WithFields(logging.Fields{
		"component": "feed",
		"base_url":  cfg.BaseURL,
	})

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "climate-daily",
		MaxRequests: 1,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn(context.Background(), "[FEED_CIRCUIT] Circuit breaker state changed", logging.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})

	return &Client{
		http:    httpClient,
		cfg:     cfg,
		circuit: cb,
		logger:  log,
		metrics: metricsCollector,
	}, nil
}

// FetchDaily retrieves every observation for province between start and
// end inclusive, following pages until a short page is returned.
func (c *Client) FetchDaily(ctx context.Context, province string, start, end time.Time) ([]models.Observation, []models.Station, error) {
	var raw []models.RawClimateRecord

	for offset := 0; ; offset += c.cfg.PageLimit {
		page, err := c.fetchPage(ctx, province, start, end, offset)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch page at offset %d: %w", offset, err)
		}
		raw = append(raw, page...)

		c.logger.Debug(ctx, "[FEED_PAGE] Page received", logging.Fields{
			"province": province,
			"offset":   offset,
			"records":  len(page),
		})

		if len(page) < c.cfg.PageLimit {
			break
		}
	}

	decoded := Decode(raw)
	for _, err := range decoded.Rejected {
		c.metrics.RecordIngestionError("validation_error")
		c.logger.Debug(ctx, "[FEED_REJECT] Record rejected", logging.Fields{
			"reason": err.Error(),
		})
	}

	c.logger.Info(ctx, "[FEED_COMPLETE] Observations fetched", logging.Fields{
		"province":     province,
		"start_date":   models.DayKey(start),
		"end_date":     models.DayKey(end),
		"records":      len(raw),
		"observations": len(decoded.Observations),
		"stations":     len(decoded.Stations),
		"rejected":     len(decoded.Rejected),
	})

	return decoded.Observations, decoded.Stations, nil
}

func (c *Client) fetchPage(ctx context.Context, province string, start, end time.Time, offset int) ([]models.RawClimateRecord, error) {
	resp, err := c.doRequestWithResilience(ctx, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, c.pageURL(province, start, end, offset), nil)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return ParseCSV(resp.Body)
}

func (c *Client) pageURL(province string, start, end time.Time, offset int) string {
	q := url.Values{}
	q.Set("time", models.DayKey(start)+" 00:00:00/"+models.DayKey(end)+" 00:00:00")
	if province != "" {
		q.Set("PROVINCE_CODE", province)
	}
	q.Set("sortby", "PROVINCE_CODE,CLIMATE_IDENTIFIER,LOCAL_DATE")
	q.Set("f", "csv")
	q.Set("limit", strconv.Itoa(c.cfg.PageLimit))
	q.Set("startindex", strconv.Itoa(offset))
	return c.cfg.BaseURL + "?" + q.Encode()
}

// doRequestWithResilience executes the request with retries, exponential
// backoff and the circuit breaker. Client errors other than 429 are not
// retried.
func (c *Client) doRequestWithResilience(ctx context.Context, buildRequest func() (*http.Request, error)) (*http.Response, error) {
	var attempt int

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		req, err := buildRequest()
		if err != nil {
			return nil, err
		}
		req = req.WithContext(ctx)

		result, err := c.circuit.Execute(func() (interface{}, error) {
			resp, execErr := c.http.Do(req)
			if execErr != nil {
				return nil, execErr
			}

			if resp.StatusCode == http.StatusTooManyRequests {
				drain(resp)
				return nil, errRateLimited
			}
			if resp.StatusCode >= 500 {
				drain(resp)
				return nil, errServerError
			}
			return resp, nil
		})

		if err == nil {
			resp := result.(*http.Response)
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				drain(resp)
				c.metrics.RecordFeedRequest("error")
				return nil, fmt.Errorf("%w: %d", errUnexpected, resp.StatusCode)
			}
			c.metrics.RecordFeedRequest("ok")
			return resp, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.metrics.RecordFeedRequest("circuit_open")
			return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}

		if attempt >= c.cfg.Backoff.MaxRetries {
			c.metrics.RecordFeedRequest("error")
			return nil, err
		}

		delay := c.cfg.Backoff.InitialInterval * time.Duration(math.Pow(2, float64(attempt)))
		if delay > c.cfg.Backoff.MaxInterval && c.cfg.Backoff.MaxInterval > 0 {
			delay = c.cfg.Backoff.MaxInterval
		}

		c.metrics.RecordFeedRequest("retry")
		c.logger.Warn(ctx, "[FEED_RETRY] Request failed, backing off", logging.Fields{
			"attempt":  attempt + 1,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		attempt++
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
