package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"census-climate/internal/climate"
	"census-climate/internal/models"
)

// Config is the complete runtime configuration shared by all commands.
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Logging  LoggingConfig
	Pipeline PipelineConfig
	Sources  SourcesConfig
	Feed     FeedConfig
	Cache    CacheConfig
	Schedule ScheduleConfig
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectAttempts int
	ConnectBackoff  time.Duration
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level string
}

// PipelineConfig controls the division dataset computation.
type PipelineConfig struct {
	ProvinceCode    string
	NumClosest      int
	Policy          string // "strict" or "degrade"
	DropSparseDates bool
	Workers         int // 0 means one per CPU
	Epoch           time.Time
	LookbackDays    int
	ExportPath      string // optional CSV copy of the dataset after each run
}

// SourcesConfig locates the boundary and population files.
type SourcesConfig struct {
	SubdivisionsPath string
	DivisionsPath    string
	PopulationPath   string
}

// FeedConfig configures the station observation feed client.
type FeedConfig struct {
	BaseURL        string
	Province       string // feed province code, e.g. "ON"
	PageLimit      int
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BatchSize      int
}

type CacheConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type ScheduleConfig struct {
	At string // HH:MM, UTC
}

const (
	defaultFeedURL = "https://geo.weather.gc.ca/geomet/features/collections/climate-daily/items"
	defaultEpoch   = "2018-01-01"
)

// LoadConfig reads configuration from the environment. A .env file in the
// working directory is loaded first when present; variables already set
// in the environment take precedence.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	l := &loader{}
	cfg := &Config{
		Database: DatabaseConfig{
			Host:            getenvDefault("DB_HOST", "localhost"),
			Port:            l.getInt("DB_PORT", 5432),
			User:            getenvDefault("DB_USER", "postgres"),
			Password:        os.Getenv("DB_PASSWORD"),
			Database:        getenvDefault("DB_NAME", "census_climate"),
			SSLMode:         getenvDefault("DB_SSLMODE", "disable"),
			MaxOpenConns:    l.getInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    l.getInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: l.getDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: l.getDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
			ConnectAttempts: l.getInt("DB_CONNECT_ATTEMPTS", 5),
			ConnectBackoff:  l.getDuration("DB_CONNECT_BACKOFF", 2*time.Second),
		},
		Server: ServerConfig{
			Host:         getenvDefault("SERVER_HOST", "0.0.0.0"),
			Port:         l.getInt("SERVER_PORT", 8080),
			ReadTimeout:  l.getDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: l.getDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  l.getDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level: getenvDefault("LOG_LEVEL", "info"),
		},
		Pipeline: PipelineConfig{
			ProvinceCode:    getenvDefault("PROVINCE_CODE", "35"),
			NumClosest:      l.getInt("NUM_CLOSEST", 3),
			Policy:          getenvDefault("GAPFILL_POLICY", "strict"),
			DropSparseDates: l.getBool("DROP_SPARSE_DATES", true),
			Workers:         l.getInt("PIPELINE_WORKERS", 0),
			Epoch:           l.getDate("DATASET_EPOCH", defaultEpoch),
			LookbackDays:    l.getInt("LOOKBACK_DAYS", 10),
			ExportPath:      os.Getenv("EXPORT_PATH"),
		},
		Sources: SourcesConfig{
			SubdivisionsPath: getenvDefault("SUBDIVISIONS_PATH", "data/census_subdivisions.geojson"),
			DivisionsPath:    getenvDefault("DIVISIONS_PATH", "data/census_divisions.geojson"),
			PopulationPath:   getenvDefault("POPULATION_PATH", "data/population.csv"),
		},
		Feed: FeedConfig{
			BaseURL:        getenvDefault("FEED_BASE_URL", defaultFeedURL),
			Province:       getenvDefault("FEED_PROVINCE", "ON"),
			PageLimit:      l.getInt("FEED_PAGE_LIMIT", 10000),
			Timeout:        l.getDuration("FEED_TIMEOUT", 60*time.Second),
			MaxRetries:     l.getInt("FEED_MAX_RETRIES", 3),
			InitialBackoff: l.getDuration("FEED_INITIAL_BACKOFF", 1*time.Second),
			MaxBackoff:     l.getDuration("FEED_MAX_BACKOFF", 30*time.Second),
			BatchSize:      l.getInt("INGEST_BATCH_SIZE", 1000),
		},
		Cache: CacheConfig{
			Enabled:  l.getBool("CACHE_ENABLED", false),
			Addr:     getenvDefault("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       l.getInt("REDIS_DB", 0),
			TTL:      l.getDuration("CACHE_TTL", 10*time.Minute),
		},
		Schedule: ScheduleConfig{
			At: getenvDefault("SCHEDULE_AT", "06:00"),
		},
	}

	if len(l.errs) > 0 {
		return nil, errors.Join(l.errs...)
	}
	return cfg, nil
}

// Validate checks ranges and enumerations that LoadConfig cannot.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid DB_PORT %d", c.Database.Port))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid SERVER_PORT %d", c.Server.Port))
	}
	if c.Pipeline.NumClosest < 1 {
		errs = append(errs, fmt.Errorf("NUM_CLOSEST must be at least 1, got %d", c.Pipeline.NumClosest))
	}
	if _, err := climate.ParsePolicy(c.Pipeline.Policy); err != nil {
		errs = append(errs, err)
	}
	if c.Pipeline.Workers < 0 {
		errs = append(errs, fmt.Errorf("PIPELINE_WORKERS must not be negative, got %d", c.Pipeline.Workers))
	}
	if c.Pipeline.LookbackDays < 0 {
		errs = append(errs, fmt.Errorf("LOOKBACK_DAYS must not be negative, got %d", c.Pipeline.LookbackDays))
	}
	if c.Feed.PageLimit < 1 {
		errs = append(errs, fmt.Errorf("FEED_PAGE_LIMIT must be at least 1, got %d", c.Feed.PageLimit))
	}
	if c.Feed.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("INGEST_BATCH_SIZE must be at least 1, got %d", c.Feed.BatchSize))
	}
	if c.Feed.MaxRetries < 0 || c.Feed.InitialBackoff <= 0 {
		errs = append(errs, errors.New("feed backoff requires FEED_MAX_RETRIES >= 0 and a positive FEED_INITIAL_BACKOFF"))
	}
	if _, err := time.Parse("15:04", c.Schedule.At); err != nil {
		errs = append(errs, fmt.Errorf("invalid SCHEDULE_AT %q, want HH:MM", c.Schedule.At))
	}

	return errors.Join(errs...)
}

// PipelineOptions converts the pipeline settings for climate.NewPipeline.
func (c *Config) PipelineOptions() (climate.Options, error) {
	policy, err := climate.ParsePolicy(c.Pipeline.Policy)
	if err != nil {
		return climate.Options{}, err
	}
	return climate.Options{
		ProvinceCode:    c.Pipeline.ProvinceCode,
		NumClosest:      c.Pipeline.NumClosest,
		Policy:          policy,
		DropSparseDates: c.Pipeline.DropSparseDates,
		Workers:         c.Pipeline.Workers,
		Epoch:           c.Pipeline.Epoch,
	}, nil
}

// loader collects parse errors so every bad variable is reported at once.
type loader struct {
	errs []error
}

func (l *loader) getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return n
}

func (l *loader) getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return b
}

func (l *loader) getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return d
}

func (l *loader) getDate(key, def string) time.Time {
	v := getenvDefault(key, def)
	d, err := time.Parse(models.DateLayout, strings.TrimSpace(v))
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s: %w", key, err))
		return time.Time{}
	}
	return d
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
