// Package config loads ETL settings from an optional YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

var (
	ErrMissingDatabaseURL = errors.New("DATABASE_URL environment variable is required")
	ErrInvalidRetryPolicy = errors.New("http.max_attempts must be at least 1")
)

// Config is the full runtime configuration of the ETL.
type Config struct {
	DatabaseURL     string `yaml:"database_url"`
	CensusAPIKey    string `yaml:"census_api_key"`
	SocrataAppToken string `yaml:"socrata_app_token"`

	HTTP     HTTPConfig     `yaml:"http"`
	Sources  SourcesConfig  `yaml:"sources"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Webhooks WebhookConfig  `yaml:"webhooks"`
	Logging  LoggingConfig  `yaml:"logging"`
	Status   StatusConfig   `yaml:"status"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// HTTPConfig controls the shared fetcher.
type HTTPConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseBackoff       time.Duration `yaml:"base_backoff"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// SourcesConfig holds upstream endpoints. Templates use {year} and {state}.
type SourcesConfig struct {
	ACSBaseURL     string         `yaml:"acs_base_url"`
	TigerURL       string         `yaml:"tiger_url"`
	SVIURL         string         `yaml:"svi_url"`
	PlacesURL      string         `yaml:"places_url"`
	PlacesDatasets map[int]string `yaml:"places_datasets"`
	EJScreenURL    string         `yaml:"ejscreen_url"`
}

// ArchiveConfig enables raw-download snapshots in S3 when Bucket is set.
type ArchiveConfig struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	Prefix    string `yaml:"prefix"`
	PathStyle bool   `yaml:"path_style"`
	// Static credentials; the default AWS chain is used when empty.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type WebhookConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	SQLLevel string `yaml:"sql_level"`
}

// StatusConfig enables the status/metrics HTTP server when Addr is set.
type StatusConfig struct {
	Addr string `yaml:"addr"`
}

type PipelineConfig struct {
	Year        int  `yaml:"year"`
	PlacesYear  int  `yaml:"places_year"`
	TrendsStart int  `yaml:"trends_start"`
	TrendsEnd   int  `yaml:"trends_end"`
	Lock        bool `yaml:"lock"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Timeout:     120 * time.Second,
			MaxAttempts: 3,
			BaseBackoff: time.Second,
		},
		Sources: SourcesConfig{
			ACSBaseURL: "https://api.census.gov/data",
			TigerURL:   "https://www2.census.gov/geo/tiger/TIGER{year}/TRACT/tl_{year}_{state}_tract.zip",
			SVIURL:     "https://svi.cdc.gov/Documents/Data/{year}/csv/states/SVI_{year}_US.csv",
			PlacesURL:  "https://data.cdc.gov/resource/cwsq-ngmh.json",
			PlacesDatasets: map[int]string{
				2023: "https://data.cdc.gov/resource/cwsq-ngmh.json",
			},
			EJScreenURL: "https://data.cdc.gov/resource/wz6s-ywkm.json",
		},
		Archive:  ArchiveConfig{Region: "us-east-1", Prefix: "raw"},
		Webhooks: WebhookConfig{MaxRetries: 3, Timeout: 10 * time.Second},
		Logging:  LoggingConfig{Level: "info", Format: "json", SQLLevel: "warn"},
		Pipeline: PipelineConfig{
			Year:        2022,
			PlacesYear:  2023,
			TrendsStart: 2018,
			TrendsEnd:   2022,
			Lock:        true,
		},
	}
}

// Load reads defaults, then the YAML file at path (if path is non-empty),
// then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides fields from environment variables:
//   - DATABASE_URL, CENSUS_API_KEY, SOCRATA_APP_TOKEN
//   - ETL_HTTP_TIMEOUT (duration), ETL_REQUESTS_PER_SECOND (float)
//   - ETL_ARCHIVE_BUCKET, ETL_ARCHIVE_REGION, ETL_ARCHIVE_ENDPOINT
//   - ETL_ARCHIVE_ACCESS_KEY_ID, ETL_ARCHIVE_SECRET_ACCESS_KEY
//   - WEBHOOK_MAX_RETRIES (int), WEBHOOK_TIMEOUT (duration)
//   - LOG_LEVEL, LOG_FORMAT, STATUS_ADDR
func (c *Config) applyEnv() error {
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.CensusAPIKey, "CENSUS_API_KEY")
	setString(&c.SocrataAppToken, "SOCRATA_APP_TOKEN")
	setString(&c.Archive.Bucket, "ETL_ARCHIVE_BUCKET")
	setString(&c.Archive.Region, "ETL_ARCHIVE_REGION")
	setString(&c.Archive.Endpoint, "ETL_ARCHIVE_ENDPOINT")
	setString(&c.Archive.AccessKeyID, "ETL_ARCHIVE_ACCESS_KEY_ID")
	setString(&c.Archive.SecretAccessKey, "ETL_ARCHIVE_SECRET_ACCESS_KEY")
	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")
	setString(&c.Status.Addr, "STATUS_ADDR")

	if v := env("ETL_HTTP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ETL_HTTP_TIMEOUT: %w", err)
		}
		c.HTTP.Timeout = d
	}
	if v := env("ETL_REQUESTS_PER_SECOND"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("ETL_REQUESTS_PER_SECOND: %w", err)
		}
		c.HTTP.RequestsPerSecond = f
	}
	if v := env("WEBHOOK_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WEBHOOK_MAX_RETRIES: %w", err)
		}
		c.Webhooks.MaxRetries = n
	}
	if v := env("WEBHOOK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("WEBHOOK_TIMEOUT: %w", err)
		}
		c.Webhooks.Timeout = d
	}
	return nil
}

// Validate checks the settings every command needs.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	if c.HTTP.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// PlacesURLFor returns the PLACES dataset endpoint for a release year,
// falling back to the default endpoint.
func (s SourcesConfig) PlacesURLFor(year int) string {
	if u, ok := s.PlacesDatasets[year]; ok && u != "" {
		return u
	}
	return s.PlacesURL
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func setString(dst *string, key string) {
	if v := env(key); v != "" {
		*dst = v
	}
}
