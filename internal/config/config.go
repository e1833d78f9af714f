// Package config loads elevsync settings from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/facadeworks/elevsync/internal/artifact"
	"github.com/facadeworks/elevsync/internal/models"
	"github.com/facadeworks/elevsync/internal/scheduler"
	"github.com/facadeworks/elevsync/internal/storage"
	"github.com/facadeworks/elevsync/internal/treesync"
)

// LevelSchedule controls how often the worker checks one object type and
// when its rows count as stale.
type LevelSchedule struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

// RemoteConfig is the connection to the remote catalog API.
type RemoteConfig struct {
	BaseURL      string
	Username     string
	Password     string
	CallTimeout  time.Duration
	RateLimitRPS float64
}

// SyncConfig tunes tree walks.
type SyncConfig struct {
	Concurrency     int
	MaxDepth        int
	ExcludePaths    []string
	LegacyMatch     bool
	FetchArtifacts  bool
	FetchThumbnails bool
	Schedules       map[models.Level]LevelSchedule
}

// ArtifactConfig tunes downloads and parsing.
type ArtifactConfig struct {
	Dir        string
	MaxBytes   int64
	MaxRetries int
	BatchSize  int
}

// APIConfig is the trigger API.
type APIConfig struct {
	Port           int
	Token          string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
}

// Config holds every setting of the binary.
type Config struct {
	DatabaseURL string
	Remote      RemoteConfig
	Sync        SyncConfig
	Artifact    ArtifactConfig
	API         APIConfig
	// S3 is nil when object storage is not configured.
	S3     *storage.S3Config
	DryRun bool
}

// DefaultSchedules are the per-level worker intervals and staleness windows.
func DefaultSchedules() map[models.Level]LevelSchedule {
	return map[models.Level]LevelSchedule{
		models.LevelFolder:    {Interval: 6 * time.Hour, StaleAfter: 24 * time.Hour},
		models.LevelProject:   {Interval: time.Hour, StaleAfter: 6 * time.Hour},
		models.LevelPhase:     {Interval: 30 * time.Minute, StaleAfter: 2 * time.Hour},
		models.LevelElevation: {Interval: 15 * time.Minute, StaleAfter: time.Hour},
	}
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads the configuration through getenv. Malformed values are
// errors; missing optional values take their defaults.
func LoadFrom(getenv func(string) string) (*Config, error) {
	p := &parser{getenv: getenv}

	cfg := &Config{
		DatabaseURL: getenv("DATABASE_URL"),
		Remote: RemoteConfig{
			BaseURL:      getenv("REMOTE_BASE_URL"),
			Username:     getenv("REMOTE_USERNAME"),
			Password:     getenv("REMOTE_PASSWORD"),
			CallTimeout:  p.duration("REMOTE_CALL_TIMEOUT", time.Minute),
			RateLimitRPS: p.float("REMOTE_RATE_LIMIT_RPS", 0),
		},
		Sync: SyncConfig{
			Concurrency:     p.integer("SYNC_CONCURRENCY", scheduler.DefaultConcurrency),
			MaxDepth:        p.integer("SYNC_MAX_DEPTH", treesync.DefaultMaxDepth),
			ExcludePaths:    list(getenv("SYNC_EXCLUDE_PATHS")),
			LegacyMatch:     p.boolean("SYNC_LEGACY_MATCH", false),
			FetchArtifacts:  p.boolean("SYNC_FETCH_ARTIFACTS", true),
			FetchThumbnails: p.boolean("SYNC_FETCH_THUMBNAILS", false),
			Schedules:       DefaultSchedules(),
		},
		Artifact: ArtifactConfig{
			Dir:        p.str("ARTIFACT_DIR", "./data/artifacts"),
			MaxBytes:   int64(p.integer("ARTIFACT_MAX_BYTES", int(artifact.DefaultMaxBytes))),
			MaxRetries: p.integer("PARSE_MAX_RETRIES", artifact.DefaultMaxRetries),
			BatchSize:  p.integer("PARSE_BATCH_SIZE", 50),
		},
		API: APIConfig{
			Port:           p.integer("PORT", 8080),
			Token:          getenv("TRIGGER_API_TOKEN"),
			AllowedOrigins: list(getenv("ALLOWED_ORIGINS")),
			ReadTimeout:    p.duration("HTTP_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:   p.duration("HTTP_WRITE_TIMEOUT", 30*time.Second),
			RateLimitRPS:   p.float("API_RATE_LIMIT_RPS", 5),
			RateLimitBurst: p.integer("API_RATE_LIMIT_BURST", 10),
		},
		DryRun: p.boolean("WORKER_DRY_RUN", false),
	}

	for _, level := range models.Levels {
		name := strings.ToUpper(string(level))
		s := cfg.Sync.Schedules[level]
		s.Interval = p.duration("SYNC_"+name+"_INTERVAL", s.Interval)
		s.StaleAfter = p.duration("SYNC_"+name+"_STALE_AFTER", s.StaleAfter)
		cfg.Sync.Schedules[level] = s
	}

	if endpoint := getenv("S3_ENDPOINT"); endpoint != "" {
		cfg.S3 = &storage.S3Config{
			Endpoint:        endpoint,
			AccessKeyID:     p.required("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: p.required("AWS_SECRET_ACCESS_KEY"),
			BucketName:      p.required("BUCKET_NAME"),
			UseSSL:          getenv("S3_USE_SSL") != "false",
		}
	}

	if cfg.Sync.Concurrency < 1 || cfg.Sync.Concurrency > scheduler.MaxConcurrency {
		p.errs = append(p.errs, fmt.Errorf("SYNC_CONCURRENCY must be between 1 and %d, got %d", scheduler.MaxConcurrency, cfg.Sync.Concurrency))
	}
	if cfg.Sync.MaxDepth < 1 {
		p.errs = append(p.errs, fmt.Errorf("SYNC_MAX_DEPTH must be positive, got %d", cfg.Sync.MaxDepth))
	}
	if cfg.Artifact.MaxBytes <= 0 {
		p.errs = append(p.errs, fmt.Errorf("ARTIFACT_MAX_BYTES must be positive"))
	}
	if cfg.Sync.FetchThumbnails && cfg.S3 == nil {
		p.errs = append(p.errs, fmt.Errorf("SYNC_FETCH_THUMBNAILS requires S3_ENDPOINT"))
	}

	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	return cfg, nil
}

// RequireDatabase reports a missing DATABASE_URL.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return &MissingError{Vars: []string{"DATABASE_URL"}}
	}
	return nil
}

// RequireRemote reports missing remote API settings.
func (c *Config) RequireRemote() error {
	var missing []string
	if c.Remote.BaseURL == "" {
		missing = append(missing, "REMOTE_BASE_URL")
	}
	if c.Remote.Username == "" {
		missing = append(missing, "REMOTE_USERNAME")
	}
	if c.Remote.Password == "" {
		missing = append(missing, "REMOTE_PASSWORD")
	}
	if len(missing) > 0 {
		return &MissingError{Vars: missing}
	}
	return nil
}

// PollInterval is the shortest per-level interval; the worker wakes this
// often and decides per level whether a sync is due.
func (c *Config) PollInterval() time.Duration {
	var shortest time.Duration
	for _, s := range c.Sync.Schedules {
		if shortest == 0 || (s.Interval > 0 && s.Interval < shortest) {
			shortest = s.Interval
		}
	}
	if shortest <= 0 {
		return 15 * time.Minute
	}
	return shortest
}

// MissingError lists required variables that are not set.
type MissingError struct {
	Vars []string
}

func (e *MissingError) Error() string {
	return "missing required env var: " + strings.Join(e.Vars, ", ")
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) str(key, def string) string {
	if v := p.getenv(key); v != "" {
		return v
	}
	return def
}

func (p *parser) required(key string) string {
	v := p.getenv(key)
	if v == "" {
		p.errs = append(p.errs, &MissingError{Vars: []string{key}})
	}
	return v
}

func (p *parser) integer(key string, def int) int {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		p.errs = append(p.errs, fmt.Errorf("invalid %s %q", key, v))
		return def
	}
	return f
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		p.errs = append(p.errs, fmt.Errorf("invalid %s %q", key, v))
		return def
	}
	return d
}

func (p *parser) boolean(key string, def bool) bool {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
		return def
	}
	return b
}

func list(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
