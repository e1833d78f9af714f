package config

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/facadeworks/elevsync/internal/models"
)

func env(vars map[string]string) func(string) string {
	return func(key string) string {
		return vars[key]
	}
}

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(env(map[string]string{"DATABASE_URL": "postgres://localhost/elevsync"}))
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.Sync.Concurrency != 2 || cfg.Sync.MaxDepth != 20 {
		t.Errorf("unexpected sync defaults %+v", cfg.Sync)
	}
	if !cfg.Sync.FetchArtifacts || cfg.Sync.FetchThumbnails {
		t.Error("artifacts are fetched by default, thumbnails are not")
	}
	if cfg.Artifact.MaxBytes != 100<<20 || cfg.Artifact.MaxRetries != 3 {
		t.Errorf("unexpected artifact defaults %+v", cfg.Artifact)
	}
	if cfg.API.Port != 8080 || cfg.S3 != nil {
		t.Errorf("unexpected API/S3 defaults %+v %+v", cfg.API, cfg.S3)
	}
	if got := cfg.PollInterval(); got != 15*time.Minute {
		t.Errorf("PollInterval() = %s, want 15m", got)
	}
}

func TestLoadFrom_Overrides(t *testing.T) {
	cfg, err := LoadFrom(env(map[string]string{
		"SYNC_CONCURRENCY":           "4",
		"SYNC_EXCLUDE_PATHS":         "/Archive, /Templates/ ,",
		"SYNC_LEGACY_MATCH":          "true",
		"SYNC_PHASE_INTERVAL":        "5m",
		"SYNC_ELEVATION_STALE_AFTER": "3h",
		"REMOTE_CALL_TIMEOUT":        "45s",
		"REMOTE_RATE_LIMIT_RPS":      "2.5",
		"ALLOWED_ORIGINS":            "https://a.example,https://b.example",
		"S3_ENDPOINT":                "minio:9000",
		"AWS_ACCESS_KEY_ID":          "key",
		"AWS_SECRET_ACCESS_KEY":      "secret",
		"BUCKET_NAME":                "elevsync",
		"S3_USE_SSL":                 "false",
		"SYNC_FETCH_THUMBNAILS":      "1",
	}))
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.Sync.Concurrency != 4 || !cfg.Sync.LegacyMatch {
		t.Errorf("unexpected sync config %+v", cfg.Sync)
	}
	if want := []string{"/Archive", "/Templates/"}; !reflect.DeepEqual(cfg.Sync.ExcludePaths, want) {
		t.Errorf("ExcludePaths = %v, want %v", cfg.Sync.ExcludePaths, want)
	}
	if got := cfg.Sync.Schedules[models.LevelPhase].Interval; got != 5*time.Minute {
		t.Errorf("phase interval = %s", got)
	}
	if got := cfg.Sync.Schedules[models.LevelElevation].StaleAfter; got != 3*time.Hour {
		t.Errorf("elevation stale-after = %s", got)
	}
	if cfg.PollInterval() != 5*time.Minute {
		t.Errorf("PollInterval() = %s, want the shortest interval", cfg.PollInterval())
	}
	if cfg.Remote.CallTimeout != 45*time.Second || cfg.Remote.RateLimitRPS != 2.5 {
		t.Errorf("unexpected remote config %+v", cfg.Remote)
	}
	if len(cfg.API.AllowedOrigins) != 2 {
		t.Errorf("AllowedOrigins = %v", cfg.API.AllowedOrigins)
	}
	if cfg.S3 == nil || cfg.S3.UseSSL || cfg.S3.BucketName != "elevsync" {
		t.Errorf("unexpected S3 config %+v", cfg.S3)
	}
}

func TestLoadFrom_Invalid(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
		want string
	}{
		{"concurrency above max", map[string]string{"SYNC_CONCURRENCY": "9"}, "SYNC_CONCURRENCY"},
		{"concurrency zero", map[string]string{"SYNC_CONCURRENCY": "0"}, "SYNC_CONCURRENCY"},
		{"bad integer", map[string]string{"PARSE_BATCH_SIZE": "lots"}, "PARSE_BATCH_SIZE"},
		{"bad duration", map[string]string{"SYNC_FOLDER_INTERVAL": "often"}, "SYNC_FOLDER_INTERVAL"},
		{"bad bool", map[string]string{"WORKER_DRY_RUN": "maybe"}, "WORKER_DRY_RUN"},
		{"partial s3", map[string]string{"S3_ENDPOINT": "minio:9000"}, "AWS_ACCESS_KEY_ID"},
		{"thumbnails without s3", map[string]string{"SYNC_FETCH_THUMBNAILS": "true"}, "SYNC_FETCH_THUMBNAILS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom(env(tt.vars))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %s", err, tt.want)
			}
		})
	}
}

func TestRequireRemote(t *testing.T) {
	cfg, err := LoadFrom(env(map[string]string{"REMOTE_BASE_URL": "https://remote.example"}))
	if err != nil {
		t.Fatal(err)
	}
	err = cfg.RequireRemote()
	var missing *MissingError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingError, got %v", err)
	}
	if !reflect.DeepEqual(missing.Vars, []string{"REMOTE_USERNAME", "REMOTE_PASSWORD"}) {
		t.Errorf("missing = %v", missing.Vars)
	}
	if err := cfg.RequireDatabase(); err == nil {
		t.Error("expected DATABASE_URL to be required")
	}
}
