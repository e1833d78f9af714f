package main

import (
	"errors"
	"math"
	"time"

	"github.com/facadeworks/elevsync/internal/artifact"
	"github.com/facadeworks/elevsync/internal/config"
	"github.com/facadeworks/elevsync/internal/db"
	"github.com/facadeworks/elevsync/internal/logger"
	"github.com/facadeworks/elevsync/internal/remote"
	"github.com/facadeworks/elevsync/internal/retry"
	"github.com/facadeworks/elevsync/internal/scheduler"
	"github.com/facadeworks/elevsync/internal/session"
	"github.com/facadeworks/elevsync/internal/storage"
	"github.com/facadeworks/elevsync/internal/treesync"
)

// sessionProbeAfter is how long a session may sit idle before the next
// navigation call first checks that it is still valid.
const sessionProbeAfter = 5 * time.Minute

// app is the wired set of components shared by the subcommands.
type app struct {
	cfg       *config.Config
	db        *db.DB
	objects   *storage.S3Storage
	pipeline  *artifact.Pipeline
	scheduler *scheduler.Scheduler
}

// loadConfig reads the environment and exits on malformed settings.
func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}
	return cfg
}

// newApp connects the database and object storage and builds the pipeline.
// withRemote also builds the scheduler, which needs remote credentials.
func newApp(cfg *config.Config, withRemote bool) *app {
	requireConfig(cfg.RequireDatabase())
	if withRemote {
		requireConfig(cfg.RequireRemote())
	}

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}
	a := &app{cfg: cfg, db: database}

	if cfg.S3 != nil {
		a.objects, err = storage.NewS3Storage(*cfg.S3)
		if err != nil {
			logger.Fatal("failed to initialize storage", "error", err)
		}
		logger.Info("object storage configured", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.BucketName)
	} else {
		logger.Info("object storage disabled (S3_ENDPOINT not set)")
	}

	pipelineOpts := []artifact.Option{artifact.WithMaxBytes(cfg.Artifact.MaxBytes)}
	if a.objects != nil {
		pipelineOpts = append(pipelineOpts, artifact.WithArchive(a.objects))
	}
	a.pipeline = artifact.NewPipeline(database, pipelineOpts...)

	if withRemote {
		a.scheduler = a.newScheduler()
	}
	return a
}

func (a *app) newScheduler() *scheduler.Scheduler {
	cfg := a.cfg

	var clientOpts []remote.ClientOption
	if rps := cfg.Remote.RateLimitRPS; rps > 0 {
		clientOpts = append(clientOpts, remote.WithRateLimit(rps, int(math.Ceil(rps))))
	}
	client := remote.NewClient(cfg.Remote.BaseURL, clientOpts...)

	newSession := func(name string) *session.Manager {
		return session.New(client, session.Config{
			Username:    cfg.Remote.Username,
			Password:    cfg.Remote.Password,
			Name:        name,
			CallTimeout: cfg.Remote.CallTimeout,
			ProbeAfter:  sessionProbeAfter,
			Retry:       retry.Default(),
		})
	}

	var fetcher treesync.Fetcher
	if cfg.Sync.FetchArtifacts {
		fetcherOpts := []artifact.FetcherOption{artifact.WithThumbnails(cfg.Sync.FetchThumbnails)}
		if a.objects != nil {
			fetcherOpts = append(fetcherOpts, artifact.WithObjectStore(a.objects))
		}
		fetcher = artifact.NewFetcher(a.db, cfg.Artifact.Dir, fetcherOpts...)
	}

	syncer := treesync.New(a.db, newSession, treesync.Config{
		MaxDepth:     cfg.Sync.MaxDepth,
		ExcludePaths: cfg.Sync.ExcludePaths,
		LegacyMatch:  cfg.Sync.LegacyMatch,
		Fetcher:      fetcher,
	})

	logger.Info("sync configuration",
		"concurrency", cfg.Sync.Concurrency,
		"max_depth", cfg.Sync.MaxDepth,
		"exclude_paths", cfg.Sync.ExcludePaths,
		"legacy_match", cfg.Sync.LegacyMatch,
		"fetch_artifacts", cfg.Sync.FetchArtifacts,
		"fetch_thumbnails", cfg.Sync.FetchThumbnails,
	)

	return scheduler.New(a.db, newSession, syncer, scheduler.Config{
		Concurrency:  cfg.Sync.Concurrency,
		ExcludePaths: cfg.Sync.ExcludePaths,
		LegacyMatch:  cfg.Sync.LegacyMatch,
		Lock:         a.db,
	})
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		logger.Warn("failed to close database", "error", err)
	}
}

// requireConfig exits when required settings are missing.
func requireConfig(err error) {
	if err == nil {
		return
	}
	var missing *config.MissingError
	if errors.As(err, &missing) {
		logger.Fatal("missing required env var", "var", missing.Vars)
	}
	logger.Fatal("invalid configuration", "error", err)
}
