package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/facadeworks/elevsync/internal/api"
	"github.com/facadeworks/elevsync/internal/jobs"
	"github.com/facadeworks/elevsync/internal/logger"
	"github.com/facadeworks/elevsync/internal/ratelimit"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the trigger API",
	Long: `Serves the HTTP trigger API. Sync and parse requests are queued as
in-process jobs; only one sync runs at a time.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		runServer()
		return nil
	},
}

func runServer() {
	// Profiling stays off unless explicitly enabled.
	if os.Getenv("ENABLE_PPROF") == "true" {
		go startPprofServer()
	}

	// Configured via OTEL_SERVICE_NAME, OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_EXPORTER_OTLP_HEADERS
	otelShutdown, err := otelconfig.ConfigureOpenTelemetry()
	if err != nil {
		logger.Warn("failed to configure OpenTelemetry", "error", err)
	} else {
		defer otelShutdown()
	}

	cfg := loadConfig()
	a := newApp(cfg, true)
	defer a.Close()

	runner := jobs.NewRunner(context.Background(), jobs.DefaultRetain)

	limiter := ratelimit.NewInMemoryRateLimiter(cfg.API.RateLimitRPS, cfg.API.RateLimitBurst)
	defer limiter.Stop()

	if cfg.API.Token == "" {
		logger.Warn("trigger API is unauthenticated (TRIGGER_API_TOKEN not set)")
	}

	opts := api.Options{
		Token:          cfg.API.Token,
		AllowedOrigins: cfg.API.AllowedOrigins,
		Limiter:        limiter,
		Version:        version,
	}
	if a.objects != nil {
		opts.Thumbnails = a.objects
	}
	server := api.NewServer(a.db, a.scheduler, a.pipeline, runner, opts)
	router := server.SetupRoutes()

	handler := otelhttp.NewHandler(router, "elevsync-api")

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      handler,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.API.Port, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	// Running jobs are cancelled; a sync records its partial summary.
	if err := runner.Shutdown(ctx); err != nil {
		logger.Warn("jobs did not stop in time", "error", err)
	}

	logger.Info("server stopped")
}

func startPprofServer() {
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	logger.Info("pprof debug server starting", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("pprof server failed", "error", err)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
