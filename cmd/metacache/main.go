// Command metacache is a merge-aware metadata cache server for media
// catalogue records.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/strmkit/metacache/server"
	"github.com/strmkit/metacache/telemetry"
)

var version = "dev"

var cli struct {
	Address        string        `help:"Address to listen on." default:":8080"`
	DBPath         string        `help:"Path to the bbolt database file." default:"./metacache.db" name:"db-path"`
	AuthToken      string        `help:"Bearer token for API authentication (empty disables auth)." env:"METACACHE_AUTH_TOKEN"`
	MemoryCapacity int           `help:"Memory cache entry limit." default:"500"`
	FlushDelay     time.Duration `help:"How long queued writes coalesce before a batch flush." default:"50ms"`
	SeriesTTL      time.Duration `help:"Time-to-live for series records." default:"720h" name:"series-ttl"`
	MovieTTL       time.Duration `help:"Time-to-live for old-release movie records." default:"720h" name:"movie-ttl"`
	ReapInterval   time.Duration `help:"How often expired records are purged from the store." default:"6h"`
	NoSync         bool          `help:"Disable per-transaction fsync (faster, unsafe on crash)."`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export (empty disables)." name:"otlp-endpoint"`
	Prometheus   bool   `help:"Enable the Prometheus /metrics endpoint."`

	LogLevel  string           `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
	LogFormat string           `help:"Log format (text, json)." default:"text" enum:"text,json"`
	Version   kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("metacache"),
		kong.Description("Merge-aware metadata cache server."),
		kong.Vars{"version": version},
	)

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := newLogger()

	// Initialize metrics before any component records to them.
	metricsShutdown, err := telemetry.InitMetrics(context.Background(), telemetry.MetricsConfig{
		ServiceName:      "metacache",
		ServiceVersion:   version,
		OTLPEndpoint:     cli.OTLPEndpoint,
		EnablePrometheus: cli.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	srv, err := server.New(server.Config{
		Address:        cli.Address,
		DBPath:         cli.DBPath,
		AuthToken:      cli.AuthToken,
		MemoryCapacity: cli.MemoryCapacity,
		FlushDelay:     cli.FlushDelay,
		SeriesTTL:      cli.SeriesTTL,
		MovieTTL:       cli.MovieTTL,
		ReapInterval:   cli.ReapInterval,
		NoSync:         cli.NoSync,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Handle shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"version", version,
		"address", srv.Address(),
		"db_path", cli.DBPath,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return metricsShutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newLogger() *slog.Logger {
	var level slog.Level
	switch cli.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cli.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	}
	return slog.New(handler)
}
