package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/aluiziolira/go-scrape-manga/config"
	"github.com/aluiziolira/go-scrape-manga/metrics"
	"github.com/aluiziolira/go-scrape-manga/models"
	"github.com/aluiziolira/go-scrape-manga/pipeline"
	"github.com/aluiziolira/go-scrape-manga/scraper"
	"github.com/aluiziolira/go-scrape-manga/session"
	"github.com/aluiziolira/go-scrape-manga/storage"
	"github.com/aluiziolira/go-scrape-manga/supervisor"
)

type options struct {
	envFile        string
	verbose        bool
	metricsAddr    string
	groupSize      int
	manifestFile   string
	manifestFormat string
	maxRestarts    int
}

func main() {
	if err := newRootCmd(&options{}).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scraper",
		Short: "Crawl the catalogue and download every item's images",
		Long: `scraper logs in to the catalogue, walks every listing page linked
from the front page and stores each item's metadata and images under
SAVE_TO_DIR. Files already downloaded in full are skipped, so runs can be
repeated. Configuration comes from the environment and an optional .env file.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file to read configuration from")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose logging")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")
	flags.IntVar(&opts.groupSize, "group-size", 0, "Concurrent tasks per batch")
	flags.StringVar(&opts.manifestFile, "manifest", "", "Download manifest path (empty disables it)")
	flags.StringVar(&opts.manifestFormat, "manifest-format", "", "Manifest format: csv, json, or dual")
	flags.IntVar(&opts.maxRestarts, "max-restarts", -1, "Give up after this many restarts (0 = never)")
	return cmd
}

func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("verbose") {
		cfg.Verbose = opts.verbose
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = opts.metricsAddr
	}
	if flags.Changed("group-size") {
		cfg.GroupSize = opts.groupSize
	}
	if flags.Changed("manifest") {
		cfg.ManifestFile = opts.manifestFile
	}
	if flags.Changed("manifest-format") {
		cfg.ManifestFormat = strings.ToLower(opts.manifestFormat)
	}
	if flags.Changed("max-restarts") {
		cfg.MaxRestarts = opts.maxRestarts
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cmd *cobra.Command, opts *options) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return err
	}

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	slog.Info("starting crawl",
		slog.String("base_url", cfg.BaseURL),
		slog.String("save_dir", cfg.SaveDir),
		slog.Int("group_size", cfg.GroupSize),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight work to finish")
	}()

	m := metrics.New()
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown failed", slog.Any("error", err))
			}
			cancel()
		}()
	}

	store := storage.NewOS()
	if err := store.MkdirAll(cfg.SaveDir); err != nil {
		slog.Error("creating save directory", slog.Any("error", err))
		return err
	}

	var manifest *pipeline.Manifest
	if cfg.ManifestFile != "" {
		writer, err := pipeline.NewWriter(store, cfg.ManifestFormat, cfg.ManifestFile)
		if err != nil {
			slog.Error("creating manifest writer", slog.Any("error", err))
			return err
		}
		manifest, err = pipeline.NewManifest(writer, cfg.DedupeMaxSize)
		if err != nil {
			writer.Close()
			slog.Error("creating manifest", slog.Any("error", err))
			return err
		}
	}

	client := session.NewClient(cfg, store, session.WithMetrics(m), session.WithLogger(logger))
	crawl := func(ctx context.Context) (*models.CrawlResult, error) {
		s, err := scraper.NewScraper(cfg, client, store,
			scraper.WithManifest(manifest),
			scraper.WithMetrics(m),
			scraper.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		return s.Crawl(ctx)
	}

	startTime := time.Now()
	sup := supervisor.New(cfg, client, crawl, supervisor.WithMetrics(m), supervisor.WithLogger(logger))
	result, restarts, runErr := sup.Run(ctx)

	if manifest != nil {
		if err := manifest.Close(); err != nil {
			slog.Error("manifest shutdown failed", slog.Any("error", err))
			if runErr == nil {
				runErr = err
			}
		}
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			slog.Info("crawl interrupted")
			return nil
		}
		slog.Error("crawl failed", slog.Any("error", runErr))
		return runErr
	}

	var stats *pipeline.Stats
	if manifest != nil {
		s := manifest.Stats()
		stats = &s
	}
	printSummary(result, restarts, time.Since(startTime), cfg.ManifestFile, stats)
	return nil
}

func printSummary(result *models.CrawlResult, restarts int, duration time.Duration, manifestFile string, stats *pipeline.Stats) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Crawl complete")

	fmt.Printf("  Run:           %s\n", result.RunID)
	fmt.Printf("  Pages:         %d\n", result.PageCount)
	fmt.Printf("  Items:         %d\n", result.ItemCount)
	fmt.Printf("  Downloaded:    %d (%s)\n", result.Downloaded, humanize.Bytes(uint64(result.Bytes)))
	fmt.Printf("  Skipped:       %d\n", result.Skipped)
	fmt.Printf("  Unavailable:   %d\n", result.Unavailable)
	fmt.Printf("  Restarts:      %d\n", restarts)
	if len(result.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %v\n", result.ErrorsByType)
	}
	fmt.Printf("  Duration:      %v\n", duration.Round(time.Millisecond))
	if stats != nil {
		fmt.Printf("  Manifest:      %s (%v)\n", manifestFile, stats.Recorded)
		if len(stats.Rejected) > 0 {
			fmt.Printf("  Rejected:      %v\n", stats.Rejected)
		}
	}
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
