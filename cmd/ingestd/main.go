// Package main is the entry point for ingestd.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hausdata/ingestd/internal/alert"
	"github.com/hausdata/ingestd/internal/buildinfo"
	"github.com/hausdata/ingestd/internal/config"
	"github.com/hausdata/ingestd/internal/connwatch"
	"github.com/hausdata/ingestd/internal/httpapi"
	"github.com/hausdata/ingestd/internal/httpkit"
	"github.com/hausdata/ingestd/internal/ingest"
	"github.com/hausdata/ingestd/internal/metrics"
	"github.com/hausdata/ingestd/internal/obs"
	"github.com/hausdata/ingestd/internal/pipeline"
	"github.com/hausdata/ingestd/internal/writer"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.Info() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
			return
		case "serve":
			runServe(logger, *configPath)
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
	}

	runServe(logger, *configPath)
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting ingestd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded", "path", cfgPath, "transport", cfg.Connection.Transport, "writer_url", cfg.Writer.URL)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	bus := obs.New()
	metricsReg := metrics.New()

	w := writer.New(cfg.Writer, bus, logger)

	alertEngine := alert.New(cfg.Alert, bus, logger)
	rules, err := alert.RulesFromConfig(cfg.Alert.Rules)
	if err != nil {
		logger.Error("invalid alert rule configuration", "error", err)
		os.Exit(1)
	}
	for _, r := range rules {
		alertEngine.AddRule(r)
	}
	if len(rules) > 0 {
		logger.Info("alert rules installed", "count", len(rules))
	}

	pl := pipeline.New(cfg.Pipeline, w, alertEngine, bus, logger)

	if cfg.Pipeline.EnrichmentURL != "" && cfg.Pipeline.EnrichmentAPIKey != "" {
		enricher := pipeline.NewWeatherEnricher(
			cfg.Pipeline.EnrichmentURL, cfg.Pipeline.EnrichmentAPIKey,
			cfg.Pipeline.EnrichmentLocation, cfg.Pipeline.EnrichmentTimeout, logger)
		pl.SetEnricher(pipeline.NewEnrichStage(
			enricher, cfg.Pipeline.EnrichmentTTL, cfg.Pipeline.EnrichmentCacheSize,
			cfg.Pipeline.EnrichmentRateLimit, cfg.Pipeline.EnrichmentTimeout,
			cfg.Pipeline.EnrichmentFallback))
		logger.Info("enrichment enabled", "provider", enricher.Name(), "url", cfg.Pipeline.EnrichmentURL)
	}

	mgr, err := ingest.New(cfg.Connection, bus, logger)
	if err != nil {
		logger.Error("failed to initialize connection manager", "error", err)
		os.Exit(1)
	}
	pl.SetRegistry(mgr.Registry().Lookup)

	watchers := connwatch.NewManager(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Writer.Configured() {
		if err := w.Connect(ctx); err != nil {
			logger.Warn("writer connect failed at startup, will retry in background", "error", err)
		}
		probeClient := httpkit.NewClient(httpkit.WithTimeout(cfg.Writer.WriteTimeout))
		watchers.Watch(ctx, connwatch.WatcherConfig{
			Name:     "timeseries_writer",
			Kind:     "database",
			Critical: true,
			Logger:   logger,
			Probe: func(pctx context.Context) error {
				req, err := http.NewRequestWithContext(pctx, http.MethodGet, cfg.Writer.URL+"/health", nil)
				if err != nil {
					return err
				}
				resp, err := probeClient.Do(req)
				if err != nil {
					return err
				}
				defer httpkit.DrainAndClose(resp.Body, 4096)
				if resp.StatusCode >= 500 {
					return fmt.Errorf("writer health endpoint returned %d", resp.StatusCode)
				}
				return nil
			},
		})
	} else {
		logger.Warn("writer not configured, points will be dropped")
	}

	pl.Start(ctx)
	alertEngine.Start()
	mgr.Start(ctx)
	go metricsReg.Observe(ctx, bus, metrics.StatsSource{Pipeline: pl, Writer: w, Alert: alertEngine}, 10*time.Second)

	go func() {
		for e := range mgr.Events() {
			if result := pl.Submit(e); result != pipeline.Queued {
				logger.Debug("event not queued", "result", result.String())
			}
		}
	}()

	httpSrv := httpapi.New(fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port), metricsReg, logger)
	httpSrv.RegisterCheck("connection_manager", func() httpapi.HealthReport {
		st := mgr.Status()
		if st.State != ingest.Subscribed && st.State != ingest.Authenticated {
			return httpapi.HealthReport{Healthy: false, Detail: st.LastError}
		}
		if st.IsSubscribed && st.EventRatePerMinute() == 0 {
			return httpapi.DegradedDetail("no events received since subscribing")
		}
		return httpapi.HealthReport{Healthy: true}
	})
	httpSrv.RegisterCheck("timeseries_writer", func() httpapi.HealthReport {
		if !w.Healthy() {
			return httpapi.HealthReport{Healthy: false, Detail: "circuit breaker open"}
		}
		if down, names := watchers.AnyCriticalDown(); down {
			return httpapi.HealthReport{Healthy: false, Detail: fmt.Sprintf("unreachable: %v", names)}
		}
		return httpapi.HealthReport{Healthy: true}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		mgr.Stop()
		alertEngine.Stop()
		pl.Stop()
		w.Flush()
		w.Disconnect()
		watchers.Stop()
		_ = httpSrv.Shutdown(context.Background())
	}()

	if err := httpSrv.Start(ctx); err != nil && ctx.Err() == nil {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("ingestd stopped")
}
