package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewired-gh/pricealert/internal/confidence"
	"github.com/rewired-gh/pricealert/internal/config"
	"github.com/rewired-gh/pricealert/internal/detector"
	"github.com/rewired-gh/pricealert/internal/evaluator"
	"github.com/rewired-gh/pricealert/internal/logger"
	"github.com/rewired-gh/pricealert/internal/marketdata"
	"github.com/rewired-gh/pricealert/internal/publish"
	"github.com/rewired-gh/pricealert/internal/storage"
	"github.com/rewired-gh/pricealert/internal/telegram"
	"github.com/rewired-gh/pricealert/internal/volume"
)

// volumeRetention bounds how long hourly volume records are kept in SQLite.
const volumeRetention = 48 * time.Hour

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	scoreItem  = flag.Int("score", 0, "Print the confidence score for one item id and exit")
)

// volumeBackend is the store the gate reads and the refresher writes.
type volumeBackend interface {
	volume.Store
	volume.Writer
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	client := marketdata.NewClient(marketdata.Options{
		BaseURL:         cfg.MarketData.BaseURL,
		UserAgent:       cfg.MarketData.UserAgent,
		Timeout:         cfg.MarketData.Timeout,
		RequestsPerSec:  cfg.MarketData.RequestsPerSec,
		MaxRetries:      cfg.MarketData.MaxRetries,
		MaxRetryElapsed: cfg.MarketData.MaxRetryElapsed,
	})

	if *scoreItem > 0 {
		os.Exit(runScore(client, *scoreItem, cfg.MarketData.Timestep))
	}

	store, err := storage.New(cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	var volumes volumeBackend = store
	if cfg.Volume.Backend == "redis" {
		rs := volume.NewRedisStore(cfg.Volume.RedisAddr, cfg.Volume.RedisPassword, cfg.Volume.RedisDB)
		pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
		err := rs.Ping(pingCtx)
		cancelPing()
		if err != nil {
			logger.Fatal("Failed to connect to redis at %s: %v", cfg.Volume.RedisAddr, err)
		}
		defer rs.Close() //nolint:errcheck
		volumes = rs
		logger.Info("Using redis volume store at %s", cfg.Volume.RedisAddr)
	}
	refresher := volume.NewRefresher(client, volumes, cfg.Volume.RefreshInterval)

	var notifiers []evaluator.Notifier

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		notifiers = append(notifiers, telegramClient)
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	if cfg.NATS.Enabled {
		publisher, err := publish.NewPublisher(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			logger.Fatal("Failed to connect to NATS: %v", err)
		}
		defer publisher.Close()
		notifiers = append(notifiers, publisher)
		logger.Info("Publishing trigger events to NATS subject %s", cfg.NATS.Subject)
	}

	eval := evaluator.New(evaluator.Deps{
		Prices:    client,
		Alerts:    store,
		States:    store,
		Gate:      volume.NewGate(volumes),
		Scores:    client,
		Notifiers: notifiers,
	}, evaluator.Config{
		Workers:            cfg.Engine.Workers,
		FetchTimeout:       cfg.MarketData.Timeout,
		HistoryMaxAge:      cfg.Engine.HistoryMaxAge,
		CheckpointInterval: cfg.Engine.CheckpointInterval,
		ScoreTriggers:      cfg.Engine.ScoreTriggers,
		ScoreLimit:         cfg.Engine.ScoreLimit,
		ScoreTimestep:      cfg.MarketData.Timestep,
		Params: detector.Params{
			Alpha:           cfg.Engine.Alpha,
			HighWaterWindow: cfg.Engine.HighWaterWindow,
			RelVolWindow:    cfg.Engine.RelativeVolumeWindow,
		},
	})
	eval.Restore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	if cfg.Metrics.Enabled {
		srv := startMetricsServer(cfg.Metrics.ListenAddr)
		defer func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Failed to stop metrics server: %v", err)
			}
		}()
	}

	var (
		lastMu     sync.Mutex
		lastReport evaluator.Report
	)
	if telegramClient != nil {
		telegramClient.SetStatusFunc(func() string {
			lastMu.Lock()
			defer lastMu.Unlock()
			if lastReport.CycleID == "" {
				return "No cycle has completed yet"
			}
			return formatStatus(lastReport)
		})
		telegramClient.ListenForCommands(ctx)
	}

	logger.Info("Starting price alert service (interval: %v, workers: %d, volume backend: %s)",
		cfg.MarketData.PollInterval,
		cfg.Engine.Workers,
		cfg.Volume.Backend,
	)

	ticker := time.NewTicker(cfg.MarketData.PollInterval)
	defer ticker.Stop()

	consecutiveFailures := 0

	handleCycleResult := func(err error) {
		if err != nil {
			consecutiveFailures++
			logger.Error("Evaluation cycle failed: %v", err)
			if consecutiveFailures == 1 && telegramClient != nil {
				if sendErr := telegramClient.SendError(err); sendErr != nil {
					logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
				}
			}
		} else {
			if consecutiveFailures > 0 && telegramClient != nil {
				if sendErr := telegramClient.SendRecovery(consecutiveFailures); sendErr != nil {
					logger.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
				}
			}
			consecutiveFailures = 0
		}
	}

	runCycle := func() {
		refreshVolumes(ctx, refresher, store, cfg.Volume.Backend)
		report := eval.RunCycle(ctx, time.Now())
		lastMu.Lock()
		lastReport = report
		lastMu.Unlock()
		handleCycleResult(report.FetchErr)
	}

	logger.Debug("Running initial evaluation cycle")
	runCycle()

	for {
		select {
		case <-ctx.Done():
			eval.Shutdown()
			logger.Info("Service stopped")
			return

		case <-ticker.C:
			logger.Debug("Starting scheduled evaluation cycle")
			runCycle()
		}
	}
}

func refreshVolumes(ctx context.Context, refresher *volume.Refresher, store *storage.Storage, backend string) {
	n, err := refresher.MaybeRefresh(ctx, time.Now())
	if err != nil {
		logger.Warn("Volume refresh failed: %v", err)
		return
	}
	if n == 0 || backend != "sqlite" {
		return
	}
	if pruned, err := store.PruneVolumes(ctx, time.Now().Add(-volumeRetention)); err != nil {
		logger.Warn("Failed to prune volumes: %v", err)
	} else if pruned > 0 {
		logger.Debug("Pruned %d volume records", pruned)
	}
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Serving metrics on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed: %v", err)
		}
	}()
	return srv
}

func formatStatus(r evaluator.Report) string {
	status := "ok"
	if r.FetchErr != nil {
		status = "failed: " + r.FetchErr.Error()
	}
	return fmt.Sprintf("Last cycle %s (%s, %v)\nevaluated=%d triggered=%d deactivated=%d notified=%d errors=%d stale=%d",
		r.CycleID, status, r.Duration.Round(time.Millisecond),
		r.Evaluated, r.Triggered, r.Deactivated, r.Notified, r.Errors, r.Stale)
}

func runScore(client *marketdata.Client, itemID int, timestep string) int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	points, err := client.FetchHistoricalSeries(ctx, itemID, timestep)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to fetch timeseries: %v\n", err)
		return 1
	}
	br := confidence.Compute(points)
	fmt.Printf("item %d (%s, %d buckets): score %.1f\n", itemID, timestep, br.Buckets, br.Score)
	fmt.Printf("  trend %.3f  pressure %.3f  spread %.3f  volume %.3f  stability %.3f\n",
		br.Trend, br.Pressure, br.Spread, br.Volume, br.Stability)
	return 0
}
