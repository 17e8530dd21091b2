package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/transitpulse/punctuality-service/internal/aggregate"
	"github.com/transitpulse/punctuality-service/internal/collector"
	"github.com/transitpulse/punctuality-service/internal/common/config"
	"github.com/transitpulse/punctuality-service/internal/common/db"
	"github.com/transitpulse/punctuality-service/internal/common/logger"
	"github.com/transitpulse/punctuality-service/internal/configstore"
	"github.com/transitpulse/punctuality-service/internal/feed"
	"github.com/transitpulse/punctuality-service/internal/metrics"
	"github.com/transitpulse/punctuality-service/internal/publisher"
	"github.com/transitpulse/punctuality-service/internal/speed"
	"github.com/transitpulse/punctuality-service/internal/store"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	log := logger.New(
		logger.ParseLogLevel(cfg.Logging.Level),
		logger.ConsoleWriter(),
		logger.FileWriter(cfg.Logging.FilePath),
	)

	log.Info("Punctuality service starting",
		"log_level", cfg.Logging.Level,
		"feed_url", cfg.Feed.BaseURL,
		"agency", cfg.Feed.Agency,
	)

	if err := cfg.Database.Validate(); err != nil {
		log.Fatal("Invalid database configuration", "error", err)
	}
	if err := cfg.Feed.Validate(); err != nil {
		log.Fatal("Invalid feed configuration", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(ctx, cfg.Database.ConnectionString(), log)
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}
	defer database.Close()

	st := store.New(database, log)

	configs := configstore.New(st, log)
	if err := configs.Reload(ctx); err != nil {
		log.Warn("Initial config load failed, running on defaults", "error", err)
	}
	settings := configs.Snapshot()
	log.Info("Runtime settings loaded",
		"collection_interval", settings.CollectionInterval.String(),
		"retention_days", settings.RetentionDays,
	)

	met := metrics.NewCollector()
	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		metricsSrv = met.Serve(cfg.Metrics.Addr)
		log.Info("Metrics server listening", "addr", cfg.Metrics.Addr)
	}

	var pub *publisher.Publisher
	if cfg.NATS.URL != "" {
		pub, err = publisher.New(cfg.NATS.URL, log, met)
		if err != nil {
			log.Fatal("Failed to connect to NATS", "error", err)
		}
		defer pub.Close()
	} else {
		log.Info("Live speed publishing disabled (no NATS URL provided)")
	}

	engine := aggregate.New(st, settings.Thresholds(), log)
	feedClient := feed.NewClient(cfg.Feed, log)

	var speedPub collector.SpeedPublisher
	if pub != nil {
		speedPub = pub
	}
	sched := collector.NewScheduler(
		log, cfg.Collector,
		feedClient, engine, st, configs,
		speed.NewEstimator(), speedPub, met,
	)
	if err := sched.Start(ctx); err != nil {
		log.Fatal("Failed to start collection scheduler", "error", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutdown signal received")

	sched.Stop()
	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("Metrics server shutdown failed", "error", err)
		}
	}

	log.Info("Punctuality service stopped")
}
