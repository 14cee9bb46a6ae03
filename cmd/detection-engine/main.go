// Command detection-engine runs the adaptive threat detection service: the
// HTTP API, the Kafka ingestion consumer, the correlation sweeper, the
// retraining scheduler and the baseline snapshotter.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sentrasec/detection-engine/config"
	httpdelivery "github.com/sentrasec/detection-engine/delivery/http"
	"github.com/sentrasec/detection-engine/domain/entity"
	"github.com/sentrasec/detection-engine/infrastructure/alerting"
	"github.com/sentrasec/detection-engine/infrastructure/baseline"
	"github.com/sentrasec/detection-engine/infrastructure/cache"
	"github.com/sentrasec/detection-engine/infrastructure/correlation"
	"github.com/sentrasec/detection-engine/infrastructure/database"
	"github.com/sentrasec/detection-engine/infrastructure/feature"
	"github.com/sentrasec/detection-engine/infrastructure/learning"
	"github.com/sentrasec/detection-engine/infrastructure/messaging"
	"github.com/sentrasec/detection-engine/infrastructure/scoring"
	"github.com/sentrasec/detection-engine/pkg/logging"
	"github.com/sentrasec/detection-engine/pkg/metrics"
	"github.com/sentrasec/detection-engine/pkg/shutdown"
	"github.com/sentrasec/detection-engine/usecase"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "detection-engine: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Cleanup()

	logger.Info("starting detection engine",
		logging.String("version", cfg.Service.Version),
		logging.String("environment", cfg.Service.Environment))

	collector := metrics.NewCollector(cfg.Service.Name)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	// Persistence.
	db, err := database.NewPostgresDB(cfg.Database.Postgres)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	if err := database.Migrate(startCtx, db); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}

	mongoDB, err := database.NewMongoDatabase(startCtx, cfg.Database.MongoDB)
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	eventRepo, err := database.NewMongoEventRepository(startCtx, mongoDB, cfg.Database.MongoDB, collector, logger)
	if err != nil {
		return fmt.Errorf("init event store: %w", err)
	}

	redisClient, err := cache.NewRedisClient(startCtx, cfg.Cache.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	incidentRepo := database.NewIncidentRepository(db, collector, logger)
	alertRepo := database.NewAlertRepository(db, collector, logger)
	modelRepo := database.NewModelRepository(db, cfg.Learning, collector, logger)

	// Pipeline components.
	extractor := feature.NewExtractor()
	publisher := messaging.NewKafkaPublisher(cfg.MessageQueue.Kafka, logger)

	controller := learning.NewController(modelRepo, publisher, cfg.Learning, extractor.Schema(), collector, logger)
	if err := controller.RestoreActive(startCtx, entity.ModelTypeThreatClassifier); err != nil {
		return fmt.Errorf("restore active model: %w", err)
	}

	baselines := baseline.NewStore(cfg.Baseline.Shards, len(extractor.Schema()), cfg.Baseline.HalfLife, collector, logger)
	snapshotter := cache.NewBaselineSnapshotter(redisClient, cfg.Cache.Redis, logger)
	if restored, err := snapshotter.Load(startCtx); err != nil {
		logger.Warn("baseline snapshot load failed, starting cold", logging.Error(err))
	} else {
		count := baselines.Restore(restored)
		logger.Info("baselines restored from snapshot", logging.Int("count", count))
	}

	scorer := scoring.NewEngine(controller, cfg.Scoring, logger)
	correlator := correlation.NewEngine(cfg.Correlation, cfg.Scoring.SeverityThresholds, incidentRepo, collector, logger)
	dispatcher := alerting.NewDispatcher(alertRepo, publisher, cfg.Alerting, collector, logger)

	detection := usecase.NewDetectionUseCase(cfg.Pipeline, eventRepo, extractor, scorer, baselines, correlator, dispatcher, collector, logger)
	incidents := usecase.NewIncidentUseCase(incidentRepo, correlator, logger)
	alerts := usecase.NewAlertUseCase(alertRepo, dispatcher)
	models := usecase.NewModelUseCase(controller, controller, modelRepo, eventRepo, baselines, extractor, logger)

	// Background workers.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	go correlator.RunSweeper(workerCtx)
	go snapshotter.Run(workerCtx, baselines.Snapshot)

	scheduler := learning.NewScheduler(controller, []string{entity.ModelTypeThreatClassifier}, cfg.Learning.CheckInterval, logger)
	go scheduler.Run(workerCtx)

	consumerDone := make(chan struct{})
	if cfg.MessageQueue.Kafka.IngestionEnabled {
		consumer := messaging.NewKafkaConsumer(cfg.MessageQueue.Kafka, detection, collector, logger)
		go func() {
			defer close(consumerDone)
			consumer.Run(workerCtx)
		}()
	} else {
		close(consumerDone)
	}

	// HTTP server.
	handlers := httpdelivery.NewHandlers(detection, incidents, alerts, models)
	server := httpdelivery.NewServer(*cfg, handlers, collector, logger, map[string]httpdelivery.ReadinessCheck{
		"postgres": func(ctx context.Context) error { return db.PingContext(ctx) },
		"mongodb":  func(ctx context.Context) error { return mongoDB.Client().Ping(ctx, nil) },
		"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Run()
	}()

	// Teardown order: stop accepting requests, drain workers, then close
	// stores and the notification producer.
	gs := shutdown.New(cfg.Server.ShutdownTimeout, logger.Logger)
	gs.AddHook(shutdown.Hook{
		Name:     "http-server",
		Priority: 10,
		Fn:       server.Shutdown,
	})
	gs.AddHook(shutdown.Hook{
		Name:     "workers",
		Priority: 20,
		Fn: func(ctx context.Context) error {
			cancelWorkers()
			select {
			case <-consumerDone:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
	gs.AddHook(shutdown.Hook{
		Name:     "kafka-publisher",
		Priority: 30,
		Fn:       func(context.Context) error { return publisher.Close() },
	})
	gs.AddHook(shutdown.Hook{
		Name:     "redis",
		Priority: 40,
		Fn:       func(context.Context) error { return redisClient.Close() },
	})
	gs.AddHook(shutdown.Hook{
		Name:     "postgres",
		Priority: 40,
		Fn:       func(context.Context) error { return db.Close() },
	})
	gs.AddHook(shutdown.Hook{
		Name:     "mongodb",
		Priority: 40,
		Fn:       func(ctx context.Context) error { return mongoDB.Client().Disconnect(ctx) },
	})
	gs.Listen()

	err = <-serverErr
	if err != nil {
		logger.Error("http server failed", logging.Error(err))
	}
	gs.Shutdown()
	gs.Wait()
	return err
}
