package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/railsignal/fleet-sentinel/internal/config"
	"github.com/railsignal/fleet-sentinel/internal/domain"
	"github.com/railsignal/fleet-sentinel/internal/handlers"
	"github.com/railsignal/fleet-sentinel/internal/health"
	kafkaconsumer "github.com/railsignal/fleet-sentinel/internal/kafka"
	"github.com/railsignal/fleet-sentinel/internal/metrics"
	"github.com/railsignal/fleet-sentinel/internal/performance"
	"github.com/railsignal/fleet-sentinel/internal/pipeline"
	"github.com/railsignal/fleet-sentinel/internal/resilience"
	"github.com/railsignal/fleet-sentinel/internal/store"
	"github.com/railsignal/fleet-sentinel/internal/threat"
	"github.com/railsignal/fleet-sentinel/internal/thresholds"
	"github.com/railsignal/fleet-sentinel/internal/validation"
)

const serviceName = "fleet-sentinel"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := setupLogging(cfg)
	if err != nil {
		fmt.Printf("Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting fleet sentinel",
		zap.String("service", serviceName),
		zap.String("environment", cfg.Environment))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := domain.SystemClock

	// Stores: memory by default, redis when the deployment spans
	// multiple instances.
	var (
		redisClient      *redis.Client
		validatorHistory store.HistoryStore
		validatorRates   store.RateCounter
		threatHistory    store.HistoryStore
		threatRates      store.RateCounter
	)
	if cfg.Store.Backend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		defer redisClient.Close()

		validatorHistory = store.NewRedisHistoryStore(redisClient, "validator",
			cfg.Validator.HistoryLimit, cfg.Validator.HistoryMaxAge, clock)
		validatorRates = store.NewRedisRateCounter(redisClient, "validator", clock)
		threatHistory = store.NewRedisHistoryStore(redisClient, "threat",
			cfg.Threat.HistoryLimit, cfg.Threat.HistoryMaxAge, clock)
		threatRates = store.NewRedisRateCounter(redisClient, "threat", clock)
	} else {
		validatorHistory = store.NewMemoryHistoryStore(cfg.Validator.HistoryLimit, cfg.Validator.HistoryMaxAge, clock)
		validatorRates = store.NewMemoryRateCounter(clock)
		threatHistory = store.NewMemoryHistoryStore(cfg.Threat.HistoryLimit, cfg.Threat.HistoryMaxAge, clock)
		threatRates = store.NewMemoryRateCounter(clock)
	}

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	tracker := metrics.NewTracker(clock, nil)

	registry := thresholds.NewRegistry(domain.ModeNormal)

	validator := validation.NewValidator(cfg.Validator, logger.Named("validation"), clock, validatorHistory, validatorRates)
	threatMonitor := threat.NewMonitor(cfg.Threat, logger.Named("threat"), clock, threatHistory, threatRates)

	perfMonitor := performance.NewMonitor(cfg.Monitor, logger.Named("performance"), clock, registry, tracker)

	executor := resilience.NewExecutor(logger.Named("resilience"))

	ingestPipeline := pipeline.New(logger.Named("pipeline"), clock, validator, threatMonitor, tracker, collector)

	hub := handlers.NewHub(logger.Named("feed"), clock, collector)

	// Live feed and metrics wiring.
	threatMonitor.Subscribe(func(level domain.ThreatLevel) {
		collector.SetThreatLevel(level)
		hub.Broadcast(handlers.FeedThreatLevel, map[string]interface{}{"level": level})
	})
	threatMonitor.SubscribeEvents(func(event threat.SecurityEvent) {
		collector.ObserveThreatEvent(string(event.Type), event.Severity)
		hub.Broadcast(handlers.FeedSecurityEvent, event)
	})
	perfMonitor.Subscribe(func(alert performance.Alert) {
		collector.ObserveAlert(alert.Level, alert.Metric)
		hub.Broadcast(handlers.FeedAlert, alert)
	})

	probes := []health.Probe{
		health.NewIngestProbe(func() float64 {
			m, err := tracker.Current(ctx)
			if err != nil {
				return 0
			}
			return m.Throughput
		}, clock),
	}
	if redisClient != nil {
		probes = append(probes, health.NewRedisProbe(redisClient, clock))
	}

	var consumer *kafkaconsumer.Consumer
	if cfg.Kafka.Enabled {
		consumer = kafkaconsumer.NewConsumer(cfg.Kafka, logger.Named("kafka"), ingestPipeline, collector)
		probes = append(probes, health.NewLagProbe(consumer.Lag, 1000, 10000, clock))
	}

	aggregator := health.NewAggregator(cfg.Health, logger.Named("health"), clock, perfMonitor, executor, probes, nil)
	aggregator.Subscribe(func(report health.Report) {
		collector.SetHealthScore(report.Score)
	})

	httpHandler := handlers.NewHTTPHandler(logger.Named("http"), ingestPipeline, threatMonitor, perfMonitor, aggregator, registry, hub)
	router := mux.NewRouter()
	httpHandler.RegisterRoutes(router)
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	hub.Start(ctx)
	perfMonitor.Start(ctx)
	aggregator.Start(ctx)

	if consumer != nil {
		go func() {
			err := executor.Execute(ctx, "kafka-consume", resilience.BackgroundPolicy(), func(ctx context.Context) error {
				if err := consumer.Run(ctx); err != nil {
					return resilience.WithKind(err, resilience.KindConnection)
				}
				return nil
			})
			if err != nil && ctx.Err() == nil {
				logger.Error("kafka consumer stopped", zap.Error(err))
			}
		}()
	}

	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.HTTPPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", zap.Error(err))
			cancel()
		}
	}()

	// Wait for shutdown signal.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown failed", zap.Error(err))
	}

	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logger.Warn("kafka consumer close failed", zap.Error(err))
		}
	}

	aggregator.Stop()
	perfMonitor.Stop()
	hub.Stop()
	threatMonitor.Wait()

	logger.Info("fleet sentinel stopped")
}

// setupLogging builds the service logger from configuration.
func setupLogging(cfg config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Environment == "production" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
