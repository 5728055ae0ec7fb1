package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"fermentation-monitor-backend/config"
	"fermentation-monitor-backend/internal/api"
	"fermentation-monitor-backend/internal/broker"
	"fermentation-monitor-backend/internal/commands"
	"fermentation-monitor-backend/internal/db"
	"fermentation-monitor-backend/internal/events"
	"fermentation-monitor-backend/internal/ingest"
	"fermentation-monitor-backend/internal/liveness"
	"fermentation-monitor-backend/internal/logging"
	"fermentation-monitor-backend/internal/metrics"
	"fermentation-monitor-backend/internal/notification"
	"fermentation-monitor-backend/internal/store"
	"fermentation-monitor-backend/internal/tsdb"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, "fermentd")
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck
	logger.Info("configuration loaded", zap.String("path", configPath))

	gormDB, err := db.Init(&cfg.Database, logger)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appStore := store.NewGormStore(gormDB)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.New(registry)

	opts := []ingest.Option{ingest.WithMetrics(appMetrics)}

	var webpushOptions *webpush.Options
	if cfg.Push.PublicKey != "" && cfg.Push.PrivateKey != "" {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		alerts := notification.NewWorkerPool(cfg.WorkerPool.Size, gormDB, webpushOptions, logger)
		alerts.Start(ctx)
		opts = append(opts, ingest.WithAlerter(alerts))
	} else {
		logger.Warn("vapid keys are not configured; push alerts are disabled")
	}

	if cfg.Redis.Enabled {
		rdb, err := events.NewClient(ctx, cfg.Redis)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer rdb.Close()
		opts = append(opts, ingest.WithSinks(events.NewStreamSink(rdb, cfg.Redis.Stream)))
		logger.Info("publishing readings to redis stream", zap.String("stream", cfg.Redis.Stream))
	}

	if cfg.InfluxDB.Enabled {
		sink, err := tsdb.Connect(cfg.InfluxDB, logger)
		if err != nil {
			logger.Fatal("failed to connect to influxdb", zap.Error(err))
		}
		defer sink.Close()
		opts = append(opts, ingest.WithSinks(sink))
	}

	ingestSvc := ingest.NewService(appStore, logger, opts...)

	monitor := liveness.NewMonitor(appStore, cfg.Liveness, logger, appMetrics)
	if err := monitor.Start(ctx); err != nil {
		logger.Fatal("failed to start liveness monitor", zap.Error(err))
	}

	if cfg.MQTT.Enabled {
		client, err := broker.Connect(cfg.MQTT, logger)
		if err != nil {
			logger.Fatal("failed to connect to mqtt broker", zap.Error(err))
		}
		defer client.Close()

		sub := broker.NewSubscriber(client, ingestSvc, cfg.MQTT.Namespace, cfg.MQTT.QoS, logger)
		if err := sub.Start(ctx); err != nil {
			logger.Fatal("failed to subscribe to sensor topics", zap.Error(err))
		}

		sender := commands.NewMQTTSender(client, cfg.MQTT.Namespace, cfg.MQTT.QoS)
		publisher := commands.NewPublisher(cfg.Commands, appStore, sender, logger, appMetrics)
		go publisher.Run(ctx)
	} else {
		logger.Info("mqtt is disabled; commands are left for external publishers")
	}

	handler := api.NewHandler(appStore, ingestSvc, monitor, webpushOptions, logger)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewRouter(handler, cfg.Server, registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http server starting", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server stopped", zap.Error(err))
		}
	}()

	// Setup signal handling for graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Info("shutdown signal received, stopping services")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
		return
	}
	logger.Info("server gracefully stopped")
}
