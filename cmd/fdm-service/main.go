package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/fdm/pkg/builds"
	"github.com/synaptica-ai/fdm/pkg/checkpoint"
	"github.com/synaptica-ai/fdm/pkg/common/config"
	"github.com/synaptica-ai/fdm/pkg/common/database"
	"github.com/synaptica-ai/fdm/pkg/common/kafka"
	"github.com/synaptica-ai/fdm/pkg/common/logger"
	"github.com/synaptica-ai/fdm/pkg/common/middleware"
	"github.com/synaptica-ai/fdm/pkg/observability/metrics"
	"github.com/synaptica-ai/fdm/pkg/pipeline"
	"github.com/synaptica-ai/fdm/pkg/runlog"
	"github.com/synaptica-ai/fdm/pkg/warehouse/driver"
)

func main() {
	logger.Init()
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw, closeWarehouse, err := driver.Open(ctx, cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to open warehouse")
	}
	defer closeWarehouse()

	runnerOpts := []pipeline.Option{
		pipeline.WithLogger(logger.WithField("service", "fdm-service")),
		pipeline.WithMetrics(metrics.New()),
		pipeline.WithConcurrency(cfg.BuildConcurrency),
		pipeline.WithReferenceYear(cfg.DateReferenceYear),
	}

	rdb, err := database.NewRedis(ctx, cfg)
	if err != nil {
		logger.Log.WithError(err).Warn("redis unavailable; table states will not be cached")
		rdb.Close()
	} else {
		defer rdb.Close()
		runnerOpts = append(runnerOpts, pipeline.WithStateStore(checkpoint.NewRedisStore(rdb, checkpoint.WithTTL(cfg.StateCacheTTL))))
	}

	var producer *kafka.Producer
	if cfg.KafkaEnabled {
		producer = kafka.NewProducer(cfg, cfg.BuildEventTopic)
		defer producer.Close()
		runnerOpts = append(runnerOpts, pipeline.WithPublisher(producer))
	}

	svcOpts := []builds.Option{builds.WithRunnerOptions(runnerOpts...)}
	if cfg.ManifestDir != "" {
		svcOpts = append(svcOpts, builds.WithManifestDir(cfg.ManifestDir))
	}
	if cfg.RunLogEnabled {
		db, err := database.GetPostgres()
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to connect to postgres")
		}
		defer database.ClosePostgres()
		repo := runlog.NewRepository(db)
		if err := repo.AutoMigrate(); err != nil {
			logger.Log.WithError(err).Fatal("failed to migrate run log tables")
		}
		svcOpts = append(svcOpts, builds.WithRunStore(repo))
	}
	svc := builds.NewService(gw, cfg.ManifestPath, svcOpts...)

	if cfg.KafkaEnabled {
		consumer := kafka.NewConsumer(cfg, cfg.BuildRequestTopic, cfg.KafkaGroupID)
		defer consumer.Close()
		go func() {
			if err := consumer.Consume(ctx, svc.HandleEvent); err != nil && ctx.Err() == nil {
				logger.Log.WithError(err).Fatal("consumer error")
			}
		}()
	}

	router := mux.NewRouter()
	router.Use(middleware.Recovery, middleware.Logging)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Ready(r.Context()); err != nil {
			logger.Log.WithError(err).Warn("readiness check failed")
			http.Error(w, `{"status":"not ready"}`, http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)

	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	builds.NewHTTPHandler(svc, cfg.MaxRequestBody).Register(router.PathPrefix("/api/v1").Subrouter())

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:     router,
		ReadTimeout: cfg.ReadTimeout,
		// Builds answer synchronously; the write deadline covers a whole run.
		WriteTimeout: cfg.WarehouseTimeout,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":      cfg.ServerHost,
			"port":      cfg.ServerPort,
			"warehouse": cfg.WarehouseDriver,
		}).Info("FDM Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down FDM Service...")
	cancel()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("FDM Service stopped")
}
