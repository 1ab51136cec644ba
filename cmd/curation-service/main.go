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
	"github.com/synaptica-ai/curation/pkg/api"
	"github.com/synaptica-ai/curation/pkg/codelist"
	"github.com/synaptica-ai/curation/pkg/common/config"
	"github.com/synaptica-ai/curation/pkg/common/database"
	"github.com/synaptica-ai/curation/pkg/common/kafka"
	"github.com/synaptica-ai/curation/pkg/common/logger"
	"github.com/synaptica-ai/curation/pkg/ingestion"
	"github.com/synaptica-ai/curation/pkg/observability/metrics"
	"github.com/synaptica-ai/curation/pkg/pipeline"
	"github.com/synaptica-ai/curation/pkg/storage"
	"github.com/synaptica-ai/curation/pkg/temporal"
)

func main() {
	logger.Init()
	cfg := config.Load()

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}
	defer database.ClosePostgres()

	repo := ingestion.NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate ingestion tables")
	}
	runs := storage.NewRunRepository(db)
	if err := runs.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate run tables")
	}

	features := storage.NewFeatureStore(database.GetRedis(), cfg.FeatureTTL, cfg.FeatureCacheTTL)
	defer database.CloseRedis()

	producer := kafka.NewProducer(cfg.CurationTopic)
	defer producer.Close()

	codes, err := codelist.Load(cfg.CodeListPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load code list")
	}

	svc := ingestion.NewService(ingestion.NewValidator(cfg.AllowedSources), repo, producer, cfg.IngestionStatusTTL)
	engine := temporal.NewEngine(temporal.WithWorkers(cfg.WindowWorkers))

	opts := []api.Option{
		api.WithCodeList(codes),
		api.WithFeatures(features),
		api.WithRuns(runs),
		api.WithTemporalEngine(engine),
	}
	if cfg.PipelineConfig != "" {
		def, err := pipeline.LoadDefinition(cfg.PipelineConfig, engine.Registry())
		if err != nil {
			logger.Log.WithError(err).Fatal("invalid pipeline definition")
		}
		opts = append(opts, api.WithTrigger(func(ctx context.Context, dryRun bool) (*pipeline.Summary, error) {
			runner := pipeline.NewRunner(svc,
				pipeline.WithCodeList(codes),
				pipeline.WithTemporalEngine(engine),
				pipeline.WithResultSink(runs),
				pipeline.WithFeatureSink(features),
				pipeline.WithPublisher(producer),
				pipeline.WithWorkers(cfg.AssetWorkers),
				pipeline.WithDryRun(dryRun),
			)
			summary, _, err := runner.Run(ctx, def)
			return summary, err
		}))
		logger.Log.WithField("pipeline", def.Name).Info("pipeline definition loaded")
	}

	router := mux.NewRouter()
	router.Use(api.Logging)
	router.Use(api.Recovery)
	router.Use(api.CORS)
	router.Use(api.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	router.Use(api.BodyLimit(cfg.MaxRequestBody))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := router.PathPrefix("/api/v1").Subrouter()
	ingestion.NewHTTPHandler(svc, cfg.MaxRequestBody).Register(v1)
	api.NewHandler(opts...).Register(v1)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Curation Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	go func() {
		ticker := time.NewTicker(12 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := svc.Cleanup(ctx); err != nil {
					logger.Log.WithError(err).Warn("cleanup job failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Curation Service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Curation Service stopped")
}
