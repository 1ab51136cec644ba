package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/synaptica-ai/curation/pkg/common/database"
	"github.com/synaptica-ai/curation/pkg/common/kafka"
	"github.com/synaptica-ai/curation/pkg/common/logger"
	"github.com/synaptica-ai/curation/pkg/ingestion"
	"github.com/synaptica-ai/curation/pkg/pipeline"
	"github.com/synaptica-ai/curation/pkg/storage"
	"github.com/synaptica-ai/curation/pkg/temporal"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a pipeline definition once and print its summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		w, err := wire(loadSettings(), viper.GetBool("dry-run"))
		if err != nil {
			return err
		}
		defer w.close()

		summary, _, err := w.runner.Run(ctx, w.def)
		if summary != nil {
			if encErr := writeSummary(cmd, summary); encErr != nil {
				return encErr
			}
		}
		if err != nil {
			return err
		}
		if !summary.Succeeded() {
			return fmt.Errorf("run %s finished with %d failures", summary.RunID, len(summary.Failures))
		}
		return nil
	},
}

func init() {
	runCmd.Flags().Bool("dry-run", false, "compute everything but write nothing to Postgres, Redis or Kafka")
	runCmd.Flags().String("summary", "", "also write the run summary to this file")
	_ = viper.BindPFlag("dry-run", runCmd.Flags().Lookup("dry-run"))
	_ = viper.BindPFlag("summary", runCmd.Flags().Lookup("summary"))
}

// wired holds a runner and everything it holds open.
type wired struct {
	def    pipeline.Definition
	runner *pipeline.Runner
	closer []func() error
}

func (w *wired) close() {
	for i := len(w.closer) - 1; i >= 0; i-- {
		if err := w.closer[i](); err != nil {
			logger.Log.WithError(err).Warn("failed to release resource")
		}
	}
}

// wire connects the runner to Postgres as its source and, unless dryRun, to
// the run repository, the feature store and the curation topic.
func wire(s settings, dryRun bool) (*wired, error) {
	engine := temporal.NewEngine(temporal.WithWorkers(s.env.WindowWorkers))
	def, codes, err := s.load(engine)
	if err != nil {
		return nil, err
	}

	db, err := database.GetPostgres()
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	w := &wired{def: def, closer: []func() error{database.ClosePostgres}}
	svc := ingestion.NewService(ingestion.NewValidator(s.env.AllowedSources), ingestion.NewRepository(db), nil, s.env.IngestionStatusTTL)

	opts := []pipeline.Option{
		pipeline.WithCodeList(codes),
		pipeline.WithTemporalEngine(engine),
		pipeline.WithWorkers(s.workers),
		pipeline.WithDryRun(dryRun),
	}
	if !dryRun {
		runs := storage.NewRunRepository(db)
		if err := runs.AutoMigrate(); err != nil {
			w.close()
			return nil, fmt.Errorf("migrate run tables: %w", err)
		}
		producer := kafka.NewProducer(s.env.CurationTopic)
		w.closer = append(w.closer, database.CloseRedis, producer.Close)
		opts = append(opts,
			pipeline.WithResultSink(runs),
			pipeline.WithFeatureSink(storage.NewFeatureStore(database.GetRedis(), s.env.FeatureTTL, s.env.FeatureCacheTTL)),
			pipeline.WithPublisher(producer),
		)
	}
	w.runner = pipeline.NewRunner(svc, opts...)
	return w, nil
}

func writeSummary(cmd *cobra.Command, summary *pipeline.Summary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	if path := viper.GetString("summary"); path != "" {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}
	return nil
}
