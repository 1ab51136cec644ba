package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/synaptica-ai/curation/pkg/common/kafka"
	"github.com/synaptica-ai/curation/pkg/common/logger"
	"github.com/synaptica-ai/curation/pkg/common/models"
	"github.com/synaptica-ai/curation/pkg/ingestion"
	"github.com/synaptica-ai/curation/pkg/pipeline"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Re-run the pipeline whenever new data for it is ingested",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s := loadSettings()
		w, err := wire(s, false)
		if err != nil {
			return err
		}
		defer w.close()

		consumer := kafka.NewConsumer(s.env.CurationTopic, viper.GetString("group"), ingestion.EventIngested)
		defer consumer.Close()

		t := &trigger{def: w.def, run: w.runner.Run, log: logger.Component("watch")}
		t.log.WithField("pipeline", w.def.Name).Info("watching for ingested data")
		err = consumer.Consume(ctx, t.handle)
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func init() {
	watchCmd.Flags().String("group", "", "consumer group (default: $KAFKA_GROUP_ID)")
	_ = viper.BindPFlag("group", watchCmd.Flags().Lookup("group"))
}

type runFunc func(ctx context.Context, def pipeline.Definition) (*pipeline.Summary, *pipeline.Result, error)

// trigger runs the pipeline for ingestion events that touch it. Events
// published before the last run started are already covered by that run.
type trigger struct {
	def     pipeline.Definition
	run     runFunc
	lastRun time.Time
	log     *logrus.Entry
}

func (t *trigger) handle(ctx context.Context, event models.Event) error {
	if !relevant(t.def, event) {
		return nil
	}
	if !t.lastRun.IsZero() && event.Timestamp.Before(t.lastRun) {
		t.log.WithField("event_id", event.ID).Debug("ingestion already covered by the last run")
		return nil
	}

	started := time.Now().UTC()
	summary, _, err := t.run(ctx, t.def)
	if err != nil {
		return err
	}
	t.lastRun = started
	t.log.WithFields(logrus.Fields{
		"run_id":   summary.RunID,
		"trigger":  event.ID,
		"failures": len(summary.Failures),
	}).Info("pipeline re-run completed")
	return nil
}

// relevant reports whether event imported events or one of def's assets.
func relevant(def pipeline.Definition, event models.Event) bool {
	if event.Type != ingestion.EventIngested {
		return false
	}
	if kind, _ := event.Data["kind"].(string); kind == ingestion.KindEvent {
		return true
	}
	asset, _ := event.Data["asset"].(string)
	for _, a := range def.Assets {
		if a.Name == asset {
			return true
		}
	}
	return false
}
