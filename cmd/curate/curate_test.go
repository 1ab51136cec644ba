package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/curation/pkg/common/models"
	"github.com/synaptica-ai/curation/pkg/ingestion"
	"github.com/synaptica-ai/curation/pkg/pipeline"
)

const definition = `
name: diabetes-study
assets:
  - name: dob
    value_columns: [dob]
demographics:
  date_of_birth: {asset: dob, column: dob}
index_date:
  fixed: "2024-01-01"
`

func ingested(kind, asset string, at time.Time) models.Event {
	return models.Event{
		ID:        "e-" + asset,
		Type:      ingestion.EventIngested,
		Timestamp: at,
		Data:      map[string]interface{}{"kind": kind, "asset": asset},
	}
}

func TestRelevant(t *testing.T) {
	def := pipeline.Definition{Assets: []pipeline.AssetDef{{Name: "dob"}}}
	now := time.Now()

	assert.True(t, relevant(def, ingested(ingestion.KindSource, "dob", now)))
	assert.True(t, relevant(def, ingested(ingestion.KindEvent, "", now)))
	assert.False(t, relevant(def, ingested(ingestion.KindSource, "ethnicity", now)))

	other := ingested(ingestion.KindEvent, "", now)
	other.Type = pipeline.EventRunCompleted
	assert.False(t, relevant(def, other))
}

func TestTrigger_SkipsCoveredEvents(t *testing.T) {
	runs := 0
	tr := &trigger{
		def: pipeline.Definition{Assets: []pipeline.AssetDef{{Name: "dob"}}},
		run: func(context.Context, pipeline.Definition) (*pipeline.Summary, *pipeline.Result, error) {
			runs++
			return &pipeline.Summary{RunID: "r"}, nil, nil
		},
		log: logrus.NewEntry(logrus.New()),
	}
	ctx := context.Background()

	require.NoError(t, tr.handle(ctx, ingested(ingestion.KindSource, "dob", time.Now().Add(-time.Minute))))
	assert.Equal(t, 1, runs)

	// published before the run above started
	require.NoError(t, tr.handle(ctx, ingested(ingestion.KindSource, "dob", time.Now().Add(-time.Hour))))
	assert.Equal(t, 1, runs)

	require.NoError(t, tr.handle(ctx, ingested(ingestion.KindSource, "dob", time.Now().Add(time.Minute))))
	assert.Equal(t, 2, runs)

	require.NoError(t, tr.handle(ctx, ingested(ingestion.KindSource, "sex", time.Now().Add(time.Hour))))
	assert.Equal(t, 2, runs)
}

func TestTrigger_FailedRunIsRetried(t *testing.T) {
	tr := &trigger{
		def: pipeline.Definition{Assets: []pipeline.AssetDef{{Name: "dob"}}},
		run: func(context.Context, pipeline.Definition) (*pipeline.Summary, *pipeline.Result, error) {
			return nil, nil, errors.New("postgres unavailable")
		},
		log: logrus.NewEntry(logrus.New()),
	}

	err := tr.handle(context.Background(), ingested(ingestion.KindSource, "dob", time.Now()))
	assert.Error(t, err)
	assert.True(t, tr.lastRun.IsZero())
}

func TestValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(definition), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"validate", "--config", path})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), `pipeline "diabetes-study" is valid: 1 assets`)
}

func TestValidateCommand_NoDefinition(t *testing.T) {
	t.Setenv("PIPELINE_CONFIG", "")

	rootCmd.SetArgs([]string{"validate", "--config", ""})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no pipeline definition")
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "curate dev\n", out.String())
}
