package pipeline

import (
	"time"

	"github.com/synaptica-ai/curation/pkg/cohort"
	"github.com/synaptica-ai/curation/pkg/common/models"
	"github.com/synaptica-ai/curation/pkg/preprocess"
)

const (
	StageAsset   = "asset"
	StageFeature = "feature"
	StageSink    = "sink"
)

// Failure is one isolated failure. The rest of the run carried on without
// the named asset or feature.
type Failure struct {
	Stage string `json:"stage"`
	Name  string `json:"name"`
	Error string `json:"error"`
}

type AssetSummary struct {
	Name      string `json:"name"`
	Records   int    `json:"records"`
	Patients  int    `json:"patients"`
	Conflicts int    `json:"conflicts"`
	Ambiguous int    `json:"ambiguous"`
	Failed    bool   `json:"failed"`
}

type FeatureSummary struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Columns int    `json:"columns"`
	Failed  bool   `json:"failed"`
}

type Summary struct {
	RunID            string                 `json:"run_id"`
	Pipeline         string                 `json:"pipeline"`
	DryRun           bool                   `json:"dry_run"`
	StartedAt        time.Time              `json:"started_at"`
	FinishedAt       time.Time              `json:"finished_at"`
	Assets           []AssetSummary         `json:"assets"`
	MissingIndexDate int                    `json:"missing_index_date"`
	Cohort           cohort.ExclusionReport `json:"cohort"`
	Events           int                    `json:"events"`
	Preprocess       preprocess.Report      `json:"preprocess"`
	Features         []FeatureSummary       `json:"features"`
	FeatureRows      int                    `json:"feature_rows"`
	Failures         []Failure              `json:"failures,omitempty"`
}

func (s *Summary) fail(stage, name string, err error) {
	s.Failures = append(s.Failures, Failure{Stage: stage, Name: name, Error: err.Error()})
}

// Succeeded reports whether nothing failed, sinks included.
func (s *Summary) Succeeded() bool {
	return len(s.Failures) == 0
}

// Result carries the computed tables of one run.
type Result struct {
	Resolved  map[string][]models.ResolvedRecord `json:"resolved"`
	Conflicts map[string][]models.ConflictRecord `json:"conflicts"`
	Cohort    *cohort.CohortTable                `json:"cohort"`
	Features  *models.Table                      `json:"features"`
}
