package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	runsStarted        atomic.Int64
	runsFailed         atomic.Int64
	assetsReconciled   atomic.Int64
	assetsFailed       atomic.Int64
	conflictsDetected  atomic.Int64
	ambiguousPriority  atomic.Int64
	cohortIncluded     atomic.Int64
	cohortExcluded     atomic.Int64
	featuresComputed   atomic.Int64
	featuresFailed     atomic.Int64
	featureRowsWritten atomic.Int64
)

func RunStarted() { runsStarted.Add(1) }

func RunFailed() { runsFailed.Add(1) }

func ObserveAsset(conflicts, ambiguous int, failed bool) {
	if failed {
		assetsFailed.Add(1)
		return
	}
	assetsReconciled.Add(1)
	conflictsDetected.Add(int64(conflicts))
	ambiguousPriority.Add(int64(ambiguous))
}

// ObserveCohort records the latest cohort size; it is a gauge, not a total.
func ObserveCohort(included, excluded int) {
	cohortIncluded.Store(int64(included))
	cohortExcluded.Store(int64(excluded))
}

func ObserveFeature(failed bool) {
	if failed {
		featuresFailed.Add(1)
		return
	}
	featuresComputed.Add(1)
}

func ObserveFeatureRows(n int) {
	featureRowsWritten.Add(int64(n))
}

type metric struct {
	name, help, kind string
	value            *atomic.Int64
}

var exported = []metric{
	{"curation_runs_started_total", "Pipeline runs started.", "counter", &runsStarted},
	{"curation_runs_failed_total", "Pipeline runs that aborted.", "counter", &runsFailed},
	{"curation_assets_reconciled_total", "Assets reconciled successfully.", "counter", &assetsReconciled},
	{"curation_assets_failed_total", "Assets whose reconciliation failed.", "counter", &assetsFailed},
	{"curation_conflicts_detected_total", "Patient-level conflicts between sources.", "counter", &conflictsDetected},
	{"curation_ambiguous_priority_total", "Resolutions where sources tied on priority disagreed.", "counter", &ambiguousPriority},
	{"curation_cohort_included", "Patients included in the latest cohort.", "gauge", &cohortIncluded},
	{"curation_cohort_excluded", "Patients excluded from the latest cohort.", "gauge", &cohortExcluded},
	{"curation_features_computed_total", "Feature sets computed successfully.", "counter", &featuresComputed},
	{"curation_features_failed_total", "Feature sets that failed.", "counter", &featuresFailed},
	{"curation_feature_rows_written_total", "Patient feature rows written to the online store.", "counter", &featureRowsWritten},
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	for _, m := range exported {
		fmt.Fprintf(w, "# HELP %s %s\n", m.name, m.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", m.name, m.kind)
		fmt.Fprintf(w, "%s %d\n", m.name, m.value.Load())
	}
}

func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WritePrometheus(w)
	})
}
