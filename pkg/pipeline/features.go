package pipeline

import (
	"time"

	"github.com/synaptica-ai/curation/pkg/common/models"
)

// ExtractFeatures flattens a feature table row into the map stored per
// patient. Dates are rendered as YYYY-MM-DD and null cells are dropped.
func ExtractFeatures(runID string, row models.Row) map[string]interface{} {
	features := map[string]interface{}{
		"patient_id": row.PatientID,
		"run_id":     runID,
	}
	for col, v := range row.Values {
		switch value := v.(type) {
		case nil:
			continue
		case time.Time:
			features[col] = value.Format(models.DateLayout)
		default:
			features[col] = value
		}
	}
	return features
}

func filterByName(events []models.EventRecord, names []string) []models.EventRecord {
	if len(names) == 0 {
		return events
	}
	keep := make(map[string]struct{}, len(names))
	for _, n := range names {
		keep[n] = struct{}{}
	}
	out := make([]models.EventRecord, 0, len(events))
	for _, ev := range events {
		if _, ok := keep[ev.Name]; ok {
			out = append(out, ev)
		}
	}
	return out
}
