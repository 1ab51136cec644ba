package reconcile

import (
	"github.com/synaptica-ai/curation/pkg/common/models"
)

// SourceCoverage counts how completely a source fills one column.
type SourceCoverage struct {
	SourceID string `json:"source_id"`
	Column   string `json:"column"`
	Rows     int    `json:"rows"`
	Patients int    `json:"patients"`
	NonNull  int    `json:"non_null"`
	Null     int    `json:"null"`
}

// Coverage reports per-source, per-column fill rates. Null values are counted
// separately rather than dropped.
func Coverage(table models.LongFormatTable) []SourceCoverage {
	sources := orderedSources(table.Records)
	type key struct{ source, column string }
	stats := make(map[key]*SourceCoverage)
	patients := make(map[string]map[string]struct{})

	for _, src := range sources {
		patients[src] = make(map[string]struct{})
		for _, col := range table.ValueColumns {
			stats[key{src, col}] = &SourceCoverage{SourceID: src, Column: col}
		}
	}
	for _, rec := range table.Records {
		patients[rec.SourceID][rec.PatientID] = struct{}{}
		for _, col := range table.ValueColumns {
			s := stats[key{rec.SourceID, col}]
			s.Rows++
			if rec.Value(col).Valid {
				s.NonNull++
			} else {
				s.Null++
			}
		}
	}

	out := make([]SourceCoverage, 0, len(stats))
	for _, src := range sources {
		for _, col := range table.ValueColumns {
			s := stats[key{src, col}]
			s.Patients = len(patients[src])
			out = append(out, *s)
		}
	}
	return out
}
