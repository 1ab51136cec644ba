package reconcile

import (
	"context"
	"sort"

	"github.com/synaptica-ai/curation/pkg/common/models"
	"gopkg.in/guregu/null.v3"
)

// ResolveHighestPriority selects one record per patient: lowest priority
// value first, then source id ascending. Every patient in the input appears
// exactly once in the output, in first-appearance order.
//
// When sources tied on the winning priority disagree on a non-null value, the
// winner carries an AmbiguousPriorityWarning and the tie is logged.
func (e *Engine) ResolveHighestPriority(ctx context.Context, table models.LongFormatTable) ([]models.ResolvedRecord, error) {
	for _, rec := range table.Records {
		if !rec.Priority.Valid {
			return nil, models.NewConfigurationError("priority",
				"missing for patient %s source %s in asset %q", rec.PatientID, rec.SourceID, table.Asset)
		}
	}

	order, groups := table.GroupByPatient()
	resolved := make([]models.ResolvedRecord, 0, len(order))
	ambiguous := 0
	for i, patientID := range order {
		if err := checkContext(ctx, i); err != nil {
			return nil, err
		}
		candidates := make([]models.SourceRecord, len(groups[patientID]))
		copy(candidates, groups[patientID])
		models.SortByPrecedence(candidates)

		winner := candidates[0]
		record := models.ResolvedRecord{
			PatientID: patientID,
			SourceID:  winner.SourceID,
			Priority:  winner.Priority.Int64,
			Values:    copyValues(winner.Values),
			EventDate: winner.EventDate,
		}
		if warning := ambiguity(patientID, table.ValueColumns, candidates); warning != nil {
			record.Warning = warning
			ambiguous++
			e.log.WithFields(map[string]interface{}{
				"asset":      table.Asset,
				"patient_id": patientID,
				"priority":   warning.Priority,
				"sources":    warning.SourceIDs,
				"columns":    warning.Columns,
			}).Warn("sources share priority but disagree")
		}
		resolved = append(resolved, record)
	}

	e.log.WithFields(map[string]interface{}{
		"asset":     table.Asset,
		"patients":  len(resolved),
		"ambiguous": ambiguous,
	}).Debug("priority resolution completed")
	return resolved, nil
}

// ambiguity inspects the candidates tied with the winner. candidates must be
// sorted by precedence.
func ambiguity(patientID string, columns []string, candidates []models.SourceRecord) *models.AmbiguousPriorityWarning {
	top := candidates[0].Priority.Int64
	var tied []models.SourceRecord
	for _, c := range candidates {
		if c.Priority.Int64 != top {
			break
		}
		tied = append(tied, c)
	}
	if len(tied) < 2 {
		return nil
	}

	var disputed []string
	for _, col := range columns {
		var first null.String
		for _, c := range tied {
			v := c.Value(col)
			if !v.Valid {
				continue
			}
			if !first.Valid {
				first = v
				continue
			}
			if v.String != first.String {
				disputed = append(disputed, col)
				break
			}
		}
	}
	if len(disputed) == 0 {
		return nil
	}

	sourceSet := make(map[string]struct{})
	for _, c := range tied {
		sourceSet[c.SourceID] = struct{}{}
	}
	sources := make([]string, 0, len(sourceSet))
	for s := range sourceSet {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	return &models.AmbiguousPriorityWarning{
		PatientID: patientID,
		Priority:  top,
		SourceIDs: sources,
		Columns:   disputed,
	}
}

func copyValues(values map[string]null.String) map[string]null.String {
	out := make(map[string]null.String, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
