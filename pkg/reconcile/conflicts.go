package reconcile

import (
	"context"

	"github.com/synaptica-ai/curation/pkg/common/models"
)

// DetectConflicts returns one ConflictRecord per patient holding at least two
// distinct non-null values of keyColumn. Nulls never count as a value.
func (e *Engine) DetectConflicts(ctx context.Context, table models.LongFormatTable, keyColumn string) ([]models.ConflictRecord, error) {
	if keyColumn == "" {
		return nil, models.NewConfigurationError("key_column", "required")
	}
	if err := requireColumns(table, []string{keyColumn}); err != nil {
		return nil, err
	}

	order, groups := table.GroupByPatient()
	conflicts := make([]models.ConflictRecord, 0)
	for i, patientID := range order {
		if err := checkContext(ctx, i); err != nil {
			return nil, err
		}
		if conflict, ok := conflictFor(patientID, keyColumn, groups[patientID]); ok {
			conflicts = append(conflicts, conflict)
		}
	}

	e.log.WithFields(map[string]interface{}{
		"asset":     table.Asset,
		"column":    keyColumn,
		"patients":  len(order),
		"conflicts": len(conflicts),
	}).Debug("conflict detection completed")
	return conflicts, nil
}

func conflictFor(patientID, column string, records []models.SourceRecord) (models.ConflictRecord, bool) {
	candidates := make([]models.SourceRecord, len(records))
	copy(candidates, records)
	models.SortByPrecedence(candidates)

	var (
		values  []string
		sources []models.ConflictSource
		seen    = make(map[string]struct{})
	)
	for _, rec := range candidates {
		v := rec.Value(column)
		if !v.Valid {
			continue
		}
		sources = append(sources, models.ConflictSource{SourceID: rec.SourceID, Value: v.String, Priority: rec.Priority})
		if _, dup := seen[v.String]; dup {
			continue
		}
		seen[v.String] = struct{}{}
		values = append(values, v.String)
	}
	if len(values) < 2 {
		return models.ConflictRecord{}, false
	}
	return models.ConflictRecord{
		PatientID: patientID,
		Column:    column,
		Values:    values,
		Sources:   sources,
	}, true
}
