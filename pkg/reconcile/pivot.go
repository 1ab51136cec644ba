package reconcile

import (
	"context"
	"sort"

	"github.com/synaptica-ai/curation/pkg/common/models"
	"gopkg.in/guregu/null.v3"
)

// WideColumn describes one {source}_{column} column of a WideTable.
type WideColumn struct {
	Name        string `json:"name"`
	SourceID    string `json:"source_id"`
	ValueColumn string `json:"value_column"`
}

// WideTable has one row per patient and one column per (source, value column)
// pair seen anywhere in the input.
type WideTable struct {
	Table   *models.Table `json:"table"`
	Columns []WideColumn  `json:"columns"`
}

// PivotWideBySource spreads each source's values into its own columns. Pairs
// a patient lacks are null. When a source reports a patient more than once the
// first row wins. An empty valueColumns selects every value column.
func (e *Engine) PivotWideBySource(ctx context.Context, table models.LongFormatTable, valueColumns []string) (*WideTable, error) {
	if len(valueColumns) == 0 {
		valueColumns = table.ValueColumns
	}
	if err := requireColumns(table, valueColumns); err != nil {
		return nil, err
	}

	sources := orderedSources(table.Records)
	columns := make([]WideColumn, 0, len(sources)*len(valueColumns))
	names := make([]string, 0, cap(columns))
	taken := make(map[string]struct{}, cap(columns))
	for _, src := range sources {
		for _, col := range valueColumns {
			wc := WideColumn{Name: src + "_" + col, SourceID: src, ValueColumn: col}
			if _, dup := taken[wc.Name]; dup {
				return nil, models.NewConfigurationError(wc.Name, "wide column name produced by more than one (source, column) pair")
			}
			taken[wc.Name] = struct{}{}
			columns = append(columns, wc)
			names = append(names, wc.Name)
		}
	}

	wide := &WideTable{Table: models.NewTable(names...), Columns: columns}
	order, groups := table.GroupByPatient()
	for i, patientID := range order {
		if err := checkContext(ctx, i); err != nil {
			return nil, err
		}
		cells := make(map[string]interface{})
		filled := make(map[string]struct{})
		for _, rec := range groups[patientID] {
			if _, done := filled[rec.SourceID]; done {
				continue
			}
			filled[rec.SourceID] = struct{}{}
			for _, col := range valueColumns {
				cells[rec.SourceID+"_"+col] = cellValue(rec.Value(col))
			}
		}
		wide.Table.Upsert(patientID, cells)
	}
	return wide, nil
}

// UnpivotWide turns a WideTable back into (patient, source, column, value)
// triples, skipping nulls.
func UnpivotWide(wide *WideTable) []models.SourceValue {
	if wide == nil || wide.Table == nil {
		return nil
	}
	var out []models.SourceValue
	for _, row := range wide.Table.Rows {
		for _, col := range wide.Columns {
			v, ok := row.Values[col.Name].(string)
			if !ok {
				continue
			}
			out = append(out, models.SourceValue{
				PatientID: row.PatientID,
				SourceID:  col.SourceID,
				Column:    col.ValueColumn,
				Value:     v,
			})
		}
	}
	return out
}

func cellValue(v null.String) interface{} {
	if !v.Valid {
		return nil
	}
	return v.String
}

// orderedSources lists source ids by their best priority, then id.
func orderedSources(records []models.SourceRecord) []string {
	best := make(map[string]null.Int)
	for _, rec := range records {
		cur, seen := best[rec.SourceID]
		if !seen || models.Precedes(rec.Priority, rec.SourceID, cur, rec.SourceID) {
			best[rec.SourceID] = rec.Priority
		}
	}
	sources := make([]string, 0, len(best))
	for s := range best {
		sources = append(sources, s)
	}
	sort.Slice(sources, func(i, j int) bool {
		return models.Precedes(best[sources[i]], sources[i], best[sources[j]], sources[j])
	})
	return sources
}
