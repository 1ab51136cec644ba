package models

import (
	"encoding/json"
	"sort"
	"time"
)

// Row is one patient's cells. A nil cell is null.
type Row struct {
	PatientID string
	Values    map[string]interface{}
}

// Table is a patient-keyed result table with an ordered column set. Every row
// carries every column; absent values are stored as nil.
type Table struct {
	Columns []string
	Rows    []Row
	index   map[string]int
}

func NewTable(columns ...string) *Table {
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &Table{Columns: cols, index: make(map[string]int)}
}

func (t *Table) Len() int {
	return len(t.Rows)
}

func (t *Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// AddColumn appends a column, filling existing rows with null.
func (t *Table) AddColumn(name string) {
	if t.HasColumn(name) {
		return
	}
	t.Columns = append(t.Columns, name)
	for _, row := range t.Rows {
		row.Values[name] = nil
	}
}

// Upsert merges values into the patient's row, creating it when missing.
// Unknown columns are ignored.
func (t *Table) Upsert(patientID string, values map[string]interface{}) {
	if t.index == nil {
		t.index = make(map[string]int)
	}
	pos, ok := t.index[patientID]
	if !ok {
		row := Row{PatientID: patientID, Values: make(map[string]interface{}, len(t.Columns))}
		for _, c := range t.Columns {
			row.Values[c] = nil
		}
		t.Rows = append(t.Rows, row)
		pos = len(t.Rows) - 1
		t.index[patientID] = pos
	}
	for k, v := range values {
		if _, known := t.Rows[pos].Values[k]; known {
			t.Rows[pos].Values[k] = v
		}
	}
}

func (t *Table) Row(patientID string) (Row, bool) {
	pos, ok := t.index[patientID]
	if !ok {
		return Row{}, false
	}
	return t.Rows[pos], true
}

// Value returns a cell; ok is false when the patient or column is unknown.
func (t *Table) Value(patientID, column string) (interface{}, bool) {
	row, ok := t.Row(patientID)
	if !ok {
		return nil, false
	}
	v, ok := row.Values[column]
	return v, ok
}

func (t *Table) PatientIDs() []string {
	ids := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		ids[i] = row.PatientID
	}
	return ids
}

// LeftJoin adds other's columns to t. Rows of t without a match keep nulls;
// rows only present in other are dropped.
func (t *Table) LeftJoin(other *Table) {
	if other == nil {
		return
	}
	for _, c := range other.Columns {
		t.AddColumn(c)
	}
	for _, row := range t.Rows {
		match, ok := other.Row(row.PatientID)
		if !ok {
			continue
		}
		for k, v := range match.Values {
			row.Values[k] = v
		}
	}
}

// Prefixed copies t with every column renamed to {prefix}_{column}.
func (t *Table) Prefixed(prefix string) *Table {
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = prefix + "_" + c
	}
	out := NewTable(cols...)
	for _, row := range t.Rows {
		values := make(map[string]interface{}, len(row.Values))
		for k, v := range row.Values {
			values[prefix+"_"+k] = v
		}
		out.Upsert(row.PatientID, values)
	}
	return out
}

func (t *Table) MarshalJSON() ([]byte, error) {
	rows := make([]map[string]interface{}, 0, len(t.Rows))
	for _, row := range t.Rows {
		out := make(map[string]interface{}, len(row.Values)+1)
		for k, v := range row.Values {
			if ts, ok := v.(time.Time); ok {
				v = ts.Format(DateLayout)
			}
			out[k] = v
		}
		out["patient_id"] = row.PatientID
		rows = append(rows, out)
	}
	return json.Marshal(map[string]interface{}{
		"columns": t.Columns,
		"rows":    rows,
	})
}

// IndexDates maps patients to their index date, preserving cohort order.
type IndexDates struct {
	order []string
	dates map[string]time.Time
}

// NewIndexDates builds the mapping in the given order. Later duplicates of a
// patient id overwrite the date but keep the first position.
func NewIndexDates(order []string, dates map[string]time.Time) IndexDates {
	d := IndexDates{dates: make(map[string]time.Time, len(dates))}
	for _, id := range order {
		date, ok := dates[id]
		if !ok {
			continue
		}
		if _, seen := d.dates[id]; !seen {
			d.order = append(d.order, id)
		}
		d.dates[id] = date
	}
	return d
}

// IndexDatesFromMap orders patients by id.
func IndexDatesFromMap(dates map[string]time.Time) IndexDates {
	order := make([]string, 0, len(dates))
	for id := range dates {
		order = append(order, id)
	}
	sort.Strings(order)
	return NewIndexDates(order, dates)
}

func FixedIndexDates(date time.Time, patientIDs []string) IndexDates {
	dates := make(map[string]time.Time, len(patientIDs))
	for _, id := range patientIDs {
		dates[id] = date
	}
	return NewIndexDates(patientIDs, dates)
}

func (d IndexDates) Get(patientID string) (time.Time, bool) {
	t, ok := d.dates[patientID]
	return t, ok
}

func (d IndexDates) PatientIDs() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

func (d IndexDates) Len() int {
	return len(d.order)
}
