package models

import (
	"sort"
	"time"

	"gopkg.in/guregu/null.v3"
)

// SourceRecord is one row per (patient, source) for a single asset.
type SourceRecord struct {
	PatientID string                 `json:"patient_id"`
	SourceID  string                 `json:"source_id"`
	Priority  null.Int               `json:"priority"`
	Values    map[string]null.String `json:"values"`
	EventDate null.Time              `json:"event_date"`
}

// Value returns the value of column, null when the column is absent.
func (r SourceRecord) Value(column string) null.String {
	if r.Values == nil {
		return null.String{}
	}
	return r.Values[column]
}

// LongFormatTable holds every source's contribution for one asset. Several
// records may share a patient id, one per contributing source.
type LongFormatTable struct {
	Asset        string         `json:"asset"`
	ValueColumns []string       `json:"value_columns"`
	Records      []SourceRecord `json:"records"`
}

func (t LongFormatTable) HasColumn(name string) bool {
	for _, c := range t.ValueColumns {
		if c == name {
			return true
		}
	}
	return false
}

// GroupByPatient returns patient ids in first-appearance order together with
// each patient's records in input order.
func (t LongFormatTable) GroupByPatient() ([]string, map[string][]SourceRecord) {
	order := make([]string, 0)
	groups := make(map[string][]SourceRecord)
	for _, rec := range t.Records {
		if _, seen := groups[rec.PatientID]; !seen {
			order = append(order, rec.PatientID)
		}
		groups[rec.PatientID] = append(groups[rec.PatientID], rec)
	}
	return order, groups
}

// PatientIDs lists distinct patient ids in first-appearance order.
func (t LongFormatTable) PatientIDs() []string {
	order, _ := t.GroupByPatient()
	return order
}

// SortByPrecedence orders records by ascending priority, then source id.
// Records without a priority sort last. The sort is stable so duplicate
// (priority, source) pairs keep their input order.
func SortByPrecedence(records []SourceRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return Precedes(records[i].Priority, records[i].SourceID, records[j].Priority, records[j].SourceID)
	})
}

// Precedes reports whether (pa, sa) ranks ahead of (pb, sb).
func Precedes(pa null.Int, sa string, pb null.Int, sb string) bool {
	switch {
	case pa.Valid && !pb.Valid:
		return true
	case !pa.Valid && pb.Valid:
		return false
	case pa.Valid && pb.Valid && pa.Int64 != pb.Int64:
		return pa.Int64 < pb.Int64
	}
	return sa < sb
}

// ConflictSource is one (source, value, priority) observation behind a conflict.
type ConflictSource struct {
	SourceID string   `json:"source_id"`
	Value    string   `json:"value"`
	Priority null.Int `json:"priority"`
}

// ConflictRecord lists the distinct non-null values a patient has for one
// column across sources. Values are ordered by the precedence of the first
// source that reported them.
type ConflictRecord struct {
	PatientID string           `json:"patient_id"`
	Column    string           `json:"column"`
	Values    []string         `json:"values"`
	Sources   []ConflictSource `json:"sources"`
}

// ResolvedRecord is the single record selected for a patient.
type ResolvedRecord struct {
	PatientID string                    `json:"patient_id"`
	SourceID  string                    `json:"source_id"`
	Priority  int64                     `json:"priority"`
	Values    map[string]null.String    `json:"values"`
	EventDate null.Time                 `json:"event_date"`
	Warning   *AmbiguousPriorityWarning `json:"warning,omitempty"`
}

func (r ResolvedRecord) Value(column string) null.String {
	if r.Values == nil {
		return null.String{}
	}
	return r.Values[column]
}

// SourceValue is a (patient, source, column, value) triple.
type SourceValue struct {
	PatientID string `json:"patient_id"`
	SourceID  string `json:"source_id"`
	Column    string `json:"column"`
	Value     string `json:"value"`
}

// EventRecord is a dated clinical event. Name is attached by the code-matching
// step and is empty for unmatched codes.
type EventRecord struct {
	PatientID   string                 `json:"patient_id"`
	EventDate   time.Time              `json:"event_date"`
	Code        string                 `json:"code"`
	Terminology string                 `json:"terminology,omitempty"`
	Name        string                 `json:"name,omitempty"`
	SourceID    string                 `json:"source_id,omitempty"`
	Values      map[string]interface{} `json:"values,omitempty"`
}

func (e EventRecord) Dated() bool {
	return !e.EventDate.IsZero()
}

// IndexedPatient is a cohort member anchored to its index date.
type IndexedPatient struct {
	PatientID   string      `json:"patient_id"`
	IndexDate   time.Time   `json:"index_date"`
	AgeAtIndex  null.Float  `json:"age_at_index"`
	DateOfBirth null.Time   `json:"date_of_birth"`
	Sex         null.String `json:"sex"`
	Ethnicity   null.String `json:"ethnicity"`
	LSOA        null.String `json:"lsoa"`
}

// WindowResult is the per-patient aggregation of one time window.
type WindowResult struct {
	PatientID   string                 `json:"patient_id"`
	Label       string                 `json:"label"`
	Count       int                    `json:"count"`
	HasEvent    bool                   `json:"has_event"`
	Earliest    null.Time              `json:"earliest"`
	Latest      null.Time              `json:"latest"`
	DaysToIndex null.Int               `json:"days_to_index"`
	Values      map[string]interface{} `json:"values,omitempty"`
}
