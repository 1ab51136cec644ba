package ingestion

import (
	"fmt"
	"strings"
	"time"

	"github.com/synaptica-ai/curation/pkg/common/models"
	"gorm.io/datatypes"
)

type SourceRowRequest struct {
	PatientID string                 `json:"patient_id"`
	SourceID  string                 `json:"source_id"`
	Priority  *int64                 `json:"priority"`
	Values    map[string]interface{} `json:"values"`
	EventDate string                 `json:"event_date,omitempty"`
}

type SourceBatchRequest struct {
	Records []SourceRowRequest `json:"records"`
}

func (r SourceBatchRequest) ToRows() ([]SourceRow, error) {
	rows := make([]SourceRow, 0, len(r.Records))
	for i, rec := range r.Records {
		date, err := parseOptionalDate(rec.EventDate)
		if err != nil {
			return nil, ValidationError{reason: fmt.Errorf("record %d: %w", i+1, err)}
		}
		rows = append(rows, SourceRow{
			PatientID: rec.PatientID,
			SourceID:  rec.SourceID,
			Priority:  rec.Priority,
			Values:    datatypes.JSONMap(rec.Values),
			EventDate: date,
		})
	}
	return rows, nil
}

type EventRequest struct {
	PatientID   string                 `json:"patient_id"`
	EventDate   string                 `json:"event_date"`
	Code        string                 `json:"code"`
	Terminology string                 `json:"terminology,omitempty"`
	SourceID    string                 `json:"source_id,omitempty"`
	Values      map[string]interface{} `json:"values,omitempty"`
}

type EventBatchRequest struct {
	Events []EventRequest `json:"events"`
}

func (r EventBatchRequest) ToRows() ([]EventRow, error) {
	rows := make([]EventRow, 0, len(r.Events))
	for i, ev := range r.Events {
		date, err := parseOptionalDate(ev.EventDate)
		if err != nil {
			return nil, ValidationError{reason: fmt.Errorf("event %d: %w", i+1, err)}
		}
		rows = append(rows, EventRow{
			PatientID:   ev.PatientID,
			EventDate:   date,
			Code:        ev.Code,
			Terminology: ev.Terminology,
			SourceID:    ev.SourceID,
			Values:      datatypes.JSONMap(ev.Values),
		})
	}
	return rows, nil
}

// parseOptionalDate reads a day-first date; blank is nil.
func parseOptionalDate(value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	t, err := models.ParseDate(value)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", value, err)
	}
	return &t, nil
}
