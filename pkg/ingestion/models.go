package ingestion

import (
	"time"

	"gorm.io/datatypes"
)

const (
	StatusAccepted  = "accepted"
	StatusStored    = "stored"
	StatusPublished = "published"
	StatusFailed    = "failed"
)

const (
	KindSource = "source"
	KindEvent  = "event"
)

// SourceRow is one source's contribution to an asset for one patient.
type SourceRow struct {
	ID        uint              `json:"id" gorm:"primaryKey;column:id"`
	BatchID   string            `json:"batch_id" gorm:"column:batch_id;index"`
	Asset     string            `json:"asset" gorm:"column:asset;index:idx_source_asset_patient"`
	PatientID string            `json:"patient_id" gorm:"column:patient_id;index:idx_source_asset_patient"`
	SourceID  string            `json:"source_id" gorm:"column:source_id"`
	Priority  *int64            `json:"priority" gorm:"column:priority"`
	Values    datatypes.JSONMap `json:"values" gorm:"column:values"`
	EventDate *time.Time        `json:"event_date,omitempty" gorm:"column:event_date"`
	CreatedAt time.Time         `json:"created_at" gorm:"column:created_at"`
}

func (SourceRow) TableName() string {
	return "source_records"
}

// EventRow is a coded clinical event.
type EventRow struct {
	ID          uint              `json:"id" gorm:"primaryKey;column:id"`
	BatchID     string            `json:"batch_id" gorm:"column:batch_id;index"`
	PatientID   string            `json:"patient_id" gorm:"column:patient_id;index"`
	EventDate   *time.Time        `json:"event_date,omitempty" gorm:"column:event_date"`
	Code        string            `json:"code" gorm:"column:code"`
	Terminology string            `json:"terminology" gorm:"column:terminology"`
	SourceID    string            `json:"source_id" gorm:"column:source_id"`
	Values      datatypes.JSONMap `json:"values,omitempty" gorm:"column:values"`
	CreatedAt   time.Time         `json:"created_at" gorm:"column:created_at"`
}

func (EventRow) TableName() string {
	return "clinical_events"
}

// Batch tracks one import request.
type Batch struct {
	ID          string     `json:"id" gorm:"primaryKey;column:id"`
	Kind        string     `json:"kind" gorm:"column:kind"`
	Asset       string     `json:"asset,omitempty" gorm:"column:asset"`
	Rows        int        `json:"rows" gorm:"column:rows"`
	Status      string     `json:"status" gorm:"column:status"`
	Error       string     `json:"error,omitempty" gorm:"column:error"`
	CreatedAt   time.Time  `json:"created_at" gorm:"column:created_at"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"column:updated_at"`
	LastAttempt *time.Time `json:"last_attempt,omitempty" gorm:"column:last_attempt"`
}

func (Batch) TableName() string {
	return "ingestion_batches"
}
