package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/synaptica-ai/curation/pkg/pipeline"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrRunNotFound = errors.New("run not found")

const (
	RunSucceeded = "succeeded"
	RunPartial   = "partial"

	listLimit = 200
)

type Run struct {
	ID         string         `json:"id" gorm:"primaryKey;column:id"`
	Pipeline   string         `json:"pipeline" gorm:"column:pipeline;index"`
	Status     string         `json:"status" gorm:"column:status"`
	Cohort     int            `json:"cohort" gorm:"column:cohort"`
	Failures   int            `json:"failures" gorm:"column:failures"`
	Summary    datatypes.JSON `json:"summary" gorm:"column:summary"`
	StartedAt  time.Time      `json:"started_at" gorm:"column:started_at"`
	FinishedAt time.Time      `json:"finished_at" gorm:"column:finished_at"`
	CreatedAt  time.Time      `json:"created_at" gorm:"column:created_at"`
}

func (Run) TableName() string {
	return "curation_runs"
}

type ResolvedRow struct {
	ID        uint              `json:"id" gorm:"primaryKey;column:id"`
	RunID     string            `json:"run_id" gorm:"column:run_id;index:idx_resolved_run_asset"`
	Asset     string            `json:"asset" gorm:"column:asset;index:idx_resolved_run_asset"`
	PatientID string            `json:"patient_id" gorm:"column:patient_id"`
	SourceID  string            `json:"source_id" gorm:"column:source_id"`
	Priority  int64             `json:"priority" gorm:"column:priority"`
	Values    datatypes.JSONMap `json:"values" gorm:"column:values"`
	Ambiguous bool              `json:"ambiguous" gorm:"column:ambiguous"`
}

func (ResolvedRow) TableName() string {
	return "resolved_records"
}

type ConflictRow struct {
	ID        uint           `json:"id" gorm:"primaryKey;column:id"`
	RunID     string         `json:"run_id" gorm:"column:run_id;index"`
	Asset     string         `json:"asset" gorm:"column:asset"`
	PatientID string         `json:"patient_id" gorm:"column:patient_id"`
	Column    string         `json:"column" gorm:"column:value_column"`
	Values    datatypes.JSON `json:"values" gorm:"column:values"`
	Sources   datatypes.JSON `json:"sources" gorm:"column:sources"`
}

func (ConflictRow) TableName() string {
	return "conflict_records"
}

// RunRepository persists run summaries together with the resolved and
// conflicting records they produced.
type RunRepository struct {
	db *gorm.DB
}

func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

func (r *RunRepository) AutoMigrate() error {
	return r.db.AutoMigrate(&Run{}, &ResolvedRow{}, &ConflictRow{})
}

// SaveRun writes the run and its records in one transaction.
func (r *RunRepository) SaveRun(ctx context.Context, summary *pipeline.Summary, result *pipeline.Result) error {
	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	run := &Run{
		ID:         summary.RunID,
		Pipeline:   summary.Pipeline,
		Status:     RunSucceeded,
		Cohort:     summary.Cohort.Included,
		Failures:   len(summary.Failures),
		Summary:    datatypes.JSON(raw),
		StartedAt:  summary.StartedAt,
		FinishedAt: summary.FinishedAt,
		CreatedAt:  time.Now().UTC(),
	}
	if !summary.Succeeded() {
		run.Status = RunPartial
	}
	resolved, conflicts, err := recordRows(summary.RunID, result)
	if err != nil {
		return err
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		if len(resolved) > 0 {
			if err := tx.CreateInBatches(resolved, writeBatchSize).Error; err != nil {
				return err
			}
		}
		if len(conflicts) > 0 {
			if err := tx.CreateInBatches(conflicts, writeBatchSize).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func recordRows(runID string, result *pipeline.Result) ([]ResolvedRow, []ConflictRow, error) {
	if result == nil {
		return nil, nil, nil
	}
	var resolved []ResolvedRow
	for asset, records := range result.Resolved {
		for _, rec := range records {
			values := make(datatypes.JSONMap, len(rec.Values))
			for k, v := range rec.Values {
				if v.Valid {
					values[k] = v.String
				} else {
					values[k] = nil
				}
			}
			resolved = append(resolved, ResolvedRow{
				RunID:     runID,
				Asset:     asset,
				PatientID: rec.PatientID,
				SourceID:  rec.SourceID,
				Priority:  rec.Priority,
				Values:    values,
				Ambiguous: rec.Warning != nil,
			})
		}
	}
	var conflicts []ConflictRow
	for asset, records := range result.Conflicts {
		for _, c := range records {
			values, err := json.Marshal(c.Values)
			if err != nil {
				return nil, nil, err
			}
			sources, err := json.Marshal(c.Sources)
			if err != nil {
				return nil, nil, err
			}
			conflicts = append(conflicts, ConflictRow{
				RunID:     runID,
				Asset:     asset,
				PatientID: c.PatientID,
				Column:    c.Column,
				Values:    datatypes.JSON(values),
				Sources:   datatypes.JSON(sources),
			})
		}
	}
	return resolved, conflicts, nil
}

func (r *RunRepository) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	result := r.db.WithContext(ctx).First(&run, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	return &run, result.Error
}

// ListRuns returns the most recent runs, optionally for one pipeline.
func (r *RunRepository) ListRuns(ctx context.Context, pipelineName string) ([]Run, error) {
	var runs []Run
	tx := r.db.WithContext(ctx)
	if pipelineName != "" {
		tx = tx.Where("pipeline = ?", pipelineName)
	}
	if err := tx.Order("started_at desc").Limit(listLimit).Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// Conflicts lists a run's conflicts for one asset, or every asset when asset
// is empty.
func (r *RunRepository) Conflicts(ctx context.Context, runID, asset string) ([]ConflictRow, error) {
	var rows []ConflictRow
	tx := r.db.WithContext(ctx).Where("run_id = ?", runID)
	if asset != "" {
		tx = tx.Where("asset = ?", asset)
	}
	err := tx.Order("asset, patient_id, id").Find(&rows).Error
	return rows, err
}
