package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/curation/pkg/common/logger"
	"github.com/synaptica-ai/curation/pkg/common/models"
	"gopkg.in/guregu/null.v3"
)

const EventIngested = "curation.source.ingested"

type Publisher interface {
	PublishEvent(ctx context.Context, eventType, source string, data map[string]interface{}) error
}

// Service stores source and event batches and serves them back to the
// curation pipeline as long-format tables and event records.
type Service struct {
	validator *Validator
	repo      *Repository
	publisher Publisher
	statusTTL time.Duration
}

func NewService(validator *Validator, repo *Repository, publisher Publisher, ttl time.Duration) *Service {
	return &Service{
		validator: validator,
		repo:      repo,
		publisher: publisher,
		statusTTL: ttl,
	}
}

// ImportSourceRows validates and stores one asset batch.
func (s *Service) ImportSourceRows(ctx context.Context, asset string, rows []SourceRow) (*Batch, error) {
	if err := s.validator.ValidateSourceRows(asset, rows); err != nil {
		return nil, err
	}
	batch := &Batch{ID: uuid.New().String(), Kind: KindSource, Asset: asset, Rows: len(rows), Status: StatusAccepted}
	if err := s.repo.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("persisting batch: %w", err)
	}
	for i := range rows {
		rows[i].BatchID = batch.ID
		rows[i].Asset = asset
	}
	if err := s.repo.InsertSourceRows(ctx, rows); err != nil {
		_ = s.repo.UpdateStatus(ctx, batch.ID, StatusFailed, err.Error())
		return nil, fmt.Errorf("storing source rows: %w", err)
	}
	return s.finish(ctx, batch)
}

func (s *Service) ImportEvents(ctx context.Context, rows []EventRow) (*Batch, error) {
	if err := s.validator.ValidateEvents(rows); err != nil {
		return nil, err
	}
	batch := &Batch{ID: uuid.New().String(), Kind: KindEvent, Rows: len(rows), Status: StatusAccepted}
	if err := s.repo.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("persisting batch: %w", err)
	}
	for i := range rows {
		rows[i].BatchID = batch.ID
	}
	if err := s.repo.InsertEvents(ctx, rows); err != nil {
		_ = s.repo.UpdateStatus(ctx, batch.ID, StatusFailed, err.Error())
		return nil, fmt.Errorf("storing events: %w", err)
	}
	return s.finish(ctx, batch)
}

// finish publishes the batch notification. The rows are already stored, so a
// publish failure only downgrades the batch status.
func (s *Service) finish(ctx context.Context, batch *Batch) (*Batch, error) {
	batch.Status = StatusStored
	if s.publisher != nil {
		err := s.publisher.PublishEvent(ctx, EventIngested, batch.Kind, map[string]interface{}{
			"batch_id": batch.ID,
			"kind":     batch.Kind,
			"asset":    batch.Asset,
			"rows":     batch.Rows,
		})
		if err != nil {
			logger.WithField("batch_id", batch.ID).WithError(err).Error("failed to publish ingestion event")
		} else {
			batch.Status = StatusPublished
		}
	}
	_ = s.repo.UpdateStatus(ctx, batch.ID, batch.Status, "")
	return batch, nil
}

func (s *Service) Status(ctx context.Context, id string) (*Batch, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) Cleanup(ctx context.Context) error {
	return s.repo.CleanupExpired(ctx, s.statusTTL)
}

func (s *Service) Assets(ctx context.Context) ([]string, error) {
	return s.repo.Assets(ctx)
}

// LoadAsset reads an asset as a long-format table restricted to
// valueColumns. Columns a row lacks are null.
func (s *Service) LoadAsset(ctx context.Context, asset string, valueColumns []string) (models.LongFormatTable, error) {
	rows, err := s.repo.SourceRows(ctx, asset)
	if err != nil {
		return models.LongFormatTable{}, fmt.Errorf("loading asset %s: %w", asset, err)
	}
	return ToLongFormat(asset, valueColumns, rows)
}

// ToLongFormat converts stored rows, rejecting sources whose priority is not
// constant across the asset.
func ToLongFormat(asset string, valueColumns []string, rows []SourceRow) (models.LongFormatTable, error) {
	table := models.LongFormatTable{
		Asset:        asset,
		ValueColumns: append([]string(nil), valueColumns...),
		Records:      make([]models.SourceRecord, 0, len(rows)),
	}
	priorities := make(map[string]int64)
	for _, row := range rows {
		rec := models.SourceRecord{
			PatientID: row.PatientID,
			SourceID:  row.SourceID,
			Priority:  null.IntFromPtr(row.Priority),
			EventDate: null.TimeFromPtr(row.EventDate),
			Values:    make(map[string]null.String, len(valueColumns)),
		}
		if row.Priority != nil {
			if p, seen := priorities[row.SourceID]; seen && p != *row.Priority {
				return models.LongFormatTable{}, ValidationError{reason: fmt.Errorf("asset %s source '%s' has priorities %d and %d: %w", asset, row.SourceID, p, *row.Priority, errPriorityDrift)}
			}
			priorities[row.SourceID] = *row.Priority
		}
		for _, col := range valueColumns {
			rec.Values[col] = stringify(row.Values[col])
		}
		table.Records = append(table.Records, rec)
	}
	return table, nil
}

// LoadEvents reads the events of patientIDs; nil loads every patient.
func (s *Service) LoadEvents(ctx context.Context, patientIDs []string) ([]models.EventRecord, error) {
	rows, err := s.repo.EventRows(ctx, patientIDs)
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	return ToEventRecords(rows), nil
}

// ToEventRecords converts stored or submitted rows, truncating dates to the
// civil day.
func ToEventRecords(rows []EventRow) []models.EventRecord {
	events := make([]models.EventRecord, 0, len(rows))
	for _, row := range rows {
		ev := models.EventRecord{
			PatientID:   row.PatientID,
			Code:        row.Code,
			Terminology: row.Terminology,
			SourceID:    row.SourceID,
			Values:      map[string]interface{}(row.Values),
		}
		if row.EventDate != nil {
			ev.EventDate = models.CivilDate(*row.EventDate)
		}
		events = append(events, ev)
	}
	return events
}

func stringify(value interface{}) null.String {
	switch v := value.(type) {
	case nil:
		return null.String{}
	case string:
		return null.StringFrom(v)
	case float64:
		return null.StringFrom(strconv.FormatFloat(v, 'f', -1, 64))
	case bool:
		return null.StringFrom(strconv.FormatBool(v))
	case json.Number:
		return null.StringFrom(v.String())
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return null.StringFrom(fmt.Sprint(v))
		}
		return null.StringFrom(string(raw))
	}
}
