package ingestion

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("ingestion batch not found")

const (
	insertBatchSize = 500
	// Keeps IN lists well below the postgres bind parameter limit.
	patientChunkSize = 1000
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&SourceRow{}, &EventRow{}, &Batch{})
}

func (r *Repository) CreateBatch(ctx context.Context, b *Batch) error {
	b.CreatedAt = time.Now().UTC()
	b.UpdatedAt = b.CreatedAt
	return r.db.WithContext(ctx).Create(b).Error
}

func (r *Repository) UpdateStatus(ctx context.Context, id, status, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Batch{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       status,
			"error":        errMsg,
			"updated_at":   time.Now().UTC(),
			"last_attempt": time.Now().UTC(),
		}).Error
}

func (r *Repository) Get(ctx context.Context, id string) (*Batch, error) {
	var b Batch
	result := r.db.WithContext(ctx).First(&b, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &b, result.Error
}

// InsertSourceRows stores rows in one transaction.
func (r *Repository) InsertSourceRows(ctx context.Context, rows []SourceRow) error {
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(rows, insertBatchSize).Error
	})
}

func (r *Repository) InsertEvents(ctx context.Context, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(rows, insertBatchSize).Error
	})
}

// SourceRows returns an asset's rows ordered by patient, source and insertion.
func (r *Repository) SourceRows(ctx context.Context, asset string) ([]SourceRow, error) {
	var rows []SourceRow
	err := r.db.WithContext(ctx).
		Where("asset = ?", asset).
		Order("patient_id, source_id, id").
		Find(&rows).Error
	return rows, err
}

// EventRows loads the events of patientIDs. A nil slice loads every event.
func (r *Repository) EventRows(ctx context.Context, patientIDs []string) ([]EventRow, error) {
	if patientIDs == nil {
		var rows []EventRow
		err := r.db.WithContext(ctx).Order("patient_id, event_date, id").Find(&rows).Error
		return rows, err
	}
	var out []EventRow
	for start := 0; start < len(patientIDs); start += patientChunkSize {
		end := start + patientChunkSize
		if end > len(patientIDs) {
			end = len(patientIDs)
		}
		var rows []EventRow
		err := r.db.WithContext(ctx).
			Where("patient_id IN ?", patientIDs[start:end]).
			Order("patient_id, event_date, id").
			Find(&rows).Error
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (r *Repository) Assets(ctx context.Context) ([]string, error) {
	var assets []string
	err := r.db.WithContext(ctx).Model(&SourceRow{}).
		Distinct("asset").
		Order("asset").
		Pluck("asset", &assets).Error
	return assets, err
}

func (r *Repository) CleanupExpired(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-ttl)
	return r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&Batch{}).Error
}
