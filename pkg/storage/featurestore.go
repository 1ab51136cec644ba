package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/curation/pkg/common/logger"
	"github.com/synaptica-ai/curation/pkg/common/models"
	"github.com/synaptica-ai/curation/pkg/pipeline"
)

var ErrFeaturesNotFound = errors.New("features not found")

const writeBatchSize = 500

// FeatureSet is the latest materialised feature row of one patient.
type FeatureSet struct {
	PatientID string                 `json:"patient_id"`
	RunID     string                 `json:"run_id"`
	Features  map[string]interface{} `json:"features"`
}

// FeatureStore keeps per-patient feature rows in Redis, fronted by a short
// lived in-process cache.
type FeatureStore struct {
	client *redis.Client
	local  *gocache.Cache
	ttl    time.Duration
	log    *logrus.Entry
}

// NewFeatureStore stores rows for ttl (0 keeps them until overwritten) and
// caches reads locally for cacheTTL.
func NewFeatureStore(client *redis.Client, ttl, cacheTTL time.Duration) *FeatureStore {
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &FeatureStore{
		client: client,
		local:  gocache.New(cacheTTL, 2*cacheTTL),
		ttl:    ttl,
		log:    logger.Component("featurestore"),
	}
}

func featureKey(patientID string) string {
	return fmt.Sprintf("features:%s", patientID)
}

// MaterializeTable writes every row of table, replacing each patient's
// previous features. It returns the number of rows written.
func (f *FeatureStore) MaterializeTable(ctx context.Context, runID string, table *models.Table) (int, error) {
	if table == nil || table.Len() == 0 {
		return 0, nil
	}
	written := 0
	for start := 0; start < len(table.Rows); start += writeBatchSize {
		end := start + writeBatchSize
		if end > len(table.Rows) {
			end = len(table.Rows)
		}
		pipe := f.client.Pipeline()
		for _, row := range table.Rows[start:end] {
			data, err := json.Marshal(pipeline.ExtractFeatures(runID, row))
			if err != nil {
				return written, fmt.Errorf("encode features for %s: %w", row.PatientID, err)
			}
			pipe.Set(ctx, featureKey(row.PatientID), data, f.ttl)
			f.local.Delete(row.PatientID)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return written, fmt.Errorf("write features: %w", err)
		}
		written += end - start
	}
	f.log.WithFields(logrus.Fields{"run_id": runID, "rows": written}).Info("features materialised")
	return written, nil
}

func (f *FeatureStore) GetFeatures(ctx context.Context, patientID string) (FeatureSet, error) {
	if cached, ok := f.local.Get(patientID); ok {
		return cached.(FeatureSet), nil
	}
	data, err := f.client.Get(ctx, featureKey(patientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return FeatureSet{}, ErrFeaturesNotFound
	}
	if err != nil {
		return FeatureSet{}, fmt.Errorf("read features: %w", err)
	}
	var values map[string]interface{}
	if err := json.Unmarshal(data, &values); err != nil {
		return FeatureSet{}, fmt.Errorf("decode features: %w", err)
	}
	set := FeatureSet{PatientID: patientID, Features: values}
	if runID, ok := values["run_id"].(string); ok {
		set.RunID = runID
	}
	delete(values, "run_id")
	delete(values, "patient_id")
	f.local.SetDefault(patientID, set)
	return set, nil
}
