// Package reconcile merges an asset reported by several sources into one
// record per patient and reports where the sources disagree.
package reconcile

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/curation/pkg/common/logger"
	"github.com/synaptica-ai/curation/pkg/common/models"
)

// cancelCheckInterval is how many patients are scanned between context checks.
const cancelCheckInterval = 512

// Engine is stateless; a single instance is safe for concurrent use.
type Engine struct {
	log *logrus.Entry
}

type Option func(*Engine)

func WithLogger(entry *logrus.Entry) Option {
	return func(e *Engine) {
		if entry != nil {
			e.log = entry
		}
	}
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{log: logger.Component("reconcile")}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func checkContext(ctx context.Context, scanned int) error {
	if scanned%cancelCheckInterval != 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("reconciliation interrupted after %d patients: %w", scanned, err)
	}
	return nil
}

func requireColumns(table models.LongFormatTable, columns []string) error {
	for _, col := range columns {
		if col == "" {
			return models.NewConfigurationError("value_column", "empty column name")
		}
		if !table.HasColumn(col) {
			return models.NewConfigurationError(col, "column not present in asset %q", table.Asset)
		}
	}
	return nil
}
