package temporal

import (
	"context"
	"time"

	"github.com/synaptica-ai/curation/pkg/common/models"
	"golang.org/x/sync/errgroup"
)

// MultiWindow evaluates each window independently and joins the results onto
// index, one row per patient. Columns are named {label}_{column}. Without
// fillMissing, patients with no events in a window keep null cells for it.
func (e *Engine) MultiWindow(ctx context.Context, events []models.EventRecord, index models.IndexDates, windows []models.TimeWindow, spec AggregationSpec, fillMissing bool) (*models.Table, error) {
	if err := validateWindows(windows); err != nil {
		return nil, err
	}
	if err := spec.Validate(e.registry); err != nil {
		return nil, err
	}

	var columns []string
	for _, w := range windows {
		for _, a := range spec {
			columns = append(columns, w.Label+"_"+a.Column)
		}
	}
	table := models.NewTable(columns...)
	for _, id := range index.PatientIDs() {
		table.Upsert(id, nil)
	}

	perWindow := make([][]models.WindowResult, len(windows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, w := range windows {
		g.Go(func() error {
			started := time.Now()
			filtered, err := e.WindowFilter(gctx, events, index, w)
			if err != nil {
				return err
			}
			results, err := e.AggregatePerPatient(gctx, filtered, index, w, spec, fillMissing)
			if err != nil {
				return err
			}
			perWindow[i] = results
			e.log.WithFields(map[string]interface{}{
				"window":   w.Label,
				"events":   len(filtered),
				"patients": len(results),
				"elapsed":  time.Since(started).String(),
			}).Debug("window aggregated")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, w := range windows {
		for _, res := range perWindow[i] {
			cells := make(map[string]interface{}, len(res.Values))
			for col, v := range res.Values {
				cells[w.Label+"_"+col] = v
			}
			table.Upsert(res.PatientID, cells)
		}
	}
	return table, nil
}

func validateWindows(windows []models.TimeWindow) error {
	if len(windows) == 0 {
		return models.NewConfigurationError("windows", "at least one window required")
	}
	labels := make(map[string]struct{}, len(windows))
	for _, w := range windows {
		if w.Label == "" {
			return models.NewConfigurationError("windows", "window label required")
		}
		if _, dup := labels[w.Label]; dup {
			return models.NewConfigurationError(w.Label, "duplicate window label")
		}
		labels[w.Label] = struct{}{}
		if err := w.Validate(); err != nil {
			return err
		}
	}
	return nil
}
