package temporal

import (
	"context"
	"fmt"

	"github.com/synaptica-ai/curation/pkg/common/models"
	"gopkg.in/guregu/null.v3"
)

// AggregatePerPatient reduces windowed events per patient. Results follow the
// order of index. With fillMissing every patient in index is reported, those
// without events carrying each reducer kind's default; otherwise only patients
// with events appear.
func (e *Engine) AggregatePerPatient(ctx context.Context, events []WindowedEvent, index models.IndexDates, window models.TimeWindow, spec AggregationSpec, fillMissing bool) ([]models.WindowResult, error) {
	bound, err := spec.bind(e.registry)
	if err != nil {
		return nil, err
	}
	groups := groupByPatient(events)

	results := make([]models.WindowResult, 0, len(groups))
	for i, patientID := range index.PatientIDs() {
		if i%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("aggregation of window %q interrupted: %w", window.Label, err)
			}
		}
		group, ok := groups[patientID]
		if !ok && !fillMissing {
			continue
		}
		results = append(results, reduce(patientID, window, group, bound))
	}
	return results, nil
}

func reduce(patientID string, window models.TimeWindow, group []WindowedEvent, bound []boundAggregation) models.WindowResult {
	res := models.WindowResult{
		PatientID: patientID,
		Label:     window.Label,
		Values:    make(map[string]interface{}, len(bound)),
	}
	if len(group) == 0 {
		for _, b := range bound {
			res.Values[b.column] = b.reducer.Kind().Default()
		}
		return res
	}

	first, last := earliest(group), latest(group)
	res.Count = len(group)
	res.HasEvent = true
	res.Earliest = null.TimeFrom(first.EventDate)
	res.Latest = null.TimeFrom(last.EventDate)
	res.DaysToIndex = null.IntFrom(int64(nearest(window, group).Delta))
	for _, b := range bound {
		res.Values[b.column] = b.reducer.Reduce(window, group)
	}
	return res
}
