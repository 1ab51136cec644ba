package temporal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/synaptica-ai/curation/pkg/common/models"
)

// FlagOptions selects the optional columns FlagByName emits next to each
// {name}_flag column.
type FlagOptions struct {
	Dates       bool `json:"dates" yaml:"dates"`
	DaysToIndex bool `json:"days_to_index" yaml:"days_to_index"`
}

// FlagByName builds one column set per event name: {name}_flag and, when
// requested, {name}_earliest, {name}_latest and {name}_days_to_index. A nil
// window means the whole of direction with its default offsets. An empty
// names list uses every name present in events. Patients in index without a
// matching event get flag=false and null dates.
func (e *Engine) FlagByName(ctx context.Context, events []models.EventRecord, index models.IndexDates, names []string, direction models.Direction, window *models.TimeWindow, opts FlagOptions) (*models.Table, error) {
	w := models.DefaultWindow(string(direction), direction)
	if window != nil {
		w = *window
		if w.Direction != direction {
			return nil, models.NewConfigurationError("direction", "window %q is %s, requested %s", w.Label, w.Direction, direction)
		}
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		names = distinctNames(events)
	}
	slugs, err := nameColumns(names)
	if err != nil {
		return nil, err
	}

	var columns []string
	for _, name := range names {
		slug := slugs[name]
		columns = append(columns, slug+"_flag")
		if opts.Dates {
			columns = append(columns, slug+"_earliest", slug+"_latest")
		}
		if opts.DaysToIndex {
			columns = append(columns, slug+"_days_to_index")
		}
	}
	table := models.NewTable(columns...)
	for _, id := range index.PatientIDs() {
		defaults := make(map[string]interface{}, len(names))
		for _, name := range names {
			defaults[slugs[name]+"_flag"] = false
		}
		table.Upsert(id, defaults)
	}

	filtered, err := e.WindowFilter(ctx, events, index, w)
	if err != nil {
		return nil, err
	}
	for name, byPatient := range groupByName(filtered, slugs) {
		slug := slugs[name]
		for patientID, group := range byPatient {
			cells := map[string]interface{}{slug + "_flag": true}
			if opts.Dates {
				cells[slug+"_earliest"] = earliest(group).EventDate
				cells[slug+"_latest"] = latest(group).EventDate
			}
			if opts.DaysToIndex {
				cells[slug+"_days_to_index"] = nearest(w, group).Delta
			}
			table.Upsert(patientID, cells)
		}
	}
	return table, nil
}

type Extremum string

const (
	Min Extremum = "min"
	Max Extremum = "max"
)

// ExtractValueByName reports, per name and patient, the minimum or maximum
// numeric valueColumn among events inside window, as {name}_{min|max} with the
// date of that event in {name}_{min|max}_date. The window is mandatory. Null
// or non-numeric values are skipped; patients without a usable value get nulls.
// On equal values the earliest event supplies the date.
func (e *Engine) ExtractValueByName(ctx context.Context, events []models.EventRecord, index models.IndexDates, valueColumn string, ext Extremum, window models.TimeWindow) (*models.Table, error) {
	if valueColumn == "" {
		return nil, models.NewConfigurationError("value_column", "required")
	}
	if ext != Min && ext != Max {
		return nil, models.NewConfigurationError("extremum", "expected min or max, got %q", ext)
	}
	if err := window.Validate(); err != nil {
		return nil, err
	}
	names := distinctNames(events)
	slugs, err := nameColumns(names)
	if err != nil {
		return nil, err
	}

	var columns []string
	for _, name := range names {
		columns = append(columns, slugs[name]+"_"+string(ext), slugs[name]+"_"+string(ext)+"_date")
	}
	table := models.NewTable(columns...)
	for _, id := range index.PatientIDs() {
		table.Upsert(id, nil)
	}

	filtered, err := e.WindowFilter(ctx, events, index, window)
	if err != nil {
		return nil, err
	}
	for name, byPatient := range groupByName(filtered, slugs) {
		col := slugs[name] + "_" + string(ext)
		for patientID, group := range byPatient {
			best, found := extreme(group, valueColumn, ext)
			if !found {
				continue
			}
			table.Upsert(patientID, map[string]interface{}{
				col:           best.value,
				col + "_date": best.event.EventDate,
			})
		}
	}
	return table, nil
}

type candidate struct {
	value float64
	event WindowedEvent
}

func extreme(group []WindowedEvent, column string, ext Extremum) (candidate, bool) {
	var (
		best  candidate
		found bool
	)
	for _, ev := range group {
		raw, ok := ev.Values[column]
		if !ok || raw == nil {
			continue
		}
		v, err := numeric(raw)
		if err != nil {
			continue
		}
		better := !found ||
			(ext == Min && v < best.value) ||
			(ext == Max && v > best.value) ||
			(v == best.value && ev.EventDate.Before(best.event.EventDate))
		if better {
			best = candidate{value: v, event: ev}
			found = true
		}
	}
	return best, found
}

func distinctNames(events []models.EventRecord) []string {
	seen := make(map[string]struct{})
	for _, ev := range events {
		if ev.Name != "" {
			seen[ev.Name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// groupByName groups events by name then patient, ignoring names outside slugs.
func groupByName(events []WindowedEvent, slugs map[string]string) map[string]map[string][]WindowedEvent {
	out := make(map[string]map[string][]WindowedEvent)
	for _, ev := range events {
		if _, wanted := slugs[ev.Name]; !wanted {
			continue
		}
		byPatient, ok := out[ev.Name]
		if !ok {
			byPatient = make(map[string][]WindowedEvent)
			out[ev.Name] = byPatient
		}
		byPatient[ev.PatientID] = append(byPatient[ev.PatientID], ev)
	}
	return out
}

// nameColumns maps each name to a snake_case column prefix and rejects names
// that collapse onto the same prefix.
func nameColumns(names []string) (map[string]string, error) {
	slugs := make(map[string]string, len(names))
	owners := make(map[string]string, len(names))
	for _, name := range names {
		slug := ColumnName(name)
		if slug == "" {
			return nil, models.NewConfigurationError("names", "name %q yields an empty column name", name)
		}
		if other, dup := owners[slug]; dup && other != name {
			return nil, models.NewConfigurationError("names", "names %q and %q share column prefix %q", other, name, slug)
		}
		owners[slug] = name
		slugs[name] = slug
	}
	return slugs, nil
}

// ColumnName lower-cases s and collapses runs of other characters into single
// underscores.
func ColumnName(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	return b.String()
}

func numeric(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", value)
	}
}
