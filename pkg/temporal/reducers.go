package temporal

import (
	"fmt"
	"sort"
	"sync"

	"github.com/synaptica-ai/curation/pkg/common/models"
)

// Kind decides the value a reducer reports for patients without events.
type Kind int

const (
	KindNumeric Kind = iota
	KindBoolean
	KindDate
	KindDelta
	KindValue
)

func (k Kind) String() string {
	switch k {
	case KindNumeric:
		return "numeric"
	case KindBoolean:
		return "boolean"
	case KindDate:
		return "date"
	case KindDelta:
		return "delta"
	case KindValue:
		return "value"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Default is 0 for numeric reducers, false for boolean ones and null for
// dates, day deltas and free-form values.
func (k Kind) Default() interface{} {
	switch k {
	case KindNumeric:
		return 0
	case KindBoolean:
		return false
	}
	return nil
}

// Reducer folds one patient's windowed events into a single cell. group is
// never empty.
type Reducer interface {
	Kind() Kind
	Reduce(window models.TimeWindow, group []WindowedEvent) interface{}
}

type reducerFunc struct {
	kind Kind
	fn   func(models.TimeWindow, []WindowedEvent) interface{}
}

func (r reducerFunc) Kind() Kind { return r.kind }

func (r reducerFunc) Reduce(w models.TimeWindow, group []WindowedEvent) interface{} {
	return r.fn(w, group)
}

// NewReducer wraps a function as a Reducer of the given kind.
func NewReducer(kind Kind, fn func(window models.TimeWindow, group []WindowedEvent) interface{}) Reducer {
	return reducerFunc{kind: kind, fn: fn}
}

const (
	ReducerCount           = "count"
	ReducerHasEvent        = "has_event"
	ReducerEarliestDate    = "earliest_date"
	ReducerLatestDate      = "latest_date"
	ReducerDistinctSources = "distinct_sources"
	ReducerDistinctCodes   = "distinct_codes"
	ReducerDaysToIndex     = "days_to_index"
	ReducerDaysToEarliest  = "days_to_earliest"
	ReducerDaysToLatest    = "days_to_latest"
)

// Registry maps reducer names to implementations. It is safe for concurrent
// lookups while callers register their own reducers.
type Registry struct {
	mu       sync.RWMutex
	reducers map[string]Reducer
}

// NewRegistry returns a registry preloaded with the built-in reducers.
func NewRegistry() *Registry {
	r := &Registry{reducers: make(map[string]Reducer)}
	r.reducers[ReducerCount] = NewReducer(KindNumeric, func(_ models.TimeWindow, g []WindowedEvent) interface{} {
		return len(g)
	})
	r.reducers[ReducerHasEvent] = NewReducer(KindBoolean, func(_ models.TimeWindow, g []WindowedEvent) interface{} {
		return len(g) > 0
	})
	r.reducers[ReducerEarliestDate] = NewReducer(KindDate, func(_ models.TimeWindow, g []WindowedEvent) interface{} {
		return earliest(g).EventDate
	})
	r.reducers[ReducerLatestDate] = NewReducer(KindDate, func(_ models.TimeWindow, g []WindowedEvent) interface{} {
		return latest(g).EventDate
	})
	r.reducers[ReducerDistinctSources] = NewReducer(KindNumeric, func(_ models.TimeWindow, g []WindowedEvent) interface{} {
		return distinct(g, func(ev WindowedEvent) string { return ev.SourceID })
	})
	r.reducers[ReducerDistinctCodes] = NewReducer(KindNumeric, func(_ models.TimeWindow, g []WindowedEvent) interface{} {
		return distinct(g, func(ev WindowedEvent) string { return ev.Code })
	})
	r.reducers[ReducerDaysToIndex] = NewReducer(KindDelta, func(w models.TimeWindow, g []WindowedEvent) interface{} {
		return nearest(w, g).Delta
	})
	r.reducers[ReducerDaysToEarliest] = NewReducer(KindDelta, func(_ models.TimeWindow, g []WindowedEvent) interface{} {
		return earliest(g).Delta
	})
	r.reducers[ReducerDaysToLatest] = NewReducer(KindDelta, func(_ models.TimeWindow, g []WindowedEvent) interface{} {
		return latest(g).Delta
	})
	return r
}

// Register adds or replaces a reducer.
func (r *Registry) Register(name string, reducer Reducer) error {
	if name == "" {
		return models.NewConfigurationError("reducer", "name required")
	}
	if reducer == nil {
		return models.NewConfigurationError(name, "nil reducer")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reducers[name] = reducer
	return nil
}

func (r *Registry) Lookup(name string) (Reducer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	red, ok := r.reducers[name]
	return red, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.reducers))
	for n := range r.reducers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func earliest(g []WindowedEvent) WindowedEvent {
	best := g[0]
	for _, ev := range g[1:] {
		if ev.EventDate.Before(best.EventDate) {
			best = ev
		}
	}
	return best
}

func latest(g []WindowedEvent) WindowedEvent {
	best := g[0]
	for _, ev := range g[1:] {
		if ev.EventDate.After(best.EventDate) {
			best = ev
		}
	}
	return best
}

// nearest is the event closest to the index date: the latest one in a before
// window and the earliest one in an after window.
func nearest(w models.TimeWindow, g []WindowedEvent) WindowedEvent {
	if w.Direction == models.DirectionBefore {
		return latest(g)
	}
	return earliest(g)
}

func distinct(g []WindowedEvent, key func(WindowedEvent) string) int {
	seen := make(map[string]struct{})
	for _, ev := range g {
		if k := key(ev); k != "" {
			seen[k] = struct{}{}
		}
	}
	return len(seen)
}

// Aggregation binds an output column to a registered reducer.
type Aggregation struct {
	Column  string `json:"column" yaml:"column"`
	Reducer string `json:"reducer" yaml:"reducer"`
}

type AggregationSpec []Aggregation

// DefaultAggregations yields count, flag, earliest, latest and days_to_index.
func DefaultAggregations() AggregationSpec {
	return AggregationSpec{
		{Column: "count", Reducer: ReducerCount},
		{Column: "flag", Reducer: ReducerHasEvent},
		{Column: "earliest", Reducer: ReducerEarliestDate},
		{Column: "latest", Reducer: ReducerLatestDate},
		{Column: "days_to_index", Reducer: ReducerDaysToIndex},
	}
}

type boundAggregation struct {
	column  string
	reducer Reducer
}

// bind resolves every reducer name before any events are read.
func (s AggregationSpec) bind(r *Registry) ([]boundAggregation, error) {
	if len(s) == 0 {
		return nil, models.NewConfigurationError("aggregations", "at least one aggregation required")
	}
	bound := make([]boundAggregation, 0, len(s))
	seen := make(map[string]struct{}, len(s))
	for _, a := range s {
		if a.Column == "" {
			return nil, models.NewConfigurationError("aggregations", "column name required for reducer %q", a.Reducer)
		}
		if _, dup := seen[a.Column]; dup {
			return nil, models.NewConfigurationError(a.Column, "duplicate aggregation column")
		}
		seen[a.Column] = struct{}{}
		red, ok := r.Lookup(a.Reducer)
		if !ok {
			return nil, models.NewConfigurationError(a.Column, "unknown reducer %q", a.Reducer)
		}
		bound = append(bound, boundAggregation{column: a.Column, reducer: red})
	}
	return bound, nil
}

// Validate checks that every reducer exists in r.
func (s AggregationSpec) Validate(r *Registry) error {
	_, err := s.bind(r)
	return err
}
