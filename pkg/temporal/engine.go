// Package temporal derives per-patient features from dated events relative to
// each patient's index date: covariates before it, outcomes after it.
package temporal

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/curation/pkg/common/logger"
	"github.com/synaptica-ai/curation/pkg/common/models"
)

const cancelCheckInterval = 1024

// Engine holds a reducer registry and the parallelism used for per-window
// passes. Its operations never mutate their inputs.
type Engine struct {
	registry *Registry
	workers  int
	log      *logrus.Entry
}

type Option func(*Engine)

func WithRegistry(r *Registry) Option {
	return func(e *Engine) {
		if r != nil {
			e.registry = r
		}
	}
}

// WithWorkers bounds how many windows MultiWindow evaluates at once.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

func WithLogger(entry *logrus.Entry) Option {
	return func(e *Engine) {
		if entry != nil {
			e.log = entry
		}
	}
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		registry: NewRegistry(),
		workers:  runtime.GOMAXPROCS(0),
		log:      logger.Component("temporal"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func (e *Engine) Registry() *Registry {
	return e.registry
}

// WindowedEvent is an event that passed a window filter, annotated with its
// patient's index date and signed day delta.
type WindowedEvent struct {
	models.EventRecord
	IndexDate time.Time
	Delta     int
}

// WindowFilter keeps the events of patients in index whose delta from the
// index date falls inside window. Undated events and patients without an
// index date are dropped. The window is validated before any event is read.
func (e *Engine) WindowFilter(ctx context.Context, events []models.EventRecord, index models.IndexDates, window models.TimeWindow) ([]WindowedEvent, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}
	out := make([]WindowedEvent, 0)
	for i, ev := range events {
		if i%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("window %q interrupted: %w", window.Label, err)
			}
		}
		if !ev.Dated() {
			continue
		}
		indexDate, ok := index.Get(ev.PatientID)
		if !ok {
			continue
		}
		delta := models.DayDelta(indexDate, ev.EventDate)
		if !window.Contains(delta) {
			continue
		}
		out = append(out, WindowedEvent{EventRecord: ev, IndexDate: indexDate, Delta: delta})
	}
	return out, nil
}

func groupByPatient(events []WindowedEvent) map[string][]WindowedEvent {
	groups := make(map[string][]WindowedEvent)
	for _, ev := range events {
		groups[ev.PatientID] = append(groups[ev.PatientID], ev)
	}
	return groups
}
