package preprocess

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/curation/pkg/common/logger"
	"github.com/synaptica-ai/curation/pkg/common/models"
)

// StepReport records one step's outcome. A failed step leaves the events as
// they were before it ran.
type StepReport struct {
	Step    string        `json:"step"`
	Input   int           `json:"input"`
	Output  int           `json:"output"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

func (r StepReport) Failed() bool {
	return r.Error != ""
}

type Report struct {
	Steps []StepReport `json:"steps"`
}

func (r Report) Failures() []StepReport {
	var out []StepReport
	for _, s := range r.Steps {
		if s.Failed() {
			out = append(out, s)
		}
	}
	return out
}

// Apply runs steps in order. A failing step is recorded and skipped; the
// remaining steps still run. Only cancellation aborts the run.
func Apply(ctx context.Context, events []models.EventRecord, steps []Step, log *logrus.Entry) ([]models.EventRecord, Report, error) {
	if log == nil {
		log = logger.Component("preprocess")
	}
	current := events
	report := Report{Steps: make([]StepReport, 0, len(steps))}
	for _, step := range steps {
		name := nameOf(step)
		if err := ctx.Err(); err != nil {
			return nil, report, fmt.Errorf("preprocessing interrupted before %s: %w", name, err)
		}
		started := time.Now()
		next, err := run(step, current)
		sr := StepReport{Step: name, Input: len(current), Elapsed: time.Since(started)}
		if err != nil {
			sr.Error = err.Error()
			sr.Output = len(current)
			log.WithError(err).WithField("step", name).Error("preprocessing step failed, skipped")
		} else {
			sr.Output = len(next)
			current = next
			log.WithFields(logrus.Fields{
				"step":   name,
				"input":  sr.Input,
				"output": sr.Output,
			}).Debug("preprocessing step applied")
		}
		report.Steps = append(report.Steps, sr)
	}
	return current, report, nil
}

// run dispatches over the closed set of steps.
func run(step Step, events []models.EventRecord) ([]models.EventRecord, error) {
	switch s := step.(type) {
	case TrimCodes, NormalizeCodes, DropUndated, KeepTerminologies, MatchCodes:
		return s.apply(events)
	case nil:
		return nil, models.NewConfigurationError("step", "nil step")
	default:
		return nil, models.NewConfigurationError("step", "unsupported step %T", s)
	}
}

func nameOf(step Step) string {
	if step == nil {
		return "nil"
	}
	return step.Name()
}
