// Package pipeline runs a curation definition end to end: reconcile every
// asset, build the cohort, derive window features and hand the results to the
// configured sinks. Asset and feature failures are isolated and reported in
// the run summary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/curation/pkg/codelist"
	"github.com/synaptica-ai/curation/pkg/cohort"
	"github.com/synaptica-ai/curation/pkg/common/logger"
	"github.com/synaptica-ai/curation/pkg/common/models"
	"github.com/synaptica-ai/curation/pkg/observability/metrics"
	"github.com/synaptica-ai/curation/pkg/preprocess"
	"github.com/synaptica-ai/curation/pkg/reconcile"
	"github.com/synaptica-ai/curation/pkg/temporal"
	"golang.org/x/sync/errgroup"
)

const (
	EventAssetCompleted = "curation.asset.completed"
	EventRunCompleted   = "curation.run.completed"
	eventSource         = "curation-pipeline"
)

// Source supplies asset tables and events.
type Source interface {
	LoadAsset(ctx context.Context, asset string, valueColumns []string) (models.LongFormatTable, error)
	LoadEvents(ctx context.Context, patientIDs []string) ([]models.EventRecord, error)
}

type ResultSink interface {
	SaveRun(ctx context.Context, summary *Summary, result *Result) error
}

type FeatureSink interface {
	MaterializeTable(ctx context.Context, runID string, table *models.Table) (int, error)
}

type Publisher interface {
	PublishEvent(ctx context.Context, eventType, source string, data map[string]interface{}) error
}

type Runner struct {
	source     Source
	codes      *codelist.CodeList
	reconciler *reconcile.Engine
	builder    *cohort.Builder
	temporal   *temporal.Engine
	results    ResultSink
	features   FeatureSink
	publisher  Publisher
	workers    int
	dryRun     bool
	log        *logrus.Entry
}

type Option func(*Runner)

func WithCodeList(c *codelist.CodeList) Option { return func(r *Runner) { r.codes = c } }

func WithResultSink(s ResultSink) Option { return func(r *Runner) { r.results = s } }

func WithFeatureSink(s FeatureSink) Option { return func(r *Runner) { r.features = s } }

func WithPublisher(p Publisher) Option { return func(r *Runner) { r.publisher = p } }

func WithTemporalEngine(e *temporal.Engine) Option {
	return func(r *Runner) {
		if e != nil {
			r.temporal = e
		}
	}
}

// WithWorkers bounds how many assets and features are computed at once.
func WithWorkers(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithDryRun computes everything but writes nothing to the sinks.
func WithDryRun(dry bool) Option { return func(r *Runner) { r.dryRun = dry } }

func WithLogger(entry *logrus.Entry) Option {
	return func(r *Runner) {
		if entry != nil {
			r.log = entry
		}
	}
}

func NewRunner(source Source, opts ...Option) *Runner {
	r := &Runner{
		source:  source,
		workers: runtime.GOMAXPROCS(0),
		log:     logger.Component("pipeline"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.reconciler == nil {
		r.reconciler = reconcile.NewEngine(reconcile.WithLogger(r.log.WithField("stage", "reconcile")))
	}
	if r.builder == nil {
		r.builder = cohort.NewBuilder(cohort.WithLogger(r.log.WithField("stage", "cohort")))
	}
	if r.temporal == nil {
		r.temporal = temporal.NewEngine(temporal.WithLogger(r.log.WithField("stage", "temporal")))
	}
	return r
}

// Run executes def. Configuration problems and failures that leave no cohort
// to work on are returned as errors; everything else is recorded in the
// summary.
func (r *Runner) Run(ctx context.Context, def Definition) (*Summary, *Result, error) {
	if r.source == nil {
		return nil, nil, models.NewConfigurationError("source", "runner has no source")
	}
	if err := def.Validate(r.temporal.Registry()); err != nil {
		return nil, nil, err
	}
	steps, err := preprocess.ParseSteps(def.Preprocess, r.codes)
	if err != nil {
		return nil, nil, err
	}

	metrics.RunStarted()
	summary := &Summary{
		RunID:     uuid.New().String(),
		Pipeline:  def.Name,
		DryRun:    r.dryRun,
		StartedAt: time.Now().UTC(),
	}
	result := &Result{
		Resolved:  make(map[string][]models.ResolvedRecord),
		Conflicts: make(map[string][]models.ConflictRecord),
	}
	log := r.log.WithFields(logrus.Fields{"run_id": summary.RunID, "pipeline": def.Name})
	log.Info("pipeline run started")

	if err := r.reconcileAssets(ctx, def, summary, result, log); err != nil {
		metrics.RunFailed()
		return summary, result, err
	}

	fields, err := usableFields(def, result.Resolved, log)
	if err != nil {
		metrics.RunFailed()
		return summary, result, err
	}
	demographics, err := cohort.DemographicsFromResolved(result.Resolved, fields, log)
	if err != nil {
		metrics.RunFailed()
		return summary, result, fmt.Errorf("assemble demographics: %w", err)
	}
	spec, demographics, missing, err := indexDates(def.IndexDate, result.Resolved, demographics)
	if err != nil {
		metrics.RunFailed()
		return summary, result, err
	}
	if missing > 0 {
		summary.MissingIndexDate = missing
		log.WithField("patients", missing).Warn("patients without an index date left out of the cohort")
	}

	cohortTable, report, err := r.builder.BuildCohort(ctx, demographics, spec, def.Constraints.Constraints())
	summary.Cohort = report
	if err != nil {
		metrics.RunFailed()
		return summary, result, fmt.Errorf("build cohort: %w", err)
	}
	metrics.ObserveCohort(report.Included, report.Excluded)
	result.Cohort = cohortTable
	result.Features = cohortTable.Table()

	if err := r.computeFeatures(ctx, def, steps, summary, result, log); err != nil {
		metrics.RunFailed()
		return summary, result, err
	}

	summary.FinishedAt = time.Now().UTC()
	if !r.dryRun {
		r.flush(ctx, def, summary, result, log)
	}

	log.WithFields(logrus.Fields{
		"cohort":   cohortTable.Len(),
		"failures": len(summary.Failures),
		"elapsed":  summary.FinishedAt.Sub(summary.StartedAt).String(),
	}).Info("pipeline run completed")
	return summary, result, nil
}

func (r *Runner) reconcileAssets(ctx context.Context, def Definition, summary *Summary, result *Result, log *logrus.Entry) error {
	type outcome struct {
		summary   AssetSummary
		resolved  []models.ResolvedRecord
		conflicts []models.ConflictRecord
		err       error
	}
	outcomes := make([]outcome, len(def.Assets))

	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, asset := range def.Assets {
		g.Go(func() error {
			o := outcome{summary: AssetSummary{Name: asset.Name}}
			o.resolved, o.conflicts, o.err = r.reconcileAsset(ctx, asset, &o.summary)
			outcomes[i] = o
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("reconciliation interrupted: %w", err)
	}

	for _, o := range outcomes {
		name := o.summary.Name
		if o.err != nil {
			o.summary.Failed = true
			summary.fail(StageAsset, name, o.err)
			metrics.ObserveAsset(0, 0, true)
			log.WithError(o.err).WithField("asset", name).Error("asset reconciliation failed")
		} else {
			result.Resolved[name] = o.resolved
			if o.conflicts != nil {
				result.Conflicts[name] = o.conflicts
			}
			metrics.ObserveAsset(o.summary.Conflicts, o.summary.Ambiguous, false)
		}
		summary.Assets = append(summary.Assets, o.summary)
	}
	return nil
}

func (r *Runner) reconcileAsset(ctx context.Context, asset AssetDef, s *AssetSummary) ([]models.ResolvedRecord, []models.ConflictRecord, error) {
	table, err := r.source.LoadAsset(ctx, asset.Name, asset.ValueColumns)
	if err != nil {
		return nil, nil, fmt.Errorf("load asset: %w", err)
	}
	s.Records = len(table.Records)

	var conflicts []models.ConflictRecord
	if asset.KeyColumn != "" {
		conflicts, err = r.reconciler.DetectConflicts(ctx, table, asset.KeyColumn)
		if err != nil {
			return nil, nil, err
		}
		s.Conflicts = len(conflicts)
	}
	resolved, err := r.reconciler.ResolveHighestPriority(ctx, table)
	if err != nil {
		return nil, nil, err
	}
	s.Patients = len(resolved)
	for _, rec := range resolved {
		if rec.Warning != nil {
			s.Ambiguous++
		}
	}
	return resolved, conflicts, nil
}

// usableFields drops demographic fields whose asset failed to reconcile. A
// field that a constraint depends on cannot be dropped.
func usableFields(def Definition, resolved map[string][]models.ResolvedRecord, log *logrus.Entry) (cohort.DemographicFields, error) {
	c := def.Constraints
	fields := def.Demographics
	for _, f := range []struct {
		name   string
		ref    *cohort.FieldRef
		needed bool
	}{
		{"date_of_birth", &fields.DateOfBirth, c.MinAge != nil || c.MaxAge != nil},
		{"sex", &fields.Sex, c.RequireKnownSex},
		{"ethnicity", &fields.Ethnicity, c.RequireKnownEthnicity},
		{"lsoa", &fields.LSOA, c.RequireKnownLSOA},
	} {
		if f.ref.IsZero() {
			continue
		}
		if _, ok := resolved[f.ref.Asset]; ok {
			continue
		}
		if f.needed {
			return fields, fmt.Errorf("%s is required by the cohort constraints but asset %q failed", f.name, f.ref.Asset)
		}
		log.WithFields(logrus.Fields{"field": f.name, "asset": f.ref.Asset}).Warn("demographic field left null, its asset failed")
		*f.ref = cohort.FieldRef{}
	}
	if fields == (cohort.DemographicFields{}) {
		return fields, errors.New("no demographic field could be reconciled")
	}
	return fields, nil
}

// indexDates turns the index date definition into a spec. Patients whose
// index date column is null or unparseable are dropped from demographics and
// counted in missing.
func indexDates(def IndexDateDef, resolved map[string][]models.ResolvedRecord, demographics []cohort.Demographic) (cohort.IndexDateSpec, []cohort.Demographic, int, error) {
	fixed, err := def.fixed()
	if err != nil {
		return cohort.IndexDateSpec{}, nil, 0, err
	}
	if fixed.Valid {
		return cohort.FixedIndexDate(fixed.Time), demographics, 0, nil
	}

	records, ok := resolved[def.From.Asset]
	if !ok {
		return cohort.IndexDateSpec{}, nil, 0, models.NewConfigurationError("index_date.from", "asset %q was not reconciled", def.From.Asset)
	}
	dates := make(map[string]time.Time, len(records))
	for _, rec := range records {
		v := rec.Value(def.From.Column)
		if !v.Valid || strings.TrimSpace(v.String) == "" {
			continue
		}
		t, err := models.ParseDate(strings.TrimSpace(v.String))
		if err != nil {
			continue
		}
		dates[rec.PatientID] = t
	}

	kept := make([]cohort.Demographic, 0, len(demographics))
	for _, d := range demographics {
		if _, ok := dates[d.PatientID]; ok {
			kept = append(kept, d)
		}
	}
	perPatient := make(map[string]time.Time, len(kept))
	for _, d := range kept {
		perPatient[d.PatientID] = dates[d.PatientID]
	}
	return cohort.PerPatientIndexDates(perPatient), kept, len(demographics) - len(kept), nil
}

type featureJob struct {
	name string
	kind string
	run  func(ctx context.Context, events []models.EventRecord, index models.IndexDates) (*models.Table, error)
}

func (r *Runner) jobs(f FeaturesDef) []featureJob {
	var jobs []featureJob
	for _, s := range f.Windows {
		jobs = append(jobs, featureJob{name: s.Name, kind: "windows", run: func(ctx context.Context, events []models.EventRecord, index models.IndexDates) (*models.Table, error) {
			windows := make([]models.TimeWindow, len(s.Windows))
			for i, w := range s.Windows {
				windows[i] = w.TimeWindow()
			}
			spec := s.Aggregations
			if len(spec) == 0 {
				spec = temporal.DefaultAggregations()
			}
			return r.temporal.MultiWindow(ctx, filterByName(events, s.Names), index, windows, spec, s.fill())
		}})
	}
	for _, fl := range f.Flags {
		jobs = append(jobs, featureJob{name: fl.Name, kind: "flags", run: func(ctx context.Context, events []models.EventRecord, index models.IndexDates) (*models.Table, error) {
			var window *models.TimeWindow
			if fl.Window != nil {
				w := fl.Window.TimeWindow()
				window = &w
			}
			opts := temporal.FlagOptions{Dates: fl.Dates, DaysToIndex: fl.DaysToIndex}
			table, err := r.temporal.FlagByName(ctx, events, index, fl.Names, models.Direction(strings.ToLower(fl.Direction)), window, opts)
			if err != nil {
				return nil, err
			}
			return table.Prefixed(fl.Name), nil
		}})
	}
	for _, ex := range f.Extractions {
		jobs = append(jobs, featureJob{name: ex.Name, kind: "extraction", run: func(ctx context.Context, events []models.EventRecord, index models.IndexDates) (*models.Table, error) {
			ext := temporal.Extremum(strings.ToLower(ex.Extremum))
			table, err := r.temporal.ExtractValueByName(ctx, filterByName(events, ex.Names), index, ex.ValueColumn, ext, ex.Window.TimeWindow())
			if err != nil {
				return nil, err
			}
			return table.Prefixed(ex.Name), nil
		}})
	}
	return jobs
}

func (r *Runner) computeFeatures(ctx context.Context, def Definition, steps []preprocess.Step, summary *Summary, result *Result, log *logrus.Entry) error {
	jobs := r.jobs(def.Features)
	if len(jobs) == 0 {
		return nil
	}
	index := result.Cohort.IndexDates()
	events, err := r.source.LoadEvents(ctx, index.PatientIDs())
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	events, report, err := preprocess.Apply(ctx, events, steps, log.WithField("stage", "preprocess"))
	if err != nil {
		return err
	}
	summary.Preprocess = report
	summary.Events = len(events)
	for _, f := range report.Failures() {
		summary.fail(StageFeature, "preprocess."+f.Step, errors.New(f.Error))
	}

	tables := make([]*models.Table, len(jobs))
	errs := make([]error, len(jobs))
	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, job := range jobs {
		g.Go(func() error {
			tables[i], errs[i] = job.run(ctx, events, index)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("feature computation interrupted: %w", err)
	}

	for i, job := range jobs {
		fs := FeatureSummary{Name: job.name, Kind: job.kind}
		if errs[i] == nil {
			errs[i] = checkOverlap(result.Features, tables[i], job.name)
		}
		if errs[i] != nil {
			fs.Failed = true
			summary.fail(StageFeature, job.name, errs[i])
			log.WithError(errs[i]).WithField("feature", job.name).Error("feature computation failed")
		} else {
			fs.Columns = len(tables[i].Columns)
			result.Features.LeftJoin(tables[i])
		}
		metrics.ObserveFeature(fs.Failed)
		summary.Features = append(summary.Features, fs)
	}
	return nil
}

// checkOverlap rejects a feature table that would overwrite columns already
// joined into features.
func checkOverlap(features, table *models.Table, name string) error {
	var clash []string
	for _, c := range table.Columns {
		if features.HasColumn(c) {
			clash = append(clash, c)
		}
	}
	if len(clash) > 0 {
		return models.NewConfigurationError(name, "output columns already produced: %s", strings.Join(clash, ", "))
	}
	return nil
}

// flush writes to every configured sink. Sink failures are recorded, not
// returned, so one unavailable store does not hide the others' output.
func (r *Runner) flush(ctx context.Context, def Definition, summary *Summary, result *Result, log *logrus.Entry) {
	if r.features != nil {
		n, err := r.features.MaterializeTable(ctx, summary.RunID, result.Features)
		if err != nil {
			summary.fail(StageSink, "features", err)
			log.WithError(err).Error("feature materialisation failed")
		}
		summary.FeatureRows = n
		metrics.ObserveFeatureRows(n)
	}
	if r.publisher != nil {
		for _, a := range summary.Assets {
			if a.Failed {
				continue
			}
			err := r.publisher.PublishEvent(ctx, EventAssetCompleted, eventSource, map[string]interface{}{
				"run_id":    summary.RunID,
				"pipeline":  def.Name,
				"asset":     a.Name,
				"patients":  a.Patients,
				"conflicts": a.Conflicts,
				"ambiguous": a.Ambiguous,
			})
			if err != nil {
				summary.fail(StageSink, "publish."+a.Name, err)
			}
		}
		err := r.publisher.PublishEvent(ctx, EventRunCompleted, eventSource, map[string]interface{}{
			"run_id":   summary.RunID,
			"pipeline": def.Name,
			"cohort":   summary.Cohort.Included,
			"features": len(summary.Features),
			"failures": len(summary.Failures),
		})
		if err != nil {
			summary.fail(StageSink, "publish.run", err)
		}
	}
	if r.results != nil {
		if err := r.results.SaveRun(ctx, summary, result); err != nil {
			summary.fail(StageSink, "results", err)
			log.WithError(err).Error("saving run results failed")
		}
	}
}
