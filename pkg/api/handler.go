// Package api exposes the reconciliation, window and cohort engines over
// JSON, together with the stored outputs of pipeline runs.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/curation/pkg/cohort"
	"github.com/synaptica-ai/curation/pkg/codelist"
	"github.com/synaptica-ai/curation/pkg/common/logger"
	"github.com/synaptica-ai/curation/pkg/common/models"
	"github.com/synaptica-ai/curation/pkg/pipeline"
	"github.com/synaptica-ai/curation/pkg/preprocess"
	"github.com/synaptica-ai/curation/pkg/reconcile"
	"github.com/synaptica-ai/curation/pkg/storage"
	"github.com/synaptica-ai/curation/pkg/temporal"
)

type FeatureReader interface {
	GetFeatures(ctx context.Context, patientID string) (storage.FeatureSet, error)
}

type RunReader interface {
	GetRun(ctx context.Context, id string) (*storage.Run, error)
	ListRuns(ctx context.Context, pipelineName string) ([]storage.Run, error)
	Conflicts(ctx context.Context, runID, asset string) ([]storage.ConflictRow, error)
}

// RunFunc runs the service's configured pipeline.
type RunFunc func(ctx context.Context, dryRun bool) (*pipeline.Summary, error)

var errRunInProgress = errors.New("a pipeline run is already in progress")

type Handler struct {
	reconcile *reconcile.Engine
	temporal  *temporal.Engine
	builder   *cohort.Builder
	codes     *codelist.CodeList
	features  FeatureReader
	runs      RunReader
	trigger   RunFunc
	running   sync.Mutex
	log       *logrus.Entry
}

type Option func(*Handler)

func WithCodeList(c *codelist.CodeList) Option { return func(h *Handler) { h.codes = c } }

func WithFeatures(f FeatureReader) Option { return func(h *Handler) { h.features = f } }

func WithRuns(r RunReader) Option { return func(h *Handler) { h.runs = r } }

func WithTrigger(fn RunFunc) Option { return func(h *Handler) { h.trigger = fn } }

func WithTemporalEngine(e *temporal.Engine) Option {
	return func(h *Handler) {
		if e != nil {
			h.temporal = e
		}
	}
}

func WithLogger(entry *logrus.Entry) Option {
	return func(h *Handler) {
		if entry != nil {
			h.log = entry
		}
	}
}

func NewHandler(opts ...Option) *Handler {
	h := &Handler{log: logger.Component("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.reconcile = reconcile.NewEngine(reconcile.WithLogger(h.log))
	h.builder = cohort.NewBuilder(cohort.WithLogger(h.log))
	if h.temporal == nil {
		h.temporal = temporal.NewEngine(temporal.WithLogger(h.log))
	}
	return h
}

func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/reconcile/conflicts", h.handleConflicts).Methods(http.MethodPost)
	router.HandleFunc("/reconcile/resolve", h.handleResolve).Methods(http.MethodPost)
	router.HandleFunc("/reconcile/pivot", h.handlePivot).Methods(http.MethodPost)
	router.HandleFunc("/reconcile/coverage", h.handleCoverage).Methods(http.MethodPost)
	router.HandleFunc("/windows", h.handleWindows).Methods(http.MethodPost)
	router.HandleFunc("/windows/flags", h.handleFlags).Methods(http.MethodPost)
	router.HandleFunc("/windows/extract", h.handleExtract).Methods(http.MethodPost)
	router.HandleFunc("/cohort", h.handleCohort).Methods(http.MethodPost)
	router.HandleFunc("/features/{patient_id}", h.handleFeatures).Methods(http.MethodGet)
	router.HandleFunc("/runs", h.handleListRuns).Methods(http.MethodGet)
	router.HandleFunc("/runs", h.handleTriggerRun).Methods(http.MethodPost)
	router.HandleFunc("/runs/{id}", h.handleGetRun).Methods(http.MethodGet)
	router.HandleFunc("/runs/{id}/conflicts", h.handleRunConflicts).Methods(http.MethodGet)
}

func (h *Handler) handleConflicts(w http.ResponseWriter, r *http.Request) {
	var req ConflictsRequest
	if !h.decode(w, r, &req) {
		return
	}
	table, err := req.table()
	if err != nil {
		h.fail(w, err)
		return
	}
	conflicts, err := h.reconcile.DetectConflicts(r.Context(), table, req.KeyColumn)
	if err != nil {
		h.fail(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []models.ConflictRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"asset":     table.Asset,
		"column":    req.KeyColumn,
		"conflicts": conflicts,
	})
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req AssetRequest
	if !h.decode(w, r, &req) {
		return
	}
	table, err := req.table()
	if err != nil {
		h.fail(w, err)
		return
	}
	resolved, err := h.reconcile.ResolveHighestPriority(r.Context(), table)
	if err != nil {
		h.fail(w, err)
		return
	}
	ambiguous := 0
	for _, rec := range resolved {
		if rec.Warning != nil {
			ambiguous++
		}
	}
	if resolved == nil {
		resolved = []models.ResolvedRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"asset":     table.Asset,
		"resolved":  resolved,
		"ambiguous": ambiguous,
	})
}

func (h *Handler) handlePivot(w http.ResponseWriter, r *http.Request) {
	var req PivotRequest
	if !h.decode(w, r, &req) {
		return
	}
	table, err := req.table()
	if err != nil {
		h.fail(w, err)
		return
	}
	wide, err := h.reconcile.PivotWideBySource(r.Context(), table, req.Columns)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wide)
}

func (h *Handler) handleCoverage(w http.ResponseWriter, r *http.Request) {
	var req AssetRequest
	if !h.decode(w, r, &req) {
		return
	}
	table, err := req.table()
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"asset":    table.Asset,
		"coverage": reconcile.Coverage(table),
	})
}

// prepare converts the submitted events, runs the requested preprocessing
// steps and anchors the population.
func (h *Handler) prepare(ctx context.Context, req EventsRequest) ([]models.EventRecord, models.IndexDates, preprocess.Report, error) {
	steps, err := preprocess.ParseSteps(req.Preprocess, h.codes)
	if err != nil {
		return nil, models.IndexDates{}, preprocess.Report{}, err
	}
	events, err := req.records()
	if err != nil {
		return nil, models.IndexDates{}, preprocess.Report{}, err
	}
	index, err := req.resolve(events)
	if err != nil {
		return nil, models.IndexDates{}, preprocess.Report{}, err
	}
	events, report, err := preprocess.Apply(ctx, events, steps, h.log)
	return events, index, report, err
}

func (h *Handler) handleWindows(w http.ResponseWriter, r *http.Request) {
	var req WindowsRequest
	if !h.decode(w, r, &req) {
		return
	}
	events, index, report, err := h.prepare(r.Context(), req.EventsRequest)
	if err != nil {
		h.fail(w, err)
		return
	}
	fill := req.FillMissing == nil || *req.FillMissing
	table, err := h.temporal.MultiWindow(r.Context(), events, index, req.windows(), req.aggregations(), fill)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"table":      table,
		"preprocess": report,
	})
}

func (h *Handler) handleFlags(w http.ResponseWriter, r *http.Request) {
	var req FlagsRequest
	if !h.decode(w, r, &req) {
		return
	}
	direction, err := models.ParseDirection(req.Direction)
	if err != nil {
		h.fail(w, models.NewConfigurationError("direction", "%v", err))
		return
	}
	events, index, report, err := h.prepare(r.Context(), req.EventsRequest)
	if err != nil {
		h.fail(w, err)
		return
	}
	var window *models.TimeWindow
	if req.Window != nil {
		tw := req.Window.TimeWindow()
		window = &tw
	}
	table, err := h.temporal.FlagByName(r.Context(), events, index, req.Names, direction, window, temporal.FlagOptions{
		Dates:       req.Dates,
		DaysToIndex: req.DaysToIndex,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"table":      table,
		"preprocess": report,
	})
}

func (h *Handler) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req ExtractRequest
	if !h.decode(w, r, &req) {
		return
	}
	events, index, report, err := h.prepare(r.Context(), req.EventsRequest)
	if err != nil {
		h.fail(w, err)
		return
	}
	table, err := h.temporal.ExtractValueByName(r.Context(), events, index, req.ValueColumn, temporal.Extremum(req.Extremum), req.Window.TimeWindow())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"table":      table,
		"preprocess": report,
	})
}

func (h *Handler) handleCohort(w http.ResponseWriter, r *http.Request) {
	var req CohortRequest
	if !h.decode(w, r, &req) {
		return
	}
	demographics, err := req.demographics()
	if err != nil {
		h.fail(w, err)
		return
	}
	spec, err := req.spec()
	if err != nil {
		h.fail(w, err)
		return
	}
	table, report, err := h.builder.BuildCohort(r.Context(), demographics, spec, req.Constraints.Constraints())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cohort": table.Table(),
		"report": report,
	})
}

func (h *Handler) handleFeatures(w http.ResponseWriter, r *http.Request) {
	if h.features == nil {
		http.Error(w, "feature store not configured", http.StatusServiceUnavailable)
		return
	}
	set, err := h.features.GetFeatures(r.Context(), mux.Vars(r)["patient_id"])
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		http.Error(w, "run history not configured", http.StatusServiceUnavailable)
		return
	}
	runs, err := h.runs.ListRuns(r.Context(), r.URL.Query().Get("pipeline"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		http.Error(w, "run history not configured", http.StatusServiceUnavailable)
		return
	}
	run, err := h.runs.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) handleRunConflicts(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		http.Error(w, "run history not configured", http.StatusServiceUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	if _, err := h.runs.GetRun(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	rows, err := h.runs.Conflicts(r.Context(), id, r.URL.Query().Get("asset"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conflicts": rows, "count": len(rows)})
}

func (h *Handler) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	if h.trigger == nil {
		http.Error(w, "no pipeline configured", http.StatusServiceUnavailable)
		return
	}
	var req RunRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	if dry := r.URL.Query().Get("dry_run"); dry != "" {
		if v, err := strconv.ParseBool(dry); err == nil {
			req.DryRun = v
		}
	}
	if !h.running.TryLock() {
		http.Error(w, errRunInProgress.Error(), http.StatusConflict)
		return
	}
	defer h.running.Unlock()

	summary, err := h.trigger(r.Context(), req.DryRun)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.log.WithError(err).WithField("path", r.URL.Path).Warn("invalid request payload")
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).Error("request failed")
		http.Error(w, "internal error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
