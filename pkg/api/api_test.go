package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/curation/pkg/pipeline"
	"github.com/synaptica-ai/curation/pkg/storage"
)

type fakeFeatures map[string]storage.FeatureSet

func (f fakeFeatures) GetFeatures(_ context.Context, patientID string) (storage.FeatureSet, error) {
	set, ok := f[patientID]
	if !ok {
		return storage.FeatureSet{}, storage.ErrFeaturesNotFound
	}
	return set, nil
}

type fakeRuns struct {
	runs      []storage.Run
	conflicts []storage.ConflictRow
}

func (f *fakeRuns) GetRun(_ context.Context, id string) (*storage.Run, error) {
	for i := range f.runs {
		if f.runs[i].ID == id {
			return &f.runs[i], nil
		}
	}
	return nil, storage.ErrRunNotFound
}

func (f *fakeRuns) ListRuns(_ context.Context, name string) ([]storage.Run, error) {
	var out []storage.Run
	for _, r := range f.runs {
		if name == "" || r.Pipeline == name {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRuns) Conflicts(_ context.Context, runID, asset string) ([]storage.ConflictRow, error) {
	var out []storage.ConflictRow
	for _, c := range f.conflicts {
		if c.RunID == runID && (asset == "" || c.Asset == asset) {
			out = append(out, c)
		}
	}
	return out, nil
}

func newRouter(h *Handler) *mux.Router {
	router := mux.NewRouter()
	h.Register(router.PathPrefix("/api/v1").Subrouter())
	return router
}

func do(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

const sexAsset = `{
	"asset": "sex",
	"value_columns": ["sex"],
	"key_column": "sex",
	"records": [
		{"patient_id": "P1", "source_id": "hes", "priority": 2, "values": {"sex": "M"}},
		{"patient_id": "P1", "source_id": "gp", "priority": 1, "values": {"sex": "F"}},
		{"patient_id": "P2", "source_id": "gp", "priority": 1, "values": {"sex": "M"}},
		{"patient_id": "P2", "source_id": "hes", "priority": 2, "values": {"sex": null}}
	]
}`

func TestHandler_Conflicts(t *testing.T) {
	router := newRouter(NewHandler())

	rec := do(t, router, http.MethodPost, "/api/v1/reconcile/conflicts", sexAsset)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	conflicts := body["conflicts"].([]interface{})
	require.Len(t, conflicts, 1)
	first := conflicts[0].(map[string]interface{})
	assert.Equal(t, "P1", first["patient_id"])
	assert.Equal(t, []interface{}{"F", "M"}, first["values"])
}

func TestHandler_Resolve(t *testing.T) {
	router := newRouter(NewHandler())

	rec := do(t, router, http.MethodPost, "/api/v1/reconcile/resolve", sexAsset)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	resolved := body["resolved"].([]interface{})
	require.Len(t, resolved, 2)
	p1 := resolved[0].(map[string]interface{})
	assert.Equal(t, "P1", p1["patient_id"])
	assert.Equal(t, "gp", p1["source_id"])
	assert.EqualValues(t, 0, body["ambiguous"])
}

func TestHandler_Pivot(t *testing.T) {
	router := newRouter(NewHandler())

	rec := do(t, router, http.MethodPost, "/api/v1/reconcile/pivot", sexAsset)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	table := body["table"].(map[string]interface{})
	assert.Equal(t, []interface{}{"gp_sex", "hes_sex"}, table["columns"])
	rows := table["rows"].([]interface{})
	require.Len(t, rows, 2)
	p2 := rows[1].(map[string]interface{})
	assert.Equal(t, "M", p2["gp_sex"])
	assert.Nil(t, p2["hes_sex"])
}

func TestHandler_Coverage(t *testing.T) {
	router := newRouter(NewHandler())

	rec := do(t, router, http.MethodPost, "/api/v1/reconcile/coverage", sexAsset)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decodeBody(t, rec)["coverage"], 2)
}

func TestHandler_BadRequests(t *testing.T) {
	router := newRouter(NewHandler())

	tests := []struct {
		name string
		path string
		body string
	}{
		{"malformed json", "/api/v1/reconcile/conflicts", `{"asset":`},
		{"unknown key column", "/api/v1/reconcile/conflicts", `{"asset":"sex","value_columns":["sex"],"key_column":"dob","records":[]}`},
		{"missing priority", "/api/v1/reconcile/resolve", `{"asset":"sex","value_columns":["sex"],"records":[{"patient_id":"P1","source_id":"gp","values":{"sex":"F"}}]}`},
		{"bad event date", "/api/v1/windows", `{"index_date":"2024-01-01","events":[{"patient_id":"P1","event_date":"not a date","code":"X"}],"windows":[{"label":"w","direction":"before"}]}`},
		{"inverted window", "/api/v1/windows", `{"index_date":"2024-01-01","events":[],"patients":["P1"],"windows":[{"label":"w","direction":"before","start":30,"end":90}]}`},
		{"no index date", "/api/v1/windows", `{"events":[],"windows":[{"label":"w","direction":"before"}]}`},
		{"unknown reducer", "/api/v1/windows", `{"index_date":"2024-01-01","patients":["P1"],"windows":[{"label":"w","direction":"before"}],"aggregations":[{"column":"x","reducer":"median"}]}`},
		{"match codes without list", "/api/v1/windows", `{"index_date":"2024-01-01","patients":["P1"],"preprocess":[{"type":"match_codes"}],"windows":[{"label":"w","direction":"before"}]}`},
		{"bad direction", "/api/v1/windows/flags", `{"index_date":"2024-01-01","direction":"sideways"}`},
		{"bad extremum", "/api/v1/windows/extract", `{"index_date":"2024-01-01","value_column":"v","extremum":"mean","window":{"label":"w","direction":"before"}}`},
		{"bad date of birth", "/api/v1/cohort", `{"index_date":"2024-01-01","demographics":[{"patient_id":"P1","date_of_birth":"not-a-date"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestHandler_Windows(t *testing.T) {
	router := newRouter(NewHandler())

	rec := do(t, router, http.MethodPost, "/api/v1/windows", `{
		"index_date": "2024-01-01",
		"patients": ["P1", "P2"],
		"events": [
			{"patient_id": "P1", "event_date": "2023-12-01", "code": "e11"},
			{"patient_id": "P1", "event_date": "2023-06-01", "code": "E11"},
			{"patient_id": "P1", "event_date": "2024-02-01", "code": "E11"}
		],
		"preprocess": [{"type": "normalize_codes"}],
		"windows": [
			{"label": "last_year", "direction": "before", "start": 365},
			{"label": "next_year", "direction": "after", "end": 365}
		],
		"aggregations": [
			{"column": "count", "reducer": "count"},
			{"column": "codes", "reducer": "distinct_codes"}
		]
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	table := body["table"].(map[string]interface{})
	assert.Equal(t, []interface{}{"last_year_count", "last_year_codes", "next_year_count", "next_year_codes"}, table["columns"])
	rows := table["rows"].([]interface{})
	require.Len(t, rows, 2)
	p1 := rows[0].(map[string]interface{})
	assert.EqualValues(t, 2, p1["last_year_count"])
	assert.EqualValues(t, 1, p1["last_year_codes"])
	assert.EqualValues(t, 1, p1["next_year_count"])
	p2 := rows[1].(map[string]interface{})
	assert.EqualValues(t, 0, p2["last_year_count"])

	report := body["preprocess"].(map[string]interface{})
	assert.Len(t, report["steps"], 1)
}

func TestHandler_WindowsPerPatientIndex(t *testing.T) {
	router := newRouter(NewHandler())

	rec := do(t, router, http.MethodPost, "/api/v1/windows", `{
		"index_dates": {"P2": "2024-01-01", "P1": "2023-01-01"},
		"events": [{"patient_id": "P1", "event_date": "2023-12-01", "code": "E11"}],
		"windows": [{"label": "prior", "direction": "before"}],
		"aggregations": [{"column": "flag", "reducer": "has_event"}]
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rows := decodeBody(t, rec)["table"].(map[string]interface{})["rows"].([]interface{})
	require.Len(t, rows, 2)
	p1 := rows[0].(map[string]interface{})
	assert.Equal(t, "P1", p1["patient_id"])
	assert.Equal(t, false, p1["prior_flag"])
}

func TestHandler_Flags(t *testing.T) {
	router := newRouter(NewHandler())

	rec := do(t, router, http.MethodPost, "/api/v1/windows/flags", `{
		"index_date": "2024-01-01",
		"patients": ["P1", "P2"],
		"direction": "before",
		"names": ["Hypertension"],
		"dates": true,
		"events": [{"patient_id": "P1", "event_date": "2022-03-15", "code": "I10"}]
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	table := decodeBody(t, rec)["table"].(map[string]interface{})
	assert.Equal(t, []interface{}{"hypertension_flag", "hypertension_earliest", "hypertension_latest"}, table["columns"])
	rows := table["rows"].([]interface{})
	for _, row := range rows {
		assert.Equal(t, false, row.(map[string]interface{})["hypertension_flag"])
	}
}

func TestHandler_Extract(t *testing.T) {
	router := newRouter(NewHandler())

	rec := do(t, router, http.MethodPost, "/api/v1/windows/extract", `{
		"index_date": "2024-01-01",
		"value_column": "value",
		"extremum": "max",
		"window": {"label": "prior", "direction": "before"},
		"events": [
			{"patient_id": "P1", "event_date": "2023-03-01", "code": "44N", "values": {"value": 48}},
			{"patient_id": "P1", "event_date": "2023-06-01", "code": "44N", "values": {"value": "52.5"}}
		]
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	table := decodeBody(t, rec)["table"].(map[string]interface{})
	// events without a name produce no columns
	assert.Empty(t, table["columns"])
	assert.Len(t, table["rows"], 1)
}

func TestHandler_Cohort(t *testing.T) {
	router := newRouter(NewHandler())

	rec := do(t, router, http.MethodPost, "/api/v1/cohort", `{
		"index_date": "2024-01-01",
		"constraints": {"min_age": 18, "require_known_sex": true},
		"demographics": [
			{"patient_id": "P1", "date_of_birth": "1950-05-15", "sex": "F"},
			{"patient_id": "P2", "date_of_birth": "2010-01-01", "sex": "M"},
			{"patient_id": "P3", "date_of_birth": "1980-01-01"}
		]
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	report := body["report"].(map[string]interface{})
	assert.EqualValues(t, 3, report["total"])
	assert.EqualValues(t, 1, report["included"])
	rows := body["cohort"].(map[string]interface{})["rows"].([]interface{})
	require.Len(t, rows, 1)
	p1 := rows[0].(map[string]interface{})
	assert.Equal(t, "P1", p1["patient_id"])
	assert.Equal(t, "2024-01-01", p1["index_date"])
}

func TestHandler_Features(t *testing.T) {
	h := NewHandler(WithFeatures(fakeFeatures{
		"P1": {PatientID: "P1", RunID: "run-1", Features: map[string]interface{}{"hypertension_flag": true}},
	}))
	router := newRouter(h)

	rec := do(t, router, http.MethodGet, "/api/v1/features/P1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "run-1", decodeBody(t, rec)["run_id"])

	rec = do(t, router, http.MethodGet, "/api/v1/features/P9", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, newRouter(NewHandler()), http.MethodGet, "/api/v1/features/P1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandler_Runs(t *testing.T) {
	runs := &fakeRuns{
		runs: []storage.Run{
			{ID: "run-2", Pipeline: "diabetes"},
			{ID: "run-1", Pipeline: "copd"},
		},
		conflicts: []storage.ConflictRow{
			{RunID: "run-2", Asset: "sex", PatientID: "P1"},
			{RunID: "run-2", Asset: "dob", PatientID: "P1"},
		},
	}
	router := newRouter(NewHandler(WithRuns(runs)))

	rec := do(t, router, http.MethodGet, "/api/v1/runs?pipeline=diabetes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["runs"], 1)

	rec = do(t, router, http.MethodGet, "/api/v1/runs/run-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "diabetes", decodeBody(t, rec)["pipeline"])

	rec = do(t, router, http.MethodGet, "/api/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/v1/runs/run-2/conflicts?asset=sex", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeBody(t, rec)["count"])

	rec = do(t, router, http.MethodGet, "/api/v1/runs/missing/conflicts", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_TriggerRun(t *testing.T) {
	var gotDry bool
	h := NewHandler(WithTrigger(func(_ context.Context, dryRun bool) (*pipeline.Summary, error) {
		gotDry = dryRun
		return &pipeline.Summary{RunID: "run-3", Pipeline: "diabetes", DryRun: dryRun}, nil
	}))
	router := newRouter(h)

	rec := do(t, router, http.MethodPost, "/api/v1/runs", RunRequest{DryRun: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, gotDry)
	assert.Equal(t, "run-3", decodeBody(t, rec)["run_id"])

	rec = do(t, router, http.MethodPost, "/api/v1/runs?dry_run=false", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, gotDry)

	h.running.Lock()
	rec = do(t, router, http.MethodPost, "/api/v1/runs", nil)
	h.running.Unlock()
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandler_TriggerRunFailure(t *testing.T) {
	router := newRouter(NewHandler(WithTrigger(func(context.Context, bool) (*pipeline.Summary, error) {
		return nil, errors.New("postgres unavailable")
	})))

	rec := do(t, router, http.MethodPost, "/api/v1/runs", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "postgres")

	rec = do(t, newRouter(NewHandler()), http.MethodPost, "/api/v1/runs", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
