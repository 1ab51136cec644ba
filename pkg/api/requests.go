package api

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/synaptica-ai/curation/pkg/cohort"
	"github.com/synaptica-ai/curation/pkg/common/models"
	"github.com/synaptica-ai/curation/pkg/ingestion"
	"github.com/synaptica-ai/curation/pkg/pipeline"
	"github.com/synaptica-ai/curation/pkg/preprocess"
	"github.com/synaptica-ai/curation/pkg/temporal"
	"gopkg.in/guregu/null.v3"
)

// AssetRequest carries one asset in long format, as submitted to the
// ingestion endpoints.
type AssetRequest struct {
	Asset        string                       `json:"asset"`
	ValueColumns []string                     `json:"value_columns"`
	Records      []ingestion.SourceRowRequest `json:"records"`
}

func (r AssetRequest) table() (models.LongFormatTable, error) {
	rows, err := ingestion.SourceBatchRequest{Records: r.Records}.ToRows()
	if err != nil {
		return models.LongFormatTable{}, err
	}
	return ingestion.ToLongFormat(r.Asset, r.ValueColumns, rows)
}

type ConflictsRequest struct {
	AssetRequest
	KeyColumn string `json:"key_column"`
}

type PivotRequest struct {
	AssetRequest
	Columns []string `json:"columns"`
}

// IndexRequest anchors patients either to one index_date or to a per-patient
// index_dates mapping. Patients fixes the population and its order; without
// it the population is taken from the mapping or, for a fixed date, from the
// events.
type IndexRequest struct {
	IndexDate  string            `json:"index_date"`
	IndexDates map[string]string `json:"index_dates"`
	Patients   []string          `json:"patients"`
}

func (r IndexRequest) spec() (cohort.IndexDateSpec, error) {
	var spec cohort.IndexDateSpec
	if strings.TrimSpace(r.IndexDate) != "" {
		fixed, err := cohort.ParseIndexDate(r.IndexDate)
		if err != nil {
			return spec, err
		}
		spec = fixed
	}
	if r.IndexDates != nil {
		dates := make(map[string]time.Time, len(r.IndexDates))
		for id, value := range r.IndexDates {
			t, err := models.ParseDate(value)
			if err != nil {
				return spec, models.NewConfigurationError("index_dates", "patient %s: unparseable date %q", id, value)
			}
			dates[id] = t
		}
		spec.PerPatient = dates
	}
	return spec, spec.Validate()
}

func (r IndexRequest) resolve(events []models.EventRecord) (models.IndexDates, error) {
	spec, err := r.spec()
	if err != nil {
		return models.IndexDates{}, err
	}
	ids := r.Patients
	switch {
	case len(ids) > 0:
	case spec.PerPatient != nil:
		for id := range spec.PerPatient {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	default:
		seen := make(map[string]struct{})
		for _, ev := range events {
			if _, ok := seen[ev.PatientID]; !ok {
				seen[ev.PatientID] = struct{}{}
				ids = append(ids, ev.PatientID)
			}
		}
	}
	return spec.Resolve(ids)
}

// EventsRequest is the shared part of the window endpoints.
type EventsRequest struct {
	IndexRequest
	Events     []ingestion.EventRequest `json:"events"`
	Preprocess []preprocess.Config      `json:"preprocess"`
}

func (r EventsRequest) records() ([]models.EventRecord, error) {
	rows, err := ingestion.EventBatchRequest{Events: r.Events}.ToRows()
	if err != nil {
		return nil, err
	}
	return ingestion.ToEventRecords(rows), nil
}

type WindowsRequest struct {
	EventsRequest
	Windows      []pipeline.WindowDef     `json:"windows"`
	Aggregations temporal.AggregationSpec `json:"aggregations"`
	FillMissing  *bool                    `json:"fill_missing"`
}

func (r WindowsRequest) windows() []models.TimeWindow {
	out := make([]models.TimeWindow, 0, len(r.Windows))
	for _, w := range r.Windows {
		out = append(out, w.TimeWindow())
	}
	return out
}

func (r WindowsRequest) aggregations() temporal.AggregationSpec {
	if len(r.Aggregations) == 0 {
		return temporal.DefaultAggregations()
	}
	return r.Aggregations
}

type FlagsRequest struct {
	EventsRequest
	Names       []string            `json:"names"`
	Direction   string              `json:"direction"`
	Window      *pipeline.WindowDef `json:"window"`
	Dates       bool                `json:"dates"`
	DaysToIndex bool                `json:"days_to_index"`
}

type ExtractRequest struct {
	EventsRequest
	ValueColumn string             `json:"value_column"`
	Extremum    string             `json:"extremum"`
	Window      pipeline.WindowDef `json:"window"`
}

type DemographicRequest struct {
	PatientID   string  `json:"patient_id"`
	DateOfBirth string  `json:"date_of_birth"`
	Sex         *string `json:"sex"`
	Ethnicity   *string `json:"ethnicity"`
	LSOA        *string `json:"lsoa"`
}

type CohortRequest struct {
	IndexRequest
	Demographics []DemographicRequest   `json:"demographics"`
	Constraints  pipeline.ConstraintsDef `json:"constraints"`
}

// demographics rejects unparseable dates of birth; a blank one is unknown.
func (r CohortRequest) demographics() ([]cohort.Demographic, error) {
	out := make([]cohort.Demographic, 0, len(r.Demographics))
	for i, d := range r.Demographics {
		demo := cohort.Demographic{
			PatientID: d.PatientID,
			Sex:       null.StringFromPtr(d.Sex),
			Ethnicity: null.StringFromPtr(d.Ethnicity),
			LSOA:      null.StringFromPtr(d.LSOA),
		}
		if dob := strings.TrimSpace(d.DateOfBirth); dob != "" {
			t, err := models.ParseDate(dob)
			if err != nil {
				return nil, requestError{fmt.Errorf("demographic %d: invalid date_of_birth %q", i+1, dob)}
			}
			demo.DateOfBirth = null.TimeFrom(models.CivilDate(t))
		}
		out = append(out, demo)
	}
	return out, nil
}

type RunRequest struct {
	DryRun bool `json:"dry_run"`
}
