// Package cohort anchors reconciled demographics to index dates and applies
// eligibility criteria.
package cohort

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/curation/pkg/common/logger"
	"github.com/synaptica-ai/curation/pkg/common/models"
	"gopkg.in/guregu/null.v3"
)

const (
	daysPerYear         = 365.25
	cancelCheckInterval = 1024
)

// Eligibility predicates, as named in ExclusionReport.
const (
	PredicateAgeBounds      = "age_bounds"
	PredicateSexKnown       = "sex_known"
	PredicateEthnicityKnown = "ethnicity_known"
	PredicateLSOAKnown      = "lsoa_known"
)

// Constraints are independent eligibility predicates. Age bounds are
// inclusive. A value is unknown when null, blank or listed in UnknownValues
// (compared case-insensitively).
type Constraints struct {
	MinAge                null.Float `json:"min_age" yaml:"-"`
	MaxAge                null.Float `json:"max_age" yaml:"-"`
	RequireKnownSex       bool       `json:"require_known_sex" yaml:"require_known_sex"`
	RequireKnownEthnicity bool       `json:"require_known_ethnicity" yaml:"require_known_ethnicity"`
	RequireKnownLSOA      bool       `json:"require_known_lsoa" yaml:"require_known_lsoa"`
	UnknownValues         []string   `json:"unknown_values" yaml:"unknown_values"`
}

func (c Constraints) Validate() error {
	if c.MinAge.Valid && c.MinAge.Float64 < 0 {
		return models.NewConfigurationError("min_age", "must not be negative")
	}
	if c.MaxAge.Valid && c.MaxAge.Float64 < 0 {
		return models.NewConfigurationError("max_age", "must not be negative")
	}
	if c.MinAge.Valid && c.MaxAge.Valid && c.MinAge.Float64 > c.MaxAge.Float64 {
		return models.NewConfigurationError("age", "min_age %.2f exceeds max_age %.2f", c.MinAge.Float64, c.MaxAge.Float64)
	}
	return nil
}

type predicate struct {
	name  string
	keeps func(models.IndexedPatient) bool
}

func (c Constraints) predicates() []predicate {
	unknown := make(map[string]struct{}, len(c.UnknownValues))
	for _, v := range c.UnknownValues {
		unknown[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	known := func(v null.String) bool {
		if !v.Valid {
			return false
		}
		s := strings.ToLower(strings.TrimSpace(v.String))
		if s == "" {
			return false
		}
		_, isUnknown := unknown[s]
		return !isUnknown
	}

	var preds []predicate
	if c.MinAge.Valid || c.MaxAge.Valid {
		preds = append(preds, predicate{PredicateAgeBounds, func(p models.IndexedPatient) bool {
			if !p.AgeAtIndex.Valid {
				return false
			}
			if c.MinAge.Valid && p.AgeAtIndex.Float64 < c.MinAge.Float64 {
				return false
			}
			return !c.MaxAge.Valid || p.AgeAtIndex.Float64 <= c.MaxAge.Float64
		}})
	}
	if c.RequireKnownSex {
		preds = append(preds, predicate{PredicateSexKnown, func(p models.IndexedPatient) bool { return known(p.Sex) }})
	}
	if c.RequireKnownEthnicity {
		preds = append(preds, predicate{PredicateEthnicityKnown, func(p models.IndexedPatient) bool { return known(p.Ethnicity) }})
	}
	if c.RequireKnownLSOA {
		preds = append(preds, predicate{PredicateLSOAKnown, func(p models.IndexedPatient) bool { return known(p.LSOA) }})
	}
	return preds
}

// ExclusionReport counts, per predicate, how many patients it would exclude
// on its own. A patient failing several predicates is counted under each, and
// once in Excluded.
type ExclusionReport struct {
	Total       int            `json:"total"`
	Included    int            `json:"included"`
	Excluded    int            `json:"excluded"`
	ByPredicate map[string]int `json:"by_predicate"`
}

// CohortTable holds the eligible patients in input order.
type CohortTable struct {
	Patients []models.IndexedPatient `json:"patients"`
}

func (t *CohortTable) Len() int {
	return len(t.Patients)
}

func (t *CohortTable) IndexDates() models.IndexDates {
	order := make([]string, len(t.Patients))
	dates := make(map[string]time.Time, len(t.Patients))
	for i, p := range t.Patients {
		order[i] = p.PatientID
		dates[p.PatientID] = p.IndexDate
	}
	return models.NewIndexDates(order, dates)
}

// Columns are the cohort table's columns, in order.
var Columns = []string{"index_date", "age_at_index", "date_of_birth", "sex", "ethnicity", "lsoa"}

// Table renders the cohort as a patient-keyed table.
func (t *CohortTable) Table() *models.Table {
	table := models.NewTable(Columns...)
	for _, p := range t.Patients {
		table.Upsert(p.PatientID, map[string]interface{}{
			"index_date":    p.IndexDate,
			"age_at_index":  nullable(p.AgeAtIndex.Ptr()),
			"date_of_birth": nullable(p.DateOfBirth.Ptr()),
			"sex":           nullable(p.Sex.Ptr()),
			"ethnicity":     nullable(p.Ethnicity.Ptr()),
			"lsoa":          nullable(p.LSOA.Ptr()),
		})
	}
	return table
}

func nullable[T any](v *T) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

type Builder struct {
	log *logrus.Entry
}

type Option func(*Builder)

func WithLogger(entry *logrus.Entry) Option {
	return func(b *Builder) {
		if entry != nil {
			b.log = entry
		}
	}
}

func NewBuilder(opts ...Option) *Builder {
	b := &Builder{log: logger.Component("cohort")}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// BuildCohort computes age at index for every patient and keeps those passing
// all predicates. Membership does not depend on predicate order.
func (b *Builder) BuildCohort(ctx context.Context, demographics []Demographic, spec IndexDateSpec, c Constraints) (*CohortTable, ExclusionReport, error) {
	report := ExclusionReport{ByPredicate: make(map[string]int)}
	if err := c.Validate(); err != nil {
		return nil, report, err
	}
	if err := spec.Validate(); err != nil {
		return nil, report, err
	}

	ids := make([]string, 0, len(demographics))
	seen := make(map[string]struct{}, len(demographics))
	for _, d := range demographics {
		if d.PatientID == "" {
			return nil, report, models.NewConfigurationError("patient_id", "empty patient id in demographics")
		}
		if _, dup := seen[d.PatientID]; dup {
			return nil, report, models.NewConfigurationError("patient_id", "duplicate demographics for patient %s", d.PatientID)
		}
		seen[d.PatientID] = struct{}{}
		ids = append(ids, d.PatientID)
	}
	index, err := spec.Resolve(ids)
	if err != nil {
		return nil, report, err
	}

	preds := c.predicates()
	for _, p := range preds {
		report.ByPredicate[p.name] = 0
	}
	cohort := &CohortTable{Patients: make([]models.IndexedPatient, 0, len(demographics))}
	for i, d := range demographics {
		if i%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, report, fmt.Errorf("cohort build interrupted after %d patients: %w", i, err)
			}
		}
		indexDate, _ := index.Get(d.PatientID)
		patient := models.IndexedPatient{
			PatientID:   d.PatientID,
			IndexDate:   indexDate,
			AgeAtIndex:  AgeAt(d.DateOfBirth, indexDate),
			DateOfBirth: d.DateOfBirth,
			Sex:         d.Sex,
			Ethnicity:   d.Ethnicity,
			LSOA:        d.LSOA,
		}

		eligible := true
		for _, p := range preds {
			if !p.keeps(patient) {
				report.ByPredicate[p.name]++
				eligible = false
			}
		}
		report.Total++
		if !eligible {
			report.Excluded++
			continue
		}
		report.Included++
		cohort.Patients = append(cohort.Patients, patient)
	}

	b.log.WithFields(logrus.Fields{
		"total":        report.Total,
		"included":     report.Included,
		"excluded":     report.Excluded,
		"by_predicate": report.ByPredicate,
	}).Info("cohort built")
	return cohort, report, nil
}

// AgeAt is the age in years on date, null when dob is unknown.
func AgeAt(dob null.Time, date time.Time) null.Float {
	if !dob.Valid {
		return null.Float{}
	}
	return null.FloatFrom(float64(models.DayDelta(dob.Time, date)) / daysPerYear)
}
