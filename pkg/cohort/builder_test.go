package cohort

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/curation/pkg/common/models"
	"gopkg.in/guregu/null.v3"
)

var index = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func dob(years int) null.Time {
	return null.TimeFrom(index.AddDate(-years, 0, -1))
}

func TestBuildCohort_IndependentPredicates(t *testing.T) {
	demographics := []Demographic{
		{PatientID: "adult", DateOfBirth: dob(40), Sex: null.StringFrom("F"), Ethnicity: null.StringFrom("A")},
		{PatientID: "child", DateOfBirth: dob(13), Sex: null.StringFrom("M"), Ethnicity: null.StringFrom("B")},
		{PatientID: "nosex", DateOfBirth: dob(50), Ethnicity: null.StringFrom("C")},
		{PatientID: "both", DateOfBirth: dob(10), Sex: null.StringFrom("unknown"), Ethnicity: null.StringFrom("A")},
		{PatientID: "nodob", Sex: null.StringFrom("F"), Ethnicity: null.StringFrom("A")},
	}
	c := Constraints{MinAge: null.FloatFrom(18), RequireKnownSex: true, UnknownValues: []string{"Unknown"}}

	cohort, report, err := NewBuilder().BuildCohort(context.Background(), demographics, FixedIndexDate(index), c)
	require.NoError(t, err)

	require.Equal(t, 1, cohort.Len())
	assert.Equal(t, "adult", cohort.Patients[0].PatientID)
	assert.InDelta(t, 40.0, cohort.Patients[0].AgeAtIndex.Float64, 0.01)

	assert.Equal(t, 5, report.Total)
	assert.Equal(t, 1, report.Included)
	assert.Equal(t, 4, report.Excluded)
	assert.Equal(t, 3, report.ByPredicate[PredicateAgeBounds])
	assert.Equal(t, 2, report.ByPredicate[PredicateSexKnown])
	assert.NotContains(t, report.ByPredicate, PredicateLSOAKnown)
}

func TestBuildCohort_OrderIndependent(t *testing.T) {
	demographics := []Demographic{
		{PatientID: "P1", DateOfBirth: dob(30), Sex: null.StringFrom("F"), LSOA: null.StringFrom("E01000001")},
		{PatientID: "P2", DateOfBirth: dob(90), Sex: null.StringFrom("M"), LSOA: null.StringFrom(" ")},
		{PatientID: "P3", DateOfBirth: dob(60), Ethnicity: null.StringFrom("A"), LSOA: null.StringFrom("E01000002")},
	}
	c := Constraints{MinAge: null.FloatFrom(18), MaxAge: null.FloatFrom(80), RequireKnownSex: true, RequireKnownLSOA: true}
	forward, _, err := NewBuilder().BuildCohort(context.Background(), demographics, FixedIndexDate(index), c)
	require.NoError(t, err)

	reversed := []Demographic{demographics[2], demographics[1], demographics[0]}
	backward, _, err := NewBuilder().BuildCohort(context.Background(), reversed, FixedIndexDate(index), c)
	require.NoError(t, err)

	assert.ElementsMatch(t, forward.IndexDates().PatientIDs(), backward.IndexDates().PatientIDs())
	assert.Equal(t, []string{"P1"}, forward.IndexDates().PatientIDs())
}

func TestBuildCohort_PerPatientIndexDates(t *testing.T) {
	demographics := []Demographic{
		{PatientID: "P1", DateOfBirth: null.TimeFrom(time.Date(2000, 6, 1, 0, 0, 0, 0, time.UTC))},
		{PatientID: "P2", DateOfBirth: null.TimeFrom(time.Date(2000, 6, 1, 0, 0, 0, 0, time.UTC))},
	}
	spec := PerPatientIndexDates(map[string]time.Time{
		"P1": time.Date(2010, 6, 1, 0, 0, 0, 0, time.UTC),
		"P2": time.Date(2020, 6, 1, 15, 30, 0, 0, time.UTC),
	})

	cohort, _, err := NewBuilder().BuildCohort(context.Background(), demographics, spec, Constraints{})
	require.NoError(t, err)
	require.Equal(t, 2, cohort.Len())
	assert.InDelta(t, 10.0, cohort.Patients[0].AgeAtIndex.Float64, 0.01)
	assert.InDelta(t, 20.0, cohort.Patients[1].AgeAtIndex.Float64, 0.01)

	dates := cohort.IndexDates()
	d, ok := dates.Get("P2")
	require.True(t, ok)
	assert.Equal(t, time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC), d)

	table := cohort.Table()
	assert.Equal(t, 2, table.Len())
	sex, _ := table.Value("P1", "sex")
	assert.Nil(t, sex)
}

func TestBuildCohort_CardinalityMismatch(t *testing.T) {
	demographics := []Demographic{{PatientID: "P1"}, {PatientID: "P2"}}
	spec := PerPatientIndexDates(map[string]time.Time{"P1": index, "P3": index})

	_, _, err := NewBuilder().BuildCohort(context.Background(), demographics, spec, Constraints{})
	require.Error(t, err)
	assert.True(t, models.IsConfigurationError(err))
}

func TestBuildCohort_RejectsBadConfiguration(t *testing.T) {
	cases := map[string]struct {
		demographics []Demographic
		spec         IndexDateSpec
		constraints  Constraints
	}{
		"no index date":  {spec: IndexDateSpec{}},
		"both specs":     {spec: IndexDateSpec{Fixed: null.TimeFrom(index), PerPatient: map[string]time.Time{}}},
		"min above max":  {spec: FixedIndexDate(index), constraints: Constraints{MinAge: null.FloatFrom(65), MaxAge: null.FloatFrom(18)}},
		"negative age":   {spec: FixedIndexDate(index), constraints: Constraints{MinAge: null.FloatFrom(-1)}},
		"duplicate":      {spec: FixedIndexDate(index), demographics: []Demographic{{PatientID: "P1"}, {PatientID: "P1"}}},
		"empty identity": {spec: FixedIndexDate(index), demographics: []Demographic{{}}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := NewBuilder().BuildCohort(context.Background(), tc.demographics, tc.spec, tc.constraints)
			assert.True(t, models.IsConfigurationError(err), "got %v", err)
		})
	}
}

func TestBuildCohort_EmptyDemographics(t *testing.T) {
	cohort, report, err := NewBuilder().BuildCohort(context.Background(), nil, FixedIndexDate(index), Constraints{MinAge: null.FloatFrom(18)})
	require.NoError(t, err)
	assert.Equal(t, 0, cohort.Len())
	assert.Equal(t, 0, report.Total)
	assert.Equal(t, 0, report.ByPredicate[PredicateAgeBounds])
}

func TestBuildCohort_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := NewBuilder().BuildCohort(ctx, []Demographic{{PatientID: "P1"}}, FixedIndexDate(index), Constraints{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseIndexDate(t *testing.T) {
	spec, err := ParseIndexDate("2024-01-01")
	require.NoError(t, err)
	assert.Equal(t, index, spec.Fixed.Time)

	spec, err = ParseIndexDate("01/02/2024")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), spec.Fixed.Time)

	_, err = ParseIndexDate("not a date")
	assert.True(t, models.IsConfigurationError(err))
}

func TestDemographicsFromResolved(t *testing.T) {
	resolved := func(patient, col, value string) models.ResolvedRecord {
		v := null.StringFrom(value)
		if value == "" {
			v = null.String{}
		}
		return models.ResolvedRecord{PatientID: patient, Values: map[string]null.String{col: v}}
	}
	assets := map[string][]models.ResolvedRecord{
		"dob": {
			resolved("P1", "dob", "1950-05-15"),
			resolved("P2", "dob", "garbage"),
		},
		"sex": {
			resolved("P2", "sex", "F"),
			resolved("P3", "sex", "M"),
		},
	}
	fields := DemographicFields{
		DateOfBirth: FieldRef{Asset: "dob", Column: "dob"},
		Sex:         FieldRef{Asset: "sex", Column: "sex"},
	}

	got, err := DemographicsFromResolved(assets, fields, nil)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "P1", got[0].PatientID)
	assert.Equal(t, time.Date(1950, 5, 15, 0, 0, 0, 0, time.UTC), got[0].DateOfBirth.Time)
	assert.False(t, got[1].DateOfBirth.Valid)
	assert.Equal(t, "F", got[1].Sex.String)
	assert.Equal(t, "P3", got[2].PatientID)
	assert.False(t, got[2].Ethnicity.Valid)

	_, err = DemographicsFromResolved(assets, DemographicFields{LSOA: FieldRef{Asset: "lsoa", Column: "lsoa"}}, nil)
	assert.True(t, models.IsConfigurationError(err))
}

func TestDemographicsFromResolved_DayFirstDates(t *testing.T) {
	assets := map[string][]models.ResolvedRecord{
		"dob": {
			{PatientID: "P1", Values: map[string]null.String{"dob": null.StringFrom("15/05/1950")}},
			{PatientID: "P2", Values: map[string]null.String{"dob": null.StringFrom("03/04/1950")}},
		},
	}
	got, err := DemographicsFromResolved(assets, DemographicFields{DateOfBirth: FieldRef{Asset: "dob", Column: "dob"}}, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.True(t, got[0].DateOfBirth.Valid)
	assert.Equal(t, time.Date(1950, 5, 15, 0, 0, 0, 0, time.UTC), got[0].DateOfBirth.Time)
	require.True(t, got[1].DateOfBirth.Valid)
	assert.Equal(t, time.Date(1950, 4, 3, 0, 0, 0, 0, time.UTC), got[1].DateOfBirth.Time)

	age := AgeAt(got[1].DateOfBirth, time.Date(2024, 4, 3, 0, 0, 0, 0, time.UTC))
	assert.InDelta(t, 74.0, age.Float64, 0.01)
}
