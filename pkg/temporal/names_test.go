package temporal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/curation/pkg/common/models"
	"gopkg.in/guregu/null.v3"
)

func TestFlagByName_CovariatesWithDates(t *testing.T) {
	e := NewEngine()
	index := models.FixedIndexDates(indexDay, []string{"P1", "P2"})
	events := []models.EventRecord{
		event("P1", "2022-03-15", "E11", "Type 2 Diabetes"),
		event("P1", "2023-09-01", "E11", "Type 2 Diabetes"),
		event("P2", "2024-03-01", "E11", "Type 2 Diabetes"),
		event("P2", "2020-01-01", "I10", "Hypertension"),
	}

	table, err := e.FlagByName(context.Background(), events, index, nil, models.DirectionBefore, nil, FlagOptions{Dates: true, DaysToIndex: true})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"hypertension_flag", "hypertension_earliest", "hypertension_latest", "hypertension_days_to_index",
		"type_2_diabetes_flag", "type_2_diabetes_earliest", "type_2_diabetes_latest", "type_2_diabetes_days_to_index",
	}, table.Columns)

	v, _ := table.Value("P1", "type_2_diabetes_flag")
	assert.Equal(t, true, v)
	v, _ = table.Value("P1", "type_2_diabetes_earliest")
	assert.Equal(t, day("2022-03-15"), v)
	v, _ = table.Value("P1", "type_2_diabetes_days_to_index")
	assert.Equal(t, models.DayDelta(indexDay, day("2023-09-01")), v)
	v, _ = table.Value("P1", "hypertension_flag")
	assert.Equal(t, false, v)

	v, _ = table.Value("P2", "type_2_diabetes_flag")
	assert.Equal(t, false, v, "post-index events are not covariates")
	v, _ = table.Value("P2", "type_2_diabetes_latest")
	assert.Nil(t, v)
	v, _ = table.Value("P2", "hypertension_flag")
	assert.Equal(t, true, v)
}

func TestFlagByName_ExplicitNamesAndWindow(t *testing.T) {
	e := NewEngine()
	index := models.FixedIndexDates(indexDay, []string{"P1"})
	events := []models.EventRecord{
		event("P1", "2024-02-01", "I21", "mi"),
		event("P1", "2026-02-01", "I21", "mi"),
		event("P1", "2024-02-01", "C50", "cancer"),
	}
	w := models.After("year", null.IntFrom(0), null.IntFrom(365))

	table, err := e.FlagByName(context.Background(), events, index, []string{"mi", "stroke"}, models.DirectionAfter, &w, FlagOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"mi_flag", "stroke_flag"}, table.Columns)
	v, _ := table.Value("P1", "mi_flag")
	assert.Equal(t, true, v)
	v, _ = table.Value("P1", "stroke_flag")
	assert.Equal(t, false, v)
}

func TestFlagByName_DirectionMismatch(t *testing.T) {
	w := models.After("year", null.IntFrom(0), null.IntFrom(365))
	_, err := NewEngine().FlagByName(context.Background(), nil, models.IndexDates{}, []string{"mi"}, models.DirectionBefore, &w, FlagOptions{})
	assert.True(t, models.IsConfigurationError(err))
}

func TestFlagByName_CollidingNames(t *testing.T) {
	_, err := NewEngine().FlagByName(context.Background(), nil, models.IndexDates{}, []string{"Heart Failure", "heart-failure"}, models.DirectionBefore, nil, FlagOptions{})
	assert.True(t, models.IsConfigurationError(err))
}

func TestExtractValueByName(t *testing.T) {
	e := NewEngine()
	index := models.FixedIndexDates(indexDay, []string{"P1", "P2"})
	lab := func(patient, date string, v interface{}) models.EventRecord {
		ev := event(patient, date, "44J9", "HbA1c")
		ev.Values = map[string]interface{}{"value": v}
		return ev
	}
	events := []models.EventRecord{
		lab("P1", "2023-01-10", 48.0),
		lab("P1", "2023-06-10", "61.5"),
		lab("P1", "2023-08-10", 61.5),
		lab("P1", "2023-09-10", nil),
		lab("P1", "2023-10-10", "n/a"),
		lab("P1", "2024-06-10", 90),
		lab("P2", "2023-10-10", nil),
	}
	w := models.Before("last_year", null.IntFrom(365), null.IntFrom(0))

	hi, err := e.ExtractValueByName(context.Background(), events, index, "value", Max, w)
	require.NoError(t, err)
	assert.Equal(t, []string{"hba1c_max", "hba1c_max_date"}, hi.Columns)
	v, _ := hi.Value("P1", "hba1c_max")
	assert.Equal(t, 61.5, v)
	v, _ = hi.Value("P1", "hba1c_max_date")
	assert.Equal(t, day("2023-06-10"), v)
	v, _ = hi.Value("P2", "hba1c_max")
	assert.Nil(t, v)

	lo, err := e.ExtractValueByName(context.Background(), events, index, "value", Min, w)
	require.NoError(t, err)
	v, _ = lo.Value("P1", "hba1c_min")
	assert.Equal(t, 48.0, v)
}

func TestExtractValueByName_RejectsBadArguments(t *testing.T) {
	e := NewEngine()
	w := models.DefaultWindow("w", models.DirectionBefore)

	_, err := e.ExtractValueByName(context.Background(), nil, models.IndexDates{}, "", Max, w)
	assert.True(t, models.IsConfigurationError(err))

	_, err = e.ExtractValueByName(context.Background(), nil, models.IndexDates{}, "value", Extremum("mean"), w)
	assert.True(t, models.IsConfigurationError(err))

	_, err = e.ExtractValueByName(context.Background(), nil, models.IndexDates{}, "value", Max, models.Before("w", null.IntFrom(1), null.IntFrom(5)))
	assert.True(t, models.IsInvalidWindowError(err))
}

func TestColumnName(t *testing.T) {
	assert.Equal(t, "type_2_diabetes", ColumnName("  Type 2 Diabetes "))
	assert.Equal(t, "copd_exacerbation", ColumnName("COPD (exacerbation)"))
	assert.Equal(t, "", ColumnName("--"))
}
