package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/synaptica-ai/curation/pkg/cohort"
	"github.com/synaptica-ai/curation/pkg/common/models"
	"github.com/synaptica-ai/curation/pkg/preprocess"
	"github.com/synaptica-ai/curation/pkg/temporal"
	"gopkg.in/guregu/null.v3"
	"gopkg.in/yaml.v3"
)

// Definition is a named curation pipeline as authored in YAML.
type Definition struct {
	Name         string                   `yaml:"name"`
	Assets       []AssetDef               `yaml:"assets"`
	Demographics cohort.DemographicFields `yaml:"demographics"`
	IndexDate    IndexDateDef             `yaml:"index_date"`
	Constraints  ConstraintsDef           `yaml:"constraints"`
	Preprocess   []preprocess.Config      `yaml:"preprocess"`
	Features     FeaturesDef              `yaml:"features"`
}

// AssetDef names an asset to reconcile. KeyColumn, when set, is checked for
// conflicts.
type AssetDef struct {
	Name         string   `yaml:"name"`
	ValueColumns []string `yaml:"value_columns"`
	KeyColumn    string   `yaml:"key_column"`
}

// IndexDateDef is either a fixed date or a column of a reconciled asset
// holding each patient's index date.
type IndexDateDef struct {
	Fixed string          `yaml:"fixed"`
	From  cohort.FieldRef `yaml:"from"`
}

type ConstraintsDef struct {
	MinAge                *float64 `yaml:"min_age" json:"min_age"`
	MaxAge                *float64 `yaml:"max_age" json:"max_age"`
	RequireKnownSex       bool     `yaml:"require_known_sex" json:"require_known_sex"`
	RequireKnownEthnicity bool     `yaml:"require_known_ethnicity" json:"require_known_ethnicity"`
	RequireKnownLSOA      bool     `yaml:"require_known_lsoa" json:"require_known_lsoa"`
	UnknownValues         []string `yaml:"unknown_values" json:"unknown_values"`
}

func (c ConstraintsDef) Constraints() cohort.Constraints {
	return cohort.Constraints{
		MinAge:                null.FloatFromPtr(c.MinAge),
		MaxAge:                null.FloatFromPtr(c.MaxAge),
		RequireKnownSex:       c.RequireKnownSex,
		RequireKnownEthnicity: c.RequireKnownEthnicity,
		RequireKnownLSOA:      c.RequireKnownLSOA,
		UnknownValues:         c.UnknownValues,
	}
}

type WindowDef struct {
	Label     string `yaml:"label" json:"label"`
	Direction string `yaml:"direction" json:"direction"`
	Start     *int64 `yaml:"start" json:"start"`
	End       *int64 `yaml:"end" json:"end"`
}

func (w WindowDef) TimeWindow() models.TimeWindow {
	return models.TimeWindow{
		Label:     w.Label,
		Direction: models.Direction(strings.ToLower(strings.TrimSpace(w.Direction))),
		Start:     null.IntFromPtr(w.Start),
		End:       null.IntFromPtr(w.End),
	}
}

type FeaturesDef struct {
	Windows     []WindowSetDef  `yaml:"windows"`
	Flags       []FlagDef       `yaml:"flags"`
	Extractions []ExtractionDef `yaml:"extractions"`
}

// WindowSetDef runs MultiWindow over its windows. Events may be narrowed to
// the given names; FillMissing defaults to true.
type WindowSetDef struct {
	Name         string                   `yaml:"name"`
	Names        []string                 `yaml:"names"`
	Windows      []WindowDef              `yaml:"windows"`
	Aggregations temporal.AggregationSpec `yaml:"aggregations"`
	FillMissing  *bool                    `yaml:"fill_missing"`
}

func (s WindowSetDef) fill() bool {
	return s.FillMissing == nil || *s.FillMissing
}

type FlagDef struct {
	Name        string     `yaml:"name"`
	Names       []string   `yaml:"names"`
	Direction   string     `yaml:"direction"`
	Window      *WindowDef `yaml:"window"`
	Dates       bool       `yaml:"dates"`
	DaysToIndex bool       `yaml:"days_to_index"`
}

type ExtractionDef struct {
	Name        string    `yaml:"name"`
	Names       []string  `yaml:"names"`
	ValueColumn string    `yaml:"value_column"`
	Extremum    string    `yaml:"extremum"`
	Window      WindowDef `yaml:"window"`
}

// LoadDefinition reads and validates a pipeline file.
func LoadDefinition(path string, registry *temporal.Registry) (Definition, error) {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Definition{}, fmt.Errorf("read pipeline definition: %w", err)
	}
	return ParseDefinition(content, registry)
}

func ParseDefinition(content []byte, registry *temporal.Registry) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(content, &def); err != nil {
		return Definition{}, fmt.Errorf("parse pipeline definition: %w", err)
	}
	if err := def.Validate(registry); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// Validate checks the whole definition without touching any data.
func (d Definition) Validate(registry *temporal.Registry) error {
	if registry == nil {
		registry = temporal.NewRegistry()
	}
	if strings.TrimSpace(d.Name) == "" {
		return models.NewConfigurationError("name", "pipeline name required")
	}
	if len(d.Assets) == 0 {
		return models.NewConfigurationError("assets", "at least one asset required")
	}
	assets := make(map[string]AssetDef, len(d.Assets))
	for _, a := range d.Assets {
		if a.Name == "" {
			return models.NewConfigurationError("assets", "asset name required")
		}
		if _, dup := assets[a.Name]; dup {
			return models.NewConfigurationError(a.Name, "duplicate asset")
		}
		if len(a.ValueColumns) == 0 {
			return models.NewConfigurationError(a.Name, "value_columns required")
		}
		if a.KeyColumn != "" && !contains(a.ValueColumns, a.KeyColumn) {
			return models.NewConfigurationError(a.Name, "key_column %q is not a value column", a.KeyColumn)
		}
		assets[a.Name] = a
	}

	for field, ref := range map[string]cohort.FieldRef{
		"demographics.date_of_birth": d.Demographics.DateOfBirth,
		"demographics.sex":           d.Demographics.Sex,
		"demographics.ethnicity":     d.Demographics.Ethnicity,
		"demographics.lsoa":          d.Demographics.LSOA,
		"index_date.from":            d.IndexDate.From,
	} {
		if err := checkRef(field, ref, assets); err != nil {
			return err
		}
	}
	if d.Demographics == (cohort.DemographicFields{}) {
		return models.NewConfigurationError("demographics", "at least one demographic field required")
	}
	if _, err := d.IndexDate.fixed(); err != nil {
		return err
	}
	if err := d.Constraints.Constraints().Validate(); err != nil {
		return err
	}
	if _, err := preprocess.ParseSteps(d.Preprocess, nil); err != nil && !isCodeListError(err) {
		return err
	}
	return d.Features.validate(registry)
}

func (f FeaturesDef) validate(registry *temporal.Registry) error {
	names := make(map[string]struct{})
	labels := make(map[string]struct{})
	claim := func(name string) error {
		if name == "" {
			return models.NewConfigurationError("features", "feature name required")
		}
		if _, dup := names[name]; dup {
			return models.NewConfigurationError(name, "duplicate feature name")
		}
		names[name] = struct{}{}
		return nil
	}
	// Flags and extractions without explicit names are checked by the runner
	// once their columns are known.
	owners := make(map[string]string)
	for _, c := range cohort.Columns {
		owners[c] = "cohort"
	}
	produce := func(feature string, columns ...string) error {
		for _, c := range columns {
			if other, ok := owners[c]; ok && other != feature {
				return models.NewConfigurationError(feature, "output column %q is also produced by %s", c, other)
			}
			owners[c] = feature
		}
		return nil
	}

	for _, s := range f.Windows {
		if err := claim(s.Name); err != nil {
			return err
		}
		if len(s.Windows) == 0 {
			return models.NewConfigurationError(s.Name, "at least one window required")
		}
		for _, w := range s.Windows {
			if w.Label == "" {
				return models.NewConfigurationError(s.Name, "window label required")
			}
			if _, dup := labels[w.Label]; dup {
				return models.NewConfigurationError(s.Name, "window label %q used twice", w.Label)
			}
			labels[w.Label] = struct{}{}
			if err := w.TimeWindow().Validate(); err != nil {
				return err
			}
		}
		spec := s.Aggregations
		if len(spec) == 0 {
			spec = temporal.DefaultAggregations()
		}
		if err := spec.Validate(registry); err != nil {
			return fmt.Errorf("feature %s: %w", s.Name, err)
		}
		for _, w := range s.Windows {
			for _, a := range spec {
				if err := produce(s.Name, w.Label+"_"+a.Column); err != nil {
					return err
				}
			}
		}
	}
	for _, fl := range f.Flags {
		if err := claim(fl.Name); err != nil {
			return err
		}
		dir, err := models.ParseDirection(strings.ToLower(fl.Direction))
		if err != nil {
			return models.NewConfigurationError(fl.Name, "%v", err)
		}
		if fl.Window != nil {
			w := fl.Window.TimeWindow()
			if w.Direction != dir {
				return models.NewConfigurationError(fl.Name, "window direction %q differs from %q", w.Direction, dir)
			}
			if err := w.Validate(); err != nil {
				return err
			}
		}
		for _, n := range fl.Names {
			prefix := fl.Name + "_" + temporal.ColumnName(n)
			cols := []string{prefix + "_flag"}
			if fl.Dates {
				cols = append(cols, prefix+"_earliest", prefix+"_latest")
			}
			if fl.DaysToIndex {
				cols = append(cols, prefix+"_days_to_index")
			}
			if err := produce(fl.Name, cols...); err != nil {
				return err
			}
		}
	}
	for _, ex := range f.Extractions {
		if err := claim(ex.Name); err != nil {
			return err
		}
		if ex.ValueColumn == "" {
			return models.NewConfigurationError(ex.Name, "value_column required")
		}
		ext := temporal.Extremum(strings.ToLower(ex.Extremum))
		if ext != temporal.Min && ext != temporal.Max {
			return models.NewConfigurationError(ex.Name, "extremum must be min or max")
		}
		if err := ex.Window.TimeWindow().Validate(); err != nil {
			return err
		}
		for _, n := range ex.Names {
			col := ex.Name + "_" + temporal.ColumnName(n) + "_" + string(ext)
			if err := produce(ex.Name, col, col+"_date"); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d IndexDateDef) fixed() (null.Time, error) {
	hasFixed := strings.TrimSpace(d.Fixed) != ""
	hasFrom := !d.From.IsZero()
	switch {
	case hasFixed && hasFrom:
		return null.Time{}, models.NewConfigurationError("index_date", "fixed and from are mutually exclusive")
	case !hasFixed && !hasFrom:
		return null.Time{}, models.NewConfigurationError("index_date", "fixed or from required")
	case hasFrom:
		return null.Time{}, nil
	}
	t, err := models.ParseDate(strings.TrimSpace(d.Fixed))
	if err != nil {
		return null.Time{}, models.NewConfigurationError("index_date.fixed", "unparseable date %q", d.Fixed)
	}
	return null.TimeFrom(models.CivilDate(t)), nil
}

func checkRef(field string, ref cohort.FieldRef, assets map[string]AssetDef) error {
	if ref.IsZero() {
		return nil
	}
	a, ok := assets[ref.Asset]
	if !ok {
		return models.NewConfigurationError(field, "unknown asset %q", ref.Asset)
	}
	if !contains(a.ValueColumns, ref.Column) {
		return models.NewConfigurationError(field, "asset %q has no column %q", ref.Asset, ref.Column)
	}
	return nil
}

// isCodeListError tolerates match_codes steps at definition time; the code
// list is supplied when the runner is built.
func isCodeListError(err error) bool {
	var ce *models.ConfigurationError
	return errors.As(err, &ce) && ce.Field == "codelist"
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
