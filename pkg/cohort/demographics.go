package cohort

import (
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/curation/pkg/common/models"
	"gopkg.in/guregu/null.v3"
)

// Demographic is one patient's reconciled demographic attributes.
type Demographic struct {
	PatientID   string      `json:"patient_id"`
	DateOfBirth null.Time   `json:"date_of_birth"`
	Sex         null.String `json:"sex"`
	Ethnicity   null.String `json:"ethnicity"`
	LSOA        null.String `json:"lsoa"`
}

// FieldRef points at a column of a reconciled asset.
type FieldRef struct {
	Asset  string `json:"asset" yaml:"asset"`
	Column string `json:"column" yaml:"column"`
}

func (f FieldRef) IsZero() bool {
	return f.Asset == "" && f.Column == ""
}

// DemographicFields says which reconciled asset supplies each attribute.
// Unset refs leave the attribute null for every patient.
type DemographicFields struct {
	DateOfBirth FieldRef `json:"date_of_birth" yaml:"date_of_birth"`
	Sex         FieldRef `json:"sex" yaml:"sex"`
	Ethnicity   FieldRef `json:"ethnicity" yaml:"ethnicity"`
	LSOA        FieldRef `json:"lsoa" yaml:"lsoa"`
}

// DemographicsFromResolved assembles demographics from resolved assets keyed
// by asset name. Patients are ordered by first appearance, scanning the
// attributes in the order dob, sex, ethnicity, lsoa. Dates of birth that do
// not parse are logged and left null.
func DemographicsFromResolved(assets map[string][]models.ResolvedRecord, fields DemographicFields, log *logrus.Entry) ([]Demographic, error) {
	refs := []struct {
		name string
		ref  FieldRef
		set  func(*Demographic, null.String)
	}{
		{"date_of_birth", fields.DateOfBirth, func(d *Demographic, v null.String) {
			d.DateOfBirth = parseDate(d.PatientID, v, log)
		}},
		{"sex", fields.Sex, func(d *Demographic, v null.String) { d.Sex = v }},
		{"ethnicity", fields.Ethnicity, func(d *Demographic, v null.String) { d.Ethnicity = v }},
		{"lsoa", fields.LSOA, func(d *Demographic, v null.String) { d.LSOA = v }},
	}

	var order []string
	byPatient := make(map[string]*Demographic)
	for _, r := range refs {
		if r.ref.IsZero() {
			continue
		}
		if r.ref.Asset == "" || r.ref.Column == "" {
			return nil, models.NewConfigurationError(r.name, "asset and column required")
		}
		records, ok := assets[r.ref.Asset]
		if !ok {
			return nil, models.NewConfigurationError(r.name, "asset %q was not reconciled", r.ref.Asset)
		}
		for _, rec := range records {
			d, ok := byPatient[rec.PatientID]
			if !ok {
				d = &Demographic{PatientID: rec.PatientID}
				byPatient[rec.PatientID] = d
				order = append(order, rec.PatientID)
			}
			r.set(d, rec.Value(r.ref.Column))
		}
	}

	out := make([]Demographic, 0, len(order))
	for _, id := range order {
		out = append(out, *byPatient[id])
	}
	return out, nil
}

func parseDate(patientID string, v null.String, log *logrus.Entry) null.Time {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return null.Time{}
	}
	t, err := models.ParseDate(strings.TrimSpace(v.String))
	if err != nil {
		if log != nil {
			log.WithError(err).WithField("patient_id", patientID).Warn("unparseable date of birth")
		}
		return null.Time{}
	}
	return null.TimeFrom(models.CivilDate(t))
}
