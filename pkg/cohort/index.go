package cohort

import (
	"sort"
	"time"

	"github.com/synaptica-ai/curation/pkg/common/models"
	"gopkg.in/guregu/null.v3"
)

// IndexDateSpec is either a single date applied to every patient or a
// per-patient mapping. Exactly one of the two must be set.
type IndexDateSpec struct {
	Fixed      null.Time
	PerPatient map[string]time.Time
}

func FixedIndexDate(date time.Time) IndexDateSpec {
	return IndexDateSpec{Fixed: null.TimeFrom(models.CivilDate(date))}
}

func PerPatientIndexDates(dates map[string]time.Time) IndexDateSpec {
	return IndexDateSpec{PerPatient: dates}
}

// ParseIndexDate accepts any layout models.ParseDate does.
func ParseIndexDate(value string) (IndexDateSpec, error) {
	t, err := models.ParseDate(value)
	if err != nil {
		return IndexDateSpec{}, models.NewConfigurationError("index_date", "unparseable date %q: %v", value, err)
	}
	return FixedIndexDate(t), nil
}

func (s IndexDateSpec) Validate() error {
	switch {
	case s.Fixed.Valid && s.PerPatient != nil:
		return models.NewConfigurationError("index_date", "fixed date and per-patient mapping are mutually exclusive")
	case !s.Fixed.Valid && s.PerPatient == nil:
		return models.NewConfigurationError("index_date", "fixed date or per-patient mapping required")
	}
	return nil
}

// Resolve anchors patientIDs to their index dates. A per-patient mapping must
// cover exactly the given patients; a missing or surplus entry is a
// cardinality mismatch.
func (s IndexDateSpec) Resolve(patientIDs []string) (models.IndexDates, error) {
	if err := s.Validate(); err != nil {
		return models.IndexDates{}, err
	}
	if s.Fixed.Valid {
		return models.FixedIndexDates(s.Fixed.Time, patientIDs), nil
	}

	wanted := make(map[string]struct{}, len(patientIDs))
	var missing []string
	for _, id := range patientIDs {
		wanted[id] = struct{}{}
		if _, ok := s.PerPatient[id]; !ok {
			missing = append(missing, id)
		}
	}
	var surplus []string
	for id := range s.PerPatient {
		if _, ok := wanted[id]; !ok {
			surplus = append(surplus, id)
		}
	}
	if len(missing) > 0 || len(surplus) > 0 {
		sort.Strings(surplus)
		return models.IndexDates{}, models.NewConfigurationError("index_date",
			"per-patient mapping has %d entries for %d patients (missing %s, surplus %s)",
			len(s.PerPatient), len(wanted), sample(missing), sample(surplus))
	}

	dates := make(map[string]time.Time, len(s.PerPatient))
	for id, d := range s.PerPatient {
		dates[id] = models.CivilDate(d)
	}
	return models.NewIndexDates(patientIDs, dates), nil
}

func sample(ids []string) []string {
	if len(ids) > 5 {
		return ids[:5]
	}
	return ids
}
