package ingestion

import (
	"errors"
	"fmt"
	"strings"
)

var (
	errInvalidSource   = errors.New("invalid source")
	errMissingPatient  = errors.New("missing patient id")
	errMissingPriority = errors.New("missing priority")
	errPriorityDrift   = errors.New("priority differs within source")
	errMissingCode     = errors.New("missing code")
	errEmptyBatch      = errors.New("empty batch")
)

type ValidationError struct {
	reason error
}

func (e ValidationError) Error() string {
	return e.reason.Error()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

type Validator struct {
	allowedSources map[string]struct{}
}

// NewValidator restricts source ids to sources when it is non-empty.
func NewValidator(sources []string) *Validator {
	vs := make(map[string]struct{})
	for _, src := range sources {
		if trimmed := strings.TrimSpace(strings.ToLower(src)); trimmed != "" {
			vs[trimmed] = struct{}{}
		}
	}
	return &Validator{allowedSources: vs}
}

func (v *Validator) checkSource(source string) error {
	s := strings.TrimSpace(strings.ToLower(source))
	if s == "" {
		return fmt.Errorf("source required: %w", errInvalidSource)
	}
	if len(v.allowedSources) > 0 {
		if _, ok := v.allowedSources[s]; !ok {
			return fmt.Errorf("source '%s' not allowed: %w", s, errInvalidSource)
		}
	}
	return nil
}

// ValidateSourceRows checks an asset batch. Priority is a property of the
// source, so every row of one source must carry the same value.
func (v *Validator) ValidateSourceRows(asset string, rows []SourceRow) error {
	if v == nil {
		return ValidationError{reason: errors.New("validator not initialised")}
	}
	if strings.TrimSpace(asset) == "" {
		return ValidationError{reason: errors.New("asset required")}
	}
	if len(rows) == 0 {
		return ValidationError{reason: errEmptyBatch}
	}
	priorities := make(map[string]int64)
	for i, row := range rows {
		if err := v.checkSource(row.SourceID); err != nil {
			return ValidationError{reason: fmt.Errorf("row %d: %w", i+1, err)}
		}
		if strings.TrimSpace(row.PatientID) == "" {
			return ValidationError{reason: fmt.Errorf("row %d: %w", i+1, errMissingPatient)}
		}
		if row.Priority == nil {
			return ValidationError{reason: fmt.Errorf("row %d source '%s': %w", i+1, row.SourceID, errMissingPriority)}
		}
		if p, seen := priorities[row.SourceID]; seen && p != *row.Priority {
			return ValidationError{reason: fmt.Errorf("source '%s' has priorities %d and %d: %w", row.SourceID, p, *row.Priority, errPriorityDrift)}
		}
		priorities[row.SourceID] = *row.Priority
	}
	return nil
}

func (v *Validator) ValidateEvents(rows []EventRow) error {
	if v == nil {
		return ValidationError{reason: errors.New("validator not initialised")}
	}
	if len(rows) == 0 {
		return ValidationError{reason: errEmptyBatch}
	}
	for i, row := range rows {
		if strings.TrimSpace(row.PatientID) == "" {
			return ValidationError{reason: fmt.Errorf("event %d: %w", i+1, errMissingPatient)}
		}
		if strings.TrimSpace(row.Code) == "" {
			return ValidationError{reason: fmt.Errorf("event %d: %w", i+1, errMissingCode)}
		}
	}
	return nil
}
