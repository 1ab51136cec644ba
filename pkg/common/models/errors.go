package models

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigurationError reports a missing column or parameter, or a cardinality
// mismatch between inputs.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func NewConfigurationError(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// InvalidWindowError reports a window whose offsets are negative or not
// monotonic for its direction.
type InvalidWindowError struct {
	Label  string
	Reason string
}

func (e *InvalidWindowError) Error() string {
	if e.Label == "" {
		return "invalid window: " + e.Reason
	}
	return fmt.Sprintf("invalid window %q: %s", e.Label, e.Reason)
}

func IsInvalidWindowError(err error) bool {
	var we *InvalidWindowError
	return errors.As(err, &we)
}

// AmbiguousPriorityWarning is attached to a resolution when sources sharing
// the winning priority disagree. It is logged, never returned as a failure.
type AmbiguousPriorityWarning struct {
	PatientID string   `json:"patient_id"`
	Priority  int64    `json:"priority"`
	SourceIDs []string `json:"source_ids"`
	Columns   []string `json:"columns"`
}

func (w *AmbiguousPriorityWarning) Error() string {
	return fmt.Sprintf("ambiguous priority %d for patient %s: sources %s disagree on %s",
		w.Priority, w.PatientID, strings.Join(w.SourceIDs, ","), strings.Join(w.Columns, ","))
}
