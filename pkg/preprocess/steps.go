// Package preprocess cleans event streams before window features are
// computed. Steps form a closed set; configuration naming an unknown step
// fails at parse time.
package preprocess

import (
	"fmt"
	"strings"

	"github.com/synaptica-ai/curation/pkg/codelist"
	"github.com/synaptica-ai/curation/pkg/common/models"
)

// Step is implemented only by the types in this package.
type Step interface {
	Name() string
	apply(events []models.EventRecord) ([]models.EventRecord, error)
}

// TrimCodes strips surrounding whitespace from codes and terminologies.
type TrimCodes struct{}

// NormalizeCodes upper-cases codes and removes dots, so "e11.9" matches "E119".
type NormalizeCodes struct{}

// DropUndated removes events without an event date.
type DropUndated struct{}

// KeepTerminologies keeps events whose terminology is listed, compared
// case-insensitively.
type KeepTerminologies struct {
	Terminologies []string
}

// MatchCodes names events from a code list. With DropUnmatched, events the
// list does not know are removed.
type MatchCodes struct {
	CodeList      *codelist.CodeList
	DropUnmatched bool
}

func (TrimCodes) Name() string         { return "trim_codes" }
func (NormalizeCodes) Name() string    { return "normalize_codes" }
func (DropUndated) Name() string       { return "drop_undated" }
func (KeepTerminologies) Name() string { return "keep_terminologies" }
func (MatchCodes) Name() string        { return "match_codes" }

func (TrimCodes) apply(events []models.EventRecord) ([]models.EventRecord, error) {
	out := make([]models.EventRecord, len(events))
	for i, ev := range events {
		ev.Code = strings.TrimSpace(ev.Code)
		ev.Terminology = strings.TrimSpace(ev.Terminology)
		out[i] = ev
	}
	return out, nil
}

func (NormalizeCodes) apply(events []models.EventRecord) ([]models.EventRecord, error) {
	out := make([]models.EventRecord, len(events))
	for i, ev := range events {
		ev.Code = strings.ReplaceAll(strings.ToUpper(ev.Code), ".", "")
		out[i] = ev
	}
	return out, nil
}

func (DropUndated) apply(events []models.EventRecord) ([]models.EventRecord, error) {
	out := make([]models.EventRecord, 0, len(events))
	for _, ev := range events {
		if ev.Dated() {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s KeepTerminologies) apply(events []models.EventRecord) ([]models.EventRecord, error) {
	if len(s.Terminologies) == 0 {
		return nil, models.NewConfigurationError("terminologies", "at least one terminology required")
	}
	keep := make(map[string]struct{}, len(s.Terminologies))
	for _, t := range s.Terminologies {
		keep[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	out := make([]models.EventRecord, 0, len(events))
	for _, ev := range events {
		if _, ok := keep[strings.ToLower(strings.TrimSpace(ev.Terminology))]; ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s MatchCodes) apply(events []models.EventRecord) ([]models.EventRecord, error) {
	if s.CodeList.Len() == 0 {
		return nil, models.NewConfigurationError("codelist", "code list is empty")
	}
	enriched := make([]models.EventRecord, 0, len(events))
	for _, ev := range events {
		entry, ok := s.CodeList.Lookup(ev.Terminology, ev.Code)
		if !ok {
			if !s.DropUnmatched {
				enriched = append(enriched, ev)
			}
			continue
		}
		ev.Name = entry.Name
		enriched = append(enriched, ev)
	}
	return enriched, nil
}

// Config is the serialised form of a step.
type Config struct {
	Type          string   `yaml:"type" json:"type"`
	Terminologies []string `yaml:"terminologies,omitempty" json:"terminologies,omitempty"`
	DropUnmatched bool     `yaml:"drop_unmatched,omitempty" json:"drop_unmatched,omitempty"`
}

// ParseStep builds the step named by cfg.Type. MatchCodes steps use list.
func ParseStep(cfg Config, list *codelist.CodeList) (Step, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case TrimCodes{}.Name():
		return TrimCodes{}, nil
	case NormalizeCodes{}.Name():
		return NormalizeCodes{}, nil
	case DropUndated{}.Name():
		return DropUndated{}, nil
	case KeepTerminologies{}.Name():
		if len(cfg.Terminologies) == 0 {
			return nil, models.NewConfigurationError("terminologies", "keep_terminologies needs at least one terminology")
		}
		return KeepTerminologies{Terminologies: cfg.Terminologies}, nil
	case MatchCodes{}.Name():
		if list.Len() == 0 {
			return nil, models.NewConfigurationError("codelist", "match_codes needs a non-empty code list")
		}
		return MatchCodes{CodeList: list, DropUnmatched: cfg.DropUnmatched}, nil
	}
	return nil, models.NewConfigurationError("type", "unknown preprocessing step %q", cfg.Type)
}

func ParseSteps(cfgs []Config, list *codelist.CodeList) ([]Step, error) {
	steps := make([]Step, 0, len(cfgs))
	for i, cfg := range cfgs {
		s, err := ParseStep(cfg, list)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		steps = append(steps, s)
	}
	return steps, nil
}
