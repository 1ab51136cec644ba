// Package codelist maps clinical codes to the condition names used by the
// name-based window features.
package codelist

import (
	"sort"
	"strings"

	"github.com/synaptica-ai/curation/pkg/common/models"
)

// RequiredColumns must all be present in a tabular code list header.
var RequiredColumns = []string{"code", "name", "description", "terminology"}

type Entry struct {
	Code        string `yaml:"code" json:"code"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Terminology string `yaml:"terminology" json:"terminology"`
}

type key struct {
	terminology string
	code        string
}

// CodeList resolves codes by (terminology, code), falling back to the code
// alone when the event carries no terminology or the pair is unknown.
type CodeList struct {
	entries []Entry
	byPair  map[key]Entry
	byCode  map[string]Entry
}

// New indexes entries. The first entry for a (terminology, code) pair wins,
// as does the first entry for a bare code.
func New(entries []Entry) (*CodeList, error) {
	c := &CodeList{
		byPair: make(map[key]Entry, len(entries)),
		byCode: make(map[string]Entry, len(entries)),
	}
	for i, e := range entries {
		e.Code = strings.TrimSpace(e.Code)
		e.Name = strings.TrimSpace(e.Name)
		e.Terminology = strings.TrimSpace(e.Terminology)
		if e.Code == "" {
			return nil, models.NewConfigurationError("code", "entry %d has no code", i+1)
		}
		if e.Name == "" {
			return nil, models.NewConfigurationError("name", "entry %d (code %s) has no name", i+1, e.Code)
		}
		k := key{terminology: normTerminology(e.Terminology), code: normCode(e.Code)}
		if _, dup := c.byPair[k]; !dup {
			c.byPair[k] = e
		}
		if _, dup := c.byCode[k.code]; !dup {
			c.byCode[k.code] = e
		}
		c.entries = append(c.entries, e)
	}
	return c, nil
}

func (c *CodeList) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

func (c *CodeList) Entries() []Entry {
	if c == nil {
		return nil
	}
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

func (c *CodeList) Lookup(terminology, code string) (Entry, bool) {
	if c == nil {
		return Entry{}, false
	}
	code = normCode(code)
	if terminology != "" {
		if e, ok := c.byPair[key{terminology: normTerminology(terminology), code: code}]; ok {
			return e, true
		}
	}
	e, ok := c.byCode[code]
	return e, ok
}

// Names lists the distinct condition names, sorted.
func (c *CodeList) Names() []string {
	if c == nil {
		return nil
	}
	seen := make(map[string]struct{})
	for _, e := range c.entries {
		seen[e.Name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Enrich returns a copy of events with Name set from the code list. Events
// whose code is unknown keep their existing name. matched counts the events
// that received a name.
func (c *CodeList) Enrich(events []models.EventRecord) (enriched []models.EventRecord, matched int) {
	enriched = make([]models.EventRecord, len(events))
	for i, ev := range events {
		if e, ok := c.Lookup(ev.Terminology, ev.Code); ok {
			ev.Name = e.Name
			matched++
		}
		enriched[i] = ev
	}
	return enriched, matched
}

func normCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func normTerminology(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}
