package codelist

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/synaptica-ai/curation/pkg/common/models"
	"github.com/xuri/excelize/v2"
	"gopkg.in/yaml.v3"
)

type document struct {
	Codes []Entry `yaml:"codes"`
}

// Load reads a code list, choosing the format from the file extension:
// .yaml/.yml, .csv or .xlsx. An empty path yields an empty list.
func Load(path string) (*CodeList, error) {
	if path == "" {
		return New(nil)
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read code list: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(content)
	case ".csv":
		return ParseCSV(bytes.NewReader(content))
	case ".xlsx":
		return ParseXLSX(bytes.NewReader(content), "")
	}
	return nil, models.NewConfigurationError("codelist", "unsupported code list format %q", filepath.Ext(path))
}

func ParseYAML(content []byte) (*CodeList, error) {
	var doc document
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("parse code list: %w", err)
	}
	if len(doc.Codes) == 0 {
		return nil, models.NewConfigurationError("codes", "code list empty")
	}
	return New(doc.Codes)
}

func ParseCSV(r io.Reader) (*CodeList, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse code list csv: %w", err)
	}
	return fromRows(rows)
}

// ParseXLSX reads the named sheet, or the first sheet when sheet is empty.
func ParseXLSX(r io.Reader, sheet string) (*CodeList, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open code list workbook: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, models.NewConfigurationError("codelist", "workbook has no sheets")
		}
		sheet = sheets[0]
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	return fromRows(rows)
}

// fromRows maps a header row onto RequiredColumns. Extra columns are ignored
// and blank rows skipped.
func fromRows(rows [][]string) (*CodeList, error) {
	if len(rows) == 0 {
		return nil, models.NewConfigurationError("codelist", "no header row")
	}
	positions := make(map[string]int, len(rows[0]))
	for i, h := range rows[0] {
		positions[strings.ToLower(strings.TrimSpace(h))] = i
	}
	var missing []string
	for _, col := range RequiredColumns {
		if _, ok := positions[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, models.NewConfigurationError("codelist", "missing required columns %s", strings.Join(missing, ", "))
	}

	cell := func(row []string, col string) string {
		i := positions[col]
		if i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	entries := make([]Entry, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if strings.TrimSpace(strings.Join(row, "")) == "" {
			continue
		}
		entries = append(entries, Entry{
			Code:        cell(row, "code"),
			Name:        cell(row, "name"),
			Description: cell(row, "description"),
			Terminology: cell(row, "terminology"),
		})
	}
	return New(entries)
}
