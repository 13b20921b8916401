package metadata

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

const (
	colTestName   = "TESTNAME"
	colTAT        = "TAT"
	colLabSection = "LABSECTION"
	colPrice      = "PRICE"
)

// DefaultLabSection is used when a catalog row leaves the section blank.
const DefaultLabSection = "N/A"

// ErrMissingColumn is returned when a required header is absent.
var ErrMissingColumn = errors.New("required column missing")

// Format identifies a catalog file encoding.
type Format int

const (
	FormatCSV Format = iota
	FormatXLSX
)

// FormatFromPath picks the catalog format from the file extension.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return FormatXLSX
	}
	return FormatCSV
}

// LoadCatalog parses a catalog in the given format.
func LoadCatalog(r io.Reader, format Format, logger zerolog.Logger) (*Catalog, *LoadReport, error) {
	if format == FormatXLSX {
		return ParseCatalogXLSX(r, logger)
	}
	return ParseCatalogCSV(r, logger)
}

// ParseCatalogCSV reads a TestName,TAT,LabSection,Price catalog.
func ParseCatalogCSV(r io.Reader, logger zerolog.Logger) (*Catalog, *LoadReport, error) {
	cr := csv.NewReader(stripBOM(r))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read catalog csv: %w", err)
	}
	return buildCatalog(rows, "csv", logger)
}

// ParseCatalogXLSX reads the first worksheet of a workbook with the same
// header as the CSV catalog.
func ParseCatalogXLSX(r io.Reader, logger zerolog.Logger) (*Catalog, *LoadReport, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("open catalog workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, fmt.Errorf("catalog workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	return buildCatalog(rows, "xlsx", logger)
}

func buildCatalog(rows [][]string, source string, logger zerolog.Logger) (*Catalog, *LoadReport, error) {
	report := newLoadReport(source)
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("catalog is empty: %w", ErrMissingColumn)
	}

	idx := headerIndex(rows[0])
	for _, col := range []string{colTestName, colTAT} {
		if _, ok := idx[col]; !ok {
			return nil, nil, fmt.Errorf("catalog column %q: %w", col, ErrMissingColumn)
		}
	}

	var entries []CatalogEntry
	for i, row := range rows[1:] {
		line := i + 2
		if isBlank(row) {
			continue
		}
		report.Rows++

		name := strings.TrimSpace(cell(row, idx, colTestName))
		if name == "" {
			report.Skipped++
			report.observe("TestName", StatusRejected)
			logger.Warn().Int("line", line).Msg("catalog row without test name skipped")
			continue
		}

		tat := ParseNumber(cell(row, idx, colTAT))
		price := ParseNumber(cell(row, idx, colPrice))
		section := strings.TrimSpace(cell(row, idx, colLabSection))
		sectionStatus := StatusOK
		if section == "" {
			section = DefaultLabSection
			sectionStatus = StatusDefaulted
		}

		report.observe("TAT", tat.Status)
		report.observe("Price", price.Status)
		report.observe("LabSection", sectionStatus)
		if tat.Status != StatusOK || price.Status != StatusOK {
			logger.Warn().
				Str("test_name", name).
				Int("line", line).
				Str("tat", tat.Status.String()).
				Str("price", price.Status.String()).
				Msg("catalog numeric field defaulted to 0")
		}

		entries = append(entries, CatalogEntry{
			TestName:   name,
			TAT:        tat.Value,
			LabSection: section,
			Price:      price.Value,
		})
		report.Loaded++
	}

	c := NewCatalog(entries...)
	logger.Info().Int("entries", c.Len()).Int("rows", report.Rows).Str("format", source).Msg("loaded test catalog")
	return c, report, nil
}

// ParseNumber parses a catalog numeric field. Blank or malformed values
// default to 0.
func ParseNumber(raw string) Result[float64] {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Defaulted(0.0, "missing")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Defaulted(0.0, "non-numeric")
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Defaulted(0.0, "not finite")
	}
	return OK(v)
}

func headerIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		key = strings.ReplaceAll(key, "_", "")
		key = strings.ReplaceAll(key, " ", "")
		if _, dup := idx[key]; !dup {
			idx[key] = i
		}
	}
	return idx
}

func cell(row []string, idx map[string]int, col string) string {
	i, ok := idx[col]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

func isBlank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
