package metadata

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

const sampleCatalog = "\ufeffTestName,TAT,LabSection,Price\n" +
	"Full Blood Count,60,Haematology,1500\n" +
	"Culture & Sensitivity,4320,Microbiology,3500\n" +
	"Lipid Profile,abc,Chemistry,\n" +
	",30,Chemistry,100\n" +
	"HbA1c,120,,900\n" +
	"\n"

func TestParseCatalogCSV(t *testing.T) {
	c, report, err := ParseCatalogCSV(strings.NewReader(sampleCatalog), zerolog.Nop())
	if err != nil {
		t.Fatalf("ParseCatalogCSV() error: %v", err)
	}

	if c.Len() != 4 {
		t.Fatalf("expected 4 entries, got %d", c.Len())
	}
	fbc, ok := c.Lookup("FULL BLOOD COUNT")
	if !ok || fbc.TAT != 60 || fbc.Price != 1500 || fbc.LabSection != "Haematology" {
		t.Errorf("unexpected FBC entry: %+v", fbc)
	}

	lipid, _ := c.Lookup("lipid profile")
	if lipid.TAT != 0 || lipid.Price != 0 {
		t.Errorf("expected non-numeric fields defaulted to 0, got %+v", lipid)
	}

	hba1c, _ := c.Lookup("HBA1C")
	if hba1c.LabSection != DefaultLabSection {
		t.Errorf("expected default lab section, got %q", hba1c.LabSection)
	}

	if report.Rows != 5 || report.Loaded != 4 || report.Skipped != 1 {
		t.Errorf("unexpected report counts: %+v", report)
	}
	if report.Defaulted["TAT"] != 1 || report.Defaulted["Price"] != 1 || report.Defaulted["LabSection"] != 1 {
		t.Errorf("unexpected defaulted counts: %v", report.Defaulted)
	}
	if report.Rejected["TestName"] != 1 {
		t.Errorf("expected 1 rejected test name, got %v", report.Rejected)
	}
}

func TestParseCatalogCSV_MissingColumn(t *testing.T) {
	_, _, err := ParseCatalogCSV(strings.NewReader("Name,Minutes\nFBC,60\n"), zerolog.Nop())
	if !errors.Is(err, ErrMissingColumn) {
		t.Fatalf("expected ErrMissingColumn, got %v", err)
	}
}

func TestParseCatalogCSV_HeaderVariants(t *testing.T) {
	in := "test_name,tat,lab section,price\nCRP,45,Chemistry,800\n"
	c, _, err := ParseCatalogCSV(strings.NewReader(in), zerolog.Nop())
	if err != nil {
		t.Fatalf("ParseCatalogCSV() error: %v", err)
	}
	if e, ok := c.Lookup("crp"); !ok || e.LabSection != "Chemistry" {
		t.Errorf("unexpected entry: %+v (ok=%v)", e, ok)
	}
}

func TestParseCatalogXLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	rows := [][]interface{}{
		{"TestName", "TAT", "LabSection", "Price"},
		{"Malaria RDT", 30, "Parasitology", 500},
		{"Widal", "n/a", "Serology", 700},
	}
	for i, row := range rows {
		cellName, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(sheet, cellName, &row); err != nil {
			t.Fatalf("SetSheetRow: %v", err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer: %v", err)
	}

	c, report, err := LoadCatalog(bytes.NewReader(buf.Bytes()), FormatXLSX, zerolog.Nop())
	if err != nil {
		t.Fatalf("LoadCatalog(xlsx) error: %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}
	if e, _ := c.Lookup("MALARIA RDT"); e.TAT != 30 || e.Price != 500 {
		t.Errorf("unexpected entry: %+v", e)
	}
	if report.Defaulted["TAT"] != 1 {
		t.Errorf("expected Widal TAT defaulted, got %v", report.Defaulted)
	}
}

func TestFormatFromPath(t *testing.T) {
	if FormatFromPath("meta.XLSX") != FormatXLSX {
		t.Error("expected xlsx format")
	}
	if FormatFromPath("s3://lab/meta.csv") != FormatCSV {
		t.Error("expected csv format")
	}
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		in     string
		want   float64
		status Status
	}{
		{"60", 60, StatusOK},
		{" 1500.50 ", 1500.5, StatusOK},
		{"", 0, StatusDefaulted},
		{"abc", 0, StatusDefaulted},
		{"NaN", 0, StatusDefaulted},
	}
	for _, tt := range tests {
		got := ParseNumber(tt.in)
		if got.Value != tt.want || got.Status != tt.status {
			t.Errorf("ParseNumber(%q) = %+v, want %v/%s", tt.in, got, tt.want, tt.status)
		}
	}
}
