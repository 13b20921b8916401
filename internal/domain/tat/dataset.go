package tat

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"

	"github.com/labtat/labtat/pkg/atomicfile"
)

const (
	TestsDatasetFile    = "tests_dataset.parquet"
	PatientsDatasetFile = "patients_dataset.parquet"
)

// Times are stored as microseconds since the Unix epoch; nil stays null.
type testRow struct {
	ID               string  `parquet:"id"`
	LabNumber        string  `parquet:"lab_number"`
	TestName         string  `parquet:"test_name"`
	LabSection       string  `parquet:"lab_section"`
	TAT              float64 `parquet:"tat"`
	Price            float64 `parquet:"price"`
	TimeReceived     *int64  `parquet:"time_received,optional"`
	TestTimeExpected int64   `parquet:"test_time_expected"`
	Urgency          string  `parquet:"urgency"`
	TestTimeOut      *int64  `parquet:"test_time_out,optional"`
	DelayStatus      string  `parquet:"test_delay_status"`
	TimeRange        string  `parquet:"test_time_range"`
	CorrelationKey   string  `parquet:"invoice_number"`
}

type patientRow struct {
	LabNumber           string   `parquet:"lab_number"`
	Client              string   `parquet:"client"`
	Date                int64    `parquet:"date"`
	Shift               string   `parquet:"shift"`
	Unit                string   `parquet:"unit"`
	TimeIn              int64    `parquet:"time_in"`
	DailyTAT            float64  `parquet:"daily_tat"`
	RequestTimeExpected int64    `parquet:"request_time_expected"`
	RequestTimeOut      *int64   `parquet:"request_time_out,optional"`
	DelayStatus         string   `parquet:"request_delay_status"`
	TimeRange           string   `parquet:"request_time_range"`
	Progress            string   `parquet:"progress"`
	TestNames           []string `parquet:"test_names,list"`
	LabSections         []string `parquet:"lab_sections,list"`
	CorrelationKeys     []string `parquet:"invoice_numbers,list"`
}

func toMicros(t *time.Time) *int64 {
	if IsAbsent(t) {
		return nil
	}
	v := t.UTC().UnixMicro()
	return &v
}

func fromMicros(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.UnixMicro(*v).UTC()
	return &t
}

func toTestRow(r TestRecord) testRow {
	return testRow{
		ID:               r.ID.String(),
		LabNumber:        r.VisitID,
		TestName:         r.TestName,
		LabSection:       r.LabSection,
		TAT:              r.TAT,
		Price:            r.Price,
		TimeReceived:     toMicros(r.TimeReceived),
		TestTimeExpected: r.TestTimeExpected.UTC().UnixMicro(),
		Urgency:          r.Urgency,
		TestTimeOut:      toMicros(r.TestTimeOut),
		DelayStatus:      string(r.DelayStatus),
		TimeRange:        r.TimeRange,
		CorrelationKey:   r.CorrelationKey,
	}
}

func (row testRow) record() (TestRecord, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return TestRecord{}, fmt.Errorf("test row id %q: %w", row.ID, err)
	}
	return TestRecord{
		ID:               id,
		VisitID:          row.LabNumber,
		TestName:         row.TestName,
		LabSection:       row.LabSection,
		TAT:              row.TAT,
		Price:            row.Price,
		TimeReceived:     fromMicros(row.TimeReceived),
		TestTimeExpected: time.UnixMicro(row.TestTimeExpected).UTC(),
		Urgency:          row.Urgency,
		TestTimeOut:      fromMicros(row.TestTimeOut),
		DelayStatus:      DelayStatus(row.DelayStatus),
		TimeRange:        row.TimeRange,
		CorrelationKey:   row.CorrelationKey,
	}, nil
}

func toPatientRow(p PatientAggregate) patientRow {
	return patientRow{
		LabNumber:           p.VisitID,
		Client:              p.Client,
		Date:                p.Date.UTC().UnixMicro(),
		Shift:               p.Shift,
		Unit:                p.Unit,
		TimeIn:              p.TimeIn.UTC().UnixMicro(),
		DailyTAT:            p.DailyTAT,
		RequestTimeExpected: p.RequestTimeExpected.UTC().UnixMicro(),
		RequestTimeOut:      toMicros(p.RequestTimeOut),
		DelayStatus:         string(p.DelayStatus),
		TimeRange:           p.TimeRange,
		Progress:            p.Progress,
		TestNames:           p.TestNames,
		LabSections:         p.LabSections,
		CorrelationKeys:     p.CorrelationKeys,
	}
}

func (row patientRow) aggregate() PatientAggregate {
	return PatientAggregate{
		VisitID:             row.LabNumber,
		Client:              row.Client,
		Date:                time.UnixMicro(row.Date).UTC(),
		Shift:               row.Shift,
		Unit:                row.Unit,
		TimeIn:              time.UnixMicro(row.TimeIn).UTC(),
		DailyTAT:            row.DailyTAT,
		RequestTimeExpected: time.UnixMicro(row.RequestTimeExpected).UTC(),
		RequestTimeOut:      fromMicros(row.RequestTimeOut),
		DelayStatus:         DelayStatus(row.DelayStatus),
		TimeRange:           row.TimeRange,
		Progress:            row.Progress,
		TestNames:           row.TestNames,
		LabSections:         row.LabSections,
		CorrelationKeys:     row.CorrelationKeys,
	}
}

// WriteDatasets writes both datasets into dir. Each file is written under
// a temporary name and renamed once complete.
func WriteDatasets(dir string, tests []TestRecord, patients []PatientAggregate) error {
	trows := make([]testRow, len(tests))
	for i, t := range tests {
		trows[i] = toTestRow(t)
	}
	prows := make([]patientRow, len(patients))
	for i, p := range patients {
		prows[i] = toPatientRow(p)
	}
	if err := writeParquet(filepath.Join(dir, TestsDatasetFile), trows); err != nil {
		return err
	}
	return writeParquet(filepath.Join(dir, PatientsDatasetFile), prows)
}

func writeParquet[T any](path string, rows []T) error {
	return atomicfile.Write(path, func(f io.Writer) error {
		w := parquet.NewGenericWriter[T](f,
			parquet.Compression(&zstd.Codec{Level: zstd.SpeedDefault}),
			parquet.CreatedBy("labtat", "1.0", ""),
		)
		if _, err := w.Write(rows); err != nil {
			w.Close()
			return fmt.Errorf("write parquet rows: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("close parquet writer: %w", err)
		}
		return nil
	})
}

// HasPendingDatasets reports whether a previous transform left datasets
// that were never ingested.
func HasPendingDatasets(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, TestsDatasetFile))
	if err == nil {
		return true
	}
	_, err = os.Stat(filepath.Join(dir, PatientsDatasetFile))
	return err == nil
}

// ReadDatasets reads both datasets from dir. A missing file reads as empty.
func ReadDatasets(dir string) ([]TestRecord, []PatientAggregate, error) {
	trows, err := readParquet[testRow](filepath.Join(dir, TestsDatasetFile))
	if err != nil {
		return nil, nil, err
	}
	prows, err := readParquet[patientRow](filepath.Join(dir, PatientsDatasetFile))
	if err != nil {
		return nil, nil, err
	}
	tests := make([]TestRecord, 0, len(trows))
	for _, r := range trows {
		rec, err := r.record()
		if err != nil {
			return nil, nil, err
		}
		tests = append(tests, rec)
	}
	patients := make([]PatientAggregate, 0, len(prows))
	for _, r := range prows {
		patients = append(patients, r.aggregate())
	}
	return tests, patients, nil
}

func readParquet[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", path, err)
	}
	return rows, nil
}

// RemoveDatasets deletes both dataset files, ignoring ones already gone.
func RemoveDatasets(dir string) error {
	var errs []error
	for _, name := range []string{TestsDatasetFile, PatientsDatasetFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
