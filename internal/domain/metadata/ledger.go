package metadata

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	colFileName     = "FILENAME"
	colCreationTime = "CREATIONTIME"
)

// LedgerTimeLayout is the canonical timestamp layout written to the ledger.
const LedgerTimeLayout = "01/02/2006 03:04 PM"

// ledgerLayouts are tried in order. Single-digit layout elements also
// accept zero-padded input, so "1/2/2006" covers "01/02/2006".
var ledgerLayouts = []string{
	"1/2/2006 3:04 PM",
	"1/2/2006 3:04:05 PM",
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// ParseLedgerTime parses a completion timestamp. Unparseable values are
// rejected so the entry is treated as absent.
func ParseLedgerTime(raw string) Result[time.Time] {
	s := strings.ToUpper(strings.Join(strings.Fields(raw), " "))
	if s == "" {
		return Rejected[time.Time]("missing")
	}
	for _, layout := range ledgerLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return OK(t)
		}
	}
	return Rejected[time.Time]("unrecognized timestamp format")
}

// ParseLedgerCSV reads a FileName,CreationTime ledger. FileName is the
// correlation key.
func ParseLedgerCSV(r io.Reader, logger zerolog.Logger) (*Ledger, *LoadReport, error) {
	report := newLoadReport("csv")
	cr := csv.NewReader(stripBOM(r))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		logger.Warn().Msg("completion ledger is empty")
		return NewLedger(), report, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read ledger header: %w", err)
	}
	idx := headerIndex(header)
	for _, col := range []string{colFileName, colCreationTime} {
		if _, ok := idx[col]; !ok {
			return nil, nil, fmt.Errorf("ledger column %q: %w", col, ErrMissingColumn)
		}
	}

	var entries []LedgerEntry
	line := 1
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, nil, fmt.Errorf("read ledger line %d: %w", line, err)
		}
		if isBlank(row) {
			continue
		}
		report.Rows++

		key := strings.TrimSpace(cell(row, idx, colFileName))
		if key == "" {
			report.Skipped++
			report.observe("FileName", StatusRejected)
			continue
		}
		ts := ParseLedgerTime(cell(row, idx, colCreationTime))
		report.observe("CreationTime", ts.Status)
		if ts.Status != StatusOK {
			report.Skipped++
			logger.Warn().
				Str("key", key).
				Str("value", cell(row, idx, colCreationTime)).
				Str("reason", ts.Reason).
				Msg("ledger timestamp skipped")
			continue
		}
		entries = append(entries, LedgerEntry{Key: key, CompletedAt: ts.Value})
		report.Loaded++
	}

	l := NewLedger(entries...)
	logger.Info().Int("keys", l.Len()).Int("rows", report.Rows).Int("skipped", report.Skipped).Msg("loaded completion ledger")
	return l, report, nil
}

// WriteLedgerCSV writes entries with the canonical header and layout.
func WriteLedgerCSV(w io.Writer, entries []LedgerEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"FileName", "CreationTime"}); err != nil {
		return err
	}
	for _, e := range entries {
		if err := cw.Write([]string{e.Key, e.CompletedAt.Format(LedgerTimeLayout)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// stripBOM drops a leading UTF-8 byte order mark.
func stripBOM(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if bom, err := br.Peek(3); err == nil && bom[0] == 0xEF && bom[1] == 0xBB && bom[2] == 0xBF {
		br.Discard(3)
	}
	return br
}
