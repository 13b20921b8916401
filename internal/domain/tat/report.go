package tat

import (
	"bufio"
	"fmt"
	"io"
	"sort"

	"github.com/labtat/labtat/pkg/atomicfile"
)

const (
	RejectedReportFile  = "invalid_lab_numbers.txt"
	UnmatchedReportFile = "unmatched_test_names.txt"
)

// WriteRejectedReport writes one "LabNo: <id>, Occurrences: <n>" line per
// rejected visit identifier.
func WriteRejectedReport(path string, counts map[string]int) error {
	return writeCounts(path, counts, func(k string, n int) string {
		return fmt.Sprintf("LabNo: %s, Occurrences: %d", k, n)
	})
}

// WriteUnmatchedReport writes one "<NAME>, Occurrences: <n>" line per test
// name missing from the catalog.
func WriteUnmatchedReport(path string, counts map[string]int) error {
	return writeCounts(path, counts, func(k string, n int) string {
		if k == "" {
			k = "<empty>"
		}
		return fmt.Sprintf("%s, Occurrences: %d", k, n)
	})
}

// writeCounts writes lines ordered by descending count then key. The file
// is replaced atomically.
func writeCounts(path string, counts map[string]int, line func(string, int) string) error {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})

	return atomicfile.Write(path, func(f io.Writer) error {
		w := bufio.NewWriter(f)
		for _, k := range keys {
			if _, err := fmt.Fprintln(w, line(k, counts[k])); err != nil {
				return err
			}
		}
		return w.Flush()
	})
}
