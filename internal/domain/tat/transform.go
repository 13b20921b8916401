package tat

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/labtat/labtat/internal/domain/metadata"
)

var ErrUnknownTest = errors.New("test name not in catalog")

// testIDNamespace scopes generated test ids to this pipeline.
var testIDNamespace = uuid.MustParse("6f1c2a7e-4b9d-5c3e-9a18-0d27c4e5b6f1")

// TestID derives a stable id from the correlation key and the event's
// position among that key's events.
func TestID(key string, seq int) uuid.UUID {
	return uuid.NewSHA1(testIDNamespace, []byte(key+"\x00"+strconv.Itoa(seq)))
}

// TransformTest converts one accepted event. It fails with ErrUnknownTest
// when the catalog has no entry for the test name.
func TransformTest(ev AcceptedEvent, catalog *metadata.Catalog) (TestRecord, error) {
	entry, ok := catalog.Lookup(ev.TestName)
	if !ok {
		return TestRecord{}, ErrUnknownTest
	}
	expected := ev.VisitStart.Add(time.Duration(entry.TAT * float64(time.Minute)))
	status, rng := Classify(expected, nil)
	return TestRecord{
		ID:               TestID(ev.CorrelationKey, ev.Seq),
		VisitID:          ev.VisitID,
		TestName:         ev.TestName,
		LabSection:       entry.LabSection,
		TAT:              entry.TAT,
		Price:            entry.Price,
		TestTimeExpected: expected,
		Urgency:          DefaultUrgency,
		DelayStatus:      status,
		TimeRange:        rng,
		CorrelationKey:   ev.CorrelationKey,
	}, nil
}

// Transformed pairs a test record with the event it came from.
type Transformed struct {
	Test  TestRecord
	Event AcceptedEvent
}

// TransformResult is the output of transforming a whole extraction.
type TransformResult struct {
	Items []Transformed
	// Unmatched counts unknown test names by normalized name.
	Unmatched      map[string]int
	UnmatchedTotal int
	// ProducedKeys are the correlation keys with at least one test.
	ProducedKeys []string
}

// TransformAll transforms every accepted event in order.
func TransformAll(events []AcceptedEvent, catalog *metadata.Catalog) *TransformResult {
	res := &TransformResult{Unmatched: make(map[string]int)}
	produced := make(map[string]struct{})
	for _, ev := range events {
		rec, err := TransformTest(ev, catalog)
		if err != nil {
			res.Unmatched[metadata.NormalizeTestName(ev.TestName)]++
			res.UnmatchedTotal++
			continue
		}
		res.Items = append(res.Items, Transformed{Test: rec, Event: ev})
		if _, ok := produced[ev.CorrelationKey]; !ok {
			produced[ev.CorrelationKey] = struct{}{}
			res.ProducedKeys = append(res.ProducedKeys, ev.CorrelationKey)
		}
	}
	return res
}
