package tat

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/labtat/labtat/internal/domain/metadata"
)

var encounterDateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseEncounterDate returns the calendar date of an encounter, or a
// rejected result when the value is blank or unrecognized.
func ParseEncounterDate(raw string) metadata.Result[time.Time] {
	if raw == "" {
		return metadata.Rejected[time.Time]("missing")
	}
	for _, layout := range encounterDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return metadata.OK(truncateDay(t))
		}
	}
	return metadata.Rejected[time.Time]("unrecognized date format")
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Aggregation holds the visit rows and how many fields were defaulted.
type Aggregation struct {
	Patients  []PatientAggregate
	Defaulted map[string]int
}

// Aggregator builds visit-level rows from transformed tests.
type Aggregator struct {
	client string
	ledger *metadata.Ledger
	logger zerolog.Logger
}

func NewAggregator(client string, ledger *metadata.Ledger, logger zerolog.Logger) *Aggregator {
	return &Aggregator{client: client, ledger: ledger, logger: logger}
}

type visitGroup struct {
	first    AcceptedEvent
	tats     []float64
	names    orderedSet
	sections orderedSet
	keys     orderedSet
}

// Aggregate groups items by visit identifier in first-seen order.
func (a *Aggregator) Aggregate(items []Transformed) *Aggregation {
	var order []string
	groups := make(map[string]*visitGroup)
	for _, it := range items {
		g, ok := groups[it.Test.VisitID]
		if !ok {
			g = &visitGroup{first: it.Event}
			groups[it.Test.VisitID] = g
			order = append(order, it.Test.VisitID)
		}
		g.tats = append(g.tats, it.Test.TAT)
		g.names.add(it.Test.TestName)
		g.sections.add(it.Test.LabSection)
		g.keys.add(it.Test.CorrelationKey)
	}

	out := &Aggregation{
		Patients:  make([]PatientAggregate, 0, len(order)),
		Defaulted: make(map[string]int),
	}
	for _, id := range order {
		out.Patients = append(out.Patients, a.build(id, groups[id], out.Defaulted))
	}
	return out
}

func (a *Aggregator) build(id string, g *visitGroup, defaulted map[string]int) PatientAggregate {
	start := g.first.VisitStart
	dailyTAT := DailyTAT(g.tats)
	expected := start.Add(time.Duration(dailyTAT * float64(time.Minute)))
	keys := g.keys.values()
	completed := a.ledger.Latest(keys)
	status, rng := Classify(expected, completed)

	progress := ProgressPending
	if completed != nil {
		progress = ProgressCompleted
	}

	date := ParseEncounterDate(g.first.EncounterDate)
	if date.Status != metadata.StatusOK {
		defaulted["EncounterDate"]++
		a.logger.Debug().Str("lab_no", id).Str("value", g.first.EncounterDate).Str("reason", date.Reason).Msg("encounter date defaulted to visit start")
		date = metadata.Defaulted(truncateDay(start), date.Reason)
	}
	unit := g.first.SourceUnit
	if unit == "" {
		defaulted["Src"]++
		a.logger.Debug().Str("lab_no", id).Msg("source unit defaulted")
		unit = DefaultUnit
	}

	return PatientAggregate{
		VisitID:             id,
		Client:              a.client,
		Date:                date.Value,
		Shift:               ShiftFor(start),
		Unit:                unit,
		TimeIn:              start,
		DailyTAT:            dailyTAT,
		RequestTimeExpected: expected,
		RequestTimeOut:      completed,
		DelayStatus:         status,
		TimeRange:           rng,
		Progress:            progress,
		TestNames:           g.names.values(),
		LabSections:         g.sections.values(),
		CorrelationKeys:     keys,
	}
}

// Complete resolves a pending visit against the ledger. ok is false when
// none of its keys has a completion time yet.
func Complete(v PendingVisit, ledger *metadata.Ledger) (CompletionUpdate, bool) {
	t := ledger.Latest(v.CorrelationKeys)
	if t == nil {
		return CompletionUpdate{}, false
	}
	status, rng := Classify(v.RequestTimeExpected, t)
	return CompletionUpdate{
		VisitID:         v.VisitID,
		CorrelationKeys: v.CorrelationKeys,
		RequestTimeOut:  *t,
		DelayStatus:     status,
		TimeRange:       rng,
		Progress:        ProgressCompleted,
	}, true
}

type orderedSet struct {
	seen  map[string]struct{}
	items []string
}

func (s *orderedSet) add(v string) {
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if _, ok := s.seen[v]; ok {
		return
	}
	s.seen[v] = struct{}{}
	s.items = append(s.items, v)
}

func (s *orderedSet) values() []string {
	return append([]string(nil), s.items...)
}
