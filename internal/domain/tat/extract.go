package tat

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// AcceptedEvent is a raw event that passed the key filter and visit-id
// validation.
type AcceptedEvent struct {
	RawEvent
	VisitStart time.Time
	// Seq is the position of this event among all events sharing its
	// correlation key in this pass, counted before validation.
	Seq int
}

// Extraction is the result of one pass over a raw export.
type Extraction struct {
	Accepted         []AcceptedEvent
	Read             int
	SkippedProcessed int
	// Rejected counts invalid visit identifiers by value.
	Rejected      map[string]int
	RejectedTotal int
}

// Extractor filters raw events against the processed-key snapshot and
// validates visit identifiers.
type Extractor struct {
	processed KeySet
	logger    zerolog.Logger
}

func NewExtractor(processed KeySet, logger zerolog.Logger) *Extractor {
	return &Extractor{processed: processed, logger: logger}
}

// Extract decodes r event by event to the end and returns the accepted
// events together in memory. Decode errors abort the pass.
func (x *Extractor) Extract(r io.Reader) (*Extraction, error) {
	er, err := NewEventReader(r)
	if err != nil {
		return nil, err
	}
	out := &Extraction{Rejected: make(map[string]int)}
	seq := make(map[string]int)

	for {
		ev, err := er.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("extract: %w", err)
		}
		out.Read++

		if x.processed.Contains(ev.CorrelationKey) {
			out.SkippedProcessed++
			continue
		}
		n := seq[ev.CorrelationKey]
		seq[ev.CorrelationKey] = n + 1

		start, err := ParseVisitStart(ev.VisitID)
		if err != nil {
			out.Rejected[ev.VisitID]++
			out.RejectedTotal++
			x.logger.Debug().Err(err).Str("lab_no", ev.VisitID).Str("invoice_no", ev.CorrelationKey).Msg("raw event rejected")
			continue
		}
		out.Accepted = append(out.Accepted, AcceptedEvent{RawEvent: ev, VisitStart: start, Seq: n})
	}

	x.logger.Info().
		Int("read", out.Read).
		Int("skipped_processed", out.SkippedProcessed).
		Int("rejected", out.RejectedTotal).
		Int("accepted", len(out.Accepted)).
		Msg("extracted raw events")
	return out, nil
}
