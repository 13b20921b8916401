package tat

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// flexString accepts a JSON string, number, boolean or null. Exports
// sometimes carry numeric LabNo/InvoiceNo values.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	switch {
	case s == "null":
		*f = ""
	case strings.HasPrefix(s, `"`):
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = flexString(v)
	default:
		if _, err := strconv.ParseFloat(s, 64); err != nil && s != "true" && s != "false" {
			return fmt.Errorf("unsupported value %s", s)
		}
		*f = flexString(s)
	}
	return nil
}

type rawEventJSON struct {
	LabNo         flexString `json:"LabNo"`
	InvoiceNo     flexString `json:"InvoiceNo"`
	TestName      flexString `json:"TestName"`
	Src           flexString `json:"Src"`
	EncounterDate flexString `json:"EncounterDate"`
}

func (r rawEventJSON) event() RawEvent {
	return RawEvent{
		VisitID:        strings.TrimSpace(string(r.LabNo)),
		CorrelationKey: strings.TrimSpace(string(r.InvoiceNo)),
		TestName:       string(r.TestName),
		SourceUnit:     strings.TrimSpace(string(r.Src)),
		EncounterDate:  strings.TrimSpace(string(r.EncounterDate)),
	}
}

var errNotArray = errors.New("raw export is not a JSON array")

// EventReader decodes a raw export one array element at a time.
type EventReader struct {
	dec   *json.Decoder
	index int
	done  bool
}

// NewEventReader consumes an optional byte order mark and the opening
// bracket of the array.
func NewEventReader(r io.Reader) (*EventReader, error) {
	br := bufio.NewReader(r)
	if bom, err := br.Peek(3); err == nil && bom[0] == 0xEF && bom[1] == 0xBB && bom[2] == 0xBF {
		br.Discard(3)
	}
	dec := json.NewDecoder(br)
	tok, err := dec.Token()
	if err == io.EOF {
		return &EventReader{dec: dec, done: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read raw export: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, errNotArray
	}
	return &EventReader{dec: dec}, nil
}

// Next returns the next event, or io.EOF after the closing bracket.
func (er *EventReader) Next() (RawEvent, error) {
	if er.done || !er.dec.More() {
		er.done = true
		return RawEvent{}, io.EOF
	}
	var raw rawEventJSON
	if err := er.dec.Decode(&raw); err != nil {
		return RawEvent{}, fmt.Errorf("decode raw export element %d: %w", er.index, err)
	}
	er.index++
	return raw.event(), nil
}

// VisitKeys reads a raw export fully and maps each visit identifier to its
// correlation keys in first-seen order.
func VisitKeys(r io.Reader) (map[string][]string, error) {
	er, err := NewEventReader(r)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	seen := make(map[string]struct{})
	for {
		ev, err := er.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if ev.VisitID == "" || ev.CorrelationKey == "" {
			continue
		}
		pair := ev.VisitID + "\x00" + ev.CorrelationKey
		if _, ok := seen[pair]; ok {
			continue
		}
		seen[pair] = struct{}{}
		out[ev.VisitID] = append(out[ev.VisitID], ev.CorrelationKey)
	}
}
