// Package tat turns raw laboratory events into per-test and per-visit
// turnaround records and persists them idempotently.
package tat

import (
	"time"

	"github.com/google/uuid"
)

// DelayStatus classifies a completion time against its expected time.
type DelayStatus string

const (
	DelayNotUploaded DelayStatus = "Not Uploaded"
	DelayOver        DelayStatus = "Over Delayed"
	DelayMinor       DelayStatus = "Delayed for less than 15 minutes"
	DelayOnTime      DelayStatus = "On Time"
	DelaySwift       DelayStatus = "Swift"
)

const (
	DefaultUrgency = "Not Urgent"
	DefaultUnit    = "N/A"

	ShiftDay   = "Day Shift"
	ShiftNight = "Night Shift"

	ProgressCompleted = "Completed"
	ProgressPending   = "Pending"
)

// Epoch is the legacy "not yet available" timestamp. It is never written;
// stored rows carrying it are treated as absent.
var Epoch = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

// IsAbsent reports whether t means "not yet occurred".
func IsAbsent(t *time.Time) bool {
	return t == nil || t.IsZero() || t.Equal(Epoch)
}

// RawEvent is one test performed for one visit, as exported by the LIS.
type RawEvent struct {
	VisitID        string
	CorrelationKey string
	TestName       string
	SourceUnit     string
	EncounterDate  string
}

// TestRecord is the normalized per-test row.
type TestRecord struct {
	ID               uuid.UUID
	VisitID          string
	TestName         string
	LabSection       string
	TAT              float64
	Price            float64
	TimeReceived     *time.Time
	TestTimeExpected time.Time
	Urgency          string
	TestTimeOut      *time.Time
	DelayStatus      DelayStatus
	TimeRange        string
	CorrelationKey   string
}

// PatientAggregate is the per-visit row derived from its tests.
type PatientAggregate struct {
	VisitID             string
	Client              string
	Date                time.Time
	Shift               string
	Unit                string
	TimeIn              time.Time
	DailyTAT            float64
	RequestTimeExpected time.Time
	RequestTimeOut      *time.Time
	DelayStatus         DelayStatus
	TimeRange           string
	Progress            string
	TestNames           []string
	LabSections         []string
	CorrelationKeys     []string
}

// PendingVisit is a stored visit whose completion time is still absent.
type PendingVisit struct {
	VisitID             string
	TimeIn              time.Time
	RequestTimeExpected time.Time
	CorrelationKeys     []string
}

// CompletionUpdate fills the completion fields of a pending visit.
// CorrelationKeys, when set, replaces the stored key list.
type CompletionUpdate struct {
	VisitID         string
	CorrelationKeys []string
	RequestTimeOut  time.Time
	DelayStatus     DelayStatus
	TimeRange       string
	Progress        string
}
