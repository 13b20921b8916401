package tat

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists the test and visit datasets. Each Upsert and
// ApplyCompletion call is committed as a single transaction.
type Repository interface {
	ExistingTestIDs(ctx context.Context) (map[uuid.UUID]struct{}, error)
	ExistingVisitIDs(ctx context.Context) (map[string]struct{}, error)
	UpsertTests(ctx context.Context, tests []TestRecord) (int, error)
	UpsertPatients(ctx context.Context, patients []PatientAggregate) (int, error)
	PendingVisits(ctx context.Context) ([]PendingVisit, error)
	ApplyCompletion(ctx context.Context, updates []CompletionUpdate) (int, error)
	// UpdateVisitKeys replaces the correlation keys of visits that are still
	// pending. Completed visits are left untouched.
	UpdateVisitKeys(ctx context.Context, visits []PendingVisit) (int, error)
	Analyze(ctx context.Context) error
}
