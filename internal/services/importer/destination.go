package importer

import (
	"context"

	"construction-migration-backend/internal/models"

	"github.com/google/uuid"
)

// UpdatePolicy decides what happens when a record is re-submitted with a
// changed content fingerprint. Identical fingerprints are always a no-op.
type UpdatePolicy string

const (
	// PolicyOverwrite stores the new content as a fresh revision.
	PolicyOverwrite UpdatePolicy = "overwrite"
	// PolicyReject refuses the changed record as a permanent error.
	PolicyReject UpdatePolicy = "reject"
)

// Txn is one atomic destination transaction: every record upserted through
// it is committed together or not at all.
type Txn interface {
	Upsert(ctx context.Context, rec *models.CanonicalRecord) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	// ID is the destination transaction identifier recorded on the batch.
	ID() string
}

// Destination is the store records are migrated into. The importer writes
// through it and the reconciliation engine re-reads through it; both sides
// must see the same data.
type Destination interface {
	BeginBatch(ctx context.Context) (Txn, error)
	CountRecords(ctx context.Context, entityType string, jobID uuid.UUID) (int64, error)
	SumField(ctx context.Context, entityType string, jobID uuid.UUID, field string) (float64, error)
	ListExternalIDs(ctx context.Context, jobID uuid.UUID) ([]string, error)
}
