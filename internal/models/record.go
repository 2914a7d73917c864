package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// RawRecord is one row as produced by a source connector: an opaque
// field bag tagged with provenance. It lives only inside one processing
// window and is never persisted.
type RawRecord struct {
	ExternalID string
	Row        int64
	// Columns preserves source column order; mapping needs it for
	// positional hints and deterministic candidate iteration.
	Columns []string
	Fields  map[string]string
}

// CanonicalRecord is the destination shape of one cost item after mapping.
// (job_id, external_id) is the idempotency key; Fingerprint detects
// identical vs changed re-imports.
type CanonicalRecord struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	JobID            uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_records_job_external"`
	ExternalID       string    `gorm:"uniqueIndex:idx_records_job_external"`
	EntityType       string    `gorm:"index"`
	ProjectCode      string    `gorm:"index"`
	Code             string
	Description      string
	Quantity         float64
	Unit             string
	UnitRate         float64
	StartDate        *time.Time
	EndDate          *time.Time
	ParentExternalID string
	Fingerprint       string `gorm:"index"`
	MappingConfidence float64
	NeedsReview       bool
	Revision          int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Amount is the financial value of the record used by reconciliation.
func (r *CanonicalRecord) Amount() float64 {
	return r.Quantity * r.UnitRate
}

// ComputeFingerprint hashes the significant fields. Provenance, confidence
// and revision metadata are excluded so a byte-identical re-extract produces
// the same fingerprint.
func (r *CanonicalRecord) ComputeFingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%s",
		r.EntityType, r.ProjectCode, r.Code, r.Description, r.Unit,
		strconv.FormatFloat(r.Quantity, 'f', -1, 64),
		strconv.FormatFloat(r.UnitRate, 'f', -1, 64),
	)
	if r.StartDate != nil {
		fmt.Fprintf(h, "|%s", r.StartDate.UTC().Format(time.RFC3339))
	}
	if r.EndDate != nil {
		fmt.Fprintf(h, "|%s", r.EndDate.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(h, "|%s", r.ParentExternalID)
	return hex.EncodeToString(h.Sum(nil))
}

// NaturalKey is the composite key used for duplicate detection inside a job.
func (r *CanonicalRecord) NaturalKey() string {
	return r.ProjectCode + "/" + r.Code
}
