package models

import (
	"time"

	"github.com/google/uuid"
)

// MigrationIssue is the persisted audit trail of record- and batch-level
// problems: every rejection and retryable failure is attributed to a phase
// and, when known, a record or batch.
type MigrationIssue struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	JobID      uuid.UUID `gorm:"type:uuid;index"`
	Phase      Phase     `gorm:"index"`
	BatchSeq   int
	ExternalID string `gorm:"index"`
	Severity   Severity
	Field      string
	Code       string `gorm:"index"`
	Message    string `gorm:"type:text"`
	CreatedAt  time.Time
}
