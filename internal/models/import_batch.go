package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	BatchCommitted = "committed"
	BatchFailed    = "failed"
	BatchIsolated  = "isolated"
)

// ImportBatch is one fixed-size chunk applied atomically to the destination.
// (job_id, seq) is unique: the same batch is never applied twice.
type ImportBatch struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	JobID       uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_batches_job_seq"`
	Seq         int       `gorm:"uniqueIndex:idx_batches_job_seq"`
	RecordCount int
	Succeeded   int
	Failed      int
	Retries     int
	Status      string `gorm:"index"`
	TxnID       string
	CreatedAt   time.Time
}

// Checkpoint marks the highest contiguously-completed unit of work within a
// phase. Resume restarts the phase and skips exactly the prefix below
// Position.
type Checkpoint struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	JobID     uuid.UUID `gorm:"type:uuid;index"`
	Phase     Phase
	Position  int64
	CreatedAt time.Time
}
