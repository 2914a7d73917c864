package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ReconciliationReport certifies (or refutes) that a migration preserved
// counts and money. It is the authoritative correctness gate for a job:
// a failing report fails the job even if every batch reported success.
type ReconciliationReport struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	JobID           uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	EntityType      string
	SourceCount     int64
	TargetCount     int64
	CountVariance   int64
	SourceTotal     float64
	TargetTotal     float64
	TotalVariance   float64
	UnmatchedSource datatypes.JSON // external ids present in source, absent in target
	UnmatchedTarget datatypes.JSON // external ids present in target, absent in source
	Passed          bool
	Details         string `gorm:"type:text"`
	CreatedAt       time.Time
}
