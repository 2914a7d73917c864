package models

import (
	"time"

	"github.com/google/uuid"
)

// Phase is one step of the migration pipeline. Jobs walk the phases in
// declared order; Failed and Canceled are terminal and reachable from any
// non-terminal phase.
type Phase string

const (
	PhaseDiscovery      Phase = "discovery"
	PhaseExtraction     Phase = "extraction"
	PhaseTransformation Phase = "transformation"
	PhaseValidation     Phase = "validation"
	PhaseImport         Phase = "import"
	PhaseVerification   Phase = "verification"
	PhaseCompleted      Phase = "completed"
	PhaseFailed         Phase = "failed"
	PhaseCanceled       Phase = "canceled"
)

// Terminal reports whether no further transitions are allowed from p.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCanceled
}

// Scope selects what one job migrates from its source system.
type Scope struct {
	SourceSystem string     `json:"source_system"`
	SourcePath   string     `json:"source_path,omitempty"`
	EntityType   string     `json:"entity_type"`
	ProjectCodes []string   `json:"project_codes,omitempty"`
	FromDate     *time.Time `json:"from_date,omitempty"`
	ToDate       *time.Time `json:"to_date,omitempty"`
	MaxRecords   int64      `json:"max_records,omitempty"`
}

// Counters tracks per-job progress. Values only grow within a phase; a phase
// restarted from checkpoint resets its own counter before re-counting.
type Counters struct {
	Discovered  int64 `json:"discovered"`
	Extracted   int64 `json:"extracted"`
	Transformed int64 `json:"transformed"`
	Validated   int64 `json:"validated"`
	Imported    int64 `json:"imported"`
	Failed      int64 `json:"failed"`
	Warnings    int64 `json:"warnings"`
	Retries     int64 `json:"retries"`
}

type MigrationJob struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	SourceSystem string    `gorm:"index"`
	RuleSetID    uuid.UUID `gorm:"type:uuid"`
	Scope        Scope     `gorm:"type:jsonb;serializer:json"`
	Phase        Phase     `gorm:"index"`
	Counters     Counters  `gorm:"type:jsonb;serializer:json"`
	LastError    string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Terminal reports whether the job reached a final state and must no longer
// be mutated.
func (j *MigrationJob) Terminal() bool {
	return j.Phase.Terminal()
}
