package migration

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"construction-migration-backend/internal/models"

	"github.com/google/uuid"
)

// JobStore persists everything the tracker and pipeline need to survive a
// crash: jobs, batches, checkpoints, issues and reports. Injected so tests
// run against memory and production against the database.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.MigrationJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.MigrationJob, error)
	UpdateJob(ctx context.Context, job *models.MigrationJob) error

	SaveBatch(ctx context.Context, batch *models.ImportBatch) error
	SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	// LatestCheckpoint returns nil when the phase has no checkpoint yet.
	LatestCheckpoint(ctx context.Context, jobID uuid.UUID, phase models.Phase) (*models.Checkpoint, error)

	AppendIssue(ctx context.Context, issue *models.MigrationIssue) error
	ListIssues(ctx context.Context, jobID uuid.UUID) ([]models.MigrationIssue, error)

	SaveReport(ctx context.Context, report *models.ReconciliationReport) error
	GetReport(ctx context.Context, jobID uuid.UUID) (*models.ReconciliationReport, error)
}

// RuleSetStore reads versioned mapping rule sets. Read-only during a job.
type RuleSetStore interface {
	GetRuleSet(ctx context.Context, id uuid.UUID) (*models.MappingRuleSet, error)
}

// ErrNotFound is returned for unknown job, report or rule set ids.
var ErrNotFound = fmt.Errorf("not found")

// MemoryStore is the in-memory JobStore/RuleSetStore used by tests and
// synthetic runs.
type MemoryStore struct {
	mu          sync.RWMutex
	jobs        map[uuid.UUID]models.MigrationJob
	batches     map[uuid.UUID][]models.ImportBatch
	checkpoints map[uuid.UUID][]models.Checkpoint
	issues      map[uuid.UUID][]models.MigrationIssue
	reports     map[uuid.UUID]models.ReconciliationReport
	ruleSets    map[uuid.UUID]models.MappingRuleSet
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[uuid.UUID]models.MigrationJob),
		batches:     make(map[uuid.UUID][]models.ImportBatch),
		checkpoints: make(map[uuid.UUID][]models.Checkpoint),
		issues:      make(map[uuid.UUID][]models.MigrationIssue),
		reports:     make(map[uuid.UUID]models.ReconciliationReport),
		ruleSets:    make(map[uuid.UUID]models.MappingRuleSet),
	}
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *models.MigrationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id uuid.UUID) (*models.MigrationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &job, nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, job *models.MigrationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	s.jobs[job.ID] = *job
	return nil
}

func (s *MemoryStore) SaveBatch(ctx context.Context, batch *models.ImportBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[batch.JobID] = append(s.batches[batch.JobID], *batch)
	return nil
}

// Batches returns saved batches ordered by sequence (test helper).
func (s *MemoryStore) Batches(jobID uuid.UUID) []models.ImportBatch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]models.ImportBatch(nil), s.batches[jobID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (s *MemoryStore) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.JobID] = append(s.checkpoints[cp.JobID], *cp)
	return nil
}

func (s *MemoryStore) LatestCheckpoint(ctx context.Context, jobID uuid.UUID, phase models.Phase) (*models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.Checkpoint
	for i := range s.checkpoints[jobID] {
		cp := s.checkpoints[jobID][i]
		if cp.Phase != phase {
			continue
		}
		if latest == nil || cp.Position > latest.Position {
			latest = &cp
		}
	}
	if latest == nil {
		return nil, nil
	}
	out := *latest
	return &out, nil
}

func (s *MemoryStore) AppendIssue(ctx context.Context, issue *models.MigrationIssue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issues[issue.JobID] = append(s.issues[issue.JobID], *issue)
	return nil
}

func (s *MemoryStore) ListIssues(ctx context.Context, jobID uuid.UUID) ([]models.MigrationIssue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.MigrationIssue(nil), s.issues[jobID]...), nil
}

func (s *MemoryStore) SaveReport(ctx context.Context, report *models.ReconciliationReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[report.JobID] = *report
	return nil
}

func (s *MemoryStore) GetReport(ctx context.Context, jobID uuid.UUID) (*models.ReconciliationReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	report, ok := s.reports[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return &report, nil
}

func (s *MemoryStore) GetRuleSet(ctx context.Context, id uuid.UUID) (*models.MappingRuleSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.ruleSets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &set, nil
}

// PutRuleSet stores a rule set (configuration seeding and tests).
func (s *MemoryStore) PutRuleSet(set *models.MappingRuleSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ruleSets[set.ID] = *set
}
