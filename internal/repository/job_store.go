package repository

import (
	"context"
	"errors"

	"construction-migration-backend/internal/models"
	"construction-migration-backend/internal/services/migration"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// JobStore is the persistent migration.JobStore backed by the database.
type JobStore struct {
	db *gorm.DB
}

func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

func (s *JobStore) CreateJob(ctx context.Context, job *models.MigrationJob) error {
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *JobStore) GetJob(ctx context.Context, id uuid.UUID) (*models.MigrationJob, error) {
	var job models.MigrationJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, migration.ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (s *JobStore) UpdateJob(ctx context.Context, job *models.MigrationJob) error {
	return s.db.WithContext(ctx).Save(job).Error
}

func (s *JobStore) SaveBatch(ctx context.Context, batch *models.ImportBatch) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}, {Name: "seq"}},
		UpdateAll: true,
	}).Create(batch).Error
}

func (s *JobStore) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	return s.db.WithContext(ctx).Create(cp).Error
}

func (s *JobStore) LatestCheckpoint(ctx context.Context, jobID uuid.UUID, phase models.Phase) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND phase = ?", jobID, phase).
		Order("position DESC").
		First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *JobStore) AppendIssue(ctx context.Context, issue *models.MigrationIssue) error {
	return s.db.WithContext(ctx).Create(issue).Error
}

func (s *JobStore) ListIssues(ctx context.Context, jobID uuid.UUID) ([]models.MigrationIssue, error) {
	var issues []models.MigrationIssue
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&issues).Error
	return issues, err
}

func (s *JobStore) SaveReport(ctx context.Context, report *models.ReconciliationReport) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}},
		UpdateAll: true,
	}).Create(report).Error
}

func (s *JobStore) GetReport(ctx context.Context, jobID uuid.UUID) (*models.ReconciliationReport, error) {
	var report models.ReconciliationReport
	if err := s.db.WithContext(ctx).First(&report, "job_id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, migration.ErrNotFound
		}
		return nil, err
	}
	return &report, nil
}

func (s *JobStore) GetRuleSet(ctx context.Context, id uuid.UUID) (*models.MappingRuleSet, error) {
	var set models.MappingRuleSet
	if err := s.db.WithContext(ctx).First(&set, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, migration.ErrNotFound
		}
		return nil, err
	}
	return &set, nil
}

// SaveRuleSet upserts a versioned rule set (configuration seeding).
func (s *JobStore) SaveRuleSet(ctx context.Context, set *models.MappingRuleSet) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(set).Error
}
