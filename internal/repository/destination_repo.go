package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"construction-migration-backend/internal/models"
	"construction-migration-backend/internal/services/importer"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Destination is the database-backed destination store. Upserts enforce the
// (job_id, external_id) idempotency key and the fingerprint policy; the
// aggregate queries serve the reconciliation engine.
type Destination struct {
	db     *gorm.DB
	policy importer.UpdatePolicy
}

func NewDestination(db *gorm.DB, policy importer.UpdatePolicy) *Destination {
	if policy == "" {
		policy = importer.PolicyOverwrite
	}
	return &Destination{db: db, policy: policy}
}

func (d *Destination) BeginBatch(ctx context.Context) (importer.Txn, error) {
	tx := d.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, classifyDestinationError(tx.Error)
	}
	return &destinationTxn{tx: tx, id: uuid.NewString(), policy: d.policy}, nil
}

func (d *Destination) CountRecords(ctx context.Context, entityType string, jobID uuid.UUID) (int64, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&models.CanonicalRecord{}).
		Where("job_id = ? AND entity_type = ?", jobID, entityType).
		Count(&n).Error
	return n, classifyDestinationError(err)
}

func (d *Destination) SumField(ctx context.Context, entityType string, jobID uuid.UUID, field string) (float64, error) {
	var expr string
	switch field {
	case "amount":
		expr = "COALESCE(SUM(quantity * unit_rate), 0)"
	case "quantity":
		expr = "COALESCE(SUM(quantity), 0)"
	case "unit_rate":
		expr = "COALESCE(SUM(unit_rate), 0)"
	default:
		return 0, fmt.Errorf("unsupported sum field %q", field)
	}
	var sum float64
	err := d.db.WithContext(ctx).Model(&models.CanonicalRecord{}).
		Select(expr).
		Where("job_id = ? AND entity_type = ?", jobID, entityType).
		Scan(&sum).Error
	return sum, classifyDestinationError(err)
}

func (d *Destination) ListExternalIDs(ctx context.Context, jobID uuid.UUID) ([]string, error) {
	var ids []string
	err := d.db.WithContext(ctx).Model(&models.CanonicalRecord{}).
		Where("job_id = ?", jobID).
		Order("external_id ASC").
		Pluck("external_id", &ids).Error
	return ids, classifyDestinationError(err)
}

// HasCode satisfies validation.Lookup: parent references may resolve
// against records imported by earlier batches of the same job.
func (d *Destination) HasCode(ctx context.Context, jobID uuid.UUID, code string) (bool, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&models.CanonicalRecord{}).
		Where("job_id = ? AND code = ?", jobID, code).
		Count(&n).Error
	return n > 0, classifyDestinationError(err)
}

type destinationTxn struct {
	tx     *gorm.DB
	id     string
	policy importer.UpdatePolicy
}

func (t *destinationTxn) ID() string { return t.id }

func (t *destinationTxn) Upsert(ctx context.Context, rec *models.CanonicalRecord) error {
	var existing models.CanonicalRecord
	err := t.tx.Where("job_id = ? AND external_id = ?", rec.JobID, rec.ExternalID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		now := time.Now()
		rec.CreatedAt = now
		rec.UpdatedAt = now
		rec.Revision = 1
		return classifyDestinationError(t.tx.Create(rec).Error)
	case err != nil:
		return classifyDestinationError(err)
	case existing.Fingerprint == rec.Fingerprint:
		// identical re-import is a no-op success
		return nil
	case t.policy == importer.PolicyReject:
		return &models.MigrationError{
			Kind:       models.ErrPermanentDestination,
			ExternalID: rec.ExternalID,
			Code:       "fingerprint_conflict",
			Err:        fmt.Errorf("record %s re-submitted with changed content", rec.ExternalID),
		}
	default:
		update := *rec
		update.ID = existing.ID
		update.CreatedAt = existing.CreatedAt
		update.UpdatedAt = time.Now()
		update.Revision = existing.Revision + 1
		return classifyDestinationError(t.tx.Save(&update).Error)
	}
}

func (t *destinationTxn) Commit(ctx context.Context) error {
	return classifyDestinationError(t.tx.Commit().Error)
}

func (t *destinationTxn) Rollback(ctx context.Context) error {
	return t.tx.Rollback().Error
}

// classifyDestinationError sorts database failures into the retryable and
// permanent kinds the importer's retry policy depends on. Constraint
// violations are permanent; timeouts, deadlocks and connection drops are
// worth retrying.
func classifyDestinationError(err error) error {
	if err == nil {
		return nil
	}
	var me *models.MigrationError
	if errors.As(err, &me) {
		return err
	}
	msg := strings.ToLower(err.Error())
	if errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "violates") ||
		strings.Contains(msg, "constraint") {
		return models.NewError(models.ErrPermanentDestination, "constraint_violation", err)
	}
	return models.NewError(models.ErrTransientDestination, "destination_unavailable", err)
}
