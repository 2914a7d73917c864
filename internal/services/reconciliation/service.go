package reconciliation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"construction-migration-backend/internal/connector"
	"construction-migration-backend/internal/models"
	"construction-migration-backend/internal/services/importer"
	"construction-migration-backend/internal/services/mapping"
	"construction-migration-backend/internal/services/validation"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Tolerance bounds the financial variance a migration may show and still
// pass. Counts must always match exactly; money may drift by the larger of
// Abs and Rel×source total to absorb floating-point rounding.
type Tolerance struct {
	Abs float64
	Rel float64
}

const (
	DefaultAbsTolerance = 0.01
	DefaultRelTolerance = 0.00001
)

func (t Tolerance) withDefaults() Tolerance {
	if t.Abs <= 0 {
		t.Abs = DefaultAbsTolerance
	}
	if t.Rel <= 0 {
		t.Rel = DefaultRelTolerance
	}
	return t
}

// Service re-derives aggregate totals from source and destination after an
// import and renders the verdict. It is the authoritative correctness gate
// for a job: batch-level success counters are never enough for Completed.
type Service struct {
	dest   importer.Destination
	tol    Tolerance
	logger *zap.Logger
}

func New(dest importer.Destination, tol Tolerance, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{dest: dest, tol: tol.withDefaults(), logger: logger}
}

// Reconcile re-reads the source through a fresh connector pass and the
// destination through its aggregate queries, and compares. The source side
// is re-mapped and re-validated in windows so records rejected during the
// run are excluded from the expected totals without ever holding the full
// record set; the destination side ignores any running sums accumulated
// during import.
func (s *Service) Reconcile(ctx context.Context, job *models.MigrationJob, conn connector.Connector, eng *mapping.Engine, v *validation.Validator) (*models.ReconciliationReport, error) {
	if err := conn.Open(ctx, job.Scope); err != nil {
		return nil, err
	}
	defer conn.Close()

	sourceIDs := make(map[string]bool)
	var sourceCount int64
	var sourceTotal float64
	flush := func(buf []*models.CanonicalRecord) error {
		if len(buf) == 0 {
			return nil
		}
		results, _, err := v.ValidateBatch(ctx, job.ID, buf)
		if err != nil {
			return err
		}
		for i, rec := range buf {
			if !results[i].Valid() {
				continue
			}
			sourceCount++
			sourceTotal += rec.Amount()
			sourceIDs[rec.ExternalID] = true
		}
		return nil
	}

	buf := make([]*models.CanonicalRecord, 0, importer.DefaultBatchSize)
	for {
		raw, ok, err := conn.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		res := eng.Map(raw)
		if res.Blocking() {
			continue
		}
		buf = append(buf, res.Record)
		if len(buf) == cap(buf) {
			if err := flush(buf); err != nil {
				return nil, err
			}
			buf = buf[:0]
		}
	}
	if err := flush(buf); err != nil {
		return nil, err
	}

	targetCount, err := s.dest.CountRecords(ctx, job.Scope.EntityType, job.ID)
	if err != nil {
		return nil, err
	}
	targetTotal, err := s.dest.SumField(ctx, job.Scope.EntityType, job.ID, "amount")
	if err != nil {
		return nil, err
	}
	targetIDs, err := s.dest.ListExternalIDs(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	targetSet := make(map[string]bool, len(targetIDs))
	var unmatchedTarget []string
	for _, id := range targetIDs {
		targetSet[id] = true
		if !sourceIDs[id] {
			unmatchedTarget = append(unmatchedTarget, id)
		}
	}
	var unmatchedSource []string
	for id := range sourceIDs {
		if !targetSet[id] {
			unmatchedSource = append(unmatchedSource, id)
		}
	}
	sort.Strings(unmatchedSource)

	report := &models.ReconciliationReport{
		ID:            uuid.New(),
		JobID:         job.ID,
		EntityType:    job.Scope.EntityType,
		SourceCount:   sourceCount,
		TargetCount:   targetCount,
		CountVariance: targetCount - sourceCount,
		SourceTotal:   sourceTotal,
		TargetTotal:   targetTotal,
		TotalVariance: targetTotal - sourceTotal,
	}
	report.UnmatchedSource, _ = json.Marshal(unmatchedSource)
	report.UnmatchedTarget, _ = json.Marshal(unmatchedTarget)

	allowed := math.Max(s.tol.Abs, s.tol.Rel*math.Abs(sourceTotal))
	report.Passed = report.CountVariance == 0 && math.Abs(report.TotalVariance) <= allowed
	if report.Passed {
		report.Details = fmt.Sprintf("counts match (%d) and totals agree within %.4f", sourceCount, allowed)
	} else {
		report.Details = fmt.Sprintf(
			"count variance %d (source=%d target=%d), total variance %.4f against tolerance %.4f (source=%.2f target=%.2f)",
			report.CountVariance, sourceCount, targetCount, report.TotalVariance, allowed, sourceTotal, targetTotal)
	}

	s.logger.Info("reconciliation finished",
		zap.String("job_id", job.ID.String()),
		zap.Int64("source_count", sourceCount),
		zap.Int64("target_count", targetCount),
		zap.Float64("variance", report.TotalVariance),
		zap.Bool("passed", report.Passed))
	return report, nil
}
