package migration

import (
	"context"
	"errors"
	"sync"
	"time"

	"construction-migration-backend/internal/connector"
	"construction-migration-backend/internal/models"
	"construction-migration-backend/internal/services/importer"
	"construction-migration-backend/internal/services/mapping"
	"construction-migration-backend/internal/services/reconciliation"
	"construction-migration-backend/internal/services/validation"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Settings collects every externally supplied knob of a migration run.
type Settings struct {
	Importer        importer.Settings
	MinConfidence   float64
	ReviewThreshold float64
	Tolerance       reconciliation.Tolerance
	NotifyEvery     int64
	SourceRetries   int
}

func (s Settings) withDefaults() Settings {
	if s.NotifyEvery <= 0 {
		s.NotifyEvery = 100
	}
	if s.SourceRetries <= 0 {
		s.SourceRetries = 3
	}
	return s
}

// Runner owns the job control surface: it submits, drives, cancels and
// resumes migration jobs. Job state lives in the injected store; the runner
// only keeps the in-process cancel functions of currently running jobs.
type Runner struct {
	store    JobStore
	ruleSets RuleSetStore
	registry *connector.Registry
	dest     importer.Destination
	lookup   validation.Lookup
	settings Settings
	logger   *zap.Logger

	listeners []Listener
	cancels   sync.Map // jobID -> context.CancelFunc
	wg        sync.WaitGroup
}

func NewRunner(store JobStore, ruleSets RuleSetStore, registry *connector.Registry, dest importer.Destination, lookup validation.Lookup, settings Settings, logger *zap.Logger, listeners ...Listener) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		store:     store,
		ruleSets:  ruleSets,
		registry:  registry,
		dest:      dest,
		lookup:    lookup,
		settings:  settings.withDefaults(),
		logger:    logger,
		listeners: listeners,
	}
}

// Submit validates the configuration, persists a new job and starts the
// pipeline in the background. Configuration problems abort here, before any
// extraction.
func (r *Runner) Submit(ctx context.Context, scope models.Scope, ruleSetID uuid.UUID) (*models.MigrationJob, error) {
	set, err := r.ruleSets.GetRuleSet(ctx, ruleSetID)
	if err != nil {
		return nil, models.NewError(models.ErrFatalConfiguration, "rule_set_missing", err)
	}
	if err := set.Validate(); err != nil {
		return nil, models.NewError(models.ErrFatalConfiguration, "rule_set_invalid", err)
	}
	if _, err := r.registry.New(scope.SourceSystem); err != nil {
		return nil, err
	}

	now := time.Now()
	job := &models.MigrationJob{
		ID:           uuid.New(),
		SourceSystem: scope.SourceSystem,
		RuleSetID:    ruleSetID,
		Scope:        scope,
		CreatedAt:    now,
		StartedAt:    &now,
	}
	if err := r.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	r.start(job, set)
	return job, nil
}

// Resume restarts a crashed job at the start of its interrupted phase. The
// connector's deterministic ordering plus the import checkpoint guarantee
// the already-committed prefix is skipped, never re-applied.
func (r *Runner) Resume(ctx context.Context, jobID uuid.UUID) (*models.MigrationJob, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Terminal() {
		return nil, models.NewError(models.ErrFatalConfiguration, "job_terminal", &ErrIllegalTransition{From: job.Phase, To: models.PhaseDiscovery})
	}
	if _, running := r.cancels.Load(jobID); running {
		return job, nil
	}
	set, err := r.ruleSets.GetRuleSet(ctx, job.RuleSetID)
	if err != nil {
		return nil, models.NewError(models.ErrFatalConfiguration, "rule_set_missing", err)
	}
	// restart the phase machine; the pipeline recounts everything it
	// reprocesses, so stale counters must not carry over. Retries are
	// cumulative across runs.
	job.Phase = ""
	job.Counters = models.Counters{Retries: job.Counters.Retries}
	if err := r.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	r.start(job, set)
	return job, nil
}

// Cancel requests cancellation of a running job. The pipeline honors it
// between batches; an in-flight batch runs to completion first.
func (r *Runner) Cancel(jobID uuid.UUID) bool {
	v, ok := r.cancels.Load(jobID)
	if !ok {
		return false
	}
	v.(context.CancelFunc)()
	return true
}

// Wait blocks until all running pipelines finish (shutdown and tests).
func (r *Runner) Wait() { r.wg.Wait() }

func (r *Runner) start(job *models.MigrationJob, set *models.MappingRuleSet) {
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancels.Store(job.ID, cancel)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		defer r.cancels.Delete(job.ID)
		r.run(runCtx, job, set)
	}()
}

func (r *Runner) run(ctx context.Context, job *models.MigrationJob, set *models.MappingRuleSet) {
	tracker := NewTracker(r.store, job, r.settings.NotifyEvery, r.logger, r.listeners...)
	defer tracker.Close()

	err := r.pipeline(ctx, tracker, job, set)
	if err == nil {
		return
	}

	// terminal writes must survive the canceled context
	bg := context.Background()
	if ctx.Err() != nil {
		if terr := tracker.Cancel(bg); terr != nil {
			r.logger.Error("recording cancellation failed", zap.String("job_id", job.ID.String()), zap.Error(terr))
		}
		return
	}
	r.recordIssue(bg, tracker.Job().Phase, job.ID, "", models.SeverityError, jobErrorCode(err), err)
	if terr := tracker.Fail(bg, err); terr != nil {
		r.logger.Error("recording failure failed", zap.String("job_id", job.ID.String()), zap.Error(terr))
	}
}

// pipeline drives one migration run. The source is never materialized: after
// discovery the stream is processed in fixed windows, and each window is
// extracted, mapped, validated and handed to the importer as one batch before
// the next window is read. Only the in-flight windows are held in memory.
func (r *Runner) pipeline(ctx context.Context, tracker *Tracker, job *models.MigrationJob, set *models.MappingRuleSet) error {
	// Discovery
	if err := tracker.Transition(ctx, models.PhaseDiscovery); err != nil {
		return err
	}
	conn, err := r.registry.New(job.SourceSystem)
	if err != nil {
		return err
	}
	if err := r.openWithRetry(ctx, conn, job.Scope); err != nil {
		return err
	}
	defer conn.Close()
	if total := conn.EstimatedCount(); total >= 0 {
		if err := tracker.UpdateCounters(ctx, func(c *models.Counters) { c.Discovered = total }); err != nil {
			return err
		}
	}

	if err := tracker.Transition(ctx, models.PhaseExtraction); err != nil {
		return err
	}

	var resume int64
	if cp, err := r.store.LatestCheckpoint(ctx, job.ID, models.PhaseImport); err != nil {
		return err
	} else if cp != nil {
		resume = cp.Position
	}
	baseImported, err := r.dest.CountRecords(ctx, job.Scope.EntityType, job.ID)
	if err != nil {
		return err
	}
	if baseImported > 0 {
		if err := tracker.UpdateCounters(ctx, func(c *models.Counters) { c.Imported += baseImported }); err != nil {
			return err
		}
	}

	eng := mapping.NewEngine(set, r.settings.MinConfidence, r.settings.ReviewThreshold)
	// parents may sit in an earlier window whose batch has not committed
	// yet, so resolution also consults the codes validated this run
	seen := &seenLookup{codes: make(map[string]bool), next: r.lookup}
	v := validation.New(set, seen)

	window := r.settings.Importer.BatchSize
	if window <= 0 {
		window = importer.DefaultBatchSize
	}

	consumed := 0
	windowSeq := 0
	next := func(cctx context.Context) ([]*models.CanonicalRecord, bool, error) {
		raws, err := r.extractWindow(cctx, conn, job.Scope, &consumed, window)
		if err != nil {
			return nil, false, err
		}
		if len(raws) == 0 {
			return nil, false, nil
		}
		windowSeq++
		if err := tracker.UpdateCounters(cctx, func(c *models.Counters) { c.Extracted += int64(len(raws)) }); err != nil {
			return nil, false, err
		}

		if windowSeq == 1 {
			if err := tracker.Transition(cctx, models.PhaseTransformation); err != nil {
				return nil, false, err
			}
		}
		candidates := make([]*models.CanonicalRecord, 0, len(raws))
		var rejected, warned int64
		for _, raw := range raws {
			res := eng.Map(raw)
			res.Record.JobID = job.ID
			for _, is := range res.Issues {
				r.recordIssue(cctx, models.PhaseTransformation, job.ID, raw.ExternalID, is.Severity, is.Code, errMessage(is.Message))
				if is.Severity == models.SeverityWarning {
					warned++
				}
			}
			if res.Blocking() {
				rejected++
				continue
			}
			candidates = append(candidates, res.Record)
		}
		if err := tracker.UpdateCounters(cctx, func(c *models.Counters) {
			c.Transformed += int64(len(candidates))
			c.Failed += rejected
			c.Warnings += warned
		}); err != nil {
			return nil, false, err
		}

		if windowSeq == 1 {
			if err := tracker.Transition(cctx, models.PhaseValidation); err != nil {
				return nil, false, err
			}
		}
		results, quality, err := v.ValidateBatch(cctx, job.ID, candidates)
		if err != nil {
			return nil, false, err
		}
		valid := make([]*models.CanonicalRecord, 0, len(candidates))
		rejected, warned = 0, 0
		for i, res := range results {
			for _, is := range res.Issues {
				r.recordIssue(cctx, models.PhaseValidation, job.ID, res.ExternalID, is.Severity, is.Code, errMessage(is.Message))
				if is.Severity == models.SeverityWarning {
					warned++
				}
			}
			if res.Valid() {
				valid = append(valid, candidates[i])
				seen.add(candidates[i].Code)
			} else {
				rejected++
			}
		}
		r.logger.Info("window quality",
			zap.String("job_id", job.ID.String()),
			zap.Int("window", windowSeq),
			zap.Float64("duplicate_rate", quality.DuplicateRate),
			zap.Float64("completeness_rate", quality.CompletenessRate))
		if err := tracker.UpdateCounters(cctx, func(c *models.Counters) {
			c.Validated += int64(len(valid))
			c.Failed += rejected
			c.Warnings += warned
		}); err != nil {
			return nil, false, err
		}

		if windowSeq == 1 {
			if err := tracker.Transition(cctx, models.PhaseImport); err != nil {
				return nil, false, err
			}
		}
		return valid, true, nil
	}

	// prevImported/prevFailed are only touched inside UpdateCounters
	// mutations, which the tracker serializes
	var prevImported, prevFailed int64
	onProgress := func(imported, failed int64) {
		_ = tracker.UpdateCounters(context.WithoutCancel(ctx), func(c *models.Counters) {
			if imported > prevImported {
				c.Imported += imported - prevImported
				prevImported = imported
			}
			if failed > prevFailed {
				c.Failed += failed - prevFailed
				prevFailed = failed
			}
		})
	}

	imp := importer.New(r.dest, r.store, r.settings.Importer, r.logger)
	summary, err := imp.Run(ctx, job.ID, next, resume, onProgress)
	if summary != nil {
		for _, f := range summary.RecordFailures {
			r.recordIssue(context.WithoutCancel(ctx), models.PhaseImport, job.ID, f.ExternalID, models.SeverityError, "destination_rejected", f.Err)
		}
		if uerr := tracker.UpdateCounters(context.WithoutCancel(ctx), func(c *models.Counters) {
			if summary.Imported > prevImported {
				c.Imported += summary.Imported - prevImported
				prevImported = summary.Imported
			}
			if summary.Failed > prevFailed {
				c.Failed += summary.Failed - prevFailed
				prevFailed = summary.Failed
			}
			c.Retries += summary.Retries
			if c.Discovered == 0 {
				c.Discovered = c.Extracted
			}
		}); uerr != nil && err == nil {
			err = uerr
		}
	}
	if err != nil {
		return err
	}

	// an empty source never enters the middle phases; walk forward so the
	// job still reaches verification through legal transitions
	for _, p := range []models.Phase{models.PhaseTransformation, models.PhaseValidation, models.PhaseImport} {
		if tracker.Job().Phase == models.PhaseImport {
			break
		}
		if err := tracker.Transition(ctx, p); err != nil {
			return err
		}
	}

	// Verification
	if err := tracker.Transition(ctx, models.PhaseVerification); err != nil {
		return err
	}
	verifyConn, err := r.registry.New(job.SourceSystem)
	if err != nil {
		return err
	}
	snapshot := tracker.Job()
	recon := reconciliation.New(r.dest, r.settings.Tolerance, r.logger)
	report, err := recon.Reconcile(ctx, &snapshot, verifyConn, eng, v)
	if err != nil {
		return err
	}
	if err := r.store.SaveReport(ctx, report); err != nil {
		return err
	}
	if !report.Passed {
		return &models.MigrationError{
			Kind:  models.ErrIntegrity,
			Phase: models.PhaseVerification,
			JobID: job.ID,
			Code:  "reconciliation_failed",
			Err:   errMessage(report.Details),
		}
	}
	return tracker.Transition(ctx, models.PhaseCompleted)
}

// extractWindow reads up to size records from the connector, retrying
// transient read failures by reopening and skipping the already-consumed
// prefix. The connector's stable ordering makes the skip exact. consumed is
// advanced past the returned records.
func (r *Runner) extractWindow(ctx context.Context, conn connector.Connector, scope models.Scope, consumed *int, size int) ([]models.RawRecord, error) {
	raws := make([]models.RawRecord, 0, size)
	attempts := 0
	for len(raws) < size {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, ok, err := conn.Next()
		if err != nil {
			if models.KindOf(err) != models.ErrTransientSource || attempts >= r.settings.SourceRetries {
				return nil, err
			}
			attempts++
			if err := r.reopenAndSkip(ctx, conn, scope, *consumed+len(raws)); err != nil {
				return nil, err
			}
			continue
		}
		if !ok {
			break
		}
		raws = append(raws, raw)
	}
	*consumed += len(raws)
	return raws, nil
}

// seenLookup resolves parent references against records validated by earlier
// windows of the current run before falling back to the destination. It is
// only touched from the pipeline's producer goroutine.
type seenLookup struct {
	codes map[string]bool
	next  validation.Lookup
}

func (l *seenLookup) add(code string) {
	if code != "" {
		l.codes[code] = true
	}
}

func (l *seenLookup) HasCode(ctx context.Context, jobID uuid.UUID, code string) (bool, error) {
	if l.codes[code] {
		return true, nil
	}
	if l.next == nil {
		return false, nil
	}
	return l.next.HasCode(ctx, jobID, code)
}

func (r *Runner) reopenAndSkip(ctx context.Context, conn connector.Connector, scope models.Scope, skip int) error {
	conn.Close()
	if err := r.openWithRetry(ctx, conn, scope); err != nil {
		return err
	}
	for i := 0; i < skip; i++ {
		if _, ok, err := conn.Next(); err != nil || !ok {
			if err == nil {
				err = errMessage("source shrank between retries")
			}
			return err
		}
	}
	return nil
}

func (r *Runner) openWithRetry(ctx context.Context, conn connector.Connector, scope models.Scope) error {
	var lastErr error
	for attempt := 0; attempt <= r.settings.SourceRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(time.Duration(attempt) * 200 * time.Millisecond)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
		lastErr = conn.Open(ctx, scope)
		if lastErr == nil {
			return nil
		}
		if models.KindOf(lastErr) != models.ErrTransientSource {
			return lastErr
		}
	}
	return lastErr
}

func (r *Runner) recordIssue(ctx context.Context, phase models.Phase, jobID uuid.UUID, externalID string, sev models.Severity, code string, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	issue := &models.MigrationIssue{
		ID:         uuid.New(),
		JobID:      jobID,
		Phase:      phase,
		ExternalID: externalID,
		Severity:   sev,
		Code:       code,
		Message:    msg,
		CreatedAt:  time.Now(),
	}
	if err := r.store.AppendIssue(ctx, issue); err != nil {
		r.logger.Error("persisting issue failed", zap.String("job_id", jobID.String()), zap.Error(err))
	}
}

func jobErrorCode(err error) string {
	var me *models.MigrationError
	if errors.As(err, &me) && me.Code != "" {
		return me.Code
	}
	return "job_failed"
}

func errMessage(msg string) error { return errors.New(msg) }
