package importer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"construction-migration-backend/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Settings bound the importer's resource usage. Zero values fall back to
// the defaults; everything is externally supplied in production.
type Settings struct {
	BatchSize   int
	Concurrency int
	MaxRetries  int
	BackoffBase time.Duration
	// TxnTimeout bounds each destination transaction attempt. A timed-out
	// transaction is a transient error subject to the retry policy.
	TxnTimeout time.Duration
}

const (
	DefaultBatchSize   = 500
	DefaultConcurrency = 4
	DefaultMaxRetries  = 3
	DefaultBackoffBase = 200 * time.Millisecond
	DefaultTxnTimeout  = 30 * time.Second
)

func (s Settings) withDefaults() Settings {
	if s.BatchSize <= 0 {
		s.BatchSize = DefaultBatchSize
	}
	if s.Concurrency <= 0 {
		s.Concurrency = DefaultConcurrency
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = DefaultMaxRetries
	}
	if s.BackoffBase <= 0 {
		s.BackoffBase = DefaultBackoffBase
	}
	if s.TxnTimeout <= 0 {
		s.TxnTimeout = DefaultTxnTimeout
	}
	return s
}

// Store persists batch outcomes and checkpoints. Satisfied by the job store.
type Store interface {
	SaveBatch(ctx context.Context, batch *models.ImportBatch) error
	SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error
}

// Source yields successive windows of records in import order. Each window
// becomes one batch with the next sequence number; ok=false ends the stream.
// Run calls it from a single goroutine, so producers need no locking.
type Source func(ctx context.Context) ([]*models.CanonicalRecord, bool, error)

// RecordFailure is one record rejected by the destination after isolation.
type RecordFailure struct {
	BatchSeq   int
	ExternalID string
	Err        error
}

// Summary reports the import outcome. Partial success is first-class: the
// job proceeds past failed batches and the summary says exactly what stuck.
type Summary struct {
	Batches        int
	Imported       int64
	Failed         int64
	Retries        int64
	FailedBatches  []int
	RecordFailures []RecordFailure
	// Checkpoint is the highest contiguously committed batch sequence.
	Checkpoint int64
}

// Progress is invoked after every batch completion with running totals.
type Progress func(imported, failed int64)

// Importer applies record windows to the destination in atomic batches with
// a bounded worker pool. It pulls windows from a Source rather than taking
// the whole record set, so memory stays bounded by the in-flight batches.
type Importer struct {
	dest     Destination
	store    Store
	settings Settings
	logger   *zap.Logger
}

func New(dest Destination, store Store, settings Settings, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{dest: dest, store: store, settings: settings.withDefaults(), logger: logger}
}

// Run pulls windows from next and imports them, skipping batches at or below
// the checkpointed sequence (resume=0 means from the start). Cancellation is
// honored between batches only: an in-flight batch always runs to commit or
// rollback.
func (i *Importer) Run(ctx context.Context, jobID uuid.UUID, next Source, resume int64, onProgress Progress) (*Summary, error) {
	summary := &Summary{Checkpoint: resume}
	var mu sync.Mutex
	committed := make(map[int]bool)
	for s := 1; int64(s) <= resume; s++ {
		// applied before the crash; counted by the caller
		committed[s] = true
	}

	sem := semaphore.NewWeighted(int64(i.settings.Concurrency))
	g, gctx := errgroup.WithContext(ctx)

	// finish records one batch completion and advances the contiguous
	// checkpoint. A nil batch marks a skipped or empty window.
	finish := func(seq int, batch *models.ImportBatch, failures []RecordFailure) error {
		mu.Lock()
		if batch != nil {
			summary.Imported += int64(batch.Succeeded)
			summary.Failed += int64(batch.Failed)
			summary.Retries += int64(batch.Retries)
			if batch.Status != models.BatchCommitted {
				summary.FailedBatches = append(summary.FailedBatches, seq)
			}
			summary.RecordFailures = append(summary.RecordFailures, failures...)
		}
		committed[seq] = true
		advanced := false
		for committed[int(summary.Checkpoint)+1] {
			summary.Checkpoint++
			advanced = true
		}
		imported, failed := summary.Imported, summary.Failed
		checkpoint := summary.Checkpoint
		mu.Unlock()

		if advanced {
			if err := i.store.SaveCheckpoint(context.WithoutCancel(gctx), &models.Checkpoint{
				ID:       uuid.New(),
				JobID:    jobID,
				Phase:    models.PhaseImport,
				Position: checkpoint,
			}); err != nil {
				return err
			}
		}
		if batch != nil && onProgress != nil {
			onProgress(imported, failed)
		}
		return nil
	}

	var prodErr error
	seq := 0
	for {
		// cancellation and sibling failure are only observed here,
		// never mid-batch
		if gctx.Err() != nil {
			break
		}
		recs, ok, err := next(gctx)
		if err != nil {
			prodErr = err
			break
		}
		if !ok {
			break
		}
		seq++
		if int64(seq) <= resume || len(recs) == 0 {
			// nothing to apply; still completes so the checkpoint can move
			if err := finish(seq, nil, nil); err != nil {
				prodErr = err
				break
			}
			continue
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		s := seq
		batchRecs := recs
		g.Go(func() error {
			defer sem.Release(1)
			batch, failures, err := i.applyBatch(gctx, jobID, s, batchRecs)
			if err != nil {
				return err
			}
			return finish(s, batch, failures)
		})
	}
	summary.Batches = seq

	err := g.Wait()
	sort.Ints(summary.FailedBatches)
	if err != nil {
		return summary, err
	}
	if prodErr != nil {
		return summary, prodErr
	}
	return summary, ctx.Err()
}

// applyBatch commits one batch atomically, retrying transient destination
// errors with exponential backoff and isolating records one by one when the
// failure is permanent. The context is detached so a job cancellation never
// interrupts a destination transaction.
func (i *Importer) applyBatch(ctx context.Context, jobID uuid.UUID, seq int, recs []*models.CanonicalRecord) (*models.ImportBatch, []RecordFailure, error) {
	dctx := context.WithoutCancel(ctx)
	batch := &models.ImportBatch{
		ID:          uuid.New(),
		JobID:       jobID,
		Seq:         seq,
		RecordCount: len(recs),
	}

	var lastErr error
	for attempt := 0; attempt <= i.settings.MaxRetries; attempt++ {
		if attempt > 0 {
			batch.Retries++
			if err := i.backoff(ctx, attempt); err != nil {
				return nil, nil, err
			}
			i.logger.Warn("retrying batch",
				zap.String("job_id", jobID.String()),
				zap.Int("seq", seq),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
		}

		txnID, err := i.tryBatch(dctx, recs)
		if err == nil {
			batch.Succeeded = len(recs)
			batch.Status = models.BatchCommitted
			batch.TxnID = txnID
			return batch, nil, i.store.SaveBatch(dctx, batch)
		}
		lastErr = err
		if models.KindOf(err) != models.ErrTransientDestination {
			break
		}
	}

	if models.KindOf(lastErr) == models.ErrTransientDestination {
		// retries exhausted: this aborts the whole job
		return nil, nil, &models.MigrationError{
			Kind:     models.ErrTransientDestination,
			Phase:    models.PhaseImport,
			JobID:    jobID,
			BatchSeq: seq,
			Code:     "retries_exhausted",
			Err:      lastErr,
		}
	}

	// permanent failure: re-attempt records individually to isolate the
	// offending ones, then let the job continue
	i.logger.Warn("isolating failed batch",
		zap.String("job_id", jobID.String()),
		zap.Int("seq", seq),
		zap.Error(lastErr))
	failures := make([]RecordFailure, 0, 1)
	for _, rec := range recs {
		if _, err := i.tryBatch(dctx, []*models.CanonicalRecord{rec}); err != nil {
			batch.Failed++
			failures = append(failures, RecordFailure{BatchSeq: seq, ExternalID: rec.ExternalID, Err: err})
		} else {
			batch.Succeeded++
		}
	}
	batch.Status = models.BatchIsolated
	return batch, failures, i.store.SaveBatch(dctx, batch)
}

// tryBatch runs one destination transaction under the per-transaction
// timeout. A hung commit surfaces as a transient timeout error rather than
// blocking a worker forever.
func (i *Importer) tryBatch(ctx context.Context, recs []*models.CanonicalRecord) (string, error) {
	tctx, cancel := context.WithTimeout(ctx, i.settings.TxnTimeout)
	defer cancel()

	txn, err := i.dest.BeginBatch(tctx)
	if err != nil {
		return "", classifyTimeout(err)
	}
	for _, rec := range recs {
		if err := txn.Upsert(tctx, rec); err != nil {
			_ = txn.Rollback(tctx)
			return "", classifyTimeout(err)
		}
	}
	if err := txn.Commit(tctx); err != nil {
		return "", classifyTimeout(err)
	}
	return txn.ID(), nil
}

func classifyTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewError(models.ErrTransientDestination, "destination_timeout", err)
	}
	return err
}

func (i *Importer) backoff(ctx context.Context, attempt int) error {
	delay := i.settings.BackoffBase << (attempt - 1)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
