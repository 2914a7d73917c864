package migration

import (
	"context"
	"sync"
	"time"

	"construction-migration-backend/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType is the kind of tracker notification.
type EventType string

const (
	EventPhaseEntered   EventType = "phase_entered"
	EventPhaseCompleted EventType = "phase_completed"
	EventProgress       EventType = "progress"
)

// Event is a progress notification for UI polling and listeners.
type Event struct {
	JobID     uuid.UUID
	Type      EventType
	Phase     models.Phase
	Processed int64
	Total     int64
	Errors    int64
	Warnings  int64
}

// Listener receives tracker events. Listeners run on a dedicated goroutine
// and events are dropped rather than letting a slow listener block the
// state machine.
type Listener func(Event)

// Tracker drives one job through the phase state machine, persisting every
// transition before the next phase begins.
type Tracker struct {
	store       JobStore
	logger      *zap.Logger
	notifyEvery int64

	mu           sync.Mutex
	job          *models.MigrationJob
	lastNotified int64

	events chan Event
	done   chan struct{}
}

func NewTracker(store JobStore, job *models.MigrationJob, notifyEvery int64, logger *zap.Logger, listeners ...Listener) *Tracker {
	if notifyEvery <= 0 {
		notifyEvery = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		store:       store,
		logger:      logger,
		notifyEvery: notifyEvery,
		job:         job,
		events:      make(chan Event, 256),
		done:        make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		for ev := range t.events {
			for _, l := range listeners {
				l(ev)
			}
		}
	}()
	return t
}

// Close stops event delivery after draining what was already queued.
func (t *Tracker) Close() {
	close(t.events)
	<-t.done
}

// Job returns a snapshot of the tracked job.
func (t *Tracker) Job() models.MigrationJob {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.job
}

// Transition moves the job to the next phase. The transition is validated
// against the table and persisted before it returns; an illegal transition
// never touches the store.
func (t *Tracker) Transition(ctx context.Context, to models.Phase) error {
	t.mu.Lock()
	from := t.job.Phase
	if !CanTransition(from, to) {
		t.mu.Unlock()
		return &ErrIllegalTransition{From: from, To: to}
	}
	t.job.Phase = to
	if to.Terminal() {
		now := time.Now()
		t.job.CompletedAt = &now
	}
	snapshot := *t.job
	t.lastNotified = 0
	t.mu.Unlock()

	if err := t.store.UpdateJob(ctx, &snapshot); err != nil {
		return err
	}
	t.logger.Info("phase transition",
		zap.String("job_id", snapshot.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if from != "" {
		t.emit(Event{JobID: snapshot.ID, Type: EventPhaseCompleted, Phase: from})
	}
	t.emit(Event{JobID: snapshot.ID, Type: EventPhaseEntered, Phase: to})
	return nil
}

// UpdateCounters mutates the job counters and persists them, emitting a
// progress event every notifyEvery processed records.
func (t *Tracker) UpdateCounters(ctx context.Context, mutate func(*models.Counters)) error {
	t.mu.Lock()
	mutate(&t.job.Counters)
	snapshot := *t.job
	processed := phaseProcessed(snapshot.Phase, snapshot.Counters)
	notify := processed-t.lastNotified >= t.notifyEvery
	if notify {
		t.lastNotified = processed
	}
	t.mu.Unlock()

	if err := t.store.UpdateJob(ctx, &snapshot); err != nil {
		return err
	}
	if notify {
		t.emit(Event{
			JobID:     snapshot.ID,
			Type:      EventProgress,
			Phase:     snapshot.Phase,
			Processed: processed,
			Total:     snapshot.Counters.Discovered,
			Errors:    snapshot.Counters.Failed,
			Warnings:  snapshot.Counters.Warnings,
		})
	}
	return nil
}

// Fail moves the job to the Failed terminal state, recording the cause.
func (t *Tracker) Fail(ctx context.Context, cause error) error {
	t.mu.Lock()
	t.job.LastError = cause.Error()
	t.mu.Unlock()
	return t.Transition(ctx, models.PhaseFailed)
}

// Cancel moves the job to the Canceled terminal state.
func (t *Tracker) Cancel(ctx context.Context) error {
	return t.Transition(ctx, models.PhaseCanceled)
}

func (t *Tracker) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
		// a full queue means a slow listener; dropping beats blocking
	}
}

func phaseProcessed(phase models.Phase, c models.Counters) int64 {
	switch phase {
	case models.PhaseExtraction:
		return c.Extracted
	case models.PhaseTransformation:
		return c.Transformed
	case models.PhaseValidation:
		return c.Validated
	case models.PhaseImport:
		return c.Imported
	default:
		return c.Extracted
	}
}
