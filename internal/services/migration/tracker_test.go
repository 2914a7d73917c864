package migration

import (
	"context"
	"sync"
	"testing"

	"construction-migration-backend/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) listen(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func newTrackedJob(t *testing.T, store *MemoryStore) *models.MigrationJob {
	t.Helper()
	job := &models.MigrationJob{ID: uuid.New(), SourceSystem: "synthetic"}
	require.NoError(t, store.CreateJob(context.Background(), job))
	return job
}

func TestTrackerPersistsTransitions(t *testing.T) {
	store := NewMemoryStore()
	job := newTrackedJob(t, store)
	tr := NewTracker(store, job, 10, zaptest.NewLogger(t))
	defer tr.Close()

	ctx := context.Background()
	require.NoError(t, tr.Transition(ctx, models.PhaseDiscovery))
	require.NoError(t, tr.Transition(ctx, models.PhaseExtraction))

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseExtraction, stored.Phase)
	assert.Nil(t, stored.CompletedAt)
}

func TestTrackerRefusesIllegalTransition(t *testing.T) {
	store := NewMemoryStore()
	job := newTrackedJob(t, store)
	tr := NewTracker(store, job, 10, zaptest.NewLogger(t))
	defer tr.Close()

	ctx := context.Background()
	require.NoError(t, tr.Transition(ctx, models.PhaseDiscovery))

	err := tr.Transition(ctx, models.PhaseImport)
	var illegal *ErrIllegalTransition
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, models.PhaseDiscovery, illegal.From)

	// the store never saw the illegal move
	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseDiscovery, stored.Phase)
}

func TestTrackerEmitsPhaseEvents(t *testing.T) {
	store := NewMemoryStore()
	job := newTrackedJob(t, store)
	sink := &eventSink{}
	tr := NewTracker(store, job, 10, zaptest.NewLogger(t), sink.listen)

	ctx := context.Background()
	require.NoError(t, tr.Transition(ctx, models.PhaseDiscovery))
	require.NoError(t, tr.Transition(ctx, models.PhaseExtraction))
	tr.Close()

	events := sink.all()
	require.Len(t, events, 3)
	assert.Equal(t, EventPhaseEntered, events[0].Type)
	assert.Equal(t, models.PhaseDiscovery, events[0].Phase)
	assert.Equal(t, EventPhaseCompleted, events[1].Type)
	assert.Equal(t, models.PhaseDiscovery, events[1].Phase)
	assert.Equal(t, EventPhaseEntered, events[2].Type)
	assert.Equal(t, models.PhaseExtraction, events[2].Phase)
}

func TestTrackerProgressEveryN(t *testing.T) {
	store := NewMemoryStore()
	job := newTrackedJob(t, store)
	sink := &eventSink{}
	tr := NewTracker(store, job, 5, zaptest.NewLogger(t), sink.listen)

	ctx := context.Background()
	require.NoError(t, tr.Transition(ctx, models.PhaseDiscovery))
	require.NoError(t, tr.Transition(ctx, models.PhaseExtraction))
	for n := int64(1); n <= 12; n++ {
		n := n
		require.NoError(t, tr.UpdateCounters(ctx, func(c *models.Counters) { c.Extracted = n }))
	}
	tr.Close()

	var progress []Event
	for _, ev := range sink.all() {
		if ev.Type == EventProgress {
			progress = append(progress, ev)
		}
	}
	// 12 increments at every-5 notification: fired at 5 and 10
	require.Len(t, progress, 2)
	assert.Equal(t, int64(5), progress[0].Processed)
	assert.Equal(t, int64(10), progress[1].Processed)

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(12), stored.Counters.Extracted)
}

func TestTrackerFailRecordsCause(t *testing.T) {
	store := NewMemoryStore()
	job := newTrackedJob(t, store)
	tr := NewTracker(store, job, 10, zaptest.NewLogger(t))
	defer tr.Close()

	ctx := context.Background()
	require.NoError(t, tr.Transition(ctx, models.PhaseDiscovery))
	require.NoError(t, tr.Fail(ctx, errMessage("source exploded")))

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseFailed, stored.Phase)
	assert.Equal(t, "source exploded", stored.LastError)
	require.NotNil(t, stored.CompletedAt)
}

func TestMemoryStoreLatestCheckpoint(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	jobID := uuid.New()

	cp, err := store.LatestCheckpoint(ctx, jobID, models.PhaseImport)
	require.NoError(t, err)
	assert.Nil(t, cp)

	for _, pos := range []int64{1, 3, 2} {
		require.NoError(t, store.SaveCheckpoint(ctx, &models.Checkpoint{
			ID: uuid.New(), JobID: jobID, Phase: models.PhaseImport, Position: pos,
		}))
	}
	cp, err = store.LatestCheckpoint(ctx, jobID, models.PhaseImport)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(3), cp.Position)
}
