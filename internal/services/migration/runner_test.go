package migration

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"construction-migration-backend/internal/connector"
	"construction-migration-backend/internal/models"
	"construction-migration-backend/internal/services/importer"
	"construction-migration-backend/internal/services/reconciliation"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testRuleSet() *models.MappingRuleSet {
	return &models.MappingRuleSet{
		ID:         uuid.New(),
		Name:       "cost-items-v1",
		Version:    1,
		EntityType: "cost_item",
		Locale:     "en",
		Rules: []models.MappingRule{
			{CanonicalField: "project_code", Aliases: []string{"Project"}, Type: models.FieldString, Required: true},
			{CanonicalField: "code", Aliases: []string{"Item Code"}, Type: models.FieldString, Required: true},
			{CanonicalField: "quantity", Aliases: []string{"Qty"}, Type: models.FieldNumber, Required: true},
			{CanonicalField: "unit_rate", Aliases: []string{"Unit Rate"}, Type: models.FieldNumber, Required: true},
		},
	}
}

func rawCostItem(row int, qty, rate string) models.RawRecord {
	return models.RawRecord{
		ExternalID: fmt.Sprintf("synthetic:%d", row),
		Row:        int64(row),
		Columns:    []string{"Project", "Item Code", "Qty", "Unit Rate"},
		Fields: map[string]string{
			"Project":   "P100",
			"Item Code": fmt.Sprintf("03-%04d", row),
			"Qty":       qty,
			"Unit Rate": rate,
		},
	}
}

func testMigrationSettings() Settings {
	return Settings{
		Importer: importer.Settings{
			BatchSize:   2,
			Concurrency: 2,
			MaxRetries:  2,
			BackoffBase: time.Millisecond,
		},
		MinConfidence:   0.6,
		ReviewThreshold: 0.8,
		Tolerance:       reconciliation.Tolerance{Abs: 0.01, Rel: 0.00001},
		NotifyEvery:     100,
		SourceRetries:   2,
	}
}

type runnerFixture struct {
	store    *MemoryStore
	dest     *importer.MemoryDestination
	registry *connector.Registry
	runner   *Runner
	ruleSet  *models.MappingRuleSet
}

func newRunnerFixture(t *testing.T, records []models.RawRecord) *runnerFixture {
	t.Helper()
	store := NewMemoryStore()
	set := testRuleSet()
	store.PutRuleSet(set)

	dest := importer.NewMemoryDestination(importer.PolicyReject)
	registry := connector.NewRegistry()
	registry.Register("synthetic", func() connector.Connector {
		return connector.NewMemoryConnector(records)
	})

	runner := NewRunner(store, store, registry, dest, dest, testMigrationSettings(), zaptest.NewLogger(t))
	return &runnerFixture{store: store, dest: dest, registry: registry, runner: runner, ruleSet: set}
}

func (f *runnerFixture) scope() models.Scope {
	return models.Scope{SourceSystem: "synthetic", EntityType: "cost_item"}
}

func TestRunnerRejectsNegativeQuantity(t *testing.T) {
	records := []models.RawRecord{
		rawCostItem(1, "10", "25.00"),
		rawCostItem(2, "-4", "30.00"),
		rawCostItem(3, "2", "12.50"),
	}
	f := newRunnerFixture(t, records)

	job, err := f.runner.Submit(context.Background(), f.scope(), f.ruleSet.ID)
	require.NoError(t, err)
	f.runner.Wait()

	stored, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseCompleted, stored.Phase)
	assert.Equal(t, int64(3), stored.Counters.Discovered)
	assert.Equal(t, int64(2), stored.Counters.Imported)
	assert.Equal(t, int64(1), stored.Counters.Failed)

	issues, err := f.store.ListIssues(context.Background(), job.ID)
	require.NoError(t, err)
	var found bool
	for _, is := range issues {
		if is.ExternalID == "synthetic:2" && is.Code == "quantity_must_be_positive" {
			found = true
		}
	}
	assert.True(t, found, "expected a quantity_must_be_positive issue for the rejected record")

	report, err := f.store.GetReport(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Zero(t, report.CountVariance)
}

func TestRunnerReconcilesKnownTotal(t *testing.T) {
	// 999 items at $523.00 plus one at $940.89: $523,417.89 exactly
	records := make([]models.RawRecord, 0, 1000)
	for i := 1; i <= 999; i++ {
		records = append(records, rawCostItem(i, "1", "523.00"))
	}
	records = append(records, rawCostItem(1000, "1", "940.89"))
	f := newRunnerFixture(t, records)

	job, err := f.runner.Submit(context.Background(), f.scope(), f.ruleSet.ID)
	require.NoError(t, err)
	f.runner.Wait()

	stored, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.PhaseCompleted, stored.Phase, "last error: %s", stored.LastError)
	assert.Equal(t, int64(1000), stored.Counters.Imported)

	report, err := f.store.GetReport(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.InDelta(t, 523417.89, report.TargetTotal, 0.01)
	assert.InDelta(t, 523417.89, report.SourceTotal, 0.01)
	assert.Zero(t, report.CountVariance)
}

func TestRunnerFailsWhenDestinationDropsRecords(t *testing.T) {
	records := []models.RawRecord{
		rawCostItem(1, "1", "100.00"),
		rawCostItem(2, "1", "200.00"),
		rawCostItem(3, "1", "300.00"),
	}
	f := newRunnerFixture(t, records)
	f.dest.UpsertHook = func(rec *models.CanonicalRecord) error {
		if rec.ExternalID == "synthetic:2" {
			return models.NewError(models.ErrPermanentDestination, "constraint_violation", errors.New("value rejected"))
		}
		return nil
	}

	job, err := f.runner.Submit(context.Background(), f.scope(), f.ruleSet.ID)
	require.NoError(t, err)
	f.runner.Wait()

	stored, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseFailed, stored.Phase)
	assert.Contains(t, stored.LastError, "reconciliation_failed")

	report, err := f.store.GetReport(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, report.Passed)
	assert.Equal(t, int64(-1), report.CountVariance)
	assert.Contains(t, string(report.UnmatchedSource), "synthetic:2")

	issues, err := f.store.ListIssues(context.Background(), job.ID)
	require.NoError(t, err)
	var rejected, failed bool
	for _, is := range issues {
		if is.Code == "destination_rejected" && is.ExternalID == "synthetic:2" {
			rejected = true
		}
		if is.Code == "reconciliation_failed" {
			failed = true
		}
	}
	assert.True(t, rejected)
	assert.True(t, failed)
}

func TestRunnerCancellation(t *testing.T) {
	records := []models.RawRecord{rawCostItem(1, "1", "10.00")}
	f := newRunnerFixture(t, records)

	// one failed open forces a retry backoff, leaving a window to cancel in
	slow := connector.NewMemoryConnector(records)
	slow.FailOpens = 1
	f.registry.Register("slow", func() connector.Connector { return slow })

	scope := models.Scope{SourceSystem: "slow", EntityType: "cost_item"}
	job, err := f.runner.Submit(context.Background(), scope, f.ruleSet.ID)
	require.NoError(t, err)
	require.True(t, f.runner.Cancel(job.ID))
	f.runner.Wait()

	stored, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseCanceled, stored.Phase)

	// a finished job can no longer be canceled
	assert.False(t, f.runner.Cancel(job.ID))
}

func TestRunnerSubmitUnknownRuleSet(t *testing.T) {
	f := newRunnerFixture(t, nil)
	_, err := f.runner.Submit(context.Background(), f.scope(), uuid.New())
	require.Error(t, err)
	assert.True(t, models.IsFatal(err))

	var me *models.MigrationError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "rule_set_missing", me.Code)
}

func TestRunnerSubmitUnknownSourceSystem(t *testing.T) {
	f := newRunnerFixture(t, nil)
	scope := models.Scope{SourceSystem: "mainframe", EntityType: "cost_item"}
	_, err := f.runner.Submit(context.Background(), scope, f.ruleSet.ID)
	require.Error(t, err)
	assert.True(t, models.IsFatal(err))
}

func TestRunnerResumeSkipsCommittedBatches(t *testing.T) {
	records := []models.RawRecord{
		rawCostItem(1, "1", "10.00"),
		rawCostItem(2, "1", "20.00"),
		rawCostItem(3, "1", "30.00"),
		rawCostItem(4, "1", "40.00"),
	}
	f := newRunnerFixture(t, records)

	// replay a crash mid-import: batch 1 committed and checkpointed, then
	// the process died before anything else persisted
	ctx := context.Background()
	job := &models.MigrationJob{
		ID:           uuid.New(),
		SourceSystem: "synthetic",
		RuleSetID:    f.ruleSet.ID,
		Scope:        f.scope(),
		Phase:        models.PhaseImport,
	}
	require.NoError(t, f.store.CreateJob(ctx, job))
	require.NoError(t, f.store.SaveCheckpoint(ctx, &models.Checkpoint{
		ID: uuid.New(), JobID: job.ID, Phase: models.PhaseImport, Position: 1,
	}))

	txn, err := f.dest.BeginBatch(ctx)
	require.NoError(t, err)
	for _, raw := range records[:2] {
		rec := &models.CanonicalRecord{
			ID:          uuid.New(),
			JobID:       job.ID,
			ExternalID:  raw.ExternalID,
			EntityType:  "cost_item",
			ProjectCode: raw.Fields["Project"],
			Code:        raw.Fields["Item Code"],
			Quantity:    1,
		}
		switch raw.ExternalID {
		case "synthetic:1":
			rec.UnitRate = 10
		case "synthetic:2":
			rec.UnitRate = 20
		}
		rec.Fingerprint = rec.ComputeFingerprint()
		require.NoError(t, txn.Upsert(ctx, rec))
	}
	require.NoError(t, txn.Commit(ctx))

	resumed, err := f.runner.Resume(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, resumed.ID)
	f.runner.Wait()

	stored, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.PhaseCompleted, stored.Phase, "last error: %s", stored.LastError)
	assert.Equal(t, int64(4), stored.Counters.Imported)

	// PolicyReject would have refused any double-apply with changed content;
	// identical revisions prove each record landed exactly once
	for _, raw := range records {
		rec, ok := f.dest.Record(job.ID, raw.ExternalID)
		require.True(t, ok, "missing %s", raw.ExternalID)
		assert.Equal(t, 1, rec.Revision, "%s applied more than once", raw.ExternalID)
	}

	report, err := f.store.GetReport(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, report.Passed)
}

func TestRunnerResumeRecountsCounters(t *testing.T) {
	records := []models.RawRecord{
		rawCostItem(1, "10", "25.00"),
		rawCostItem(2, "-4", "30.00"),
		rawCostItem(3, "2", "12.50"),
	}
	f := newRunnerFixture(t, records)

	// a crash mid-import leaves the counters of the interrupted run behind;
	// the rerun must recount them, not stack new rejections on top
	ctx := context.Background()
	job := &models.MigrationJob{
		ID:           uuid.New(),
		SourceSystem: "synthetic",
		RuleSetID:    f.ruleSet.ID,
		Scope:        f.scope(),
		Phase:        models.PhaseImport,
		Counters: models.Counters{
			Discovered:  3,
			Extracted:   3,
			Transformed: 3,
			Validated:   2,
			Failed:      1,
		},
	}
	require.NoError(t, f.store.CreateJob(ctx, job))

	_, err := f.runner.Resume(ctx, job.ID)
	require.NoError(t, err)
	f.runner.Wait()

	stored, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.PhaseCompleted, stored.Phase, "last error: %s", stored.LastError)
	assert.Equal(t, int64(1), stored.Counters.Failed, "the single rejected record must be counted once")
	assert.Equal(t, int64(3), stored.Counters.Discovered)
	assert.Equal(t, int64(3), stored.Counters.Extracted)
	assert.Equal(t, int64(2), stored.Counters.Validated)
	assert.Equal(t, int64(2), stored.Counters.Imported)
}

func TestRunnerImportsInFixedWindows(t *testing.T) {
	records := make([]models.RawRecord, 0, 5)
	for i := 1; i <= 5; i++ {
		records = append(records, rawCostItem(i, "1", "10.00"))
	}
	f := newRunnerFixture(t, records)

	job, err := f.runner.Submit(context.Background(), f.scope(), f.ruleSet.ID)
	require.NoError(t, err)
	f.runner.Wait()

	stored, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.PhaseCompleted, stored.Phase, "last error: %s", stored.LastError)
	assert.Equal(t, int64(5), stored.Counters.Extracted)
	assert.Equal(t, int64(5), stored.Counters.Imported)

	// batch size 2 over 5 records: three batches, checkpoint at the last
	batches := f.store.Batches(job.ID)
	require.Len(t, batches, 3)
	counts := 0
	for i, b := range batches {
		assert.Equal(t, i+1, b.Seq)
		assert.Equal(t, models.BatchCommitted, b.Status)
		counts += b.RecordCount
	}
	assert.Equal(t, 5, counts)

	cp, err := f.store.LatestCheckpoint(context.Background(), job.ID, models.PhaseImport)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(3), cp.Position)
}

func TestRunnerResolvesParentAcrossWindows(t *testing.T) {
	records := []models.RawRecord{
		rawCostItem(1, "1", "10.00"),
		rawCostItem(2, "1", "20.00"),
		rawCostItem(3, "1", "30.00"),
	}
	// the last record references the first, which sits two windows earlier
	records[2].Columns = append(records[2].Columns, "Parent")
	records[2].Fields["Parent"] = "03-0001"

	f := newRunnerFixture(t, records)
	f.ruleSet.Rules = append(f.ruleSet.Rules, models.MappingRule{
		CanonicalField: "parent_code", Aliases: []string{"Parent"}, Type: models.FieldString,
	})
	f.store.PutRuleSet(f.ruleSet)

	job, err := f.runner.Submit(context.Background(), f.scope(), f.ruleSet.ID)
	require.NoError(t, err)
	f.runner.Wait()

	stored, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.PhaseCompleted, stored.Phase, "last error: %s", stored.LastError)
	assert.Equal(t, int64(3), stored.Counters.Validated)
	assert.Equal(t, int64(3), stored.Counters.Imported)
	assert.Zero(t, stored.Counters.Failed)
}

func TestRunnerResumeTerminalJobRefused(t *testing.T) {
	records := []models.RawRecord{rawCostItem(1, "1", "10.00")}
	f := newRunnerFixture(t, records)

	job, err := f.runner.Submit(context.Background(), f.scope(), f.ruleSet.ID)
	require.NoError(t, err)
	f.runner.Wait()

	_, err = f.runner.Resume(context.Background(), job.ID)
	require.Error(t, err)
	assert.True(t, models.IsFatal(err))
}

func TestRunnerResumeUnknownJob(t *testing.T) {
	f := newRunnerFixture(t, nil)
	_, err := f.runner.Resume(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}
