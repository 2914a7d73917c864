package importer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"construction-migration-backend/internal/models"

	"github.com/google/uuid"
)

type recordKey struct {
	jobID      uuid.UUID
	externalID string
}

// MemoryDestination is the in-memory destination used by synthetic runs and
// tests. It enforces the same idempotency and fingerprint policy as the
// database destination, and exposes hooks for fault injection.
type MemoryDestination struct {
	mu      sync.Mutex
	policy  UpdatePolicy
	records map[recordKey]models.CanonicalRecord

	// UpsertHook and CommitHook run before the real operation; returning an
	// error fails it. Used to simulate outages and constraint violations.
	UpsertHook func(rec *models.CanonicalRecord) error
	CommitHook func(recs []*models.CanonicalRecord) error
}

func NewMemoryDestination(policy UpdatePolicy) *MemoryDestination {
	if policy == "" {
		policy = PolicyOverwrite
	}
	return &MemoryDestination{
		policy:  policy,
		records: make(map[recordKey]models.CanonicalRecord),
	}
}

func (d *MemoryDestination) BeginBatch(ctx context.Context) (Txn, error) {
	return &memoryTxn{dest: d, id: uuid.NewString()}, nil
}

func (d *MemoryDestination) CountRecords(ctx context.Context, entityType string, jobID uuid.UUID) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int64
	for k, rec := range d.records {
		if k.jobID == jobID && rec.EntityType == entityType {
			n++
		}
	}
	return n, nil
}

func (d *MemoryDestination) SumField(ctx context.Context, entityType string, jobID uuid.UUID, field string) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var sum float64
	for k, rec := range d.records {
		if k.jobID != jobID || rec.EntityType != entityType {
			continue
		}
		switch field {
		case "amount":
			sum += rec.Amount()
		case "quantity":
			sum += rec.Quantity
		case "unit_rate":
			sum += rec.UnitRate
		default:
			return 0, fmt.Errorf("unsupported sum field %q", field)
		}
	}
	return sum, nil
}

func (d *MemoryDestination) ListExternalIDs(ctx context.Context, jobID uuid.UUID) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	for k := range d.records {
		if k.jobID == jobID {
			ids = append(ids, k.externalID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// HasCode satisfies validation.Lookup.
func (d *MemoryDestination) HasCode(ctx context.Context, jobID uuid.UUID, code string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, rec := range d.records {
		if k.jobID == jobID && rec.Code == code {
			return true, nil
		}
	}
	return false, nil
}

// Record returns a stored record by external id (test helper).
func (d *MemoryDestination) Record(jobID uuid.UUID, externalID string) (models.CanonicalRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[recordKey{jobID: jobID, externalID: externalID}]
	return rec, ok
}

type memoryTxn struct {
	dest   *MemoryDestination
	id     string
	staged []*models.CanonicalRecord
	closed bool
}

func (t *memoryTxn) ID() string { return t.id }

func (t *memoryTxn) Upsert(ctx context.Context, rec *models.CanonicalRecord) error {
	if t.dest.UpsertHook != nil {
		if err := t.dest.UpsertHook(rec); err != nil {
			return err
		}
	}
	t.staged = append(t.staged, rec)
	return nil
}

// Commit applies all staged records atomically under the store lock.
func (t *memoryTxn) Commit(ctx context.Context) error {
	if t.closed {
		return fmt.Errorf("transaction %s already closed", t.id)
	}
	t.closed = true
	if t.dest.CommitHook != nil {
		if err := t.dest.CommitHook(t.staged); err != nil {
			return err
		}
	}
	t.dest.mu.Lock()
	defer t.dest.mu.Unlock()
	if t.dest.policy == PolicyReject {
		// reject before touching anything so the batch stays atomic
		for _, rec := range t.staged {
			key := recordKey{jobID: rec.JobID, externalID: rec.ExternalID}
			if existing, ok := t.dest.records[key]; ok && existing.Fingerprint != rec.Fingerprint {
				return &models.MigrationError{
					Kind:       models.ErrPermanentDestination,
					ExternalID: rec.ExternalID,
					Code:       "fingerprint_conflict",
					Err:        fmt.Errorf("record %s re-submitted with changed content", rec.ExternalID),
				}
			}
		}
	}
	for _, rec := range t.staged {
		key := recordKey{jobID: rec.JobID, externalID: rec.ExternalID}
		existing, ok := t.dest.records[key]
		switch {
		case !ok:
			stored := *rec
			stored.Revision = 1
			t.dest.records[key] = stored
		case existing.Fingerprint == rec.Fingerprint:
			// identical re-import is a no-op success
		default:
			stored := *rec
			stored.ID = existing.ID
			stored.Revision = existing.Revision + 1
			t.dest.records[key] = stored
		}
	}
	return nil
}

func (t *memoryTxn) Rollback(ctx context.Context) error {
	t.closed = true
	t.staged = nil
	return nil
}
