package connector

import (
	"context"
	"fmt"

	"construction-migration-backend/internal/models"
)

// MemoryConnector serves a fixed slice of records. It backs synthetic
// sources and tests, including fault injection for retry paths.
type MemoryConnector struct {
	records []models.RawRecord
	pos     int

	// FailOpens makes the first n Open calls fail with a transient error.
	FailOpens int
	// FailAt makes Next fail once when reaching this 1-based position.
	FailAt  int
	FailErr error

	failed bool
}

func NewMemoryConnector(records []models.RawRecord) *MemoryConnector {
	return &MemoryConnector{records: records}
}

func (c *MemoryConnector) Open(ctx context.Context, scope models.Scope) error {
	if c.FailOpens > 0 {
		c.FailOpens--
		return models.NewError(models.ErrTransientSource, "source_open_failed", fmt.Errorf("simulated connect failure"))
	}
	c.pos = 0
	c.failed = false
	return nil
}

func (c *MemoryConnector) Next() (models.RawRecord, bool, error) {
	if c.FailAt > 0 && !c.failed && c.pos+1 == c.FailAt {
		c.failed = true
		err := c.FailErr
		if err == nil {
			err = models.NewError(models.ErrTransientSource, "source_read_failed", fmt.Errorf("simulated read failure"))
		}
		return models.RawRecord{}, false, err
	}
	if c.pos >= len(c.records) {
		return models.RawRecord{}, false, nil
	}
	rec := c.records[c.pos]
	c.pos++
	return rec, true, nil
}

func (c *MemoryConnector) EstimatedCount() int64 { return int64(len(c.records)) }

func (c *MemoryConnector) Close() error { return nil }
