package connector

import (
	"context"
	"fmt"
	"sync"

	"construction-migration-backend/internal/models"
)

// Connector is the uniform extraction interface every legacy system or file
// format is adapted to. Implementations must yield records deterministically
// for the same scope across retries: resuming from a checkpoint skips
// exactly the already-processed prefix.
type Connector interface {
	Open(ctx context.Context, scope models.Scope) error
	// Next returns the next record in stable source order. The bool is
	// false once the stream is exhausted.
	Next() (models.RawRecord, bool, error)
	// EstimatedCount is a best-effort total, -1 when unknown.
	EstimatedCount() int64
	Close() error
}

// Factory builds a fresh connector instance for one job run.
type Factory func() Connector

// Registry maps source system identifiers to connector factories. The core
// never branches on source identity beyond this lookup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(sourceSystem string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[sourceSystem] = f
}

// New instantiates a connector for the given source system. An unknown
// system is a configuration error: the job must abort before extraction.
func (r *Registry) New(sourceSystem string) (Connector, error) {
	r.mu.RLock()
	f, ok := r.factories[sourceSystem]
	r.mu.RUnlock()
	if !ok {
		return nil, models.NewError(models.ErrFatalConfiguration, "unknown_source_system",
			fmt.Errorf("no connector registered for source system %q", sourceSystem))
	}
	return f(), nil
}
