package webhook

import (
	"context"
	"fmt"
	"sort"

	"github.com/samber/lo"
)

// Processor handles one authenticated delivery. Processors must be idempotent: the same event may
// be delivered again after a failure.
type Processor interface {
	Name() string
	Process(ctx context.Context, d *Delivery) (*Result, error)
}

// Registry maps each event type to its processors, in registration order
type Registry struct {
	processors map[EventType][]Processor
}

// NewRegistry returns an empty Registry
func NewRegistry() *Registry {
	return &Registry{
		processors: make(map[EventType][]Processor),
	}
}

// Register appends processors for t. Only the handled event types are accepted.
func (r *Registry) Register(t EventType, processors ...Processor) error {
	if !t.Known() {
		return fmt.Errorf("unknown event type %s", t)
	}
	for _, p := range processors {
		if p == nil {
			return fmt.Errorf("nil processor for %s is invalid", t)
		}
	}
	r.processors[t] = append(r.processors[t], processors...)
	return nil
}

// For returns the processors registered for t
func (r *Registry) For(t EventType) []Processor {
	return r.processors[t]
}

// Types returns every event type with at least one processor, sorted
func (r *Registry) Types() []EventType {
	types := lo.Keys(r.processors)
	sort.Slice(types, func(i, j int) bool {
		return types[i] < types[j]
	})
	return types
}
