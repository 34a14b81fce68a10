package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/doppler-ln/doppler/pkg/compose"
	"github.com/doppler-ln/doppler/pkg/telemetry"
)

// Built is the product of a builder or reloader: exactly one of L1 and L2
// is set, together with the node's compose service.
type Built struct {
	L1      L1Node
	L2      L2Node
	Service *compose.Service
}

// BuildContext is handed to a Builder.
type BuildContext struct {
	Spec      NodeSpec
	Settings  Settings
	Allocator *Allocator
	Executor  Executor
	Metrics   *telemetry.Metrics
}

// ReloadContext is handed to a Reloader. Pair is nil for base-layer nodes.
type ReloadContext struct {
	Kind     NodeKind
	Name     string
	Service  *compose.Service
	Pair     L1Node
	Settings Settings
	Executor Executor
	Metrics  *telemetry.Metrics
}

// Builder creates a new node, writing its on-disk configuration and
// returning its compose service.
type Builder func(ctx context.Context, bc *BuildContext) (*Built, error)

// Reloader reconstructs a node from the service of a running cluster.
type Reloader func(ctx context.Context, rc *ReloadContext) (*Built, error)

// Registry maps node kinds to their builder and reloader.
type Registry struct {
	mu        sync.RWMutex
	builders  map[NodeKind]Builder
	reloaders map[NodeKind]Reloader
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:  make(map[NodeKind]Builder),
		reloaders: make(map[NodeKind]Reloader),
	}
}

// Register adds the builder and reloader for kind. A nil reloader means
// the kind cannot be reloaded.
func (r *Registry) Register(kind NodeKind, builder Builder, reloader Reloader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[kind] = builder
	if reloader != nil {
		r.reloaders[kind] = reloader
	}
}

// Builder returns the builder of kind.
func (r *Registry) Builder(kind NodeKind) (Builder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[kind]
	if !ok {
		return nil, NewScriptError(fmt.Sprintf("no builder registered for %s nodes", kind))
	}
	return b, nil
}

// Reloader returns the reloader of kind.
func (r *Registry) Reloader(kind NodeKind) (Reloader, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rl, ok := r.reloaders[kind]
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("%s nodes cannot be reloaded", kind), nil)
	}
	return rl, nil
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []NodeKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]NodeKind, 0, len(r.builders))
	for k := range r.builders {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
