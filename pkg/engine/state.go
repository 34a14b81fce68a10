package engine

import (
	"bufio"
	"context"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/doppler-ln/doppler/pkg/compose"
	"github.com/doppler-ln/doppler/pkg/telemetry"
	"github.com/doppler-ln/doppler/pkg/transports"
)

// ClusterState is the single record of a run: the nodes, the manifest
// being built, the background workers and the flags they observe.
//
// The allocator, manifest and node collections are written only by the
// interpreter. Workers read nodes through a Snapshot taken when they are
// spawned, and otherwise only touch the atomic flags and the worker
// registry.
type ClusterState struct {
	settings  Settings
	logger    *telemetry.Logger
	telemetry *telemetry.Telemetry
	allocator *Allocator
	manifest  *compose.Manifest
	runtime   ContainerRuntime
	registry  *Registry
	store     TagStore
	runID     string
	clock     Clock
	stdin     *bufio.Reader

	// images maps a node kind to its default image. named holds the
	// images registered by IMAGE directives, keyed by kind and name.
	images map[NodeKind]string
	named  map[string]string

	mu sync.RWMutex
	l1 []L1Node
	l2 []L2Node

	composePath atomic.Pointer[string]

	tagsMu sync.Mutex
	tags   map[string]string

	mainActive atomic.Bool
	mainPaused atomic.Bool
	loopCount  atomic.Int64
	endOfInput atomic.Bool

	workers workerRegistry
}

type workerRegistry struct {
	wg      sync.WaitGroup
	mu      sync.Mutex
	active  map[string]Worker
	spawned int
}

// Option configures a ClusterState.
type Option func(*ClusterState)

// WithSettings replaces the default settings.
func WithSettings(settings Settings) Option {
	return func(s *ClusterState) { s.settings = settings }
}

// WithTelemetry sets metrics, tracing and events.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *ClusterState) { s.telemetry = t }
}

// WithRuntime sets the container runtime.
func WithRuntime(rt ContainerRuntime) Option {
	return func(s *ClusterState) { s.runtime = rt }
}

// WithRegistry sets the node builders.
func WithRegistry(r *Registry) Option {
	return func(s *ClusterState) { s.registry = r }
}

// WithTagStore sets the store tags and action outcomes are written to.
func WithTagStore(store TagStore) Option {
	return func(s *ClusterState) { s.store = store }
}

// WithRunID ties recorded actions to a run.
func WithRunID(id string) Option {
	return func(s *ClusterState) { s.runID = id }
}

// WithClock replaces the wall clock used by workers.
func WithClock(c Clock) Option {
	return func(s *ClusterState) { s.clock = c }
}

// WithStdin sets where the bring-up confirmation is read from.
func WithStdin(r io.Reader) Option {
	return func(s *ClusterState) { s.stdin = bufio.NewReader(r) }
}

// WithDefaultImages sets the image each kind runs when a script names none.
func WithDefaultImages(images map[NodeKind]string) Option {
	return func(s *ClusterState) {
		for k, v := range images {
			s.images[k] = v
		}
	}
}

// NewClusterState creates the state of a run. mainActive starts true and
// mainPaused false.
func NewClusterState(logger *telemetry.Logger, opts ...Option) (*ClusterState, error) {
	s := &ClusterState{
		settings: DefaultSettings(),
		registry: NewRegistry(),
		clock:    RealClock(),
		stdin:    bufio.NewReader(os.Stdin),
		images:   make(map[NodeKind]string),
		named:    make(map[string]string),
		tags:     make(map[string]string),
		workers:  workerRegistry{active: make(map[string]Worker)},
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.telemetry == nil {
		s.telemetry = telemetry.NopTelemetry()
	}
	if logger == nil {
		logger = s.telemetry.Logger
	}
	s.logger = logger.NewComponentLogger("engine")

	allocator, err := NewAllocator(s.settings.PortSeed, s.settings.IPSeed)
	if err != nil {
		return nil, err
	}
	s.allocator = allocator
	s.manifest = compose.NewManifest(s.settings.NetworkName, s.settings.Subnet, s.settings.Gateway)
	s.mainActive.Store(true)
	return s, nil
}

// Settings returns the run settings.
func (s *ClusterState) Settings() Settings { return s.settings }

// Logger returns the engine logger.
func (s *ClusterState) Logger() *telemetry.Logger { return s.logger }

// Allocator returns the port and address allocator.
func (s *ClusterState) Allocator() *Allocator { return s.allocator }

// Manifest returns the manifest being built or the one reloaded.
func (s *ClusterState) Manifest() *compose.Manifest { return s.manifest }

// Snapshot copies the current node collections.
func (s *ClusterState) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return NewSnapshot(s.l1, s.l2)
}

// L1Nodes returns the base-layer nodes in definition order.
func (s *ClusterState) L1Nodes() []L1Node { return s.Snapshot().L1Nodes() }

// L2Nodes returns the payment nodes in definition order.
func (s *ClusterState) L2Nodes() []L2Node { return s.Snapshot().L2Nodes() }

func (s *ClusterState) addL1(n L1Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.l1 = append(s.l1, n)
}

func (s *ClusterState) addL2(n L2Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.l2 = append(s.l2, n)
}

// ComposePath returns the manifest path once the cluster is up or loaded.
func (s *ClusterState) ComposePath() (string, bool) {
	p := s.composePath.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}

func (s *ClusterState) setComposePath(path string) {
	s.composePath.Store(&path)
}

// Active reports whether workers should keep running.
func (s *ClusterState) Active() bool { return s.mainActive.Load() }

// Stop tells every worker to exit at its next check.
func (s *ClusterState) Stop() { s.mainActive.Store(false) }

// Paused reports whether workers are suspended.
func (s *ClusterState) Paused() bool { return s.mainPaused.Load() }

// Pause suspends workers without consuming loop iterations.
func (s *ClusterState) Pause() { s.mainPaused.Store(true) }

// Resume lets suspended workers continue.
func (s *ClusterState) Resume() { s.mainPaused.Store(false) }

// LoopCount is the number of loops started and not yet finished.
func (s *ClusterState) LoopCount() int64 { return s.loopCount.Load() }

// EndOfInput reports whether the interpreter has read the whole script.
func (s *ClusterState) EndOfInput() bool { return s.endOfInput.Load() }

// Exec runs argv in a container of the running cluster.
func (s *ClusterState) Exec(ctx context.Context, container, user string, argv []string) (*transports.Result, error) {
	path, ok := s.ComposePath()
	if !ok || s.runtime == nil {
		return nil, ErrClusterNotStarted
	}
	return s.runtime.Exec(ctx, path, container, user, argv)
}

// StartService starts a stopped service.
func (s *ClusterState) StartService(ctx context.Context, service string) error {
	path, ok := s.ComposePath()
	if !ok || s.runtime == nil {
		return ErrClusterNotStarted
	}
	return s.runtime.Start(ctx, path, service)
}

// StopService stops a service.
func (s *ClusterState) StopService(ctx context.Context, service string) error {
	path, ok := s.ComposePath()
	if !ok || s.runtime == nil {
		return ErrClusterNotStarted
	}
	return s.runtime.Stop(ctx, path, service)
}

// RestartService restarts a service.
func (s *ClusterState) RestartService(ctx context.Context, service string) error {
	path, ok := s.ComposePath()
	if !ok || s.runtime == nil {
		return ErrClusterNotStarted
	}
	return s.runtime.Restart(ctx, path, service)
}

// spawn registers w and runs fn on its own goroutine. Registration happens
// before the goroutine starts, so a join that follows Stop sees it.
func (s *ClusterState) spawn(w Worker, fn func()) {
	w.StartedAt = s.clock.Now()

	s.workers.mu.Lock()
	s.workers.active[w.ID] = w
	s.workers.spawned++
	s.workers.mu.Unlock()

	s.workers.wg.Add(1)
	s.telemetry.Metrics.WorkerStarted(string(w.Kind))

	go func() {
		defer func() {
			s.workers.mu.Lock()
			delete(s.workers.active, w.ID)
			s.workers.mu.Unlock()
			s.telemetry.Metrics.WorkerStopped(string(w.Kind))
			s.workers.wg.Done()
		}()
		fn()
	}()
}

// Workers lists the running workers, oldest first.
func (s *ClusterState) Workers() []Worker {
	s.workers.mu.Lock()
	defer s.workers.mu.Unlock()
	workers := make([]Worker, 0, len(s.workers.active))
	for _, w := range s.workers.active {
		workers = append(workers, w)
	}
	sort.Slice(workers, func(i, j int) bool {
		return workers[i].StartedAt.Before(workers[j].StartedAt)
	})
	return workers
}

// SpawnedWorkers is the number of workers ever spawned.
func (s *ClusterState) SpawnedWorkers() int {
	s.workers.mu.Lock()
	defer s.workers.mu.Unlock()
	return s.workers.spawned
}

func (s *ClusterState) activeWorkers(kind WorkerKind) int {
	s.workers.mu.Lock()
	defer s.workers.mu.Unlock()
	n := 0
	for _, w := range s.workers.active {
		if w.Kind == kind {
			n++
		}
	}
	return n
}

// JoinWorkers waits for every spawned worker to return. Callers Stop first.
func (s *ClusterState) JoinWorkers() {
	s.workers.wg.Wait()
}
