package taskgraph

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gammazero/toposort"

	"github.com/aristath/devflow/internal/events"
)

const defaultConcurrency = 4

// node is the graph's bookkeeping for one task instance.
type node struct {
	task    Task
	key     string
	baseKey string
	status  NodeStatus

	taskDepKeys  []string         // Dependency keys as submitted
	depKeys      []string         // Dependency keys after supersession rewiring
	dependents   map[string]*node // key -> nodes waiting on this one
	supersededBy *node

	output      any
	err         error
	startedAt   time.Time
	completedAt time.Time
}

// Graph schedules tasks and their dependency closures.
//
// All node state lives behind mu. Task.Run is always invoked without mu held.
type Graph struct {
	mu     sync.Mutex
	nodes  map[string]*node // key -> node, including superseded ones
	live   map[string]*node // baseKey -> the live node, if any
	latest map[string]*node // baseKey -> most recently added node

	wake      chan struct{}
	processMu sync.Mutex // Serializes Process calls

	concurrency int
	logger      *slog.Logger
	bus         *events.EventBus
}

// Option configures a Graph at construction time.
type Option func(*Graph)

// WithConcurrency bounds the number of tasks running at once.
// A value <= 0 selects the default of 4.
func WithConcurrency(n int) Option {
	return func(g *Graph) {
		g.concurrency = n
	}
}

// WithLogger sets the logger used by the graph and handed to running tasks.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Graph) {
		g.logger = logger
	}
}

// WithEventBus publishes task and progress events to bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(g *Graph) {
		g.bus = bus
	}
}

// New creates an empty Graph.
func New(opts ...Option) *Graph {
	g := &Graph{
		nodes:  make(map[string]*node),
		live:   make(map[string]*node),
		latest: make(map[string]*node),
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.concurrency <= 0 {
		g.concurrency = defaultConcurrency
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// AddTask registers task and every dependency not already known.
//
// Adding a key that is already registered is a no-op. Adding a new key whose
// base key has a live node supersedes that node. Contract violations (invalid
// tasks, a known key resubmitted with different dependencies, cycles) are
// returned as *GraphError and leave the graph unchanged.
//
// AddTask may be called while Process is running, including from inside a
// task's Run; the new work joins the current pass.
func (g *Graph) AddTask(task Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	planned, err := g.plan(task)
	if err != nil {
		return err
	}
	if len(planned) == 0 {
		return nil
	}
	if err := g.checkAcyclic(planned); err != nil {
		return err
	}

	for _, t := range planned {
		g.register(t)
	}
	g.publishProgress()
	g.notify()
	return nil
}

// plan walks the dependency closure of task depth-first and returns the
// tasks that need new nodes, dependencies before dependents.
func (g *Graph) plan(task Task) ([]Task, error) {
	var order []Task
	planned := make(map[string][]string) // key -> dependency keys
	visiting := make(map[string]bool)

	var visit func(t Task, path []string) error
	visit = func(t Task, path []string) error {
		if err := validateTask(t); err != nil {
			return err
		}
		key := t.Key()
		deps, err := dependencyKeys(t)
		if err != nil {
			return err
		}

		if visiting[key] {
			return cyclef("%s", formatPath(append(path, key)))
		}
		if n, ok := g.nodes[key]; ok {
			if !sameKeys(n.taskDepKeys, deps) {
				return inconsistentf("%s was registered with dependencies %v, got %v", key, n.taskDepKeys, deps)
			}
			return nil
		}
		if prev, ok := planned[key]; ok {
			if !sameKeys(prev, deps) {
				return inconsistentf("%s submitted with dependencies %v and %v", key, prev, deps)
			}
			return nil
		}

		visiting[key] = true
		for _, dep := range t.Dependencies() {
			if err := visit(dep, append(path, key)); err != nil {
				return err
			}
		}
		delete(visiting, key)

		planned[key] = deps
		order = append(order, t)
		return nil
	}

	if err := visit(task, nil); err != nil {
		return nil, err
	}
	return order, nil
}

// checkAcyclic verifies that committing planned would not create a cycle.
// New nodes only point at nodes registered before them, so a cycle can only
// appear when supersession rewires existing dependents onto a new node.
func (g *Graph) checkAcyclic(planned []Task) error {
	redirect := make(map[string]string)
	for key, n := range g.nodes {
		if n.supersededBy != nil {
			redirect[key] = n.supersededBy.key
		}
	}

	liveKeys := make(map[string]string, len(g.live))
	for baseKey, n := range g.live {
		liveKeys[baseKey] = n.key
	}
	supersedes := false
	for _, t := range planned {
		if cur, ok := liveKeys[t.BaseKey()]; ok && cur != t.Key() {
			redirect[cur] = t.Key()
			supersedes = true
		}
		liveKeys[t.BaseKey()] = t.Key()
	}
	if !supersedes {
		return nil
	}

	resolve := func(key string) string {
		for i := 0; i <= len(redirect); i++ {
			next, ok := redirect[key]
			if !ok {
				break
			}
			key = next
		}
		return key
	}

	var edges []toposort.Edge
	addEdges := func(key string, deps []string) {
		if _, superseded := redirect[key]; superseded {
			return
		}
		if len(deps) == 0 {
			edges = append(edges, toposort.Edge{nil, key})
			return
		}
		for _, dep := range deps {
			// Edge (dep, key) means dep must settle before key
			edges = append(edges, toposort.Edge{resolve(dep), key})
		}
	}
	for key, n := range g.nodes {
		addEdges(key, n.depKeys)
	}
	for _, t := range planned {
		deps, _ := dependencyKeys(t)
		addEdges(t.Key(), deps)
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return cyclef("superseding would create a cycle: %v", err)
	}
	return nil
}

// register creates the node for t. Dependencies must already be registered.
func (g *Graph) register(t Task) {
	deps, _ := dependencyKeys(t)
	n := &node{
		task:        t,
		key:         t.Key(),
		baseKey:     t.BaseKey(),
		status:      StatusPending,
		taskDepKeys: deps,
		dependents:  make(map[string]*node),
	}
	for _, dep := range deps {
		n.depKeys = appendUnique(n.depKeys, g.resolveKey(dep))
	}

	if old, ok := g.live[n.baseKey]; ok {
		g.supersede(old, n)
	}

	g.nodes[n.key] = n
	g.live[n.baseKey] = n
	g.latest[n.baseKey] = n
	for _, dep := range n.depKeys {
		g.nodes[dep].dependents[n.key] = n
	}

	g.logger.Debug("task added", "task", n.key, "dependencies", n.depKeys)
}

// supersede retires the live node old in favour of n. Dependents of old are
// rewired onto n; if old is already running its result will be dropped.
func (g *Graph) supersede(old, n *node) {
	wasProcessing := old.status == StatusProcessing
	old.status = StatusSuperseded
	old.supersededBy = n

	for _, dep := range old.depKeys {
		if d, ok := g.nodes[dep]; ok {
			delete(d.dependents, old.key)
		}
	}
	for key, dependent := range old.dependents {
		dependent.depKeys = replaceKey(dependent.depKeys, old.key, n.key)
		n.dependents[key] = dependent
	}
	old.dependents = nil
	delete(g.live, old.baseKey)

	g.logger.Info("task superseded", "task", old.key, "by", n.key, "inFlight", wasProcessing)
	g.bus.Publish(events.TaskSupersededEvent{
		Key:          old.key,
		BaseKey:      old.baseKey,
		SupersededBy: n.key,
		Timestamp:    time.Now(),
	})
}

// resolveKey follows supersession links to the node currently standing in for key.
func (g *Graph) resolveKey(key string) string {
	n, ok := g.nodes[key]
	if !ok {
		return key
	}
	for n.supersededBy != nil {
		n = n.supersededBy
	}
	return n.key
}

// Status returns the status of the node registered under key.
func (g *Graph) Status(key string) (NodeStatus, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[key]
	if !ok {
		return 0, false
	}
	return n.status, true
}

// Progress is a snapshot of node counts by status.
type Progress struct {
	Total      int
	Pending    int // Pending or ready
	Processing int
	Succeeded  int
	Failed     int
	Superseded int
}

// Progress returns the current node counts.
func (g *Graph) Progress() Progress {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.progress()
}

func (g *Graph) progress() Progress {
	var p Progress
	for _, n := range g.nodes {
		p.Total++
		switch n.status {
		case StatusPending, StatusReady:
			p.Pending++
		case StatusProcessing:
			p.Processing++
		case StatusSucceeded:
			p.Succeeded++
		case StatusFailed:
			p.Failed++
		case StatusSuperseded:
			p.Superseded++
		}
	}
	return p
}

func (g *Graph) publishProgress() {
	if g.bus == nil {
		return
	}
	p := g.progress()
	g.bus.Publish(events.GraphProgressEvent{
		Total:      p.Total,
		Succeeded:  p.Succeeded,
		Processing: p.Processing,
		Failed:     p.Failed,
		Pending:    p.Pending,
		Superseded: p.Superseded,
		Timestamp:  time.Now(),
	})
}

// notify wakes the scheduler loop without blocking.
func (g *Graph) notify() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

func validateTask(t Task) error {
	if t == nil {
		return invalidf("nil task")
	}
	if t.Type() == "" {
		return invalidf("task %q has no type", t.Key())
	}
	if t.Key() == "" || t.BaseKey() == "" {
		return invalidf("%s task %q needs both a key and a base key", t.Type(), t.Name())
	}
	return nil
}

// dependencyKeys returns the distinct keys of t's dependencies in order.
func dependencyKeys(t Task) ([]string, error) {
	var keys []string
	for i, dep := range t.Dependencies() {
		if dep == nil {
			return nil, invalidf("task %q has a nil dependency at index %d", t.Key(), i)
		}
		keys = appendUnique(keys, dep.Key())
	}
	return keys, nil
}
