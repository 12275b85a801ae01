// Package graphview drives one browser view of the conversation graph: it
// resolves a root node, fetches the subgraph around it, and re-roots when a
// node is selected.
//
// Lifecycle of a view:
//
//	resolving-root -> empty                      (no conversation exists)
//	resolving-root -> awaiting-graph -> ready    (root found, graph loaded)
//	empty -> resolving-root (Seed) -> awaiting-graph -> ready
//	ready -> awaiting-graph (Select, SetDepth, Search) -> ready
//	any fetch failure -> error; Reload retries the failed step
//
// Each fetch is tagged with a generation. Only the result of the latest
// generation is applied, so a slow response for a root the user has already
// navigated away from is dropped.
package graphview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tjfontaine/graph-web/internal/domain"
	"github.com/tjfontaine/graph-web/internal/telemetry"
)

// State is the view state.
type State string

const (
	StateResolvingRoot State = "resolving-root"
	StateAwaitingGraph State = "awaiting-graph"
	StateEmpty         State = "empty"
	StateReady         State = "ready"
	StateError         State = "error"
)

const (
	DefaultDepth       = 2
	MinDepth           = 1
	MaxDepth           = 3
	DefaultSearchLimit = 5
)

var (
	ErrEmptyNodeID  = errors.New("node id is required")
	ErrInvalidDepth = fmt.Errorf("depth must be between %d and %d", MinDepth, MaxDepth)
	ErrEmptyQuery   = errors.New("search query is required")
	ErrNotEmpty     = errors.New("sample data can only be created when no conversation exists")
	ErrClosed       = errors.New("view is closed")
)

// API is the upstream surface the orchestrator depends on.
type API interface {
	ListConversations(ctx context.Context) ([]domain.Conversation, error)
	Children(ctx context.Context, nodeID string, depth int) (*domain.GraphData, error)
	Seed(ctx context.Context) (*domain.SeedResult, error)
	Search(ctx context.Context, q string, k int) (*domain.GraphData, error)
}

// Snapshot is a point-in-time copy of a view's state.
type Snapshot struct {
	ViewID  string            `json:"view_id"`
	State   State             `json:"state"`
	RootID  string            `json:"root_id,omitempty"`
	Depth   int               `json:"depth"`
	Query   string            `json:"query,omitempty"`
	Graph   *domain.GraphData `json:"graph"`
	Error   string            `json:"error,omitempty"`
	Version uint64            `json:"version"`
}

// Options configures an Orchestrator.
type Options struct {
	// RootID pins the root; root resolution then skips the conversation list.
	RootID string
	Depth  int
	// OnChange receives every new snapshot. It is called without the
	// orchestrator lock held, possibly from several goroutines; use
	// Snapshot.Version to order deliveries.
	OnChange func(Snapshot)
	Logger   *slog.Logger
	Metrics  *telemetry.Collector
}

// Orchestrator holds the state of one view. It is safe for concurrent use;
// the lock is never held across upstream calls.
type Orchestrator struct {
	id        string
	api       API
	fixedRoot string
	onChange  func(Snapshot)
	logger    *slog.Logger
	metrics   *telemetry.Collector

	mu      sync.Mutex
	state   State
	rootID  string
	depth   int
	query   string
	graph   *domain.GraphData
	errMsg  string
	gen     uint64
	version uint64
	closed  bool
}

// New creates an orchestrator in the resolving-root state. Call Start to
// begin root resolution.
func New(id string, api API, opts Options) *Orchestrator {
	depth := opts.Depth
	if depth == 0 {
		depth = DefaultDepth
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		id:        id,
		api:       api,
		fixedRoot: opts.RootID,
		onChange:  opts.OnChange,
		logger:    logger.With(slog.String("view_id", id)),
		metrics:   opts.Metrics,
		state:     StateResolvingRoot,
		depth:     depth,
	}
}

func (o *Orchestrator) ID() string { return o.id }

// Snapshot returns the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	return Snapshot{
		ViewID:  o.id,
		State:   o.state,
		RootID:  o.rootID,
		Depth:   o.depth,
		Query:   o.query,
		Graph:   o.graph,
		Error:   o.errMsg,
		Version: o.version,
	}
}

// Start resolves the root node and then loads its graph. With a pinned root
// the conversation list is not fetched.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.rootID == "" && o.fixedRoot != "" {
		o.rootID = o.fixedRoot
	}
	if o.rootID != "" {
		return o.fetchGraphLocked(ctx)
	}
	gen := o.beginLocked(StateResolvingRoot)
	snap := o.commitLocked()
	o.mu.Unlock()
	o.notify(snap)

	convs, err := o.api.ListConversations(ctx)

	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		o.metrics.GraphFetch("conversations", "stale")
		return nil
	}
	if err != nil {
		snap := o.failLocked(err)
		o.mu.Unlock()
		o.notify(snap)
		o.metrics.GraphFetch("conversations", "failed")
		return err
	}
	o.metrics.GraphFetch("conversations", "applied")

	root := firstConversationID(convs)
	if root == "" {
		o.state = StateEmpty
		snap := o.commitLocked()
		o.mu.Unlock()
		o.notify(snap)
		o.logger.Info("no conversations, waiting for seed")
		return nil
	}
	o.rootID = root

	return o.fetchGraphLocked(ctx)
}

// Seed creates sample data upstream and roots the view at the new
// conversation. Only valid in the empty state.
func (o *Orchestrator) Seed(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.state != StateEmpty {
		o.mu.Unlock()
		return ErrNotEmpty
	}
	gen := o.beginLocked(StateResolvingRoot)
	snap := o.commitLocked()
	o.mu.Unlock()
	o.notify(snap)

	res, err := o.api.Seed(ctx)

	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		o.metrics.GraphFetch("seed", "stale")
		return nil
	}
	if err != nil {
		// Reload re-lists conversations.
		snap := o.failLocked(err)
		o.mu.Unlock()
		o.notify(snap)
		o.metrics.GraphFetch("seed", "failed")
		return err
	}
	o.metrics.GraphFetch("seed", "applied")
	o.rootID = res.ConversationID
	o.logger.Info("sample data created", slog.String("root_id", res.ConversationID))

	return o.fetchGraphLocked(ctx)
}

// Select re-roots the view at nodeID and fetches its graph.
func (o *Orchestrator) Select(ctx context.Context, nodeID string) error {
	if nodeID == "" {
		return ErrEmptyNodeID
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.rootID = nodeID

	return o.fetchGraphLocked(ctx)
}

// SetDepth changes the fetch depth and reloads the graph if a root is known.
func (o *Orchestrator) SetDepth(ctx context.Context, depth int) error {
	if depth < MinDepth || depth > MaxDepth {
		return ErrInvalidDepth
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.depth = depth
	if o.rootID == "" {
		snap := o.commitLocked()
		o.mu.Unlock()
		o.notify(snap)
		return nil
	}

	return o.fetchGraphLocked(ctx)
}

// Search replaces the graph with the upstream search result for q. The root
// is kept, so Reload or SetDepth return to the root's graph.
func (o *Orchestrator) Search(ctx context.Context, q string, k int) error {
	if q == "" {
		return ErrEmptyQuery
	}
	if k <= 0 {
		k = DefaultSearchLimit
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	gen := o.beginLocked(StateAwaitingGraph)
	o.query = q
	snap := o.commitLocked()
	o.mu.Unlock()
	o.notify(snap)

	g, err := o.api.Search(ctx, q, k)
	return o.applyGraph("search", gen, g, err)
}

// Reload is the manual recovery action. It re-runs root resolution when no
// root is known yet, otherwise it re-fetches the root's graph.
func (o *Orchestrator) Reload(ctx context.Context) error {
	return o.Start(ctx)
}

// Close marks the view closed. In-flight fetches finish but no longer
// notify.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.gen++
}

// fetchGraphLocked loads the children of the current root. It is the only
// place a children fetch is issued, and it refuses to run without a root.
// It must be called with o.mu held and releases it.
func (o *Orchestrator) fetchGraphLocked(ctx context.Context) error {
	root, depth := o.rootID, o.depth
	if root == "" {
		o.mu.Unlock()
		return ErrEmptyNodeID
	}
	gen := o.beginLocked(StateAwaitingGraph)
	o.query = ""
	snap := o.commitLocked()
	o.mu.Unlock()
	o.notify(snap)

	g, err := o.api.Children(ctx, root, depth)
	return o.applyGraph("children", gen, g, err)
}

func (o *Orchestrator) applyGraph(kind string, gen uint64, g *domain.GraphData, err error) error {
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		o.metrics.GraphFetch(kind, "stale")
		o.logger.Debug("discarding stale graph response", slog.String("kind", kind), slog.Uint64("generation", gen))
		return nil
	}
	if err != nil {
		snap := o.failLocked(err)
		o.mu.Unlock()
		o.notify(snap)
		o.metrics.GraphFetch(kind, "failed")
		return err
	}

	o.graph = g
	o.state = StateReady
	snap := o.commitLocked()
	o.mu.Unlock()
	o.notify(snap)
	o.metrics.GraphFetch(kind, "applied")

	return nil
}

// beginLocked starts a new fetch generation: the current graph is dropped
// and any older in-flight result becomes stale.
func (o *Orchestrator) beginLocked(state State) uint64 {
	o.gen++
	o.state = state
	o.graph = nil
	o.errMsg = ""
	return o.gen
}

func (o *Orchestrator) failLocked(err error) Snapshot {
	o.state = StateError
	o.graph = nil
	o.errMsg = err.Error()
	o.logger.Warn("view fetch failed", slog.String("root_id", o.rootID), slog.String("error", err.Error()))
	return o.commitLocked()
}

func (o *Orchestrator) commitLocked() Snapshot {
	o.version++
	return o.snapshotLocked()
}

func (o *Orchestrator) notify(snap Snapshot) {
	if o.onChange == nil {
		return
	}
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return
	}
	o.onChange(snap)
}

// firstConversationID returns the first non-empty id in list order.
func firstConversationID(convs []domain.Conversation) string {
	for _, c := range convs {
		if c.ID != "" {
			return c.ID
		}
	}
	return ""
}
