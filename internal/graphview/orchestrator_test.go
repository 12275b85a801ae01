package graphview

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tjfontaine/graph-web/internal/domain"
	"github.com/tjfontaine/graph-web/internal/telemetry"
)

// fakeAPI is an in-memory API. Children calls for a root listed in gates
// block until the gate is closed.
type fakeAPI struct {
	mu sync.Mutex

	convs    []domain.Conversation
	convErr  error
	childErr error
	seed     *domain.SeedResult
	seedErr  error
	search   *domain.GraphData
	gates    map[string]chan struct{}
	started  chan string

	listCalls   int
	seedCalls   int
	childRoots  []string
	childDepths []int
	searches    []string
}

func (f *fakeAPI) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return f.convs, f.convErr
}

func (f *fakeAPI) Children(ctx context.Context, nodeID string, depth int) (*domain.GraphData, error) {
	f.mu.Lock()
	f.childRoots = append(f.childRoots, nodeID)
	f.childDepths = append(f.childDepths, depth)
	gate := f.gates[nodeID]
	err := f.childErr
	started := f.started
	f.mu.Unlock()

	if started != nil {
		started <- nodeID
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return graphFor(nodeID), nil
}

func (f *fakeAPI) Seed(ctx context.Context) (*domain.SeedResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seedCalls++
	return f.seed, f.seedErr
}

func (f *fakeAPI) Search(ctx context.Context, q string, k int) (*domain.GraphData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, q)
	return f.search, nil
}

func (f *fakeAPI) children() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.childRoots...)
}

func (f *fakeAPI) setChildErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.childErr = err
}

func graphFor(root string) *domain.GraphData {
	return &domain.GraphData{
		Nodes: []domain.Node{{ID: root, Label: "root " + root}},
		Links: []domain.Link{},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func convs(ids ...string) []domain.Conversation {
	out := make([]domain.Conversation, len(ids))
	for i, id := range ids {
		out[i] = domain.Conversation{ID: id, Title: "conversation " + id}
	}
	return out
}

func newTestOrchestrator(api API, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	return New("view-1", api, opts)
}

func TestStart_FirstConversationBecomesRoot(t *testing.T) {
	api := &fakeAPI{convs: convs("c1", "c2")}
	o := newTestOrchestrator(api, Options{})

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	snap := o.Snapshot()
	if snap.State != StateReady {
		t.Errorf("state = %q, want %q", snap.State, StateReady)
	}
	if snap.RootID != "c1" {
		t.Errorf("root = %q, want c1", snap.RootID)
	}
	if got := api.children(); len(got) != 1 || got[0] != "c1" {
		t.Errorf("children fetches = %v, want [c1]", got)
	}
	if api.childDepths[0] != DefaultDepth {
		t.Errorf("depth = %d, want %d", api.childDepths[0], DefaultDepth)
	}
	if snap.Graph == nil || snap.Graph.Nodes[0].ID != "c1" {
		t.Errorf("graph = %+v", snap.Graph)
	}
}

func TestStart_SkipsEmptyIDs(t *testing.T) {
	api := &fakeAPI{convs: convs("", "c2")}
	o := newTestOrchestrator(api, Options{})

	_ = o.Start(context.Background())

	if got := o.Snapshot().RootID; got != "c2" {
		t.Errorf("root = %q, want c2", got)
	}
}

func TestStart_NoConversations(t *testing.T) {
	api := &fakeAPI{convs: []domain.Conversation{}}
	o := newTestOrchestrator(api, Options{})

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	snap := o.Snapshot()
	if snap.State != StateEmpty {
		t.Errorf("state = %q, want %q", snap.State, StateEmpty)
	}
	if snap.Graph != nil {
		t.Errorf("graph = %+v, want nil", snap.Graph)
	}
	if got := api.children(); len(got) != 0 {
		t.Errorf("children fetches = %v, want none", got)
	}
}

func TestStart_PinnedRootSkipsListing(t *testing.T) {
	api := &fakeAPI{convs: convs("c1")}
	o := newTestOrchestrator(api, Options{RootID: "pinned", Depth: 3})

	_ = o.Start(context.Background())

	if api.listCalls != 0 {
		t.Errorf("list calls = %d, want 0", api.listCalls)
	}
	if got := api.children(); len(got) != 1 || got[0] != "pinned" {
		t.Errorf("children fetches = %v, want [pinned]", got)
	}
	if api.childDepths[0] != 3 {
		t.Errorf("depth = %d, want 3", api.childDepths[0])
	}
}

func TestStart_ListFailure(t *testing.T) {
	api := &fakeAPI{convErr: errors.New("API request failed: Internal Server Error")}
	o := newTestOrchestrator(api, Options{})

	if err := o.Start(context.Background()); err == nil {
		t.Fatal("Start() error = nil, want failure")
	}

	snap := o.Snapshot()
	if snap.State != StateError {
		t.Errorf("state = %q, want %q", snap.State, StateError)
	}
	if snap.Error == "" {
		t.Error("error message empty")
	}
	if got := api.children(); len(got) != 0 {
		t.Errorf("children fetches = %v, want none", got)
	}

	// Recovery.
	api.mu.Lock()
	api.convErr = nil
	api.convs = convs("c1")
	api.mu.Unlock()

	if err := o.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if snap := o.Snapshot(); snap.State != StateReady || snap.RootID != "c1" || snap.Error != "" {
		t.Errorf("after reload: %+v", snap)
	}
}

func TestSelect_RerootsWithOneFetch(t *testing.T) {
	api := &fakeAPI{convs: convs("c1", "c2")}
	o := newTestOrchestrator(api, Options{})
	_ = o.Start(context.Background())

	if err := o.Select(context.Background(), "c2"); err != nil {
		t.Fatalf("Select() error = %v", err)
	}

	got := api.children()
	if len(got) != 2 || got[1] != "c2" {
		t.Errorf("children fetches = %v, want [c1 c2]", got)
	}
	snap := o.Snapshot()
	if snap.RootID != "c2" || snap.Graph.Nodes[0].ID != "c2" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestSelect_ClearsGraphWhileAwaiting(t *testing.T) {
	gate := make(chan struct{})
	api := &fakeAPI{
		convs:   convs("c1"),
		gates:   map[string]chan struct{}{"c2": gate},
		started: make(chan string, 4),
	}
	o := newTestOrchestrator(api, Options{})
	_ = o.Start(context.Background())
	<-api.started

	done := make(chan error, 1)
	go func() { done <- o.Select(context.Background(), "c2") }()
	<-api.started

	snap := o.Snapshot()
	if snap.State != StateAwaitingGraph {
		t.Errorf("state = %q, want %q", snap.State, StateAwaitingGraph)
	}
	if snap.Graph != nil {
		t.Errorf("graph not cleared: %+v", snap.Graph)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if o.Snapshot().State != StateReady {
		t.Errorf("state = %q, want ready", o.Snapshot().State)
	}
}

func TestSelect_EmptyID(t *testing.T) {
	api := &fakeAPI{convs: convs("c1")}
	o := newTestOrchestrator(api, Options{})
	_ = o.Start(context.Background())

	if err := o.Select(context.Background(), ""); !errors.Is(err, ErrEmptyNodeID) {
		t.Errorf("Select(\"\") error = %v, want ErrEmptyNodeID", err)
	}
	if got := api.children(); len(got) != 1 {
		t.Errorf("children fetches = %v, want only the initial one", got)
	}
}

func TestStaleResponseDiscarded(t *testing.T) {
	gate := make(chan struct{})
	metrics := telemetry.NewCollector("test")
	api := &fakeAPI{
		convs:   convs("c1"),
		gates:   map[string]chan struct{}{"slow": gate},
		started: make(chan string, 4),
	}
	o := newTestOrchestrator(api, Options{Metrics: metrics})
	_ = o.Start(context.Background())
	<-api.started

	done := make(chan error, 1)
	go func() { done <- o.Select(context.Background(), "slow") }()
	if got := <-api.started; got != "slow" {
		t.Fatalf("started %q, want slow", got)
	}

	if err := o.Select(context.Background(), "fast"); err != nil {
		t.Fatalf("Select(fast) error = %v", err)
	}
	<-api.started

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("Select(slow) error = %v", err)
	}

	snap := o.Snapshot()
	if snap.RootID != "fast" || snap.Graph.Nodes[0].ID != "fast" {
		t.Errorf("stale result applied: %+v", snap)
	}
	if n := testutil.ToFloat64(metrics.GraphFetches.WithLabelValues("children", "stale")); n != 1 {
		t.Errorf("stale count = %v, want 1", n)
	}
}

func TestStaleFailureDiscarded(t *testing.T) {
	gate := make(chan struct{})
	api := &fakeAPI{
		convs:   convs("c1"),
		gates:   map[string]chan struct{}{"slow": gate},
		started: make(chan string, 4),
	}
	o := newTestOrchestrator(api, Options{})
	_ = o.Start(context.Background())
	<-api.started

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Select(ctx, "slow") }()
	<-api.started

	_ = o.Select(context.Background(), "fast")
	<-api.started
	cancel()
	<-done

	if snap := o.Snapshot(); snap.State != StateReady || snap.Error != "" {
		t.Errorf("stale failure applied: %+v", snap)
	}
}

func TestFetchFailureAndReload(t *testing.T) {
	api := &fakeAPI{convs: convs("c1")}
	o := newTestOrchestrator(api, Options{})
	_ = o.Start(context.Background())

	api.setChildErr(errors.New("API request failed: Not Found"))
	if err := o.Select(context.Background(), "missing"); err == nil {
		t.Fatal("Select() error = nil, want failure")
	}

	snap := o.Snapshot()
	if snap.State != StateError || snap.Error != "API request failed: Not Found" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Graph != nil {
		t.Errorf("graph = %+v, want nil", snap.Graph)
	}
	if got := api.children(); len(got) != 2 {
		t.Errorf("children fetches = %v, want no automatic retry", got)
	}

	api.setChildErr(nil)
	if err := o.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	got := api.children()
	if got[len(got)-1] != "missing" {
		t.Errorf("reload fetched %q, want current root", got[len(got)-1])
	}
	if api.listCalls != 1 {
		t.Errorf("list calls = %d, want 1", api.listCalls)
	}
	if o.Snapshot().State != StateReady {
		t.Errorf("state = %q, want ready", o.Snapshot().State)
	}
}

func TestSeed(t *testing.T) {
	api := &fakeAPI{
		convs: []domain.Conversation{},
		seed:  &domain.SeedResult{ConversationID: "seeded", Status: "ok"},
	}
	o := newTestOrchestrator(api, Options{})
	_ = o.Start(context.Background())

	if err := o.Seed(context.Background()); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}

	snap := o.Snapshot()
	if snap.State != StateReady || snap.RootID != "seeded" {
		t.Errorf("snapshot = %+v", snap)
	}
	if got := api.children(); len(got) != 1 || got[0] != "seeded" {
		t.Errorf("children fetches = %v", got)
	}

	if err := o.Seed(context.Background()); !errors.Is(err, ErrNotEmpty) {
		t.Errorf("second Seed() error = %v, want ErrNotEmpty", err)
	}
	if api.seedCalls != 1 {
		t.Errorf("seed calls = %d, want 1", api.seedCalls)
	}
}

func TestSeed_Failure(t *testing.T) {
	api := &fakeAPI{convs: []domain.Conversation{}, seedErr: errors.New("API request failed: Bad Gateway")}
	o := newTestOrchestrator(api, Options{})
	_ = o.Start(context.Background())

	if err := o.Seed(context.Background()); err == nil {
		t.Fatal("Seed() error = nil")
	}
	if snap := o.Snapshot(); snap.State != StateError || snap.RootID != "" {
		t.Errorf("snapshot = %+v", snap)
	}

	// Reload returns to the empty state so seeding can be retried.
	_ = o.Reload(context.Background())
	if got := o.Snapshot().State; got != StateEmpty {
		t.Errorf("state after reload = %q, want empty", got)
	}
}

func TestSetDepth(t *testing.T) {
	api := &fakeAPI{convs: convs("c1")}
	o := newTestOrchestrator(api, Options{})
	_ = o.Start(context.Background())

	tests := []struct {
		depth   int
		wantErr bool
	}{
		{depth: 0, wantErr: true},
		{depth: 4, wantErr: true},
		{depth: 1},
		{depth: 3},
	}

	for _, tt := range tests {
		err := o.SetDepth(context.Background(), tt.depth)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidDepth) {
				t.Errorf("SetDepth(%d) error = %v, want ErrInvalidDepth", tt.depth, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("SetDepth(%d) error = %v", tt.depth, err)
		}
		if d := api.childDepths[len(api.childDepths)-1]; d != tt.depth {
			t.Errorf("fetched depth = %d, want %d", d, tt.depth)
		}
	}

	if got := len(api.children()); got != 3 {
		t.Errorf("children fetches = %d, want 3", got)
	}
}

func TestSetDepth_WithoutRootDoesNotFetch(t *testing.T) {
	api := &fakeAPI{convs: []domain.Conversation{}}
	o := newTestOrchestrator(api, Options{})
	_ = o.Start(context.Background())

	if err := o.SetDepth(context.Background(), 1); err != nil {
		t.Fatalf("SetDepth() error = %v", err)
	}
	if got := api.children(); len(got) != 0 {
		t.Errorf("children fetches = %v, want none", got)
	}
	if snap := o.Snapshot(); snap.Depth != 1 || snap.State != StateEmpty {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestSearch(t *testing.T) {
	result := &domain.GraphData{Nodes: []domain.Node{{ID: "m7", Label: "hit"}}, Links: []domain.Link{}}
	api := &fakeAPI{convs: convs("c1"), search: result}
	o := newTestOrchestrator(api, Options{})
	_ = o.Start(context.Background())

	if err := o.Search(context.Background(), "", 5); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("Search(\"\") error = %v, want ErrEmptyQuery", err)
	}

	if err := o.Search(context.Background(), "graph databases", 0); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	snap := o.Snapshot()
	if snap.RootID != "c1" || snap.Query != "graph databases" || snap.Graph.Nodes[0].ID != "m7" {
		t.Errorf("snapshot = %+v", snap)
	}

	// Reload returns to the root's graph and clears the query.
	_ = o.Reload(context.Background())
	if snap := o.Snapshot(); snap.Query != "" || snap.Graph.Nodes[0].ID != "c1" {
		t.Errorf("after reload: %+v", snap)
	}
}

func TestOnChange_VersionsIncrease(t *testing.T) {
	var mu sync.Mutex
	var states []State
	var last uint64

	api := &fakeAPI{convs: convs("c1")}
	o := newTestOrchestrator(api, Options{OnChange: func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if s.Version <= last {
			t.Errorf("version %d after %d", s.Version, last)
		}
		last = s.Version
		states = append(states, s.State)
	}})

	_ = o.Start(context.Background())

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateResolvingRoot, StateAwaitingGraph, StateReady}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %q, want %q", i, states[i], want[i])
		}
	}
}

func TestClose(t *testing.T) {
	gate := make(chan struct{})
	notified := make(chan Snapshot, 8)
	api := &fakeAPI{
		convs:   convs("c1"),
		gates:   map[string]chan struct{}{"c1": gate},
		started: make(chan string, 1),
	}
	o := newTestOrchestrator(api, Options{OnChange: func(s Snapshot) { notified <- s }})

	done := make(chan error, 1)
	go func() { done <- o.Start(context.Background()) }()
	<-api.started

	o.Close()
	close(gate)
	<-done

	for len(notified) > 0 {
		if s := <-notified; s.State == StateReady {
			t.Error("ready snapshot published after Close")
		}
	}
	if err := o.Select(context.Background(), "c2"); !errors.Is(err, ErrClosed) {
		t.Errorf("Select() after Close error = %v, want ErrClosed", err)
	}
}

func TestConcurrentSelects(t *testing.T) {
	api := &fakeAPI{convs: convs("c1")}
	o := newTestOrchestrator(api, Options{})
	_ = o.Start(context.Background())

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = o.Select(context.Background(), id)
		}(id)
	}

	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Fatal("selects did not finish")
	}

	snap := o.Snapshot()
	if snap.State != StateReady {
		t.Errorf("state = %q, want ready", snap.State)
	}
	if snap.Graph.Nodes[0].ID != snap.RootID {
		t.Errorf("graph for %q shown under root %q", snap.Graph.Nodes[0].ID, snap.RootID)
	}
}
