package graphview

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/graph-web/internal/pubsub"
	"github.com/tjfontaine/graph-web/internal/telemetry"
)

// EventSnapshot is the pubsub event type carrying a Snapshot.
const EventSnapshot = "snapshot"

// Topic returns the pubsub topic of a view.
func Topic(viewID string) string {
	return "view:" + viewID
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// RootID and Depth are applied to every new view.
	RootID string
	Depth  int
	// IdleTTL is how long a view may go untouched before Sweep closes it.
	// Zero disables sweeping.
	IdleTTL time.Duration
	Logger  *slog.Logger
	Metrics *telemetry.Collector
}

type view struct {
	orch     *Orchestrator
	lastSeen atomic.Int64 // unix nanos
	streams  atomic.Int32 // open event streams

	// mu orders snapshot publishes against the topic drop on close.
	mu     sync.Mutex
	closed bool
}

func (v *view) touch(now time.Time) {
	v.lastSeen.Store(now.UnixNano())
}

// Registry owns the open views and publishes their snapshots.
type Registry struct {
	api       API
	publisher pubsub.Publisher
	opts      RegistryOptions
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.RWMutex
	views map[string]*view
}

// NewRegistry creates an empty registry. Snapshots of its views are
// published on publisher under Topic(viewID).
func NewRegistry(api API, publisher pubsub.Publisher, opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		api:       api,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		views:     make(map[string]*view),
	}
}

// Create registers a new view in the resolving-root state. The caller
// starts it.
func (r *Registry) Create() *Orchestrator {
	id := uuid.New().String()
	topic := Topic(id)

	v := &view{}
	v.orch = New(id, r.api, Options{
		RootID: r.opts.RootID,
		Depth:  r.opts.Depth,
		Logger: r.logger,
		OnChange: func(s Snapshot) {
			v.mu.Lock()
			defer v.mu.Unlock()
			if v.closed {
				return
			}
			if err := r.publisher.Publish(topic, EventSnapshot, s); err != nil {
				r.logger.Warn("failed to publish snapshot",
					slog.String("view_id", id),
					slog.String("error", err.Error()))
			}
		},
		Metrics: r.opts.Metrics,
	})
	v.touch(r.now())

	r.mu.Lock()
	r.views[id] = v
	r.mu.Unlock()

	r.opts.Metrics.ViewOpened()
	r.logger.Debug("view created", slog.String("view_id", id))

	return v.orch
}

// Get returns the view with the given id and marks it as used.
func (r *Registry) Get(id string) (*Orchestrator, bool) {
	r.mu.RLock()
	v, ok := r.views[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	v.touch(r.now())
	return v.orch, true
}

// Attach returns the view with the given id and keeps it from being swept
// until release is called. Event streams hold a view attached for as long
// as the client stays connected.
func (r *Registry) Attach(id string) (o *Orchestrator, release func(), ok bool) {
	r.mu.RLock()
	v, ok := r.views[id]
	if ok {
		v.streams.Add(1)
	}
	r.mu.RUnlock()
	if !ok {
		return nil, nil, false
	}
	v.touch(r.now())

	var once sync.Once
	return v.orch, func() {
		once.Do(func() {
			// The idle timer restarts when the last stream goes away.
			v.touch(r.now())
			v.streams.Add(-1)
		})
	}, true
}

// Close removes a view and ends its event streams. It reports whether the
// view existed.
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	v, ok := r.views[id]
	delete(r.views, id)
	r.mu.Unlock()
	if !ok {
		return false
	}

	r.closeView(id, v)
	return true
}

func (r *Registry) closeView(id string, v *view) {
	v.orch.Close()

	v.mu.Lock()
	v.closed = true
	r.publisher.DropTopic(Topic(id))
	v.mu.Unlock()

	r.opts.Metrics.ViewClosed()
}

// Len returns the number of open views.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.views)
}

// Sweep closes every view idle since before now minus IdleTTL and returns
// how many were closed. Views with an open event stream are never idle.
func (r *Registry) Sweep(now time.Time) int {
	if r.opts.IdleTTL <= 0 {
		return 0
	}
	cutoff := now.Add(-r.opts.IdleTTL).UnixNano()

	expired := make(map[string]*view)
	r.mu.Lock()
	for id, v := range r.views {
		if v.streams.Load() == 0 && v.lastSeen.Load() < cutoff {
			expired[id] = v
			delete(r.views, id)
		}
	}
	r.mu.Unlock()

	for id, v := range expired {
		r.closeView(id, v)
	}
	if len(expired) > 0 {
		r.logger.Info("swept idle views", slog.Int("count", len(expired)))
	}
	return len(expired)
}

// Run sweeps idle views every interval until ctx is done, then closes all
// remaining views.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.CloseAll()
			return
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

// CloseAll closes every open view.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	views := r.views
	r.views = make(map[string]*view)
	r.mu.Unlock()

	for id, v := range views {
		r.closeView(id, v)
	}
}
