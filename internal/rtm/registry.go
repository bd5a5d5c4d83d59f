package rtm

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrNoRoute is returned by Acquire before a delivery sink is bound.
var ErrNoRoute = errors.New("registry has no delivery sink")

// RegistryOptions configures link creation and idle teardown.
type RegistryOptions struct {
	Link Options
	// IdleGrace is how long a link with zero holders survives before
	// eviction, absorbing rapid subscribe/unsubscribe churn.
	IdleGrace time.Duration
	// ReconnectRate caps connection attempts per second across all
	// profiles to avoid thundering-herd reconnect storms.
	ReconnectRate int
	// StopTimeout bounds how long eviction waits for a link to exit.
	StopTimeout time.Duration
}

func (o RegistryOptions) withDefaults() RegistryOptions {
	if o.IdleGrace <= 0 {
		o.IdleGrace = 30 * time.Second
	}
	if o.ReconnectRate <= 0 {
		o.ReconnectRate = 20
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 5 * time.Second
	}
	return o
}

// Handle is one held reference to a profile's link. Release is idempotent.
type Handle struct {
	profile  ProfileID
	registry *Registry
	once     sync.Once
}

// Profile returns the profile this handle refers to.
func (h *Handle) Profile() ProfileID {
	return h.profile
}

// Release drops the reference. The underlying link survives an idle grace
// period after the last release before it is torn down.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.registry.release(h.profile)
	})
}

type registryEntry struct {
	link   *Link
	refs   int
	idle   *time.Timer
	cancel context.CancelFunc
	// draining is non-nil once eviction has begun and is closed only after
	// the link has fully exited. While set, the entry blocks successors.
	draining chan struct{}
}

// Registry owns the set of upstream links, keyed by profile. It creates a
// link on first acquire, ref-counts holders, and guarantees at most one
// link per profile at a time.
type Registry struct {
	logger   *slog.Logger
	dialer   Dialer
	sessions SessionProvider
	opts     RegistryOptions
	limiter  *rate.Limiter

	routeMu sync.RWMutex
	deliver DeliverFunc

	mu      sync.Mutex
	entries map[ProfileID]*registryEntry
	closed  bool
}

// NewRegistry creates an empty link registry. Route must be called before
// the first Acquire so events have somewhere to go.
func NewRegistry(log *slog.Logger, dialer Dialer, sessions SessionProvider, opts RegistryOptions) *Registry {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()
	return &Registry{
		logger:   log.With(slog.String("component", "registry")),
		dialer:   dialer,
		sessions: sessions,
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Limit(opts.ReconnectRate), opts.ReconnectRate),
		entries:  map[ProfileID]*registryEntry{},
	}
}

// Route binds the delivery sink receiving every inbound event.
func (r *Registry) Route(deliver DeliverFunc) {
	r.routeMu.Lock()
	r.deliver = deliver
	r.routeMu.Unlock()
}

// Acquire takes a reference to the profile's link, creating and starting
// it on the first acquire. Safe for concurrent use.
func (r *Registry) Acquire(ctx context.Context, profile ProfileID) (*Handle, error) {
	r.routeMu.RLock()
	routed := r.deliver != nil
	r.routeMu.RUnlock()
	if !routed {
		return nil, ErrNoRoute
	}

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, errors.New("registry is closed")
		}

		entry := r.entries[profile]
		if entry != nil && entry.draining != nil {
			// A predecessor is still tearing down. Wait for it to exit so
			// the profile never has two links in a non-disconnected state.
			drained := entry.draining
			r.mu.Unlock()
			select {
			case <-drained:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		if entry == nil {
			link := NewLink(r.logger, profile, r.dialer, r.sessions, r.route, r.limiter, r.opts.Link)
			runCtx, cancel := context.WithCancel(context.Background())
			link.Start(runCtx)
			entry = &registryEntry{link: link, cancel: cancel}
			r.entries[profile] = entry
			r.logger.Info("link created", slog.String("profile", string(profile)))
		}
		if entry.idle != nil {
			entry.idle.Stop()
			entry.idle = nil
		}
		entry.refs++
		r.mu.Unlock()
		return &Handle{profile: profile, registry: r}, nil
	}
}

func (r *Registry) route(ev Event) {
	r.routeMu.RLock()
	deliver := r.deliver
	r.routeMu.RUnlock()
	if deliver != nil {
		deliver(ev)
	}
}

func (r *Registry) release(profile ProfileID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.entries[profile]
	if entry == nil || entry.refs == 0 {
		return
	}
	entry.refs--
	if entry.refs > 0 {
		return
	}
	entry.idle = time.AfterFunc(r.opts.IdleGrace, func() {
		r.evict(profile)
	})
}

func (r *Registry) evict(profile ProfileID) {
	r.mu.Lock()
	entry := r.entries[profile]
	if entry == nil || entry.refs > 0 || entry.draining != nil {
		r.mu.Unlock()
		return
	}
	// The entry stays in the map while the link drains so a concurrent
	// Acquire waits for the exit instead of starting a second link.
	entry.draining = make(chan struct{})
	r.mu.Unlock()

	entry.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.StopTimeout)
	err := entry.link.Stop(ctx)
	cancel()
	if err != nil {
		r.logger.Warn("link stop exceeded timeout, waiting for exit",
			slog.String("profile", string(profile)), slog.Any("error", err))
		// The run context is already cancelled; hold the entry until the
		// loop actually exits rather than leaving a live link untracked.
		_ = entry.link.Stop(context.Background())
	}

	r.mu.Lock()
	if r.entries[profile] == entry {
		delete(r.entries, profile)
	}
	r.mu.Unlock()
	close(entry.draining)
	r.logger.Info("link evicted", slog.String("profile", string(profile)))
}

// Status returns the snapshot for one profile's link, if it exists.
func (r *Registry) Status(profile ProfileID) (LinkStatus, bool) {
	r.mu.Lock()
	entry := r.entries[profile]
	r.mu.Unlock()
	if entry == nil {
		return LinkStatus{}, false
	}
	return entry.link.Status(), true
}

// Statuses returns snapshots for all current links, ordered by profile.
func (r *Registry) Statuses() []LinkStatus {
	r.mu.Lock()
	links := make([]*Link, 0, len(r.entries))
	for _, entry := range r.entries {
		links = append(links, entry.link)
	}
	r.mu.Unlock()

	statuses := make([]LinkStatus, 0, len(links))
	for _, link := range links {
		statuses = append(statuses, link.Status())
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Profile < statuses[j].Profile
	})
	return statuses
}

// Close tears down every link and refuses further acquires.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	entries := make([]*registryEntry, 0, len(r.entries))
	for profile, entry := range r.entries {
		if entry.idle != nil {
			entry.idle.Stop()
		}
		entries = append(entries, entry)
		delete(r.entries, profile)
	}
	r.mu.Unlock()

	var firstErr error
	for _, entry := range entries {
		entry.cancel()
		if err := entry.link.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
