// Package mux fans inbound conversation events out to watching operator
// sessions and keeps upstream links alive while anyone is watching.
package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/relaydesk/relaydesk/internal/notify"
	"github.com/relaydesk/relaydesk/internal/rtm"
)

// DeliveryKind distinguishes in-band conversation events from out-of-band
// notices about activity elsewhere.
type DeliveryKind string

const (
	KindEvent  DeliveryKind = "event"
	KindNotice DeliveryKind = "notice"
)

// Delivery is one item pushed to a viewer's queue.
type Delivery struct {
	Kind  DeliveryKind        `json:"kind"`
	Key   rtm.ConversationKey `json:"key"`
	Event *rtm.Event          `json:"event,omitempty"`
}

// LinkHandle is a held reference to a profile's upstream link.
type LinkHandle interface {
	Profile() rtm.ProfileID
	Release()
}

// LinkProvider hands out link references, creating links on demand.
type LinkProvider interface {
	Acquire(ctx context.Context, profile rtm.ProfileID) (LinkHandle, error)
}

// Options tunes viewer queue behavior. Zero fields take defaults.
type Options struct {
	// QueueSize bounds each viewer's pending deliveries.
	QueueSize int
	// DropLimit is how many consecutive deliveries a viewer may miss on a
	// full queue before it is treated as stalled and evicted.
	DropLimit int
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.DropLimit <= 0 {
		o.DropLimit = 8
	}
	return o
}

// Viewer is one attached operator session bound to a single profile.
// All fields besides the queue are guarded by the owning profile's lock.
type Viewer struct {
	id      string
	profile rtm.ProfileID
	queue   chan Delivery

	focus  *rtm.ConversationKey
	drops  int
	closed bool

	evicted atomic.Bool
}

// ID returns the viewer's session identifier.
func (v *Viewer) ID() string { return v.id }

// Profile returns the profile this viewer is attached to.
func (v *Viewer) Profile() rtm.ProfileID { return v.profile }

// Deliveries is the viewer's receive channel. It is closed when the viewer
// is detached or evicted.
func (v *Viewer) Deliveries() <-chan Delivery { return v.queue }

// Evicted reports whether the viewer was removed for stalling rather than
// by an ordinary detach. Meaningful once Deliveries is closed.
func (v *Viewer) Evicted() bool { return v.evicted.Load() }

// send enqueues without blocking. It reports whether the viewer has missed
// enough consecutive deliveries to count as stalled.
func (v *Viewer) send(d Delivery, limit int) (stalled bool) {
	if v.closed {
		return false
	}
	select {
	case v.queue <- d:
		v.drops = 0
		return false
	default:
		v.drops++
		return v.drops >= limit
	}
}

type subscription struct {
	handle  LinkHandle
	viewers map[string]*Viewer
}

type profileMux struct {
	mu      sync.Mutex
	dead    bool
	subs    map[rtm.ConversationKey]*subscription
	viewers map[string]*Viewer
}

// Multiplexer routes every inbound event to the viewers joined to its
// conversation, in receipt order per profile, with no replay for late
// joiners. It implements the registry's delivery sink.
type Multiplexer struct {
	logger *slog.Logger
	links  LinkProvider
	opts   Options

	mu       sync.Mutex
	profiles map[rtm.ProfileID]*profileMux
	closed   bool
}

func New(log *slog.Logger, links LinkProvider, opts Options) *Multiplexer {
	if log == nil {
		log = slog.Default()
	}
	return &Multiplexer{
		logger:   log.With(slog.String("component", "mux")),
		links:    links,
		opts:     opts.withDefaults(),
		profiles: map[rtm.ProfileID]*profileMux{},
	}
}

// Register attaches a new viewer session to a profile. The id must be
// unique across live viewers of that profile.
func (m *Multiplexer) Register(id string, profile rtm.ProfileID) (*Viewer, error) {
	viewer := &Viewer{
		id:      id,
		profile: profile,
		queue:   make(chan Delivery, m.opts.QueueSize),
	}
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, errors.New("multiplexer is closed")
		}
		pm := m.profiles[profile]
		if pm == nil {
			pm = &profileMux{
				subs:    map[rtm.ConversationKey]*subscription{},
				viewers: map[string]*Viewer{},
			}
			m.profiles[profile] = pm
		}
		m.mu.Unlock()

		pm.mu.Lock()
		if pm.dead {
			// Lost a race with cleanup of the last viewer.
			pm.mu.Unlock()
			continue
		}
		if _, exists := pm.viewers[id]; exists {
			pm.mu.Unlock()
			return nil, fmt.Errorf("viewer %s already registered", id)
		}
		pm.viewers[id] = viewer
		pm.mu.Unlock()
		return viewer, nil
	}
}

// Join subscribes the viewer to a conversation. The first viewer on a key
// takes a link reference; joining twice is a no-op. Nothing that arrived
// before the join is replayed.
func (m *Multiplexer) Join(ctx context.Context, v *Viewer, counterparty string) error {
	key := rtm.ConversationKey{Profile: v.profile, Counterparty: counterparty}
	pm := m.profileFor(v.profile)
	if pm == nil {
		return fmt.Errorf("viewer %s is not registered", v.id)
	}

	pm.mu.Lock()
	if v.closed {
		pm.mu.Unlock()
		return errors.New("viewer is closed")
	}
	if sub := pm.subs[key]; sub != nil {
		sub.viewers[v.id] = v
		pm.mu.Unlock()
		return nil
	}
	pm.mu.Unlock()

	// Acquire outside the lock: a concurrent join may win the race, in
	// which case the extra reference is dropped.
	handle, err := m.links.Acquire(ctx, v.profile)
	if err != nil {
		return fmt.Errorf("acquire link: %w", err)
	}

	pm.mu.Lock()
	if v.closed {
		pm.mu.Unlock()
		handle.Release()
		return errors.New("viewer is closed")
	}
	if sub := pm.subs[key]; sub != nil {
		sub.viewers[v.id] = v
		pm.mu.Unlock()
		handle.Release()
		return nil
	}
	pm.subs[key] = &subscription{
		handle:  handle,
		viewers: map[string]*Viewer{v.id: v},
	}
	pm.mu.Unlock()
	return nil
}

// Leave drops the viewer's subscription to a conversation. Leaving a
// conversation the viewer never joined is a no-op. The last leave on a key
// releases the link reference.
func (m *Multiplexer) Leave(v *Viewer, counterparty string) {
	key := rtm.ConversationKey{Profile: v.profile, Counterparty: counterparty}
	pm := m.profileFor(v.profile)
	if pm == nil {
		return
	}

	pm.mu.Lock()
	sub := pm.subs[key]
	if sub == nil {
		pm.mu.Unlock()
		return
	}
	if _, joined := sub.viewers[v.id]; !joined {
		pm.mu.Unlock()
		return
	}
	delete(sub.viewers, v.id)
	var handle LinkHandle
	if len(sub.viewers) == 0 {
		delete(pm.subs, key)
		handle = sub.handle
	}
	pm.mu.Unlock()

	if handle != nil {
		handle.Release()
	}
}

// Focus marks the conversation the viewer currently has on screen. An
// empty counterparty clears the focus.
func (m *Multiplexer) Focus(v *Viewer, counterparty string) {
	pm := m.profileFor(v.profile)
	if pm == nil {
		return
	}
	pm.mu.Lock()
	if counterparty == "" {
		v.focus = nil
	} else {
		v.focus = &rtm.ConversationKey{Profile: v.profile, Counterparty: counterparty}
	}
	pm.mu.Unlock()
}

// Detach removes the viewer entirely: every subscription is left and the
// delivery channel is closed.
func (m *Multiplexer) Detach(v *Viewer) {
	pm := m.profileFor(v.profile)
	if pm == nil {
		return
	}

	pm.mu.Lock()
	handles := m.detachLocked(pm, v)
	pm.mu.Unlock()

	for _, handle := range handles {
		handle.Release()
	}
	m.cleanup(v.profile)
}

// detachLocked removes the viewer from every index and returns the link
// handles freed by emptied subscriptions. Callers hold pm.mu.
func (m *Multiplexer) detachLocked(pm *profileMux, v *Viewer) []LinkHandle {
	if v.closed {
		return nil
	}
	v.closed = true
	delete(pm.viewers, v.id)
	var handles []LinkHandle
	for key, sub := range pm.subs {
		if _, joined := sub.viewers[v.id]; !joined {
			continue
		}
		delete(sub.viewers, v.id)
		if len(sub.viewers) == 0 {
			delete(pm.subs, key)
			handles = append(handles, sub.handle)
		}
	}
	close(v.queue)
	return handles
}

// Deliver routes one inbound event. The profile lock is held across the
// whole fan-out so every viewer observes events in receipt order.
func (m *Multiplexer) Deliver(ev rtm.Event) {
	pm := m.profileFor(ev.Key.Profile)
	if pm == nil {
		return
	}

	pm.mu.Lock()
	var stalled []*Viewer
	joined := map[string]bool{}

	if sub := pm.subs[ev.Key]; sub != nil {
		event := ev
		d := Delivery{Kind: KindEvent, Key: ev.Key, Event: &event}
		for _, viewer := range sub.viewers {
			joined[viewer.id] = true
			if viewer.send(d, m.opts.DropLimit) {
				stalled = append(stalled, viewer)
			}
		}
	}

	candidates := make([]notify.Candidate, 0, len(pm.viewers))
	for _, viewer := range pm.viewers {
		candidates = append(candidates, notify.Candidate{Viewer: viewer.id, Focus: viewer.focus})
	}
	notice := Delivery{Kind: KindNotice, Key: ev.Key}
	for _, id := range notify.Decide(ev, candidates) {
		if joined[id] {
			// Already saw the event in-band.
			continue
		}
		viewer := pm.viewers[id]
		if viewer == nil {
			continue
		}
		if viewer.send(notice, m.opts.DropLimit) {
			stalled = append(stalled, viewer)
		}
	}

	var handles []LinkHandle
	for _, viewer := range stalled {
		viewer.evicted.Store(true)
		handles = append(handles, m.detachLocked(pm, viewer)...)
	}
	pm.mu.Unlock()

	for _, viewer := range stalled {
		m.logger.Warn("stalled viewer evicted",
			slog.String("viewer", viewer.id),
			slog.String("profile", string(viewer.profile)))
	}
	for _, handle := range handles {
		handle.Release()
	}
	if len(stalled) > 0 {
		m.cleanup(ev.Key.Profile)
	}
}

// Close detaches every viewer and refuses further registration.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	m.closed = true
	pms := make([]*profileMux, 0, len(m.profiles))
	for profile, pm := range m.profiles {
		pms = append(pms, pm)
		delete(m.profiles, profile)
	}
	m.mu.Unlock()

	for _, pm := range pms {
		pm.mu.Lock()
		pm.dead = true
		var handles []LinkHandle
		for _, viewer := range pm.viewers {
			handles = append(handles, m.detachLocked(pm, viewer)...)
		}
		pm.mu.Unlock()
		for _, handle := range handles {
			handle.Release()
		}
	}
}

func (m *Multiplexer) profileFor(profile rtm.ProfileID) *profileMux {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profiles[profile]
}

// cleanup drops the profile's index once nothing references it.
func (m *Multiplexer) cleanup(profile rtm.ProfileID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pm := m.profiles[profile]
	if pm == nil {
		return
	}
	pm.mu.Lock()
	empty := len(pm.viewers) == 0 && len(pm.subs) == 0
	if empty {
		pm.dead = true
	}
	pm.mu.Unlock()
	if empty {
		delete(m.profiles, profile)
	}
}
