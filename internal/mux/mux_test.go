package mux

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/relaydesk/relaydesk/internal/rtm"
)

type fakeLinks struct {
	mu       sync.Mutex
	acquires map[rtm.ProfileID]int
	releases map[rtm.ProfileID]int
}

func newFakeLinks() *fakeLinks {
	return &fakeLinks{
		acquires: map[rtm.ProfileID]int{},
		releases: map[rtm.ProfileID]int{},
	}
}

func (f *fakeLinks) Acquire(_ context.Context, profile rtm.ProfileID) (LinkHandle, error) {
	f.mu.Lock()
	f.acquires[profile]++
	f.mu.Unlock()
	return &fakeHandle{profile: profile, links: f}, nil
}

func (f *fakeLinks) counts(profile rtm.ProfileID) (acquires, releases int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquires[profile], f.releases[profile]
}

type fakeHandle struct {
	profile rtm.ProfileID
	links   *fakeLinks
	once    sync.Once
}

func (h *fakeHandle) Profile() rtm.ProfileID { return h.profile }

func (h *fakeHandle) Release() {
	h.once.Do(func() {
		h.links.mu.Lock()
		h.links.releases[h.profile]++
		h.links.mu.Unlock()
	})
}

func event(profile rtm.ProfileID, counterparty, seq string, dir rtm.Direction) rtm.Event {
	return rtm.Event{
		Key:        rtm.ConversationKey{Profile: profile, Counterparty: counterparty},
		Direction:  dir,
		Seq:        seq,
		ReceivedAt: time.Now().UTC(),
	}
}

func recvDelivery(t *testing.T, v *Viewer) Delivery {
	t.Helper()
	select {
	case d, ok := <-v.Deliveries():
		if !ok {
			t.Fatal("delivery channel closed")
		}
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return Delivery{}
}

func expectNoDelivery(t *testing.T, v *Viewer) {
	t.Helper()
	select {
	case d := <-v.Deliveries():
		t.Fatalf("unexpected delivery: %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestJoinRefcountsLinkReferences(t *testing.T) {
	links := newFakeLinks()
	m := New(nil, links, Options{})

	alice, err := m.Register("alice", "p1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	bob, err := m.Register("bob", "p1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := m.Join(context.Background(), alice, "c1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := m.Join(context.Background(), bob, "c1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	// Re-joining is a no-op.
	if err := m.Join(context.Background(), alice, "c1"); err != nil {
		t.Fatalf("re-join: %v", err)
	}

	if acquires, _ := links.counts("p1"); acquires != 1 {
		t.Errorf("acquired %d link refs for one key, want 1", acquires)
	}

	m.Leave(alice, "c1")
	if _, releases := links.counts("p1"); releases != 0 {
		t.Errorf("released while a viewer remains joined")
	}
	m.Leave(bob, "c1")
	if _, releases := links.counts("p1"); releases != 1 {
		t.Errorf("last leave released %d refs, want 1", releases)
	}
}

func TestLeaveWithoutJoinIsNoop(t *testing.T) {
	links := newFakeLinks()
	m := New(nil, links, Options{})
	alice, _ := m.Register("alice", "p1")

	m.Leave(alice, "never-joined")
	if acquires, releases := links.counts("p1"); acquires != 0 || releases != 0 {
		t.Errorf("leave without join touched the link: %d acquires, %d releases", acquires, releases)
	}
}

func TestDeliverInOrderToJoinedViewers(t *testing.T) {
	links := newFakeLinks()
	m := New(nil, links, Options{})
	alice, _ := m.Register("alice", "p1")
	if err := m.Join(context.Background(), alice, "c1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	for _, seq := range []string{"1", "2", "3"} {
		m.Deliver(event("p1", "c1", seq, rtm.DirectionCounterparty))
	}
	for _, want := range []string{"1", "2", "3"} {
		d := recvDelivery(t, alice)
		if d.Kind != KindEvent {
			t.Fatalf("kind = %q, want event", d.Kind)
		}
		if d.Event.Seq != want {
			t.Fatalf("seq = %q, want %q", d.Event.Seq, want)
		}
	}
}

func TestNoReplayForLateJoiner(t *testing.T) {
	links := newFakeLinks()
	m := New(nil, links, Options{})

	m.Deliver(event("p1", "c1", "before", rtm.DirectionCounterparty))

	alice, _ := m.Register("alice", "p1")
	if err := m.Join(context.Background(), alice, "c1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	m.Deliver(event("p1", "c1", "after", rtm.DirectionCounterparty))

	d := recvDelivery(t, alice)
	if d.Kind != KindEvent || d.Event.Seq != "after" {
		t.Fatalf("late joiner saw %+v, want only the post-join event", d)
	}
	expectNoDelivery(t, alice)
}

func TestNoticeForUnjoinedViewer(t *testing.T) {
	links := newFakeLinks()
	m := New(nil, links, Options{})
	alice, _ := m.Register("alice", "p1")
	bob, _ := m.Register("bob", "p1")
	if err := m.Join(context.Background(), alice, "c1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	m.Deliver(event("p1", "c1", "1", rtm.DirectionCounterparty))

	if d := recvDelivery(t, alice); d.Kind != KindEvent {
		t.Errorf("joined viewer got %q, want event", d.Kind)
	}
	d := recvDelivery(t, bob)
	if d.Kind != KindNotice {
		t.Errorf("unjoined viewer got %q, want notice", d.Kind)
	}
	if d.Key != (rtm.ConversationKey{Profile: "p1", Counterparty: "c1"}) {
		t.Errorf("notice key = %v", d.Key)
	}
}

func TestNoNoticeForSelfAuthoredEvent(t *testing.T) {
	links := newFakeLinks()
	m := New(nil, links, Options{})
	bob, _ := m.Register("bob", "p1")

	m.Deliver(event("p1", "c1", "1", rtm.DirectionSelf))
	expectNoDelivery(t, bob)
}

func TestNoNoticeForFocusedViewer(t *testing.T) {
	links := newFakeLinks()
	m := New(nil, links, Options{})
	bob, _ := m.Register("bob", "p1")
	m.Focus(bob, "c1")

	m.Deliver(event("p1", "c1", "1", rtm.DirectionCounterparty))
	expectNoDelivery(t, bob)

	m.Focus(bob, "")
	m.Deliver(event("p1", "c1", "2", rtm.DirectionCounterparty))
	if d := recvDelivery(t, bob); d.Kind != KindNotice {
		t.Errorf("after clearing focus got %q, want notice", d.Kind)
	}
}

func TestStalledViewerIsEvicted(t *testing.T) {
	links := newFakeLinks()
	m := New(nil, links, Options{QueueSize: 1, DropLimit: 2})
	alice, _ := m.Register("alice", "p1")
	if err := m.Join(context.Background(), alice, "c1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	// Fill the queue, then keep delivering until the drop limit trips.
	for i := 0; i < 4; i++ {
		m.Deliver(event("p1", "c1", "x", rtm.DirectionCounterparty))
	}

	// First item was queued before the stall; after it, the channel closes.
	if _, ok := <-alice.Deliveries(); !ok {
		t.Fatal("queued delivery lost")
	}
	if _, ok := <-alice.Deliveries(); ok {
		t.Fatal("stalled viewer channel still open")
	}
	if _, releases := links.counts("p1"); releases != 1 {
		t.Errorf("eviction released %d link refs, want 1", releases)
	}
	if !alice.Evicted() {
		t.Error("stalled viewer not marked evicted")
	}
}

func TestDetachDoesNotMarkViewerEvicted(t *testing.T) {
	links := newFakeLinks()
	m := New(nil, links, Options{})
	alice, _ := m.Register("alice", "p1")
	if err := m.Join(context.Background(), alice, "c1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	m.Detach(alice)
	if _, ok := <-alice.Deliveries(); ok {
		t.Fatal("detached viewer channel still open")
	}
	if alice.Evicted() {
		t.Error("ordinary detach marked the viewer evicted")
	}
}

func TestDetachReleasesEverySubscription(t *testing.T) {
	links := newFakeLinks()
	m := New(nil, links, Options{})
	alice, _ := m.Register("alice", "p1")
	for _, c := range []string{"c1", "c2"} {
		if err := m.Join(context.Background(), alice, c); err != nil {
			t.Fatalf("join %s: %v", c, err)
		}
	}

	m.Detach(alice)
	if _, ok := <-alice.Deliveries(); ok {
		t.Error("detached viewer channel still open")
	}
	if acquires, releases := links.counts("p1"); releases != acquires {
		t.Errorf("%d acquires but %d releases after detach", acquires, releases)
	}

	// Detach is idempotent.
	m.Detach(alice)
}
