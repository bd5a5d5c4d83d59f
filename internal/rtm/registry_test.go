package rtm

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"
)

func testRegistryOptions() RegistryOptions {
	return RegistryOptions{
		Link:          fastOptions(),
		IdleGrace:     50 * time.Millisecond,
		ReconnectRate: 1000,
		StopTimeout:   2 * time.Second,
	}
}

func newTestRegistry(dialer Dialer, opts RegistryOptions) *Registry {
	reg := NewRegistry(nil, dialer, &fakeSessions{}, opts)
	reg.Route(func(Event) {})
	return reg
}

func TestRegistryRequiresRoute(t *testing.T) {
	reg := NewRegistry(nil, &fakeDialer{autoHello: true}, &fakeSessions{}, testRegistryOptions())
	if _, err := reg.Acquire(context.Background(), "profile-1"); err != ErrNoRoute {
		t.Fatalf("acquire without route: err = %v, want ErrNoRoute", err)
	}
}

func TestRegistrySingleLinkPerProfile(t *testing.T) {
	dialer := &fakeDialer{autoHello: true}
	reg := newTestRegistry(dialer, testRegistryOptions())
	defer reg.Close(context.Background())

	var wg sync.WaitGroup
	handles := make([]*Handle, 20)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handle, err := reg.Acquire(context.Background(), "profile-1")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			handles[i] = handle
		}(i)
	}
	wg.Wait()

	if dials := dialer.dialCount(); dials != 1 {
		t.Errorf("dialed %d times for one profile, want 1", dials)
	}
	if statuses := reg.Statuses(); len(statuses) != 1 {
		t.Errorf("got %d statuses, want 1", len(statuses))
	}
	for _, handle := range handles {
		handle.Release()
	}
}

func TestRegistryIdleGraceEviction(t *testing.T) {
	dialer := &fakeDialer{autoHello: true}
	reg := newTestRegistry(dialer, testRegistryOptions())
	defer reg.Close(context.Background())

	handle, err := reg.Acquire(context.Background(), "profile-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	handle.Release()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(reg.Statuses()) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if statuses := reg.Statuses(); len(statuses) != 0 {
		t.Fatalf("link survived idle grace: %v", statuses)
	}

	// A later acquire builds a fresh link.
	again, err := reg.Acquire(context.Background(), "profile-1")
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	defer again.Release()
	dialer.transport(t, 2) // the successor dials asynchronously after Acquire returns
	if dials := dialer.dialCount(); dials != 2 {
		t.Errorf("dialed %d times across eviction, want 2", dials)
	}
}

func TestRegistryReacquireWithinGraceKeepsLink(t *testing.T) {
	dialer := &fakeDialer{autoHello: true}
	opts := testRegistryOptions()
	opts.IdleGrace = 150 * time.Millisecond
	reg := newTestRegistry(dialer, opts)
	defer reg.Close(context.Background())

	handle, err := reg.Acquire(context.Background(), "profile-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	handle.Release()

	time.Sleep(20 * time.Millisecond)
	again, err := reg.Acquire(context.Background(), "profile-1")
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	defer again.Release()

	time.Sleep(250 * time.Millisecond)
	if dials := dialer.dialCount(); dials != 1 {
		t.Errorf("dialed %d times, want 1: grace teardown should have been cancelled", dials)
	}
	if statuses := reg.Statuses(); len(statuses) != 1 {
		t.Errorf("got %d statuses, want 1", len(statuses))
	}
}

func TestRegistryReleaseIsIdempotent(t *testing.T) {
	dialer := &fakeDialer{autoHello: true}
	opts := testRegistryOptions()
	opts.IdleGrace = time.Hour
	reg := newTestRegistry(dialer, opts)
	defer reg.Close(context.Background())

	first, err := reg.Acquire(context.Background(), "profile-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	second, err := reg.Acquire(context.Background(), "profile-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Double-releasing one handle must not steal the other's reference.
	first.Release()
	first.Release()
	if statuses := reg.Statuses(); len(statuses) != 1 {
		t.Fatalf("link gone while still held: %d statuses", len(statuses))
	}
	second.Release()
}

func TestRegistryRandomChurn(t *testing.T) {
	dialer := &fakeDialer{autoHello: true}
	opts := testRegistryOptions()
	opts.IdleGrace = 10 * time.Millisecond
	reg := newTestRegistry(dialer, opts)
	defer reg.Close(context.Background())

	profiles := []ProfileID{"profile-a", "profile-b", "profile-c"}
	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 50; i++ {
				profile := profiles[rng.Intn(len(profiles))]
				handle, err := reg.Acquire(context.Background(), profile)
				if err != nil {
					t.Errorf("acquire %s: %v", profile, err)
					return
				}
				if rng.Intn(2) == 0 {
					time.Sleep(time.Duration(rng.Intn(3)) * time.Millisecond)
				}
				handle.Release()
			}
		}(int64(worker))
	}
	wg.Wait()

	// At most one live entry per profile at any point in time.
	if statuses := reg.Statuses(); len(statuses) > len(profiles) {
		t.Errorf("got %d statuses for %d profiles", len(statuses), len(profiles))
	}
	seen := map[ProfileID]bool{}
	for _, status := range reg.Statuses() {
		if seen[status.Profile] {
			t.Errorf("duplicate link for profile %s", status.Profile)
		}
		seen[status.Profile] = true
	}
}

// laggedTransport delays read-loop exit after cancellation, modeling a
// connection whose close takes time to propagate.
type laggedTransport struct {
	*fakeTransport
	lag time.Duration
}

func (t *laggedTransport) ReadFrame(ctx context.Context) (Frame, error) {
	frame, err := t.fakeTransport.ReadFrame(ctx)
	if err != nil {
		time.Sleep(t.lag)
	}
	return frame, err
}

type laggedDialer struct {
	fakeDialer
	lag time.Duration
}

func (d *laggedDialer) Dial(ctx context.Context, profile ProfileID, artifacts []byte) (Transport, error) {
	transport, err := d.fakeDialer.Dial(ctx, profile, artifacts)
	if err != nil {
		return nil, err
	}
	return &laggedTransport{fakeTransport: transport.(*fakeTransport), lag: d.lag}, nil
}

func TestRegistryEvictionWaitsForLinkExit(t *testing.T) {
	dialer := &laggedDialer{fakeDialer: fakeDialer{autoHello: true}, lag: 300 * time.Millisecond}
	opts := testRegistryOptions()
	opts.IdleGrace = 30 * time.Millisecond
	reg := newTestRegistry(dialer, opts)
	defer reg.Close(context.Background())

	handle, err := reg.Acquire(context.Background(), "profile-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	reg.mu.Lock()
	predecessor := reg.entries["profile-1"].link
	reg.mu.Unlock()
	waitForState(t, predecessor, StateLive)
	handle.Release()

	// Let the idle grace elapse so teardown of the slow transport begins,
	// then re-acquire while it is still draining.
	time.Sleep(60 * time.Millisecond)
	again, err := reg.Acquire(context.Background(), "profile-1")
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	defer again.Release()

	if got := predecessor.State(); got != StateDisconnected {
		t.Errorf("successor started while predecessor state = %q, want disconnected", got)
	}
	dialer.transport(t, 2) // the successor dials asynchronously after Acquire returns
	if dials := dialer.dialCount(); dials != 2 {
		t.Errorf("dialed %d times across eviction, want 2", dials)
	}
}

func TestRegistryCloseRefusesAcquire(t *testing.T) {
	dialer := &fakeDialer{autoHello: true}
	reg := newTestRegistry(dialer, testRegistryOptions())

	handle, err := reg.Acquire(context.Background(), "profile-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	handle.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := reg.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := reg.Acquire(context.Background(), "profile-1"); err == nil {
		t.Fatal("acquire after close should fail")
	}
}
