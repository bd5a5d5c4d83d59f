package rtm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// LinkState names one state of the link supervision machine.
type LinkState string

const (
	StateDisconnected LinkState = "disconnected"
	StateConnecting   LinkState = "connecting"
	StateHandshaking  LinkState = "handshaking"
	StateLive         LinkState = "live"
	StateDegraded     LinkState = "degraded"
	StateReconnecting LinkState = "reconnecting"
)

var (
	// ErrWatchdogTimeout marks a forced teardown after a missed application pong.
	ErrWatchdogTimeout = errors.New("application watchdog timeout")
	// ErrHandshakeRejected marks a provider rejection of the connect frame.
	ErrHandshakeRejected = errors.New("handshake rejected")
)

// SessionProvider yields opaque session artifacts for a profile's connect.
type SessionProvider interface {
	SessionArtifacts(ctx context.Context, profile ProfileID) ([]byte, error)
}

// Options holds link supervision timings. Zero fields take defaults.
type Options struct {
	HandshakeTimeout  time.Duration
	KeepaliveInterval time.Duration
	WatchdogInterval  time.Duration
	PongTimeout       time.Duration
	RetryDelay        time.Duration
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = 30 * time.Second
	}
	if o.WatchdogInterval <= 0 {
		o.WatchdogInterval = 20 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 15 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	return o
}

// LinkStatus is a read-only snapshot of one link.
type LinkStatus struct {
	Profile     ProfileID `json:"profile"`
	State       LinkState `json:"state"`
	LastInbound time.Time `json:"last_inbound,omitempty"`
	Retries     int       `json:"retries"`
}

// Link is one supervised upstream connection for a single profile.
// It owns its read loop and heartbeat timers; reconnects are internal and
// unbounded. The only terminal transition is an explicit Stop.
type Link struct {
	profile  ProfileID
	dialer   Dialer
	sessions SessionProvider
	deliver  DeliverFunc
	limiter  *rate.Limiter
	opts     Options
	logger   *slog.Logger

	mu          sync.Mutex
	state       LinkState
	lastInbound time.Time
	retries     int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLink creates a link for the profile. The limiter, when non-nil, is
// shared across links to smooth reconnect storms; deliver receives every
// inbound event in receipt order.
func NewLink(log *slog.Logger, profile ProfileID, dialer Dialer, sessions SessionProvider, deliver DeliverFunc, limiter *rate.Limiter, opts Options) *Link {
	if log == nil {
		log = slog.Default()
	}
	return &Link{
		profile:  profile,
		dialer:   dialer,
		sessions: sessions,
		deliver:  deliver,
		limiter:  limiter,
		opts:     opts.withDefaults(),
		logger:   log.With(slog.String("component", "link"), slog.String("profile", string(profile))),
		state:    StateDisconnected,
		done:     make(chan struct{}),
	}
}

// Start launches the supervision loop. It returns immediately.
func (l *Link) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()
	go l.run(runCtx)
}

// Stop tears the link down for good and waits for the loop to exit.
func (l *Link) Stop(ctx context.Context) error {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Profile returns the profile this link serves.
func (l *Link) Profile() ProfileID {
	return l.profile
}

// State returns the current supervision state.
func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Status returns a snapshot of the link.
func (l *Link) Status() LinkStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LinkStatus{
		Profile:     l.profile,
		State:       l.state,
		LastInbound: l.lastInbound,
		Retries:     l.retries,
	}
}

func (l *Link) run(ctx context.Context) {
	defer close(l.done)
	defer l.setState(StateDisconnected)

	for {
		if ctx.Err() != nil {
			return
		}
		l.setState(StateConnecting)
		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				return
			}
		}

		artifacts, err := l.sessions.SessionArtifacts(ctx, l.profile)
		if err != nil {
			l.logger.Error("session artifacts unavailable", slog.Any("error", err))
			if !l.waitRetry(ctx) {
				return
			}
			continue
		}

		transport, err := l.dialer.Dial(ctx, l.profile, artifacts)
		if err != nil {
			l.logger.Warn("dial failed", slog.Any("error", err))
			if !l.waitRetry(ctx) {
				return
			}
			continue
		}

		if err := l.handshake(ctx, transport, artifacts); err != nil {
			l.logger.Warn("handshake failed",
				slog.Int("attempt", l.retryCount()+1),
				slog.Any("error", err))
			transport.Kill()
			if !l.waitRetry(ctx) {
				return
			}
			continue
		}

		l.setState(StateLive)
		l.resetRetries()
		l.logger.Info("link live")

		err = l.serve(ctx, transport)
		if ctx.Err() != nil {
			transport.Kill()
			return
		}
		l.setState(StateDegraded)
		l.logger.Warn("link degraded", slog.Any("error", err))
		if !l.waitRetry(ctx) {
			return
		}
	}
}

// handshake sends the connect frame and waits, bounded, for hello.
func (l *Link) handshake(ctx context.Context, transport Transport, artifacts []byte) error {
	l.setState(StateHandshaking)

	hctx, cancel := context.WithTimeout(ctx, l.opts.HandshakeTimeout)
	defer cancel()

	if err := transport.WriteFrame(hctx, Frame{Type: FrameConnect, Session: artifacts}); err != nil {
		return fmt.Errorf("write connect: %w", err)
	}
	frame, err := transport.ReadFrame(hctx)
	if err != nil {
		return fmt.Errorf("await hello: %w", err)
	}
	switch frame.Type {
	case FrameHello:
		return nil
	case FrameError:
		return fmt.Errorf("%w: %s", ErrHandshakeRejected, frame.Error)
	default:
		return fmt.Errorf("%w: unexpected frame %q", ErrHandshakeRejected, frame.Type)
	}
}

// serve runs the live read loop plus both heartbeat timers. It returns the
// teardown cause once the connection is dead. Exactly one teardown fires
// per live session regardless of which timer or read error loses the race.
func (l *Link) serve(ctx context.Context, transport Transport) error {
	liveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		teardownOnce sync.Once
		teardownErr  error
		pingSeq      atomic.Int64
		pendingPing  atomic.Int64
	)
	teardown := func(err error) {
		teardownOnce.Do(func() {
			teardownErr = err
			transport.Kill()
			cancel()
		})
	}

	// Transport keepalive: low-level liveness only.
	go func() {
		ticker := time.NewTicker(l.opts.KeepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-liveCtx.Done():
				return
			case <-ticker.C:
				pctx, pcancel := context.WithTimeout(liveCtx, l.opts.PongTimeout)
				err := transport.Ping(pctx)
				pcancel()
				if err != nil {
					teardown(fmt.Errorf("transport keepalive: %w", err))
					return
				}
			}
		}
	}()

	// Application watchdog: catches an upstream that keeps the socket open
	// but stops delivering data, which the transport keepalive cannot see.
	go func() {
		ticker := time.NewTicker(l.opts.WatchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-liveCtx.Done():
				return
			case <-ticker.C:
				token := pingSeq.Add(1)
				if !pendingPing.CompareAndSwap(0, token) {
					// The previous ping is still unanswered when the next is due.
					teardown(ErrWatchdogTimeout)
					return
				}
				if err := transport.WriteFrame(liveCtx, Frame{Type: FramePing, PingID: token}); err != nil {
					teardown(fmt.Errorf("write ping: %w", err))
					return
				}
				time.AfterFunc(l.opts.PongTimeout, func() {
					if pendingPing.Load() == token {
						teardown(ErrWatchdogTimeout)
					}
				})
			}
		}
	}()

	for {
		frame, err := transport.ReadFrame(liveCtx)
		if err != nil {
			teardown(fmt.Errorf("read: %w", err))
			<-liveCtx.Done()
			return teardownErr
		}
		l.noteInbound()

		switch frame.Type {
		case FramePong:
			pendingPing.CompareAndSwap(frame.PingID, 0)
		case FramePing:
			// Provider-initiated ping: answer with the matching token.
			if err := transport.WriteFrame(liveCtx, Frame{Type: FramePong, PingID: frame.PingID}); err != nil {
				teardown(fmt.Errorf("write pong: %w", err))
				<-liveCtx.Done()
				return teardownErr
			}
		case FrameEvent:
			if frame.Event == nil {
				continue
			}
			l.dispatch(Event{
				Key: ConversationKey{
					Profile:      l.profile,
					Counterparty: frame.Event.Conversation,
				},
				Direction:  frame.Event.Direction,
				Payload:    frame.Event.Payload,
				Seq:        frame.Event.Seq,
				ReceivedAt: time.Now().UTC(),
			})
		}
	}
}

// dispatch hands one event downstream. A faulty consumer must never stall
// the read loop, so panics are contained here.
func (l *Link) dispatch(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event delivery panic", slog.Any("panic", r))
		}
	}()
	if l.deliver != nil {
		l.deliver(ev)
	}
}

func (l *Link) waitRetry(ctx context.Context) bool {
	l.setState(StateReconnecting)
	l.mu.Lock()
	l.retries++
	l.mu.Unlock()
	select {
	case <-ctx.Done():
		return false
	case <-time.After(l.opts.RetryDelay):
		return true
	}
}

func (l *Link) setState(state LinkState) {
	l.mu.Lock()
	prev := l.state
	l.state = state
	l.mu.Unlock()
	if prev != state {
		l.logger.Debug("state change", slog.String("from", string(prev)), slog.String("to", string(state)))
	}
}

func (l *Link) noteInbound() {
	l.mu.Lock()
	l.lastInbound = time.Now().UTC()
	l.mu.Unlock()
}

func (l *Link) resetRetries() {
	l.mu.Lock()
	l.retries = 0
	l.mu.Unlock()
}

func (l *Link) retryCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retries
}
