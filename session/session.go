// Package session drives the connect/disconnect/reconnect state machine,
// heartbeat cadence, and per-session identity (spec §4.3).
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/scanai/core/codec"
	"github.com/scanai/core/config"
	"github.com/scanai/core/errs"
	"github.com/scanai/core/logging"
	"github.com/scanai/core/transport"
)

// State is one of the session state machine's five states (spec §4.3).
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// StatusUpdate is published on the connection-status stream (spec §7).
type StatusUpdate struct {
	State    State
	Category errs.Category
	Error    string
}

// AuthTokenGetter returns the current session token, or "" if absent.
type AuthTokenGetter func() string

// Options configures a Session.
type Options struct {
	Endpoint string
	Cfg      config.Session
	Token    AuthTokenGetter
	OnLogout func()
}

// Session holds server address, auth token, per-instance session id,
// heartbeat cadence, and retry policy; drives connect/disconnect/reconnect
// with exponential backoff (spec §4.3).
type Session struct {
	opts      Options
	transport *transport.Transport

	mu         sync.Mutex
	state      State
	retryCount int
	lastErr    error

	sessionID string

	manualDisconnect atomic.Bool
	logoutOnce       sync.Once

	statusCh chan StatusUpdate

	cancelLoop context.CancelFunc
}

// New constructs a Session with a fresh process-unique session id
// (spec §4.3 "Identity").
func New(opts Options) *Session {
	return &Session{
		opts:      opts,
		sessionID: newSessionID(),
		state:     Disconnected,
		statusCh:  make(chan StatusUpdate, 16),
	}
}

// SessionID returns the per-instance identity carried on every upload.
func (s *Session) SessionID() string { return s.sessionID }

// newSessionID generates a millisecond timestamp concatenated with a
// 5-digit suffix derived from that timestamp (spec §4.3 "Identity").
func newSessionID() string {
	ms := time.Now().UnixMilli()
	suffix := ms % 100000
	if suffix < 0 {
		suffix = -suffix
	}
	return fmt.Sprintf("%d-%05d", ms, suffix)
}

// Status returns the connection-status stream.
func (s *Session) Status() <-chan StatusUpdate { return s.statusCh }

func (s *Session) publishStatus(u StatusUpdate) {
	select {
	case s.statusCh <- u:
	default:
		logging.Logger.Warn("status channel full, dropping update", zap.String("state", u.State.String()))
	}
}

func (s *Session) setState(st State, lastErr error) {
	s.mu.Lock()
	s.state = st
	s.lastErr = lastErr
	s.mu.Unlock()

	cat := errs.Category("")
	errStr := ""
	if lastErr != nil {
		cat = errs.Classify(lastErr)
		errStr = lastErr.Error()
	}
	s.publishStatus(StatusUpdate{State: st, Category: cat, Error: errStr})
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the most recent error recorded against the state
// machine, or nil.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Connect transitions Disconnected -> Connecting -> Connected, or
// schedules a reconnect on failure (spec §4.3 state machine). A call
// while already Connected is a no-op (spec §8).
func (s *Session) Connect(ctx context.Context) error {
	if s.State() == Connected {
		return nil
	}
	s.manualDisconnect.Store(false)

	// Tear down whatever transport/loop pair is currently installed
	// before replacing it: otherwise the stale transport's
	// heartbeatLoop/errorLoop keep running against a connection nothing
	// references anymore, and a failure on it would still reach
	// handleTransportFailure once a new transport is already Connected
	// (spec §4.3: reconnect attempts own exactly one live transport).
	s.mu.Lock()
	oldTransport := s.transport
	oldCancel := s.cancelLoop
	s.transport = nil
	s.cancelLoop = nil
	s.mu.Unlock()
	if oldCancel != nil {
		oldCancel()
	}
	if oldTransport != nil {
		oldTransport.Disconnect()
	}

	s.setState(Connecting, nil)

	t := transport.New(transport.Config{
		Endpoint:      s.opts.Endpoint,
		Scheme:        "datagram",
		MaxChunkBody:  1400,
		ReassemblyTTL: 5 * time.Second,
	})
	if err := t.Connect(ctx); err != nil {
		s.setState(Disconnected, err)
		if !s.manualDisconnect.Load() {
			s.scheduleReconnect()
		}
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.transport = t
	s.cancelLoop = cancel
	s.retryCount = 0 // resets on successful Connected transition (spec §4.3 Backoff)
	s.mu.Unlock()

	s.setState(Connected, nil)

	go s.heartbeatLoop(loopCtx, t)
	go s.errorLoop(loopCtx, t)

	return nil
}

// Disconnect manually tears the session down; no reconnect follows
// (spec §4.3: "Connected ->(disconnect)-> Disconnected (manual; no
// reconnect)").
func (s *Session) Disconnect() {
	s.manualDisconnect.Store(true)
	s.mu.Lock()
	t := s.transport
	cancel := s.cancelLoop
	s.transport = nil
	s.cancelLoop = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if t != nil {
		t.Disconnect()
	}
	s.setState(Disconnected, nil)
}

// Transport exposes the live transport for upload sends; nil when not
// connected.
func (s *Session) Transport() *transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// Token asks the auth collaborator for the current token on each send;
// absence is logged and the record is sent anyway for server diagnostics
// (spec §4.3 "Token injection").
func (s *Session) Token() string {
	if s.opts.Token == nil {
		return ""
	}
	tok := s.opts.Token()
	if tok == "" {
		logging.Logger.Info("no auth token available, sending record anyway")
	}
	return tok
}

func (s *Session) heartbeatLoop(ctx context.Context, t *transport.Transport) {
	period := s.opts.Cfg.HeartbeatPeriod
	if period <= 0 {
		period = 25 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := codec.EncodeHeartbeat(time.Now().UnixMilli(), s.Token())
			if err != nil {
				continue
			}
			if err := t.SendControl(payload); err != nil {
				logging.Logger.Warn("heartbeat failed", zap.Error(err))
				s.handleTransportFailure(t, fmt.Errorf("%w: heartbeat", errs.ErrTimeout))
				return
			}
		}
	}
}

func (s *Session) errorLoop(ctx context.Context, t *transport.Transport) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-t.Errors():
			if !ok {
				return
			}
			s.handleTransportFailure(t, err)
		}
	}
}

// handleTransportFailure drives Connected -> Reconnecting on transport
// error or heartbeat failure (spec §4.3). failed identifies which
// transport instance produced the error: if Connect has since installed
// a different transport (or none), the error is stale and ignored so a
// dead transport's errorLoop can't force a spurious reconnect of an
// already-healthy session.
func (s *Session) handleTransportFailure(failed *transport.Transport, err error) {
	if s.manualDisconnect.Load() {
		return
	}
	s.mu.Lock()
	current := s.transport
	s.mu.Unlock()
	if current != failed {
		return
	}
	if s.State() != Connected {
		return
	}
	s.setState(Reconnecting, err)
	s.scheduleReconnect()
}

// scheduleReconnect applies exponential backoff: delay for attempt n is
// min(initial*2^(n-1), max), defaults 1s/30s/10 retries (spec §4.3
// "Backoff"). Exhausting MAX_RETRIES transitions to Failed.
func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	s.retryCount++
	n := s.retryCount
	maxRetries := s.opts.Cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 10
	}
	s.mu.Unlock()

	if n >= maxRetries {
		s.setState(Failed, fmt.Errorf("max retries exhausted"))
		return
	}

	delay := backoffDelay(n, s.opts.Cfg.InitialDelay, s.opts.Cfg.MaxDelay)
	go func() {
		time.Sleep(delay)
		if s.manualDisconnect.Load() {
			return
		}
		if err := s.Connect(context.Background()); err != nil {
			logging.Logger.Warn("reconnect attempt failed", zap.Int("attempt", n), zap.Error(err))
		}
	}()
}

func backoffDelay(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		d = max
	}
	return d
}

// HandleAuthExpired tears the session down exactly once and invokes the
// logout callback (spec §4.2/§4.3/§7).
func (s *Session) HandleAuthExpired() {
	s.logoutOnce.Do(func() {
		if s.opts.OnLogout != nil {
			s.opts.OnLogout()
		}
		s.Disconnect()
	})
}
