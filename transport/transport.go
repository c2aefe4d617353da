package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/scanai/core/errs"
	"github.com/scanai/core/logging"
)

// Counters tracks this transport's monotonic send/receive bookkeeping
// (spec §3 invariants). BytesSent feeds the metrics stream; the
// Throttler keeps its own sent/received counters for its in-flight
// estimate.
type Counters struct {
	FramesSent     atomic.Uint64
	FramesReceived atomic.Uint64
	BytesSent      atomic.Uint64
	ChunksSent     atomic.Uint64
}

// Transport exposes the surface of spec §4.1: connect/send/disconnect
// plus a receive stream and an error stream. The same public surface
// backs either the QUIC unreliable-datagram scheme or a framed-stream
// fallback, selected once at connect time (spec "Dual transport").
type Transport struct {
	cfg Config

	mu       sync.Mutex
	conn     quic.Connection
	ctrl     quic.Stream // dedicated uni-stream for control/heartbeat JSON
	streamMode bool
	connected  bool

	reassembler *reassembler
	nextMsgID   atomic.Uint64

	Counters Counters

	recvCh chan []byte
	errCh  chan error
	closed chan struct{}
}

// Config selects the endpoint and wire scheme for a Transport instance.
type Config struct {
	Endpoint      string // e.g. "udp://host:port"
	Scheme        string // "datagram" | "stream"
	MaxChunkBody  int
	ReassemblyTTL time.Duration
}

// New constructs an unconnected Transport.
func New(cfg Config) *Transport {
	if cfg.MaxChunkBody <= 0 {
		cfg.MaxChunkBody = 1400
	}
	return &Transport{
		cfg:         cfg,
		streamMode:  cfg.Scheme == "stream",
		reassembler: newReassembler(cfg.ReassemblyTTL),
		recvCh:      make(chan []byte, 256),
		errCh:       make(chan error, 32),
		closed:      make(chan struct{}),
	}
}

// Receive returns the stream of fully reassembled payloads.
func (t *Transport) Receive() <-chan []byte { return t.recvCh }

// Errors returns the stream of non-fatal transport errors (spec §4.1:
// "individual send/receive errors surface on the error stream and do
// not abort the session").
func (t *Transport) Errors() <-chan error { return t.errCh }

// Connect binds the transport to endpoint within a 10s total timeout
// (spec §5 "Cancellation & timeouts"). Fails with ErrBind, ErrResolve,
// or ErrTimeout.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil // connect when already Connected is a no-op (spec §8)
	}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	u, err := url.Parse(t.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrResolve, err)
	}

	tlsCfg := &tls.Config{
		InsecureSkipVerify: true, // network-layer security only; no app-level crypto (spec §1 Non-goals)
		NextProtos:         []string{"scanai-core/1"},
	}
	quicCfg := &quic.Config{
		EnableDatagrams: !t.streamMode,
		MaxIdleTimeout:  60 * time.Second,
	}

	conn, err := dialFastestQUIC(ctx, u.Host, tlsCfg, quicCfg)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", errs.ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", errs.ErrBind, err)
	}

	ctrl, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "control stream setup failed")
		return fmt.Errorf("%w: %v", errs.ErrBind, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.ctrl = ctrl
	t.connected = true
	t.mu.Unlock()

	go t.readLoop(conn)
	return nil
}

// Send fragments bytes into fragment envelopes and transmits them
// (spec §4.1 "Fragmentation"). Chunks are written without internal
// retransmission.
func (t *Transport) Send(body []byte) error {
	t.mu.Lock()
	conn := t.conn
	connected := t.connected
	streamMode := t.streamMode
	t.mu.Unlock()
	if !connected {
		return fmt.Errorf("%w: not connected", errs.ErrBind)
	}

	if streamMode {
		return t.sendStream(conn, body)
	}
	return t.sendDatagrams(conn, body)
}

func (t *Transport) sendDatagrams(conn quic.Connection, body []byte) error {
	msgID := t.nextMsgID.Add(1) % messageIDWrap
	envs := fragment(body, t.cfg.MaxChunkBody, msgID)
	corr := uuid.New().String()

	for _, e := range envs {
		raw := encodeEnvelope(e)
		if err := conn.SendDatagram(raw); err != nil {
			t.emitErr(fmt.Errorf("send datagram: %w", err))
			return err
		}
		t.Counters.BytesSent.Add(uint64(len(raw)))
		t.Counters.ChunksSent.Add(1)
	}
	t.Counters.FramesSent.Add(1)
	logging.Logger.Debug("frame uploaded",
		zap.Uint64("messageId", msgID),
		zap.Int("chunks", len(envs)),
		zap.String("corr", corr))
	return nil
}

// sendStream delivers a payload whole over a framed QUIC stream when the
// endpoint scheme selects the streaming transport; fragmentation and
// reassembly are both elided in this mode (spec §4.1 "Dual transport").
func (t *Transport) sendStream(conn quic.Connection, body []byte) error {
	str, err := conn.OpenStreamSync(context.Background())
	if err != nil {
		t.emitErr(fmt.Errorf("open stream: %w", err))
		return err
	}
	defer str.Close()

	framed := frameStreamBody(body)
	if _, err := str.Write(framed); err != nil {
		t.emitErr(fmt.Errorf("write stream: %w", err))
		return err
	}
	t.Counters.BytesSent.Add(uint64(len(framed)))
	t.Counters.ChunksSent.Add(1)
	t.Counters.FramesSent.Add(1)
	return nil
}

// SendControl writes a small JSON record (heartbeat or other control
// record) on the dedicated control uni-stream (spec §4.1 "Keepalive",
// §6.2).
func (t *Transport) SendControl(payload []byte) error {
	t.mu.Lock()
	ctrl := t.ctrl
	connected := t.connected
	t.mu.Unlock()
	if !connected || ctrl == nil {
		return fmt.Errorf("%w: not connected", errs.ErrBind)
	}
	framed := frameStreamBody(payload)
	if _, err := ctrl.Write(framed); err != nil {
		t.emitErr(fmt.Errorf("heartbeat: %w", err))
		return err
	}
	return nil
}

// Disconnect is synchronous: it cancels timers, closes the connection,
// drops reassembly state, and returns (spec §5 "Cancellation &
// timeouts"). Calling it twice is a no-op (spec §8).
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	conn := t.conn
	t.connected = false
	t.conn = nil
	t.ctrl = nil
	t.mu.Unlock()

	t.reassembler.slots.Flush()

	select {
	case <-t.closed:
	default:
		close(t.closed)
	}
	if conn != nil {
		conn.CloseWithError(0, "disconnect")
	}
}

// ReassemblyEvictions returns the count of stale reassembly slots
// expired since construction, for the metrics stream.
func (t *Transport) ReassemblyEvictions() int64 {
	return t.reassembler.evictionCount()
}

func (t *Transport) emitErr(err error) {
	select {
	case t.errCh <- err:
	default:
		logging.Logger.Warn("transport error channel full, dropping", zap.Error(err))
	}
}

// readLoop drains inbound datagrams (or framed streams) and pushes fully
// reassembled payloads to recvCh.
func (t *Transport) readLoop(conn quic.Connection) {
	if t.streamMode {
		t.readStreams(conn)
		return
	}
	t.readDatagrams(conn)
}

func (t *Transport) readDatagrams(conn quic.Connection) {
	for {
		select {
		case <-t.closed:
			return
		default:
		}
		raw, err := conn.ReceiveDatagram(context.Background())
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			t.emitErr(fmt.Errorf("receive datagram: %w", err))
			return
		}
		// Envelopes shorter than the 12-byte header are dropped silently
		// (spec §4.1).
		if len(raw) < envelopeHeaderLen {
			continue
		}
		env, err := decodeEnvelope(raw)
		if err != nil {
			continue
		}
		if payload, done := t.reassembler.accept(env.MessageID, env.ChunkIndex, env.TotalChunks, env.ChunkBody); done {
			t.Counters.FramesReceived.Add(1)
			select {
			case t.recvCh <- payload:
			default:
				logging.Logger.Warn("receive channel full, dropping reassembled payload")
			}
		}
	}
}

func (t *Transport) readStreams(conn quic.Connection) {
	for {
		select {
		case <-t.closed:
			return
		default:
		}
		str, err := conn.AcceptStream(context.Background())
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			t.emitErr(fmt.Errorf("accept stream: %w", err))
			return
		}
		go func() {
			payload, err := readFramedBody(str)
			if err != nil {
				t.emitErr(fmt.Errorf("read framed stream: %w", err))
				return
			}
			t.Counters.FramesReceived.Add(1)
			select {
			case t.recvCh <- payload:
			default:
				logging.Logger.Warn("receive channel full, dropping stream payload")
			}
		}()
	}
}
