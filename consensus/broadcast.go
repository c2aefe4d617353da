package consensus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scanai/core/logging"
	"github.com/scanai/core/model"
)

// wireSnapshot is the published JSON payload per consensus tick
// (spec §6.4).
type wireSnapshot struct {
	T      int64             `json:"t"`
	Status string            `json:"status"`
	Items  []wireSnapshotItem `json:"items"`
}

type wireSnapshotItem struct {
	ID    int     `json:"id"`
	Label string  `json:"label"`
	Qty   int     `json:"qty"`
	Conf  float64 `json:"conf"`
}

// Broadcaster accepts a single POS-consumer client on a fixed loopback
// port and pushes one newline-framed JSON payload per consensus tick
// (spec §4.6 "Publication", §6.4). Grounded on the teacher's
// controller.Listen accept loop, generalized from "dispatch per
// connection" to "broadcast to the single attached client".
type Broadcaster struct {
	addr string

	mu     sync.Mutex
	client net.Conn

	listener net.Listener
	done     chan struct{}
}

// NewBroadcaster constructs a Broadcaster bound to 127.0.0.1:port
// (default 9090, spec §6.4).
func NewBroadcaster(port int) *Broadcaster {
	if port <= 0 {
		port = 9090
	}
	return &Broadcaster{
		addr: fmt.Sprintf("127.0.0.1:%d", port),
		done: make(chan struct{}),
	}
}

// Start begins accepting the single POS-consumer connection (spec §6.4:
// "accepts a single client on a fixed port").
func (b *Broadcaster) Start() error {
	l, err := net.Listen("tcp", b.addr)
	if err != nil {
		return fmt.Errorf("broadcast listen at %s: %w", b.addr, err)
	}
	b.listener = l
	logging.Logger.Info("broadcast server listening", zap.String("addr", b.addr))

	go b.acceptLoop(l)
	return nil
}

func (b *Broadcaster) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-b.done:
				return
			default:
			}
			logging.Logger.Warn("broadcast accept failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		b.mu.Lock()
		if b.client != nil {
			b.client.Close() // single-client surface; newest connection wins
		}
		b.client = conn
		b.mu.Unlock()
		logging.Logger.Info("pos consumer attached", zap.String("remote", conn.RemoteAddr().String()))
	}
}

// Publish sends one stabilized snapshot to the attached client, if any.
// A missing client is a silent no-op: the POS consumer is best-effort,
// matching the pipeline's "dropped frames are acceptable" non-goal.
func (b *Broadcaster) Publish(snap model.Snapshot) error {
	wire := wireSnapshot{T: snap.T, Status: snap.Status}
	for _, it := range snap.Items {
		wire.Items = append(wire.Items, wireSnapshotItem{ID: it.ID, Label: it.Label, Qty: it.Qty, Conf: it.Conf})
	}
	line, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	line = append(line, '\n')

	b.mu.Lock()
	conn := b.client
	b.mu.Unlock()
	if conn == nil {
		return nil
	}

	w := bufio.NewWriter(conn)
	if _, err := w.Write(line); err != nil {
		b.mu.Lock()
		if b.client == conn {
			b.client = nil
		}
		b.mu.Unlock()
		return fmt.Errorf("publish to pos consumer: %w", err)
	}
	return w.Flush()
}

// Stop closes the listener and the attached client connection.
func (b *Broadcaster) Stop() {
	select {
	case <-b.done:
		return
	default:
		close(b.done)
	}
	if b.listener != nil {
		b.listener.Close()
	}
	b.mu.Lock()
	if b.client != nil {
		b.client.Close()
		b.client = nil
	}
	b.mu.Unlock()
}
