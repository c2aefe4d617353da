// Package pipeline is the lifecycle supervisor: it wires Transport,
// Codec, Session, Throttler, Display Sync, and Consensus together in
// dependency order and aggregates metrics and log throttling across them
// (spec §2 "Glue", §9 "Design Notes").
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/scanai/core/codec"
	"github.com/scanai/core/config"
	"github.com/scanai/core/consensus"
	"github.com/scanai/core/displaysync"
	"github.com/scanai/core/errs"
	"github.com/scanai/core/logging"
	"github.com/scanai/core/model"
	"github.com/scanai/core/session"
	"github.com/scanai/core/throttle"
)

// EncodeFunc is the external, on-demand encode collaborator (spec §1:
// "an on-demand encode function returning encoded bytes").
type EncodeFunc func(ctx context.Context, frameID int64) (payload []byte, format string, width, height uint32, err error)

// Collaborators are the external handles the core consumes from (spec
// §1): a frame-metadata source is driven externally via OnFrame, so it
// is not modeled as a pulled channel here — only the encode function,
// auth token getter, and logout callback need to be supplied at
// construction (spec §9 "pass in as capability handles").
type Collaborators struct {
	Encode   EncodeFunc
	Token    session.AuthTokenGetter
	OnLogout func()
}

// Supervisor owns the pipeline's six components plus metrics
// aggregation and exposes the status, metrics and display-frame streams.
// Decoded detections are handed to Display Sync and Consensus only; they
// are not exposed as a stream of their own.
type Supervisor struct {
	cfg      *config.Settings
	collab   Collaborators
	sess     *session.Session
	throttle *throttle.Throttler
	display  *displaysync.DisplaySync
	cons     *consensus.Consensus
	bcast    *consensus.Broadcaster

	nextSequence atomic.Uint64

	displayFrameCh chan []byte
	metricsCh      chan Metrics

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New constructs a Supervisor; components are built in the dependency
// order of spec §2 (Transport/Codec are stateless helpers used inline;
// Session, Throttler, Display Sync, Consensus are built leaf-first).
func New(cfg *config.Settings, collab Collaborators) *Supervisor {
	s := &Supervisor{
		cfg:            cfg,
		collab:         collab,
		throttle:       throttle.New(throttle.Config(cfg.Throttle)),
		display:        displaysync.New(cfg.DisplaySync.MaxBuffer),
		displayFrameCh: make(chan []byte, 8),
		metricsCh:      make(chan Metrics, 8),
	}
	s.sess = session.New(session.Options{
		Endpoint: cfg.Transport.Endpoint,
		Cfg:      cfg.Session,
		Token:    collab.Token,
		OnLogout: collab.OnLogout,
	})
	s.bcast = consensus.NewBroadcaster(cfg.Consensus.BroadcastPort)
	s.cons = consensus.New(cfg.Consensus, cfg.ClassTable, s.publishSnapshot)
	return s
}

// Status exposes the connection-status stream (spec §1/§7).
func (s *Supervisor) Status() <-chan session.StatusUpdate { return s.sess.Status() }

// DisplayFrames exposes the frame-release stream Display Sync produces
// for overlay rendering.
func (s *Supervisor) DisplayFrames() <-chan []byte { return s.displayFrameCh }

// Metrics exposes the metrics stream (spec §1, SPEC_FULL §13).
func (s *Supervisor) Metrics() <-chan Metrics { return s.metricsCh }

// Start connects the session, arms consensus ticking, and starts the
// loopback broadcast server.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	if err := s.bcast.Start(); err != nil {
		return fmt.Errorf("start broadcast server: %w", err)
	}
	if err := s.sess.Connect(loopCtx); err != nil {
		logging.Logger.Warn("initial connect failed, reconnect scheduled", zap.Error(err))
	}
	s.cons.Start(loopCtx)

	go s.receiveLoop(loopCtx)
	go s.metricsLoop(loopCtx)
	return nil
}

// Stop tears everything down: consensus timer, broadcast server,
// session, in that reverse-dependency order.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.cons.Stop()
	s.bcast.Stop()
	s.sess.Disconnect()
}

// OnFrame is the per-frame metadata callback entry point (spec §1, §5
// "Admission and send are called directly from the camera callback
// task"). It must return promptly: the Throttler decision is O(1) and
// the only blocking costs are the external encode call and the bounded
// datagram sends Transport performs.
func (s *Supervisor) OnFrame(ctx context.Context, meta model.FrameMetadata) {
	if !s.throttle.Decide(time.Now()) {
		return // admission skipped; frame drop is acceptable (spec §1 Non-goals)
	}

	tr := s.sess.Transport()
	if tr == nil {
		return // not connected; frame drop is acceptable
	}

	payload, format, width, height, err := s.collab.Encode(ctx, meta.FrameID)
	if err != nil {
		if logging.Throttled("encode-failed", time.Second) {
			logging.Logger.Warn("encode failed, dropping frame", zap.Int64("frameId", meta.FrameID), zap.Error(err))
		}
		return
	}

	seq := s.nextSequence.Add(1) // admitted-frame sequence, distinct from camera frame_id (spec §3)
	s.display.Insert(seq, payload)

	upload := model.UploadRecord{
		Token:     s.sess.Token(),
		SessionID: s.sess.SessionID(),
		Sequence:  seq,
		Width:     width,
		Height:    height,
		Format:    format,
		Payload:   payload,
	}
	body, err := codec.EncodeUpload(upload)
	if err != nil {
		logging.Logger.Warn("upload encode rejected", zap.Uint64("sequence", seq), zap.Error(err))
		return
	}
	if err := tr.Send(body); err != nil {
		logging.Logger.Warn("upload send failed", zap.Uint64("sequence", seq), zap.Error(err))
		return
	}
	s.throttle.RecordSent()
}

// receiveLoop drains decoded responses and fans them out to Display
// Sync (frame release) and Consensus (enqueue), spec §2 data flow.
func (s *Supervisor) receiveLoop(ctx context.Context) {
	for {
		tr := s.sess.Transport()
		if tr == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-tr.Receive():
			if !ok {
				continue
			}
			s.handleResponse(payload)
		}
	}
}

func (s *Supervisor) handleResponse(payload []byte) {
	resp, authFail, err := codec.DecodeResponse(payload, s.cfg.ClassTable)
	if err != nil {
		logging.Logger.Debug("response decode failed", zap.Error(err))
		return
	}
	if authFail {
		s.sess.HandleAuthExpired()
		return
	}
	if !resp.Success && resp.RawMessage != "" {
		logging.Logger.Debug("server reported failure", zap.String("message", resp.RawMessage), zap.Error(errs.ErrServerReported))
	}

	s.throttle.RecordAck(resp.BufferSize, time.Now())

	if frame, matched := s.display.Match(resp.FrameSequence, resp.FrameID); matched {
		select {
		case s.displayFrameCh <- frame:
		default:
			if logging.Throttled("display-channel-full", 500*time.Millisecond) {
				logging.Logger.Warn("display frame channel full, dropping")
			}
		}
	}

	s.cons.Enqueue(model.Detection{Objects: resp.Objects, ReceivedAt: time.Now()})
}

func (s *Supervisor) publishSnapshot(snap model.Snapshot) {
	if err := s.bcast.Publish(snap); err != nil {
		if logging.Throttled("broadcast-publish-failed", time.Second) {
			logging.Logger.Warn("broadcast publish failed", zap.Error(err))
		}
	}
}
