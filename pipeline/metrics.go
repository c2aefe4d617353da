package pipeline

import (
	"context"
	"time"
)

// Metrics is a point-in-time snapshot of pipeline counters, pushed on
// the same cadence as Consensus ticks (SPEC_FULL §13 "Metrics stream").
type Metrics struct {
	ThrottleStage       int
	FramesSent          uint64
	FramesReceived      uint64
	FramesAdmitted      uint64
	FramesSkipped       uint64
	BytesSent           uint64
	BufferSize          int
	ReassemblyEviction  int64
	DisplaySyncLen      int
	DisplaySyncMisses   int64
	DisplaySyncOverflow int64
	ConsensusDropped    int64
	SessionState        string
}

// metricsLoop periodically assembles and pushes a Metrics snapshot.
func (s *Supervisor) metricsLoop(ctx context.Context) {
	period := s.cfg.Consensus.Tick
	if period <= 0 {
		period = 100 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pushMetrics()
		}
	}
}

func (s *Supervisor) pushMetrics() {
	th := s.throttle.Snapshot()
	ds := s.display.Stats()

	var reassemblyEvictions int64
	var bytesSent uint64
	if tr := s.sess.Transport(); tr != nil {
		reassemblyEvictions = tr.ReassemblyEvictions()
		bytesSent = tr.Counters.BytesSent.Load()
	}

	m := Metrics{
		ThrottleStage:       int(th.Stage),
		FramesSent:          th.FramesSent,
		FramesReceived:      th.FramesReceived,
		FramesAdmitted:      th.FramesAdmitted,
		FramesSkipped:       th.FramesSkipped,
		BytesSent:           bytesSent,
		BufferSize:          th.BufferSize,
		ReassemblyEviction:  reassemblyEvictions,
		DisplaySyncLen:      s.display.Len(),
		DisplaySyncMisses:   ds.Misses,
		DisplaySyncOverflow: ds.Overflows,
		ConsensusDropped:    s.cons.Dropped(),
		SessionState:        s.sess.State().String(),
	}
	select {
	case s.metricsCh <- m:
	default:
	}
}
