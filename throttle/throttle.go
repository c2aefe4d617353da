// Package throttle implements the two-stage progressive frame-admission
// rule (spec §4.4), bounding in-flight frame count and backing off
// smoothly against a slow server while never re-flooding it once
// congestion has been observed.
package throttle

import (
	"sync"
	"time"
)

// Stage is the Throttler's aggressiveness tier. It is monotonically
// non-decreasing within a session (spec §4.4, §8 invariant 4).
type Stage int

const (
	Stage1 Stage = 1
	Stage2 Stage = 2
)

// Config carries the tunable thresholds of spec §4.4.
type Config struct {
	CriticalBuffer int           // buffer_size promoting stage 1 -> 2, default 100
	StageOneStep   int           // default 10
	StageTwoStep   int           // default 5
	GhostTimeout   time.Duration // default 3s
}

func (c Config) withDefaults() Config {
	if c.CriticalBuffer <= 0 {
		c.CriticalBuffer = 100
	}
	if c.StageOneStep <= 0 {
		c.StageOneStep = 10
	}
	if c.StageTwoStep <= 0 {
		c.StageTwoStep = 5
	}
	if c.GhostTimeout <= 0 {
		c.GhostTimeout = 3 * time.Second
	}
	return c
}

// Throttler decides for each candidate frame whether to transmit, using
// the in-flight buffer size and ack timing (spec §4.4).
type Throttler struct {
	cfg Config

	mu             sync.Mutex
	n              int // per-session frame counter N
	stage          Stage
	framesSent     uint64
	framesReceived uint64
	bufferSize     int
	haveServerSize bool
	lastAck        time.Time
	admitted       uint64
	skipped        uint64
}

// New constructs a Throttler at stage 1 with counters zeroed (spec §4.4
// "Reset": "On startStreaming, all counters and stage are set to initial
// values").
func New(cfg Config) *Throttler {
	t := &Throttler{cfg: cfg.withDefaults(), stage: Stage1}
	t.lastAck = time.Now()
	return t
}

// Stage returns the current aggressiveness tier.
func (t *Throttler) Stage() Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage
}

// RecordSent increments the sent counter; called once per admitted and
// transmitted frame.
func (t *Throttler) RecordSent() {
	t.mu.Lock()
	t.framesSent++
	t.mu.Unlock()
}

// RecordAck updates received count, buffer size, and ack timestamp from
// a server response (spec §4.4 Inputs: "last server-reported value").
func (t *Throttler) RecordAck(serverBufferSize *int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.framesReceived++
	t.lastAck = now
	if serverBufferSize != nil {
		t.bufferSize = *serverBufferSize
		t.haveServerSize = true
	}
}

// Decide applies the admission rule of spec §4.4 steps 1-4 and returns
// whether the candidate frame should be admitted. Every call tallies
// into either admitted or skipped for the metrics stream (SPEC_FULL
// §13 "frames admitted/skipped").
func (t *Throttler) Decide(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.n++

	inFlight := int64(t.framesSent) - int64(t.framesReceived)
	if inFlight > 0 && now.Sub(t.lastAck) >= t.cfg.GhostTimeout {
		// Ghost recovery beat, not a skip (spec §4.4 step 2).
		t.framesReceived = t.framesSent
		t.bufferSize = 0
		t.lastAck = now
		t.admitted++
		return true
	}

	bufferSize := t.bufferSize
	if !t.haveServerSize {
		bufferSize = int(int64(t.framesSent) - int64(t.framesReceived))
		t.bufferSize = bufferSize
	}

	if bufferSize >= t.cfg.CriticalBuffer {
		t.framesReceived = t.framesSent
		t.n = 0
		if t.stage == Stage1 {
			t.stage = Stage2 // monotonically non-decreasing promotion
		}
		t.skipped++
		return false
	}

	step := t.cfg.StageOneStep
	if t.stage == Stage2 {
		step = t.cfg.StageTwoStep
	}
	interval := bufferSize / step
	if interval == 0 {
		t.admitted++
		return true
	}
	if t.n%interval == 0 {
		t.admitted++
		return true
	}
	t.skipped++
	return false
}

// Snapshot exposes the Throttler's internal counters for metrics and
// testing.
type Snapshot struct {
	Stage          Stage
	N              int
	FramesSent     uint64
	FramesReceived uint64
	BufferSize     int
	FramesAdmitted uint64
	FramesSkipped  uint64
}

// Snapshot returns a copy of the current internal state.
func (t *Throttler) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Stage:          t.stage,
		N:              t.n,
		FramesSent:     t.framesSent,
		FramesReceived: t.framesReceived,
		BufferSize:     t.bufferSize,
		FramesAdmitted: t.admitted,
		FramesSkipped:  t.skipped,
	}
}
