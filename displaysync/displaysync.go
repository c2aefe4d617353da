// Package displaysync maintains an insertion-ordered mapping from
// sequence number to encoded frame bytes and pairs each detection
// response with the exact frame that produced it (spec §4.5).
package displaysync

import (
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/scanai/core/errs"
	"github.com/scanai/core/logging"
	"github.com/scanai/core/model"
)

// DisplaySync owns admitted-and-sent frames until they are matched by a
// response, evicted by a later match, or overflow clears the buffer
// (spec §4.5).
type DisplaySync struct {
	mu        sync.Mutex
	maxBuffer int

	order []uint64 // insertion order of live keys
	byKey map[uint64][]byte

	current []byte // currently displayed frame bytes, nil if none

	overflowCount int64
	missCount     int64
}

// New constructs a DisplaySync with the given soft cap (default 300,
// spec §4.5).
func New(maxBuffer int) *DisplaySync {
	if maxBuffer <= 0 {
		maxBuffer = 300
	}
	return &DisplaySync{
		maxBuffer: maxBuffer,
		byKey:     make(map[uint64][]byte),
	}
}

// Insert records an admitted-and-sent frame at its sequence (spec §4.5
// "Structure"). Overflow past maxBuffer clears everything as a safety
// valve for pathological lag (spec §4.5 "Overflow").
func (d *DisplaySync) Insert(seq uint64, encoded []byte) (overflowed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.byKey[seq]; !exists {
		d.order = append(d.order, seq)
	}
	d.byKey[seq] = encoded

	if len(d.byKey) > d.maxBuffer {
		d.clearLocked()
		d.overflowCount++
		logging.Logger.Warn("display sync overflow, clearing buffer",
			zap.Int("maxBuffer", d.maxBuffer), zap.Error(errs.ErrOverflow))
		return true
	}
	return false
}

func (d *DisplaySync) clearLocked() {
	d.order = nil
	d.byKey = make(map[uint64][]byte)
	d.current = nil
}

// Match locates the frame whose sequence or frame_id key matches the
// response (spec §4.5 "On response arrival"): frame_sequence preferred,
// frame_id as fallback re-parsed as an integer key. If found, the frame
// is published as current and every entry inserted before it is evicted
// (monotonic display advance, spec §5 "Ordering guarantees"). If absent,
// the previously displayed frame freezes.
func (d *DisplaySync) Match(frameSequence *uint64, frameID *string) (frame []byte, matched bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key, ok := resolveKey(frameSequence, frameID)
	if !ok {
		d.recordMissLocked()
		return d.current, false
	}

	bytesFound, exists := d.byKey[key]
	if !exists {
		d.recordMissLocked()
		return d.current, false
	}

	d.current = bytesFound
	d.evictThroughLocked(key)
	return d.current, true
}

func (d *DisplaySync) recordMissLocked() {
	d.missCount++
}

// evictThroughLocked removes key and every entry inserted before it
// (spec §4.5: "remove k and every entry inserted before it (keys
// ordered by insertion)").
func (d *DisplaySync) evictThroughLocked(key uint64) {
	cut := -1
	for i, k := range d.order {
		if k == key {
			cut = i
			break
		}
	}
	if cut < 0 {
		return
	}
	for i := 0; i <= cut; i++ {
		delete(d.byKey, d.order[i])
	}
	d.order = append([]uint64(nil), d.order[cut+1:]...)
}

func resolveKey(frameSequence *uint64, frameID *string) (uint64, bool) {
	if frameSequence != nil {
		return *frameSequence, true
	}
	if frameID != nil {
		if v, err := strconv.ParseUint(*frameID, 10, 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

// Current returns the currently displayed frame bytes, or nil if none.
func (d *DisplaySync) Current() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Len reports the number of live entries.
func (d *DisplaySync) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byKey)
}

// Stats exposes overflow/miss counters for the metrics stream.
type Stats struct {
	Overflows int64
	Misses    int64
}

// Stats returns a copy of the current counters.
func (d *DisplaySync) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{Overflows: d.overflowCount, Misses: d.missCount}
}

// ResponseKey extracts the preferred matching key from a decoded
// response, for callers that want to pre-check before calling Match.
func ResponseKey(resp model.Response) (uint64, bool) {
	return resolveKey(resp.FrameSequence, resp.FrameID)
}
