// Package consensus buffers detections in a sliding time window and
// computes per-label majority-vote snapshots with IoU-based stability
// and tie-breaking (spec §4.6).
package consensus

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/scanai/core/config"
	"github.com/scanai/core/model"
)

// runState is the Consensus state machine (spec §4.6 "State machine").
type runState int

const (
	stopped runState = iota
	running
)

// Consensus is a time-ordered window of detections that publishes
// stabilized snapshots on a tick cadence (spec §4.6).
type Consensus struct {
	cfg        config.Consensus
	classTable config.ClassTable

	mu         sync.Mutex
	state      runState
	window     []model.Detection
	lastStable map[string]int // class_name -> count, soft-carry history

	droppedCount int64

	cancel context.CancelFunc
	wg     sync.WaitGroup

	publishFn func(model.Snapshot)
}

// New constructs a Consensus engine. publishFn is invoked on every tick
// that yields a non-empty snapshot (spec §4.6 "Publication"); last_stable
// is retained across Stop/Start within the same process unless reset
// explicitly via Reset(). table resolves a label back to its numeric id
// for publication (spec §4.6: "id is the reverse-lookup of label in the
// class table, or a synthesized id starting at 100").
func New(cfg config.Consensus, table config.ClassTable, publishFn func(model.Snapshot)) *Consensus {
	return &Consensus{
		cfg:        cfg,
		classTable: table,
		state:      stopped,
		lastStable: make(map[string]int),
		publishFn:  publishFn,
	}
}

// Enqueue adds a freshly received detection to the window (spec §5
// "Detections are delivered to Consensus in the order Transport emits
// them").
func (c *Consensus) Enqueue(det model.Detection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window = append(c.window, det)
}

// Start arms the tick timer (Stopped -> Running, spec §4.6 "State
// machine").
func (c *Consensus) Start(ctx context.Context) {
	c.mu.Lock()
	if c.state == running {
		c.mu.Unlock()
		return
	}
	c.state = running
	tickPeriod := c.cfg.Tick
	if tickPeriod <= 0 {
		tickPeriod = 100 * time.Millisecond
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.tickLoop(loopCtx, tickPeriod)
}

// Stop clears the buffer and cancels the timer (Running -> Stopped).
// last_stable_snapshot survives unless Reset is called separately.
func (c *Consensus) Stop() {
	c.mu.Lock()
	if c.state != running {
		c.mu.Unlock()
		return
	}
	c.state = stopped
	cancel := c.cancel
	c.cancel = nil
	c.window = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// Reset clears last_stable_snapshot explicitly (spec §4.6 "State
// machine": retained across stop/start "unless explicitly reset").
func (c *Consensus) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastStable = make(map[string]int)
}

func (c *Consensus) tickLoop(ctx context.Context, period time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.tick(now)
		}
	}
}

// tick evicts stale entries and publishes a snapshot for the remaining
// window (spec §4.6 "Window" + "Per-tick computation").
func (c *Consensus) tick(now time.Time) {
	c.mu.Lock()
	window := c.cfg.Window
	if window <= 0 {
		window = 200 * time.Millisecond
	}
	kept := c.window[:0:0]
	for _, d := range c.window {
		if now.Sub(d.ReceivedAt) <= window {
			kept = append(kept, d)
		}
	}
	c.window = kept

	if len(c.window) == 0 {
		c.mu.Unlock()
		return
	}

	snapshot, dropped := computeSnapshot(c.window, c.lastStable, c.cfg, c.classTable)
	c.droppedCount += int64(dropped)

	c.mu.Unlock()

	if len(snapshot.Items) == 0 {
		return
	}
	if c.publishFn != nil {
		c.publishFn(snapshot)
	}
}

// frameSnapshot is one detection's per-class count, built per spec §4.6
// step 2 ("Build frame snapshots: one mapping class_name -> count per
// detection in the buffer").
func frameSnapshot(objs []model.DetectedObject) map[string]int {
	counts := make(map[string]int)
	for _, o := range objs {
		counts[o.ClassName]++
	}
	return counts
}

// computeSnapshot runs the full per-tick vote (spec §4.6 steps 2-7). It
// mutates lastStable in place to carry the new stable mapping forward,
// and returns the publishable snapshot plus the count of classes the
// presence/stability filters dropped.
func computeSnapshot(window []model.Detection, lastStable map[string]int, cfg config.Consensus, table config.ClassTable) (model.Snapshot, int) {
	totalSnapshots := len(window)
	frames := make([]map[string]int, totalSnapshots)
	frameBoxes := make([]map[string][]model.BBox, totalSnapshots)
	frameConfSum := make([]map[string]float64, totalSnapshots)

	classesSeen := make(map[string]struct{})
	for i, d := range window {
		frames[i] = frameSnapshot(d.Objects)
		boxes := make(map[string][]model.BBox)
		confSums := make(map[string]float64)
		for _, o := range d.Objects {
			boxes[o.ClassName] = append(boxes[o.ClassName], o.BBox)
			confSums[o.ClassName] += o.Confidence
		}
		frameBoxes[i] = boxes
		frameConfSum[i] = confSums
		for cls := range frames[i] {
			classesSeen[cls] = struct{}{}
		}
	}
	for cls := range lastStable {
		classesSeen[cls] = struct{}{}
	}

	presenceFloor := cfg.PresenceFloor
	if presenceFloor <= 0 {
		presenceFloor = 0.30
	}
	stabilityFloor := cfg.StabilityFloor
	if stabilityFloor <= 0 {
		stabilityFloor = 0.30
	}
	stabilityPresence := cfg.StabilityPresence
	if stabilityPresence <= 0 {
		stabilityPresence = 0.50
	}

	chosen := make(map[string]int)
	confByClass := make(map[string]float64)
	dropped := 0

	classes := make([]string, 0, len(classesSeen))
	for cls := range classesSeen {
		classes = append(classes, cls)
	}
	sort.Strings(classes) // deterministic iteration for reproducible publication order

	for _, cls := range classes {
		counts := make([]int, 0, totalSnapshots)
		present := 0
		var boxSeq []model.BBox
		var confSum float64
		var confN int
		for i := 0; i < totalSnapshots; i++ {
			c := frames[i][cls]
			counts = append(counts, c)
			if c >= 1 {
				present++
			}
			boxSeq = append(boxSeq, frameBoxes[i][cls]...)
			if s, ok := frameConfSum[i][cls]; ok {
				confSum += s
				confN += frames[i][cls]
			}
		}

		presence := float64(present) / float64(totalSnapshots)

		// Presence filter (spec §4.6 step 4).
		if presence < presenceFloor {
			if prev, ok := lastStable[cls]; ok && cfg.SoftCarry {
				chosen[cls] = 0
				_ = prev
				continue
			}
			dropped++
			continue
		}

		// Stability filter (spec §4.6 step 5).
		if len(boxSeq) >= 2 {
			avgIoU := averageAdjacentIoU(boxSeq)
			if avgIoU < stabilityFloor && presence < stabilityPresence {
				dropped++
				continue
			}
		}

		// Majority vote with tie-break (spec §4.6 step 6).
		vote := majorityVote(counts, lastStable[cls])
		chosen[cls] = vote
		if confN > 0 {
			confByClass[cls] = confSum / float64(confN)
		}
	}

	// Assemble publishable items: keep only count > 0, but retain
	// zero-count soft-carried classes in lastStable for future ties
	// (spec §4.6 step 7).
	items := make([]model.SnapshotItem, 0, len(chosen))
	newStable := make(map[string]int, len(chosen))
	synthID := 100
	for _, cls := range classes {
		count, ok := chosen[cls]
		if !ok {
			continue
		}
		newStable[cls] = count
		if count > 0 {
			id, found := reverseLookupID(table, cls)
			if !found {
				id = synthID
				synthID++
			}
			items = append(items, model.SnapshotItem{
				ID:    id,
				Label: cls,
				Qty:   count,
				Conf:  confByClass[cls],
			})
		}
	}

	for k, v := range lastStable {
		delete(lastStable, k)
		_ = v
	}
	for k, v := range newStable {
		lastStable[k] = v
	}

	return model.Snapshot{
		T:      time.Now().UnixMilli(),
		Status: "active",
		Items:  items,
	}, dropped
}

func averageAdjacentIoU(boxes []model.BBox) float64 {
	if len(boxes) < 2 {
		return 1
	}
	var sum float64
	n := 0
	for i := 1; i < len(boxes); i++ {
		sum += model.IoU(boxes[i-1], boxes[i])
		n++
	}
	if n == 0 {
		return 1
	}
	return sum / float64(n)
}

// majorityVote selects the count value with highest frequency. Ties are
// resolved by (a) preferring the value equal to the last stable count if
// it's among the tied values, else (b) the value closest to the median
// of the raw count list (spec §4.6 step 6).
func majorityVote(counts []int, lastStableCount int) int {
	freq := make(map[int]int, len(counts))
	for _, c := range counts {
		freq[c]++
	}

	best := counts[0]
	bestFreq := 0
	var tied []int
	for _, c := range counts {
		if freq[c] > bestFreq {
			bestFreq = freq[c]
		}
	}
	seen := make(map[int]bool)
	for _, c := range counts {
		if freq[c] == bestFreq && !seen[c] {
			tied = append(tied, c)
			seen[c] = true
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}

	for _, c := range tied {
		if c == lastStableCount {
			return c
		}
	}

	median := medianOf(counts)
	best = tied[0]
	bestDist := diff(tied[0], median)
	for _, c := range tied[1:] {
		d := diff(c, median)
		if d < bestDist {
			best = c
			bestDist = d
		}
	}
	return best
}

func diff(a int, b float64) float64 {
	d := float64(a) - b
	if d < 0 {
		return -d
	}
	return d
}

func medianOf(values []int) float64 {
	sorted := append([]int(nil), values...)
	sort.Ints(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return float64(sorted[n/2])
	}
	return float64(sorted[n/2-1]+sorted[n/2]) / 2
}

// Dropped returns the count of classes filtered by presence/stability
// since construction, for the metrics stream.
func (c *Consensus) Dropped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.droppedCount
}

// reverseLookupID resolves a label back to its class-table id (spec
// §4.6: "id is the reverse-lookup of label in the class table"). table
// may be nil in tests that don't care about id assignment.
func reverseLookupID(table config.ClassTable, label string) (int, bool) {
	if table == nil {
		return 0, false
	}
	idStr, ok := table.ReverseLookup(label)
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return 0, false
	}
	return id, true
}
