package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanai/core/config"
	"github.com/scanai/core/model"
)

func det(objs ...model.DetectedObject) model.Detection {
	return model.Detection{Objects: objs, ReceivedAt: time.Now()}
}

func obj(class string, conf float64, box model.BBox) model.DetectedObject {
	return model.DetectedObject{ClassName: class, Confidence: conf, BBox: box}
}

func defaultCfg() config.Consensus {
	return config.Consensus{
		Window:            200 * time.Millisecond,
		Tick:              100 * time.Millisecond,
		PresenceFloor:     0.30,
		StabilityFloor:    0.30,
		StabilityPresence: 0.50,
		SoftCarry:         true,
	}
}

func makeN(class string, count int, box model.BBox, conf float64, n int) []model.Detection {
	objs := make([]model.DetectedObject, 0, count)
	for i := 0; i < count; i++ {
		objs = append(objs, obj(class, conf, box))
	}
	out := make([]model.Detection, n)
	for i := range out {
		out[i] = det(objs...)
	}
	return out
}

func TestScenarioStableSingleLabel(t *testing.T) {
	box := model.BBox{X: 10, Y: 10, W: 50, H: 50}
	window := makeN("cucur", 3, box, 0.9, 4)
	lastStable := map[string]int{}
	snap, dropped := computeSnapshot(window, lastStable, defaultCfg(), nil)
	assert.Equal(t, 0, dropped)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, "cucur", snap.Items[0].Label)
	assert.Equal(t, 3, snap.Items[0].Qty)
}

func TestScenarioNoisyCountMajority(t *testing.T) {
	box := model.BBox{X: 0, Y: 0, W: 40, H: 40}
	window := []model.Detection{
		det(repeatObj("lemper", 0.8, box, 5)...),
		det(repeatObj("lemper", 0.8, box, 5)...),
		det(repeatObj("lemper", 0.8, box, 5)...),
		det(repeatObj("lemper", 0.8, box, 7)...),
		det(repeatObj("lemper", 0.8, box, 5)...),
	}
	lastStable := map[string]int{}
	snap, _ := computeSnapshot(window, lastStable, defaultCfg(), nil)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, 5, snap.Items[0].Qty)
}

func TestScenarioTieBrokenByHistory(t *testing.T) {
	box := model.BBox{X: 0, Y: 0, W: 30, H: 30}
	window := []model.Detection{
		det(repeatObj("wajik", 0.7, box, 6)...),
		det(repeatObj("wajik", 0.7, box, 7)...),
		det(repeatObj("wajik", 0.7, box, 6)...),
		det(repeatObj("wajik", 0.7, box, 7)...),
	}
	lastStable := map[string]int{"wajik": 6}
	snap, _ := computeSnapshot(window, lastStable, defaultCfg(), nil)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, 6, snap.Items[0].Qty)
}

func TestScenarioTransientGlitchDroppedByPresence(t *testing.T) {
	box := model.BBox{X: 0, Y: 0, W: 20, H: 20}
	window := []model.Detection{
		det(obj("kue ku", 0.6, box)),
		det(),
		det(),
		det(),
		det(),
	}
	lastStable := map[string]int{}
	snap, dropped := computeSnapshot(window, lastStable, defaultCfg(), nil)
	assert.Equal(t, 1, dropped)
	assert.Empty(t, snap.Items)
}

func TestScenarioSoftCarryRetainsClassAtZero(t *testing.T) {
	box := model.BBox{X: 0, Y: 0, W: 20, H: 20}
	window := []model.Detection{
		det(obj("kue ku", 0.6, box)),
		det(),
		det(),
		det(),
		det(),
	}
	lastStable := map[string]int{"kue ku": 2}
	snap, dropped := computeSnapshot(window, lastStable, defaultCfg(), nil)
	assert.Equal(t, 0, dropped)
	assert.Empty(t, snap.Items) // count 0 is not published...
	assert.Equal(t, 0, lastStable["kue ku"]) // ...but is soft-carried in lastStable
}

func TestIoUIdenticalBoxesIsOne(t *testing.T) {
	box := model.BBox{X: 5, Y: 5, W: 10, H: 10}
	assert.InDelta(t, 1.0, model.IoU(box, box), 1e-9)
}

func TestIoUDisjointBoxesIsZero(t *testing.T) {
	a := model.BBox{X: 0, Y: 0, W: 5, H: 5}
	b := model.BBox{X: 100, Y: 100, W: 5, H: 5}
	assert.Equal(t, 0.0, model.IoU(a, b))
}

func TestMajorityVoteMedianTieBreak(t *testing.T) {
	// no history; tie between 4 and 6 broken by proximity to median of
	// the raw count list.
	counts := []int{4, 4, 6, 6, 5}
	got := majorityVote(counts, -1)
	assert.Contains(t, []int{4, 6}, got)
}

func TestNeverPublishesBelowPresenceUnlessSoftCarried(t *testing.T) {
	box := model.BBox{X: 0, Y: 0, W: 20, H: 20}
	window := []model.Detection{det(obj("x", 0.5, box)), det(), det(), det()}
	lastStable := map[string]int{}
	snap, _ := computeSnapshot(window, lastStable, defaultCfg(), nil)
	for _, it := range snap.Items {
		assert.NotEqual(t, "x", it.Label)
	}
}

func repeatObj(class string, conf float64, box model.BBox, n int) []model.DetectedObject {
	out := make([]model.DetectedObject, n)
	for i := range out {
		out[i] = obj(class, conf, box)
	}
	return out
}
