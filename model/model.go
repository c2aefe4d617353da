// Package model holds the data types shared across pipeline stages
// (spec §3), kept free of any stage's internal logic to avoid import
// cycles between transport, codec, displaysync, and consensus.
package model

import "time"

// FrameMetadata is produced upstream per camera frame (spec §3).
// Immutable; lives only until the admission decision.
type FrameMetadata struct {
	FrameID   int64
	MeanY     float64
	CapturedAt time.Time
}

// AdmittedFrame is owned by Display Sync for the lifetime of its window
// (spec §3).
type AdmittedFrame struct {
	Sequence     uint64
	EncodedBytes []byte
	CapturedAt   time.Time
}

// BBox is a bounding box in the upload frame's pixel coordinate system.
type BBox struct {
	X, Y, W, H float64
}

// Area returns the box's pixel area.
func (b BBox) Area() float64 {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// IoU computes intersection-over-union between two half-open boxes
// (spec §4.6 "IoU definition"). Returns 0 when the boxes don't overlap.
func IoU(a, b BBox) float64 {
	ax1, ay1, ax2, ay2 := a.X, a.Y, a.X+a.W, a.Y+a.H
	bx1, by1, bx2, by2 := b.X, b.Y, b.X+b.W, b.Y+b.H

	ix1, iy1 := max(ax1, bx1), max(ay1, by1)
	ix2, iy2 := min(ax2, bx2), min(ay2, by2)

	iw, ih := ix2-ix1, iy2-iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// DetectedObject is one server-reported detection within a response.
type DetectedObject struct {
	ClassName  string
	Confidence float64
	BBox       BBox
}

// Response is the decoded detection response record (spec §3/§6.3).
type Response struct {
	Success          bool
	FrameSequence    *uint64
	FrameID          *string
	Objects          []DetectedObject
	ProcessingTimeMs *int
	BufferSize       *int
	Timestamp        string
	RawMessage       string // server-supplied "message"/"error" field, for auth-failure matching
}

// UploadRecord is the pre-fragmentation wire body for an uploaded frame
// (spec §3/§6.1).
type UploadRecord struct {
	Token     string
	SessionID string
	Sequence  uint64
	Width     uint32
	Height    uint32
	Format    string
	Payload   []byte
}

// Detection is a single stabilized-window entry consumed by Consensus
// (spec §3 "Window entry").
type Detection struct {
	Objects    []DetectedObject
	ReceivedAt time.Time
}

// SnapshotItem is one published consensus item (spec §4.6/§6.4).
type SnapshotItem struct {
	ID    int
	Label string
	Qty   int
	Conf  float64
}

// Snapshot is a full consensus publication (spec §6.4).
type Snapshot struct {
	T      int64
	Status string
	Items  []SnapshotItem
}
