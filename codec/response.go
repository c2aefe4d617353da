package codec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/scanai/core/config"
	"github.com/scanai/core/errs"
	"github.com/scanai/core/model"
)

// authFailureSubstrings are the documented substrings (spec §4.2/§6.3)
// that force a logout and disconnect when seen in a response's top-level
// message/error field.
var authFailureSubstrings = []string{
	"Unauthorized",
	"token is expired",
	"token has invalid claims",
}

type wireBBox struct {
	XMin float64 `json:"x_min"`
	YMin float64 `json:"y_min"`
	XMax float64 `json:"x_max"`
	YMax float64 `json:"y_max"`
}

type wireDetection struct {
	ClassName  string   `json:"class_name"`
	Confidence float64  `json:"confidence"`
	BBox       wireBBox `json:"bbox"`
}

type wireAIResults struct {
	Detections []wireDetection `json:"detections"`
}

type wireResponse struct {
	Success          bool           `json:"success"`
	FrameID          *string        `json:"frame_id"`
	FrameSequence    *uint64        `json:"frame_sequence"`
	AIResults        *wireAIResults `json:"ai_results"`
	ProcessingTimeMs *int           `json:"processing_time_ms"`
	BufferSize       *int           `json:"buffer_size"`
	Timestamp        string         `json:"timestamp"`
	Message          string         `json:"message"`
	Error            string         `json:"error"`
}

// IsAuthFailure reports whether a raw message/error string matches one of
// the documented auth-failure substrings (spec §4.2/§6.3).
func IsAuthFailure(s string) bool {
	for _, sub := range authFailureSubstrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// DecodeResponse parses a received payload as UTF-8 JSON into a detection
// response record. Malformed payloads surface ErrDecode; auth-failure
// bodies are reported via the returned bool so the Session can tear down
// (spec §4.2).
func DecodeResponse(payload []byte, table config.ClassTable) (model.Response, bool, error) {
	var w wireResponse
	if err := json.Unmarshal(payload, &w); err != nil {
		return model.Response{}, false, fmt.Errorf("%w: %v", errs.ErrDecode, err)
	}

	rawMsg := w.Message
	if rawMsg == "" {
		rawMsg = w.Error
	}
	if IsAuthFailure(w.Message) || IsAuthFailure(w.Error) {
		return model.Response{}, true, nil
	}

	resp := model.Response{
		Success:          w.Success,
		FrameSequence:    w.FrameSequence,
		FrameID:          w.FrameID,
		ProcessingTimeMs: w.ProcessingTimeMs,
		BufferSize:       w.BufferSize,
		Timestamp:        w.Timestamp,
		RawMessage:       rawMsg,
	}
	if w.AIResults != nil {
		resp.Objects = make([]model.DetectedObject, 0, len(w.AIResults.Detections))
		for _, d := range w.AIResults.Detections {
			resp.Objects = append(resp.Objects, mapDetection(d, table))
		}
	}
	return resp, false, nil
}

// mapDetection maps a server object record to the detection model using
// the fixed class-name table; unknown class ids pass through as their raw
// string (spec §4.2 "Detection mapping").
func mapDetection(d wireDetection, table config.ClassTable) model.DetectedObject {
	label := d.ClassName
	if table != nil {
		label = table.Label(d.ClassName)
	}
	return model.DetectedObject{
		ClassName:  label,
		Confidence: d.Confidence,
		BBox: model.BBox{
			X: d.BBox.XMin,
			Y: d.BBox.YMin,
			W: d.BBox.XMax - d.BBox.XMin,
			H: d.BBox.YMax - d.BBox.YMin,
		},
	}
}

// HeartbeatRecord is the small JSON record sent at heartbeat cadence to
// maintain NAT state (spec §4.1/§6.2).
type HeartbeatRecord struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Token     string `json:"token,omitempty"`
}

// EncodeHeartbeat serializes a heartbeat record.
func EncodeHeartbeat(timestampMs int64, token string) ([]byte, error) {
	rec := HeartbeatRecord{Type: "heartbeat", Timestamp: timestampMs, Token: token}
	return json.Marshal(rec)
}
