// Package transport implements the fragmented unicast datagram upload
// path and its framed-stream fallback (spec §4.1/§6.1).
package transport

import (
	"encoding/binary"
	"fmt"
)

const envelopeHeaderLen = 12 // u64 message_id + u16 chunk_index + u16 total_chunks

// envelope is the 12-byte fragment header prefixing each datagram chunk
// (spec §3 "Fragment envelope").
type envelope struct {
	MessageID   uint64
	ChunkIndex  uint16
	TotalChunks uint16
	ChunkBody   []byte
}

func encodeEnvelope(e envelope) []byte {
	out := make([]byte, envelopeHeaderLen+len(e.ChunkBody))
	binary.BigEndian.PutUint64(out[0:8], e.MessageID)
	binary.BigEndian.PutUint16(out[8:10], e.ChunkIndex)
	binary.BigEndian.PutUint16(out[10:12], e.TotalChunks)
	copy(out[envelopeHeaderLen:], e.ChunkBody)
	return out
}

// decodeEnvelope parses one inbound datagram. Envelopes shorter than the
// 12-byte header are dropped silently by the caller (spec §4.1).
func decodeEnvelope(raw []byte) (envelope, error) {
	if len(raw) < envelopeHeaderLen {
		return envelope{}, fmt.Errorf("envelope too short: %d bytes", len(raw))
	}
	e := envelope{
		MessageID:   binary.BigEndian.Uint64(raw[0:8]),
		ChunkIndex:  binary.BigEndian.Uint16(raw[8:10]),
		TotalChunks: binary.BigEndian.Uint16(raw[10:12]),
	}
	e.ChunkBody = append([]byte(nil), raw[envelopeHeaderLen:]...)
	return e, nil
}

// messageIDWrap is 2^53, the modulus spec §3 requires so message_id
// remains exactly representable across language boundaries (e.g. a
// JavaScript POS consumer using float64 doubles).
const messageIDWrap = uint64(1) << 53

// fragment splits body into chunks of at most maxBody bytes and returns
// the envelopes to transmit for a fresh messageID (spec §4.1).
func fragment(body []byte, maxBody int, messageID uint64) []envelope {
	if maxBody <= 0 {
		maxBody = 1400
	}
	total := (len(body) + maxBody - 1) / maxBody
	if total == 0 {
		total = 1
	}
	envs := make([]envelope, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxBody
		end := start + maxBody
		if end > len(body) {
			end = len(body)
		}
		envs = append(envs, envelope{
			MessageID:   messageID,
			ChunkIndex:  uint16(i),
			TotalChunks: uint16(total),
			ChunkBody:   body[start:end],
		})
	}
	return envs
}
