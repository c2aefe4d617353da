package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// frameStreamBody length-prefixes a payload for delivery whole over a
// framed QUIC stream (spec §4.1 "Dual transport": "each payload is
// delivered whole; reassembly is a no-op").
func frameStreamBody(body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}

// readFramedBody reads one length-prefixed payload from a stream reader.
func readFramedBody(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return body, nil
}
