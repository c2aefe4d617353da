// Package codec implements the binary upload encoding and JSON response
// decoding of spec §4.2/§6.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/scanai/core/errs"
	"github.com/scanai/core/model"
)

const maxFieldLen = 255

// EncodeUpload produces the fixed binary layout of spec §6.1:
//
//	u8 token_len | token | u8 session_id_len | session_id |
//	u64 sequence | u32 width | u32 height | u8 format_len | format | payload
//
// Fields whose length exceeds the 8-bit length prefix fail with
// ErrFieldTooLong; the frame is dropped, not retried (spec §4.2).
func EncodeUpload(rec model.UploadRecord) ([]byte, error) {
	if len(rec.Token) > maxFieldLen {
		return nil, fmt.Errorf("token: %w", errs.ErrFieldTooLong)
	}
	if len(rec.SessionID) > maxFieldLen {
		return nil, fmt.Errorf("session_id: %w", errs.ErrFieldTooLong)
	}
	if len(rec.Format) > maxFieldLen {
		return nil, fmt.Errorf("format: %w", errs.ErrFieldTooLong)
	}

	buf := new(bytes.Buffer)
	buf.Grow(1 + len(rec.Token) + 1 + len(rec.SessionID) + 8 + 4 + 4 + 1 + len(rec.Format) + len(rec.Payload))

	buf.WriteByte(byte(len(rec.Token)))
	buf.WriteString(rec.Token)

	buf.WriteByte(byte(len(rec.SessionID)))
	buf.WriteString(rec.SessionID)

	var fixed [16]byte
	binary.BigEndian.PutUint64(fixed[0:8], rec.Sequence)
	binary.BigEndian.PutUint32(fixed[8:12], rec.Width)
	binary.BigEndian.PutUint32(fixed[12:16], rec.Height)
	buf.Write(fixed[:])

	buf.WriteByte(byte(len(rec.Format)))
	buf.WriteString(rec.Format)

	buf.Write(rec.Payload)
	return buf.Bytes(), nil
}

// DecodeUpload inverts EncodeUpload, recovering the exact field tuple
// (spec §8 round-trip property).
func DecodeUpload(body []byte) (model.UploadRecord, error) {
	var rec model.UploadRecord
	r := bytes.NewReader(body)

	tokenLen, err := r.ReadByte()
	if err != nil {
		return rec, fmt.Errorf("read token_len: %w", errs.ErrDecode)
	}
	token := make([]byte, tokenLen)
	if _, err := fullRead(r, token); err != nil {
		return rec, fmt.Errorf("read token: %w", errs.ErrDecode)
	}

	sidLen, err := r.ReadByte()
	if err != nil {
		return rec, fmt.Errorf("read session_id_len: %w", errs.ErrDecode)
	}
	sid := make([]byte, sidLen)
	if _, err := fullRead(r, sid); err != nil {
		return rec, fmt.Errorf("read session_id: %w", errs.ErrDecode)
	}

	var fixed [16]byte
	if _, err := fullRead(r, fixed[:]); err != nil {
		return rec, fmt.Errorf("read fixed fields: %w", errs.ErrDecode)
	}

	formatLen, err := r.ReadByte()
	if err != nil {
		return rec, fmt.Errorf("read format_len: %w", errs.ErrDecode)
	}
	format := make([]byte, formatLen)
	if _, err := fullRead(r, format); err != nil {
		return rec, fmt.Errorf("read format: %w", errs.ErrDecode)
	}

	payload := make([]byte, r.Len())
	if _, err := fullRead(r, payload); err != nil {
		return rec, fmt.Errorf("read payload: %w", errs.ErrDecode)
	}

	rec.Token = string(token)
	rec.SessionID = string(sid)
	rec.Sequence = binary.BigEndian.Uint64(fixed[0:8])
	rec.Width = binary.BigEndian.Uint32(fixed[8:12])
	rec.Height = binary.BigEndian.Uint32(fixed[12:16])
	rec.Format = string(format)
	rec.Payload = payload
	return rec, nil
}

func fullRead(r *bytes.Reader, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := r.Read(buf)
	if n != len(buf) {
		return n, fmt.Errorf("short read: got %d want %d", n, len(buf))
	}
	return n, err
}
