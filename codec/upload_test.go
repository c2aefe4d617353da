package codec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanai/core/errs"
	"github.com/scanai/core/model"
)

func TestEncodeDecodeUploadRoundTrip(t *testing.T) {
	rec := model.UploadRecord{
		Token:     "tok-abc123",
		SessionID: "1730400000000-04821",
		Sequence:  918273645,
		Width:     1280,
		Height:    720,
		Format:    "jpeg",
		Payload:   []byte{0xFF, 0xD8, 0x00, 0x01, 0x02, 0xFF, 0xD9},
	}

	body, err := EncodeUpload(rec)
	require.NoError(t, err)

	got, err := DecodeUpload(body)
	require.NoError(t, err)

	assert.Equal(t, rec.Token, got.Token)
	assert.Equal(t, rec.SessionID, got.SessionID)
	assert.Equal(t, rec.Sequence, got.Sequence)
	assert.Equal(t, rec.Width, got.Width)
	assert.Equal(t, rec.Height, got.Height)
	assert.Equal(t, rec.Format, got.Format)
	assert.Equal(t, rec.Payload, got.Payload)
}

func TestEncodeUploadEmptyPayload(t *testing.T) {
	rec := model.UploadRecord{Token: "", SessionID: "s1", Sequence: 1, Width: 1, Height: 1, Format: "jpeg"}
	body, err := EncodeUpload(rec)
	require.NoError(t, err)
	got, err := DecodeUpload(body)
	require.NoError(t, err)
	assert.Equal(t, "", got.Token)
	assert.Empty(t, got.Payload)
}

func TestEncodeUploadFieldTooLong(t *testing.T) {
	rec := model.UploadRecord{
		Token:     strings.Repeat("a", 256),
		SessionID: "s1",
		Format:    "jpeg",
	}
	_, err := EncodeUpload(rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrFieldTooLong)
}

func TestDecodeUploadTruncatedBody(t *testing.T) {
	_, err := DecodeUpload([]byte{5, 'a'}) // claims 5-byte token, only 1 byte present
	require.Error(t, err)
}
