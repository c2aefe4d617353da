package transport

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragmentReassembleInOrder(t *testing.T) {
	body := bytes.Repeat([]byte("scanai-frame-payload-"), 200) // > 1400 bytes
	envs := fragment(body, 1400, 7)
	require.True(t, len(envs) > 1)

	r := newReassembler(0)
	var out []byte
	var done bool
	for _, e := range envs {
		out, done = r.accept(e.MessageID, e.ChunkIndex, e.TotalChunks, e.ChunkBody)
	}
	assert.True(t, done)
	assert.Equal(t, body, out)
}

func TestReassembleOrderIndependent(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 5000)
	envs := fragment(body, 1400, 99)

	shuffled := append([]envelope(nil), envs...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	r := newReassembler(0)
	var out []byte
	var done bool
	for _, e := range shuffled {
		out, done = r.accept(e.MessageID, e.ChunkIndex, e.TotalChunks, e.ChunkBody)
	}
	assert.True(t, done)
	assert.Equal(t, body, out)
}

func TestReassembleSingleChunkEmitsImmediately(t *testing.T) {
	body := []byte("tiny")
	envs := fragment(body, 1400, 1)
	require.Len(t, envs, 1)

	r := newReassembler(0)
	out, done := r.accept(envs[0].MessageID, envs[0].ChunkIndex, envs[0].TotalChunks, envs[0].ChunkBody)
	assert.True(t, done)
	assert.Equal(t, body, out)
}

func TestDecodeEnvelopeTooShortDropped(t *testing.T) {
	_, err := decodeEnvelope([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestEncodeDecodeEnvelopeRoundTrip(t *testing.T) {
	e := envelope{MessageID: 123456789, ChunkIndex: 3, TotalChunks: 9, ChunkBody: []byte("abc")}
	raw := encodeEnvelope(e)
	got, err := decodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, e.MessageID, got.MessageID)
	assert.Equal(t, e.ChunkIndex, got.ChunkIndex)
	assert.Equal(t, e.TotalChunks, got.TotalChunks)
	assert.Equal(t, e.ChunkBody, got.ChunkBody)
}

func TestFragmentChunkSizeBounded(t *testing.T) {
	body := bytes.Repeat([]byte("a"), 10000)
	envs := fragment(body, 1400, 1)
	for _, e := range envs {
		assert.LessOrEqual(t, len(e.ChunkBody), 1400)
	}
}
