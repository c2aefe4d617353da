package displaysync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqPtr(v uint64) *uint64 { return &v }

func TestMatchEvictsOlderEntries(t *testing.T) {
	ds := New(300)
	ds.Insert(1, []byte("f1"))
	ds.Insert(2, []byte("f2"))
	ds.Insert(3, []byte("f3"))

	frame, matched := ds.Match(seqPtr(2), nil)
	require.True(t, matched)
	assert.Equal(t, []byte("f2"), frame)
	assert.Equal(t, 1, ds.Len()) // only seq 3 remains
	assert.Equal(t, []byte("f2"), ds.Current())
}

func TestMatchMissFreezesCurrentFrame(t *testing.T) {
	ds := New(300)
	ds.Insert(1, []byte("f1"))
	ds.Match(seqPtr(1), nil)
	require.Equal(t, []byte("f1"), ds.Current())

	// a later response that doesn't match anything present must not
	// replace the displayed frame.
	frame, matched := ds.Match(seqPtr(999), nil)
	assert.False(t, matched)
	assert.Equal(t, []byte("f1"), frame)
	assert.Equal(t, []byte("f1"), ds.Current())
}

func TestOverflowClearsEverything(t *testing.T) {
	ds := New(3)
	ds.Insert(1, []byte("f1"))
	ds.Insert(2, []byte("f2"))
	ds.Insert(3, []byte("f3"))
	overflowed := ds.Insert(4, []byte("f4"))

	assert.True(t, overflowed)
	assert.Equal(t, 0, ds.Len())
	assert.Nil(t, ds.Current())
	assert.Equal(t, int64(1), ds.Stats().Overflows)
}

func TestInvariantAllEntriesAfterMatchGreaterThanKey(t *testing.T) {
	ds := New(300)
	for _, s := range []uint64{1, 2, 3, 4, 5} {
		ds.Insert(s, []byte{byte(s)})
	}
	ds.Match(seqPtr(3), nil)
	for k := range ds.byKey {
		assert.Greater(t, k, uint64(3))
	}
}

func TestFrameIDFallbackKey(t *testing.T) {
	ds := New(300)
	ds.Insert(42, []byte("f42"))
	id := "42"
	frame, matched := ds.Match(nil, &id)
	assert.True(t, matched)
	assert.Equal(t, []byte("f42"), frame)
}
