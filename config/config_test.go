package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsPassVerify(t *testing.T) {
	require.NoError(t, defaults().verify())
}

func TestReloadFillsDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scanai.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"transport":{"endpoint":"udp://10.0.0.1:7070","scheme":"datagram","maxChunkBody":900}}`), 0o600))

	require.NoError(t, Reload(path))
	assert.Equal(t, "udp://10.0.0.1:7070", GlobalCfg.Transport.Endpoint)
	assert.Equal(t, 900, GlobalCfg.Transport.MaxChunkBody)
	assert.Equal(t, 100, GlobalCfg.Throttle.CriticalBuffer) // filled from defaults()
}

func TestReloadRejectsInvalidScheme(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scanai.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"transport":{"endpoint":"x","scheme":"bogus","maxChunkBody":1}}`), 0o600))
	assert.Error(t, Reload(path))
}

func TestClassTableLabelPassesUnknownIDsThrough(t *testing.T) {
	table := ClassTable{"0": "cucur"}
	assert.Equal(t, "cucur", table.Label("0"))
	assert.Equal(t, "99", table.Label("99"))
}

func TestClassTableReverseLookup(t *testing.T) {
	table := ClassTable{"0": "cucur"}
	id, ok := table.ReverseLookup("cucur")
	assert.True(t, ok)
	assert.Equal(t, "0", id)

	_, ok = table.ReverseLookup("unknown")
	assert.False(t, ok)
}
