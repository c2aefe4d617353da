package consensus

import (
	"bufio"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanai/core/model"
)

func freePort(t *testing.T) int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestBroadcasterPublishesToAttachedClient(t *testing.T) {
	port := freePort(t)
	b := NewBroadcaster(port)
	require.NoError(t, b.Start())
	defer b.Stop()

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(50 * time.Millisecond) // let acceptLoop attach the client

	snap := model.Snapshot{T: 12345, Status: "active", Items: []model.SnapshotItem{
		{ID: 1, Label: "cucur", Qty: 3, Conf: 0.92},
	}}
	require.NoError(t, b.Publish(snap))

	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := reader.ReadString('\n')
	require.NoError(t, err)

	var wire wireSnapshot
	require.NoError(t, json.Unmarshal([]byte(line), &wire))
	assert.Equal(t, int64(12345), wire.T)
	assert.Equal(t, "active", wire.Status)
	require.Len(t, wire.Items, 1)
	assert.Equal(t, "cucur", wire.Items[0].Label)
	assert.Equal(t, 3, wire.Items[0].Qty)
}

func TestBroadcasterPublishWithNoClientIsNoOp(t *testing.T) {
	port := freePort(t)
	b := NewBroadcaster(port)
	require.NoError(t, b.Start())
	defer b.Stop()

	err := b.Publish(model.Snapshot{T: 1, Status: "active"})
	assert.NoError(t, err)
}
