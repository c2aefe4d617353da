package pipeline

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanai/core/config"
	"github.com/scanai/core/session"
)

func freePort(t *testing.T) int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testSettings(t *testing.T) *config.Settings {
	cfg := &config.Settings{
		Transport: config.Transport{
			Endpoint:     "udp://127.0.0.1:1",
			Scheme:       "datagram",
			MaxChunkBody: 1400,
		},
		Session:     config.Session{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxRetries: 1},
		Throttle:    config.Throttle{CriticalBuffer: 100, StageOneStep: 10, StageTwoStep: 5, GhostTimeout: 3 * time.Second},
		DisplaySync: config.DisplaySync{MaxBuffer: 300},
		Consensus: config.Consensus{
			Window: 50 * time.Millisecond, Tick: 10 * time.Millisecond,
			PresenceFloor: 0.30, StabilityFloor: 0.30, StabilityPresence: 0.50,
			SoftCarry: true, BroadcastPort: freePort(t),
		},
		ClassTable: config.ClassTable{"0": "cucur"},
	}
	return cfg
}

// TestSupervisorStartStopIsIdempotent exercises the full wiring without a
// reachable server: Connect fails fast against the unroutable endpoint, but
// Start must still bring up the broadcaster and background loops and Stop
// must tear them all down cleanly.
func TestSupervisorStartStopIsIdempotent(t *testing.T) {
	cfg := testSettings(t)
	sup := New(cfg, Collaborators{
		Encode: func(ctx context.Context, frameID int64) ([]byte, string, uint32, uint32, error) {
			return nil, "", 0, 0, errors.New("no encoder in this test")
		},
		Token: func() string { return "" },
	})

	ctx := context.Background()
	require.NoError(t, sup.Start(ctx))
	require.NoError(t, sup.Start(ctx)) // second Start is a no-op

	sup.Stop()
	sup.Stop() // second Stop is a no-op
}

func TestSupervisorStatusStreamReportsConnecting(t *testing.T) {
	cfg := testSettings(t)
	sup := New(cfg, Collaborators{Token: func() string { return "" }})
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop()

	select {
	case u := <-sup.Status():
		assert.Equal(t, session.Connecting, u.State)
	case <-time.After(time.Second):
		t.Fatal("expected a status update")
	}
}

func TestBroadcasterPortFromConfigIsHonored(t *testing.T) {
	cfg := testSettings(t)
	sup := New(cfg, Collaborators{Token: func() string { return "" }})
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop()

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(cfg.Consensus.BroadcastPort))
	require.NoError(t, err)
	conn.Close()
}
