package session

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/scanai/core/transport"
)

func TestNewSessionIDFormat(t *testing.T) {
	id := newSessionID()
	assert.Regexp(t, regexp.MustCompile(`^\d+-\d{5}$`), id)
}

func TestNewSessionIDUniquePerInstance(t *testing.T) {
	s1 := New(Options{Endpoint: "udp://127.0.0.1:1"})
	time.Sleep(time.Millisecond)
	s2 := New(Options{Endpoint: "udp://127.0.0.1:1"})
	assert.NotEqual(t, s1.SessionID(), s2.SessionID())
}

func TestBackoffDelayGrowsThenCaps(t *testing.T) {
	initial := time.Second
	max := 30 * time.Second

	assert.Equal(t, 1*time.Second, backoffDelay(1, initial, max))
	assert.Equal(t, 2*time.Second, backoffDelay(2, initial, max))
	assert.Equal(t, 4*time.Second, backoffDelay(3, initial, max))
	assert.Equal(t, 8*time.Second, backoffDelay(4, initial, max))
	assert.Equal(t, 16*time.Second, backoffDelay(5, initial, max))
	assert.Equal(t, max, backoffDelay(6, initial, max)) // 32s would exceed max
	assert.Equal(t, max, backoffDelay(20, initial, max))
}

func TestDisconnectWithoutConnectIsNoOp(t *testing.T) {
	s := New(Options{Endpoint: "udp://127.0.0.1:1"})
	assert.Equal(t, Disconnected, s.State())
	s.Disconnect()
	assert.Equal(t, Disconnected, s.State())
}

func TestTokenAbsentStillReturnsEmpty(t *testing.T) {
	s := New(Options{Endpoint: "udp://127.0.0.1:1", Token: nil})
	assert.Equal(t, "", s.Token())
}

func TestTokenPresent(t *testing.T) {
	s := New(Options{Endpoint: "udp://127.0.0.1:1", Token: func() string { return "abc" }})
	assert.Equal(t, "abc", s.Token())
}

// TestStaleTransportFailureIgnoredAfterReplace guards against a dead
// transport's errorLoop/heartbeatLoop reaching into a session that has
// since installed a different, healthy transport.
func TestStaleTransportFailureIgnoredAfterReplace(t *testing.T) {
	s := New(Options{Endpoint: "udp://127.0.0.1:1"})
	s.setState(Connected, nil)

	newT := transport.New(transport.Config{Endpoint: "udp://127.0.0.1:1"})
	s.mu.Lock()
	s.transport = newT
	s.mu.Unlock()

	staleT := transport.New(transport.Config{Endpoint: "udp://127.0.0.1:1"})
	s.handleTransportFailure(staleT, assert.AnError)

	assert.Equal(t, Connected, s.State())
}
