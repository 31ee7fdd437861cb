package session

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/ws_session/internal/protocol"
	"github.com/adred-codev/ws_session/internal/quality"
)

// fakeTransport records sent frames and close calls.
type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	code   uint16
	reason string
	reject bool // when set, Send fails
}

func (f *fakeTransport) Send(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject || f.closed {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeTransport) Ping() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.reject && !f.closed
}

func (f *fakeTransport) Close(code uint16, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	f.reason = reason
}

func (f *fakeTransport) RemoteIP() string { return "127.0.0.1" }

func (f *fakeTransport) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

// recordingEvents captures event dispatches for assertions.
type recordingEvents struct {
	mu          sync.Mutex
	connections []string
	disconnects map[string]string
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{disconnects: make(map[string]string)}
}

func (r *recordingEvents) Connection(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections = append(r.connections, s.ID)
}

func (r *recordingEvents) Disconnection(s *Session, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects[s.ID] = reason
}

func (r *recordingEvents) Message([]byte, uint64, uint64, *Session) {}
func (r *recordingEvents) Error(error)                              {}

func newTestManager(events Events) *Manager {
	return NewManager(Config{
		SessionTimeout:      300 * time.Second,
		HeartbeatInterval:   30 * time.Second,
		Quality:             quality.Config{Adaptive: true},
		MaxBufferedMessages: 16,
		MaxBufferedBytes:    1 << 20,
		BufferingEnabled:    true,
	}, events, zerolog.Nop())
}

func TestConnectCreatesSession(t *testing.T) {
	events := newRecordingEvents()
	m := newTestManager(events)

	s, err := m.Connect("s1", &fakeTransport{}, false, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID)
	assert.True(t, s.Attached())
	assert.Equal(t, uint64(0), s.LastMessageID())
	assert.Equal(t, []string{"s1"}, events.connections)

	attached, suspended := m.Counts()
	assert.Equal(t, 1, attached)
	assert.Equal(t, 0, suspended)
}

func TestConnectDuplicateLeavesStateUntouched(t *testing.T) {
	m := newTestManager(nil)

	first, err := m.Connect("s1", &fakeTransport{}, false, "1.0.0")
	require.NoError(t, err)

	_, err = m.Connect("s1", &fakeTransport{}, false, "1.0.0")
	require.ErrorIs(t, err, ErrDuplicateSession)

	got, ok := m.Get("s1")
	require.True(t, ok)
	assert.Same(t, first, got)
	attached, _ := m.Counts()
	assert.Equal(t, 1, attached)
}

func TestSuspendAndReconnectReplaysFIFO(t *testing.T) {
	events := newRecordingEvents()
	m := newTestManager(events)

	_, err := m.Connect("s1", &fakeTransport{}, false, "1.0.0")
	require.NoError(t, err)

	_, ok := m.Suspend("s1", 1006, "read_error")
	require.True(t, ok)
	assert.Equal(t, "read_error", events.disconnects["s1"])
	assert.True(t, m.Suspended("s1"))

	// Sends while suspended land in the buffer, in order.
	require.True(t, m.SendData("s1", []byte{0xAA}))
	require.True(t, m.SendData("s1", []byte{0xBB}))

	t2 := &fakeTransport{}
	s, replayed, err := m.Reconnect("s1", t2, false)
	require.NoError(t, err)
	assert.Equal(t, 2, replayed)
	assert.Equal(t, 0, s.BufferLen())

	frames := t2.sent()
	require.Len(t, frames, 2)
	msg, err := protocol.Decode(frames[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeData, msg.Type)
	assert.Equal(t, []byte{0xAA}, msg.Data.Payload)
	msg, err = protocol.Decode(frames[1])
	require.NoError(t, err)
	assert.Equal(t, []byte{0xBB}, msg.Data.Payload)
}

func TestReconnectUnknownSession(t *testing.T) {
	m := newTestManager(nil)
	_, _, err := m.Reconnect("missing", &fakeTransport{}, false)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestReconnectAttachedSessionFails(t *testing.T) {
	m := newTestManager(nil)
	_, err := m.Connect("s1", &fakeTransport{}, false, "1.0.0")
	require.NoError(t, err)

	_, _, err = m.Reconnect("s1", &fakeTransport{}, false)
	assert.ErrorIs(t, err, ErrDuplicateSession)
}

func TestBufferingDisabledRejectsSuspendedSends(t *testing.T) {
	m := NewManager(Config{
		SessionTimeout:    time.Minute,
		HeartbeatInterval: 30 * time.Second,
		BufferingEnabled:  false,
	}, nil, zerolog.Nop())

	_, err := m.Connect("s1", &fakeTransport{}, false, "1.0.0")
	require.NoError(t, err)
	m.Suspend("s1", 1006, "read_error")

	assert.False(t, m.SendData("s1", []byte{0x01}))
}

func TestExpireBefore(t *testing.T) {
	events := newRecordingEvents()
	m := newTestManager(events)

	_, err := m.Connect("s1", &fakeTransport{}, false, "1.0.0")
	require.NoError(t, err)
	m.Suspend("s1", 1006, "read_error")

	// Not yet expired.
	assert.Empty(t, m.ExpireBefore(time.Now()))

	expired := m.ExpireBefore(time.Now().Add(301 * time.Second))
	assert.Equal(t, []string{"s1"}, expired)
	assert.False(t, m.Suspended("s1"))
	assert.Equal(t, "session_timeout", events.disconnects["s1"])
}

func TestBroadcastCountsSuccessfulSends(t *testing.T) {
	m := newTestManager(nil)

	good1 := &fakeTransport{}
	good2 := &fakeTransport{}
	bad := &fakeTransport{reject: true}
	excluded := &fakeTransport{}

	for id, tr := range map[string]*fakeTransport{"a": good1, "b": good2, "c": bad, "d": excluded} {
		_, err := m.Connect(id, tr, false, "1.0.0")
		require.NoError(t, err)
	}

	sent := m.Broadcast([]byte{0x01}, "d")
	assert.Equal(t, 2, sent)
	assert.Empty(t, excluded.sent())
}

func TestBroadcastBuffersForSuspendedSessions(t *testing.T) {
	m := newTestManager(nil)

	_, err := m.Connect("live", &fakeTransport{}, false, "1.0.0")
	require.NoError(t, err)
	_, err = m.Connect("gone", &fakeTransport{}, false, "1.0.0")
	require.NoError(t, err)
	m.Suspend("gone", 1006, "read_error")

	// Only the attached send counts; the suspended session buffers it.
	sent := m.Broadcast([]byte{0xAA}, "")
	assert.Equal(t, 1, sent)

	t2 := &fakeTransport{}
	s, replayed, err := m.Reconnect("gone", t2, false)
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)
	assert.Equal(t, 0, s.BufferLen())

	frames := t2.sent()
	require.Len(t, frames, 1)
	msg, err := protocol.Decode(frames[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeData, msg.Type)
	assert.Equal(t, []byte{0xAA}, msg.Data.Payload)
}

func TestBroadcastSkipsSuspendedWhenBufferingDisabled(t *testing.T) {
	m := NewManager(Config{
		SessionTimeout:    time.Minute,
		HeartbeatInterval: 30 * time.Second,
		BufferingEnabled:  false,
	}, nil, zerolog.Nop())

	s, err := m.Connect("s1", &fakeTransport{}, false, "1.0.0")
	require.NoError(t, err)
	m.Suspend("s1", 1006, "read_error")

	assert.Equal(t, 0, m.Broadcast([]byte{0xAA}, ""))
	assert.Equal(t, 0, s.BufferLen())
}

func TestExplicitDisconnectClosesImmediately(t *testing.T) {
	events := newRecordingEvents()
	m := newTestManager(events)

	tr := &fakeTransport{}
	_, err := m.Connect("s1", tr, false, "1.0.0")
	require.NoError(t, err)

	require.True(t, m.CloseImmediate("s1", 1000, "client_initiated"))
	assert.True(t, tr.closed)
	assert.False(t, m.Suspended("s1"))
	attached, suspended := m.Counts()
	assert.Equal(t, 0, attached+suspended)
	assert.Equal(t, "client_initiated", events.disconnects["s1"])
}

func TestConnectOverSuspendedDiscardsOldState(t *testing.T) {
	m := newTestManager(nil)

	_, err := m.Connect("s1", &fakeTransport{}, false, "1.0.0")
	require.NoError(t, err)
	m.Suspend("s1", 1006, "read_error")
	require.True(t, m.SendData("s1", []byte{0x01}))

	t2 := &fakeTransport{}
	s, err := m.Connect("s1", t2, false, "2.0.0")
	require.NoError(t, err)
	assert.Equal(t, 0, s.BufferLen())
	assert.Empty(t, t2.sent())
	assert.False(t, m.Suspended("s1"))
}

func TestCloseAll(t *testing.T) {
	m := newTestManager(nil)

	t1 := &fakeTransport{}
	_, err := m.Connect("s1", t1, false, "1.0.0")
	require.NoError(t, err)
	_, err = m.Connect("s2", &fakeTransport{}, false, "1.0.0")
	require.NoError(t, err)
	m.Suspend("s2", 1006, "read_error")

	m.CloseAll(1000, "server_shutdown")
	attached, suspended := m.Counts()
	assert.Equal(t, 0, attached+suspended)
	assert.True(t, t1.closed)
	assert.Equal(t, uint16(1000), t1.code)
}

func TestPongResolvesLatency(t *testing.T) {
	m := newTestManager(nil)
	s, err := m.Connect("s1", &fakeTransport{}, false, "1.0.0")
	require.NoError(t, err)

	now := time.Now()
	s.MarkPinged(now)
	assert.False(t, s.Alive())

	latency, ok := s.HandlePong(now.Add(42 * time.Millisecond))
	require.True(t, ok)
	assert.InDelta(t, 42, latency, 1)
	assert.True(t, s.Alive())

	// No outstanding ping: pong is ignored for latency.
	_, ok = s.HandlePong(time.Now())
	assert.False(t, ok)
}

func TestDetachIgnoresStaleTransport(t *testing.T) {
	m := newTestManager(nil)

	t1 := &fakeTransport{}
	_, err := m.Connect("s1", t1, false, "1.0.0")
	require.NoError(t, err)
	m.Suspend("s1", 1006, "read_error")

	t2 := &fakeTransport{}
	_, _, err = m.Reconnect("s1", t2, false)
	require.NoError(t, err)

	// The old connection's teardown must not suspend the resumed session.
	_, ok := m.Detach("s1", t1, 1006, "read_error")
	assert.False(t, ok)
	attached, _ := m.Counts()
	assert.Equal(t, 1, attached)

	_, ok = m.Detach("s1", t2, 1006, "read_error")
	assert.True(t, ok)
}

func TestMintMessageIDShape(t *testing.T) {
	before := uint64(time.Now().UnixMilli()) * 1000
	id := MintMessageID()
	after := (uint64(time.Now().UnixMilli()) + 1) * 1000

	assert.GreaterOrEqual(t, id, before)
	assert.Less(t, id, after+1000)
}
