// Package session owns the resumable session lifecycle: attach on Connect,
// suspend on transport loss, replay the suspension buffer on Reconnect, and
// expire sessions that stay suspended past the timeout.
package session

import (
	"sync"
	"time"

	"github.com/adred-codev/ws_session/internal/protocol"
	"github.com/adred-codev/ws_session/internal/quality"
)

// Transport is the write side of an attached connection. Send enqueues one
// encoded frame without blocking and reports success; Close tears the
// connection down with a close code and reason. The session manager owns the
// handle exclusively while the session is attached.
type Transport interface {
	Send(frame []byte) bool
	Ping() bool
	Close(code uint16, reason string)
	RemoteIP() string
}

// Session is one logical conversation, surviving brief transport loss while
// suspended. Mutable fields are guarded by mu; the quality tracker carries
// its own lock so the heartbeat loop and read pump can touch it directly.
type Session struct {
	ID      string
	Quality *quality.Tracker

	mu            sync.Mutex
	transport     Transport
	textMode      bool
	clientVersion string

	lastMessageID uint64
	connectedAt   time.Time
	lastHeartbeat time.Time
	isAlive       bool
	lastPing      time.Time // zero when no ping is outstanding

	buffer *ReplayBuffer

	closeCode   uint16
	closeReason string
}

// Attached reports whether a transport is currently bound.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport != nil
}

// TextMode reports whether the client speaks the JSON fallback.
func (s *Session) TextMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.textMode
}

// ClientVersion returns the version string from the Connect frame.
func (s *Session) ClientVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientVersion
}

// ConnectedAt returns the session creation time.
func (s *Session) ConnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedAt
}

// LastHeartbeat returns the last liveness signal time.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// TouchHeartbeat refreshes the liveness timestamp and marks the peer alive.
func (s *Session) TouchHeartbeat(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = now
	s.isAlive = true
}

// ObserveMessageID records the highest inbound message id seen.
func (s *Session) ObserveMessageID(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id > s.lastMessageID {
		s.lastMessageID = id
	}
}

// LastMessageID returns the highest inbound message id.
func (s *Session) LastMessageID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMessageID
}

// MarkPinged clears liveness and stamps the outstanding ping. The next pong
// resolves the round trip; a tick with no pong counts as missed.
func (s *Session) MarkPinged(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isAlive = false
	s.lastPing = now
}

// HandlePong resolves an outstanding ping. Returns the round-trip latency in
// milliseconds and whether a ping was actually outstanding.
func (s *Session) HandlePong(now time.Time) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isAlive = true
	s.lastHeartbeat = now
	if s.lastPing.IsZero() {
		return 0, false
	}
	latency := float64(now.Sub(s.lastPing)) / float64(time.Millisecond)
	s.lastPing = time.Time{}
	return latency, true
}

// Alive reports whether a pong (or heartbeat frame) arrived since the last
// ping.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isAlive
}

// PingDue reports whether the session's adaptive interval has elapsed since
// the last liveness exchange.
func (s *Session) PingDue(now time.Time) bool {
	interval := s.Quality.Interval()
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := s.lastHeartbeat
	if !s.lastPing.IsZero() && s.lastPing.After(ref) {
		ref = s.lastPing
	}
	return now.Sub(ref) >= interval
}

// Send writes one encoded frame to the attached transport. Returns false
// when detached or when the transport's queue rejects the frame.
func (s *Session) Send(frame []byte) bool {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return false
	}
	return t.Send(frame)
}

// SendData encodes payload in the session's framing mode and sends it.
func (s *Session) SendData(payload []byte, messageID, timestamp uint64) bool {
	s.mu.Lock()
	t := s.transport
	text := s.textMode
	s.mu.Unlock()
	if t == nil {
		return false
	}
	var frame []byte
	if text {
		frame = protocol.EncodeTextData(payload, messageID, timestamp)
	} else {
		var err error
		frame, err = protocol.EncodeData(payload, messageID, timestamp)
		if err != nil {
			return false
		}
	}
	return t.Send(frame)
}

// Ping sends a transport-level ping frame.
func (s *Session) Ping() bool {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return false
	}
	return t.Ping()
}

// RemoteIP returns the attached transport's client IP, empty when suspended.
func (s *Session) RemoteIP() string {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return ""
	}
	return t.RemoteIP()
}

// transportIs reports whether t is the currently bound transport.
func (s *Session) transportIs(t Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport == t
}

// BufferLen reports the suspension-buffer entry count.
func (s *Session) BufferLen() int {
	return s.buffer.Len()
}

// OverflowDrops reports the cumulative suspension-buffer drop count.
func (s *Session) OverflowDrops() int64 {
	return s.buffer.Drops()
}

// CloseInfo returns the close code and reason recorded at detach.
func (s *Session) CloseInfo() (uint16, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closeReason
}

// attach binds a transport. Caller ensures no transport is currently bound.
func (s *Session) attach(t Transport, text bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = t
	s.textMode = text
	s.isAlive = true
	s.lastHeartbeat = now
	s.lastPing = time.Time{}
	s.closeCode = 0
	s.closeReason = ""
}

// detach releases the transport and records why. Returns the old handle.
func (s *Session) detach(code uint16, reason string) Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.transport
	s.transport = nil
	s.closeCode = code
	s.closeReason = reason
	return t
}
