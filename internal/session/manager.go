package session

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/ws_session/internal/monitoring"
	"github.com/adred-codev/ws_session/internal/quality"
)

var (
	// ErrDuplicateSession signals a Connect for an id that is already
	// attached. Server state is left untouched.
	ErrDuplicateSession = errors.New("session already connected")
	// ErrSessionNotFound signals a Reconnect for an id with no suspended
	// session.
	ErrSessionNotFound = errors.New("session not found")
)

// Config sizes the manager.
type Config struct {
	SessionTimeout    time.Duration // suspended sessions expire after this
	HeartbeatInterval time.Duration // initial adaptive interval per session
	Quality           quality.Config

	MaxBufferedMessages int
	MaxBufferedBytes    int
	BufferingEnabled    bool
}

// Manager tracks attached and suspended sessions under one RWMutex. Writes
// to transports happen outside the lock: lookups snapshot the handle first.
type Manager struct {
	mu        sync.RWMutex
	attached  map[string]*Session
	suspended map[string]*Session

	cfg    Config
	events Events
	logger zerolog.Logger
}

// NewManager builds an empty manager. A nil events sink defaults to NopEvents.
func NewManager(cfg Config, events Events, logger zerolog.Logger) *Manager {
	if events == nil {
		events = NopEvents{}
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 300 * time.Second
	}
	return &Manager{
		attached:  make(map[string]*Session),
		suspended: make(map[string]*Session),
		cfg:       cfg,
		events:    events,
		logger:    logger.With().Str("component", "session_manager").Logger(),
	}
}

// Connect creates a fresh session for id and attaches t. Fails with
// ErrDuplicateSession when the id is already attached. A suspended session
// under the same id is discarded: Connect starts over, Reconnect resumes.
func (m *Manager) Connect(id string, t Transport, text bool, version string) (*Session, error) {
	now := time.Now()

	m.mu.Lock()
	if _, ok := m.attached[id]; ok {
		m.mu.Unlock()
		return nil, ErrDuplicateSession
	}
	if old, ok := m.suspended[id]; ok {
		delete(m.suspended, id)
		m.logger.Debug().
			Str("session_id", id).
			Int("discarded_buffer", old.BufferLen()).
			Msg("Connect over suspended session, state discarded")
	}

	s := &Session{
		ID:      id,
		Quality: quality.New(m.cfg.Quality, m.cfg.HeartbeatInterval),
		buffer:  NewReplayBuffer(m.cfg.MaxBufferedMessages, m.cfg.MaxBufferedBytes),
	}
	s.connectedAt = now
	s.clientVersion = version
	s.attach(t, text, now)
	m.attached[id] = s
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.events.Connection(s)
	return s, nil
}

// Reconnect reattaches t to a suspended session and replays its suspension
// buffer in FIFO order before any new outbound sends. Returns the replayed
// entry count. Fails with ErrSessionNotFound for unknown ids and with
// ErrDuplicateSession when the id is still attached.
func (m *Manager) Reconnect(id string, t Transport, text bool) (*Session, int, error) {
	now := time.Now()

	m.mu.Lock()
	if _, ok := m.attached[id]; ok {
		m.mu.Unlock()
		return nil, 0, ErrDuplicateSession
	}
	s, ok := m.suspended[id]
	if !ok {
		m.mu.Unlock()
		return nil, 0, ErrSessionNotFound
	}
	delete(m.suspended, id)
	s.attach(t, text, now)
	m.attached[id] = s
	m.updateGaugesLocked()
	m.mu.Unlock()

	// Replay outside the manager lock; the transport is exclusively ours
	// until the session is published through an event.
	replayed := 0
	for _, entry := range s.buffer.Drain() {
		if s.SendData(entry.payload, entry.messageID, entry.timestamp) {
			replayed++
		}
	}
	monitoring.RecordReplayed(replayed)

	m.events.Connection(s)
	return s, replayed, nil
}

// Suspend moves an attached session to the suspended set after its transport
// is lost. The session keeps its buffer until Reconnect or expiry.
func (m *Manager) Suspend(id string, code uint16, reason string) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.attached[id]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	delete(m.attached, id)
	m.suspended[id] = s
	s.detach(code, reason)
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.events.Disconnection(s, reason)
	return s, true
}

// Detach suspends id only when t is still the bound transport. Read loops
// use this on exit so a stale teardown cannot suspend a session that has
// already moved to a new connection.
func (m *Manager) Detach(id string, t Transport, code uint16, reason string) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.attached[id]
	if !ok || !s.transportIs(t) {
		m.mu.Unlock()
		return nil, false
	}
	delete(m.attached, id)
	m.suspended[id] = s
	s.detach(code, reason)
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.events.Disconnection(s, reason)
	return s, true
}

// CloseImmediate destroys an attached session without suspension, closing
// its transport. Used for explicit Disconnect frames and forced closes.
func (m *Manager) CloseImmediate(id string, code uint16, reason string) bool {
	m.mu.Lock()
	s, ok := m.attached[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.attached, id)
	m.updateGaugesLocked()
	m.mu.Unlock()

	if t := s.detach(code, reason); t != nil {
		t.Close(code, reason)
	}
	m.events.Disconnection(s, reason)
	return true
}

// Destroy removes a session from whichever set holds it, closing any bound
// transport. Used for pool-forced evictions.
func (m *Manager) Destroy(id string, reason string) bool {
	m.mu.Lock()
	s, ok := m.attached[id]
	if ok {
		delete(m.attached, id)
	} else if s, ok = m.suspended[id]; ok {
		delete(m.suspended, id)
	}
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	if t := s.detach(1000, reason); t != nil {
		t.Close(1000, reason)
	}
	m.events.Disconnection(s, reason)
	return true
}

// ExpireBefore removes suspended sessions whose last heartbeat plus the
// session timeout is before now. Returns the expired ids.
func (m *Manager) ExpireBefore(now time.Time) []string {
	m.mu.Lock()
	var expired []*Session
	for id, s := range m.suspended {
		if s.LastHeartbeat().Add(m.cfg.SessionTimeout).Before(now) {
			delete(m.suspended, id)
			expired = append(expired, s)
		}
	}
	if len(expired) > 0 {
		m.updateGaugesLocked()
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, s := range expired {
		ids = append(ids, s.ID)
		m.events.Disconnection(s, monitoring.DisconnectReasonSessionTimeout)
	}
	return ids
}

// SendData delivers payload to id with a server-minted message id. Attached
// sessions get the frame directly; suspended sessions buffer it (when
// buffering is enabled). Returns whether the payload was sent or buffered.
func (m *Manager) SendData(id string, payload []byte) bool {
	m.mu.RLock()
	s, attached := m.attached[id]
	if !attached {
		s = m.suspended[id]
	}
	m.mu.RUnlock()
	if s == nil {
		return false
	}

	messageID := MintMessageID()
	timestamp := uint64(time.Now().UnixMilli())

	if attached {
		return s.SendData(payload, messageID, timestamp)
	}
	if !m.cfg.BufferingEnabled {
		return false
	}
	if dropped := s.buffer.Push(payload, messageID, timestamp); dropped > 0 {
		monitoring.RecordOverflowDrops(dropped)
		m.logger.Debug().
			Str("session_id", id).
			Int("dropped", dropped).
			Msg("Suspension buffer overflow")
	}
	monitoring.RecordBuffered()
	return true
}

// Broadcast sends payload to every attached session except exclude, and
// enqueues it to every suspended session's buffer (when buffering is
// enabled) so the payload replays on Reconnect. Best-effort: per-recipient
// failures are skipped. Returns the number of successful attached sends;
// buffered deliveries do not count.
func (m *Manager) Broadcast(payload []byte, exclude string) int {
	m.mu.RLock()
	targets := make([]*Session, 0, len(m.attached))
	for id, s := range m.attached {
		if id == exclude {
			continue
		}
		targets = append(targets, s)
	}
	var parked []*Session
	if m.cfg.BufferingEnabled {
		parked = make([]*Session, 0, len(m.suspended))
		for id, s := range m.suspended {
			if id == exclude {
				continue
			}
			parked = append(parked, s)
		}
	}
	m.mu.RUnlock()

	timestamp := uint64(time.Now().UnixMilli())
	sent := 0
	for _, s := range targets {
		if s.SendData(payload, MintMessageID(), timestamp) {
			sent++
		}
	}
	for _, s := range parked {
		if dropped := s.buffer.Push(payload, MintMessageID(), timestamp); dropped > 0 {
			monitoring.RecordOverflowDrops(dropped)
			m.logger.Debug().
				Str("session_id", s.ID).
				Int("dropped", dropped).
				Msg("Suspension buffer overflow")
		}
		monitoring.RecordBuffered()
	}
	return sent
}

// Get returns the attached session for id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.attached[id]
	return s, ok
}

// Suspended reports whether id is currently suspended.
func (m *Manager) Suspended(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.suspended[id]
	return ok
}

// AttachedSnapshot copies the attached set for lock-free iteration.
func (m *Manager) AttachedSnapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.attached))
	for _, s := range m.attached {
		out = append(out, s)
	}
	return out
}

// Counts returns the attached and suspended cardinalities.
func (m *Manager) Counts() (attached, suspended int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.attached), len(m.suspended)
}

// CloseAll tears down every session for server shutdown.
func (m *Manager) CloseAll(code uint16, reason string) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.attached)+len(m.suspended))
	for _, s := range m.attached {
		sessions = append(sessions, s)
	}
	for _, s := range m.suspended {
		sessions = append(sessions, s)
	}
	m.attached = make(map[string]*Session)
	m.suspended = make(map[string]*Session)
	m.updateGaugesLocked()
	m.mu.Unlock()

	for _, s := range sessions {
		if t := s.detach(code, reason); t != nil {
			t.Close(code, reason)
		}
		m.events.Disconnection(s, reason)
	}
}

// updateGaugesLocked refreshes the session gauges. Caller holds m.mu.
func (m *Manager) updateGaugesLocked() {
	monitoring.UpdateSessionGauges(len(m.attached), len(m.suspended))
}

// MintMessageID produces a server-originated message id: milliseconds since
// epoch scaled by 1000 plus a random component. Monotone within a session
// modulo clock moves; not unique across sessions.
func MintMessageID() uint64 {
	return uint64(time.Now().UnixMilli())*1000 + rand.Uint64N(1000)
}
