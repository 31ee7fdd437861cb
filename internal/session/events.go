package session

import "github.com/rs/zerolog"

// Events is the capability surface the embedder implements to observe the
// server. Dispatch is synchronous on the calling goroutine; implementations
// must not block.
type Events interface {
	Connection(s *Session)
	Disconnection(s *Session, reason string)
	Message(payload []byte, messageID, timestamp uint64, s *Session)
	Error(err error)
}

// NopEvents discards every event.
type NopEvents struct{}

func (NopEvents) Connection(*Session)                      {}
func (NopEvents) Disconnection(*Session, string)           {}
func (NopEvents) Message([]byte, uint64, uint64, *Session) {}
func (NopEvents) Error(error)                              {}

// LogEvents writes every event through a zerolog logger.
type LogEvents struct {
	Logger zerolog.Logger
}

func (l LogEvents) Connection(s *Session) {
	l.Logger.Info().Str("session_id", s.ID).Msg("Session connected")
}

func (l LogEvents) Disconnection(s *Session, reason string) {
	l.Logger.Info().Str("session_id", s.ID).Str("reason", reason).Msg("Session disconnected")
}

func (l LogEvents) Message(payload []byte, messageID, timestamp uint64, s *Session) {
	l.Logger.Debug().
		Str("session_id", s.ID).
		Uint64("message_id", messageID).
		Uint64("timestamp", timestamp).
		Int("payload_bytes", len(payload)).
		Msg("Message received")
}

func (l LogEvents) Error(err error) {
	l.Logger.Error().Err(err).Msg("Server error event")
}
