package server

import (
	"errors"
	"time"

	"github.com/adred-codev/ws_session/internal/monitoring"
	"github.com/adred-codev/ws_session/internal/pool"
	"github.com/adred-codev/ws_session/internal/protocol"
	"github.com/adred-codev/ws_session/internal/session"
)

// dispatch classifies and routes one inbound application frame. The
// WebSocket opcode is the primary binary/text discriminator; the first-byte
// heuristic applies only when a binary-opcode parse fails on a frame that
// looks like JSON.
func (s *Server) dispatch(c *conn, payload []byte, textFrame bool) {
	var msg protocol.Message
	var err error
	if textFrame {
		c.text.Store(true)
		msg, err = protocol.DecodeText(payload)
	} else {
		msg, err = protocol.Decode(payload)
		if err != nil && errors.Is(err, protocol.ErrInvalidFrame) && protocol.HasJSONPrefix(payload) {
			c.text.Store(true)
			textFrame = true
			msg, err = protocol.DecodeText(payload)
		}
	}
	if err != nil {
		monitoring.RecordProtocolError(protocolErrorKind(err))
		s.logger.Warn().
			Str("conn_id", c.id).
			Str("client_ip", c.ip).
			Err(err).
			Msg("Undecodable frame dropped")
		s.sendError(c, 400, "Invalid message")
		return
	}

	switch msg.Type {
	case protocol.TypeConnect:
		s.handleConnect(c, msg.Connect, textFrame)
	case protocol.TypeReconnect:
		s.handleReconnect(c, msg.Reconnect, textFrame)
	case protocol.TypeDisconnect:
		s.handleDisconnect(c, msg.Disconnect)
	case protocol.TypeHeartbeat:
		s.handleHeartbeat(c)
	case protocol.TypeData:
		s.handleData(c, msg.Data, len(payload))
	case protocol.TypeError:
		s.logger.Warn().
			Str("conn_id", c.id).
			Uint16("code", msg.Error.Code).
			Str("message", msg.Error.Message).
			Msg("Error frame from client")
	}
}

func (s *Server) handleConnect(c *conn, p protocol.ConnectPayload, text bool) {
	// One session per transport: a bound connection cannot open another.
	if c.boundSession() != "" {
		s.sendError(c, 409, "Connection already bound to a session")
		return
	}
	if _, ok := s.sessions.Get(p.SessionID); ok {
		s.sendError(c, 409, "Session already connected")
		return
	}

	if _, err := s.pool.Acquire(p.SessionID); err != nil {
		if errors.Is(err, pool.ErrPoolFull) {
			s.logger.Warn().
				Str("session_id", p.SessionID).
				Str("client_ip", c.ip).
				Msg("Connect rejected, pool full")
			c.Close(1013, "server_at_capacity")
			return
		}
		s.events.Error(err)
		s.sendError(c, 500, "Internal error")
		return
	}

	sess, err := s.sessions.Connect(p.SessionID, c, text, p.ClientVersion)
	if err != nil {
		// Lost the race with a concurrent Connect for the same id.
		s.sendError(c, 409, "Session already connected")
		return
	}
	c.bindSession(sess.ID)

	s.logger.Info().
		Str("session_id", sess.ID).
		Str("client_version", p.ClientVersion).
		Str("client_ip", c.ip).
		Bool("text_mode", text).
		Msg("Session connected")
}

func (s *Server) handleReconnect(c *conn, p protocol.ReconnectPayload, text bool) {
	if c.boundSession() != "" {
		s.sendError(c, 409, "Connection already bound to a session")
		return
	}
	if _, err := s.pool.Acquire(p.SessionID); err != nil {
		if errors.Is(err, pool.ErrPoolFull) {
			c.Close(1013, "server_at_capacity")
			return
		}
		s.events.Error(err)
		s.sendError(c, 500, "Internal error")
		return
	}

	sess, replayed, err := s.sessions.Reconnect(p.SessionID, c, text)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		s.pool.Remove(p.SessionID)
		s.sendError(c, 404, "Session not found")
		return
	case errors.Is(err, session.ErrDuplicateSession):
		s.sendError(c, 409, "Session already connected")
		return
	case err != nil:
		s.events.Error(err)
		s.sendError(c, 500, "Internal error")
		return
	}
	c.bindSession(sess.ID)

	s.logger.Info().
		Str("session_id", sess.ID).
		Int("replayed", replayed).
		Str("client_ip", c.ip).
		Msg("Session resumed")
}

func (s *Server) handleDisconnect(c *conn, p protocol.DisconnectPayload) {
	id := c.boundSession()
	if id == "" {
		c.Close(1000, monitoring.DisconnectReasonClientInitiated)
		return
	}
	s.logger.Info().
		Str("session_id", id).
		Str("reason", p.Reason).
		Msg("Explicit disconnect")
	monitoring.RecordDisconnect(monitoring.DisconnectReasonClientInitiated,
		monitoring.DisconnectInitiatedByClient, time.Since(c.connectedAt))
	s.sessions.CloseImmediate(id, 1000, monitoring.DisconnectReasonClientInitiated)
	s.pool.Remove(id)
	c.bindSession("")
}

func (s *Server) handleHeartbeat(c *conn) {
	now := time.Now()
	if id := c.boundSession(); id != "" {
		if sess, ok := s.sessions.Get(id); ok {
			sess.TouchHeartbeat(now)
			s.pool.Touch(id)
		}
	}

	ts := uint64(now.UnixMilli())
	if c.text.Load() {
		c.Send(protocol.EncodeTextHeartbeatResponse(ts))
	} else {
		c.Send(protocol.EncodeHeartbeat(ts))
	}
}

func (s *Server) handleData(c *conn, p protocol.DataPayload, frameSize int) {
	id := c.boundSession()
	if id == "" {
		s.sendError(c, 401, "Not authenticated")
		return
	}
	sess, ok := s.sessions.Get(id)
	if !ok {
		s.sendError(c, 401, "Not authenticated")
		return
	}

	// Rate and DoS limits apply to Data frames in production only.
	if s.cfg.Production() && !s.limiter.Allow(c.ip, frameSize) {
		s.stats.addRateLimited()
		return
	}

	sess.ObserveMessageID(p.MessageID)
	sess.TouchHeartbeat(time.Now())
	s.pool.Touch(id)

	// The payload aliases the read buffer; copy before it escapes dispatch.
	payload := make([]byte, len(p.Payload))
	copy(payload, p.Payload)
	s.events.Message(payload, p.MessageID, p.Timestamp, sess)
}

// sendError delivers a protocol-level Error frame in the client's mode.
func (s *Server) sendError(c *conn, code uint16, message string) {
	if c.text.Load() {
		c.Send(protocol.EncodeTextError(code, message))
		return
	}
	frame, err := protocol.EncodeError(code, message)
	if err != nil {
		return
	}
	c.Send(frame)
}

func protocolErrorKind(err error) string {
	switch {
	case errors.Is(err, protocol.ErrEmptyMessage):
		return "empty_message"
	case errors.Is(err, protocol.ErrMessageTooLarge):
		return "message_too_large"
	default:
		return "invalid_frame"
	}
}
