package server

import (
	"io"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/ws_session/internal/monitoring"
)

// readPump is the per-connection reader goroutine. It uses a frame-level
// reader rather than the message helpers so pong frames stay visible: the
// heartbeat controller needs them for latency samples.
func (s *Server) readPump(c *conn) {
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"conn_id": c.id,
	})
	defer s.teardownConn(c)

	// The read deadline is refreshed on every frame; a peer that stays
	// silent past two maximum heartbeat intervals is considered gone.
	readWait := 2 * s.cfg.MaxHeartbeatInterval
	reader := wsutil.NewReader(c.raw, ws.StateServerSide)

	for {
		select {
		case <-c.closing:
			return
		case <-s.ctx.Done():
			return
		default:
		}

		c.raw.SetReadDeadline(time.Now().Add(readWait))
		hdr, err := reader.NextFrame()
		if err != nil {
			return
		}

		switch hdr.OpCode {
		case ws.OpText, ws.OpBinary:
			if hdr.Length > int64(s.cfg.MaxPayloadBytes) {
				// Drain the oversized frame so the stream stays in sync,
				// then reject it.
				io.Copy(io.Discard, reader)
				s.stats.addReceived(int(hdr.Length))
				monitoring.RecordProtocolError("message_too_large")
				s.sendError(c, 400, "Message too large")
				continue
			}
			payload, err := io.ReadAll(reader)
			if err != nil {
				return
			}
			s.stats.addReceived(len(payload))
			monitoring.RecordInbound(len(payload))
			s.dispatch(c, payload, hdr.OpCode == ws.OpText)

		case ws.OpPing:
			payload, err := io.ReadAll(reader)
			if err != nil {
				return
			}
			select {
			case c.send <- outFrame{op: ws.OpPong, data: payload}:
			default:
			}

		case ws.OpPong:
			io.Copy(io.Discard, reader)
			s.handlePong(c)

		case ws.OpClose:
			io.Copy(io.Discard, reader)
			return

		default:
			io.Copy(io.Discard, reader)
		}
	}
}

// handlePong resolves an outstanding heartbeat ping into a latency sample.
func (s *Server) handlePong(c *conn) {
	id := c.boundSession()
	if id == "" {
		return
	}
	sess, ok := s.sessions.Get(id)
	if !ok {
		return
	}
	latency, outstanding := sess.HandlePong(time.Now())
	if !outstanding {
		return
	}
	sess.Quality.RecordLatency(latency)
	sess.Quality.ResetMissed()
	monitoring.RecordHeartbeatLatency(latency)
}
