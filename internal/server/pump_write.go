package server

import (
	"bufio"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/ws_session/internal/monitoring"
)

// writePump drains the connection's send queue. It is the only goroutine
// writing to the socket. Application frames are batched through a buffered
// writer to reduce syscalls; control frames flush immediately.
func (s *Server) writePump(c *conn) {
	defer monitoring.RecoverPanic(s.logger, "writePump", map[string]any{
		"conn_id": c.id,
	})
	defer c.raw.Close()

	writer := bufio.NewWriterSize(c.raw, s.cfg.BufferSize)

	for {
		select {
		case frame := <-c.send:
			c.raw.SetWriteDeadline(time.Now().Add(writeWait))

			if frame.op == ws.OpClose {
				if err := wsutil.WriteServerMessage(c.raw, ws.OpClose, frame.data); err != nil {
					c.logger.Debug().Err(err).Msg("Failed to write close frame")
				}
				return
			}

			if err := c.writeFrame(writer, frame); err != nil {
				c.logger.Debug().Err(err).Msg("Failed to write frame")
				return
			}

			// Batch whatever else is already queued before flushing.
			n := len(c.send)
			for i := 0; i < n; i++ {
				frame = <-c.send
				if frame.op == ws.OpClose {
					writer.Flush()
					c.raw.SetWriteDeadline(time.Now().Add(writeWait))
					_ = wsutil.WriteServerMessage(c.raw, ws.OpClose, frame.data)
					return
				}
				if err := c.writeFrame(writer, frame); err != nil {
					c.logger.Debug().Err(err).Msg("Failed to write frame")
					return
				}
			}

			if err := writer.Flush(); err != nil {
				c.logger.Debug().Err(err).Msg("Failed to flush writer")
				return
			}

		case <-s.ctx.Done():
			return
		}
	}
}

func (c *conn) writeFrame(w *bufio.Writer, frame outFrame) error {
	if err := wsutil.WriteServerMessage(w, frame.op, frame.data); err != nil {
		return err
	}
	if frame.op == ws.OpText || frame.op == ws.OpBinary {
		c.server.stats.addSent(len(frame.data))
		monitoring.RecordOutbound(len(frame.data))
	}
	return nil
}
