package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/adred-codev/ws_session/internal/monitoring"
)

const (
	// Time allowed to write a frame to the peer before the connection is
	// considered stuck.
	writeWait = 5 * time.Second

	// Consecutive send-queue overflows before a connection is closed as a
	// slow client.
	slowClientStrikes = 3
)

// outFrame is one queued write: an opcode plus its payload.
type outFrame struct {
	op   ws.OpCode
	data []byte
}

// conn wraps one upgraded WebSocket connection. It implements
// session.Transport: sends enqueue to a bounded queue drained by a single
// writer goroutine, so concurrent sends never interleave frames.
type conn struct {
	id     string
	ip     string
	raw    net.Conn
	server *Server
	logger zerolog.Logger

	send    chan outFrame
	closing chan struct{}

	closeOnce sync.Once
	strikes   int32
	text      atomic.Bool

	// session id bound by Connect/Reconnect dispatch; empty before that.
	sessionMu sync.Mutex
	sessionID string

	connectedAt time.Time
}

func newConn(id, ip string, raw net.Conn, s *Server) *conn {
	return &conn{
		id:          id,
		ip:          ip,
		raw:         raw,
		server:      s,
		logger:      s.logger.With().Str("conn_id", id).Str("client_ip", ip).Logger(),
		send:        make(chan outFrame, s.cfg.SendQueueSize),
		closing:     make(chan struct{}),
		connectedAt: time.Now(),
	}
}

// Send enqueues one application frame, using the client's framing mode for
// the opcode. Never blocks: on queue overflow the frame is dropped, a strike
// is recorded, and after three consecutive strikes the connection closes.
func (c *conn) Send(frame []byte) bool {
	select {
	case <-c.closing:
		return false
	default:
	}

	op := ws.OpBinary
	if c.text.Load() {
		op = ws.OpText
	}

	select {
	case c.send <- outFrame{op: op, data: frame}:
		atomic.StoreInt32(&c.strikes, 0)
		return true
	default:
		strikes := atomic.AddInt32(&c.strikes, 1)
		if strikes >= slowClientStrikes {
			monitoring.RecordSlowClientDisconnect()
			c.logger.Warn().
				Int32("strikes", strikes).
				Msg("Slow client, closing connection")
			c.Close(1013, monitoring.DisconnectReasonSlowClient)
		}
		return false
	}
}

// Ping enqueues a transport-level ping frame.
func (c *conn) Ping() bool {
	select {
	case <-c.closing:
		return false
	default:
	}
	select {
	case c.send <- outFrame{op: ws.OpPing}:
		return true
	default:
		return false
	}
}

// Close shuts the connection down once, sending a close frame with the given
// code and reason. Safe from any goroutine.
func (c *conn) Close(code uint16, reason string) {
	c.closeOnce.Do(func() {
		close(c.closing)
		body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
		select {
		case c.send <- outFrame{op: ws.OpClose, data: body}:
		default:
			// Queue full: write the close frame directly and cut the socket.
			// The writer goroutine exits on its next write error.
			c.raw.SetWriteDeadline(time.Now().Add(writeWait))
			_ = wsutil.WriteServerMessage(c.raw, ws.OpClose, body)
			c.raw.Close()
		}
	})
}

// RemoteIP returns the client IP resolved at upgrade time.
func (c *conn) RemoteIP() string {
	return c.ip
}

func (c *conn) bindSession(id string) {
	c.sessionMu.Lock()
	c.sessionID = id
	c.sessionMu.Unlock()
}

func (c *conn) boundSession() string {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.sessionID
}
