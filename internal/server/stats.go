package server

import (
	"sync/atomic"
	"time"

	"github.com/adred-codev/ws_session/internal/pool"
)

// stats carries the server's atomic counters.
type stats struct {
	startTime time.Time

	totalConnections  int64
	messagesReceived  int64
	messagesSent      int64
	bytesReceived     int64
	bytesSent         int64
	rateLimitedFrames int64
}

func (st *stats) addConnection() {
	atomic.AddInt64(&st.totalConnections, 1)
}

func (st *stats) addReceived(size int) {
	atomic.AddInt64(&st.messagesReceived, 1)
	atomic.AddInt64(&st.bytesReceived, int64(size))
}

func (st *stats) addSent(size int) {
	atomic.AddInt64(&st.messagesSent, 1)
	atomic.AddInt64(&st.bytesSent, int64(size))
}

func (st *stats) addRateLimited() {
	atomic.AddInt64(&st.rateLimitedFrames, 1)
}

// StatsSnapshot is the point-in-time view served by /health and Stats().
type StatsSnapshot struct {
	ConnectedClients  int        `json:"connectedClients"`
	SuspendedSessions int        `json:"suspendedSessions"`
	TotalConnections  int64      `json:"totalConnections"`
	MessagesReceived  int64      `json:"messagesReceived"`
	MessagesSent      int64      `json:"messagesSent"`
	BytesReceived     int64      `json:"bytesReceived"`
	BytesSent         int64      `json:"bytesSent"`
	RateLimitedFrames int64      `json:"rateLimitedFrames"`
	UptimeSeconds     float64    `json:"uptimeSeconds"`
	Pool              pool.Stats `json:"pool"`
}

// Stats snapshots the server's counters, session cardinalities, and pool
// statistics.
func (s *Server) Stats() StatsSnapshot {
	attached, suspended := s.sessions.Counts()
	return StatsSnapshot{
		ConnectedClients:  attached,
		SuspendedSessions: suspended,
		TotalConnections:  atomic.LoadInt64(&s.stats.totalConnections),
		MessagesReceived:  atomic.LoadInt64(&s.stats.messagesReceived),
		MessagesSent:      atomic.LoadInt64(&s.stats.messagesSent),
		BytesReceived:     atomic.LoadInt64(&s.stats.bytesReceived),
		BytesSent:         atomic.LoadInt64(&s.stats.bytesSent),
		RateLimitedFrames: atomic.LoadInt64(&s.stats.rateLimitedFrames),
		UptimeSeconds:     time.Since(s.stats.startTime).Seconds(),
		Pool:              s.pool.Stats(),
	}
}
