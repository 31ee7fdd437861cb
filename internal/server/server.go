// Package server is the core: it accepts WebSocket upgrades under the
// admission policy, dispatches decoded frames to the session manager, and
// drives the heartbeat, quality, and cleanup loops.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/ws_session/internal/config"
	"github.com/adred-codev/ws_session/internal/limits"
	"github.com/adred-codev/ws_session/internal/monitoring"
	"github.com/adred-codev/ws_session/internal/pool"
	"github.com/adred-codev/ws_session/internal/quality"
	"github.com/adred-codev/ws_session/internal/session"
)

// shutdownGrace bounds how long Shutdown waits for pump goroutines.
const shutdownGrace = 10 * time.Second

// Server owns all mutable state: the session manager, the connection pool,
// the security limits, and the network listener. Instances are independent;
// nothing is shared at package level.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	instanceID string

	sessions *session.Manager
	pool     *pool.Pool
	limiter  *limits.RateLimiter
	sysmon   *monitoring.SystemMonitor
	events   session.Events

	listener   net.Listener
	httpServer *http.Server
	conns      sync.Map // *conn -> struct{}
	connsSem   chan struct{}

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown int32

	stats stats
}

// New wires a server from configuration. The events sink may be nil; the
// embedder then observes nothing (a logging sink ships in the session
// package).
func New(cfg *config.Config, logger zerolog.Logger, events session.Events) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	if events == nil {
		events = session.NopEvents{}
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger.With().Str("component", "server").Logger(),
		instanceID: uuid.NewString(),
		events:     events,
		connsSem:   make(chan struct{}, cfg.MaxConnections),
		ctx:        ctx,
		cancel:     cancel,
		stats:      stats{startTime: time.Now()},
	}

	s.sessions = session.NewManager(session.Config{
		SessionTimeout:    cfg.SessionTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Quality: quality.Config{
			WindowSize:  cfg.LatencyWindowSize,
			MinInterval: cfg.MinHeartbeatInterval,
			MaxInterval: cfg.MaxHeartbeatInterval,
			Adaptive:    cfg.AdaptiveHeartbeat,
		},
		MaxBufferedMessages: cfg.MaxBufferedMessages,
		MaxBufferedBytes:    cfg.MaxBufferedBytes,
		BufferingEnabled:    cfg.BufferingEnabled,
	}, events, logger)

	s.pool = pool.New(pool.Config{
		MaxConnections:     cfg.MaxConnections,
		DefaultIdleTimeout: cfg.IdleTimeout,
		OnClose:            s.onPoolClose,
	})

	s.limiter = limits.NewRateLimiter(limits.Config{
		Window:      cfg.RateLimitWindow,
		MaxRequests: cfg.RateLimitMaxRequests,
		Logger:      logger,
	})

	s.sysmon = monitoring.NewSystemMonitor(logger, cfg.MetricsInterval)

	s.logger.Info().
		Str("instance_id", s.instanceID).
		Str("addr", cfg.Addr()).
		Int("max_connections", cfg.MaxConnections).
		Msg("Server initialized")
	return s
}

// Start opens the listener and launches the serve and timer loops. Returns
// once the server is accepting; errors only when the listener cannot bind.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", monitoring.MetricsHandler())

	s.httpServer = &http.Server{
		Handler:        mux,
		ReadTimeout:    30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Serve loop error")
			s.events.Error(err)
		}
	}()

	s.wg.Add(3)
	go s.heartbeatLoop()
	go s.qualityLoop()
	go s.cleanupLoop()

	s.sysmon.Start()

	s.logger.Info().
		Str("addr", listener.Addr().String()).
		Msg("Server listening")
	return nil
}

// Addr returns the bound listener address. Valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// SendData delivers payload to one session, buffering when it is suspended.
func (s *Server) SendData(sessionID string, payload []byte) bool {
	return s.sessions.SendData(sessionID, payload)
}

// Broadcast sends payload to every attached session except exclude. Returns
// the number of successful sends.
func (s *Server) Broadcast(payload []byte, exclude string) int {
	return s.sessions.Broadcast(payload, exclude)
}

// Shutdown drains the server: stop intake, close all sessions with close
// code 1000, stop timers, and wait for pumps within the grace period.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	atomic.StoreInt32(&s.shuttingDown, 1)

	if s.listener != nil {
		s.listener.Close()
	}

	s.sessions.CloseAll(1000, "Server shutdown")
	s.conns.Range(func(key, _ any) bool {
		key.(*conn).Close(1000, monitoring.DisconnectReasonServerShutdown)
		return true
	})

	s.cancel()
	s.pool.Close()
	s.limiter.Stop()
	s.sysmon.Stop()

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("Graceful shutdown completed")
	case <-time.After(shutdownGrace):
		s.logger.Warn().Msg("Shutdown grace period expired")
	}
	return nil
}

// teardownConn runs when a read pump exits: release the capacity slot and
// suspend the bound session if this connection still owns it.
func (s *Server) teardownConn(c *conn) {
	c.Close(1000, monitoring.DisconnectReasonReadError)
	s.conns.Delete(c)
	select {
	case <-s.connsSem:
	default:
	}

	id := c.boundSession()
	if id == "" {
		return
	}
	if _, ok := s.sessions.Detach(id, c, 1006, monitoring.DisconnectReasonReadError); ok {
		monitoring.RecordDisconnect(monitoring.DisconnectReasonReadError,
			monitoring.DisconnectInitiatedByClient, time.Since(c.connectedAt))
		s.pool.MarkIdle(id)
		s.logger.Info().
			Str("session_id", id).
			Msg("Transport lost, session suspended")
	}
}

// onPoolClose reacts to pool-initiated closures. A forced (LRU) close
// destroys the suspended session; an idle timeout only releases the slot,
// leaving the session to the session-timeout sweep.
func (s *Server) onPoolClose(clientID string, reason pool.CloseReason) {
	monitoring.RecordPoolClosure(string(reason))
	switch reason {
	case pool.CloseForced:
		s.logger.Info().
			Str("session_id", clientID).
			Msg("Pool pressure, evicting session")
		s.sessions.Destroy(clientID, monitoring.DisconnectReasonForcedClose)
	case pool.CloseTimeout:
		s.logger.Debug().
			Str("session_id", clientID).
			Msg("Pool entry idle timeout")
	}
}

// heartbeatLoop ticks at the minimum heartbeat interval so per-session
// adaptive intervals below the base cadence are honored. Sessions whose
// interval has elapsed get a ping; sessions that never answered the last
// ping accrue a missed heartbeat and may be force-disconnected.
func (s *Server) heartbeatLoop() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "heartbeatLoop", nil)

	ticker := time.NewTicker(s.cfg.MinHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.heartbeatPass(time.Now())
		case <-s.ctx.Done():
			return
		}
	}
}

// heartbeatPass runs one sweep over the attached sessions.
func (s *Server) heartbeatPass(now time.Time) {
	for _, sess := range s.sessions.AttachedSnapshot() {
		if !sess.PingDue(now) {
			continue
		}

		if !sess.Alive() {
			sess.Quality.RecordMissed()
			monitoring.RecordMissedHeartbeat()
			if sess.Quality.Action() == quality.ActionDisconnect {
				s.logger.Warn().
					Str("session_id", sess.ID).
					Float64("score", sess.Quality.Score()).
					Msg("Connection quality too poor, disconnecting")
				monitoring.RecordDisconnect(monitoring.DisconnectReasonConnectionQuality,
					monitoring.DisconnectInitiatedByServer, time.Since(sess.ConnectedAt()))
				s.sessions.CloseImmediate(sess.ID, 1000, monitoring.DisconnectReasonConnectionQuality)
				s.pool.Remove(sess.ID)
				continue
			}
		}

		sess.MarkPinged(now)
		sess.Ping()
	}
}

// qualityLoop periodically surfaces degraded sessions and refreshes pool
// gauges.
func (s *Server) qualityLoop() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "qualityLoop", nil)

	ticker := time.NewTicker(s.cfg.QualityCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			degraded := 0
			for _, sess := range s.sessions.AttachedSnapshot() {
				snap := sess.Quality.Snapshot()
				if snap.Score < s.cfg.QualityThreshold {
					degraded++
					s.logger.Debug().
						Str("session_id", sess.ID).
						Float64("score", snap.Score).
						Float64("latency_ms", snap.Latency).
						Float64("jitter_ms", snap.Jitter).
						Float64("packet_loss", snap.PacketLoss).
						Dur("interval", snap.Interval).
						Msg("Degraded connection quality")
				}
			}
			monitoring.SetDegradedSessions(degraded)

			ps := s.pool.Stats()
			monitoring.UpdatePoolGauges(ps.Size, ps.HitRate)

		case <-s.ctx.Done():
			return
		}
	}
}

// cleanupLoop expires suspended sessions past the session timeout. Ticks at
// half the timeout so expiry lag stays bounded.
func (s *Server) cleanupLoop() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "cleanupLoop", nil)

	ticker := time.NewTicker(s.cfg.SessionTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			expired := s.sessions.ExpireBefore(time.Now())
			for _, id := range expired {
				s.pool.Remove(id)
			}
			if len(expired) > 0 {
				s.logger.Info().
					Int("expired", len(expired)).
					Msg("Expired suspended sessions")
			}
		case <-s.ctx.Done():
			return
		}
	}
}
