package server

import (
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/google/uuid"

	"github.com/adred-codev/ws_session/internal/monitoring"
)

// suspiciousAgents rejects obvious automation at the upgrade boundary.
var suspiciousAgents = []string{"bot", "crawler", "spider", "scraper", "curl", "wget"}

// handleWebSocket admits and upgrades one connection. Every rejection gets a
// 4xx, a structured security log event, and a rejection metric.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r)

	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if reason := s.checkUpgradeRequest(r); reason != "" {
		s.rejectUpgrade(w, r, clientIP, reason)
		return
	}

	// Capacity gate: the semaphore bounds live connections, matching the
	// attached-session ceiling. Suspended sessions are not counted.
	select {
	case s.connsSem <- struct{}{}:
	default:
		monitoring.RecordRejection("capacity")
		s.logger.Warn().
			Str("client_ip", clientIP).
			Int("max_connections", s.cfg.MaxConnections).
			Msg("Connection rejected, at capacity")
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connsSem
		monitoring.RecordRejection("upgrade_failed")
		s.logger.Warn().
			Err(err).
			Str("client_ip", clientIP).
			Msg("WebSocket upgrade failed")
		return
	}

	c := newConn(uuid.NewString(), clientIP, raw, s)
	s.conns.Store(c, struct{}{})
	s.stats.addConnection()
	monitoring.RecordConnection()

	s.logger.Debug().
		Str("conn_id", c.id).
		Str("client_ip", clientIP).
		Msg("Connection upgraded")

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.writePump(c)
	}()
	go func() {
		defer s.wg.Done()
		s.readPump(c)
	}()
}

// checkUpgradeRequest runs the admission policy. Returns the rejection
// reason, or empty when the request passes.
func (s *Server) checkUpgradeRequest(r *http.Request) string {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return "bad_upgrade_header"
	}
	if !headerContainsToken(r.Header.Get("Connection"), "upgrade") {
		return "bad_connection_header"
	}
	if len(r.Header.Get("Sec-WebSocket-Key")) != 24 {
		return "bad_websocket_key"
	}

	ua := r.Header.Get("User-Agent")
	if len(ua) < 10 {
		return "missing_user_agent"
	}
	lower := strings.ToLower(ua)
	for _, pattern := range suspiciousAgents {
		if strings.Contains(lower, pattern) {
			return "suspicious_user_agent"
		}
	}

	if origin := r.Header.Get("Origin"); origin != "" && !s.originAllowed(origin) {
		return "origin_not_allowed"
	}
	return ""
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" && !s.cfg.Production() {
			return true
		}
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) rejectUpgrade(w http.ResponseWriter, r *http.Request, clientIP, reason string) {
	monitoring.RecordRejection(reason)
	s.logger.Warn().
		Str("client_ip", clientIP).
		Str("reason", reason).
		Str("user_agent", r.Header.Get("User-Agent")).
		Str("origin", r.Header.Get("Origin")).
		Msg("Upgrade rejected by admission policy")

	status := http.StatusBadRequest
	if reason == "origin_not_allowed" || reason == "suspicious_user_agent" || reason == "missing_user_agent" {
		status = http.StatusForbidden
	}
	http.Error(w, "Upgrade rejected", status)
}

// headerContainsToken reports whether a comma-separated header value carries
// the token (case-insensitive).
func headerContainsToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// getClientIP extracts the client IP from the upgrade request, preferring
// the first X-Forwarded-For hop behind load balancers.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
