// Package limits enforces the per-client security limits: a token-bucket
// rate limiter and a DoS heuristic, both keyed by client IP taken from the
// upgrade request.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/ws_session/internal/monitoring"
)

// DoS heuristic thresholds. A client over dosRequestThreshold requests in
// the current window, or sending frames above dosLargeFrameBytes while over
// dosLargeFrameMinReqs recent requests, is flagged and its frames dropped.
const (
	dosRequestThreshold  = 500
	dosLargeFrameBytes   = 32 * 1024
	dosLargeFrameMinReqs = 10

	cleanupInterval = time.Minute
	entryTTL        = 5 * time.Minute
)

// Config sizes the limiter.
type Config struct {
	Window      time.Duration // rate window, default 1 minute
	MaxRequests int           // allowed requests per window, default 10000
	Logger      zerolog.Logger
}

// clientEntry tracks one IP's bucket and windowed counters.
type clientEntry struct {
	limiter     *rate.Limiter
	windowStart time.Time
	requests    int
	flagged     bool
	lastAccess  time.Time
}

// RateLimiter is safe for concurrent use. Stop must be called to end the
// cleanup goroutine.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*clientEntry

	window      time.Duration
	maxRequests int
	logger      zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

// NewRateLimiter builds a limiter and starts its stale-entry cleanup loop.
func NewRateLimiter(config Config) *RateLimiter {
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.MaxRequests <= 0 {
		config.MaxRequests = 10000
	}

	rl := &RateLimiter{
		entries:     make(map[string]*clientEntry),
		window:      config.Window,
		maxRequests: config.MaxRequests,
		logger:      config.Logger.With().Str("component", "rate_limiter").Logger(),
		stopCleanup: make(chan struct{}),
	}

	rl.cleanupTicker = time.NewTicker(cleanupInterval)
	go rl.cleanupLoop()

	rl.logger.Info().
		Dur("window", rl.window).
		Int("max_requests", rl.maxRequests).
		Msg("Rate limiter initialized")
	return rl
}

// Allow records one frame of frameSize bytes from ip and reports whether it
// may proceed. A false return means the frame must be dropped; the reason is
// either the token bucket or the DoS heuristic.
func (rl *RateLimiter) Allow(ip string, frameSize int) bool {
	now := time.Now()

	rl.mu.Lock()
	e := rl.getEntryLocked(ip, now)

	if now.Sub(e.windowStart) > rl.window {
		e.windowStart = now
		e.requests = 0
		e.flagged = false
	}
	e.requests++
	e.lastAccess = now

	if e.flagged {
		rl.mu.Unlock()
		return false
	}

	if e.requests > dosRequestThreshold ||
		(frameSize > dosLargeFrameBytes && e.requests > dosLargeFrameMinReqs) {
		e.flagged = true
		requests := e.requests
		rl.mu.Unlock()

		monitoring.RecordDoSFlagged()
		rl.logger.Warn().
			Str("ip", ip).
			Int("recent_requests", requests).
			Int("frame_size", frameSize).
			Msg("Client flagged by DoS heuristic")
		return false
	}

	limiter := e.limiter
	rl.mu.Unlock()

	if !limiter.Allow() {
		monitoring.RecordRateLimited()
		rl.logger.Warn().
			Str("ip", ip).
			Int("max_requests", rl.maxRequests).
			Dur("window", rl.window).
			Msg("Client rate limited")
		return false
	}
	return true
}

// Flagged reports whether ip is currently held by the DoS heuristic.
func (rl *RateLimiter) Flagged(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	e, ok := rl.entries[ip]
	return ok && e.flagged && time.Since(e.windowStart) <= rl.window
}

// TrackedClients reports how many IPs are currently tracked.
func (rl *RateLimiter) TrackedClients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}

// getEntryLocked returns the entry for ip, creating it on first sight.
func (rl *RateLimiter) getEntryLocked(ip string, now time.Time) *clientEntry {
	e, ok := rl.entries[ip]
	if ok {
		return e
	}
	perSecond := float64(rl.maxRequests) / rl.window.Seconds()
	burst := rl.maxRequests / 10
	if burst < 1 {
		burst = 1
	}
	e = &clientEntry{
		limiter:     rate.NewLimiter(rate.Limit(perSecond), burst),
		windowStart: now,
		lastAccess:  now,
	}
	rl.entries[ip] = e
	return e
}

func (rl *RateLimiter) cleanupLoop() {
	for {
		select {
		case <-rl.cleanupTicker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			rl.cleanupTicker.Stop()
			return
		}
	}
}

// cleanup drops IPs not seen within entryTTL.
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0
	for ip, e := range rl.entries {
		if now.Sub(e.lastAccess) > entryTTL {
			delete(rl.entries, ip)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(rl.entries)).
			Msg("Cleaned up stale rate limiter entries")
	}
}
