// Package pool manages reusable connection slots keyed by client id, with
// idle-only LRU eviction under capacity pressure and adaptive idle timeouts
// derived from per-client behavior profiles.
package pool

import (
	"errors"
	"sync"
	"time"
)

// ErrPoolFull is returned by Acquire when the pool is at capacity and no
// idle entry can be evicted.
var ErrPoolFull = errors.New("pool full")

// CloseReason labels why the pool closed an entry on its own.
type CloseReason string

const (
	// CloseForced marks an LRU eviction under capacity pressure.
	CloseForced CloseReason = "forced_close"
	// CloseTimeout marks an idle entry whose timer fired.
	CloseTimeout CloseReason = "timeout"
)

// CloseFunc observes pool-initiated closures. Called without the pool lock
// held; implementations may call back into the pool.
type CloseFunc func(clientID string, reason CloseReason)

// Config sizes the pool.
type Config struct {
	MaxConnections     int
	DefaultIdleTimeout time.Duration
	OnClose            CloseFunc
}

const (
	DefaultMaxConnections = 1000
	DefaultIdleTimeout    = 120 * time.Second

	minIdleTimeout     = 30 * time.Second
	maxIdleTimeout     = 300 * time.Second
	unknownIdleCeiling = 10 * time.Second
	recencyHorizon     = 24 * time.Hour
)

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.DefaultIdleTimeout <= 0 {
		c.DefaultIdleTimeout = DefaultIdleTimeout
	}
	return c
}

// entry is one connection slot.
type entry struct {
	clientID     string
	createdAt    time.Time
	lastActivity time.Time
	requestCount int64
	idleTimeout  time.Duration

	idle     bool
	lruStamp time.Time
	lruSeq   uint64
	idleGen  uint64
	timer    *time.Timer
}

// profile accumulates per-client history across connections.
type profile struct {
	totalConnections int64
	totalRequests    int64
	lastSeen         time.Time
}

func (p *profile) reuseRate() float64 {
	if p.totalRequests == 0 {
		return 0
	}
	return float64(p.totalRequests-p.totalConnections) / float64(p.totalRequests)
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size           int
	MaxConnections int
	Hits           int64
	TotalRequests  int64
	HitRate        float64
	Utilization    float64 // percent of capacity in use
	ForcedCloses   int64
	TimeoutCloses  int64
	ReusedConns    int64
	AvgReuseRate   float64 // mean reuse rate across known clients
}

// Pool is safe for concurrent use.
type Pool struct {
	mu       sync.Mutex
	cfg      Config
	entries  map[string]*entry
	profiles map[string]*profile

	lruSeq        uint64
	hits          int64
	totalRequests int64
	forcedCloses  int64
	timeoutCloses int64
	reusedConns   int64
	closed        bool
}

// New builds an empty pool.
func New(cfg Config) *Pool {
	return &Pool{
		cfg:      cfg.withDefaults(),
		entries:  make(map[string]*entry),
		profiles: make(map[string]*profile),
	}
}

// Acquire claims a slot for clientID. Reports whether an existing entry was
// reused. At capacity it evicts the least-recently-used idle entry (closing
// it with CloseForced); with no idle victim it fails with ErrPoolFull.
func (p *Pool) Acquire(clientID string) (reused bool, err error) {
	now := time.Now()
	var evicted string

	p.mu.Lock()
	p.totalRequests++
	prof := p.profiles[clientID]
	if prof == nil {
		prof = &profile{}
		p.profiles[clientID] = prof
	}
	prof.totalRequests++
	prof.lastSeen = now

	if e, ok := p.entries[clientID]; ok {
		p.reactivateLocked(e, now)
		p.hits++
		p.reusedConns++
		p.mu.Unlock()
		return true, nil
	}

	prof.totalConnections++
	if len(p.entries) >= p.cfg.MaxConnections {
		victim := p.oldestIdleLocked()
		if victim == nil {
			p.mu.Unlock()
			return false, ErrPoolFull
		}
		p.removeLocked(victim)
		p.forcedCloses++
		evicted = victim.clientID
	}
	p.entries[clientID] = &entry{
		clientID:     clientID,
		createdAt:    now,
		lastActivity: now,
		requestCount: 1,
		idleTimeout:  p.adaptiveTimeoutLocked(clientID),
		lruStamp:     now,
		lruSeq:       p.nextSeqLocked(),
	}
	p.mu.Unlock()

	if evicted != "" && p.cfg.OnClose != nil {
		p.cfg.OnClose(evicted, CloseForced)
	}
	return false, nil
}

// MarkIdle parks clientID's entry and arms its idle timer. The entry closes
// with CloseTimeout if still idle when the timer fires.
func (p *Pool) MarkIdle(clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[clientID]
	if !ok || e.idle || p.closed {
		return
	}
	e.idle = true
	e.idleGen++
	e.lruStamp = time.Now()
	e.lruSeq = p.nextSeqLocked()

	gen := e.idleGen
	e.timer = time.AfterFunc(e.idleTimeout, func() {
		p.expireIdle(clientID, gen)
	})
}

// Remove drops clientID's entry without invoking the close callback. Used
// when the owner tears the session down itself.
func (p *Pool) Remove(clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[clientID]; ok {
		p.removeLocked(e)
	}
}

// Touch refreshes activity bookkeeping for an active entry.
func (p *Pool) Touch(clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[clientID]; ok && !e.idle {
		e.lastActivity = time.Now()
		e.requestCount++
	}
}

// BehaviorScore rates a client in [0,1] from its profile: reuse dominates,
// request volume and recency contribute the rest.
func (p *Pool) BehaviorScore(clientID string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	prof, ok := p.profiles[clientID]
	if !ok {
		return 0
	}
	volume := float64(prof.totalRequests) / 100
	if volume > 1 {
		volume = 1
	}
	recency := 1 - time.Since(prof.lastSeen).Seconds()/recencyHorizon.Seconds()
	if recency < 0 {
		recency = 0
	}
	return 0.6*prof.reuseRate() + 0.3*volume + 0.1*recency
}

// Stats snapshots counters and derived rates.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Size:           len(p.entries),
		MaxConnections: p.cfg.MaxConnections,
		Hits:           p.hits,
		TotalRequests:  p.totalRequests,
		ForcedCloses:   p.forcedCloses,
		TimeoutCloses:  p.timeoutCloses,
		ReusedConns:    p.reusedConns,
	}
	if p.totalRequests > 0 {
		s.HitRate = float64(p.hits) / float64(p.totalRequests)
	}
	s.Utilization = float64(len(p.entries)) / float64(p.cfg.MaxConnections) * 100
	if len(p.profiles) > 0 {
		var sum float64
		for _, prof := range p.profiles {
			sum += prof.reuseRate()
		}
		s.AvgReuseRate = sum / float64(len(p.profiles))
	}
	return s
}

// IdleTimeout reports the adaptive timeout assigned to an entry; zero when
// absent. Exposed for observability.
func (p *Pool) IdleTimeout(clientID string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[clientID]; ok {
		return e.idleTimeout
	}
	return 0
}

// Close stops all idle timers and empties the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, e := range p.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	p.entries = make(map[string]*entry)
}

func (p *Pool) expireIdle(clientID string, gen uint64) {
	p.mu.Lock()
	e, ok := p.entries[clientID]
	if !ok || !e.idle || e.idleGen != gen || p.closed {
		p.mu.Unlock()
		return
	}
	p.removeLocked(e)
	p.timeoutCloses++
	p.mu.Unlock()

	if p.cfg.OnClose != nil {
		p.cfg.OnClose(clientID, CloseTimeout)
	}
}

// reactivateLocked brings an entry (idle or active) back to recently-used
// active state.
func (p *Pool) reactivateLocked(e *entry, now time.Time) {
	if e.idle {
		e.idle = false
		e.idleGen++
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	e.requestCount++
	e.lastActivity = now
	e.lruStamp = now
	e.lruSeq = p.nextSeqLocked()
}

func (p *Pool) oldestIdleLocked() *entry {
	var victim *entry
	for _, e := range p.entries {
		if !e.idle {
			continue
		}
		if victim == nil || e.lruSeq < victim.lruSeq {
			victim = e
		}
	}
	return victim
}

func (p *Pool) removeLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	delete(p.entries, e.clientID)
}

func (p *Pool) nextSeqLocked() uint64 {
	p.lruSeq++
	return p.lruSeq
}

// adaptiveTimeoutLocked picks an idle timeout from the client's history:
// unknown clients get a short conservative window, heavy reusers keep their
// slot longer.
func (p *Pool) adaptiveTimeoutLocked(clientID string) time.Duration {
	def := p.cfg.DefaultIdleTimeout
	prof, ok := p.profiles[clientID]
	if !ok || prof.totalRequests <= 1 {
		return minDuration(def, unknownIdleCeiling)
	}
	rate := prof.reuseRate()
	switch {
	case rate > 0.8:
		return minDuration(2*def, maxIdleTimeout)
	case rate > 0.5:
		return def
	default:
		return maxDuration(def/2, minIdleTimeout)
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
