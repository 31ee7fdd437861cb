// Package quality derives per-connection quality metrics from a bounded
// latency window and adapts the heartbeat interval from the resulting score.
package quality

import (
	"math"
	"sync"
	"time"
)

// Action is the recommended handling for a connection at its current score.
type Action int

const (
	// ActionMaintain keeps the current cadence (score >= 0.7).
	ActionMaintain Action = iota
	// ActionReduceInterval tightens heartbeating (0.3 <= score < 0.7).
	ActionReduceInterval
	// ActionDisconnect drops the connection (score < 0.3).
	ActionDisconnect
)

func (a Action) String() string {
	switch a {
	case ActionMaintain:
		return "maintain"
	case ActionReduceInterval:
		return "reduce_interval"
	case ActionDisconnect:
		return "disconnect"
	}
	return "unknown"
}

// Config bounds the tracker. Zero values fall back to the defaults below.
type Config struct {
	WindowSize  int           // latency samples kept, default 10
	MinInterval time.Duration // heartbeat floor, default 5s
	MaxInterval time.Duration // heartbeat ceiling, default 60s
	Adaptive    bool          // when false the interval never moves
}

const (
	DefaultWindowSize  = 10
	DefaultMinInterval = 5 * time.Second
	DefaultMaxInterval = 60 * time.Second
)

func (c Config) withDefaults() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	return c
}

// Stats is a point-in-time copy of the derived quality block.
type Stats struct {
	Latency     float64 // mean of the window, ms
	Jitter      float64 // population std dev of the window, ms
	PacketLoss  float64 // missed / (samples + missed), in [0,1]
	Stability   float64 // in [0,1]
	Score       float64 // weighted composite, in [0,1]
	Missed      int
	SampleCount int
	Interval    time.Duration
	LastUpdated time.Time
}

// Tracker holds one session's quality block. Safe for concurrent use by the
// read pump and the heartbeat loop.
type Tracker struct {
	mu      sync.Mutex
	cfg     Config
	history []float64
	missed  int

	latency    float64
	jitter     float64
	packetLoss float64
	stability  float64
	score      float64

	interval    time.Duration
	lastUpdated time.Time
}

// New initializes a quality block. The session starts with a perfect score
// and the given heartbeat interval, clamped to the configured bounds.
func New(cfg Config, initial time.Duration) *Tracker {
	cfg = cfg.withDefaults()
	t := &Tracker{
		cfg:       cfg,
		history:   make([]float64, 0, cfg.WindowSize),
		score:     1.0,
		stability: 1.0,
	}
	t.interval = t.clamp(initial)
	return t
}

// RecordLatency appends a round-trip sample (milliseconds), recomputes the
// quality block, and applies the adaptive interval transition.
func (t *Tracker) RecordLatency(ms float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.history) >= t.cfg.WindowSize {
		t.history = t.history[1:]
	}
	t.history = append(t.history, ms)
	t.recompute()
	t.adapt()
}

// RecordMissed counts a heartbeat that got no pong before the next tick.
func (t *Tracker) RecordMissed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.missed++
	t.recompute()
	t.adapt()
}

// ResetMissed clears the missed counter once the peer answers again. The
// derived quantities refresh but the interval transition is not re-applied;
// only samples move the interval.
func (t *Tracker) ResetMissed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.missed == 0 {
		return
	}
	t.missed = 0
	t.recompute()
}

// Interval returns the current adaptive heartbeat interval.
func (t *Tracker) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// Score returns the current composite score in [0,1].
func (t *Tracker) Score() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.score
}

// Action maps the current score to the recommended handling.
func (t *Tracker) Action() Action {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.score >= 0.7:
		return ActionMaintain
	case t.score >= 0.3:
		return ActionReduceInterval
	default:
		return ActionDisconnect
	}
}

// Snapshot copies the quality block for metrics and events.
func (t *Tracker) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Latency:     t.latency,
		Jitter:      t.jitter,
		PacketLoss:  t.packetLoss,
		Stability:   t.stability,
		Score:       t.score,
		Missed:      t.missed,
		SampleCount: len(t.history),
		Interval:    t.interval,
		LastUpdated: t.lastUpdated,
	}
}

// recompute derives latency, jitter, loss, stability, and score from the
// window. Caller holds t.mu.
func (t *Tracker) recompute() {
	n := len(t.history)
	if n > 0 {
		var sum float64
		for _, v := range t.history {
			sum += v
		}
		t.latency = sum / float64(n)

		var variance float64
		for _, v := range t.history {
			d := v - t.latency
			variance += d * d
		}
		t.jitter = math.Sqrt(variance / float64(n))
	} else {
		t.latency = 0
		t.jitter = 0
	}

	if n+t.missed > 0 {
		t.packetLoss = float64(t.missed) / float64(n+t.missed)
	} else {
		t.packetLoss = 0
	}

	t.stability = math.Max(0, 1-t.jitter/100-t.packetLoss)

	latScore := math.Max(0, 1-t.latency/1000)
	jitScore := math.Max(0, 1-t.jitter/500)
	t.score = 0.2*latScore + 0.2*jitScore + 0.3*(1-t.packetLoss) + 0.3*t.stability
	t.lastUpdated = time.Now()
}

// adapt applies the interval transition for the current score. Caller holds
// t.mu.
func (t *Tracker) adapt() {
	if !t.cfg.Adaptive {
		return
	}
	switch {
	case t.score >= 0.9:
		t.interval = t.clamp(time.Duration(float64(t.interval) * 1.2))
	case t.score >= 0.7:
		// healthy enough, leave it alone
	case t.score >= 0.5:
		t.interval = t.clamp(time.Duration(float64(t.interval) * 0.8))
	default:
		t.interval = t.cfg.MinInterval
	}
}

func (t *Tracker) clamp(d time.Duration) time.Duration {
	if d < t.cfg.MinInterval {
		return t.cfg.MinInterval
	}
	if d > t.cfg.MaxInterval {
		return t.cfg.MaxInterval
	}
	return d
}
