package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"pgregory.net/rapid"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type closeRecorder struct {
	mu     sync.Mutex
	events []struct {
		id     string
		reason CloseReason
	}
	ch chan string
}

func newCloseRecorder() *closeRecorder {
	return &closeRecorder{ch: make(chan string, 16)}
}

func (r *closeRecorder) fn(clientID string, reason CloseReason) {
	r.mu.Lock()
	r.events = append(r.events, struct {
		id     string
		reason CloseReason
	}{clientID, reason})
	r.mu.Unlock()
	r.ch <- clientID
}

func (r *closeRecorder) snapshot() []struct {
	id     string
	reason CloseReason
} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append(r.events[:0:0], r.events...)
}

func TestAcquireCreateThenReuse(t *testing.T) {
	p := New(Config{MaxConnections: 4})
	defer p.Close()

	reused, err := p.Acquire("a")
	require.NoError(t, err)
	require.False(t, reused)

	reused, err = p.Acquire("a")
	require.NoError(t, err)
	require.True(t, reused)

	s := p.Stats()
	require.Equal(t, 1, s.Size)
	require.Equal(t, int64(1), s.Hits)
	require.Equal(t, int64(2), s.TotalRequests)
	require.Equal(t, 0.5, s.HitRate)
	require.Equal(t, int64(1), s.ReusedConns)
}

func TestLRUEvictionPrefersOldestIdle(t *testing.T) {
	rec := newCloseRecorder()
	p := New(Config{MaxConnections: 3, OnClose: rec.fn})
	defer p.Close()

	for _, id := range []string{"A", "B", "C"} {
		_, err := p.Acquire(id)
		require.NoError(t, err)
	}
	p.MarkIdle("A")
	p.MarkIdle("B")
	p.MarkIdle("C")

	// Touching A via a reuse makes it the most recently used and active.
	reused, err := p.Acquire("A")
	require.NoError(t, err)
	require.True(t, reused)

	// D displaces the oldest remaining idle entry, which is B.
	reused, err = p.Acquire("D")
	require.NoError(t, err)
	require.False(t, reused)

	events := rec.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, "B", events[0].id)
	require.Equal(t, CloseForced, events[0].reason)

	s := p.Stats()
	require.Equal(t, 3, s.Size)
	require.Equal(t, int64(1), s.ForcedCloses)
	require.Zero(t, p.IdleTimeout("B"))
	require.NotZero(t, p.IdleTimeout("C"))
}

func TestAcquireFailsWhenSaturatedWithNoIdleVictim(t *testing.T) {
	rec := newCloseRecorder()
	p := New(Config{MaxConnections: 2, OnClose: rec.fn})
	defer p.Close()

	_, err := p.Acquire("A")
	require.NoError(t, err)
	_, err = p.Acquire("B")
	require.NoError(t, err)

	_, err = p.Acquire("C")
	require.ErrorIs(t, err, ErrPoolFull)

	// Active entries are never victims.
	require.Empty(t, rec.snapshot())
	s := p.Stats()
	require.Equal(t, 2, s.Size)
	require.Zero(t, s.ForcedCloses)
	require.NotZero(t, p.IdleTimeout("A"))
	require.NotZero(t, p.IdleTimeout("B"))
}

func TestAdaptiveIdleTimeout(t *testing.T) {
	const def = 120 * time.Second

	t.Run("unknown client gets conservative window", func(t *testing.T) {
		p := New(Config{MaxConnections: 8, DefaultIdleTimeout: def})
		defer p.Close()
		_, err := p.Acquire("fresh")
		require.NoError(t, err)
		require.Equal(t, 10*time.Second, p.IdleTimeout("fresh"))
	})

	t.Run("heavy reuser keeps slot longer", func(t *testing.T) {
		p := New(Config{MaxConnections: 8, DefaultIdleTimeout: def})
		defer p.Close()
		_, err := p.Acquire("hot")
		require.NoError(t, err)
		for i := 0; i < 9; i++ {
			reused, err := p.Acquire("hot")
			require.NoError(t, err)
			require.True(t, reused)
		}
		p.Remove("hot")
		_, err = p.Acquire("hot")
		require.NoError(t, err)
		require.Equal(t, 240*time.Second, p.IdleTimeout("hot"))
	})

	t.Run("moderate reuser keeps default", func(t *testing.T) {
		p := New(Config{MaxConnections: 8, DefaultIdleTimeout: def})
		defer p.Close()
		_, err := p.Acquire("warm")
		require.NoError(t, err)
		for i := 0; i < 4; i++ {
			_, err := p.Acquire("warm")
			require.NoError(t, err)
		}
		p.Remove("warm")
		_, err = p.Acquire("warm")
		require.NoError(t, err)
		require.Equal(t, def, p.IdleTimeout("warm"))
	})

	t.Run("churner gets floored half default", func(t *testing.T) {
		p := New(Config{MaxConnections: 8, DefaultIdleTimeout: def})
		defer p.Close()
		_, err := p.Acquire("churn")
		require.NoError(t, err)
		p.Remove("churn")
		_, err = p.Acquire("churn")
		require.NoError(t, err)
		require.Equal(t, 60*time.Second, p.IdleTimeout("churn"))
	})

	t.Run("floors apply with a tiny default", func(t *testing.T) {
		p := New(Config{MaxConnections: 8, DefaultIdleTimeout: 40 * time.Second})
		defer p.Close()
		_, err := p.Acquire("churn")
		require.NoError(t, err)
		p.Remove("churn")
		_, err = p.Acquire("churn")
		require.NoError(t, err)
		require.Equal(t, 30*time.Second, p.IdleTimeout("churn"))
	})
}

func TestIdleTimerClosesEntry(t *testing.T) {
	rec := newCloseRecorder()
	p := New(Config{MaxConnections: 4, DefaultIdleTimeout: 30 * time.Millisecond, OnClose: rec.fn})
	defer p.Close()

	_, err := p.Acquire("t1")
	require.NoError(t, err)
	p.MarkIdle("t1")

	select {
	case id := <-rec.ch:
		require.Equal(t, "t1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("idle timer never fired")
	}

	events := rec.snapshot()
	require.Equal(t, CloseTimeout, events[0].reason)
	s := p.Stats()
	require.Zero(t, s.Size)
	require.Equal(t, int64(1), s.TimeoutCloses)
}

func TestReuseCancelsIdleTimer(t *testing.T) {
	rec := newCloseRecorder()
	p := New(Config{MaxConnections: 4, DefaultIdleTimeout: 20 * time.Millisecond, OnClose: rec.fn})
	defer p.Close()

	_, err := p.Acquire("t1")
	require.NoError(t, err)
	p.MarkIdle("t1")

	reused, err := p.Acquire("t1")
	require.NoError(t, err)
	require.True(t, reused)

	time.Sleep(60 * time.Millisecond)
	require.Empty(t, rec.snapshot())
	require.Equal(t, 1, p.Stats().Size)
}

func TestBehaviorScore(t *testing.T) {
	p := New(Config{MaxConnections: 8})
	defer p.Close()

	require.Zero(t, p.BehaviorScore("ghost"))

	_, err := p.Acquire("hot")
	require.NoError(t, err)
	for i := 0; i < 9; i++ {
		_, err := p.Acquire("hot")
		require.NoError(t, err)
	}
	// reuse 0.9 -> 0.54, volume 10/100 -> 0.03, recency ~now -> 0.1
	require.InDelta(t, 0.67, p.BehaviorScore("hot"), 0.01)
}

func TestHitRateInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := New(Config{MaxConnections: rapid.IntRange(1, 8).Draw(t, "max")})
		defer p.Close()

		ids := []string{"a", "b", "c", "d", "e"}
		n := rapid.IntRange(0, 100).Draw(t, "ops")
		for i := 0; i < n; i++ {
			id := ids[rapid.IntRange(0, len(ids)-1).Draw(t, "id")]
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				_, _ = p.Acquire(id)
			case 1:
				p.MarkIdle(id)
			default:
				p.Remove(id)
			}

			s := p.Stats()
			if s.HitRate < 0 || s.HitRate > 1 {
				t.Fatalf("hit rate %v outside [0,1]", s.HitRate)
			}
			if s.TotalRequests > 0 && s.HitRate != float64(s.Hits)/float64(s.TotalRequests) {
				t.Fatalf("hit rate %v != %d/%d", s.HitRate, s.Hits, s.TotalRequests)
			}
			if s.Size > s.MaxConnections {
				t.Fatalf("pool size %d exceeds capacity %d", s.Size, s.MaxConnections)
			}
		}
	})
}

func TestAdvise(t *testing.T) {
	tests := []struct {
		name      string
		stats     Stats
		wantScore float64
		wantRecs  int
	}{
		{
			name:      "healthy",
			stats:     Stats{HitRate: 0.9, Utilization: 70, AvgReuseRate: 0.8, TotalRequests: 100, Size: 7},
			wantScore: 0.94,
			wantRecs:  1, // the healthy note
		},
		{
			name:      "struggling",
			stats:     Stats{HitRate: 0.2, Utilization: 95, AvgReuseRate: 0.1, TotalRequests: 100, Size: 19, ForcedCloses: 5},
			wantScore: 0.19,
			wantRecs:  3,
		},
		{
			name:      "idle pool",
			stats:     Stats{HitRate: 0.6, Utilization: 10, AvgReuseRate: 0.5, TotalRequests: 10, Size: 1},
			wantScore: 0.4*1 + 0 + 0.3*0.5,
			wantRecs:  1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Advise(tt.stats)
			require.InDelta(t, tt.wantScore, a.Score, 1e-9)
			require.Len(t, a.Recommendations, tt.wantRecs)
		})
	}
}
