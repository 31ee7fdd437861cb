package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func adaptiveConfig() Config {
	return Config{
		WindowSize:  10,
		MinInterval: 5 * time.Second,
		MaxInterval: 60 * time.Second,
		Adaptive:    true,
	}
}

func TestNewStartsPerfect(t *testing.T) {
	tr := New(adaptiveConfig(), 30*time.Second)
	require.Equal(t, 1.0, tr.Score())
	require.Equal(t, ActionMaintain, tr.Action())
	require.Equal(t, 30*time.Second, tr.Interval())

	s := tr.Snapshot()
	require.Zero(t, s.SampleCount)
	require.Zero(t, s.PacketLoss)
	require.Equal(t, 1.0, s.Stability)
}

func TestNewClampsInitialInterval(t *testing.T) {
	tr := New(adaptiveConfig(), time.Millisecond)
	require.Equal(t, 5*time.Second, tr.Interval())

	tr = New(adaptiveConfig(), 10*time.Minute)
	require.Equal(t, 60*time.Second, tr.Interval())
}

func TestDegradingLatencyTightensInterval(t *testing.T) {
	tr := New(adaptiveConfig(), 30*time.Second)

	steps := []struct {
		latencyMs    float64
		wantInterval time.Duration
	}{
		{800, 30 * time.Second}, // score 0.84, hold
		{900, 24 * time.Second}, // score 0.66, tighten 0.8x
		{1200, 5 * time.Second}, // score < 0.5, floor
		{1500, 5 * time.Second},
		{2000, 5 * time.Second},
	}
	for _, step := range steps {
		tr.RecordLatency(step.latencyMs)
		require.Equal(t, step.wantInterval, tr.Interval(), "after sample %v", step.latencyMs)
	}

	s := tr.Snapshot()
	require.Less(t, s.Score, 0.5)
	require.Equal(t, 5, s.SampleCount)
	require.InDelta(t, 1280, s.Latency, 0.001)
	require.Equal(t, ActionReduceInterval, tr.Action())
}

func TestExcellentQualityRelaxesInterval(t *testing.T) {
	tr := New(adaptiveConfig(), 30*time.Second)

	want := []time.Duration{
		36 * time.Second,
		time.Duration(43.2 * float64(time.Second)),
		time.Duration(51.84 * float64(time.Second)),
		60 * time.Second, // 62.208s clamped
		60 * time.Second,
	}
	for i, w := range want {
		tr.RecordLatency(10)
		require.InDelta(t, float64(w), float64(tr.Interval()), 2, "after sample %d", i+1)
	}
	require.Equal(t, 60*time.Second, tr.Interval())
	require.GreaterOrEqual(t, tr.Score(), 0.9)
}

func TestMissedHeartbeatsForceDisconnect(t *testing.T) {
	tr := New(adaptiveConfig(), 30*time.Second)
	tr.RecordLatency(2000)

	for i := 0; i < 9; i++ {
		tr.RecordMissed()
	}

	s := tr.Snapshot()
	require.InDelta(t, 0.9, s.PacketLoss, 1e-9)
	require.InDelta(t, 0.26, s.Score, 1e-9)
	require.Equal(t, ActionDisconnect, tr.Action())
	require.Equal(t, 5*time.Second, tr.Interval())
}

func TestResetMissedRecoversScoreWithoutMovingInterval(t *testing.T) {
	tr := New(adaptiveConfig(), 30*time.Second)
	tr.RecordLatency(100)
	for i := 0; i < 5; i++ {
		tr.RecordMissed()
	}
	require.Equal(t, 5*time.Second, tr.Interval())
	degraded := tr.Score()

	tr.ResetMissed()
	require.Greater(t, tr.Score(), degraded)
	require.Zero(t, tr.Snapshot().Missed)
	// Only samples move the interval; a reset does not relax it.
	require.Equal(t, 5*time.Second, tr.Interval())
}

func TestAdaptiveDisabledPinsInterval(t *testing.T) {
	cfg := adaptiveConfig()
	cfg.Adaptive = false
	tr := New(cfg, 30*time.Second)

	for _, ms := range []float64{3000, 4000, 5000} {
		tr.RecordLatency(ms)
	}
	require.Equal(t, 30*time.Second, tr.Interval())
}

func TestIntervalAndWindowInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := Config{
			WindowSize:  rapid.IntRange(1, 20).Draw(t, "window"),
			MinInterval: time.Duration(rapid.IntRange(1, 10).Draw(t, "min")) * time.Second,
			Adaptive:    true,
		}
		cfg.MaxInterval = cfg.MinInterval + time.Duration(rapid.IntRange(1, 60).Draw(t, "spread"))*time.Second
		tr := New(cfg, 30*time.Second)

		n := rapid.IntRange(0, 200).Draw(t, "ops")
		for i := 0; i < n; i++ {
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				tr.RecordLatency(rapid.Float64Range(0, 10000).Draw(t, "ms"))
			case 1:
				tr.RecordMissed()
			default:
				tr.ResetMissed()
			}

			s := tr.Snapshot()
			if s.Interval < cfg.MinInterval || s.Interval > cfg.MaxInterval {
				t.Fatalf("interval %v outside [%v,%v]", s.Interval, cfg.MinInterval, cfg.MaxInterval)
			}
			if s.SampleCount > cfg.WindowSize {
				t.Fatalf("window grew to %d, cap %d", s.SampleCount, cfg.WindowSize)
			}
			if s.Score < 0 || s.Score > 1 {
				t.Fatalf("score %v outside [0,1]", s.Score)
			}
		}
	})
}
