package limits

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, maxRequests int) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(Config{
		Window:      time.Minute,
		MaxRequests: maxRequests,
		Logger:      zerolog.Nop(),
	})
	t.Cleanup(rl.Stop)
	return rl
}

func TestAllowWithinBudget(t *testing.T) {
	rl := newTestLimiter(t, 10000)

	for i := 0; i < 100; i++ {
		require.True(t, rl.Allow("10.0.0.1", 128))
	}
	assert.False(t, rl.Flagged("10.0.0.1"))
}

func TestTokenBucketExhaustion(t *testing.T) {
	// Tiny budget: burst = max/10 = 1 token, refill well under 1/sec.
	rl := newTestLimiter(t, 10)

	require.True(t, rl.Allow("10.0.0.2", 64))
	assert.False(t, rl.Allow("10.0.0.2", 64))
}

func TestDoSFlagOnRequestFlood(t *testing.T) {
	rl := newTestLimiter(t, 1000000)

	var denied bool
	for i := 0; i <= dosRequestThreshold; i++ {
		if !rl.Allow("10.0.0.3", 64) {
			denied = true
		}
	}
	require.True(t, denied, "flood should trip the DoS heuristic")
	assert.True(t, rl.Flagged("10.0.0.3"))

	// Once flagged, every subsequent frame in the window is dropped.
	assert.False(t, rl.Allow("10.0.0.3", 64))
}

func TestDoSFlagOnLargeFrames(t *testing.T) {
	rl := newTestLimiter(t, 1000000)

	// Large frames are fine for the first few requests.
	require.True(t, rl.Allow("10.0.0.4", dosLargeFrameBytes+1))

	for i := 0; i < dosLargeFrameMinReqs; i++ {
		rl.Allow("10.0.0.4", 64)
	}
	assert.False(t, rl.Allow("10.0.0.4", dosLargeFrameBytes+1))
	assert.True(t, rl.Flagged("10.0.0.4"))
}

func TestClientsAreIndependent(t *testing.T) {
	rl := newTestLimiter(t, 1000000)

	for i := 0; i <= dosRequestThreshold; i++ {
		rl.Allow("10.0.0.5", 64)
	}
	require.True(t, rl.Flagged("10.0.0.5"))
	assert.True(t, rl.Allow("10.0.0.6", 64))
	assert.False(t, rl.Flagged("10.0.0.6"))
}

func TestCleanupRemovesStaleEntries(t *testing.T) {
	rl := newTestLimiter(t, 10000)

	rl.Allow("10.0.0.7", 64)
	require.Equal(t, 1, rl.TrackedClients())

	rl.mu.Lock()
	rl.entries["10.0.0.7"].lastAccess = time.Now().Add(-2 * entryTTL)
	rl.mu.Unlock()

	rl.cleanup()
	assert.Equal(t, 0, rl.TrackedClients())
}
