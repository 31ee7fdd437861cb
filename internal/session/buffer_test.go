package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferFIFO(t *testing.T) {
	b := NewReplayBuffer(10, 1<<20)

	b.Push([]byte{1}, 100, 1000)
	b.Push([]byte{2}, 101, 1001)
	b.Push([]byte{3}, 102, 1002)

	entries := b.Drain()
	require.Len(t, entries, 3)
	assert.Equal(t, []byte{1}, entries[0].payload)
	assert.Equal(t, []byte{2}, entries[1].payload)
	assert.Equal(t, []byte{3}, entries[2].payload)
	assert.Equal(t, uint64(100), entries[0].messageID)
	assert.Equal(t, 0, b.Len())
}

func TestBufferCountBound(t *testing.T) {
	b := NewReplayBuffer(3, 1<<20)

	for i := byte(0); i < 5; i++ {
		b.Push([]byte{i}, uint64(i), 0)
	}
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, int64(2), b.Drops())

	// Oldest entries were the ones dropped.
	entries := b.Drain()
	assert.Equal(t, []byte{2}, entries[0].payload)
	assert.Equal(t, []byte{4}, entries[2].payload)
}

func TestBufferByteBound(t *testing.T) {
	b := NewReplayBuffer(100, 10)

	b.Push(make([]byte, 6), 1, 0)
	b.Push(make([]byte, 6), 2, 0)
	// 12 bytes > 10: the first entry is evicted.
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 6, b.Bytes())
	assert.Equal(t, int64(1), b.Drops())
}

func TestBufferKeepsSingleOversizedEntry(t *testing.T) {
	b := NewReplayBuffer(100, 10)

	b.Push(make([]byte, 64), 1, 0)
	assert.Equal(t, 1, b.Len())
}
