package session

import "sync"

// buffered is one outbound payload queued while a session is suspended. The
// message id and timestamp are minted at enqueue time so replayed frames
// carry their original ordering.
type buffered struct {
	payload   []byte
	messageID uint64
	timestamp uint64
}

// ReplayBuffer is the suspension buffer: a FIFO of outbound payloads bounded
// by entry count and total payload bytes. On overflow the oldest entries are
// dropped and counted. Safe for concurrent use.
type ReplayBuffer struct {
	mu       sync.Mutex
	items    []buffered
	bytes    int
	maxItems int
	maxBytes int
	drops    int64
}

// NewReplayBuffer builds a buffer bounded by maxItems entries and maxBytes
// total payload bytes. Non-positive bounds fall back to 1024 entries / 4 MiB.
func NewReplayBuffer(maxItems, maxBytes int) *ReplayBuffer {
	if maxItems <= 0 {
		maxItems = 1024
	}
	if maxBytes <= 0 {
		maxBytes = 4 << 20
	}
	return &ReplayBuffer{maxItems: maxItems, maxBytes: maxBytes}
}

// Push appends an entry, evicting from the front until both bounds hold.
// Returns the number of entries dropped to make room.
func (b *ReplayBuffer) Push(payload []byte, messageID, timestamp uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items = append(b.items, buffered{payload: payload, messageID: messageID, timestamp: timestamp})
	b.bytes += len(payload)

	dropped := 0
	for (len(b.items) > b.maxItems || b.bytes > b.maxBytes) && len(b.items) > 1 {
		b.bytes -= len(b.items[0].payload)
		b.items = b.items[1:]
		dropped++
	}
	// A single payload above maxBytes is kept; the bound limits accumulation,
	// not individual frame size (the codec enforces that).
	b.drops += int64(dropped)
	return dropped
}

// Drain removes and returns all entries in insertion order.
func (b *ReplayBuffer) Drain() []buffered {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = nil
	b.bytes = 0
	return out
}

// Len reports the current entry count.
func (b *ReplayBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Bytes reports the current total payload bytes.
func (b *ReplayBuffer) Bytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}

// Drops reports the cumulative overflow-drop count.
func (b *ReplayBuffer) Drops() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drops
}
