package gateway

import "sync"

// replayEntry holds one broadcast envelope.
type replayEntry struct {
	Seq  int64
	Data []byte
}

// ReplayBuffer keeps the most recent envelopes for gap backfill. Sequence
// numbers are expected to be pushed in increasing order.
type ReplayBuffer struct {
	mu      sync.RWMutex
	entries []replayEntry // circular, oldest at head once full
	head    int
	size    int
}

// NewReplayBuffer creates a replay buffer with the given capacity.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = replayCapacity
	}
	return &ReplayBuffer{entries: make([]replayEntry, capacity)}
}

// Push stores an envelope, evicting the oldest when full. data is not
// copied: envelopes are immutable once built.
func (rb *ReplayBuffer) Push(seq int64, data []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	n := len(rb.entries)
	if rb.size < n {
		rb.entries[(rb.head+rb.size)%n] = replayEntry{Seq: seq, Data: data}
		rb.size++
		return
	}
	rb.entries[rb.head] = replayEntry{Seq: seq, Data: data}
	rb.head = (rb.head + 1) % n
}

// Range returns the entries with seq in [fromSeq, toSeq], oldest first.
func (rb *ReplayBuffer) Range(fromSeq, toSeq int64) []replayEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	var out []replayEntry
	for i := 0; i < rb.size; i++ {
		e := rb.entries[(rb.head+i)%len(rb.entries)]
		if e.Seq > toSeq {
			break
		}
		if e.Seq >= fromSeq {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of entries currently held.
func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}
