package trigger

import "sync"

// ackTracker turns out-of-order completions into a contiguous watermark.
// Sequence numbers must be added in increasing order.
type ackTracker struct {
	mu        sync.Mutex
	committed int64
	inflight  []int64
	done      map[int64]struct{}
}

func newAckTracker(committed int64) *ackTracker {
	return &ackTracker{committed: committed, done: map[int64]struct{}{}}
}

func (t *ackTracker) add(seq int64) {
	t.mu.Lock()
	t.inflight = append(t.inflight, seq)
	t.mu.Unlock()
}

// ack marks seq finished and returns the new watermark and whether it moved.
func (t *ackTracker) ack(seq int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done[seq] = struct{}{}
	moved := false
	for len(t.inflight) > 0 {
		head := t.inflight[0]
		if _, ok := t.done[head]; !ok {
			break
		}
		delete(t.done, head)
		t.inflight = t.inflight[1:]
		t.committed = head
		moved = true
	}
	return t.committed, moved
}

func (t *ackTracker) watermark() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

func (t *ackTracker) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// forget drops the newest in-flight seq when it was never handed off.
func (t *ackTracker) forget(seq int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.inflight); n > 0 && t.inflight[n-1] == seq {
		t.inflight = t.inflight[:n-1]
	}
}
