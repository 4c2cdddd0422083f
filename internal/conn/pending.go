package conn

import (
	"encoding/json"
	"sync"
)

// DefaultPendingCap bounds queued payloads per machine for the polling
// fallback. Oldest entries are dropped first; a machine that misses commands
// recovers the true state from its status poll.
const DefaultPendingCap = 32

// PendingBuffer queues undelivered command payloads per machine until the
// device fetches them over HTTP. Process-local by design; see DESIGN.md.
type PendingBuffer struct {
	mu  sync.Mutex
	cap int
	q   map[string][]json.RawMessage
}

// NewPendingBuffer creates a buffer with the given per-machine cap.
func NewPendingBuffer(perMachineCap int) *PendingBuffer {
	if perMachineCap <= 0 {
		perMachineCap = DefaultPendingCap
	}
	return &PendingBuffer{cap: perMachineCap, q: make(map[string][]json.RawMessage)}
}

// Push appends a payload for the machine, evicting the oldest entry when the
// cap is reached.
func (b *PendingBuffer) Push(machineID string, payload json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.q[machineID]
	if len(q) >= b.cap {
		q = q[1:]
	}
	b.q[machineID] = append(q, payload)
}

// Drain returns and clears every queued payload for the machine.
func (b *PendingBuffer) Drain(machineID string) []json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.q[machineID]
	delete(b.q, machineID)
	return q
}

// Len reports the queued payload count for the machine.
func (b *PendingBuffer) Len(machineID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.q[machineID])
}
