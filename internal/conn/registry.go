// Package conn owns the per-process mapping from machine id to its live
// transport connection, the device-facing TCP listener, and the pending
// command buffer for the polling fallback.
package conn

import (
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/smartvend/venderd/internal/models"
)

// Sender is the write half of a live device connection.
type Sender interface {
	Send(msg models.DeviceMessage) error
	Close() error
}

// DropFunc runs (best-effort) after a connection is unregistered, typically
// to mark the machine offline in the store.
type DropFunc func(machineID string)

// Registry maps machine ids to live connections for this process. At most
// one connection per machine: a new registration supersedes and closes the
// previous one. Mutations go through Register/Unregister only.
type Registry struct {
	mu           sync.RWMutex
	conns        map[string]Sender
	pingStop     map[string]chan struct{}
	pingInterval time.Duration
	onDrop       DropFunc
	logger       pslog.Logger
}

// NewRegistry creates a registry. pingInterval <= 0 disables keep-alive.
func NewRegistry(pingInterval time.Duration, onDrop DropFunc, logger pslog.Logger) *Registry {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Registry{
		conns:        make(map[string]Sender),
		pingStop:     make(map[string]chan struct{}),
		pingInterval: pingInterval,
		onDrop:       onDrop,
		logger:       logger,
	}
}

// Register stores the connection for a machine, closing and replacing any
// prior one, and starts its keep-alive loop.
func (r *Registry) Register(machineID string, c Sender) {
	r.mu.Lock()
	if prev, ok := r.conns[machineID]; ok {
		_ = prev.Close()
		if stop, ok := r.pingStop[machineID]; ok {
			close(stop)
		}
	}
	r.conns[machineID] = c
	var stop chan struct{}
	if r.pingInterval > 0 {
		stop = make(chan struct{})
		r.pingStop[machineID] = stop
	}
	r.mu.Unlock()

	r.logger.Info("conn.registered", "machine", machineID)
	if stop != nil {
		go r.pingLoop(machineID, c, stop)
	}
}

// Lookup returns the live connection for a machine, if this process holds
// one.
func (r *Registry) Lookup(machineID string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[machineID]
	return c, ok
}

// Unregister removes the mapping only when the stored connection is the same
// instance, so a stale disconnect handler cannot evict a newer connection.
// Returns whether the mapping was removed.
func (r *Registry) Unregister(machineID string, c Sender) bool {
	r.mu.Lock()
	cur, ok := r.conns[machineID]
	if !ok || cur != c {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, machineID)
	if stop, ok := r.pingStop[machineID]; ok {
		close(stop)
		delete(r.pingStop, machineID)
	}
	r.mu.Unlock()

	_ = c.Close()
	r.logger.Info("conn.unregistered", "machine", machineID)
	if r.onDrop != nil {
		r.onDrop(machineID)
	}
	return true
}

// LiveIDs snapshots the machine ids with a connection in this process.
func (r *Registry) LiveIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	return out
}

// Shutdown closes every connection. Used at process exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	conns := r.conns
	stops := r.pingStop
	r.conns = make(map[string]Sender)
	r.pingStop = make(map[string]chan struct{})
	r.mu.Unlock()

	for _, stop := range stops {
		close(stop)
	}
	for _, c := range conns {
		_ = c.Close()
	}
}

// pingLoop sends periodic keep-alives; a failed write means the peer is gone
// and the connection is dropped.
func (r *Registry) pingLoop(machineID string, c Sender, stop chan struct{}) {
	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.Send(models.DeviceMessage{Type: models.MsgPing}); err != nil {
				r.logger.Warn("conn.ping.failed", "machine", machineID, "error", err)
				r.Unregister(machineID, c)
				return
			}
		}
	}
}
