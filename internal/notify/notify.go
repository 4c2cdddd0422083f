// Package notify delivers device commands on a best-effort, never-fail
// basis. Every command takes three paths at once: the pending buffer for the
// polling fallback, the local connection registry, and the fan-out bus for
// connections held by other processes. Receivers tolerate the resulting
// occasional duplicate of the same logical command.
package notify

import (
	"context"
	"encoding/json"

	"pkt.systems/pslog"

	"github.com/smartvend/venderd/internal/bus"
	"github.com/smartvend/venderd/internal/conn"
	"github.com/smartvend/venderd/internal/models"
)

// Notifier fans a device command out to every delivery path. Send never
// returns an error: failures on any path are logged and swallowed so the
// primary operation that triggered the command cannot be failed by it.
type Notifier struct {
	registry *conn.Registry
	bus      bus.Bus
	pending  *conn.PendingBuffer
	logger   pslog.Logger
}

// New builds a notifier. Any of registry, b, pending may be nil; that path
// is simply skipped.
func New(registry *conn.Registry, b bus.Bus, pending *conn.PendingBuffer, logger pslog.Logger) *Notifier {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Notifier{registry: registry, bus: b, pending: pending, logger: logger}
}

// Send delivers a command to the machine through every path.
func (n *Notifier) Send(ctx context.Context, machineID string, msg models.DeviceMessage) {
	payload := msg.Marshal()
	if n.pending != nil {
		n.pending.Push(machineID, payload)
	}
	if n.registry != nil {
		if c, ok := n.registry.Lookup(machineID); ok {
			if err := c.Send(msg); err != nil {
				n.logger.Warn("notify.local_send_failed", "machine", machineID, "type", msg.Type, "error", err)
			}
		}
	}
	if n.bus != nil {
		if err := n.bus.Publish(ctx, bus.Envelope{MachineID: machineID, Payload: payload}); err != nil {
			n.logger.Warn("notify.publish_failed", "machine", machineID, "type", msg.Type, "error", err)
		}
	}
}

// DeliverLocal forwards a bus envelope to a locally held connection, if any.
// Used as the process's bus subscription handler.
func (n *Notifier) DeliverLocal(env bus.Envelope) {
	if n.registry == nil {
		return
	}
	c, ok := n.registry.Lookup(env.MachineID)
	if !ok {
		return
	}
	var msg models.DeviceMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		n.logger.Warn("notify.bad_bus_payload", "machine", env.MachineID, "error", err)
		return
	}
	if err := c.Send(msg); err != nil {
		n.logger.Warn("notify.bus_delivery_failed", "machine", env.MachineID, "type", msg.Type, "error", err)
	}
}
