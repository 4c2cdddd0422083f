// Package bus relays device commands between server processes. A command
// published on one process is delivered to whichever process holds the
// machine's live connection. Delivery is at-most-once and best-effort; the
// store stays authoritative for all state.
package bus

import (
	"context"
	"encoding/json"
)

// Envelope wraps a device payload with its destination machine id.
type Envelope struct {
	MachineID string          `json:"machine_id"`
	Payload   json.RawMessage `json:"payload"`
}

// Unsubscribe detaches a subscription. Safe to call more than once.
type Unsubscribe func() error

// Bus is the shared publish/subscribe channel. Subscribe is called once per
// process at startup; the handler runs for every envelope, including ones
// this process published itself.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, handler func(Envelope)) (Unsubscribe, error)
	Close() error
}
