package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"pkt.systems/pslog"
)

// DefaultSubject carries every command envelope for a deployment.
const DefaultSubject = "venderd.commands"

// NATSBus implements Bus over a NATS connection.
type NATSBus struct {
	nc      *nats.Conn
	subject string
	logger  pslog.Logger
}

// ConnectNATS dials the NATS server and returns a bus on the given subject.
// Reconnects forever with a short wait, matching the device-facing uptime
// expectations of the rest of the daemon.
func ConnectNATS(url, subject string, logger pslog.Logger) (*NATSBus, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	opts := []nats.Option{
		nats.Name("venderd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("bus.nats.disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("bus.nats.reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSBus{nc: nc, subject: subject, logger: logger}, nil
}

func (b *NATSBus) Publish(ctx context.Context, env Envelope) error {
	if b.nc == nil || b.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return b.nc.Publish(b.subject, data)
}

func (b *NATSBus) Subscribe(ctx context.Context, handler func(Envelope)) (Unsubscribe, error) {
	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.logger.Warn("bus.nats.bad_envelope", "error", err)
			return
		}
		// A panicking handler must not take the subscription down.
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("bus.nats.handler_panic", "machine", env.MachineID, "panic", r)
			}
		}()
		handler(env)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	return func() error { return sub.Unsubscribe() }, nil
}

// Close drains in-flight messages before closing the connection.
func (b *NATSBus) Close() error {
	if b.nc == nil {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}

var _ Bus = (*NATSBus)(nil)
