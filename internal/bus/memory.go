package bus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus for tests and single-node deployments,
// where cross-process fan-out degenerates to local delivery.
type MemoryBus struct {
	mu       sync.RWMutex
	closed   bool
	nextID   int
	handlers map[int]func(Envelope)
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[int]func(Envelope))}
}

func (b *MemoryBus) Publish(ctx context.Context, env Envelope) error {
	b.mu.RLock()
	hs := make([]func(Envelope), 0, len(b.handlers))
	for _, h := range b.handlers {
		hs = append(hs, h)
	}
	b.mu.RUnlock()
	for _, h := range hs {
		h(env)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, handler func(Envelope)) (Unsubscribe, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
		return nil
	}, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[int]func(Envelope))
	return nil
}

var _ Bus = (*MemoryBus)(nil)
