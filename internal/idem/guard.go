// Package idem deduplicates dispense triggers by external transaction id.
// A duplicate is an outcome, not an error: callers distinguish "already
// handled" from "failed".
package idem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smartvend/venderd/internal/storage"
)

// Guard records seen transaction ids before the reservation store is
// touched.
type Guard interface {
	// Check records the id. It returns duplicate=true when the id was seen
	// before, without error.
	Check(ctx context.Context, externalTxID string) (duplicate bool, err error)
	// Forget removes the record, so a failed trigger can be retried with the
	// same id.
	Forget(ctx context.Context, externalTxID string) error
}

// StoreGuard keeps the seen set in the shared transactional store, making
// the at-most-once guarantee hold across every process that shares it.
type StoreGuard struct {
	store storage.Store
	now   func() time.Time
}

// NewStoreGuard builds a fleet-wide guard over the shared store.
func NewStoreGuard(store storage.Store) *StoreGuard {
	return &StoreGuard{store: store, now: func() time.Time { return time.Now().UTC() }}
}

func (g *StoreGuard) Check(ctx context.Context, externalTxID string) (bool, error) {
	err := g.store.PutIdem(ctx, externalTxID, g.now())
	if errors.Is(err, storage.ErrExists) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("record tx id: %w", err)
	}
	return false, nil
}

func (g *StoreGuard) Forget(ctx context.Context, externalTxID string) error {
	return g.store.DeleteIdem(ctx, externalTxID)
}

// LocalGuard keeps the seen set in process memory. It only protects a
// single-process deployment; multi-process fleets must use StoreGuard.
type LocalGuard struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewLocalGuard builds a process-local guard.
func NewLocalGuard() *LocalGuard {
	return &LocalGuard{seen: make(map[string]struct{})}
}

func (g *LocalGuard) Check(_ context.Context, externalTxID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seen[externalTxID]; ok {
		return true, nil
	}
	g.seen[externalTxID] = struct{}{}
	return false, nil
}

func (g *LocalGuard) Forget(_ context.Context, externalTxID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, externalTxID)
	return nil
}

var (
	_ Guard = (*StoreGuard)(nil)
	_ Guard = (*LocalGuard)(nil)
)
