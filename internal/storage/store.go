package storage

import (
	"context"
	"errors"
	"time"

	"github.com/smartvend/venderd/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned by conditional inserts when the key is taken.
	ErrExists = errors.New("already exists")
)

// Store is the transactional row store backing machines, locks, transactions
// and the idempotency set. Kept as an interface so tests and alternative
// backends can swap implementations.
type Store interface {
	// Machines.
	PutMachine(ctx context.Context, m *models.Machine) error
	GetMachine(ctx context.Context, id string) (*models.Machine, error)
	GetMachineByDisplayCode(ctx context.Context, code string) (*models.Machine, error)
	ListMachines(ctx context.Context) ([]*models.Machine, error)
	SetMachineStatus(ctx context.Context, id, status string) error
	SetMachineStock(ctx context.Context, id string, stock int, status string) error
	UpdateLastSeen(ctx context.Context, id string, at time.Time) error
	// RotateDisplayCode stores a fresh code and expiry, and optionally a new
	// machine status, in one transaction. Empty status leaves it unchanged.
	RotateDisplayCode(ctx context.Context, id, newCode string, expiresAt time.Time, status string) error

	// Locks. One row per machine; upsert is last-writer-wins by design, the
	// ownership check in every later operation makes that safe.
	GetLock(ctx context.Context, machineID string) (*models.Lock, error)
	UpsertLock(ctx context.Context, l *models.Lock) error
	DeleteLock(ctx context.Context, machineID string) error
	MarkLockConsumed(ctx context.Context, machineID string) error

	// Transactions.
	InsertTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	CompleteTransaction(ctx context.Context, id string, dispensed int, at time.Time) error

	// Idempotency rows: PutIdem fails with ErrExists when the external id has
	// been recorded before.
	PutIdem(ctx context.Context, externalID string, at time.Time) error
	DeleteIdem(ctx context.Context, externalID string) error

	Close() error
}
