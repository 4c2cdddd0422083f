// Package reserve implements the reservation state machine: claiming a
// machine by display code, validating and recording dispenses, confirming
// physical delivery, and reclaiming expired locks. The store is the single
// source of truth; nothing here survives a restart except through it.
package reserve

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"github.com/smartvend/venderd/internal/clock"
	"github.com/smartvend/venderd/internal/code"
	"github.com/smartvend/venderd/internal/models"
	"github.com/smartvend/venderd/internal/retry"
	"github.com/smartvend/venderd/internal/storage"
)

// txNamespace seeds the deterministic mapping from external transaction ids
// to internal keys. Changing it invalidates replay protection for in-flight
// retries, so it is fixed for the lifetime of a deployment.
var txNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// TxKey maps a caller-supplied external transaction id to a stable internal
// key. The mapping is deterministic so client retries land on the same row.
func TxKey(externalID string) string {
	return uuid.NewSHA1(txNamespace, []byte(externalID)).String()
}

// AlertFunc is invoked (best-effort) when a machine's stock falls to or
// below the configured threshold. Implementations must not block.
type AlertFunc func(machineID string, remaining int)

// Options tune a Service. Zero values fall back to sane defaults.
type Options struct {
	CodeLength        int
	CodeTTL           time.Duration
	LowStockThreshold int
	Clock             clock.Clock
	Retry             retry.Policy
	Logger            pslog.Logger
	OnLowStock        AlertFunc
}

// Service is the reservation core. Safe for concurrent use from arbitrarily
// many request handlers and the sweeper; same-machine races resolve through
// the store's row transactions plus the ownership check in every operation.
type Service struct {
	store      storage.Store
	clock      clock.Clock
	retry      retry.Policy
	logger     pslog.Logger
	codeLen    int
	codeTTL    time.Duration
	lowStock   int
	onLowStock AlertFunc
}

// New creates a reservation service over the given store.
func New(store storage.Store, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	if opts.CodeLength <= 0 {
		opts.CodeLength = code.DefaultLength
	}
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = 10 * time.Minute
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = retry.Default()
	}
	return &Service{
		store:      store,
		clock:      opts.Clock,
		retry:      opts.Retry,
		logger:     opts.Logger,
		codeLen:    opts.CodeLength,
		codeTTL:    opts.CodeTTL,
		lowStock:   opts.LowStockThreshold,
		onLowStock: opts.OnLowStock,
	}
}

// do wraps a store call with the retry policy.
func (s *Service) do(ctx context.Context, fn func(context.Context) error) error {
	return s.retry.Do(ctx, fn)
}

// Claim establishes an exclusive, time-boxed hold on the machine whose
// current display code matches. An unknown or expired code yields
// code_not_found; a live hold by another holder yields busy. Re-claiming a
// machine the same holder already holds extends the TTL instead of failing.
func (s *Service) Claim(ctx context.Context, holder, displayCode string, ttl time.Duration) (ClaimResult, error) {
	if ttl <= 0 {
		ttl = s.codeTTL
	}
	now := s.clock.Now()

	var m *models.Machine
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		m, err = s.store.GetMachineByDisplayCode(ctx, displayCode)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return ClaimResult{Outcome: OutcomeCodeNotFound}, nil
	}
	if err != nil {
		return ClaimResult{}, fmt.Errorf("find machine by code: %w", err)
	}
	if !now.Before(m.DisplayCodeExpiresAt) {
		return ClaimResult{Outcome: OutcomeCodeNotFound}, nil
	}

	lock, err := s.getLock(ctx, m.ID)
	if err != nil {
		return ClaimResult{}, err
	}
	if lock.Active(now) && lock.LockedBy != holder {
		return ClaimResult{Outcome: OutcomeBusy, MachineID: m.ID, LockedUntil: lock.ExpiresAt}, nil
	}

	// Either no live hold, or the same holder re-claiming: write the lock
	// row. Last writer wins here; the ownership check in release/dispense
	// keeps the race benign.
	expiresAt := now.Add(ttl)
	newLock := &models.Lock{
		MachineID:      m.ID,
		LockedBy:       holder,
		AccessCodeHash: code.Hash(displayCode),
		Status:         models.LockStatusLocked,
		LockedAt:       now,
		ExpiresAt:      expiresAt,
	}
	err = s.do(ctx, func(ctx context.Context) error {
		return s.store.UpsertLock(ctx, newLock)
	})
	if err != nil {
		return ClaimResult{}, fmt.Errorf("upsert lock: %w", err)
	}
	err = s.do(ctx, func(ctx context.Context) error {
		return s.store.SetMachineStatus(ctx, m.ID, models.StatusLocked)
	})
	if err != nil {
		return ClaimResult{}, fmt.Errorf("set machine locked: %w", err)
	}
	s.logger.Info("reserve.claimed", "machine", m.ID, "holder", holder, "expires_at", expiresAt)
	return ClaimResult{Outcome: OutcomeOK, MachineID: m.ID, ExpiresAt: expiresAt}, nil
}

// Release drops a hold before its TTL. Only the holder that created the lock
// may release it. On success the display code rotates so the next user at
// the machine sees a fresh one.
func (s *Service) Release(ctx context.Context, machineID, holder string) (ReleaseResult, error) {
	now := s.clock.Now()
	lock, err := s.getLock(ctx, machineID)
	if err != nil {
		return ReleaseResult{}, err
	}
	if lock == nil || lock.Status != models.LockStatusLocked {
		return ReleaseResult{Outcome: OutcomeNoLock}, nil
	}
	if lock.LockedBy != holder {
		return ReleaseResult{Outcome: OutcomeNotOwner}, nil
	}

	err = s.do(ctx, func(ctx context.Context) error {
		return s.store.DeleteLock(ctx, machineID)
	})
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("delete lock: %w", err)
	}
	newCode, _, err := s.rotateCode(ctx, machineID, now, models.StatusIdle)
	if err != nil {
		return ReleaseResult{}, err
	}
	s.logger.Info("reserve.released", "machine", machineID, "holder", holder)
	return ReleaseResult{Outcome: OutcomeOK, NewDisplayCode: newCode}, nil
}

// Dispense validates a paid dispense trigger against the active lock and
// records the transaction. Checks run in a fixed order, short-circuiting on
// the first failure: no_lock, not_owner, expired, access_mismatch.
func (s *Service) Dispense(ctx context.Context, machineID, holder, accessCode string, quantity int, externalTxID string, amount int64) (DispenseResult, error) {
	now := s.clock.Now()
	lock, err := s.getLock(ctx, machineID)
	if err != nil {
		return DispenseResult{}, err
	}
	if lock == nil || lock.Status != models.LockStatusLocked {
		return DispenseResult{Outcome: OutcomeNoLock}, nil
	}
	if lock.LockedBy != holder {
		return DispenseResult{Outcome: OutcomeNotOwner}, nil
	}
	if !now.Before(lock.ExpiresAt) {
		return DispenseResult{Outcome: OutcomeExpired}, nil
	}
	if !code.Verify(lock.AccessCodeHash, accessCode) {
		return DispenseResult{Outcome: OutcomeAccessMismatch}, nil
	}

	tx := &models.Transaction{
		ID:            TxKey(externalTxID),
		ExternalID:    externalTxID,
		MachineID:     machineID,
		ClientID:      holder,
		Quantity:      quantity,
		Amount:        amount,
		PaymentStatus: models.PaymentPaid,
		CreatedAt:     now,
	}
	err = s.do(ctx, func(ctx context.Context) error {
		return s.store.InsertTransaction(ctx, tx)
	})
	if errors.Is(err, storage.ErrExists) {
		return DispenseResult{Outcome: OutcomeDuplicate}, nil
	}
	if err != nil {
		return DispenseResult{}, fmt.Errorf("insert transaction: %w", err)
	}

	// Lock history is retained: consumed, not deleted.
	err = s.do(ctx, func(ctx context.Context) error {
		return s.store.MarkLockConsumed(ctx, machineID)
	})
	if err != nil {
		return DispenseResult{}, fmt.Errorf("consume lock: %w", err)
	}
	err = s.do(ctx, func(ctx context.Context) error {
		return s.store.SetMachineStatus(ctx, machineID, models.StatusDispatchSent)
	})
	if err != nil {
		return DispenseResult{}, fmt.Errorf("set dispatch_sent: %w", err)
	}
	s.logger.Info("reserve.dispense", "machine", machineID, "holder", holder, "tx", externalTxID, "quantity", quantity)
	return DispenseResult{Outcome: OutcomeOK}, nil
}

// Confirm records the machine's report of a physical dispense: completes the
// transaction, decrements stock (floored at zero), clears any residual lock,
// rotates the display code, and returns the machine to idle unless it is out
// of stock.
func (s *Service) Confirm(ctx context.Context, machineID, externalTxID string, dispensedQty int) (ConfirmResult, error) {
	now := s.clock.Now()
	key := TxKey(externalTxID)

	err := s.do(ctx, func(ctx context.Context) error {
		_, err := s.store.GetTransaction(ctx, key)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return ConfirmResult{Outcome: OutcomeTxNotFound}, nil
	}
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("get transaction: %w", err)
	}

	err = s.do(ctx, func(ctx context.Context) error {
		return s.store.CompleteTransaction(ctx, key, dispensedQty, now)
	})
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("complete transaction: %w", err)
	}

	m, err := s.getMachine(ctx, machineID)
	if err != nil {
		return ConfirmResult{}, err
	}
	newStock := m.CurrentStock - dispensedQty
	if newStock < 0 {
		newStock = 0
	}
	status := models.StatusIdle
	if newStock == 0 {
		status = models.StatusUnavailable
	}
	err = s.do(ctx, func(ctx context.Context) error {
		return s.store.SetMachineStock(ctx, machineID, newStock, "")
	})
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("set stock: %w", err)
	}
	err = s.do(ctx, func(ctx context.Context) error {
		return s.store.DeleteLock(ctx, machineID)
	})
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("clear lock: %w", err)
	}
	newCode, _, err := s.rotateCode(ctx, machineID, now, status)
	if err != nil {
		return ConfirmResult{}, err
	}
	s.alertIfLow(machineID, newStock)
	s.logger.Info("reserve.confirmed", "machine", machineID, "tx", externalTxID, "dispensed", dispensedQty, "stock", newStock)
	return ConfirmResult{Outcome: OutcomeOK, NewDisplayCode: newCode, Stock: newStock}, nil
}

// SweepExpired reclaims the machine's lock if it has lapsed: deletes the
// row, rotates the display code, and returns the machine to idle. A live or
// absent lock is a no-op.
func (s *Service) SweepExpired(ctx context.Context, machineID string) (SweepResult, error) {
	now := s.clock.Now()
	lock, err := s.getLock(ctx, machineID)
	if err != nil {
		return SweepResult{}, err
	}
	if lock == nil || lock.Status != models.LockStatusLocked || now.Before(lock.ExpiresAt) {
		return SweepResult{}, nil
	}

	err = s.do(ctx, func(ctx context.Context) error {
		return s.store.DeleteLock(ctx, machineID)
	})
	if err != nil {
		return SweepResult{}, fmt.Errorf("delete expired lock: %w", err)
	}
	newCode, expiresAt, err := s.rotateCode(ctx, machineID, now, models.StatusIdle)
	if err != nil {
		return SweepResult{}, err
	}
	s.logger.Info("reserve.swept", "machine", machineID, "was_held_by", lock.LockedBy)
	return SweepResult{Reclaimed: true, NewDisplayCode: newCode, ExpiresAt: expiresAt}, nil
}

// DisplayCode returns the machine's current display code, rotating it first
// if the previous one has expired.
func (s *Service) DisplayCode(ctx context.Context, machineID string, ttl time.Duration) (CodeResult, error) {
	now := s.clock.Now()
	m, err := s.getMachine(ctx, machineID)
	if err != nil {
		return CodeResult{}, err
	}
	if m.DisplayCode != "" && now.Before(m.DisplayCodeExpiresAt) {
		return CodeResult{Code: m.DisplayCode, ExpiresAt: m.DisplayCodeExpiresAt}, nil
	}
	if ttl <= 0 {
		ttl = s.codeTTL
	}
	newCode, expiresAt, err := s.rotateCodeTTL(ctx, machineID, now, "", ttl)
	if err != nil {
		return CodeResult{}, err
	}
	return CodeResult{Code: newCode, ExpiresAt: expiresAt}, nil
}

// RegisterMachine upserts a machine row on device boot and hands back a
// fresh display code. Existing stock and status survive re-registration.
func (s *Service) RegisterMachine(ctx context.Context, machineID, credential string, initialStock int) (CodeResult, error) {
	now := s.clock.Now()
	newCode, err := code.Generate(s.codeLen)
	if err != nil {
		return CodeResult{}, fmt.Errorf("generate display code: %w", err)
	}
	expiresAt := now.Add(s.codeTTL)

	m, err := s.getMachineOptional(ctx, machineID)
	if err != nil {
		return CodeResult{}, err
	}
	if m == nil {
		status := models.StatusIdle
		if initialStock == 0 {
			status = models.StatusUnavailable
		}
		m = &models.Machine{
			ID:           machineID,
			Status:       status,
			CurrentStock: initialStock,
			CreatedAt:    now,
		}
	}
	m.Credential = credential
	m.DisplayCode = newCode
	m.DisplayCodeExpiresAt = expiresAt
	m.LastSeenAt = now
	m.UpdatedAt = now

	err = s.do(ctx, func(ctx context.Context) error {
		return s.store.PutMachine(ctx, m)
	})
	if err != nil {
		return CodeResult{}, fmt.Errorf("put machine: %w", err)
	}
	s.logger.Info("reserve.machine.registered", "machine", machineID)
	return CodeResult{Code: newCode, ExpiresAt: expiresAt}, nil
}

// Refill sets the stock level from an administrative refill. Stock moving
// off zero brings an unavailable machine back to idle.
func (s *Service) Refill(ctx context.Context, machineID string, stock int) error {
	if stock < 0 {
		stock = 0
	}
	m, err := s.getMachine(ctx, machineID)
	if err != nil {
		return err
	}
	status := ""
	if stock == 0 {
		status = models.StatusUnavailable
	} else if m.Status == models.StatusUnavailable {
		status = models.StatusIdle
	}
	err = s.do(ctx, func(ctx context.Context) error {
		return s.store.SetMachineStock(ctx, machineID, stock, status)
	})
	if err != nil {
		return fmt.Errorf("set stock: %w", err)
	}
	s.alertIfLow(machineID, stock)
	s.logger.Info("reserve.refilled", "machine", machineID, "stock", stock)
	return nil
}

// Heartbeat records device liveness for monitoring.
func (s *Service) Heartbeat(ctx context.Context, machineID string) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.store.UpdateLastSeen(ctx, machineID, s.clock.Now())
	})
}

// MarkOffline flags a machine whose connection dropped. Best-effort; callers
// ignore the error beyond logging.
func (s *Service) MarkOffline(ctx context.Context, machineID string) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.store.SetMachineStatus(ctx, machineID, models.StatusOffline)
	})
}

// Machines lists every registered machine.
func (s *Service) Machines(ctx context.Context) ([]*models.Machine, error) {
	var out []*models.Machine
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.store.ListMachines(ctx)
		return err
	})
	return out, err
}

// Status returns the public view of a machine. The holder id behind a live
// lock is disclosed only to that holder.
func (s *Service) Status(ctx context.Context, machineID, clientID string) (*PublicStatus, error) {
	now := s.clock.Now()
	m, err := s.getMachine(ctx, machineID)
	if err != nil {
		return nil, err
	}
	lock, err := s.getLock(ctx, machineID)
	if err != nil {
		return nil, err
	}
	out := &PublicStatus{
		MachineID:            m.ID,
		Status:               m.Status,
		CurrentStock:         m.CurrentStock,
		DisplayCodeExpiresAt: m.DisplayCodeExpiresAt,
	}
	if lock.Active(now) {
		out.Locked = true
		exp := lock.ExpiresAt
		out.LockExpiresAt = &exp
		if clientID != "" && clientID == lock.LockedBy {
			out.LockedBy = lock.LockedBy
		}
	}
	return out, nil
}

// DeviceStatus returns the full machine view after a constant-time
// credential check. A wrong credential is indistinguishable from an unknown
// machine.
func (s *Service) DeviceStatus(ctx context.Context, machineID, credential string) (*DeviceStatus, error) {
	now := s.clock.Now()
	m, err := s.getMachine(ctx, machineID)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(m.Credential), []byte(credential)) != 1 {
		return nil, storage.ErrNotFound
	}
	lock, err := s.getLock(ctx, machineID)
	if err != nil {
		return nil, err
	}
	out := &DeviceStatus{
		MachineID:            m.ID,
		Status:               m.Status,
		CurrentStock:         m.CurrentStock,
		DisplayCode:          m.DisplayCode,
		DisplayCodeExpiresAt: m.DisplayCodeExpiresAt,
	}
	if lock.Active(now) {
		out.Locked = true
		out.LockedBy = lock.LockedBy
		exp := lock.ExpiresAt
		out.LockExpiresAt = &exp
	}
	return out, nil
}

// VerifyCredential checks a device credential without returning state.
func (s *Service) VerifyCredential(ctx context.Context, machineID, credential string) (bool, error) {
	m, err := s.getMachineOptional(ctx, machineID)
	if err != nil {
		return false, err
	}
	if m == nil {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(m.Credential), []byte(credential)) == 1, nil
}

// ---------- helpers ----------

func (s *Service) getMachine(ctx context.Context, id string) (*models.Machine, error) {
	var m *models.Machine
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		m, err = s.store.GetMachine(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) getMachineOptional(ctx context.Context, id string) (*models.Machine, error) {
	m, err := s.getMachine(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return m, err
}

// getLock returns nil (no error) when no lock row exists.
func (s *Service) getLock(ctx context.Context, machineID string) (*models.Lock, error) {
	var lock *models.Lock
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		lock, err = s.store.GetLock(ctx, machineID)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lock: %w", err)
	}
	return lock, nil
}

func (s *Service) rotateCode(ctx context.Context, machineID string, now time.Time, status string) (string, time.Time, error) {
	return s.rotateCodeTTL(ctx, machineID, now, status, s.codeTTL)
}

func (s *Service) rotateCodeTTL(ctx context.Context, machineID string, now time.Time, status string, ttl time.Duration) (string, time.Time, error) {
	newCode, err := code.Generate(s.codeLen)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate display code: %w", err)
	}
	expiresAt := now.Add(ttl)
	err = s.do(ctx, func(ctx context.Context) error {
		return s.store.RotateDisplayCode(ctx, machineID, newCode, expiresAt, status)
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("rotate display code: %w", err)
	}
	return newCode, expiresAt, nil
}

func (s *Service) alertIfLow(machineID string, stock int) {
	if s.onLowStock == nil || s.lowStock <= 0 || stock > s.lowStock {
		return
	}
	s.onLowStock(machineID, stock)
}
