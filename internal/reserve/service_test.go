package reserve

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smartvend/venderd/internal/clock"
	"github.com/smartvend/venderd/internal/code"
	"github.com/smartvend/venderd/internal/models"
	"github.com/smartvend/venderd/internal/storage"
)

func newTestService(t *testing.T) (*Service, *storage.BadgerStore, *clock.Manual) {
	t.Helper()
	store, err := storage.NewInMemoryStore()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	clk := &clock.Manual{T: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc := New(store, Options{Clock: clk, CodeTTL: 10 * time.Minute})
	return svc, store, clk
}

// seedMachine writes a machine row with a known display code so claims are
// deterministic.
func seedMachine(t *testing.T, store *storage.BadgerStore, clk *clock.Manual, id, displayCode string, stock int) {
	t.Helper()
	err := store.PutMachine(context.Background(), &models.Machine{
		ID:                   id,
		Credential:           "secret-" + id,
		Status:               models.StatusIdle,
		CurrentStock:         stock,
		DisplayCode:          displayCode,
		DisplayCodeExpiresAt: clk.Now().Add(10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("seed machine: %v", err)
	}
}

func TestClaimFreshMachine(t *testing.T) {
	svc, store, clk := newTestService(t)
	ctx := context.Background()
	seedMachine(t, store, clk, "M001", "123456", 10)

	res, err := svc.Claim(ctx, "c1", "123456", 10*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Outcome != OutcomeOK {
		t.Fatalf("expected ok, got %s", res.Outcome)
	}
	if res.MachineID != "M001" {
		t.Fatalf("expected M001, got %s", res.MachineID)
	}
	if want := clk.Now().Add(10 * time.Minute); !res.ExpiresAt.Equal(want) {
		t.Fatalf("expiry %v, want %v", res.ExpiresAt, want)
	}

	m, err := store.GetMachine(ctx, "M001")
	if err != nil {
		t.Fatalf("get machine: %v", err)
	}
	if m.Status != models.StatusLocked {
		t.Fatalf("machine status %s, want locked", m.Status)
	}
	lock, err := store.GetLock(ctx, "M001")
	if err != nil {
		t.Fatalf("get lock: %v", err)
	}
	if lock.LockedBy != "c1" || lock.Status != models.LockStatusLocked {
		t.Fatalf("unexpected lock: %+v", lock)
	}
	if lock.AccessCodeHash != code.Hash("123456") {
		t.Fatal("lock stores something other than the code hash")
	}
}

func TestClaimBusySecondHolder(t *testing.T) {
	svc, store, clk := newTestService(t)
	ctx := context.Background()
	seedMachine(t, store, clk, "M001", "123456", 10)

	if res, _ := svc.Claim(ctx, "c1", "123456", 10*time.Minute); res.Outcome != OutcomeOK {
		t.Fatalf("first claim: %s", res.Outcome)
	}
	res, err := svc.Claim(ctx, "c2", "123456", 10*time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if res.Outcome != OutcomeBusy {
		t.Fatalf("expected busy, got %s", res.Outcome)
	}
	if res.LockedUntil.IsZero() {
		t.Fatal("busy result should carry the current hold's expiry")
	}
	// The original holder's lock is untouched.
	lock, err := store.GetLock(ctx, "M001")
	if err != nil {
		t.Fatalf("get lock: %v", err)
	}
	if lock.LockedBy != "c1" {
		t.Fatalf("lock holder changed to %s", lock.LockedBy)
	}
}

func TestClaimUnknownOrExpiredCodeIsNotFoundNeverBusy(t *testing.T) {
	svc, store, clk := newTestService(t)
	ctx := context.Background()
	seedMachine(t, store, clk, "M001", "123456", 10)

	// Unknown code.
	res, err := svc.Claim(ctx, "c1", "000000", 10*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Outcome != OutcomeCodeNotFound {
		t.Fatalf("expected code_not_found, got %s", res.Outcome)
	}

	// Lock the machine, then expire the display code: even a busy machine
	// must answer code_not_found for a stale code.
	if res, _ := svc.Claim(ctx, "c1", "123456", 10*time.Minute); res.Outcome != OutcomeOK {
		t.Fatalf("setup claim: %s", res.Outcome)
	}
	clk.Advance(11 * time.Minute)
	res, err = svc.Claim(ctx, "c2", "123456", 10*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Outcome != OutcomeCodeNotFound {
		t.Fatalf("expected code_not_found for expired code, got %s", res.Outcome)
	}
}

func TestSameHolderReclaimExtendsTTL(t *testing.T) {
	svc, store, clk := newTestService(t)
	ctx := context.Background()
	seedMachine(t, store, clk, "M001", "123456", 10)

	first, _ := svc.Claim(ctx, "c1", "123456", 10*time.Minute)
	if first.Outcome != OutcomeOK {
		t.Fatalf("first claim: %s", first.Outcome)
	}
	clk.Advance(5 * time.Minute)
	second, err := svc.Claim(ctx, "c1", "123456", 10*time.Minute)
	if err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	if second.Outcome != OutcomeOK {
		t.Fatalf("re-claim by owner should succeed, got %s", second.Outcome)
	}
	if !second.ExpiresAt.After(first.ExpiresAt) {
		t.Fatalf("re-claim did not extend TTL: %v -> %v", first.ExpiresAt, second.ExpiresAt)
	}
	lock, _ := store.GetLock(ctx, "M001")
	if !lock.ExpiresAt.Equal(second.ExpiresAt) {
		t.Fatal("stored lock expiry does not match the re-claim")
	}
}

func TestConcurrentClaimsSingleActiveLock(t *testing.T) {
	svc, store, clk := newTestService(t)
	ctx := context.Background()
	seedMachine(t, store, clk, "M001", "123456", 10)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		holder := string(rune('a' + i))
		go func() {
			defer wg.Done()
			_, _ = svc.Claim(ctx, holder, "123456", 10*time.Minute)
		}()
	}
	wg.Wait()

	// Whatever the interleaving, exactly one lock row exists and every later
	// operation enforces its ownership.
	lock, err := store.GetLock(ctx, "M001")
	if err != nil {
		t.Fatalf("get lock: %v", err)
	}
	if lock.Status != models.LockStatusLocked {
		t.Fatalf("expected a live lock, got %s", lock.Status)
	}
	m, _ := store.GetMachine(ctx, "M001")
	if m.Status != models.StatusLocked {
		t.Fatalf("machine status %s, want locked", m.Status)
	}
	res, _ := svc.Claim(ctx, "late-holder", "123456", 10*time.Minute)
	if res.Outcome != OutcomeBusy {
		t.Fatalf("post-race claim by outsider: %s, want busy", res.Outcome)
	}
}

func TestReleaseOwnership(t *testing.T) {
	svc, store, clk := newTestService(t)
	ctx := context.Background()
	seedMachine(t, store, clk, "M001", "123456", 10)

	if res, _ := svc.Release(ctx, "M001", "c1"); res.Outcome != OutcomeNoLock {
		t.Fatalf("release without lock: %s, want no_lock", res.Outcome)
	}

	svcClaim(t, svc, "c1", "123456")
	if res, _ := svc.Release(ctx, "M001", "c2"); res.Outcome != OutcomeNotOwner {
		t.Fatalf("release by stranger: %s, want not_owner", res.Outcome)
	}

	res, err := svc.Release(ctx, "M001", "c1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if res.Outcome != OutcomeOK {
		t.Fatalf("release by owner: %s", res.Outcome)
	}
	if res.NewDisplayCode == "" || res.NewDisplayCode == "123456" {
		t.Fatalf("display code should rotate, got %q", res.NewDisplayCode)
	}
	m, _ := store.GetMachine(ctx, "M001")
	if m.Status != models.StatusIdle {
		t.Fatalf("machine status %s, want idle", m.Status)
	}
	if _, err := store.GetLock(ctx, "M001"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("lock should be deleted on release")
	}
}

func TestDispenseChecksInOrder(t *testing.T) {
	svc, store, clk := newTestService(t)
	ctx := context.Background()
	seedMachine(t, store, clk, "M001", "123456", 10)

	// no_lock before anything else.
	res, _ := svc.Dispense(ctx, "M001", "c1", "123456", 1, "tx-1", 500)
	if res.Outcome != OutcomeNoLock {
		t.Fatalf("want no_lock, got %s", res.Outcome)
	}

	svcClaim(t, svc, "c1", "123456")

	// not_owner beats access_mismatch: wrong holder with a wrong code.
	res, _ = svc.Dispense(ctx, "M001", "c2", "000000", 1, "tx-1", 500)
	if res.Outcome != OutcomeNotOwner {
		t.Fatalf("want not_owner, got %s", res.Outcome)
	}

	// access_mismatch leaves the lock untouched.
	res, _ = svc.Dispense(ctx, "M001", "c1", "000000", 1, "tx-1", 500)
	if res.Outcome != OutcomeAccessMismatch {
		t.Fatalf("want access_mismatch, got %s", res.Outcome)
	}
	lock, _ := store.GetLock(ctx, "M001")
	if lock.Status != models.LockStatusLocked {
		t.Fatalf("lock consumed on mismatch: %s", lock.Status)
	}

	// expired beats access_mismatch.
	clk.Advance(11 * time.Minute)
	res, _ = svc.Dispense(ctx, "M001", "c1", "000000", 1, "tx-1", 500)
	if res.Outcome != OutcomeExpired {
		t.Fatalf("want expired, got %s", res.Outcome)
	}
}

func TestDispenseSuccessAndDuplicate(t *testing.T) {
	svc, store, clk := newTestService(t)
	ctx := context.Background()
	seedMachine(t, store, clk, "M001", "123456", 10)
	svcClaim(t, svc, "c1", "123456")

	res, err := svc.Dispense(ctx, "M001", "c1", "123456", 2, "tx-42", 1000)
	if err != nil {
		t.Fatalf("dispense: %v", err)
	}
	if res.Outcome != OutcomeOK {
		t.Fatalf("want ok, got %s", res.Outcome)
	}
	m, _ := store.GetMachine(ctx, "M001")
	if m.Status != models.StatusDispatchSent {
		t.Fatalf("machine status %s, want dispatch_sent", m.Status)
	}
	lock, _ := store.GetLock(ctx, "M001")
	if lock.Status != models.LockStatusConsumed {
		t.Fatalf("lock status %s, want consumed (history retained)", lock.Status)
	}
	tx, err := store.GetTransaction(ctx, TxKey("tx-42"))
	if err != nil {
		t.Fatalf("get tx: %v", err)
	}
	if tx.ExternalID != "tx-42" || tx.Quantity != 2 || tx.PaymentStatus != models.PaymentPaid {
		t.Fatalf("unexpected tx: %+v", tx)
	}

	// Re-lock and retry the same external id: exactly one transaction row.
	if err := store.DeleteLock(ctx, "M001"); err != nil {
		t.Fatal(err)
	}
	seedMachine(t, store, clk, "M001", "123456", 10)
	svcClaim(t, svc, "c1", "123456")
	res, err = svc.Dispense(ctx, "M001", "c1", "123456", 2, "tx-42", 1000)
	if err != nil {
		t.Fatalf("duplicate dispense: %v", err)
	}
	if res.Outcome != OutcomeDuplicate {
		t.Fatalf("want duplicate, got %s", res.Outcome)
	}
}

func TestConfirmFlooredStockAndRotation(t *testing.T) {
	svc, store, clk := newTestService(t)
	ctx := context.Background()
	seedMachine(t, store, clk, "M001", "123456", 1)
	svcClaim(t, svc, "c1", "123456")

	if res, _ := svc.Confirm(ctx, "M001", "tx-nope", 1); res.Outcome != OutcomeTxNotFound {
		t.Fatalf("confirm unknown tx: %s, want tx_not_found", res.Outcome)
	}

	if res, _ := svc.Dispense(ctx, "M001", "c1", "123456", 3, "tx-1", 1500); res.Outcome != OutcomeOK {
		t.Fatalf("dispense: %s", res.Outcome)
	}

	// Dispensed more than remaining stock: floor at zero, unavailable.
	res, err := svc.Confirm(ctx, "M001", "tx-1", 3)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.Outcome != OutcomeOK {
		t.Fatalf("confirm: %s", res.Outcome)
	}
	if res.Stock != 0 {
		t.Fatalf("stock %d, want 0", res.Stock)
	}
	if res.NewDisplayCode == "" || res.NewDisplayCode == "123456" {
		t.Fatalf("display code should rotate, got %q", res.NewDisplayCode)
	}
	m, _ := store.GetMachine(ctx, "M001")
	if m.Status != models.StatusUnavailable {
		t.Fatalf("machine status %s, want unavailable at zero stock", m.Status)
	}
	if m.CurrentStock != 0 {
		t.Fatalf("stock %d, want 0", m.CurrentStock)
	}
	if _, err := store.GetLock(ctx, "M001"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("residual lock should be cleared on confirm")
	}
	tx, _ := store.GetTransaction(ctx, TxKey("tx-1"))
	if tx.PaymentStatus != models.PaymentCompleted || tx.Dispensed != 3 {
		t.Fatalf("tx not completed: %+v", tx)
	}
}

func TestConfirmWithStockLeftGoesIdle(t *testing.T) {
	svc, store, clk := newTestService(t)
	ctx := context.Background()
	seedMachine(t, store, clk, "M001", "123456", 5)
	svcClaim(t, svc, "c1", "123456")
	if res, _ := svc.Dispense(ctx, "M001", "c1", "123456", 2, "tx-1", 1000); res.Outcome != OutcomeOK {
		t.Fatal("dispense failed")
	}

	res, err := svc.Confirm(ctx, "M001", "tx-1", 2)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.Stock != 3 {
		t.Fatalf("stock %d, want 3", res.Stock)
	}
	m, _ := store.GetMachine(ctx, "M001")
	if m.Status != models.StatusIdle {
		t.Fatalf("machine status %s, want idle", m.Status)
	}
}

func TestSweepExpiredRoundTrip(t *testing.T) {
	svc, store, clk := newTestService(t)
	ctx := context.Background()
	seedMachine(t, store, clk, "M001", "123456", 10)
	svcClaim(t, svc, "c1", "123456")

	// Live lock: no-op.
	res, err := svc.SweepExpired(ctx, "M001")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Reclaimed {
		t.Fatal("live lock must not be reclaimed")
	}

	clk.Advance(11 * time.Minute)
	res, err = svc.SweepExpired(ctx, "M001")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !res.Reclaimed {
		t.Fatal("expired lock should be reclaimed")
	}
	if res.NewDisplayCode == "" || res.NewDisplayCode == "123456" {
		t.Fatalf("sweep should rotate the code, got %q", res.NewDisplayCode)
	}
	m, _ := store.GetMachine(ctx, "M001")
	if m.Status != models.StatusIdle {
		t.Fatalf("machine status %s, want idle after sweep", m.Status)
	}
	if _, err := store.GetLock(ctx, "M001"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("lock row should be gone after sweep")
	}

	// Second sweep is a no-op.
	res, _ = svc.SweepExpired(ctx, "M001")
	if res.Reclaimed {
		t.Fatal("second sweep reclaimed again")
	}
}

func TestDisplayCodeRefreshOrGet(t *testing.T) {
	svc, store, clk := newTestService(t)
	ctx := context.Background()
	seedMachine(t, store, clk, "M001", "123456", 10)

	res, err := svc.DisplayCode(ctx, "M001", 0)
	if err != nil {
		t.Fatalf("display code: %v", err)
	}
	if res.Code != "123456" {
		t.Fatalf("unexpired code should be returned as-is, got %q", res.Code)
	}

	clk.Advance(11 * time.Minute)
	res, err = svc.DisplayCode(ctx, "M001", 0)
	if err != nil {
		t.Fatalf("display code: %v", err)
	}
	if res.Code == "123456" {
		t.Fatal("expired code should rotate")
	}
	if !res.ExpiresAt.Equal(clk.Now().Add(10 * time.Minute)) {
		t.Fatalf("fresh expiry mismatch: %v", res.ExpiresAt)
	}
}

func TestRegisterMachinePreservesStock(t *testing.T) {
	svc, store, clk := newTestService(t)
	ctx := context.Background()

	res, err := svc.RegisterMachine(ctx, "M001", "secret", 12)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(res.Code) != code.DefaultLength {
		t.Fatalf("display code %q", res.Code)
	}
	m, _ := store.GetMachine(ctx, "M001")
	if m.CurrentStock != 12 || m.Status != models.StatusIdle {
		t.Fatalf("unexpected machine: %+v", m)
	}

	// Re-registration after a reboot keeps stock, rotates the code.
	clk.Advance(time.Hour)
	res2, err := svc.RegisterMachine(ctx, "M001", "secret-2", 0)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if res2.Code == res.Code {
		t.Fatal("re-registration should rotate the display code")
	}
	m, _ = store.GetMachine(ctx, "M001")
	if m.CurrentStock != 12 {
		t.Fatalf("stock clobbered on re-register: %d", m.CurrentStock)
	}
	if m.Credential != "secret-2" {
		t.Fatal("credential should update on re-register")
	}
}

func TestRefillAndLowStockAlert(t *testing.T) {
	store, err := storage.NewInMemoryStore()
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	clk := &clock.Manual{T: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	var alerts []int
	svc := New(store, Options{
		Clock:             clk,
		LowStockThreshold: 5,
		OnLowStock:        func(machineID string, remaining int) { alerts = append(alerts, remaining) },
	})
	ctx := context.Background()
	seedMachine(t, store, clk, "M001", "123456", 0)
	if err := store.SetMachineStatus(ctx, "M001", models.StatusUnavailable); err != nil {
		t.Fatal(err)
	}

	if err := svc.Refill(ctx, "M001", 20); err != nil {
		t.Fatalf("refill: %v", err)
	}
	m, _ := store.GetMachine(ctx, "M001")
	if m.CurrentStock != 20 || m.Status != models.StatusIdle {
		t.Fatalf("refill did not revive machine: %+v", m)
	}
	if len(alerts) != 0 {
		t.Fatal("no alert expected above threshold")
	}

	if err := svc.Refill(ctx, "M001", 3); err != nil {
		t.Fatalf("refill: %v", err)
	}
	if len(alerts) != 1 || alerts[0] != 3 {
		t.Fatalf("expected one low-stock alert at 3, got %v", alerts)
	}
}

func TestStatusHidesHolderFromStrangers(t *testing.T) {
	svc, store, clk := newTestService(t)
	ctx := context.Background()
	seedMachine(t, store, clk, "M001", "123456", 10)
	svcClaim(t, svc, "c1", "123456")

	owner, err := svc.Status(ctx, "M001", "c1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !owner.Locked || owner.LockedBy != "c1" {
		t.Fatalf("owner view should reveal holder: %+v", owner)
	}

	stranger, err := svc.Status(ctx, "M001", "c2")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !stranger.Locked || stranger.LockedBy != "" {
		t.Fatalf("stranger view should hide holder: %+v", stranger)
	}
}

func TestDeviceStatusCredential(t *testing.T) {
	svc, store, clk := newTestService(t)
	ctx := context.Background()
	seedMachine(t, store, clk, "M001", "123456", 10)

	if _, err := svc.DeviceStatus(ctx, "M001", "wrong"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("wrong credential should look like not-found, got %v", err)
	}
	st, err := svc.DeviceStatus(ctx, "M001", "secret-M001")
	if err != nil {
		t.Fatalf("device status: %v", err)
	}
	if st.DisplayCode != "123456" {
		t.Fatalf("device view should include the code: %+v", st)
	}
}

func TestTxKeyDeterministic(t *testing.T) {
	if TxKey("tx-42") != TxKey("tx-42") {
		t.Fatal("TxKey must be deterministic")
	}
	if TxKey("tx-42") == TxKey("tx-43") {
		t.Fatal("distinct external ids must map to distinct keys")
	}
}

func svcClaim(t *testing.T, svc *Service, holder, displayCode string) {
	t.Helper()
	res, err := svc.Claim(context.Background(), holder, displayCode, 10*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Outcome != OutcomeOK {
		t.Fatalf("claim outcome %s", res.Outcome)
	}
}
