package funds

import (
	"errors"
	"math/big"
	"testing"

	"aimarket/storage"
)

func newVault(t *testing.T) *WalletVault {
	t.Helper()
	return NewWalletVault(storage.NewMemDB())
}

func mustBalance(t *testing.T, v *WalletVault, addr string, want int64) {
	t.Helper()
	balance, err := v.Balance(addr)
	if err != nil {
		t.Fatalf("balance %s: %v", addr, err)
	}
	if balance.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("balance %s = %s, want %d", addr, balance, want)
	}
}

func TestDepositAndBalance(t *testing.T) {
	vault := newVault(t)
	mustBalance(t, vault, "addr_a", 0)

	if err := vault.Deposit("addr_a", big.NewInt(500)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := vault.Deposit("addr_a", big.NewInt(250)); err != nil {
		t.Fatalf("second deposit: %v", err)
	}
	mustBalance(t, vault, "addr_a", 750)

	if err := vault.Deposit("addr_a", big.NewInt(0)); err == nil {
		t.Fatal("expected rejection for zero deposit")
	}
	if err := vault.Deposit("addr_a", big.NewInt(-5)); err == nil {
		t.Fatal("expected rejection for negative deposit")
	}
}

func TestLockDebitsPayer(t *testing.T) {
	vault := newVault(t)
	if err := vault.Deposit("addr_a", big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	id, err := vault.Lock("addr_a", big.NewInt(400))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if id == "" {
		t.Fatal("empty lock id")
	}
	mustBalance(t, vault, "addr_a", 600)

	if _, err := vault.Lock("addr_a", big.NewInt(700)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	mustBalance(t, vault, "addr_a", 600)
}

func TestReleasePaysRecipientAndReturnsRemainder(t *testing.T) {
	vault := newVault(t)
	if err := vault.Deposit("addr_a", big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	id, err := vault.Lock("addr_a", big.NewInt(400))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	if err := vault.Release(id, "addr_b", big.NewInt(300)); err != nil {
		t.Fatalf("release: %v", err)
	}
	mustBalance(t, vault, "addr_b", 300)
	mustBalance(t, vault, "addr_a", 700)

	// A settled lock never settles again.
	if err := vault.Release(id, "addr_b", big.NewInt(1)); !errors.Is(err, ErrLockSettled) {
		t.Fatalf("expected ErrLockSettled, got %v", err)
	}
	if err := vault.Refund(id); !errors.Is(err, ErrLockSettled) {
		t.Fatalf("expected ErrLockSettled on refund, got %v", err)
	}
}

func TestReleaseExceedingLock(t *testing.T) {
	vault := newVault(t)
	if err := vault.Deposit("addr_a", big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	id, err := vault.Lock("addr_a", big.NewInt(400))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	if err := vault.Release(id, "addr_b", big.NewInt(500)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	// The lock stays open after the rejected settlement.
	if err := vault.Release(id, "addr_b", big.NewInt(400)); err != nil {
		t.Fatalf("release after rejection: %v", err)
	}
	mustBalance(t, vault, "addr_b", 400)
}

func TestReleaseSplit(t *testing.T) {
	vault := newVault(t)
	if err := vault.Deposit("addr_a", big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	id, err := vault.Lock("addr_a", big.NewInt(800))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	err = vault.ReleaseSplit(id, map[string]*big.Int{
		"addr_worker":   big.NewInt(780),
		"addr_treasury": big.NewInt(20),
	})
	if err != nil {
		t.Fatalf("release split: %v", err)
	}
	mustBalance(t, vault, "addr_worker", 780)
	mustBalance(t, vault, "addr_treasury", 20)
	mustBalance(t, vault, "addr_a", 200)
}

func TestReleaseSplitOverdraw(t *testing.T) {
	vault := newVault(t)
	if err := vault.Deposit("addr_a", big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	id, err := vault.Lock("addr_a", big.NewInt(100))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	err = vault.ReleaseSplit(id, map[string]*big.Int{
		"addr_b": big.NewInt(80),
		"addr_c": big.NewInt(30),
	})
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	mustBalance(t, vault, "addr_b", 0)
	mustBalance(t, vault, "addr_c", 0)
}

func TestRefundReturnsRemaining(t *testing.T) {
	vault := newVault(t)
	if err := vault.Deposit("addr_a", big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	id, err := vault.Lock("addr_a", big.NewInt(400))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	if err := vault.Refund(id); err != nil {
		t.Fatalf("refund: %v", err)
	}
	mustBalance(t, vault, "addr_a", 1000)

	if err := vault.Refund(id); !errors.Is(err, ErrLockSettled) {
		t.Fatalf("expected ErrLockSettled, got %v", err)
	}
}

func TestPartialRefundKeepsLockOpen(t *testing.T) {
	vault := newVault(t)
	if err := vault.Deposit("addr_a", big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	id, err := vault.Lock("addr_a", big.NewInt(1000))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	if err := vault.PartialRefund(id, big.NewInt(400)); err != nil {
		t.Fatalf("partial refund: %v", err)
	}
	mustBalance(t, vault, "addr_a", 400)

	// The remaining 600 still settles normally.
	if err := vault.Release(id, "addr_b", big.NewInt(600)); err != nil {
		t.Fatalf("release remainder: %v", err)
	}
	mustBalance(t, vault, "addr_b", 600)

	if err := vault.PartialRefund(id, big.NewInt(1)); !errors.Is(err, ErrLockSettled) {
		t.Fatalf("expected ErrLockSettled, got %v", err)
	}
}

func TestPartialRefundOverdraw(t *testing.T) {
	vault := newVault(t)
	if err := vault.Deposit("addr_a", big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	id, err := vault.Lock("addr_a", big.NewInt(100))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	if err := vault.PartialRefund(id, big.NewInt(200)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
}

func TestLockedTotalSumsOpenLocks(t *testing.T) {
	vault := newVault(t)
	if err := vault.Deposit("addr_a", big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	total, err := vault.LockedTotal()
	if err != nil {
		t.Fatalf("locked total: %v", err)
	}
	if total.Sign() != 0 {
		t.Fatalf("locked total %s with no locks", total)
	}

	first, err := vault.Lock("addr_a", big.NewInt(400))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	second, err := vault.Lock("addr_a", big.NewInt(300))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	total, err = vault.LockedTotal()
	if err != nil {
		t.Fatalf("locked total: %v", err)
	}
	if total.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("locked total %s, want 700", total)
	}

	// Partial refunds shrink the total; settlement removes the lock entirely.
	if err := vault.PartialRefund(first, big.NewInt(100)); err != nil {
		t.Fatalf("partial refund: %v", err)
	}
	if err := vault.Refund(second); err != nil {
		t.Fatalf("refund: %v", err)
	}
	total, err = vault.LockedTotal()
	if err != nil {
		t.Fatalf("locked total: %v", err)
	}
	if total.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("locked total %s, want 300", total)
	}
}

func TestUnknownLock(t *testing.T) {
	vault := newVault(t)
	if err := vault.Refund(LockID("lock_missing")); !errors.Is(err, ErrLockNotFound) {
		t.Fatalf("expected ErrLockNotFound, got %v", err)
	}
	if err := vault.Release(LockID("lock_missing"), "addr_b", big.NewInt(1)); !errors.Is(err, ErrLockNotFound) {
		t.Fatalf("expected ErrLockNotFound, got %v", err)
	}
}

func TestLocksSurviveReopen(t *testing.T) {
	db := storage.NewMemDB()
	vault := NewWalletVault(db)
	if err := vault.Deposit("addr_a", big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	id, err := vault.Lock("addr_a", big.NewInt(400))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	// A new vault over the same database sees the reservation.
	reopened := NewWalletVault(db)
	if err := reopened.Release(id, "addr_b", big.NewInt(400)); err != nil {
		t.Fatalf("release after reopen: %v", err)
	}
	balance, err := reopened.Balance("addr_b")
	if err != nil || balance.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("balance %s err %v, want 400", balance, err)
	}
}
