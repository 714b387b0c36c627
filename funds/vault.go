package funds

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/google/uuid"

	"aimarket/storage"
)

var (
	// ErrInsufficientFunds is returned when the payer balance cannot cover a
	// lock request.
	ErrInsufficientFunds = errors.New("funds: insufficient funds")
	// ErrTransferFailed is returned when a settlement could not be applied.
	ErrTransferFailed = errors.New("funds: transfer failed")
	// ErrLockNotFound is returned for operations against an unknown lock.
	ErrLockNotFound = errors.New("funds: lock not found")
	// ErrLockSettled is returned when a lock was already released or refunded.
	ErrLockSettled = errors.New("funds: lock already settled")
)

// LockID identifies a reserved amount held by the vault.
type LockID string

// Vault is the opaque value-transfer capability consumed by the escrow
// engine. Lock reserves funds from a payer; Release pays (part of) a lock out
// to a recipient, returning any remainder to the payer; Refund returns the
// full remaining lock. A settled lock can never be settled again.
type Vault interface {
	Lock(from string, amount *big.Int) (LockID, error)
	Release(id LockID, to string, amount *big.Int) error
	Refund(id LockID) error
}

type lockState struct {
	ID        string `json:"id"`
	Owner     string `json:"owner"`
	Remaining string `json:"remaining"`
	Settled   bool   `json:"settled"`
}

// WalletVault is the reference Vault implementation holding account balances
// in a storage.Database. It exists for local deployments and simulations; a
// production deployment substitutes a token-network backed capability.
type WalletVault struct {
	mu sync.Mutex
	db storage.Database
}

// NewWalletVault constructs a vault over the provided database.
func NewWalletVault(db storage.Database) *WalletVault {
	return &WalletVault{db: db}
}

func balanceKey(addr string) []byte { return []byte("funds/balance/" + addr) }
func lockKey(id LockID) []byte      { return []byte("funds/lock/" + string(id)) }

// Balance returns the spendable balance for an address.
func (v *WalletVault) Balance(addr string) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balance(addr)
}

// Deposit credits an address. Used by the faucet CLI and tests.
func (v *WalletVault) Deposit(addr string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("funds: deposit amount must be positive")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	balance, err := v.balance(addr)
	if err != nil {
		return err
	}
	return v.setBalance(addr, new(big.Int).Add(balance, amount))
}

// Lock reserves amount from the payer. The reservation survives restarts.
func (v *WalletVault) Lock(from string, amount *big.Int) (LockID, error) {
	if strings.TrimSpace(from) == "" {
		return "", fmt.Errorf("funds: empty payer address")
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("funds: lock amount must be positive")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	balance, err := v.balance(from)
	if err != nil {
		return "", err
	}
	if balance.Cmp(amount) < 0 {
		return "", ErrInsufficientFunds
	}
	if err := v.setBalance(from, new(big.Int).Sub(balance, amount)); err != nil {
		return "", err
	}
	id := LockID("lock_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
	state := lockState{ID: string(id), Owner: from, Remaining: amount.String()}
	if err := v.putLock(id, &state); err != nil {
		// Undo the debit so a failed persist never strands funds.
		_ = v.setBalance(from, balance)
		return "", fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return id, nil
}

// Release pays amount from the lock to the recipient and returns any
// remainder to the lock owner. The lock is settled afterwards.
func (v *WalletVault) Release(id LockID, to string, amount *big.Int) error {
	if strings.TrimSpace(to) == "" {
		return fmt.Errorf("funds: empty recipient address")
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("funds: release amount must be non-negative")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	state, remaining, err := v.openLock(id)
	if err != nil {
		return err
	}
	if remaining.Cmp(amount) < 0 {
		return fmt.Errorf("%w: release exceeds locked amount", ErrTransferFailed)
	}
	if amount.Sign() > 0 {
		if err := v.credit(to, amount); err != nil {
			return err
		}
	}
	residual := new(big.Int).Sub(remaining, amount)
	if residual.Sign() > 0 {
		if err := v.credit(state.Owner, residual); err != nil {
			return err
		}
	}
	state.Remaining = "0"
	state.Settled = true
	return v.putLock(id, state)
}

// ReleaseSplit pays several recipients from one lock in a single settlement,
// returning any remainder to the lock owner. Used for dispute outcomes where
// the validator fee and the bidder payout settle together.
func (v *WalletVault) ReleaseSplit(id LockID, payouts map[string]*big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	state, remaining, err := v.openLock(id)
	if err != nil {
		return err
	}
	total := big.NewInt(0)
	for addr, amount := range payouts {
		if strings.TrimSpace(addr) == "" || amount == nil || amount.Sign() < 0 {
			return fmt.Errorf("%w: invalid payout entry", ErrTransferFailed)
		}
		total.Add(total, amount)
	}
	if remaining.Cmp(total) < 0 {
		return fmt.Errorf("%w: payouts exceed locked amount", ErrTransferFailed)
	}
	for addr, amount := range payouts {
		if amount.Sign() == 0 {
			continue
		}
		if err := v.credit(addr, amount); err != nil {
			return err
		}
	}
	residual := new(big.Int).Sub(remaining, total)
	if residual.Sign() > 0 {
		if err := v.credit(state.Owner, residual); err != nil {
			return err
		}
	}
	state.Remaining = "0"
	state.Settled = true
	return v.putLock(id, state)
}

// Refund returns the full remaining lock to its owner and settles the lock.
func (v *WalletVault) Refund(id LockID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	state, remaining, err := v.openLock(id)
	if err != nil {
		return err
	}
	if remaining.Sign() > 0 {
		if err := v.credit(state.Owner, remaining); err != nil {
			return err
		}
	}
	state.Remaining = "0"
	state.Settled = true
	return v.putLock(id, state)
}

// PartialRefund returns amount to the lock owner while keeping the lock open.
// Used in auction mode where the maxPrice/bid difference is returned to the
// requester immediately at assignment.
func (v *WalletVault) PartialRefund(id LockID, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("funds: refund amount must be non-negative")
	}
	if amount.Sign() == 0 {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	state, remaining, err := v.openLock(id)
	if err != nil {
		return err
	}
	if remaining.Cmp(amount) < 0 {
		return fmt.Errorf("%w: refund exceeds locked amount", ErrTransferFailed)
	}
	if err := v.credit(state.Owner, amount); err != nil {
		return err
	}
	state.Remaining = new(big.Int).Sub(remaining, amount).String()
	return v.putLock(id, state)
}

// LockedTotal sums the remaining amounts of every open lock. Exposed for the
// daemon's escrowed-funds gauge.
func (v *WalletVault) LockedTotal() (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	total := big.NewInt(0)
	var iterErr error
	err := v.db.IteratePrefix([]byte("funds/lock/"), func(_, value []byte) bool {
		state := &lockState{}
		if err := json.Unmarshal(value, state); err != nil {
			iterErr = fmt.Errorf("%w: corrupt lock record", ErrTransferFailed)
			return false
		}
		if state.Settled {
			return true
		}
		remaining, ok := new(big.Int).SetString(state.Remaining, 10)
		if !ok {
			iterErr = fmt.Errorf("%w: corrupt lock %s", ErrTransferFailed, state.ID)
			return false
		}
		total.Add(total, remaining)
		return true
	})
	if err != nil {
		return nil, err
	}
	if iterErr != nil {
		return nil, iterErr
	}
	return total, nil
}

func (v *WalletVault) openLock(id LockID) (*lockState, *big.Int, error) {
	state, err := v.getLock(id)
	if err != nil {
		return nil, nil, err
	}
	if state.Settled {
		return nil, nil, ErrLockSettled
	}
	remaining, ok := new(big.Int).SetString(state.Remaining, 10)
	if !ok {
		return nil, nil, fmt.Errorf("%w: corrupt lock %s", ErrTransferFailed, id)
	}
	return state, remaining, nil
}

func (v *WalletVault) credit(addr string, amount *big.Int) error {
	balance, err := v.balance(addr)
	if err != nil {
		return err
	}
	return v.setBalance(addr, new(big.Int).Add(balance, amount))
}

func (v *WalletVault) balance(addr string) (*big.Int, error) {
	raw, err := v.db.Get(balanceKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	balance, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, fmt.Errorf("%w: corrupt balance for %s", ErrTransferFailed, addr)
	}
	return balance, nil
}

func (v *WalletVault) setBalance(addr string, balance *big.Int) error {
	if err := v.db.Put(balanceKey(addr), []byte(balance.String())); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

func (v *WalletVault) getLock(id LockID) (*lockState, error) {
	raw, err := v.db.Get(lockKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrLockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	state := &lockState{}
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("%w: corrupt lock %s", ErrTransferFailed, id)
	}
	return state, nil
}

func (v *WalletVault) putLock(id LockID, state *lockState) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := v.db.Put(lockKey(id), encoded); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}
