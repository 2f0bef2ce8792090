package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/escrowdex/exchange/pkg/storage"
)

var (
	// ErrInsufficientFunds means a debit or escrow would exceed the
	// account's free balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvariantViolation means a release or settlement asked for more
	// than the account has escrowed. Correct callers never trigger it.
	ErrInvariantViolation = errors.New("ledger invariant violation")
)

// Ledger is the single source of truth for funds. It keeps accounts in
// memory, loads them lazily from pebble, and stages dirty accounts into
// the caller's batch so balance moves commit with the rest of a request.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[common.Address]*Account
	store    *storage.Store
}

func New(store *storage.Store) *Ledger {
	return &Ledger{
		accounts: make(map[common.Address]*Account),
		store:    store,
	}
}

// getLocked returns the cached account, loading from pebble or creating
// a zero-balance account on first touch. Caller holds l.mu.
func (l *Ledger) getLocked(addr common.Address) (*Account, error) {
	if acc, ok := l.accounts[addr]; ok {
		return acc, nil
	}

	data, ok, err := l.store.Get(storage.AccountKey(addr))
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", addr.Hex(), err)
	}

	acc := NewAccount(addr)
	if ok {
		var rec accountRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode account %s: %w", addr.Hex(), err)
		}
		if acc, err = rec.toAccount(); err != nil {
			return nil, err
		}
	}

	l.accounts[addr] = acc
	return acc, nil
}

// Credit increases the account's free balance. Growth is unconditionally
// safe, so the only error path is a failed load.
func (l *Ledger) Credit(addr common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, err := l.getLocked(addr)
	if err != nil {
		return err
	}
	acc.FreeBalance.Add(acc.FreeBalance, amount)
	return nil
}

// Debit decreases the account's free balance, failing if it would go
// negative. Used by withdrawals.
func (l *Ledger) Debit(addr common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, err := l.getLocked(addr)
	if err != nil {
		return err
	}
	if acc.FreeBalance.Lt(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, acc.FreeBalance.Dec(), amount.Dec())
	}
	acc.FreeBalance.Sub(acc.FreeBalance, amount)
	return nil
}

// Escrow moves amount from free balance into escrow atomically.
func (l *Ledger) Escrow(addr common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, err := l.getLocked(addr)
	if err != nil {
		return err
	}
	if acc.FreeBalance.Lt(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, acc.FreeBalance.Dec(), amount.Dec())
	}
	acc.FreeBalance.Sub(acc.FreeBalance, amount)
	acc.Escrowed.Add(acc.Escrowed, amount)
	return nil
}

// Release moves amount from escrow back to free balance.
func (l *Ledger) Release(addr common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, err := l.getLocked(addr)
	if err != nil {
		return err
	}
	if acc.Escrowed.Lt(amount) {
		return fmt.Errorf("%w: release %s exceeds escrowed %s for %s",
			ErrInvariantViolation, amount.Dec(), acc.Escrowed.Dec(), addr.Hex())
	}
	acc.Escrowed.Sub(acc.Escrowed, amount)
	acc.FreeBalance.Add(acc.FreeBalance, amount)
	return nil
}

// Settle pays amount of from's escrow out to to's free balance. No
// intermediate state is observable: both sides move under one lock and
// persist in one batch.
func (l *Ledger) Settle(from, to common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	src, err := l.getLocked(from)
	if err != nil {
		return err
	}
	if src.Escrowed.Lt(amount) {
		return fmt.Errorf("%w: settle %s exceeds escrowed %s for %s",
			ErrInvariantViolation, amount.Dec(), src.Escrowed.Dec(), from.Hex())
	}
	dst, err := l.getLocked(to)
	if err != nil {
		return err
	}
	src.Escrowed.Sub(src.Escrowed, amount)
	dst.FreeBalance.Add(dst.FreeBalance, amount)
	return nil
}

// FreeBalanceOf returns a copy of the account's spendable balance.
// Unknown accounts read as zero.
func (l *Ledger) FreeBalanceOf(addr common.Address) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, err := l.getLocked(addr)
	if err != nil {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Set(acc.FreeBalance)
}

// EscrowedOf returns a copy of the account's escrowed balance. This is
// the deposits(account) read of the external interface. Accounts that
// fail to load read as zero; the error resurfaces on the next mutation.
func (l *Ledger) EscrowedOf(addr common.Address) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, err := l.getLocked(addr)
	if err != nil {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Set(acc.Escrowed)
}

// Get returns a snapshot copy of the account, loading it if needed.
func (l *Ledger) Get(addr common.Address) (*Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, err := l.getLocked(addr)
	if err != nil {
		return nil, err
	}
	return acc.Clone(), nil
}

// Evict drops accounts from the in-memory cache. The next touch reloads
// the last committed state from pebble; callers use this to discard
// mutations whose batch failed to commit.
func (l *Ledger) Evict(addrs ...common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, addr := range addrs {
		delete(l.accounts, addr)
	}
}

// Stage writes the account's current state into the batch.
func (l *Ledger) Stage(b *storage.Batch, addr common.Address) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	acc, ok := l.accounts[addr]
	if !ok {
		return fmt.Errorf("stage unknown account %s", addr.Hex())
	}
	data, err := json.Marshal(acc.toRecord())
	if err != nil {
		return fmt.Errorf("encode account %s: %w", addr.Hex(), err)
	}
	return b.Set(storage.AccountKey(addr), data)
}
