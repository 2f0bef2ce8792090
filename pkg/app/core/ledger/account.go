package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Account tracks the funds the exchange holds for one address.
// FreeBalance is spendable; Escrowed is locked against open orders and
// only moves back out through a fill, a settlement or a cancellation.
type Account struct {
	Address     common.Address
	FreeBalance *uint256.Int
	Escrowed    *uint256.Int
}

func NewAccount(addr common.Address) *Account {
	return &Account{
		Address:     addr,
		FreeBalance: uint256.NewInt(0),
		Escrowed:    uint256.NewInt(0),
	}
}

// Validate checks structural invariants. Balances are unsigned so they
// can never go negative; what can break is a nil field after a bad load.
func (a *Account) Validate() error {
	if a.FreeBalance == nil {
		return fmt.Errorf("account %s: nil free balance", a.Address.Hex())
	}
	if a.Escrowed == nil {
		return fmt.Errorf("account %s: nil escrowed balance", a.Address.Hex())
	}
	return nil
}

// Clone returns a deep copy safe to hand to readers.
func (a *Account) Clone() *Account {
	return &Account{
		Address:     a.Address,
		FreeBalance: new(uint256.Int).Set(a.FreeBalance),
		Escrowed:    new(uint256.Int).Set(a.Escrowed),
	}
}

// accountRecord is the persisted form. Balances are stored as decimal
// strings so the on-disk format is independent of uint256 internals.
type accountRecord struct {
	Address     string `json:"address"`
	FreeBalance string `json:"freeBalance"`
	Escrowed    string `json:"escrowed"`
}

func (a *Account) toRecord() accountRecord {
	return accountRecord{
		Address:     a.Address.Hex(),
		FreeBalance: a.FreeBalance.Dec(),
		Escrowed:    a.Escrowed.Dec(),
	}
}

func (r accountRecord) toAccount() (*Account, error) {
	free, err := uint256.FromDecimal(r.FreeBalance)
	if err != nil {
		return nil, fmt.Errorf("account %s: bad free balance %q: %w", r.Address, r.FreeBalance, err)
	}
	escrowed, err := uint256.FromDecimal(r.Escrowed)
	if err != nil {
		return nil, fmt.Errorf("account %s: bad escrowed balance %q: %w", r.Address, r.Escrowed, err)
	}
	return &Account{
		Address:     common.HexToAddress(r.Address),
		FreeBalance: free,
		Escrowed:    escrowed,
	}, nil
}
