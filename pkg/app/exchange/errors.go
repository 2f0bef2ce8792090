package exchange

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// Validation failures detected before any mutation. Every operation is
// all-or-nothing: a request that fails leaves balances and the order set
// untouched, and no event is emitted.
var (
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrInvalidPrice       = errors.New("price must be positive")
	ErrValueMismatch      = errors.New("attached value does not match amount x price")
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
	ErrNotOwner           = errors.New("sender does not own order")
)

func valueMismatch(attached, expected *uint256.Int) error {
	got := "0"
	if attached != nil {
		got = attached.Dec()
	}
	return fmt.Errorf("%w: attached %s, expected %s", ErrValueMismatch, got, expected.Dec())
}
