package order

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	ErrDuplicateOrder    = errors.New("duplicate order")
	ErrUnknownOrder      = errors.New("unknown order")
	ErrInvalidTransition = errors.New("invalid order state transition")

	// ErrAlreadyTerminal means an operation targeted an order that is
	// already Filled or Cancelled.
	ErrAlreadyTerminal = errors.New("order already terminal")
)

// Side of an order.
type Side uint8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// State is the order lifecycle state. Transitions are monotonic:
// Open -> Filled and Open -> Cancelled are the only legal moves.
type State uint8

const (
	Open State = iota
	Filled
	Cancelled
)

func (st State) String() string {
	switch st {
	case Open:
		return "open"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transitions.
func (st State) Terminal() bool {
	return st == Filled || st == Cancelled
}

// CanTransition reports whether next is a legal successor of st.
func (st State) CanTransition(next State) bool {
	return st == Open && next.Terminal()
}

// Order is immutable once created except for State. EscrowValue is the
// quote value (amount x price / 1e18, wad fixed point) locked against
// the order while it is Open.
type Order struct {
	ID          string
	Owner       common.Address
	Side        Side
	Amount      *uint256.Int
	Price       *uint256.Int
	EscrowValue *uint256.Int
	State       State
	CreatedAt   int64 // unix milliseconds
}

// NewID derives a content-addressed order id: keccak256 over the owner,
// the amount, the price and a store-issued sequence number. The sequence
// keeps ids unique when an account repeats the same order.
func NewID(owner common.Address, amount, price *uint256.Int, seq uint64) string {
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	a := amount.Bytes32()
	p := price.Bytes32()
	return crypto.Keccak256Hash(owner.Bytes(), a[:], p[:], seqBytes[:]).Hex()
}

// Clone returns a deep copy safe to hand to readers.
func (o *Order) Clone() *Order {
	return &Order{
		ID:          o.ID,
		Owner:       o.Owner,
		Side:        o.Side,
		Amount:      new(uint256.Int).Set(o.Amount),
		Price:       new(uint256.Int).Set(o.Price),
		EscrowValue: new(uint256.Int).Set(o.EscrowValue),
		State:       o.State,
		CreatedAt:   o.CreatedAt,
	}
}

// orderRecord is the persisted form; numbers as decimal strings.
type orderRecord struct {
	ID          string `json:"id"`
	Owner       string `json:"owner"`
	Side        string `json:"side"`
	Amount      string `json:"amount"`
	Price       string `json:"price"`
	EscrowValue string `json:"escrowValue"`
	State       string `json:"state"`
	CreatedAt   int64  `json:"createdAt"`
}

func (o *Order) toRecord() orderRecord {
	return orderRecord{
		ID:          o.ID,
		Owner:       o.Owner.Hex(),
		Side:        o.Side.String(),
		Amount:      o.Amount.Dec(),
		Price:       o.Price.Dec(),
		EscrowValue: o.EscrowValue.Dec(),
		State:       o.State.String(),
		CreatedAt:   o.CreatedAt,
	}
}

func (r orderRecord) toOrder() (*Order, error) {
	amount, err := uint256.FromDecimal(r.Amount)
	if err != nil {
		return nil, fmt.Errorf("order %s: bad amount %q: %w", r.ID, r.Amount, err)
	}
	price, err := uint256.FromDecimal(r.Price)
	if err != nil {
		return nil, fmt.Errorf("order %s: bad price %q: %w", r.ID, r.Price, err)
	}
	escrow, err := uint256.FromDecimal(r.EscrowValue)
	if err != nil {
		return nil, fmt.Errorf("order %s: bad escrow value %q: %w", r.ID, r.EscrowValue, err)
	}

	var side Side
	switch r.Side {
	case "buy":
		side = Buy
	case "sell":
		side = Sell
	default:
		return nil, fmt.Errorf("order %s: bad side %q", r.ID, r.Side)
	}

	var state State
	switch r.State {
	case "open":
		state = Open
	case "filled":
		state = Filled
	case "cancelled":
		state = Cancelled
	default:
		return nil, fmt.Errorf("order %s: bad state %q", r.ID, r.State)
	}

	return &Order{
		ID:          r.ID,
		Owner:       common.HexToAddress(r.Owner),
		Side:        side,
		Amount:      amount,
		Price:       price,
		EscrowValue: escrow,
		State:       state,
		CreatedAt:   r.CreatedAt,
	}, nil
}
