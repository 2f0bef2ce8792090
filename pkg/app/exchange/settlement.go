package exchange

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/escrowdex/exchange/pkg/app/core/events"
	"github.com/escrowdex/exchange/pkg/app/core/order"
	"github.com/escrowdex/exchange/pkg/storage"
)

// Buy is the immediate-fill path: the attached value is credited to the
// exchange-held balance of the sender and the order is recorded directly
// as Filled, never resting in the book. Emits the LogBuy event the
// on-chain interface exposed, value field included.
func (a *App) Buy(sender common.Address, amount, price, value *uint256.Int, requestID string) (*order.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if orderID, done := a.replayLocked(requestID); done {
		return a.orders.Get(orderID)
	}

	expected, err := notional(amount, price)
	if err != nil {
		return nil, err
	}
	if value == nil || !value.Eq(expected) {
		return nil, valueMismatch(value, expected)
	}

	if err := a.ledger.Credit(sender, expected); err != nil {
		return nil, err
	}

	seq := a.orders.NextSeq()
	o := &order.Order{
		ID:          order.NewID(sender, amount, price, seq),
		Owner:       sender,
		Side:        order.Buy,
		Amount:      new(uint256.Int).Set(amount),
		Price:       new(uint256.Int).Set(price),
		EscrowValue: expected,
		State:       order.Filled,
		CreatedAt:   a.clock.Now().UnixMilli(),
	}
	if err := a.orders.Create(o); err != nil {
		if rerr := a.ledger.Debit(sender, expected); rerr != nil {
			a.log.Errorw("credit rollback failed", "order", o.ID, "err", rerr)
		}
		return nil, err
	}

	evt := events.Event{
		Type:      events.TypeLogBuy,
		Timestamp: o.CreatedAt,
		OrderID:   o.ID,
		Account:   sender.Hex(),
		Amount:    amount.Dec(),
		Price:     price.Dec(),
		Value:     expected.Dec(),
	}
	if err := a.commit(requestID, o.ID, evt, []common.Address{sender}, func(b *storage.Batch) error {
		if err := a.ledger.Stage(b, sender); err != nil {
			return err
		}
		return a.orders.Stage(b, o.ID)
	}); err != nil {
		return nil, err
	}

	a.log.Infow("buy_filled",
		"order", o.ID,
		"buyer", sender.Hex(),
		"amount", amount.Dec(),
		"price", price.Dec(),
		"value", expected.Dec())
	return o.Clone(), nil
}

// Fill settles an Open order against a counterparty: the order's escrowed
// value moves to the filler's free balance and the order closes Filled.
func (a *App) Fill(sender common.Address, orderID, requestID string) (*order.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id, done := a.replayLocked(requestID); done {
		return a.orders.Get(id)
	}

	o, err := a.orders.Get(orderID)
	if err != nil {
		return nil, err
	}
	if o.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", order.ErrAlreadyTerminal, orderID, o.State)
	}

	if err := a.ledger.Settle(o.Owner, sender, o.EscrowValue); err != nil {
		return nil, err
	}
	// The terminal check above makes this transition infallible; an error
	// here means the stores disagree and the request must not commit.
	if err := a.orders.Transition(orderID, order.Filled); err != nil {
		a.log.Errorw("fill transition failed after settle", "order", orderID, "err", err)
		return nil, err
	}

	evt := events.Event{
		Type:         events.TypeOrderFilled,
		Timestamp:    a.clock.Now().UnixMilli(),
		OrderID:      orderID,
		Account:      o.Owner.Hex(),
		Counterparty: sender.Hex(),
		Amount:       o.Amount.Dec(),
		Price:        o.Price.Dec(),
		Value:        o.EscrowValue.Dec(),
	}
	if err := a.commit(requestID, orderID, evt, []common.Address{o.Owner, sender}, func(b *storage.Batch) error {
		if err := a.ledger.Stage(b, o.Owner); err != nil {
			return err
		}
		if err := a.ledger.Stage(b, sender); err != nil {
			return err
		}
		return a.orders.Stage(b, orderID)
	}); err != nil {
		return nil, err
	}

	a.log.Infow("order_filled",
		"order", orderID,
		"owner", o.Owner.Hex(),
		"filler", sender.Hex(),
		"value", o.EscrowValue.Dec())
	return a.orders.Get(orderID)
}
