package exchange

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/escrowdex/exchange/pkg/app/core/events"
	"github.com/escrowdex/exchange/pkg/app/core/order"
	"github.com/escrowdex/exchange/pkg/storage"
)

// PlaceOrder validates a resting buy order, escrows its full quote value
// and records it Open. The attached value must equal the wad-scaled
// notional amount x price / 1e18 exactly; escrow is taken from the
// sender's previously deposited free balance. Fails before the first
// mutation or commits everything.
func (a *App) PlaceOrder(sender common.Address, amount, price, value *uint256.Int, requestID string) (*order.Order, error) {
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

	if err := a.ledger.Escrow(sender, expected); err != nil {
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
		State:       order.Open,
		CreatedAt:   a.clock.Now().UnixMilli(),
	}
	if err := a.orders.Create(o); err != nil {
		// Sequence numbers make collisions unreachable; undo the escrow
		// so a failed request leaves no trace.
		if rerr := a.ledger.Release(sender, expected); rerr != nil {
			a.log.Errorw("escrow rollback failed", "order", o.ID, "err", rerr)
		}
		return nil, err
	}

	evt := events.Event{
		Type:      events.TypeOrderPlaced,
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

	a.log.Infow("order_placed",
		"order", o.ID,
		"owner", sender.Hex(),
		"amount", amount.Dec(),
		"price", price.Dec(),
		"escrowed", expected.Dec())
	return o.Clone(), nil
}
