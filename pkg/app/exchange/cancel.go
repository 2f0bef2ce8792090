package exchange

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/escrowdex/exchange/pkg/app/core/events"
	"github.com/escrowdex/exchange/pkg/app/core/order"
	"github.com/escrowdex/exchange/pkg/storage"
)

// Cancel closes an Open order owned by sender and returns its escrowed
// value to the owner's free balance. Cancelling a terminal order fails
// with ErrAlreadyTerminal and mutates nothing.
func (a *App) Cancel(sender common.Address, orderID, requestID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, done := a.replayLocked(requestID); done {
		return nil
	}

	o, err := a.orders.Get(orderID)
	if err != nil {
		return err
	}
	if o.Owner != sender {
		return fmt.Errorf("%w: %s owned by %s", ErrNotOwner, orderID, o.Owner.Hex())
	}
	if o.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", order.ErrAlreadyTerminal, orderID, o.State)
	}

	if err := a.ledger.Release(sender, o.EscrowValue); err != nil {
		return err
	}
	if err := a.orders.Transition(orderID, order.Cancelled); err != nil {
		a.log.Errorw("cancel transition failed after release", "order", orderID, "err", err)
		return err
	}

	evt := events.Event{
		Type:      events.TypeOrderCancelled,
		Timestamp: a.clock.Now().UnixMilli(),
		OrderID:   orderID,
		Account:   sender.Hex(),
		Value:     o.EscrowValue.Dec(),
	}
	if err := a.commit(requestID, orderID, evt, []common.Address{sender}, func(b *storage.Batch) error {
		if err := a.ledger.Stage(b, sender); err != nil {
			return err
		}
		return a.orders.Stage(b, orderID)
	}); err != nil {
		return err
	}

	a.log.Infow("order_cancelled",
		"order", orderID,
		"owner", sender.Hex(),
		"released", o.EscrowValue.Dec())
	return nil
}
