// Package exchange is the escrow-based order placement and settlement
// engine. Requests arrive pre-ordered and pre-authenticated from the
// submission layer; the App applies them one at a time, each as a single
// atomic unit of ledger moves, order mutations and one emitted event.
package exchange

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/escrowdex/exchange/pkg/app/core/events"
	"github.com/escrowdex/exchange/pkg/app/core/ledger"
	"github.com/escrowdex/exchange/pkg/app/core/order"
	"github.com/escrowdex/exchange/pkg/storage"
	"github.com/escrowdex/exchange/pkg/util"
)

// App wires the ledger, the order store and the event log over one shared
// pebble database. A single mutex makes request application serial: there
// is no intra-request concurrency and no partial visibility of in-flight
// state.
type App struct {
	mu sync.Mutex

	store  *storage.Store
	ledger *ledger.Ledger
	orders *order.Store
	events *events.Log
	clock  util.Clock
	log    *zap.SugaredLogger

	// requests maps committed request ids to the order id they produced
	// ("" for funding operations). Replays are answered from here and
	// never re-applied.
	requests map[string]string

	// OnEvent, if set, is called after each commit with the emitted
	// event. Used by the API layer to push WebSocket updates.
	OnEvent func(events.Event)
}

// New opens the database at dbPath and recovers all state.
func New(dbPath string, logger *zap.SugaredLogger, clock util.Clock) (*App, error) {
	st, err := storage.Open(dbPath)
	if err != nil {
		return nil, err
	}

	orders, err := order.NewStore(st)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("recover orders: %w", err)
	}
	log, err := events.NewLog(st)
	if err != nil {
		st.Close()
		return nil, err
	}

	a := &App{
		store:    st,
		ledger:   ledger.New(st),
		orders:   orders,
		events:   log,
		clock:    clock,
		log:      logger,
		requests: make(map[string]string),
	}

	err = st.Scan(storage.RequestPrefix(), func(key, val []byte) error {
		id := string(key[len(storage.RequestPrefix()):])
		a.requests[id] = string(val)
		return nil
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("recover requests: %w", err)
	}

	return a, nil
}

func (a *App) Close() error { return a.store.Close() }

// wad is the 1e18 fixed-point unit. Amounts and prices are wad-scaled,
// so the quote value of an order is amount x price / wad.
var wad = uint256.MustFromDecimal("1000000000000000000")

// notional computes the wad-scaled quote value amount x price / 1e18,
// checking the intermediate product for overflow. This is the only
// arithmetic a request performs before touching state.
func notional(amount, price *uint256.Int) (*uint256.Int, error) {
	if amount == nil || amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	if price == nil || price.IsZero() {
		return nil, ErrInvalidPrice
	}
	product, overflow := new(uint256.Int).MulOverflow(amount, price)
	if overflow {
		return nil, fmt.Errorf("%w: %s x %s", ErrArithmeticOverflow, amount.Dec(), price.Dec())
	}
	return product.Div(product, wad), nil
}

// replayLocked answers an already-committed request id without
// re-applying it. Failed requests are never recorded, so replaying one
// simply re-validates. Caller holds a.mu.
func (a *App) replayLocked(requestID string) (string, bool) {
	if requestID == "" {
		return "", false
	}
	orderID, ok := a.requests[requestID]
	return orderID, ok
}

// commit stages the request id, appends the event, and commits the batch.
// stage writes the touched accounts and orders. Any failure evicts the
// touched in-memory state so it reloads from the last committed version:
// memory never serves a mutation that did not reach disk. Caller holds a.mu.
func (a *App) commit(requestID, orderID string, evt events.Event, touched []common.Address, stage func(b *storage.Batch) error) error {
	b := a.store.NewBatch()
	defer b.Close()

	fail := func(err error) error {
		a.ledger.Evict(touched...)
		if orderID != "" {
			if rerr := a.orders.Reload(orderID); rerr != nil {
				a.log.Errorw("order rollback failed", "order", orderID, "err", rerr)
			}
		}
		return err
	}

	if err := stage(b); err != nil {
		return fail(err)
	}
	committed, err := a.events.Append(b, evt)
	if err != nil {
		return fail(err)
	}
	if requestID != "" {
		if err := b.Set(storage.RequestKey(requestID), []byte(orderID)); err != nil {
			return fail(err)
		}
	}
	if err := b.Commit(); err != nil {
		return fail(fmt.Errorf("commit request: %w", err))
	}

	if requestID != "" {
		a.requests[requestID] = orderID
	}
	if a.OnEvent != nil {
		a.OnEvent(committed)
	}
	return nil
}

// Deposit credits funds to an account's free balance. This is how the
// submission layer hands value to the core before orders can escrow it.
func (a *App) Deposit(addr common.Address, amount *uint256.Int, requestID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, done := a.replayLocked(requestID); done {
		return nil
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	if err := a.ledger.Credit(addr, amount); err != nil {
		return err
	}

	evt := events.Event{
		Type:      events.TypeDepositMade,
		Timestamp: a.clock.Now().UnixMilli(),
		Account:   addr.Hex(),
		Value:     amount.Dec(),
	}
	if err := a.commit(requestID, "", evt, []common.Address{addr}, func(b *storage.Batch) error {
		return a.ledger.Stage(b, addr)
	}); err != nil {
		return err
	}

	a.log.Infow("deposit", "account", addr.Hex(), "value", amount.Dec())
	return nil
}

// Withdraw debits an account's free balance. Escrowed funds stay locked
// until their orders close.
func (a *App) Withdraw(addr common.Address, amount *uint256.Int, requestID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, done := a.replayLocked(requestID); done {
		return nil
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	if err := a.ledger.Debit(addr, amount); err != nil {
		return err
	}

	evt := events.Event{
		Type:      events.TypeWithdrawalMade,
		Timestamp: a.clock.Now().UnixMilli(),
		Account:   addr.Hex(),
		Value:     amount.Dec(),
	}
	if err := a.commit(requestID, "", evt, []common.Address{addr}, func(b *storage.Batch) error {
		return a.ledger.Stage(b, addr)
	}); err != nil {
		return err
	}

	a.log.Infow("withdrawal", "account", addr.Hex(), "value", amount.Dec())
	return nil
}

// Deposits returns the account's escrowed amount, the deposits(account)
// read of the on-chain interface.
func (a *App) Deposits(addr common.Address) *uint256.Int {
	return a.ledger.EscrowedOf(addr)
}

// Account returns a balance snapshot.
func (a *App) Account(addr common.Address) (*ledger.Account, error) {
	return a.ledger.Get(addr)
}

// GetOrder looks up an order by id.
func (a *App) GetOrder(id string) (*order.Order, error) {
	return a.orders.Get(id)
}

// OpenOrders returns the account's open orders.
func (a *App) OpenOrders(addr common.Address) []*order.Order {
	return a.orders.OpenOrders(addr)
}

// Events reads committed events from the given cursor.
func (a *App) Events(cursor uint64, limit int) ([]events.Event, error) {
	return a.events.ReadFrom(cursor, limit)
}

// ValidateAccount audits the escrow invariant: escrowed must equal the
// sum of escrow values over the account's open orders.
func (a *App) ValidateAccount(addr common.Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	sum := uint256.NewInt(0)
	for _, o := range a.orders.OpenOrders(addr) {
		var overflow bool
		if sum, overflow = new(uint256.Int).AddOverflow(sum, o.EscrowValue); overflow {
			return fmt.Errorf("%w: open order escrow sum", ErrArithmeticOverflow)
		}
	}
	escrowed := a.ledger.EscrowedOf(addr)
	if !escrowed.Eq(sum) {
		return fmt.Errorf("escrow invariant broken for %s: ledger %s, open orders %s",
			addr.Hex(), escrowed.Dec(), sum.Dec())
	}
	return nil
}
