package exchange

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/escrowdex/exchange/pkg/app/core/events"
	"github.com/escrowdex/exchange/pkg/app/core/ledger"
	"github.com/escrowdex/exchange/pkg/app/core/order"
)

var (
	alice = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob   = common.HexToAddress("0xBB00000000000000000000000000000000000000")
)

const oneEth = "1000000000000000000"

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newTestApp(t *testing.T) *App {
	t.Helper()
	app, err := New(t.TempDir(), zap.NewNop().Sugar(), fixedClock{t: time.UnixMilli(1700000000000)})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	t.Cleanup(func() { app.Close() })
	return app
}

func u(dec string) *uint256.Int {
	return uint256.MustFromDecimal(dec)
}

// eth scales n into the 1e18 fixed point the engine uses.
func eth(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), u(oneEth))
}

func fund(t *testing.T, app *App, addr common.Address, amount *uint256.Int) {
	t.Helper()
	if err := app.Deposit(addr, amount, ""); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
}

func lastEvent(t *testing.T, app *App) events.Event {
	t.Helper()
	all, err := app.Events(0, 1000)
	if err != nil {
		t.Fatalf("events read failed: %v", err)
	}
	if len(all) == 0 {
		t.Fatal("no events")
	}
	return all[len(all)-1]
}

func TestPlaceOrderEscrowsExactly(t *testing.T) {
	app := newTestApp(t)
	fund(t, app, alice, eth(1))

	// amount 1e18 at price 1e18 is a notional of exactly 1e18.
	o, err := app.PlaceOrder(alice, eth(1), eth(1), eth(1), "")
	if err != nil {
		t.Fatalf("place failed: %v", err)
	}
	if o.State != order.Open || o.Side != order.Buy {
		t.Errorf("order = %+v", o)
	}
	if !o.EscrowValue.Eq(eth(1)) {
		t.Errorf("escrow value = %s, want %s", o.EscrowValue.Dec(), oneEth)
	}
	if got := app.Deposits(alice); !got.Eq(eth(1)) {
		t.Errorf("deposits = %s, want %s", got.Dec(), oneEth)
	}
	acc, _ := app.Account(alice)
	if !acc.FreeBalance.IsZero() {
		t.Errorf("free = %s, want 0", acc.FreeBalance.Dec())
	}
	if err := app.ValidateAccount(alice); err != nil {
		t.Errorf("invariant: %v", err)
	}

	evt := lastEvent(t, app)
	if evt.Type != events.TypeOrderPlaced || evt.OrderID != o.ID {
		t.Errorf("event = %+v", evt)
	}
}

func TestNotionalIsWadScaled(t *testing.T) {
	cases := []struct {
		name                 string
		amount, price, value *uint256.Int
	}{
		{"unit price", eth(1), eth(1), eth(1)},
		{"double price", eth(1), eth(2), eth(2)},
		{"fractional amount", u("500000000000000000"), eth(2), eth(1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := newTestApp(t)
			o, err := app.Buy(alice, tc.amount, tc.price, tc.value, "")
			if err != nil {
				t.Fatalf("buy failed: %v", err)
			}
			if !o.EscrowValue.Eq(tc.value) {
				t.Errorf("notional = %s, want %s", o.EscrowValue.Dec(), tc.value.Dec())
			}
		})
	}

	// The raw unscaled product is not an acceptable value.
	app := newTestApp(t)
	raw := new(uint256.Int).Mul(eth(1), eth(1))
	if _, err := app.Buy(alice, eth(1), eth(1), raw, ""); !errors.Is(err, ErrValueMismatch) {
		t.Errorf("raw product accepted: err = %v", err)
	}
}

func TestPlaceOrderValueMismatch(t *testing.T) {
	app := newTestApp(t)
	fund(t, app, alice, eth(1))

	_, err := app.PlaceOrder(alice, eth(1), eth(1), u("500000000000000000"), "")
	if !errors.Is(err, ErrValueMismatch) {
		t.Fatalf("err = %v, want ErrValueMismatch", err)
	}

	// No state mutated, no event emitted.
	acc, _ := app.Account(alice)
	if !acc.FreeBalance.Eq(eth(1)) || !acc.Escrowed.IsZero() {
		t.Errorf("balances mutated: %+v", acc)
	}
	all, _ := app.Events(0, 1000)
	if len(all) != 1 { // just the deposit
		t.Errorf("events = %d, want 1", len(all))
	}
}

func TestPlaceOrderZeroAmount(t *testing.T) {
	app := newTestApp(t)
	fund(t, app, alice, eth(1))

	_, err := app.PlaceOrder(alice, u("0"), eth(5), u("0"), "")
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("err = %v, want ErrInvalidAmount", err)
	}
	if len(app.OpenOrders(alice)) != 0 {
		t.Error("order created despite invalid amount")
	}
}

func TestPlaceOrderInsufficientFunds(t *testing.T) {
	app := newTestApp(t)
	fund(t, app, alice, eth(1))

	_, err := app.PlaceOrder(alice, eth(2), eth(1), eth(2), "")
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
}

func TestPlaceOrderOverflow(t *testing.T) {
	app := newTestApp(t)
	fund(t, app, alice, eth(1))

	huge := new(uint256.Int).Not(uint256.NewInt(0)) // 2^256 - 1
	_, err := app.PlaceOrder(alice, huge, eth(2), huge, "")
	if !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("err = %v, want ErrArithmeticOverflow", err)
	}
}

func TestCancelRestoresEscrow(t *testing.T) {
	app := newTestApp(t)
	fund(t, app, alice, eth(1))

	o, err := app.PlaceOrder(alice, eth(1), eth(1), eth(1), "")
	if err != nil {
		t.Fatalf("place failed: %v", err)
	}

	if err := app.Cancel(alice, o.ID, ""); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	acc, _ := app.Account(alice)
	if !acc.FreeBalance.Eq(eth(1)) || !acc.Escrowed.IsZero() {
		t.Errorf("balances after cancel: free=%s escrowed=%s", acc.FreeBalance.Dec(), acc.Escrowed.Dec())
	}
	got, _ := app.GetOrder(o.ID)
	if got.State != order.Cancelled {
		t.Errorf("state = %s, want cancelled", got.State)
	}
	if err := app.ValidateAccount(alice); err != nil {
		t.Errorf("invariant: %v", err)
	}

	// Cancelling twice fails terminally with no further effect.
	err = app.Cancel(alice, o.ID, "")
	if !errors.Is(err, order.ErrAlreadyTerminal) {
		t.Fatalf("err = %v, want ErrAlreadyTerminal", err)
	}
}

func TestCancelAuthorization(t *testing.T) {
	app := newTestApp(t)
	fund(t, app, alice, eth(1))
	o, _ := app.PlaceOrder(alice, eth(1), eth(1), eth(1), "")

	if err := app.Cancel(bob, o.ID, ""); !errors.Is(err, ErrNotOwner) {
		t.Errorf("err = %v, want ErrNotOwner", err)
	}
	if err := app.Cancel(alice, "0xdoesnotexist", ""); !errors.Is(err, order.ErrUnknownOrder) {
		t.Errorf("err = %v, want ErrUnknownOrder", err)
	}
}

func TestBuyCreditsAndFillsImmediately(t *testing.T) {
	app := newTestApp(t)

	// amount 1e18 at price 2e18: the held balance grows by exactly 2e18.
	amount := eth(1)
	price := eth(2)
	value := eth(2)
	o, err := app.Buy(alice, amount, price, value, "")
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if o.State != order.Filled {
		t.Errorf("state = %s, want filled (no intermediate Open)", o.State)
	}
	acc, _ := app.Account(alice)
	if !acc.FreeBalance.Eq(value) {
		t.Errorf("held balance = %s, want %s", acc.FreeBalance.Dec(), value.Dec())
	}

	// Exactly one LogBuy with matching fields.
	all, _ := app.Events(0, 1000)
	var buys []events.Event
	for _, e := range all {
		if e.Type == events.TypeLogBuy {
			buys = append(buys, e)
		}
	}
	if len(buys) != 1 {
		t.Fatalf("LogBuy events = %d, want 1", len(buys))
	}
	e := buys[0]
	if e.Account != alice.Hex() || e.Amount != amount.Dec() || e.Price != price.Dec() || e.Value != value.Dec() {
		t.Errorf("LogBuy = %+v", e)
	}
}

func TestBuyValueMismatch(t *testing.T) {
	app := newTestApp(t)

	_, err := app.Buy(alice, eth(1), eth(2), eth(1), "")
	if !errors.Is(err, ErrValueMismatch) {
		t.Fatalf("err = %v, want ErrValueMismatch", err)
	}
	acc, _ := app.Account(alice)
	if !acc.FreeBalance.IsZero() {
		t.Errorf("balance mutated on failed buy: %s", acc.FreeBalance.Dec())
	}
}

func TestFillSettlesToCounterparty(t *testing.T) {
	app := newTestApp(t)
	fund(t, app, alice, eth(1))
	o, _ := app.PlaceOrder(alice, eth(1), eth(1), eth(1), "")

	filled, err := app.Fill(bob, o.ID, "")
	if err != nil {
		t.Fatalf("fill failed: %v", err)
	}
	if filled.State != order.Filled {
		t.Errorf("state = %s, want filled", filled.State)
	}
	if got := app.Deposits(alice); !got.IsZero() {
		t.Errorf("alice escrowed = %s, want 0", got.Dec())
	}
	bobAcc, _ := app.Account(bob)
	if !bobAcc.FreeBalance.Eq(eth(1)) {
		t.Errorf("bob free = %s, want %s", bobAcc.FreeBalance.Dec(), oneEth)
	}
	if err := app.ValidateAccount(alice); err != nil {
		t.Errorf("invariant: %v", err)
	}

	// A filled order cannot be filled again.
	if _, err := app.Fill(bob, o.ID, ""); !errors.Is(err, order.ErrAlreadyTerminal) {
		t.Errorf("err = %v, want ErrAlreadyTerminal", err)
	}
}

func TestWithdrawRespectsEscrow(t *testing.T) {
	app := newTestApp(t)
	fund(t, app, alice, eth(1000))
	app.PlaceOrder(alice, eth(600), eth(1), eth(600), "")

	// 400 free remains; the escrowed 600 is untouchable.
	if err := app.Withdraw(alice, eth(500), ""); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if err := app.Withdraw(alice, eth(400), ""); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if got := app.Deposits(alice); !got.Eq(eth(600)) {
		t.Errorf("escrowed = %s, want %s", got.Dec(), eth(600).Dec())
	}
}

func TestRequestReplayIsIdempotent(t *testing.T) {
	app := newTestApp(t)
	fund(t, app, alice, eth(1))

	o1, err := app.PlaceOrder(alice, eth(1), eth(1), eth(1), "req-1")
	if err != nil {
		t.Fatalf("place failed: %v", err)
	}
	// Replaying the same request id returns the same order and applies
	// nothing: with the whole balance already escrowed, a re-apply
	// would fail with insufficient funds.
	o2, err := app.PlaceOrder(alice, eth(1), eth(1), eth(1), "req-1")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if o1.ID != o2.ID {
		t.Errorf("replay produced %s, want %s", o2.ID, o1.ID)
	}
	if got := app.Deposits(alice); !got.Eq(eth(1)) {
		t.Errorf("deposits = %s, want %s (double-applied?)", got.Dec(), oneEth)
	}
	all, _ := app.Events(0, 1000)
	if len(all) != 2 { // deposit + one placement
		t.Errorf("events = %d, want 2", len(all))
	}
}

func TestFailedRequestNotRecorded(t *testing.T) {
	app := newTestApp(t)
	fund(t, app, alice, eth(10))

	if _, err := app.PlaceOrder(alice, eth(100), eth(1), eth(100), "req-fail"); err == nil {
		t.Fatal("expected failure")
	}
	// Replaying a failed request re-validates and re-fails; nothing
	// is applied either time.
	if _, err := app.PlaceOrder(alice, eth(100), eth(1), eth(100), "req-fail"); err == nil {
		t.Fatal("expected replayed failure")
	}
	acc, _ := app.Account(alice)
	if !acc.FreeBalance.Eq(eth(10)) || !acc.Escrowed.IsZero() {
		t.Errorf("balances mutated: %+v", acc)
	}
}

func TestEscrowInvariantAcrossLifecycle(t *testing.T) {
	app := newTestApp(t)
	fund(t, app, alice, eth(1000))

	a, _ := app.PlaceOrder(alice, eth(100), eth(2), eth(200), "")
	b, _ := app.PlaceOrder(alice, eth(50), eth(3), eth(150), "")
	if err := app.ValidateAccount(alice); err != nil {
		t.Fatalf("after placements: %v", err)
	}

	app.Cancel(alice, a.ID, "")
	if err := app.ValidateAccount(alice); err != nil {
		t.Fatalf("after cancel: %v", err)
	}

	app.Fill(bob, b.ID, "")
	if err := app.ValidateAccount(alice); err != nil {
		t.Fatalf("after fill: %v", err)
	}
	if got := app.Deposits(alice); !got.IsZero() {
		t.Errorf("escrowed = %s, want 0", got.Dec())
	}
}

func TestEventsEmittedInCommitOrder(t *testing.T) {
	app := newTestApp(t)
	fund(t, app, alice, eth(1000))
	o, _ := app.PlaceOrder(alice, eth(10), eth(10), eth(100), "")
	app.Cancel(alice, o.ID, "")

	all, err := app.Events(0, 10)
	if err != nil {
		t.Fatalf("events read failed: %v", err)
	}
	want := []events.Type{events.TypeDepositMade, events.TypeOrderPlaced, events.TypeOrderCancelled}
	if len(all) != len(want) {
		t.Fatalf("events = %d, want %d", len(all), len(want))
	}
	for i, e := range all {
		if e.Type != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, e.Type, want[i])
		}
		if e.Seq != uint64(i) {
			t.Errorf("event[%d] seq = %d", i, e.Seq)
		}
	}
}
