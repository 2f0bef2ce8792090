// Package events is the append-only notification log of the exchange.
// One event is appended per committed request, in commit order; an event
// exists if and only if the state transition it describes committed.
package events

// Type tags an event. LogBuy keeps the name the on-chain interface used.
type Type string

const (
	TypeOrderPlaced    Type = "OrderPlaced"
	TypeLogBuy         Type = "LogBuy"
	TypeOrderCancelled Type = "OrderCancelled"
	TypeOrderFilled    Type = "OrderFilled"
	TypeDepositMade    Type = "DepositMade"
	TypeWithdrawalMade Type = "WithdrawalMade"
)

// Event is an immutable notification. Seq is assigned at append time and
// is the cursor consumers read by. Numeric fields are decimal strings.
type Event struct {
	Seq       uint64 `json:"seq"`
	Type      Type   `json:"type"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds

	OrderID      string `json:"orderId,omitempty"`
	Account      string `json:"account,omitempty"`      // owner, buyer or funded address
	Counterparty string `json:"counterparty,omitempty"` // filler on OrderFilled
	Amount       string `json:"amount,omitempty"`
	Price        string `json:"price,omitempty"`
	Value        string `json:"value,omitempty"`
}
