package api

// Request and response types for the REST surface. All numeric fields
// travel as decimal strings so callers keep full uint256 precision.

type PlaceOrderRequest struct {
	Sender    string `json:"sender"`
	Amount    string `json:"amount"`
	Price     string `json:"price"`
	Value     string `json:"value"`
	RequestID string `json:"requestId,omitempty"`
}

type BuyRequest struct {
	Sender    string `json:"sender"`
	Amount    string `json:"amount"`
	Price     string `json:"price"`
	Value     string `json:"value"`
	RequestID string `json:"requestId,omitempty"`
}

type CancelOrderRequest struct {
	Sender    string `json:"sender"`
	OrderID   string `json:"orderId"`
	RequestID string `json:"requestId,omitempty"`
}

type FillOrderRequest struct {
	Sender    string `json:"sender"`
	OrderID   string `json:"orderId"`
	RequestID string `json:"requestId,omitempty"`
}

type FundingRequest struct {
	Address   string `json:"address"`
	Value     string `json:"value"`
	RequestID string `json:"requestId,omitempty"`
}

type OrderInfo struct {
	ID          string `json:"id"`
	Owner       string `json:"owner"`
	Side        string `json:"side"`
	Amount      string `json:"amount"`
	Price       string `json:"price"`
	EscrowValue string `json:"escrowValue"`
	State       string `json:"state"`
	CreatedAt   int64  `json:"createdAt"`
}

type AccountInfo struct {
	Address     string `json:"address"`
	FreeBalance string `json:"freeBalance"`
	Escrowed    string `json:"escrowed"`
}

type DepositsInfo struct {
	Address  string `json:"address"`
	Escrowed string `json:"escrowed"`
}

type OrderResponse struct {
	Status string    `json:"status"`
	Order  OrderInfo `json:"order"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
