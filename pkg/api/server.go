package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/escrowdex/exchange/pkg/app/core/ledger"
	"github.com/escrowdex/exchange/pkg/app/core/order"
	"github.com/escrowdex/exchange/pkg/app/exchange"
)

const defaultEventPageSize = 100

// Server exposes the engine over REST and streams committed events over
// WebSocket. It is the request/response boundary of the core: callers
// are assumed authenticated upstream.
type Server struct {
	app            *exchange.App
	router         *mux.Router
	hub            *Hub
	allowedOrigins []string
	log            *zap.SugaredLogger
}

func NewServer(app *exchange.App, allowedOrigins []string, log *zap.SugaredLogger) *Server {
	s := &Server{
		app:            app,
		router:         mux.NewRouter(),
		hub:            NewHub(log),
		allowedOrigins: allowedOrigins,
		log:            log,
	}

	// Committed events flow straight to subscribed clients.
	app.OnEvent = s.hub.Broadcast

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/orders", s.handlePlaceOrder).Methods("POST")
	api.HandleFunc("/buy", s.handleBuy).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/fill", s.handleFillOrder).Methods("POST")
	api.HandleFunc("/deposit", s.handleDeposit).Methods("POST")
	api.HandleFunc("/withdraw", s.handleWithdraw).Methods("POST")

	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{address}/deposits", s.handleGetDeposits).Methods("GET")
	api.HandleFunc("/accounts/{address}/orders", s.handleGetOpenOrders).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/events", s.handleGetEvents).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the fully wired HTTP handler (CORS included), mainly
// for tests.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start runs the hub and serves HTTP until the listener fails.
func (s *Server) Start(addr string) error {
	go s.hub.Run()
	s.log.Infow("api_server_starting", "addr", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// ==============================
// Write handlers
// ==============================

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	sender, amount, price, value, ok := s.parseOrderFields(w, req.Sender, req.Amount, req.Price, req.Value)
	if !ok {
		return
	}

	o, err := s.app.PlaceOrder(sender, amount, price, value, req.RequestID)
	if err != nil {
		s.respondOpError(w, err)
		return
	}
	respondJSON(w, OrderResponse{Status: "committed", Order: orderInfo(o)})
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	var req BuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	sender, amount, price, value, ok := s.parseOrderFields(w, req.Sender, req.Amount, req.Price, req.Value)
	if !ok {
		return
	}

	o, err := s.app.Buy(sender, amount, price, value, req.RequestID)
	if err != nil {
		s.respondOpError(w, err)
		return
	}
	respondJSON(w, OrderResponse{Status: "committed", Order: orderInfo(o)})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Sender) {
		respondError(w, http.StatusBadRequest, "invalid sender address", "")
		return
	}
	if req.OrderID == "" {
		respondError(w, http.StatusBadRequest, "missing orderId", "")
		return
	}

	if err := s.app.Cancel(common.HexToAddress(req.Sender), req.OrderID, req.RequestID); err != nil {
		s.respondOpError(w, err)
		return
	}
	respondJSON(w, StatusResponse{Status: "committed"})
}

func (s *Server) handleFillOrder(w http.ResponseWriter, r *http.Request) {
	var req FillOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Sender) {
		respondError(w, http.StatusBadRequest, "invalid sender address", "")
		return
	}
	if req.OrderID == "" {
		respondError(w, http.StatusBadRequest, "missing orderId", "")
		return
	}

	o, err := s.app.Fill(common.HexToAddress(req.Sender), req.OrderID, req.RequestID)
	if err != nil {
		s.respondOpError(w, err)
		return
	}
	respondJSON(w, OrderResponse{Status: "committed", Order: orderInfo(o)})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleFunding(w, r, s.app.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleFunding(w, r, s.app.Withdraw)
}

func (s *Server) handleFunding(w http.ResponseWriter, r *http.Request,
	op func(common.Address, *uint256.Int, string) error) {

	var req FundingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Address) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	value, err := uint256.FromDecimal(req.Value)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid value", err.Error())
		return
	}

	if err := op(common.HexToAddress(req.Address), value, req.RequestID); err != nil {
		s.respondOpError(w, err)
		return
	}
	respondJSON(w, StatusResponse{Status: "committed"})
}

// ==============================
// Read handlers
// ==============================

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	acc, err := s.app.Account(addr)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "account lookup failed", err.Error())
		return
	}
	respondJSON(w, AccountInfo{
		Address:     acc.Address.Hex(),
		FreeBalance: acc.FreeBalance.Dec(),
		Escrowed:    acc.Escrowed.Dec(),
	})
}

func (s *Server) handleGetDeposits(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	respondJSON(w, DepositsInfo{
		Address:  addr.Hex(),
		Escrowed: s.app.Deposits(addr).Dec(),
	})
}

func (s *Server) handleGetOpenOrders(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	open := s.app.OpenOrders(addr)
	out := make([]OrderInfo, len(open))
	for i, o := range open {
		out[i] = orderInfo(o)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	o, err := s.app.GetOrder(id)
	if err != nil {
		s.respondOpError(w, err)
		return
	}
	respondJSON(w, orderInfo(o))
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	cursor := uint64(0)
	if from := r.URL.Query().Get("from"); from != "" {
		parsed, err := strconv.ParseUint(from, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid cursor", err.Error())
			return
		}
		cursor = parsed
	}
	limit := defaultEventPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", "")
			return
		}
		limit = parsed
	}

	evts, err := s.app.Events(cursor, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "event read failed", err.Error())
		return
	}
	respondJSON(w, evts)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helpers
// ==============================

func (s *Server) parseOrderFields(w http.ResponseWriter, sender, amount, price, value string) (common.Address, *uint256.Int, *uint256.Int, *uint256.Int, bool) {
	if !common.IsHexAddress(sender) {
		respondError(w, http.StatusBadRequest, "invalid sender address", "")
		return common.Address{}, nil, nil, nil, false
	}
	a, err := uint256.FromDecimal(amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
		return common.Address{}, nil, nil, nil, false
	}
	p, err := uint256.FromDecimal(price)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid price", err.Error())
		return common.Address{}, nil, nil, nil, false
	}
	v, err := uint256.FromDecimal(value)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid value", err.Error())
		return common.Address{}, nil, nil, nil, false
	}
	return common.HexToAddress(sender), a, p, v, true
}

func (s *Server) pathAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := mux.Vars(r)["address"]
	if !common.IsHexAddress(raw) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// respondOpError maps the engine's error taxonomy onto HTTP statuses.
// The sentinel text travels verbatim so callers see the exact reason.
func (s *Server) respondOpError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, order.ErrUnknownOrder):
		status = http.StatusNotFound
	case errors.Is(err, exchange.ErrNotOwner):
		status = http.StatusForbidden
	case errors.Is(err, order.ErrAlreadyTerminal),
		errors.Is(err, order.ErrDuplicateOrder),
		errors.Is(err, order.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrInvariantViolation):
		status = http.StatusInternalServerError
	}
	respondError(w, status, err.Error(), "")
}

func orderInfo(o *order.Order) OrderInfo {
	return OrderInfo{
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

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errMsg, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: errMsg, Message: message})
}
