package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"qms/counter-service/internal/models"
	"qms/counter-service/internal/queue"
	"qms/counter-service/internal/settlement"
	"qms/counter-service/internal/store"
)

type QueueService interface {
	AddCustomer(ctx context.Context, actor models.Actor, name string, flags models.PriorityFlags) (models.Customer, error)
	CallNext(ctx context.Context, actor models.Actor, counterID string) (models.Customer, bool, error)
	CallSpecific(ctx context.Context, actor models.Actor, counterID string, customerID int64) (models.Customer, error)
	Transition(ctx context.Context, actor models.Actor, req queue.TransitionRequest) (models.Customer, error)
	Reset(ctx context.Context, actor models.Actor) (int, error)
	Reorder(ctx context.Context, actor models.Actor, customerID int64, position *int) (models.Customer, error)
	ReleaseCounter(ctx context.Context, actor models.Actor, counterID string) error
	GetQueue(ctx context.Context, statuses ...models.Status) ([]models.Customer, error)
	GetPosition(ctx context.Context, customerID int64) (int, error)
	GetEstimatedWaitTime(ctx context.Context, customerID int64) (queue.WaitEstimate, error)
	GetHistory(ctx context.Context, customerID int64) ([]models.QueueEvent, error)
	ListCounters(ctx context.Context) ([]models.Counter, error)
}

type SettlementService interface {
	CreateTransaction(ctx context.Context, actor models.Actor, customerID int64, owed float64) (models.Transaction, error)
	GetTransaction(ctx context.Context, transactionID string) (models.Transaction, error)
	CreateSettlement(ctx context.Context, actor models.Actor, transactionID string, amount float64, mode models.PaymentMode) (settlement.Result, error)
	ReverseSettlement(ctx context.Context, actor models.Actor, settlementID, reason string) (settlement.Result, error)
	GetSettlements(ctx context.Context, transactionID string) ([]models.Settlement, error)
}

type Handler struct {
	queue       QueueService
	settlements SettlementService
}

type createCustomerRequest struct {
	Name     string               `json:"name"`
	Priority models.PriorityFlags `json:"priority"`
}

type customerActionRequest struct {
	CounterID string `json:"counter_id"`
	Position  *int   `json:"position"`
}

type createTransactionRequest struct {
	CustomerID int64   `json:"customer_id"`
	OwedAmount float64 `json:"owed_amount"`
}

type createSettlementRequest struct {
	Amount float64            `json:"amount"`
	Mode   models.PaymentMode `json:"mode"`
}

type reverseRequest struct {
	Reason string `json:"reason"`
}

type callNextResponse struct {
	Called   bool             `json:"called"`
	Customer *models.Customer `json:"customer,omitempty"`
}

type positionResponse struct {
	CustomerID int64 `json:"customer_id"`
	Position   int   `json:"position"`
}

type waitTimeResponse struct {
	queue.WaitEstimate
	EstimatedSeconds int64 `json:"estimated_seconds"`
}

type resetResponse struct {
	Cancelled int `json:"cancelled"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func NewHandler(queueService QueueService, settlements SettlementService) *Handler {
	return &Handler{queue: queueService, settlements: settlements}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/customers", h.handleCustomers)
	mux.HandleFunc("/api/customers/", h.handleCustomer)
	mux.HandleFunc("/api/queue", h.handleQueue)
	mux.HandleFunc("/api/queue/actions/reset", h.handleReset)
	mux.HandleFunc("/api/counters", h.handleCounters)
	mux.HandleFunc("/api/counters/", h.handleCounterActions)
	mux.HandleFunc("/api/transactions", h.handleTransactions)
	mux.HandleFunc("/api/transactions/", h.handleTransaction)
	mux.HandleFunc("/api/settlements/", h.handleSettlementActions)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleCustomers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req createCustomerRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "name is required")
		return
	}

	customer, err := h.queue.AddCustomer(r.Context(), actorFromContext(r.Context()), req.Name, req.Priority)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, customer)
}

// handleCustomer serves /api/customers/{id}/{position|wait-time|history} and
// /api/customers/{id}/actions/{action}.
func (h *Handler) handleCustomer(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/customers/")
	if len(parts) < 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	customerID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || customerID <= 0 {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "customer_id must be a positive integer")
		return
	}

	if len(parts) == 3 && parts[1] == "actions" {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleCustomerAction(w, r, customerID, parts[2])
		return
	}
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	switch parts[1] {
	case "position":
		position, err := h.queue.GetPosition(r.Context(), customerID)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, positionResponse{CustomerID: customerID, Position: position})
	case "wait-time":
		estimate, err := h.queue.GetEstimatedWaitTime(r.Context(), customerID)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, waitTimeResponse{WaitEstimate: estimate, EstimatedSeconds: int64(estimate.Estimate.Seconds())})
	case "history":
		events, err := h.queue.GetHistory(r.Context(), customerID)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleCustomerAction(w http.ResponseWriter, r *http.Request, customerID int64, action string) {
	var req customerActionRequest
	if !decodeOptionalRequest(w, r, &req) {
		return
	}
	req.CounterID = strings.TrimSpace(req.CounterID)
	actor := actorFromContext(r.Context())

	var (
		customer models.Customer
		err      error
	)
	switch action {
	case "call":
		if req.CounterID == "" {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "counter_id is required")
			return
		}
		customer, err = h.queue.CallSpecific(r.Context(), actor, req.CounterID, customerID)
	case "start":
		customer, err = h.queue.Transition(r.Context(), actor, queue.TransitionRequest{CustomerID: customerID, To: models.StatusProcessing})
	case "complete":
		customer, err = h.queue.Transition(r.Context(), actor, queue.TransitionRequest{CustomerID: customerID, To: models.StatusCompleted})
	case "cancel", "no-show":
		customer, err = h.queue.Transition(r.Context(), actor, queue.TransitionRequest{CustomerID: customerID, To: models.StatusCancelled})
	case "reorder":
		customer, err = h.queue.Reorder(r.Context(), actor, customerID, req.Position)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, customer)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var statuses []models.Status
	for _, raw := range r.URL.Query()["status"] {
		for _, value := range strings.Split(raw, ",") {
			status := models.Status(strings.TrimSpace(value))
			if !status.Valid() {
				writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "unknown status "+strconv.Quote(string(status)))
				return
			}
			statuses = append(statuses, status)
		}
	}

	customers, err := h.queue.GetQueue(r.Context(), statuses...)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if customers == nil {
		customers = []models.Customer{}
	}
	writeJSON(w, http.StatusOK, customers)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cancelled, err := h.queue.Reset(r.Context(), actorFromContext(r.Context()))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resetResponse{Cancelled: cancelled})
}

func (h *Handler) handleCounters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	counters, err := h.queue.ListCounters(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counters)
}

// handleCounterActions serves /api/counters/{id}/actions/{call-next|release}.
func (h *Handler) handleCounterActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	parts := pathParts(r.URL.Path, "/api/counters/")
	if len(parts) != 3 || parts[1] != "actions" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	counterID := parts[0]
	actor := actorFromContext(r.Context())

	switch parts[2] {
	case "call-next":
		customer, ok, err := h.queue.CallNext(r.Context(), actor, counterID)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		resp := callNextResponse{Called: ok}
		if ok {
			resp.Customer = &customer
		}
		writeJSON(w, http.StatusOK, resp)
	case "release":
		if err := h.queue.ReleaseCounter(r.Context(), actor, counterID); err != nil {
			writeStoreError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req createTransactionRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.CustomerID <= 0 {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "customer_id is required")
		return
	}

	tx, err := h.settlements.CreateTransaction(r.Context(), actorFromContext(r.Context()), req.CustomerID, req.OwedAmount)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// handleTransaction serves /api/transactions/{id} and
// /api/transactions/{id}/settlements.
func (h *Handler) handleTransaction(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/transactions/")
	if len(parts) == 0 || len(parts) > 2 || (len(parts) == 2 && parts[1] != "settlements") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	transactionID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		tx, err := h.settlements.GetTransaction(r.Context(), transactionID)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tx)
		return
	}

	switch r.Method {
	case http.MethodGet:
		settlements, err := h.settlements.GetSettlements(r.Context(), transactionID)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		if settlements == nil {
			settlements = []models.Settlement{}
		}
		writeJSON(w, http.StatusOK, settlements)
	case http.MethodPost:
		var req createSettlementRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		result, err := h.settlements.CreateSettlement(r.Context(), actorFromContext(r.Context()), transactionID, req.Amount, req.Mode)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, result)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleSettlementActions serves /api/settlements/{id}/actions/reverse.
func (h *Handler) handleSettlementActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	parts := pathParts(r.URL.Path, "/api/settlements/")
	if len(parts) != 3 || parts[1] != "actions" || parts[2] != "reverse" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var req reverseRequest
	if !decodeOptionalRequest(w, r, &req) {
		return
	}
	result, err := h.settlements.ReverseSettlement(r.Context(), actorFromContext(r.Context()), parts[0], strings.TrimSpace(req.Reason))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func pathParts(path, prefix string) []string {
	trimmed := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

// decodeOptionalRequest accepts an empty body for actions whose fields are
// all optional.
func decodeOptionalRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	return decodeRequest(w, r, target)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrCustomerNotFound):
		return http.StatusNotFound, "customer_not_found", "customer not found"
	case errors.Is(err, store.ErrCounterNotFound):
		return http.StatusNotFound, "counter_not_found", "counter not found"
	case errors.Is(err, store.ErrTransactionNotFound):
		return http.StatusNotFound, "transaction_not_found", "transaction not found"
	case errors.Is(err, store.ErrSettlementNotFound):
		return http.StatusNotFound, "settlement_not_found", "settlement not found"
	case errors.Is(err, store.ErrAccessDenied):
		return http.StatusForbidden, "access_denied", "access denied"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "customer state does not allow this action"
	case errors.Is(err, store.ErrCounterBusy):
		return http.StatusConflict, "counter_busy", "counter is already serving a customer"
	case errors.Is(err, store.ErrCounterInactive):
		return http.StatusConflict, "counter_inactive", "counter is inactive"
	case errors.Is(err, store.ErrCustomerAlreadyAssigned):
		return http.StatusConflict, "customer_already_assigned", "customer is already assigned to a counter"
	case errors.Is(err, store.ErrExceedsRemainingBalance):
		return http.StatusConflict, "exceeds_remaining_balance", "settlement exceeds remaining balance"
	case errors.Is(err, store.ErrAlreadyReversed):
		return http.StatusConflict, "already_reversed", "settlement already reversed"
	case errors.Is(err, store.ErrInvalidReversal):
		return http.StatusConflict, "invalid_reversal", "contra-entries cannot be reversed"
	case errors.Is(err, store.ErrTransactionExists):
		return http.StatusConflict, "transaction_exists", "transaction already exists"
	case errors.Is(err, store.ErrConcurrencyConflict):
		return http.StatusConflict, "concurrency_conflict", "request lost a concurrent update, retry"
	case errors.Is(err, store.ErrEventChainBroken):
		return http.StatusInternalServerError, "event_chain_broken", "customer history failed verification"
	case errors.Is(err, store.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount", "amount must be positive and in whole cents"
	case errors.Is(err, store.ErrInvalidMode):
		return http.StatusBadRequest, "invalid_mode", "unknown payment mode"
	case errors.Is(err, store.ErrInvalidPosition):
		return http.StatusBadRequest, "invalid_position", "position must be positive"
	case errors.Is(err, store.ErrInvalidCustomer):
		return http.StatusBadRequest, "invalid_request", "name is required"
	case errors.Is(err, store.ErrCounterRequired):
		return http.StatusBadRequest, "invalid_request", "counter_id is required"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

// errorDetails exposes the fields of typed errors to the client.
func errorDetails(err error) map[string]any {
	var exceeds *store.ExceedsRemainingBalanceError
	if errors.As(err, &exceeds) {
		return map[string]any{"attempted": exceeds.Attempted, "remaining": exceeds.Remaining}
	}
	var invalid *store.InvalidTransitionError
	if errors.As(err, &invalid) {
		return map[string]any{"from": invalid.From, "to": invalid.To}
	}
	var denied *store.AccessDeniedError
	if errors.As(err, &denied) {
		details := map[string]any{"role": denied.Role}
		if denied.Action != "" {
			details["action"] = denied.Action
		} else {
			details["from"] = denied.From
			details["to"] = denied.To
		}
		return details
	}
	return nil
}

func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", requestIDFromRequest(r)).Msg("request failed")
	}
	writeJSON(w, status, errorResponse{
		RequestID: requestIDFromRequest(r),
		Error: responseError{
			Code:    code,
			Message: msg,
			Details: errorDetails(err),
		},
	})
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
