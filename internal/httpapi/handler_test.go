package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"qms/counter-service/internal/models"
	"qms/counter-service/internal/queue"
	"qms/counter-service/internal/settlement"
	"qms/counter-service/internal/store"
)

type fakeQueue struct {
	addFn        func(ctx context.Context, actor models.Actor, name string, flags models.PriorityFlags) (models.Customer, error)
	callNextFn   func(ctx context.Context, actor models.Actor, counterID string) (models.Customer, bool, error)
	callFn       func(ctx context.Context, actor models.Actor, counterID string, customerID int64) (models.Customer, error)
	transitionFn func(ctx context.Context, actor models.Actor, req queue.TransitionRequest) (models.Customer, error)
	resetFn      func(ctx context.Context, actor models.Actor) (int, error)
	reorderFn    func(ctx context.Context, actor models.Actor, customerID int64, position *int) (models.Customer, error)
	releaseFn    func(ctx context.Context, actor models.Actor, counterID string) error
	queueFn      func(ctx context.Context, statuses ...models.Status) ([]models.Customer, error)
	positionFn   func(ctx context.Context, customerID int64) (int, error)
	waitFn       func(ctx context.Context, customerID int64) (queue.WaitEstimate, error)
	historyFn    func(ctx context.Context, customerID int64) ([]models.QueueEvent, error)
	countersFn   func(ctx context.Context) ([]models.Counter, error)
}

func (f fakeQueue) AddCustomer(ctx context.Context, actor models.Actor, name string, flags models.PriorityFlags) (models.Customer, error) {
	if f.addFn == nil {
		return models.Customer{}, nil
	}
	return f.addFn(ctx, actor, name, flags)
}

func (f fakeQueue) CallNext(ctx context.Context, actor models.Actor, counterID string) (models.Customer, bool, error) {
	if f.callNextFn == nil {
		return models.Customer{}, false, nil
	}
	return f.callNextFn(ctx, actor, counterID)
}

func (f fakeQueue) CallSpecific(ctx context.Context, actor models.Actor, counterID string, customerID int64) (models.Customer, error) {
	if f.callFn == nil {
		return models.Customer{}, nil
	}
	return f.callFn(ctx, actor, counterID, customerID)
}

func (f fakeQueue) Transition(ctx context.Context, actor models.Actor, req queue.TransitionRequest) (models.Customer, error) {
	if f.transitionFn == nil {
		return models.Customer{}, nil
	}
	return f.transitionFn(ctx, actor, req)
}

func (f fakeQueue) Reset(ctx context.Context, actor models.Actor) (int, error) {
	if f.resetFn == nil {
		return 0, nil
	}
	return f.resetFn(ctx, actor)
}

func (f fakeQueue) Reorder(ctx context.Context, actor models.Actor, customerID int64, position *int) (models.Customer, error) {
	if f.reorderFn == nil {
		return models.Customer{}, nil
	}
	return f.reorderFn(ctx, actor, customerID, position)
}

func (f fakeQueue) ReleaseCounter(ctx context.Context, actor models.Actor, counterID string) error {
	if f.releaseFn == nil {
		return nil
	}
	return f.releaseFn(ctx, actor, counterID)
}

func (f fakeQueue) GetQueue(ctx context.Context, statuses ...models.Status) ([]models.Customer, error) {
	if f.queueFn == nil {
		return nil, nil
	}
	return f.queueFn(ctx, statuses...)
}

func (f fakeQueue) GetPosition(ctx context.Context, customerID int64) (int, error) {
	if f.positionFn == nil {
		return 0, nil
	}
	return f.positionFn(ctx, customerID)
}

func (f fakeQueue) GetEstimatedWaitTime(ctx context.Context, customerID int64) (queue.WaitEstimate, error) {
	if f.waitFn == nil {
		return queue.WaitEstimate{}, nil
	}
	return f.waitFn(ctx, customerID)
}

func (f fakeQueue) GetHistory(ctx context.Context, customerID int64) ([]models.QueueEvent, error) {
	if f.historyFn == nil {
		return nil, nil
	}
	return f.historyFn(ctx, customerID)
}

func (f fakeQueue) ListCounters(ctx context.Context) ([]models.Counter, error) {
	if f.countersFn == nil {
		return nil, nil
	}
	return f.countersFn(ctx)
}

type fakeSettlements struct {
	createTxFn func(ctx context.Context, actor models.Actor, customerID int64, owed float64) (models.Transaction, error)
	getTxFn    func(ctx context.Context, transactionID string) (models.Transaction, error)
	settleFn   func(ctx context.Context, actor models.Actor, transactionID string, amount float64, mode models.PaymentMode) (settlement.Result, error)
	reverseFn  func(ctx context.Context, actor models.Actor, settlementID, reason string) (settlement.Result, error)
	listFn     func(ctx context.Context, transactionID string) ([]models.Settlement, error)
}

func (f fakeSettlements) CreateTransaction(ctx context.Context, actor models.Actor, customerID int64, owed float64) (models.Transaction, error) {
	if f.createTxFn == nil {
		return models.Transaction{}, nil
	}
	return f.createTxFn(ctx, actor, customerID, owed)
}

func (f fakeSettlements) GetTransaction(ctx context.Context, transactionID string) (models.Transaction, error) {
	if f.getTxFn == nil {
		return models.Transaction{}, nil
	}
	return f.getTxFn(ctx, transactionID)
}

func (f fakeSettlements) CreateSettlement(ctx context.Context, actor models.Actor, transactionID string, amount float64, mode models.PaymentMode) (settlement.Result, error) {
	if f.settleFn == nil {
		return settlement.Result{}, nil
	}
	return f.settleFn(ctx, actor, transactionID, amount, mode)
}

func (f fakeSettlements) ReverseSettlement(ctx context.Context, actor models.Actor, settlementID, reason string) (settlement.Result, error) {
	if f.reverseFn == nil {
		return settlement.Result{}, nil
	}
	return f.reverseFn(ctx, actor, settlementID, reason)
}

func (f fakeSettlements) GetSettlements(ctx context.Context, transactionID string) ([]models.Settlement, error) {
	if f.listFn == nil {
		return nil, nil
	}
	return f.listFn(ctx, transactionID)
}

func newRequest(method, target string, payload interface{}) *http.Request {
	var body bytes.Buffer
	if payload != nil {
		_ = json.NewEncoder(&body).Encode(payload)
	}
	req := httptest.NewRequest(method, target, &body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", "cashier-1")
	req.Header.Set("X-Actor-Role", "cashier")
	req.Header.Set("X-Request-ID", "req-1")
	return req
}

func serve(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	ActorMiddleware(h.Routes()).ServeHTTP(resp, req)
	return resp
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestCreateCustomerSuccess(t *testing.T) {
	createdAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	var gotActor models.Actor
	q := fakeQueue{
		addFn: func(ctx context.Context, actor models.Actor, name string, flags models.PriorityFlags) (models.Customer, error) {
			gotActor = actor
			return models.Customer{CustomerID: 7, Name: name, Priority: flags, Status: models.StatusWaiting, CreatedAt: createdAt}, nil
		},
	}
	h := NewHandler(q, fakeSettlements{})

	resp := serve(h, newRequest(http.MethodPost, "/api/customers", map[string]interface{}{
		"name":     "Dana",
		"priority": map[string]bool{"senior": true},
	}))

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", resp.Code)
	}
	var customer models.Customer
	if err := json.NewDecoder(resp.Body).Decode(&customer); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if customer.CustomerID != 7 || !customer.Priority.Senior {
		t.Fatalf("unexpected customer: %+v", customer)
	}
	if gotActor.ActorID != "cashier-1" || gotActor.Role != models.RoleCashier {
		t.Fatalf("actor not passed through: %+v", gotActor)
	}
}

func TestCreateCustomerRejectsUnknownFields(t *testing.T) {
	h := NewHandler(fakeQueue{}, fakeSettlements{})

	resp := serve(h, newRequest(http.MethodPost, "/api/customers", map[string]string{"name": "Dana", "vip": "yes"}))

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
	if body := decodeError(t, resp); body.Error.Code != "invalid_json" || body.RequestID != "req-1" {
		t.Fatalf("unexpected error body: %+v", body)
	}
}

func TestCallNextEmptyQueue(t *testing.T) {
	h := NewHandler(fakeQueue{}, fakeSettlements{})

	resp := serve(h, newRequest(http.MethodPost, "/api/counters/C-01/actions/call-next", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var body callNextResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Called || body.Customer != nil {
		t.Fatalf("expected nothing called, got %+v", body)
	}
}

func TestCustomerActionsMapToTransitions(t *testing.T) {
	tests := []struct {
		action string
		want   models.Status
	}{
		{action: "start", want: models.StatusProcessing},
		{action: "complete", want: models.StatusCompleted},
		{action: "cancel", want: models.StatusCancelled},
		{action: "no-show", want: models.StatusCancelled},
	}
	for _, tc := range tests {
		t.Run(tc.action, func(t *testing.T) {
			var got queue.TransitionRequest
			q := fakeQueue{
				transitionFn: func(ctx context.Context, actor models.Actor, req queue.TransitionRequest) (models.Customer, error) {
					got = req
					return models.Customer{CustomerID: req.CustomerID, Status: req.To}, nil
				},
			}
			h := NewHandler(q, fakeSettlements{})

			resp := serve(h, newRequest(http.MethodPost, "/api/customers/12/actions/"+tc.action, nil))

			if resp.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d", resp.Code)
			}
			if got.CustomerID != 12 || got.To != tc.want {
				t.Fatalf("unexpected request: %+v", got)
			}
		})
	}
}

func TestCallSpecificRequiresCounter(t *testing.T) {
	h := NewHandler(fakeQueue{}, fakeSettlements{})

	resp := serve(h, newRequest(http.MethodPost, "/api/customers/12/actions/call", map[string]string{}))

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestInvalidTransitionDetails(t *testing.T) {
	q := fakeQueue{
		transitionFn: func(ctx context.Context, actor models.Actor, req queue.TransitionRequest) (models.Customer, error) {
			return models.Customer{}, &store.InvalidTransitionError{From: models.StatusWaiting, To: models.StatusCompleted}
		},
	}
	h := NewHandler(q, fakeSettlements{})

	resp := serve(h, newRequest(http.MethodPost, "/api/customers/3/actions/complete", nil))

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
	body := decodeError(t, resp)
	if body.Error.Code != "invalid_transition" || body.Error.Details["from"] != "waiting" || body.Error.Details["to"] != "completed" {
		t.Fatalf("unexpected error body: %+v", body)
	}
}

func TestSettlementExceedsBalanceDetails(t *testing.T) {
	s := fakeSettlements{
		settleFn: func(ctx context.Context, actor models.Actor, transactionID string, amount float64, mode models.PaymentMode) (settlement.Result, error) {
			return settlement.Result{}, &store.ExceedsRemainingBalanceError{Attempted: amount, Remaining: 250}
		},
	}
	h := NewHandler(fakeQueue{}, s)

	resp := serve(h, newRequest(http.MethodPost, "/api/transactions/tx-1/settlements", map[string]interface{}{"amount": 250.01, "mode": "cash"}))

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
	body := decodeError(t, resp)
	if body.Error.Code != "exceeds_remaining_balance" {
		t.Fatalf("unexpected code %q", body.Error.Code)
	}
	if body.Error.Details["attempted"] != 250.01 || body.Error.Details["remaining"] != 250.0 {
		t.Fatalf("unexpected details: %+v", body.Error.Details)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{err: store.ErrCustomerNotFound, status: http.StatusNotFound, code: "customer_not_found"},
		{err: &store.AccessDeniedError{Role: models.RoleSales, Action: "reset the queue"}, status: http.StatusForbidden, code: "access_denied"},
		{err: store.ErrCounterBusy, status: http.StatusConflict, code: "counter_busy"},
		{err: store.ErrConcurrencyConflict, status: http.StatusConflict, code: "concurrency_conflict"},
		{err: store.ErrAlreadyReversed, status: http.StatusConflict, code: "already_reversed"},
		{err: store.ErrInvalidAmount, status: http.StatusBadRequest, code: "invalid_amount"},
		{err: context.DeadlineExceeded, status: http.StatusInternalServerError, code: "internal_error"},
	}
	for _, tc := range tests {
		status, code, _ := mapError(tc.err)
		if status != tc.status || code != tc.code {
			t.Fatalf("%v: expected %d %s, got %d %s", tc.err, tc.status, tc.code, status, code)
		}
	}
}

func TestGetQueueRejectsUnknownStatus(t *testing.T) {
	h := NewHandler(fakeQueue{}, fakeSettlements{})

	resp := serve(h, newRequest(http.MethodGet, "/api/queue?status=waiting,lost", nil))

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestGetQueuePassesStatuses(t *testing.T) {
	var got []models.Status
	q := fakeQueue{
		queueFn: func(ctx context.Context, statuses ...models.Status) ([]models.Customer, error) {
			got = statuses
			return nil, nil
		},
	}
	h := NewHandler(q, fakeSettlements{})

	resp := serve(h, newRequest(http.MethodGet, "/api/queue?status=waiting&status=serving", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	if len(got) != 2 || got[0] != models.StatusWaiting || got[1] != models.StatusServing {
		t.Fatalf("unexpected statuses: %v", got)
	}
	if body := bytes.TrimSpace(resp.Body.Bytes()); string(body) != "[]" {
		t.Fatalf("expected empty array, got %s", body)
	}
}

func TestWaitTimeResponse(t *testing.T) {
	q := fakeQueue{
		waitFn: func(ctx context.Context, customerID int64) (queue.WaitEstimate, error) {
			return queue.WaitEstimate{CustomerID: customerID, Position: 3, Ahead: 2, Estimate: 90 * time.Second}, nil
		},
	}
	h := NewHandler(q, fakeSettlements{})

	resp := serve(h, newRequest(http.MethodGet, "/api/customers/5/wait-time", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var body waitTimeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.EstimatedSeconds != 90 || body.Position != 3 {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestActorMiddleware(t *testing.T) {
	h := NewHandler(fakeQueue{}, fakeSettlements{})

	missing := httptest.NewRequest(http.MethodGet, "/api/counters", nil)
	if resp := serve(h, missing); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", resp.Code)
	}

	unknown := newRequest(http.MethodGet, "/api/counters", nil)
	unknown.Header.Set("X-Actor-Role", "janitor")
	if resp := serve(h, unknown); resp.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", resp.Code)
	}

	health := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	if resp := serve(h, health); resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requestIDFromRequest(r)
	}))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if seen == "" || resp.Header().Get("X-Request-ID") != seen {
		t.Fatalf("expected generated request id to be echoed, got %q / %q", seen, resp.Header().Get("X-Request-ID"))
	}
}

func TestRateLimiterPerActor(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{IPPerMinute: 600, IPBurst: 100, ActorPerMinute: 1, ActorBurst: 2})
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, newRequest(http.MethodGet, "/api/counters", nil))
		codes = append(codes, resp.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status sequence: %v", codes)
	}

	other := newRequest(http.MethodGet, "/api/counters", nil)
	other.Header.Set("X-Actor-ID", "cashier-2")
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, other)
	if resp.Code != http.StatusOK {
		t.Fatalf("other actors must not share a bucket, got %d", resp.Code)
	}
}

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"/api/customers/42/actions/complete": "/api/customers/:id/actions/complete",
		"/api/transactions/abc/settlements":  "/api/transactions/:id/settlements",
		"/api/queue":                         "/api/queue",
		"/healthz":                           "/healthz",
	}
	for path, want := range tests {
		if got := routeLabel(path); got != want {
			t.Fatalf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}
