package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/rate"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/safety"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/service"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/storage"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/testutil"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/validation"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/venue"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var fixedNow = time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

type fakeService struct {
	authErr    error
	result     *service.PlaceOrderResult
	err        error
	cancelled  *storage.Order
	cancelErr  error
	lastActor  service.Actor
	lastOrder  *validation.Order
	lastClose  *validation.Close
	placeCalls int
}

func (f *fakeService) Authorize(_ context.Context, actor service.Actor) error {
	f.lastActor = actor
	return f.authErr
}

func (f *fakeService) PlaceOrder(_ context.Context, _ service.Actor, order validation.Order) (*service.PlaceOrderResult, error) {
	f.placeCalls++
	f.lastOrder = &order
	return f.result, f.err
}

func (f *fakeService) CancelOrder(context.Context, service.Actor, uuid.UUID) (*storage.Order, error) {
	return f.cancelled, f.cancelErr
}

func (f *fakeService) ClosePosition(_ context.Context, _ service.Actor, _ uuid.UUID, req validation.Close) (*service.PlaceOrderResult, error) {
	f.lastClose = &req
	return f.result, f.err
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string, rate.Route, time.Time) (bool, time.Duration, error) {
	return false, 0, errors.New("redis: connection refused")
}

func setup(t *testing.T, svc *fakeService, limiter rate.Limiter) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	h := New(svc, limiter, nil)
	h.now = func() time.Time { return fixedNow }
	h.Register(router, testutil.TestJWTSecret)

	token, err := testutil.GenerateJWT(testutil.TraderUserID, testutil.TestJWTSecret, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("jwt: %v", err)
	}
	return router, token
}

func orderBody() map[string]any {
	return map[string]any{
		"bookId":     uuid.NewString(),
		"instrument": "BTC-USD",
		"side":       "buy",
		"size":       "10",
		"price":      "9000",
		"orderType":  "limit",
		"venue":      "coinbase",
	}
}

func executedResult(outcome service.Outcome) *service.PlaceOrderResult {
	price := decimal.NewFromInt(9000)
	return &service.PlaceOrderResult{
		Outcome: outcome,
		Mode:    storage.ModePaper,
		Order: &storage.Order{
			ID:          uuid.New(),
			Status:      storage.OrderStatusFilled,
			FilledSize:  decimal.NewFromInt(10),
			FilledPrice: &price,
			SlippageBps: decimal.Zero,
			LatencyMs:   12,
		},
		Execution: &venue.Execution{
			FilledPrice: price,
			FilledSize:  decimal.NewFromInt(10),
			Fee:         decimal.NewFromInt(90),
			LatencyMs:   12,
		},
	}
}

func TestPlaceOrderRequiresToken(t *testing.T) {
	router, _ := setup(t, &fakeService{}, nil)
	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/orders", orderBody(), "")
	testutil.AssertError(t, resp, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestPlaceOrderForbiddenRole(t *testing.T) {
	svc := &fakeService{authErr: service.ErrForbidden}
	router, token := setup(t, svc, nil)

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/orders", orderBody(), token)
	testutil.AssertError(t, resp, http.StatusForbidden, "FORBIDDEN")
	if svc.placeCalls != 0 {
		t.Fatalf("service must not be called for forbidden users")
	}
	if svc.lastActor.UserID != testutil.TraderUserID {
		t.Fatalf("unexpected actor %+v", svc.lastActor)
	}
}

func TestPlaceOrderRoleLookupFailure(t *testing.T) {
	router, token := setup(t, &fakeService{authErr: errors.New("db down")}, nil)
	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/orders", orderBody(), token)
	testutil.AssertError(t, resp, http.StatusInternalServerError, "ROLE_LOOKUP_FAILED")
	testutil.AssertErrorContains(t, resp, "db down")
}

func TestPlaceOrderValidation(t *testing.T) {
	router, token := setup(t, &fakeService{}, nil)

	body := orderBody()
	body["side"] = "hold"
	delete(body, "price")
	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/orders", body, token)
	testutil.AssertError(t, resp, http.StatusBadRequest, "INVALID_REQUEST")

	var decoded struct {
		Fields []validation.FieldError `json:"fields"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Fields) != 2 {
		t.Fatalf("expected side and price errors, got %+v", decoded.Fields)
	}

	resp = testutil.MakeRawRequest(router, http.MethodPost, "/v1/orders", "{", token)
	testutil.AssertError(t, resp, http.StatusBadRequest, "INVALID_REQUEST")
}

func TestPlaceOrderSuccess(t *testing.T) {
	svc := &fakeService{result: executedResult(service.OutcomeExecuted)}
	router, token := setup(t, svc, nil)

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/orders", orderBody(), token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	var body orderResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || body.Mode != "paper" || body.Order.Status != "filled" {
		t.Fatalf("unexpected response %+v", body)
	}
	if body.Order.FilledSize != "10" || body.Order.FilledPrice != "9000" || body.Order.Fee != "90" || body.Order.LatencyMs != 12 {
		t.Fatalf("unexpected order view %+v", body.Order)
	}
	if svc.lastOrder == nil || svc.lastOrder.Instrument != "BTC-USD" || svc.lastOrder.Side != storage.SideBuy {
		t.Fatalf("unexpected order passed to service %+v", svc.lastOrder)
	}
}

func TestPlaceOrderOutcomes(t *testing.T) {
	rejected := &service.PlaceOrderResult{
		Outcome:  service.OutcomeRejected,
		Decision: safety.Decision{Check: "kill_switch", Code: safety.CodeKillSwitch, Reason: "global kill switch is active: all trading is halted"},
	}
	liveFailed := &service.PlaceOrderResult{
		Outcome: service.OutcomeExecutionFailed,
		Mode:    storage.ModeLive,
		Order:   &storage.Order{ID: uuid.New(), Status: storage.OrderStatusCancelled},
		Err:     errors.New("coinbase: 503"),
	}
	paperFailed := &service.PlaceOrderResult{
		Outcome: service.OutcomeExecutionFailed,
		Mode:    storage.ModePaper,
		Order:   &storage.Order{ID: uuid.New(), Status: storage.OrderStatusCancelled},
		Err:     errors.New("no reference price"),
	}

	cases := []struct {
		name     string
		result   *service.PlaceOrderResult
		status   int
		code     string
		rejected bool
	}{
		{"rejected", rejected, http.StatusForbidden, safety.CodeKillSwitch, true},
		{"live failure", liveFailed, http.StatusBadGateway, "LIVE_EXECUTION_FAILED", true},
		{"paper failure", paperFailed, http.StatusBadGateway, "EXECUTION_FAILED", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router, token := setup(t, &fakeService{result: tc.result}, nil)
			resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/orders", orderBody(), token)
			testutil.AssertError(t, resp, tc.status, tc.code)

			var body errorResponse
			if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Rejected != tc.rejected || body.Error == "" {
				t.Fatalf("unexpected body %+v", body)
			}
		})
	}
}

func TestPlaceOrderReconciliationPending(t *testing.T) {
	result := executedResult(service.OutcomeReconciliationPending)
	result.Order.Status = storage.OrderStatusOpen
	result.Order.FilledSize = decimal.Zero
	result.Order.FilledPrice = nil
	router, token := setup(t, &fakeService{result: result}, nil)

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/orders", orderBody(), token)
	testutil.AssertHTTPStatus(t, resp, http.StatusMultiStatus)

	var body orderResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || !body.ReconciliationPending || body.Warning == "" {
		t.Fatalf("unexpected response %+v", body)
	}
	if body.Order.FilledSize != "10" {
		t.Fatalf("pending response should report the execution, got %+v", body.Order)
	}
}

func TestPlaceOrderRateLimited(t *testing.T) {
	svc := &fakeService{result: executedResult(service.OutcomeExecuted)}
	router, token := setup(t, svc, rate.NewMemory(rate.Policy{Limit: 1, Window: time.Minute}))

	first := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/orders", orderBody(), token)
	testutil.AssertHTTPStatus(t, first, http.StatusOK)

	second := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/orders", orderBody(), token)
	testutil.AssertError(t, second, http.StatusTooManyRequests, "RATE_LIMITED")
	if got := second.Header().Get("Retry-After"); got != "60" {
		t.Fatalf("Retry-After = %q, want 60", got)
	}
	if svc.placeCalls != 1 {
		t.Fatalf("limited request must not reach the service")
	}
}

func TestRateLimitIsScopedPerRoute(t *testing.T) {
	svc := &fakeService{
		result:    executedResult(service.OutcomeExecuted),
		cancelled: &storage.Order{ID: uuid.New(), Status: storage.OrderStatusCancelled, UpdatedAt: fixedNow},
	}
	limiter := rate.NewMemory(rate.Policy{Limit: 10, Window: time.Minute, Routes: map[rate.Route]int{rate.RoutePlace: 1}})
	router, token := setup(t, svc, limiter)

	steps := []struct {
		path   string
		status int
	}{
		{"/v1/orders", http.StatusOK},
		{"/v1/orders", http.StatusTooManyRequests},
		{"/v1/orders/" + uuid.NewString() + "/cancel", http.StatusOK},
		{"/v1/orders/" + uuid.NewString() + "/cancel", http.StatusOK},
	}
	for i, st := range steps {
		var body any
		if st.path == "/v1/orders" {
			body = orderBody()
		}
		resp := testutil.MakeAuthRequest(router, http.MethodPost, st.path, body, token)
		if resp.Code != st.status {
			t.Fatalf("step %d %s: status %d, want %d: %s", i, st.path, resp.Code, st.status, resp.Body.String())
		}
	}
	if svc.placeCalls != 1 {
		t.Fatalf("expected one place call, got %d", svc.placeCalls)
	}
}

func TestPlaceOrderLimiterFailureFailsClosed(t *testing.T) {
	svc := &fakeService{result: executedResult(service.OutcomeExecuted)}
	router, token := setup(t, svc, brokenLimiter{})

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/orders", orderBody(), token)
	testutil.AssertError(t, resp, http.StatusServiceUnavailable, "RATE_LIMIT_UNAVAILABLE")
	if svc.placeCalls != 0 {
		t.Fatalf("service must not be called when the limiter is down")
	}
}

func TestCancelOrder(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", storage.ErrNotFound, http.StatusNotFound, "ORDER_NOT_FOUND"},
		{"not open", service.ErrOrderNotOpen, http.StatusConflict, "ORDER_NOT_OPEN"},
		{"venue failure", service.ErrVenueCancelFailed, http.StatusBadGateway, "VENUE_CANCEL_FAILED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router, token := setup(t, &fakeService{cancelErr: tc.err}, nil)
			resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/orders/"+uuid.NewString()+"/cancel", nil, token)
			testutil.AssertError(t, resp, tc.status, tc.code)
		})
	}

	order := &storage.Order{ID: uuid.New(), Status: storage.OrderStatusCancelled, UpdatedAt: fixedNow}
	router, token := setup(t, &fakeService{cancelled: order}, nil)
	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/orders/"+order.ID.String()+"/cancel", nil, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	resp = testutil.MakeAuthRequest(router, http.MethodPost, "/v1/orders/not-a-uuid/cancel", nil, token)
	testutil.AssertError(t, resp, http.StatusBadRequest, "INVALID_REQUEST")
}

func TestClosePosition(t *testing.T) {
	svc := &fakeService{result: executedResult(service.OutcomeExecuted)}
	router, token := setup(t, svc, nil)
	path := "/v1/positions/" + uuid.NewString() + "/close"

	resp := testutil.MakeRawRequest(router, http.MethodPost, path, "", token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	if svc.lastClose == nil || !svc.lastClose.Percentage.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected full close by default, got %+v", svc.lastClose)
	}

	resp = testutil.MakeAuthRequest(router, http.MethodPost, path, map[string]any{"percentage": 150}, token)
	testutil.AssertError(t, resp, http.StatusBadRequest, "INVALID_REQUEST")

	svc.err = service.ErrPositionNotOpen
	resp = testutil.MakeAuthRequest(router, http.MethodPost, path, map[string]any{"percentage": 50}, token)
	testutil.AssertError(t, resp, http.StatusConflict, "POSITION_NOT_OPEN")
}
