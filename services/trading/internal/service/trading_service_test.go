package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AKIVA-AI/enterprise-crypto-sub000/libs/kafka"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/libs/logging"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/config"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/execution"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/healthprobe"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/ledger"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/safety"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/storage"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/testutil"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/validation"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/venue"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	auditTopic     = "audit.events"
	reconcileTopic = "ledger.reconcile"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type zeroRandom struct{}

func (zeroRandom) Float64() float64 { return 0 }
func (zeroRandom) Intn(int) int     { return 0 }

type staticPrices map[string]decimal.Decimal

func (s staticPrices) GetPrice(_ context.Context, instrument string) (decimal.Decimal, bool) {
	p, ok := s[instrument]
	return p, ok
}

type stubVenue struct {
	name      string
	exec      *venue.Execution
	err       error
	cancelErr error
	cancelled []string
}

func (v *stubVenue) Name() string { return v.name }

func (v *stubVenue) Submit(context.Context, venue.OrderRequest) (*venue.Execution, error) {
	return v.exec, v.err
}

func (v *stubVenue) Cancel(_ context.Context, _ string, venueOrderID string) error {
	v.cancelled = append(v.cancelled, venueOrderID)
	return v.cancelErr
}

type harness struct {
	store    *testutil.MemStore
	book     storage.Book
	registry *venue.Registry
	producer *kafka.MemoryPublisher
	svc      *TradingService
	actor    Actor
}

// newHarness wires the real pipeline, simulator, router and ledger over an
// in-memory store: capital 100000, max leverage 3, BTC-USD at 9000.
func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logging.Discard()
	store := testutil.NewMemStore()
	book := store.Seed(testutil.TraderUserID, d("100000"), d("3"), "coinbase")
	prices := staticPrices{"BTC-USD": d("9000")}

	pipeline := safety.NewPipeline(safety.DefaultChecks(safety.Dependencies{
		Store:  store,
		Health: healthprobe.New(store, time.Minute, time.Second, logger),
		Prices: prices,
	}), nil, logger)
	sim := execution.NewSimulator(config.SimulatorConfig{
		TakerFeeRate:   d("0.001"),
		MaxSlippageBps: 10,
		FullFillRate:   0.9,
	}, prices, zeroRandom{})
	registry := venue.NewRegistry()
	router := execution.NewRouter(sim, registry, prices, time.Second, logger)
	producer := &kafka.MemoryPublisher{}
	audit := NewAuditRecorder(store, producer, auditTopic, logger, nil)

	svc := NewTradingService(store, pipeline, router, ledger.NewUpdater(store, logger), audit, producer, Topics{Reconcile: reconcileTopic}, logger, nil)
	return &harness{
		store:    store,
		book:     book,
		registry: registry,
		producer: producer,
		svc:      svc,
		actor:    Actor{UserID: testutil.TraderUserID, IP: "127.0.0.1", CorrelationID: "req-1"},
	}
}

func (h *harness) buy(size, price string) validation.Order {
	p := d(price)
	return validation.Order{
		BookID:     h.book.ID,
		Instrument: "BTC-USD",
		Side:       storage.SideBuy,
		Type:       storage.OrderTypeLimit,
		Size:       d(size),
		Price:      &p,
		Venue:      "coinbase",
	}
}

func (h *harness) goLive() {
	h.store.UpdateSettings(func(s *storage.GlobalSettings) { s.PaperTradingMode = false })
}

func TestPlaceOrderPaperExecutes(t *testing.T) {
	h := newHarness(t)

	res, err := h.svc.PlaceOrder(context.Background(), h.actor, h.buy("10", "9000"))
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if res.Outcome != OutcomeExecuted || res.Mode != storage.ModePaper {
		t.Fatalf("unexpected result %+v", res)
	}
	o := res.Order
	if o.Status != storage.OrderStatusFilled || !o.FilledSize.Equal(d("10")) || o.FilledPrice == nil || !o.FilledPrice.Equal(d("9000")) {
		t.Fatalf("unexpected order %+v", o)
	}
	if !res.Execution.Fee.Equal(d("90")) {
		t.Fatalf("fee = %s, want 90", res.Execution.Fee)
	}

	orders, fills, positions := h.store.Counts()
	if orders != 1 || fills != 1 || positions != 1 {
		t.Fatalf("expected 1/1/1 rows, got %d/%d/%d", orders, fills, positions)
	}
	if got := h.store.Books[h.book.ID].CurrentExposure; !got.Equal(d("90000")) {
		t.Fatalf("exposure = %s, want 90000", got)
	}
	ev, ok := h.store.FindAudit("order_placed")
	if !ok || ev.ResourceID == nil || *ev.ResourceID != o.ID.String() || ev.CorrelationID != "req-1" {
		t.Fatalf("expected order_placed audit, got %+v", ev)
	}
	if got := len(h.producer.Topic(auditTopic)); got != 1 {
		t.Fatalf("expected audit event on kafka, got %d", got)
	}
}

func TestPlaceOrderKillSwitchRejectsWithoutRows(t *testing.T) {
	h := newHarness(t)
	h.store.UpdateSettings(func(s *storage.GlobalSettings) { s.GlobalKillSwitch = true })

	res, err := h.svc.PlaceOrder(context.Background(), h.actor, h.buy("10", "9000"))
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if res.Outcome != OutcomeRejected || res.Decision.Code != safety.CodeKillSwitch || res.Order != nil {
		t.Fatalf("expected kill switch rejection, got %+v", res)
	}
	orders, fills, positions := h.store.Counts()
	if orders+fills+positions != 0 {
		t.Fatalf("rejected order must not write rows, got %d/%d/%d", orders, fills, positions)
	}
	ev, ok := h.store.FindAudit("order_rejected")
	if !ok || ev.Severity != storage.SeverityWarning {
		t.Fatalf("expected warning order_rejected audit, got %+v", ev)
	}
	if ev.AfterState["code"] != safety.CodeKillSwitch || ev.BeforeState["instrument"] != "BTC-USD" {
		t.Fatalf("unexpected audit state %+v", ev)
	}
}

func TestPlaceOrderLeverageBoundary(t *testing.T) {
	h := newHarness(t)
	// 100000 capital at 3x allows exactly 300000 notional.
	res, err := h.svc.PlaceOrder(context.Background(), h.actor, h.buy("30", "10000"))
	if err != nil || res.Outcome != OutcomeExecuted {
		t.Fatalf("expected leverage at the limit to pass, got %+v %v", res, err)
	}

	h2 := newHarness(t)
	res, err = h2.svc.PlaceOrder(context.Background(), h2.actor, h2.buy("30.0001", "10000"))
	if err != nil || res.Outcome != OutcomeRejected || res.Decision.Code != safety.CodeLeverageExceeded {
		t.Fatalf("expected leverage rejection, got %+v %v", res, err)
	}
}

func TestPlaceOrderLiveFailureCancelsOrder(t *testing.T) {
	h := newHarness(t)
	h.goLive()
	h.registry.Register(&stubVenue{name: "coinbase", err: errors.New("503 from exchange")})

	res, err := h.svc.PlaceOrder(context.Background(), h.actor, h.buy("1", "9000"))
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if res.Outcome != OutcomeExecutionFailed || res.Mode != storage.ModeLive {
		t.Fatalf("expected live execution failure, got %+v", res)
	}
	if !errors.Is(res.Err, execution.ErrLiveExecutionFailed) {
		t.Fatalf("expected live execution error, got %v", res.Err)
	}
	if res.Order.Status != storage.OrderStatusCancelled {
		t.Fatalf("order status = %s, want cancelled", res.Order.Status)
	}
	_, fills, positions := h.store.Counts()
	if fills != 0 || positions != 0 {
		t.Fatalf("failed live order must not book fills, got %d fills %d positions", fills, positions)
	}
	ev, ok := h.store.FindAudit("live_execution_failed")
	if !ok || ev.Severity != storage.SeverityCritical {
		t.Fatalf("expected critical live_execution_failed audit, got %+v", ev)
	}
}

func TestPlaceOrderLiveWithoutAdapterFailsClosed(t *testing.T) {
	h := newHarness(t)
	h.goLive()

	res, err := h.svc.PlaceOrder(context.Background(), h.actor, h.buy("1", "9000"))
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if res.Outcome != OutcomeExecutionFailed || !errors.Is(res.Err, execution.ErrAdapterNotFound) {
		t.Fatalf("expected adapter failure, got %+v", res)
	}
	if _, fills, _ := h.store.Counts(); fills != 0 {
		t.Fatalf("expected no simulated fill in live mode")
	}
}

func TestPlaceOrderLiveExecutes(t *testing.T) {
	h := newHarness(t)
	h.goLive()
	execID := uuid.New()
	h.registry.Register(&stubVenue{name: "coinbase", exec: &venue.Execution{
		ID:           execID,
		VenueOrderID: "cb-1",
		FilledPrice:  d("9009"),
		FilledSize:   d("1"),
		Fee:          d("5.4"),
		LatencyMs:    120,
	}})

	res, err := h.svc.PlaceOrder(context.Background(), h.actor, h.buy("1", "9000"))
	if err != nil || res.Outcome != OutcomeExecuted {
		t.Fatalf("expected live execution, got %+v %v", res, err)
	}
	if res.Order.VenueOrderID != "cb-1" || !res.Order.SlippageBps.Equal(d("10")) {
		t.Fatalf("unexpected live order %+v", res.Order)
	}
	if _, ok := h.store.Fills[execID]; !ok {
		t.Fatalf("fill must be keyed by the venue execution id")
	}
}

func TestPlaceOrderLedgerFailurePublishesReconcile(t *testing.T) {
	h := newHarness(t)
	h.store.Errors["InLedgerTx"] = errors.New("connection reset")

	res, err := h.svc.PlaceOrder(context.Background(), h.actor, h.buy("2", "9000"))
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if res.Outcome != OutcomeReconciliationPending || res.Execution == nil {
		t.Fatalf("expected pending reconciliation, got %+v", res)
	}
	msgs := h.producer.Topic(reconcileTopic)
	if len(msgs) != 1 {
		t.Fatalf("expected one reconcile event, got %d", len(msgs))
	}
	ev, ok := msgs[0].Value.(ReconcileEvent)
	if !ok {
		t.Fatalf("unexpected payload %T", msgs[0].Value)
	}
	if ev.OrderID != res.Order.ID.String() || ev.FilledSize != "2" || ev.Error == "" {
		t.Fatalf("unexpected reconcile event %+v", ev)
	}
	if err := ev.Validate(); err != nil {
		t.Fatalf("reconcile event invalid: %v", err)
	}
	if audit, ok := h.store.FindAudit("ledger_update_failed"); !ok || audit.Severity != storage.SeverityCritical {
		t.Fatalf("expected critical ledger_update_failed audit, got %+v", audit)
	}
}

func TestAuthorize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.svc.Authorize(ctx, h.actor); err != nil {
		t.Fatalf("trader should be authorized: %v", err)
	}

	viewer := Actor{UserID: testutil.ViewerUserID}
	h.store.Roles[testutil.ViewerUserID] = []string{"viewer"}
	if err := h.svc.Authorize(ctx, viewer); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	ev, ok := h.store.FindAudit("unauthorized_trading_attempt")
	if !ok || ev.Severity != storage.SeverityWarning || ev.UserID == nil || *ev.UserID != testutil.ViewerUserID {
		t.Fatalf("expected unauthorized attempt audit, got %+v", ev)
	}

	h.store.Errors["GetUserRoles"] = errors.New("db down")
	if err := h.svc.Authorize(ctx, h.actor); !errors.Is(err, ErrRoleLookup) {
		t.Fatalf("expected role lookup error, got %v", err)
	}
}

func TestCancelOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order, err := h.store.CreateOrder(ctx, storage.Order{BookID: h.book.ID, Instrument: "BTC-USD", Side: storage.SideBuy, Size: d("1"), Venue: "coinbase", Mode: storage.ModePaper})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	cancelled, err := h.svc.CancelOrder(ctx, h.actor, order.ID)
	if err != nil || cancelled.Status != storage.OrderStatusCancelled {
		t.Fatalf("cancel: %+v %v", cancelled, err)
	}
	if _, ok := h.store.FindAudit("order_cancelled"); !ok {
		t.Fatalf("expected order_cancelled audit")
	}

	if _, err := h.svc.CancelOrder(ctx, h.actor, order.ID); !errors.Is(err, ErrOrderNotOpen) {
		t.Fatalf("expected not open, got %v", err)
	}
	if _, err := h.svc.CancelOrder(ctx, h.actor, uuid.New()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancelLiveOrderCancelsOnVenueFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stub := &stubVenue{name: "coinbase", cancelErr: errors.New("venue timeout")}
	h.registry.Register(stub)

	order, err := h.store.CreateOrder(ctx, storage.Order{BookID: h.book.ID, Instrument: "BTC-USD", Side: storage.SideBuy, Size: d("1"), Venue: "coinbase", Mode: storage.ModeLive, VenueOrderID: "cb-9"})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	if _, err := h.svc.CancelOrder(ctx, h.actor, order.ID); !errors.Is(err, ErrVenueCancelFailed) {
		t.Fatalf("expected venue cancel failure, got %v", err)
	}
	if got := h.store.Orders[order.ID].Status; got != storage.OrderStatusOpen {
		t.Fatalf("order must stay open after venue failure, got %s", got)
	}

	stub.cancelErr = nil
	cancelled, err := h.svc.CancelOrder(ctx, h.actor, order.ID)
	if err != nil || cancelled.Status != storage.OrderStatusCancelled {
		t.Fatalf("cancel: %+v %v", cancelled, err)
	}
	if len(stub.cancelled) != 2 || stub.cancelled[1] != "cb-9" {
		t.Fatalf("expected venue cancel by venue order id, got %v", stub.cancelled)
	}
}

func TestClosePosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.PlaceOrder(ctx, h.actor, h.buy("10", "9000")); err != nil {
		t.Fatalf("open: %v", err)
	}
	open := h.store.OpenPositions(h.book.ID)
	if len(open) != 1 {
		t.Fatalf("expected one open position, got %d", len(open))
	}
	posID := open[0].ID

	// Reduce-only mode must still let a close through.
	h.store.UpdateSettings(func(s *storage.GlobalSettings) { s.ReduceOnlyMode = true })

	res, err := h.svc.ClosePosition(ctx, h.actor, posID, validation.Close{Percentage: d("50")})
	if err != nil || res.Outcome != OutcomeExecuted {
		t.Fatalf("partial close: %+v %v", res, err)
	}
	if res.Order.Side != storage.SideSell || res.Order.Type != storage.OrderTypeMarket || !res.Order.Size.Equal(d("5")) {
		t.Fatalf("unexpected close order %+v", res.Order)
	}
	if got := h.store.Positions[posID].Size; !got.Equal(d("5")) {
		t.Fatalf("position size = %s, want 5", got)
	}

	if res, err := h.svc.ClosePosition(ctx, h.actor, posID, validation.Close{Percentage: d("100")}); err != nil || res.Outcome != OutcomeExecuted {
		t.Fatalf("full close: %+v %v", res, err)
	}
	if h.store.Positions[posID].IsOpen {
		t.Fatalf("position should be closed")
	}
	if _, err := h.svc.ClosePosition(ctx, h.actor, posID, validation.Close{Percentage: d("100")}); !errors.Is(err, ErrPositionNotOpen) {
		t.Fatalf("expected position not open, got %v", err)
	}
}

func TestCloseSize(t *testing.T) {
	cases := []struct {
		size, pct, want string
	}{
		{"10", "100", "10"},
		{"10", "25", "2.5"},
		{"1.23456789", "33", "0.4074074"},
		{"0.00000001", "50", "0"},
	}
	for _, tc := range cases {
		if got := CloseSize(d(tc.size), d(tc.pct)); !got.Equal(d(tc.want)) {
			t.Fatalf("CloseSize(%s, %s) = %s, want %s", tc.size, tc.pct, got, tc.want)
		}
	}
}

func TestAuditRecorderSurvivesFailures(t *testing.T) {
	store := testutil.NewMemStore()
	store.Errors["InsertAudit"] = errors.New("insert failed")
	producer := &kafka.MemoryPublisher{Err: errors.New("broker down")}
	rec := NewAuditRecorder(store, producer, auditTopic, logging.Discard(), nil)

	rec.Record(context.Background(), storage.AuditEvent{Action: "order_placed"})
	if len(store.Audits) != 0 || len(producer.Messages) != 0 {
		t.Fatalf("nothing should be recorded")
	}

	var nilRecorder *AuditRecorder
	nilRecorder.Record(context.Background(), storage.AuditEvent{Action: "noop"})
}
