package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/AKIVA-AI/enterprise-crypto-sub000/libs/kafka"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/ledger"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/service"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/storage"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/testutil"
	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type fakeLedger struct {
	orderID uuid.UUID
	exec    storage.ExecutionUpdate
	res     *ledger.Result
	err     error
}

func (f *fakeLedger) Apply(_ context.Context, orderID uuid.UUID, exec storage.ExecutionUpdate) (*ledger.Result, error) {
	f.orderID = orderID
	f.exec = exec
	return f.res, f.err
}

func reconcileMessage(t *testing.T, orderID uuid.UUID) *sarama.ConsumerMessage {
	t.Helper()
	ev, err := service.NewReconcileEvent(orderID, storage.ExecutionUpdate{
		FillID:       uuid.New(),
		FilledPrice:  decimal.NewFromInt(9000),
		FilledSize:   decimal.NewFromInt(2),
		Fee:          decimal.NewFromInt(18),
		SlippageBps:  decimal.Zero,
		LatencyMs:    12,
		VenueOrderID: "paper-1",
		ExecutedAt:   time.Now().UTC(),
	}, errors.New("connection reset"), "req-9")
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "ledger.reconcile", Value: payload}
}

func isDLQ(err error, reason string) bool {
	var dlq *kafka.DLQError
	return errors.As(err, &dlq) && dlq.Reason == reason
}

func TestReconcileConsumerAppliesExecution(t *testing.T) {
	orderID := uuid.New()
	fake := &fakeLedger{res: &ledger.Result{Order: &storage.Order{ID: orderID, Status: storage.OrderStatusFilled, FilledSize: decimal.NewFromInt(2)}}}
	store := testutil.NewMemStore()
	c := NewReconcileConsumer(fake, service.NewAuditRecorder(store, nil, "", nil, nil), nil, nil)

	if err := c.HandleMessage(context.Background(), reconcileMessage(t, orderID)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if fake.orderID != orderID || !fake.exec.FilledSize.Equal(decimal.NewFromInt(2)) || fake.exec.VenueOrderID != "paper-1" {
		t.Fatalf("unexpected ledger input %s %+v", fake.orderID, fake.exec)
	}
	if ev, ok := store.FindAudit("ledger_reconciled"); !ok || ev.CorrelationID != "req-9" {
		t.Fatalf("expected ledger_reconciled audit, got %+v", ev)
	}
}

func TestReconcileConsumerDuplicateIsAcked(t *testing.T) {
	fake := &fakeLedger{res: &ledger.Result{Duplicate: true}}
	store := testutil.NewMemStore()
	c := NewReconcileConsumer(fake, service.NewAuditRecorder(store, nil, "", nil, nil), nil, nil)

	if err := c.HandleMessage(context.Background(), reconcileMessage(t, uuid.New())); err != nil {
		t.Fatalf("duplicate should be acked: %v", err)
	}
	if len(store.Audits) != 0 {
		t.Fatalf("duplicate must not be audited")
	}
}

func TestReconcileConsumerPoisonMessages(t *testing.T) {
	c := NewReconcileConsumer(&fakeLedger{}, nil, nil, nil)
	cases := map[string]*sarama.ConsumerMessage{
		"empty":      {},
		"not json":   {Value: []byte("{")},
		"wrong type": {Value: []byte(`{"event_id":"e","event_type":"orders.accepted","event_version":1,"timestamp":"2026-01-01T00:00:00Z","order_id":"x","fill_id":"y"}`)},
		"bad amount": {Value: []byte(`{"event_id":"e","event_type":"ledger.reconcile","event_version":1,"timestamp":"2026-01-01T00:00:00Z","order_id":"7f8a2c1e-4c1b-4b8e-9d52-0a4b8c6f1e11","fill_id":"7f8a2c1e-4c1b-4b8e-9d52-0a4b8c6f1e12","filled_price":"abc","filled_size":"1","fee":"0","slippage_bps":"0"}`)},
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			if err := c.HandleMessage(context.Background(), msg); !isDLQ(err, "invalid_payload") {
				t.Fatalf("expected invalid_payload DLQ error, got %v", err)
			}
		})
	}
}

func TestReconcileConsumerErrors(t *testing.T) {
	cancelled := &fakeLedger{err: storage.ErrInvalidStatus}
	c := NewReconcileConsumer(cancelled, nil, nil, nil)
	if err := c.HandleMessage(context.Background(), reconcileMessage(t, uuid.New())); !isDLQ(err, "order_not_applicable") {
		t.Fatalf("expected order_not_applicable, got %v", err)
	}

	transient := errors.New("deadlock detected")
	c = NewReconcileConsumer(&fakeLedger{err: transient}, nil, nil, nil)
	err := c.HandleMessage(context.Background(), reconcileMessage(t, uuid.New()))
	var dlq *kafka.DLQError
	if !errors.Is(err, transient) || errors.As(err, &dlq) {
		t.Fatalf("transient errors must be retried, got %v", err)
	}
}

func TestReconcileConsumerAgainstLedger(t *testing.T) {
	store := testutil.NewMemStore()
	book := store.Seed(testutil.TraderUserID, decimal.NewFromInt(100000), decimal.NewFromInt(3), "coinbase")
	order, err := store.CreateOrder(context.Background(), storage.Order{
		BookID:     book.ID,
		UserID:     testutil.TraderUserID,
		Instrument: "BTC-USD",
		Side:       storage.SideBuy,
		Type:       storage.OrderTypeMarket,
		Size:       decimal.NewFromInt(2),
		Venue:      "coinbase",
		Mode:       storage.ModePaper,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	c := NewReconcileConsumer(ledger.NewUpdater(store, nil), nil, nil, nil)
	msg := reconcileMessage(t, order.ID)

	for i := 0; i < 2; i++ {
		if err := c.HandleMessage(context.Background(), msg); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if _, fills, positions := store.Counts(); fills != 1 || positions != 1 {
		t.Fatalf("replay must be idempotent, got %d fills %d positions", fills, positions)
	}
	if got := store.Orders[order.ID].Status; got != storage.OrderStatusFilled {
		t.Fatalf("order status = %s, want filled", got)
	}
}
