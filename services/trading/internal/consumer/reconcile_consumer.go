package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AKIVA-AI/enterprise-crypto-sub000/libs/kafka"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/ledger"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/service"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/storage"
	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

type Bookkeeper interface {
	Apply(ctx context.Context, orderID uuid.UUID, exec storage.ExecutionUpdate) (*ledger.Result, error)
}

// ReconcileConsumer re-applies executions whose bookkeeping failed at
// placement time. Fill ids make replays idempotent.
type ReconcileConsumer struct {
	ledger  Bookkeeper
	audit   *service.AuditRecorder
	logger  *slog.Logger
	metrics *service.Metrics
}

func NewReconcileConsumer(bookkeeper Bookkeeper, audit *service.AuditRecorder, logger *slog.Logger, metrics *service.Metrics) *ReconcileConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileConsumer{ledger: bookkeeper, audit: audit, logger: logger, metrics: metrics}
}

func (c *ReconcileConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		c.record("invalid")
		return kafka.DLQ(errors.New("empty kafka message"), "invalid_payload")
	}

	var event service.ReconcileEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.record("invalid")
		return kafka.DLQ(fmt.Errorf("decode %s: %w", service.ReconcileEventType, err), "invalid_payload")
	}
	if err := event.Validate(); err != nil {
		c.record("invalid")
		return kafka.DLQ(err, "invalid_payload")
	}
	orderID, exec, err := event.Execution()
	if err != nil {
		c.record("invalid")
		return kafka.DLQ(err, "invalid_payload")
	}

	res, err := c.ledger.Apply(ctx, orderID, exec)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidStatus) {
			c.record("unapplicable")
			return kafka.DLQ(err, "order_not_applicable")
		}
		c.record("error")
		return err
	}

	if res.Duplicate {
		c.logger.Info("reconcile event already applied", "event_id", event.EventID, "order_id", event.OrderID, "fill_id", event.FillID)
		c.record("duplicate")
		return nil
	}

	resourceID := orderID.String()
	c.audit.Record(ctx, storage.AuditEvent{
		Action:        "ledger_reconciled",
		ResourceType:  "order",
		ResourceID:    &resourceID,
		Severity:      storage.SeverityInfo,
		CorrelationID: event.CorrelationID,
		AfterState: map[string]any{
			"fill_id":     event.FillID,
			"status":      res.Order.Status,
			"filled_size": res.Order.FilledSize.String(),
		},
	})
	c.logger.Info("reconciled execution", "order_id", event.OrderID, "fill_id", event.FillID)
	c.record("success")
	return nil
}

func (c *ReconcileConsumer) record(status string) {
	c.metrics.ObserveReconcile("consume", status)
}
