package service

import (
	"context"
	"log/slog"

	"github.com/AKIVA-AI/enterprise-crypto-sub000/libs/kafka"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/storage"
	"github.com/google/uuid"
)

type AuditStore interface {
	InsertAudit(ctx context.Context, ev storage.AuditEvent) error
}

// AuditRecorder persists audit events and mirrors them to Kafka. Failures are
// logged and never fail the calling operation.
type AuditRecorder struct {
	store    AuditStore
	producer kafka.Publisher
	topic    string
	logger   *slog.Logger
	metrics  *Metrics
}

func NewAuditRecorder(store AuditStore, producer kafka.Publisher, topic string, logger *slog.Logger, metrics *Metrics) *AuditRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditRecorder{store: store, producer: producer, topic: topic, logger: logger, metrics: metrics}
}

func (a *AuditRecorder) Record(ctx context.Context, ev storage.AuditEvent) {
	if a == nil {
		return
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Severity == "" {
		ev.Severity = storage.SeverityInfo
	}
	ctx = context.WithoutCancel(ctx)

	if a.store != nil {
		if err := a.store.InsertAudit(ctx, ev); err != nil {
			a.metrics.observeAuditFailure()
			a.logger.Error("insert audit event failed", "action", ev.Action, "error", err)
		}
	}
	a.publish(ctx, ev)
}

func (a *AuditRecorder) publish(ctx context.Context, ev storage.AuditEvent) {
	if a.producer == nil || a.topic == "" {
		return
	}
	env, err := kafka.NewEnvelopeWithID(ev.ID.String(), AuditEventType, ev.CorrelationID)
	if err != nil {
		a.logger.Error("build audit envelope failed", "error", err)
		return
	}
	msg := AuditMessage{
		Envelope:     env,
		Action:       ev.Action,
		ResourceType: ev.ResourceType,
		Severity:     string(ev.Severity),
		BeforeState:  ev.BeforeState,
		AfterState:   ev.AfterState,
	}
	key := ev.Action
	if ev.ResourceID != nil {
		msg.ResourceID = *ev.ResourceID
		key = *ev.ResourceID
	}
	if ev.UserID != nil {
		msg.UserID = ev.UserID.String()
	}
	if _, _, err := a.producer.PublishJSON(ctx, a.topic, key, msg); err != nil {
		a.metrics.observeAuditFailure()
		a.logger.Error("publish audit event failed", "action", ev.Action, "error", err)
	}
}
