package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AKIVA-AI/enterprise-crypto-sub000/libs/kafka"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	AuditEventType     = "audit.recorded"
	ReconcileEventType = "ledger.reconcile"
)

// AuditMessage is the Kafka form of an audit_events row.
type AuditMessage struct {
	kafka.Envelope
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	Severity     string         `json:"severity"`
	BeforeState  map[string]any `json:"before_state,omitempty"`
	AfterState   map[string]any `json:"after_state,omitempty"`
}

// ReconcileEvent asks the reconciliation consumer to re-apply an execution
// whose bookkeeping failed after the venue leg completed.
type ReconcileEvent struct {
	kafka.Envelope
	OrderID      string    `json:"order_id"`
	FillID       string    `json:"fill_id"`
	FilledPrice  string    `json:"filled_price"`
	FilledSize   string    `json:"filled_size"`
	Fee          string    `json:"fee"`
	SlippageBps  string    `json:"slippage_bps"`
	LatencyMs    int64     `json:"latency_ms"`
	VenueOrderID string    `json:"venue_order_id,omitempty"`
	ExecutedAt   time.Time `json:"executed_at"`
	Error        string    `json:"error,omitempty"`
}

func NewReconcileEvent(orderID uuid.UUID, exec storage.ExecutionUpdate, cause error, correlationID string) (ReconcileEvent, error) {
	eventID := kafka.DeterministicEventID(ReconcileEventType, orderID.String(), exec.FillID.String())
	env, err := kafka.NewEnvelopeWithID(eventID, ReconcileEventType, correlationID)
	if err != nil {
		return ReconcileEvent{}, err
	}
	ev := ReconcileEvent{
		Envelope:     env,
		OrderID:      orderID.String(),
		FillID:       exec.FillID.String(),
		FilledPrice:  exec.FilledPrice.String(),
		FilledSize:   exec.FilledSize.String(),
		Fee:          exec.Fee.String(),
		SlippageBps:  exec.SlippageBps.String(),
		LatencyMs:    exec.LatencyMs,
		VenueOrderID: exec.VenueOrderID,
		ExecutedAt:   exec.ExecutedAt.UTC(),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	return ev, nil
}

func (e *ReconcileEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.EventType != ReconcileEventType {
		return fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	if strings.TrimSpace(e.OrderID) == "" {
		return errors.New("order_id is required")
	}
	if strings.TrimSpace(e.FillID) == "" {
		return errors.New("fill_id is required")
	}
	return nil
}

// Execution converts the event back into the ledger's input.
func (e *ReconcileEvent) Execution() (uuid.UUID, storage.ExecutionUpdate, error) {
	orderID, err := uuid.Parse(e.OrderID)
	if err != nil {
		return uuid.Nil, storage.ExecutionUpdate{}, fmt.Errorf("invalid order_id: %w", err)
	}
	fillID, err := uuid.Parse(e.FillID)
	if err != nil {
		return uuid.Nil, storage.ExecutionUpdate{}, fmt.Errorf("invalid fill_id: %w", err)
	}
	out := storage.ExecutionUpdate{
		FillID:       fillID,
		LatencyMs:    e.LatencyMs,
		VenueOrderID: e.VenueOrderID,
		ExecutedAt:   e.ExecutedAt,
	}
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"filled_price", e.FilledPrice, &out.FilledPrice},
		{"filled_size", e.FilledSize, &out.FilledSize},
		{"fee", e.Fee, &out.Fee},
		{"slippage_bps", e.SlippageBps, &out.SlippageBps},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(strings.TrimSpace(f.raw))
		if err != nil {
			return uuid.Nil, storage.ExecutionUpdate{}, fmt.Errorf("invalid %s", f.name)
		}
		*f.dst = v
	}
	return orderID, out, nil
}
