package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AKIVA-AI/enterprise-crypto-sub000/libs/auth"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/libs/kafka"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/libs/trace"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/ledger"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/safety"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/storage"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/validation"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/venue"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultLedgerTimeout = 5 * time.Second
	closeSizePlaces      = 8
)

// TradingRoles may place, cancel and close.
var TradingRoles = []string{"admin", "cio", "trader"}

var (
	ErrForbidden         = errors.New("user lacks a trading role")
	ErrRoleLookup        = errors.New("unable to resolve user roles")
	ErrOrderNotOpen      = errors.New("order is not open")
	ErrPositionNotOpen   = errors.New("position is not open")
	ErrVenueCancelFailed = errors.New("venue cancel failed")
	ErrCloseSizeTooSmall = errors.New("close size rounds to zero")
)

// Outcome classifies a placeOrder that did not error.
type Outcome string

const (
	OutcomeExecuted              Outcome = "executed"
	OutcomeRejected              Outcome = "rejected"
	OutcomeExecutionFailed       Outcome = "execution_failed"
	OutcomeReconciliationPending Outcome = "reconciliation_pending"
)

type Store interface {
	AuditStore
	GetUserRoles(ctx context.Context, userID uuid.UUID) ([]string, error)
	CreateOrder(ctx context.Context, order storage.Order) (*storage.Order, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*storage.Order, error)
	MarkOrderCancelled(ctx context.Context, id uuid.UUID) (*storage.Order, error)
	GetPosition(ctx context.Context, id uuid.UUID) (*storage.Position, error)
}

type Evaluator interface {
	Evaluate(ctx context.Context, req safety.Request) safety.Decision
}

type Executor interface {
	Execute(ctx context.Context, order storage.Order, mode storage.TradingMode) (*venue.Execution, error)
	Cancel(ctx context.Context, order storage.Order) error
}

type Bookkeeper interface {
	Apply(ctx context.Context, orderID uuid.UUID, exec storage.ExecutionUpdate) (*ledger.Result, error)
}

type Topics struct {
	Reconcile string
}

// Actor identifies the caller of a trading operation.
type Actor struct {
	UserID        uuid.UUID
	IP            string
	UserAgent     string
	CorrelationID string
}

type PlaceOrderResult struct {
	Outcome   Outcome
	Mode      storage.TradingMode
	Order     *storage.Order
	Execution *venue.Execution
	Decision  safety.Decision
	// Err carries the execution or bookkeeping failure behind a non-executed outcome.
	Err error
}

type TradingService struct {
	store         Store
	pipeline      Evaluator
	router        Executor
	ledger        Bookkeeper
	audit         *AuditRecorder
	producer      kafka.Publisher
	topics        Topics
	logger        *slog.Logger
	metrics       *Metrics
	ledgerTimeout time.Duration
	now           func() time.Time
}

func NewTradingService(store Store, pipeline Evaluator, router Executor, bookkeeper Bookkeeper, audit *AuditRecorder, producer kafka.Publisher, topics Topics, logger *slog.Logger, metrics *Metrics) *TradingService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TradingService{
		store:         store,
		pipeline:      pipeline,
		router:        router,
		ledger:        bookkeeper,
		audit:         audit,
		producer:      producer,
		topics:        topics,
		logger:        logger,
		metrics:       metrics,
		ledgerTimeout: defaultLedgerTimeout,
		now:           time.Now,
	}
}

// Authorize checks the caller's stored roles. Callers without a trading role
// are audited.
func (s *TradingService) Authorize(ctx context.Context, actor Actor) error {
	roles, err := s.store.GetUserRoles(ctx, actor.UserID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRoleLookup, err)
	}
	if auth.HasAnyRole(roles, TradingRoles...) {
		return nil
	}

	s.metrics.observeAuthorizationFailure()
	s.logger.Warn("unauthorized trading attempt", "user_id", actor.UserID.String(), "roles", roles)
	s.record(ctx, actor, "unauthorized_trading_attempt", "order", nil, storage.SeverityWarning, nil, map[string]any{
		"roles":          roles,
		"required_roles": TradingRoles,
	})
	return ErrForbidden
}

// PlaceOrder runs order through the safety pipeline, executes it in the
// current trading mode and books the result.
func (s *TradingService) PlaceOrder(ctx context.Context, actor Actor, order validation.Order) (result *PlaceOrderResult, err error) {
	start := time.Now()
	ctx, span := trace.StartSpan(ctx, "trading.place_order",
		attribute.String("book_id", order.BookID.String()),
		attribute.String("instrument", order.Instrument),
		attribute.String("venue", order.Venue),
	)
	defer func() { trace.EndSpan(span, err) }()

	decision := s.pipeline.Evaluate(ctx, safety.Request{
		BookID:     order.BookID,
		StrategyID: order.StrategyID,
		Instrument: order.Instrument,
		Side:       order.Side,
		Type:       order.Type,
		Size:       order.Size,
		Price:      order.Price,
		Venue:      order.Venue,
	})
	mode := tradingMode(decision.Settings)

	if !decision.Allowed {
		s.record(ctx, actor, "order_rejected", "order", nil, storage.SeverityWarning, orderState(order), map[string]any{
			"check":  decision.Check,
			"code":   decision.Code,
			"reason": decision.Reason,
		})
		s.metrics.observeSubmission(OutcomeRejected, string(mode), start)
		return &PlaceOrderResult{Outcome: OutcomeRejected, Mode: mode, Decision: decision}, nil
	}

	stored, err := s.store.CreateOrder(ctx, storage.Order{
		ID:         uuid.New(),
		BookID:     order.BookID,
		StrategyID: order.StrategyID,
		UserID:     actor.UserID,
		Instrument: order.Instrument,
		Side:       order.Side,
		Type:       order.Type,
		Size:       order.Size,
		Price:      order.Price,
		Venue:      order.Venue,
		Mode:       mode,
	})
	if err != nil {
		s.metrics.observeSubmission("error", string(mode), start)
		return nil, fmt.Errorf("create order: %w", err)
	}

	exec, execErr := s.router.Execute(ctx, *stored, mode)
	if execErr != nil {
		return s.executionFailed(ctx, actor, stored, mode, decision, execErr, start), nil
	}

	update := storage.ExecutionUpdate{
		FillID:       exec.ID,
		FilledPrice:  exec.FilledPrice,
		FilledSize:   exec.FilledSize,
		Fee:          exec.Fee,
		SlippageBps:  exec.SlippageBps,
		LatencyMs:    exec.LatencyMs,
		VenueOrderID: exec.VenueOrderID,
		ExecutedAt:   s.now().UTC(),
	}
	if update.FillID == uuid.Nil {
		update.FillID = uuid.New()
	}

	// The venue leg is done; bookkeeping must not be abandoned with the request.
	ledgerCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.ledgerTimeout)
	defer cancel()
	booked, ledgerErr := s.ledger.Apply(ledgerCtx, stored.ID, update)
	if ledgerErr != nil {
		s.logger.Error("ledger update failed after execution",
			"order_id", stored.ID.String(),
			"fill_id", update.FillID.String(),
			"mode", string(mode),
			"error", ledgerErr,
		)
		s.record(ctx, actor, "ledger_update_failed", "order", &stored.ID, storage.SeverityCritical, nil, map[string]any{
			"fill_id":      update.FillID.String(),
			"filled_size":  update.FilledSize.String(),
			"filled_price": update.FilledPrice.String(),
			"mode":         string(mode),
			"error":        ledgerErr.Error(),
		})
		s.publishReconcile(ctx, actor.CorrelationID, stored.ID, update, ledgerErr)
		s.metrics.observeSubmission(OutcomeReconciliationPending, string(mode), start)
		return &PlaceOrderResult{
			Outcome:   OutcomeReconciliationPending,
			Mode:      mode,
			Order:     stored,
			Execution: exec,
			Decision:  decision,
			Err:       ledgerErr,
		}, nil
	}

	final := stored
	if booked != nil && booked.Order != nil {
		final = booked.Order
	}
	s.record(ctx, actor, "order_placed", "order", &final.ID, storage.SeverityInfo, nil, map[string]any{
		"book_id":      final.BookID.String(),
		"instrument":   final.Instrument,
		"side":         string(final.Side),
		"size":         final.Size.String(),
		"filled_size":  final.FilledSize.String(),
		"filled_price": decimalString(final.FilledPrice),
		"venue":        final.Venue,
		"mode":         string(mode),
		"status":       final.Status,
	})
	s.metrics.observeSubmission(OutcomeExecuted, string(mode), start)
	return &PlaceOrderResult{
		Outcome:   OutcomeExecuted,
		Mode:      mode,
		Order:     final,
		Execution: exec,
		Decision:  decision,
	}, nil
}

func (s *TradingService) executionFailed(ctx context.Context, actor Actor, order *storage.Order, mode storage.TradingMode, decision safety.Decision, execErr error, start time.Time) *PlaceOrderResult {
	s.logger.Error("order execution failed",
		"order_id", order.ID.String(),
		"venue", order.Venue,
		"mode", string(mode),
		"error", execErr,
	)
	final := order
	cancelled, err := s.store.MarkOrderCancelled(context.WithoutCancel(ctx), order.ID)
	if err != nil {
		s.logger.Error("cancel failed order", "order_id", order.ID.String(), "error", err)
	} else {
		final = cancelled
	}

	action, severity := "execution_failed", storage.SeverityWarning
	if mode == storage.ModeLive {
		action, severity = "live_execution_failed", storage.SeverityCritical
	}
	s.record(ctx, actor, action, "order", &order.ID, severity, nil, map[string]any{
		"venue":  order.Venue,
		"mode":   string(mode),
		"status": final.Status,
		"error":  execErr.Error(),
	})
	s.metrics.observeSubmission(OutcomeExecutionFailed, string(mode), start)
	return &PlaceOrderResult{
		Outcome:  OutcomeExecutionFailed,
		Mode:     mode,
		Order:    final,
		Decision: decision,
		Err:      execErr,
	}
}

// CancelOrder cancels an open order. Live orders resting on a venue are
// cancelled there first and stay open if the venue refuses.
func (s *TradingService) CancelOrder(ctx context.Context, actor Actor, orderID uuid.UUID) (*storage.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		s.metrics.observeCancellation("error")
		return nil, err
	}
	if order.Status != storage.OrderStatusOpen {
		s.metrics.observeCancellation("invalid_status")
		return nil, fmt.Errorf("%w: status %s", ErrOrderNotOpen, order.Status)
	}

	if order.Mode == storage.ModeLive && order.VenueOrderID != "" {
		if err := s.router.Cancel(ctx, *order); err != nil {
			s.logger.Error("venue cancel failed", "order_id", order.ID.String(), "venue", order.Venue, "error", err)
			s.record(ctx, actor, "venue_cancel_failed", "order", &order.ID, storage.SeverityCritical, nil, map[string]any{
				"venue":          order.Venue,
				"venue_order_id": order.VenueOrderID,
				"error":          err.Error(),
			})
			s.metrics.observeCancellation("venue_error")
			return nil, fmt.Errorf("%w: %w", ErrVenueCancelFailed, err)
		}
	}

	cancelled, err := s.store.MarkOrderCancelled(ctx, order.ID)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidStatus) {
			s.metrics.observeCancellation("invalid_status")
			return nil, fmt.Errorf("%w: %w", ErrOrderNotOpen, err)
		}
		s.metrics.observeCancellation("error")
		return nil, err
	}

	s.record(ctx, actor, "order_cancelled", "order", &cancelled.ID, storage.SeverityInfo,
		map[string]any{"status": order.Status},
		map[string]any{"status": cancelled.Status, "mode": string(cancelled.Mode)},
	)
	s.metrics.observeCancellation("success")
	return cancelled, nil
}

// ClosePosition submits an opposite-side market order for percentage of the
// open position through the regular placement path.
func (s *TradingService) ClosePosition(ctx context.Context, actor Actor, positionID uuid.UUID, req validation.Close) (*PlaceOrderResult, error) {
	pos, err := s.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if !pos.IsOpen || !pos.Size.IsPositive() {
		return nil, ErrPositionNotOpen
	}

	size := CloseSize(pos.Size, req.Percentage)
	if !size.IsPositive() {
		return nil, ErrCloseSizeTooSmall
	}
	venueName := req.Venue
	if venueName == "" {
		venueName = pos.Venue
	}

	s.logger.Info("closing position",
		"position_id", pos.ID.String(),
		"book_id", pos.BookID.String(),
		"instrument", pos.Instrument,
		"percentage", req.Percentage.String(),
		"size", size.String(),
	)
	return s.PlaceOrder(ctx, actor, validation.Order{
		BookID:     pos.BookID,
		Instrument: pos.Instrument,
		Side:       pos.Side.Opposite(),
		Type:       storage.OrderTypeMarket,
		Size:       size,
		Venue:      venueName,
	})
}

// CloseSize is size × percentage / 100 truncated to 8 decimal places.
func CloseSize(size, percentage decimal.Decimal) decimal.Decimal {
	return size.Mul(percentage).Div(decimal.NewFromInt(100)).Truncate(closeSizePlaces)
}

func (s *TradingService) publishReconcile(ctx context.Context, correlationID string, orderID uuid.UUID, update storage.ExecutionUpdate, cause error) {
	if s.producer == nil || s.topics.Reconcile == "" {
		s.metrics.ObserveReconcile("publish", "skipped")
		s.logger.Error("reconciliation event not published: no producer", "order_id", orderID.String())
		return
	}
	ev, err := NewReconcileEvent(orderID, update, cause, correlationID)
	if err != nil {
		s.metrics.ObserveReconcile("publish", "error")
		s.logger.Error("build reconcile event failed", "order_id", orderID.String(), "error", err)
		return
	}
	if _, _, err := s.producer.PublishJSON(context.WithoutCancel(ctx), s.topics.Reconcile, orderID.String(), ev); err != nil {
		s.metrics.ObserveReconcile("publish", "error")
		s.logger.Error("publish reconcile event failed", "order_id", orderID.String(), "error", err)
		return
	}
	s.metrics.ObserveReconcile("publish", "ok")
}

func (s *TradingService) record(ctx context.Context, actor Actor, action, resourceType string, resourceID *uuid.UUID, severity storage.Severity, before, after map[string]any) {
	ev := storage.AuditEvent{
		Action:        action,
		ResourceType:  resourceType,
		Severity:      severity,
		BeforeState:   before,
		AfterState:    after,
		IP:            actor.IP,
		UserAgent:     actor.UserAgent,
		CorrelationID: actor.CorrelationID,
	}
	if actor.UserID != uuid.Nil {
		uid := actor.UserID
		ev.UserID = &uid
	}
	if resourceID != nil {
		id := resourceID.String()
		ev.ResourceID = &id
	}
	s.audit.Record(ctx, ev)
}

// tradingMode defaults to paper when settings were never read.
func tradingMode(settings *storage.GlobalSettings) storage.TradingMode {
	if settings == nil || settings.PaperTradingMode {
		return storage.ModePaper
	}
	return storage.ModeLive
}

func orderState(o validation.Order) map[string]any {
	state := map[string]any{
		"book_id":    o.BookID.String(),
		"instrument": o.Instrument,
		"side":       string(o.Side),
		"order_type": string(o.Type),
		"size":       o.Size.String(),
		"venue":      o.Venue,
	}
	if o.Price != nil {
		state["price"] = o.Price.String()
	}
	if o.StrategyID != nil {
		state["strategy_id"] = o.StrategyID.String()
	}
	return state
}

func decimalString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}
