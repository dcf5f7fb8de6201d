// Package execution routes approved orders to the paper simulator or to a live
// venue adapter.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/price"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/storage"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/venue"
	"github.com/shopspring/decimal"
)

var (
	ErrAdapterNotFound     = errors.New("no live adapter registered for venue")
	ErrLiveExecutionFailed = errors.New("live execution failed")
	ErrCancelUnsupported   = errors.New("venue does not support cancellation")
)

const defaultLiveTimeout = 10 * time.Second

type Router struct {
	simulator   *Simulator
	registry    *venue.Registry
	prices      price.Source
	liveTimeout time.Duration
	logger      *slog.Logger
}

func NewRouter(simulator *Simulator, registry *venue.Registry, prices price.Source, liveTimeout time.Duration, logger *slog.Logger) *Router {
	if registry == nil {
		registry = venue.NewRegistry()
	}
	if liveTimeout <= 0 {
		liveTimeout = defaultLiveTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		simulator:   simulator,
		registry:    registry,
		prices:      prices,
		liveTimeout: liveTimeout,
		logger:      logger,
	}
}

// Execute dispatches order in the given mode. Live mode never falls back to
// the simulator.
func (r *Router) Execute(ctx context.Context, order storage.Order, mode storage.TradingMode) (*venue.Execution, error) {
	if mode != storage.ModeLive {
		if r.simulator == nil {
			return nil, errors.New("paper simulator not configured")
		}
		return r.simulator.Simulate(ctx, order)
	}
	return r.executeLive(ctx, order)
}

func (r *Router) executeLive(ctx context.Context, order storage.Order) (*venue.Execution, error) {
	adapter, ok := r.registry.Get(order.Venue)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAdapterNotFound, order.Venue)
	}

	// Once dispatched, the venue call outlives the caller.
	liveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.liveTimeout)
	defer cancel()

	exec, err := adapter.Submit(liveCtx, venue.OrderRequest{
		ClientOrderID: order.ID,
		Instrument:    order.Instrument,
		Side:          order.Side,
		Type:          order.Type,
		Size:          order.Size,
		Price:         order.Price,
	})
	if err != nil {
		r.logger.Error("live execution failed", "venue", order.Venue, "order_id", order.ID.String(), "error", err)
		return nil, fmt.Errorf("%w: %s: %w", ErrLiveExecutionFailed, order.Venue, err)
	}
	if exec == nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLiveExecutionFailed, order.Venue, venue.ErrNoExecution)
	}

	if exec.SlippageBps.IsZero() && exec.FilledSize.IsPositive() {
		if ref, ok := r.referencePrice(liveCtx, order); ok {
			exec.SlippageBps = AdverseSlippageBps(order.Side, ref, exec.FilledPrice)
		}
	}
	return exec, nil
}

// Cancel cancels a resting live order on its venue.
func (r *Router) Cancel(ctx context.Context, order storage.Order) error {
	adapter, ok := r.registry.Get(order.Venue)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAdapterNotFound, order.Venue)
	}
	canceler, ok := adapter.(venue.Canceler)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCancelUnsupported, order.Venue)
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.liveTimeout)
	defer cancel()
	return canceler.Cancel(cctx, order.Instrument, order.VenueOrderID)
}

func (r *Router) referencePrice(ctx context.Context, order storage.Order) (decimal.Decimal, bool) {
	if order.Price != nil && order.Price.IsPositive() {
		return *order.Price, true
	}
	if r.prices == nil {
		return decimal.Zero, false
	}
	return r.prices.GetPrice(ctx, order.Instrument)
}

// AdverseSlippageBps is positive when the fill is worse than ref for side.
func AdverseSlippageBps(side storage.Side, ref, filled decimal.Decimal) decimal.Decimal {
	if !ref.IsPositive() || !filled.IsPositive() {
		return decimal.Zero
	}
	return filled.Sub(ref).Div(ref).Mul(bpsDivisor).Mul(side.Sign()).Round(4)
}
