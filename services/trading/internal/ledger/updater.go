package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const defaultMaxAttempts = 3

type Store interface {
	InLedgerTx(ctx context.Context, fn func(storage.LedgerTx) error) error
}

type Result struct {
	Order    *storage.Order
	Fill     *storage.Fill
	Position *storage.Position
	Realized decimal.Decimal
	// Duplicate is set when the fill was already recorded and nothing changed.
	Duplicate bool
}

type Updater struct {
	store       Store
	logger      *slog.Logger
	maxAttempts int
	now         func() time.Time
}

func NewUpdater(store Store, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{store: store, logger: logger, maxAttempts: defaultMaxAttempts, now: time.Now}
}

// Apply records exec against orderID in a single transaction. Re-applying the
// same fill id is a no-op. Lost position version races are retried.
func (u *Updater) Apply(ctx context.Context, orderID uuid.UUID, exec storage.ExecutionUpdate) (*Result, error) {
	var lastErr error
	for attempt := 1; attempt <= u.maxAttempts; attempt++ {
		res, err := u.applyOnce(ctx, orderID, exec)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, err
		}
		lastErr = err
		u.logger.Warn("position version conflict, retrying", "order_id", orderID.String(), "attempt", attempt)
	}
	return nil, fmt.Errorf("apply execution after %d attempts: %w", u.maxAttempts, lastErr)
}

func (u *Updater) applyOnce(ctx context.Context, orderID uuid.UUID, exec storage.ExecutionUpdate) (*Result, error) {
	var res *Result
	err := u.store.InLedgerTx(ctx, func(tx storage.LedgerTx) error {
		res = &Result{Realized: decimal.Zero}
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return fmt.Errorf("load order: %w", err)
		}
		if order.Status == storage.OrderStatusCancelled {
			return fmt.Errorf("order %s: %w", orderID, storage.ErrInvalidStatus)
		}
		res.Order = order

		if !exec.FilledSize.IsPositive() {
			order.VenueOrderID = exec.VenueOrderID
			order.LatencyMs = exec.LatencyMs
			return tx.UpdateOrderExecution(ctx, *order)
		}

		executedAt := exec.ExecutedAt
		if executedAt.IsZero() {
			executedAt = u.now().UTC()
		}
		fill := storage.Fill{
			ID:         exec.FillID,
			OrderID:    order.ID,
			BookID:     order.BookID,
			Instrument: order.Instrument,
			Side:       order.Side,
			Price:      exec.FilledPrice,
			Size:       exec.FilledSize,
			Fee:        exec.Fee,
			Venue:      order.Venue,
			ExecutedAt: executedAt,
		}
		inserted, err := tx.InsertFill(ctx, fill)
		if err != nil {
			return fmt.Errorf("insert fill: %w", err)
		}
		if !inserted {
			res.Duplicate = true
			return nil
		}
		res.Fill = &fill

		applyExecution(order, exec)
		if err := tx.UpdateOrderExecution(ctx, *order); err != nil {
			return fmt.Errorf("update order: %w", err)
		}

		existing, err := tx.LockOpenPosition(ctx, order.BookID, order.Instrument)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		change := ApplyFill(existing, fill, executedAt)
		res.Realized = change.Realized

		if change.Updated != nil {
			if err := tx.UpdatePosition(ctx, *change.Updated, existing.Version); err != nil {
				return err
			}
			res.Position = change.Updated
		}
		if change.Opened != nil {
			if err := tx.InsertPosition(ctx, *change.Opened); err != nil {
				return err
			}
			res.Position = change.Opened
		}

		if err := tx.RecomputeBookExposure(ctx, order.BookID); err != nil {
			return fmt.Errorf("recompute exposure: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !res.Duplicate && res.Fill != nil {
		u.logger.Info("execution applied",
			"order_id", orderID.String(),
			"fill_id", res.Fill.ID.String(),
			"status", res.Order.Status,
			"filled_size", res.Order.FilledSize.String(),
		)
	}
	return res, nil
}

// applyExecution folds exec into the order's running fill totals.
func applyExecution(order *storage.Order, exec storage.ExecutionUpdate) {
	prevFilled := order.FilledSize
	total := prevFilled.Add(exec.FilledSize)

	avg := exec.FilledPrice
	if order.FilledPrice != nil && prevFilled.IsPositive() {
		avg = order.FilledPrice.Mul(prevFilled).Add(exec.FilledPrice.Mul(exec.FilledSize)).Div(total)
	}
	order.FilledSize = total
	order.FilledPrice = &avg
	order.SlippageBps = exec.SlippageBps
	order.LatencyMs = exec.LatencyMs
	if exec.VenueOrderID != "" {
		order.VenueOrderID = exec.VenueOrderID
	}
	if total.GreaterThanOrEqual(order.Size) {
		order.Status = storage.OrderStatusFilled
	} else {
		order.Status = storage.OrderStatusOpen
	}
}
