// Package ledger applies executions to orders, fills and positions.
package ledger

import (
	"time"

	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PositionChange is the result of applying one fill to a book's open position.
type PositionChange struct {
	// Updated is the existing position after the fill. It is nil when there was none.
	Updated *storage.Position
	// Opened is a new position: the first fill on an instrument, or the remainder of a flip.
	Opened   *storage.Position
	Realized decimal.Decimal
}

// ApplyFill computes the position transition for fill. Adds on the same side
// move the entry to the size-weighted average; opposite fills realize PnL
// against the entry and close (or flip) the position when they exhaust it.
func ApplyFill(existing *storage.Position, fill storage.Fill, now time.Time) PositionChange {
	if existing == nil || !existing.IsOpen {
		return PositionChange{Opened: openPosition(fill, fill.Size, now), Realized: decimal.Zero}
	}

	pos := *existing
	pos.Version = existing.Version + 1
	pos.MarkPrice = fill.Price
	pos.UpdatedAt = now

	if fill.Side == pos.Side {
		total := pos.Size.Add(fill.Size)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Size).Add(fill.Price.Mul(fill.Size)).Div(total)
		pos.Size = total
		return PositionChange{Updated: &pos, Realized: decimal.Zero}
	}

	closed := decimal.Min(fill.Size, pos.Size)
	realized := fill.Price.Sub(pos.EntryPrice).Mul(closed).Mul(pos.Side.Sign())
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	remaining := pos.Size.Sub(fill.Size)

	change := PositionChange{Updated: &pos, Realized: realized}
	if remaining.IsPositive() {
		pos.Size = remaining
		return change
	}

	pos.Size = decimal.Zero
	pos.IsOpen = false
	closedAt := now
	pos.ClosedAt = &closedAt
	if remaining.IsNegative() {
		change.Opened = openPosition(fill, remaining.Neg(), now)
	}
	return change
}

func openPosition(fill storage.Fill, size decimal.Decimal, now time.Time) *storage.Position {
	return &storage.Position{
		ID:          uuid.New(),
		BookID:      fill.BookID,
		Instrument:  fill.Instrument,
		Side:        fill.Side,
		Size:        size,
		EntryPrice:  fill.Price,
		MarkPrice:   fill.Price,
		RealizedPnL: decimal.Zero,
		IsOpen:      true,
		Venue:       fill.Venue,
		Version:     1,
		OpenedAt:    now,
		UpdatedAt:   now,
	}
}
