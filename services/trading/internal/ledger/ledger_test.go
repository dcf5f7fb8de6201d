package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/storage"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/testutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fillOf(side storage.Side, size, price string) storage.Fill {
	return storage.Fill{
		ID:         uuid.New(),
		BookID:     uuid.New(),
		Instrument: "BTC-USD",
		Side:       side,
		Size:       d(size),
		Price:      d(price),
		Venue:      "coinbase",
	}
}

func longPosition(size, entry string) *storage.Position {
	return &storage.Position{
		ID:          uuid.New(),
		Instrument:  "BTC-USD",
		Side:        storage.SideBuy,
		Size:        d(size),
		EntryPrice:  d(entry),
		RealizedPnL: decimal.Zero,
		IsOpen:      true,
		Version:     4,
	}
}

func TestApplyFillOpensPosition(t *testing.T) {
	change := ApplyFill(nil, fillOf(storage.SideBuy, "10", "9000"), testNow)
	if change.Updated != nil || change.Opened == nil {
		t.Fatalf("expected new position only, got %+v", change)
	}
	p := change.Opened
	if !p.IsOpen || p.Side != storage.SideBuy || !p.Size.Equal(d("10")) || !p.EntryPrice.Equal(d("9000")) || p.Version != 1 {
		t.Fatalf("unexpected opened position %+v", p)
	}
}

func TestApplyFillSameSideAveragesEntry(t *testing.T) {
	change := ApplyFill(longPosition("10", "100"), fillOf(storage.SideBuy, "30", "200"), testNow)
	p := change.Updated
	if p == nil || change.Opened != nil {
		t.Fatalf("expected in-place update, got %+v", change)
	}
	if !p.Size.Equal(d("40")) || !p.EntryPrice.Equal(d("175")) || p.Version != 5 {
		t.Fatalf("unexpected position size=%s entry=%s version=%d", p.Size, p.EntryPrice, p.Version)
	}
	if !change.Realized.IsZero() {
		t.Fatalf("adding must not realize pnl")
	}
}

func TestApplyFillPartialReduceRealizes(t *testing.T) {
	change := ApplyFill(longPosition("10", "100"), fillOf(storage.SideSell, "4", "110"), testNow)
	p := change.Updated
	if !p.IsOpen || !p.Size.Equal(d("6")) || !p.EntryPrice.Equal(d("100")) {
		t.Fatalf("unexpected position %+v", p)
	}
	if !change.Realized.Equal(d("40")) || !p.RealizedPnL.Equal(d("40")) {
		t.Fatalf("realized = %s, want 40", change.Realized)
	}
}

func TestApplyFillShortReduceRealizes(t *testing.T) {
	short := longPosition("5", "100")
	short.Side = storage.SideSell
	change := ApplyFill(short, fillOf(storage.SideBuy, "5", "90"), testNow)
	if !change.Realized.Equal(d("50")) {
		t.Fatalf("short cover realized = %s, want 50", change.Realized)
	}
	if change.Updated.IsOpen || !change.Updated.Size.IsZero() || change.Updated.ClosedAt == nil {
		t.Fatalf("expected closed position, got %+v", change.Updated)
	}
	if change.Opened != nil {
		t.Fatalf("exact close must not open a new position")
	}
}

func TestApplyFillFlip(t *testing.T) {
	change := ApplyFill(longPosition("10", "100"), fillOf(storage.SideSell, "15", "120"), testNow)
	if change.Updated.IsOpen || !change.Realized.Equal(d("200")) {
		t.Fatalf("expected closed long with 200 realized, got %+v realized=%s", change.Updated, change.Realized)
	}
	o := change.Opened
	if o == nil || o.Side != storage.SideSell || !o.Size.Equal(d("5")) || !o.EntryPrice.Equal(d("120")) || !o.IsOpen {
		t.Fatalf("unexpected flipped position %+v", o)
	}
}

func TestApplyFillIgnoresClosedPosition(t *testing.T) {
	closed := longPosition("0", "100")
	closed.IsOpen = false
	change := ApplyFill(closed, fillOf(storage.SideSell, "1", "100"), testNow)
	if change.Updated != nil || change.Opened == nil || change.Opened.Side != storage.SideSell {
		t.Fatalf("closed positions must not be reused, got %+v", change)
	}
}

type ledgerFixture struct {
	store   *testutil.MemStore
	updater *Updater
	book    storage.Book
	userID  uuid.UUID
}

func newFixture(t *testing.T) ledgerFixture {
	t.Helper()
	store := testutil.NewMemStore()
	user := uuid.New()
	book := store.Seed(user, d("100000"), d("3"), "coinbase")
	u := NewUpdater(store, nil)
	u.now = func() time.Time { return testNow }
	return ledgerFixture{store: store, updater: u, book: book, userID: user}
}

func (f ledgerFixture) order(t *testing.T, side storage.Side, size string) *storage.Order {
	t.Helper()
	o, err := f.store.CreateOrder(context.Background(), storage.Order{
		BookID:     f.book.ID,
		UserID:     f.userID,
		Instrument: "BTC-USD",
		Side:       side,
		Type:       storage.OrderTypeMarket,
		Size:       d(size),
		Venue:      "coinbase",
		Mode:       storage.ModePaper,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func execution(size, price string) storage.ExecutionUpdate {
	return storage.ExecutionUpdate{
		FillID:       uuid.New(),
		FilledPrice:  d(price),
		FilledSize:   d(size),
		Fee:          d("1"),
		SlippageBps:  d("2"),
		LatencyMs:    12,
		VenueOrderID: "v-1",
	}
}

func TestUpdaterAppliesFill(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, storage.SideBuy, "10")

	res, err := f.updater.Apply(context.Background(), o.ID, execution("10", "9000"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Order.Status != storage.OrderStatusFilled || !res.Order.FilledSize.Equal(d("10")) || !res.Order.FilledPrice.Equal(d("9000")) {
		t.Fatalf("unexpected order %+v", res.Order)
	}
	if res.Position == nil || !res.Position.Size.Equal(d("10")) {
		t.Fatalf("unexpected position %+v", res.Position)
	}
	book, _ := f.store.GetBook(context.Background(), f.book.ID)
	if !book.CurrentExposure.Equal(d("90000")) {
		t.Fatalf("exposure = %s, want 90000", book.CurrentExposure)
	}
}

func TestUpdaterPartialFillsAverageOrderPrice(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, storage.SideBuy, "10")

	res, err := f.updater.Apply(context.Background(), o.ID, execution("4", "100"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Order.Status != storage.OrderStatusOpen {
		t.Fatalf("partially filled order must stay open, got %s", res.Order.Status)
	}
	res, err = f.updater.Apply(context.Background(), o.ID, execution("6", "110"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Order.Status != storage.OrderStatusFilled || !res.Order.FilledPrice.Equal(d("106")) {
		t.Fatalf("unexpected order status=%s price=%s", res.Order.Status, res.Order.FilledPrice)
	}
}

func TestUpdaterIsIdempotent(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, storage.SideBuy, "10")
	exec := execution("10", "9000")

	if _, err := f.updater.Apply(context.Background(), o.ID, exec); err != nil {
		t.Fatalf("apply: %v", err)
	}
	res, err := f.updater.Apply(context.Background(), o.ID, exec)
	if err != nil {
		t.Fatalf("reapply: %v", err)
	}
	if !res.Duplicate {
		t.Fatalf("expected duplicate")
	}
	positions := f.store.OpenPositions(f.book.ID)
	if len(positions) != 1 || !positions[0].Size.Equal(d("10")) {
		t.Fatalf("re-application changed positions: %+v", positions)
	}
	_, fills, _ := f.store.Counts()
	if fills != 1 {
		t.Fatalf("fills = %d, want 1", fills)
	}
}

func TestUpdaterRejectsCancelledOrder(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, storage.SideBuy, "10")
	if _, err := f.store.MarkOrderCancelled(context.Background(), o.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.updater.Apply(context.Background(), o.ID, execution("10", "1")); !errors.Is(err, storage.ErrInvalidStatus) {
		t.Fatalf("expected invalid status, got %v", err)
	}
	if _, fills, positions := f.store.Counts(); fills != 0 || positions != 0 {
		t.Fatalf("cancelled order must not record fills")
	}
}

func TestUpdaterRetriesVersionConflicts(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, storage.SideBuy, "10")
	f.store.Conflicts = 2

	if _, err := f.updater.Apply(context.Background(), o.ID, execution("10", "9000")); err != nil {
		t.Fatalf("expected retries to succeed: %v", err)
	}
	if positions := f.store.OpenPositions(f.book.ID); len(positions) != 1 {
		t.Fatalf("expected exactly one position, got %d", len(positions))
	}
}

func TestUpdaterGivesUpAfterMaxConflicts(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, storage.SideBuy, "10")
	f.store.Conflicts = 10

	_, err := f.updater.Apply(context.Background(), o.ID, execution("10", "9000"))
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, fills, _ := f.store.Counts(); fills != 0 {
		t.Fatalf("failed transaction must roll back the fill")
	}
	got, _ := f.store.GetOrder(context.Background(), o.ID)
	if got.Status != storage.OrderStatusOpen || !got.FilledSize.IsZero() {
		t.Fatalf("failed transaction must roll back the order, got %+v", got)
	}
}

func TestUpdaterFlipAndClose(t *testing.T) {
	f := newFixture(t)
	buy := f.order(t, storage.SideBuy, "10")
	if _, err := f.updater.Apply(context.Background(), buy.ID, execution("10", "100")); err != nil {
		t.Fatalf("apply buy: %v", err)
	}
	sell := f.order(t, storage.SideSell, "15")
	res, err := f.updater.Apply(context.Background(), sell.ID, execution("15", "120"))
	if err != nil {
		t.Fatalf("apply sell: %v", err)
	}
	if !res.Realized.Equal(d("200")) {
		t.Fatalf("realized = %s, want 200", res.Realized)
	}
	open := f.store.OpenPositions(f.book.ID)
	if len(open) != 1 || open[0].Side != storage.SideSell || !open[0].Size.Equal(d("5")) {
		t.Fatalf("expected 5 short after flip, got %+v", open)
	}
	_, _, positions := f.store.Counts()
	if positions != 2 {
		t.Fatalf("expected closed long plus new short, got %d rows", positions)
	}
}

func TestUpdaterZeroFillOnlyRecordsVenueOrder(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, storage.SideBuy, "10")
	exec := execution("0", "0")
	exec.VenueOrderID = "resting-1"

	if _, err := f.updater.Apply(context.Background(), o.ID, exec); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, _ := f.store.GetOrder(context.Background(), o.ID)
	if got.VenueOrderID != "resting-1" || got.Status != storage.OrderStatusOpen {
		t.Fatalf("unexpected order %+v", got)
	}
	if _, fills, _ := f.store.Counts(); fills != 0 {
		t.Fatalf("zero fill must not insert fills")
	}
}
