package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidStatus = errors.New("invalid status transition")
	ErrConflict      = errors.New("concurrent modification")
	ErrUnknownProbe  = errors.New("unknown probe component")
)

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const orderColumns = `id, book_id, strategy_id, user_id, instrument, side, order_type, size::text, price::text, venue, mode,
	status, filled_size::text, filled_price::text, slippage_bps::text, latency_ms, venue_order_id, created_at, updated_at`

const positionColumns = `id, book_id, instrument, side, size::text, entry_price::text, mark_price::text, realized_pnl::text,
	is_open, venue, version, opened_at, updated_at, closed_at`

func (s *Store) GetGlobalSettings(ctx context.Context) (*GlobalSettings, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT global_kill_switch, reduce_only_mode, paper_trading_mode, updated_at
		FROM global_settings
		ORDER BY updated_at DESC
		LIMIT 1
	`)
	var gs GlobalSettings
	if err := row.Scan(&gs.GlobalKillSwitch, &gs.ReduceOnlyMode, &gs.PaperTradingMode, &gs.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &gs, nil
}

func (s *Store) GetBook(ctx context.Context, id uuid.UUID) (*Book, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, status, capital_allocated::text, current_exposure::text
		FROM books
		WHERE id = $1
	`, id)
	var (
		b                 Book
		capital, exposure string
	)
	if err := row.Scan(&b.ID, &b.Name, &b.Status, &capital, &exposure); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var err error
	if b.CapitalAllocated, err = parseDecimal(capital, "capital_allocated"); err != nil {
		return nil, err
	}
	if b.CurrentExposure, err = parseDecimal(exposure, "current_exposure"); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) GetRiskLimits(ctx context.Context, bookID uuid.UUID) (*RiskLimits, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT book_id, max_leverage::text, max_daily_loss::text, max_concentration::text, max_drawdown_limit::text
		FROM risk_limits
		WHERE book_id = $1
	`, bookID)
	var (
		rl                                   RiskLimits
		leverage, daily, concentration, draw string
	)
	if err := row.Scan(&rl.BookID, &leverage, &daily, &concentration, &draw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var err error
	if rl.MaxLeverage, err = parseDecimal(leverage, "max_leverage"); err != nil {
		return nil, err
	}
	if rl.MaxDailyLoss, err = parseDecimal(daily, "max_daily_loss"); err != nil {
		return nil, err
	}
	if rl.MaxConcentration, err = parseDecimal(concentration, "max_concentration"); err != nil {
		return nil, err
	}
	if rl.MaxDrawdownLimit, err = parseDecimal(draw, "max_drawdown_limit"); err != nil {
		return nil, err
	}
	return &rl, nil
}

func (s *Store) GetStrategy(ctx context.Context, id uuid.UUID) (*Strategy, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, lifecycle_state, COALESCE(lifecycle_reason, ''), quarantine_expires_at
		FROM strategies
		WHERE id = $1
	`, id)
	var st Strategy
	if err := row.Scan(&st.ID, &st.Name, &st.LifecycleState, &st.LifecycleReason, &st.QuarantineExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &st, nil
}

func (s *Store) GetVenue(ctx context.Context, name string) (*Venue, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, status, is_enabled
		FROM venues
		WHERE lower(name) = lower($1)
	`, strings.TrimSpace(name))
	var v Venue
	if err := row.Scan(&v.ID, &v.Name, &v.Status, &v.IsEnabled); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

func (s *Store) GetOpenPosition(ctx context.Context, bookID uuid.UUID, instrument string) (*Position, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE book_id = $1 AND instrument = $2 AND is_open
	`, bookID, instrument)
	return scanPositionRow(row)
}

func (s *Store) GetPosition(ctx context.Context, id uuid.UUID) (*Position, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE id = $1
	`, id)
	return scanPositionRow(row)
}

func (s *Store) ListHealthRecords(ctx context.Context, components []string) ([]HealthRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT component, status, last_check_at, COALESCE(message, '')
		FROM system_health
		WHERE component = ANY($1)
	`, components)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HealthRecord
	for rows.Next() {
		var rec HealthRecord
		if err := rows.Scan(&rec.Component, &rec.Status, &rec.LastCheckAt, &rec.Message); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// probeQueries are bounded single-row liveness queries, one per component.
var probeQueries = map[string]string{
	"database":    `SELECT 1`,
	"oms":         `SELECT 1 FROM orders LIMIT 1`,
	"risk_engine": `SELECT 1 FROM risk_limits LIMIT 1`,
}

func (s *Store) ProbeComponent(ctx context.Context, component string) error {
	query, ok := probeQueries[component]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProbe, component)
	}
	var one int
	err := s.pool.QueryRow(ctx, query).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		// An empty table still answered the query.
		return nil
	}
	return err
}

func (s *Store) GetUserRoles(ctx context.Context, userID uuid.UUID) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT role
		FROM user_roles
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *Store) CreateOrder(ctx context.Context, order Order) (*Order, error) {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO orders (id, book_id, strategy_id, user_id, instrument, side, order_type, size, price, venue, mode, status, filled_size, slippage_bps, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0, 0, 0)
		RETURNING `+orderColumns,
		order.ID, order.BookID, order.StrategyID, order.UserID, order.Instrument, order.Side, order.Type,
		order.Size.String(), decimalPtrString(order.Price), order.Venue, order.Mode, OrderStatusOpen)
	return scanOrderRow(row)
}

func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = $1
	`, id)
	return scanOrderRow(row)
}

// MarkOrderCancelled cancels an open order. Filled or already-cancelled orders
// yield ErrInvalidStatus.
func (s *Store) MarkOrderCancelled(ctx context.Context, id uuid.UUID) (*Order, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE orders
		SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3
		RETURNING `+orderColumns,
		OrderStatusCancelled, id, OrderStatusOpen)

	order, err := scanOrderRow(row)
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if _, getErr := s.GetOrder(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, ErrInvalidStatus
}

func (s *Store) InsertAudit(ctx context.Context, ev AuditEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	before, err := marshalState(ev.BeforeState)
	if err != nil {
		return err
	}
	after, err := marshalState(ev.AfterState)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_events (id, action, resource_type, resource_id, user_id, severity, before_state, after_state, ip_address, user_agent, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), now())
	`, ev.ID, ev.Action, ev.ResourceType, ev.ResourceID, ev.UserID, ev.Severity, before, after, ev.IP, ev.UserAgent, ev.CorrelationID)
	return err
}

// LedgerTx is the transactional surface the ledger updater mutates through.
type LedgerTx interface {
	GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*Order, error)
	InsertFill(ctx context.Context, fill Fill) (bool, error)
	UpdateOrderExecution(ctx context.Context, order Order) error
	LockOpenPosition(ctx context.Context, bookID uuid.UUID, instrument string) (*Position, error)
	InsertPosition(ctx context.Context, pos Position) error
	UpdatePosition(ctx context.Context, pos Position, expectedVersion int64) error
	RecomputeBookExposure(ctx context.Context, bookID uuid.UUID) error
}

// InLedgerTx runs fn in a single transaction, committing only when fn returns nil.
func (s *Store) InLedgerTx(ctx context.Context, fn func(LedgerTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&pgLedgerTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

type pgLedgerTx struct {
	tx pgx.Tx
}

func (t *pgLedgerTx) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*Order, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanOrderRow(row)
}

func (t *pgLedgerTx) InsertFill(ctx context.Context, fill Fill) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO fills (id, order_id, book_id, instrument, side, price, size, fee, venue, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, fill.ID, fill.OrderID, fill.BookID, fill.Instrument, fill.Side, fill.Price.String(), fill.Size.String(), fill.Fee.String(), fill.Venue, fill.ExecutedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgLedgerTx) UpdateOrderExecution(ctx context.Context, order Order) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE orders
		SET filled_size = $1, filled_price = $2, slippage_bps = $3, latency_ms = $4,
			venue_order_id = NULLIF($5, ''), status = $6, updated_at = now()
		WHERE id = $7 AND status <> $8
	`, order.FilledSize.String(), decimalPtrString(order.FilledPrice), order.SlippageBps.String(), order.LatencyMs,
		order.VenueOrderID, order.Status, order.ID, OrderStatusCancelled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidStatus
	}
	return nil
}

// LockOpenPosition serializes writers on (book, instrument) for the rest of the
// transaction, then loads the open position if one exists.
func (t *pgLedgerTx) LockOpenPosition(ctx context.Context, bookID uuid.UUID, instrument string) (*Position, error) {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, bookID.String()+"|"+instrument); err != nil {
		return nil, fmt.Errorf("position lock: %w", err)
	}
	row := t.tx.QueryRow(ctx, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE book_id = $1 AND instrument = $2 AND is_open
		FOR UPDATE
	`, bookID, instrument)
	return scanPositionRow(row)
}

func (t *pgLedgerTx) InsertPosition(ctx context.Context, pos Position) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO positions (id, book_id, instrument, side, size, entry_price, mark_price, realized_pnl, is_open, venue, version, opened_at, updated_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, pos.ID, pos.BookID, pos.Instrument, pos.Side, pos.Size.String(), pos.EntryPrice.String(), pos.MarkPrice.String(),
		pos.RealizedPnL.String(), pos.IsOpen, pos.Venue, pos.Version, pos.OpenedAt, pos.UpdatedAt, pos.ClosedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrConflict
	}
	return err
}

func (t *pgLedgerTx) UpdatePosition(ctx context.Context, pos Position, expectedVersion int64) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE positions
		SET side = $1, size = $2, entry_price = $3, mark_price = $4, realized_pnl = $5, is_open = $6,
			version = $7, updated_at = $8, closed_at = $9
		WHERE id = $10 AND version = $11
	`, pos.Side, pos.Size.String(), pos.EntryPrice.String(), pos.MarkPrice.String(), pos.RealizedPnL.String(), pos.IsOpen,
		pos.Version, pos.UpdatedAt, pos.ClosedAt, pos.ID, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (t *pgLedgerTx) RecomputeBookExposure(ctx context.Context, bookID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE books
		SET current_exposure = COALESCE((
			SELECT SUM(size * mark_price)
			FROM positions
			WHERE book_id = $1 AND is_open
		), 0), updated_at = now()
		WHERE id = $1
	`, bookID)
	return err
}

func scanOrderRow(row pgx.Row) (*Order, error) {
	var (
		o                              Order
		size, filled, slippage         string
		price, filledPrice, venueOrder *string
	)
	err := row.Scan(&o.ID, &o.BookID, &o.StrategyID, &o.UserID, &o.Instrument, &o.Side, &o.Type, &size, &price, &o.Venue, &o.Mode,
		&o.Status, &filled, &filledPrice, &slippage, &o.LatencyMs, &venueOrder, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if o.Size, err = parseDecimal(size, "size"); err != nil {
		return nil, err
	}
	if o.FilledSize, err = parseDecimal(filled, "filled_size"); err != nil {
		return nil, err
	}
	if o.SlippageBps, err = parseDecimal(slippage, "slippage_bps"); err != nil {
		return nil, err
	}
	if o.Price, err = parseDecimalPtr(price, "price"); err != nil {
		return nil, err
	}
	if o.FilledPrice, err = parseDecimalPtr(filledPrice, "filled_price"); err != nil {
		return nil, err
	}
	if venueOrder != nil {
		o.VenueOrderID = *venueOrder
	}
	return &o, nil
}

func scanPositionRow(row pgx.Row) (*Position, error) {
	var (
		p                           Position
		size, entry, mark, realized string
	)
	err := row.Scan(&p.ID, &p.BookID, &p.Instrument, &p.Side, &size, &entry, &mark, &realized,
		&p.IsOpen, &p.Venue, &p.Version, &p.OpenedAt, &p.UpdatedAt, &p.ClosedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if p.Size, err = parseDecimal(size, "size"); err != nil {
		return nil, err
	}
	if p.EntryPrice, err = parseDecimal(entry, "entry_price"); err != nil {
		return nil, err
	}
	if p.MarkPrice, err = parseDecimal(mark, "mark_price"); err != nil {
		return nil, err
	}
	if p.RealizedPnL, err = parseDecimal(realized, "realized_pnl"); err != nil {
		return nil, err
	}
	return &p, nil
}

func parseDecimal(raw, field string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

func parseDecimalPtr(raw *string, field string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	d, err := parseDecimal(*raw, field)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func decimalPtrString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func marshalState(state map[string]any) ([]byte, error) {
	if state == nil {
		return nil, nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal audit state: %w", err)
	}
	return raw, nil
}
