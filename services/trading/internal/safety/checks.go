package safety

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/healthprobe"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/price"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Rejection codes returned to callers alongside the human-readable reason.
const (
	CodeHealthReadFailed    = "HEALTH_READ_FAILED"
	CodeHealthProbeFailed   = "HEALTH_PROBE_FAILED"
	CodeComponentUnhealthy  = "COMPONENT_UNHEALTHY"
	CodeSettingsUnavailable = "SETTINGS_UNAVAILABLE"
	CodeKillSwitch          = "KILL_SWITCH_ACTIVE"
	CodeReduceOnly          = "REDUCE_ONLY_MODE"
	CodePositionUnavailable = "POSITION_UNAVAILABLE"
	CodeStrategyNotFound    = "STRATEGY_NOT_FOUND"
	CodeStrategyUnavailable = "STRATEGY_UNAVAILABLE"
	CodeStrategyBlocked     = "STRATEGY_BLOCKED"
	CodeBookNotFound        = "BOOK_NOT_FOUND"
	CodeBookUnavailable     = "BOOK_UNAVAILABLE"
	CodeBookBlocked         = "BOOK_BLOCKED"
	CodeBookReduceOnly      = "BOOK_REDUCE_ONLY"
	CodeRiskUnavailable     = "RISK_LIMITS_UNAVAILABLE"
	CodePriceUnavailable    = "PRICE_UNAVAILABLE"
	CodeCapitalUnavailable  = "CAPITAL_UNAVAILABLE"
	CodeLeverageExceeded    = "LEVERAGE_EXCEEDED"
	CodeVenueNotFound       = "VENUE_NOT_FOUND"
	CodeVenueUnavailable    = "VENUE_UNAVAILABLE"
	CodeVenueDisabled       = "VENUE_DISABLED"
	CodeVenueOffline        = "VENUE_OFFLINE"
	CodeCheckPanicked       = "CHECK_FAILED"
	CodeCancelled           = "REQUEST_CANCELLED"
	CodeNoChecks            = "NO_CHECKS"
)

// Store is the read-only state the checks consult. Every call is a fresh read.
type Store interface {
	GetGlobalSettings(ctx context.Context) (*storage.GlobalSettings, error)
	GetOpenPosition(ctx context.Context, bookID uuid.UUID, instrument string) (*storage.Position, error)
	GetStrategy(ctx context.Context, id uuid.UUID) (*storage.Strategy, error)
	GetBook(ctx context.Context, id uuid.UUID) (*storage.Book, error)
	GetRiskLimits(ctx context.Context, bookID uuid.UUID) (*storage.RiskLimits, error)
	GetVenue(ctx context.Context, name string) (*storage.Venue, error)
}

type HealthChecker interface {
	GetStatus(ctx context.Context, components []healthprobe.Component) (map[healthprobe.Component]storage.HealthStatus, error)
}

type Dependencies struct {
	Store  Store
	Health HealthChecker
	Prices price.Source
}

// DefaultChecks returns the production check chain in its fixed order.
func DefaultChecks(d Dependencies) []Check {
	return []Check{
		&SystemHealthCheck{Health: d.Health, Components: healthprobe.Critical},
		&KillSwitchCheck{Store: d.Store},
		&StrategyLifecycleCheck{Store: d.Store},
		&BookStatusCheck{Store: d.Store},
		&RiskLimitCheck{Store: d.Store, Prices: d.Prices},
		&VenueHealthCheck{Store: d.Store},
	}
}

// IsReducing reports whether an order of side/size shrinks pos without
// flipping it. Same-side orders and orders larger than the position are not reducing.
func IsReducing(pos *storage.Position, side storage.Side, size decimal.Decimal) bool {
	if pos == nil || !pos.IsOpen || !size.IsPositive() {
		return false
	}
	return pos.Side == side.Opposite() && size.LessThanOrEqual(pos.Size)
}

// reducingResult evaluates the reduce-only rule against the book's open position.
func reducingResult(ctx context.Context, store Store, req Request, code, scope string) Result {
	pos, err := store.GetOpenPosition(ctx, req.BookID, req.Instrument)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return undecided(CodePositionUnavailable, "unable to read open position for %s", req.Instrument)
	}
	if IsReducing(pos, req.Side, req.Size) {
		return passed()
	}
	return failed(code, "%s reduce-only mode: order must reduce an existing %s position without flipping it", scope, req.Instrument)
}

type SystemHealthCheck struct {
	Health     HealthChecker
	Components []healthprobe.Component
}

func (c *SystemHealthCheck) Name() string { return "system_health" }

func (c *SystemHealthCheck) Evaluate(ctx context.Context, _ *Evaluation) Result {
	if c.Health == nil {
		return undecided(CodeHealthReadFailed, "unable to read health status")
	}
	statuses, err := c.Health.GetStatus(ctx, c.Components)
	if err != nil {
		var probeErr *healthprobe.ProbeError
		if errors.As(err, &probeErr) {
			return failed(CodeHealthProbeFailed, "%s", probeErr.Error())
		}
		return undecided(CodeHealthReadFailed, "unable to read health status")
	}

	var bad []string
	for _, comp := range c.Components {
		status, ok := statuses[comp]
		if !ok {
			status = storage.HealthUnknown
		}
		if status != storage.HealthHealthy {
			bad = append(bad, fmt.Sprintf("%s (%s)", comp, status))
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return failed(CodeComponentUnhealthy, "critical components not healthy: %s", strings.Join(bad, ", "))
	}
	return passed()
}

type KillSwitchCheck struct {
	Store Store
}

func (c *KillSwitchCheck) Name() string { return "kill_switch" }

func (c *KillSwitchCheck) Evaluate(ctx context.Context, ev *Evaluation) Result {
	settings, err := c.Store.GetGlobalSettings(ctx)
	if err != nil {
		return undecided(CodeSettingsUnavailable, "unable to read global trading settings")
	}
	ev.Settings = settings

	if settings.GlobalKillSwitch {
		return failed(CodeKillSwitch, "global kill switch is active: all trading is halted")
	}
	if settings.ReduceOnlyMode {
		return reducingResult(ctx, c.Store, ev.Request, CodeReduceOnly, "global")
	}
	return passed()
}

type StrategyLifecycleCheck struct {
	Store Store
}

func (c *StrategyLifecycleCheck) Name() string { return "strategy_lifecycle" }

func (c *StrategyLifecycleCheck) Evaluate(ctx context.Context, ev *Evaluation) Result {
	id := ev.Request.StrategyID
	if id == nil {
		return passed()
	}
	strategy, err := c.Store.GetStrategy(ctx, *id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return failed(CodeStrategyNotFound, "strategy %s could not be resolved", id.String())
		}
		return undecided(CodeStrategyUnavailable, "unable to read strategy %s", id.String())
	}

	switch strategy.LifecycleState {
	case storage.LifecycleDisabled:
		return blockedStrategy(strategy, "disabled")
	case storage.LifecycleQuarantined:
		if quarantineExpired(strategy.QuarantineExpiresAt, ev.Now) {
			return passed()
		}
		return blockedStrategy(strategy, "quarantined")
	case storage.LifecyclePaperOnly:
		return blockedStrategy(strategy, "restricted to paper trading")
	case storage.LifecycleCooldown:
		return blockedStrategy(strategy, "in cooldown")
	default:
		return passed()
	}
}

func quarantineExpired(expiresAt *time.Time, now time.Time) bool {
	return expiresAt != nil && expiresAt.Before(now)
}

func blockedStrategy(s *storage.Strategy, state string) Result {
	reason := fmt.Sprintf("strategy %s is %s", s.Name, state)
	if s.LifecycleReason != "" {
		reason += ": " + s.LifecycleReason
	}
	return failed(CodeStrategyBlocked, "%s", reason)
}

type BookStatusCheck struct {
	Store Store
}

func (c *BookStatusCheck) Name() string { return "book_status" }

func (c *BookStatusCheck) Evaluate(ctx context.Context, ev *Evaluation) Result {
	book, err := c.Store.GetBook(ctx, ev.Request.BookID)
	if errors.Is(err, storage.ErrNotFound) {
		return failed(CodeBookNotFound, "book %s not found", ev.Request.BookID.String())
	}
	if err != nil {
		return undecided(CodeBookUnavailable, "unable to read book status")
	}
	ev.Book = book

	switch book.Status {
	case storage.BookActive:
		return passed()
	case storage.BookFrozen, storage.BookHalted:
		return failed(CodeBookBlocked, "book %s is %s", book.Name, book.Status)
	case storage.BookReduceOnly:
		return reducingResult(ctx, c.Store, ev.Request, CodeBookReduceOnly, "book")
	default:
		return undecided(CodeBookBlocked, "book %s has unrecognized status %q", book.Name, book.Status)
	}
}

type RiskLimitCheck struct {
	Store  Store
	Prices price.Source
}

func (c *RiskLimitCheck) Name() string { return "risk_limits" }

func (c *RiskLimitCheck) Evaluate(ctx context.Context, ev *Evaluation) Result {
	req := ev.Request
	limits, err := c.Store.GetRiskLimits(ctx, req.BookID)
	if errors.Is(err, storage.ErrNotFound) {
		return passed()
	}
	if err != nil {
		return undecided(CodeRiskUnavailable, "unable to read risk limits")
	}

	book := ev.Book
	if book == nil {
		if book, err = c.Store.GetBook(ctx, req.BookID); err != nil {
			return undecided(CodeBookUnavailable, "unable to read book for risk calculation")
		}
	}

	mark, ok := c.resolvePrice(ctx, req)
	if !ok {
		return failed(CodePriceUnavailable, "unable to resolve market price for risk calculation")
	}
	ev.MarkPrice = &mark

	if !book.CapitalAllocated.IsPositive() {
		return failed(CodeCapitalUnavailable, "book %s has no allocated capital", book.Name)
	}

	projected := book.CurrentExposure.Add(req.Size.Mul(mark))
	leverage := projected.Div(book.CapitalAllocated)
	if leverage.GreaterThan(limits.MaxLeverage) {
		return failed(CodeLeverageExceeded, "projected leverage %sx exceeds max leverage %sx",
			leverage.StringFixed(2), limits.MaxLeverage.String())
	}
	return passed()
}

func (c *RiskLimitCheck) resolvePrice(ctx context.Context, req Request) (decimal.Decimal, bool) {
	if req.Price != nil && req.Price.IsPositive() {
		return *req.Price, true
	}
	if c.Prices == nil {
		return decimal.Zero, false
	}
	p, ok := c.Prices.GetPrice(ctx, req.Instrument)
	if !ok || !p.IsPositive() {
		return decimal.Zero, false
	}
	return p, true
}

type VenueHealthCheck struct {
	Store Store
}

func (c *VenueHealthCheck) Name() string { return "venue_health" }

func (c *VenueHealthCheck) Evaluate(ctx context.Context, ev *Evaluation) Result {
	name := ev.Request.Venue
	venue, err := c.Store.GetVenue(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return failed(CodeVenueNotFound, "venue %s is not configured", name)
	}
	if err != nil {
		return undecided(CodeVenueUnavailable, "unable to read venue status")
	}
	if !venue.IsEnabled {
		return failed(CodeVenueDisabled, "venue %s is disabled", venue.Name)
	}

	switch venue.Status {
	case storage.VenueHealthy, storage.VenueDegraded:
		return passed()
	case storage.VenueOffline:
		return failed(CodeVenueOffline, "venue %s is offline", venue.Name)
	default:
		return undecided(CodeVenueUnavailable, "venue %s has unrecognized status %q", venue.Name, venue.Status)
	}
}
