package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign is +1 for long exposure and -1 for short.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

func (t OrderType) Valid() bool { return t == OrderTypeMarket || t == OrderTypeLimit }

const (
	OrderStatusOpen      = "open"
	OrderStatusFilled    = "filled"
	OrderStatusCancelled = "cancelled"
)

type TradingMode string

const (
	ModePaper TradingMode = "paper"
	ModeLive  TradingMode = "live"
)

type BookStatus string

const (
	BookActive     BookStatus = "active"
	BookReduceOnly BookStatus = "reduce_only"
	BookFrozen     BookStatus = "frozen"
	BookHalted     BookStatus = "halted"
)

type LifecycleState string

const (
	LifecycleActive      LifecycleState = "active"
	LifecyclePaperOnly   LifecycleState = "paper_only"
	LifecycleCooldown    LifecycleState = "cooldown"
	LifecycleQuarantined LifecycleState = "quarantined"
	LifecycleDisabled    LifecycleState = "disabled"
)

type VenueStatus string

const (
	VenueHealthy  VenueStatus = "healthy"
	VenueDegraded VenueStatus = "degraded"
	VenueOffline  VenueStatus = "offline"
)

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	// HealthUnknown is never persisted; it marks a component whose state could not be determined.
	HealthUnknown HealthStatus = "unknown"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Order struct {
	ID           uuid.UUID
	BookID       uuid.UUID
	StrategyID   *uuid.UUID
	UserID       uuid.UUID
	Instrument   string
	Side         Side
	Type         OrderType
	Size         decimal.Decimal
	Price        *decimal.Decimal
	Venue        string
	Mode         TradingMode
	Status       string
	FilledSize   decimal.Decimal
	FilledPrice  *decimal.Decimal
	SlippageBps  decimal.Decimal
	LatencyMs    int64
	VenueOrderID string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Fill struct {
	ID         uuid.UUID
	OrderID    uuid.UUID
	BookID     uuid.UUID
	Instrument string
	Side       Side
	Price      decimal.Decimal
	Size       decimal.Decimal
	Fee        decimal.Decimal
	Venue      string
	ExecutedAt time.Time
}

type Position struct {
	ID          uuid.UUID
	BookID      uuid.UUID
	Instrument  string
	Side        Side
	Size        decimal.Decimal
	EntryPrice  decimal.Decimal
	MarkPrice   decimal.Decimal
	RealizedPnL decimal.Decimal
	IsOpen      bool
	Venue       string
	Version     int64
	OpenedAt    time.Time
	UpdatedAt   time.Time
	ClosedAt    *time.Time
}

type Book struct {
	ID               uuid.UUID
	Name             string
	Status           BookStatus
	CapitalAllocated decimal.Decimal
	CurrentExposure  decimal.Decimal
}

type RiskLimits struct {
	BookID           uuid.UUID
	MaxLeverage      decimal.Decimal
	MaxDailyLoss     decimal.Decimal
	MaxConcentration decimal.Decimal
	MaxDrawdownLimit decimal.Decimal
}

type Strategy struct {
	ID                  uuid.UUID
	Name                string
	LifecycleState      LifecycleState
	LifecycleReason     string
	QuarantineExpiresAt *time.Time
}

type GlobalSettings struct {
	GlobalKillSwitch bool
	ReduceOnlyMode   bool
	PaperTradingMode bool
	UpdatedAt        time.Time
}

type Venue struct {
	ID        uuid.UUID
	Name      string
	Status    VenueStatus
	IsEnabled bool
}

type HealthRecord struct {
	Component   string
	Status      HealthStatus
	LastCheckAt time.Time
	Message     string
}

type AuditEvent struct {
	ID            uuid.UUID
	Action        string
	ResourceType  string
	ResourceID    *string
	UserID        *uuid.UUID
	Severity      Severity
	BeforeState   map[string]any
	AfterState    map[string]any
	IP            string
	UserAgent     string
	CorrelationID string
	CreatedAt     time.Time
}

// ExecutionUpdate is the ledger's view of one venue execution against an order.
type ExecutionUpdate struct {
	FillID       uuid.UUID
	FilledPrice  decimal.Decimal
	FilledSize   decimal.Decimal
	Fee          decimal.Decimal
	SlippageBps  decimal.Decimal
	LatencyMs    int64
	VenueOrderID string
	ExecutedAt   time.Time
}
