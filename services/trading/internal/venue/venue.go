// Package venue holds the live exchange adapters and the registry the execution
// router dispatches through.
package venue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrMissingCredentials = errors.New("venue credentials not configured")
	ErrCircuitOpen        = errors.New("venue circuit open")
	ErrNoExecution        = errors.New("venue returned no execution")
	ErrUnsupportedSymbol  = errors.New("unsupported instrument")
)

// OrderRequest is the venue-neutral order handed to an adapter.
type OrderRequest struct {
	ClientOrderID uuid.UUID
	Instrument    string
	Side          storage.Side
	Type          storage.OrderType
	Size          decimal.Decimal
	Price         *decimal.Decimal
}

// Execution is what a venue (or the simulator) reports for a submitted order.
// ID doubles as the fill id, so re-applying the same execution is a no-op.
type Execution struct {
	ID           uuid.UUID
	VenueOrderID string
	FilledPrice  decimal.Decimal
	FilledSize   decimal.Decimal
	Fee          decimal.Decimal
	LatencyMs    int64
	SlippageBps  decimal.Decimal
}

type Executor interface {
	Name() string
	Submit(ctx context.Context, req OrderRequest) (*Execution, error)
}

// Canceler is implemented by adapters that can cancel a resting order.
type Canceler interface {
	Cancel(ctx context.Context, instrument, venueOrderID string) error
}

// APIError is a non-2xx response from a venue.
type APIError struct {
	Venue  string
	Status int
	Code   string
	Body   string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s api error: status=%d code=%s body=%s", e.Venue, e.Status, e.Code, e.Body)
	}
	return fmt.Sprintf("%s api error: status=%d body=%s", e.Venue, e.Status, e.Body)
}

// Registry holds executors keyed by lower-case venue name.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

func (r *Registry) Register(exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[strings.ToLower(exec.Name())] = exec
}

func (r *Registry) Get(venue string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[strings.ToLower(strings.TrimSpace(venue))]
	return exec, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type fillLeg struct {
	Price decimal.Decimal
	Size  decimal.Decimal
	Fee   decimal.Decimal
}

// aggregateFills folds partial fills into a size-weighted price, total size and total fee.
func aggregateFills(legs []fillLeg) (price, size, fee decimal.Decimal) {
	notional := decimal.Zero
	size = decimal.Zero
	fee = decimal.Zero
	for _, leg := range legs {
		if !leg.Size.IsPositive() {
			continue
		}
		notional = notional.Add(leg.Price.Mul(leg.Size))
		size = size.Add(leg.Size)
		fee = fee.Add(leg.Fee.Abs())
	}
	if size.IsZero() {
		return decimal.Zero, decimal.Zero, fee
	}
	return notional.Div(size), size, fee
}

// exchangeSymbol maps BTC-USD style instruments to BTCUSDT style symbols.
func exchangeSymbol(instrument string) (string, error) {
	parts := strings.Split(strings.ToUpper(strings.ReplaceAll(instrument, "/", "-")), "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedSymbol, instrument)
	}
	quote := parts[1]
	if quote == "USD" {
		quote = "USDT"
	}
	return parts[0] + quote, nil
}

func parseDecimalField(raw, field string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", field, raw, err)
	}
	return d, nil
}
