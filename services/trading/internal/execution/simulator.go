package execution

import (
	"context"
	"errors"
	"math/rand"

	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/config"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/price"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/storage"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/venue"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrNoReferencePrice = errors.New("no reference price for simulation")

const (
	minLatencyMs = 5
	maxLatencyMs = 50
	sizePlaces   = 8
)

var bpsDivisor = decimal.NewFromInt(10000)

// Random is the source of randomness for the simulator.
type Random interface {
	Float64() float64
	Intn(n int) int
}

// globalRandom uses the goroutine-safe package-level source.
type globalRandom struct{}

func (globalRandom) Float64() float64 { return rand.Float64() }
func (globalRandom) Intn(n int) int   { return rand.Intn(n) }

type Simulator struct {
	cfg    config.SimulatorConfig
	prices price.Source
	rnd    Random
}

func NewSimulator(cfg config.SimulatorConfig, prices price.Source, rnd Random) *Simulator {
	if rnd == nil {
		rnd = globalRandom{}
	}
	return &Simulator{cfg: cfg, prices: prices, rnd: rnd}
}

// Simulate fills a paper order at the oracle price, or the order price when the
// oracle has none. Market orders also take adverse slippage.
func (s *Simulator) Simulate(ctx context.Context, order storage.Order) (*venue.Execution, error) {
	ref, err := s.referencePrice(ctx, order)
	if err != nil {
		return nil, err
	}

	slippage := decimal.Zero
	fillPrice := ref
	if order.Type == storage.OrderTypeMarket && s.cfg.MaxSlippageBps > 0 {
		slippage = decimal.NewFromFloat(s.rnd.Float64() * float64(s.cfg.MaxSlippageBps)).Round(4)
		adj := slippage.Div(bpsDivisor).Mul(order.Side.Sign())
		fillPrice = ref.Mul(decimal.NewFromInt(1).Add(adj))
	}

	filled := order.Size
	if s.rnd.Float64() >= s.cfg.FullFillRate {
		ratio := decimal.NewFromFloat(0.5 + s.rnd.Float64()*0.5)
		filled = order.Size.Mul(ratio).Truncate(sizePlaces)
		if !filled.IsPositive() {
			filled = order.Size
		}
	}

	return &venue.Execution{
		ID:           uuid.New(),
		VenueOrderID: "paper-" + order.ID.String(),
		FilledPrice:  fillPrice,
		FilledSize:   filled,
		Fee:          fillPrice.Mul(filled).Mul(s.cfg.TakerFeeRate),
		LatencyMs:    int64(minLatencyMs + s.rnd.Intn(maxLatencyMs-minLatencyMs+1)),
		SlippageBps:  slippage,
	}, nil
}

func (s *Simulator) referencePrice(ctx context.Context, order storage.Order) (decimal.Decimal, error) {
	if s.prices != nil {
		if p, ok := s.prices.GetPrice(ctx, order.Instrument); ok && p.IsPositive() {
			return p, nil
		}
	}
	if order.Price != nil && order.Price.IsPositive() {
		return *order.Price, nil
	}
	return decimal.Zero, ErrNoReferencePrice
}
