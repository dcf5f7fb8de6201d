package price

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Source resolves a reference price. Implementations must not return an error
// for an unknown instrument; they report ok=false instead.
type Source interface {
	GetPrice(ctx context.Context, instrument string) (decimal.Decimal, bool)
}

type Oracle struct {
	cache     *Cache
	tickerURL string
	client    *http.Client
	logger    *slog.Logger
}

// NewOracle builds an oracle backed by cache and, when tickerURL is set, a REST
// ticker. tickerURL may contain one %s placeholder for the instrument.
func NewOracle(cache *Cache, tickerURL string, timeout time.Duration, logger *slog.Logger) *Oracle {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Oracle{
		cache:     cache,
		tickerURL: tickerURL,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

// GetPrice never fails; any transport or decoding problem yields ok=false.
func (o *Oracle) GetPrice(ctx context.Context, instrument string) (decimal.Decimal, bool) {
	key := NormalizeInstrument(instrument)
	if key == "" {
		return decimal.Zero, false
	}
	if o.cache != nil {
		if p, ok := o.cache.Get(key); ok {
			return p, true
		}
	}
	if o.tickerURL == "" {
		return decimal.Zero, false
	}

	p, err := o.fetchTicker(ctx, key)
	if err != nil {
		o.logger.Warn("price lookup failed", "instrument", key, "error", err)
		return decimal.Zero, false
	}
	if o.cache != nil {
		o.cache.Set(key, p)
	}
	return p, true
}

type tickerResponse struct {
	Price json.RawMessage `json:"price"`
}

func (o *Oracle) fetchTicker(ctx context.Context, instrument string) (decimal.Decimal, error) {
	endpoint := o.tickerURL
	if strings.Contains(endpoint, "%s") {
		endpoint = fmt.Sprintf(endpoint, url.PathEscape(instrument))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return decimal.Zero, fmt.Errorf("ticker status %d", resp.StatusCode)
	}

	var body tickerResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("decode ticker: %w", err)
	}
	p, err := parsePrice(body.Price)
	if err != nil {
		return decimal.Zero, err
	}
	return p, nil
}

// parsePrice accepts a JSON string ("123.4") or number (123.4).
func parsePrice(raw json.RawMessage) (decimal.Decimal, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return decimal.Zero, fmt.Errorf("missing price")
	}
	p, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price: %w", err)
	}
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive price %s", p)
	}
	return p, nil
}
