package price

import (
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type quote struct {
	price     decimal.Decimal
	updatedAt time.Time
}

// Cache holds the most recent price per instrument. Entries older than ttl are
// ignored by Get but kept until overwritten.
type Cache struct {
	mu     sync.RWMutex
	ttl    time.Duration
	quotes map[string]quote
	now    func() time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:    ttl,
		quotes: make(map[string]quote),
		now:    time.Now,
	}
}

func (c *Cache) Set(instrument string, price decimal.Decimal) {
	key := NormalizeInstrument(instrument)
	if key == "" || !price.IsPositive() {
		return
	}
	c.mu.Lock()
	c.quotes[key] = quote{price: price, updatedAt: c.now()}
	c.mu.Unlock()
}

func (c *Cache) Get(instrument string) (decimal.Decimal, bool) {
	key := NormalizeInstrument(instrument)
	if key == "" {
		return decimal.Zero, false
	}

	c.mu.RLock()
	q, ok := c.quotes[key]
	c.mu.RUnlock()
	if !ok {
		return decimal.Zero, false
	}
	if c.ttl > 0 && c.now().Sub(q.updatedAt) > c.ttl {
		return decimal.Zero, false
	}
	return q.price, true
}

func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.quotes)
}

// NormalizeInstrument maps "btc/usd" and "BTC-USD" to the same key.
func NormalizeInstrument(instrument string) string {
	s := strings.ToUpper(strings.TrimSpace(instrument))
	return strings.ReplaceAll(s, "/", "-")
}
