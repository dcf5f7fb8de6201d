package price

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// Stream subscribes to a ticker websocket channel and keeps Cache warm.
// The wire format is the Coinbase Exchange "ticker" channel.
type Stream struct {
	url         string
	instruments []string
	cache       *Cache
	logger      *slog.Logger

	ReadTimeout time.Duration
	MaxBackoff  time.Duration
}

func NewStream(url string, instruments []string, cache *Cache, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	normalized := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		if key := NormalizeInstrument(inst); key != "" {
			normalized = append(normalized, key)
		}
	}
	return &Stream{
		url:         url,
		instruments: normalized,
		cache:       cache,
		logger:      logger,
		ReadTimeout: 60 * time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

type subscribeMessage struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

type tickerMessage struct {
	Type      string          `json:"type"`
	ProductID string          `json:"product_id"`
	Price     json.RawMessage `json:"price"`
}

// Run connects and reconnects with exponential backoff until ctx is done.
func (s *Stream) Run(ctx context.Context) {
	retry := 0
	for ctx.Err() == nil {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			retry = 0
		}
		delay := s.backoff(retry)
		retry++
		s.logger.Warn("price stream disconnected", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *Stream) backoff(retry int) time.Duration {
	d := 500 * time.Millisecond
	for i := 0; i < retry && d < s.MaxBackoff; i++ {
		d *= 2
	}
	if d > s.MaxBackoff {
		d = s.MaxBackoff
	}
	return d
}

// session reports whether the subscription was established before the
// connection ended.
func (s *Stream) session(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	sub := subscribeMessage{Type: "subscribe", ProductIDs: s.instruments, Channels: []string{"ticker"}}
	if err := conn.WriteJSON(sub); err != nil {
		return false, err
	}
	s.logger.Info("price stream connected", "instruments", len(s.instruments))

	for {
		if s.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		s.handle(raw)
	}
}

func (s *Stream) handle(raw []byte) {
	var msg tickerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Debug("price stream decode failed", "error", err)
		return
	}
	if msg.Type != "ticker" || msg.ProductID == "" {
		return
	}
	p, err := parsePrice(msg.Price)
	if err != nil {
		return
	}
	s.cache.Set(msg.ProductID, p)
}
