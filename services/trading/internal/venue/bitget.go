package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/storage"
	"github.com/google/uuid"
)

const (
	defaultBitgetURL = "https://api.bitget.com"
	bitgetSuccess    = "00000"
)

type Bitget struct {
	creds  Credentials
	client *httpClient
	locale string
	now    func() time.Time
}

func NewBitget(creds Credentials, opts ClientOptions) *Bitget {
	base := creds.BaseURL
	if base == "" {
		base = defaultBitgetURL
	}
	return &Bitget{creds: creds, client: newHTTPClient("bitget", base, opts), locale: "en-US", now: time.Now}
}

func (b *Bitget) Name() string { return "bitget" }

type bitgetEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type bitgetPlaceOrder struct {
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	OrderType string `json:"orderType"`
	Force     string `json:"force"`
	Size      string `json:"size"`
	Price     string `json:"price,omitempty"`
	ClientOid string `json:"clientOid"`
}

type bitgetFill struct {
	PriceAvg  string `json:"priceAvg"`
	Size      string `json:"size"`
	FeeDetail struct {
		TotalFee string `json:"totalFee"`
	} `json:"feeDetail"`
}

func (b *Bitget) Submit(ctx context.Context, req OrderRequest) (*Execution, error) {
	if !b.creds.complete(true) {
		return nil, fmt.Errorf("bitget: %w", ErrMissingCredentials)
	}
	symbol, err := exchangeSymbol(req.Instrument)
	if err != nil {
		return nil, err
	}
	start := time.Now()

	order := bitgetPlaceOrder{
		Symbol:    symbol,
		Side:      string(req.Side),
		OrderType: "market",
		Force:     "gtc",
		Size:      req.Size.String(),
		ClientOid: req.ClientOrderID.String(),
	}
	if req.Type == storage.OrderTypeLimit && req.Price != nil {
		order.OrderType = "limit"
		order.Price = req.Price.String()
	}
	body, err := json.Marshal(order)
	if err != nil {
		return nil, err
	}

	var placed struct {
		OrderID string `json:"orderId"`
	}
	if err := b.send(ctx, http.MethodPost, "/api/v2/spot/trade/place-order", "", body, &placed); err != nil {
		return nil, err
	}
	if placed.OrderID == "" {
		return nil, fmt.Errorf("bitget: %w", ErrNoExecution)
	}

	var fills []bitgetFill
	query := url.Values{"symbol": {symbol}, "orderId": {placed.OrderID}}.Encode()
	if err := b.send(ctx, http.MethodGet, "/api/v2/spot/trade/fills", query, nil, &fills); err != nil {
		return nil, err
	}
	legs := make([]fillLeg, 0, len(fills))
	for _, f := range fills {
		price, err := parseDecimalField(f.PriceAvg, "priceAvg")
		if err != nil {
			return nil, err
		}
		size, err := parseDecimalField(f.Size, "size")
		if err != nil {
			return nil, err
		}
		fee, err := parseDecimalField(f.FeeDetail.TotalFee, "totalFee")
		if err != nil {
			return nil, err
		}
		legs = append(legs, fillLeg{Price: price, Size: size, Fee: fee})
	}
	price, size, fee := aggregateFills(legs)

	return &Execution{
		ID:           uuid.New(),
		VenueOrderID: placed.OrderID,
		FilledPrice:  price,
		FilledSize:   size,
		Fee:          fee,
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func (b *Bitget) Cancel(ctx context.Context, instrument, venueOrderID string) error {
	if !b.creds.complete(true) {
		return fmt.Errorf("bitget: %w", ErrMissingCredentials)
	}
	symbol, err := exchangeSymbol(instrument)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]string{"symbol": symbol, "orderId": venueOrderID})
	if err != nil {
		return err
	}
	return b.send(ctx, http.MethodPost, "/api/v2/spot/trade/cancel-order", "", body, nil)
}

// send signs the request and unwraps the {code,msg,data} envelope into out.
func (b *Bitget) send(ctx context.Context, method, path, query string, body []byte, out any) error {
	req, err := b.client.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(b.now().UnixMilli(), 10)
	req.Header.Set("ACCESS-KEY", b.creds.APIKey)
	req.Header.Set("ACCESS-SIGN", signBitget(b.creds.APISecret, ts, method, path, query, body))
	req.Header.Set("ACCESS-TIMESTAMP", ts)
	req.Header.Set("ACCESS-PASSPHRASE", b.creds.Passphrase)
	req.Header.Set("locale", b.locale)
	req.Header.Set("Content-Type", "application/json")

	var env bitgetEnvelope
	if err := b.client.do(req, &env); err != nil {
		return err
	}
	if env.Code != bitgetSuccess {
		return &APIError{Venue: "bitget", Status: http.StatusOK, Code: env.Code, Body: env.Msg}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("bitget decode data: %w", err)
	}
	return nil
}

func signBitget(secret, ts, method, path, query string, body []byte) string {
	payload := ts + strings.ToUpper(method) + path
	if query != "" {
		payload += "?" + query
	}
	payload += string(body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
