package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
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
	defaultBinanceURL = "https://api.binance.com"
	binanceRecvWindow = "5000"
)

type Binance struct {
	creds  Credentials
	client *httpClient
	now    func() time.Time
}

func NewBinance(creds Credentials, opts ClientOptions) *Binance {
	base := creds.BaseURL
	if base == "" {
		base = defaultBinanceURL
	}
	return &Binance{creds: creds, client: newHTTPClient("binance", base, opts), now: time.Now}
}

func (b *Binance) Name() string { return "binance" }

type binanceOrderResponse struct {
	OrderID     int64  `json:"orderId"`
	ExecutedQty string `json:"executedQty"`
	Fills       []struct {
		Price      string `json:"price"`
		Qty        string `json:"qty"`
		Commission string `json:"commission"`
	} `json:"fills"`
}

func (b *Binance) Submit(ctx context.Context, req OrderRequest) (*Execution, error) {
	if !b.creds.complete(false) {
		return nil, fmt.Errorf("binance: %w", ErrMissingCredentials)
	}
	symbol, err := exchangeSymbol(req.Instrument)
	if err != nil {
		return nil, err
	}
	start := time.Now()

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("quantity", req.Size.String())
	params.Set("newClientOrderId", strings.ReplaceAll(req.ClientOrderID.String(), "-", ""))
	params.Set("newOrderRespType", "FULL")
	if req.Type == storage.OrderTypeLimit && req.Price != nil {
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", req.Price.String())
	} else {
		params.Set("type", "MARKET")
	}

	var placed binanceOrderResponse
	if err := b.send(ctx, http.MethodPost, "/api/v3/order", params, &placed); err != nil {
		return nil, err
	}
	if placed.OrderID == 0 {
		return nil, fmt.Errorf("binance: %w", ErrNoExecution)
	}

	legs := make([]fillLeg, 0, len(placed.Fills))
	for _, f := range placed.Fills {
		price, err := parseDecimalField(f.Price, "price")
		if err != nil {
			return nil, err
		}
		qty, err := parseDecimalField(f.Qty, "qty")
		if err != nil {
			return nil, err
		}
		fee, err := parseDecimalField(f.Commission, "commission")
		if err != nil {
			return nil, err
		}
		legs = append(legs, fillLeg{Price: price, Size: qty, Fee: fee})
	}
	price, size, fee := aggregateFills(legs)

	return &Execution{
		ID:           uuid.New(),
		VenueOrderID: strconv.FormatInt(placed.OrderID, 10),
		FilledPrice:  price,
		FilledSize:   size,
		Fee:          fee,
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func (b *Binance) Cancel(ctx context.Context, instrument, venueOrderID string) error {
	if !b.creds.complete(false) {
		return fmt.Errorf("binance: %w", ErrMissingCredentials)
	}
	symbol, err := exchangeSymbol(instrument)
	if err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", venueOrderID)
	return b.send(ctx, http.MethodDelete, "/api/v3/order", params, nil)
}

// send signs the query string and sends it with an empty body.
func (b *Binance) send(ctx context.Context, method, path string, params url.Values, out any) error {
	params.Set("timestamp", strconv.FormatInt(b.now().UnixMilli(), 10))
	params.Set("recvWindow", binanceRecvWindow)
	query := params.Encode()
	query += "&signature=" + signBinance(b.creds.APISecret, query)

	req, err := b.client.newRequest(ctx, method, path, query, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", b.creds.APIKey)
	return b.client.do(req, out)
}

func signBinance(secret, query string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}
