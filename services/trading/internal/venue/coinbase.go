package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
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

const defaultCoinbaseURL = "https://api.coinbase.com"

// Credentials are the API keys for one venue account.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
	BaseURL    string
}

func (c Credentials) complete(needPassphrase bool) bool {
	if c.APIKey == "" || c.APISecret == "" {
		return false
	}
	return !needPassphrase || c.Passphrase != ""
}

type Coinbase struct {
	creds  Credentials
	client *httpClient
	now    func() time.Time
}

func NewCoinbase(creds Credentials, opts ClientOptions) *Coinbase {
	base := creds.BaseURL
	if base == "" {
		base = defaultCoinbaseURL
	}
	return &Coinbase{creds: creds, client: newHTTPClient("coinbase", base, opts), now: time.Now}
}

func (c *Coinbase) Name() string { return "coinbase" }

type coinbaseOrderRequest struct {
	ClientOrderID string                    `json:"client_order_id"`
	ProductID     string                    `json:"product_id"`
	Side          string                    `json:"side"`
	Configuration coinbaseOrderConfiguration `json:"order_configuration"`
}

type coinbaseOrderConfiguration struct {
	Market *coinbaseMarket `json:"market_market_ioc,omitempty"`
	Limit  *coinbaseLimit  `json:"limit_limit_gtc,omitempty"`
}

type coinbaseMarket struct {
	BaseSize string `json:"base_size"`
}

type coinbaseLimit struct {
	BaseSize   string `json:"base_size"`
	LimitPrice string `json:"limit_price"`
}

type coinbaseOrderResponse struct {
	Success         bool `json:"success"`
	SuccessResponse struct {
		OrderID string `json:"order_id"`
	} `json:"success_response"`
	ErrorResponse struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	} `json:"error_response"`
}

type coinbaseFillsResponse struct {
	Fills []struct {
		Price      string `json:"price"`
		Size       string `json:"size"`
		Commission string `json:"commission"`
	} `json:"fills"`
}

func (c *Coinbase) Submit(ctx context.Context, req OrderRequest) (*Execution, error) {
	if !c.creds.complete(false) {
		return nil, fmt.Errorf("coinbase: %w", ErrMissingCredentials)
	}
	start := time.Now()

	payload := coinbaseOrderRequest{
		ClientOrderID: req.ClientOrderID.String(),
		ProductID:     strings.ToUpper(strings.ReplaceAll(req.Instrument, "/", "-")),
		Side:          strings.ToUpper(string(req.Side)),
	}
	if req.Type == storage.OrderTypeLimit && req.Price != nil {
		payload.Configuration.Limit = &coinbaseLimit{BaseSize: req.Size.String(), LimitPrice: req.Price.String()}
	} else {
		payload.Configuration.Market = &coinbaseMarket{BaseSize: req.Size.String()}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var placed coinbaseOrderResponse
	if err := c.send(ctx, http.MethodPost, "/api/v3/brokerage/orders", "", body, &placed); err != nil {
		return nil, err
	}
	if !placed.Success || placed.SuccessResponse.OrderID == "" {
		return nil, &APIError{Venue: "coinbase", Status: http.StatusOK, Code: placed.ErrorResponse.Error, Body: placed.ErrorResponse.Message}
	}
	orderID := placed.SuccessResponse.OrderID

	var fills coinbaseFillsResponse
	query := url.Values{"order_id": {orderID}}.Encode()
	if err := c.send(ctx, http.MethodGet, "/api/v3/brokerage/orders/historical/fills", query, nil, &fills); err != nil {
		return nil, err
	}
	legs := make([]fillLeg, 0, len(fills.Fills))
	for _, f := range fills.Fills {
		price, err := parseDecimalField(f.Price, "price")
		if err != nil {
			return nil, err
		}
		size, err := parseDecimalField(f.Size, "size")
		if err != nil {
			return nil, err
		}
		fee, err := parseDecimalField(f.Commission, "commission")
		if err != nil {
			return nil, err
		}
		legs = append(legs, fillLeg{Price: price, Size: size, Fee: fee})
	}
	price, size, fee := aggregateFills(legs)

	return &Execution{
		ID:           uuid.New(),
		VenueOrderID: orderID,
		FilledPrice:  price,
		FilledSize:   size,
		Fee:          fee,
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func (c *Coinbase) Cancel(ctx context.Context, _ string, venueOrderID string) error {
	if !c.creds.complete(false) {
		return fmt.Errorf("coinbase: %w", ErrMissingCredentials)
	}
	body, err := json.Marshal(map[string][]string{"order_ids": {venueOrderID}})
	if err != nil {
		return err
	}
	var resp struct {
		Results []struct {
			Success       bool   `json:"success"`
			FailureReason string `json:"failure_reason"`
		} `json:"results"`
	}
	if err := c.send(ctx, http.MethodPost, "/api/v3/brokerage/orders/batch_cancel", "", body, &resp); err != nil {
		return err
	}
	if len(resp.Results) == 0 || !resp.Results[0].Success {
		reason := "no cancel result"
		if len(resp.Results) > 0 {
			reason = resp.Results[0].FailureReason
		}
		return &APIError{Venue: "coinbase", Status: http.StatusOK, Code: "CANCEL_FAILED", Body: reason}
	}
	return nil
}

func (c *Coinbase) send(ctx context.Context, method, path, query string, body []byte, out any) error {
	req, err := c.client.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(c.now().Unix(), 10)
	signPath := path
	if query != "" {
		signPath += "?" + query
	}
	req.Header.Set("CB-ACCESS-KEY", c.creds.APIKey)
	req.Header.Set("CB-ACCESS-TIMESTAMP", ts)
	req.Header.Set("CB-ACCESS-SIGN", signCoinbase(c.creds.APISecret, ts, method, signPath, body))
	if c.creds.Passphrase != "" {
		req.Header.Set("CB-ACCESS-PASSPHRASE", c.creds.Passphrase)
	}
	return c.client.do(req, out)
}

func signCoinbase(secret, ts, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + method + path + string(body)))
	return hex.EncodeToString(mac.Sum(nil))
}
