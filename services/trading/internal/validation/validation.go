// Package validation checks and normalizes trading request payloads before
// any safety check runs.
package validation

import (
	"regexp"
	"strings"

	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/price"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const maxDecimalPlaces = 8

var (
	instrumentPattern = regexp.MustCompile(`^[A-Z0-9]{2,12}-[A-Z0-9]{2,12}$`)
	venuePattern      = regexp.MustCompile(`^[a-z0-9_]{2,32}$`)
	hundred           = decimal.NewFromInt(100)
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is a non-empty list of field problems.
type Errors []FieldError

func (e Errors) Error() string {
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

func (e *Errors) add(field, message string) {
	*e = append(*e, FieldError{Field: field, Message: message})
}

// OrderPayload is the placeOrder body as received.
type OrderPayload struct {
	BookID     string           `json:"bookId"`
	Instrument string           `json:"instrument"`
	Side       string           `json:"side"`
	Size       *decimal.Decimal `json:"size"`
	Price      *decimal.Decimal `json:"price"`
	OrderType  string           `json:"orderType"`
	Venue      string           `json:"venue"`
	StrategyID *string          `json:"strategyId"`
}

// Order is a validated, normalized order.
type Order struct {
	BookID     uuid.UUID
	StrategyID *uuid.UUID
	Instrument string
	Side       storage.Side
	Type       storage.OrderType
	Size       decimal.Decimal
	Price      *decimal.Decimal
	Venue      string
}

func ValidateOrder(p OrderPayload) (Order, error) {
	var errs Errors
	var out Order

	if id, ok := parseUUID(p.BookID, "bookId", true, &errs); ok {
		out.BookID = id
	}
	if p.StrategyID != nil && strings.TrimSpace(*p.StrategyID) != "" {
		if id, ok := parseUUID(*p.StrategyID, "strategyId", true, &errs); ok {
			out.StrategyID = &id
		}
	}

	out.Instrument = price.NormalizeInstrument(p.Instrument)
	switch {
	case out.Instrument == "":
		errs.add("instrument", "is required")
	case !instrumentPattern.MatchString(out.Instrument):
		errs.add("instrument", "must look like BASE-QUOTE")
	}

	out.Side = storage.Side(strings.ToLower(strings.TrimSpace(p.Side)))
	if !out.Side.Valid() {
		errs.add("side", "must be buy or sell")
	}

	out.Type = storage.OrderType(strings.ToLower(strings.TrimSpace(p.OrderType)))
	if !out.Type.Valid() {
		errs.add("orderType", "must be market or limit")
	}

	switch {
	case p.Size == nil:
		errs.add("size", "is required")
	case !p.Size.IsPositive():
		errs.add("size", "must be greater than 0")
	case -p.Size.Exponent() > maxDecimalPlaces:
		errs.add("size", "supports at most 8 decimal places")
	default:
		out.Size = *p.Size
	}

	if p.Price != nil {
		if !p.Price.IsPositive() {
			errs.add("price", "must be greater than 0")
		} else {
			pr := *p.Price
			out.Price = &pr
		}
	} else if out.Type == storage.OrderTypeLimit {
		errs.add("price", "is required for limit orders")
	}

	out.Venue = strings.ToLower(strings.TrimSpace(p.Venue))
	switch {
	case out.Venue == "":
		errs.add("venue", "is required")
	case !venuePattern.MatchString(out.Venue):
		errs.add("venue", "is not a valid venue name")
	}

	if len(errs) > 0 {
		return Order{}, errs
	}
	return out, nil
}

// ClosePayload is the closePosition body.
type ClosePayload struct {
	Percentage *decimal.Decimal `json:"percentage"`
	Venue      string           `json:"venue"`
}

type Close struct {
	Percentage decimal.Decimal
	Venue      string
}

// ValidateClose accepts a percentage in (0, 100]; the venue is optional.
func ValidateClose(p ClosePayload) (Close, error) {
	var errs Errors
	var out Close

	switch {
	case p.Percentage == nil:
		out.Percentage = hundred
	case !p.Percentage.IsPositive() || p.Percentage.GreaterThan(hundred):
		errs.add("percentage", "must be within (0, 100]")
	default:
		out.Percentage = *p.Percentage
	}

	out.Venue = strings.ToLower(strings.TrimSpace(p.Venue))
	if out.Venue != "" && !venuePattern.MatchString(out.Venue) {
		errs.add("venue", "is not a valid venue name")
	}

	if len(errs) > 0 {
		return Close{}, errs
	}
	return out, nil
}

// ParseID validates a path identifier.
func ParseID(raw, field string) (uuid.UUID, error) {
	var errs Errors
	id, ok := parseUUID(raw, field, true, &errs)
	if !ok {
		return uuid.Nil, errs
	}
	return id, nil
}

func parseUUID(raw, field string, required bool, errs *Errors) (uuid.UUID, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			errs.add(field, "is required")
		}
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		errs.add(field, "must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}
