package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/AKIVA-AI/enterprise-crypto-sub000/libs/auth"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/libs/httpmiddleware"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/rate"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/service"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/storage"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/validation"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const actorKey = "trading_actor"

type TradingService interface {
	Authorize(ctx context.Context, actor service.Actor) error
	PlaceOrder(ctx context.Context, actor service.Actor, order validation.Order) (*service.PlaceOrderResult, error)
	CancelOrder(ctx context.Context, actor service.Actor, orderID uuid.UUID) (*storage.Order, error)
	ClosePosition(ctx context.Context, actor service.Actor, positionID uuid.UUID, req validation.Close) (*service.PlaceOrderResult, error)
}

type Handler struct {
	Service TradingService
	Limiter rate.Limiter
	Logger  *slog.Logger
	now     func() time.Time
}

type orderView struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	FilledSize  string `json:"filledSize"`
	FilledPrice string `json:"filledPrice,omitempty"`
	Fee         string `json:"fee"`
	LatencyMs   int64  `json:"latencyMs"`
	Slippage    string `json:"slippage"`
}

type orderResponse struct {
	Success               bool      `json:"success"`
	Order                 orderView `json:"order"`
	Mode                  string    `json:"mode"`
	ReconciliationPending bool      `json:"reconciliationPending,omitempty"`
	Warning               string    `json:"warning,omitempty"`
}

type errorResponse struct {
	Success  bool                    `json:"success"`
	Error    string                  `json:"error"`
	Code     string                  `json:"code"`
	Rejected bool                    `json:"rejected,omitempty"`
	Check    string                  `json:"check,omitempty"`
	OrderID  string                  `json:"orderId,omitempty"`
	Fields   []validation.FieldError `json:"fields,omitempty"`
}

func New(svc TradingService, limiter rate.Limiter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Limiter: limiter, Logger: logger, now: time.Now}
}

// Register mounts the trading routes under /v1 behind bearer auth, role
// authorization and the per-user, per-route rate limit.
func (h *Handler) Register(r gin.IRouter, jwtSecret []byte) {
	group := r.Group("/v1", auth.Middleware(jwtSecret), h.authorize())
	group.POST("/orders", h.rateLimit(rate.RoutePlace), h.PlaceOrder)
	group.POST("/orders/:id/cancel", h.rateLimit(rate.RouteCancel), h.CancelOrder)
	group.POST("/positions/:id/close", h.rateLimit(rate.RouteClose), h.ClosePosition)
}

func (h *Handler) authorize() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := auth.UserID(c)
		if !ok {
			abortError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
			return
		}
		userID, err := uuid.Parse(raw)
		if err != nil {
			abortError(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid subject")
			return
		}
		actor := service.Actor{
			UserID:        userID,
			IP:            c.ClientIP(),
			UserAgent:     c.Request.UserAgent(),
			CorrelationID: httpmiddleware.RequestIDFrom(c),
		}

		if err := h.Service.Authorize(c.Request.Context(), actor); err != nil {
			if errors.Is(err, service.ErrForbidden) {
				// Token roles are informational only; user_roles is authoritative.
				h.Logger.Warn("trading role denied", "user_id", raw, "token_roles", auth.TokenRoles(c))
				abortError(c, http.StatusForbidden, "FORBIDDEN", "trading requires admin, cio or trader role")
				return
			}
			h.Logger.Error("role lookup failed", "user_id", raw, "error", err)
			abortError(c, http.StatusInternalServerError, "ROLE_LOOKUP_FAILED", err.Error())
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

func (h *Handler) rateLimit(route rate.Route) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.Limiter == nil {
			c.Next()
			return
		}
		actor := actorFrom(c)
		allowed, retryAfter, err := h.Limiter.Allow(c.Request.Context(), actor.UserID.String(), route, h.now())
		if err != nil {
			h.Logger.Error("rate limiter unavailable", "user_id", actor.UserID.String(), "route", string(route), "error", err)
			abortError(c, http.StatusServiceUnavailable, "RATE_LIMIT_UNAVAILABLE", "rate limiter unavailable")
			return
		}
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			h.Logger.Warn("trading request rate limited", "user_id", actor.UserID.String(), "route", string(route))
			abortError(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many "+string(route)+" requests")
			return
		}
		c.Next()
	}
}

func (h *Handler) PlaceOrder(c *gin.Context) {
	var payload validation.OrderPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	order, err := validation.ValidateOrder(payload)
	if err != nil {
		writeValidation(c, err)
		return
	}

	result, err := h.Service.PlaceOrder(c.Request.Context(), actorFrom(c), order)
	if err != nil {
		h.Logger.Error("place order failed", "error", err, "request_id", httpmiddleware.RequestIDFrom(c))
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writePlaceResult(c, result)
}

func (h *Handler) CancelOrder(c *gin.Context) {
	orderID, err := validation.ParseID(c.Param("id"), "orderId")
	if err != nil {
		writeValidation(c, err)
		return
	}

	order, err := h.Service.CancelOrder(c.Request.Context(), actorFrom(c), orderID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
		case errors.Is(err, service.ErrOrderNotOpen):
			writeError(c, http.StatusConflict, "ORDER_NOT_OPEN", err.Error())
		case errors.Is(err, service.ErrVenueCancelFailed):
			writeError(c, http.StatusBadGateway, "VENUE_CANCEL_FAILED", err.Error())
		default:
			h.Logger.Error("cancel order failed", "order_id", orderID.String(), "error", err)
			writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"order": gin.H{
			"id":        order.ID.String(),
			"status":    order.Status,
			"updatedAt": order.UpdatedAt.UTC().Format(time.RFC3339),
		},
	})
}

func (h *Handler) ClosePosition(c *gin.Context) {
	positionID, err := validation.ParseID(c.Param("id"), "positionId")
	if err != nil {
		writeValidation(c, err)
		return
	}
	var payload validation.ClosePayload
	if err := c.ShouldBindJSON(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	req, err := validation.ValidateClose(payload)
	if err != nil {
		writeValidation(c, err)
		return
	}

	result, err := h.Service.ClosePosition(c.Request.Context(), actorFrom(c), positionID, req)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(c, http.StatusNotFound, "POSITION_NOT_FOUND", "position not found")
		case errors.Is(err, service.ErrPositionNotOpen):
			writeError(c, http.StatusConflict, "POSITION_NOT_OPEN", err.Error())
		case errors.Is(err, service.ErrCloseSizeTooSmall):
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		default:
			h.Logger.Error("close position failed", "position_id", positionID.String(), "error", err)
			writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		}
		return
	}
	writePlaceResult(c, result)
}

func writePlaceResult(c *gin.Context, result *service.PlaceOrderResult) {
	switch result.Outcome {
	case service.OutcomeRejected:
		c.JSON(http.StatusForbidden, errorResponse{
			Error:    result.Decision.Reason,
			Code:     result.Decision.Code,
			Rejected: true,
			Check:    result.Decision.Check,
		})
	case service.OutcomeExecutionFailed:
		resp := errorResponse{
			Error:    "execution failed: " + errString(result.Err),
			Code:     "EXECUTION_FAILED",
			Rejected: true,
		}
		if result.Mode == storage.ModeLive {
			resp.Error = "live execution failed: " + errString(result.Err)
			resp.Code = "LIVE_EXECUTION_FAILED"
		}
		if result.Order != nil {
			resp.OrderID = result.Order.ID.String()
		}
		c.JSON(http.StatusBadGateway, resp)
	case service.OutcomeReconciliationPending:
		c.JSON(http.StatusMultiStatus, orderResponse{
			Success:               true,
			Order:                 viewOf(result),
			Mode:                  string(result.Mode),
			ReconciliationPending: true,
			Warning:               "order executed but bookkeeping failed; reconciliation is pending",
		})
	default:
		c.JSON(http.StatusOK, orderResponse{
			Success: true,
			Order:   viewOf(result),
			Mode:    string(result.Mode),
		})
	}
}

// viewOf prefers execution figures; the booked order may lag them when
// reconciliation is pending.
func viewOf(result *service.PlaceOrderResult) orderView {
	v := orderView{}
	if o := result.Order; o != nil {
		v.ID = o.ID.String()
		v.Status = o.Status
		v.FilledSize = o.FilledSize.String()
		if o.FilledPrice != nil {
			v.FilledPrice = o.FilledPrice.String()
		}
		v.Slippage = o.SlippageBps.String()
		v.LatencyMs = o.LatencyMs
	}
	if e := result.Execution; e != nil {
		v.Fee = e.Fee.String()
		if result.Outcome == service.OutcomeReconciliationPending {
			v.FilledSize = e.FilledSize.String()
			v.FilledPrice = e.FilledPrice.String()
			v.Slippage = e.SlippageBps.String()
			v.LatencyMs = e.LatencyMs
		}
	}
	return v
}

func actorFrom(c *gin.Context) service.Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(service.Actor); ok {
			return actor
		}
	}
	return service.Actor{}
}

func writeValidation(c *gin.Context, err error) {
	var verrs validation.Errors
	if errors.As(err, &verrs) {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request", Code: "INVALID_REQUEST", Fields: verrs})
		return
	}
	writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{Error: message, Code: code})
}

func abortError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: message, Code: code})
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
