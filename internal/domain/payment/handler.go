package payment

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/mpesa"
	"github.com/clinic/clinic/pkg/pagination"
)

// CallbackPath is the webhook route relative to the API group. It is served
// without authentication.
const CallbackPath = "/payments/mpesa/callback"

type Handler struct {
	svc    *Service
	logger zerolog.Logger

	bindCallback func(echo.Context) (context.Context, func(), error)
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// BindCallbackTenant makes the webhook bind its own tenant connection. The
// webhook route skips TenantMiddleware so that an unknown tenant or an
// unreachable database is still answered with an acknowledgement.
func (h *Handler) BindCallbackTenant(pool *pgxpool.Pool, defaultTenant string) {
	h.bindCallback = func(c echo.Context) (context.Context, func(), error) {
		return db.BindRequestTenant(c, pool, defaultTenant)
	}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Payer-facing endpoints – admin, billing, patient
	payer := api.Group("/payments/mpesa", auth.RequireRole("admin", "billing", "patient"))
	payer.POST("/stk-push", h.Initiate)
	payer.GET("/transactions/:checkoutRequestId", h.GetTransaction)
	payer.GET("/transactions/:checkoutRequestId/status", h.QueryStatus)

	// Back-office endpoints – admin, billing
	office := api.Group("/payments/mpesa", auth.RequireRole("admin", "billing"))
	office.GET("/transactions", h.ListTransactions)
	office.POST("/transactions/:checkoutRequestId/reconcile", h.Reconcile)

	// Gateway webhook
	api.POST(CallbackPath, h.Callback)
}

func (h *Handler) Initiate(c echo.Context) error {
	var req InitiateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	txn, err := h.svc.Initiate(c.Request().Context(), &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, txn)
}

func (h *Handler) GetTransaction(c echo.Context) error {
	txn, err := h.svc.GetByCheckoutRequestID(c.Request().Context(), c.Param("checkoutRequestId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, txn)
}

func (h *Handler) ListTransactions(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ListFilter{
		Status:            Status(c.QueryParam("status")),
		RelatedEntityType: c.QueryParam("related_entity_type"),
	}
	if v := c.QueryParam("related_entity_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid related_entity_id")
		}
		f.RelatedEntityID = &id
	}
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Transaction{}
	}
	return c.JSON(http.StatusOK, pg.Page(items, total, c.Request().URL))
}

func (h *Handler) QueryStatus(c echo.Context) error {
	id := c.Param("checkoutRequestId")
	resp, err := h.svc.QueryStatus(c.Request().Context(), id)
	var ge *mpesa.GatewayError
	if errors.As(err, &ge) && ge.IsPending() {
		return c.JSON(http.StatusAccepted, map[string]interface{}{
			"CheckoutRequestID": id,
			"pending":           true,
			"message":           ge.Message,
		})
	}
	if err != nil {
		return httpError(err)
	}
	if len(resp.Raw) > 0 {
		return c.JSONBlob(http.StatusOK, resp.Raw)
	}
	return c.JSON(http.StatusOK, resp)
}

// Reconcile answers 409 with the stored record when a different outcome was
// written first.
func (h *Handler) Reconcile(c echo.Context) error {
	txn, err := h.svc.ReconcileFromQuery(c.Request().Context(), c.Param("checkoutRequestId"))
	switch {
	case errors.Is(err, ErrInvalidTransition) && txn != nil:
		return c.JSON(http.StatusConflict, txn)
	case err != nil:
		return httpError(err)
	}
	return c.JSON(http.StatusOK, txn)
}

// Callback always answers 200 so the gateway stops redelivering.
func (h *Handler) Callback(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		h.logger.Error().Err(err).Msg("read stk callback body")
		return c.JSON(http.StatusOK, mpesa.RejectCallback("unable to read request"))
	}

	ctx := c.Request().Context()
	if h.bindCallback != nil {
		bound, release, err := h.bindCallback(c)
		if err != nil {
			h.logger.Error().Err(err).
				Str("tenant_query", c.QueryParam("tenant_id")).
				Msg("stk callback tenant binding failed")
			return c.JSON(http.StatusOK, mpesa.RejectCallback("Tenant unavailable"))
		}
		defer release()
		ctx = bound
		c.Set("tenant_id", db.TenantFromContext(ctx))
	}

	_, err = h.svc.HandleCallback(ctx, body)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, mpesa.AcceptCallback("Accepted"))
	case errors.Is(err, ErrInvalidTransition):
		return c.JSON(http.StatusOK, mpesa.AcceptCallback("Already processed"))
	case errors.Is(err, mpesa.ErrMalformedCallback):
		return c.JSON(http.StatusOK, mpesa.RejectCallback("Malformed callback"))
	case errors.Is(err, ErrTransactionNotFound):
		return c.JSON(http.StatusOK, mpesa.RejectCallback("Transaction not found"))
	default:
		h.logger.Error().Err(err).Msg("stk callback processing failed")
		return c.JSON(http.StatusOK, mpesa.RejectCallback("Internal error"))
	}
}

func httpError(err error) error {
	var ge *mpesa.GatewayError
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrTransactionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "transaction not found")
	case errors.Is(err, ErrDuplicateCheckoutRequestID):
		return echo.NewHTTPError(http.StatusConflict, "checkout request id already recorded")
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, "transaction already has a different outcome")
	case errors.As(err, &ge) && ge.IsValidation():
		return echo.NewHTTPError(http.StatusBadRequest, ge.Message)
	case errors.Is(err, mpesa.ErrTokenUnavailable), errors.Is(err, mpesa.ErrGatewayUnavailable):
		return echo.NewHTTPError(http.StatusBadGateway, "payment gateway unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
