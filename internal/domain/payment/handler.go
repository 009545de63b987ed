package payment

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/closzit/closzit-api/internal/domain/credit"
	"github.com/closzit/closzit-api/internal/middleware"
	"github.com/closzit/closzit-api/internal/pkg/logger"
	"github.com/closzit/closzit-api/internal/pkg/response"
	"github.com/closzit/closzit-api/internal/pkg/validator"
)

// Handler handles payment HTTP requests
type Handler struct {
	service     *Service
	frontendURL string
}

// NewHandler creates a payment handler. Callbacks redirect to frontendURL.
func NewHandler(service *Service, frontendURL string) *Handler {
	return &Handler{service: service, frontendURL: strings.TrimRight(frontendURL, "/")}
}

// Register adds the authenticated user routes to r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/packages", h.Packages)
	r.Post("/ready", h.Ready)
	r.Post("/refund", h.Refund)
	r.Get("/history", h.History)
}

// CallbackRoutes are hit by the buyer's browser after checkout.
func (h *Handler) CallbackRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/approve", h.ApproveCallback)
	r.Get("/cancel", h.CancelCallback)
	r.Get("/fail", h.FailCallback)
	return r
}

// Packages handles GET /payments/kakaopay/packages
func (h *Handler) Packages(w http.ResponseWriter, r *http.Request) {
	response.OK(w, h.service.Packages())
}

// Ready handles POST /payments/kakaopay/ready
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	var req ReadyRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	userID := middleware.GetUserID(r.Context())
	result, err := h.service.Ready(r.Context(), userID, req.PackageID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.Created(w, result)
}

// Refund handles POST /payments/kakaopay/refund
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	userID := middleware.GetUserID(r.Context())
	result, err := h.service.Refund(r.Context(), req.OrderID, userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, result)
}

// History handles GET /payments/kakaopay/history
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit > 100 {
		limit = 100
	}

	userID := middleware.GetUserID(r.Context())
	payments, err := h.service.History(r.Context(), userID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, payments)
}

// ApproveCallback handles GET /payment/kakaopay/approve
func (h *Handler) ApproveCallback(w http.ResponseWriter, r *http.Request) {
	orderID := r.URL.Query().Get("partner_order_id")
	token := r.URL.Query().Get("pg_token")
	if orderID == "" || token == "" {
		h.redirect(w, r, "/payment/fail?reason="+url.QueryEscape("missing partner_order_id or pg_token"))
		return
	}

	result, err := h.service.Approve(r.Context(), orderID, token)
	if err != nil {
		logger.FromContext(r.Context()).Warn().Err(err).Str("order_id", orderID).Msg("payment approval failed")
		h.redirect(w, r, "/payment/fail?reason="+url.QueryEscape(err.Error()))
		return
	}
	h.redirect(w, r, fmt.Sprintf("/payment/success?orderId=%s&credits=%d", url.QueryEscape(result.OrderID), result.Credits))
}

// CancelCallback handles GET /payment/kakaopay/cancel
func (h *Handler) CancelCallback(w http.ResponseWriter, r *http.Request) {
	if orderID := r.URL.Query().Get("partner_order_id"); orderID != "" {
		if _, err := h.service.Cancel(r.Context(), orderID); err != nil {
			logger.FromContext(r.Context()).Warn().Err(err).Str("order_id", orderID).Msg("cancel callback failed")
		}
	}
	h.redirect(w, r, "/payment/cancel")
}

// FailCallback handles GET /payment/kakaopay/fail
func (h *Handler) FailCallback(w http.ResponseWriter, r *http.Request) {
	if orderID := r.URL.Query().Get("partner_order_id"); orderID != "" {
		if _, err := h.service.Fail(r.Context(), orderID); err != nil {
			logger.FromContext(r.Context()).Warn().Err(err).Str("order_id", orderID).Msg("fail callback failed")
		}
	}
	h.redirect(w, r, "/payment/fail")
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, path string) {
	http.Redirect(w, r, h.frontendURL+path, http.StatusFound)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidPackage):
		response.BadRequest(w, err.Error())
	case errors.Is(err, ErrPaymentNotFound):
		response.NotFound(w, "Payment not found")
	case errors.Is(err, ErrNotPaymentOwner):
		response.Forbidden(w, "Payment belongs to another user")
	case errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrCreditNotGranted),
		errors.Is(err, ErrConcurrentApproval),
		errors.Is(err, credit.ErrInsufficientCredits):
		response.Conflict(w, err.Error())
	case errors.Is(err, ErrRefundNeedsManualFix):
		logger.FromContext(r.Context()).Error().Err(err).Msg("refund requires manual fix")
		response.Error(w, http.StatusInternalServerError, "REFUND_NEEDS_MANUAL_FIX", err.Error())
	case errors.Is(err, ErrGatewayFailure):
		response.BadGateway(w, err.Error())
	default:
		logger.FromContext(r.Context()).Error().Err(err).Msg("payment request failed")
		response.InternalError(w)
	}
}
