package reconciliation

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/closzit/closzit-api/internal/domain/payment"
	"github.com/closzit/closzit-api/internal/middleware"
	"github.com/closzit/closzit-api/internal/pkg/logger"
	"github.com/closzit/closzit-api/internal/pkg/response"
	"github.com/closzit/closzit-api/internal/pkg/validator"
)

// Handler serves verification and reconcile-now endpoints.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Register adds the user verification routes to an authenticated router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/verify", h.VerifyPayment)
	r.Get("/verify/all", h.VerifyUser)
}

// VerifyPayment handles GET /verify?orderId=
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	orderID := r.URL.Query().Get("orderId")
	if err := validator.ValidateVar(orderID, "required,order_id"); err != nil {
		response.BadRequest(w, "invalid orderId")
		return
	}

	result, err := h.service.VerifyPayment(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, payment.ErrPaymentNotFound) {
			response.NotFound(w, "Payment not found")
			return
		}
		logger.FromContext(r.Context()).Error().Err(err).Str("order_id", orderID).Msg("verify payment failed")
		response.InternalError(w)
		return
	}
	// Unknown and foreign orders look the same to the caller.
	if result.Payment.UserID != middleware.GetUserID(r.Context()) {
		response.NotFound(w, "Payment not found")
		return
	}
	response.OK(w, result)
}

// VerifyUser handles GET /verify/all
func (h *Handler) VerifyUser(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.VerifyUser(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		logger.FromContext(r.Context()).Error().Err(err).Msg("verify user payments failed")
		response.InternalError(w)
		return
	}
	response.OK(w, result)
}

// Reconcile handles POST /api/admin/payments/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Reconcile(r.Context())
	if err != nil {
		logger.FromContext(r.Context()).Error().Err(err).Msg("manual reconciliation failed")
		response.InternalError(w)
		return
	}
	response.OK(w, result)
}
