package outbox

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/closzit/closzit-api/internal/pkg/logger"
	"github.com/closzit/closzit-api/internal/pkg/response"
)

// Handler serves the admin outbox endpoints.
type Handler struct {
	processor *Processor
}

func NewHandler(processor *Processor) *Handler {
	return &Handler{processor: processor}
}

// Routes mounts under /api/admin/payments/outbox. Callers wrap it with admin auth.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/stats", h.Stats)
	r.Get("/failed", h.Failed)
	r.Post("/{id}/retry", h.Retry)
	return r
}

// Stats handles GET /outbox/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.processor.GetStats(r.Context())
	if err != nil {
		logger.FromContext(r.Context()).Error().Err(err).Msg("outbox stats failed")
		response.InternalError(w)
		return
	}
	response.OK(w, stats)
}

// Failed handles GET /outbox/failed
func (h *Handler) Failed(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 || limit > 100 {
		limit = 20
	}
	events, err := h.processor.GetFailedEvents(r.Context(), limit)
	if err != nil {
		logger.FromContext(r.Context()).Error().Err(err).Msg("list failed outbox events failed")
		response.InternalError(w)
		return
	}
	response.OK(w, events)
}

// Retry handles POST /outbox/{id}/retry
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid event id")
		return
	}
	e, err := h.processor.RetryFailedEvent(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrEventNotFound) {
			response.NotFound(w, "outbox event not found")
			return
		}
		if errors.Is(err, ErrEventNotFailed) {
			response.Conflict(w, "only FAILED events can be retried")
			return
		}
		logger.FromContext(r.Context()).Error().Err(err).Str("event_id", id.String()).Msg("outbox retry failed")
		response.InternalError(w)
		return
	}
	response.OK(w, e)
}
