package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/utafrali/identity/internal/domain"
	"github.com/utafrali/identity/internal/outbox"
	"github.com/utafrali/identity/internal/repository"
	apperrors "github.com/utafrali/identity/pkg/errors"
	"github.com/utafrali/identity/pkg/httputil"
	"github.com/utafrali/identity/pkg/middleware"
)

// DeadLetterHandler exposes the operator surface over dead-lettered events.
type DeadLetterHandler struct {
	deadLetters     repository.DeadLetterRepository
	outboxEvents    repository.OutboxRepository
	logger          *slog.Logger
	eventMaxRetries int
}

// NewDeadLetterHandler creates a new dead-letter HTTP handler.
func NewDeadLetterHandler(
	deadLetters repository.DeadLetterRepository,
	outboxEvents repository.OutboxRepository,
	logger *slog.Logger,
	eventMaxRetries int,
) *DeadLetterHandler {
	return &DeadLetterHandler{
		deadLetters:     deadLetters,
		outboxEvents:    outboxEvents,
		logger:          logger,
		eventMaxRetries: eventMaxRetries,
	}
}

// ResolveRequest is the optional JSON request body for resolving a dead letter.
type ResolveRequest struct {
	Note string `json:"note" validate:"omitempty,max=500"`
}

// List handles GET /api/v1/admin/dead-letters
func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	page := 1
	perPage := 20
	if v := r.URL.Query().Get("page"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			page = p
		}
	}
	if v := r.URL.Query().Get("per_page"); v != "" {
		if pp, err := strconv.Atoi(v); err == nil && pp > 0 && pp <= 100 {
			perPage = pp
		}
	}

	resolution := domain.DLQResolution(r.URL.Query().Get("resolution"))
	switch resolution {
	case "", domain.DLQPending, domain.DLQRetried, domain.DLQResolved, domain.DLQIgnored:
	default:
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_PARAMETER", Message: "unknown resolution filter"},
		})
		return
	}

	events, total, err := h.deadLetters.List(r.Context(), resolution, perPage, (page-1)*perPage)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.NewPaginatedResponse(events, total, page, perPage))
}

// Retry handles POST /api/v1/admin/dead-letters/{id}/retry
//
// The parked event is re-enqueued as a fresh PENDING outbox row with a full
// retry budget, then the dead letter is marked RETRIED. The re-enqueue
// carries a dead-letter-scoped idempotency key, so retrying twice cannot
// produce two outbox rows even if the resolve write races.
func (h *DeadLetterHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	dl, err := h.deadLetters.GetByID(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	if dl.Resolution != domain.DLQPending {
		httputil.WriteError(w, r, apperrors.Conflict("dead letter is already resolved"), h.logger)
		return
	}

	ev, err := outbox.NewEvent(
		dl.AggregateType,
		dl.AggregateID,
		dl.EventType,
		dl.Payload,
		"dlq-retry:"+dl.ID,
		h.eventMaxRetries,
	)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	if err := h.outboxEvents.Create(r.Context(), ev); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	if err := h.resolve(w, r, id, domain.DLQRetried); err != nil {
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: ev})
}

// Resolve handles POST /api/v1/admin/dead-letters/{id}/resolve
func (h *DeadLetterHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	h.resolveTerminal(w, r, domain.DLQResolved)
}

// Ignore handles POST /api/v1/admin/dead-letters/{id}/ignore
func (h *DeadLetterHandler) Ignore(w http.ResponseWriter, r *http.Request) {
	h.resolveTerminal(w, r, domain.DLQIgnored)
}

func (h *DeadLetterHandler) resolveTerminal(w http.ResponseWriter, r *http.Request, resolution domain.DLQResolution) {
	var req ResolveRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "invalid request body: " + err.Error()},
		})
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.resolve(w, r, id, resolution); err != nil {
		return
	}

	dl, err := h.deadLetters.GetByID(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: dl})
}

// resolve records the operator action; on failure the error response has
// already been written and a non-nil error is returned.
func (h *DeadLetterHandler) resolve(w http.ResponseWriter, r *http.Request, id string, resolution domain.DLQResolution) error {
	operator := middleware.UserIDFromContext(r.Context())
	if operator == "" {
		operator = "unknown"
	}

	if err := h.deadLetters.Resolve(r.Context(), id, resolution, operator); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			// Either the dead letter does not exist or it is no longer PENDING.
			err = apperrors.Conflict("dead letter is not pending")
		}
		httputil.WriteError(w, r, err, h.logger)
		return err
	}

	h.logger.InfoContext(r.Context(), "dead letter resolved",
		slog.String("dead_letter_id", id),
		slog.String("resolution", string(resolution)),
		slog.String("resolved_by", operator),
	)
	return nil
}
