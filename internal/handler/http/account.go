// Package http exposes the account, saga, and dead-letter endpoints.
package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/utafrali/identity/internal/domain"
	"github.com/utafrali/identity/internal/idempotency"
	"github.com/utafrali/identity/internal/service"
	"github.com/utafrali/identity/internal/workflow"
	"github.com/utafrali/identity/pkg/httputil"
	"github.com/utafrali/identity/pkg/validator"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// AccountHandler handles HTTP requests for account endpoints.
type AccountHandler struct {
	service *service.AccountService
	logger  *slog.Logger
}

// NewAccountHandler creates a new account HTTP handler.
func NewAccountHandler(svc *service.AccountService, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		service: svc,
		logger:  logger,
	}
}

// --- Request DTOs ---

// RegisterRequest is the JSON request body for registering an account.
type RegisterRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=8,max=128"`
	Username    string `json:"username" validate:"omitempty,min=3,max=50"`
	ProfileName string `json:"profile_name" validate:"omitempty,max=100"`
}

// DeleteRequest is the optional JSON request body for deleting an account.
type DeleteRequest struct {
	Reason     string `json:"reason" validate:"omitempty,max=255"`
	LegalBasis string `json:"legal_basis" validate:"omitempty,max=100"`
}

// ScheduleDeletionRequest is the JSON request body for scheduling a deletion.
type ScheduleDeletionRequest struct {
	GracePeriodDays int    `json:"grace_period_days" validate:"gte=0,lte=365"`
	Reason          string `json:"reason" validate:"omitempty,max=255"`
	LegalBasis      string `json:"legal_basis" validate:"omitempty,max=100"`
}

// --- Response DTOs ---

// SagaResponse is the public view of a saga. The saga's working context is
// deliberately excluded: it can carry credential material.
type SagaResponse struct {
	SagaID         string     `json:"saga_id"`
	CorrelationID  string     `json:"correlation_id"`
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	CurrentStep    int        `json:"current_step"`
	TotalSteps     int        `json:"total_steps"`
	CompletedSteps []string   `json:"completed_steps"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// RegisterResponse is the JSON response for a successful registration.
type RegisterResponse struct {
	AccountID  string       `json:"account_id"`
	ExternalID string       `json:"external_id"`
	Saga       SagaResponse `json:"saga"`
}

// ScheduleDeletionResponse is the JSON response for a scheduled deletion.
type ScheduleDeletionResponse struct {
	AccountID string    `json:"account_id"`
	DeleteAt  time.Time `json:"delete_at"`
}

func newSagaResponse(state *domain.SagaState) SagaResponse {
	return SagaResponse{
		SagaID:         state.SagaID,
		CorrelationID:  state.CorrelationID,
		Name:           state.Name,
		Status:         string(state.Status),
		CurrentStep:    state.CurrentStep,
		TotalSteps:     state.TotalSteps,
		CompletedSteps: state.CompletedSteps,
		Error:          state.Error,
		StartedAt:      state.StartedAt,
		CompletedAt:    state.CompletedAt,
	}
}

// correlationID derives the saga correlation ID for a request: the
// idempotency key when the caller sent one, otherwise a fresh UUID.
func correlationID(r *http.Request) string {
	if key := r.Header.Get(idempotency.HeaderKey); key != "" {
		return key
	}
	return uuid.NewString()
}

// --- Handlers ---

// Register handles POST /api/v1/accounts
func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "invalid request body: " + err.Error()},
		})
		return
	}

	if err := validator.Validate(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	state, err := h.service.Register(r.Context(), correlationID(r), service.RegisterInput{
		Email:       req.Email,
		Password:    req.Password,
		Username:    req.Username,
		ProfileName: req.ProfileName,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Data: RegisterResponse{
		AccountID:  state.Context.GetString(workflow.CtxAccountID),
		ExternalID: state.Context.GetString(workflow.CtxExternalID),
		Saga:       newSagaResponse(state),
	}})
}

// Delete handles DELETE /api/v1/accounts/{id}
func (h *AccountHandler) Delete(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	if _, ok := httputil.ParseUUID(w, accountID); !ok {
		return
	}

	// The body is optional; an absent body means default reason.
	var req DeleteRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "invalid request body: " + err.Error()},
		})
		return
	}

	if err := validator.Validate(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	state, err := h.service.Delete(r.Context(), correlationID(r), service.DeleteInput{
		AccountID:  accountID,
		Reason:     req.Reason,
		LegalBasis: req.LegalBasis,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: newSagaResponse(state)})
}

// ScheduleDeletion handles POST /api/v1/accounts/{id}/deletion-schedule
func (h *AccountHandler) ScheduleDeletion(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	if _, ok := httputil.ParseUUID(w, accountID); !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req ScheduleDeletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "invalid request body: " + err.Error()},
		})
		return
	}

	if err := validator.Validate(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	deleteAt, err := h.service.ScheduleDeletion(r.Context(), accountID, req.GracePeriodDays, req.Reason, req.LegalBasis)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, httputil.Response{Data: ScheduleDeletionResponse{
		AccountID: accountID,
		DeleteAt:  deleteAt,
	}})
}

// GetSaga handles GET /api/v1/sagas/{correlationId}
func (h *AccountHandler) GetSaga(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.GetSaga(r.Context(), chi.URLParam(r, "correlationId"))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: newSagaResponse(state)})
}
