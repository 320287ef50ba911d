package http

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/identity/internal/auth"
	"github.com/utafrali/identity/internal/domain"
	"github.com/utafrali/identity/internal/event"
	"github.com/utafrali/identity/internal/idempotency"
	"github.com/utafrali/identity/internal/service"
	"github.com/utafrali/identity/internal/workflow"
	apperrors "github.com/utafrali/identity/pkg/errors"
	"github.com/utafrali/identity/pkg/health"
)

const testSecret = "test-secret"

// ============================================================================
// Mocks
// ============================================================================

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Execute(ctx context.Context, name, correlationID string, initial domain.SagaContext) (*domain.SagaState, error) {
	args := m.Called(ctx, name, correlationID, initial)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SagaState), args.Error(1)
}

type mockStates struct {
	mock.Mock
}

func (m *mockStates) Create(ctx context.Context, state *domain.SagaState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *mockStates) Update(ctx context.Context, state *domain.SagaState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *mockStates) UpdateInTx(ctx context.Context, tx pgx.Tx, state *domain.SagaState) error {
	args := m.Called(ctx, tx, state)
	return args.Error(0)
}

func (m *mockStates) GetByID(ctx context.Context, sagaID string) (*domain.SagaState, error) {
	args := m.Called(ctx, sagaID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SagaState), args.Error(1)
}

func (m *mockStates) GetByCorrelationID(ctx context.Context, correlationID string) (*domain.SagaState, error) {
	args := m.Called(ctx, correlationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SagaState), args.Error(1)
}

func (m *mockStates) ListInFlight(ctx context.Context) ([]domain.SagaState, error) {
	args := m.Called(ctx)
	return args.Get(0).([]domain.SagaState), args.Error(1)
}

type mockAccounts struct {
	mock.Mock
}

func (m *mockAccounts) FindByID(ctx context.Context, id string) (*domain.Account, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Account), args.Error(1)
}

func (m *mockAccounts) Create(ctx context.Context, tx pgx.Tx, account *domain.Account) error {
	args := m.Called(ctx, tx, account)
	return args.Error(0)
}

func (m *mockAccounts) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockAccounts) ExternalIDExists(ctx context.Context, externalID string) (bool, error) {
	args := m.Called(ctx, externalID)
	return args.Bool(0), args.Error(1)
}

func (m *mockAccounts) BeginSerializable(ctx context.Context) (pgx.Tx, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(pgx.Tx), args.Error(1)
}

type mockOutbox struct {
	mock.Mock
}

func (m *mockOutbox) Create(ctx context.Context, ev *domain.OutboxEvent) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func (m *mockOutbox) CreateInTx(ctx context.Context, tx pgx.Tx, ev *domain.OutboxEvent) error {
	args := m.Called(ctx, tx, ev)
	return args.Error(0)
}

func (m *mockOutbox) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEvent, error) {
	args := m.Called(ctx, now, limit)
	return args.Get(0).([]domain.OutboxEvent), args.Error(1)
}

func (m *mockOutbox) MarkCompleted(ctx context.Context, id string, processedAt time.Time) error {
	args := m.Called(ctx, id, processedAt)
	return args.Error(0)
}

func (m *mockOutbox) MarkFailed(ctx context.Context, id string, lastError string, nextRetryAt time.Time) error {
	args := m.Called(ctx, id, lastError, nextRetryAt)
	return args.Error(0)
}

func (m *mockOutbox) GetByID(ctx context.Context, id string) (*domain.OutboxEvent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.OutboxEvent), args.Error(1)
}

func (m *mockOutbox) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

type mockDeadLetters struct {
	mock.Mock
}

func (m *mockDeadLetters) Create(ctx context.Context, dl *domain.DeadLetterEvent) error {
	args := m.Called(ctx, dl)
	return args.Error(0)
}

func (m *mockDeadLetters) GetByID(ctx context.Context, id string) (*domain.DeadLetterEvent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.DeadLetterEvent), args.Error(1)
}

func (m *mockDeadLetters) List(ctx context.Context, resolution domain.DLQResolution, limit, offset int) ([]domain.DeadLetterEvent, int, error) {
	args := m.Called(ctx, resolution, limit, offset)
	return args.Get(0).([]domain.DeadLetterEvent), args.Int(1), args.Error(2)
}

func (m *mockDeadLetters) Resolve(ctx context.Context, id string, resolution domain.DLQResolution, resolvedBy string) error {
	args := m.Called(ctx, id, resolution, resolvedBy)
	return args.Error(0)
}

// --- In-memory idempotency store ---

type memCache struct {
	mu    sync.Mutex
	recs  map[string]*domain.IdempotencyRecord
	locks map[string]string
}

func newMemCache() *memCache {
	return &memCache{
		recs:  make(map[string]*domain.IdempotencyRecord),
		locks: make(map[string]string),
	}
}

func (c *memCache) Get(_ context.Context, key string) (*domain.IdempotencyRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.recs[key]; ok {
		return rec, nil
	}
	return nil, apperrors.NotFound("idempotency_record", key)
}

func (c *memCache) Set(_ context.Context, rec *domain.IdempotencyRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs[rec.IdempotencyKey] = rec
	return nil
}

func (c *memCache) AcquireLock(_ context.Context, key, fingerprint string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, held := c.locks[key]; held {
		return false, nil
	}
	c.locks[key] = fingerprint
	return true, nil
}

func (c *memCache) ReleaseLock(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locks, key)
	return nil
}

func (c *memCache) LockHolder(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locks[key], nil
}

type memRecords struct {
	mu   sync.Mutex
	recs map[string]*domain.IdempotencyRecord
}

func newMemRecords() *memRecords {
	return &memRecords{recs: make(map[string]*domain.IdempotencyRecord)}
}

func (r *memRecords) Create(_ context.Context, rec *domain.IdempotencyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recs[rec.IdempotencyKey]; ok {
		return apperrors.DuplicateInFlight(rec.IdempotencyKey)
	}
	r.recs[rec.IdempotencyKey] = rec
	return nil
}

func (r *memRecords) GetByKey(_ context.Context, key string) (*domain.IdempotencyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.recs[key]; ok {
		return rec, nil
	}
	return nil, apperrors.NotFound("idempotency_record", key)
}

func (r *memRecords) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// ============================================================================
// Fixture
// ============================================================================

type routerFixture struct {
	server      *httptest.Server
	executor    *mockExecutor
	states      *mockStates
	accounts    *mockAccounts
	outbox      *mockOutbox
	deadLetters *mockDeadLetters
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	fx := &routerFixture{
		executor:    new(mockExecutor),
		states:      new(mockStates),
		accounts:    new(mockAccounts),
		outbox:      new(mockOutbox),
		deadLetters: new(mockDeadLetters),
	}

	log := testLogger()
	svc := service.NewAccountService(fx.executor, fx.states, fx.accounts, fx.outbox, log, 5)
	guard := idempotency.NewGuard(newMemCache(), newMemRecords(), log, idempotency.Config{
		RecordTTL: time.Hour,
	})

	router := NewRouter(RouterDeps{
		AccountService:  svc,
		DeadLetters:     fx.deadLetters,
		OutboxEvents:    fx.outbox,
		Guard:           guard,
		Verifier:        auth.NewVerifier(testSecret),
		Health:          health.NewHandler(),
		Logger:          log,
		EventMaxRetries: 5,
	})

	fx.server = httptest.NewServer(router)
	t.Cleanup(fx.server.Close)
	return fx
}

func mintToken(t *testing.T, accountID, role string) string {
	t.Helper()
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &auth.Claims{
		AccountID: accountID,
		Email:     "op@example.com",
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func doJSON(t *testing.T, method, url, token string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func completedRegistration(correlationID string) *domain.SagaState {
	now := time.Now().UTC()
	return &domain.SagaState{
		SagaID:        uuid.NewString(),
		CorrelationID: correlationID,
		Name:          workflow.RegistrationSagaName,
		Status:        domain.SagaCompleted,
		CurrentStep:   2,
		TotalSteps:    2,
		CompletedSteps: []string{
			"create_account", "create_profile",
		},
		Context: domain.SagaContext{
			workflow.CtxAccountID:    "acc-1",
			workflow.CtxExternalID:   "0Mk3r9ZqXw",
			workflow.CtxPasswordHash: "$2a$12$secret",
		},
		StartedAt:   now,
		CompletedAt: &now,
	}
}

// ============================================================================
// Registration endpoint
// ============================================================================

func TestRegisterEndpoint_Success(t *testing.T) {
	fx := newRouterFixture(t)
	fx.executor.On("Execute", mock.Anything, workflow.RegistrationSagaName, mock.Anything, mock.Anything).
		Return(completedRegistration("corr-1"), nil)

	resp := doJSON(t, http.MethodPost, fx.server.URL+"/api/v1/accounts", "", map[string]any{
		"email":    "alice@example.com",
		"password": "Str0ngPass",
	}, nil)

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	data := body["data"].(map[string]any)
	assert.Equal(t, "acc-1", data["account_id"])
	assert.Equal(t, "0Mk3r9ZqXw", data["external_id"])

	saga := data["saga"].(map[string]any)
	assert.Equal(t, string(domain.SagaCompleted), saga["status"])
	// The saga context never leaves the service: it can carry credentials.
	assert.NotContains(t, saga, "context")
}

func TestRegisterEndpoint_ValidationError(t *testing.T) {
	fx := newRouterFixture(t)

	resp := doJSON(t, http.MethodPost, fx.server.URL+"/api/v1/accounts", "", map[string]any{
		"email":    "not-an-email",
		"password": "Str0ngPass",
	}, nil)

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "VALIDATION_ERROR", body["error"].(map[string]any)["code"])
	fx.executor.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRegisterEndpoint_RequiresJSONContentType(t *testing.T) {
	fx := newRouterFixture(t)

	req, err := http.NewRequest(http.MethodPost, fx.server.URL+"/api/v1/accounts",
		strings.NewReader(`{"email":"a@b.com","password":"Str0ngPass"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestRegisterEndpoint_IdempotentReplay(t *testing.T) {
	fx := newRouterFixture(t)
	fx.executor.On("Execute", mock.Anything, workflow.RegistrationSagaName, "reg-key-1", mock.Anything).
		Return(completedRegistration("reg-key-1"), nil).Once()

	payload := map[string]any{"email": "alice@example.com", "password": "Str0ngPass"}
	headers := map[string]string{idempotency.HeaderKey: "reg-key-1"}

	first := doJSON(t, http.MethodPost, fx.server.URL+"/api/v1/accounts", "", payload, headers)
	require.Equal(t, http.StatusCreated, first.StatusCode)
	firstBody := decodeBody(t, first)

	second := doJSON(t, http.MethodPost, fx.server.URL+"/api/v1/accounts", "", payload, headers)
	require.Equal(t, http.StatusCreated, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get(idempotency.HeaderReplayed))
	assert.Equal(t, firstBody, decodeBody(t, second))

	// The saga executor ran exactly once; the second response was replayed.
	fx.executor.AssertNumberOfCalls(t, "Execute", 1)
}

// ============================================================================
// Deletion endpoints
// ============================================================================

func TestDeleteEndpoint_RequiresAuth(t *testing.T) {
	fx := newRouterFixture(t)

	resp := doJSON(t, http.MethodDelete, fx.server.URL+"/api/v1/accounts/"+uuid.NewString(), "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDeleteEndpoint_Success(t *testing.T) {
	fx := newRouterFixture(t)
	accountID := uuid.NewString()

	fx.accounts.On("FindByID", mock.Anything, accountID).Return(&domain.Account{ID: accountID}, nil)
	fx.executor.On("Execute", mock.Anything, workflow.DeletionSagaName, mock.Anything, mock.Anything).
		Return(&domain.SagaState{
			SagaID:         uuid.NewString(),
			Name:           workflow.DeletionSagaName,
			Status:         domain.SagaCompleted,
			CompletedSteps: []string{"revoke_sessions", "remove_devices", "delete_profile", "delete_account"},
		}, nil)

	token := mintToken(t, accountID, "user")
	resp := doJSON(t, http.MethodDelete, fx.server.URL+"/api/v1/accounts/"+accountID, token,
		map[string]any{"reason": "leaving", "legal_basis": "gdpr_art_17"}, nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, string(domain.SagaCompleted), body["data"].(map[string]any)["status"])
}

func TestDeleteEndpoint_InvalidID(t *testing.T) {
	fx := newRouterFixture(t)

	token := mintToken(t, "acc-1", "user")
	resp := doJSON(t, http.MethodDelete, fx.server.URL+"/api/v1/accounts/not-a-uuid", token, nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	fx.executor.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestScheduleDeletionEndpoint(t *testing.T) {
	fx := newRouterFixture(t)
	accountID := uuid.NewString()

	fx.accounts.On("FindByID", mock.Anything, accountID).Return(&domain.Account{ID: accountID}, nil)
	fx.outbox.On("Create", mock.Anything, mock.MatchedBy(func(ev *domain.OutboxEvent) bool {
		return ev.EventType == event.TypeAccountDeletionScheduled
	})).Return(nil)

	token := mintToken(t, accountID, "user")
	resp := doJSON(t, http.MethodPost, fx.server.URL+"/api/v1/accounts/"+accountID+"/deletion-schedule", token,
		map[string]any{"grace_period_days": 14}, nil)

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody(t, resp)
	data := body["data"].(map[string]any)
	assert.Equal(t, accountID, data["account_id"])

	deleteAt, err := time.Parse(time.RFC3339, data["delete_at"].(string))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, 14), deleteAt, time.Minute)
}

// ============================================================================
// Operator endpoints
// ============================================================================

func TestGetSagaEndpoint_RequiresOperatorRole(t *testing.T) {
	fx := newRouterFixture(t)

	token := mintToken(t, "acc-1", "user")
	resp := doJSON(t, http.MethodGet, fx.server.URL+"/api/v1/sagas/corr-1", token, nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGetSagaEndpoint_Success(t *testing.T) {
	fx := newRouterFixture(t)
	fx.states.On("GetByCorrelationID", mock.Anything, "corr-1").
		Return(completedRegistration("corr-1"), nil)

	token := mintToken(t, "op-1", "operator")
	resp := doJSON(t, http.MethodGet, fx.server.URL+"/api/v1/sagas/corr-1", token, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	data := body["data"].(map[string]any)
	assert.Equal(t, "corr-1", data["correlation_id"])
	assert.NotContains(t, data, "context")
}

func TestDeadLetterList(t *testing.T) {
	fx := newRouterFixture(t)
	fx.deadLetters.On("List", mock.Anything, domain.DLQPending, 20, 0).
		Return([]domain.DeadLetterEvent{{ID: "dl-1", EventType: event.TypeAccountRegistered}}, 1, nil)

	token := mintToken(t, "op-1", "admin")
	resp := doJSON(t, http.MethodGet, fx.server.URL+"/api/v1/admin/dead-letters?resolution=PENDING", token, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, float64(1), body["total_count"])
	assert.Len(t, body["data"], 1)
}

func TestDeadLetterList_UnknownResolution(t *testing.T) {
	fx := newRouterFixture(t)

	token := mintToken(t, "op-1", "admin")
	resp := doJSON(t, http.MethodGet, fx.server.URL+"/api/v1/admin/dead-letters?resolution=BOGUS", token, nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	fx.deadLetters.AssertNotCalled(t, "List", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDeadLetterRetry(t *testing.T) {
	fx := newRouterFixture(t)
	dl := &domain.DeadLetterEvent{
		ID:            "dl-1",
		EventID:       "ev-1",
		AggregateType: event.AggregateAccount,
		AggregateID:   "acc-1",
		EventType:     event.TypeAccountRegistered,
		Payload:       json.RawMessage(`{"account_id":"acc-1"}`),
		Resolution:    domain.DLQPending,
	}

	fx.deadLetters.On("GetByID", mock.Anything, "dl-1").Return(dl, nil)
	fx.outbox.On("Create", mock.Anything, mock.MatchedBy(func(ev *domain.OutboxEvent) bool {
		return ev.EventType == dl.EventType &&
			ev.IdempotencyKey == "dlq-retry:dl-1" &&
			ev.Status == domain.OutboxPending
	})).Return(nil)
	fx.deadLetters.On("Resolve", mock.Anything, "dl-1", domain.DLQRetried, "op-1").Return(nil)

	token := mintToken(t, "op-1", "operator")
	resp := doJSON(t, http.MethodPost, fx.server.URL+"/api/v1/admin/dead-letters/dl-1/retry", token, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	fx.outbox.AssertExpectations(t)
	fx.deadLetters.AssertExpectations(t)
}

func TestDeadLetterRetry_AlreadyResolved(t *testing.T) {
	fx := newRouterFixture(t)
	fx.deadLetters.On("GetByID", mock.Anything, "dl-1").Return(&domain.DeadLetterEvent{
		ID:         "dl-1",
		Resolution: domain.DLQIgnored,
	}, nil)

	token := mintToken(t, "op-1", "admin")
	resp := doJSON(t, http.MethodPost, fx.server.URL+"/api/v1/admin/dead-letters/dl-1/retry", token, nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	fx.outbox.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestDeadLetterIgnore(t *testing.T) {
	fx := newRouterFixture(t)
	resolved := &domain.DeadLetterEvent{ID: "dl-1", Resolution: domain.DLQIgnored, ResolvedBy: "op-1"}

	fx.deadLetters.On("Resolve", mock.Anything, "dl-1", domain.DLQIgnored, "op-1").Return(nil)
	fx.deadLetters.On("GetByID", mock.Anything, "dl-1").Return(resolved, nil)

	token := mintToken(t, "op-1", "admin")
	resp := doJSON(t, http.MethodPost, fx.server.URL+"/api/v1/admin/dead-letters/dl-1/ignore", token, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, string(domain.DLQIgnored), body["data"].(map[string]any)["resolution"])
}

func TestHealthEndpoints(t *testing.T) {
	fx := newRouterFixture(t)

	resp := doJSON(t, http.MethodGet, fx.server.URL+"/health/live", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, fx.server.URL+"/metrics", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
