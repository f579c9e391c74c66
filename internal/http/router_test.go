package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/adwatch/cagnotte/internal/domain"
	"github.com/adwatch/cagnotte/internal/repository"
	"github.com/adwatch/cagnotte/internal/service/auth"
	"github.com/adwatch/cagnotte/internal/service/ledger"
	"github.com/adwatch/cagnotte/internal/service/reward"
	"github.com/adwatch/cagnotte/pkg/config"
)

// memoryRepo backs router tests with store-level atomicity semantics:
// unique emails, guarded debits, single-statement credits.
type memoryRepo struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{users: make(map[string]*domain.User)}
}

func (m *memoryRepo) CreateUser(_ context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email {
			return repository.ErrDuplicateEmail
		}
	}
	copied := *user
	m.users[user.ID] = &copied
	return nil
}

func (m *memoryRepo) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			copied := *u
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memoryRepo) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (m *memoryRepo) CreditBalance(_ context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return decimal.Decimal{}, repository.ErrNotFound
	}
	u.Balance = u.Balance.Add(amount)
	return u.Balance, nil
}

func (m *memoryRepo) CreditBalanceByEmail(_ context.Context, email string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			u.Balance = u.Balance.Add(amount)
			return nil
		}
	}
	return repository.ErrNotFound
}

func (m *memoryRepo) DebitBalanceIfSufficient(_ context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return decimal.Decimal{}, repository.ErrNotFound
	}
	if u.Balance.LessThan(amount) {
		return decimal.Decimal{}, repository.ErrInsufficientBalance
	}
	u.Balance = u.Balance.Sub(amount)
	return u.Balance, nil
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T) (*Router, *memoryRepo) {
	t.Helper()
	cfg := config.APIConfig{
		JWTSecret:        "test-secret",
		TokenTTL:         time.Hour,
		WatchAdIncrement: decimal.RequireFromString("0.01"),
		MinWithdraw:      decimal.RequireFromString("1.50"),
		KiwiwallSecret:   "s3cret",
	}
	repo := newMemoryRepo()
	authSvc := auth.New(repo, newTestLogger(), cfg)
	ledgerSvc := ledger.New(repo, repo, newTestLogger(), cfg)
	rewardSvc := reward.New(ledgerSvc, newTestLogger(), cfg)
	router := NewRouter(newTestLogger(), authSvc, ledgerSvc, rewardSvc, NewMemoryRateLimiter(), nil)
	t.Cleanup(router.Close)
	return router, repo
}

type accountBody struct {
	Email   string      `json:"email"`
	Balance json.Number `json:"balance"`
}

type sessionBody struct {
	Token string      `json:"token"`
	User  accountBody `json:"user"`
	Error string      `json:"error"`
}

type balanceBody struct {
	Email       string      `json:"email"`
	Balance     json.Number `json:"balance"`
	Increment   json.Number `json:"increment"`
	Withdrawn   json.Number `json:"withdrawn"`
	CanWithdraw bool        `json:"canWithdraw"`
	Error       string      `json:"error"`
}

func doJSON(t *testing.T, router *Router, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		body = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func assertAmount(t *testing.T, got json.Number, want string) {
	t.Helper()
	parsed, err := decimal.NewFromString(got.String())
	if err != nil {
		t.Fatalf("amount %q is not decimal: %v", got, err)
	}
	if !parsed.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("expected amount %s, got %s", want, got)
	}
}

func TestAccountLifecycleScenario(t *testing.T) {
	router, _ := newTestRouter(t)

	// signup starts at zero
	rec := doJSON(t, router, http.MethodPost, "/api/signup", "", map[string]string{"email": "a@x.com", "password": "secret1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup status %d: %s", rec.Code, rec.Body.String())
	}
	var session sessionBody
	decodeInto(t, rec, &session)
	if session.Token == "" {
		t.Fatalf("expected session token")
	}
	assertAmount(t, session.User.Balance, "0")

	// three ad watches at 0.01 each
	for i := 0; i < 3; i++ {
		rec = doJSON(t, router, http.MethodPost, "/api/watch-ad", session.Token, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("watch-ad status %d: %s", rec.Code, rec.Body.String())
		}
	}
	var watch balanceBody
	decodeInto(t, rec, &watch)
	assertAmount(t, watch.Balance, "0.03")
	assertAmount(t, watch.Increment, "0.01")
	if watch.CanWithdraw {
		t.Fatalf("0.03 must not be withdrawable")
	}

	// withdrawal below the 1.50 minimum
	rec = doJSON(t, router, http.MethodPost, "/api/withdraw", session.Token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	var failed balanceBody
	decodeInto(t, rec, &failed)
	if !strings.Contains(failed.Error, "minimum balance") {
		t.Fatalf("unexpected error message: %q", failed.Error)
	}

	// external payout credits 2.00
	req := httptest.NewRequest(http.MethodPost, "/api/kiwiwall-callback?secret=s3cret", strings.NewReader(`{"subid":"a@x.com","amount":"2.00"}`))
	callbackRec := httptest.NewRecorder()
	router.ServeHTTP(callbackRec, req)
	if callbackRec.Code != http.StatusOK {
		t.Fatalf("callback status %d: %s", callbackRec.Code, callbackRec.Body.String())
	}
	if callbackRec.Body.String() != "OK" {
		t.Fatalf("expected bare OK acknowledgement, got %q", callbackRec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/api/balance", session.Token, nil)
	var balance balanceBody
	decodeInto(t, rec, &balance)
	assertAmount(t, balance.Balance, "2.03")
	if !balance.CanWithdraw {
		t.Fatalf("2.03 must be withdrawable")
	}

	// withdrawal now succeeds, leaving 0.53
	rec = doJSON(t, router, http.MethodPost, "/api/withdraw", session.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("withdraw status %d: %s", rec.Code, rec.Body.String())
	}
	var withdrawn balanceBody
	decodeInto(t, rec, &withdrawn)
	assertAmount(t, withdrawn.Balance, "0.53")
	assertAmount(t, withdrawn.Withdrawn, "1.50")
	if withdrawn.CanWithdraw {
		t.Fatalf("0.53 must not be withdrawable")
	}
}

func TestSignupDuplicateEmailIsCaseInsensitive(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/signup", "", map[string]string{"email": "a@x.com", "password": "secret1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup status %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodPost, "/api/signup", "", map[string]string{"email": "A@X.COM", "password": "secret1"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSignupValidationStatuses(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/signup", "", map[string]string{"email": "a@x.com", "password": "12345"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short password, got %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodPost, "/api/signup", "", map[string]string{"password": "secret1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing email, got %d", rec.Code)
	}
}

func TestLoginMixedCaseAndBadCredentials(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/signup", "", map[string]string{"email": "a@x.com", "password": "secret1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup status %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/login", "", map[string]string{"email": "A@x.Com", "password": "secret1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("mixed-case login should succeed, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/api/login", "", map[string]string{"email": "a@x.com", "password": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodPost, "/api/login", "", map[string]string{"email": "ghost@x.com", "password": "secret1"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown email, got %d", rec.Code)
	}
}

func TestTokenBindsSingleAccount(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/signup", "", map[string]string{"email": "a@x.com", "password": "secret1"})
	var sessionA sessionBody
	decodeInto(t, rec, &sessionA)

	rec = doJSON(t, router, http.MethodPost, "/api/signup", "", map[string]string{"email": "b@x.com", "password": "secret1"})
	var sessionB sessionBody
	decodeInto(t, rec, &sessionB)

	rec = doJSON(t, router, http.MethodGet, "/api/balance", sessionA.Token, nil)
	var balance balanceBody
	decodeInto(t, rec, &balance)
	if balance.Email != "a@x.com" {
		t.Fatalf("token for a@x.com resolved to %q", balance.Email)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/balance", sessionB.Token, nil)
	decodeInto(t, rec, &balance)
	if balance.Email != "b@x.com" {
		t.Fatalf("token for b@x.com resolved to %q", balance.Email)
	}
}

func TestSessionRoutesRequireAuth(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, route := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/balance"},
		{http.MethodPost, "/api/watch-ad"},
		{http.MethodPost, "/api/withdraw"},
	} {
		rec := doJSON(t, router, route.method, route.path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s expected 401, got %d", route.method, route.path, rec.Code)
		}
		rec = doJSON(t, router, route.method, route.path, "not-a-token", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s with garbage token expected 401, got %d", route.method, route.path, rec.Code)
		}
	}
}

func TestStaleTokenForDeletedAccount(t *testing.T) {
	router, repo := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/signup", "", map[string]string{"email": "a@x.com", "password": "secret1"})
	var session sessionBody
	decodeInto(t, rec, &session)

	repo.mu.Lock()
	repo.users = map[string]*domain.User{}
	repo.mu.Unlock()

	rec = doJSON(t, router, http.MethodGet, "/api/balance", session.Token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for vanished account, got %d", rec.Code)
	}
}

func TestKiwiwallCallbackRejections(t *testing.T) {
	router, repo := newTestRouter(t)

	user := &domain.User{ID: uuid.NewString(), Email: "a@x.com", Balance: decimal.RequireFromString("0.50")}
	if err := repo.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	send := func(query, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/kiwiwall-callback"+query, strings.NewReader(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	if rec := send("?secret=wrong", `{"subid":"a@x.com","amount":"1.00"}`); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	if got, _ := repo.GetUserByEmail(context.Background(), "a@x.com"); !got.Balance.Equal(decimal.RequireFromString("0.50")) {
		t.Fatalf("balance mutated on rejected callback: %s", got.Balance)
	}

	if rec := send("?secret=s3cret", `{"amount":"1.00"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing subject, got %d", rec.Code)
	}
	if rec := send("?secret=s3cret", `{"subid":"a@x.com","amount":"-1"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative amount, got %d", rec.Code)
	}
	if rec := send("?secret=s3cret", `{"subid":"ghost@x.com","amount":"1.00"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown subject, got %d", rec.Code)
	}

	if rec := send("?secret=s3cret", `{"sub_id":"a@x.com","payout":"1.00"}`); rec.Code != http.StatusOK {
		t.Fatalf("expected alias fields accepted, got %d: %s", rec.Code, rec.Body.String())
	}
	if got, _ := repo.GetUserByEmail(context.Background(), "a@x.com"); !got.Balance.Equal(decimal.RequireFromString("1.50")) {
		t.Fatalf("expected 1.50 after payout, got %s", got.Balance)
	}
}

func TestKiwiwallCallbackUnconfiguredSecret(t *testing.T) {
	cfg := config.APIConfig{
		JWTSecret:        "test-secret",
		TokenTTL:         time.Hour,
		WatchAdIncrement: decimal.RequireFromString("0.01"),
		MinWithdraw:      decimal.RequireFromString("1.50"),
	}
	repo := newMemoryRepo()
	authSvc := auth.New(repo, newTestLogger(), cfg)
	ledgerSvc := ledger.New(repo, repo, newTestLogger(), cfg)
	rewardSvc := reward.New(ledgerSvc, newTestLogger(), cfg)
	router := NewRouter(newTestLogger(), authSvc, ledgerSvc, rewardSvc, NewMemoryRateLimiter(), nil)
	defer router.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/kiwiwall-callback?secret=anything", strings.NewReader(`{"subid":"a@x.com","amount":"1.00"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("unconfigured secret must be a visible 500, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/signup", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodGet, "/api/kiwiwall-callback", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
