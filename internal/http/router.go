package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adwatch/cagnotte/internal/repository"
	"github.com/adwatch/cagnotte/internal/service/auth"
	"github.com/adwatch/cagnotte/internal/service/ledger"
	"github.com/adwatch/cagnotte/internal/service/reward"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	auth     auth.Service
	ledger   ledger.Service
	reward   reward.Service
	limiter  RateLimiter
	dbHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateLimitSignup    = 5
	rateLimitLogin     = 12
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitCallback  = 60
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, ledgerSvc ledger.Service, rewardSvc reward.Service, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		auth:     authSvc,
		ledger:   ledgerSvc,
		reward:   rewardSvc,
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/api/signup", r.audit(r.withRateLimit("/api/signup", rateLimitSignup, rateWindowDefault, rateLimitKeyIP, r.handleSignup)))
	r.mux.HandleFunc("/api/login", r.audit(r.withRateLimit("/api/login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/api/balance", r.audit(r.handlerAuthRate("/api/balance", rateLimitUserRead, rateWindowDefault, r.handleBalance)))
	r.mux.HandleFunc("/api/watch-ad", r.audit(r.handlerAuthRate("/api/watch-ad", rateLimitUserWrite, rateWindowDefault, r.handleWatchAd)))
	r.mux.HandleFunc("/api/withdraw", r.audit(r.handlerAuthRate("/api/withdraw", rateLimitUserWrite, rateWindowDefault, r.handleWithdraw)))
	r.mux.HandleFunc("/api/kiwiwall-callback", r.audit(r.withRateLimit("/api/kiwiwall-callback", rateLimitCallback, rateWindowDefault, rateLimitKeyIP, r.handleKiwiwallCallback)))
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := r.auth.Signup(req.Context(), payload.Email, payload.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrEmailTaken):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, auth.ErrMissingCredentials), errors.Is(err, auth.ErrPasswordTooShort):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			r.logger.Error("signup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "could not create account")
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token": token,
		"user": map[string]any{
			"email":   user.Email,
			"balance": jsonAmount(user.Balance),
		},
	})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		r.logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not log in")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user": map[string]any{
			"email":   user.Email,
			"balance": jsonAmount(user.Balance),
		},
	})
}

func (r *Router) handleBalance(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	user, canWithdraw, err := r.ledger.Balance(req.Context(), info.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		r.logger.Error("balance lookup failed", "error", err, "user_id", info.UserID)
		writeError(w, http.StatusInternalServerError, "could not fetch balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"email":       user.Email,
		"balance":     jsonAmount(user.Balance),
		"canWithdraw": canWithdraw,
	})
}

func (r *Router) handleWatchAd(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	balance, increment, canWithdraw, err := r.ledger.WatchAd(req.Context(), info.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		r.logger.Error("watch-ad credit failed", "error", err, "user_id", info.UserID)
		writeError(w, http.StatusInternalServerError, "could not update balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balance":     jsonAmount(balance),
		"increment":   jsonAmount(increment),
		"canWithdraw": canWithdraw,
	})
}

func (r *Router) handleWithdraw(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	balance, withdrawn, canWithdraw, err := r.ledger.Withdraw(req.Context(), info.UserID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrInsufficientBalance):
			writeError(w, http.StatusBadRequest, "minimum balance not met")
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "account not found")
		default:
			r.logger.Error("withdrawal failed", "error", err, "user_id", info.UserID)
			writeError(w, http.StatusInternalServerError, "could not withdraw")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balance":     jsonAmount(balance),
		"withdrawn":   jsonAmount(withdrawn),
		"canWithdraw": canWithdraw,
	})
}

// handleKiwiwallCallback ingests payout notifications from the ad network.
// The contract is plain text, not JSON.
func (r *Router) handleKiwiwallCallback(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeText(w, http.StatusBadRequest, "could not read body")
		return
	}
	cb := reward.ParseCallback(req.URL.Query(), body)
	if err := r.reward.Payout(req.Context(), cb); err != nil {
		switch {
		case errors.Is(err, reward.ErrSecretNotConfigured):
			writeText(w, http.StatusInternalServerError, "callback secret not configured")
		case errors.Is(err, reward.ErrBadSecret):
			writeText(w, http.StatusForbidden, "invalid secret")
		case errors.Is(err, reward.ErrInvalidPayload), errors.Is(err, ledger.ErrAmountNotPositive):
			writeText(w, http.StatusBadRequest, "invalid params")
		case errors.Is(err, repository.ErrNotFound):
			writeText(w, http.StatusNotFound, "unknown subject")
		default:
			r.logger.Error("payout callback failed", "error", err)
			writeText(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeText(w, http.StatusOK, "OK")
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = "unreachable"
		} else {
			components["database"] = "ok"
		}
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "components": components})
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		} else if req.URL.Path == "/api/kiwiwall-callback" {
			actor = "ad-network"
		}
		fields = append(fields, "actor", actor)

		r.recordRequestMetrics(req.Method, req.URL.Path, status, duration)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}
