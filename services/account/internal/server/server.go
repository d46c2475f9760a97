package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"farmsmart/internal/ratelimit"
	"farmsmart/internal/usertoken"
	"farmsmart/internal/util"
	"farmsmart/pkg/domain"
	"farmsmart/services/account/internal/app"
)

// TokenVerifier validates identity-provider ID tokens.
type TokenVerifier interface {
	Verify(token string) (usertoken.Identity, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App             *app.App
	TokenVerifier   TokenVerifier
	Revoker         usertoken.Revoker
	CheckoutLimiter *ratelimit.FixedWindowLimiter
	CORSOrigins     []string
	TrustedProxies  *util.TrustedProxies
}

// Server exposes HTTP endpoints for profiles, dashboards and billing.
type Server struct {
	app             *app.App
	tokenVerifier   TokenVerifier
	revoker         usertoken.Revoker
	checkoutLimiter *ratelimit.FixedWindowLimiter
	corsOrigins     []string
	trustedProxies  *util.TrustedProxies
	mux             *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:             cfg.App,
		tokenVerifier:   cfg.TokenVerifier,
		revoker:         cfg.Revoker,
		checkoutLimiter: cfg.CheckoutLimiter,
		corsOrigins:     cfg.CORSOrigins,
		trustedProxies:  cfg.TrustedProxies,
		mux:             http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("account", util.WithSecurityHeaders(s.trustedProxies, util.WithCORS(s.corsOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/api/profile", s.withUser(s.handleProfile))
	s.mux.Handle("/api/dashboard", s.withUser(s.handleDashboard))
	s.mux.Handle("/api/create-checkout-session", s.withUser(s.handleCreateCheckout))
	s.mux.Handle("/api/billing/return", s.withUser(s.handleBillingReturn))
	// Signed by the payment provider, no bearer token.
	s.mux.HandleFunc("/api/billing/webhook", s.handleWebhook)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, usertoken.Identity)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenVerifier == nil {
			writeError(w, http.StatusInternalServerError, "token verifier not configured")
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.tokenVerifier.Verify(token)
		if err != nil {
			s.app.Observe(r.Context(), "account.auth", "fail", s.clientIP(r), "reason", "invalid_token", "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if s.revoker != nil {
			revoked, err := s.revoker.IsRevoked(r.Context(), token)
			if err != nil {
				writeError(w, http.StatusServiceUnavailable, "token check unavailable")
				return
			}
			if revoked {
				s.app.Observe(r.Context(), "account.auth", "fail", s.clientIP(r), "reason", "revoked", "user_id", user.UID)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", user.UID))
		next(w, r.WithContext(ctx), user)
	})
}

// /api/profile
func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, user usertoken.Identity) {
	switch r.Method {
	case http.MethodGet:
		profile, err := s.app.GetProfile(r.Context(), user)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	case http.MethodPatch, http.MethodPut:
		var patch app.ProfilePatch
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		profile, err := s.app.UpdateProfile(r.Context(), user, patch)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	default:
		methodNotAllowed(w)
	}
}

// /api/dashboard
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request, user usertoken.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	dashboard, err := s.app.Dashboard(r.Context(), user)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dashboard)
}

type checkoutRequest struct {
	Plan string `json:"plan"`
}

// /api/create-checkout-session
func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request, user usertoken.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowCheckout(w, r) {
		return
	}
	var body checkoutRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	plan := domain.Plan(strings.ToLower(strings.TrimSpace(body.Plan)))
	url, err := s.app.CreateCheckoutSession(r.Context(), user, plan)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// /api/billing/return?premium=true&session_id=...
func (s *Server) handleBillingReturn(w http.ResponseWriter, r *http.Request, user usertoken.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	premium, _ := strconv.ParseBool(q.Get("premium"))
	profile, err := s.app.ConfirmReturn(r.Context(), user, app.ReturnRequest{
		Premium:   premium,
		SessionID: q.Get("session_id"),
		Plan:      domain.Plan(strings.ToLower(strings.TrimSpace(q.Get("plan")))),
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// /api/billing/webhook
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	if err := s.app.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (s *Server) allowCheckout(w http.ResponseWriter, r *http.Request) bool {
	if s.checkoutLimiter == nil {
		return true
	}
	ip := s.clientIP(r)
	decision := s.checkoutLimiter.Allow(r.Context(), ip)
	if decision.Allowed {
		return true
	}
	retry := int(decision.RetryAfter.Round(time.Second) / time.Second)
	if retry < 1 {
		retry = 1
	}
	s.app.Observe(r.Context(), "billing.checkout", "rate_limited", ip, "path", r.URL.Path)
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusTooManyRequests, "too many checkout attempts, try again later")
	return false
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trustedProxies)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidPlan),
		errors.Is(err, app.ErrDisplayNameRequired),
		errors.Is(err, app.ErrInvalidDisplayName),
		errors.Is(err, app.ErrInvalidPhotoURL),
		errors.Is(err, app.ErrInvalidDOB),
		errors.Is(err, app.ErrInvalidWebhook):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrPaymentNotVerified):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, app.ErrBillingUnavailable):
		util.LoggerFromContext(r.Context()).Error("billing failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "billing unavailable")
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
