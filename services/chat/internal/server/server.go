package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"farmsmart/internal/ratelimit"
	"farmsmart/internal/usertoken"
	"farmsmart/internal/util"
	"farmsmart/pkg/agent"
	"farmsmart/services/chat/internal/app"
)

// turnWriteMargin covers storage and encoding after the inference reply.
const turnWriteMargin = 15 * time.Second

// TokenVerifier validates identity-provider ID tokens.
type TokenVerifier interface {
	Verify(token string) (usertoken.Identity, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  TokenVerifier
	Revoker        usertoken.Revoker
	TurnLimiter    *ratelimit.FixedWindowLimiter
	CORSOrigins    []string
	TrustedProxies *util.TrustedProxies
	MaxUploadBytes int64
	// TurnTimeout bounds the inference call; a turn's write deadline is
	// pushed past it so slow replies still reach the client.
	TurnTimeout time.Duration
	// HeartbeatInterval spaces SSE keep-alive comments.
	HeartbeatInterval time.Duration
}

// Server exposes HTTP endpoints for the chat service.
type Server struct {
	app            *app.App
	tokenVerifier  TokenVerifier
	revoker        usertoken.Revoker
	turnLimiter    *ratelimit.FixedWindowLimiter
	corsOrigins    []string
	trustedProxies *util.TrustedProxies
	maxUploadBytes int64
	turnDeadline   time.Duration
	heartbeat      time.Duration
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = cfg.App.UploadPolicy().MaxBytes
	}
	turnTimeout := cfg.TurnTimeout
	if turnTimeout <= 0 {
		turnTimeout = agent.DefaultTimeout
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		revoker:        cfg.Revoker,
		turnLimiter:    cfg.TurnLimiter,
		corsOrigins:    cfg.CORSOrigins,
		trustedProxies: cfg.TrustedProxies,
		maxUploadBytes: maxUpload,
		turnDeadline:   turnTimeout + turnWriteMargin,
		heartbeat:      heartbeat,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("chat", util.WithSecurityHeaders(s.trustedProxies, util.WithCORS(s.corsOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/api/chats", s.withUser(s.handleChats))
	s.mux.Handle("/api/chats/{id}", s.withUser(s.handleChatByID))
	s.mux.Handle("/api/chats/{id}/messages", s.withUser(s.handleChatMessages))
	s.mux.Handle("/api/chats/{id}/session", s.withUser(s.handleChatSession))
	s.mux.Handle("/api/chats/{id}/events", s.withUser(s.handleChatEvents))
	s.mux.Handle("/api/messages", s.withUser(s.handleNewMessage))
	s.mux.Handle("/api/agents", s.withUser(s.handleAgents))
	s.mux.Handle("/api/upload-policy", s.withUser(s.handleUploadPolicy))
	s.mux.Handle("/api/logout", s.withUser(s.handleLogout))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, string, usertoken.Identity)

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
			s.audit(r, "chat.auth", "fail", "reason", "invalid_token")
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
				s.audit(r, "chat.auth", "fail", "reason", "revoked", "user_id", user.UID)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", user.UID))
		next(w, r.WithContext(ctx), token, user)
	})
}

// /api/chats
func (s *Server) handleChats(w http.ResponseWriter, r *http.Request, _ string, user usertoken.Identity) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.app.ListConversations(r.Context(), user, r.URL.Query().Get("q"))
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
	case http.MethodPost:
		conversation, err := s.app.NewConversation(r.Context(), user)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, conversation)
	default:
		methodNotAllowed(w)
	}
}

// /api/chats/{id}
func (s *Server) handleChatByID(w http.ResponseWriter, r *http.Request, _ string, user usertoken.Identity) {
	id := r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		detail, err := s.app.GetConversation(r.Context(), user, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	case http.MethodDelete:
		if err := s.app.DeleteConversation(r.Context(), user, id); err != nil {
			writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

// /api/chats/{id}/session
func (s *Server) handleChatSession(w http.ResponseWriter, r *http.Request, _ string, user usertoken.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	session, err := s.app.ConversationSession(r.Context(), user, r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": session})
}

// /api/chats/{id}/messages
func (s *Server) handleChatMessages(w http.ResponseWriter, r *http.Request, _ string, user usertoken.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.sendTurn(w, r, user, r.PathValue("id"))
}

// /api/messages starts a new conversation unless the body names one.
func (s *Server) handleNewMessage(w http.ResponseWriter, r *http.Request, _ string, user usertoken.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.sendTurn(w, r, user, "")
}

func (s *Server) sendTurn(w http.ResponseWriter, r *http.Request, user usertoken.Identity, conversationID string) {
	if !s.allowTurn(w, r, user) {
		return
	}
	if err := http.NewResponseController(w).SetWriteDeadline(time.Now().Add(s.turnDeadline)); err != nil {
		util.LoggerFromContext(r.Context()).Warn("extend turn write deadline failed", "err", err)
	}
	req, err := s.decodeTurn(w, r)
	if errors.Is(err, app.ErrFileTooLarge) {
		writeAppError(w, r, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if conversationID != "" {
		req.ConversationID = conversationID
	}
	res, err := s.app.SendTurn(r.Context(), user, req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type turnRequest struct {
	ChatID   string `json:"chatId"`
	Message  string `json:"message"`
	Language string `json:"language"`
	Location string `json:"location"`
}

// decodeTurn accepts JSON or a multipart form with an optional "file" part.
func (s *Server) decodeTurn(w http.ResponseWriter, r *http.Request) (app.TurnRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var body turnRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
			return app.TurnRequest{}, errors.New("invalid JSON body")
		}
		return app.TurnRequest{
			ConversationID: body.ChatID,
			Text:           body.Message,
			Language:       body.Language,
			Location:       body.Location,
		}, nil
	}

	// Leave room for the text fields and multipart framing.
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return app.TurnRequest{}, fmt.Errorf("%w: request exceeds %d bytes", app.ErrFileTooLarge, s.maxUploadBytes)
		}
		return app.TurnRequest{}, errors.New("invalid form data")
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	req := app.TurnRequest{
		ConversationID: r.FormValue("chatId"),
		Text:           r.FormValue("message"),
		Language:       r.FormValue("language"),
		Location:       r.FormValue("location"),
	}
	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return req, nil
	}
	if err != nil {
		return app.TurnRequest{}, errors.New("invalid file part")
	}
	defer file.Close()
	// One byte past the ceiling is enough for the policy to reject it.
	data, err := io.ReadAll(io.LimitReader(file, s.maxUploadBytes+1))
	if err != nil {
		return app.TurnRequest{}, errors.New("read file part")
	}
	req.File = &app.FileInput{
		Name:     header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Data:     data,
	}
	return req, nil
}

// /api/agents
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request, _ string, _ usertoken.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	catalog, err := s.app.Agents(r.Context())
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("agent catalog failed", "err", err)
		writeError(w, http.StatusBadGateway, "agent service unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(catalog)
}

// /api/upload-policy
func (s *Server) handleUploadPolicy(w http.ResponseWriter, r *http.Request, _ string, _ usertoken.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	policy := s.app.UploadPolicy()
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       policy.Name,
		"maxBytes":   policy.MaxBytes,
		"extensions": policy.Extensions(),
	})
}

// /api/logout revokes the presented ID token until it expires.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, token string, user usertoken.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.revoker == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	ttl := time.Until(user.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Hour
	}
	if err := s.revoker.Revoke(r.Context(), token, ttl); err != nil {
		s.audit(r, "chat.logout", "fail", "user_id", user.UID, "reason", err.Error())
		writeError(w, http.StatusServiceUnavailable, "logout unavailable")
		return
	}
	s.audit(r, "chat.logout", "success", "user_id", user.UID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) allowTurn(w http.ResponseWriter, r *http.Request, user usertoken.Identity) bool {
	if s.turnLimiter == nil {
		return true
	}
	decision := s.turnLimiter.Allow(r.Context(), user.UID)
	if decision.Allowed {
		return true
	}
	retry := int(decision.RetryAfter.Round(time.Second) / time.Second)
	if retry < 1 {
		retry = 1
	}
	s.audit(r, "chat.turn", "rate_limited", "user_id", user.UID)
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusTooManyRequests, "too many messages, slow down")
	return false
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	attrs = append([]any{"path", r.URL.Path, "method", r.Method, "ip", util.ClientIP(r, s.trustedProxies)}, attrs...)
	util.Audit(r.Context(), event, outcome, attrs...)
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
	case errors.Is(err, app.ErrEmptyMessage),
		errors.Is(err, app.ErrEmptyFile),
		errors.Is(err, app.ErrUnsupportedFileType),
		errors.Is(err, app.ErrInvalidFile):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrFileTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, app.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrConversationForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrTurnInFlight):
		writeError(w, http.StatusConflict, "a message is already being sent in this conversation")
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
