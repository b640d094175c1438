package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"pairchat/internal/util"
	"pairchat/pkg/domain"
	"pairchat/services/chat/internal/app"
)

// TokenVerifier resolves a bearer token to the user it was issued for.
type TokenVerifier interface {
	VerifyUser(token string) (domain.ID, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier TokenVerifier
	// Files serves attachment bytes under /files/ when set.
	Files                http.Handler
	AllowedOrigins       []string
	WSInsecureSkipVerify bool
	// SendBuffer bounds queued outbound events per websocket connection.
	SendBuffer   int
	EventTimeout time.Duration
}

// Server exposes HTTP and websocket endpoints for the chat service.
type Server struct {
	app           *app.App
	tokenVerifier TokenVerifier
	files         http.Handler
	origins       []string
	originHosts   []string
	skipVerify    bool
	sendBuffer    int
	eventTimeout  time.Duration
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:           cfg.App,
		tokenVerifier: cfg.TokenVerifier,
		files:         cfg.Files,
		origins:       cfg.AllowedOrigins,
		skipVerify:    cfg.WSInsecureSkipVerify,
		sendBuffer:    cfg.SendBuffer,
		eventTimeout:  cfg.EventTimeout,
		mux:           http.NewServeMux(),
	}
	s.originHosts, s.skipVerify = originPatterns(cfg.AllowedOrigins, cfg.WSInsecureSkipVerify)
	if s.sendBuffer <= 0 {
		s.sendBuffer = defaultSendBuffer
	}
	if s.eventTimeout <= 0 {
		s.eventTimeout = defaultEventTimeout
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("chat", util.WithSecurityHeaders(util.WithCORS(s.origins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/users", s.withUser(s.handleUsers))
	s.mux.Handle("/messages/{userId1}/{userId2}", s.withUser(s.handleMessages))
	s.mux.HandleFunc("/ws", s.handleWS)
	if s.files != nil {
		s.mux.Handle("/files/", http.StripPrefix("/files", s.files))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Ping(r.Context()); err != nil {
		util.LoggerFromContext(r.Context()).Warn("health check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.ID)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.tokenVerifier.VerifyUser(token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Debug("token rejected", "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

// handleMessages returns the full thread between the two path users.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, caller domain.ID) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	user1, err1 := domain.ParseID(r.PathValue("userId1"))
	user2, err2 := domain.ParseID(r.PathValue("userId2"))
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	msgs, err := s.app.Conversation(r.Context(), caller, user1, user2)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request, _ domain.ID) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	entries, err := s.app.Directory(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, app.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, app.PublicReason(err))
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
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
