package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/ongoingai/agenttrace/internal/collector"
)

// sessionStore authenticates collector requests by API key or by a session
// token issued from the login endpoint. With no credentials configured every
// request is accepted.
type sessionStore struct {
	apiKey      string
	username    string
	password    string
	workspaceID string

	mu     sync.RWMutex
	tokens map[string]struct{}
}

func newSessionStore(apiKey, username, password, workspaceID string) *sessionStore {
	return &sessionStore{
		apiKey:      strings.TrimSpace(apiKey),
		username:    strings.TrimSpace(username),
		password:    password,
		workspaceID: strings.TrimSpace(workspaceID),
		tokens:      make(map[string]struct{}),
	}
}

func (s *sessionStore) open() bool {
	return s.apiKey == "" && s.username == ""
}

func (s *sessionStore) login(username, password string) (string, bool) {
	if s.username == "" {
		return "", false
	}
	userOK := subtle.ConstantTimeCompare([]byte(strings.TrimSpace(username)), []byte(s.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.password)) == 1
	if !userOK || !passOK {
		return "", false
	}
	token := uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = struct{}{}
	s.mu.Unlock()
	return token, true
}

func (s *sessionStore) valid(token string) bool {
	if token == "" {
		return false
	}
	if s.apiKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) == 1 {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tokens[token]
	return ok
}

func (s *sessionStore) require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.open() && !s.valid(bearerToken(r)) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if s.workspaceID != "" && strings.TrimSpace(r.Header.Get("X-Workspace-ID")) != s.workspaceID {
			writeError(w, http.StatusForbidden, "workspace mismatch")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func LoginHandler(sessions *sessionStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		var req collector.LoginRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if sessions.username == "" {
			writeError(w, http.StatusNotFound, "password login is not enabled")
			return
		}
		token, ok := sessions.login(req.Username, req.Password)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		var resp collector.LoginResponse
		resp.Data.Token = token
		writeJSON(w, http.StatusOK, resp)
	})
}
