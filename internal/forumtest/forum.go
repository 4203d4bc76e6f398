// Package forumtest runs an in-process fake of the forum's session endpoints.
package forumtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
)

// SessionCookie is the cookie that marks an authenticated browser.
const SessionCookie = "_t"

// Forum is a fake forum with CSRF, login, and current-session endpoints.
type Forum struct {
	server *httptest.Server

	mu          sync.Mutex
	users       map[string]string
	sessions    map[string]string
	tokens      []string
	pending     string
	logins      int
	lastHeaders http.Header
	csrfStatus  int
	loginStatus int
}

// New starts a fake forum accepting the given username/password pairs. The
// server is closed when the test ends.
func New(t testing.TB, users map[string]string) *Forum {
	t.Helper()
	f := &Forum{
		users:    users,
		sessions: make(map[string]string),
	}
	r := chi.NewRouter()
	r.Get("/session/csrf", f.handleCSRF)
	r.Post("/session", f.handleLogin)
	r.Get("/session/current.json", f.handleCurrent)
	f.server = httptest.NewServer(r)
	t.Cleanup(f.server.Close)
	return f
}

// URL returns the forum origin.
func (f *Forum) URL() string { return f.server.URL }

// Close stops the server early so transports fail.
func (f *Forum) Close() { f.server.Close() }

// FailCSRF makes the token endpoint answer with status.
func (f *Forum) FailCSRF(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.csrfStatus = status
}

// FailLogin makes the login endpoint answer with status.
func (f *Forum) FailLogin(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginStatus = status
}

// IssuedTokens lists every CSRF token handed out, in order.
func (f *Forum) IssuedTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

// LoginAttempts counts POSTs to the login endpoint.
func (f *Forum) LoginAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

// LastLoginHeaders returns the headers of the most recent login request.
func (f *Forum) LastLoginHeaders() http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastHeaders.Clone()
}

// SessionUser resolves a session cookie value to its username.
func (f *Forum) SessionUser(value string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.sessions[value]
	return user, ok
}

func (f *Forum) handleCSRF(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	status := f.csrfStatus
	token := ""
	if status == 0 {
		token = fmt.Sprintf("csrf-token-%04d", len(f.tokens)+1)
		f.tokens = append(f.tokens, token)
		f.pending = token
	}
	f.mu.Unlock()

	if status != 0 {
		http.Error(w, "unavailable", status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"csrf": token})
}

func (f *Forum) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.logins++
	f.lastHeaders = r.Header.Clone()
	status := f.loginStatus
	tokenOK := f.pending != "" && r.Header.Get("X-CSRF-Token") == f.pending
	f.pending = ""
	username := r.PostForm.Get("login")
	password, known := f.users[username]
	authOK := known && password == r.PostForm.Get("password")
	var sessionValue string
	if status == 0 && tokenOK && authOK {
		sessionValue = fmt.Sprintf("session-%s-%d", username, f.logins)
		f.sessions[sessionValue] = username
	}
	f.mu.Unlock()

	switch {
	case status != 0:
		http.Error(w, "blocked", status)
	case !tokenOK:
		http.Error(w, `["BAD CSRF"]`, http.StatusForbidden)
	case !authOK:
		writeJSON(w, http.StatusOK, map[string]string{"error": "Incorrect username, email or password"})
	default:
		http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: sessionValue, Path: "/", HttpOnly: true})
		http.SetCookie(w, &http.Cookie{Name: "_forum_session", Value: "fs-" + sessionValue, Path: "/"})
		writeJSON(w, http.StatusOK, map[string]any{"user": map[string]string{"username": username}})
	}
}

func (f *Forum) handleCurrent(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	user, ok := f.SessionUser(cookie.Value)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"current_user": map[string]any{"id": 1, "username": user},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
