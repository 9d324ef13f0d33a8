package router

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"ploinky/internal/errs"
)

// sessionTTL and pendingAuthTTL per SPEC_FULL.md §4.H / spec.md §3
// "Session (router-side OIDC)".
const (
	sessionTTL     = 4 * time.Hour
	pendingAuthTTL = 5 * time.Minute
)

// oidcSession is one router-side OIDC session.
type oidcSession struct {
	ID               string
	User             string
	AccessToken      string
	RefreshToken     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
}

// pendingAuth is a single-use, state-keyed entry created on /auth/login
// and consumed by /auth/callback.
type pendingAuth struct {
	State     string
	Nonce     string
	CreatedAt time.Time
	Used      bool
}

// sessionStore owns both tables, with TTL sweep on access rather than a
// background goroutine, matching the "single-threaded queue-state"
// idiom used elsewhere in this codebase.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*oidcSession
	pending  map[string]*pendingAuth
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: map[string]*oidcSession{}, pending: map[string]*pendingAuth{}}
}

func (s *sessionStore) newPending() *pendingAuth {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepPendingLocked()
	p := &pendingAuth{State: uuid.NewString(), Nonce: uuid.NewString(), CreatedAt: time.Now()}
	s.pending[p.State] = p
	return p
}

// consumePending returns the pending entry for state if present, unused,
// and unexpired, marking it used (single-use) as a side effect.
func (s *sessionStore) consumePending(state string) (*pendingAuth, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepPendingLocked()
	p, ok := s.pending[state]
	if !ok || p.Used || time.Since(p.CreatedAt) > pendingAuthTTL {
		return nil, false
	}
	p.Used = true
	delete(s.pending, state)
	return p, true
}

func (s *sessionStore) sweepPendingLocked() {
	now := time.Now()
	for state, p := range s.pending {
		if now.Sub(p.CreatedAt) > pendingAuthTTL {
			delete(s.pending, state)
		}
	}
}

func (s *sessionStore) create(user, accessToken, refreshToken string) *oidcSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepSessionsLocked()
	now := time.Now()
	sess := &oidcSession{
		ID:               uuid.NewString(),
		User:             user,
		AccessToken:      accessToken,
		RefreshToken:      refreshToken,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(sessionTTL),
		RefreshExpiresAt: now.Add(sessionTTL),
	}
	s.sessions[sess.ID] = sess
	return sess
}

// get sweeps first (TTL enforcement on access) then looks up id.
func (s *sessionStore) get(id string) (*oidcSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepSessionsLocked()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *sessionStore) remove(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *sessionStore) sweepSessionsLocked() {
	now := time.Now()
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, id)
		}
	}
}

const sessionCookieName = "ploinky_session"

// handleLogin issues a pending-auth entry and redirects to the
// configured SSO provider's authorize endpoint. The provider's own
// internals are out of scope (Non-goals); this stub composes the
// redirect URL via the injected authorizeURL builder.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.oidcAuthorizeURL == nil {
		http.Error(w, "OIDC login not configured", http.StatusServiceUnavailable)
		return
	}
	p := s.sessions.newPending()
	http.Redirect(w, r, s.oidcAuthorizeURL(p.State, p.Nonce), http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	p, ok := s.sessions.consumePending(state)
	if !ok {
		http.Error(w, "invalid or expired auth state", http.StatusBadRequest)
		return
	}
	if s.oidcExchange == nil {
		http.Error(w, "OIDC login not configured", http.StatusServiceUnavailable)
		return
	}
	user, accessToken, refreshToken, err := s.oidcExchange(r.URL.Query().Get("code"), p.Nonce)
	if err != nil {
		writeJSONError(w, errs.Wrap(errs.Unavailable, "exchange auth code", err))
		return
	}
	sess := s.sessions.create(user, accessToken, refreshToken)
	http.SetCookie(w, &http.Cookie{Name: sessionCookieName, Value: sess.ID, Path: "/", HttpOnly: true, Expires: sess.ExpiresAt})
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		s.sessions.remove(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookieName, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}
