package router

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"ploinky/internal/errs"
)

// componentTokens holds the per-web-UI-component access token (a 64-char
// hex string), auto-generated on first use and rotatable.
type componentTokens struct {
	mu     sync.Mutex
	tokens map[string]string // component -> token
}

func newComponentTokens() *componentTokens {
	return &componentTokens{tokens: map[string]string{}}
}

func (c *componentTokens) tokenFor(component string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tok, ok := c.tokens[component]; ok {
		return tok, nil
	}
	tok, err := generateToken()
	if err != nil {
		return "", err
	}
	c.tokens[component] = tok
	return tok, nil
}

// Rotate replaces component's token and returns the new value.
func (c *componentTokens) Rotate(component string) (string, error) {
	tok, err := generateToken()
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.tokens[component] = tok
	c.mu.Unlock()
	return tok, nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", errs.Wrap(errs.Fatal, "generate component token", err)
	}
	return hex.EncodeToString(buf), nil
}

// requireComponentToken is the query-parameter auth gate for the web
// UIs (WebTTY, WebChat, Dashboard, WebMeet), per §4.H.
func (s *Server) requireComponentToken(component string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected, err := s.tokens.tokenFor(component)
		if err != nil {
			writeJSONError(w, err)
			return
		}
		if r.URL.Query().Get("token") != expected {
			http.Error(w, "invalid or missing token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// jwksCache is a single-entry TTL cache over a JWKS document: one
// automatic forced refresh on key-id miss, then a hard failure — no
// unbounded retry storm against the provider, per SPEC_FULL.md §4.H.
type jwksCache struct {
	mu        sync.Mutex
	fetchedAt time.Time
	ttl       time.Duration
	keys      map[string]*rsa.PublicKey
	fetch     func() (map[string]*rsa.PublicKey, error)
}

func newJWKSCache(ttl time.Duration, fetch func() (map[string]*rsa.PublicKey, error)) *jwksCache {
	return &jwksCache{ttl: ttl, fetch: fetch}
}

func (j *jwksCache) keyFor(kid string) (*rsa.PublicKey, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if key, ok := j.lookupLocked(kid); ok {
		return key, nil
	}
	if err := j.refreshLocked(); err != nil {
		return nil, err
	}
	if key, ok := j.lookupLocked(kid); ok {
		return key, nil
	}
	return nil, errs.New(errs.Unavailable, "no JWKS key for kid "+kid)
}

func (j *jwksCache) lookupLocked(kid string) (*rsa.PublicKey, bool) {
	if j.keys == nil || time.Since(j.fetchedAt) > j.ttl {
		return nil, false
	}
	key, ok := j.keys[kid]
	return key, ok
}

func (j *jwksCache) refreshLocked() error {
	keys, err := j.fetch()
	if err != nil {
		return errs.Wrap(errs.Unavailable, "fetch JWKS", err)
	}
	j.keys = keys
	j.fetchedAt = time.Now()
	return nil
}

// ssoClientCredentialsValidator validates client_id/client_secret
// against the configured SSO provider's client-credentials grant.
type ssoClientCredentialsValidator func(clientID, clientSecret string) (token string, expiresIn time.Duration, err error)

type agentTokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type agentTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (s *Server) handleAgentToken(w http.ResponseWriter, r *http.Request) {
	var req agentTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if s.ssoValidate == nil {
		http.Error(w, "agent-to-agent OAuth not configured", http.StatusServiceUnavailable)
		return
	}
	token, expiresIn, err := s.ssoValidate(req.ClientID, req.ClientSecret)
	if err != nil {
		http.Error(w, "invalid client credentials", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(agentTokenResponse{AccessToken: token, ExpiresIn: int64(expiresIn.Seconds()), TokenType: "Bearer"})
}

// validateClaims enforces issuer, audience, expiry (30s skew),
// not-before, and (for interactive flows) nonce, per §4.H.
func validateClaims(claims jwt.MapClaims, issuer, audience, expectedNonce string) error {
	now := time.Now()
	const skew = 30 * time.Second

	if iss, _ := claims["iss"].(string); iss != issuer {
		return errs.New(errs.Validation, "unexpected issuer")
	}
	if !audienceMatches(claims["aud"], audience) {
		return errs.New(errs.Validation, "unexpected audience")
	}
	if expF, ok := claims["exp"].(float64); ok {
		if time.Unix(int64(expF), 0).Add(skew).Before(now) {
			return errs.New(errs.Validation, "token expired")
		}
	}
	if nbfF, ok := claims["nbf"].(float64); ok {
		if time.Unix(int64(nbfF), 0).After(now.Add(skew)) {
			return errs.New(errs.Validation, "token not yet valid")
		}
	}
	if expectedNonce != "" {
		if nonce, _ := claims["nonce"].(string); nonce != expectedNonce {
			return errs.New(errs.Validation, "nonce mismatch")
		}
	}
	return nil
}

func audienceMatches(aud any, expected string) bool {
	switch v := aud.(type) {
	case string:
		return v == expected
	case []any:
		for _, a := range v {
			if s, ok := a.(string); ok && s == expected {
				return true
			}
		}
	}
	return false
}

// authenticateAgentCaller requires and verifies a Bearer token issued by
// POST /auth/agent-token before a proxied agent-to-agent call proceeds.
func (s *Server) authenticateAgentCaller(r *http.Request) error {
	token := bearerFromContext(r)
	if token == "" {
		return errs.New(errs.Validation, "missing bearer token")
	}
	claims, err := verifyJWT(token, s.jwks)
	if err != nil {
		return err
	}
	return validateClaims(claims, s.tokenIssuer, s.tokenAudience, "")
}

// verifyJWT parses and verifies an RS256 token's signature using the
// JWKS cache, then returns its claims for validateClaims to inspect.
func verifyJWT(tokenString string, cache *jwksCache) (jwt.MapClaims, error) {
	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errs.New(errs.Validation, "unexpected signing method")
		}
		kid, _ := t.Header["kid"].(string)
		return cache.keyFor(kid)
	})
	if err != nil {
		return nil, errs.Wrap(errs.Validation, "verify JWT", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, errs.New(errs.Validation, "invalid JWT claims")
	}
	return claims, nil
}
