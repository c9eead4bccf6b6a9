// Package oidctest provides an in-process identity provider for tests.
// It implements discovery, JWKS, the token endpoint with PKCE
// verification, and optionally end session and revocation.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

const (
	ClientID     = "nightwatch"
	ClientSecret = "nightwatch-secret"
	Subject      = "5b7c3e0e-3f5e-4d51-9a6b-1c2d3e4f5a6b"
	keyID        = "test-key"
)

type Server struct {
	*httptest.Server

	key *rsa.PrivateKey

	endSession bool
	revocation bool
	expiresIn  int
	badAtHash  bool
	padding    int

	failDiscovery atomic.Bool
	discoveryHits atomic.Int32
	tokenHits     atomic.Int32
	revokedTokens sync.Map

	mu    sync.Mutex
	codes map[string]grant
}

type grant struct {
	challenge   string
	redirectURI string
}

type Option func(*Server)

// WithoutEndSession removes end_session_endpoint from the metadata.
func WithoutEndSession() Option {
	return func(s *Server) { s.endSession = false }
}

// WithRevocation advertises a revocation endpoint.
func WithRevocation() Option {
	return func(s *Server) { s.revocation = true }
}

// WithExpiresIn sets expires_in of token responses. Zero omits it.
func WithExpiresIn(seconds int) Option {
	return func(s *Server) { s.expiresIn = seconds }
}

// WithAccessTokenPadding adds a claim of n bytes to issued access tokens.
func WithAccessTokenPadding(n int) Option {
	return func(s *Server) { s.padding = n }
}

// WithBadAtHash issues ID tokens whose at_hash does not match the access token.
func WithBadAtHash() Option {
	return func(s *Server) { s.badAtHash = true }
}

func StartServer(t testing.TB, opts ...Option) *Server {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating rsa key: %v", err)
	}

	s := &Server{
		key:        key,
		endSession: true,
		expiresIn:  1800,
		codes:      make(map[string]grant),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", s.handleDiscovery)
	mux.HandleFunc("GET /jwks", s.handleJWKS)
	mux.HandleFunc("POST /token", s.handleToken)
	mux.HandleFunc("POST /revoke", s.handleRevoke)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)

	return s
}

// SetFailDiscovery makes the discovery endpoint fail until reset.
func (s *Server) SetFailDiscovery(fail bool) {
	s.failDiscovery.Store(fail)
}

func (s *Server) DiscoveryHits() int { return int(s.discoveryHits.Load()) }
func (s *Server) TokenHits() int     { return int(s.tokenHits.Load()) }

func (s *Server) Revoked(token string) bool {
	_, ok := s.revokedTokens.Load(token)
	return ok
}

// Authorize plays the user approving the login at the authorization
// URL. It records the code challenge and returns the authorization code
// and the state to send to the callback.
func (s *Server) Authorize(t testing.TB, authURL string) (code, state string) {
	t.Helper()

	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parsing auth url: %v", err)
	}
	q := u.Query()
	if q.Get("code_challenge_method") != "S256" {
		t.Fatalf("unexpected code_challenge_method %q", q.Get("code_challenge_method"))
	}

	code = uuid.NewString()
	s.mu.Lock()
	s.codes[code] = grant{challenge: q.Get("code_challenge"), redirectURI: q.Get("redirect_uri")}
	s.mu.Unlock()

	return code, q.Get("state")
}

// AccessToken returns a valid signed access token issued by the server.
func (s *Server) AccessToken(t testing.TB) string {
	t.Helper()

	tok, err := s.sign(jwt.Claims{
		Issuer:   s.URL,
		Subject:  Subject,
		Audience: jwt.Audience{"dashboard"},
		IssuedAt: jwt.NewNumericDate(time.Now()),
		Expiry:   jwt.NewNumericDate(time.Now().Add(time.Hour)),
		ID:       uuid.NewString(),
	}, nil)
	if err != nil {
		t.Fatalf("signing access token: %v", err)
	}

	return tok
}

func (s *Server) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	s.discoveryHits.Add(1)
	if s.failDiscovery.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conf := map[string]any{
		"issuer":                                s.URL,
		"authorization_endpoint":                s.URL + "/authorize",
		"token_endpoint":                        s.URL + "/token",
		"jwks_uri":                              s.URL + "/jwks",
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
		"response_types_supported":              []string{"code"},
	}
	if s.endSession {
		conf["end_session_endpoint"] = s.URL + "/logout"
	}
	if s.revocation {
		conf["revocation_endpoint"] = s.URL + "/revoke"
	}

	writeJSON(w, http.StatusOK, conf)
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &s.key.PublicKey,
		KeyID:     keyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.tokenHits.Add(1)

	if err := r.ParseForm(); err != nil {
		tokenError(w, "invalid_request")
		return
	}
	if !s.clientAuthenticated(r) {
		tokenError(w, "invalid_client")
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		tokenError(w, "unsupported_grant_type")
		return
	}

	s.mu.Lock()
	g, ok := s.codes[r.PostForm.Get("code")]
	delete(s.codes, r.PostForm.Get("code"))
	s.mu.Unlock()

	if !ok || g.redirectURI != r.PostForm.Get("redirect_uri") {
		tokenError(w, "invalid_grant")
		return
	}

	sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != g.challenge {
		tokenError(w, "invalid_grant")
		return
	}

	var extra map[string]any
	if s.padding > 0 {
		extra = map[string]any{"pad": strings.Repeat("x", s.padding)}
	}

	now := time.Now()
	accessToken, err := s.sign(jwt.Claims{
		Issuer:   s.URL,
		Subject:  Subject,
		Audience: jwt.Audience{"dashboard"},
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(time.Hour)),
		ID:       uuid.NewString(),
	}, extra)
	if err != nil {
		tokenError(w, "server_error")
		return
	}

	atHash := accessTokenHash(accessToken)
	if s.badAtHash {
		atHash = accessTokenHash("something else")
	}
	idToken, err := s.sign(jwt.Claims{
		Issuer:   s.URL,
		Subject:  Subject,
		Audience: jwt.Audience{ClientID},
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(time.Hour)),
	}, map[string]any{
		"at_hash": atHash,
		"email":   "ada@example.com",
		"name":    "Ada Lovelace",
	})
	if err != nil {
		tokenError(w, "server_error")
		return
	}

	resp := map[string]any{
		"access_token": accessToken,
		"id_token":     idToken,
		"token_type":   "Bearer",
	}
	if s.expiresIn > 0 {
		resp["expires_in"] = s.expiresIn
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if !s.revocation {
		http.NotFound(w, r)
		return
	}
	if err := r.ParseForm(); err != nil || !s.clientAuthenticated(r) {
		tokenError(w, "invalid_client")
		return
	}

	s.revokedTokens.Store(r.PostForm.Get("token"), struct{}{})
	w.WriteHeader(http.StatusOK)
}

func (s *Server) clientAuthenticated(r *http.Request) bool {
	id, secret, ok := r.BasicAuth()
	if ok {
		id, _ = url.QueryUnescape(id)
		secret, _ = url.QueryUnescape(secret)
	} else {
		id, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}

	return id == ClientID && secret == ClientSecret
}

func (s *Server) sign(claims jwt.Claims, extra map[string]any) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: s.key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", keyID),
	)
	if err != nil {
		return "", err
	}

	builder := jwt.Signed(signer).Claims(claims)
	if extra != nil {
		builder = builder.Claims(extra)
	}

	return builder.Serialize()
}

func accessTokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

func tokenError(w http.ResponseWriter, code string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
