// Package session is the authentication gate of the dashboard. It lets
// exempt paths through, admits requests carrying a valid session cookie
// and starts an OIDC authorization code flow with PKCE for everything
// else. It also serves the login callback and the logout endpoint.
package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/openkcm/nightwatch/internal/authstate"
	"github.com/openkcm/nightwatch/internal/oidc"
	"github.com/openkcm/nightwatch/internal/pkce"
	"github.com/openkcm/nightwatch/internal/revocation"
	"github.com/openkcm/nightwatch/internal/serviceerr"
	"github.com/openkcm/nightwatch/pkg/csrf"
	"github.com/openkcm/nightwatch/pkg/fingerprint"

	slogctx "github.com/veqryn/slog-context"
)

const (
	CallbackPath = "/auth/callback"
	LogoutPath   = "/auth/logout"

	// AuthFailedPath is where a failed code exchange lands.
	AuthFailedPath = "/?error=auth_failed"
)

// IdentityProvider is the part of the OIDC client used by the gate.
type IdentityProvider interface {
	AuthCodeURL(ctx context.Context, state, codeChallenge string) (string, error)
	Exchange(ctx context.Context, code, codeVerifier string) (oidc.Token, error)
	EndSessionURL(ctx context.Context, postLogoutRedirectURI string) (string, error)
	RevokeToken(ctx context.Context, accessToken string) error
	VerifyAccessToken(ctx context.Context, accessToken string) error
}

type Manager struct {
	idp      IdentityProvider
	cookies  *authstate.Store
	denylist revocation.Denylist
	pkce     pkce.Source

	origin            string
	csrfSecret        []byte
	verifyAccessToken bool
}

type Option func(*Manager)

// WithAccessTokenVerification verifies the access token as a JWT on every request.
func WithAccessTokenVerification(verify bool) Option {
	return func(m *Manager) {
		m.verifyAccessToken = verify
	}
}

// NewManager returns the gate. The public origin of the dashboard is
// taken from the configured callback URI and never from request headers.
func NewManager(
	idp IdentityProvider,
	cookies *authstate.Store,
	denylist revocation.Denylist,
	redirectURI string,
	csrfSecret []byte,
	opts ...Option,
) (*Manager, error) {
	if len(csrfSecret) < 32 {
		return nil, errors.New("CSRF secret must be at least 32 bytes")
	}

	callbackURL, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("parsing redirect URI: %w", err)
	}
	if callbackURL.Scheme == "" || callbackURL.Host == "" {
		return nil, fmt.Errorf("redirect URI %q must be absolute", redirectURI)
	}

	m := &Manager{
		idp:        idp,
		cookies:    cookies,
		denylist:   denylist,
		origin:     callbackURL.Scheme + "://" + callbackURL.Host,
		csrfSecret: csrfSecret,
	}
	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// IsExempt reports whether path bypasses the gate.
func IsExempt(path string) bool {
	return strings.HasPrefix(path, "/auth") ||
		strings.HasPrefix(path, "/_app") ||
		path == "/favicon.ico" ||
		strings.HasPrefix(path, "/static")
}

// Middleware admits authenticated requests and redirects everything
// else to the identity provider.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IsExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()

		sess, err := m.cookies.Session(r)
		if err == nil {
			ok, err := m.admit(ctx, sess)
			if err != nil {
				slogctx.Error(ctx, "Failed to check the session", "error", err)
				serviceerr.WriteJSON(w, err)
				return
			}
			if ok {
				next.ServeHTTP(w, r.WithContext(WithSession(ctx, sess)))
				return
			}
		}

		m.startLogin(w, r)
	})
}

func (m *Manager) admit(ctx context.Context, sess authstate.Session) (bool, error) {
	revoked, err := m.denylist.IsRevoked(ctx, sess.AccessToken)
	if err != nil {
		return false, fmt.Errorf("checking the denylist: %w", err)
	}
	if revoked {
		slogctx.Info(ctx, "Rejected a revoked session")
		return false, nil
	}

	if m.verifyAccessToken {
		if err := m.idp.VerifyAccessToken(ctx, sess.AccessToken); err != nil {
			if errors.Is(err, serviceerr.ErrInvalidOIDCProvider) {
				return false, err
			}
			slogctx.Info(ctx, "Rejected a session with an invalid access token", "error", err)
			return false, nil
		}
	}

	return true, nil
}

func (m *Manager) startLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pk := m.pkce.PKCE()
	state := m.pkce.State()

	authURL, err := m.idp.AuthCodeURL(ctx, state, pk.Challenge)
	if err != nil {
		slogctx.Error(ctx, "Failed to build the authorization URL", "error", err)
		serviceerr.WriteJSON(w, err)
		return
	}

	if err := m.cookies.SetLogin(w, requestFingerprint(r), authstate.Login{
		Verifier: pk.Verifier,
		State:    state,
	}); err != nil {
		slogctx.Error(ctx, "Failed to store the login state", "error", err)
		serviceerr.WriteJSON(w, err)
		return
	}

	slogctx.Debug(ctx, "Redirecting to the identity provider", "path", r.URL.Path)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// CallbackHandler finishes the login started by the middleware.
func (m *Manager) CallbackHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		login, err := m.cookies.Login(r, requestFingerprint(r))
		if err != nil {
			slogctx.Warn(ctx, "Login flow expired or was started elsewhere", "error", err)
			m.cookies.ClearAll(w)
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}

		// the login state is single use whatever the outcome
		m.cookies.ClearLogin(w)

		tok, err := m.exchange(ctx, r.URL.Query(), login)
		if err != nil {
			if errors.Is(err, serviceerr.ErrInvalidOIDCProvider) {
				serviceerr.WriteJSON(w, err)
				return
			}
			slogctx.Warn(ctx, "Login failed", "error", err)
			http.Redirect(w, r, AuthFailedPath, http.StatusFound)
			return
		}

		lifetime := tok.Lifetime()
		if err := m.cookies.SetSession(w, tok.AccessToken, lifetime); err != nil {
			slogctx.Warn(ctx, "Login failed", "error", err)
			http.Redirect(w, r, AuthFailedPath, http.StatusFound)
			return
		}

		csrfToken := csrf.NewToken(csrf.SessionID(tok.AccessToken), m.csrfSecret)
		if err := m.cookies.SetCSRF(w, csrfToken, lifetime); err != nil {
			slogctx.Error(ctx, "Failed to set the CSRF cookie", "error", err)
			serviceerr.WriteJSON(w, err)
			return
		}

		slogctx.Info(ctx, "User logged in", "subject", tok.Claims.Subject)
		http.Redirect(w, r, "/", http.StatusFound)
	})
}

func (m *Manager) exchange(ctx context.Context, q url.Values, login authstate.Login) (oidc.Token, error) {
	if e := q.Get("error"); e != "" {
		return oidc.Token{}, fmt.Errorf("identity provider returned %q", e)
	}

	if subtle.ConstantTimeCompare([]byte(q.Get("state")), []byte(login.State)) != 1 {
		return oidc.Token{}, errors.New("state mismatch")
	}

	code := q.Get("code")
	if code == "" {
		return oidc.Token{}, errors.New("missing authorization code")
	}

	return m.idp.Exchange(ctx, code, login.Verifier)
}

// LogoutHandler ends the local session and the session at the identity
// provider.
func (m *Manager) LogoutHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if r.URL.Query().Get("logged_out") == "true" {
			m.cookies.ClearAll(w)
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}

		if sess, err := m.cookies.Session(r); err == nil {
			m.revoke(ctx, sess)
		}
		m.cookies.ClearAll(w)

		endSessionURL, err := m.idp.EndSessionURL(ctx, m.origin+LogoutPath+"?logged_out=true")
		switch {
		case errors.Is(err, serviceerr.ErrInvalidOIDCProvider):
			serviceerr.WriteJSON(w, err)
		case err != nil:
			slogctx.Warn(ctx, "Could not build the end session URL", "error", err)
			http.Redirect(w, r, "/", http.StatusFound)
		default:
			http.Redirect(w, r, endSessionURL, http.StatusFound)
		}
	})
}

func (m *Manager) revoke(ctx context.Context, sess authstate.Session) {
	if err := m.denylist.Revoke(ctx, sess.AccessToken, sess.Expiry); err != nil {
		slogctx.Error(ctx, "Failed to denylist the access token", "error", err)
	}

	if err := m.idp.RevokeToken(ctx, sess.AccessToken); err != nil {
		slogctx.Warn(ctx, "Failed to revoke the access token at the identity provider", "error", err)
	}
}

// RequireCSRF rejects state changing requests without a valid CSRF
// token header. It must run behind Middleware.
func (m *Manager) RequireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		sess, ok := FromContext(r.Context())
		if !ok || !csrf.Validate(r.Header.Get(csrf.HeaderName), csrf.SessionID(sess.AccessToken), m.csrfSecret) {
			slogctx.Warn(r.Context(), "Rejected request with a missing or invalid CSRF token")
			serviceerr.WriteJSON(w, serviceerr.ErrInvalidCSRFToken)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func requestFingerprint(r *http.Request) string {
	if fp, err := fingerprint.ExtractFingerprint(r.Context()); err == nil {
		return fp
	}

	fp, _ := fingerprint.FromHTTPRequest(r)

	return fp
}
