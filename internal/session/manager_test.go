package session_test

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/nightwatch/internal/authstate"
	"github.com/openkcm/nightwatch/internal/oidc"
	"github.com/openkcm/nightwatch/internal/oidc/oidctest"
	"github.com/openkcm/nightwatch/internal/revocation"
	"github.com/openkcm/nightwatch/internal/session"
	"github.com/openkcm/nightwatch/pkg/csrf"
)

const (
	redirectURI = "https://nightwatch.example.com/auth/callback"
	userAgent   = "Mozilla/5.0 (test)"
)

var (
	cookieKey  = []byte("0123456789abcdef0123456789abcdef")
	csrfSecret = []byte("fedcba9876543210fedcba9876543210")
)

type gate struct {
	manager  *session.Manager
	cookies  *authstate.Store
	denylist revocation.Denylist
	handler  http.Handler
	reached  []string
}

func newGate(t *testing.T, idp *oidctest.Server, opts ...session.Option) *gate {
	t.Helper()

	client := oidc.NewClient(idp.URL, oidctest.ClientID, oidctest.ClientSecret, redirectURI)
	cookies, err := authstate.NewStore(cookieKey, true)
	require.NoError(t, err)
	denylist := revocation.NewMemory()

	manager, err := session.NewManager(client, cookies, denylist, redirectURI, csrfSecret, opts...)
	require.NoError(t, err)

	g := &gate{manager: manager, cookies: cookies, denylist: denylist}

	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.reached = append(g.reached, r.URL.Path)
		if _, ok := session.FromContext(r.Context()); ok {
			w.Header().Set("X-Authenticated", "true")
		}
		w.WriteHeader(http.StatusOK)
	})

	mux := http.NewServeMux()
	mux.Handle("GET "+session.CallbackPath, manager.CallbackHandler())
	mux.Handle("GET "+session.LogoutPath, manager.LogoutHandler())
	mux.Handle("/", manager.RequireCSRF(app))
	g.handler = manager.Middleware(mux)

	return g
}

// jar is a minimal browser cookie jar keyed by cookie name.
type jar map[string]string

func (j jar) update(rec *httptest.ResponseRecorder) {
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 {
			delete(j, c.Name)
			continue
		}
		j[c.Name] = c.Value
	}
}

func (g *gate) do(t *testing.T, j jar, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("User-Agent", userAgent)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for name, value := range j {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)
	j.update(rec)

	return rec
}

func cookieByName(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// login runs a complete login and returns the browser jar holding the session.
func login(t *testing.T, g *gate, idp *oidctest.Server) jar {
	t.Helper()

	j := jar{}
	rec := g.do(t, j, http.MethodGet, "/dashboard", nil)
	require.Equal(t, http.StatusFound, rec.Code)

	code, state := idp.Authorize(t, rec.Header().Get("Location"))
	rec = g.do(t, j, http.MethodGet, session.CallbackPath+"?"+url.Values{"code": {code}, "state": {state}}.Encode(), nil)
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "/", rec.Header().Get("Location"))
	require.Contains(t, j, authstate.SessionCookie)

	return j
}

func TestIsExempt(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{path: "/auth/callback", want: true},
		{path: "/auth/logout", want: true},
		{path: "/auth", want: true},
		{path: "/_app/immutable/start.js", want: true},
		{path: "/favicon.ico", want: true},
		{path: "/static/logo.png", want: true},
		{path: "/", want: false},
		{path: "/dashboard", want: false},
		{path: "/users", want: false},
		{path: "/favicon.ico.map", want: false},
		{path: "/api/requests/1", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, session.IsExempt(tt.path))
		})
	}
}

func TestMiddleware_ExemptPathsNeverRedirect(t *testing.T) {
	idp := oidctest.StartServer(t)
	g := newGate(t, idp)

	jars := map[string]jar{
		"no cookies":      {},
		"garbage session": {authstate.SessionCookie: "garbage"},
		"valid session":   login(t, g, idp),
	}

	for name, j := range jars {
		for _, path := range []string{"/_app/start.js", "/favicon.ico", "/static/app.css", "/auth/unknown"} {
			t.Run(name+" "+path, func(t *testing.T) {
				rec := g.do(t, j, http.MethodGet, path, nil)
				assert.NotEqual(t, http.StatusFound, rec.Code)
				assert.Empty(t, rec.Header().Get("Location"))
			})
		}
	}
}

func TestMiddleware_StartsLogin(t *testing.T) {
	idp := oidctest.StartServer(t)
	g := newGate(t, idp)

	rec := g.do(t, jar{}, http.MethodGet, "/dashboard", nil)
	require.Equal(t, http.StatusFound, rec.Code)

	u, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, idp.URL+"/authorize", u.Scheme+"://"+u.Host+u.Path)

	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "openid profile email", q.Get("scope"))
	assert.Equal(t, oidctest.ClientID, q.Get("client_id"))
	assert.Equal(t, redirectURI, q.Get("redirect_uri"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("state"))

	for _, name := range []string{authstate.VerifierCookie, authstate.StateCookie} {
		c := cookieByName(rec, name)
		require.NotNil(t, c, name)
		assert.Equal(t, 600, c.MaxAge)
		assert.True(t, c.HttpOnly)
		assert.True(t, c.Secure)
		assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
		assert.Equal(t, "/", c.Path)
	}

	assert.Empty(t, g.reached)
}

func TestMiddleware_DiscoveryFailureIsARequestError(t *testing.T) {
	idp := oidctest.StartServer(t)
	g := newGate(t, idp)

	idp.SetFailDiscovery(true)
	rec := g.do(t, jar{}, http.MethodGet, "/dashboard", nil)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Nil(t, cookieByName(rec, authstate.VerifierCookie))
	assert.Contains(t, rec.Body.String(), "invalid_oidc_provider")

	idp.SetFailDiscovery(false)
	rec = g.do(t, jar{}, http.MethodGet, "/dashboard", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
}

func TestCallback_Success(t *testing.T) {
	idp := oidctest.StartServer(t)
	g := newGate(t, idp)

	j := jar{}
	rec := g.do(t, j, http.MethodGet, "/dashboard", nil)
	code, state := idp.Authorize(t, rec.Header().Get("Location"))

	rec = g.do(t, j, http.MethodGet, session.CallbackPath+"?"+url.Values{"code": {code}, "state": {state}}.Encode(), nil)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	sessionCookie := cookieByName(rec, authstate.SessionCookie)
	require.NotNil(t, sessionCookie)
	assert.Equal(t, 1800, sessionCookie.MaxAge)
	assert.True(t, sessionCookie.HttpOnly)
	assert.True(t, sessionCookie.Secure)
	assert.Equal(t, http.SameSiteLaxMode, sessionCookie.SameSite)

	for _, name := range []string{authstate.VerifierCookie, authstate.StateCookie} {
		c := cookieByName(rec, name)
		require.NotNil(t, c, name)
		assert.Equal(t, -1, c.MaxAge, name)
	}
	assert.NotContains(t, j, authstate.VerifierCookie)
	assert.NotContains(t, j, authstate.StateCookie)

	csrfCookie := cookieByName(rec, authstate.CSRFCookie)
	require.NotNil(t, csrfCookie)
	assert.False(t, csrfCookie.HttpOnly)

	rec = g.do(t, j, http.MethodGet, "/dashboard", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("X-Authenticated"))
	assert.Equal(t, []string{"/dashboard"}, g.reached)
}

func TestCallback_DefaultLifetime(t *testing.T) {
	idp := oidctest.StartServer(t, oidctest.WithExpiresIn(0))
	g := newGate(t, idp)

	j := jar{}
	rec := g.do(t, j, http.MethodGet, "/", nil)
	code, state := idp.Authorize(t, rec.Header().Get("Location"))

	rec = g.do(t, j, http.MethodGet, session.CallbackPath+"?"+url.Values{"code": {code}, "state": {state}}.Encode(), nil)
	c := cookieByName(rec, authstate.SessionCookie)
	require.NotNil(t, c)
	assert.Equal(t, 3600, c.MaxAge)
}

func TestCallback_AccessTokenSize(t *testing.T) {
	tests := []struct {
		name         string
		padding      int
		wantLocation string
	}{
		{name: "about 3KB provider token", padding: 2000, wantLocation: "/"},
		{name: "token beyond the cookie limit", padding: 4000, wantLocation: session.AuthFailedPath},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idp := oidctest.StartServer(t, oidctest.WithAccessTokenPadding(tt.padding))
			g := newGate(t, idp)

			j := jar{}
			rec := g.do(t, j, http.MethodGet, "/dashboard", nil)
			code, state := idp.Authorize(t, rec.Header().Get("Location"))

			rec = g.do(t, j, http.MethodGet, session.CallbackPath+"?"+url.Values{"code": {code}, "state": {state}}.Encode(), nil)
			require.Equal(t, http.StatusFound, rec.Code)
			assert.Equal(t, tt.wantLocation, rec.Header().Get("Location"))

			c := cookieByName(rec, authstate.SessionCookie)
			if tt.wantLocation == session.AuthFailedPath {
				assert.Nil(t, c)
				return
			}
			require.NotNil(t, c)
			assert.LessOrEqual(t, len(c.Name)+1+len(c.Value), authstate.MaxCookieSize)

			rec = g.do(t, j, http.MethodGet, "/dashboard", nil)
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestCallback_Failures(t *testing.T) {
	tests := []struct {
		name         string
		query        func(code, state string) url.Values
		dropCookies  bool
		otherAgent   bool
		wantLocation string
	}{
		{
			name:         "missing login cookies restart the flow",
			query:        func(code, state string) url.Values { return url.Values{"code": {code}, "state": {state}} },
			dropCookies:  true,
			wantLocation: "/",
		},
		{
			name:         "login started by another client",
			query:        func(code, state string) url.Values { return url.Values{"code": {code}, "state": {state}} },
			otherAgent:   true,
			wantLocation: "/",
		},
		{
			name:         "state mismatch",
			query:        func(code, _ string) url.Values { return url.Values{"code": {code}, "state": {"forged"}} },
			wantLocation: session.AuthFailedPath,
		},
		{
			name:         "missing state",
			query:        func(code, _ string) url.Values { return url.Values{"code": {code}} },
			wantLocation: session.AuthFailedPath,
		},
		{
			name:         "unknown code",
			query:        func(_, state string) url.Values { return url.Values{"code": {"bogus"}, "state": {state}} },
			wantLocation: session.AuthFailedPath,
		},
		{
			name: "provider error",
			query: func(_, state string) url.Values {
				return url.Values{"error": {"access_denied"}, "state": {state}}
			},
			wantLocation: session.AuthFailedPath,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idp := oidctest.StartServer(t)
			g := newGate(t, idp)

			j := jar{}
			rec := g.do(t, j, http.MethodGet, "/dashboard", nil)
			code, state := idp.Authorize(t, rec.Header().Get("Location"))

			if tt.dropCookies {
				j = jar{}
			}
			var header http.Header
			if tt.otherAgent {
				header = http.Header{"User-Agent": {"curl/8.0"}}
			}

			rec = g.do(t, j, http.MethodGet, session.CallbackPath+"?"+tt.query(code, state).Encode(), header)
			require.Equal(t, http.StatusFound, rec.Code)
			assert.Equal(t, tt.wantLocation, rec.Header().Get("Location"))

			assert.NotContains(t, j, authstate.SessionCookie)
			assert.NotContains(t, j, authstate.VerifierCookie)
			assert.NotContains(t, j, authstate.StateCookie)
			if c := cookieByName(rec, authstate.SessionCookie); c != nil {
				assert.Equal(t, -1, c.MaxAge)
			}
		})
	}
}

func TestCallback_StateIsSingleUse(t *testing.T) {
	idp := oidctest.StartServer(t)
	g := newGate(t, idp)

	j := jar{}
	rec := g.do(t, j, http.MethodGet, "/dashboard", nil)
	code, state := idp.Authorize(t, rec.Header().Get("Location"))
	replay := jar{}
	for k, v := range j {
		replay[k] = v
	}

	target := session.CallbackPath + "?" + url.Values{"code": {code}, "state": {state}}.Encode()
	rec = g.do(t, j, http.MethodGet, target, nil)
	require.Equal(t, "/", rec.Header().Get("Location"))

	// a replay with the copied login cookies reaches the provider with a
	// used code and fails
	rec = g.do(t, replay, http.MethodGet, target, nil)
	assert.Equal(t, session.AuthFailedPath, rec.Header().Get("Location"))
	assert.NotContains(t, replay, authstate.SessionCookie)
}

func TestLogout(t *testing.T) {
	t.Run("ends the session at the provider", func(t *testing.T) {
		idp := oidctest.StartServer(t, oidctest.WithRevocation())
		g := newGate(t, idp)
		j := login(t, g, idp)
		stolen := jar{authstate.SessionCookie: j[authstate.SessionCookie]}

		rec := g.do(t, j, http.MethodGet, session.LogoutPath, nil)
		require.Equal(t, http.StatusFound, rec.Code)

		u, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, idp.URL+"/logout", u.Scheme+"://"+u.Host+u.Path)
		assert.Equal(t, "https://nightwatch.example.com/auth/logout?logged_out=true", u.Query().Get("post_logout_redirect_uri"))

		assert.Empty(t, j)

		// the old cookie no longer grants access
		rec = g.do(t, stolen, http.MethodGet, "/dashboard", nil)
		assert.Equal(t, http.StatusFound, rec.Code)
		assert.Contains(t, rec.Header().Get("Location"), idp.URL+"/authorize")
		assert.Empty(t, g.reached)
	})

	t.Run("provider without end session", func(t *testing.T) {
		idp := oidctest.StartServer(t, oidctest.WithoutEndSession())
		g := newGate(t, idp)
		j := login(t, g, idp)

		rec := g.do(t, j, http.MethodGet, session.LogoutPath, nil)
		require.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, "/", rec.Header().Get("Location"))
		assert.Empty(t, j)
	})

	t.Run("return from the provider", func(t *testing.T) {
		idp := oidctest.StartServer(t)
		g := newGate(t, idp)
		j := jar{authstate.SessionCookie: "left-over", authstate.StateCookie: "left-over"}

		rec := g.do(t, j, http.MethodGet, session.LogoutPath+"?logged_out=true", nil)
		require.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, "/", rec.Header().Get("Location"))
		assert.Empty(t, j)
		assert.Equal(t, 0, idp.DiscoveryHits())
	})
}

func TestLogout_RevokesAtProvider(t *testing.T) {
	idp := oidctest.StartServer(t, oidctest.WithRevocation())
	g := newGate(t, idp)
	j := login(t, g, idp)

	sess, err := g.cookies.Session(requestWithJar(j))
	require.NoError(t, err)

	g.do(t, j, http.MethodGet, session.LogoutPath, nil)

	assert.True(t, idp.Revoked(sess.AccessToken))
	revoked, err := g.denylist.IsRevoked(t.Context(), sess.AccessToken)
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestMiddleware_VerifyAccessToken(t *testing.T) {
	idp := oidctest.StartServer(t)
	g := newGate(t, idp, session.WithAccessTokenVerification(true))

	j := login(t, g, idp)
	rec := g.do(t, j, http.MethodGet, "/users", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// a correctly signed cookie holding a token the provider never issued
	forged := httptest.NewRecorder()
	require.NoError(t, g.cookies.SetSession(forged, "opaque-token", time.Hour))
	fj := jar{}
	fj.update(forged)

	rec = g.do(t, fj, http.MethodGet, "/users", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, []string{"/users"}, g.reached)
}

func TestRequireCSRF(t *testing.T) {
	idp := oidctest.StartServer(t)
	g := newGate(t, idp)
	j := login(t, g, idp)

	rec := g.do(t, j, http.MethodPost, "/users/1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_csrf_token")

	rec = g.do(t, j, http.MethodPost, "/users/1", http.Header{csrf.HeaderName: {"deadbeef.cafe"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = g.do(t, j, http.MethodPost, "/users/1", http.Header{csrf.HeaderName: {j[authstate.CSRFCookie]}})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = g.do(t, j, http.MethodGet, "/users/1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewManager(t *testing.T) {
	cookies, err := authstate.NewStore(cookieKey, true)
	require.NoError(t, err)

	_, err = session.NewManager(nil, cookies, revocation.NewMemory(), redirectURI, []byte("short"))
	assert.Error(t, err)

	_, err = session.NewManager(nil, cookies, revocation.NewMemory(), "/auth/callback", csrfSecret)
	assert.Error(t, err)
}

func requestWithJar(j jar) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for name, value := range j {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	return req
}
