// Package authstate keeps the state of the login flow and the session
// in cookies. Login values are wrapped in a compact HS256 JWS carrying an
// expiry, the purpose of the cookie and the client fingerprint. The
// session carries the access token as is, prefixed with its expiry and
// an HMAC over purpose, expiry and token. Either way a cookie that was
// tampered with, replayed under another name or kept past its expiry is
// treated as absent.
package authstate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/openkcm/nightwatch/internal/config"
	"github.com/openkcm/nightwatch/internal/serviceerr"
	"github.com/openkcm/nightwatch/pkg/csrf"
)

const (
	SessionCookie  = "access_token"
	VerifierCookie = "pkce_verifier"
	StateCookie    = "state"
	CSRFCookie     = csrf.CookieName

	// LoginMaxAge bounds the time between starting a login and its callback.
	LoginMaxAge = 10 * time.Minute

	MinKeyLength = 32

	// MaxCookieSize is the size of name and value browsers keep at most.
	MaxCookieSize = 4096
)

var (
	ErrMissing         = errors.New("auth cookie missing or invalid")
	ErrInvalidMaxAge   = errors.New("cookie max age must be positive")
	ErrCookieTooLarge  = errors.New("cookie exceeds the browser size limit")
	ErrInvalidToken    = errors.New("access token is not a valid cookie value")
)

type Login struct {
	Verifier string
	State    string
}

type Session struct {
	AccessToken string
	Expiry      time.Time
}

type Store struct {
	key    []byte
	signer jose.Signer
	now    func() time.Time

	login   config.CookieTemplate
	session config.CookieTemplate
	csrf    config.CookieTemplate
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore returns a cookie store signing with key. Secure should only be
// false in local development over plain http.
func NewStore(key []byte, secure bool, opts ...Option) (*Store, error) {
	if len(key) < MinKeyLength {
		return nil, fmt.Errorf("cookie secret must be at least %d bytes", MinKeyLength)
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: key}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return nil, fmt.Errorf("creating cookie signer: %w", err)
	}

	s := &Store{
		key:    key,
		signer: signer,
		now:    time.Now,
		login: config.CookieTemplate{
			MaxAge:   int(LoginMaxAge.Seconds()),
			Path:     "/",
			Secure:   secure,
			SameSite: config.CookieSameSiteLax,
			HTTPOnly: true,
		},
		session: config.CookieTemplate{
			Name:     SessionCookie,
			Path:     "/",
			Secure:   secure,
			SameSite: config.CookieSameSiteLax,
			HTTPOnly: true,
		},
		csrf: config.CookieTemplate{
			Name:     CSRFCookie,
			Path:     "/",
			Secure:   secure,
			SameSite: config.CookieSameSiteStrict,
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

type payload struct {
	jwt.Claims

	Purpose     string `json:"pur"`
	Value       string `json:"val"`
	Fingerprint string `json:"fp,omitempty"`
}

func (s *Store) seal(purpose, value, fingerprint string, expiry time.Time) (string, error) {
	p := payload{
		Claims: jwt.Claims{
			IssuedAt: jwt.NewNumericDate(s.now()),
			Expiry:   jwt.NewNumericDate(expiry),
		},
		Purpose:     purpose,
		Value:       value,
		Fingerprint: fingerprint,
	}

	raw, err := jwt.Signed(s.signer).Claims(p).Serialize()
	if err != nil {
		return "", fmt.Errorf("signing %s cookie: %w", purpose, err)
	}

	return raw, nil
}

func (s *Store) open(r *http.Request, purpose string) (payload, error) {
	c, err := r.Cookie(purpose)
	if err != nil || c.Value == "" {
		return payload{}, ErrMissing
	}

	tok, err := jwt.ParseSigned(c.Value, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return payload{}, ErrMissing
	}

	var p payload
	if err := tok.Claims(s.key, &p); err != nil {
		return payload{}, ErrMissing
	}

	if err := p.ValidateWithLeeway(jwt.Expected{Time: s.now()}, 0); err != nil {
		return payload{}, ErrMissing
	}

	if p.Purpose != purpose || p.Expiry == nil {
		return payload{}, ErrMissing
	}

	return p, nil
}

// SetLogin stores the PKCE verifier and the state of a new login, bound
// to the client fingerprint.
func (s *Store) SetLogin(w http.ResponseWriter, fingerprint string, l Login) error {
	expiry := s.now().Add(LoginMaxAge)

	verifier, err := s.seal(VerifierCookie, l.Verifier, fingerprint, expiry)
	if err != nil {
		return err
	}

	state, err := s.seal(StateCookie, l.State, fingerprint, expiry)
	if err != nil {
		return err
	}

	verifierTmpl, stateTmpl := s.login, s.login
	verifierTmpl.Name, stateTmpl.Name = VerifierCookie, StateCookie

	http.SetCookie(w, verifierTmpl.ToCookie(verifier))
	http.SetCookie(w, stateTmpl.ToCookie(state))

	return nil
}

// Login returns the pending login. It fails with ErrMissing if either
// cookie is absent or invalid and with serviceerr.ErrFingerprintMismatch
// if the login was started by another client.
func (s *Store) Login(r *http.Request, fingerprint string) (Login, error) {
	verifier, err := s.open(r, VerifierCookie)
	if err != nil {
		return Login{}, err
	}

	state, err := s.open(r, StateCookie)
	if err != nil {
		return Login{}, err
	}

	if verifier.Fingerprint != fingerprint || state.Fingerprint != fingerprint {
		return Login{}, serviceerr.ErrFingerprintMismatch
	}

	return Login{Verifier: verifier.Value, State: state.Value}, nil
}

func (s *Store) ClearLogin(w http.ResponseWriter) {
	verifierTmpl, stateTmpl := s.login, s.login
	verifierTmpl.Name, stateTmpl.Name = VerifierCookie, StateCookie

	http.SetCookie(w, verifierTmpl.ToExpiredCookie())
	http.SetCookie(w, stateTmpl.ToExpiredCookie())
}

func (s *Store) mac(purpose, expiry, value string) string {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(purpose + "\x00" + expiry + "\x00" + value))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// SetSession stores the access token for lifetime, which also becomes
// the Max-Age of the cookie. Tokens that would not fit into a browser
// cookie fail with ErrCookieTooLarge.
func (s *Store) SetSession(w http.ResponseWriter, accessToken string, lifetime time.Duration) error {
	maxAge := int(lifetime.Seconds())
	if maxAge <= 0 {
		return ErrInvalidMaxAge
	}

	if accessToken == "" || !validCookieValue(accessToken) {
		return ErrInvalidToken
	}

	expiry := strconv.FormatInt(s.now().Add(time.Duration(maxAge)*time.Second).Unix(), 10)
	raw := expiry + "." + s.mac(SessionCookie, expiry, accessToken) + "." + accessToken

	if len(SessionCookie)+1+len(raw) > MaxCookieSize {
		return fmt.Errorf("%w: %d bytes", ErrCookieTooLarge, len(SessionCookie)+1+len(raw))
	}

	tmpl := s.session.WithMaxAge(maxAge)
	http.SetCookie(w, tmpl.ToCookie(raw))

	return nil
}

func (s *Store) Session(r *http.Request) (Session, error) {
	c, err := r.Cookie(SessionCookie)
	if err != nil || c.Value == "" {
		return Session{}, ErrMissing
	}

	expiry, sig, token, ok := splitSession(c.Value)
	if !ok {
		return Session{}, ErrMissing
	}

	if !hmac.Equal([]byte(sig), []byte(s.mac(SessionCookie, expiry, token))) {
		return Session{}, ErrMissing
	}

	unix, err := strconv.ParseInt(expiry, 10, 64)
	if err != nil {
		return Session{}, ErrMissing
	}

	exp := time.Unix(unix, 0)
	if !s.now().Before(exp) {
		return Session{}, ErrMissing
	}

	return Session{AccessToken: token, Expiry: exp}, nil
}

func splitSession(v string) (expiry, sig, token string, ok bool) {
	expiry, rest, ok := strings.Cut(v, ".")
	if !ok {
		return "", "", "", false
	}
	sig, token, ok = strings.Cut(rest, ".")
	if !ok || expiry == "" || sig == "" || token == "" {
		return "", "", "", false
	}
	return expiry, sig, token, true
}

// validCookieValue reports whether v survives http.SetCookie unchanged.
func validCookieValue(v string) bool {
	for i := range len(v) {
		b := v[i]
		if b < 0x21 || b > 0x7e || b == '"' || b == ',' || b == ';' || b == '\\' {
			return false
		}
	}
	return true
}

// SetCSRF stores a CSRF token readable by scripts of the dashboard.
func (s *Store) SetCSRF(w http.ResponseWriter, token string, lifetime time.Duration) error {
	maxAge := int(lifetime.Seconds())
	if maxAge <= 0 {
		return ErrInvalidMaxAge
	}

	tmpl := s.csrf.WithMaxAge(maxAge)
	http.SetCookie(w, tmpl.ToCookie(token))

	return nil
}

// ClearAll removes the session, the CSRF token and any pending login.
func (s *Store) ClearAll(w http.ResponseWriter) {
	http.SetCookie(w, s.session.ToExpiredCookie())
	http.SetCookie(w, s.csrf.ToExpiredCookie())
	s.ClearLogin(w)
}
