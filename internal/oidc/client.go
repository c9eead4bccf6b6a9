// Package oidc is the client of the identity provider. It discovers and
// memoizes the provider metadata, builds authorization and end session
// URLs, exchanges authorization codes and verifies the returned tokens.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/nightwatch/internal/pkce"
	"github.com/openkcm/nightwatch/internal/serviceerr"
)

var DefaultScopes = []string{gooidc.ScopeOpenID, "profile", "email"}

// DefaultHTTPTimeout bounds every call to the provider unless WithHTTPClient
// supplies another client.
const DefaultHTTPTimeout = 10 * time.Second

type Client struct {
	issuerURL    string
	clientID     string
	clientSecret string
	redirectURI  string
	scopes       []string

	httpClient   *http.Client
	discoveryTTL time.Duration

	cache *cache.Cache
	group singleflight.Group
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithDiscoveryTTL bounds how long discovered metadata is reused. A zero
// TTL keeps it for the lifetime of the client.
func WithDiscoveryTTL(ttl time.Duration) Option {
	return func(cl *Client) {
		cl.discoveryTTL = ttl
	}
}

func WithScopes(scopes ...string) Option {
	return func(cl *Client) {
		if len(scopes) > 0 {
			cl.scopes = scopes
		}
	}
}

func NewClient(issuerURL, clientID, clientSecret, redirectURI string, opts ...Option) *Client {
	c := &Client{
		issuerURL:    issuerURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		scopes:       DefaultScopes,
		httpClient:   &http.Client{Timeout: DefaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.cache = cache.New(cache.NoExpiration, 10*time.Minute)

	return c
}

// RedirectURI is the callback URI registered with the provider. It is
// sent byte-identical in the authorization request and the code exchange.
func (c *Client) RedirectURI() string {
	return c.redirectURI
}

type discovered struct {
	provider  *gooidc.Provider
	config    Configuration
	oauth2    oauth2.Config
	idTokens  *gooidc.IDTokenVerifier
	accessJWT *gooidc.IDTokenVerifier
}

func (c *Client) discover(ctx context.Context) (*discovered, error) {
	const wkocPrefix = "wkoc_"

	// first check the cache for a recent WKOC configuration for this issuer
	cacheKey := wkocPrefix + c.issuerURL
	if d, ok := c.cache.Get(cacheKey); ok {
		//nolint:forcetypeassert
		return d.(*discovered), nil
	}

	// otherwise fetch it once for all concurrent callers and cache it
	ch := c.group.DoChan(cacheKey, func() (any, error) {
		// The provider keeps the context for later key set refreshes, so
		// it must outlive the request that happened to trigger discovery.
		dctx := gooidc.ClientContext(context.WithoutCancel(ctx), c.httpClient)

		provider, err := gooidc.NewProvider(dctx, c.issuerURL)
		if err != nil {
			return nil, err
		}

		var conf Configuration
		if err := provider.Claims(&conf); err != nil {
			return nil, fmt.Errorf("decoding provider metadata: %w", err)
		}

		d := &discovered{
			provider: provider,
			config:   conf,
			oauth2: oauth2.Config{
				ClientID:     c.clientID,
				ClientSecret: c.clientSecret,
				Endpoint:     provider.Endpoint(),
				RedirectURL:  c.redirectURI,
				Scopes:       c.scopes,
			},
			idTokens: provider.Verifier(&gooidc.Config{ClientID: c.clientID}),
			accessJWT: provider.Verifier(&gooidc.Config{
				SkipClientIDCheck: true,
			}),
		}

		ttl := c.discoveryTTL
		if ttl <= 0 {
			ttl = cache.NoExpiration
		}
		c.cache.Set(cacheKey, d, ttl)

		slogctx.Info(ctx, "Discovered identity provider", "issuer", conf.Issuer)

		return d, nil
	})

	// callers leave on their own deadline, the fetch carries on for the others
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		res.Err = fmt.Errorf("waiting for discovery: %w", ctx.Err())
	}
	if res.Err != nil {
		slogctx.Error(ctx, "Identity provider discovery failed", "issuer", c.issuerURL, "error", res.Err)
		return nil, errors.Join(serviceerr.ErrInvalidOIDCProvider, res.Err)
	}

	//nolint:forcetypeassert
	return res.Val.(*discovered), nil
}

// Configuration returns the discovered provider metadata.
func (c *Client) Configuration(ctx context.Context) (Configuration, error) {
	d, err := c.discover(ctx)
	if err != nil {
		return Configuration{}, err
	}

	return d.config, nil
}

// AuthCodeURL returns the authorization endpoint URL for a code flow
// with an S256 code challenge.
func (c *Client) AuthCodeURL(ctx context.Context, state, codeChallenge string) (string, error) {
	d, err := c.discover(ctx)
	if err != nil {
		return "", err
	}

	return d.oauth2.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", pkce.MethodS256),
	), nil
}

// Exchange redeems an authorization code with its PKCE verifier and
// verifies the returned ID token.
func (c *Client) Exchange(ctx context.Context, code, codeVerifier string) (Token, error) {
	d, err := c.discover(ctx)
	if err != nil {
		return Token{}, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	tok, err := d.oauth2.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return Token{}, fmt.Errorf("exchanging code for tokens: %w", err)
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		return Token{}, errors.New("token response has no id_token")
	}

	idToken, err := d.idTokens.Verify(gooidc.ClientContext(ctx, c.httpClient), rawIDToken)
	if err != nil {
		return Token{}, fmt.Errorf("verifying id token: %w", err)
	}

	if idToken.AccessTokenHash != "" {
		if err := idToken.VerifyAccessToken(tok.AccessToken); err != nil {
			return Token{}, errors.Join(serviceerr.ErrInvalidAtHash, err)
		}
	}

	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		return Token{}, fmt.Errorf("decoding id token claims: %w", err)
	}

	return Token{
		AccessToken: tok.AccessToken,
		IDToken:     rawIDToken,
		ExpiresIn:   expiresIn(tok.Extra("expires_in")),
		Claims:      claims,
	}, nil
}

// VerifyAccessToken verifies a JWT access token against the provider
// keys, issuer and expiry. Opaque access tokens fail verification.
func (c *Client) VerifyAccessToken(ctx context.Context, accessToken string) error {
	d, err := c.discover(ctx)
	if err != nil {
		return err
	}

	if _, err := d.accessJWT.Verify(gooidc.ClientContext(ctx, c.httpClient), accessToken); err != nil {
		return fmt.Errorf("verifying access token: %w", err)
	}

	return nil
}

// EndSessionURL returns the RP-initiated logout URL of the provider.
func (c *Client) EndSessionURL(ctx context.Context, postLogoutRedirectURI string) (string, error) {
	d, err := c.discover(ctx)
	if err != nil {
		return "", err
	}

	if d.config.EndSessionEndpoint == "" {
		return "", serviceerr.ErrEndSessionNotSupported
	}

	u, err := url.Parse(d.config.EndSessionEndpoint)
	if err != nil {
		return "", fmt.Errorf("parsing end session endpoint: %w", err)
	}

	q := u.Query()
	q.Set("client_id", c.clientID)
	q.Set("post_logout_redirect_uri", postLogoutRedirectURI)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// RevokeToken revokes an access token at the provider's RFC 7009
// revocation endpoint. Providers without one are a no-op.
func (c *Client) RevokeToken(ctx context.Context, accessToken string) error {
	d, err := c.discover(ctx)
	if err != nil {
		return err
	}

	if d.config.RevocationEndpoint == "" {
		return nil
	}

	form := url.Values{}
	form.Set("token", accessToken)
	form.Set("token_type_hint", "access_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.config.RevocationEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(c.clientID), url.QueryEscape(c.clientSecret))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing revocation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revocation endpoint returned %d", resp.StatusCode)
	}

	return nil
}
