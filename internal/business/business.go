package business

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"net/http"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/valkey-io/valkey-go"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/nightwatch/internal/authstate"
	"github.com/openkcm/nightwatch/internal/business/server"
	"github.com/openkcm/nightwatch/internal/config"
	"github.com/openkcm/nightwatch/internal/oidc"
	"github.com/openkcm/nightwatch/internal/revocation"
	"github.com/openkcm/nightwatch/internal/revocation/revocationvalkey"
	"github.com/openkcm/nightwatch/internal/session"
	"github.com/openkcm/nightwatch/internal/usage"
	"github.com/openkcm/nightwatch/internal/usage/usagesql"
)

// Main starts the dashboard API server and blocks until ctx is cancelled.
func Main(ctx context.Context, cfg *config.Config) error {
	db, err := newDBPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	denylist, closeDenylist, err := newDenylist(cfg.ValKey)
	if err != nil {
		return fmt.Errorf("initialising the revocation denylist: %w", err)
	}
	defer closeDenylist()

	gate, err := newGate(ctx, cfg.Auth, denylist)
	if err != nil {
		return fmt.Errorf("initialising the auth gate: %w", err)
	}

	dashboard := usage.NewService(
		usagesql.NewRepository(db),
		usage.WithRequestsPerPage(cfg.Listing.RequestsPerPage),
		usage.WithUsersPerPage(cfg.Listing.UsersPerPage),
	)

	return server.StartHTTPServer(ctx, cfg, gate, dashboard)
}

func newDBPool(ctx context.Context, cfg config.Database) (*pgxpool.Pool, error) {
	poolCfg, err := config.MakePoolConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("making pool config from config: %w", err)
	}

	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("initialising pgxpool connection: %w", err)
	}

	return db, nil
}

// newDenylist returns the valkey backed denylist when a host is
// configured and an in-process one otherwise.
func newDenylist(cfg config.ValKey) (revocation.Denylist, func(), error) {
	if cfg.Host.Source == "" {
		return revocation.NewMemory(), func() {}, nil
	}

	valkeyClient, err := valkeyClientFromConfig(cfg)
	if err != nil {
		return nil, nil, err
	}

	return revocationvalkey.NewDenylist(valkeyClient, cfg.Prefix), valkeyClient.Close, nil
}

func valkeyClientFromConfig(cfg config.ValKey) (valkey.Client, error) {
	valkeyHost, err := commoncfg.LoadValueFromSourceRef(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("loading valkey host: %w", err)
	}

	valkeyUsername, err := commoncfg.LoadValueFromSourceRef(cfg.User)
	if err != nil {
		return nil, fmt.Errorf("loading valkey username: %w", err)
	}

	valkeyPassword, err := commoncfg.LoadValueFromSourceRef(cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("loading valkey password: %w", err)
	}

	valkeyOpts := valkey.ClientOption{
		InitAddress: []string{string(valkeyHost)},
		Username:    string(valkeyUsername),
		Password:    string(valkeyPassword),
	}

	if cfg.SecretRef.Type == commoncfg.MTLSSecretType {
		tlsConfig, err := commoncfg.LoadMTLSConfig(&cfg.SecretRef.MTLS)
		if err != nil {
			return nil, fmt.Errorf("loading valkey mTLS config from secret ref: %w", err)
		}

		valkeyOpts.TLSConfig = tlsConfig
	}

	valkeyClient, err := valkey.NewClient(valkeyOpts)
	if err != nil {
		return nil, fmt.Errorf("creating a new valkey client: %w", err)
	}

	return valkeyClient, nil
}

func newGate(ctx context.Context, cfg config.Auth, denylist revocation.Denylist) (*session.Manager, error) {
	clientID, err := commoncfg.LoadValueFromSourceRef(cfg.ClientID)
	if err != nil {
		return nil, fmt.Errorf("loading client id: %w", err)
	}

	clientSecret, err := commoncfg.LoadValueFromSourceRef(cfg.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("loading client secret: %w", err)
	}

	cookieSecret, err := commoncfg.LoadValueFromSourceRef(cfg.CookieSecret)
	if err != nil {
		return nil, fmt.Errorf("loading cookie secret: %w", err)
	}

	httpClient, err := loadHTTPClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("loading http client: %w", err)
	}

	opts := []oidc.Option{
		oidc.WithHTTPClient(httpClient),
		oidc.WithDiscoveryTTL(cfg.DiscoveryTTL),
	}
	if len(cfg.Scopes) > 0 {
		opts = append(opts, oidc.WithScopes(cfg.Scopes...))
	}

	client := oidc.NewClient(cfg.IssuerURL, string(clientID), string(clientSecret), cfg.RedirectURI, opts...)

	cookies, err := authstate.NewStore(cookieSecret, !cfg.DevMode)
	if err != nil {
		return nil, fmt.Errorf("creating cookie store: %w", err)
	}

	if cfg.DevMode {
		slogctx.Warn(ctx, "Auth cookies are issued without the Secure attribute")
	}

	return session.NewManager(
		client,
		cookies,
		denylist,
		cfg.RedirectURI,
		deriveKey(cookieSecret, "csrf"),
		session.WithAccessTokenVerification(cfg.VerifyAccessToken),
	)
}

// loadHTTPClient returns the client used to reach the identity provider.
func loadHTTPClient(cfg config.Auth) (*http.Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = oidc.DefaultHTTPTimeout
	}

	if cfg.MTLS == nil {
		return &http.Client{Timeout: timeout}, nil
	}

	tlsConfig, err := commoncfg.LoadMTLSConfig(cfg.MTLS)
	if err != nil {
		return nil, fmt.Errorf("loading mTLS config: %w", err)
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: tlsConfig,
		},
	}, nil
}

// deriveKey derives a key bound to purpose from secret.
func deriveKey(secret []byte, purpose string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(purpose))

	return mac.Sum(nil)
}
