// Package config defines the necessary types to configure the application.
// An example config file config.yaml is provided in the repository.
package config

import (
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

type Config struct {
	commoncfg.BaseConfig `mapstructure:",squash" yaml:",inline"`

	HTTP HTTPServer `yaml:"http"`

	Database Database `yaml:"database"`
	ValKey   ValKey   `yaml:"valkey"`
	Auth     Auth     `yaml:"auth"`
	Listing  Listing  `yaml:"listing"`
}

type HTTPServer struct {
	Address         string        `yaml:"address" default:":8080"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"5s"`
}

type Database struct {
	Name     string              `yaml:"name"`
	Port     string              `yaml:"port"`
	Host     commoncfg.SourceRef `yaml:"host"`
	User     commoncfg.SourceRef `yaml:"user"`
	Password commoncfg.SourceRef `yaml:"password"`
	Pool     DatabasePool        `yaml:"pool"`
}

// DatabasePool bounds the connection pool so that a slow database
// cannot exhaust the process.
type DatabasePool struct {
	MaxConns        int32         `yaml:"maxConns" default:"10"`
	MaxConnIdleTime time.Duration `yaml:"maxConnIdleTime" default:"20s"`
	ConnectTimeout  time.Duration `yaml:"connectTimeout" default:"10s"`
}

// ValKey is optional. When no host is configured the logout denylist
// is kept in process memory.
type ValKey struct {
	Host     commoncfg.SourceRef `yaml:"host"`
	User     commoncfg.SourceRef `yaml:"user"`
	Password commoncfg.SourceRef `yaml:"password"`
	Prefix   string              `yaml:"prefix" default:"nightwatch"`

	SecretRef commoncfg.SecretRef `yaml:"secretRef"`
}

type Auth struct {
	IssuerURL    string              `yaml:"issuerURL"`
	ClientID     commoncfg.SourceRef `yaml:"clientID"`
	ClientSecret commoncfg.SourceRef `yaml:"clientSecret"`
	RedirectURI  string              `yaml:"redirectURI" default:"http://localhost:8080/auth/callback"`
	Scopes       []string            `yaml:"scopes"`
	CookieSecret commoncfg.SourceRef `yaml:"cookieSecret"`

	// MTLS authenticates the calls to the identity provider with a client certificate.
	MTLS *commoncfg.MTLS `yaml:"mtls"`

	// DevMode drops the Secure attribute from all cookies so the flow works on plain http.
	DevMode bool `yaml:"devMode"`
	// VerifyAccessToken verifies the access token as a JWT against the provider keys on every request.
	VerifyAccessToken bool `yaml:"verifyAccessToken"`
	// DiscoveryTTL is how long discovered provider metadata is kept. Zero keeps it for the process lifetime.
	DiscoveryTTL time.Duration `yaml:"discoveryTTL"`
	// Timeout bounds each call to the identity provider.
	Timeout time.Duration `yaml:"timeout" default:"10s"`
}

type Listing struct {
	RequestsPerPage int `yaml:"requestsPerPage" default:"50"`
	UsersPerPage    int `yaml:"usersPerPage" default:"25"`
}

type CookieSameSite string

const (
	CookieSameSiteNone   CookieSameSite = "None"
	CookieSameSiteLax    CookieSameSite = "Lax"
	CookieSameSiteStrict CookieSameSite = "Strict"
)

// CookieTemplate describes every attribute of a cookie except its value.
type CookieTemplate struct {
	Name     string         `yaml:"name"`
	MaxAge   int            `yaml:"maxAge"`
	Path     string         `yaml:"path"`
	Domain   string         `yaml:"domain"`
	Secure   bool           `yaml:"secure"`
	SameSite CookieSameSite `yaml:"sameSite"`
	HTTPOnly bool           `yaml:"httpOnly"`
}
