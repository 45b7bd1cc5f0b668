package oauth

import (
	"fmt"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

// DefaultRedirectURL is the loopback callback used when none is configured
const DefaultRedirectURL = "http://localhost:8765/callback"

// DefaultAuthorizationTimeout bounds how long GetToken waits for the browser
const DefaultAuthorizationTimeout = 5 * time.Minute

// Provider describes an OAuth authorization server the agent can register with
type Provider struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	Scopes       []string
}

func (p Provider) endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{AuthURL: p.AuthURL, TokenURL: p.TokenURL}
}

// Known provider endpoints. Client IDs still come from configuration.
var knownProviders = map[string]Provider{
	"github": {
		AuthURL:  "https://github.com/login/oauth/authorize",
		TokenURL: "https://github.com/login/oauth/access_token",
		Scopes:   []string{"read:user"},
	},
	"google": {
		AuthURL:  "https://accounts.google.com/o/oauth2/auth",
		TokenURL: "https://oauth2.googleapis.com/token",
		Scopes:   []string{"openid", "email"},
	},
}

// Config contains the OAuth settings used during registration
type Config struct {
	// Providers maps a provider name to its endpoints and client. Entries
	// for known providers only need a ClientID.
	Providers map[string]Provider

	// RedirectURL is the loopback callback. Port 0 binds a free port.
	RedirectURL string

	// AuthorizationTimeout bounds the wait for the browser callback
	AuthorizationTimeout time.Duration
}

// DefaultConfig returns a configuration with no providers
func DefaultConfig() *Config {
	return &Config{
		Providers:            map[string]Provider{},
		RedirectURL:          DefaultRedirectURL,
		AuthorizationTimeout: DefaultAuthorizationTimeout,
	}
}

// Provider resolves name against the configured and known providers
func (c *Config) Provider(name string) (Provider, error) {
	p, configured := c.Providers[name]
	known, isKnown := knownProviders[name]
	if !configured && !isKnown {
		return Provider{}, fmt.Errorf("unknown OAuth provider %q", name)
	}
	if p.AuthURL == "" {
		p.AuthURL = known.AuthURL
	}
	if p.TokenURL == "" {
		p.TokenURL = known.TokenURL
	}
	if len(p.Scopes) == 0 {
		p.Scopes = known.Scopes
	}
	if p.ClientID == "" {
		return Provider{}, fmt.Errorf("OAuth provider %q has no client ID configured", name)
	}
	if p.AuthURL == "" || p.TokenURL == "" {
		return Provider{}, fmt.Errorf("OAuth provider %q requires auth and token URLs", name)
	}
	return p, nil
}

// Validate checks the redirect URL and fills defaults
func (c *Config) Validate() error {
	if c.RedirectURL == "" {
		c.RedirectURL = DefaultRedirectURL
	}
	if err := ValidateRedirectURL(c.RedirectURL); err != nil {
		return err
	}
	if c.AuthorizationTimeout <= 0 {
		c.AuthorizationTimeout = DefaultAuthorizationTimeout
	}
	for name, p := range c.Providers {
		for _, raw := range []string{p.AuthURL, p.TokenURL} {
			if raw == "" {
				continue
			}
			u, err := url.Parse(raw)
			if err != nil || u.Host == "" {
				return fmt.Errorf("invalid endpoint %q for OAuth provider %q", raw, name)
			}
		}
	}
	return nil
}

// ValidateRedirectURL only allows http for loopback hosts
func ValidateRedirectURL(raw string) error {
	parsedURL, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid OAuth redirect URL: %w", err)
	}

	if parsedURL.Scheme == "http" {
		// Hostname() strips brackets from IPv6 addresses
		if !isLoopback(parsedURL.Hostname()) {
			return fmt.Errorf("HTTP redirect URIs are only allowed for localhost/127.0.0.1/[::1], use HTTPS for other hosts")
		}
	} else if parsedURL.Scheme != "https" {
		return fmt.Errorf("redirect URI scheme must be http (localhost only) or https, got: %s", parsedURL.Scheme)
	}
	return nil
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
