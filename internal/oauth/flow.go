// Package oauth implements the browser-based authorization code flow used
// for OAuth-backed agent registration: PKCE, a loopback callback listener
// and the code-for-token exchange.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"golang.org/x/oauth2"

	"github.com/giantswarm/agentid/internal/logging"
)

// ErrStateMismatch is returned when the callback state does not match the request
var ErrStateMismatch = errors.New("state mismatch (CSRF protection)")

// Flow obtains access tokens interactively
type Flow struct {
	config *Config
	logger *logging.Logger

	// OpenBrowser opens the authorization URL. Defaults to the platform opener.
	OpenBrowser func(authURL string) error

	// HTTPClient is used for the token exchange when set
	HTTPClient *http.Client
}

// NewFlow creates a flow for config
func NewFlow(config *Config, logger *logging.Logger) *Flow {
	if config == nil {
		config = DefaultConfig()
	}
	return &Flow{config: config, logger: logger, OpenBrowser: openBrowser}
}

type callbackResult struct {
	code  string
	state string
}

// GetToken runs the authorization code flow against provider and returns the
// access token. An empty redirectURL uses the configured one.
func (f *Flow) GetToken(ctx context.Context, provider, redirectURL string) (string, error) {
	p, err := f.config.Provider(provider)
	if err != nil {
		return "", err
	}
	if redirectURL == "" {
		redirectURL = f.config.RedirectURL
	}
	if err := ValidateRedirectURL(redirectURL); err != nil {
		return "", err
	}
	parsedURL, err := url.Parse(redirectURL)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URI: %w", err)
	}
	if parsedURL.Scheme != "http" {
		return "", fmt.Errorf("local callback requires an http loopback redirect URL, got %s", redirectURL)
	}

	listener, err := net.Listen("tcp", parsedURL.Host)
	if err != nil {
		return "", fmt.Errorf("failed to start callback listener: %w", err)
	}
	// port 0 binds a free port, the redirect URL must name it
	if parsedURL.Port() == "0" {
		parsedURL.Host = net.JoinHostPort(parsedURL.Hostname(), fmt.Sprint(listener.Addr().(*net.TCPAddr).Port))
	}
	path := parsedURL.Path
	if path == "" {
		path = "/"
	}

	oauthConfig := &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Endpoint:     p.endpoint(),
		RedirectURL:  parsedURL.String(),
		Scopes:       p.Scopes,
	}

	verifier := oauth2.GenerateVerifier()
	state, err := client.GenerateState()
	if err != nil {
		listener.Close()
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	authURL := oauthConfig.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))

	callbackChan := make(chan callbackResult, 1)
	errChan := make(chan error, 1)

	// isolated mux, never http.DefaultServeMux
	mux := http.NewServeMux()
	mux.HandleFunc(path, callbackHandler(callbackChan, errChan))

	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- fmt.Errorf("callback server error: %w", err):
			default:
			}
		}
	}()
	defer server.Shutdown(context.Background())

	f.logger.Info("Opening browser for %s authorization...", provider)
	if err := f.OpenBrowser(authURL); err != nil {
		f.logger.Warning("Could not open browser automatically: %v", err)
		f.logger.Info("Please open this URL in your browser:")
		f.logger.Info("%s", authURL)
	}

	timeout := f.config.AuthorizationTimeout
	if timeout <= 0 {
		timeout = DefaultAuthorizationTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	f.logger.Info("Waiting for authorization...")
	var result callbackResult
	select {
	case result = <-callbackChan:
	case err := <-errChan:
		return "", err
	case <-timer.C:
		return "", fmt.Errorf("authorization timeout")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	if result.state != state {
		return "", ErrStateMismatch
	}
	if result.code == "" {
		return "", fmt.Errorf("no authorization code received")
	}

	f.logger.Success("Authorization code received")
	if f.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, f.HTTPClient)
	}
	token, err := oauthConfig.Exchange(ctx, result.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return "", fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("token response did not include an access token")
	}
	f.logger.Success("Access token obtained")
	return token.AccessToken, nil
}

func callbackHandler(callbackChan chan<- callbackResult, errChan chan<- error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		query := r.URL.Query()
		if e := query.Get("error"); e != "" {
			select {
			case errChan <- fmt.Errorf("authorization error: %s - %s", e, query.Get("error_description")):
			default:
			}
			http.Error(w, "Authorization failed", http.StatusBadRequest)
			return
		}

		select {
		case callbackChan <- callbackResult{code: query.Get("code"), state: query.Get("state")}:
		default:
			http.Error(w, "Authorization already completed", http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><h1>Authorization Successful</h1><p>You can close this window.</p></body></html>`))
	}
}

// openBrowser opens urlStr in the default browser
func openBrowser(urlStr string) error {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme for browser: %s (only http/https allowed)", parsedURL.Scheme)
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux":
		cmd = exec.Command("xdg-open", urlStr)
	case "darwin":
		cmd = exec.Command("open", urlStr)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", urlStr)
	default:
		return fmt.Errorf("unsupported platform")
	}
	return cmd.Start()
}
