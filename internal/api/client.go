// Package api is the HTTP client for the agent registry backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/agentid/internal/detection"
	"github.com/giantswarm/agentid/internal/logging"
)

// DefaultTimeout bounds a single backend request
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response is kept
const maxErrorBody = 4096

// Endpoint paths
const (
	pathRegister     = "/api/v1/agents/register"
	pathReport       = "/api/v1/detection/agents/%s/report"
	pathMCPServers   = "/api/v1/sdk-api/agents/%s/mcp-servers"
	pathCapabilities = "/api/v1/sdk-api/agents/%s/capabilities"
	pathVerify       = "/api/v1/agents/%s/verify"
)

// ErrNotRegistered is returned by authenticated calls made without an
// agent ID or API key
var ErrNotRegistered = errors.New("agent is not registered")

// NetworkError reports a failed backend call. StatusCode is zero when no
// response was received. Message holds the backend's own error text.
type NetworkError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed: backend returned %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Client talks to the registry backend
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	logger     *logging.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger used for wire logging
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a backend client for baseURL
func NewClient(baseURL, sdkVersion string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		userAgent:  "agentid-go/" + sdkVersion,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend URL without a trailing slash
func (c *Client) BaseURL() string { return c.baseURL }

// Register submits a signed registration. It is the only unauthenticated call.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	var resp RegisterResponse
	if err := c.do(ctx, "register", http.MethodPost, pathRegister, nil, req, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" || resp.APIKey == "" {
		return nil, &NetworkError{Op: "register", Err: errors.New("response is missing id or api_key")}
	}
	return &resp, nil
}

// ReportDetections sends detection events for the agent
func (c *Client) ReportDetections(ctx context.Context, auth Auth, events []detection.DetectionEvent) (*ReportResponse, error) {
	path, err := agentPath(pathReport, auth)
	if err != nil {
		return nil, err
	}
	var resp ReportResponse
	if err := c.do(ctx, "report detections", http.MethodPost, path, &auth, ReportRequest{Detections: events}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateMCPServers declares MCP servers used by the agent
func (c *Client) UpdateMCPServers(ctx context.Context, auth Auth, req MCPServersRequest) (*MCPServersResponse, error) {
	path, err := agentPath(pathMCPServers, auth)
	if err != nil {
		return nil, err
	}
	var resp MCPServersResponse
	if err := c.do(ctx, "update mcp servers", http.MethodPut, path, &auth, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GrantCapability requests a capability. A 409 means the capability is
// already granted and counts as success.
func (c *Client) GrantCapability(ctx context.Context, auth Auth, req CapabilityRequest) error {
	path, err := agentPath(pathCapabilities, auth)
	if err != nil {
		return err
	}
	err = c.do(ctx, "grant capability", http.MethodPost, path, &auth, req, nil)
	var netErr *NetworkError
	if errors.As(err, &netErr) && netErr.StatusCode == http.StatusConflict {
		c.logger.Debug("Capability %s already granted", req.CapabilityType)
		return nil
	}
	return err
}

// VerifyAction submits a signed action for verification
func (c *Client) VerifyAction(ctx context.Context, auth Auth, req VerifyRequest) (*VerifyResponse, error) {
	path, err := agentPath(pathVerify, auth)
	if err != nil {
		return nil, err
	}
	var resp VerifyResponse
	if err := c.do(ctx, "verify action", http.MethodPost, path, &auth, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func agentPath(format string, auth Auth) (string, error) {
	if auth.AgentID == "" || auth.APIKey == "" {
		return "", ErrNotRegistered
	}
	return fmt.Sprintf(format, url.PathEscape(auth.AgentID)), nil
}

func (c *Client) do(ctx context.Context, op, method, path string, auth *Auth, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &NetworkError{Op: op, Err: fmt.Errorf("failed to encode request: %w", err)}
	}

	endpoint := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return &NetworkError{Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if auth != nil {
		req.Header.Set("Authorization", "Bearer "+auth.APIKey)
	}

	c.logger.Request(method+" "+path, redact(in))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: fmt.Errorf("failed to execute request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Response(method+" "+path, string(raw))
		return &NetworkError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(raw, resp.Status)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return &NetworkError{Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	c.logger.Response(method+" "+path, redact(out))
	return nil
}

// errorMessage extracts the backend's error text: the "error" or "message"
// field of a JSON body, otherwise the raw body, otherwise the status line
func errorMessage(raw []byte, status string) string {
	var parsed struct {
		Error   interface{} `json:"error"`
		Message string      `json:"message"`
	}
	if json.Unmarshal(raw, &parsed) == nil {
		if s, ok := parsed.Error.(string); ok && s != "" {
			return s
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	if msg := strings.TrimSpace(string(raw)); msg != "" {
		return msg
	}
	return status
}

var secretFields = map[string]bool{"api_key": true, "oauth_token": true}

// redact returns v as a generic JSON value with secret fields masked, for
// wire logging
func redact(v interface{}) interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if json.Unmarshal(raw, &m) != nil {
		return json.RawMessage(raw)
	}
	for k := range m {
		if secretFields[k] {
			m[k] = "[redacted]"
		}
	}
	return m
}
