package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/agentid/internal/detection"
)

type recordedRequest struct {
	method string
	path   string
	header http.Header
	body   map[string]interface{}
}

func newTestServer(t *testing.T, status int, response string) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var requests []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		_ = json.Unmarshal(raw, &body)
		requests = append(requests, recordedRequest{method: r.Method, path: r.URL.EscapedPath(), header: r.Header.Clone(), body: body})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func TestRegister(t *testing.T) {
	srv, requests := newTestServer(t, http.StatusCreated, `{"id":"agent-1","name":"bot","api_key":"key-1","public_key":"pk"}`)
	c := NewClient(srv.URL+"/", "1.2.3")

	resp, err := c.Register(context.Background(), RegisterRequest{Name: "bot", Type: "ai_agent", PublicKey: "pk", Signature: "sig"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if resp.ID != "agent-1" || resp.APIKey != "key-1" {
		t.Errorf("unexpected response: %+v", resp)
	}

	req := (*requests)[0]
	if req.method != http.MethodPost || req.path != "/api/v1/agents/register" {
		t.Errorf("unexpected request %s %s", req.method, req.path)
	}
	if auth := req.header.Get("Authorization"); auth != "" {
		t.Errorf("expected no authorization header, got %q", auth)
	}
	if ua := req.header.Get("User-Agent"); ua != "agentid-go/1.2.3" {
		t.Errorf("unexpected user agent %q", ua)
	}
	if req.header.Get("X-Request-ID") == "" {
		t.Error("expected request ID")
	}
	if _, ok := req.body["oauth_token"]; ok {
		t.Error("expected empty oauth_token to be omitted")
	}
	if req.body["signature"] != "sig" || req.body["public_key"] != "pk" {
		t.Errorf("unexpected body: %v", req.body)
	}
}

func TestRegisterSurfacesBackendMessage(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		expected string
	}{
		{"json error field", http.StatusBadRequest, `{"error":"agent name already taken"}`, "agent name already taken"},
		{"json message field", http.StatusUnauthorized, `{"message":"invalid signature"}`, "invalid signature"},
		{"plain text", http.StatusInternalServerError, "database unavailable\n", "database unavailable"},
		{"empty body", http.StatusBadGateway, "", "502 Bad Gateway"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, tt.status, tt.body)
			_, err := NewClient(srv.URL, "dev").Register(context.Background(), RegisterRequest{Name: "bot"})

			var netErr *NetworkError
			if !errors.As(err, &netErr) {
				t.Fatalf("expected *NetworkError, got %T: %v", err, err)
			}
			if netErr.StatusCode != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, netErr.StatusCode)
			}
			if netErr.Message != tt.expected {
				t.Errorf("expected message %q, got %q", tt.expected, netErr.Message)
			}
			if !strings.Contains(err.Error(), tt.expected) {
				t.Errorf("expected error text to contain %q, got %q", tt.expected, err.Error())
			}
		})
	}
}

func TestRegisterRejectsIncompleteResponse(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusOK, `{"id":"agent-1"}`)
	_, err := NewClient(srv.URL, "dev").Register(context.Background(), RegisterRequest{Name: "bot"})
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected *NetworkError, got %v", err)
	}
}

func TestConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, "dev").Register(context.Background(), RegisterRequest{Name: "bot"})
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected *NetworkError, got %v", err)
	}
	if netErr.StatusCode != 0 || netErr.Err == nil {
		t.Errorf("expected transport error without status, got %+v", netErr)
	}
}

func TestReportDetections(t *testing.T) {
	srv, requests := newTestServer(t, http.StatusOK, `{"success":true,"detectionsProcessed":1,"newMCPs":["mcp-server-sqlite"],"existingMCPs":[],"message":"ok"}`)
	c := NewClient(srv.URL, "dev")

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []detection.DetectionEvent{
		detection.NewDetectionEvent("mcp-server-sqlite", detection.MethodManifest, 90, nil, "dev", ts),
	}
	resp, err := c.ReportDetections(context.Background(), Auth{AgentID: "agent/1", APIKey: "key"}, events)
	if err != nil {
		t.Fatalf("ReportDetections: %v", err)
	}
	if resp.DetectionsProcessed != 1 || len(resp.NewMCPs) != 1 {
		t.Errorf("unexpected response: %+v", resp)
	}

	req := (*requests)[0]
	if req.path != "/api/v1/detection/agents/agent%2F1/report" {
		t.Errorf("unexpected path %s", req.path)
	}
	if req.header.Get("Authorization") != "Bearer key" {
		t.Errorf("unexpected authorization %q", req.header.Get("Authorization"))
	}
	detections, ok := req.body["detections"].([]interface{})
	if !ok || len(detections) != 1 {
		t.Fatalf("unexpected body: %v", req.body)
	}
	first := detections[0].(map[string]interface{})
	if first["mcp_server"] != "mcp-server-sqlite" || first["detection_method"] != "manifest" {
		t.Errorf("unexpected event encoding: %v", first)
	}
}

func TestAuthenticatedCallsRequireRegistration(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", "dev")
	ctx := context.Background()

	if _, err := c.ReportDetections(ctx, Auth{}, nil); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
	if _, err := c.UpdateMCPServers(ctx, Auth{AgentID: "a"}, MCPServersRequest{}); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
	if err := c.GrantCapability(ctx, Auth{APIKey: "k"}, CapabilityRequest{}); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
	if _, err := c.VerifyAction(ctx, Auth{}, VerifyRequest{}); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
}

func TestUpdateMCPServers(t *testing.T) {
	srv, requests := newTestServer(t, http.StatusOK, `{"success":true,"message":"ok","added":2,"agent_id":"a","mcp_server_ids":["x","y"]}`)
	resp, err := NewClient(srv.URL, "dev").UpdateMCPServers(context.Background(), Auth{AgentID: "a", APIKey: "k"}, MCPServersRequest{
		MCPServerIDs:   []string{"x", "y"},
		DetectedMethod: "manual",
		Confidence:     100,
	})
	if err != nil {
		t.Fatalf("UpdateMCPServers: %v", err)
	}
	if resp.Added != 2 {
		t.Errorf("expected 2 added, got %d", resp.Added)
	}
	if req := (*requests)[0]; req.method != http.MethodPut || req.path != "/api/v1/sdk-api/agents/a/mcp-servers" {
		t.Errorf("unexpected request %s %s", req.method, req.path)
	}
}

func TestGrantCapability(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"created", http.StatusCreated, false},
		{"already granted", http.StatusConflict, false},
		{"forbidden", http.StatusForbidden, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, requests := newTestServer(t, tt.status, `{"message":"x"}`)
			err := NewClient(srv.URL, "dev").GrantCapability(context.Background(), Auth{AgentID: "a", APIKey: "k"}, CapabilityRequest{CapabilityType: "file:read", Scope: "/tmp"})
			if (err != nil) != tt.wantErr {
				t.Errorf("expected error=%v, got %v", tt.wantErr, err)
			}
			if body := (*requests)[0].body; body["capabilityType"] != "file:read" {
				t.Errorf("unexpected body %v", body)
			}
		})
	}
}

func TestVerifyAction(t *testing.T) {
	srv, requests := newTestServer(t, http.StatusOK, `{"verified":true,"message":"ok","trustScore":0.92,"risk":"low"}`)
	resp, err := NewClient(srv.URL, "dev").VerifyAction(context.Background(), Auth{AgentID: "a", APIKey: "k"}, VerifyRequest{
		ActionType: "read_file",
		Resource:   "/etc/hosts",
		Context:    map[string]interface{}{"reason": "lookup"},
		Timestamp:  "2026-01-01T00:00:00Z",
		Signature:  "sig",
		PublicKey:  "pk",
	})
	if err != nil {
		t.Fatalf("VerifyAction: %v", err)
	}
	if !resp.Verified || resp.TrustScore == nil || *resp.TrustScore != 0.92 || resp.Risk != "low" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if req := (*requests)[0]; req.path != "/api/v1/agents/a/verify" || req.body["action_type"] != "read_file" {
		t.Errorf("unexpected request: %+v", req)
	}
}

func TestRedact(t *testing.T) {
	out := redact(RegisterRequest{Name: "bot", OAuthToken: "secret"}).(map[string]interface{})
	if out["oauth_token"] != "[redacted]" || out["name"] != "bot" {
		t.Errorf("unexpected redaction: %v", out)
	}
}
